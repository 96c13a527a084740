package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"chat-relay/internal/domain"
)

// pgxAPI is the subset of *pgxpool.Pool used by PostgresStore.
type pgxAPI interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore keeps accounts, turns and update claims in PostgreSQL. It
// satisfies the same contracts as Client.
type PostgresStore struct {
	db    pgxAPI
	close func()
}

// NewPostgresStore connects to databaseURL and ensures the schema exists.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	if strings.TrimSpace(databaseURL) == "" {
		return nil, errors.New("repository: database url must not be empty")
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("repository: connect postgres: %w", err)
	}
	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{db: pool, close: pool.Close}, nil
}

func initSchema(ctx context.Context, db pgxAPI) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			external_user_id TEXT NOT NULL UNIQUE,
			display_name TEXT NOT NULL DEFAULT '',
			usage_count INTEGER NOT NULL DEFAULT 0 CHECK (usage_count >= 0),
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS chat_turns (
			seq BIGSERIAL PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			chat_id TEXT NOT NULL,
			account_id TEXT NOT NULL,
			text TEXT NOT NULL,
			is_from_user BOOLEAN NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT clock_timestamp()
		);`,
		`CREATE INDEX IF NOT EXISTS idx_chat_turns_chat_created ON chat_turns (chat_id, created_at DESC, seq DESC);`,
		`CREATE TABLE IF NOT EXISTS update_claims (
			update_id BIGINT PRIMARY KEY,
			claimed_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("repository: init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

const accountColumns = `id, external_user_id, display_name, usage_count, created_at`

func scanAccount(row pgx.Row) (domain.Account, error) {
	var a domain.Account
	err := row.Scan(&a.ID, &a.ExternalUserID, &a.DisplayName, &a.UsageCount, &a.CreatedAt)
	return a, err
}

// GetOrCreateAccount relies on the unique external_user_id constraint; when
// the insert loses a race the row written by the winner is returned.
func (s *PostgresStore) GetOrCreateAccount(ctx context.Context, externalUserID, displayName string) (domain.Account, error) {
	if strings.TrimSpace(externalUserID) == "" {
		return domain.Account{}, errors.New("repository: GetOrCreateAccount: external user id is required")
	}

	acc, err := s.accountByExternalID(ctx, externalUserID)
	if err == nil {
		return acc, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Account{}, fmt.Errorf("repository: GetOrCreateAccount select: %w", err)
	}

	acc, err = scanAccount(s.db.QueryRow(ctx, `
		INSERT INTO accounts (id, external_user_id, display_name, usage_count)
		VALUES ($1, $2, $3, 0)
		ON CONFLICT (external_user_id) DO NOTHING
		RETURNING `+accountColumns,
		uuid.NewString(), externalUserID, displayName))
	if err == nil {
		return acc, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return domain.Account{}, fmt.Errorf("repository: GetOrCreateAccount insert: %w", err)
	}

	acc, err = s.accountByExternalID(ctx, externalUserID)
	if err != nil {
		return domain.Account{}, fmt.Errorf("repository: GetOrCreateAccount reread: %w", err)
	}
	return acc, nil
}

func (s *PostgresStore) accountByExternalID(ctx context.Context, externalUserID string) (domain.Account, error) {
	return scanAccount(s.db.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE external_user_id = $1`, externalUserID))
}

// IncrementUsage adds one to the usage count in a single UPDATE.
func (s *PostgresStore) IncrementUsage(ctx context.Context, acc domain.Account) (int, error) {
	var n int
	err := s.db.QueryRow(ctx,
		`UPDATE accounts SET usage_count = usage_count + 1 WHERE id = $1 RETURNING usage_count`,
		acc.ID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("repository: IncrementUsage: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) AppendTurn(ctx context.Context, turn domain.Turn) (domain.Turn, error) {
	if strings.TrimSpace(turn.ChatID) == "" {
		return domain.Turn{}, errors.New("repository: AppendTurn: chat id is required")
	}
	turn.ID = uuid.NewString()
	err := s.db.QueryRow(ctx, `
		INSERT INTO chat_turns (id, chat_id, account_id, text, is_from_user)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at`,
		turn.ID, turn.ChatID, turn.AccountID, turn.Text, turn.IsFromUser).Scan(&turn.CreatedAt)
	if err != nil {
		return domain.Turn{}, fmt.Errorf("repository: AppendTurn: %w", err)
	}
	return turn, nil
}

func (s *PostgresStore) RecentTurns(ctx context.Context, chatID string, limit int) ([]domain.Turn, error) {
	if limit <= 0 {
		return nil, errors.New("repository: RecentTurns: limit must be positive")
	}
	return s.queryTurns(ctx, "RecentTurns", limit, `
		SELECT id, chat_id, account_id, text, is_from_user, created_at
		FROM chat_turns WHERE chat_id = $1
		ORDER BY created_at DESC, seq DESC
		LIMIT $2`, chatID, limit)
}

// TurnsBefore returns up to limit turns of current's chat ordered strictly
// before current, oldest first. Ordering matches RecentTurns.
func (s *PostgresStore) TurnsBefore(ctx context.Context, current domain.Turn, limit int) ([]domain.Turn, error) {
	if limit <= 0 {
		return nil, errors.New("repository: TurnsBefore: limit must be positive")
	}
	if strings.TrimSpace(current.ID) == "" {
		return nil, errors.New("repository: TurnsBefore: current turn has no id")
	}
	return s.queryTurns(ctx, "TurnsBefore", limit, `
		SELECT t.id, t.chat_id, t.account_id, t.text, t.is_from_user, t.created_at
		FROM chat_turns t, chat_turns cur
		WHERE cur.id = $2 AND t.chat_id = $1
		  AND (t.created_at, t.seq) < (cur.created_at, cur.seq)
		ORDER BY t.created_at DESC, t.seq DESC
		LIMIT $3`, current.ChatID, current.ID, limit)
}

func (s *PostgresStore) queryTurns(ctx context.Context, op string, limit int, sql string, args ...any) ([]domain.Turn, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("repository: %s query: %w", op, err)
	}
	defer rows.Close()

	turns := make([]domain.Turn, 0, limit)
	for rows.Next() {
		var t domain.Turn
		if err := rows.Scan(&t.ID, &t.ChatID, &t.AccountID, &t.Text, &t.IsFromUser, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("repository: %s scan: %w", op, err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: %s rows: %w", op, err)
	}
	reverseTurns(turns)
	return turns, nil
}

func (s *PostgresStore) ClaimUpdate(ctx context.Context, updateID int64) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`INSERT INTO update_claims (update_id) VALUES ($1) ON CONFLICT (update_id) DO NOTHING`, updateID)
	if err != nil {
		return false, fmt.Errorf("repository: ClaimUpdate: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) ReleaseUpdate(ctx context.Context, updateID int64) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM update_claims WHERE update_id = $1`, updateID); err != nil {
		return fmt.Errorf("repository: ReleaseUpdate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() {
	if s.close != nil {
		s.close()
	}
}
