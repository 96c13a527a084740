package usecase

import (
	"context"
	"errors"
	"sort"

	"chat-relay/internal/domain"
)

const (
	DefaultHistoryWindow = 10
	maxHistoryWindow     = 50
)

// HistoryStore persists chat turns. Both reads return the newest matching
// turns oldest first. TurnsBefore only returns turns the store ordered
// strictly before current.
type HistoryStore interface {
	AppendTurn(ctx context.Context, turn domain.Turn) (domain.Turn, error)
	RecentTurns(ctx context.Context, chatID string, limit int) ([]domain.Turn, error)
	TurnsBefore(ctx context.Context, current domain.Turn, limit int) ([]domain.Turn, error)
}

// History appends turns and rebuilds bounded context windows.
type History struct {
	store HistoryStore
}

func NewHistory(store HistoryStore) (*History, error) {
	if store == nil {
		return nil, errors.New("usecase: history store must not be nil")
	}
	return &History{store: store}, nil
}

func (h *History) Append(ctx context.Context, chatID, accountID, text string, isFromUser bool) (domain.Turn, error) {
	turn, err := h.store.AppendTurn(ctx, domain.Turn{
		ChatID:     chatID,
		AccountID:  accountID,
		Text:       text,
		IsFromUser: isFromUser,
	})
	if err != nil {
		return domain.Turn{}, newError(ErrorStoreUnavailable, "history_append_error", err)
	}
	return turn, nil
}

// RecentWindow returns up to limit of the most recent turns in chronological
// order, whatever order the store produced them in.
func (h *History) RecentWindow(ctx context.Context, chatID string, limit int) ([]domain.Turn, error) {
	limit = clampWindow(limit)
	turns, err := h.store.RecentTurns(ctx, chatID, limit)
	if err != nil {
		return nil, newError(ErrorStoreUnavailable, "history_read_error", err)
	}
	sortChronological(turns)
	if len(turns) > limit {
		turns = turns[len(turns)-limit:]
	}
	return turns, nil
}

// PriorWindow returns up to limit turns that precede current, oldest first.
// Turns appended after current, for example by a second message racing in
// the same chat, never appear.
func (h *History) PriorWindow(ctx context.Context, current domain.Turn, limit int) ([]domain.Turn, error) {
	limit = clampWindow(limit)
	turns, err := h.store.TurnsBefore(ctx, current, limit)
	if err != nil {
		return nil, newError(ErrorStoreUnavailable, "history_read_error", err)
	}
	prior := turns[:0]
	for _, t := range turns {
		if t.ID == current.ID || t.CreatedAt.After(current.CreatedAt) {
			continue
		}
		prior = append(prior, t)
	}
	sortChronological(prior)
	if len(prior) > limit {
		prior = prior[len(prior)-limit:]
	}
	return prior, nil
}

func clampWindow(limit int) int {
	if limit <= 0 {
		return DefaultHistoryWindow
	}
	if limit > maxHistoryWindow {
		return maxHistoryWindow
	}
	return limit
}

func sortChronological(turns []domain.Turn) {
	sort.SliceStable(turns, func(i, j int) bool {
		return turns[i].CreatedAt.Before(turns[j].CreatedAt)
	})
}
