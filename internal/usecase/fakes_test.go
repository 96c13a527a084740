package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"chat-relay/internal/domain"
)

// memStore is an in-memory AccountStore, HistoryStore and UpdateClaimer.
type memStore struct {
	mu       sync.Mutex
	accounts map[string]domain.Account
	turns    []domain.Turn
	claims   map[int64]bool
	clock    time.Time
	seq      int

	getErr       error
	incrementErr error
	appendErr    error
	appendErrAt  int // fail the Nth append (1-based); 0 disables
	appends      int
	recentErr    error
	claimErr     error
	released     []int64
}

func newMemStore() *memStore {
	return &memStore{
		accounts: map[string]domain.Account{},
		claims:   map[int64]bool{},
		clock:    time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func (m *memStore) nextID(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s-%d", prefix, m.seq)
}

func (m *memStore) GetOrCreateAccount(_ context.Context, externalUserID, displayName string) (domain.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return domain.Account{}, m.getErr
	}
	if acc, ok := m.accounts[externalUserID]; ok {
		return acc, nil
	}
	acc := domain.Account{
		ID:             m.nextID("acc"),
		ExternalUserID: externalUserID,
		DisplayName:    displayName,
		CreatedAt:      m.clock,
	}
	m.accounts[externalUserID] = acc
	return acc, nil
}

func (m *memStore) IncrementUsage(_ context.Context, acc domain.Account) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.incrementErr != nil {
		return 0, m.incrementErr
	}
	stored := m.accounts[acc.ExternalUserID]
	stored.UsageCount++
	m.accounts[acc.ExternalUserID] = stored
	return stored.UsageCount, nil
}

func (m *memStore) AppendTurn(_ context.Context, turn domain.Turn) (domain.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appends++
	if m.appendErr != nil && (m.appendErrAt == 0 || m.appendErrAt == m.appends) {
		return domain.Turn{}, m.appendErr
	}
	m.clock = m.clock.Add(time.Second)
	turn.ID = m.nextID("turn")
	turn.CreatedAt = m.clock
	m.turns = append(m.turns, turn)
	return turn, nil
}

func (m *memStore) RecentTurns(_ context.Context, chatID string, limit int) ([]domain.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recentErr != nil {
		return nil, m.recentErr
	}
	var out []domain.Turn
	for i := len(m.turns) - 1; i >= 0 && len(out) < limit; i-- {
		if m.turns[i].ChatID == chatID {
			out = append(out, m.turns[i])
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (m *memStore) TurnsBefore(_ context.Context, current domain.Turn, limit int) ([]domain.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recentErr != nil {
		return nil, m.recentErr
	}
	end := -1
	for i, t := range m.turns {
		if t.ID == current.ID {
			end = i
			break
		}
	}
	var out []domain.Turn
	for i := end - 1; i >= 0 && len(out) < limit; i-- {
		if m.turns[i].ChatID == current.ChatID {
			out = append(out, m.turns[i])
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (m *memStore) ClaimUpdate(_ context.Context, updateID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claimErr != nil {
		return false, m.claimErr
	}
	if m.claims[updateID] {
		return false, nil
	}
	m.claims[updateID] = true
	return true, nil
}

func (m *memStore) ReleaseUpdate(_ context.Context, updateID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.claims, updateID)
	m.released = append(m.released, updateID)
	return nil
}

func (m *memStore) chatTurns(chatID string) []domain.Turn {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Turn
	for _, t := range m.turns {
		if t.ChatID == chatID {
			out = append(out, t)
		}
	}
	return out
}

func (m *memStore) seedAccount(externalUserID string, usage int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[externalUserID] = domain.Account{
		ID:             "acc-" + externalUserID,
		ExternalUserID: externalUserID,
		UsageCount:     usage,
	}
}

type fakeLLM struct {
	reply    string
	err      error
	calls    int
	captured []domain.ChatMessage
}

func (f *fakeLLM) Chat(_ context.Context, msgs []domain.ChatMessage) (string, error) {
	f.calls++
	f.captured = msgs
	return f.reply, f.err
}

type sentMessage struct {
	chatID string
	text   string
}

type fakeGateway struct {
	err  error
	sent []sentMessage
}

func (f *fakeGateway) SendMessage(_ context.Context, chatID, text string) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentMessage{chatID: chatID, text: text})
	return nil
}

type countingMetrics struct {
	outcomes  map[string]int
	upstreams map[string]int
	latencies int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{outcomes: map[string]int{}, upstreams: map[string]int{}}
}

func (c *countingMetrics) ObserveOutcome(o string) { c.outcomes[o]++ }
func (c *countingMetrics) ObserveUpstreamError(u string) { c.upstreams[u]++ }
func (c *countingMetrics) ObserveCompletionLatency(time.Duration) { c.latencies++ }
