package usecase

import (
	"context"
	"errors"

	"chat-relay/internal/domain"
)

const DefaultUsageLimit = 5

type Decision int

const (
	Allowed Decision = iota
	Rejected
)

func (d Decision) String() string {
	if d == Rejected {
		return "rejected"
	}
	return "allowed"
}

// QuotaEnforcer caps the number of completed exchanges per account.
type QuotaEnforcer struct {
	store AccountStore
	limit int
}

// NewQuotaEnforcer falls back to DefaultUsageLimit when limit is not positive.
func NewQuotaEnforcer(store AccountStore, limit int) (*QuotaEnforcer, error) {
	if store == nil {
		return nil, errors.New("usecase: account store must not be nil")
	}
	if limit <= 0 {
		limit = DefaultUsageLimit
	}
	return &QuotaEnforcer{store: store, limit: limit}, nil
}

func (q *QuotaEnforcer) Limit() int {
	return q.limit
}

// Check decides on the usage count read before the current message counts.
func (q *QuotaEnforcer) Check(acc domain.Account) Decision {
	if acc.UsageCount >= q.limit {
		return Rejected
	}
	return Allowed
}

// Increment records one completed exchange and returns the new usage count.
func (q *QuotaEnforcer) Increment(ctx context.Context, acc domain.Account) (int, error) {
	n, err := q.store.IncrementUsage(ctx, acc)
	if err != nil {
		return 0, newError(ErrorStoreUnavailable, "quota_increment_error", err)
	}
	return n, nil
}
