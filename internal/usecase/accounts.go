package usecase

import (
	"context"
	"errors"
	"strings"

	"chat-relay/internal/domain"
)

// AccountStore persists accounts. GetOrCreateAccount must be safe under
// concurrent first contact for the same external id, and IncrementUsage must
// be an atomic add.
type AccountStore interface {
	GetOrCreateAccount(ctx context.Context, externalUserID, displayName string) (domain.Account, error)
	IncrementUsage(ctx context.Context, acc domain.Account) (int, error)
}

// AccountResolver maps a platform user to its durable account.
type AccountResolver struct {
	store AccountStore
}

func NewAccountResolver(store AccountStore) (*AccountResolver, error) {
	if store == nil {
		return nil, errors.New("usecase: account store must not be nil")
	}
	return &AccountResolver{store: store}, nil
}

// Resolve returns the account for externalUserID, creating it with a zero
// usage count on first contact. The display name is only used on creation.
func (r *AccountResolver) Resolve(ctx context.Context, externalUserID, displayNameHint string) (domain.Account, error) {
	externalUserID = strings.TrimSpace(externalUserID)
	if externalUserID == "" {
		return domain.Account{}, newError(ErrorMalformedInput, "missing_sender", nil)
	}
	acc, err := r.store.GetOrCreateAccount(ctx, externalUserID, strings.TrimSpace(displayNameHint))
	if err != nil {
		return domain.Account{}, newError(ErrorStoreUnavailable, "account_resolve_error", err)
	}
	return acc, nil
}
