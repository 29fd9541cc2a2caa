// Package passkeys manages stored credentials after enrollment:
// listing, renaming, and deleting them under the last-credential rule.
package passkeys

import (
	"context"
	"strings"
	"time"

	apperrors "github.com/louisbranch/passkit/errors"
	"github.com/louisbranch/passkit/hooks"
	"github.com/louisbranch/passkit/storage"
)

var (
	// ErrPasskeyNotFound covers both missing credentials and credentials
	// owned by a different user, so a caller cannot probe for existence.
	ErrPasskeyNotFound = apperrors.New(apperrors.CodePasskeyNotFound, "passkey not found")
	// ErrLastPasskey rejects deleting a user's only credential.
	ErrLastPasskey = apperrors.New(apperrors.CodeLastPasskey, "cannot delete the last passkey")
)

// Manager exposes passkey lifecycle operations scoped to their owner.
type Manager struct {
	store storage.PasskeyStore
	hooks *hooks.Dispatcher
	clock func() time.Time
}

// New creates a Manager. The dispatcher may be nil.
func New(store storage.PasskeyStore, dispatcher *hooks.Dispatcher) *Manager {
	return &Manager{
		store: store,
		hooks: dispatcher,
		clock: time.Now,
	}
}

// List returns the user's passkeys in stable creation order.
func (m *Manager) List(ctx context.Context, userID string) ([]storage.Passkey, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, apperrors.New(apperrors.CodeValidation, "user id is required")
	}
	list, err := m.store.ListPasskeysByUser(ctx, userID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorage, "list passkeys", err)
	}
	return list, nil
}

// UpdateNickname sets the display label on one of the user's passkeys.
func (m *Manager) UpdateNickname(ctx context.Context, userID, passkeyID, nickname string) (storage.Passkey, error) {
	record, err := m.owned(ctx, userID, passkeyID)
	if err != nil {
		return storage.Passkey{}, err
	}

	record.Nickname = strings.TrimSpace(nickname)
	record.UpdatedAt = m.clock().UTC()
	if err := m.store.PutPasskey(ctx, record); err != nil {
		return storage.Passkey{}, apperrors.Wrap(apperrors.CodeStorage, "store passkey", err)
	}
	return record, nil
}

// Delete removes one of the user's passkeys. The user's only remaining
// passkey cannot be deleted; that would lock them out of their account.
func (m *Manager) Delete(ctx context.Context, userID, passkeyID string) error {
	record, err := m.owned(ctx, userID, passkeyID)
	if err != nil {
		return err
	}

	list, err := m.store.ListPasskeysByUser(ctx, userID)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStorage, "list passkeys", err)
	}
	if len(list) <= 1 {
		return ErrLastPasskey
	}

	if err := m.store.DeletePasskey(ctx, record.ID); err != nil {
		if apperrors.Is(err, storage.ErrNotFound) {
			return ErrPasskeyNotFound
		}
		return apperrors.Wrap(apperrors.CodeStorage, "delete passkey", err)
	}

	m.hooks.PasskeyDeleted(hooks.PasskeyDeleted{UserID: userID, PasskeyID: record.ID})
	return nil
}

// owned loads a passkey and verifies the caller owns it. Ownership
// mismatches report the same error as a missing credential.
func (m *Manager) owned(ctx context.Context, userID, passkeyID string) (storage.Passkey, error) {
	if strings.TrimSpace(userID) == "" {
		return storage.Passkey{}, apperrors.New(apperrors.CodeValidation, "user id is required")
	}
	if strings.TrimSpace(passkeyID) == "" {
		return storage.Passkey{}, apperrors.New(apperrors.CodeValidation, "passkey id is required")
	}

	record, err := m.store.GetPasskey(ctx, passkeyID)
	if err != nil {
		if apperrors.Is(err, storage.ErrNotFound) {
			return storage.Passkey{}, ErrPasskeyNotFound
		}
		return storage.Passkey{}, apperrors.Wrap(apperrors.CodeStorage, "get passkey", err)
	}
	if record.UserID != userID {
		return storage.Passkey{}, ErrPasskeyNotFound
	}
	return record, nil
}
