// Package memory provides an in-memory storage backend.
//
// The backend satisfies the full storage contract, including the
// single-winner mark-used transitions, and is intended for tests and
// single-process deployments.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/louisbranch/passkit/storage"
	"github.com/louisbranch/passkit/user"
)

// Store implements storage.Store over mutex-guarded maps.
type Store struct {
	mu sync.Mutex

	users           map[string]user.User
	passkeys        map[string]storage.Passkey
	challenges      map[string]storage.Challenge
	challengeValues map[string]string // value -> challenge id
	recoveryCodes   map[string]storage.RecoveryCode
	recoveryTokens  map[string]storage.RecoveryToken
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		users:           make(map[string]user.User),
		passkeys:        make(map[string]storage.Passkey),
		challenges:      make(map[string]storage.Challenge),
		challengeValues: make(map[string]string),
		recoveryCodes:   make(map[string]storage.RecoveryCode),
		recoveryTokens:  make(map[string]storage.RecoveryToken),
	}
}

// CreateUser stores a new user, enforcing case-insensitive email uniqueness.
func (s *Store) CreateUser(ctx context.Context, u user.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	email := strings.ToLower(u.Email)
	for _, existing := range s.users {
		if strings.ToLower(existing.Email) == email {
			return storage.ErrEmailTaken
		}
	}
	s.users[u.ID] = u
	return nil
}

// GetUser returns a user by id.
func (s *Store) GetUser(ctx context.Context, userID string) (user.User, error) {
	if err := ctx.Err(); err != nil {
		return user.User{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return user.User{}, storage.ErrNotFound
	}
	return u, nil
}

// GetUserByEmail returns a user by email, case-insensitively.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (user.User, error) {
	if err := ctx.Err(); err != nil {
		return user.User{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	needle := strings.ToLower(email)
	for _, u := range s.users {
		if strings.ToLower(u.Email) == needle {
			return u, nil
		}
	}
	return user.User{}, storage.ErrNotFound
}

// UpdateUser replaces a user record, re-checking email uniqueness.
func (s *Store) UpdateUser(ctx context.Context, u user.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[u.ID]; !ok {
		return storage.ErrNotFound
	}
	email := strings.ToLower(u.Email)
	for id, existing := range s.users {
		if id != u.ID && strings.ToLower(existing.Email) == email {
			return storage.ErrEmailTaken
		}
	}
	s.users[u.ID] = u
	return nil
}

// PutPasskey creates or replaces a credential record.
func (s *Store) PutPasskey(ctx context.Context, p storage.Passkey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.passkeys[p.ID] = clonePasskey(p)
	return nil
}

// GetPasskey returns a credential record by credential id.
func (s *Store) GetPasskey(ctx context.Context, credentialID string) (storage.Passkey, error) {
	if err := ctx.Err(); err != nil {
		return storage.Passkey{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.passkeys[credentialID]
	if !ok {
		return storage.Passkey{}, storage.ErrNotFound
	}
	return clonePasskey(p), nil
}

// ListPasskeysByUser returns a user's credentials ordered by creation time.
func (s *Store) ListPasskeysByUser(ctx context.Context, userID string) ([]storage.Passkey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]storage.Passkey, 0)
	for _, p := range s.passkeys {
		if p.UserID == userID {
			result = append(result, clonePasskey(p))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// DeletePasskey removes a credential record.
func (s *Store) DeletePasskey(ctx context.Context, credentialID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.passkeys[credentialID]; !ok {
		return storage.ErrNotFound
	}
	delete(s.passkeys, credentialID)
	return nil
}

// PutChallenge stores a ceremony challenge.
func (s *Store) PutChallenge(ctx context.Context, c storage.Challenge) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.challengeValues[c.Value]; ok && existing != c.ID {
		return storage.ErrDuplicateChallengeValue
	}
	s.challenges[c.ID] = c
	s.challengeValues[c.Value] = c.ID
	return nil
}

// GetChallenge returns a challenge by id, reclaiming it when expired.
func (s *Store) GetChallenge(ctx context.Context, id string) (storage.Challenge, error) {
	if err := ctx.Err(); err != nil {
		return storage.Challenge{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.getChallengeLocked(id)
}

// GetChallengeByValue returns a challenge by value, reclaiming it when expired.
func (s *Store) GetChallengeByValue(ctx context.Context, value string) (storage.Challenge, error) {
	if err := ctx.Err(); err != nil {
		return storage.Challenge{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.challengeValues[value]
	if !ok {
		return storage.Challenge{}, storage.ErrNotFound
	}
	return s.getChallengeLocked(id)
}

func (s *Store) getChallengeLocked(id string) (storage.Challenge, error) {
	c, ok := s.challenges[id]
	if !ok {
		return storage.Challenge{}, storage.ErrNotFound
	}
	if !time.Now().Before(c.ExpiresAt) {
		s.deleteChallengeLocked(c)
		return storage.Challenge{}, storage.ErrNotFound
	}
	return c, nil
}

func (s *Store) deleteChallengeLocked(c storage.Challenge) {
	delete(s.challenges, c.ID)
	delete(s.challengeValues, c.Value)
}

// DeleteChallenge removes a challenge by id.
func (s *Store) DeleteChallenge(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.challenges[id]
	if !ok {
		return storage.ErrNotFound
	}
	s.deleteChallengeLocked(c)
	return nil
}

// DeleteExpiredChallenges reclaims every challenge past its expiry.
func (s *Store) DeleteExpiredChallenges(ctx context.Context, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.challenges {
		if !now.Before(c.ExpiresAt) {
			s.deleteChallengeLocked(c)
		}
	}
	return nil
}

// ReplaceRecoveryCodes atomically installs a new batch for a user.
func (s *Store) ReplaceRecoveryCodes(ctx context.Context, userID string, codes []storage.RecoveryCode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, code := range s.recoveryCodes {
		if code.UserID == userID {
			delete(s.recoveryCodes, id)
		}
	}
	for _, code := range codes {
		s.recoveryCodes[code.ID] = code
	}
	return nil
}

// ListUnusedRecoveryCodes returns a user's not-yet-consumed codes.
func (s *Store) ListUnusedRecoveryCodes(ctx context.Context, userID string) ([]storage.RecoveryCode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]storage.RecoveryCode, 0)
	for _, code := range s.recoveryCodes {
		if code.UserID == userID && code.UsedAt == nil {
			result = append(result, code)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// CountUnusedRecoveryCodes returns the number of not-yet-consumed codes.
func (s *Store) CountUnusedRecoveryCodes(ctx context.Context, userID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, code := range s.recoveryCodes {
		if code.UserID == userID && code.UsedAt == nil {
			count++
		}
	}
	return count, nil
}

// MarkRecoveryCodeUsed transitions a code to used. Only the caller that
// observed the unused state wins; the mutex serializes the check-and-set.
func (s *Store) MarkRecoveryCodeUsed(ctx context.Context, id string, usedAt time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	code, ok := s.recoveryCodes[id]
	if !ok || code.UsedAt != nil {
		return false, nil
	}
	at := usedAt
	code.UsedAt = &at
	s.recoveryCodes[id] = code
	return true, nil
}

// DeleteRecoveryCodes removes every code for a user.
func (s *Store) DeleteRecoveryCodes(ctx context.Context, userID string) error {
	return s.ReplaceRecoveryCodes(ctx, userID, nil)
}

// PutRecoveryToken stores an email recovery token.
func (s *Store) PutRecoveryToken(ctx context.Context, t storage.RecoveryToken) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.recoveryTokens[t.ID] = t
	return nil
}

// GetRecoveryTokenByHash returns a live token by its hash. Expired and
// already-used tokens are indistinguishable from absent ones.
func (s *Store) GetRecoveryTokenByHash(ctx context.Context, tokenHash string) (storage.RecoveryToken, error) {
	if err := ctx.Err(); err != nil {
		return storage.RecoveryToken{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.recoveryTokens {
		if t.TokenHash != tokenHash {
			continue
		}
		if t.UsedAt != nil || !time.Now().Before(t.ExpiresAt) {
			return storage.RecoveryToken{}, storage.ErrNotFound
		}
		return t, nil
	}
	return storage.RecoveryToken{}, storage.ErrNotFound
}

// MarkRecoveryTokenUsed transitions a token to used, single-winner.
func (s *Store) MarkRecoveryTokenUsed(ctx context.Context, id string, usedAt time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.recoveryTokens[id]
	if !ok || t.UsedAt != nil {
		return false, nil
	}
	at := usedAt
	t.UsedAt = &at
	s.recoveryTokens[id] = t
	return true, nil
}

// DeleteExpiredRecoveryTokens reclaims every token past its expiry.
func (s *Store) DeleteExpiredRecoveryTokens(ctx context.Context, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, t := range s.recoveryTokens {
		if !now.Before(t.ExpiresAt) {
			delete(s.recoveryTokens, id)
		}
	}
	return nil
}

func clonePasskey(p storage.Passkey) storage.Passkey {
	clone := p
	clone.PublicKey = append([]byte(nil), p.PublicKey...)
	clone.Transports = append([]string(nil), p.Transports...)
	if p.LastUsedAt != nil {
		at := *p.LastUsedAt
		clone.LastUsedAt = &at
	}
	return clone
}
