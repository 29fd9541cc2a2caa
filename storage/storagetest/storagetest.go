// Package storagetest verifies the behavioral contract every storage
// backend must satisfy. Backend test packages call Run with a constructor
// so the same suite exercises each implementation identically.
package storagetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/louisbranch/passkit/storage"
	"github.com/louisbranch/passkit/user"
)

// Factory opens a fresh, empty store for a single test.
type Factory func(t *testing.T) storage.Store

// Run executes the full contract suite against the backend.
func Run(t *testing.T, open Factory) {
	t.Run("UserEmailUniqueness", func(t *testing.T) { testUserEmailUniqueness(t, open) })
	t.Run("UserLookup", func(t *testing.T) { testUserLookup(t, open) })
	t.Run("PasskeyCRUD", func(t *testing.T) { testPasskeyCRUD(t, open) })
	t.Run("ChallengeLifecycle", func(t *testing.T) { testChallengeLifecycle(t, open) })
	t.Run("ChallengeValueUniqueness", func(t *testing.T) { testChallengeValueUniqueness(t, open) })
	t.Run("ChallengeExpiry", func(t *testing.T) { testChallengeExpiry(t, open) })
	t.Run("RecoveryCodeReplace", func(t *testing.T) { testRecoveryCodeReplace(t, open) })
	t.Run("RecoveryCodeSingleWinner", func(t *testing.T) { testRecoveryCodeSingleWinner(t, open) })
	t.Run("RecoveryTokenLifecycle", func(t *testing.T) { testRecoveryTokenLifecycle(t, open) })
	t.Run("RecoveryTokenSingleWinner", func(t *testing.T) { testRecoveryTokenSingleWinner(t, open) })
}

func mustCreateUser(t *testing.T, store storage.Store, id, email string) user.User {
	t.Helper()
	now := time.Now().UTC()
	u := user.User{ID: id, Email: email, CreatedAt: now, UpdatedAt: now}
	if err := store.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("create user %s: %v", id, err)
	}
	return u
}

func testUserEmailUniqueness(t *testing.T, open Factory) {
	store := open(t)
	ctx := context.Background()
	mustCreateUser(t, store, "u1", "alice@example.com")

	dup := user.User{ID: "u2", Email: "Alice@Example.com", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	if err := store.CreateUser(ctx, dup); !errors.Is(err, storage.ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken for case-insensitive duplicate, got %v", err)
	}

	mustCreateUser(t, store, "u3", "bob@example.com")
	moved := user.User{ID: "u3", Email: "ALICE@example.com", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	if err := store.UpdateUser(ctx, moved); !errors.Is(err, storage.ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken on update collision, got %v", err)
	}
}

func testUserLookup(t *testing.T, open Factory) {
	store := open(t)
	ctx := context.Background()
	created := mustCreateUser(t, store, "u1", "carol@example.com")

	got, err := store.GetUser(ctx, "u1")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	if got.Email != created.Email {
		t.Fatalf("get user email = %q, want %q", got.Email, created.Email)
	}

	byEmail, err := store.GetUserByEmail(ctx, "CAROL@example.com")
	if err != nil {
		t.Fatalf("get user by email: %v", err)
	}
	if byEmail.ID != "u1" {
		t.Fatalf("get user by email id = %q, want u1", byEmail.ID)
	}

	if _, err := store.GetUser(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing user, got %v", err)
	}
	if _, err := store.GetUserByEmail(ctx, "nobody@example.com"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing email, got %v", err)
	}
}

func testPasskeyCRUD(t *testing.T, open Factory) {
	store := open(t)
	ctx := context.Background()
	mustCreateUser(t, store, "u1", "dave@example.com")

	now := time.Now().UTC()
	first := storage.Passkey{
		ID:              "cred-a",
		UserID:          "u1",
		PublicKey:       []byte{0x01, 0x02},
		SignCount:       0,
		AttestationType: "none",
		Transports:      []string{"internal"},
		BackupEligible:  true,
		BackedUp:        true,
		Nickname:        "laptop",
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := store.PutPasskey(ctx, first); err != nil {
		t.Fatalf("put passkey: %v", err)
	}
	second := first
	second.ID = "cred-b"
	second.CreatedAt = now.Add(time.Second)
	second.UpdatedAt = second.CreatedAt
	if err := store.PutPasskey(ctx, second); err != nil {
		t.Fatalf("put second passkey: %v", err)
	}

	got, err := store.GetPasskey(ctx, "cred-a")
	if err != nil {
		t.Fatalf("get passkey: %v", err)
	}
	if got.Nickname != "laptop" || got.SignCount != 0 || !got.BackedUp {
		t.Fatalf("unexpected passkey record: %+v", got)
	}

	used := now.Add(time.Minute)
	got.SignCount = 7
	got.LastUsedAt = &used
	if err := store.PutPasskey(ctx, got); err != nil {
		t.Fatalf("update passkey: %v", err)
	}
	updated, err := store.GetPasskey(ctx, "cred-a")
	if err != nil {
		t.Fatalf("get updated passkey: %v", err)
	}
	if updated.SignCount != 7 || updated.LastUsedAt == nil {
		t.Fatalf("expected counter and last-used persisted, got %+v", updated)
	}

	list, err := store.ListPasskeysByUser(ctx, "u1")
	if err != nil {
		t.Fatalf("list passkeys: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 passkeys, got %d", len(list))
	}

	if err := store.DeletePasskey(ctx, "cred-a"); err != nil {
		t.Fatalf("delete passkey: %v", err)
	}
	if _, err := store.GetPasskey(ctx, "cred-a"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := store.DeletePasskey(ctx, "cred-a"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on double delete, got %v", err)
	}
}

func testChallengeLifecycle(t *testing.T, open Factory) {
	store := open(t)
	ctx := context.Background()

	now := time.Now().UTC()
	c := storage.Challenge{
		ID:          "ch-1",
		Value:       "value-1",
		Type:        storage.ChallengeTypeRegistration,
		UserID:      "u1",
		SessionJSON: `{"challenge":"value-1"}`,
		CreatedAt:   now,
		ExpiresAt:   now.Add(5 * time.Minute),
	}
	if err := store.PutChallenge(ctx, c); err != nil {
		t.Fatalf("put challenge: %v", err)
	}

	byID, err := store.GetChallenge(ctx, "ch-1")
	if err != nil {
		t.Fatalf("get challenge by id: %v", err)
	}
	if byID.Value != "value-1" || byID.Type != storage.ChallengeTypeRegistration {
		t.Fatalf("unexpected challenge: %+v", byID)
	}

	byValue, err := store.GetChallengeByValue(ctx, "value-1")
	if err != nil {
		t.Fatalf("get challenge by value: %v", err)
	}
	if byValue.ID != "ch-1" {
		t.Fatalf("get by value id = %q, want ch-1", byValue.ID)
	}

	if err := store.DeleteChallenge(ctx, "ch-1"); err != nil {
		t.Fatalf("delete challenge: %v", err)
	}
	if _, err := store.GetChallenge(ctx, "ch-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if _, err := store.GetChallengeByValue(ctx, "value-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound by value after delete, got %v", err)
	}
}

func testChallengeValueUniqueness(t *testing.T, open Factory) {
	store := open(t)
	ctx := context.Background()

	now := time.Now().UTC()
	first := storage.Challenge{
		ID:        "ch-a",
		Value:     "shared-value",
		Type:      storage.ChallengeTypeRegistration,
		UserID:    "u1",
		CreatedAt: now,
		ExpiresAt: now.Add(5 * time.Minute),
	}
	if err := store.PutChallenge(ctx, first); err != nil {
		t.Fatalf("put first challenge: %v", err)
	}

	second := first
	second.ID = "ch-b"
	second.UserID = "u2"
	if err := store.PutChallenge(ctx, second); !errors.Is(err, storage.ErrDuplicateChallengeValue) {
		t.Fatalf("expected ErrDuplicateChallengeValue, got %v", err)
	}

	// The first challenge stays intact and reachable on both paths.
	byValue, err := store.GetChallengeByValue(ctx, "shared-value")
	if err != nil {
		t.Fatalf("get challenge by value: %v", err)
	}
	if byValue.ID != "ch-a" || byValue.UserID != "u1" {
		t.Fatalf("value resolved to %+v, want ch-a", byValue)
	}
	if _, err := store.GetChallenge(ctx, "ch-a"); err != nil {
		t.Fatalf("get first challenge by id: %v", err)
	}
	if _, err := store.GetChallenge(ctx, "ch-b"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected rejected challenge absent, got %v", err)
	}
}

func testChallengeExpiry(t *testing.T, open Factory) {
	store := open(t)
	ctx := context.Background()

	now := time.Now().UTC()
	expired := storage.Challenge{
		ID:        "ch-old",
		Value:     "value-old",
		Type:      storage.ChallengeTypeAuthentication,
		Email:     "eve@example.com",
		CreatedAt: now.Add(-10 * time.Minute),
		ExpiresAt: now.Add(-5 * time.Minute),
	}
	if err := store.PutChallenge(ctx, expired); err != nil {
		t.Fatalf("put expired challenge: %v", err)
	}

	// Expired challenges are indistinguishable from absent ones on every
	// read path, without waiting for the sweep.
	if _, err := store.GetChallenge(ctx, "ch-old"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for expired challenge by id, got %v", err)
	}
	if _, err := store.GetChallengeByValue(ctx, "value-old"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for expired challenge by value, got %v", err)
	}

	live := storage.Challenge{
		ID:        "ch-live",
		Value:     "value-live",
		Type:      storage.ChallengeTypeAuthentication,
		CreatedAt: now,
		ExpiresAt: now.Add(5 * time.Minute),
	}
	stale := storage.Challenge{
		ID:        "ch-stale",
		Value:     "value-stale",
		Type:      storage.ChallengeTypeAuthentication,
		CreatedAt: now.Add(-time.Hour),
		ExpiresAt: now.Add(-30 * time.Minute),
	}
	if err := store.PutChallenge(ctx, live); err != nil {
		t.Fatalf("put live challenge: %v", err)
	}
	if err := store.PutChallenge(ctx, stale); err != nil {
		t.Fatalf("put stale challenge: %v", err)
	}
	if err := store.DeleteExpiredChallenges(ctx, now); err != nil {
		t.Fatalf("delete expired challenges: %v", err)
	}
	if _, err := store.GetChallenge(ctx, "ch-live"); err != nil {
		t.Fatalf("expected live challenge to survive sweep: %v", err)
	}
	if _, err := store.GetChallengeByValue(ctx, "value-stale"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected stale challenge reclaimed, got %v", err)
	}
}

func testRecoveryCodeReplace(t *testing.T, open Factory) {
	store := open(t)
	ctx := context.Background()
	now := time.Now().UTC()

	first := []storage.RecoveryCode{
		{ID: "rc-1", UserID: "u1", CodeHash: "hash-1", CreatedAt: now},
		{ID: "rc-2", UserID: "u1", CodeHash: "hash-2", CreatedAt: now},
	}
	if err := store.ReplaceRecoveryCodes(ctx, "u1", first); err != nil {
		t.Fatalf("install first batch: %v", err)
	}
	count, err := store.CountUnusedRecoveryCodes(ctx, "u1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 2 {
		t.Fatalf("count = %d, want 2", count)
	}

	won, err := store.MarkRecoveryCodeUsed(ctx, "rc-1", now)
	if err != nil || !won {
		t.Fatalf("mark used = %v, %v; want win", won, err)
	}
	unused, err := store.ListUnusedRecoveryCodes(ctx, "u1")
	if err != nil {
		t.Fatalf("list unused: %v", err)
	}
	if len(unused) != 1 || unused[0].ID != "rc-2" {
		t.Fatalf("expected only rc-2 unused, got %+v", unused)
	}

	second := []storage.RecoveryCode{
		{ID: "rc-3", UserID: "u1", CodeHash: "hash-3", CreatedAt: now},
	}
	if err := store.ReplaceRecoveryCodes(ctx, "u1", second); err != nil {
		t.Fatalf("install second batch: %v", err)
	}
	if won, err := store.MarkRecoveryCodeUsed(ctx, "rc-2", now); err != nil || won {
		t.Fatalf("expected replaced code to be gone, got win=%v err=%v", won, err)
	}
	count, err = store.CountUnusedRecoveryCodes(ctx, "u1")
	if err != nil {
		t.Fatalf("count after replace: %v", err)
	}
	if count != 1 {
		t.Fatalf("count after replace = %d, want 1", count)
	}

	// Empty batch revokes everything.
	if err := store.ReplaceRecoveryCodes(ctx, "u1", nil); err != nil {
		t.Fatalf("install empty batch: %v", err)
	}
	count, err = store.CountUnusedRecoveryCodes(ctx, "u1")
	if err != nil {
		t.Fatalf("count after revoke: %v", err)
	}
	if count != 0 {
		t.Fatalf("count after revoke = %d, want 0", count)
	}
}

func testRecoveryCodeSingleWinner(t *testing.T, open Factory) {
	store := open(t)
	ctx := context.Background()
	now := time.Now().UTC()

	batch := []storage.RecoveryCode{{ID: "rc-1", UserID: "u1", CodeHash: "hash-1", CreatedAt: now}}
	if err := store.ReplaceRecoveryCodes(ctx, "u1", batch); err != nil {
		t.Fatalf("install batch: %v", err)
	}

	const attempts = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := store.MarkRecoveryCodeUsed(ctx, "rc-1", now)
			if err != nil {
				t.Errorf("mark used: %v", err)
				return
			}
			if won {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly 1 winner, got %d", wins)
	}
	count, err := store.CountUnusedRecoveryCodes(ctx, "u1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("count = %d, want 0", count)
	}
}

func testRecoveryTokenLifecycle(t *testing.T, open Factory) {
	store := open(t)
	ctx := context.Background()
	now := time.Now().UTC()

	live := storage.RecoveryToken{
		ID:        "rt-1",
		UserID:    "u1",
		TokenHash: "digest-1",
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}
	if err := store.PutRecoveryToken(ctx, live); err != nil {
		t.Fatalf("put token: %v", err)
	}
	got, err := store.GetRecoveryTokenByHash(ctx, "digest-1")
	if err != nil {
		t.Fatalf("get token by hash: %v", err)
	}
	if got.UserID != "u1" {
		t.Fatalf("token user = %q, want u1", got.UserID)
	}

	expired := storage.RecoveryToken{
		ID:        "rt-2",
		UserID:    "u1",
		TokenHash: "digest-2",
		CreatedAt: now.Add(-2 * time.Hour),
		ExpiresAt: now.Add(-time.Hour),
	}
	if err := store.PutRecoveryToken(ctx, expired); err != nil {
		t.Fatalf("put expired token: %v", err)
	}
	if _, err := store.GetRecoveryTokenByHash(ctx, "digest-2"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected expired token excluded, got %v", err)
	}

	if won, err := store.MarkRecoveryTokenUsed(ctx, "rt-1", now); err != nil || !won {
		t.Fatalf("mark token used = %v, %v; want win", won, err)
	}
	if _, err := store.GetRecoveryTokenByHash(ctx, "digest-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected used token excluded, got %v", err)
	}

	if err := store.DeleteExpiredRecoveryTokens(ctx, now); err != nil {
		t.Fatalf("sweep tokens: %v", err)
	}
	if won, err := store.MarkRecoveryTokenUsed(ctx, "rt-2", now); err != nil || won {
		t.Fatalf("expected swept token gone, got win=%v err=%v", won, err)
	}
}

func testRecoveryTokenSingleWinner(t *testing.T, open Factory) {
	store := open(t)
	ctx := context.Background()
	now := time.Now().UTC()

	token := storage.RecoveryToken{
		ID:        "rt-1",
		UserID:    "u1",
		TokenHash: "digest-1",
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}
	if err := store.PutRecoveryToken(ctx, token); err != nil {
		t.Fatalf("put token: %v", err)
	}

	const attempts = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := store.MarkRecoveryTokenUsed(ctx, "rt-1", now)
			if err != nil {
				t.Errorf("mark token used: %v", err)
				return
			}
			if won {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly 1 winner, got %d", wins)
	}
}
