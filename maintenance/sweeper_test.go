package maintenance

import (
	"context"
	"testing"
	"time"

	apperrors "github.com/louisbranch/passkit/errors"
	"github.com/louisbranch/passkit/storage"
	"github.com/louisbranch/passkit/storage/memory"
)

func TestSweepRemovesExpiredRows(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	now := time.Now().UTC()

	challenges := []storage.Challenge{
		{ID: "stale", Value: "stale-value", Type: storage.ChallengeTypeRegistration, CreatedAt: now.Add(-time.Hour), ExpiresAt: now.Add(-time.Minute)},
		{ID: "live", Value: "live-value", Type: storage.ChallengeTypeRegistration, CreatedAt: now, ExpiresAt: now.Add(time.Hour)},
	}
	for _, c := range challenges {
		if err := store.PutChallenge(ctx, c); err != nil {
			t.Fatalf("put challenge: %v", err)
		}
	}
	tokens := []storage.RecoveryToken{
		{ID: "stale-token", UserID: "alice", TokenHash: "h1", CreatedAt: now.Add(-2 * time.Hour), ExpiresAt: now.Add(-time.Hour)},
		{ID: "live-token", UserID: "alice", TokenHash: "h2", CreatedAt: now, ExpiresAt: now.Add(time.Hour)},
	}
	for _, tok := range tokens {
		if err := store.PutRecoveryToken(ctx, tok); err != nil {
			t.Fatalf("put token: %v", err)
		}
	}

	sweeper := New(store, store, time.Minute)
	if err := sweeper.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if _, err := store.GetChallenge(ctx, "stale"); !apperrors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected stale challenge gone, got %v", err)
	}
	if _, err := store.GetChallenge(ctx, "live"); err != nil {
		t.Fatalf("expected live challenge kept, got %v", err)
	}
	if _, err := store.GetRecoveryTokenByHash(ctx, "h1"); !apperrors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected stale token gone, got %v", err)
	}
	if _, err := store.GetRecoveryTokenByHash(ctx, "h2"); err != nil {
		t.Fatalf("expected live token kept, got %v", err)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	store := memory.New()
	sweeper := New(store, store, time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after cancel")
	}
}

func TestNewDefaultsInterval(t *testing.T) {
	store := memory.New()
	sweeper := New(store, store, 0)
	if sweeper.interval != DefaultInterval {
		t.Fatalf("interval = %v, want %v", sweeper.interval, DefaultInterval)
	}
}
