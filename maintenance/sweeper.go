// Package maintenance reclaims expired challenges and recovery tokens
// in the background. Sweeping is an optimization; reads already treat
// expired rows as absent.
package maintenance

import (
	"context"
	"log"
	"time"

	"github.com/louisbranch/passkit/storage"
)

// DefaultInterval is how often the sweeper runs when no interval is set.
const DefaultInterval = 5 * time.Minute

// Sweeper periodically deletes expired challenges and recovery tokens.
type Sweeper struct {
	challenges storage.ChallengeStore
	tokens     storage.RecoveryTokenStore
	interval   time.Duration
	clock      func() time.Time
}

// New creates a Sweeper. A non-positive interval falls back to
// DefaultInterval.
func New(challenges storage.ChallengeStore, tokens storage.RecoveryTokenStore, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sweeper{
		challenges: challenges,
		tokens:     tokens,
		interval:   interval,
		clock:      time.Now,
	}
}

// Run sweeps on a fixed interval until the context is canceled. Sweep
// failures are logged and the loop keeps going; the next tick retries.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				log.Printf("maintenance sweep: %v", err)
			}
		}
	}
}

// Sweep runs one reclamation pass.
func (s *Sweeper) Sweep(ctx context.Context) error {
	now := s.clock().UTC()
	if err := s.challenges.DeleteExpiredChallenges(ctx, now); err != nil {
		return err
	}
	return s.tokens.DeleteExpiredRecoveryTokens(ctx, now)
}
