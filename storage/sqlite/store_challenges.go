package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/louisbranch/passkit/storage"
)

const challengeColumns = `id, value, type, user_id, email, session_json, created_at, expires_at`

// PutChallenge stores a ceremony challenge.
func (s *Store) PutChallenge(ctx context.Context, c storage.Challenge) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ensureDB(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO challenges (`+challengeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Value, string(c.Type), c.UserID, c.Email, c.SessionJSON,
		toMillis(c.CreatedAt), toMillis(c.ExpiresAt))
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrDuplicateChallengeValue
		}
		return fmt.Errorf("put challenge: %w", err)
	}
	return nil
}

// GetChallenge returns a challenge by id. An expired challenge is deleted
// at read time and reported as not found.
func (s *Store) GetChallenge(ctx context.Context, id string) (storage.Challenge, error) {
	return s.getChallenge(ctx, `SELECT `+challengeColumns+` FROM challenges WHERE id = ?`, id)
}

// GetChallengeByValue returns a challenge by its value under the same
// read-time expiry rule.
func (s *Store) GetChallengeByValue(ctx context.Context, value string) (storage.Challenge, error) {
	return s.getChallenge(ctx, `SELECT `+challengeColumns+` FROM challenges WHERE value = ?`, value)
}

func (s *Store) getChallenge(ctx context.Context, query string, arg string) (storage.Challenge, error) {
	if err := ctx.Err(); err != nil {
		return storage.Challenge{}, err
	}
	if err := s.ensureDB(); err != nil {
		return storage.Challenge{}, err
	}
	row := s.db.QueryRowContext(ctx, query, arg)

	var c storage.Challenge
	var challengeType string
	var createdAt, expiresAt int64
	if err := row.Scan(&c.ID, &c.Value, &challengeType, &c.UserID, &c.Email,
		&c.SessionJSON, &createdAt, &expiresAt); err != nil {
		if err == sql.ErrNoRows {
			return storage.Challenge{}, storage.ErrNotFound
		}
		return storage.Challenge{}, fmt.Errorf("get challenge: %w", err)
	}
	c.Type = storage.ChallengeType(challengeType)
	c.CreatedAt = fromMillis(createdAt)
	c.ExpiresAt = fromMillis(expiresAt)

	if !time.Now().Before(c.ExpiresAt) {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM challenges WHERE id = ?`, c.ID)
		return storage.Challenge{}, storage.ErrNotFound
	}
	return c, nil
}

// DeleteChallenge removes a challenge by id.
func (s *Store) DeleteChallenge(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ensureDB(); err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `DELETE FROM challenges WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete challenge: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete challenge rows: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// DeleteExpiredChallenges reclaims every challenge past its expiry.
func (s *Store) DeleteExpiredChallenges(ctx context.Context, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ensureDB(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM challenges WHERE expires_at <= ?`, toMillis(now)); err != nil {
		return fmt.Errorf("delete expired challenges: %w", err)
	}
	return nil
}
