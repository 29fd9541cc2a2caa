package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/louisbranch/passkit/storage"
)

// ReplaceRecoveryCodes atomically installs a new batch, deleting any
// previous batch for the user in the same transaction.
func (s *Store) ReplaceRecoveryCodes(ctx context.Context, userID string, codes []storage.RecoveryCode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ensureDB(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace recovery codes: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM recovery_codes WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete previous recovery codes: %w", err)
	}
	for _, code := range codes {
		usedAt := sql.NullInt64{}
		if code.UsedAt != nil {
			usedAt = sql.NullInt64{Int64: toMillis(*code.UsedAt), Valid: true}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO recovery_codes (id, user_id, code_hash, created_at, used_at) VALUES (?, ?, ?, ?, ?)`,
			code.ID, code.UserID, code.CodeHash, toMillis(code.CreatedAt), usedAt); err != nil {
			return fmt.Errorf("insert recovery code: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit replace recovery codes: %w", err)
	}
	return nil
}

// ListUnusedRecoveryCodes returns a user's not-yet-consumed codes.
func (s *Store) ListUnusedRecoveryCodes(ctx context.Context, userID string) ([]storage.RecoveryCode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.ensureDB(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, code_hash, created_at FROM recovery_codes
		WHERE user_id = ? AND used_at IS NULL ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list recovery codes: %w", err)
	}
	defer rows.Close()

	codes := make([]storage.RecoveryCode, 0)
	for rows.Next() {
		var code storage.RecoveryCode
		var createdAt int64
		if err := rows.Scan(&code.ID, &code.UserID, &code.CodeHash, &createdAt); err != nil {
			return nil, fmt.Errorf("scan recovery code: %w", err)
		}
		code.CreatedAt = fromMillis(createdAt)
		codes = append(codes, code)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list recovery codes: %w", err)
	}
	return codes, nil
}

// CountUnusedRecoveryCodes returns the number of not-yet-consumed codes.
func (s *Store) CountUnusedRecoveryCodes(ctx context.Context, userID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := s.ensureDB(); err != nil {
		return 0, err
	}
	var count int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM recovery_codes WHERE user_id = ? AND used_at IS NULL`,
		userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("count recovery codes: %w", err)
	}
	return count, nil
}

// MarkRecoveryCodeUsed performs the single-winner transition to used.
// The conditional UPDATE is the entire race: exactly one concurrent caller
// observes a row with used_at still NULL.
func (s *Store) MarkRecoveryCodeUsed(ctx context.Context, id string, usedAt time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := s.ensureDB(); err != nil {
		return false, err
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE recovery_codes SET used_at = ? WHERE id = ? AND used_at IS NULL`,
		toMillis(usedAt), id)
	if err != nil {
		return false, fmt.Errorf("mark recovery code used: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark recovery code rows: %w", err)
	}
	return affected == 1, nil
}

// DeleteRecoveryCodes removes every code for a user.
func (s *Store) DeleteRecoveryCodes(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ensureDB(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM recovery_codes WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete recovery codes: %w", err)
	}
	return nil
}

// PutRecoveryToken stores an email recovery token.
func (s *Store) PutRecoveryToken(ctx context.Context, t storage.RecoveryToken) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ensureDB(); err != nil {
		return err
	}
	usedAt := sql.NullInt64{}
	if t.UsedAt != nil {
		usedAt = sql.NullInt64{Int64: toMillis(*t.UsedAt), Valid: true}
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO recovery_tokens (id, user_id, token_hash, created_at, expires_at, used_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.UserID, t.TokenHash, toMillis(t.CreatedAt), toMillis(t.ExpiresAt), usedAt); err != nil {
		return fmt.Errorf("put recovery token: %w", err)
	}
	return nil
}

// GetRecoveryTokenByHash returns a live token by its hash. The query
// itself excludes expired and used rows so both look absent.
func (s *Store) GetRecoveryTokenByHash(ctx context.Context, tokenHash string) (storage.RecoveryToken, error) {
	if err := ctx.Err(); err != nil {
		return storage.RecoveryToken{}, err
	}
	if err := s.ensureDB(); err != nil {
		return storage.RecoveryToken{}, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, token_hash, created_at, expires_at FROM recovery_tokens
		WHERE token_hash = ? AND used_at IS NULL AND expires_at > ?`,
		tokenHash, toMillis(time.Now()))

	var t storage.RecoveryToken
	var createdAt, expiresAt int64
	if err := row.Scan(&t.ID, &t.UserID, &t.TokenHash, &createdAt, &expiresAt); err != nil {
		if err == sql.ErrNoRows {
			return storage.RecoveryToken{}, storage.ErrNotFound
		}
		return storage.RecoveryToken{}, fmt.Errorf("get recovery token: %w", err)
	}
	t.CreatedAt = fromMillis(createdAt)
	t.ExpiresAt = fromMillis(expiresAt)
	return t, nil
}

// MarkRecoveryTokenUsed performs the single-winner transition to used.
func (s *Store) MarkRecoveryTokenUsed(ctx context.Context, id string, usedAt time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := s.ensureDB(); err != nil {
		return false, err
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE recovery_tokens SET used_at = ? WHERE id = ? AND used_at IS NULL`,
		toMillis(usedAt), id)
	if err != nil {
		return false, fmt.Errorf("mark recovery token used: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark recovery token rows: %w", err)
	}
	return affected == 1, nil
}

// DeleteExpiredRecoveryTokens reclaims every token past its expiry.
func (s *Store) DeleteExpiredRecoveryTokens(ctx context.Context, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ensureDB(); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM recovery_tokens WHERE expires_at <= ?`, toMillis(now)); err != nil {
		return fmt.Errorf("delete expired recovery tokens: %w", err)
	}
	return nil
}
