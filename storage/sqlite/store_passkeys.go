package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/louisbranch/passkit/storage"
)

const passkeyColumns = `credential_id, user_id, public_key, sign_count, attestation_type,
	transports, backup_eligible, backed_up, nickname, created_at, updated_at, last_used_at`

// PutPasskey creates or replaces a credential record.
func (s *Store) PutPasskey(ctx context.Context, p storage.Passkey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ensureDB(); err != nil {
		return err
	}
	if strings.TrimSpace(p.ID) == "" {
		return fmt.Errorf("credential id is required")
	}
	if strings.TrimSpace(p.UserID) == "" {
		return fmt.Errorf("user id is required")
	}

	lastUsed := sql.NullInt64{}
	if p.LastUsedAt != nil {
		lastUsed = sql.NullInt64{Int64: toMillis(*p.LastUsedAt), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO passkeys (`+passkeyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(credential_id) DO UPDATE SET
			sign_count = excluded.sign_count,
			nickname = excluded.nickname,
			backed_up = excluded.backed_up,
			updated_at = excluded.updated_at,
			last_used_at = excluded.last_used_at`,
		p.ID, p.UserID, p.PublicKey, int64(p.SignCount), p.AttestationType,
		strings.Join(p.Transports, ","), boolToInt(p.BackupEligible), boolToInt(p.BackedUp),
		p.Nickname, toMillis(p.CreatedAt), toMillis(p.UpdatedAt), lastUsed)
	if err != nil {
		return fmt.Errorf("put passkey: %w", err)
	}
	return nil
}

// GetPasskey fetches a stored credential by credential id.
func (s *Store) GetPasskey(ctx context.Context, credentialID string) (storage.Passkey, error) {
	if err := ctx.Err(); err != nil {
		return storage.Passkey{}, err
	}
	if err := s.ensureDB(); err != nil {
		return storage.Passkey{}, err
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT `+passkeyColumns+` FROM passkeys WHERE credential_id = ?`, credentialID)
	p, err := scanPasskey(row.Scan)
	if err != nil {
		if err == sql.ErrNoRows {
			return storage.Passkey{}, storage.ErrNotFound
		}
		return storage.Passkey{}, fmt.Errorf("get passkey: %w", err)
	}
	return p, nil
}

// ListPasskeysByUser returns a user's credentials ordered by creation time.
func (s *Store) ListPasskeysByUser(ctx context.Context, userID string) ([]storage.Passkey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.ensureDB(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+passkeyColumns+` FROM passkeys WHERE user_id = ? ORDER BY created_at, credential_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list passkeys: %w", err)
	}
	defer rows.Close()

	passkeys := make([]storage.Passkey, 0)
	for rows.Next() {
		p, err := scanPasskey(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan passkey: %w", err)
		}
		passkeys = append(passkeys, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list passkeys: %w", err)
	}
	return passkeys, nil
}

// DeletePasskey removes a credential record.
func (s *Store) DeletePasskey(ctx context.Context, credentialID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.ensureDB(); err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `DELETE FROM passkeys WHERE credential_id = ?`, credentialID)
	if err != nil {
		return fmt.Errorf("delete passkey: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete passkey rows: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func scanPasskey(scan func(dest ...any) error) (storage.Passkey, error) {
	var p storage.Passkey
	var signCount int64
	var transports string
	var backupEligible, backedUp int64
	var createdAt, updatedAt int64
	var lastUsed sql.NullInt64
	if err := scan(&p.ID, &p.UserID, &p.PublicKey, &signCount, &p.AttestationType,
		&transports, &backupEligible, &backedUp, &p.Nickname, &createdAt, &updatedAt, &lastUsed); err != nil {
		return storage.Passkey{}, err
	}
	p.SignCount = uint32(signCount)
	if transports != "" {
		p.Transports = strings.Split(transports, ",")
	}
	p.BackupEligible = backupEligible != 0
	p.BackedUp = backedUp != 0
	p.CreatedAt = fromMillis(createdAt)
	p.UpdatedAt = fromMillis(updatedAt)
	if lastUsed.Valid {
		at := fromMillis(lastUsed.Int64)
		p.LastUsedAt = &at
	}
	return p, nil
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
