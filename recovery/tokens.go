package recovery

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/louisbranch/passkit/errors"
	"github.com/louisbranch/passkit/storage"
	"github.com/louisbranch/passkit/user"
)

const tokenBytes = 32

// Initiation carries the outcome of starting an email recovery. Token is
// the plaintext to deliver to the user; it is never stored.
type Initiation struct {
	UserID    string
	Token     string
	URL       string
	ExpiresAt time.Time
}

// InitiateEmailRecovery issues a single-use recovery token for the
// account registered under the given email and returns the link to
// deliver. Sending the email is the caller's concern.
func (s *Service) InitiateEmailRecovery(ctx context.Context, email string) (Initiation, error) {
	normalized, err := user.NormalizeEmail(email)
	if err != nil {
		return Initiation{}, err
	}

	account, err := s.users.GetUserByEmail(ctx, normalized)
	if err != nil {
		if apperrors.Is(err, storage.ErrNotFound) {
			return Initiation{}, ErrUserNotFound
		}
		return Initiation{}, apperrors.Wrap(apperrors.CodeStorage, "get user by email", err)
	}

	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return Initiation{}, fmt.Errorf("generate recovery token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)

	now := s.clock().UTC()
	record := storage.RecoveryToken{
		ID:        s.idGenerator(),
		UserID:    account.ID,
		TokenHash: hashToken(token),
		CreatedAt: now,
		ExpiresAt: now.Add(s.config.TokenTTL),
	}
	if err := s.tokens.PutRecoveryToken(ctx, record); err != nil {
		return Initiation{}, apperrors.Wrap(apperrors.CodeStorage, "store recovery token", err)
	}

	link, err := buildRecoveryURL(s.config.LinkBaseURL, token)
	if err != nil {
		return Initiation{}, err
	}
	return Initiation{
		UserID:    account.ID,
		Token:     token,
		URL:       link,
		ExpiresAt: record.ExpiresAt,
	}, nil
}

// VerifyEmailToken consumes a recovery token and returns the account it
// belongs to. A token verifies at most once and only within its TTL.
func (s *Service) VerifyEmailToken(ctx context.Context, token string) (string, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrInvalidOrExpiredToken
	}

	record, err := s.tokens.GetRecoveryTokenByHash(ctx, hashToken(token))
	if err != nil {
		if apperrors.Is(err, storage.ErrNotFound) {
			return "", ErrInvalidOrExpiredToken
		}
		return "", apperrors.Wrap(apperrors.CodeStorage, "get recovery token", err)
	}
	if !s.clock().UTC().Before(record.ExpiresAt) {
		return "", ErrInvalidOrExpiredToken
	}

	won, err := s.tokens.MarkRecoveryTokenUsed(ctx, record.ID, s.clock().UTC())
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeStorage, "mark recovery token used", err)
	}
	if !won {
		return "", ErrInvalidOrExpiredToken
	}
	return record.UserID, nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func buildRecoveryURL(base, token string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse recovery link base: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
