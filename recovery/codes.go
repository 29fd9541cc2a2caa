// Package recovery provides account recovery when no authenticator is
// available: pre-generated single-use codes and time-boxed email tokens.
package recovery

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	apperrors "github.com/louisbranch/passkit/errors"
	"github.com/louisbranch/passkit/hooks"
	"github.com/louisbranch/passkit/storage"
)

// codeAlphabet excludes the glyphs commonly confused when a code is
// read aloud or copied by hand: 0, O, I and l.
const codeAlphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

var (
	// ErrInvalidRecoveryCode covers unknown, already-used, and lost-race
	// codes alike; the caller learns nothing about which one it was.
	ErrInvalidRecoveryCode = apperrors.New(apperrors.CodeInvalidRecoveryCode, "invalid recovery code")
	// ErrInvalidOrExpiredToken covers unknown, expired, and already-used
	// email tokens alike.
	ErrInvalidOrExpiredToken = apperrors.New(apperrors.CodeInvalidOrExpiredToken, "invalid or expired recovery token")
	// ErrUserNotFound reports an unknown user or email address.
	ErrUserNotFound = apperrors.New(apperrors.CodeUserNotFound, "user not found")
)

// Service issues and verifies recovery codes and email recovery tokens.
type Service struct {
	users  storage.UserStore
	codes  storage.RecoveryCodeStore
	tokens storage.RecoveryTokenStore
	config Config
	hooks  *hooks.Dispatcher

	clock       func() time.Time
	idGenerator func() string
}

// New creates a recovery Service. The dispatcher may be nil.
// Non-positive Config values fall back to the same defaults
// LoadConfigFromEnv applies; a zero CodeLength would otherwise make
// every drawn code identical and generation unable to finish a batch.
func New(cfg Config, users storage.UserStore, codes storage.RecoveryCodeStore, tokens storage.RecoveryTokenStore, dispatcher *hooks.Dispatcher) *Service {
	if cfg.CodeCount <= 0 {
		cfg.CodeCount = 8
	}
	if cfg.CodeLength <= 0 {
		cfg.CodeLength = 20
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 60 * time.Minute
	}
	return &Service{
		users:       users,
		codes:       codes,
		tokens:      tokens,
		config:      cfg,
		hooks:       dispatcher,
		clock:       time.Now,
		idGenerator: uuid.NewString,
	}
}

// DefaultCodeCount reports the configured batch size for callers that
// do not want to choose one.
func (s *Service) DefaultCodeCount() int {
	return s.config.CodeCount
}

// GenerateCodes replaces the user's recovery code batch and returns the
// plaintext codes. This is the only time the plaintext exists; only
// salted hashes are stored. A count of zero installs an empty batch,
// revoking all outstanding codes.
func (s *Service) GenerateCodes(ctx context.Context, userID string, count int) ([]string, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, apperrors.New(apperrors.CodeValidation, "user id is required")
	}
	if count < 0 {
		return nil, apperrors.New(apperrors.CodeValidation, "code count must not be negative")
	}

	plaintexts := make([]string, 0, count)
	seen := make(map[string]bool, count)
	for len(plaintexts) < count {
		code, err := randomCode(s.config.CodeLength)
		if err != nil {
			return nil, fmt.Errorf("generate recovery code: %w", err)
		}
		if seen[code] {
			continue
		}
		seen[code] = true
		plaintexts = append(plaintexts, code)
	}

	now := s.clock().UTC()
	records := make([]storage.RecoveryCode, 0, count)
	for _, code := range plaintexts {
		hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash recovery code: %w", err)
		}
		records = append(records, storage.RecoveryCode{
			ID:        s.idGenerator(),
			UserID:    userID,
			CodeHash:  string(hash),
			CreatedAt: now,
		})
	}

	if err := s.codes.ReplaceRecoveryCodes(ctx, userID, records); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorage, "store recovery codes", err)
	}

	s.hooks.RecoveryCodesRegenerated(hooks.RecoveryCodesRegenerated{UserID: userID, Count: count})
	return plaintexts, nil
}

// VerifyCode consumes one of the user's unused recovery codes. Each code
// verifies at most once, even under concurrent submission.
func (s *Service) VerifyCode(ctx context.Context, userID, code string) error {
	if strings.TrimSpace(userID) == "" {
		return apperrors.New(apperrors.CodeValidation, "user id is required")
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return ErrInvalidRecoveryCode
	}

	unused, err := s.codes.ListUnusedRecoveryCodes(ctx, userID)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeStorage, "list recovery codes", err)
	}

	for _, record := range unused {
		if bcrypt.CompareHashAndPassword([]byte(record.CodeHash), []byte(code)) != nil {
			continue
		}
		won, err := s.codes.MarkRecoveryCodeUsed(ctx, record.ID, s.clock().UTC())
		if err != nil {
			return apperrors.Wrap(apperrors.CodeStorage, "mark recovery code used", err)
		}
		if !won {
			// A concurrent submission spent this code first.
			return ErrInvalidRecoveryCode
		}
		s.hooks.RecoveryCodeUsed(hooks.RecoveryCodeUsed{UserID: userID})
		return nil
	}
	return ErrInvalidRecoveryCode
}

// CodeCount reports how many unused recovery codes the user has left.
func (s *Service) CodeCount(ctx context.Context, userID string) (int, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, apperrors.New(apperrors.CodeValidation, "user id is required")
	}
	count, err := s.codes.CountUnusedRecoveryCodes(ctx, userID)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.CodeStorage, "count recovery codes", err)
	}
	return count, nil
}

func randomCode(length int) (string, error) {
	max := big.NewInt(int64(len(codeAlphabet)))
	out := make([]byte, length)
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = codeAlphabet[n.Int64()]
	}
	return string(out), nil
}
