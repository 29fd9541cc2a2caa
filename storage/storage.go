// Package storage defines the persistence contracts the passkit engines
// depend on. Implementations live in subpackages; every backend must
// satisfy the same behavioral contract, verified by storage/storagetest.
package storage

import (
	"context"
	"time"

	"github.com/louisbranch/passkit/errors"
	"github.com/louisbranch/passkit/user"
)

// ErrNotFound indicates a requested record is missing. Time-boxed and
// single-use records that are expired or consumed are reported with the
// same error, never as a distinct state.
var ErrNotFound = errors.New(errors.CodeNotFound, "record not found")

// ErrEmailTaken indicates a user email uniqueness violation.
var ErrEmailTaken = errors.New(errors.CodeEmailTaken, "email already in use")

// ErrDuplicateChallengeValue indicates a challenge value uniqueness
// violation. Values carry enough entropy that a collision signals a
// caller bug, not bad luck.
var ErrDuplicateChallengeValue = errors.New(errors.CodeValidation, "challenge value already exists")

// ChallengeType describes the ceremony a challenge binds.
type ChallengeType string

const (
	ChallengeTypeRegistration   ChallengeType = "registration"
	ChallengeTypeAuthentication ChallengeType = "authentication"
)

// Passkey stores one registered public-key credential.
type Passkey struct {
	// ID is the base64url-encoded credential id reported by the
	// authenticator. Globally unique and origin-bound.
	ID              string
	UserID          string
	PublicKey       []byte
	SignCount       uint32
	AttestationType string
	Transports      []string
	BackupEligible  bool
	BackedUp        bool
	Nickname        string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	LastUsedAt      *time.Time
}

// Challenge stores a single-use nonce binding a pending ceremony.
//
// Authentication challenges may carry an email instead of a user id when
// the user is unknown until the assertion arrives.
type Challenge struct {
	ID          string
	Value       string
	Type        ChallengeType
	UserID      string
	Email       string
	SessionJSON string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// RecoveryCode stores one member of a generated batch. The plaintext code
// is never stored; CodeHash is an adaptive salted hash.
type RecoveryCode struct {
	ID        string
	UserID    string
	CodeHash  string
	CreatedAt time.Time
	UsedAt    *time.Time
}

// RecoveryToken stores a single-use, time-boxed email recovery token.
// TokenHash is a deterministic digest so the token can be looked up by
// hash without persisting the plaintext.
type RecoveryToken struct {
	ID        string
	UserID    string
	TokenHash string
	CreatedAt time.Time
	ExpiresAt time.Time
	UsedAt    *time.Time
}

// UserStore persists user identity records. Email uniqueness is
// case-insensitive and enforced on create and update.
type UserStore interface {
	CreateUser(ctx context.Context, u user.User) error
	GetUser(ctx context.Context, userID string) (user.User, error)
	GetUserByEmail(ctx context.Context, email string) (user.User, error)
	UpdateUser(ctx context.Context, u user.User) error
}

// PasskeyStore persists registered credentials.
type PasskeyStore interface {
	PutPasskey(ctx context.Context, p Passkey) error
	GetPasskey(ctx context.Context, credentialID string) (Passkey, error)
	ListPasskeysByUser(ctx context.Context, userID string) ([]Passkey, error)
	DeletePasskey(ctx context.Context, credentialID string) error
}

// ChallengeStore persists ceremony challenges.
//
// Every read path must treat a challenge past its expiry as absent and
// reclaim it, so correctness never depends on the sweep cadence. Challenge
// value uniqueness is a store invariant.
type ChallengeStore interface {
	PutChallenge(ctx context.Context, c Challenge) error
	GetChallenge(ctx context.Context, id string) (Challenge, error)
	GetChallengeByValue(ctx context.Context, value string) (Challenge, error)
	DeleteChallenge(ctx context.Context, id string) error
	DeleteExpiredChallenges(ctx context.Context, now time.Time) error
}

// RecoveryCodeStore persists recovery code batches.
type RecoveryCodeStore interface {
	// ReplaceRecoveryCodes atomically installs a new batch for a user,
	// deleting any previous batch. An empty batch revokes all codes.
	ReplaceRecoveryCodes(ctx context.Context, userID string, codes []RecoveryCode) error
	ListUnusedRecoveryCodes(ctx context.Context, userID string) ([]RecoveryCode, error)
	CountUnusedRecoveryCodes(ctx context.Context, userID string) (int, error)
	// MarkRecoveryCodeUsed performs the single-winner transition to used.
	// It reports true only for the caller that observed the unused state;
	// under concurrent attempts exactly one caller wins.
	MarkRecoveryCodeUsed(ctx context.Context, id string, usedAt time.Time) (bool, error)
	DeleteRecoveryCodes(ctx context.Context, userID string) error
}

// RecoveryTokenStore persists email recovery tokens.
type RecoveryTokenStore interface {
	PutRecoveryToken(ctx context.Context, t RecoveryToken) error
	// GetRecoveryTokenByHash excludes expired and already-used tokens;
	// both report ErrNotFound.
	GetRecoveryTokenByHash(ctx context.Context, tokenHash string) (RecoveryToken, error)
	// MarkRecoveryTokenUsed performs the single-winner transition to used.
	MarkRecoveryTokenUsed(ctx context.Context, id string, usedAt time.Time) (bool, error)
	DeleteExpiredRecoveryTokens(ctx context.Context, now time.Time) error
}

// Store is the full capability set a backend provides.
type Store interface {
	UserStore
	PasskeyStore
	ChallengeStore
	RecoveryCodeStore
	RecoveryTokenStore
}
