// Package ceremony drives the registration and authentication ceremonies
// for public-key credentials.
//
// The engine owns the challenge lifecycle (issuance, binding, expiry,
// single consumption) and the anti-clone counter rule; the cryptographic
// verification itself is delegated to the go-webauthn library behind the
// provider interface.
package ceremony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"
	apperrors "github.com/louisbranch/passkit/errors"
	"github.com/louisbranch/passkit/hooks"
	"github.com/louisbranch/passkit/storage"
	"github.com/louisbranch/passkit/user"
)

var (
	// ErrChallengeNotFound indicates an absent, expired, already-consumed,
	// or wrong-type challenge. The causes are deliberately not distinguished.
	ErrChallengeNotFound = apperrors.New(apperrors.CodeChallengeNotFound, "challenge not found")
	// ErrPasskeyNotFound indicates the asserted credential is not registered.
	ErrPasskeyNotFound = apperrors.New(apperrors.CodePasskeyNotFound, "passkey not found")
	// ErrUserNotFound indicates the challenge's bound user no longer exists.
	ErrUserNotFound = apperrors.New(apperrors.CodeUserNotFound, "user not found")
	// ErrVerificationFailed indicates the cryptographic verifier rejected
	// the client's response.
	ErrVerificationFailed = apperrors.New(apperrors.CodeVerificationFailed, "credential verification failed")
	// ErrCloneDetected indicates a counter regression on a credential.
	// Distinct from ErrVerificationFailed because it is evidence of a
	// cloned authenticator, not a malformed response.
	ErrCloneDetected = apperrors.New(apperrors.CodeCloneDetected, "credential counter regression")
)

type provider interface {
	BeginRegistration(user webauthn.User, opts ...webauthn.RegistrationOption) (*protocol.CredentialCreation, *webauthn.SessionData, error)
	CreateCredential(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialCreationData) (*webauthn.Credential, error)
	BeginLogin(user webauthn.User, opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error)
	BeginDiscoverableLogin(opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error)
	ValidateLogin(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (*webauthn.Credential, error)
	ValidatePasskeyLogin(handler webauthn.DiscoverableUserHandler, session webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (webauthn.User, *webauthn.Credential, error)
}

type parser interface {
	ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error)
	ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error)
}

type defaultParser struct{}

func (defaultParser) ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error) {
	return protocol.ParseCredentialCreationResponseBytes(data)
}

func (defaultParser) ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error) {
	return protocol.ParseCredentialRequestResponseBytes(data)
}

// Engine orchestrates registration and authentication ceremonies. It is
// stateless aside from injected storage and configuration and is safe for
// concurrent use.
type Engine struct {
	users      storage.UserStore
	passkeys   storage.PasskeyStore
	challenges storage.ChallengeStore

	web    provider
	parser parser

	config      Config
	hooks       *hooks.Dispatcher
	clock       func() time.Time
	idGenerator func() string
}

// New creates a ceremony engine over the supplied stores. A non-positive
// ChallengeTTL falls back to the 5 minute default; a zero window would
// issue challenges already expired on arrival.
func New(cfg Config, users storage.UserStore, passkeys storage.PasskeyStore, challenges storage.ChallengeStore, dispatcher *hooks.Dispatcher) (*Engine, error) {
	if users == nil || passkeys == nil || challenges == nil {
		return nil, fmt.Errorf("user, passkey, and challenge stores are required")
	}
	if cfg.ChallengeTTL <= 0 {
		cfg.ChallengeTTL = 5 * time.Minute
	}
	web, err := webauthn.New(&webauthn.Config{
		RPDisplayName: cfg.RPDisplayName,
		RPID:          cfg.RPID,
		RPOrigins:     cfg.RPOrigins,
	})
	if err != nil {
		return nil, fmt.Errorf("configure webauthn: %w", err)
	}
	return &Engine{
		users:       users,
		passkeys:    passkeys,
		challenges:  challenges,
		web:         web,
		parser:      defaultParser{},
		config:      cfg,
		hooks:       dispatcher,
		clock:       time.Now,
		idGenerator: uuid.NewString,
	}, nil
}

// ceremonyUser adapts a user record and its credentials to the verifier's
// user contract.
type ceremonyUser struct {
	user        user.User
	credentials []webauthn.Credential
}

func (u *ceremonyUser) WebAuthnID() []byte {
	return []byte(u.user.ID)
}

func (u *ceremonyUser) WebAuthnName() string {
	return u.user.Email
}

func (u *ceremonyUser) WebAuthnDisplayName() string {
	return u.user.Email
}

func (u *ceremonyUser) WebAuthnIcon() string {
	return ""
}

func (u *ceremonyUser) WebAuthnCredentials() []webauthn.Credential {
	return u.credentials
}

func (e *Engine) loadCeremonyUser(ctx context.Context, base user.User) (*ceremonyUser, error) {
	records, err := e.passkeys.ListPasskeysByUser(ctx, base.ID)
	if err != nil {
		return nil, err
	}
	credentials := make([]webauthn.Credential, 0, len(records))
	for _, record := range records {
		credential, err := credentialFromRecord(record)
		if err != nil {
			return nil, fmt.Errorf("decode credential %s: %w", record.ID, err)
		}
		credentials = append(credentials, credential)
	}
	return &ceremonyUser{user: base, credentials: credentials}, nil
}

// storeChallenge persists the verifier session as a single-use challenge
// record keyed by both id and challenge value.
func (e *Engine) storeChallenge(ctx context.Context, challengeType storage.ChallengeType, userID, email string, session *webauthn.SessionData) (storage.Challenge, error) {
	if session == nil {
		return storage.Challenge{}, fmt.Errorf("session data is required")
	}
	payload, err := json.Marshal(session)
	if err != nil {
		return storage.Challenge{}, fmt.Errorf("encode session: %w", err)
	}
	now := e.clock().UTC()
	challenge := storage.Challenge{
		ID:          e.idGenerator(),
		Value:       session.Challenge,
		Type:        challengeType,
		UserID:      userID,
		Email:       email,
		SessionJSON: string(payload),
		CreatedAt:   now,
		ExpiresAt:   now.Add(e.config.ChallengeTTL),
	}
	if err := e.challenges.PutChallenge(ctx, challenge); err != nil {
		return storage.Challenge{}, apperrors.Wrap(apperrors.CodeStorage, "put challenge", err)
	}
	return challenge, nil
}

// consumeChallenge fetches a challenge by value and deletes it before any
// verification runs. Deletion success is the win condition: of N
// concurrent submissions for the same value, exactly one proceeds.
func (e *Engine) consumeChallenge(ctx context.Context, value string, want storage.ChallengeType) (storage.Challenge, webauthn.SessionData, error) {
	challenge, err := e.challenges.GetChallengeByValue(ctx, value)
	if err != nil {
		if apperrors.Is(err, storage.ErrNotFound) {
			return storage.Challenge{}, webauthn.SessionData{}, ErrChallengeNotFound
		}
		return storage.Challenge{}, webauthn.SessionData{}, apperrors.Wrap(apperrors.CodeStorage, "get challenge", err)
	}

	if err := e.challenges.DeleteChallenge(ctx, challenge.ID); err != nil {
		if apperrors.Is(err, storage.ErrNotFound) {
			// Another submission consumed it first.
			return storage.Challenge{}, webauthn.SessionData{}, ErrChallengeNotFound
		}
		return storage.Challenge{}, webauthn.SessionData{}, apperrors.Wrap(apperrors.CodeStorage, "delete challenge", err)
	}

	if !e.clock().UTC().Before(challenge.ExpiresAt) {
		return storage.Challenge{}, webauthn.SessionData{}, ErrChallengeNotFound
	}
	if challenge.Type != want {
		return storage.Challenge{}, webauthn.SessionData{}, ErrChallengeNotFound
	}

	var session webauthn.SessionData
	if err := json.Unmarshal([]byte(challenge.SessionJSON), &session); err != nil {
		return storage.Challenge{}, webauthn.SessionData{}, fmt.Errorf("decode session: %w", err)
	}
	return challenge, session, nil
}

func (e *Engine) discoverableHandler(ctx context.Context) webauthn.DiscoverableUserHandler {
	return func(_, userHandle []byte) (webauthn.User, error) {
		userID := string(userHandle)
		if strings.TrimSpace(userID) == "" {
			return nil, fmt.Errorf("user handle is required")
		}
		base, err := e.users.GetUser(ctx, userID)
		if err != nil {
			return nil, err
		}
		return e.loadCeremonyUser(ctx, base)
	}
}

func encodeCredentialID(raw []byte) string {
	return base64.RawURLEncoding.EncodeToString(raw)
}

// credentialFromRecord rebuilds the verifier's credential view from a
// stored record.
func credentialFromRecord(p storage.Passkey) (webauthn.Credential, error) {
	rawID, err := base64.RawURLEncoding.DecodeString(p.ID)
	if err != nil {
		return webauthn.Credential{}, fmt.Errorf("decode credential id: %w", err)
	}
	transports := make([]protocol.AuthenticatorTransport, 0, len(p.Transports))
	for _, transport := range p.Transports {
		transports = append(transports, protocol.AuthenticatorTransport(transport))
	}
	return webauthn.Credential{
		ID:              rawID,
		PublicKey:       p.PublicKey,
		AttestationType: p.AttestationType,
		Transport:       transports,
		Flags: webauthn.CredentialFlags{
			BackupEligible: p.BackupEligible,
			BackupState:    p.BackedUp,
		},
		Authenticator: webauthn.Authenticator{
			SignCount: p.SignCount,
		},
	}, nil
}

// recordFromCredential builds the stored record for a newly registered
// credential.
func recordFromCredential(userID string, credential webauthn.Credential, now time.Time) storage.Passkey {
	transports := make([]string, 0, len(credential.Transport))
	for _, transport := range credential.Transport {
		transports = append(transports, string(transport))
	}
	return storage.Passkey{
		ID:              encodeCredentialID(credential.ID),
		UserID:          userID,
		PublicKey:       credential.PublicKey,
		SignCount:       credential.Authenticator.SignCount,
		AttestationType: credential.AttestationType,
		Transports:      transports,
		BackupEligible:  credential.Flags.BackupEligible,
		BackedUp:        credential.Flags.BackupState,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}
