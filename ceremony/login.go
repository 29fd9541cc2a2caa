package ceremony

import (
	"context"
	"strings"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	apperrors "github.com/louisbranch/passkit/errors"
	"github.com/louisbranch/passkit/hooks"
	"github.com/louisbranch/passkit/storage"
	"github.com/louisbranch/passkit/user"
)

// LoginStart carries the assertion options the transport layer forwards
// to the client's credential request API.
type LoginStart struct {
	ChallengeID string
	Options     *protocol.CredentialAssertion
}

// LoginResult reports a committed authentication ceremony. Session
// issuance happens in the layers above.
type LoginResult struct {
	User      user.User
	PasskeyID string
}

// BeginLogin issues an authentication challenge. When the email resolves
// to a known user the challenge is bound to them; otherwise the flow is
// discoverable and the user stays unknown until the assertion arrives.
func (e *Engine) BeginLogin(ctx context.Context, email string) (LoginStart, error) {
	var (
		base  user.User
		bound bool
	)
	normalized := ""
	if strings.TrimSpace(email) != "" {
		var err error
		normalized, err = user.NormalizeEmail(email)
		if err != nil {
			return LoginStart{}, err
		}
		base, err = e.users.GetUserByEmail(ctx, normalized)
		switch {
		case err == nil:
			bound = true
		case apperrors.Is(err, storage.ErrNotFound):
		default:
			return LoginStart{}, apperrors.Wrap(apperrors.CodeStorage, "get user by email", err)
		}
	}

	var (
		assertion *protocol.CredentialAssertion
		session   *webauthn.SessionData
		err       error
	)
	if bound {
		ceremonyUser, loadErr := e.loadCeremonyUser(ctx, base)
		if loadErr != nil {
			return LoginStart{}, apperrors.Wrap(apperrors.CodeStorage, "load credentials", loadErr)
		}
		assertion, session, err = e.web.BeginLogin(ceremonyUser)
	} else {
		assertion, session, err = e.web.BeginDiscoverableLogin()
	}
	if err != nil {
		return LoginStart{}, apperrors.Wrap(apperrors.CodeVerificationFailed, "begin login", err)
	}

	challenge, err := e.storeChallenge(ctx, storage.ChallengeTypeAuthentication, base.ID, normalized, session)
	if err != nil {
		return LoginStart{}, err
	}

	return LoginStart{ChallengeID: challenge.ID, Options: assertion}, nil
}

// FinishLogin consumes the challenge referenced by the assertion,
// verifies it against the stored credential, enforces the anti-clone
// counter rule, and commits the new counter on success.
func (e *Engine) FinishLogin(ctx context.Context, responseJSON []byte) (LoginResult, error) {
	if len(responseJSON) == 0 {
		return LoginResult{}, apperrors.New(apperrors.CodeValidation, "credential response is required")
	}
	parsed, err := e.parser.ParseCredentialRequestResponseBytes(responseJSON)
	if err != nil {
		return LoginResult{}, apperrors.Wrap(apperrors.CodeValidation, "parse credential response", err)
	}

	_, session, err := e.consumeChallenge(ctx, parsed.Response.CollectedClientData.Challenge, storage.ChallengeTypeAuthentication)
	if err != nil {
		return LoginResult{}, err
	}

	credentialID := encodeCredentialID(parsed.RawID)
	record, err := e.passkeys.GetPasskey(ctx, credentialID)
	if err != nil {
		if apperrors.Is(err, storage.ErrNotFound) {
			return LoginResult{}, ErrPasskeyNotFound
		}
		return LoginResult{}, apperrors.Wrap(apperrors.CodeStorage, "get passkey", err)
	}

	base, err := e.users.GetUser(ctx, record.UserID)
	if err != nil {
		if apperrors.Is(err, storage.ErrNotFound) {
			return LoginResult{}, ErrUserNotFound
		}
		return LoginResult{}, apperrors.Wrap(apperrors.CodeStorage, "get user", err)
	}

	var validated *webauthn.Credential
	if len(session.UserID) > 0 {
		credential, convErr := credentialFromRecord(record)
		if convErr != nil {
			return LoginResult{}, convErr
		}
		validated, err = e.web.ValidateLogin(&ceremonyUser{user: base, credentials: []webauthn.Credential{credential}}, session, parsed)
	} else {
		_, validated, err = e.web.ValidatePasskeyLogin(e.discoverableHandler(ctx), session, parsed)
	}
	if err != nil {
		return LoginResult{}, apperrors.Wrap(apperrors.CodeVerificationFailed, "verify assertion", err)
	}

	// Anti-clone rule: on a credential that has authenticated before, the
	// asserted counter must be strictly greater than the stored one.
	newCount := validated.Authenticator.SignCount
	if validated.Authenticator.CloneWarning || (record.SignCount > 0 && newCount <= record.SignCount) {
		e.hooks.CloneDetected(hooks.CloneDetected{UserID: base.ID, PasskeyID: record.ID})
		return LoginResult{}, ErrCloneDetected
	}

	now := e.clock().UTC()
	record.SignCount = newCount
	record.UpdatedAt = now
	record.LastUsedAt = &now
	if err := e.passkeys.PutPasskey(ctx, record); err != nil {
		return LoginResult{}, apperrors.Wrap(apperrors.CodeStorage, "store passkey", err)
	}

	return LoginResult{User: base, PasskeyID: record.ID}, nil
}
