package ceremony

import (
	"context"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	apperrors "github.com/louisbranch/passkit/errors"
	"github.com/louisbranch/passkit/storage"
	"github.com/louisbranch/passkit/user"
)

// RegistrationStart carries the ceremony parameters the transport layer
// forwards to the client's credential creation API.
type RegistrationStart struct {
	User        user.User
	ChallengeID string
	Options     *protocol.CredentialCreation
}

// RegistrationResult reports a committed registration ceremony.
type RegistrationResult struct {
	User      user.User
	PasskeyID string
}

// BeginRegistration resolves or provisions the user for an email and
// issues a registration challenge bound to them.
func (e *Engine) BeginRegistration(ctx context.Context, email string) (RegistrationStart, error) {
	normalized, err := user.NormalizeEmail(email)
	if err != nil {
		return RegistrationStart{}, err
	}

	base, err := e.users.GetUserByEmail(ctx, normalized)
	switch {
	case err == nil:
	case apperrors.Is(err, storage.ErrNotFound):
		base, err = user.New(normalized, e.clock, e.idGenerator)
		if err != nil {
			return RegistrationStart{}, err
		}
		if err := e.users.CreateUser(ctx, base); err != nil {
			if apperrors.Is(err, storage.ErrEmailTaken) {
				return RegistrationStart{}, err
			}
			return RegistrationStart{}, apperrors.Wrap(apperrors.CodeStorage, "create user", err)
		}
	default:
		return RegistrationStart{}, apperrors.Wrap(apperrors.CodeStorage, "get user by email", err)
	}

	ceremonyUser, err := e.loadCeremonyUser(ctx, base)
	if err != nil {
		return RegistrationStart{}, apperrors.Wrap(apperrors.CodeStorage, "load credentials", err)
	}

	options := []webauthn.RegistrationOption{
		webauthn.WithResidentKeyRequirement(protocol.ResidentKeyRequirementRequired),
	}
	if len(ceremonyUser.credentials) > 0 {
		options = append(options, webauthn.WithExclusions(webauthn.Credentials(ceremonyUser.credentials).CredentialDescriptors()))
	}

	creation, session, err := e.web.BeginRegistration(ceremonyUser, options...)
	if err != nil {
		return RegistrationStart{}, apperrors.Wrap(apperrors.CodeVerificationFailed, "begin registration", err)
	}

	challenge, err := e.storeChallenge(ctx, storage.ChallengeTypeRegistration, base.ID, normalized, session)
	if err != nil {
		return RegistrationStart{}, err
	}

	return RegistrationStart{
		User:        base,
		ChallengeID: challenge.ID,
		Options:     creation,
	}, nil
}

// FinishRegistration consumes the challenge referenced by the client's
// response and, on successful verification, commits the new credential.
//
// The challenge is deleted before verification runs, so a failed ceremony
// cannot be retried against the same nonce.
func (e *Engine) FinishRegistration(ctx context.Context, responseJSON []byte) (RegistrationResult, error) {
	if len(responseJSON) == 0 {
		return RegistrationResult{}, apperrors.New(apperrors.CodeValidation, "credential response is required")
	}
	parsed, err := e.parser.ParseCredentialCreationResponseBytes(responseJSON)
	if err != nil {
		return RegistrationResult{}, apperrors.Wrap(apperrors.CodeValidation, "parse credential response", err)
	}

	challenge, session, err := e.consumeChallenge(ctx, parsed.Response.CollectedClientData.Challenge, storage.ChallengeTypeRegistration)
	if err != nil {
		return RegistrationResult{}, err
	}

	base, err := e.users.GetUser(ctx, challenge.UserID)
	if err != nil {
		if apperrors.Is(err, storage.ErrNotFound) {
			return RegistrationResult{}, ErrUserNotFound
		}
		return RegistrationResult{}, apperrors.Wrap(apperrors.CodeStorage, "get user", err)
	}

	ceremonyUser, err := e.loadCeremonyUser(ctx, base)
	if err != nil {
		return RegistrationResult{}, apperrors.Wrap(apperrors.CodeStorage, "load credentials", err)
	}

	credential, err := e.web.CreateCredential(ceremonyUser, session, parsed)
	if err != nil {
		return RegistrationResult{}, apperrors.Wrap(apperrors.CodeVerificationFailed, "verify attestation", err)
	}

	record := recordFromCredential(base.ID, *credential, e.clock().UTC())
	if err := e.passkeys.PutPasskey(ctx, record); err != nil {
		return RegistrationResult{}, apperrors.Wrap(apperrors.CodeStorage, "store passkey", err)
	}

	return RegistrationResult{User: base, PasskeyID: record.ID}, nil
}
