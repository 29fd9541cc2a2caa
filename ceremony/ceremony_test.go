package ceremony

import (
	"context"
	"encoding/base64"
	"fmt"
	"testing"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	apperrors "github.com/louisbranch/passkit/errors"
	"github.com/louisbranch/passkit/hooks"
	"github.com/louisbranch/passkit/storage"
	"github.com/louisbranch/passkit/storage/memory"
)

type fakeProvider struct {
	challengeSeq int

	createCredential *webauthn.Credential
	createErr        error

	loginCredential *webauthn.Credential
	loginErr        error
}

func (f *fakeProvider) nextChallenge() string {
	f.challengeSeq++
	return fmt.Sprintf("challenge-%d", f.challengeSeq)
}

func (f *fakeProvider) BeginRegistration(user webauthn.User, opts ...webauthn.RegistrationOption) (*protocol.CredentialCreation, *webauthn.SessionData, error) {
	session := &webauthn.SessionData{Challenge: f.nextChallenge(), UserID: user.WebAuthnID()}
	return &protocol.CredentialCreation{}, session, nil
}

func (f *fakeProvider) CreateCredential(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialCreationData) (*webauthn.Credential, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	return f.createCredential, nil
}

func (f *fakeProvider) BeginLogin(user webauthn.User, opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error) {
	session := &webauthn.SessionData{Challenge: f.nextChallenge(), UserID: user.WebAuthnID()}
	return &protocol.CredentialAssertion{}, session, nil
}

func (f *fakeProvider) BeginDiscoverableLogin(opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error) {
	session := &webauthn.SessionData{Challenge: f.nextChallenge()}
	return &protocol.CredentialAssertion{}, session, nil
}

func (f *fakeProvider) ValidateLogin(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (*webauthn.Credential, error) {
	if f.loginErr != nil {
		return nil, f.loginErr
	}
	return f.loginCredential, nil
}

func (f *fakeProvider) ValidatePasskeyLogin(handler webauthn.DiscoverableUserHandler, session webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (webauthn.User, *webauthn.Credential, error) {
	if f.loginErr != nil {
		return nil, nil, f.loginErr
	}
	user, err := handler(response.RawID, response.Response.UserHandle)
	if err != nil {
		return nil, nil, err
	}
	return user, f.loginCredential, nil
}

type fakeParser struct {
	creation     *protocol.ParsedCredentialCreationData
	creationErr  error
	assertion    *protocol.ParsedCredentialAssertionData
	assertionErr error
}

func (f *fakeParser) ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error) {
	return f.creation, f.creationErr
}

func (f *fakeParser) ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error) {
	return f.assertion, f.assertionErr
}

type testEnv struct {
	engine   *Engine
	store    *memory.Store
	provider *fakeProvider
	parser   *fakeParser
	clones   *[]hooks.CloneDetected
	now      *time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := memory.New()
	provider := &fakeProvider{}
	parser := &fakeParser{}
	clones := &[]hooks.CloneDetected{}
	now := time.Now().UTC()

	cfg := Config{
		RPDisplayName: "Passkit",
		RPID:          "localhost",
		RPOrigins:     []string{"http://localhost:8086"},
		ChallengeTTL:  5 * time.Minute,
	}
	dispatcher := hooks.NewDispatcher(hooks.Hooks{
		OnCloneDetected: func(ev hooks.CloneDetected) { *clones = append(*clones, ev) },
	})
	engine, err := New(cfg, store, store, store, dispatcher)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	env := &testEnv{engine: engine, store: store, provider: provider, parser: parser, clones: clones, now: &now}
	engine.web = provider
	engine.parser = parser
	engine.clock = func() time.Time { return *env.now }
	seq := 0
	engine.idGenerator = func() string {
		seq++
		return fmt.Sprintf("id-%d", seq)
	}
	return env
}

func creationResponse(challenge string) *protocol.ParsedCredentialCreationData {
	parsed := &protocol.ParsedCredentialCreationData{}
	parsed.Response.CollectedClientData.Challenge = challenge
	return parsed
}

func assertionResponse(challenge string, rawID, userHandle []byte) *protocol.ParsedCredentialAssertionData {
	parsed := &protocol.ParsedCredentialAssertionData{}
	parsed.RawID = rawID
	parsed.Response.CollectedClientData.Challenge = challenge
	parsed.Response.UserHandle = userHandle
	return parsed
}

func TestBeginRegistrationProvisionsUserAndChallenge(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	start, err := env.engine.BeginRegistration(ctx, "Alice@Example.com")
	if err != nil {
		t.Fatalf("begin registration: %v", err)
	}
	if start.User.Email != "alice@example.com" {
		t.Fatalf("expected normalized email, got %q", start.User.Email)
	}
	if start.Options == nil || start.ChallengeID == "" {
		t.Fatal("expected options and challenge id")
	}

	challenge, err := env.store.GetChallenge(ctx, start.ChallengeID)
	if err != nil {
		t.Fatalf("get challenge: %v", err)
	}
	if challenge.Type != storage.ChallengeTypeRegistration {
		t.Fatalf("challenge type = %q, want registration", challenge.Type)
	}
	if challenge.UserID != start.User.ID {
		t.Fatalf("challenge user = %q, want %q", challenge.UserID, start.User.ID)
	}
	if !challenge.ExpiresAt.Equal(env.now.Add(5 * time.Minute)) {
		t.Fatalf("challenge expiry = %v, want clock+ttl", challenge.ExpiresAt)
	}

	again, err := env.engine.BeginRegistration(ctx, "alice@example.com")
	if err != nil {
		t.Fatalf("second begin registration: %v", err)
	}
	if again.User.ID != start.User.ID {
		t.Fatal("expected existing user to be reused")
	}
}

func TestNewDefaultsChallengeTTL(t *testing.T) {
	store := memory.New()
	cfg := Config{
		RPDisplayName: "Passkit",
		RPID:          "localhost",
		RPOrigins:     []string{"http://localhost:8086"},
	}
	engine, err := New(cfg, store, store, store, nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if engine.config.ChallengeTTL != 5*time.Minute {
		t.Fatalf("challenge ttl = %v, want 5m default", engine.config.ChallengeTTL)
	}

	engine.web = &fakeProvider{}
	start, err := engine.BeginRegistration(context.Background(), "e@x.com")
	if err != nil {
		t.Fatalf("begin registration: %v", err)
	}
	challenge, err := store.GetChallenge(context.Background(), start.ChallengeID)
	if err != nil {
		t.Fatalf("get challenge: %v", err)
	}
	if !challenge.ExpiresAt.After(time.Now()) {
		t.Fatalf("challenge already expired at issue: %v", challenge.ExpiresAt)
	}
}

func TestBeginRegistrationRejectsInvalidEmail(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.engine.BeginRegistration(context.Background(), "not-an-email"); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestFinishRegistrationCommitsPasskey(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	start, err := env.engine.BeginRegistration(ctx, "e@x.com")
	if err != nil {
		t.Fatalf("begin registration: %v", err)
	}
	challenge, err := env.store.GetChallenge(ctx, start.ChallengeID)
	if err != nil {
		t.Fatalf("get challenge: %v", err)
	}

	rawID := []byte("credential-raw-1")
	env.parser.creation = creationResponse(challenge.Value)
	env.provider.createCredential = &webauthn.Credential{
		ID:              rawID,
		PublicKey:       []byte{0xAA, 0xBB},
		AttestationType: "none",
		Flags:           webauthn.CredentialFlags{BackupEligible: true, BackupState: true},
	}

	result, err := env.engine.FinishRegistration(ctx, []byte(`{}`))
	if err != nil {
		t.Fatalf("finish registration: %v", err)
	}
	if result.User.ID != start.User.ID {
		t.Fatalf("result user = %q, want %q", result.User.ID, start.User.ID)
	}

	list, err := env.store.ListPasskeysByUser(ctx, start.User.ID)
	if err != nil {
		t.Fatalf("list passkeys: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected exactly one passkey, got %d", len(list))
	}
	if list[0].SignCount != 0 {
		t.Fatalf("initial counter = %d, want 0", list[0].SignCount)
	}
	if list[0].ID != base64.RawURLEncoding.EncodeToString(rawID) {
		t.Fatalf("unexpected credential id %q", list[0].ID)
	}

	// Single consumption: the same challenge cannot be submitted again.
	if _, err := env.engine.FinishRegistration(ctx, []byte(`{}`)); !apperrors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("expected ErrChallengeNotFound on replay, got %v", err)
	}
}

func TestFinishRegistrationVerificationFailureConsumesChallenge(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	start, err := env.engine.BeginRegistration(ctx, "e@x.com")
	if err != nil {
		t.Fatalf("begin registration: %v", err)
	}
	challenge, err := env.store.GetChallenge(ctx, start.ChallengeID)
	if err != nil {
		t.Fatalf("get challenge: %v", err)
	}

	env.parser.creation = creationResponse(challenge.Value)
	env.provider.createErr = fmt.Errorf("attestation rejected")

	if _, err := env.engine.FinishRegistration(ctx, []byte(`{}`)); !apperrors.Is(err, ErrVerificationFailed) {
		t.Fatalf("expected ErrVerificationFailed, got %v", err)
	}

	list, err := env.store.ListPasskeysByUser(ctx, start.User.ID)
	if err != nil {
		t.Fatalf("list passkeys: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected no passkey persisted on failure, got %d", len(list))
	}

	// The nonce burned with the failed attempt.
	env.provider.createErr = nil
	env.provider.createCredential = &webauthn.Credential{ID: []byte("late")}
	if _, err := env.engine.FinishRegistration(ctx, []byte(`{}`)); !apperrors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("expected ErrChallengeNotFound after burn, got %v", err)
	}
}

func TestFinishRegistrationRejectsWrongTypeChallenge(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	start, err := env.engine.BeginLogin(ctx, "")
	if err != nil {
		t.Fatalf("begin login: %v", err)
	}
	challenge, err := env.store.GetChallenge(ctx, start.ChallengeID)
	if err != nil {
		t.Fatalf("get challenge: %v", err)
	}

	env.parser.creation = creationResponse(challenge.Value)
	if _, err := env.engine.FinishRegistration(ctx, []byte(`{}`)); !apperrors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("expected ErrChallengeNotFound for wrong-type challenge, got %v", err)
	}
}

func TestFinishRegistrationExpiredChallenge(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	start, err := env.engine.BeginRegistration(ctx, "e@x.com")
	if err != nil {
		t.Fatalf("begin registration: %v", err)
	}
	challenge, err := env.store.GetChallenge(ctx, start.ChallengeID)
	if err != nil {
		t.Fatalf("get challenge: %v", err)
	}

	*env.now = env.now.Add(10 * time.Minute)
	env.parser.creation = creationResponse(challenge.Value)
	if _, err := env.engine.FinishRegistration(ctx, []byte(`{}`)); !apperrors.Is(err, ErrChallengeNotFound) {
		t.Fatalf("expected ErrChallengeNotFound for expired challenge, got %v", err)
	}
}

// seedLogin registers a user with one passkey and issues a bound login
// challenge, returning the raw credential id and the challenge value.
func seedLogin(t *testing.T, env *testEnv, signCount uint32) (rawID []byte, challengeValue string, userID string) {
	t.Helper()
	ctx := context.Background()

	start, err := env.engine.BeginRegistration(ctx, "e@x.com")
	if err != nil {
		t.Fatalf("begin registration: %v", err)
	}
	challenge, err := env.store.GetChallenge(ctx, start.ChallengeID)
	if err != nil {
		t.Fatalf("get challenge: %v", err)
	}
	rawID = []byte("credential-raw-1")
	env.parser.creation = creationResponse(challenge.Value)
	env.provider.createCredential = &webauthn.Credential{ID: rawID, PublicKey: []byte{0x01}}
	if _, err := env.engine.FinishRegistration(ctx, []byte(`{}`)); err != nil {
		t.Fatalf("finish registration: %v", err)
	}

	if signCount > 0 {
		record, err := env.store.GetPasskey(ctx, base64.RawURLEncoding.EncodeToString(rawID))
		if err != nil {
			t.Fatalf("get passkey: %v", err)
		}
		record.SignCount = signCount
		if err := env.store.PutPasskey(ctx, record); err != nil {
			t.Fatalf("put passkey: %v", err)
		}
	}

	login, err := env.engine.BeginLogin(ctx, "e@x.com")
	if err != nil {
		t.Fatalf("begin login: %v", err)
	}
	loginChallenge, err := env.store.GetChallenge(ctx, login.ChallengeID)
	if err != nil {
		t.Fatalf("get login challenge: %v", err)
	}
	return rawID, loginChallenge.Value, start.User.ID
}

func TestFinishLoginCommitsCounterAndLastUsed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	rawID, challengeValue, userID := seedLogin(t, env, 5)

	env.parser.assertion = assertionResponse(challengeValue, rawID, []byte(userID))
	env.provider.loginCredential = &webauthn.Credential{
		ID:            rawID,
		Authenticator: webauthn.Authenticator{SignCount: 6},
	}

	result, err := env.engine.FinishLogin(ctx, []byte(`{}`))
	if err != nil {
		t.Fatalf("finish login: %v", err)
	}
	if result.User.ID != userID {
		t.Fatalf("result user = %q, want %q", result.User.ID, userID)
	}

	record, err := env.store.GetPasskey(ctx, base64.RawURLEncoding.EncodeToString(rawID))
	if err != nil {
		t.Fatalf("get passkey: %v", err)
	}
	if record.SignCount != 6 {
		t.Fatalf("counter = %d, want 6", record.SignCount)
	}
	if record.LastUsedAt == nil {
		t.Fatal("expected last-used timestamp")
	}
}

func TestFinishLoginCloneDetection(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	rawID, challengeValue, userID := seedLogin(t, env, 5)

	env.parser.assertion = assertionResponse(challengeValue, rawID, []byte(userID))
	env.provider.loginCredential = &webauthn.Credential{
		ID:            rawID,
		Authenticator: webauthn.Authenticator{SignCount: 5},
	}

	if _, err := env.engine.FinishLogin(ctx, []byte(`{}`)); !apperrors.Is(err, ErrCloneDetected) {
		t.Fatalf("expected ErrCloneDetected, got %v", err)
	}
	if len(*env.clones) != 1 || (*env.clones)[0].UserID != userID {
		t.Fatalf("expected clone hook fired for %q, got %+v", userID, *env.clones)
	}

	record, err := env.store.GetPasskey(ctx, base64.RawURLEncoding.EncodeToString(rawID))
	if err != nil {
		t.Fatalf("get passkey: %v", err)
	}
	if record.SignCount != 5 || record.LastUsedAt != nil {
		t.Fatalf("expected stored state untouched, got %+v", record)
	}
}

func TestFinishLoginUnknownCredential(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, challengeValue, userID := seedLogin(t, env, 0)

	env.parser.assertion = assertionResponse(challengeValue, []byte("unknown-credential"), []byte(userID))
	if _, err := env.engine.FinishLogin(ctx, []byte(`{}`)); !apperrors.Is(err, ErrPasskeyNotFound) {
		t.Fatalf("expected ErrPasskeyNotFound, got %v", err)
	}
}

func TestFinishLoginDiscoverableFlow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	rawID, _, userID := seedLogin(t, env, 0)

	// Discoverable: the user is unknown until the assertion arrives.
	login, err := env.engine.BeginLogin(ctx, "")
	if err != nil {
		t.Fatalf("begin discoverable login: %v", err)
	}
	challenge, err := env.store.GetChallenge(ctx, login.ChallengeID)
	if err != nil {
		t.Fatalf("get challenge: %v", err)
	}
	if challenge.UserID != "" {
		t.Fatalf("expected unbound challenge, got user %q", challenge.UserID)
	}

	env.parser.assertion = assertionResponse(challenge.Value, rawID, []byte(userID))
	env.provider.loginCredential = &webauthn.Credential{
		ID:            rawID,
		Authenticator: webauthn.Authenticator{SignCount: 1},
	}
	result, err := env.engine.FinishLogin(ctx, []byte(`{}`))
	if err != nil {
		t.Fatalf("finish discoverable login: %v", err)
	}
	if result.User.ID != userID {
		t.Fatalf("result user = %q, want %q", result.User.ID, userID)
	}
}

func TestBeginLoginUnknownEmailFallsBackToDiscoverable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	login, err := env.engine.BeginLogin(ctx, "nobody@example.com")
	if err != nil {
		t.Fatalf("begin login: %v", err)
	}
	challenge, err := env.store.GetChallenge(ctx, login.ChallengeID)
	if err != nil {
		t.Fatalf("get challenge: %v", err)
	}
	if challenge.UserID != "" {
		t.Fatalf("expected unbound challenge, got user %q", challenge.UserID)
	}
	if challenge.Email != "nobody@example.com" {
		t.Fatalf("expected email recorded on challenge, got %q", challenge.Email)
	}
}
