// Package user provides the identity records credentials attach to.
package user

import (
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	apperrors "github.com/louisbranch/passkit/errors"
)

var (
	// ErrEmptyEmail indicates a missing email address.
	ErrEmptyEmail = apperrors.New(apperrors.CodeValidation, "email is required")
	// ErrInvalidEmail indicates an email that does not parse as an address.
	ErrInvalidEmail = apperrors.New(apperrors.CodeValidation, "email is invalid")
)

// User represents an authenticated identity record.
type User struct {
	ID        string
	Email     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NormalizeEmail parses and lowercases an email address. Uniqueness checks
// and lookups must always operate on the normalized form.
func NormalizeEmail(email string) (string, error) {
	trimmed := strings.TrimSpace(email)
	if trimmed == "" {
		return "", ErrEmptyEmail
	}
	parsed, err := mail.ParseAddress(trimmed)
	if err != nil {
		return "", ErrInvalidEmail
	}
	return strings.ToLower(parsed.Address), nil
}

// New creates a durable user identity from an email address.
//
// The ceremony engine treats this as the canonical point where an untrusted
// email becomes a stable identity that credentials and recovery records
// attach to.
func New(email string, now func() time.Time, idGenerator func() string) (User, error) {
	if now == nil {
		now = time.Now
	}
	if idGenerator == nil {
		idGenerator = uuid.NewString
	}

	normalized, err := NormalizeEmail(email)
	if err != nil {
		return User{}, err
	}

	userID := idGenerator()
	if strings.TrimSpace(userID) == "" {
		return User{}, fmt.Errorf("generate user id: empty id")
	}

	createdAt := now().UTC()
	return User{
		ID:        userID,
		Email:     normalized,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
	}, nil
}
