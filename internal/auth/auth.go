// Package auth handles bearer credentials: the API key sent to workspace
// APIs and the optional token guarding the run status server.
package auth

import (
	"crypto/subtle"
	"errors"
	"strings"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

const bearerScheme = "Bearer"

// Validator validates a bearer token.
type Validator interface {
	Validate(token string) error
}

// StaticToken accepts exactly one shared token. An empty Token accepts
// nothing.
type StaticToken struct {
	Token string
}

func (s StaticToken) Validate(token string) error {
	if s.Token == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(s.Token), []byte(token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// FuncValidator adapts a function into a Validator.
type FuncValidator func(token string) error

func (f FuncValidator) Validate(token string) error {
	return f(token)
}

// BearerHeader returns the Authorization header value for token.
func BearerHeader(token string) string {
	return bearerScheme + " " + strings.TrimSpace(token)
}

// ParseBearer extracts the token of a bearer Authorization header. The scheme
// is matched case-insensitively.
func ParseBearer(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, bearerScheme) {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// Authorize checks an Authorization header against v.
func Authorize(v Validator, header string) error {
	token, ok := ParseBearer(header)
	if !ok {
		return ErrUnauthorized
	}
	return v.Validate(token)
}
