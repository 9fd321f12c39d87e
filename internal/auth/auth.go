// Package auth validates the secret a client presents in its hello.
package auth

import (
	"crypto/subtle"
	"errors"
	"strings"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

// Validator validates a handshake secret.
type Validator interface {
	Validate(secret string) error
}

// StaticSecret accepts any of a fixed set of shared secrets. Several entries
// allow rotation without dropping clients that still present the old one.
type StaticSecret struct {
	Secrets []string
}

func NewStaticSecret(secrets ...string) StaticSecret {
	out := make([]string, 0, len(secrets))
	for _, s := range secrets {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return StaticSecret{Secrets: out}
}

func (s StaticSecret) Validate(secret string) error {
	if secret == "" {
		return ErrUnauthorized
	}
	ok := 0
	for _, want := range s.Secrets {
		ok |= subtle.ConstantTimeCompare([]byte(want), []byte(secret))
	}
	if ok != 1 {
		return ErrUnauthorized
	}
	return nil
}

// AllowAll accepts every hello, with or without a secret.
type AllowAll struct{}

func (AllowAll) Validate(string) error { return nil }

// FuncValidator adapts a function into a Validator.
type FuncValidator func(secret string) error

func (f FuncValidator) Validate(secret string) error {
	return f(secret)
}

// ForSecrets returns AllowAll when no secret is configured.
func ForSecrets(secrets ...string) Validator {
	s := NewStaticSecret(secrets...)
	if len(s.Secrets) == 0 {
		return AllowAll{}
	}
	return s
}
