package api

import (
	"errors"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUnauthorized  = errors.New("missing or invalid admin token")
	ErrAdminDisabled = errors.New("admin access is not configured")
)

// AccessPolicy decides whether a request may use the admin surface.
type AccessPolicy interface {
	Authorize(r *http.Request) error
}

// TokenPolicy accepts a bearer token matching a bcrypt hash.
type TokenPolicy struct {
	hash []byte
}

// NewTokenPolicy wraps a bcrypt hash from config. An empty hash disables
// the admin surface.
func NewTokenPolicy(hash string) *TokenPolicy {
	return &TokenPolicy{hash: []byte(hash)}
}

func (p *TokenPolicy) Authorize(r *http.Request) error {
	if len(p.hash) == 0 {
		return ErrAdminDisabled
	}
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return ErrUnauthorized
	}
	if err := bcrypt.CompareHashAndPassword(p.hash, []byte(token)); err != nil {
		return ErrUnauthorized
	}
	return nil
}

// HashToken produces the value stored as admin.token_hash
func HashToken(token string) (string, error) {
	if token == "" {
		return "", errors.New("admin token must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
