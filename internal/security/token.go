package security

import (
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// TokenIdentity is the client-side view of the bearer token. The token is
// opaque to this core (the server verifies it); the claims are only peeked at,
// unverified, to learn who the local user is.
type TokenIdentity struct {
	UserID      string
	DisplayName string
}

// IdentityFromToken extracts the subject and display name claims from a JWT
// bearer token without verifying the signature. Returns an error when the
// token is not parseable or carries no subject.
func IdentityFromToken(token string) (*TokenIdentity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, errors.New("empty token")
	}

	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return nil, err
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, errors.New("token has no subject")
	}
	name, _ := claims["name"].(string)
	if name == "" {
		name = sub
	}
	return &TokenIdentity{UserID: sub, DisplayName: name}, nil
}
