// Package apikey authenticates prover API requests. Issued tokens are stored
// as SHA3-256 digests; the plaintext never touches the database.
package apikey

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/sha3"

	"github.com/ethproofs/proofs-backend/internal/explorer"
)

var (
	ErrInvalidConfig = errors.New("apikey: invalid config")
	ErrMissingToken  = errors.New("apikey: missing bearer token")
)

// Digest hashes a plaintext API token for storage and lookup.
func Digest(token string) [32]byte {
	return sha3.Sum256([]byte(token))
}

// TokenResolver maps a token digest to the owning team.
type TokenResolver interface {
	ResolveAPIToken(ctx context.Context, digest [32]byte) (explorer.Team, error)
}

type Authenticator struct {
	tokens TokenResolver
}

func NewAuthenticator(tokens TokenResolver) (*Authenticator, error) {
	if tokens == nil {
		return nil, fmt.Errorf("%w: nil token resolver", ErrInvalidConfig)
	}
	return &Authenticator{tokens: tokens}, nil
}

// Authenticate resolves the request's bearer token to a team. Returns
// ErrMissingToken when no credential is presented and
// explorer.ErrUnknownToken when the credential does not match any team.
func (a *Authenticator) Authenticate(r *http.Request) (explorer.Team, error) {
	token, err := bearerToken(r)
	if err != nil {
		return explorer.Team{}, err
	}
	return a.tokens.ResolveAPIToken(r.Context(), Digest(token))
}

func bearerToken(r *http.Request) (string, error) {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	if auth == "" {
		return "", ErrMissingToken
	}
	scheme, token, ok := strings.Cut(auth, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", ErrMissingToken
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}
