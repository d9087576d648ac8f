package apikey

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/ethproofs/proofs-backend/internal/explorer"
)

type stubResolver struct {
	byDigest map[[32]byte]explorer.Team
}

func (s *stubResolver) ResolveAPIToken(_ context.Context, digest [32]byte) (explorer.Team, error) {
	team, ok := s.byDigest[digest]
	if !ok {
		return explorer.Team{}, explorer.ErrUnknownToken
	}
	return team, nil
}

func TestDigest_Deterministic(t *testing.T) {
	t.Parallel()

	a := Digest("secret-token")
	b := Digest("secret-token")
	if a != b {
		t.Fatalf("digests differ for identical tokens")
	}
	if Digest("other-token") == a {
		t.Fatalf("distinct tokens collide")
	}
	if a == ([32]byte{}) {
		t.Fatalf("digest is zero")
	}
}

func TestAuthenticator_Authenticate(t *testing.T) {
	t.Parallel()

	teamA := explorer.Team{ID: "aaaa1111-0000-0000-0000-000000000000", Name: "Team A"}
	auth, err := NewAuthenticator(&stubResolver{
		byDigest: map[[32]byte]explorer.Team{
			Digest("token-a"): teamA,
		},
	})
	if err != nil {
		t.Fatalf("NewAuthenticator: %v", err)
	}

	cases := []struct {
		name    string
		header  string
		want    string
		wantErr error
	}{
		{name: "valid", header: "Bearer token-a", want: teamA.ID},
		{name: "case-insensitive scheme", header: "bearer token-a", want: teamA.ID},
		{name: "missing header", header: "", wantErr: ErrMissingToken},
		{name: "wrong scheme", header: "Basic dXNlcg==", wantErr: ErrMissingToken},
		{name: "empty token", header: "Bearer  ", wantErr: ErrMissingToken},
		{name: "unknown token", header: "Bearer nope", wantErr: explorer.ErrUnknownToken},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			r := httptest.NewRequest("POST", "/api/v0/proofs/proved", nil)
			if tc.header != "" {
				r.Header.Set("Authorization", tc.header)
			}
			team, err := auth.Authenticate(r)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("Authenticate: got %v want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Authenticate: %v", err)
			}
			if team.ID != tc.want {
				t.Fatalf("team: got %s want %s", team.ID, tc.want)
			}
		})
	}
}

func TestNewAuthenticator_NilResolver(t *testing.T) {
	t.Parallel()

	if _, err := NewAuthenticator(nil); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("NewAuthenticator(nil): got %v want ErrInvalidConfig", err)
	}
}
