package hub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/palisade-social/palisade/moderation"
)

// KeyDirectory resolves the verification key for a token issuer. In
// production this is backed by DID document resolution; tests supply a fixed
// key.
type KeyDirectory interface {
	VerificationKey(ctx context.Context, issuer string) (interface{}, error)
}

// Authenticator verifies the bearer token presented on the websocket upgrade
// request and resolves the caller to a team member. Every failure path
// refuses the connection; there is no anonymous access to the hub.
type Authenticator struct {
	svc  *moderation.Service
	keys KeyDirectory
}

func NewAuthenticator(svc *moderation.Service, keys KeyDirectory) *Authenticator {
	return &Authenticator{svc: svc, keys: keys}
}

// ResolveIdentity verifies the request's bearer token and resolves the
// caller's role. Callers with a valid token but no team membership (or a
// disabled one) are plain users; they can still file reports and appeals.
func (a *Authenticator) ResolveIdentity(r *http.Request) (*moderation.Identity, error) {
	token := bearerToken(r)
	if token == "" {
		return nil, fmt.Errorf("missing bearer token")
	}

	claims := jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if claims.Issuer == "" {
			return nil, fmt.Errorf("token has no issuer")
		}
		return a.keys.VerificationKey(r.Context(), claims.Issuer)
	})
	if err != nil {
		return nil, fmt.Errorf("verifying token: %w", err)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	member, err := a.svc.GetTeamMember(r.Context(), claims.Issuer)
	if errors.Is(err, moderation.ErrMemberNotFound) {
		return &moderation.Identity{Did: claims.Issuer, Role: moderation.RoleUser}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolving team member: %w", err)
	}
	if member.Disabled {
		return &moderation.Identity{Did: member.Did, Role: moderation.RoleUser}, nil
	}
	return &moderation.Identity{Did: member.Did, Role: member.Role}, nil
}

// Authenticate gates the hub socket: a valid token is not enough, the caller
// must also hold at least the triage role.
func (a *Authenticator) Authenticate(r *http.Request) (*moderation.Identity, error) {
	ident, err := a.ResolveIdentity(r)
	if err != nil {
		return nil, err
	}
	if !ident.IsTriage() {
		return nil, fmt.Errorf("role %q may not connect to the hub", ident.Role)
	}
	return ident, nil
}

func bearerToken(r *http.Request) string {
	hdr := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(hdr, "Bearer "); ok {
		return token
	}
	// browsers cannot set headers on websocket upgrades
	return r.URL.Query().Get("token")
}
