package identity

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/CoReason-AI/coreason-adlc-api/pkg/fault"
)

// Claims is what survives credential verification: the stable subject,
// email, and the raw SSO group object ids.
type Claims struct {
	Subject string
	Email   string
	Groups  []string
}

type Verifier interface {
	Verify(ctx context.Context, credential string) (Claims, error)
}

// Directory flattens group ids into project memberships and roles.
// MANAGER is derived here, never self-claimed.
type Directory interface {
	Authorize(ctx context.Context, claims Claims) (projects, roles []string, err error)
}

type Resolver struct {
	Verifier  Verifier
	Directory Directory
	Timeout   time.Duration
}

// Resolve verifies the credential and builds the request principal.
func (r *Resolver) Resolve(ctx context.Context, credential string) (*Principal, error) {
	if strings.TrimSpace(credential) == "" {
		return nil, fault.New(fault.AuthMissing, "missing bearer credential")
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 200 * time.Millisecond
	}
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	claims, err := r.Verifier.Verify(opCtx, credential)
	if err != nil {
		return nil, err
	}
	projects, roles, err := r.Directory.Authorize(opCtx, claims)
	if err != nil {
		return nil, err
	}
	return &Principal{
		UserID:   claims.Subject,
		Email:    claims.Email,
		Groups:   claims.Groups,
		Projects: dedupe(projects),
		Roles:    dedupe(roles),
	}, nil
}

func dedupe(in []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

type tokenClaims struct {
	jwt.RegisteredClaims
	Email  string   `json:"email,omitempty"`
	Groups []string `json:"groups,omitempty"`
}

// HS256Verifier checks tokens signed with a shared secret. Used for
// the device-flow tokens the gateway mints itself and for dev mode.
type HS256Verifier struct {
	Secret   []byte
	Issuer   string
	Audience string
}

func (v *HS256Verifier) Verify(ctx context.Context, credential string) (Claims, error) {
	if len(v.Secret) == 0 {
		return Claims{}, fault.New(fault.ConfigurationError, "token secret not configured")
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired()}
	if v.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.Issuer))
	}
	if v.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.Audience))
	}
	parsed, err := jwt.ParseWithClaims(credential, &tokenClaims{}, func(t *jwt.Token) (any, error) {
		return v.Secret, nil
	}, opts...)
	if err != nil {
		return Claims{}, classifyTokenError(err)
	}
	return claimsFrom(parsed)
}

// RS256Verifier checks tokens against the identity provider's
// published keys.
type RS256Verifier struct {
	Keys     *JWKSCache
	Issuer   string
	Audience string
}

func (v *RS256Verifier) Verify(ctx context.Context, credential string) (Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"RS256"}), jwt.WithExpirationRequired()}
	if v.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.Issuer))
	}
	if v.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.Audience))
	}
	parsed, err := jwt.ParseWithClaims(credential, &tokenClaims{}, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if strings.TrimSpace(kid) == "" {
			return nil, errors.New("kid required")
		}
		return v.Keys.Key(ctx, kid, time.Now().UTC())
	}, opts...)
	if err != nil {
		return Claims{}, classifyTokenError(err)
	}
	return claimsFrom(parsed)
}

func claimsFrom(parsed *jwt.Token) (Claims, error) {
	tc, ok := parsed.Claims.(*tokenClaims)
	if !ok || strings.TrimSpace(tc.Subject) == "" {
		return Claims{}, fault.New(fault.AuthInvalid, "credential rejected")
	}
	return Claims{Subject: tc.Subject, Email: tc.Email, Groups: tc.Groups}, nil
}

func classifyTokenError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fault.Wrap(fault.AuthInvalid, "credential malformed", err)
	case errors.Is(err, jwt.ErrTokenExpired), errors.Is(err, jwt.ErrTokenNotValidYet):
		return fault.Wrap(fault.AuthInvalid, "credential expired", err)
	default:
		return fault.Wrap(fault.AuthInvalid, "credential rejected", err)
	}
}

// MintHS256 issues a gateway token. Device-flow polling and tests use
// this; production SSO tokens come from the identity provider.
func MintHS256(secret []byte, issuer, audience string, claims Claims, ttl time.Duration, now time.Time) (string, error) {
	registered := jwt.RegisteredClaims{
		Subject:   claims.Subject,
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	if audience != "" {
		registered.Audience = jwt.ClaimStrings{audience}
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, tokenClaims{
		RegisteredClaims: registered,
		Email:            claims.Email,
		Groups:           claims.Groups,
	})
	return tok.SignedString(secret)
}
