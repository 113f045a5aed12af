// Package auth verifies bearer tokens issued to API callers.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"bid-evaluation-service/internal/apperr"
)

var tracer = otel.Tracer("jwt-verifier")

var ErrUnauthorized = apperr.Security(apperr.CodeAuthUnauthorized, http.StatusUnauthorized, "missing or invalid bearer token")

// Principal is the verified caller.
type Principal struct {
	Subject  string
	TenantID string
	Roles    []string
}

// Verifier checks HS256 tokens for issuer and tenant claim.
type Verifier struct {
	secret      []byte
	issuer      string
	tenantClaim string
	now         func() time.Time
}

// NewVerifier returns nil when secret is empty, which disables bearer auth.
func NewVerifier(secret, issuer, tenantClaim string) *Verifier {
	if secret == "" {
		return nil
	}
	if tenantClaim == "" {
		tenantClaim = "tenant_id"
	}
	return &Verifier{secret: []byte(secret), issuer: issuer, tenantClaim: tenantClaim, now: time.Now}
}

// Verify parses token and returns its principal.
func (v *Verifier) Verify(ctx context.Context, token string) (Principal, error) {
	_, span := tracer.Start(ctx, "jwt.verify")
	defer span.End()

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	mc := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, mc, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		span.RecordError(err)
		return Principal{}, apperr.Wrap(err, ErrUnauthorized.Code, ErrUnauthorized.Kind, ErrUnauthorized.HTTPStatus, false, "invalid bearer token")
	}
	sub, _ := mc.GetSubject()
	tenant, _ := mc[v.tenantClaim].(string)
	if sub == "" || tenant == "" {
		return Principal{}, apperr.Security(apperr.CodeAuthUnauthorized, http.StatusUnauthorized, "token lacks subject or tenant claim")
	}
	p := Principal{Subject: sub, TenantID: tenant, Roles: stringList(mc["roles"])}
	span.SetAttributes(attribute.String("tenant_id", tenant), attribute.String("subject", sub))
	return p, nil
}

// Issue signs a token for p. Used by opsctl and tests.
func (v *Verifier) Issue(p Principal, ttl time.Duration) (string, error) {
	now := v.now()
	mc := jwt.MapClaims{
		"sub":         p.Subject,
		v.tenantClaim: p.TenantID,
		"iat":         jwt.NewNumericDate(now),
		"exp":         jwt.NewNumericDate(now.Add(ttl)),
	}
	if v.issuer != "" {
		mc["iss"] = v.issuer
	}
	if len(p.Roles) > 0 {
		mc["roles"] = p.Roles
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, mc).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	if header == "" {
		return "", errors.New("no authorization header")
	}
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", errors.New("authorization header is not a bearer token")
	}
	return strings.TrimSpace(header[len(prefix):]), nil
}

type principalKey struct{}

// WithPrincipal stores p on ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the principal set by WithPrincipal.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
