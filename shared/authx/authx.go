package authx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"

	"match-event-delivery/shared/httpx"
	"match-event-delivery/shared/logx"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrUnknownKID   = errors.New("unknown kid")
)

type AuthContext struct {
	Subject string
	Name    string
	Scopes  []string
	Claims  map[string]any
}

func (a AuthContext) HasScope(scope string) bool {
	for _, s := range a.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

type contextKey struct{}

func WithAuth(ctx context.Context, auth AuthContext) context.Context {
	return context.WithValue(ctx, contextKey{}, auth)
}

func FromContext(ctx context.Context) (AuthContext, bool) {
	if v := ctx.Value(contextKey{}); v != nil {
		if a, ok := v.(AuthContext); ok {
			return a, true
		}
	}
	return AuthContext{}, false
}

// KeySource resolves a verification key by key id.
type KeySource interface {
	GetKey(ctx context.Context, kid string) (any, error)
}

type JWTVerifier struct {
	keys   KeySource
	parser *jwt.Parser
}

func NewJWTVerifier(issuer string, audience string, keys KeySource, clockSkewSeconds int) (*JWTVerifier, error) {
	issuer = strings.TrimSpace(issuer)
	audience = strings.TrimSpace(audience)
	if issuer == "" || audience == "" {
		return nil, fmt.Errorf("%w: missing issuer or audience", ErrInvalidToken)
	}
	if keys == nil {
		return nil, errors.New("key source is required")
	}
	if clockSkewSeconds < 0 {
		clockSkewSeconds = 0
	}
	return &JWTVerifier{
		keys: keys,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}),
			jwt.WithAudience(audience),
			jwt.WithIssuer(issuer),
			jwt.WithExpirationRequired(),
			jwt.WithLeeway(time.Duration(clockSkewSeconds)*time.Second),
		),
	}, nil
}

func (v *JWTVerifier) Verify(ctx context.Context, rawToken string) (AuthContext, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return AuthContext{}, ErrInvalidToken
	}

	claims := jwt.MapClaims{}
	_, err := v.parser.ParseWithClaims(rawToken, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		kid = strings.TrimSpace(kid)
		if kid == "" {
			return nil, ErrUnknownKID
		}
		return v.keys.GetKey(ctx, kid)
	})
	if err != nil {
		return AuthContext{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	subject, _ := claims.GetSubject()
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return AuthContext{}, ErrInvalidToken
	}
	name, _ := claims["name"].(string)
	if name == "" {
		name, _ = claims["preferred_username"].(string)
	}

	return AuthContext{
		Subject: subject,
		Name:    strings.TrimSpace(name),
		Scopes:  parseScopes(claims),
		Claims:  map[string]any(claims),
	}, nil
}

// Middleware rejects requests without a valid bearer token carrying scope.
// An empty scope only requires authentication.
func Middleware(l logx.Logger, v *JWTVerifier, scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth, err := v.Verify(r.Context(), httpx.BearerToken(r))
			if err != nil {
				l.Warn(r.Context(), "auth_rejected", "bearer token rejected",
					slog.String("request_id", httpx.RequestIDFromContext(r.Context())),
					slog.String("error_code", "UNAUTHENTICATED"),
					slog.String("error", err.Error()),
				)
				w.Header().Set("WWW-Authenticate", `Bearer realm="match-event-delivery"`)
				httpx.WriteError(w, r, http.StatusUnauthorized, "UNAUTHENTICATED", "missing or invalid bearer token", nil)
				return
			}
			if scope != "" && !auth.HasScope(scope) {
				httpx.WriteError(w, r, http.StatusForbidden, "FORBIDDEN", "token lacks scope "+scope, nil)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), auth)))
		})
	}
}

// JWKSCache serves keys from a jwk.Cache that refreshes the set in the
// background. An unknown kid forces one synchronous refresh.
type JWKSCache struct {
	url   string
	cache *jwk.Cache
}

func NewJWKSCache(ctx context.Context, url string, ttl time.Duration, client *http.Client) (*JWKSCache, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("jwks url is required")
	}
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	c := jwk.NewCache(ctx)
	if err := c.Register(url, jwk.WithMinRefreshInterval(ttl), jwk.WithHTTPClient(client)); err != nil {
		return nil, err
	}
	return &JWKSCache{url: url, cache: c}, nil
}

func (c *JWKSCache) GetKey(ctx context.Context, kid string) (any, error) {
	if kid == "" {
		return nil, ErrUnknownKID
	}
	set, err := c.cache.Get(ctx, c.url)
	if err != nil {
		return nil, err
	}
	key, ok := set.LookupKeyID(kid)
	if !ok {
		if set, err = c.cache.Refresh(ctx, c.url); err != nil {
			return nil, err
		}
		if key, ok = set.LookupKeyID(kid); !ok {
			return nil, ErrUnknownKID
		}
	}
	var raw any
	if err := key.Raw(&raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// StaticKeys is a fixed kid to public key map, used for pinned keys.
type StaticKeys map[string]any

func (s StaticKeys) GetKey(_ context.Context, kid string) (any, error) {
	if key, ok := s[kid]; ok {
		return key, nil
	}
	return nil, ErrUnknownKID
}

func parseScopes(claims map[string]any) []string {
	var scopes []string
	add := func(scope string) {
		scope = strings.TrimSpace(scope)
		if scope == "" {
			return
		}
		for _, existing := range scopes {
			if existing == scope {
				return
			}
		}
		scopes = append(scopes, scope)
	}

	for _, key := range []string{"scope", "scp", "roles"} {
		switch t := claims[key].(type) {
		case string:
			for _, s := range strings.Fields(t) {
				add(s)
			}
		case []string:
			for _, s := range t {
				add(s)
			}
		case []any:
			for _, s := range t {
				add(fmt.Sprint(s))
			}
		}
	}
	return scopes
}
