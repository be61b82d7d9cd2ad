package authx

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"match-event-delivery/shared/logx"
)

const (
	issuer   = "https://auth.example.test"
	audience = "match-event-delivery"
)

func signer(t *testing.T) (*rsa.PrivateKey, *JWTVerifier) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	v, err := NewJWTVerifier(issuer, audience, StaticKeys{"k1": &key.PublicKey}, 0)
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	return key, v
}

func token(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	s, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func claims(aud string, scope string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"iss":   issuer,
		"aud":   aud,
		"sub":   "feed-ingest",
		"scope": scope,
		"nbf":   now.Add(-time.Minute).Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	}
}

func TestParseScopes(t *testing.T) {
	got := parseScopes(map[string]any{
		"scope": "events:publish events:read",
		"scp":   []any{"events:read", "admin"},
	})
	if len(got) != 3 {
		t.Fatalf("expected de-duplicated scopes, got %v", got)
	}
}

func TestNewJWTVerifierValidation(t *testing.T) {
	if _, err := NewJWTVerifier("", "aud", StaticKeys{}, 0); err == nil {
		t.Fatalf("expected error for missing issuer")
	}
	if _, err := NewJWTVerifier(issuer, audience, nil, 0); err == nil {
		t.Fatalf("expected error for missing key source")
	}
}

func TestVerify(t *testing.T) {
	key, v := signer(t)
	ctx := context.Background()

	auth, err := v.Verify(ctx, token(t, key, "k1", claims(audience, "events:publish")))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if auth.Subject != "feed-ingest" || !auth.HasScope("events:publish") {
		t.Fatalf("unexpected auth context: %+v", auth)
	}

	if _, err := v.Verify(ctx, token(t, key, "k1", claims("someone-else", "events:publish"))); err == nil {
		t.Fatalf("expected audience mismatch to fail")
	}
	if _, err := v.Verify(ctx, token(t, key, "k2", claims(audience, ""))); err == nil {
		t.Fatalf("expected unknown kid to fail")
	}
}

func TestMiddleware(t *testing.T) {
	key, v := signer(t)
	var seen AuthContext
	h := Middleware(logx.Nop(), v, "events:publish")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = FromContext(r.Context())
		w.WriteHeader(http.StatusAccepted)
	}))

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scope", "Bearer " + token(t, key, "k1", claims(audience, "events:read")), http.StatusForbidden},
		{"ok", "Bearer " + token(t, key, "k1", claims(audience, "events:publish")), http.StatusAccepted},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/match-events", nil)
		if tc.header != "" {
			req.Header.Set("Authorization", tc.header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != tc.want {
			t.Fatalf("%s: expected %d, got %d", tc.name, tc.want, rec.Code)
		}
	}
	if seen.Subject != "feed-ingest" {
		t.Fatalf("expected auth context on request, got %+v", seen)
	}
}
