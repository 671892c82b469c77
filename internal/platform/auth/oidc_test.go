package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	jwt "github.com/golang-jwt/jwt/v4"
)

const (
	testAudience = "https://api.courseshop.test"
	testIssuer   = "https://accounts.google.com"
)

type keyServer struct {
	key      *rsa.PrivateKey
	server   *httptest.Server
	requests atomic.Int32
}

func newKeyServer(t *testing.T, kid string) *keyServer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	ks := &keyServer{key: key}
	ks.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		ks.requests.Add(1)
		w.Header().Set("Cache-Control", "public, max-age=600")
		_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{{
			Key: &key.PublicKey, KeyID: kid, Algorithm: "RS256", Use: "sig",
		}}})
	}))
	t.Cleanup(ks.server.Close)
	return ks
}

func (ks *keyServer) sign(t *testing.T, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(ks.key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func serviceClaims(aud string) jwt.MapClaims {
	return jwt.MapClaims{
		"iss":   testIssuer,
		"aud":   aud,
		"sub":   "1234567890",
		"email": "crm-bridge@courseshop.iam.gserviceaccount.com",
		"exp":   time.Now().Add(time.Hour).Unix(),
		"iat":   time.Now().Unix(),
	}
}

func TestServiceVerifierAcceptsSignedToken(t *testing.T) {
	ks := newKeyServer(t, "k1")
	verifier := NewServiceVerifier(NewKeySet(ks.server.URL, WithKeySetHTTPClient(ks.server.Client())), testAudience, []string{testIssuer})

	var caller *Caller
	handler := verifier.Require()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, _ = CallerFromContext(r.Context())
		w.WriteHeader(http.StatusAccepted)
	}))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/internal/subscriptions/sync", nil)
		req.Header.Set("Authorization", "Bearer "+ks.sign(t, "k1", serviceClaims(testAudience)))
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusAccepted {
			t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
		}
	}
	if caller == nil || caller.Email != "crm-bridge@courseshop.iam.gserviceaccount.com" || caller.Issuer != testIssuer {
		t.Fatalf("unexpected caller %+v", caller)
	}
	if n := ks.requests.Load(); n != 1 {
		t.Fatalf("expected keys fetched once, got %d", n)
	}
}

func TestServiceVerifierAcceptsIAPAssertion(t *testing.T) {
	ks := newKeyServer(t, "k1")
	verifier := NewServiceVerifier(NewKeySet(ks.server.URL), testAudience, []string{testIssuer})

	req := httptest.NewRequest(http.MethodGet, "/internal/mailing/missing-documents", nil)
	req.Header.Set(iapAssertionHeader, ks.sign(t, "k1", serviceClaims(testAudience)))
	rr := httptest.NewRecorder()
	verifier.Require()(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })).ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestServiceVerifierRejections(t *testing.T) {
	ks := newKeyServer(t, "k1")
	verifier := NewServiceVerifier(NewKeySet(ks.server.URL), testAudience, []string{testIssuer})

	wrongIssuer := serviceClaims(testAudience)
	wrongIssuer["iss"] = "https://evil.example.com"
	expired := serviceClaims(testAudience)
	expired["exp"] = time.Now().Add(-time.Minute).Unix()

	cases := map[string]string{
		"audience": ks.sign(t, "k1", serviceClaims("https://other.example.com")),
		"issuer":   ks.sign(t, "k1", wrongIssuer),
		"expired":  ks.sign(t, "k1", expired),
		"kid":      ks.sign(t, "k2", serviceClaims(testAudience)),
		"garbage":  "not-a-jwt",
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/internal/x", nil)
			req.Header.Set("Authorization", "Bearer "+token)
			rr := httptest.NewRecorder()
			verifier.Require()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
				t.Fatal("handler must not run")
			})).ServeHTTP(rr, req)
			if rr.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rr.Code)
			}
		})
	}
}

func TestServiceVerifierKeysUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(server.Close)
	ks := newKeyServer(t, "k1")
	verifier := NewServiceVerifier(NewKeySet(server.URL), testAudience, []string{testIssuer})

	req := httptest.NewRequest(http.MethodPost, "/internal/x", nil)
	req.Header.Set("Authorization", "Bearer "+ks.sign(t, "k1", serviceClaims(testAudience)))
	rr := httptest.NewRecorder()
	verifier.Require()(http.NotFoundHandler()).ServeHTTP(rr, req)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestKeySetThrottlesUnknownKidRefetch(t *testing.T) {
	ks := newKeyServer(t, "k1")
	now := time.Date(2026, time.May, 4, 8, 0, 0, 0, time.UTC)
	keys := NewKeySet(ks.server.URL, WithKeySetClock(func() time.Time { return now }))
	ctx := context.Background()

	if _, err := keys.Key(ctx, "k1"); err != nil {
		t.Fatalf("known key: %v", err)
	}
	if _, err := keys.Key(ctx, "rotated"); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("expected ErrUnknownKey, got %v", err)
	}
	if n := ks.requests.Load(); n != 1 {
		t.Fatalf("expected unknown kid within throttle window to skip refetch, got %d fetches", n)
	}

	now = now.Add(time.Minute)
	_, _ = keys.Key(ctx, "rotated")
	if n := ks.requests.Load(); n != 2 {
		t.Fatalf("expected refetch after throttle window, got %d fetches", n)
	}

	now = now.Add(11 * time.Minute)
	if _, err := keys.Key(ctx, "k1"); err != nil {
		t.Fatalf("known key after expiry: %v", err)
	}
	if n := ks.requests.Load(); n != 3 {
		t.Fatalf("expected refetch after max-age expiry, got %d fetches", n)
	}
}

func TestMaxAge(t *testing.T) {
	if got := maxAge("public, max-age=19663, must-revalidate"); got != 19663*time.Second {
		t.Fatalf("unexpected max-age %s", got)
	}
	if got := maxAge("no-store"); got != 0 {
		t.Fatalf("expected zero, got %s", got)
	}
}
