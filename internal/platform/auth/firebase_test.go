package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	firebaseauth "firebase.google.com/go/v4/auth"
)

type stubVerifier struct {
	fn func(ctx context.Context, token string) (*firebaseauth.Token, error)
}

func (s stubVerifier) VerifyIDToken(ctx context.Context, token string) (*firebaseauth.Token, error) {
	return s.fn(ctx, token)
}

func errorCodeOf(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	code, _ := body["error"].(string)
	return code
}

func TestRequireBuyerAttachesIdentity(t *testing.T) {
	authn := NewAuthenticator(stubVerifier{fn: func(_ context.Context, token string) (*firebaseauth.Token, error) {
		if token != "good" {
			t.Fatalf("unexpected token %q", token)
		}
		return &firebaseauth.Token{UID: "uid-42", Claims: map[string]interface{}{
			"email":          "siti@example.com",
			"email_verified": true,
			"locale":         "id",
		}}, nil
	}})

	var got *Identity
	handler := authn.RequireBuyer()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/orders/ord_1", nil)
	req.Header.Set("Authorization", "Bearer good")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if got == nil || got.UID != "uid-42" || got.Email != "siti@example.com" || !got.EmailVerified || got.Locale != "id" {
		t.Fatalf("unexpected identity %+v", got)
	}
	if !got.HasRole(RoleBuyer) {
		t.Fatalf("expected default buyer role, got %v", got.Roles)
	}
}

func TestRequireBuyerRejections(t *testing.T) {
	verifier := stubVerifier{fn: func(_ context.Context, token string) (*firebaseauth.Token, error) {
		if token == "staff" {
			return &firebaseauth.Token{UID: "uid-7", Claims: map[string]interface{}{"roles": []interface{}{"Staff", "staff"}}}, nil
		}
		return nil, errors.New("signature invalid")
	}}

	cases := []struct {
		name   string
		header string
		roles  []string
		status int
		code   string
	}{
		{"missing header", "", nil, http.StatusUnauthorized, "unauthenticated"},
		{"wrong scheme", "Basic abc", nil, http.StatusUnauthorized, "unauthenticated"},
		{"invalid token", "Bearer bad", nil, http.StatusUnauthorized, "invalid_token"},
		{"role mismatch", "Bearer staff", []string{RoleAdmin}, http.StatusForbidden, "forbidden"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handler := NewAuthenticator(verifier).RequireBuyer(tc.roles...)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
				t.Fatal("handler must not run")
			}))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
			if code := errorCodeOf(t, rr); code != tc.code {
				t.Fatalf("expected code %q, got %q", tc.code, code)
			}
		})
	}
}

func TestRequireBuyerWithoutVerifier(t *testing.T) {
	handler := NewAuthenticator(nil).RequireBuyer()(http.NotFoundHandler())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer x")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestClaimRoles(t *testing.T) {
	got := claimRoles("staff, Admin,staff")
	if len(got) != 2 || got[0] != "staff" || got[1] != "admin" {
		t.Fatalf("unexpected roles %v", got)
	}
	if roles := claimRoles(42); len(roles) != 0 {
		t.Fatalf("expected no roles for non-string claim, got %v", roles)
	}
}
