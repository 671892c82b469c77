package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	firebase "firebase.google.com/go/v4"
	firebaseauth "firebase.google.com/go/v4/auth"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/courseshop/api/internal/platform/config"
	"github.com/courseshop/api/internal/platform/httpx"
	"github.com/courseshop/api/internal/platform/requestctx"
)

const (
	rolesClaim    = "roles"
	localeClaim   = "locale"
	verifyTimeout = 5 * time.Second
)

// TokenVerifier checks Firebase ID tokens.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// FirebaseVerifier verifies ID tokens through the Admin SDK.
type FirebaseVerifier struct {
	client *firebaseauth.Client
}

func NewFirebaseVerifier(ctx context.Context, cfg config.FirebaseConfig) (*FirebaseVerifier, error) {
	if strings.TrimSpace(cfg.ProjectID) == "" {
		return nil, errors.New("auth: firebase project id is required")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("auth: firebase app: %w", err)
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("auth: firebase auth client: %w", err)
	}
	return &FirebaseVerifier{client: client}, nil
}

func (v *FirebaseVerifier) VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error) {
	ctx, cancel := context.WithTimeout(ctx, verifyTimeout)
	defer cancel()
	return v.client.VerifyIDToken(ctx, idToken)
}

// Authenticator turns Firebase ID tokens into buyer identities.
type Authenticator struct {
	verifier TokenVerifier
	logger   *zap.Logger
}

// Option customises Authenticator.
type Option func(*Authenticator)

func WithLogger(logger *zap.Logger) Option {
	return func(a *Authenticator) {
		if logger != nil {
			a.logger = logger
		}
	}
}

func NewAuthenticator(verifier TokenVerifier, opts ...Option) *Authenticator {
	a := &Authenticator{verifier: verifier, logger: zap.NewNop()}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// RequireBuyer rejects requests without a valid ID token. When roles are given the identity must
// hold one of them. Tokens without a roles claim belong to plain buyers.
func (a *Authenticator) RequireBuyer(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			raw, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				recordVerification(ctx, "firebase", "token_missing")
				httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "bearer token required", http.StatusUnauthorized))
				return
			}
			if a == nil || a.verifier == nil {
				recordVerification(ctx, "firebase", "verifier_unavailable")
				httpx.WriteError(ctx, w, httpx.NewError("auth_unavailable", "authentication is not configured", http.StatusServiceUnavailable))
				return
			}

			token, err := a.verifier.VerifyIDToken(ctx, raw)
			if err != nil {
				code := "invalid_token"
				if firebaseauth.IsIDTokenExpired(err) {
					code = "token_expired"
				}
				recordVerification(ctx, "firebase", code)
				a.logger.Debug("firebase token rejected", zap.String("reason", code), zap.Error(err))
				httpx.WriteError(ctx, w, httpx.NewError(code, "id token rejected", http.StatusUnauthorized))
				return
			}

			identity := identityFromToken(token)
			if len(roles) > 0 && !identity.HasRole(roles...) {
				recordVerification(ctx, "firebase", "forbidden_role")
				httpx.WriteError(ctx, w, httpx.NewError("forbidden", "insufficient role", http.StatusForbidden))
				return
			}
			recordVerification(ctx, "firebase", "ok")
			if logger, ok := requestctx.LoggerOK(ctx); ok {
				ctx = requestctx.WithLogger(ctx, logger.With(zap.String("user_id", identity.UID)))
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(ctx, identity)))
		})
	}
}

func identityFromToken(token *firebaseauth.Token) *Identity {
	identity := &Identity{UID: token.UID}
	if email, ok := token.Claims["email"].(string); ok {
		identity.Email = strings.TrimSpace(email)
	}
	identity.EmailVerified, _ = token.Claims["email_verified"].(bool)
	if locale, ok := token.Claims[localeClaim].(string); ok {
		identity.Locale = strings.TrimSpace(locale)
	}
	identity.Roles = claimRoles(token.Claims[rolesClaim])
	if len(identity.Roles) == 0 {
		identity.Roles = []string{RoleBuyer}
	}
	return identity
}

func claimRoles(raw any) []string {
	var values []string
	switch v := raw.(type) {
	case string:
		values = strings.Split(v, ",")
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				values = append(values, s)
			}
		}
	case []string:
		values = v
	}
	roles := make([]string, 0, len(values))
	seen := make(map[string]bool, len(values))
	for _, value := range values {
		role := strings.ToLower(strings.TrimSpace(value))
		if role == "" || seen[role] {
			continue
		}
		seen[role] = true
		roles = append(roles, role)
	}
	return roles
}
