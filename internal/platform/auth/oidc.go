package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	jwt "github.com/golang-jwt/jwt/v4"
	"go.uber.org/zap"

	"github.com/courseshop/api/internal/platform/httpx"
)

const iapAssertionHeader = "X-Goog-Iap-Jwt-Assertion"

var errServiceToken = errors.New("auth: service token rejected")

// ServiceVerifier accepts Google-signed OIDC tokens minted for a single audience. The CRM bridge
// and Cloud Scheduler call /internal with them.
type ServiceVerifier struct {
	keys     *KeySet
	audience string
	issuers  map[string]bool
	logger   *zap.Logger
}

// ServiceOption customises ServiceVerifier.
type ServiceOption func(*ServiceVerifier)

func WithServiceLogger(logger *zap.Logger) ServiceOption {
	return func(v *ServiceVerifier) {
		if logger != nil {
			v.logger = logger
		}
	}
}

func NewServiceVerifier(keys *KeySet, audience string, issuers []string, opts ...ServiceOption) *ServiceVerifier {
	v := &ServiceVerifier{
		keys:     keys,
		audience: strings.TrimSpace(audience),
		issuers:  make(map[string]bool, len(issuers)),
		logger:   zap.NewNop(),
	}
	for _, issuer := range issuers {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			v.issuers[issuer] = true
		}
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// Verify parses raw and checks signature, expiry, issuer and audience.
func (v *ServiceVerifier) Verify(ctx context.Context, raw string) (*Caller, error) {
	if v.audience == "" || len(v.issuers) == 0 {
		return nil, fmt.Errorf("%w: audience and issuers must be configured", errServiceToken)
	}
	claims := jwt.MapClaims{}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}))
	_, err := parser.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		kid, _ := token.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("auth: token has no kid")
		}
		return v.keys.Key(ctx, kid)
	})
	if err != nil {
		return nil, err
	}

	issuer, _ := claims["iss"].(string)
	if !v.issuers[issuer] {
		return nil, fmt.Errorf("%w: issuer %q", errServiceToken, issuer)
	}
	if !claims.VerifyAudience(v.audience, true) {
		return nil, fmt.Errorf("%w: audience", errServiceToken)
	}
	caller := &Caller{Issuer: issuer}
	caller.Subject, _ = claims["sub"].(string)
	caller.Email, _ = claims["email"].(string)
	return caller, nil
}

// Require guards a route group with Verify. Tokens come from the Authorization header or, behind
// IAP, from the assertion header.
func (v *ServiceVerifier) Require() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			raw, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				raw = strings.TrimSpace(r.Header.Get(iapAssertionHeader))
			}
			if raw == "" {
				recordVerification(ctx, "oidc", "token_missing")
				httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "service token required", http.StatusUnauthorized))
				return
			}

			caller, err := v.Verify(ctx, raw)
			if err != nil {
				if errors.Is(err, ErrKeySetUnavailable) {
					recordVerification(ctx, "oidc", "keys_unavailable")
					v.logger.Error("service token keys unavailable", zap.Error(err))
					httpx.WriteError(ctx, w, httpx.NewError("auth_unavailable", "unable to verify service token", http.StatusServiceUnavailable))
					return
				}
				recordVerification(ctx, "oidc", "token_invalid")
				v.logger.Warn("service token rejected", zap.Error(err))
				httpx.WriteError(ctx, w, httpx.NewError("invalid_token", "service token rejected", http.StatusUnauthorized))
				return
			}
			recordVerification(ctx, "oidc", "ok")
			next.ServeHTTP(w, r.WithContext(WithCaller(ctx, caller)))
		})
	}
}
