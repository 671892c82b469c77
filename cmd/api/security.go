package main

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/courseshop/api/internal/platform/auth"
	"github.com/courseshop/api/internal/platform/config"
)

// buildOIDCMiddleware guards /internal with Google-signed ID tokens from the CRM bridge and
// Cloud Scheduler. It returns nil when no JWKS endpoint is configured.
func buildOIDCMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	oidc := cfg.Security.OIDC
	if strings.TrimSpace(oidc.JWKSURL) == "" {
		return nil
	}
	if strings.TrimSpace(oidc.Audience) == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}
	keys := auth.NewKeySet(oidc.JWKSURL, auth.WithKeySetLogger(logger))
	return auth.NewServiceVerifier(keys, oidc.Audience, oidc.Issuers, auth.WithServiceLogger(logger)).Require()
}

// buildHMACMiddleware verifies payment provider callbacks. Secrets are keyed by
// "payments/<provider>", "payments" or "default".
func buildHMACMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	secrets := make(map[string]string, len(cfg.Security.HMAC.Secrets))
	for key, value := range cfg.Security.HMAC.Secrets {
		if value = strings.TrimSpace(value); value != "" {
			secrets[strings.ToLower(strings.TrimSpace(key))] = value
		}
	}
	if len(secrets) == 0 {
		return nil
	}

	hmacCfg := cfg.Security.HMAC
	verifier := auth.NewWebhookVerifier(webhookSecretResolver(secrets), auth.NewMemoryNonceStore(),
		auth.WithWebhookLogger(logger),
		auth.WithWebhookHeaders(hmacCfg.SignatureHeader, hmacCfg.TimestampHeader, hmacCfg.NonceHeader),
		auth.WithWebhookClockSkew(hmacCfg.ClockSkew),
		auth.WithWebhookNonceTTL(hmacCfg.NonceTTL),
	)
	return verifier.Require()
}

// webhookSecretResolver picks the most specific secret for /webhooks/payments/<provider>.
func webhookSecretResolver(secrets map[string]string) auth.SecretResolver {
	return func(r *http.Request) (string, string, bool) {
		path := r.URL.Path
		if _, rest, ok := strings.Cut(path, "/webhooks/"); ok {
			path = rest
		}
		segments := strings.Split(strings.ToLower(strings.Trim(path, "/")), "/")

		candidates := make([]string, 0, 3)
		if len(segments) >= 2 {
			candidates = append(candidates, segments[0]+"/"+segments[1])
		}
		if segments[0] != "" {
			candidates = append(candidates, segments[0])
		}
		candidates = append(candidates, "default")

		for _, name := range candidates {
			if secret := secrets[name]; secret != "" {
				return name, secret, true
			}
		}
		return "", "", false
	}
}
