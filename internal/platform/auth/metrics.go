package auth

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	verificationsOnce sync.Once
	verifications     metric.Int64Counter
)

// recordVerification counts guard outcomes by kind ("firebase", "oidc", "webhook") and reason.
func recordVerification(ctx context.Context, kind, reason string) {
	verificationsOnce.Do(func() {
		counter, err := otel.Meter("github.com/courseshop/api/internal/platform/auth").Int64Counter(
			"courseshop.auth.verifications",
			metric.WithDescription("Request authentication outcomes"),
		)
		if err == nil {
			verifications = counter
		}
	})
	if verifications == nil {
		return
	}
	verifications.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("reason", reason),
		attribute.Bool("ok", reason == "ok"),
	))
}
