package config

import (
	"fmt"
	"strings"
)

// ValidationError lists fields that are required but unset, out of range, or unparsable.
// Unparsable values are reported by environment key.
type ValidationError struct {
	fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: invalid or missing [%s]", strings.Join(e.fields, ", "))
}

func (e *ValidationError) Fields() []string {
	return append([]string(nil), e.fields...)
}

func validate(cfg Config, unparsable []string) error {
	checks := []struct {
		field string
		ok    bool
	}{
		{"Server.Port", cfg.Server.Port != ""},
		{"Firebase.ProjectID", cfg.Firebase.ProjectID != ""},
		{"Firestore.ProjectID", cfg.Firestore.ProjectID != ""},
		{"Database.DSN", cfg.Database.DSN != ""},
		{"Storage.DocumentsBucket", cfg.Storage.DocumentsBucket != ""},
		{"PubSub.NotificationsTopic", cfg.PubSub.NotificationsTopic != ""},
		{"PubSub.CRMTopic", cfg.PubSub.CRMTopic != ""},
		{"Payments.TKB.ProbeAmount", cfg.Payments.TKB.ProbeAmount > 0},
		{"Shop.PublicBaseURL", cfg.Shop.PublicBaseURL != ""},
		{"Shop.OneTimePaymentMaxDays", cfg.Shop.OneTimePaymentMaxDays > 0},
		{"Idempotency.Header", strings.TrimSpace(cfg.Idempotency.Header) != ""},
		{"Idempotency.TTL", cfg.Idempotency.TTL > 0},
		{"Idempotency.CleanupInterval", cfg.Idempotency.CleanupInterval > 0},
		{"Idempotency.CleanupBatchSize", cfg.Idempotency.CleanupBatchSize > 0},
		{"Telemetry.SamplePercent", cfg.Telemetry.SamplePercent >= 0 && cfg.Telemetry.SamplePercent <= 100},
	}
	fields := append([]string(nil), unparsable...)
	for _, c := range checks {
		if !c.ok {
			fields = append(fields, c.field)
		}
	}
	if len(fields) > 0 {
		return &ValidationError{fields: fields}
	}
	return nil
}
