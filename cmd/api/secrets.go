package main

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/courseshop/api/internal/platform/secrets"
)

// secretBackedFields maps config field names to the environment variables that may hold a
// secret reference instead of a literal value.
var secretBackedFields = []struct {
	field string
	env   string
}{
	{"Database.DSN", "API_DATABASE_DSN"},
	{"Storage.SignerKey", "API_STORAGE_SIGNER_KEY"},
	{"Payments.Stripe.APIKey", "API_PAYMENTS_STRIPE_API_KEY"},
	{"Payments.Midtrans.ServerKey", "API_PAYMENTS_MIDTRANS_SERVER_KEY"},
	{"Payments.TKB.APIKey", "API_PAYMENTS_TKB_API_KEY"},
}

func newSecretResolver(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Resolver, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}

	envLabel := strings.ToLower(lookup("API_SECURITY_ENVIRONMENT"))
	if envLabel == "" {
		envLabel = "local"
	}
	defaultProject := lookup("API_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("API_FIREBASE_PROJECT_ID")
	}
	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithEnvironment(envLabel),
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithLocalFile(fallbackPath),
	}
	if projects := parseKeyValueList(lookup("API_SECRET_PROJECT_IDS"), strings.ToLower); len(projects) > 0 {
		opts = append(opts, secrets.WithProjects(projects))
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if pins := secretVersionPins(lookup("API_SECRET_VERSION_PINS")); len(pins) > 0 {
		opts = append(opts, secrets.WithVersionPins(pins))
	}
	if credentials := lookup("API_FIREBASE_CREDENTIALS_FILE"); credentials != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentials)))
	}
	return secrets.NewResolver(ctx, opts...)
}

// requiredSecretNames lists the config fields whose environment value is a secret reference, plus
// every HMAC webhook secret. Load fails when one of them cannot be resolved.
func requiredSecretNames(env map[string]string) []string {
	var required []string
	for _, f := range secretBackedFields {
		if isSecretReference(env[f.env]) {
			required = append(required, f.field)
		}
	}
	hmacKeys := make([]string, 0)
	for key := range parseKeyValueList(env["API_SECURITY_HMAC_SECRETS"], strings.ToLower) {
		hmacKeys = append(hmacKeys, key)
	}
	sort.Strings(hmacKeys)
	for _, key := range hmacKeys {
		required = append(required, fmt.Sprintf("Security.HMAC.Secrets[%s]", key))
	}
	return required
}

func isSecretReference(value string) bool {
	value = strings.TrimSpace(value)
	return strings.HasPrefix(value, "secret://") || strings.HasPrefix(value, "sm://")
}

// secretVersionPins parses "ref=version" pairs. A ref may carry an environment prefix
// ("prod:secret://payments/stripe").
func secretVersionPins(raw string) map[string]string {
	pins := make(map[string]string)
	for ref, version := range parseKeyValueList(raw, nil) {
		var prefix string
		if idx := strings.Index(ref, ":"); idx > 0 {
			if scheme := strings.Index(ref, "://"); scheme == -1 || idx < scheme {
				prefix = strings.ToLower(strings.TrimSpace(ref[:idx])) + ":"
				ref = strings.TrimSpace(ref[idx+1:])
			}
		}
		switch {
		case strings.HasPrefix(ref, "sm://"):
			ref = "secret://" + strings.TrimPrefix(ref, "sm://")
		case !strings.HasPrefix(ref, "secret://"):
			ref = "secret://" + ref
		}
		pins[prefix+ref] = version
	}
	return pins
}

// parseKeyValueList parses "k=v,k2=v2", skipping malformed entries. normaliseKey may be nil.
func parseKeyValueList(raw string, normaliseKey func(string) string) map[string]string {
	result := make(map[string]string)
	for _, entry := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(entry), "=")
		if !ok {
			continue
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if normaliseKey != nil {
			key = normaliseKey(key)
		}
		if key == "" || value == "" {
			continue
		}
		result[key] = value
	}
	return result
}
