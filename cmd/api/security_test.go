package main

import (
	"net/http/httptest"
	"reflect"
	"testing"
)

func TestWebhookSecretResolverPrefersProviderSecret(t *testing.T) {
	cases := []struct {
		name    string
		secrets map[string]string
		path    string
		want    string
		ok      bool
	}{
		{"provider", map[string]string{"payments/stripe": "a", "payments": "b", "default": "c"}, "/api/v1/webhooks/payments/stripe", "payments/stripe", true},
		{"group", map[string]string{"payments": "b", "default": "c"}, "/api/v1/webhooks/payments/midtrans", "payments", true},
		{"default", map[string]string{"default": "c"}, "/api/v1/webhooks/payments/tkb", "default", true},
		{"none", map[string]string{"other": "x"}, "/api/v1/webhooks/payments/tkb", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, secret, ok := webhookSecretResolver(tc.secrets)(httptest.NewRequest("POST", tc.path, nil))
			if got != tc.want || ok != tc.ok {
				t.Fatalf("expected %q/%v, got %q/%v", tc.want, tc.ok, got, ok)
			}
			if secret != tc.secrets[tc.want] {
				t.Fatalf("expected secret for %q, got %q", tc.want, secret)
			}
		})
	}
}

func TestRequiredSecretNamesOnlyForReferences(t *testing.T) {
	env := map[string]string{
		"API_DATABASE_DSN":            "secret://db/dsn",
		"API_PAYMENTS_STRIPE_API_KEY": "sk_test_literal",
		"API_STORAGE_SIGNER_KEY":      "sm://storage/signer",
		"API_SECURITY_HMAC_SECRETS":   "Payments/Stripe=secret://hmac/stripe,default=secret://hmac/default",
	}
	got := requiredSecretNames(env)
	want := []string{
		"Database.DSN",
		"Storage.SignerKey",
		"Security.HMAC.Secrets[default]",
		"Security.HMAC.Secrets[payments/stripe]",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestSecretVersionPins(t *testing.T) {
	got := secretVersionPins("prod:secret://payments/stripe=3, sm://db/dsn=7, bad, storage/signer=latest")
	want := map[string]string{
		"prod:secret://payments/stripe": "3",
		"secret://db/dsn":               "7",
		"secret://storage/signer":       "latest",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}
