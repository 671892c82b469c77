// Package auth guards the API: Firebase ID tokens for buyers, Google-signed service tokens for
// the CRM bridge and scheduler, and signed callbacks from payment providers.
package auth

import (
	"context"
	"strings"
	"time"
)

// Roles carried in the "roles" custom claim of storefront tokens.
const (
	RoleBuyer = "buyer"
	RoleStaff = "staff"
	RoleAdmin = "admin"
)

// Identity is the buyer behind a verified Firebase ID token.
type Identity struct {
	UID           string
	Email         string
	EmailVerified bool
	Roles         []string
	Locale        string
}

// HasRole reports whether the identity holds any of roles.
func (i *Identity) HasRole(roles ...string) bool {
	if i == nil {
		return false
	}
	for _, held := range i.Roles {
		for _, want := range roles {
			if strings.EqualFold(held, strings.TrimSpace(want)) {
				return true
			}
		}
	}
	return false
}

// Caller is the service account behind a verified OIDC token.
type Caller struct {
	Subject string
	Email   string
	Issuer  string
}

// WebhookSignature describes a verified provider callback.
type WebhookSignature struct {
	SecretName string
	Timestamp  time.Time
	Nonce      string
}

type ctxKey int

const (
	identityKey ctxKey = iota
	callerKey
	signatureKey
)

func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityKey, identity)
}

func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityKey).(*Identity)
	return identity, ok && identity != nil
}

func WithCaller(ctx context.Context, caller *Caller) context.Context {
	return context.WithValue(ctx, callerKey, caller)
}

func CallerFromContext(ctx context.Context) (*Caller, bool) {
	caller, ok := ctx.Value(callerKey).(*Caller)
	return caller, ok && caller != nil
}

func WithWebhookSignature(ctx context.Context, sig *WebhookSignature) context.Context {
	return context.WithValue(ctx, signatureKey, sig)
}

func WebhookSignatureFromContext(ctx context.Context) (*WebhookSignature, bool) {
	sig, ok := ctx.Value(signatureKey).(*WebhookSignature)
	return sig, ok && sig != nil
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
