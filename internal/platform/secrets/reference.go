// Package secrets resolves secret:// references from Google Secret Manager, with a local dotenv
// file for development machines.
package secrets

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Reference is a parsed "secret://name?version=N&project=P". The sm:// scheme is accepted as an
// alias.
type Reference struct {
	Name    string
	Version string
	Project string
}

// Canonical is the reference without version or project, used as the pin and fallback key.
func (r Reference) Canonical() string {
	return "secret://" + r.Name
}

func ParseReference(raw string) (Reference, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Reference{}, errors.New("secrets: empty reference")
	}
	if rest, ok := strings.CutPrefix(raw, "sm://"); ok {
		raw = "secret://" + rest
	}
	u, err := url.Parse(raw)
	if err != nil {
		return Reference{}, fmt.Errorf("secrets: invalid reference %q: %w", raw, err)
	}
	if u.Scheme != "secret" {
		return Reference{}, fmt.Errorf("secrets: unsupported scheme %q", u.Scheme)
	}
	name := strings.Trim(u.Host+u.Path, "/")
	if name == "" {
		return Reference{}, fmt.Errorf("secrets: reference %q has no secret name", raw)
	}
	query := u.Query()
	return Reference{
		Name:    name,
		Version: strings.TrimSpace(query.Get("version")),
		Project: strings.TrimSpace(query.Get("project")),
	}, nil
}

// LocalKey is the dotenv key for the secret: "payments/stripe-key" becomes "PAYMENTS_STRIPE_KEY".
func (r Reference) LocalKey() string {
	return strings.ToUpper(strings.NewReplacer("/", "_", "-", "_").Replace(r.Name))
}

// resourceName maps the reference onto a Secret Manager version path. Slashes in the name are not
// allowed by Secret Manager, so "payments/stripe" becomes "payments-stripe".
func (r Reference) resourceName(project, version string) string {
	return fmt.Sprintf("projects/%s/secrets/%s/versions/%s", project, strings.ReplaceAll(r.Name, "/", "-"), version)
}
