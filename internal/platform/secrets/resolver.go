package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/googleapis/gax-go/v2"
	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const latestVersion = "latest"

// ErrNotFound is returned when neither Secret Manager nor the local file has the secret.
var ErrNotFound = errors.New("secrets: secret not found")

// Accessor is the subset of the Secret Manager client used here.
type Accessor interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest, opts ...gax.CallOption) (*secretmanagerpb.AccessSecretVersionResponse, error)
	Close() error
}

// Resolver resolves references and caches the values for the life of the process.
type Resolver struct {
	accessor   Accessor
	ownsClient bool
	logger     *zap.Logger

	env            string
	defaultProject string
	projects       map[string]string
	pins           map[string]string

	localPath string
	localOnce sync.Once
	local     map[string]string

	fetches singleflight.Group
	mu      sync.RWMutex
	cache   map[string]string

	lookups metric.Int64Counter
}

type resolverConfig struct {
	Resolver
	clientOpts []option.ClientOption
}

// Option customises NewResolver.
type Option func(*resolverConfig)

func WithLogger(logger *zap.Logger) Option {
	return func(c *resolverConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithEnvironment selects the entry of WithProjects and the environment-scoped version pins.
func WithEnvironment(env string) Option {
	return func(c *resolverConfig) { c.env = strings.ToLower(strings.TrimSpace(env)) }
}

func WithDefaultProject(project string) Option {
	return func(c *resolverConfig) { c.defaultProject = strings.TrimSpace(project) }
}

// WithProjects maps environment names to Secret Manager projects.
func WithProjects(projects map[string]string) Option {
	return func(c *resolverConfig) {
		for env, project := range projects {
			c.projects[strings.ToLower(env)] = strings.TrimSpace(project)
		}
	}
}

// WithVersionPins pins canonical references, optionally prefixed with "env:", to versions.
func WithVersionPins(pins map[string]string) Option {
	return func(c *resolverConfig) {
		for ref, version := range pins {
			c.pins[ref] = strings.TrimSpace(version)
		}
	}
}

// WithLocalFile names a dotenv file used when Secret Manager is unreachable or no project is
// configured. Keys follow Reference.LocalKey, optionally suffixed with ".<version>".
func WithLocalFile(path string) Option {
	return func(c *resolverConfig) { c.localPath = strings.TrimSpace(path) }
}

func WithClientOptions(opts ...option.ClientOption) Option {
	return func(c *resolverConfig) { c.clientOpts = append(c.clientOpts, opts...) }
}

// WithAccessor replaces the Secret Manager client.
func WithAccessor(accessor Accessor) Option {
	return func(c *resolverConfig) { c.accessor = accessor }
}

// NewResolver builds a Resolver. A missing Secret Manager client is not fatal: resolution falls
// back to the local file.
func NewResolver(ctx context.Context, opts ...Option) (*Resolver, error) {
	cfg := resolverConfig{Resolver: Resolver{
		logger:   zap.NewNop(),
		env:      "local",
		projects: map[string]string{},
		pins:     map[string]string{},
		cache:    map[string]string{},
	}}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	r := &cfg.Resolver

	counter, err := otel.Meter("github.com/courseshop/api/internal/platform/secrets").Int64Counter(
		"courseshop.secrets.lookups",
		metric.WithDescription("Secret resolutions by source"),
	)
	if err != nil {
		return nil, fmt.Errorf("secrets: register metric: %w", err)
	}
	r.lookups = counter

	if r.accessor == nil && r.project(Reference{}) != "" {
		client, err := secretmanager.NewClient(ctx, cfg.clientOpts...)
		if err != nil {
			r.logger.Warn("secret manager unavailable; using local secrets only", zap.Error(err))
		} else {
			r.accessor = client
			r.ownsClient = true
		}
	}
	return r, nil
}

func (r *Resolver) Close() error {
	if r.ownsClient && r.accessor != nil {
		return r.accessor.Close()
	}
	return nil
}

// Resolve returns the value behind raw.
func (r *Resolver) Resolve(ctx context.Context, raw string) (string, error) {
	ref, err := ParseReference(raw)
	if err != nil {
		return "", err
	}
	version := r.version(ref)
	key := r.project(ref) + "/" + ref.Canonical() + "@" + version

	r.mu.RLock()
	value, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		r.count(ctx, "cache")
		return value, nil
	}

	v, err, _ := r.fetches.Do(key, func() (any, error) {
		value, source, err := r.fetch(ctx, ref, version)
		if err != nil {
			return "", err
		}
		r.count(ctx, source)
		r.mu.Lock()
		r.cache[key] = value
		r.mu.Unlock()
		return value, nil
	})
	if err != nil {
		r.count(ctx, "error")
		return "", err
	}
	return v.(string), nil
}

func (r *Resolver) fetch(ctx context.Context, ref Reference, version string) (string, string, error) {
	project := r.project(ref)
	if project != "" && r.accessor != nil {
		resp, err := r.accessor.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
			Name: ref.resourceName(project, version),
		})
		if err == nil {
			return string(resp.GetPayload().GetData()), "secret_manager", nil
		}
		if !localFallbackAllowed(err) {
			return "", "", fmt.Errorf("secrets: access %s: %w", ref.Canonical(), err)
		}
		r.logger.Debug("secret manager unreachable; trying local file", zap.String("secret", ref.Name), zap.Error(err))
	}

	if value, ok := r.localValue(ref, version); ok {
		return value, "local", nil
	}
	return "", "", fmt.Errorf("%w: %s", ErrNotFound, ref.Canonical())
}

func (r *Resolver) project(ref Reference) string {
	if ref.Project != "" {
		return ref.Project
	}
	if project := r.projects[r.env]; project != "" {
		return project
	}
	return r.defaultProject
}

func (r *Resolver) version(ref Reference) string {
	if ref.Version != "" {
		return ref.Version
	}
	for _, key := range []string{r.env + ":" + ref.Canonical(), ref.Canonical()} {
		if pin := r.pins[key]; pin != "" {
			return pin
		}
	}
	return latestVersion
}

func (r *Resolver) localValue(ref Reference, version string) (string, bool) {
	r.localOnce.Do(func() {
		r.local = map[string]string{}
		if r.localPath == "" {
			return
		}
		values, err := godotenv.Read(r.localPath)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				r.logger.Warn("read local secrets file", zap.String("path", r.localPath), zap.Error(err))
			}
			return
		}
		r.local = values
	})
	key := ref.LocalKey()
	if value, ok := r.local[key+"."+version]; ok {
		return value, true
	}
	value, ok := r.local[key]
	return value, ok
}

func (r *Resolver) count(ctx context.Context, source string) {
	r.lookups.Add(ctx, 1, metric.WithAttributes(attribute.String("source", source)))
}

func localFallbackAllowed(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated, codes.Unavailable, codes.DeadlineExceeded, codes.NotFound:
		return true
	}
	return false
}
