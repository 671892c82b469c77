package config

import (
	"context"
	"fmt"
	"os"
	"strings"
)

type Option func(*loaderOptions)

type loaderOptions struct {
	envFile      string
	envMap       map[string]string
	useSystemEnv bool
	resolver     SecretResolver
	required     []string
	panicMissing bool
}

func newLoaderOptions(opts []Option) loaderOptions {
	o := loaderOptions{envFile: defaultEnvFile, useSystemEnv: true}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithEnvFile sets the dotenv file. An empty path disables it; a missing file is ignored.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) { o.envFile = path }
}

// WithEnvMap supplies values that win over both the process environment and the dotenv file.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) { o.envMap = values }
}

func WithoutSystemEnv() Option {
	return func(o *loaderOptions) { o.useSystemEnv = false }
}

// WithSecretResolver resolves secret:// and sm:// values. Without one, any reference fails Load.
func WithSecretResolver(resolver SecretResolver) Option {
	return func(o *loaderOptions) { o.resolver = resolver }
}

// WithRequiredSecrets names fields that must resolve to a non-empty value, e.g.
// "Payments.Stripe.APIKey" or "Security.HMAC.Secrets[payments/tkb]".
func WithRequiredSecrets(names ...string) Option {
	return func(o *loaderOptions) { o.required = append(o.required, names...) }
}

// WithPanicOnMissingSecrets makes Load panic with *MissingSecretsError instead of returning it.
func WithPanicOnMissingSecrets() Option {
	return func(o *loaderOptions) { o.panicMissing = true }
}

// EnvironmentValues merges the same sources Load reads so callers can build dependencies,
// such as the secret resolver, before loading.
func EnvironmentValues(opts ...Option) (map[string]string, error) {
	layers, err := newLoaderOptions(opts).layers()
	if err != nil {
		return nil, err
	}
	values := make(map[string]string)
	for _, layer := range layers {
		for key, value := range layer {
			values[key] = value
		}
	}
	return values, nil
}

// Load builds the Config. Unset keys take defaults, secret references are resolved and the
// result is validated.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	o := newLoaderOptions(opts)
	layers, err := o.layers()
	if err != nil {
		return Config{}, err
	}
	r := &reader{layers: layers}
	cfg := read(r)
	applyDerivedDefaults(&cfg)

	secrets := &secretSet{resolver: o.resolver, values: make(map[string]string)}
	for _, f := range []struct {
		name   string
		target *string
	}{
		{"Database.DSN", &cfg.Database.DSN},
		{"Storage.SignerKey", &cfg.Storage.SignerKey},
		{"Payments.Stripe.APIKey", &cfg.Payments.Stripe.APIKey},
		{"Payments.Midtrans.ServerKey", &cfg.Payments.Midtrans.ServerKey},
		{"Payments.TKB.APIKey", &cfg.Payments.TKB.APIKey},
	} {
		if err := secrets.resolve(ctx, f.name, f.target); err != nil {
			return Config{}, err
		}
	}
	for scope, value := range cfg.Security.HMAC.Secrets {
		if err := secrets.resolve(ctx, fmt.Sprintf("Security.HMAC.Secrets[%s]", scope), &value); err != nil {
			return Config{}, err
		}
		cfg.Security.HMAC.Secrets[scope] = value
	}

	if err := validate(cfg, r.invalid); err != nil {
		return Config{}, err
	}
	if missing := secrets.missing(o.required); missing != nil {
		if o.panicMissing {
			fmt.Fprintln(os.Stderr, missing.Error())
			panic(missing)
		}
		return Config{}, missing
	}
	return cfg, nil
}

func read(r *reader) Config {
	return Config{
		Server: ServerConfig{
			Port:         r.str("API_SERVER_PORT", defaultPort),
			ReadTimeout:  r.duration("API_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: r.duration("API_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  r.duration("API_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		Firebase: FirebaseConfig{
			ProjectID:       r.str("API_FIREBASE_PROJECT_ID", ""),
			CredentialsFile: r.str("API_FIREBASE_CREDENTIALS_FILE", ""),
		},
		Firestore: FirestoreConfig{
			ProjectID:    r.str("API_FIRESTORE_PROJECT_ID", ""),
			EmulatorHost: r.str("API_FIRESTORE_EMULATOR_HOST", ""),
		},
		Database: DatabaseConfig{
			DSN:                r.str("API_DATABASE_DSN", ""),
			SimpleProtocol:     r.flag("API_DATABASE_SIMPLE_PROTOCOL", false),
			MaxOpenConns:       r.integer("API_DATABASE_MAX_OPEN_CONNS", defaultDBMaxOpenConns),
			MaxIdleConns:       r.integer("API_DATABASE_MAX_IDLE_CONNS", defaultDBMaxIdleConns),
			ConnMaxLifetime:    r.duration("API_DATABASE_CONN_MAX_LIFETIME", defaultDBConnMaxLifetime),
			SlowQueryThreshold: r.duration("API_DATABASE_SLOW_QUERY_THRESHOLD", defaultDBSlowQueryThreshold),
			AutoMigrate:        r.flag("API_DATABASE_AUTO_MIGRATE", false),
		},
		Storage: StorageConfig{
			DocumentsBucket: r.str("API_STORAGE_DOCUMENTS_BUCKET", ""),
			SignedURLTTL:    r.duration("API_STORAGE_SIGNED_URL_TTL", defaultSignedURLTTL),
			SignerKey:       r.str("API_STORAGE_SIGNER_KEY", ""),
		},
		PubSub: PubSubConfig{
			ProjectID:          r.str("API_PUBSUB_PROJECT_ID", ""),
			NotificationsTopic: r.str("API_PUBSUB_NOTIFICATIONS_TOPIC", defaultNotificationsTopic),
			CRMTopic:           r.str("API_PUBSUB_CRM_TOPIC", defaultCRMTopic),
		},
		Payments: PaymentsConfig{
			Stripe: StripeConfig{
				APIKey:     r.str("API_PAYMENTS_STRIPE_API_KEY", ""),
				SuccessURL: r.str("API_PAYMENTS_STRIPE_SUCCESS_URL", ""),
				CancelURL:  r.str("API_PAYMENTS_STRIPE_CANCEL_URL", ""),
			},
			Midtrans: MidtransConfig{
				ServerKey:  r.str("API_PAYMENTS_MIDTRANS_SERVER_KEY", ""),
				Production: r.flag("API_PAYMENTS_MIDTRANS_PRODUCTION", false),
			},
			TKB: TKBConfig{
				BaseURL:     r.str("API_PAYMENTS_TKB_BASE_URL", defaultTKBBaseURL),
				Login:       r.str("API_PAYMENTS_TKB_LOGIN", ""),
				APIKey:      r.str("API_PAYMENTS_TKB_API_KEY", ""),
				ProbeAmount: int64(r.integer("API_PAYMENTS_TKB_PROBE_AMOUNT", defaultTKBProbeAmount)),
				Timeout:     r.duration("API_PAYMENTS_TKB_TIMEOUT", defaultTKBTimeout),
			},
		},
		Shop: ShopConfig{
			PublicBaseURL:               strings.TrimRight(r.str("API_SHOP_PUBLIC_BASE_URL", ""), "/"),
			CourseListPath:              r.str("API_SHOP_COURSE_LIST_PATH", defaultCourseListPath),
			LandingURL:                  r.str("API_SHOP_LANDING_URL", ""),
			Barbershop:                  r.flag("API_SHOP_BARBERSHOP", false),
			Currency:                    strings.ToUpper(r.str("API_SHOP_CURRENCY", defaultShopCurrency)),
			Locale:                      r.str("API_SHOP_LOCALE", defaultShopLocale),
			PromotionCourses:            r.list("API_SHOP_PROMOTION_COURSES"),
			CosmetologyCategories:       r.list("API_SHOP_COSMETOLOGY_CATEGORIES"),
			DistanceCourses:             r.list("API_SHOP_DISTANCE_COURSES"),
			OneTimePaymentMaxDays:       r.integer("API_SHOP_ONE_TIME_PAYMENT_MAX_DAYS", defaultOneTimePaymentMaxDays),
			MissingDocsReminderInterval: r.duration("API_SHOP_MISSING_DOCS_REMINDER_INTERVAL", defaultMissingDocsInterval),
		},
		Security: SecurityConfig{
			Environment: strings.ToLower(r.str("API_SECURITY_ENVIRONMENT", defaultSecurityEnvironment)),
			OIDC: OIDCConfig{
				JWKSURL:   r.str("API_SECURITY_OIDC_JWKS_URL", defaultOIDCJWKSURL),
				Audience:  r.str("API_SECURITY_OIDC_AUDIENCE", ""),
				Audiences: r.pairs("API_SECURITY_OIDC_AUDIENCES"),
				Issuers:   r.list("API_SECURITY_OIDC_ISSUERS"),
			},
			HMAC: HMACConfig{
				Secrets:         r.pairs("API_SECURITY_HMAC_SECRETS"),
				SignatureHeader: r.str("API_SECURITY_HMAC_HEADER_SIGNATURE", defaultHMACSignatureHeader),
				TimestampHeader: r.str("API_SECURITY_HMAC_HEADER_TIMESTAMP", defaultHMACTimestampHeader),
				NonceHeader:     r.str("API_SECURITY_HMAC_HEADER_NONCE", defaultHMACNonceHeader),
				ClockSkew:       r.duration("API_SECURITY_HMAC_CLOCK_SKEW", defaultHMACClockSkew),
				NonceTTL:        r.duration("API_SECURITY_HMAC_NONCE_TTL", defaultHMACNonceTTL),
			},
		},
		Idempotency: IdempotencyConfig{
			Header:           r.str("API_IDEMPOTENCY_HEADER", defaultIdempotencyHeader),
			TTL:              r.duration("API_IDEMPOTENCY_TTL", defaultIdempotencyTTL),
			CleanupInterval:  r.duration("API_IDEMPOTENCY_CLEANUP_INTERVAL", defaultIdempotencyInterval),
			CleanupBatchSize: r.integer("API_IDEMPOTENCY_CLEANUP_BATCH", defaultIdempotencyBatchSize),
		},
		Telemetry: TelemetryConfig{
			OTLPEndpoint:  r.str("API_OTEL_ENDPOINT", ""),
			ServiceName:   r.str("API_OTEL_SERVICE_NAME", defaultServiceName),
			SamplePercent: r.integer("API_OTEL_SAMPLE_PERCENT", defaultSamplePercent),
		},
	}
}

// applyDerivedDefaults fills values that depend on other settings.
func applyDerivedDefaults(cfg *Config) {
	if cfg.Firestore.ProjectID == "" {
		cfg.Firestore.ProjectID = cfg.Firebase.ProjectID
	}
	if cfg.PubSub.ProjectID == "" {
		cfg.PubSub.ProjectID = cfg.Firebase.ProjectID
	}
	oidc := &cfg.Security.OIDC
	if len(oidc.Issuers) == 0 {
		oidc.Issuers = []string{defaultGoogleIssuer, defaultIAPIssuer}
	}
	if oidc.Audience == "" {
		oidc.Audience = oidc.Audiences[cfg.Security.Environment]
	}
}
