// Package config reads the API runtime settings from the process environment, an optional
// dotenv file and Secret Manager references.
package config

import "time"

const (
	defaultEnvFile               = ".env"
	defaultPort                  = "8080"
	defaultReadTimeout           = 15 * time.Second
	defaultWriteTimeout          = 30 * time.Second
	defaultIdleTimeout           = 120 * time.Second
	defaultDBMaxOpenConns        = 20
	defaultDBMaxIdleConns        = 5
	defaultDBConnMaxLifetime     = 30 * time.Minute
	defaultDBSlowQueryThreshold  = 500 * time.Millisecond
	defaultSignedURLTTL          = 15 * time.Minute
	defaultNotificationsTopic    = "course-notifications"
	defaultCRMTopic              = "crm-subscription-sync"
	defaultTKBBaseURL            = "https://paymentcard.tkbbank.ru/"
	defaultTKBProbeAmount        = 100
	defaultTKBTimeout            = 20 * time.Second
	defaultCourseListPath        = "/account/courses"
	defaultShopCurrency          = "RUB"
	defaultShopLocale            = "ru"
	defaultOneTimePaymentMaxDays = 31
	defaultMissingDocsInterval   = 30 * 24 * time.Hour
	defaultSecurityEnvironment   = "local"
	defaultOIDCJWKSURL           = "https://www.googleapis.com/oauth2/v3/certs"
	defaultGoogleIssuer          = "https://accounts.google.com"
	defaultIAPIssuer             = "https://cloud.google.com/iap"
	defaultHMACSignatureHeader   = "X-Signature"
	defaultHMACTimestampHeader   = "X-Signature-Timestamp"
	defaultHMACNonceHeader       = "X-Signature-Nonce"
	defaultHMACClockSkew         = 5 * time.Minute
	defaultHMACNonceTTL          = 5 * time.Minute
	defaultIdempotencyHeader     = "Idempotency-Key"
	defaultIdempotencyTTL        = 24 * time.Hour
	defaultIdempotencyInterval   = time.Hour
	defaultIdempotencyBatchSize  = 200
	defaultServiceName           = "courseshop-api"
	defaultSamplePercent         = 10
)

// Config is the fully resolved runtime configuration.
type Config struct {
	Server      ServerConfig
	Firebase    FirebaseConfig
	Firestore   FirestoreConfig
	Database    DatabaseConfig
	Storage     StorageConfig
	PubSub      PubSubConfig
	Payments    PaymentsConfig
	Shop        ShopConfig
	Security    SecurityConfig
	Idempotency IdempotencyConfig
	Telemetry   TelemetryConfig
}

type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// FirebaseConfig identifies the project issuing buyer ID tokens.
type FirebaseConfig struct {
	ProjectID       string
	CredentialsFile string
}

// FirestoreConfig points at the document store holding sequences and order submissions.
type FirestoreConfig struct {
	ProjectID    string
	EmulatorHost string
}

// DatabaseConfig configures the Postgres pool holding orders, subscriptions and documents.
type DatabaseConfig struct {
	DSN                string
	SimpleProtocol     bool
	MaxOpenConns       int
	MaxIdleConns       int
	ConnMaxLifetime    time.Duration
	SlowQueryThreshold time.Duration
	AutoMigrate        bool
}

// StorageConfig names the bucket for generated documents and receipts. SignerKey is a service
// account JSON key used to sign download URLs.
type StorageConfig struct {
	DocumentsBucket string
	SignedURLTTL    time.Duration
	SignerKey       string
}

type PubSubConfig struct {
	ProjectID          string
	NotificationsTopic string
	CRMTopic           string
}

type PaymentsConfig struct {
	Stripe   StripeConfig
	Midtrans MidtransConfig
	TKB      TKBConfig
}

type StripeConfig struct {
	APIKey     string
	SuccessURL string
	CancelURL  string
}

type MidtransConfig struct {
	ServerKey  string
	Production bool
}

// TKBConfig configures the card verification gateway. ProbeAmount is charged in minor units
// during card registration and refunded right after.
type TKBConfig struct {
	BaseURL     string
	Login       string
	APIKey      string
	ProbeAmount int64
	Timeout     time.Duration
}

// ShopConfig holds storefront rules used when pricing orders and building links.
type ShopConfig struct {
	PublicBaseURL               string
	CourseListPath              string
	LandingURL                  string
	Barbershop                  bool
	Currency                    string
	Locale                      string
	PromotionCourses            []string
	CosmetologyCategories       []string
	DistanceCourses             []string
	OneTimePaymentMaxDays       int
	MissingDocsReminderInterval time.Duration
}

type SecurityConfig struct {
	Environment string
	OIDC        OIDCConfig
	HMAC        HMACConfig
}

// OIDCConfig controls verification of Google-signed ID tokens on internal routes. When
// Audience is empty the entry of Audiences keyed by the environment is used.
type OIDCConfig struct {
	JWKSURL   string
	Audience  string
	Audiences map[string]string
	Issuers   []string
}

// HMACConfig describes how payment webhooks are signed. Secrets is keyed by lower-cased
// route scope such as "payments/stripe".
type HMACConfig struct {
	Secrets         map[string]string
	SignatureHeader string
	TimestampHeader string
	NonceHeader     string
	ClockSkew       time.Duration
	NonceTTL        time.Duration
}

type IdempotencyConfig struct {
	Header           string
	TTL              time.Duration
	CleanupInterval  time.Duration
	CleanupBatchSize int
}

// TelemetryConfig controls span export. An empty OTLPEndpoint keeps the no-op tracer provider.
type TelemetryConfig struct {
	OTLPEndpoint  string
	ServiceName   string
	SamplePercent int
}
