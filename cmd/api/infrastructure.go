package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/pubsub"
	cloudstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/courseshop/api/internal/payments"
	"github.com/courseshop/api/internal/platform/config"
	"github.com/courseshop/api/internal/platform/database"
	pfirestore "github.com/courseshop/api/internal/platform/firestore"
	"github.com/courseshop/api/internal/platform/jobs"
	"github.com/courseshop/api/internal/platform/observability"
	platformstorage "github.com/courseshop/api/internal/platform/storage"
	"github.com/courseshop/api/internal/repositories"
	"github.com/courseshop/api/internal/repositories/postgres"
	"github.com/courseshop/api/internal/services"
)

// infrastructure owns the external clients. The database pool and the Firestore provider are
// handed to the repository registry, which closes them.
type infrastructure struct {
	db        *gorm.DB
	firestore *pfirestore.Provider

	pubsub             *pubsub.Client
	notificationsTopic *pubsub.Topic
	crmTopic           *pubsub.Topic
	publisher          *jobs.PubSubPublisher

	gcs        *cloudstorage.Client
	objects    *platformstorage.Writer
	signedURLs *platformstorage.URLSigner

	gateway *payments.Manager
	tkb     services.TKBRegistrar
}

func openInfrastructure(ctx context.Context, logger *zap.Logger, cfg config.Config) (*infrastructure, error) {
	infra := &infrastructure{}

	db, err := database.Open(ctx, cfg.Database,
		database.WithLogger(logger.Named("database")),
		database.WithPingTimeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	infra.db = db
	if cfg.Database.AutoMigrate {
		if err := postgres.Migrate(ctx, db); err != nil {
			return nil, fmt.Errorf("migrate postgres: %w", err)
		}
	}

	infra.firestore = pfirestore.NewProvider(cfg.Firestore)

	infra.pubsub, err = pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}
	infra.notificationsTopic = infra.pubsub.Topic(cfg.PubSub.NotificationsTopic)
	infra.crmTopic = infra.pubsub.Topic(cfg.PubSub.CRMTopic)
	infra.publisher, err = jobs.NewPubSubPublisher(infra.notificationsTopic, infra.crmTopic)
	if err != nil {
		return nil, err
	}

	infra.gcs, err = cloudstorage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage client: %w", err)
	}
	infra.objects, err = platformstorage.NewWriter(infra.gcs, cfg.Storage.DocumentsBucket)
	if err != nil {
		return nil, err
	}
	var signerOpts []platformstorage.SignerOption
	if raw := strings.TrimSpace(cfg.Storage.SignerKey); raw != "" {
		key, err := platformstorage.ParseServiceAccountKey([]byte(raw))
		if err != nil {
			return nil, fmt.Errorf("parse storage signer key: %w", err)
		}
		signerOpts = append(signerOpts, platformstorage.WithServiceAccountKey(key))
	} else {
		logger.Info("storage signer key not configured; signing receipt links through IAM")
	}
	infra.signedURLs, err = platformstorage.NewURLSigner(infra.gcs, signerOpts...)
	if err != nil {
		return nil, err
	}

	infra.gateway, err = newPaymentGateway(logger.Named("payments"), cfg.Payments)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.Payments.TKB.Login) != "" {
		client, err := payments.NewTKBClient(payments.TKBClientConfig{
			BaseURL: cfg.Payments.TKB.BaseURL,
			Login:   cfg.Payments.TKB.Login,
			APIKey:  cfg.Payments.TKB.APIKey,
			Timeout: cfg.Payments.TKB.Timeout,
			Logger:  observability.EventLogger(logger.Named("tkb")),
		})
		if err != nil {
			return nil, err
		}
		infra.tkb = client
	} else {
		logger.Warn("tkb credentials not configured; bank_tkb payments disabled")
	}

	return infra, nil
}

func newPaymentGateway(logger *zap.Logger, cfg config.PaymentsConfig) (*payments.Manager, error) {
	providers := make(map[string]payments.Provider, 2)
	if strings.TrimSpace(cfg.Stripe.APIKey) != "" {
		stripe, err := payments.NewStripeProvider(payments.StripeProviderConfig{
			APIKey:     cfg.Stripe.APIKey,
			SuccessURL: cfg.Stripe.SuccessURL,
			CancelURL:  cfg.Stripe.CancelURL,
			Logger:     observability.EventLogger(logger.Named("stripe")),
			Clock:      time.Now,
		})
		if err != nil {
			return nil, err
		}
		providers[payments.ProviderCartBank] = stripe
	}
	if strings.TrimSpace(cfg.Midtrans.ServerKey) != "" {
		midtrans, err := payments.NewMidtransProvider(payments.MidtransProviderConfig{
			ServerKey:  cfg.Midtrans.ServerKey,
			Production: cfg.Midtrans.Production,
			Logger:     observability.EventLogger(logger.Named("midtrans")),
		})
		if err != nil {
			return nil, err
		}
		providers[payments.ProviderDirectBank] = midtrans
	}
	if len(providers) == 0 {
		return nil, errors.New("payments: configure stripe or midtrans credentials")
	}
	return payments.NewManager(providers)
}

// healthChecks lists the readiness probes. Postgres is the only critical dependency.
func (i *infrastructure) healthChecks(cfg config.Config) []repositories.DependencyCheck {
	checks := []repositories.DependencyCheck{
		{
			Name:     "postgres",
			Critical: true,
			Timeout:  time.Second,
			Check: func(ctx context.Context) error {
				return database.Ping(ctx, i.db)
			},
		},
		{
			Name:    "firestore",
			Timeout: 1500 * time.Millisecond,
			Check: func(ctx context.Context) error {
				return i.firestore.Ping(ctx, "sequences")
			},
		},
	}
	for _, t := range []*pubsub.Topic{i.notificationsTopic, i.crmTopic} {
		checks = append(checks, repositories.DependencyCheck{
			Name:    "pubsub:" + t.ID(),
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				ok, err := t.Exists(ctx)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("topic %s does not exist", t.ID())
				}
				return nil
			},
		})
	}
	if bucket := strings.TrimSpace(cfg.Storage.DocumentsBucket); bucket != "" {
		checks = append(checks, repositories.DependencyCheck{
			Name:    "documentsBucket",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				_, err := i.gcs.Bucket(bucket).Attrs(ctx)
				return err
			},
		})
	}
	return checks
}

// close stops the Pub/Sub topics and closes the clients the registry does not own.
func (i *infrastructure) close(logger *zap.Logger) {
	for _, topic := range []*pubsub.Topic{i.notificationsTopic, i.crmTopic} {
		if topic != nil {
			topic.Stop()
		}
	}
	if i.pubsub != nil {
		if err := i.pubsub.Close(); err != nil {
			logger.Warn("pubsub close error", zap.Error(err))
		}
	}
	if i.gcs != nil {
		if err := i.gcs.Close(); err != nil {
			logger.Warn("storage close error", zap.Error(err))
		}
	}
}
