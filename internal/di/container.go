package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
	"gorm.io/gorm"

	"github.com/courseshop/api/internal/platform/config"
	"github.com/courseshop/api/internal/platform/database"
	pfirestore "github.com/courseshop/api/internal/platform/firestore"
	"github.com/courseshop/api/internal/repositories"
	firestoreRepo "github.com/courseshop/api/internal/repositories/firestore"
	"github.com/courseshop/api/internal/repositories/postgres"
	"github.com/courseshop/api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	Orders        services.OrderService
	Subscriptions services.SubscriptionService
	Transitions   services.TransitionEngine
	Documents     services.DocumentCascade
	Mailing       services.MissingDocsMailingService
	Payments      services.PaymentRouter
	TKB           services.TKBPaymentService
	Sequences     services.SequenceService
	Notifications services.NotificationDispatcher
	System        services.SystemService
}

// Publisher fans notification and CRM messages out to the worker topics.
// *jobs.PubSubPublisher satisfies it.
type Publisher interface {
	services.NotificationPublisher
	services.CRMPublisher
}

// Infrastructure carries the external clients built in main.
type Infrastructure struct {
	Publisher Publisher
	Objects   services.ObjectWriter
	Gateway   services.PaymentGateway
	// TKB is optional; order handlers answer 503 on pay-tkb when it is absent.
	TKB      services.TKBRegistrar
	Renderer services.DocumentRenderer
	Build    services.BuildInfo
	Logger   func(ctx context.Context, event string, fields map[string]any)
	Clock    func() time.Time
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// NewContainer constructs the runtime dependencies. Tests can supply in-memory registries.
func NewContainer(cfg config.Config, reg repositories.Registry, infra Infrastructure) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}

	svc, err := buildServices(cfg, reg, infra)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
	}, nil
}

// Close releases the database pool and the Firestore client.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(cfg config.Config, reg repositories.Registry, infra Infrastructure) (Services, error) {
	var svc Services
	switch {
	case infra.Publisher == nil:
		return svc, errors.New("di: publisher is required")
	case infra.Objects == nil:
		return svc, errors.New("di: object writer is required")
	case infra.Gateway == nil:
		return svc, errors.New("di: payment gateway is required")
	}

	clock := infra.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := infra.Logger
	newID := func() string { return ulid.Make().String() }

	sequences, err := services.NewSequenceService(services.SequenceServiceDeps{
		Repository: reg.Sequences(),
		Clock:      clock,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build sequence service: %w", err)
	}
	svc.Sequences = sequences

	notifications, err := services.NewNotificationDispatcher(services.NotificationDispatcherDeps{
		Publisher:   infra.Publisher,
		Clock:       clock,
		IDGenerator: newID,
		Logger:      logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build notification dispatcher: %w", err)
	}
	svc.Notifications = notifications

	engine, err := services.NewTransitionEngine(services.TransitionEngineDeps{
		Subscriptions:         reg.Subscriptions(),
		Groups:                reg.Groups(),
		Courses:               reg.Courses(),
		Users:                 reg.Users(),
		Transfers:             reg.GroupTransfers(),
		Bonuses:               reg.BonusPayments(),
		Changes:               reg.SubscriptionChanges(),
		CRM:                   infra.Publisher,
		PromotionCourses:      cfg.Shop.PromotionCourses,
		CosmetologyCategories: cfg.Shop.CosmetologyCategories,
		DistanceCourses:       cfg.Shop.DistanceCourses,
		OneTimePaymentMaxDays: cfg.Shop.OneTimePaymentMaxDays,
		Clock:                 clock,
		IDGenerator:           newID,
		Logger:                logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build transition engine: %w", err)
	}
	svc.Transitions = engine

	subscriptions, err := services.NewSubscriptionService(services.SubscriptionServiceDeps{
		Subscriptions: reg.Subscriptions(),
		Documents:     reg.Documents(),
		Engine:        engine,
		UnitOfWork:    reg,
		Notifications: notifications,
		Clock:         clock,
		IDGenerator:   newID,
		Logger:        logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build subscription service: %w", err)
	}
	svc.Subscriptions = subscriptions

	cascade, err := services.NewDocumentCascade(services.DocumentCascadeDeps{
		Subscriptions: reg.Subscriptions(),
		Documents:     reg.Documents(),
		Courses:       reg.Courses(),
		Users:         reg.Users(),
		Groups:        reg.Groups(),
		Transfers:     reg.GroupTransfers(),
		Receipts:      reg.Receipts(),
		Renderer:      infra.Renderer,
		Writer:        infra.Objects,
		UnitOfWork:    reg,
		Clock:         clock,
		IDGenerator:   newID,
		Logger:        logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build document cascade: %w", err)
	}
	svc.Documents = cascade

	orders, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:           reg.Orders(),
		Subscriptions:    subscriptions,
		SubscriptionRepo: reg.Subscriptions(),
		Groups:           reg.Groups(),
		Users:            reg.Users(),
		Receipts:         reg.Receipts(),
		Sequences:        sequences,
		Calculator:       services.NewPaymentsCalculator(),
		Documents:        cascade,
		ReceiptPublisher: cascade,
		Notifications:    notifications,
		UnitOfWork:       reg,
		Clock:            clock,
		IDGenerator:      newID,
		Logger:           logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orders

	router, err := services.NewPaymentRouter(services.PaymentRouterDeps{
		Gateway:        infra.Gateway,
		Courses:        reg.Courses(),
		PublicBaseURL:  cfg.Shop.PublicBaseURL,
		CourseListPath: cfg.Shop.CourseListPath,
		LandingURL:     cfg.Shop.LandingURL,
		Currency:       cfg.Shop.Currency,
		Locale:         cfg.Shop.Locale,
		Barbershop:     cfg.Shop.Barbershop,
		Logger:         logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build payment router: %w", err)
	}
	svc.Payments = router

	if infra.TKB != nil {
		tkb, err := services.NewTKBPaymentService(services.TKBPaymentServiceDeps{
			Orders:         orders,
			Users:          reg.Users(),
			Client:         infra.TKB,
			PublicBaseURL:  cfg.Shop.PublicBaseURL,
			CourseListPath: cfg.Shop.CourseListPath,
			ProbeAmount:    cfg.Payments.TKB.ProbeAmount,
			Logger:         logger,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build tkb payment service: %w", err)
		}
		svc.TKB = tkb
	}

	mailing, err := services.NewMissingDocsMailingService(services.MissingDocsMailingDeps{
		Subscriptions: reg.Subscriptions(),
		Users:         reg.Users(),
		Publisher:     infra.Publisher,
		Interval:      cfg.Shop.MissingDocsReminderInterval,
		Clock:         clock,
		IDGenerator:   newID,
		Logger:        logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build missing docs mailing: %w", err)
	}
	svc.Mailing = mailing

	if health := reg.Health(); health != nil {
		system, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: health,
			Clock:            clock,
			Build:            infra.Build,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = system
	}

	return svc, nil
}

// Registry combines the Postgres stores with the Firestore sequence store.
type Registry struct {
	repositories.UnitOfWork

	stores    *postgres.Stores
	sequences repositories.SequenceRepository
	health    repositories.HealthRepository
	closers   []func(context.Context) error
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry builds the registry. The readiness checks are optional; without them Health
// returns nil and readiness reports ok.
func NewRegistry(db *gorm.DB, firestore *pfirestore.Provider, checks []repositories.DependencyCheck) (*Registry, error) {
	stores, err := postgres.NewStores(db)
	if err != nil {
		return nil, err
	}
	sequences, err := firestoreRepo.NewSequenceRepository(firestore)
	if err != nil {
		return nil, err
	}
	reg := &Registry{
		UnitOfWork: stores.UnitOfWork,
		stores:     stores,
		sequences:  sequences,
		closers: []func(context.Context) error{
			func(context.Context) error { return database.Close(db) },
			firestore.Close,
		},
	}
	if len(checks) > 0 {
		health, err := repositories.NewDependencyHealthRepository(checks)
		if err != nil {
			return nil, err
		}
		reg.health = health
	}
	return reg, nil
}

// Close releases every client the registry owns.
func (r *Registry) Close(ctx context.Context) error {
	var errs []error
	for _, closeFn := range r.closers {
		if err := closeFn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (r *Registry) Orders() repositories.OrderRepository { return r.stores.Orders }
func (r *Registry) Subscriptions() repositories.SubscriptionRepository {
	return r.stores.Subscriptions
}
func (r *Registry) Groups() repositories.GroupRepository   { return r.stores.Groups }
func (r *Registry) Courses() repositories.CourseRepository { return r.stores.Courses }
func (r *Registry) Users() repositories.UserRepository     { return r.stores.Users }
func (r *Registry) Documents() repositories.DocumentRepository {
	return r.stores.Documents
}
func (r *Registry) GroupTransfers() repositories.GroupTransferRepository {
	return r.stores.GroupTransfers
}
func (r *Registry) Receipts() repositories.ReceiptRepository { return r.stores.Receipts }
func (r *Registry) BonusPayments() repositories.BonusPaymentRepository {
	return r.stores.BonusPayments
}
func (r *Registry) SubscriptionChanges() repositories.SubscriptionChangeRepository {
	return r.stores.SubscriptionChanges
}
func (r *Registry) Sequences() repositories.SequenceRepository { return r.sequences }
func (r *Registry) Health() repositories.HealthRepository      { return r.health }
