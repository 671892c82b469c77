package repositories

import (
	"context"
	"time"

	domain "github.com/courseshop/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	Subscriptions() SubscriptionRepository
	Groups() GroupRepository
	Courses() CourseRepository
	Users() UserRepository
	Documents() DocumentRepository
	GroupTransfers() GroupTransferRepository
	Receipts() ReceiptRepository
	BonusPayments() BonusPaymentRepository
	SubscriptionChanges() SubscriptionChangeRepository
	Sequences() SequenceRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork groups repository operations in a transactional boundary. Repositories called with
// the context handed to fn participate in the same transaction.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// OrderRepository persists orders. Subscriptions are stored through SubscriptionRepository.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	// FindForUpdate loads the order row under an exclusive row lock. Must be called within RunInTx.
	FindForUpdate(ctx context.Context, orderID string) (domain.Order, error)
	UpdateStatus(ctx context.Context, orderID string, status domain.OrderStatus, paidAt *time.Time, reference string) error
	SetReceipt(ctx context.Context, orderID, receiptID string) error
}

// SubscriptionRepository persists group subscriptions.
type SubscriptionRepository interface {
	Insert(ctx context.Context, sub domain.GroupSubscription) error
	Update(ctx context.Context, sub domain.GroupSubscription) error
	Delete(ctx context.Context, subscriptionID string) error
	FindByID(ctx context.Context, subscriptionID string) (domain.GroupSubscription, error)
	// FindForUpdate loads the subscription under an exclusive row lock held until the surrounding
	// transaction ends. Must be called within RunInTx.
	FindForUpdate(ctx context.Context, subscriptionID string) (domain.GroupSubscription, error)
	ListByOrder(ctx context.Context, orderID string) ([]domain.GroupSubscription, error)
	ListByParent(ctx context.Context, parentID string) ([]domain.GroupSubscription, error)
	ListExpired(ctx context.Context, asOf time.Time, limit int) ([]domain.GroupSubscription, error)
	ListRequiringStudentDocs(ctx context.Context, afterID string, limit int) ([]domain.GroupSubscription, error)
	// CRMIDTaken reports whether another subscription already carries the CRM id.
	CRMIDTaken(ctx context.Context, crmID, excludeSubscriptionID string) (bool, error)
	// MarkSuccessOnce sets the success stamp and guard flag only when the guard is still unset.
	// The boolean reports whether this call won the guard.
	MarkSuccessOnce(ctx context.Context, subscriptionID string, at time.Time) (bool, error)
	StampPendingPayment(ctx context.Context, orderID string, at time.Time) error
	ClearPendingPayment(ctx context.Context, orderID string) error
	MarkExpelledByParent(ctx context.Context, parentID string) error
	SetOneTimePayment(ctx context.Context, subscriptionID string, value bool) error
	MoveToGroup(ctx context.Context, subscriptionID, groupID string) error
}

// GroupRepository reads groups and maintains their derived counters.
type GroupRepository interface {
	FindByID(ctx context.Context, groupID string) (domain.Group, error)
	ListByCRMModule(ctx context.Context, crmModuleID string) ([]domain.Group, error)
	// RecalculateCounters derives every counter from the group's subscriptions in one statement.
	RecalculateCounters(ctx context.Context, groupID string, asOf time.Time) (domain.GroupCounters, error)
	ExpelStudent(ctx context.Context, groupID, studentID string, at time.Time) error
}

// CourseRepository reads course definitions and their document templates.
type CourseRepository interface {
	FindByID(ctx context.Context, courseID string) (domain.Course, error)
}

// UserRepository reads purchasing users.
type UserRepository interface {
	FindByID(ctx context.Context, userID string) (domain.User, error)
	FindByFirebaseUID(ctx context.Context, uid string) (domain.User, error)
	RecordMissingDocsMailing(ctx context.Context, userID string, at time.Time) error
}

// DocumentRepository persists subscription documents.
type DocumentRepository interface {
	ListBySubscription(ctx context.Context, subscriptionID string) ([]domain.SubscriptionDocument, error)
	CountBySubscription(ctx context.Context, subscriptionID string) (int64, error)
	Insert(ctx context.Context, doc domain.SubscriptionDocument) error
	Update(ctx context.Context, doc domain.SubscriptionDocument) error
	Delete(ctx context.Context, documentID string) error
}

// GroupTransferRepository persists group transfers.
type GroupTransferRepository interface {
	Insert(ctx context.Context, transfer domain.GroupTransfer) error
	ListBySubscription(ctx context.Context, subscriptionID string) ([]domain.GroupTransfer, error)
}

// ReceiptRepository persists payment receipts.
type ReceiptRepository interface {
	Insert(ctx context.Context, receipt domain.PaymentReceipt) error
	FindByOrder(ctx context.Context, orderID string) (domain.PaymentReceipt, error)
	SetObjectPath(ctx context.Context, receiptID, path string) error
}

// BonusPaymentRepository maintains bonus accruals tied to subscriptions.
type BonusPaymentRepository interface {
	// ReverseBySubscription marks every active bonus payment of the subscription reversed and
	// returns the number of affected records.
	ReverseBySubscription(ctx context.Context, subscriptionID string, at time.Time) (int64, error)
}

// SubscriptionChangeRepository appends to the subscription field change journal.
type SubscriptionChangeRepository interface {
	Append(ctx context.Context, changes []domain.SubscriptionChange) error
}

// SequenceRepository issues numbers from named sequences inside a transaction so two callers
// never receive the same value.
type SequenceRepository interface {
	// Advance adds step (1 when zero) to the sequence and returns the new value. A missing
	// sequence starts at zero. When ceiling is positive and would be passed, Advance fails with
	// ErrSequenceExhausted and leaves the sequence unchanged.
	Advance(ctx context.Context, name string, step, ceiling int64) (int64, error)
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
