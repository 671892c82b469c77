package services

import (
	"context"
	"time"

	domain "github.com/courseshop/api/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Order                = domain.Order
	OrderStatus          = domain.OrderStatus
	PaymentChannel       = domain.PaymentChannel
	GroupSubscription    = domain.GroupSubscription
	SubscriptionStatus   = domain.SubscriptionStatus
	SubscriptionDocument = domain.SubscriptionDocument
	PaymentReceipt       = domain.PaymentReceipt
	Notification         = domain.Notification
	PricingBreakdown     = domain.PricingBreakdown
	ItemPricingBreakdown = domain.ItemPricingBreakdown
	SystemHealthReport   = domain.SystemHealthReport
)

// OrderService creates orders and records their settlement.
type OrderService interface {
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (OrderCreation, error)
	ConfirmPayment(ctx context.Context, cmd ConfirmPaymentCommand) (Order, error)
	GetOrder(ctx context.Context, orderID, userID string) (Order, error)
	GetReceipt(ctx context.Context, orderID, userID string) (PaymentReceipt, error)
}

// PaymentRouter decides where the buyer goes after an order is created.
type PaymentRouter interface {
	Route(ctx context.Context, req RouteRequest) (RouteResult, error)
}

// TKBPaymentService performs the card registration phase of the TKB flow.
type TKBPaymentService interface {
	Initiate(ctx context.Context, orderID, userID string) (string, error)
}

// SubscriptionService persists subscriptions and runs the transition engine for every save.
type SubscriptionService interface {
	Get(ctx context.Context, subscriptionID string) (GroupSubscription, error)
	Save(ctx context.Context, cmd SaveSubscriptionCommand) (SubscriptionSaveResult, error)
	// SaveInTx persists the subscription inside the caller's transaction. Notifications are returned
	// undispatched so the caller can send them after commit.
	SaveInTx(ctx context.Context, sub GroupSubscription) (GroupSubscription, TransitionOutcome, error)
	Destroy(ctx context.Context, subscriptionID string) error
	ListExpired(ctx context.Context, asOf time.Time, limit int) ([]GroupSubscription, error)
}

// TransitionEngine evaluates the ordered side-effect rules for one subscription diff.
type TransitionEngine interface {
	Apply(ctx context.Context, diff domain.SubscriptionDiff) (TransitionOutcome, error)
	AfterDestroy(ctx context.Context, sub GroupSubscription) (TransitionOutcome, error)
}

// DocumentCascade regenerates the document set of subscriptions.
type DocumentCascade interface {
	Regenerate(ctx context.Context, subscriptionID string) (CascadeReport, error)
	RegenerateAll(ctx context.Context, subscriptionIDs []string) ([]CascadeReport, error)
}

// NotificationDispatcher sends notifications without blocking or failing the caller.
type NotificationDispatcher interface {
	Dispatch(ctx context.Context, notifications ...Notification)
}

// NotificationPublisher enqueues a notification message for the mail/SMS worker.
type NotificationPublisher interface {
	PublishNotification(ctx context.Context, msg NotificationMessage) (string, error)
}

// CRMPublisher enqueues subscription state for the CRM synchronisation worker.
type CRMPublisher interface {
	PublishSubscriptionSync(ctx context.Context, msg CRMSyncMessage) (string, error)
}

// MissingDocsMailingService reminds students about education documents they still owe.
type MissingDocsMailingService interface {
	Run(ctx context.Context) (MailingReport, error)
}

// SequenceService issues order and receipt numbers.
type SequenceService interface {
	NextOrderNumber(ctx context.Context) (string, error)
	NextReceiptNumber(ctx context.Context) (string, error)
	Advance(ctx context.Context, cmd SequenceCommand) (int64, error)
}

// SystemService reports readiness and build metadata.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// Command and DTO definitions ------------------------------------------------

// CreateOrderCommand carries a purchase request. Internal marks back-office callers, which may
// enrol other students and carry CRM ids.
type CreateOrderCommand struct {
	UserID      string
	Channel     PaymentChannel
	Cart        bool
	BonusAmount int64
	Internal    bool
	Items       []OrderItemInput
}

// OrderItemInput describes one subscription requested within an order. Prices come from the group.
type OrderItemInput struct {
	GroupID          string
	StudentID        string
	CRMID            *string
	AcademicVacation bool
	VacationBeginOn  *time.Time
	VacationEndOn    *time.Time
	EducationBeginOn *time.Time
	EducationEndOn   *time.Time
	BeginOn          *time.Time
	EndOn            *time.Time
}

// OrderCreation is the committed result of CreateOrder.
type OrderCreation struct {
	Order   Order
	Receipt *PaymentReceipt
}

// ConfirmPaymentCommand records a provider settlement callback.
type ConfirmPaymentCommand struct {
	Provider  string
	OrderID   string
	Status    OrderStatus
	Reference string
}

// RouteRequest holds the committed order and its buyer.
type RouteRequest struct {
	Order Order
	User  domain.User
}

// RouteResult is the client-facing routing decision.
type RouteResult struct {
	Location  string
	Popup     *PaymentPopup
	DataLayer *DataLayer
	FBEvent   string
}

// PaymentPopup is rendered by the storefront after a cart checkout.
type PaymentPopup struct {
	Title      string
	Text       string
	Name       string
	Link       string
	OrderID    string
	OrderPrice string
	UserName   string
	UserEmail  string
	UserPhone  string
}

// DataLayer is the ecommerce purchase object pushed to the analytics data layer.
type DataLayer struct {
	Event     string
	Ecommerce DataLayerEcommerce
}

// DataLayerEcommerce describes the purchase.
type DataLayerEcommerce struct {
	TransactionID string
	Value         int64
	Currency      string
	Items         []DataLayerItem
}

// DataLayerItem is one purchased subscription.
type DataLayerItem struct {
	ItemID   string
	ItemName string
	Price    int64
	Quantity int
}

// SaveSubscriptionCommand applies a partial update to a stored subscription.
type SaveSubscriptionCommand struct {
	SubscriptionID string
	Patch          SubscriptionPatch
}

// SubscriptionPatch lists the mutable subscription fields. Nil fields are left untouched.
type SubscriptionPatch struct {
	Status            *SubscriptionStatus
	AcademicVacation  *bool
	VacationBeginOn   *time.Time
	VacationEndOn     *time.Time
	Expelled          *bool
	CRMID             *string
	CRMModuleID       *string
	EducationBeginOn  *time.Time
	EducationEndOn    *time.Time
	BeginOn           *time.Time
	EndOn             *time.Time
	Itec              *bool
	TransferToGroupID *string
	Price             *int64
	PriceWithDiscount *int64
}

// SubscriptionSaveResult reports the stored subscription and the rules that fired.
type SubscriptionSaveResult struct {
	Subscription GroupSubscription
	FiredRules   []string
}

// TransitionOutcome collects what the rule table did for one save.
type TransitionOutcome struct {
	Fired         []string
	Notifications []Notification
	SuccessMarked bool
	Counters      *domain.GroupCounters
}

// DocumentAction names what a cascade step did with its document.
type DocumentAction string

const (
	DocumentCreated   DocumentAction = "created"
	DocumentUpdated   DocumentAction = "updated"
	DocumentDeleted   DocumentAction = "deleted"
	DocumentUnchanged DocumentAction = "unchanged"
)

// DocumentOutcome is the result of one cascade step.
type DocumentOutcome struct {
	Kind       domain.DocumentKind
	DocumentID string
	Action     DocumentAction
}

// CascadeReport lists the step outcomes for one subscription.
type CascadeReport struct {
	SubscriptionID string
	Outcomes       []DocumentOutcome
}

// NotificationMessage is the Pub/Sub payload consumed by the notification worker.
type NotificationMessage struct {
	ID             string            `json:"id"`
	Kind           string            `json:"kind"`
	UserID         string            `json:"userId,omitempty"`
	OrderID        string            `json:"orderId,omitempty"`
	SubscriptionID string            `json:"subscriptionId,omitempty"`
	Data           map[string]string `json:"data,omitempty"`
	CreatedAt      time.Time         `json:"createdAt"`
}

// CRMSyncMessage is the Pub/Sub payload consumed by the CRM synchronisation worker.
type CRMSyncMessage struct {
	SubscriptionID string            `json:"subscriptionId"`
	CRMID          string            `json:"crmId"`
	Status         string            `json:"status"`
	GroupID        string            `json:"groupId"`
	Changes        map[string]string `json:"changes"`
	OccurredAt     time.Time         `json:"occurredAt"`
}

// MailingReport summarises one missing-documents mailing run.
type MailingReport struct {
	Scanned  int
	Notified int
	Skipped  int
}

// SequenceCommand advances the scope:name sequence by Step (1 when zero).
type SequenceCommand struct {
	Scope string
	Name  string
	Step  int64
}
