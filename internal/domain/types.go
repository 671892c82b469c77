package domain

import (
	"time"
)

// PaymentChannel identifies the settlement pathway selected for an order.
type PaymentChannel string

const (
	// PaymentChannelCartBank pays a single cart line through the card acquiring provider.
	PaymentChannelCartBank PaymentChannel = "cart_bank"
	// PaymentChannelDirectBank pays through the direct bank transfer provider.
	PaymentChannelDirectBank PaymentChannel = "direct_bank"
	// PaymentChannelBankTKB pays through the TKB two-phase card registration flow.
	PaymentChannelBankTKB PaymentChannel = "bank_tkb"
	// PaymentChannelReceipt settles offline against a generated payment receipt.
	PaymentChannelReceipt PaymentChannel = "receipt"
	// PaymentChannelNone records an order without any payment pathway.
	PaymentChannelNone PaymentChannel = "none"
)

// Valid reports whether the channel is one of the known values.
func (c PaymentChannel) Valid() bool {
	switch c {
	case PaymentChannelCartBank, PaymentChannelDirectBank, PaymentChannelBankTKB, PaymentChannelReceipt, PaymentChannelNone:
		return true
	}
	return false
}

// OrderStatus enumerates order lifecycle states.
type OrderStatus string

const (
	// OrderStatusPending indicates the order awaits payment.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusPaid indicates the order has been settled.
	OrderStatusPaid OrderStatus = "paid"
	// OrderStatusFailed indicates the payment attempt failed.
	OrderStatusFailed OrderStatus = "failed"
)

// Order represents one purchase attempt made by a user.
type Order struct {
	ID                string
	Number            string
	UserID            string
	Channel           PaymentChannel
	Cart              bool
	BonusAmount       int64
	EnteredBonusValue int64
	Status            OrderStatus
	ProviderReference string
	Subscriptions     []GroupSubscription
	ReceiptID         *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	PaidAt            *time.Time
}

// TotalPrice sums the discounted prices of every owned subscription.
func (o Order) TotalPrice() int64 {
	var total int64
	for _, sub := range o.Subscriptions {
		total += sub.PriceWithDiscount
	}
	return total
}

// ZeroPrice reports whether nothing is left to pay on the order.
func (o Order) ZeroPrice() bool {
	return o.TotalPrice() == 0
}

// BankChannel reports whether the order pays through the direct bank provider.
func (o Order) BankChannel() bool {
	return o.Channel == PaymentChannelDirectBank
}

// SubscriptionStatus enumerates the sale stage of a group subscription.
type SubscriptionStatus string

const (
	// SubscriptionStatusInProgress is the default stage for a new enrollment.
	SubscriptionStatusInProgress SubscriptionStatus = "in_progress"
	// SubscriptionStatusMeeting indicates a meeting with the student has been scheduled.
	SubscriptionStatusMeeting SubscriptionStatus = "meeting"
	// SubscriptionStatusSuccess indicates the sale was successfully implemented.
	SubscriptionStatusSuccess SubscriptionStatus = "success"
	// SubscriptionStatusExpelled indicates the student left the group.
	SubscriptionStatusExpelled SubscriptionStatus = "expelled"
)

// Valid reports whether the status is known.
func (s SubscriptionStatus) Valid() bool {
	switch s {
	case SubscriptionStatusInProgress, SubscriptionStatusMeeting, SubscriptionStatusSuccess, SubscriptionStatusExpelled:
		return true
	}
	return false
}

// GroupSubscription is one student's enrollment in one course group.
type GroupSubscription struct {
	ID                string
	OrderID           *string
	ParentID          *string
	StudentID         string
	GroupID           string
	CourseID          string
	Price             int64
	Discount          int64
	BonusApplied      int64
	PriceWithDiscount int64
	Status            SubscriptionStatus `validate:"required"`
	AcademicVacation  bool
	VacationBeginOn   *time.Time `validate:"required_if=AcademicVacation true"`
	VacationEndOn     *time.Time `validate:"required_if=AcademicVacation true"`
	Expelled          bool
	CRMID             *string
	CRMModuleID       *string
	EducationBeginOn  *time.Time
	EducationEndOn    *time.Time
	BeginOn           *time.Time
	EndOn             *time.Time
	OneTimePayment    bool
	Itec              bool
	DoubleCreated     bool
	SaleSuccessOn     *time.Time
	PendingPaymentAt  *time.Time
	TransferToGroupID *string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Expired reports whether the access period of the subscription has lapsed at the given date.
func (s GroupSubscription) Expired(asOf time.Time) bool {
	if s.EndOn == nil {
		return false
	}
	months := 6
	if s.OneTimePayment {
		months = 12
	}
	return s.EndOn.AddDate(0, months, 0).Before(asOf)
}

// OnVacation reports whether the academic vacation window covers the given date.
func (s GroupSubscription) OnVacation(asOf time.Time) bool {
	if !s.AcademicVacation || s.VacationBeginOn == nil || s.VacationEndOn == nil {
		return false
	}
	return !asOf.Before(*s.VacationBeginOn) && !asOf.After(*s.VacationEndOn)
}

// Group aggregates subscriptions and carries derived counters.
type Group struct {
	ID            string
	CourseID      string
	Name          string
	CRMModuleID   *string
	Price         int64
	Discount      int64
	StudentsCount int
	ActiveCount   int
	ExpelledCount int
	VacationCount int
	SuccessCount  int
	UpdatedAt     time.Time
}

// GroupCounters is the derived counter snapshot of a group.
type GroupCounters struct {
	StudentsCount int
	ActiveCount   int
	ExpelledCount int
	VacationCount int
	SuccessCount  int
}

// Course describes the purchasable program a group belongs to.
type Course struct {
	ID                        string
	ShortName                 string
	Title                     string
	Category                  string
	RequiresPracticeAgreement bool
	StudentDocsRequired       bool
	DocumentTemplates         []CourseDocumentTemplate
}

// CourseDocumentTemplate maps an education level to the education document it requires.
type CourseDocumentTemplate struct {
	EducationLevel      string
	EducationDocumentID *string
}

// User is the purchasing student.
type User struct {
	ID                    string
	FirebaseUID           string
	FullName              string
	Email                 string
	Phone                 string
	EducationLevel        string
	BonusBalance          int64
	NotificationsDisabled bool
	MissingDocuments      []string
	LastMissingDocsMailAt *time.Time
}

// DocumentKind enumerates subscription document artifacts.
type DocumentKind string

const (
	// DocumentKindRequired is a placeholder for an education document the student must provide.
	DocumentKindRequired DocumentKind = "required"
	// DocumentKindContract is the subscription contract.
	DocumentKindContract DocumentKind = "contract"
	// DocumentKindPracticeAgreement is the practice agreement.
	DocumentKindPracticeAgreement DocumentKind = "practice_agreement"
	// DocumentKindQuestionnaire is the student questionnaire.
	DocumentKindQuestionnaire DocumentKind = "questionnaire"
	// DocumentKindVacationOrder is the academic vacation order.
	DocumentKindVacationOrder DocumentKind = "vacation_order"
	// DocumentKindGroupTransferOrder is the change-of-group order.
	DocumentKindGroupTransferOrder DocumentKind = "group_transfer_order"
)

// SubscriptionDocument is one generated artifact owned by a subscription.
type SubscriptionDocument struct {
	ID                  string
	SubscriptionID      string
	Kind                DocumentKind
	CourseID            string
	EducationDocumentID *string
	GroupTransferID     *string
	Number              int
	ObjectPath          string
	Checksum            string
	GeneratedAt         *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// GroupTransfer records a move of a subscription between groups.
type GroupTransfer struct {
	ID             string
	SubscriptionID string
	FromGroupID    string
	ToGroupID      string
	CreatedAt      time.Time
}

// Correct reports whether the transfer references two distinct groups.
func (t GroupTransfer) Correct() bool {
	return t.FromGroupID != "" && t.ToGroupID != "" && t.FromGroupID != t.ToGroupID
}

// PaymentReceipt is the invoice generated for receipt-channel orders.
type PaymentReceipt struct {
	ID         string
	OrderID    string
	Number     string
	Amount     int64
	ObjectPath string
	CreatedAt  time.Time
}

// SubscriptionChange is one journal entry describing a tracked field change.
type SubscriptionChange struct {
	ID             string
	SubscriptionID string
	Field          string
	From           string
	To             string
	ChangedAt      time.Time
}

// NotificationKind enumerates messages dispatched to the notification worker.
type NotificationKind string

const (
	NotificationPaymentConfirmation NotificationKind = "payment_confirmation"
	NotificationMeetingStatus       NotificationKind = "meeting_status"
	NotificationCosmetologyOffers   NotificationKind = "cosmetology_offers"
	NotificationItecEmail           NotificationKind = "itec_email"
	NotificationItecSMS             NotificationKind = "itec_sms"
	NotificationDistanceUpsell      NotificationKind = "distance_upsell"
	NotificationMissingStudentDocs  NotificationKind = "missing_student_docs"
)

// Notification is a best-effort message about an order or subscription.
type Notification struct {
	Kind           NotificationKind
	UserID         string
	OrderID        string
	SubscriptionID string
	Data           map[string]string
}
