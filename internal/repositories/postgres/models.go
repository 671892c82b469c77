package postgres

import (
	"time"

	"gorm.io/datatypes"

	domain "github.com/courseshop/api/internal/domain"
)

type orderRow struct {
	ID                string     `gorm:"column:id;primaryKey;type:varchar(26)"`
	Number            string     `gorm:"column:number;uniqueIndex;not null"`
	UserID            string     `gorm:"column:user_id;index;not null"`
	Channel           string     `gorm:"column:channel;not null"`
	Cart              bool       `gorm:"column:cart;not null;default:false"`
	BonusAmount       int64      `gorm:"column:bonus_amount;not null;default:0"`
	EnteredBonusValue int64      `gorm:"column:entered_bonus_value;not null;default:0"`
	Status            string     `gorm:"column:status;not null;index"`
	ProviderReference string     `gorm:"column:provider_reference"`
	ReceiptID         *string    `gorm:"column:receipt_id"`
	PaidAt            *time.Time `gorm:"column:paid_at"`
	CreatedAt         time.Time  `gorm:"column:created_at;not null"`
	UpdatedAt         time.Time  `gorm:"column:updated_at;not null"`
}

func (orderRow) TableName() string { return "orders" }

type subscriptionRow struct {
	ID                string          `gorm:"column:id;primaryKey;type:varchar(26)"`
	OrderID           *string         `gorm:"column:order_id;index"`
	ParentID          *string         `gorm:"column:parent_id;index"`
	StudentID         string          `gorm:"column:student_id;index;not null"`
	GroupID           string          `gorm:"column:group_id;index;not null"`
	CourseID          string          `gorm:"column:course_id;index;not null"`
	Price             int64           `gorm:"column:price;not null;default:0"`
	Discount          int64           `gorm:"column:discount;not null;default:0"`
	BonusApplied      int64           `gorm:"column:bonus_applied;not null;default:0"`
	PriceWithDiscount int64           `gorm:"column:price_with_discount;not null;default:0"`
	Status            string          `gorm:"column:status;not null;index"`
	AcademicVacation  bool            `gorm:"column:academic_vacation;not null;default:false"`
	VacationBeginOn   *datatypes.Date `gorm:"column:vacation_begin_on"`
	VacationEndOn     *datatypes.Date `gorm:"column:vacation_end_on"`
	Expelled          bool            `gorm:"column:expelled;not null;default:false"`
	CRMID             *string         `gorm:"column:crm_id;uniqueIndex:idx_group_subscriptions_crm_id,where:crm_id IS NOT NULL"`
	CRMModuleID       *string         `gorm:"column:crm_module_id"`
	EducationBeginOn  *datatypes.Date `gorm:"column:education_begin_on"`
	EducationEndOn    *datatypes.Date `gorm:"column:education_end_on"`
	BeginOn           *datatypes.Date `gorm:"column:begin_on"`
	EndOn             *datatypes.Date `gorm:"column:end_on"`
	OneTimePayment    bool            `gorm:"column:one_time_payment;not null;default:false"`
	Itec              bool            `gorm:"column:itec;not null;default:false"`
	DoubleCreated     bool            `gorm:"column:double_created;not null;default:false"`
	SaleSuccessOn     *time.Time      `gorm:"column:sale_success_on"`
	PendingPaymentAt  *time.Time      `gorm:"column:pending_payment_at"`
	TransferToGroupID *string         `gorm:"column:transfer_to_group_id"`
	CreatedAt         time.Time       `gorm:"column:created_at;not null"`
	UpdatedAt         time.Time       `gorm:"column:updated_at;not null"`
}

func (subscriptionRow) TableName() string { return "group_subscriptions" }

type groupRow struct {
	ID            string    `gorm:"column:id;primaryKey;type:varchar(26)"`
	CourseID      string    `gorm:"column:course_id;index;not null"`
	Name          string    `gorm:"column:name;not null"`
	CRMModuleID   *string   `gorm:"column:crm_module_id;index"`
	Price         int64     `gorm:"column:price;not null;default:0"`
	Discount      int64     `gorm:"column:discount;not null;default:0"`
	StudentsCount int       `gorm:"column:students_count;not null;default:0"`
	ActiveCount   int       `gorm:"column:active_count;not null;default:0"`
	ExpelledCount int       `gorm:"column:expelled_count;not null;default:0"`
	VacationCount int       `gorm:"column:vacation_count;not null;default:0"`
	SuccessCount  int       `gorm:"column:success_count;not null;default:0"`
	UpdatedAt     time.Time `gorm:"column:updated_at;not null"`
}

func (groupRow) TableName() string { return "groups" }

type groupExpulsionRow struct {
	GroupID    string    `gorm:"column:group_id;primaryKey"`
	StudentID  string    `gorm:"column:student_id;primaryKey"`
	ExpelledAt time.Time `gorm:"column:expelled_at;not null"`
}

func (groupExpulsionRow) TableName() string { return "group_expulsions" }

type courseRow struct {
	ID                        string              `gorm:"column:id;primaryKey;type:varchar(26)"`
	ShortName                 string              `gorm:"column:short_name;uniqueIndex;not null"`
	Title                     string              `gorm:"column:title;not null"`
	Category                  string              `gorm:"column:category"`
	RequiresPracticeAgreement bool                `gorm:"column:requires_practice_agreement;not null;default:false"`
	StudentDocsRequired       bool                `gorm:"column:student_docs_required;not null;default:false"`
	Templates                 []courseTemplateRow `gorm:"foreignKey:CourseID;references:ID"`
}

func (courseRow) TableName() string { return "courses" }

type courseTemplateRow struct {
	ID                  uint    `gorm:"column:id;primaryKey;autoIncrement"`
	CourseID            string  `gorm:"column:course_id;index;not null"`
	EducationLevel      string  `gorm:"column:education_level;not null"`
	EducationDocumentID *string `gorm:"column:education_document_id"`
}

func (courseTemplateRow) TableName() string { return "course_documents" }

type userRow struct {
	ID                    string                      `gorm:"column:id;primaryKey;type:varchar(26)"`
	FirebaseUID           string                      `gorm:"column:firebase_uid;uniqueIndex;not null"`
	FullName              string                      `gorm:"column:full_name;not null"`
	Email                 string                      `gorm:"column:email"`
	Phone                 string                      `gorm:"column:phone"`
	EducationLevel        string                      `gorm:"column:education_level"`
	BonusBalance          int64                       `gorm:"column:bonus_balance;not null;default:0"`
	NotificationsDisabled bool                        `gorm:"column:notifications_disabled;not null;default:false"`
	MissingDocuments      datatypes.JSONSlice[string] `gorm:"column:missing_documents;type:jsonb"`
	LastMissingDocsMailAt *time.Time                  `gorm:"column:last_missing_docs_mail_at"`
}

func (userRow) TableName() string { return "users" }

type documentRow struct {
	ID                  string     `gorm:"column:id;primaryKey;type:varchar(26)"`
	SubscriptionID      string     `gorm:"column:subscription_id;index;not null"`
	Kind                string     `gorm:"column:kind;not null"`
	CourseID            string     `gorm:"column:course_id"`
	EducationDocumentID *string    `gorm:"column:education_document_id"`
	GroupTransferID     *string    `gorm:"column:group_transfer_id"`
	Number              int        `gorm:"column:number;not null;default:0"`
	ObjectPath          string     `gorm:"column:object_path"`
	Checksum            string     `gorm:"column:checksum"`
	GeneratedAt         *time.Time `gorm:"column:generated_at"`
	CreatedAt           time.Time  `gorm:"column:created_at;not null"`
	UpdatedAt           time.Time  `gorm:"column:updated_at;not null"`
}

func (documentRow) TableName() string { return "subscription_documents" }

type groupTransferRow struct {
	ID             string    `gorm:"column:id;primaryKey;type:varchar(26)"`
	SubscriptionID string    `gorm:"column:subscription_id;index;not null"`
	FromGroupID    string    `gorm:"column:from_group_id;not null"`
	ToGroupID      string    `gorm:"column:to_group_id;not null"`
	CreatedAt      time.Time `gorm:"column:created_at;not null"`
}

func (groupTransferRow) TableName() string { return "group_transfers" }

type receiptRow struct {
	ID         string    `gorm:"column:id;primaryKey;type:varchar(26)"`
	OrderID    string    `gorm:"column:order_id;uniqueIndex;not null"`
	Number     string    `gorm:"column:number;uniqueIndex;not null"`
	Amount     int64     `gorm:"column:amount;not null"`
	ObjectPath string    `gorm:"column:object_path"`
	CreatedAt  time.Time `gorm:"column:created_at;not null"`
}

func (receiptRow) TableName() string { return "payment_receipts" }

type bonusPaymentRow struct {
	ID             string     `gorm:"column:id;primaryKey;type:varchar(26)"`
	SubscriptionID string     `gorm:"column:subscription_id;index;not null"`
	UserID         string     `gorm:"column:user_id;index;not null"`
	Amount         int64      `gorm:"column:amount;not null"`
	ReversedAt     *time.Time `gorm:"column:reversed_at"`
	CreatedAt      time.Time  `gorm:"column:created_at;not null"`
}

func (bonusPaymentRow) TableName() string { return "bonus_payments" }

type subscriptionChangeRow struct {
	ID             string    `gorm:"column:id;primaryKey;type:varchar(26)"`
	SubscriptionID string    `gorm:"column:subscription_id;index;not null"`
	Field          string    `gorm:"column:field;not null"`
	FromValue      string    `gorm:"column:from_value"`
	ToValue        string    `gorm:"column:to_value"`
	ChangedAt      time.Time `gorm:"column:changed_at;not null"`
}

func (subscriptionChangeRow) TableName() string { return "subscription_changes" }

// Models lists every table managed by AutoMigrate.
func Models() []any {
	return []any{
		&orderRow{},
		&subscriptionRow{},
		&groupRow{},
		&groupExpulsionRow{},
		&courseRow{},
		&courseTemplateRow{},
		&userRow{},
		&documentRow{},
		&groupTransferRow{},
		&receiptRow{},
		&bonusPaymentRow{},
		&subscriptionChangeRow{},
	}
}

func toDate(t *time.Time) *datatypes.Date {
	if t == nil {
		return nil
	}
	d := datatypes.Date(t.UTC())
	return &d
}

func fromDate(d *datatypes.Date) *time.Time {
	if d == nil {
		return nil
	}
	t := time.Time(*d).UTC()
	return &t
}

func orderToRow(o domain.Order) orderRow {
	return orderRow{
		ID:                o.ID,
		Number:            o.Number,
		UserID:            o.UserID,
		Channel:           string(o.Channel),
		Cart:              o.Cart,
		BonusAmount:       o.BonusAmount,
		EnteredBonusValue: o.EnteredBonusValue,
		Status:            string(o.Status),
		ProviderReference: o.ProviderReference,
		ReceiptID:         o.ReceiptID,
		PaidAt:            o.PaidAt,
		CreatedAt:         o.CreatedAt,
		UpdatedAt:         o.UpdatedAt,
	}
}

func orderFromRow(r orderRow) domain.Order {
	return domain.Order{
		ID:                r.ID,
		Number:            r.Number,
		UserID:            r.UserID,
		Channel:           domain.PaymentChannel(r.Channel),
		Cart:              r.Cart,
		BonusAmount:       r.BonusAmount,
		EnteredBonusValue: r.EnteredBonusValue,
		Status:            domain.OrderStatus(r.Status),
		ProviderReference: r.ProviderReference,
		ReceiptID:         r.ReceiptID,
		PaidAt:            r.PaidAt,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}

func subscriptionToRow(s domain.GroupSubscription) subscriptionRow {
	return subscriptionRow{
		ID:                s.ID,
		OrderID:           s.OrderID,
		ParentID:          s.ParentID,
		StudentID:         s.StudentID,
		GroupID:           s.GroupID,
		CourseID:          s.CourseID,
		Price:             s.Price,
		Discount:          s.Discount,
		BonusApplied:      s.BonusApplied,
		PriceWithDiscount: s.PriceWithDiscount,
		Status:            string(s.Status),
		AcademicVacation:  s.AcademicVacation,
		VacationBeginOn:   toDate(s.VacationBeginOn),
		VacationEndOn:     toDate(s.VacationEndOn),
		Expelled:          s.Expelled,
		CRMID:             s.CRMID,
		CRMModuleID:       s.CRMModuleID,
		EducationBeginOn:  toDate(s.EducationBeginOn),
		EducationEndOn:    toDate(s.EducationEndOn),
		BeginOn:           toDate(s.BeginOn),
		EndOn:             toDate(s.EndOn),
		OneTimePayment:    s.OneTimePayment,
		Itec:              s.Itec,
		DoubleCreated:     s.DoubleCreated,
		SaleSuccessOn:     s.SaleSuccessOn,
		PendingPaymentAt:  s.PendingPaymentAt,
		TransferToGroupID: s.TransferToGroupID,
		CreatedAt:         s.CreatedAt,
		UpdatedAt:         s.UpdatedAt,
	}
}

func subscriptionFromRow(r subscriptionRow) domain.GroupSubscription {
	return domain.GroupSubscription{
		ID:                r.ID,
		OrderID:           r.OrderID,
		ParentID:          r.ParentID,
		StudentID:         r.StudentID,
		GroupID:           r.GroupID,
		CourseID:          r.CourseID,
		Price:             r.Price,
		Discount:          r.Discount,
		BonusApplied:      r.BonusApplied,
		PriceWithDiscount: r.PriceWithDiscount,
		Status:            domain.SubscriptionStatus(r.Status),
		AcademicVacation:  r.AcademicVacation,
		VacationBeginOn:   fromDate(r.VacationBeginOn),
		VacationEndOn:     fromDate(r.VacationEndOn),
		Expelled:          r.Expelled,
		CRMID:             r.CRMID,
		CRMModuleID:       r.CRMModuleID,
		EducationBeginOn:  fromDate(r.EducationBeginOn),
		EducationEndOn:    fromDate(r.EducationEndOn),
		BeginOn:           fromDate(r.BeginOn),
		EndOn:             fromDate(r.EndOn),
		OneTimePayment:    r.OneTimePayment,
		Itec:              r.Itec,
		DoubleCreated:     r.DoubleCreated,
		SaleSuccessOn:     r.SaleSuccessOn,
		PendingPaymentAt:  r.PendingPaymentAt,
		TransferToGroupID: r.TransferToGroupID,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
}

func documentToRow(d domain.SubscriptionDocument) documentRow {
	return documentRow{
		ID:                  d.ID,
		SubscriptionID:      d.SubscriptionID,
		Kind:                string(d.Kind),
		CourseID:            d.CourseID,
		EducationDocumentID: d.EducationDocumentID,
		GroupTransferID:     d.GroupTransferID,
		Number:              d.Number,
		ObjectPath:          d.ObjectPath,
		Checksum:            d.Checksum,
		GeneratedAt:         d.GeneratedAt,
		CreatedAt:           d.CreatedAt,
		UpdatedAt:           d.UpdatedAt,
	}
}

func documentFromRow(r documentRow) domain.SubscriptionDocument {
	return domain.SubscriptionDocument{
		ID:                  r.ID,
		SubscriptionID:      r.SubscriptionID,
		Kind:                domain.DocumentKind(r.Kind),
		CourseID:            r.CourseID,
		EducationDocumentID: r.EducationDocumentID,
		GroupTransferID:     r.GroupTransferID,
		Number:              r.Number,
		ObjectPath:          r.ObjectPath,
		Checksum:            r.Checksum,
		GeneratedAt:         r.GeneratedAt,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
	}
}
