package postgres

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	domain "github.com/courseshop/api/internal/domain"
	"github.com/courseshop/api/internal/platform/database"
)

// GroupTransferRepository implements repositories.GroupTransferRepository on Postgres.
type GroupTransferRepository struct {
	db *gorm.DB
}

// NewGroupTransferRepository constructs the repository.
func NewGroupTransferRepository(db *gorm.DB) (*GroupTransferRepository, error) {
	if db == nil {
		return nil, errors.New("group transfer repository requires database")
	}
	return &GroupTransferRepository{db: db}, nil
}

func (r *GroupTransferRepository) Insert(ctx context.Context, transfer domain.GroupTransfer) error {
	row := groupTransferRow{
		ID:             transfer.ID,
		SubscriptionID: transfer.SubscriptionID,
		FromGroupID:    transfer.FromGroupID,
		ToGroupID:      transfer.ToGroupID,
		CreatedAt:      transfer.CreatedAt,
	}
	return database.WrapError("group_transfers.insert", database.Conn(ctx, r.db).Create(&row).Error)
}

func (r *GroupTransferRepository) ListBySubscription(ctx context.Context, subscriptionID string) ([]domain.GroupTransfer, error) {
	var rows []groupTransferRow
	err := database.Conn(ctx, r.db).
		Where("subscription_id = ?", subscriptionID).
		Order("created_at, id").
		Find(&rows).Error
	if err != nil {
		return nil, database.WrapError("group_transfers.list", err)
	}
	out := make([]domain.GroupTransfer, 0, len(rows))
	for _, row := range rows {
		out = append(out, domain.GroupTransfer{
			ID:             row.ID,
			SubscriptionID: row.SubscriptionID,
			FromGroupID:    row.FromGroupID,
			ToGroupID:      row.ToGroupID,
			CreatedAt:      row.CreatedAt,
		})
	}
	return out, nil
}

// ReceiptRepository implements repositories.ReceiptRepository on Postgres.
type ReceiptRepository struct {
	db *gorm.DB
}

// NewReceiptRepository constructs the repository.
func NewReceiptRepository(db *gorm.DB) (*ReceiptRepository, error) {
	if db == nil {
		return nil, errors.New("receipt repository requires database")
	}
	return &ReceiptRepository{db: db}, nil
}

func (r *ReceiptRepository) Insert(ctx context.Context, receipt domain.PaymentReceipt) error {
	row := receiptRow{
		ID:         receipt.ID,
		OrderID:    receipt.OrderID,
		Number:     receipt.Number,
		Amount:     receipt.Amount,
		ObjectPath: receipt.ObjectPath,
		CreatedAt:  receipt.CreatedAt,
	}
	return database.WrapError("payment_receipts.insert", database.Conn(ctx, r.db).Create(&row).Error)
}

func (r *ReceiptRepository) FindByOrder(ctx context.Context, orderID string) (domain.PaymentReceipt, error) {
	var row receiptRow
	if err := database.Conn(ctx, r.db).First(&row, "order_id = ?", orderID).Error; err != nil {
		return domain.PaymentReceipt{}, database.WrapError("payment_receipts.find_by_order", err)
	}
	return domain.PaymentReceipt{
		ID:         row.ID,
		OrderID:    row.OrderID,
		Number:     row.Number,
		Amount:     row.Amount,
		ObjectPath: row.ObjectPath,
		CreatedAt:  row.CreatedAt,
	}, nil
}

func (r *ReceiptRepository) SetObjectPath(ctx context.Context, receiptID, path string) error {
	res := database.Conn(ctx, r.db).Model(&receiptRow{}).Where("id = ?", receiptID).Update("object_path", path)
	if res.Error != nil {
		return database.WrapError("payment_receipts.set_object_path", res.Error)
	}
	if res.RowsAffected == 0 {
		return database.NotFound("payment_receipts.set_object_path", "payment receipt")
	}
	return nil
}

// BonusPaymentRepository implements repositories.BonusPaymentRepository on Postgres.
type BonusPaymentRepository struct {
	db *gorm.DB
}

// NewBonusPaymentRepository constructs the repository.
func NewBonusPaymentRepository(db *gorm.DB) (*BonusPaymentRepository, error) {
	if db == nil {
		return nil, errors.New("bonus payment repository requires database")
	}
	return &BonusPaymentRepository{db: db}, nil
}

func (r *BonusPaymentRepository) ReverseBySubscription(ctx context.Context, subscriptionID string, at time.Time) (int64, error) {
	res := database.Conn(ctx, r.db).Model(&bonusPaymentRow{}).
		Where("subscription_id = ? AND reversed_at IS NULL", subscriptionID).
		Update("reversed_at", at)
	if res.Error != nil {
		return 0, database.WrapError("bonus_payments.reverse", res.Error)
	}
	return res.RowsAffected, nil
}

// SubscriptionChangeRepository implements repositories.SubscriptionChangeRepository on Postgres.
type SubscriptionChangeRepository struct {
	db *gorm.DB
}

// NewSubscriptionChangeRepository constructs the repository.
func NewSubscriptionChangeRepository(db *gorm.DB) (*SubscriptionChangeRepository, error) {
	if db == nil {
		return nil, errors.New("subscription change repository requires database")
	}
	return &SubscriptionChangeRepository{db: db}, nil
}

func (r *SubscriptionChangeRepository) Append(ctx context.Context, changes []domain.SubscriptionChange) error {
	if len(changes) == 0 {
		return nil
	}
	rows := make([]subscriptionChangeRow, 0, len(changes))
	for _, change := range changes {
		rows = append(rows, subscriptionChangeRow{
			ID:             change.ID,
			SubscriptionID: change.SubscriptionID,
			Field:          change.Field,
			FromValue:      change.From,
			ToValue:        change.To,
			ChangedAt:      change.ChangedAt,
		})
	}
	return database.WrapError("subscription_changes.append", database.Conn(ctx, r.db).Create(&rows).Error)
}
