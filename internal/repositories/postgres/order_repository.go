package postgres

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	domain "github.com/courseshop/api/internal/domain"
	"github.com/courseshop/api/internal/platform/database"
)

// OrderRepository implements repositories.OrderRepository on Postgres.
type OrderRepository struct {
	db *gorm.DB
}

// NewOrderRepository constructs the repository.
func NewOrderRepository(db *gorm.DB) (*OrderRepository, error) {
	if db == nil {
		return nil, errors.New("order repository requires database")
	}
	return &OrderRepository{db: db}, nil
}

// Insert stores a new order row. Subscriptions are persisted separately.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	row := orderToRow(order)
	return database.WrapError("orders.insert", database.Conn(ctx, r.db).Create(&row).Error)
}

// FindByID loads the order together with its subscriptions.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	return r.find(ctx, orderID, false)
}

// FindForUpdate loads the order under a row lock.
func (r *OrderRepository) FindForUpdate(ctx context.Context, orderID string) (domain.Order, error) {
	if !database.InTx(ctx) {
		return domain.Order{}, errors.New("orders.find_for_update: transaction required")
	}
	return r.find(ctx, orderID, true)
}

func (r *OrderRepository) find(ctx context.Context, orderID string, lock bool) (domain.Order, error) {
	id := strings.TrimSpace(orderID)
	if id == "" {
		return domain.Order{}, database.NotFound("orders.find", "order")
	}

	q := database.Conn(ctx, r.db)
	if lock {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var row orderRow
	if err := q.First(&row, "id = ?", id).Error; err != nil {
		return domain.Order{}, database.WrapError("orders.find", err)
	}

	var subs []subscriptionRow
	if err := database.Conn(ctx, r.db).Where("order_id = ?", id).Order("created_at, id").Find(&subs).Error; err != nil {
		return domain.Order{}, database.WrapError("orders.find_subscriptions", err)
	}

	order := orderFromRow(row)
	order.Subscriptions = make([]domain.GroupSubscription, 0, len(subs))
	for _, sub := range subs {
		order.Subscriptions = append(order.Subscriptions, subscriptionFromRow(sub))
	}
	return order, nil
}

// UpdateStatus changes the order status and payment metadata.
func (r *OrderRepository) UpdateStatus(ctx context.Context, orderID string, status domain.OrderStatus, paidAt *time.Time, reference string) error {
	updates := map[string]any{
		"status":     string(status),
		"paid_at":    paidAt,
		"updated_at": time.Now().UTC(),
	}
	if strings.TrimSpace(reference) != "" {
		updates["provider_reference"] = reference
	}
	res := database.Conn(ctx, r.db).Model(&orderRow{}).Where("id = ?", orderID).Updates(updates)
	if res.Error != nil {
		return database.WrapError("orders.update_status", res.Error)
	}
	if res.RowsAffected == 0 {
		return database.NotFound("orders.update_status", "order")
	}
	return nil
}

// SetReceipt links a generated payment receipt to the order.
func (r *OrderRepository) SetReceipt(ctx context.Context, orderID, receiptID string) error {
	res := database.Conn(ctx, r.db).Model(&orderRow{}).Where("id = ?", orderID).
		Updates(map[string]any{"receipt_id": receiptID, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return database.WrapError("orders.set_receipt", res.Error)
	}
	if res.RowsAffected == 0 {
		return database.NotFound("orders.set_receipt", "order")
	}
	return nil
}
