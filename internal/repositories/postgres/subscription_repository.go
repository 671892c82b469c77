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

// SubscriptionRepository implements repositories.SubscriptionRepository on Postgres.
type SubscriptionRepository struct {
	db *gorm.DB
}

// NewSubscriptionRepository constructs the repository.
func NewSubscriptionRepository(db *gorm.DB) (*SubscriptionRepository, error) {
	if db == nil {
		return nil, errors.New("subscription repository requires database")
	}
	return &SubscriptionRepository{db: db}, nil
}

func (r *SubscriptionRepository) Insert(ctx context.Context, sub domain.GroupSubscription) error {
	row := subscriptionToRow(sub)
	return database.WrapError("subscriptions.insert", database.Conn(ctx, r.db).Create(&row).Error)
}

// Update writes every column of the subscription. The success guard is never cleared here.
func (r *SubscriptionRepository) Update(ctx context.Context, sub domain.GroupSubscription) error {
	row := subscriptionToRow(sub)
	res := database.Conn(ctx, r.db).Model(&subscriptionRow{}).Where("id = ?", sub.ID).
		Select("*").Omit("id", "created_at", "double_created", "sale_success_on").Updates(&row)
	if res.Error != nil {
		return database.WrapError("subscriptions.update", res.Error)
	}
	if res.RowsAffected == 0 {
		return database.NotFound("subscriptions.update", "subscription")
	}
	return nil
}

func (r *SubscriptionRepository) Delete(ctx context.Context, subscriptionID string) error {
	res := database.Conn(ctx, r.db).Delete(&subscriptionRow{}, "id = ?", subscriptionID)
	if res.Error != nil {
		return database.WrapError("subscriptions.delete", res.Error)
	}
	if res.RowsAffected == 0 {
		return database.NotFound("subscriptions.delete", "subscription")
	}
	return nil
}

func (r *SubscriptionRepository) FindByID(ctx context.Context, subscriptionID string) (domain.GroupSubscription, error) {
	var row subscriptionRow
	if err := database.Conn(ctx, r.db).First(&row, "id = ?", strings.TrimSpace(subscriptionID)).Error; err != nil {
		return domain.GroupSubscription{}, database.WrapError("subscriptions.find", err)
	}
	return subscriptionFromRow(row), nil
}

// FindForUpdate takes SELECT ... FOR UPDATE on the subscription row.
func (r *SubscriptionRepository) FindForUpdate(ctx context.Context, subscriptionID string) (domain.GroupSubscription, error) {
	if !database.InTx(ctx) {
		return domain.GroupSubscription{}, errors.New("subscriptions.find_for_update: transaction required")
	}
	var row subscriptionRow
	err := database.Conn(ctx, r.db).Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&row, "id = ?", strings.TrimSpace(subscriptionID)).Error
	if err != nil {
		return domain.GroupSubscription{}, database.WrapError("subscriptions.find_for_update", err)
	}
	return subscriptionFromRow(row), nil
}

func (r *SubscriptionRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.GroupSubscription, error) {
	return r.list(ctx, "subscriptions.list_by_order", database.Conn(ctx, r.db).Where("order_id = ?", orderID).Order("created_at, id"))
}

func (r *SubscriptionRepository) ListByParent(ctx context.Context, parentID string) ([]domain.GroupSubscription, error) {
	return r.list(ctx, "subscriptions.list_by_parent", database.Conn(ctx, r.db).Where("parent_id = ?", parentID).Order("created_at, id"))
}

// ListExpired returns subscriptions whose access ended 6 months ago, or 12 months for one-time payments.
func (r *SubscriptionRepository) ListExpired(ctx context.Context, asOf time.Time, limit int) ([]domain.GroupSubscription, error) {
	q := database.Conn(ctx, r.db).
		Where("(one_time_payment = false AND end_on + INTERVAL '6 month' < ?) OR (one_time_payment = true AND end_on + INTERVAL '12 month' < ?)", asOf, asOf).
		Order("end_on, id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	return r.list(ctx, "subscriptions.list_expired", q)
}

// ListRequiringStudentDocs pages through active subscriptions of courses requiring student documents.
func (r *SubscriptionRepository) ListRequiringStudentDocs(ctx context.Context, afterID string, limit int) ([]domain.GroupSubscription, error) {
	q := database.Conn(ctx, r.db).
		Joins("JOIN courses ON courses.id = group_subscriptions.course_id").
		Where("courses.student_docs_required = true AND group_subscriptions.expelled = false").
		Where("group_subscriptions.id > ?", afterID).
		Order("group_subscriptions.id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	return r.list(ctx, "subscriptions.list_requiring_docs", q)
}

func (r *SubscriptionRepository) list(_ context.Context, op string, q *gorm.DB) ([]domain.GroupSubscription, error) {
	var rows []subscriptionRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, database.WrapError(op, err)
	}
	out := make([]domain.GroupSubscription, 0, len(rows))
	for _, row := range rows {
		out = append(out, subscriptionFromRow(row))
	}
	return out, nil
}

func (r *SubscriptionRepository) CRMIDTaken(ctx context.Context, crmID, excludeSubscriptionID string) (bool, error) {
	var count int64
	q := database.Conn(ctx, r.db).Model(&subscriptionRow{}).Where("crm_id = ?", crmID)
	if excludeSubscriptionID != "" {
		q = q.Where("id <> ?", excludeSubscriptionID)
	}
	if err := q.Count(&count).Error; err != nil {
		return false, database.WrapError("subscriptions.crm_id_taken", err)
	}
	return count > 0, nil
}

// MarkSuccessOnce is a conditional update; only the first caller flips double_created.
func (r *SubscriptionRepository) MarkSuccessOnce(ctx context.Context, subscriptionID string, at time.Time) (bool, error) {
	res := database.Conn(ctx, r.db).Model(&subscriptionRow{}).
		Where("id = ? AND double_created = ?", subscriptionID, false).
		Updates(map[string]any{"sale_success_on": at, "double_created": true})
	if res.Error != nil {
		return false, database.WrapError("subscriptions.mark_success_once", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *SubscriptionRepository) StampPendingPayment(ctx context.Context, orderID string, at time.Time) error {
	err := database.Conn(ctx, r.db).Model(&subscriptionRow{}).Where("order_id = ?", orderID).
		Update("pending_payment_at", at).Error
	return database.WrapError("subscriptions.stamp_pending_payment", err)
}

func (r *SubscriptionRepository) ClearPendingPayment(ctx context.Context, orderID string) error {
	err := database.Conn(ctx, r.db).Model(&subscriptionRow{}).Where("order_id = ?", orderID).
		Update("pending_payment_at", nil).Error
	return database.WrapError("subscriptions.clear_pending_payment", err)
}

func (r *SubscriptionRepository) MarkExpelledByParent(ctx context.Context, parentID string) error {
	err := database.Conn(ctx, r.db).Model(&subscriptionRow{}).Where("parent_id = ?", parentID).
		Update("expelled", true).Error
	return database.WrapError("subscriptions.mark_expelled_by_parent", err)
}

func (r *SubscriptionRepository) SetOneTimePayment(ctx context.Context, subscriptionID string, value bool) error {
	err := database.Conn(ctx, r.db).Model(&subscriptionRow{}).Where("id = ?", subscriptionID).
		Update("one_time_payment", value).Error
	return database.WrapError("subscriptions.set_one_time_payment", err)
}

// MoveToGroup switches the owning group and clears the pending transfer request.
func (r *SubscriptionRepository) MoveToGroup(ctx context.Context, subscriptionID, groupID string) error {
	res := database.Conn(ctx, r.db).Model(&subscriptionRow{}).Where("id = ?", subscriptionID).
		Updates(map[string]any{"group_id": groupID, "transfer_to_group_id": nil, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return database.WrapError("subscriptions.move_to_group", res.Error)
	}
	if res.RowsAffected == 0 {
		return database.NotFound("subscriptions.move_to_group", "subscription")
	}
	return nil
}
