package postgres

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	domain "github.com/courseshop/api/internal/domain"
	"github.com/courseshop/api/internal/platform/database"
)

// DocumentRepository implements repositories.DocumentRepository on Postgres.
type DocumentRepository struct {
	db *gorm.DB
}

// NewDocumentRepository constructs the repository.
func NewDocumentRepository(db *gorm.DB) (*DocumentRepository, error) {
	if db == nil {
		return nil, errors.New("document repository requires database")
	}
	return &DocumentRepository{db: db}, nil
}

func (r *DocumentRepository) ListBySubscription(ctx context.Context, subscriptionID string) ([]domain.SubscriptionDocument, error) {
	var rows []documentRow
	err := database.Conn(ctx, r.db).
		Where("subscription_id = ?", subscriptionID).
		Order("kind, created_at, id").
		Find(&rows).Error
	if err != nil {
		return nil, database.WrapError("subscription_documents.list", err)
	}
	out := make([]domain.SubscriptionDocument, 0, len(rows))
	for _, row := range rows {
		out = append(out, documentFromRow(row))
	}
	return out, nil
}

func (r *DocumentRepository) CountBySubscription(ctx context.Context, subscriptionID string) (int64, error) {
	var count int64
	err := database.Conn(ctx, r.db).Model(&documentRow{}).Where("subscription_id = ?", subscriptionID).Count(&count).Error
	if err != nil {
		return 0, database.WrapError("subscription_documents.count", err)
	}
	return count, nil
}

func (r *DocumentRepository) Insert(ctx context.Context, doc domain.SubscriptionDocument) error {
	row := documentToRow(doc)
	return database.WrapError("subscription_documents.insert", database.Conn(ctx, r.db).Create(&row).Error)
}

func (r *DocumentRepository) Update(ctx context.Context, doc domain.SubscriptionDocument) error {
	row := documentToRow(doc)
	if row.UpdatedAt.IsZero() {
		row.UpdatedAt = time.Now().UTC()
	}
	res := database.Conn(ctx, r.db).Model(&documentRow{ID: row.ID}).
		Select("*").Omit("id", "subscription_id", "kind", "created_at").
		Updates(&row)
	if res.Error != nil {
		return database.WrapError("subscription_documents.update", res.Error)
	}
	if res.RowsAffected == 0 {
		return database.NotFound("subscription_documents.update", "subscription document")
	}
	return nil
}

func (r *DocumentRepository) Delete(ctx context.Context, documentID string) error {
	res := database.Conn(ctx, r.db).Delete(&documentRow{}, "id = ?", documentID)
	if res.Error != nil {
		return database.WrapError("subscription_documents.delete", res.Error)
	}
	if res.RowsAffected == 0 {
		return database.NotFound("subscription_documents.delete", "subscription document")
	}
	return nil
}
