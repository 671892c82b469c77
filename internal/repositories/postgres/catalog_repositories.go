package postgres

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	domain "github.com/courseshop/api/internal/domain"
	"github.com/courseshop/api/internal/platform/database"
)

// CourseRepository implements repositories.CourseRepository on Postgres.
type CourseRepository struct {
	db *gorm.DB
}

// NewCourseRepository constructs the repository.
func NewCourseRepository(db *gorm.DB) (*CourseRepository, error) {
	if db == nil {
		return nil, errors.New("course repository requires database")
	}
	return &CourseRepository{db: db}, nil
}

// FindByID loads the course with its document templates.
func (r *CourseRepository) FindByID(ctx context.Context, courseID string) (domain.Course, error) {
	var row courseRow
	err := database.Conn(ctx, r.db).Preload("Templates", func(db *gorm.DB) *gorm.DB {
		return db.Order("id")
	}).First(&row, "id = ?", courseID).Error
	if err != nil {
		return domain.Course{}, database.WrapError("courses.find", err)
	}
	course := domain.Course{
		ID:                        row.ID,
		ShortName:                 row.ShortName,
		Title:                     row.Title,
		Category:                  row.Category,
		RequiresPracticeAgreement: row.RequiresPracticeAgreement,
		StudentDocsRequired:       row.StudentDocsRequired,
		DocumentTemplates:         make([]domain.CourseDocumentTemplate, 0, len(row.Templates)),
	}
	for _, tpl := range row.Templates {
		course.DocumentTemplates = append(course.DocumentTemplates, domain.CourseDocumentTemplate{
			EducationLevel:      tpl.EducationLevel,
			EducationDocumentID: tpl.EducationDocumentID,
		})
	}
	return course, nil
}

// UserRepository implements repositories.UserRepository on Postgres.
type UserRepository struct {
	db *gorm.DB
}

// NewUserRepository constructs the repository.
func NewUserRepository(db *gorm.DB) (*UserRepository, error) {
	if db == nil {
		return nil, errors.New("user repository requires database")
	}
	return &UserRepository{db: db}, nil
}

func (r *UserRepository) FindByID(ctx context.Context, userID string) (domain.User, error) {
	var row userRow
	if err := database.Conn(ctx, r.db).First(&row, "id = ?", userID).Error; err != nil {
		return domain.User{}, database.WrapError("users.find", err)
	}
	return userFromRow(row), nil
}

func (r *UserRepository) FindByFirebaseUID(ctx context.Context, uid string) (domain.User, error) {
	var row userRow
	if err := database.Conn(ctx, r.db).First(&row, "firebase_uid = ?", uid).Error; err != nil {
		return domain.User{}, database.WrapError("users.find_by_firebase_uid", err)
	}
	return userFromRow(row), nil
}

func (r *UserRepository) RecordMissingDocsMailing(ctx context.Context, userID string, at time.Time) error {
	res := database.Conn(ctx, r.db).Model(&userRow{}).Where("id = ?", userID).Update("last_missing_docs_mail_at", at)
	if res.Error != nil {
		return database.WrapError("users.record_missing_docs_mailing", res.Error)
	}
	if res.RowsAffected == 0 {
		return database.NotFound("users.record_missing_docs_mailing", "user")
	}
	return nil
}

func userFromRow(row userRow) domain.User {
	return domain.User{
		ID:                    row.ID,
		FirebaseUID:           row.FirebaseUID,
		FullName:              row.FullName,
		Email:                 row.Email,
		Phone:                 row.Phone,
		EducationLevel:        row.EducationLevel,
		BonusBalance:          row.BonusBalance,
		NotificationsDisabled: row.NotificationsDisabled,
		MissingDocuments:      []string(row.MissingDocuments),
		LastMissingDocsMailAt: row.LastMissingDocsMailAt,
	}
}
