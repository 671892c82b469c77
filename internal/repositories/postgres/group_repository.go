package postgres

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	domain "github.com/courseshop/api/internal/domain"
	"github.com/courseshop/api/internal/platform/database"
)

const recalculateCountersSQL = `
UPDATE groups SET
	students_count = (SELECT COUNT(*) FROM group_subscriptions s WHERE s.group_id = groups.id),
	expelled_count = (SELECT COUNT(*) FROM group_subscriptions s WHERE s.group_id = groups.id AND s.expelled),
	vacation_count = (SELECT COUNT(*) FROM group_subscriptions s WHERE s.group_id = groups.id AND NOT s.expelled
		AND s.academic_vacation AND s.vacation_begin_on <= @as_of AND s.vacation_end_on >= @as_of),
	active_count = (SELECT COUNT(*) FROM group_subscriptions s WHERE s.group_id = groups.id AND NOT s.expelled
		AND NOT (s.academic_vacation AND s.vacation_begin_on <= @as_of AND s.vacation_end_on >= @as_of)),
	success_count = (SELECT COUNT(*) FROM group_subscriptions s WHERE s.group_id = groups.id AND NOT s.expelled
		AND s.status = 'success'),
	updated_at = @now
WHERE id = @group_id
RETURNING students_count, active_count, expelled_count, vacation_count, success_count`

// GroupRepository implements repositories.GroupRepository on Postgres.
type GroupRepository struct {
	db *gorm.DB
}

// NewGroupRepository constructs the repository.
func NewGroupRepository(db *gorm.DB) (*GroupRepository, error) {
	if db == nil {
		return nil, errors.New("group repository requires database")
	}
	return &GroupRepository{db: db}, nil
}

func (r *GroupRepository) FindByID(ctx context.Context, groupID string) (domain.Group, error) {
	var row groupRow
	if err := database.Conn(ctx, r.db).First(&row, "id = ?", groupID).Error; err != nil {
		return domain.Group{}, database.WrapError("groups.find", err)
	}
	return groupFromRow(row), nil
}

func (r *GroupRepository) ListByCRMModule(ctx context.Context, crmModuleID string) ([]domain.Group, error) {
	var rows []groupRow
	if err := database.Conn(ctx, r.db).Where("crm_module_id = ?", crmModuleID).Order("id").Find(&rows).Error; err != nil {
		return nil, database.WrapError("groups.list_by_crm_module", err)
	}
	out := make([]domain.Group, 0, len(rows))
	for _, row := range rows {
		out = append(out, groupFromRow(row))
	}
	return out, nil
}

// RecalculateCounters locks the group row before deriving the counters so the counting statement
// runs with a snapshot taken after any concurrent recalculation of the same group has committed.
func (r *GroupRepository) RecalculateCounters(ctx context.Context, groupID string, asOf time.Time) (domain.GroupCounters, error) {
	var counters domain.GroupCounters
	err := database.RunTransaction(ctx, r.db, func(ctx context.Context) error {
		conn := database.Conn(ctx, r.db)
		var locked groupRow
		if err := conn.Clauses(clause.Locking{Strength: "UPDATE"}).Select("id").First(&locked, "id = ?", groupID).Error; err != nil {
			return database.WrapError("groups.lock", err)
		}

		var out struct {
			StudentsCount int
			ActiveCount   int
			ExpelledCount int
			VacationCount int
			SuccessCount  int
		}
		err := conn.Raw(recalculateCountersSQL, map[string]any{
			"as_of":    asOf.UTC().Format("2006-01-02"),
			"now":      asOf.UTC(),
			"group_id": groupID,
		}).Scan(&out).Error
		if err != nil {
			return database.WrapError("groups.recalculate_counters", err)
		}
		counters = domain.GroupCounters{
			StudentsCount: out.StudentsCount,
			ActiveCount:   out.ActiveCount,
			ExpelledCount: out.ExpelledCount,
			VacationCount: out.VacationCount,
			SuccessCount:  out.SuccessCount,
		}
		return nil
	}, 0)
	return counters, err
}

// ExpelStudent records the expulsion once per group and student.
func (r *GroupRepository) ExpelStudent(ctx context.Context, groupID, studentID string, at time.Time) error {
	row := groupExpulsionRow{GroupID: groupID, StudentID: studentID, ExpelledAt: at}
	err := database.Conn(ctx, r.db).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error
	return database.WrapError("groups.expel_student", err)
}

func groupFromRow(row groupRow) domain.Group {
	return domain.Group{
		ID:            row.ID,
		CourseID:      row.CourseID,
		Name:          row.Name,
		CRMModuleID:   row.CRMModuleID,
		Price:         row.Price,
		Discount:      row.Discount,
		StudentsCount: row.StudentsCount,
		ActiveCount:   row.ActiveCount,
		ExpelledCount: row.ExpelledCount,
		VacationCount: row.VacationCount,
		SuccessCount:  row.SuccessCount,
		UpdatedAt:     row.UpdatedAt,
	}
}
