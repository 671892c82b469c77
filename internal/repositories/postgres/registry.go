package postgres

import (
	"errors"

	"gorm.io/gorm"

	"github.com/courseshop/api/internal/platform/database"
	"github.com/courseshop/api/internal/repositories"
)

// Stores bundles the Postgres repositories that share one connection pool.
type Stores struct {
	Orders              *OrderRepository
	Subscriptions       *SubscriptionRepository
	Groups              *GroupRepository
	Courses             *CourseRepository
	Users               *UserRepository
	Documents           *DocumentRepository
	GroupTransfers      *GroupTransferRepository
	Receipts            *ReceiptRepository
	BonusPayments       *BonusPaymentRepository
	SubscriptionChanges *SubscriptionChangeRepository
	UnitOfWork          repositories.UnitOfWork
}

// NewStores constructs every Postgres repository on db.
func NewStores(db *gorm.DB) (*Stores, error) {
	if db == nil {
		return nil, errors.New("postgres stores require database")
	}
	s := &Stores{UnitOfWork: database.NewUnitOfWork(db)}
	var err error
	if s.Orders, err = NewOrderRepository(db); err != nil {
		return nil, err
	}
	if s.Subscriptions, err = NewSubscriptionRepository(db); err != nil {
		return nil, err
	}
	if s.Groups, err = NewGroupRepository(db); err != nil {
		return nil, err
	}
	if s.Courses, err = NewCourseRepository(db); err != nil {
		return nil, err
	}
	if s.Users, err = NewUserRepository(db); err != nil {
		return nil, err
	}
	if s.Documents, err = NewDocumentRepository(db); err != nil {
		return nil, err
	}
	if s.GroupTransfers, err = NewGroupTransferRepository(db); err != nil {
		return nil, err
	}
	if s.Receipts, err = NewReceiptRepository(db); err != nil {
		return nil, err
	}
	if s.BonusPayments, err = NewBonusPaymentRepository(db); err != nil {
		return nil, err
	}
	if s.SubscriptionChanges, err = NewSubscriptionChangeRepository(db); err != nil {
		return nil, err
	}
	return s, nil
}

var (
	_ repositories.OrderRepository              = (*OrderRepository)(nil)
	_ repositories.SubscriptionRepository       = (*SubscriptionRepository)(nil)
	_ repositories.GroupRepository              = (*GroupRepository)(nil)
	_ repositories.CourseRepository             = (*CourseRepository)(nil)
	_ repositories.UserRepository               = (*UserRepository)(nil)
	_ repositories.DocumentRepository           = (*DocumentRepository)(nil)
	_ repositories.GroupTransferRepository      = (*GroupTransferRepository)(nil)
	_ repositories.ReceiptRepository            = (*ReceiptRepository)(nil)
	_ repositories.BonusPaymentRepository       = (*BonusPaymentRepository)(nil)
	_ repositories.SubscriptionChangeRepository = (*SubscriptionChangeRepository)(nil)
)
