package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/courseshop/api/internal/domain"
	"github.com/courseshop/api/internal/repositories"
)

var (
	// ErrSubscriptionInvalidInput signals a subscription that fails validation.
	ErrSubscriptionInvalidInput = errors.New("subscription: invalid input")
	// ErrSubscriptionNotFound indicates the subscription could not be located.
	ErrSubscriptionNotFound = errors.New("subscription: not found")
	// ErrSubscriptionConflict indicates a uniqueness violation or concurrent write.
	ErrSubscriptionConflict = errors.New("subscription: conflict")
	// ErrSubscriptionHasDocuments blocks destroying a subscription that still owns documents.
	ErrSubscriptionHasDocuments = errors.New("subscription: documents exist")
)

// SubscriptionServiceDeps bundles collaborators required by the subscription service.
type SubscriptionServiceDeps struct {
	Subscriptions repositories.SubscriptionRepository
	Documents     repositories.DocumentRepository
	Engine        TransitionEngine
	UnitOfWork    repositories.UnitOfWork
	Notifications NotificationDispatcher
	Clock         func() time.Time
	IDGenerator   func() string
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

type subscriptionService struct {
	subs          repositories.SubscriptionRepository
	documents     repositories.DocumentRepository
	engine        TransitionEngine
	unitOfWork    repositories.UnitOfWork
	notifications NotificationDispatcher
	clock         func() time.Time
	newID         func() string
	logger        func(context.Context, string, map[string]any)
}

var _ SubscriptionService = (*subscriptionService)(nil)

// NewSubscriptionService wires the persistence path every subscription write goes through.
func NewSubscriptionService(deps SubscriptionServiceDeps) (SubscriptionService, error) {
	if deps.Subscriptions == nil {
		return nil, errors.New("subscription service: subscription repository is required")
	}
	if deps.Documents == nil {
		return nil, errors.New("subscription service: document repository is required")
	}
	if deps.Engine == nil {
		return nil, errors.New("subscription service: transition engine is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}
	dispatcher := deps.Notifications
	if dispatcher == nil {
		dispatcher = noopNotificationDispatcher{}
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &subscriptionService{
		subs:          deps.Subscriptions,
		documents:     deps.Documents,
		engine:        deps.Engine,
		unitOfWork:    unit,
		notifications: dispatcher,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

func (s *subscriptionService) Get(ctx context.Context, subscriptionID string) (GroupSubscription, error) {
	id := strings.TrimSpace(subscriptionID)
	if id == "" {
		return GroupSubscription{}, fmt.Errorf("%w: subscription id is required", ErrSubscriptionInvalidInput)
	}
	sub, err := s.subs.FindByID(ctx, id)
	if err != nil {
		return GroupSubscription{}, s.mapRepositoryError(err)
	}
	return sub, nil
}

// Save applies the patch under the subscription row lock and dispatches deferred notifications
// once the transaction has committed.
func (s *subscriptionService) Save(ctx context.Context, cmd SaveSubscriptionCommand) (SubscriptionSaveResult, error) {
	id := strings.TrimSpace(cmd.SubscriptionID)
	if id == "" {
		return SubscriptionSaveResult{}, fmt.Errorf("%w: subscription id is required", ErrSubscriptionInvalidInput)
	}

	var (
		stored  GroupSubscription
		outcome TransitionOutcome
	)
	err := s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		before, err := s.subs.FindForUpdate(txCtx, id)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		after := cmd.Patch.apply(before)
		stored, outcome, err = s.persist(txCtx, &before, after)
		return err
	})
	if err != nil {
		return SubscriptionSaveResult{}, err
	}

	s.notifications.Dispatch(ctx, outcome.Notifications...)
	return SubscriptionSaveResult{Subscription: stored, FiredRules: outcome.Fired}, nil
}

func (s *subscriptionService) SaveInTx(ctx context.Context, sub GroupSubscription) (GroupSubscription, TransitionOutcome, error) {
	if strings.TrimSpace(sub.ID) == "" {
		sub.ID = subscriptionIDPrefix + s.newID()
		return s.persist(ctx, nil, sub)
	}
	before, err := s.subs.FindForUpdate(ctx, sub.ID)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return s.persist(ctx, nil, sub)
		}
		return GroupSubscription{}, TransitionOutcome{}, s.mapRepositoryError(err)
	}
	return s.persist(ctx, &before, sub)
}

// persist writes after and runs the rule table against the diff from before.
func (s *subscriptionService) persist(ctx context.Context, before *GroupSubscription, after GroupSubscription) (GroupSubscription, TransitionOutcome, error) {
	now := s.clock()
	if after.Status == "" {
		after.Status = domain.SubscriptionStatusInProgress
	}
	if after.CRMID != nil && strings.TrimSpace(*after.CRMID) == "" {
		after.CRMID = nil
	}
	if err := s.validate(ctx, after); err != nil {
		return GroupSubscription{}, TransitionOutcome{}, err
	}

	after.UpdatedAt = now
	if before == nil {
		after.CreatedAt = now
		after.DoubleCreated = false
		after.SaleSuccessOn = nil
		if err := s.subs.Insert(ctx, after); err != nil {
			return GroupSubscription{}, TransitionOutcome{}, s.mapRepositoryError(err)
		}
	} else {
		after.CreatedAt = before.CreatedAt
		after.DoubleCreated = before.DoubleCreated
		after.SaleSuccessOn = before.SaleSuccessOn
		if err := s.subs.Update(ctx, after); err != nil {
			return GroupSubscription{}, TransitionOutcome{}, s.mapRepositoryError(err)
		}
	}

	outcome, err := s.engine.Apply(ctx, domain.NewSubscriptionDiff(before, after))
	if err != nil {
		return GroupSubscription{}, outcome, err
	}

	// Rules that write the row itself leave the in-memory copy stale.
	if outcome.SuccessMarked || slices.ContainsFunc(outcome.Fired, rowMutatingRule) {
		fresh, err := s.subs.FindByID(ctx, after.ID)
		if err != nil {
			return GroupSubscription{}, outcome, s.mapRepositoryError(err)
		}
		after = fresh
	}
	return after, outcome, nil
}

func (s *subscriptionService) validate(ctx context.Context, sub GroupSubscription) error {
	if err := domain.ValidateSubscription(sub); err != nil {
		return fmt.Errorf("%w: %w", ErrSubscriptionInvalidInput, err)
	}
	if sub.CRMID == nil {
		return nil
	}
	taken, err := s.subs.CRMIDTaken(ctx, *sub.CRMID, sub.ID)
	if err != nil {
		return s.mapRepositoryError(err)
	}
	if taken {
		return fmt.Errorf("%w: crm_id %s is already taken", ErrSubscriptionInvalidInput, *sub.CRMID)
	}
	return nil
}

func (s *subscriptionService) Destroy(ctx context.Context, subscriptionID string) error {
	id := strings.TrimSpace(subscriptionID)
	if id == "" {
		return fmt.Errorf("%w: subscription id is required", ErrSubscriptionInvalidInput)
	}
	return s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		sub, err := s.subs.FindForUpdate(txCtx, id)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		count, err := s.documents.CountBySubscription(txCtx, id)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		if count > 0 {
			return fmt.Errorf("%w: %d documents", ErrSubscriptionHasDocuments, count)
		}
		if err := s.subs.Delete(txCtx, id); err != nil {
			return s.mapRepositoryError(err)
		}
		if _, err := s.engine.AfterDestroy(txCtx, sub); err != nil {
			return err
		}
		s.logger(txCtx, "subscription.destroyed", map[string]any{
			"subscription": id,
			"group":        sub.GroupID,
		})
		return nil
	})
}

func (s *subscriptionService) ListExpired(ctx context.Context, asOf time.Time, limit int) ([]GroupSubscription, error) {
	if asOf.IsZero() {
		asOf = s.clock()
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	subs, err := s.subs.ListExpired(ctx, asOf, limit)
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}
	return subs, nil
}

func (s *subscriptionService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrSubscriptionNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrSubscriptionConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("subscription: repository unavailable: %w", err)
		}
	}
	return err
}

func (p SubscriptionPatch) apply(sub GroupSubscription) GroupSubscription {
	if p.Status != nil {
		sub.Status = *p.Status
	}
	if p.AcademicVacation != nil {
		sub.AcademicVacation = *p.AcademicVacation
		if !sub.AcademicVacation {
			sub.VacationBeginOn = nil
			sub.VacationEndOn = nil
		}
	}
	if p.VacationBeginOn != nil {
		sub.VacationBeginOn = cloneTime(p.VacationBeginOn)
	}
	if p.VacationEndOn != nil {
		sub.VacationEndOn = cloneTime(p.VacationEndOn)
	}
	if p.Expelled != nil {
		sub.Expelled = *p.Expelled
	}
	if p.CRMID != nil {
		sub.CRMID = optionalString(strings.TrimSpace(*p.CRMID))
	}
	if p.CRMModuleID != nil {
		sub.CRMModuleID = optionalString(strings.TrimSpace(*p.CRMModuleID))
	}
	if p.EducationBeginOn != nil {
		sub.EducationBeginOn = cloneTime(p.EducationBeginOn)
	}
	if p.EducationEndOn != nil {
		sub.EducationEndOn = cloneTime(p.EducationEndOn)
	}
	if p.BeginOn != nil {
		sub.BeginOn = cloneTime(p.BeginOn)
	}
	if p.EndOn != nil {
		sub.EndOn = cloneTime(p.EndOn)
	}
	if p.Itec != nil {
		sub.Itec = *p.Itec
	}
	if p.TransferToGroupID != nil {
		sub.TransferToGroupID = optionalString(strings.TrimSpace(*p.TransferToGroupID))
	}
	if p.Price != nil {
		sub.Price = *p.Price
	}
	if p.PriceWithDiscount != nil {
		sub.PriceWithDiscount = *p.PriceWithDiscount
	}
	return sub
}

func rowMutatingRule(name string) bool {
	switch name {
	case ruleOneTimePayment, ruleGroupChange:
		return true
	}
	return false
}

type noopUnitOfWork struct{}

func (noopUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func optionalString(v string) *string {
	if v == "" {
		return nil
	}
	ref := v
	return &ref
}

func valuePtr[T any](v T) *T {
	return &v
}
