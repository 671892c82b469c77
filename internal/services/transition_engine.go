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

const (
	ruleSuccessGuard        = "success_guard"
	ruleMeetingNotification = "meeting_notification"
	ruleOneTimePayment      = "one_time_payment"
	ruleFieldChanges        = "field_changes"
	ruleModuleGroups        = "module_groups"
	ruleCosmetologyOffers   = "cosmetology_offers"
	ruleExpulsion           = "expulsion"
	ruleGroupChange         = "group_change"
	ruleCRMSync             = "crm_sync"
	ruleItecNotification    = "itec_notification"
	ruleDistanceUpsell      = "distance_upsell"
	ruleGroupCounters       = "group_counters"

	subscriptionIDPrefix  = "sub_"
	transferIDPrefix      = "gtr_"
	changeEntryIDPrefix   = "sch_"
	defaultOneTimeMaxDays = 31
)

// ErrTransitionFailed wraps the failure of a critical rule.
var ErrTransitionFailed = errors.New("subscription transition: rule failed")

// TransitionEngineDeps bundles collaborators used by the rule table.
type TransitionEngineDeps struct {
	Subscriptions repositories.SubscriptionRepository
	Groups        repositories.GroupRepository
	Courses       repositories.CourseRepository
	Users         repositories.UserRepository
	Transfers     repositories.GroupTransferRepository
	Bonuses       repositories.BonusPaymentRepository
	Changes       repositories.SubscriptionChangeRepository
	CRM           CRMPublisher

	PromotionCourses      []string
	CosmetologyCategories []string
	DistanceCourses       []string
	OneTimePaymentMaxDays int
	// OptedOut reports whether the student declined optional mail and SMS. Defaults to the user's
	// notifications flag.
	OptedOut func(ctx context.Context, sub GroupSubscription) bool

	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type transitionRule struct {
	name     string
	critical bool
	when     func(st *transitionState) bool
	apply    func(ctx context.Context, st *transitionState) error
}

// transitionState is shared by the rules of one Apply call. Groups touched by a rule are
// recalculated by group_counters in ascending id order so concurrent saves lock them in the same
// order. The CRM message is held back until every critical rule has succeeded.
type transitionState struct {
	diff    domain.SubscriptionDiff
	course  domain.Course
	groupID string
	touched map[string]struct{}
	crm     *CRMSyncMessage
	now     time.Time
	outcome *TransitionOutcome
}

func (st *transitionState) touch(groupID string) {
	if groupID = strings.TrimSpace(groupID); groupID == "" {
		return
	}
	if st.touched == nil {
		st.touched = make(map[string]struct{})
	}
	st.touched[groupID] = struct{}{}
}

type transitionEngine struct {
	subs      repositories.SubscriptionRepository
	groups    repositories.GroupRepository
	courses   repositories.CourseRepository
	users     repositories.UserRepository
	transfers repositories.GroupTransferRepository
	bonuses   repositories.BonusPaymentRepository
	changes   repositories.SubscriptionChangeRepository
	crm       CRMPublisher

	promotion   map[string]struct{}
	cosmetology map[string]struct{}
	distance    map[string]struct{}
	oneTimeMax  int
	optedOut    func(context.Context, GroupSubscription) bool

	clock  func() time.Time
	newID  func() string
	logger func(context.Context, string, map[string]any)
	rules  []transitionRule
}

var _ TransitionEngine = (*transitionEngine)(nil)

// NewTransitionEngine builds the ordered rule table.
func NewTransitionEngine(deps TransitionEngineDeps) (TransitionEngine, error) {
	switch {
	case deps.Subscriptions == nil:
		return nil, errors.New("transition engine: subscription repository is required")
	case deps.Groups == nil:
		return nil, errors.New("transition engine: group repository is required")
	case deps.Courses == nil:
		return nil, errors.New("transition engine: course repository is required")
	case deps.Transfers == nil:
		return nil, errors.New("transition engine: group transfer repository is required")
	case deps.Bonuses == nil:
		return nil, errors.New("transition engine: bonus payment repository is required")
	case deps.Changes == nil:
		return nil, errors.New("transition engine: change journal repository is required")
	case deps.CRM == nil:
		return nil, errors.New("transition engine: crm publisher is required")
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
	oneTimeMax := deps.OneTimePaymentMaxDays
	if oneTimeMax <= 0 {
		oneTimeMax = defaultOneTimeMaxDays
	}

	e := &transitionEngine{
		subs:        deps.Subscriptions,
		groups:      deps.Groups,
		courses:     deps.Courses,
		users:       deps.Users,
		transfers:   deps.Transfers,
		bonuses:     deps.Bonuses,
		changes:     deps.Changes,
		crm:         deps.CRM,
		promotion:   toSet(deps.PromotionCourses),
		cosmetology: toSet(deps.CosmetologyCategories),
		distance:    toSet(deps.DistanceCourses),
		oneTimeMax:  oneTimeMax,
		optedOut:    deps.OptedOut,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}
	if e.optedOut == nil {
		e.optedOut = e.userOptedOut
	}
	e.rules = e.buildRules()
	return e, nil
}

func (e *transitionEngine) buildRules() []transitionRule {
	return []transitionRule{
		{
			name:     ruleSuccessGuard,
			critical: true,
			when: func(st *transitionState) bool {
				return st.diff.StatusBecame(domain.SubscriptionStatusSuccess) && !st.diff.After.DoubleCreated
			},
			apply: e.markSuccess,
		},
		{
			name: ruleMeetingNotification,
			when: func(st *transitionState) bool {
				return st.diff.StatusBecame(domain.SubscriptionStatusMeeting)
			},
			apply: func(ctx context.Context, st *transitionState) error {
				e.notify(ctx, st, domain.NotificationMeetingStatus, true)
				return nil
			},
		},
		{
			name: ruleOneTimePayment,
			when: func(st *transitionState) bool {
				return st.diff.EducationDatesChanged() && inSet(e.promotion, st.course.ShortName)
			},
			apply: e.updateOneTimePayment,
		},
		{
			name:     ruleFieldChanges,
			critical: true,
			when: func(st *transitionState) bool {
				return len(st.diff.ChangedFields()) > 0
			},
			apply: e.journalChanges,
		},
		{
			name:     ruleModuleGroups,
			critical: true,
			when: func(st *transitionState) bool {
				return nonEmpty(st.diff.After.CRMModuleID) && st.diff.StatusBecame(domain.SubscriptionStatusSuccess)
			},
			apply: e.buildModuleSubscriptions,
		},
		{
			name: ruleCosmetologyOffers,
			when: func(st *transitionState) bool {
				return st.diff.StatusBecame(domain.SubscriptionStatusSuccess) && inSet(e.cosmetology, st.course.Category)
			},
			apply: func(ctx context.Context, st *transitionState) error {
				e.notify(ctx, st, domain.NotificationCosmetologyOffers, false)
				return nil
			},
		},
		{
			name:     ruleExpulsion,
			critical: true,
			when: func(st *transitionState) bool {
				return st.diff.ExpelledBecameTrue()
			},
			apply: e.expel,
		},
		{
			name:     ruleGroupChange,
			critical: true,
			when: func(st *transitionState) bool {
				return st.diff.GroupTransferRequested()
			},
			apply: e.changeGroup,
		},
		{
			name:     ruleCRMSync,
			critical: true,
			when: func(st *transitionState) bool {
				return !st.diff.Created() && nonEmpty(st.diff.After.CRMID) && st.diff.Changed(domain.CRMTrackedFields...)
			},
			apply: e.syncCRM,
		},
		{
			name: ruleItecNotification,
			when: func(st *transitionState) bool {
				return st.diff.ItecBecameTrue()
			},
			apply: func(ctx context.Context, st *transitionState) error {
				if e.optedOut(ctx, st.diff.After) {
					return nil
				}
				e.notify(ctx, st, domain.NotificationItecEmail, false)
				e.notify(ctx, st, domain.NotificationItecSMS, false)
				return nil
			},
		},
		{
			name: ruleDistanceUpsell,
			when: func(st *transitionState) bool {
				return inSet(e.distance, st.course.ShortName) && st.diff.StatusBecame(domain.SubscriptionStatusSuccess)
			},
			apply: func(ctx context.Context, st *transitionState) error {
				e.notify(ctx, st, domain.NotificationDistanceUpsell, false)
				return nil
			},
		},
		{
			name:     ruleGroupCounters,
			critical: true,
			when: func(*transitionState) bool {
				return true
			},
			apply: e.recalculateCounters,
		},
	}
}

// Apply runs every matching rule in table order. It must be called inside the transaction that
// persisted diff.After.
func (e *transitionEngine) Apply(ctx context.Context, diff domain.SubscriptionDiff) (TransitionOutcome, error) {
	outcome := TransitionOutcome{}
	st := &transitionState{
		diff:    diff,
		course:  e.loadCourse(ctx, diff.After),
		groupID: diff.After.GroupID,
		now:     e.clock(),
		outcome: &outcome,
	}

	for _, rule := range e.rules {
		if !rule.when(st) {
			continue
		}
		if err := rule.apply(ctx, st); err != nil {
			if rule.critical {
				return outcome, fmt.Errorf("%w: %s: %w", ErrTransitionFailed, rule.name, err)
			}
			e.logger(ctx, "subscription.transition.rule_failed", map[string]any{
				"rule":         rule.name,
				"subscription": diff.After.ID,
				"error":        err.Error(),
			})
			continue
		}
		outcome.Fired = append(outcome.Fired, rule.name)
	}
	if st.crm != nil {
		if _, err := e.crm.PublishSubscriptionSync(ctx, *st.crm); err != nil {
			return outcome, fmt.Errorf("%w: %s: %w", ErrTransitionFailed, ruleCRMSync, err)
		}
	}
	return outcome, nil
}

// AfterDestroy keeps the owning group's counters in line after a subscription is removed.
func (e *transitionEngine) AfterDestroy(ctx context.Context, sub GroupSubscription) (TransitionOutcome, error) {
	outcome := TransitionOutcome{}
	st := &transitionState{
		diff:    domain.SubscriptionDiff{After: sub},
		groupID: sub.GroupID,
		now:     e.clock(),
		outcome: &outcome,
	}
	if err := e.recalculateCounters(ctx, st); err != nil {
		return outcome, fmt.Errorf("%w: %s: %w", ErrTransitionFailed, ruleGroupCounters, err)
	}
	outcome.Fired = append(outcome.Fired, ruleGroupCounters)
	return outcome, nil
}

func (e *transitionEngine) markSuccess(ctx context.Context, st *transitionState) error {
	won, err := e.subs.MarkSuccessOnce(ctx, st.diff.After.ID, st.now)
	if err != nil {
		return err
	}
	st.outcome.SuccessMarked = won
	return nil
}

func (e *transitionEngine) updateOneTimePayment(ctx context.Context, st *transitionState) error {
	sub := st.diff.After
	value := false
	if sub.EducationBeginOn != nil && sub.EducationEndOn != nil {
		days := int(sub.EducationEndOn.Sub(*sub.EducationBeginOn).Hours() / 24)
		value = days >= 0 && days <= e.oneTimeMax
	}
	if value == sub.OneTimePayment {
		return nil
	}
	return e.subs.SetOneTimePayment(ctx, sub.ID, value)
}

func (e *transitionEngine) journalChanges(ctx context.Context, st *transitionState) error {
	fields := st.diff.ChangedFields()
	entries := make([]domain.SubscriptionChange, 0, len(fields))
	for _, field := range fields {
		change, _ := st.diff.Change(field)
		if change.From == change.To {
			continue
		}
		entries = append(entries, domain.SubscriptionChange{
			ID:             changeEntryIDPrefix + e.newID(),
			SubscriptionID: st.diff.After.ID,
			Field:          field,
			From:           change.From,
			To:             change.To,
			ChangedAt:      st.now,
		})
	}
	return e.changes.Append(ctx, entries)
}

func (e *transitionEngine) buildModuleSubscriptions(ctx context.Context, st *transitionState) error {
	parent := st.diff.After
	groups, err := e.groups.ListByCRMModule(ctx, *parent.CRMModuleID)
	if err != nil {
		return err
	}
	existing, err := e.subs.ListByParent(ctx, parent.ID)
	if err != nil {
		return err
	}
	taken := make(map[string]struct{}, len(existing))
	for _, child := range existing {
		taken[child.GroupID] = struct{}{}
	}

	for _, group := range groups {
		if group.ID == parent.GroupID {
			continue
		}
		if _, ok := taken[group.ID]; ok {
			continue
		}
		parentID := parent.ID
		child := domain.GroupSubscription{
			ID:               subscriptionIDPrefix + e.newID(),
			OrderID:          parent.OrderID,
			ParentID:         &parentID,
			StudentID:        parent.StudentID,
			GroupID:          group.ID,
			CourseID:         group.CourseID,
			Status:           domain.SubscriptionStatusInProgress,
			EducationBeginOn: parent.EducationBeginOn,
			EducationEndOn:   parent.EducationEndOn,
			BeginOn:          parent.BeginOn,
			EndOn:            parent.EndOn,
			CreatedAt:        st.now,
			UpdatedAt:        st.now,
		}
		if err := e.subs.Insert(ctx, child); err != nil {
			return err
		}
		st.touch(group.ID)
	}
	return nil
}

func (e *transitionEngine) expel(ctx context.Context, st *transitionState) error {
	sub := st.diff.After
	if err := e.groups.ExpelStudent(ctx, sub.GroupID, sub.StudentID, st.now); err != nil {
		return err
	}
	if err := e.subs.MarkExpelledByParent(ctx, sub.ID); err != nil {
		return err
	}
	children, err := e.subs.ListByParent(ctx, sub.ID)
	if err != nil {
		return err
	}
	for _, child := range children {
		st.touch(child.GroupID)
	}
	reversed, err := e.bonuses.ReverseBySubscription(ctx, sub.ID, st.now)
	if err != nil {
		return err
	}
	if reversed > 0 {
		e.logger(ctx, "subscription.bonuses.reversed", map[string]any{
			"subscription": sub.ID,
			"count":        reversed,
		})
	}
	return nil
}

func (e *transitionEngine) changeGroup(ctx context.Context, st *transitionState) error {
	sub := st.diff.After
	target := strings.TrimSpace(*sub.TransferToGroupID)
	if _, err := e.groups.FindByID(ctx, target); err != nil {
		return err
	}
	transfer := domain.GroupTransfer{
		ID:             transferIDPrefix + e.newID(),
		SubscriptionID: sub.ID,
		FromGroupID:    sub.GroupID,
		ToGroupID:      target,
		CreatedAt:      st.now,
	}
	if err := e.transfers.Insert(ctx, transfer); err != nil {
		return err
	}
	if err := e.subs.MoveToGroup(ctx, sub.ID, target); err != nil {
		return err
	}
	st.touch(sub.GroupID)
	st.groupID = target
	return nil
}

func (e *transitionEngine) syncCRM(ctx context.Context, st *transitionState) error {
	sub := st.diff.After
	changes := make(map[string]string)
	for _, field := range domain.CRMTrackedFields {
		if change, ok := st.diff.Change(field); ok {
			changes[field] = change.To
		}
	}
	st.crm = &CRMSyncMessage{
		SubscriptionID: sub.ID,
		CRMID:          *sub.CRMID,
		Status:         string(sub.Status),
		GroupID:        st.groupID,
		Changes:        changes,
		OccurredAt:     st.now,
	}
	return nil
}

// recalculateCounters refreshes the owning group and every group touched by an earlier rule.
func (e *transitionEngine) recalculateCounters(ctx context.Context, st *transitionState) error {
	owner := strings.TrimSpace(st.groupID)
	st.touch(owner)
	ids := make([]string, 0, len(st.touched))
	for id := range st.touched {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		counters, err := e.groups.RecalculateCounters(ctx, id, st.now)
		if err != nil {
			return err
		}
		if id == owner {
			st.outcome.Counters = &counters
		}
	}
	return nil
}

// notify defers a notification to after commit. Opt-outs apply only when honourOptOut is set.
func (e *transitionEngine) notify(ctx context.Context, st *transitionState, kind domain.NotificationKind, honourOptOut bool) {
	sub := st.diff.After
	if honourOptOut && e.optedOut(ctx, sub) {
		return
	}
	n := domain.Notification{
		Kind:           kind,
		UserID:         sub.StudentID,
		SubscriptionID: sub.ID,
		Data: map[string]string{
			"groupId":  st.groupID,
			"courseId": sub.CourseID,
		},
	}
	if sub.OrderID != nil {
		n.OrderID = *sub.OrderID
	}
	if st.course.Title != "" {
		n.Data["courseTitle"] = st.course.Title
	}
	st.outcome.Notifications = append(st.outcome.Notifications, n)
}

func (e *transitionEngine) loadCourse(ctx context.Context, sub GroupSubscription) domain.Course {
	if strings.TrimSpace(sub.CourseID) == "" {
		return domain.Course{}
	}
	course, err := e.courses.FindByID(ctx, sub.CourseID)
	if err != nil {
		e.logger(ctx, "subscription.transition.course_lookup_failed", map[string]any{
			"subscription": sub.ID,
			"course":       sub.CourseID,
			"error":        err.Error(),
		})
		return domain.Course{}
	}
	return course
}

func (e *transitionEngine) userOptedOut(ctx context.Context, sub GroupSubscription) bool {
	if e.users == nil {
		return false
	}
	user, err := e.users.FindByID(ctx, sub.StudentID)
	if err != nil {
		return false
	}
	return user.NotificationsDisabled
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			set[strings.ToLower(v)] = struct{}{}
		}
	}
	return set
}

func inSet(set map[string]struct{}, value string) bool {
	value = strings.ToLower(strings.TrimSpace(value))
	if value == "" {
		return false
	}
	_, ok := set[value]
	return ok
}

func nonEmpty(v *string) bool {
	return v != nil && strings.TrimSpace(*v) != ""
}

// ruleNames lists the rule table order.
func (e *transitionEngine) ruleNames() []string {
	names := make([]string, 0, len(e.rules))
	for _, rule := range e.rules {
		names = append(names, rule.name)
	}
	return slices.Clip(names)
}
