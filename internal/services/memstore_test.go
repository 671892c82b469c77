package services

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	domain "github.com/courseshop/api/internal/domain"
	"github.com/courseshop/api/internal/repositories"
)

// memRepoError mimics the categorised errors returned by the storage adapters.
type memRepoError struct {
	op       string
	notFound bool
	conflict bool
}

func (e *memRepoError) Error() string {
	switch {
	case e.notFound:
		return e.op + ": not found"
	case e.conflict:
		return e.op + ": conflict"
	}
	return e.op + ": failed"
}

func (e *memRepoError) IsNotFound() bool    { return e.notFound }
func (e *memRepoError) IsConflict() bool    { return e.conflict }
func (e *memRepoError) IsUnavailable() bool { return false }

func memNotFound(op string) error { return &memRepoError{op: op, notFound: true} }
func memConflict(op string) error { return &memRepoError{op: op, conflict: true} }

// memStore is an in-memory relational store whose RunInTx rolls every table back when fn fails.
type memStore struct {
	mu sync.Mutex

	orders    map[string]domain.Order
	subs      map[string]domain.GroupSubscription
	subOrder  []string
	groups    map[string]domain.Group
	courses   map[string]domain.Course
	users     map[string]domain.User
	docs      map[string]domain.SubscriptionDocument
	docOrder  []string
	transfers []domain.GroupTransfer
	receipts  map[string]domain.PaymentReceipt
	changes   []domain.SubscriptionChange
	bonuses   map[string]int64
	expelled  []string
	locks     []string
	calls     []string
	fail      map[string]error

	txCount   int
	txDepth   int
	rollbacks int
}

type memSnapshot struct {
	orders    map[string]domain.Order
	subs      map[string]domain.GroupSubscription
	subOrder  []string
	groups    map[string]domain.Group
	docs      map[string]domain.SubscriptionDocument
	docOrder  []string
	transfers []domain.GroupTransfer
	receipts  map[string]domain.PaymentReceipt
	changes   []domain.SubscriptionChange
	bonuses   map[string]int64
	expelled  []string
}

func newMemStore() *memStore {
	return &memStore{
		orders:   map[string]domain.Order{},
		subs:     map[string]domain.GroupSubscription{},
		groups:   map[string]domain.Group{},
		courses:  map[string]domain.Course{},
		users:    map[string]domain.User{},
		docs:     map[string]domain.SubscriptionDocument{},
		receipts: map[string]domain.PaymentReceipt{},
		bonuses:  map[string]int64{},
		fail:     map[string]error{},
	}
}

func (m *memStore) failOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail[op] = err
}

// record logs the call and returns the injected failure for op, if any. Caller holds mu.
func (m *memStore) record(op string) error {
	m.calls = append(m.calls, op)
	return m.fail[op]
}

func (m *memStore) called(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c == op {
			n++
		}
	}
	return n
}

// recalculated lists the groups whose counters were recalculated, in call order.
func (m *memStore) recalculated() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, c := range m.calls {
		if id, ok := strings.CutPrefix(c, "groups.recalculate:"); ok {
			out = append(out, id)
		}
	}
	return out
}

func (m *memStore) snapshot() memSnapshot {
	return memSnapshot{
		orders:    maps.Clone(m.orders),
		subs:      maps.Clone(m.subs),
		subOrder:  slices.Clone(m.subOrder),
		groups:    maps.Clone(m.groups),
		docs:      maps.Clone(m.docs),
		docOrder:  slices.Clone(m.docOrder),
		transfers: slices.Clone(m.transfers),
		receipts:  maps.Clone(m.receipts),
		changes:   slices.Clone(m.changes),
		bonuses:   maps.Clone(m.bonuses),
		expelled:  slices.Clone(m.expelled),
	}
}

func (m *memStore) restore(s memSnapshot) {
	m.orders = s.orders
	m.subs = s.subs
	m.subOrder = s.subOrder
	m.groups = s.groups
	m.docs = s.docs
	m.docOrder = s.docOrder
	m.transfers = s.transfers
	m.receipts = s.receipts
	m.changes = s.changes
	m.bonuses = s.bonuses
	m.expelled = s.expelled
}

func (m *memStore) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	m.mu.Lock()
	if m.txDepth > 0 {
		m.mu.Unlock()
		return fn(ctx)
	}
	m.txCount++
	m.txDepth++
	snap := m.snapshot()
	m.mu.Unlock()

	err := fn(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.txDepth--
	if err != nil {
		m.rollbacks++
		m.restore(snap)
	}
	return err
}

func (m *memStore) putSubscription(sub domain.GroupSubscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID]; !ok {
		m.subOrder = append(m.subOrder, sub.ID)
	}
	m.subs[sub.ID] = sub
}

func (m *memStore) subscription(id string) domain.GroupSubscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subs[id]
}

func (m *memStore) documents(subID string) []domain.SubscriptionDocument {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.SubscriptionDocument
	for _, id := range m.docOrder {
		if doc, ok := m.docs[id]; ok && doc.SubscriptionID == subID {
			out = append(out, doc)
		}
	}
	return out
}

// Orders ---------------------------------------------------------------------

type memOrders struct{ *memStore }

func (r memOrders) Insert(_ context.Context, order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("orders.insert"); err != nil {
		return err
	}
	if _, ok := r.orders[order.ID]; ok {
		return memConflict("orders.insert")
	}
	order.Subscriptions = nil
	r.orders[order.ID] = order
	return nil
}

func (r memOrders) FindByID(_ context.Context, orderID string) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.find(orderID)
}

func (r memOrders) FindForUpdate(_ context.Context, orderID string) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.locks = append(r.locks, "order:"+orderID)
	return r.find(orderID)
}

func (r memOrders) find(orderID string) (domain.Order, error) {
	order, ok := r.orders[orderID]
	if !ok {
		return domain.Order{}, memNotFound("orders.find")
	}
	for _, id := range r.subOrder {
		sub, ok := r.subs[id]
		if ok && sub.OrderID != nil && *sub.OrderID == orderID {
			order.Subscriptions = append(order.Subscriptions, sub)
		}
	}
	return order, nil
}

func (r memOrders) UpdateStatus(_ context.Context, orderID string, status domain.OrderStatus, paidAt *time.Time, reference string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("orders.update_status"); err != nil {
		return err
	}
	order, ok := r.orders[orderID]
	if !ok {
		return memNotFound("orders.update_status")
	}
	order.Status = status
	order.PaidAt = paidAt
	if reference != "" {
		order.ProviderReference = reference
	}
	r.orders[orderID] = order
	return nil
}

func (r memOrders) SetReceipt(_ context.Context, orderID, receiptID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("orders.set_receipt"); err != nil {
		return err
	}
	order, ok := r.orders[orderID]
	if !ok {
		return memNotFound("orders.set_receipt")
	}
	order.ReceiptID = &receiptID
	r.orders[orderID] = order
	return nil
}

// Subscriptions --------------------------------------------------------------

type memSubscriptions struct{ *memStore }

func (r memSubscriptions) Insert(_ context.Context, sub domain.GroupSubscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("subscriptions.insert"); err != nil {
		return err
	}
	if _, ok := r.subs[sub.ID]; ok {
		return memConflict("subscriptions.insert")
	}
	r.subOrder = append(r.subOrder, sub.ID)
	r.subs[sub.ID] = sub
	return nil
}

func (r memSubscriptions) Update(_ context.Context, sub domain.GroupSubscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("subscriptions.update"); err != nil {
		return err
	}
	current, ok := r.subs[sub.ID]
	if !ok {
		return memNotFound("subscriptions.update")
	}
	sub.DoubleCreated = current.DoubleCreated
	sub.SaleSuccessOn = current.SaleSuccessOn
	sub.CreatedAt = current.CreatedAt
	r.subs[sub.ID] = sub
	return nil
}

func (r memSubscriptions) Delete(_ context.Context, subscriptionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("subscriptions.delete"); err != nil {
		return err
	}
	if _, ok := r.subs[subscriptionID]; !ok {
		return memNotFound("subscriptions.delete")
	}
	delete(r.subs, subscriptionID)
	return nil
}

func (r memSubscriptions) FindByID(_ context.Context, subscriptionID string) (domain.GroupSubscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.subs[subscriptionID]
	if !ok {
		return domain.GroupSubscription{}, memNotFound("subscriptions.find")
	}
	return sub, nil
}

func (r memSubscriptions) FindForUpdate(_ context.Context, subscriptionID string) (domain.GroupSubscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.locks = append(r.locks, "subscription:"+subscriptionID)
	if err := r.record("subscriptions.find_for_update"); err != nil {
		return domain.GroupSubscription{}, err
	}
	sub, ok := r.subs[subscriptionID]
	if !ok {
		return domain.GroupSubscription{}, memNotFound("subscriptions.find_for_update")
	}
	return sub, nil
}

func (r memSubscriptions) filter(match func(domain.GroupSubscription) bool) []domain.GroupSubscription {
	var out []domain.GroupSubscription
	for _, id := range r.subOrder {
		sub, ok := r.subs[id]
		if ok && match(sub) {
			out = append(out, sub)
		}
	}
	return out
}

func (r memSubscriptions) ListByOrder(_ context.Context, orderID string) ([]domain.GroupSubscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.filter(func(s domain.GroupSubscription) bool { return s.OrderID != nil && *s.OrderID == orderID }), nil
}

func (r memSubscriptions) ListByParent(_ context.Context, parentID string) ([]domain.GroupSubscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.filter(func(s domain.GroupSubscription) bool { return s.ParentID != nil && *s.ParentID == parentID }), nil
}

func (r memSubscriptions) ListExpired(_ context.Context, asOf time.Time, limit int) ([]domain.GroupSubscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.filter(func(s domain.GroupSubscription) bool { return s.Expired(asOf) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r memSubscriptions) ListRequiringStudentDocs(_ context.Context, afterID string, limit int) ([]domain.GroupSubscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("subscriptions.list_requiring_docs"); err != nil {
		return nil, err
	}
	out := r.filter(func(s domain.GroupSubscription) bool {
		return s.ID > afterID && !s.Expelled && r.courses[s.CourseID].StudentDocsRequired
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r memSubscriptions) CRMIDTaken(_ context.Context, crmID, excludeSubscriptionID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, sub := range r.subs {
		if id != excludeSubscriptionID && sub.CRMID != nil && *sub.CRMID == crmID {
			return true, nil
		}
	}
	return false, nil
}

func (r memSubscriptions) MarkSuccessOnce(_ context.Context, subscriptionID string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("subscriptions.mark_success_once"); err != nil {
		return false, err
	}
	sub, ok := r.subs[subscriptionID]
	if !ok || sub.DoubleCreated {
		return false, nil
	}
	sub.DoubleCreated = true
	sub.SaleSuccessOn = &at
	r.subs[subscriptionID] = sub
	return true, nil
}

func (r memSubscriptions) StampPendingPayment(_ context.Context, orderID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("subscriptions.stamp_pending_payment"); err != nil {
		return err
	}
	for id, sub := range r.subs {
		if sub.OrderID != nil && *sub.OrderID == orderID {
			stamp := at
			sub.PendingPaymentAt = &stamp
			r.subs[id] = sub
		}
	}
	return nil
}

func (r memSubscriptions) ClearPendingPayment(_ context.Context, orderID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("subscriptions.clear_pending_payment"); err != nil {
		return err
	}
	for id, sub := range r.subs {
		if sub.OrderID != nil && *sub.OrderID == orderID {
			sub.PendingPaymentAt = nil
			r.subs[id] = sub
		}
	}
	return nil
}

func (r memSubscriptions) MarkExpelledByParent(_ context.Context, parentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("subscriptions.mark_expelled_by_parent"); err != nil {
		return err
	}
	for id, sub := range r.subs {
		if sub.ParentID != nil && *sub.ParentID == parentID {
			sub.Expelled = true
			r.subs[id] = sub
		}
	}
	return nil
}

func (r memSubscriptions) SetOneTimePayment(_ context.Context, subscriptionID string, value bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("subscriptions.set_one_time_payment"); err != nil {
		return err
	}
	sub, ok := r.subs[subscriptionID]
	if !ok {
		return memNotFound("subscriptions.set_one_time_payment")
	}
	sub.OneTimePayment = value
	r.subs[subscriptionID] = sub
	return nil
}

func (r memSubscriptions) MoveToGroup(_ context.Context, subscriptionID, groupID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("subscriptions.move_to_group"); err != nil {
		return err
	}
	sub, ok := r.subs[subscriptionID]
	if !ok {
		return memNotFound("subscriptions.move_to_group")
	}
	sub.GroupID = groupID
	sub.TransferToGroupID = nil
	r.subs[subscriptionID] = sub
	return nil
}

// Groups ---------------------------------------------------------------------

type memGroups struct{ *memStore }

func (r memGroups) FindByID(_ context.Context, groupID string) (domain.Group, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	group, ok := r.groups[groupID]
	if !ok {
		return domain.Group{}, memNotFound("groups.find")
	}
	return group, nil
}

func (r memGroups) ListByCRMModule(_ context.Context, crmModuleID string) ([]domain.Group, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Group
	for _, group := range r.groups {
		if group.CRMModuleID != nil && *group.CRMModuleID == crmModuleID {
			out = append(out, group)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r memGroups) RecalculateCounters(_ context.Context, groupID string, asOf time.Time) (domain.GroupCounters, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, "groups.recalculate:"+groupID)
	if err := r.fail["groups.recalculate"]; err != nil {
		return domain.GroupCounters{}, err
	}
	group, ok := r.groups[groupID]
	if !ok {
		return domain.GroupCounters{}, memNotFound("groups.recalculate")
	}
	var c domain.GroupCounters
	for _, sub := range r.subs {
		if sub.GroupID != groupID {
			continue
		}
		c.StudentsCount++
		switch {
		case sub.Expelled:
			c.ExpelledCount++
			continue
		case sub.OnVacation(asOf):
			c.VacationCount++
		default:
			c.ActiveCount++
		}
		if sub.Status == domain.SubscriptionStatusSuccess {
			c.SuccessCount++
		}
	}
	group.StudentsCount = c.StudentsCount
	group.ActiveCount = c.ActiveCount
	group.ExpelledCount = c.ExpelledCount
	group.VacationCount = c.VacationCount
	group.SuccessCount = c.SuccessCount
	r.groups[groupID] = group
	return c, nil
}

func (r memGroups) ExpelStudent(_ context.Context, groupID, studentID string, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("groups.expel_student"); err != nil {
		return err
	}
	r.expelled = append(r.expelled, groupID+"/"+studentID)
	return nil
}

// Catalog ---------------------------------------------------------------------

type memCourses struct{ *memStore }

func (r memCourses) FindByID(_ context.Context, courseID string) (domain.Course, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	course, ok := r.courses[courseID]
	if !ok {
		return domain.Course{}, memNotFound("courses.find")
	}
	return course, nil
}

type memUsers struct{ *memStore }

func (r memUsers) FindByID(_ context.Context, userID string) (domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	user, ok := r.users[userID]
	if !ok {
		return domain.User{}, memNotFound("users.find")
	}
	return user, nil
}

func (r memUsers) FindByFirebaseUID(_ context.Context, uid string) (domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, user := range r.users {
		if user.FirebaseUID == uid {
			return user, nil
		}
	}
	return domain.User{}, memNotFound("users.find_by_firebase_uid")
}

func (r memUsers) RecordMissingDocsMailing(_ context.Context, userID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("users.record_missing_docs_mailing"); err != nil {
		return err
	}
	user, ok := r.users[userID]
	if !ok {
		return memNotFound("users.record_missing_docs_mailing")
	}
	user.LastMissingDocsMailAt = &at
	r.users[userID] = user
	return nil
}

// Documents ------------------------------------------------------------------

type memDocuments struct{ *memStore }

func (r memDocuments) ListBySubscription(_ context.Context, subscriptionID string) ([]domain.SubscriptionDocument, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.SubscriptionDocument
	for _, id := range r.docOrder {
		if doc, ok := r.docs[id]; ok && doc.SubscriptionID == subscriptionID {
			out = append(out, doc)
		}
	}
	return out, nil
}

func (r memDocuments) CountBySubscription(ctx context.Context, subscriptionID string) (int64, error) {
	docs, err := r.ListBySubscription(ctx, subscriptionID)
	return int64(len(docs)), err
}

func (r memDocuments) Insert(_ context.Context, doc domain.SubscriptionDocument) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("documents.insert:" + string(doc.Kind)); err != nil {
		return err
	}
	if _, ok := r.docs[doc.ID]; ok {
		return memConflict("documents.insert")
	}
	r.docOrder = append(r.docOrder, doc.ID)
	r.docs[doc.ID] = doc
	return nil
}

func (r memDocuments) Update(_ context.Context, doc domain.SubscriptionDocument) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("documents.update:" + string(doc.Kind)); err != nil {
		return err
	}
	if _, ok := r.docs[doc.ID]; !ok {
		return memNotFound("documents.update")
	}
	r.docs[doc.ID] = doc
	return nil
}

func (r memDocuments) Delete(_ context.Context, documentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("documents.delete"); err != nil {
		return err
	}
	if _, ok := r.docs[documentID]; !ok {
		return memNotFound("documents.delete")
	}
	delete(r.docs, documentID)
	return nil
}

// Ledgers --------------------------------------------------------------------

type memTransfers struct{ *memStore }

func (r memTransfers) Insert(_ context.Context, transfer domain.GroupTransfer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("transfers.insert"); err != nil {
		return err
	}
	r.transfers = append(r.transfers, transfer)
	return nil
}

func (r memTransfers) ListBySubscription(_ context.Context, subscriptionID string) ([]domain.GroupTransfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.GroupTransfer
	for _, t := range r.transfers {
		if t.SubscriptionID == subscriptionID {
			out = append(out, t)
		}
	}
	return out, nil
}

type memReceipts struct{ *memStore }

func (r memReceipts) Insert(_ context.Context, receipt domain.PaymentReceipt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("receipts.insert"); err != nil {
		return err
	}
	r.receipts[receipt.ID] = receipt
	return nil
}

func (r memReceipts) FindByOrder(_ context.Context, orderID string) (domain.PaymentReceipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, receipt := range r.receipts {
		if receipt.OrderID == orderID {
			return receipt, nil
		}
	}
	return domain.PaymentReceipt{}, memNotFound("receipts.find_by_order")
}

func (r memReceipts) SetObjectPath(_ context.Context, receiptID, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("receipts.set_object_path"); err != nil {
		return err
	}
	receipt, ok := r.receipts[receiptID]
	if !ok {
		return memNotFound("receipts.set_object_path")
	}
	receipt.ObjectPath = path
	r.receipts[receiptID] = receipt
	return nil
}

type memBonuses struct{ *memStore }

func (r memBonuses) ReverseBySubscription(_ context.Context, subscriptionID string, _ time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("bonuses.reverse"); err != nil {
		return 0, err
	}
	n := r.bonuses[subscriptionID]
	r.bonuses[subscriptionID] = 0
	return n, nil
}

type memChanges struct{ *memStore }

func (r memChanges) Append(_ context.Context, changes []domain.SubscriptionChange) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.record("changes.append"); err != nil {
		return err
	}
	r.changes = append(r.changes, changes...)
	return nil
}

// Messaging ------------------------------------------------------------------

type recordingCRM struct {
	mu       sync.Mutex
	messages []CRMSyncMessage
	err      error
}

func (c *recordingCRM) PublishSubscriptionSync(_ context.Context, msg CRMSyncMessage) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return "", c.err
	}
	c.messages = append(c.messages, msg)
	return "crm-msg", nil
}

type recordingDispatcher struct {
	mu   sync.Mutex
	sent []Notification
}

func (d *recordingDispatcher) Dispatch(_ context.Context, notifications ...Notification) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, notifications...)
}

func (d *recordingDispatcher) kinds() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.sent))
	for _, n := range d.sent {
		out = append(out, string(n.Kind))
	}
	return out
}

func sequentialIDs(prefix string) func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%s%03d", prefix, n)
	}
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func dayPtr(year int, month time.Month, day int) *time.Time {
	t := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	return &t
}

func strPtr(v string) *string { return &v }

var errInjected = errors.New("injected failure")

var (
	_ repositories.UnitOfWork                   = (*memStore)(nil)
	_ repositories.OrderRepository              = memOrders{}
	_ repositories.SubscriptionRepository       = memSubscriptions{}
	_ repositories.GroupRepository              = memGroups{}
	_ repositories.CourseRepository             = memCourses{}
	_ repositories.UserRepository               = memUsers{}
	_ repositories.DocumentRepository           = memDocuments{}
	_ repositories.GroupTransferRepository      = memTransfers{}
	_ repositories.ReceiptRepository            = memReceipts{}
	_ repositories.BonusPaymentRepository       = memBonuses{}
	_ repositories.SubscriptionChangeRepository = memChanges{}
	_ repositories.RepositoryError              = (*memRepoError)(nil)
)
