package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/courseshop/api/internal/domain"
	"github.com/courseshop/api/internal/platform/storage"
	"github.com/courseshop/api/internal/repositories"
)

const documentIDPrefix = "doc_"

// ErrDocumentCascadeFailed wraps a failed cascade step.
var ErrDocumentCascadeFailed = errors.New("documents: cascade failed")

// ObjectWriter stores rendered artifacts. *storage.Writer satisfies it.
type ObjectWriter interface {
	WriteObject(ctx context.Context, objectPath, contentType string, data []byte) error
	DeleteObject(ctx context.Context, objectPath string) error
}

// DocumentCascadeDeps bundles collaborators of the document cascade.
type DocumentCascadeDeps struct {
	Subscriptions repositories.SubscriptionRepository
	Documents     repositories.DocumentRepository
	Courses       repositories.CourseRepository
	Users         repositories.UserRepository
	Groups        repositories.GroupRepository
	Transfers     repositories.GroupTransferRepository
	Receipts      repositories.ReceiptRepository
	Renderer      DocumentRenderer
	Writer        ObjectWriter
	UnitOfWork    repositories.UnitOfWork
	Clock         func() time.Time
	IDGenerator   func() string
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

type documentCascade struct {
	subs       repositories.SubscriptionRepository
	documents  repositories.DocumentRepository
	courses    repositories.CourseRepository
	users      repositories.UserRepository
	groups     repositories.GroupRepository
	transfers  repositories.GroupTransferRepository
	receipts   repositories.ReceiptRepository
	renderer   DocumentRenderer
	writer     ObjectWriter
	unitOfWork repositories.UnitOfWork
	clock      func() time.Time
	newID      func() string
	logger     func(context.Context, string, map[string]any)
}

var (
	_ DocumentCascade  = (*documentCascade)(nil)
	_ ReceiptPublisher = (*documentCascade)(nil)
)

// cascadeState is loaded once under the subscription lock and shared by the steps. Object writes
// and deletes are queued and only reach the bucket after the transaction commits.
type cascadeState struct {
	sub     GroupSubscription
	course  domain.Course
	user    domain.User
	docs    []SubscriptionDocument
	now     time.Time
	writes  []pendingObject
	deletes []SubscriptionDocument
}

type pendingObject struct {
	doc     SubscriptionDocument
	created bool
	content []byte
}

type cascadeStep struct {
	name string
	run  func(ctx context.Context, st *cascadeState) ([]DocumentOutcome, error)
}

// NewDocumentCascade constructs the cascade. It doubles as the receipt publisher.
func NewDocumentCascade(deps DocumentCascadeDeps) (*documentCascade, error) {
	switch {
	case deps.Subscriptions == nil:
		return nil, errors.New("document cascade: subscription repository is required")
	case deps.Documents == nil:
		return nil, errors.New("document cascade: document repository is required")
	case deps.Courses == nil:
		return nil, errors.New("document cascade: course repository is required")
	case deps.Users == nil:
		return nil, errors.New("document cascade: user repository is required")
	case deps.Transfers == nil:
		return nil, errors.New("document cascade: group transfer repository is required")
	case deps.Writer == nil:
		return nil, errors.New("document cascade: object writer is required")
	}

	renderer := deps.Renderer
	if renderer == nil {
		r, err := NewHTMLDocumentRenderer()
		if err != nil {
			return nil, err
		}
		renderer = r
	}
	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
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

	return &documentCascade{
		subs:       deps.Subscriptions,
		documents:  deps.Documents,
		courses:    deps.Courses,
		users:      deps.Users,
		groups:     deps.Groups,
		transfers:  deps.Transfers,
		receipts:   deps.Receipts,
		renderer:   renderer,
		writer:     deps.Writer,
		unitOfWork: unit,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

// Regenerate brings the document set of one subscription in line with its current state. The
// subscription row stays locked until every step has finished or the first one has failed.
func (c *documentCascade) Regenerate(ctx context.Context, subscriptionID string) (CascadeReport, error) {
	id := strings.TrimSpace(subscriptionID)
	if id == "" {
		return CascadeReport{}, fmt.Errorf("%w: subscription id is required", ErrDocumentCascadeFailed)
	}

	report := CascadeReport{SubscriptionID: id}
	var st *cascadeState
	err := c.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		report.Outcomes = nil
		loaded, err := c.load(txCtx, id)
		if err != nil {
			return err
		}
		st = loaded
		for _, step := range c.steps() {
			outcomes, err := step.run(txCtx, st)
			if err != nil {
				return fmt.Errorf("%w: %s: %w", ErrDocumentCascadeFailed, step.name, err)
			}
			report.Outcomes = append(report.Outcomes, outcomes...)
		}
		return nil
	})
	if err != nil {
		return CascadeReport{SubscriptionID: id}, err
	}

	if err := c.flushObjects(ctx, st); err != nil {
		return report, err
	}
	c.logger(ctx, "documents.regenerated", map[string]any{
		"subscription": id,
		"outcomes":     len(report.Outcomes),
	})
	return report, nil
}

// flushObjects stores the rendered objects of a committed cascade. A document whose object could
// not be written loses its checksum so the next run renders it again.
func (c *documentCascade) flushObjects(ctx context.Context, st *cascadeState) error {
	var errs []error
	for _, w := range st.writes {
		err := c.writer.WriteObject(ctx, w.doc.ObjectPath, documentContentType, w.content)
		if err == nil {
			continue
		}
		c.logger(ctx, "documents.object_write_failed", map[string]any{
			"document": w.doc.ID,
			"path":     w.doc.ObjectPath,
			"error":    err.Error(),
		})
		errs = append(errs, fmt.Errorf("%w: write %s: %w", ErrDocumentCascadeFailed, w.doc.ObjectPath, err))

		stale := w.doc
		stale.Checksum = ""
		if w.created {
			stale.ObjectPath = ""
			stale.GeneratedAt = nil
		}
		if err := c.documents.Update(ctx, stale); err != nil {
			errs = append(errs, fmt.Errorf("%w: reset %s: %w", ErrDocumentCascadeFailed, w.doc.ID, err))
		}
	}
	for _, doc := range st.deletes {
		if err := c.writer.DeleteObject(ctx, doc.ObjectPath); err != nil {
			c.logger(ctx, "documents.object_delete_failed", map[string]any{
				"document": doc.ID,
				"path":     doc.ObjectPath,
				"error":    err.Error(),
			})
		}
	}
	return errors.Join(errs...)
}

// RegenerateAll runs Regenerate for every id in order. A failing subscription does not stop the
// others; the failures are joined.
func (c *documentCascade) RegenerateAll(ctx context.Context, subscriptionIDs []string) ([]CascadeReport, error) {
	reports := make([]CascadeReport, 0, len(subscriptionIDs))
	var errs []error
	for _, id := range subscriptionIDs {
		report, err := c.Regenerate(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("subscription %s: %w", id, err))
			continue
		}
		reports = append(reports, report)
	}
	return reports, errors.Join(errs...)
}

func (c *documentCascade) steps() []cascadeStep {
	return []cascadeStep{
		{name: "required_documents", run: c.ensureRequiredPlaceholders},
		{name: "contract", run: c.single(domain.DocumentKindContract, nil)},
		{name: "practice_agreement", run: c.single(domain.DocumentKindPracticeAgreement, func(st *cascadeState) bool {
			return st.course.RequiresPracticeAgreement
		})},
		{name: "questionnaire", run: c.single(domain.DocumentKindQuestionnaire, nil)},
		{name: "vacation_order", run: c.single(domain.DocumentKindVacationOrder, func(st *cascadeState) bool {
			return st.sub.AcademicVacation && st.sub.VacationBeginOn != nil && st.sub.VacationEndOn != nil
		})},
		{name: "group_transfer_orders", run: c.refreshTransferOrders},
	}
}

func (c *documentCascade) load(ctx context.Context, id string) (*cascadeState, error) {
	sub, err := c.subs.FindForUpdate(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: load subscription: %w", ErrDocumentCascadeFailed, err)
	}
	course, err := c.courses.FindByID(ctx, sub.CourseID)
	if err != nil {
		return nil, fmt.Errorf("%w: load course: %w", ErrDocumentCascadeFailed, err)
	}
	user, err := c.users.FindByID(ctx, sub.StudentID)
	if err != nil {
		return nil, fmt.Errorf("%w: load student: %w", ErrDocumentCascadeFailed, err)
	}
	docs, err := c.documents.ListBySubscription(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%w: list documents: %w", ErrDocumentCascadeFailed, err)
	}
	return &cascadeState{sub: sub, course: course, user: user, docs: docs, now: c.clock()}, nil
}

// ensureRequiredPlaceholders creates the education document placeholders once. Only templates for
// the student's education level that point at a known education document count.
func (c *documentCascade) ensureRequiredPlaceholders(ctx context.Context, st *cascadeState) ([]DocumentOutcome, error) {
	if st.find(domain.DocumentKindRequired, nil) != nil {
		return nil, nil
	}
	var outcomes []DocumentOutcome
	for _, tmpl := range st.course.DocumentTemplates {
		if !strings.EqualFold(strings.TrimSpace(tmpl.EducationLevel), strings.TrimSpace(st.user.EducationLevel)) {
			continue
		}
		if !nonEmpty(tmpl.EducationDocumentID) {
			continue
		}
		educationDocID := strings.TrimSpace(*tmpl.EducationDocumentID)
		doc := SubscriptionDocument{
			ID:                  documentIDPrefix + c.newID(),
			SubscriptionID:      st.sub.ID,
			Kind:                domain.DocumentKindRequired,
			CourseID:            st.course.ID,
			EducationDocumentID: &educationDocID,
			CreatedAt:           st.now,
			UpdatedAt:           st.now,
		}
		if err := c.documents.Insert(ctx, doc); err != nil {
			return nil, err
		}
		st.docs = append(st.docs, doc)
		outcomes = append(outcomes, DocumentOutcome{Kind: doc.Kind, DocumentID: doc.ID, Action: DocumentCreated})
	}
	return outcomes, nil
}

// single handles a kind with at most one document per subscription. A nil predicate means the
// document always applies; otherwise a false predicate deletes it.
func (c *documentCascade) single(kind domain.DocumentKind, applies func(*cascadeState) bool) func(context.Context, *cascadeState) ([]DocumentOutcome, error) {
	return func(ctx context.Context, st *cascadeState) ([]DocumentOutcome, error) {
		if applies != nil && !applies(st) {
			outcome, err := c.remove(ctx, st, kind)
			if err != nil {
				return nil, err
			}
			return []DocumentOutcome{outcome}, nil
		}
		view := c.subscriptionView(st, kind)
		outcome, err := c.upsert(ctx, st, kind, nil, view)
		if err != nil {
			return nil, err
		}
		return []DocumentOutcome{outcome}, nil
	}
}

// refreshTransferOrders re-renders change-of-group orders that already exist for correct transfers.
func (c *documentCascade) refreshTransferOrders(ctx context.Context, st *cascadeState) ([]DocumentOutcome, error) {
	transfers, err := c.transfers.ListBySubscription(ctx, st.sub.ID)
	if err != nil {
		return nil, err
	}
	var outcomes []DocumentOutcome
	for _, transfer := range transfers {
		if !transfer.Correct() {
			continue
		}
		transferID := transfer.ID
		match := func(doc SubscriptionDocument) bool {
			return doc.GroupTransferID != nil && *doc.GroupTransferID == transferID
		}
		if st.find(domain.DocumentKindGroupTransferOrder, match) == nil {
			continue
		}
		view := c.subscriptionView(st, domain.DocumentKindGroupTransferOrder)
		view.FromGroup = c.groupName(ctx, transfer.FromGroupID)
		view.ToGroup = c.groupName(ctx, transfer.ToGroupID)
		outcome, err := c.upsert(ctx, st, domain.DocumentKindGroupTransferOrder, match, view)
		if err != nil {
			return nil, err
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

// upsert renders view and creates the document when missing. Content that renders to the stored
// checksum is left alone.
func (c *documentCascade) upsert(ctx context.Context, st *cascadeState, kind domain.DocumentKind, match func(SubscriptionDocument) bool, view DocumentView) (DocumentOutcome, error) {
	existing := st.find(kind, match)
	doc := SubscriptionDocument{
		ID:             documentIDPrefix + c.newID(),
		SubscriptionID: st.sub.ID,
		Kind:           kind,
		CourseID:       st.course.ID,
		CreatedAt:      st.now,
	}
	if existing != nil {
		doc = *existing
	}
	if kind == domain.DocumentKindPracticeAgreement {
		doc.Number = 1
	}
	view.Number = doc.Number

	content, err := c.renderer.Render(view)
	if err != nil {
		return DocumentOutcome{}, err
	}
	checksum := contentChecksum(content)
	if existing != nil && existing.Checksum == checksum && existing.ObjectPath != "" {
		return DocumentOutcome{Kind: kind, DocumentID: doc.ID, Action: DocumentUnchanged}, nil
	}

	path, err := storage.DocumentPath(st.sub.ID, string(kind), doc.ID)
	if err != nil {
		return DocumentOutcome{}, err
	}
	generatedAt := st.now
	doc.ObjectPath = path
	doc.Checksum = checksum
	doc.GeneratedAt = &generatedAt
	doc.UpdatedAt = st.now

	if existing == nil {
		if err := c.documents.Insert(ctx, doc); err != nil {
			return DocumentOutcome{}, err
		}
		st.docs = append(st.docs, doc)
		st.writes = append(st.writes, pendingObject{doc: doc, created: true, content: content})
		return DocumentOutcome{Kind: kind, DocumentID: doc.ID, Action: DocumentCreated}, nil
	}
	if err := c.documents.Update(ctx, doc); err != nil {
		return DocumentOutcome{}, err
	}
	*existing = doc
	st.writes = append(st.writes, pendingObject{doc: doc, content: content})
	return DocumentOutcome{Kind: kind, DocumentID: doc.ID, Action: DocumentUpdated}, nil
}

// remove deletes every document of kind. Stored objects are removed best effort after commit.
func (c *documentCascade) remove(ctx context.Context, st *cascadeState, kind domain.DocumentKind) (DocumentOutcome, error) {
	outcome := DocumentOutcome{Kind: kind, Action: DocumentUnchanged}
	kept := st.docs[:0]
	for _, doc := range st.docs {
		if doc.Kind != kind {
			kept = append(kept, doc)
			continue
		}
		if err := c.documents.Delete(ctx, doc.ID); err != nil {
			return DocumentOutcome{}, err
		}
		if doc.ObjectPath != "" {
			st.deletes = append(st.deletes, doc)
		}
		outcome = DocumentOutcome{Kind: kind, DocumentID: doc.ID, Action: DocumentDeleted}
	}
	st.docs = kept
	return outcome, nil
}

// PublishReceipt renders the receipt of a committed order and records where it was stored.
func (c *documentCascade) PublishReceipt(ctx context.Context, order Order, receipt PaymentReceipt) (PaymentReceipt, error) {
	if c.receipts == nil {
		return PaymentReceipt{}, errors.New("document cascade: receipt repository is not configured")
	}
	view := DocumentView{
		Kind:        receiptDocumentKind,
		OrderNumber: order.Number,
		ReceiptNo:   receipt.Number,
		Amount:      receipt.Amount,
		IssuedOn:    receipt.CreatedAt,
	}
	if user, err := c.users.FindByID(ctx, order.UserID); err == nil {
		view.StudentName = user.FullName
		view.StudentEmail = user.Email
	}
	content, err := c.renderer.Render(view)
	if err != nil {
		return PaymentReceipt{}, err
	}
	path, err := storage.ReceiptPath(order.ID, receipt.Number)
	if err != nil {
		return PaymentReceipt{}, err
	}
	if err := c.writer.WriteObject(ctx, path, documentContentType, content); err != nil {
		return PaymentReceipt{}, err
	}
	if err := c.receipts.SetObjectPath(ctx, receipt.ID, path); err != nil {
		return PaymentReceipt{}, err
	}
	receipt.ObjectPath = path
	return receipt, nil
}

func (c *documentCascade) subscriptionView(st *cascadeState, kind domain.DocumentKind) DocumentView {
	return DocumentView{
		Kind:         string(kind),
		StudentName:  st.user.FullName,
		StudentEmail: st.user.Email,
		CourseTitle:  st.course.Title,
		GroupID:      st.sub.GroupID,
		Price:        st.sub.PriceWithDiscount,
		BeginOn:      st.sub.BeginOn,
		EndOn:        st.sub.EndOn,
		VacationFrom: st.sub.VacationBeginOn,
		VacationTo:   st.sub.VacationEndOn,
	}
}

func (c *documentCascade) groupName(ctx context.Context, groupID string) string {
	if c.groups == nil {
		return groupID
	}
	group, err := c.groups.FindByID(ctx, groupID)
	if err != nil || strings.TrimSpace(group.Name) == "" {
		return groupID
	}
	return group.Name
}

func (st *cascadeState) find(kind domain.DocumentKind, match func(SubscriptionDocument) bool) *SubscriptionDocument {
	for i := range st.docs {
		if st.docs[i].Kind != kind {
			continue
		}
		if match == nil || match(st.docs[i]) {
			return &st.docs[i]
		}
	}
	return nil
}

func contentChecksum(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
