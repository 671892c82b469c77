package idempotency

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pfirestore "github.com/courseshop/api/internal/platform/firestore"
)

const (
	defaultCollection = "order_submissions"
	defaultPurgeLimit = 200
)

// FirestoreStore keeps submissions in a Firestore collection keyed by the hashed scope.
type FirestoreStore struct {
	provider   *pfirestore.Provider
	collection string
}

// FirestoreOption customises FirestoreStore.
type FirestoreOption func(*FirestoreStore)

// WithCollection overrides the collection name.
func WithCollection(name string) FirestoreOption {
	return func(s *FirestoreStore) {
		if name != "" {
			s.collection = name
		}
	}
}

func NewFirestoreStore(provider *pfirestore.Provider, opts ...FirestoreOption) (*FirestoreStore, error) {
	if provider == nil {
		return nil, errors.New("idempotency: firestore provider is required")
	}
	s := &FirestoreStore{provider: provider, collection: defaultCollection}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

type submissionDoc struct {
	Scope       string    `firestore:"scope"`
	Fingerprint string    `firestore:"fingerprint"`
	Done        bool      `firestore:"done"`
	Status      int       `firestore:"status,omitempty"`
	ContentType string    `firestore:"contentType,omitempty"`
	Body        []byte    `firestore:"body,omitempty"`
	ClaimedAt   time.Time `firestore:"claimedAt"`
	ExpiresAt   time.Time `firestore:"expiresAt"`
}

func (d submissionDoc) entry() Entry {
	return Entry{
		Scope:       d.Scope,
		Fingerprint: d.Fingerprint,
		Done:        d.Done,
		Reply:       Reply{Status: d.Status, ContentType: d.ContentType, Body: d.Body},
		ClaimedAt:   d.ClaimedAt,
		ExpiresAt:   d.ExpiresAt,
	}
}

func (s *FirestoreStore) Claim(ctx context.Context, scope, fingerprint string, now time.Time, ttl time.Duration) (Outcome, Entry, error) {
	now = now.UTC()
	ref, err := s.provider.Doc(ctx, s.collection, documentID(scope))
	if err != nil {
		return 0, Entry{}, err
	}

	var (
		outcome Outcome
		entry   Entry
	)
	err = s.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil && status.Code(err) != codes.NotFound {
			return err
		}
		var doc submissionDoc
		if err == nil {
			if err := snap.DataTo(&doc); err != nil {
				return err
			}
		}
		current := doc.entry()
		if err != nil || current.expired(now) {
			doc = submissionDoc{Scope: scope, Fingerprint: fingerprint, ClaimedAt: now, ExpiresAt: now.Add(normaliseTTL(ttl))}
			outcome, entry = Claimed, doc.entry()
			return tx.Set(ref, doc)
		}
		if doc.Fingerprint != fingerprint {
			return ErrKeyReused
		}
		entry = current
		outcome = InFlight
		if doc.Done {
			outcome = Replay
		}
		return nil
	})
	if err != nil {
		return 0, Entry{}, err
	}
	return outcome, entry, nil
}

func (s *FirestoreStore) Complete(ctx context.Context, scope, fingerprint string, reply Reply, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	ref, err := s.provider.Doc(ctx, s.collection, documentID(scope))
	if err != nil {
		return err
	}
	return s.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc := submissionDoc{Scope: scope, Fingerprint: fingerprint, ClaimedAt: now}
		snap, err := tx.Get(ref)
		switch {
		case err == nil:
			if err := snap.DataTo(&doc); err != nil {
				return err
			}
			if doc.Fingerprint != fingerprint {
				return ErrKeyReused
			}
		case status.Code(err) != codes.NotFound:
			return err
		}
		doc.Done = true
		doc.Status = reply.Status
		doc.ContentType = reply.ContentType
		doc.Body = reply.Body
		doc.ExpiresAt = now.Add(normaliseTTL(ttl))
		return tx.Set(ref, doc)
	})
}

func (s *FirestoreStore) Release(ctx context.Context, scope string) error {
	ref, err := s.provider.Doc(ctx, s.collection, documentID(scope))
	if err != nil {
		return err
	}
	if _, err := ref.Delete(ctx); err != nil && status.Code(err) != codes.NotFound {
		return pfirestore.WrapError(s.collection+".release", err)
	}
	return nil
}

// PurgeExpired deletes up to limit expired submissions in one batch.
func (s *FirestoreStore) PurgeExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultPurgeLimit
	}
	client, err := s.provider.Client(ctx)
	if err != nil {
		return 0, err
	}
	docs, err := client.Collection(s.collection).Where("expiresAt", "<=", now.UTC()).Limit(limit).Documents(ctx).GetAll()
	if err != nil {
		return 0, pfirestore.WrapError(s.collection+".purge", err)
	}
	if len(docs) == 0 {
		return 0, nil
	}
	writer := client.BulkWriter(ctx)
	jobs := make([]*firestore.BulkWriterJob, 0, len(docs))
	for _, doc := range docs {
		job, err := writer.Delete(doc.Ref)
		if err != nil {
			writer.End()
			return 0, pfirestore.WrapError(s.collection+".purge", err)
		}
		jobs = append(jobs, job)
	}
	writer.End()

	removed := 0
	var errs []error
	for _, job := range jobs {
		if _, err := job.Results(); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	return removed, pfirestore.WrapError(s.collection+".purge", errors.Join(errs...))
}
