// Package firestore keeps the numbering sequences for orders and receipts in Firestore, where a
// single-document transaction serialises concurrent issuers without touching Postgres locks.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pfirestore "github.com/courseshop/api/internal/platform/firestore"
	"github.com/courseshop/api/internal/repositories"
)

const sequencesCollection = "sequences"

// sequenceDoc is one sequence, keyed by name such as "order_numbers:2026".
type sequenceDoc struct {
	Value     int64     `firestore:"value"`
	Ceiling   int64     `firestore:"ceiling,omitempty"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

type SequenceRepository struct {
	provider *pfirestore.Provider
	now      func() time.Time
}

var _ repositories.SequenceRepository = (*SequenceRepository)(nil)

func NewSequenceRepository(provider *pfirestore.Provider) (*SequenceRepository, error) {
	if provider == nil {
		return nil, errors.New("firestore sequences: provider is required")
	}
	return &SequenceRepository{provider: provider, now: time.Now}, nil
}

func (r *SequenceRepository) Advance(ctx context.Context, name string, step, ceiling int64) (int64, error) {
	name = strings.TrimSpace(name)
	switch {
	case name == "" || strings.Contains(name, "/"):
		return 0, fmt.Errorf("%w: name %q", repositories.ErrSequenceInvalid, name)
	case step < 0:
		return 0, fmt.Errorf("%w: step %d", repositories.ErrSequenceInvalid, step)
	case step == 0:
		step = 1
	}

	var issued int64
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.provider.Doc(ctx, sequencesCollection, name)
		if err != nil {
			return err
		}
		var doc sequenceDoc
		snap, err := tx.Get(ref)
		if err == nil {
			if err := snap.DataTo(&doc); err != nil {
				return fmt.Errorf("decode sequence %s: %w", name, err)
			}
		} else if status.Code(err) != codes.NotFound {
			return err
		}

		if ceiling > 0 {
			doc.Ceiling = ceiling
		}
		next := doc.Value + step
		if doc.Ceiling > 0 && next > doc.Ceiling {
			return fmt.Errorf("%w: %s reached %d", repositories.ErrSequenceExhausted, name, doc.Ceiling)
		}
		doc.Value = next
		doc.UpdatedAt = r.now().UTC()
		issued = next
		return tx.Set(ref, doc)
	})
	switch {
	case err == nil:
		return issued, nil
	case errors.Is(err, repositories.ErrSequenceExhausted):
		return 0, err
	default:
		return 0, pfirestore.WrapError("sequences.advance", err)
	}
}
