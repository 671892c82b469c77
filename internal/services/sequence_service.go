package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/courseshop/api/internal/repositories"
)

// Sequences are named "<kind>:<period>" so numbering restarts every period.
const (
	orderNumberSequence   = "order_numbers"
	receiptNumberSequence = "receipt_numbers"
	numberCeiling         = 999_999
)

type SequenceServiceDeps struct {
	Repository repositories.SequenceRepository
	Clock      func() time.Time
}

type sequenceService struct {
	repo  repositories.SequenceRepository
	clock func() time.Time
}

var _ SequenceService = (*sequenceService)(nil)

func NewSequenceService(deps SequenceServiceDeps) (SequenceService, error) {
	if deps.Repository == nil {
		return nil, errors.New("sequence service: repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &sequenceService{repo: deps.Repository, clock: clock}, nil
}

// NextOrderNumber issues CS-YYYY-NNNNNN from the sequence of the current year.
func (s *sequenceService) NextOrderNumber(ctx context.Context) (string, error) {
	year := s.clock().UTC().Year()
	n, err := s.repo.Advance(ctx, fmt.Sprintf("%s:%04d", orderNumberSequence, year), 1, numberCeiling)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("CS-%04d-%06d", year, n), nil
}

// NextReceiptNumber issues RC-YYYYMM-NNNNNN from the sequence of the current month.
func (s *sequenceService) NextReceiptNumber(ctx context.Context) (string, error) {
	period := s.clock().UTC().Format("200601")
	n, err := s.repo.Advance(ctx, receiptNumberSequence+":"+period, 1, numberCeiling)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("RC-%s-%06d", period, n), nil
}

// Advance moves an arbitrary scope:name sequence, used for back-office reconciliation.
func (s *sequenceService) Advance(ctx context.Context, cmd SequenceCommand) (int64, error) {
	scope, name := strings.TrimSpace(cmd.Scope), strings.TrimSpace(cmd.Name)
	for _, part := range []string{scope, name} {
		if part == "" || strings.ContainsAny(part, ":/") {
			return 0, fmt.Errorf("%w: sequence %q:%q", repositories.ErrSequenceInvalid, scope, name)
		}
	}
	if cmd.Step < 0 {
		return 0, fmt.Errorf("%w: step %d", repositories.ErrSequenceInvalid, cmd.Step)
	}
	return s.repo.Advance(ctx, scope+":"+name, cmd.Step, 0)
}
