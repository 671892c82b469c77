package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// FieldError describes one invalid field of a domain entity.
type FieldError struct {
	Field  string
	Reason string
}

// ValidationErrors collects every invalid field found on an entity.
type ValidationErrors []FieldError

// Error implements the error interface.
func (e ValidationErrors) Error() string {
	parts := make([]string, 0, len(e))
	for _, fe := range e {
		parts = append(parts, fmt.Sprintf("%s %s", fe.Field, fe.Reason))
	}
	return strings.Join(parts, "; ")
}

// ValidateSubscription checks the invariants of a single subscription that do not need storage.
func ValidateSubscription(sub GroupSubscription) error {
	var out ValidationErrors
	if strings.TrimSpace(sub.StudentID) == "" {
		out = append(out, FieldError{Field: "student_id", Reason: "is required"})
	}
	if strings.TrimSpace(sub.GroupID) == "" {
		out = append(out, FieldError{Field: "group_id", Reason: "is required"})
	}
	if sub.Status != "" && !sub.Status.Valid() {
		out = append(out, FieldError{Field: "status", Reason: "is not supported"})
	}
	if sub.Price < 0 || sub.Discount < 0 || sub.PriceWithDiscount < 0 {
		out = append(out, FieldError{Field: "price", Reason: "must not be negative"})
	}
	if sub.CRMID != nil && strings.TrimSpace(*sub.CRMID) == "" {
		out = append(out, FieldError{Field: "crm_id", Reason: "must be absent or non-blank"})
	}

	if err := structValidator.Struct(sub); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			out = append(out, FieldError{Field: snakeField(fe.Field()), Reason: reasonFor(fe)})
		}
	}

	if sub.AcademicVacation && sub.VacationBeginOn != nil && sub.VacationEndOn != nil && sub.VacationEndOn.Before(*sub.VacationBeginOn) {
		out = append(out, FieldError{Field: "vacation_end_on", Reason: "must not precede vacation_begin_on"})
	}

	if len(out) == 0 {
		return nil
	}
	return out
}

func reasonFor(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "required_if":
		return "is required during academic vacation"
	default:
		return "failed " + fe.Tag()
	}
}

func snakeField(name string) string {
	var b strings.Builder
	for i, r := range name {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r + ('a' - 'A'))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
