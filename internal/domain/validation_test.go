package domain

import (
	"errors"
	"testing"
	"time"
)

func TestValidateSubscriptionRequiresVacationDates(t *testing.T) {
	sub := GroupSubscription{
		StudentID:        "stu-1",
		GroupID:          "g1",
		Status:           SubscriptionStatusInProgress,
		AcademicVacation: true,
	}

	err := ValidateSubscription(sub)
	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("expected validation errors, got %v", err)
	}
	fields := map[string]bool{}
	for _, fe := range verrs {
		fields[fe.Field] = true
	}
	if !fields["vacation_begin_on"] || !fields["vacation_end_on"] {
		t.Fatalf("expected vacation fields to be reported, got %v", verrs)
	}
}

func TestValidateSubscriptionAcceptsCompleteVacation(t *testing.T) {
	begin := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := begin.AddDate(0, 2, 0)
	sub := GroupSubscription{
		StudentID:        "stu-1",
		GroupID:          "g1",
		Status:           SubscriptionStatusInProgress,
		AcademicVacation: true,
		VacationBeginOn:  &begin,
		VacationEndOn:    &end,
	}
	if err := ValidateSubscription(sub); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateSubscriptionRejectsBlankCRMID(t *testing.T) {
	blank := "  "
	sub := GroupSubscription{StudentID: "stu-1", GroupID: "g1", Status: SubscriptionStatusInProgress, CRMID: &blank}
	if err := ValidateSubscription(sub); err == nil {
		t.Fatalf("expected blank crm id to be rejected")
	}
}
