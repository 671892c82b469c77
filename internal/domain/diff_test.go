package domain

import (
	"reflect"
	"testing"
	"time"
)

func TestSubscriptionDiffCreatedMarksEveryField(t *testing.T) {
	after := GroupSubscription{ID: "sub-1", Status: SubscriptionStatusSuccess, GroupID: "g1"}
	diff := NewSubscriptionDiff(nil, after)

	if !diff.Created() {
		t.Fatalf("expected created diff")
	}
	if !diff.StatusBecame(SubscriptionStatusSuccess) {
		t.Fatalf("expected status transition on create")
	}
	if diff.ExpelledBecameTrue() {
		t.Fatalf("expelled flag is false, must not report transition")
	}
}

func TestSubscriptionDiffDetectsTransitions(t *testing.T) {
	begin := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	moved := begin.AddDate(0, 1, 0)
	before := GroupSubscription{
		ID:               "sub-1",
		Status:           SubscriptionStatusInProgress,
		GroupID:          "g1",
		EducationBeginOn: &begin,
	}
	after := before
	after.Status = SubscriptionStatusSuccess
	after.Expelled = true
	after.Itec = true
	after.EducationBeginOn = &moved

	diff := NewSubscriptionDiff(&before, after)

	if diff.Created() {
		t.Fatalf("update must not be reported as create")
	}
	if !diff.StatusBecame(SubscriptionStatusSuccess) {
		t.Fatalf("expected status transition")
	}
	if !diff.ExpelledBecameTrue() || !diff.ItecBecameTrue() {
		t.Fatalf("expected flag transitions")
	}
	if !diff.EducationDatesChanged() {
		t.Fatalf("expected education dates change")
	}
	want := []string{FieldEducationBeginOn, FieldExpelled, FieldItec, FieldStatus}
	if got := diff.ChangedFields(); !reflect.DeepEqual(got, want) {
		t.Fatalf("changed fields = %v, want %v", got, want)
	}
	change, ok := diff.Change(FieldStatus)
	if !ok || change.From != "in_progress" || change.To != "success" {
		t.Fatalf("unexpected status change %+v", change)
	}
}

func TestSubscriptionDiffNoChangeDoesNotRefire(t *testing.T) {
	before := GroupSubscription{ID: "sub-1", Status: SubscriptionStatusSuccess, DoubleCreated: true}
	after := before

	diff := NewSubscriptionDiff(&before, after)
	if diff.StatusBecame(SubscriptionStatusSuccess) {
		t.Fatalf("unchanged status must not report a transition")
	}
	if len(diff.ChangedFields()) != 0 {
		t.Fatalf("expected no changes, got %v", diff.ChangedFields())
	}
}

func TestSubscriptionDiffGroupTransferRequested(t *testing.T) {
	target := "g2"
	same := "g1"
	cases := []struct {
		name   string
		target *string
		want   bool
	}{
		{name: "none", target: nil, want: false},
		{name: "same group", target: &same, want: false},
		{name: "other group", target: &target, want: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sub := GroupSubscription{ID: "sub-1", GroupID: "g1", TransferToGroupID: tc.target}
			diff := NewSubscriptionDiff(&sub, sub)
			if got := diff.GroupTransferRequested(); got != tc.want {
				t.Fatalf("GroupTransferRequested = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestOrderTotals(t *testing.T) {
	order := Order{Subscriptions: []GroupSubscription{{PriceWithDiscount: 1500}, {PriceWithDiscount: 0}}}
	if order.TotalPrice() != 1500 {
		t.Fatalf("unexpected total %d", order.TotalPrice())
	}
	if order.ZeroPrice() {
		t.Fatalf("order with priced line must not be zero price")
	}
	if !(Order{}).ZeroPrice() {
		t.Fatalf("empty order has zero price")
	}
}

func TestSubscriptionExpired(t *testing.T) {
	end := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	asOf := time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)

	if !(GroupSubscription{EndOn: &end}).Expired(asOf) {
		t.Fatalf("six months after end must be expired")
	}
	if (GroupSubscription{EndOn: &end, OneTimePayment: true}).Expired(asOf) {
		t.Fatalf("one-time payment keeps access for twelve months")
	}
}
