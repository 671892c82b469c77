package services

import (
	"errors"
	"testing"

	domain "github.com/courseshop/api/internal/domain"
)

func TestPaymentsCalculatorSpreadsBonusProportionally(t *testing.T) {
	order := domain.Order{
		EnteredBonusValue: 1000,
		Subscriptions: []domain.GroupSubscription{
			{GroupID: "g1", Price: 30000, Discount: 0},
			{GroupID: "g2", Price: 12000, Discount: 2000},
			{GroupID: "g3", Price: 10000, Discount: 0},
		},
	}

	breakdown, err := NewPaymentsCalculator().Recalculate(&order)
	if err != nil {
		t.Fatalf("recalculate: %v", err)
	}

	want := []int64{600, 200, 200}
	for i, sub := range order.Subscriptions {
		if sub.BonusApplied != want[i] {
			t.Fatalf("item %d: expected bonus %d, got %d", i, want[i], sub.BonusApplied)
		}
	}
	if order.Subscriptions[1].PriceWithDiscount != 9800 {
		t.Fatalf("expected discounted price 9800, got %d", order.Subscriptions[1].PriceWithDiscount)
	}
	if breakdown.BonusApplied != 1000 || breakdown.Total != 49000 {
		t.Fatalf("unexpected breakdown %+v", breakdown)
	}
}

func TestPaymentsCalculatorDistributesRemainderToLargestFractions(t *testing.T) {
	order := domain.Order{
		EnteredBonusValue: 100,
		Subscriptions: []domain.GroupSubscription{
			{Price: 1},
			{Price: 1},
			{Price: 1},
		},
	}
	// bonus is capped at the subtotal of 3
	if _, err := NewPaymentsCalculator().Recalculate(&order); err != nil {
		t.Fatalf("recalculate: %v", err)
	}
	for i, sub := range order.Subscriptions {
		if sub.BonusApplied != 1 || sub.PriceWithDiscount != 0 {
			t.Fatalf("item %d: unexpected allocation %+v", i, sub)
		}
	}

	order = domain.Order{
		EnteredBonusValue: 10,
		Subscriptions: []domain.GroupSubscription{
			{Price: 100},
			{Price: 100},
			{Price: 100},
		},
	}
	if _, err := NewPaymentsCalculator().Recalculate(&order); err != nil {
		t.Fatalf("recalculate: %v", err)
	}
	got := []int64{order.Subscriptions[0].BonusApplied, order.Subscriptions[1].BonusApplied, order.Subscriptions[2].BonusApplied}
	if got[0] != 4 || got[1] != 3 || got[2] != 3 {
		t.Fatalf("expected 4/3/3 split, got %v", got)
	}
}

func TestPaymentsCalculatorNeverProducesNegativePrices(t *testing.T) {
	order := domain.Order{
		EnteredBonusValue: 5000,
		Subscriptions: []domain.GroupSubscription{
			{Price: 700, Discount: 900},
			{Price: 1300},
		},
	}
	breakdown, err := NewPaymentsCalculator().Recalculate(&order)
	if err != nil {
		t.Fatalf("recalculate: %v", err)
	}
	for i, sub := range order.Subscriptions {
		if sub.PriceWithDiscount < 0 {
			t.Fatalf("item %d: negative price %d", i, sub.PriceWithDiscount)
		}
	}
	if order.Subscriptions[0].BonusApplied != 0 || order.Subscriptions[1].BonusApplied != 1300 {
		t.Fatalf("unexpected allocation %+v", order.Subscriptions)
	}
	if breakdown.Total != 0 {
		t.Fatalf("expected zero total, got %d", breakdown.Total)
	}
}

func TestPaymentsCalculatorRejectsNegativeAmounts(t *testing.T) {
	order := domain.Order{Subscriptions: []domain.GroupSubscription{{Price: -1}}}
	if _, err := NewPaymentsCalculator().Recalculate(&order); !errors.Is(err, ErrPricingInvalidInput) {
		t.Fatalf("expected ErrPricingInvalidInput, got %v", err)
	}
}
