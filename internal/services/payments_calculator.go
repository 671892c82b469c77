package services

import (
	"errors"
	"fmt"
	"sort"

	domain "github.com/courseshop/api/internal/domain"
)

// ErrPricingInvalidInput signals negative prices or discounts on an order.
var ErrPricingInvalidInput = errors.New("pricing: invalid input")

// PaymentsCalculator spreads the entered bonus of a cart order across its subscriptions.
type PaymentsCalculator struct{}

// NewPaymentsCalculator returns a calculator.
func NewPaymentsCalculator() *PaymentsCalculator {
	return &PaymentsCalculator{}
}

// Recalculate rewrites BonusApplied and PriceWithDiscount of every subscription in place. The
// bonus is capped at the discounted subtotal and split proportionally to each line's discounted
// price using largest remainders, so no line drops below zero.
func (c *PaymentsCalculator) Recalculate(order *domain.Order) (PricingBreakdown, error) {
	if order == nil {
		return PricingBreakdown{}, fmt.Errorf("%w: order is required", ErrPricingInvalidInput)
	}

	weights := make([]int64, len(order.Subscriptions))
	var breakdown PricingBreakdown
	for i, sub := range order.Subscriptions {
		if sub.Price < 0 || sub.Discount < 0 {
			return PricingBreakdown{}, fmt.Errorf("%w: item %d has a negative amount", ErrPricingInvalidInput, i)
		}
		net := sub.Price - sub.Discount
		if net < 0 {
			net = 0
		}
		weights[i] = net
		breakdown.Subtotal += sub.Price
		breakdown.Discount += sub.Price - net
	}

	bonus := order.EnteredBonusValue
	if bonus < 0 {
		bonus = 0
	}
	if available := breakdown.Subtotal - breakdown.Discount; bonus > available {
		bonus = available
	}

	allocations := allocateByWeight(bonus, weights)
	breakdown.Items = make([]ItemPricingBreakdown, len(order.Subscriptions))
	for i := range order.Subscriptions {
		sub := &order.Subscriptions[i]
		sub.BonusApplied = allocations[i]
		sub.PriceWithDiscount = weights[i] - allocations[i]
		breakdown.BonusApplied += allocations[i]
		breakdown.Total += sub.PriceWithDiscount
		breakdown.Items[i] = ItemPricingBreakdown{
			Index:    i,
			GroupID:  sub.GroupID,
			Price:    sub.Price,
			Discount: sub.Price - weights[i],
			Bonus:    allocations[i],
			Total:    sub.PriceWithDiscount,
		}
	}
	return breakdown, nil
}

// applyListPrices sets PriceWithDiscount to the discounted price without any bonus.
func applyListPrices(order *domain.Order) {
	for i := range order.Subscriptions {
		sub := &order.Subscriptions[i]
		net := sub.Price - sub.Discount
		if net < 0 {
			net = 0
		}
		sub.BonusApplied = 0
		sub.PriceWithDiscount = net
	}
}

func allocateByWeight(amount int64, weights []int64) []int64 {
	allocations := make([]int64, len(weights))
	if len(weights) == 0 || amount <= 0 {
		return allocations
	}
	totalWeight := int64(0)
	for _, w := range weights {
		if w > 0 {
			totalWeight += w
		}
	}
	if totalWeight == 0 {
		return allocations
	}

	type remainderPair struct {
		idx       int
		remainder int64
	}
	pairs := make([]remainderPair, len(weights))

	distributed := int64(0)
	for i, w := range weights {
		if w < 0 {
			w = 0
		}
		share := (amount * w) / totalWeight
		allocations[i] = share
		distributed += share
		pairs[i] = remainderPair{idx: i, remainder: (amount * w) % totalWeight}
	}

	remainder := amount - distributed
	if remainder <= 0 {
		return allocations
	}

	sort.SliceStable(pairs, func(i, j int) bool {
		if pairs[i].remainder == pairs[j].remainder {
			return pairs[i].idx < pairs[j].idx
		}
		return pairs[i].remainder > pairs[j].remainder
	})

	for _, entry := range pairs {
		if remainder == 0 {
			break
		}
		if entry.remainder == 0 {
			continue
		}
		allocations[entry.idx]++
		remainder--
	}

	return allocations
}
