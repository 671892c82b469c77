package domain

// PricingBreakdown captures how an entered bonus was spread across the subscriptions of an order.
type PricingBreakdown struct {
	Subtotal     int64
	Discount     int64
	BonusApplied int64
	Total        int64
	Items        []ItemPricingBreakdown
}

// ItemPricingBreakdown stores the per-subscription pricing outputs.
type ItemPricingBreakdown struct {
	Index    int
	GroupID  string
	Price    int64
	Discount int64
	Bonus    int64
	Total    int64
}
