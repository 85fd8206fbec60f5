package orders

// ComputeTotals fixes an order's money amounts from the snapshotted line
// items. Shipping is a flat fee waived above the free-shipping threshold,
// tax is applied to the subtotal in basis points, truncated to a cent.
func ComputeTotals(items []LineItem, shippingFlatCents, freeShippingOverCents, taxRateBps int64) Totals {
	var sub int64
	for _, it := range items {
		sub += int64(it.Qty) * it.UnitPriceCents
	}
	shipping := shippingFlatCents
	if freeShippingOverCents > 0 && sub >= freeShippingOverCents {
		shipping = 0
	}
	tax := sub * taxRateBps / 10000
	return Totals{
		SubtotalCents: sub,
		ShippingCents: shipping,
		TaxCents:      tax,
		TotalCents:    sub + shipping + tax,
	}
}
