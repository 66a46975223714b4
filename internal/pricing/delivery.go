// Package pricing computes delivery charges from the configured
// free-delivery threshold and flat fee.
package pricing

import (
	"github.com/safar/farmconnect/internal/config"
	"github.com/shopspring/decimal"
)

// perKmSurcharge applies beyond freeDistanceKm for distance-priced deliveries.
var perKmSurcharge = decimal.NewFromInt(5)

const freeDistanceKm = 10

// DeliveryCharge returns the charge for an order subtotal. Orders at or above
// the free-delivery threshold ship free; everything else pays the flat fee.
func DeliveryCharge(cfg config.MarketConfig, subtotal decimal.Decimal) decimal.Decimal {
	if subtotal.GreaterThanOrEqual(cfg.FreeDeliveryAbove) {
		return decimal.Zero
	}
	return cfg.DeliveryCharge
}

// DeliveryChargeWithDistance adds a per-kilometre surcharge past the free
// distance. The threshold still wins: far deliveries above it remain free.
func DeliveryChargeWithDistance(cfg config.MarketConfig, subtotal decimal.Decimal, distanceKm int) decimal.Decimal {
	charge := DeliveryCharge(cfg, subtotal)
	if charge.IsZero() || distanceKm <= freeDistanceKm {
		return charge
	}
	extra := decimal.NewFromInt(int64(distanceKm - freeDistanceKm))
	return charge.Add(extra.Mul(perKmSurcharge))
}
