/**
 * @description
 * Platform fee policy. The net amount a seller receives is computed exactly
 * once, when the escrow record is created, and never recomputed afterwards.
 *
 * @notes
 * - NGN uses a two-tier percentage schedule: a higher cut below the tier
 *   threshold, a lower cut at or above it. The tiers are exhaustive over NGN
 *   amounts; there is deliberately no third branch.
 * - Every other currency falls back to a single configurable default percent.
 *   The default of 0 mirrors current production behavior and is a policy knob,
 *   not a hardcoded rule.
 */

package app

import (
	"math"
	"strings"
)

// FeePolicy holds the per-currency platform cut configuration.
type FeePolicy struct {
	DefaultPercent   float64 // applied to every currency without a schedule
	NGNLowPercent    float64 // NGN amounts below the tier threshold
	NGNHighPercent   float64 // NGN amounts at or above the tier threshold
	NGNTierThreshold int64
}

// DefaultFeePolicy returns the production fee schedule: NGN 20%/10% around a
// 100,000 threshold, 0% elsewhere.
func DefaultFeePolicy() FeePolicy {
	return FeePolicy{
		DefaultPercent:   0,
		NGNLowPercent:    20,
		NGNHighPercent:   10,
		NGNTierThreshold: 100_000,
	}
}

// NetAmount returns the amount due to the seller after the platform cut.
func (p FeePolicy) NetAmount(amountPaid int64, currency string) int64 {
	percent := p.DefaultPercent
	if strings.EqualFold(currency, "NGN") {
		if amountPaid < p.NGNTierThreshold {
			percent = p.NGNLowPercent
		} else {
			percent = p.NGNHighPercent
		}
	}
	if percent <= 0 {
		return amountPaid
	}
	return int64(math.Round(float64(amountPaid) * (100 - percent) / 100))
}
