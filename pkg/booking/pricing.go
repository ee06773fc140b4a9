package booking

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	secondsPerHour = decimal.NewFromInt(3600)
	oneHundred     = decimal.NewFromInt(100)
)

// Quote is the price of a booking, captured once at creation time.
type Quote struct {
	GPUType              string
	GPUCount             int
	Window               TimeWindow
	DurationHours        decimal.Decimal
	DiscountRate         int
	SpotPricePerHour     decimal.Decimal
	ReservedPricePerHour decimal.Decimal
	SpotTotal            decimal.Decimal
	ReservedTotal        decimal.Decimal
	CreditsRequired      decimal.Decimal
	Warning              string
}

// SpotPriceSource resolves the reference on-demand price per GPU hour.
type SpotPriceSource interface {
	SpotPrice(gpuType GPUType) (decimal.Decimal, bool)
}

// StaticSpotPrices is a fixed price table keyed by upper-case GPU type.
type StaticSpotPrices map[string]decimal.Decimal

// NewStaticSpotPrices normalizes keys of a configured price table.
func NewStaticSpotPrices(prices map[string]decimal.Decimal) StaticSpotPrices {
	normalized := make(StaticSpotPrices, len(prices))
	for gpuType, price := range prices {
		normalized[strings.ToUpper(strings.TrimSpace(gpuType))] = price
	}
	return normalized
}

// SpotPrice implements SpotPriceSource.
func (prices StaticSpotPrices) SpotPrice(gpuType GPUType) (decimal.Decimal, bool) {
	price, ok := prices[gpuType.String()]
	return price, ok
}

// PricingCalculator computes duration-discounted prices. It has no side effects.
type PricingCalculator struct {
	fallbackRate decimal.Decimal
}

// NewPricingCalculator builds a calculator charging fallbackRate when no positive spot rate is known.
func NewPricingCalculator(fallbackRate decimal.Decimal) PricingCalculator {
	if !fallbackRate.IsPositive() {
		fallbackRate = decimal.RequireFromString(DefaultFallbackSpotRate)
	}
	return PricingCalculator{fallbackRate: fallbackRate}
}

// FallbackRate returns the rate used when the reference price is missing.
func (calculator PricingCalculator) FallbackRate() decimal.Decimal {
	return calculator.fallbackRate
}

// DiscountRate interpolates linearly between the floor at one hour and the ceiling at one
// week, truncating to an integer percent.
func DiscountRate(durationHours decimal.Decimal) int {
	floor := decimal.NewFromInt(discountFloorHours)
	ceil := decimal.NewFromInt(discountCeilHours)
	if durationHours.LessThanOrEqual(floor) {
		return DiscountMinPercent
	}
	if durationHours.GreaterThanOrEqual(ceil) {
		return DiscountMaxPercent
	}
	span := decimal.NewFromInt(DiscountMaxPercent - DiscountMinPercent)
	fraction := durationHours.Sub(floor).Div(ceil.Sub(floor))
	return DiscountMinPercent + int(fraction.Mul(span).Floor().IntPart())
}

// Calculate prices a booking of count GPUs over window at spotRate per GPU hour.
func (calculator PricingCalculator) Calculate(gpuType GPUType, window TimeWindow, count int, spotRate decimal.Decimal) Quote {
	quote := Quote{
		GPUType:  gpuType.String(),
		GPUCount: count,
		Window:   window,
	}
	if !spotRate.IsPositive() {
		quote.Warning = fmt.Sprintf("no spot price for %s, using fallback rate %s/h", gpuType.String(), calculator.fallbackRate.String())
		spotRate = calculator.fallbackRate
	}
	hours := decimal.NewFromInt(int64(window.Duration().Seconds())).Div(secondsPerHour)
	discount := DiscountRate(hours)
	multiplier := oneHundred.Sub(decimal.NewFromInt(int64(discount))).Div(oneHundred)

	spotTotal := spotRate.Mul(hours).Mul(decimal.NewFromInt(int64(count)))
	reservedTotal := spotTotal.Mul(multiplier)

	quote.DurationHours = hours
	quote.DiscountRate = discount
	quote.SpotPricePerHour = spotRate
	quote.ReservedPricePerHour = spotRate.Mul(multiplier)
	quote.SpotTotal = spotTotal.Round(creditDecimalPlaces)
	quote.ReservedTotal = reservedTotal.Round(creditDecimalPlaces)
	quote.CreditsRequired = quote.ReservedTotal
	return quote
}
