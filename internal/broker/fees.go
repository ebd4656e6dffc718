package broker

import (
	"fmt"

	"github.com/shopspring/decimal"

	"vn-autotrader/internal/models"
)

// FeeSchedule holds the cost rates charged on each fill.
type FeeSchedule struct {
	CommissionRate decimal.Decimal // both sides
	SellTaxRate    decimal.Decimal // sells only
	SlippageRate   decimal.Decimal // both sides
}

// DefaultFeeSchedule returns 0.15% commission, 0.1% sell tax and 0.15%
// slippage.
func DefaultFeeSchedule() FeeSchedule {
	return FeeSchedule{
		CommissionRate: decimal.RequireFromString("0.0015"),
		SellTaxRate:    decimal.RequireFromString("0.001"),
		SlippageRate:   decimal.RequireFromString("0.0015"),
	}
}

// Fees is the cost breakdown of one fill.
type Fees struct {
	Commission decimal.Decimal
	Tax        decimal.Decimal
	Slippage   decimal.Decimal
}

// Total returns the sum of all components.
func (f Fees) Total() decimal.Decimal {
	return f.Commission.Add(f.Tax).Add(f.Slippage)
}

// Compute returns the fees for a fill of qty at price.
func (s FeeSchedule) Compute(side models.OrderSide, qty int64, price decimal.Decimal) Fees {
	notional := price.Mul(decimal.NewFromInt(qty))
	f := Fees{
		Commission: notional.Mul(s.CommissionRate),
		Tax:        decimal.Zero,
		Slippage:   notional.Mul(s.SlippageRate),
	}
	if side == models.OrderSideSell {
		f.Tax = notional.Mul(s.SellTaxRate)
	}
	return f
}

// BuyCost is the cash a buy of qty at price debits.
func (s FeeSchedule) BuyCost(qty int64, price decimal.Decimal) decimal.Decimal {
	notional := price.Mul(decimal.NewFromInt(qty))
	return notional.Add(s.Compute(models.OrderSideBuy, qty, price).Total())
}

// SellProceeds is the cash a sell of qty at price credits.
func (s FeeSchedule) SellProceeds(qty int64, price decimal.Decimal) decimal.Decimal {
	notional := price.Mul(decimal.NewFromInt(qty))
	return notional.Sub(s.Compute(models.OrderSideSell, qty, price).Total())
}

// MarketRules holds the exchange microstructure limits.
type MarketRules struct {
	LotSize   int64
	PriceBand decimal.Decimal // 0.07 = +/-7% of reference
}

// DefaultMarketRules returns a 100 share lot and a 7% band.
func DefaultMarketRules() MarketRules {
	return MarketRules{
		LotSize:   100,
		PriceBand: decimal.RequireFromString("0.07"),
	}
}

// Ceiling returns the highest price accepted for the session.
func (r MarketRules) Ceiling(reference decimal.Decimal) decimal.Decimal {
	return reference.Mul(decimal.NewFromInt(1).Add(r.PriceBand))
}

// Floor returns the lowest price accepted for the session.
func (r MarketRules) Floor(reference decimal.Decimal) decimal.Decimal {
	return reference.Mul(decimal.NewFromInt(1).Sub(r.PriceBand))
}

// CheckLot validates the quantity against the lot size.
func (r MarketRules) CheckLot(qty int64) error {
	if qty <= 0 {
		return fmt.Errorf("quantity %d must be positive", qty)
	}
	if r.LotSize > 0 && qty%r.LotSize != 0 {
		return fmt.Errorf("quantity %d is not a multiple of lot size %d", qty, r.LotSize)
	}
	return nil
}

// CheckBand validates price against the band around reference.
func (r MarketRules) CheckBand(price, reference decimal.Decimal) error {
	if !reference.IsPositive() {
		return nil
	}
	floor, ceiling := r.Floor(reference), r.Ceiling(reference)
	if price.LessThan(floor) || price.GreaterThan(ceiling) {
		return fmt.Errorf("price %s outside band [%s, %s]", price.String(), floor.StringFixed(2), ceiling.StringFixed(2))
	}
	return nil
}
