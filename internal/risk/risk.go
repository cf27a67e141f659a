// Package risk validates AI decisions against deterministic trading policy.
//
// Rules are pure functions of the request, the decision and the enrichment
// context. The first rule to reject wins.
package risk

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"mt5-bridge/internal/markethours"
	"mt5-bridge/internal/model"
)

// Rejection reasons, reported as the RISK_REJECTED sub-reason.
const (
	ReasonNoTrade       = "NO_TRADE"
	ReasonLowConfidence = "LOW_CONFIDENCE"
	ReasonLotTooLarge   = "LOT_TOO_LARGE"
	ReasonInvalidLot    = "INVALID_LOT"
	ReasonLotBelowStep  = "LOT_BELOW_STEP"
	ReasonInvalidStops  = "INVALID_STOPS"
	ReasonMarketClosed  = "MARKET_CLOSED"
)

// Limits defines configurable risk thresholds.
type Limits struct {
	MinConfidence float64 `json:"min_confidence"` // reject below this
	MaxLot        float64 `json:"max_lot"`        // reject above this
	LotStep       float64 `json:"lot_step"`       // broker volume step
	BlockWeekend  bool    `json:"block_weekend"`  // reject while FX is closed
}

// DefaultLimits returns conservative default limits.
func DefaultLimits() Limits {
	return Limits{
		MinConfidence: 0.6,
		MaxLot:        1.0,
		LotStep:       0.01,
	}
}

// Input is everything a rule may look at.
type Input struct {
	Request  model.SignalRequest
	Decision model.AIDecision
	Market   model.MarketContext
	Now      time.Time
}

// Price is the reference price for stop checks: the enrichment price, else
// the one the front-end quoted.
func (in Input) Price() float64 {
	if in.Market.Price > 0 {
		return in.Market.Price
	}
	return in.Request.Price
}

// Rejection is a deterministic policy rejection.
type Rejection struct {
	Reason  string
	Message string
}

func (r *Rejection) Error() string { return r.Reason + ": " + r.Message }

func reject(reason, format string, args ...any) *Rejection {
	return &Rejection{Reason: reason, Message: fmt.Sprintf(format, args...)}
}

// Rule returns nil to pass or a Rejection.
type Rule func(in Input) *Rejection

// Validator runs an ordered rule list.
type Validator struct {
	limits Limits
	rules  []Rule
}

// New builds the default rule chain for limits, followed by extra.
func New(limits Limits, extra ...Rule) *Validator {
	rules := []Rule{
		NoTrade(),
		MinConfidence(limits.MinConfidence),
		PositiveLot(),
		MaxLot(limits.MaxLot),
		LotStep(limits.LotStep),
		Stops(),
	}
	if limits.BlockWeekend {
		rules = append(rules, MarketOpen())
	}
	rules = append(rules, extra...)
	return &Validator{limits: limits, rules: rules}
}

// Limits returns the configured thresholds.
func (v *Validator) Limits() Limits { return v.limits }

// Check applies every rule in order. On acceptance it returns the decision
// with its lot normalized to the lot step.
func (v *Validator) Check(in Input) (model.AIDecision, *Rejection) {
	if in.Now.IsZero() {
		in.Now = time.Now()
	}
	for _, rule := range v.rules {
		if rej := rule(in); rej != nil {
			return in.Decision, rej
		}
	}
	d := in.Decision
	if v.limits.LotStep > 0 {
		d.Lot = NormalizeLot(d.Lot, v.limits.LotStep)
	}
	return d, nil
}

// NoTrade rejects HOLD decisions.
func NoTrade() Rule {
	return func(in Input) *Rejection {
		if !in.Decision.Action.Tradable() {
			return reject(ReasonNoTrade, "decision is %s, nothing to execute", in.Decision.Action)
		}
		return nil
	}
}

// MinConfidence rejects decisions less confident than floor.
func MinConfidence(floor float64) Rule {
	return func(in Input) *Rejection {
		if in.Decision.Confidence < floor {
			return reject(ReasonLowConfidence, "confidence %.2f below minimum %.2f", in.Decision.Confidence, floor)
		}
		return nil
	}
}

// PositiveLot rejects non-positive lots.
func PositiveLot() Rule {
	return func(in Input) *Rejection {
		if in.Decision.Lot <= 0 {
			return reject(ReasonInvalidLot, "lot %g must be positive", in.Decision.Lot)
		}
		return nil
	}
}

// MaxLot rejects lots above limit.
func MaxLot(limit float64) Rule {
	return func(in Input) *Rejection {
		if limit > 0 && in.Decision.Lot > limit {
			return reject(ReasonLotTooLarge, "lot %g exceeds maximum %g", in.Decision.Lot, limit)
		}
		return nil
	}
}

// LotStep rejects lots that floor to zero at step.
func LotStep(step float64) Rule {
	return func(in Input) *Rejection {
		if step > 0 && NormalizeLot(in.Decision.Lot, step) <= 0 {
			return reject(ReasonLotBelowStep, "lot %g below lot step %g", in.Decision.Lot, step)
		}
		return nil
	}
}

// Stops requires SL < price < TP for BUY and TP < price < SL for SELL,
// checking only the levels that are known.
func Stops() Rule {
	return func(in Input) *Rejection {
		price := in.Price()
		if price <= 0 {
			return nil
		}
		d := in.Decision
		switch d.Action {
		case model.ActionBuy:
			if d.StopLoss != nil && *d.StopLoss >= price {
				return reject(ReasonInvalidStops, "BUY stop_loss %g not below price %g", *d.StopLoss, price)
			}
			if d.TakeProfit != nil && *d.TakeProfit <= price {
				return reject(ReasonInvalidStops, "BUY take_profit %g not above price %g", *d.TakeProfit, price)
			}
		case model.ActionSell:
			if d.StopLoss != nil && *d.StopLoss <= price {
				return reject(ReasonInvalidStops, "SELL stop_loss %g not above price %g", *d.StopLoss, price)
			}
			if d.TakeProfit != nil && *d.TakeProfit >= price {
				return reject(ReasonInvalidStops, "SELL take_profit %g not below price %g", *d.TakeProfit, price)
			}
		}
		return nil
	}
}

// MarketOpen rejects while the FX market is closed.
func MarketOpen() Rule {
	return func(in Input) *Rejection {
		if !markethours.IsMarketOpen(in.Now) {
			return reject(ReasonMarketClosed, "%s", markethours.StatusString(in.Now))
		}
		return nil
	}
}

// NormalizeLot floors lot to a multiple of step.
func NormalizeLot(lot, step float64) float64 {
	if step <= 0 {
		return lot
	}
	s := decimal.NewFromFloat(step)
	n := decimal.NewFromFloat(lot).Div(s).Floor().Mul(s)
	f, _ := n.Float64()
	return f
}
