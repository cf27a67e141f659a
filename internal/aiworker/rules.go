package aiworker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"mt5-bridge/internal/decision"
	"mt5-bridge/internal/model"
)

// RuleEngine is a deterministic offline engine. It reads the context object
// embedded in the prompt ({"proposal":{...},"market":{...}}) and answers with
// a schema-conformant decision, so staging runs need no model weights.
type RuleEngine struct {
	// Tilt is added to (or subtracted from) the proposed confidence when the
	// EMA/SMA trend agrees (or disagrees) with the proposed direction.
	Tilt float64
	// StopPct and TargetPct derive missing stops from the current price.
	StopPct   float64
	TargetPct float64
}

// NewRuleEngine returns a RuleEngine with the default tilt and stop distances.
func NewRuleEngine() *RuleEngine {
	return &RuleEngine{Tilt: 0.15, StopPct: 0.002, TargetPct: 0.004}
}

func (e *RuleEngine) Load(string) error { return nil }

func (e *RuleEngine) Close() error { return nil }

func (e *RuleEngine) Generate(ctx context.Context, prompt string, _ int, _ float64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	raw, ok := decision.ExtractJSON(prompt)
	if !ok {
		return "", errors.New("prompt carries no context object")
	}
	ctxDoc := gjson.Parse(raw)

	action, err := model.ParseAction(ctxDoc.Get("proposal.action").String())
	if err != nil {
		return "", err
	}
	conf := ctxDoc.Get("proposal.confidence").Float()
	lot := ctxDoc.Get("proposal.lot").Float()
	if lot <= 0 {
		lot = 0.01
	}
	price := ctxDoc.Get("market.price").Float()
	ema := ctxDoc.Get("market.indicators.ema_9")
	sma := ctxDoc.Get("market.indicators.sma_20")
	rsi := ctxDoc.Get("market.indicators.rsi_14")

	var reasons []string
	if ema.Exists() && sma.Exists() && action.Tradable() {
		up := ema.Float() > sma.Float()
		if up == (action == model.ActionBuy) {
			conf += e.Tilt
			reasons = append(reasons, "trend agrees")
		} else {
			conf -= e.Tilt
			reasons = append(reasons, "trend disagrees")
		}
	}
	if rsi.Exists() {
		switch {
		case action == model.ActionBuy && rsi.Float() > 70:
			action = model.ActionHold
			reasons = append(reasons, fmt.Sprintf("RSI %.1f overbought", rsi.Float()))
		case action == model.ActionSell && rsi.Float() < 30:
			action = model.ActionHold
			reasons = append(reasons, fmt.Sprintf("RSI %.1f oversold", rsi.Float()))
		}
	}
	conf = math.Max(0, math.Min(1, conf))

	d := model.AIDecision{
		Action:     action,
		Confidence: round(conf, 2),
		Lot:        lot,
		StopLoss:   optFloat(ctxDoc.Get("proposal.stop_loss")),
		TakeProfit: optFloat(ctxDoc.Get("proposal.take_profit")),
	}
	if price > 0 && action.Tradable() {
		sign := 1.0
		if action == model.ActionSell {
			sign = -1
		}
		if d.StopLoss == nil {
			sl := round(price*(1-sign*e.StopPct), 5)
			d.StopLoss = &sl
		}
		if d.TakeProfit == nil {
			tp := round(price*(1+sign*e.TargetPct), 5)
			d.TakeProfit = &tp
		}
	}
	if len(reasons) == 0 {
		reasons = append(reasons, "proposal accepted as-is")
	}
	d.Reason = strings.Join(reasons, "; ")

	out, err := decision.Marshal(d)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func optFloat(r gjson.Result) *float64 {
	if !r.Exists() || r.Type == gjson.Null {
		return nil
	}
	v := r.Float()
	return &v
}

func round(v float64, places int32) float64 {
	f, _ := decimal.NewFromFloat(v).Round(places).Float64()
	return f
}
