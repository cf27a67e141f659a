package orchestrator

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"

	"mt5-bridge/internal/model"
)

// Prompt context layout. The context object is the first JSON object in the
// prompt; the rules engine reads it back by path.
type promptContext struct {
	Proposal promptProposal     `json:"proposal"`
	Market   promptMarket       `json:"market"`
	Account  model.AccountState `json:"account"`
}

type promptProposal struct {
	Symbol     string       `json:"symbol"`
	Action     model.Action `json:"action"`
	Lot        json.Number  `json:"lot"`
	StopLoss   *json.Number `json:"stop_loss"`
	TakeProfit *json.Number `json:"take_profit"`
	Confidence json.Number  `json:"confidence"`
	Strategy   string       `json:"strategy"`
}

type promptMarket struct {
	Price       json.Number            `json:"price"`
	PriceSource string                 `json:"price_source"`
	Session     string                 `json:"session"`
	Indicators  map[string]json.Number `json:"indicators"`
}

const promptHeader = "You are a disciplined FX execution analyst. " +
	"Evaluate the proposed trade against the market context below.\n"

const promptFooter = "\nAnswer with ONLY one JSON object with keys: " +
	"action (BUY, SELL or HOLD), confidence (0 to 1), lot (greater than 0), " +
	"stop_loss (price or null), take_profit (price or null), reason (one short sentence). " +
	"Choose HOLD when the context does not support the proposal."

// num renders v with at most places decimals and no float noise.
func num(v float64, places int32) json.Number {
	return json.Number(decimal.NewFromFloat(v).Round(places).String())
}

func numPtr(v *float64, places int32) *json.Number {
	if v == nil {
		return nil
	}
	n := num(*v, places)
	return &n
}

// BuildPrompt renders the AI prompt for req under mc.
func BuildPrompt(req model.SignalRequest, mc model.MarketContext) (string, error) {
	inds := make(map[string]json.Number, len(mc.Indicators))
	for k, v := range mc.Indicators {
		inds[k] = num(v, 5)
	}
	pc := promptContext{
		Proposal: promptProposal{
			Symbol:     req.Symbol,
			Action:     req.Action,
			Lot:        num(req.Lot, 2),
			StopLoss:   numPtr(req.StopLoss, 5),
			TakeProfit: numPtr(req.TakeProfit, 5),
			Confidence: num(req.Confidence, 2),
			Strategy:   req.Strategy,
		},
		Market: promptMarket{
			Price:       num(mc.Price, 5),
			PriceSource: mc.PriceSrc,
			Session:     mc.Session,
			Indicators:  inds,
		},
		Account: mc.Account,
	}
	raw, err := json.Marshal(pc)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.Grow(len(promptHeader) + len(raw) + len(promptFooter))
	b.WriteString(promptHeader)
	b.Write(raw)
	b.WriteString(promptFooter)
	return b.String(), nil
}
