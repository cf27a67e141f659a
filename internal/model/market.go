package model

import "time"

// AccountState is the orchestrator's view of one trading account.
type AccountState struct {
	AccountID string `json:"account_id"`
	InFlight  int    `json:"in_flight"`
	Executed  int64  `json:"executed"`
}

// MarketContext is the enrichment record handed to the prompt builder.
type MarketContext struct {
	Symbol     string             `json:"symbol"`
	Price      float64            `json:"price"`
	PriceSrc   string             `json:"price_source"` // "quote", "request" or "none"
	Indicators map[string]float64 `json:"indicators"`
	Session    string             `json:"session"`
	Account    AccountState       `json:"account"`
	AsOf       time.Time          `json:"as_of"`
}
