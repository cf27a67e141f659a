package model

import "time"

// SignalRequest is a candidate trade proposed by the front-end.
// Immutable once accepted by the broker channel.
type SignalRequest struct {
	RequestID  string    `json:"request_id"`
	AccountID  string    `json:"account_id"`
	Symbol     string    `json:"symbol"`
	Action     Action    `json:"action"`
	Lot        float64   `json:"lot"`
	StopLoss   *float64  `json:"stop_loss,omitempty"`
	TakeProfit *float64  `json:"take_profit,omitempty"`
	Confidence float64   `json:"confidence"`
	Price      float64   `json:"price,omitempty"` // 0 when the peer did not quote one
	Strategy   string    `json:"strategy"`
	AuthToken  string    `json:"-"`
	Mode       string    `json:"mode,omitempty"` // "deep" selects the long AI budget
	ReceivedAt time.Time `json:"received_at"`
}

// Deep reports whether the request asked for the deep analysis budget.
func (r SignalRequest) Deep() bool {
	return r.Mode == "deep"
}
