package model

import "time"

// OrderInstruction is what the orchestrator asks the front-end to execute.
type OrderInstruction struct {
	CorrelationID string    `json:"request_id"`
	Symbol        string    `json:"symbol"`
	Action        Action    `json:"action"`
	Lot           float64   `json:"lot"`
	StopLoss      *float64  `json:"stop_loss"`
	TakeProfit    *float64  `json:"take_profit"`
	Deadline      time.Time `json:"deadline"`
}

// OrderAck is the front-end's asynchronous answer to an OrderInstruction.
type OrderAck struct {
	CorrelationID string    `json:"request_id"`
	Success       bool      `json:"success"`
	OrderID       string    `json:"order_id,omitempty"`
	Error         string    `json:"error,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}
