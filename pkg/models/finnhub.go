package models

import "time"

type FinnhubTradeData struct {
	Price     float64 `json:"p"` // Last price
	Symbol    string  `json:"s"` // Symbol (e.g., "AAPL")
	Timestamp int64   `json:"t"` // Unix timestamp in milliseconds
	Volume    float64 `json:"v"` // Volume
}

// FinnhubTradeMessage is the frame shape of the Finnhub trade stream. The
// generator publishes the same shape to Kafka.
type FinnhubTradeMessage struct {
	Type string             `json:"type"`
	Data []FinnhubTradeData `json:"data,omitempty"` // List of trades
	Msg  string             `json:"msg,omitempty"`  // Set on "error" frames
}

// BrokerTrade is the body published on the AMQP exchange, one trade per
// message, routed by symbol.
type BrokerTrade struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}
