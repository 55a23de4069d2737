package protocol

import "encoding/json"

// Inbound control events
const (
	EventSubscribeStock    = "subscribe-to-stock"
	EventSubscribeSingle   = "subscribe-to-single"
	EventUnsubscribeSingle = "unsubscribe-from-single"
	EventSubscribeMulti    = "subscribe-to-multi"
)

// Outbound events
const (
	EventStockUpdate  = "stock-update"
	EventSingleUpdate = "stock-single-update"
	EventAck          = "ack"
	EventError        = "error"
)

// Request is an inbound frame: {"event":"subscribe-to-stock","data":"AAPL","id":"r1"}.
// Data is a symbol string, an array of symbols, or absent depending on event.
type Request struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	ID    string          `json:"id,omitempty"`
}

// Message is an outbound frame.
type Message struct {
	Event string      `json:"event"`
	ID    string      `json:"id,omitempty"` // Matches request ID
	Data  interface{} `json:"data,omitempty"`
}

type Reply struct {
	Status  string `json:"status,omitempty"` // "success", "error"
	Message string `json:"message,omitempty"`
}

// Symbol decodes Data as a single symbol.
func (r Request) Symbol() (string, error) {
	var s string
	if err := json.Unmarshal(r.Data, &s); err != nil {
		return "", err
	}
	return s, nil
}

// Symbols decodes Data as a list of symbols. A bare string is accepted as a
// one element list.
func (r Request) Symbols() ([]string, error) {
	var list []string
	if err := json.Unmarshal(r.Data, &list); err == nil {
		return list, nil
	}
	s, err := r.Symbol()
	if err != nil {
		return nil, err
	}
	return []string{s}, nil
}
