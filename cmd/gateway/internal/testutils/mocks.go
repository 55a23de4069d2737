package testutils

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/shubham-shewale/stock-relay/cmd/gateway/internal/hub"
	"github.com/shubham-shewale/stock-relay/cmd/gateway/internal/protocol"
	"github.com/shubham-shewale/stock-relay/pkg/models"
)

// MockClient simulates a connected websocket client
type MockClient struct {
	IDVal    string
	Messages []protocol.Message // Replies sent with SendJSON
	RawBytes []string           // Frames sent with SendBytes
	Closed   bool
	// Full makes every send fail as if the outbound buffer had no room.
	Full bool
	Mu   sync.Mutex
}

func NewMockClient(id string) *MockClient {
	return &MockClient{IDVal: id, Messages: make([]protocol.Message, 0)}
}

func (m *MockClient) ID() string { return m.IDVal }

func (m *MockClient) Close() {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Closed = true
}

func (m *MockClient) SendJSON(v interface{}) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if m.Full {
		return hub.ErrSendBufferFull
	}
	if msg, ok := v.(protocol.Message); ok {
		m.Messages = append(m.Messages, msg)
	}
	return nil
}

func (m *MockClient) SendBytes(b []byte) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if m.Full {
		return hub.ErrSendBufferFull
	}
	m.RawBytes = append(m.RawBytes, string(b))
	return nil
}

func (m *MockClient) SetFull(full bool) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Full = full
}

func (m *MockClient) IsClosed() bool {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return m.Closed
}

// LastReply returns the last ack or error sent to the client.
func (m *MockClient) LastReply() (protocol.Message, protocol.Reply) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if len(m.Messages) == 0 {
		return protocol.Message{}, protocol.Reply{}
	}
	msg := m.Messages[len(m.Messages)-1]
	reply, _ := msg.Data.(protocol.Reply)
	return msg, reply
}

func (m *MockClient) LastMsgType() string {
	msg, _ := m.LastReply()
	return msg.Event
}

// Frame is a decoded outbound data frame.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Frames decodes every frame sent with SendBytes.
func (m *MockClient) Frames() []Frame {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	out := make([]Frame, 0, len(m.RawBytes))
	for _, raw := range m.RawBytes {
		var f Frame
		if err := json.Unmarshal([]byte(raw), &f); err == nil {
			out = append(out, f)
		}
	}
	return out
}

// Cards returns the payloads of every stock-update frame received.
func (m *MockClient) Cards() []models.CardUpdate {
	var out []models.CardUpdate
	for _, f := range m.Frames() {
		if f.Event != protocol.EventStockUpdate {
			continue
		}
		var c models.CardUpdate
		if err := json.Unmarshal(f.Data, &c); err == nil {
			out = append(out, c)
		}
	}
	return out
}

// Singles returns the payloads of every stock-single-update frame received.
func (m *MockClient) Singles() []models.SingleUpdate {
	var out []models.SingleUpdate
	for _, f := range m.Frames() {
		if f.Event != protocol.EventSingleUpdate {
			continue
		}
		var s models.SingleUpdate
		if err := json.Unmarshal(f.Data, &s); err == nil {
			out = append(out, s)
		}
	}
	return out
}

func (m *MockClient) Reset() {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Messages = m.Messages[:0]
	m.RawBytes = m.RawBytes[:0]
}

// MockUpstream records demand transitions the hub sends to the providers.
type MockUpstream struct {
	Subscribed map[string]int // symbol -> net subscribe count
	Calls      []string       // "sub AAPL,TSLA" / "unsub AAPL" in call order
	Mu         sync.Mutex
}

func NewMockUpstream() *MockUpstream {
	return &MockUpstream{Subscribed: make(map[string]int)}
}

func (m *MockUpstream) Subscribe(ctx context.Context, symbols []string) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	for _, s := range symbols {
		m.Subscribed[s]++
	}
	m.Calls = append(m.Calls, "sub "+strings.Join(symbols, ","))
	return nil
}

func (m *MockUpstream) Unsubscribe(ctx context.Context, symbols []string) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	for _, s := range symbols {
		m.Subscribed[s]--
		if m.Subscribed[s] <= 0 {
			delete(m.Subscribed, s)
		}
	}
	m.Calls = append(m.Calls, "unsub "+strings.Join(symbols, ","))
	return nil
}

func (m *MockUpstream) Count(symbol string) int {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return m.Subscribed[symbol]
}

func (m *MockUpstream) CallLog() []string {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return append([]string(nil), m.Calls...)
}

// MockSeeder records the symbols the hub asked to seed.
type MockSeeder struct {
	Ensured []string
	Mu      sync.Mutex
}

func (m *MockSeeder) Ensure(symbol string) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Ensured = append(m.Ensured, symbol)
}

func AssertTrue(t *testing.T, condition bool, msg string) {
	t.Helper()
	if !condition {
		t.Errorf("Assertion failed: %s", msg)
	}
}
