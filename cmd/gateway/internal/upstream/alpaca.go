package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shubham-shewale/stock-relay/pkg/models"
)

// alpacaMessage covers the frames of the Alpaca market data v2 stream. Every
// frame is a JSON array of these.
type alpacaMessage struct {
	T      string  `json:"T"`
	Msg    string  `json:"msg,omitempty"`
	Code   int     `json:"code,omitempty"`
	Symbol string  `json:"S,omitempty"`
	Price  float64 `json:"p,omitempty"`
	Time   string  `json:"t,omitempty"`
}

// Alpaca streams trades from the Alpaca data API. It authenticates in-band:
// after the "connected" greeting it sends {"action":"auth"} and waits for
// "authenticated" or an error frame.
type Alpaca struct {
	endpoint string
	key      string
	secret   string
	dialer   *websocket.Dialer
	ws       wsSession
}

func NewAlpaca(endpoint, key, secret string) *Alpaca {
	return &Alpaca{
		endpoint: endpoint,
		key:      key,
		secret:   secret,
		dialer:   websocket.DefaultDialer,
	}
}

func (a *Alpaca) Name() string { return "alpaca" }

func (a *Alpaca) Connect(ctx context.Context) error {
	header := http.Header{}
	header.Set("APCA-API-KEY-ID", a.key)
	header.Set("APCA-API-SECRET-KEY", a.secret)

	conn, _, err := a.dialer.DialContext(ctx, a.endpoint, header)
	if err != nil {
		return &ConnectionError{Provider: a.Name(), Op: "dial", Err: err}
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	}

	if err := a.handshake(conn); err != nil {
		conn.Close()
		return err
	}
	conn.SetReadDeadline(time.Time{})
	a.ws.set(conn)
	return nil
}

func (a *Alpaca) handshake(conn *websocket.Conn) error {
	if _, err := a.expect(conn, "connected"); err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	auth := map[string]string{"action": "auth", "key": a.key, "secret": a.secret}
	if err := conn.WriteJSON(auth); err != nil {
		return &ConnectionError{Provider: a.Name(), Op: "auth", Err: err}
	}
	_, err := a.expect(conn, "authenticated")
	return err
}

// expect reads one frame and requires a success message with the given text.
func (a *Alpaca) expect(conn *websocket.Conn, want string) ([]alpacaMessage, error) {
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return nil, &ConnectionError{Provider: a.Name(), Op: "handshake", Err: err}
	}
	var msgs []alpacaMessage
	if err := json.Unmarshal(raw, &msgs); err != nil || len(msgs) == 0 {
		return nil, &ConnectionError{Provider: a.Name(), Op: "handshake", Err: fmt.Errorf("unexpected frame %q", raw)}
	}
	m := msgs[0]
	switch {
	case m.T == "success" && m.Msg == want:
		return msgs, nil
	case m.T == "error":
		// 401 not authenticated, 402 auth failed, 404 auth timeout, 406 connection limit
		if m.Code == 401 || m.Code == 402 || m.Code == 404 {
			return nil, fmt.Errorf("%s: %w: %d %s", a.Name(), ErrAuth, m.Code, m.Msg)
		}
		return nil, &ConnectionError{Provider: a.Name(), Op: "handshake", Err: fmt.Errorf("%d %s", m.Code, m.Msg)}
	}
	return nil, &ConnectionError{Provider: a.Name(), Op: "handshake", Err: fmt.Errorf("expected %q, got %q", want, m.Msg)}
}

func (a *Alpaca) Subscribe(ctx context.Context, symbols []string) error {
	return a.send("subscribe", symbols)
}

func (a *Alpaca) Unsubscribe(ctx context.Context, symbols []string) error {
	return a.send("unsubscribe", symbols)
}

func (a *Alpaca) send(action string, symbols []string) error {
	msg := map[string]interface{}{"action": action, "trades": symbols}
	if err := a.ws.writeJSON(msg); err != nil {
		return &ConnectionError{Provider: a.Name(), Op: action, Err: err}
	}
	return nil
}

func (a *Alpaca) Stream(ctx context.Context, onFrame func([]byte)) error {
	return a.ws.stream(ctx, a.Name(), onFrame)
}

func (a *Alpaca) Decode(raw []byte) ([]models.Tick, error) {
	var msgs []alpacaMessage
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return nil, &DecodeError{Provider: a.Name(), Reason: "invalid json", Err: err}
	}

	var ticks []models.Tick
	var decodeErr error
	for _, m := range msgs {
		switch m.T {
		case "t":
			sym := strings.ToUpper(strings.TrimSpace(m.Symbol))
			if sym == "" || !validPrice(m.Price) {
				continue
			}
			ts, err := time.Parse(time.RFC3339Nano, m.Time)
			if err != nil {
				ts = time.Now()
			}
			ticks = append(ticks, models.Tick{Symbol: sym, Price: m.Price, EventTime: ts})
		case "error":
			if decodeErr == nil {
				decodeErr = &DecodeError{Provider: a.Name(), Reason: fmt.Sprintf("provider error: %d %s", m.Code, m.Msg)}
			}
		}
	}
	return ticks, decodeErr
}

func (a *Alpaca) Close() error { return a.ws.close() }
