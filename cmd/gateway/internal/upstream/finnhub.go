package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shubham-shewale/stock-relay/pkg/models"
)

// Finnhub streams trades from wss://ws.finnhub.io. The token travels in the
// query string; control frames are one {"type":"subscribe","symbol":S} per
// symbol.
type Finnhub struct {
	endpoint string
	token    string
	dialer   *websocket.Dialer
	ws       wsSession
}

func NewFinnhub(endpoint, token string) *Finnhub {
	return &Finnhub{
		endpoint: endpoint,
		token:    token,
		dialer:   websocket.DefaultDialer,
	}
}

func (a *Finnhub) Name() string { return "finnhub" }

func (a *Finnhub) Connect(ctx context.Context) error {
	u, err := url.Parse(a.endpoint)
	if err != nil {
		return &ConnectionError{Provider: a.Name(), Op: "dial", Err: err}
	}
	q := u.Query()
	q.Set("token", a.token)
	u.RawQuery = q.Encode()

	conn, resp, err := a.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return fmt.Errorf("%s: %w (status %d)", a.Name(), ErrAuth, resp.StatusCode)
		}
		return &ConnectionError{Provider: a.Name(), Op: "dial", Err: err}
	}
	a.ws.set(conn)
	return nil
}

func (a *Finnhub) Subscribe(ctx context.Context, symbols []string) error {
	return a.send("subscribe", symbols)
}

func (a *Finnhub) Unsubscribe(ctx context.Context, symbols []string) error {
	return a.send("unsubscribe", symbols)
}

func (a *Finnhub) send(action string, symbols []string) error {
	for _, sym := range symbols {
		msg := map[string]string{"type": action, "symbol": sym}
		if err := a.ws.writeJSON(msg); err != nil {
			return &ConnectionError{Provider: a.Name(), Op: action, Err: err}
		}
	}
	return nil
}

func (a *Finnhub) Stream(ctx context.Context, onFrame func([]byte)) error {
	return a.ws.stream(ctx, a.Name(), onFrame)
}

func (a *Finnhub) Decode(raw []byte) ([]models.Tick, error) {
	return decodeFinnhub(a.Name(), raw)
}

func (a *Finnhub) Close() error { return a.ws.close() }

// decodeFinnhub parses {"type":"trade","data":[{"s","p","t","v"}]}. Pings
// and other control frames carry no ticks.
func decodeFinnhub(provider string, raw []byte) ([]models.Tick, error) {
	var msg models.FinnhubTradeMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, &DecodeError{Provider: provider, Reason: "invalid json", Err: err}
	}

	switch msg.Type {
	case "trade":
	case "error":
		return nil, &DecodeError{Provider: provider, Reason: "provider error: " + msg.Msg}
	default:
		return nil, nil
	}

	ticks := make([]models.Tick, 0, len(msg.Data))
	for _, d := range msg.Data {
		sym := strings.ToUpper(strings.TrimSpace(d.Symbol))
		if sym == "" || !validPrice(d.Price) {
			continue
		}
		ticks = append(ticks, models.Tick{
			Symbol:    sym,
			Price:     d.Price,
			EventTime: time.UnixMilli(d.Timestamp),
		})
	}
	if len(ticks) == 0 && len(msg.Data) > 0 {
		return nil, &DecodeError{Provider: provider, Reason: "trade frame without valid ticks"}
	}
	return ticks, nil
}
