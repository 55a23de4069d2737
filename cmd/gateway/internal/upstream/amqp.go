package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/shubham-shewale/stock-relay/pkg/models"
)

const amqpExchangeType = "topic"

// amqpChannel is the subset of *amqp.Channel used once the queue exists.
type amqpChannel interface {
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	QueueUnbind(name, key, exchange string, args amqp.Table) error
}

// AMQP consumes trades from a RabbitMQ topic exchange. Each session declares
// an exclusive auto-delete queue and binds one routing key per symbol.
type AMQP struct {
	url      string
	exchange string

	mu         sync.Mutex
	conn       *amqp.Connection
	ch         amqpChannel
	queue      string
	deliveries <-chan amqp.Delivery
}

func NewAMQP(url, exchange string) *AMQP {
	return &AMQP{url: url, exchange: exchange}
}

func (a *AMQP) Name() string { return "amqp" }

func (a *AMQP) Connect(ctx context.Context) error {
	cfg := amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial: func(network, addr string) (net.Conn, error) {
			d := net.Dialer{}
			if deadline, ok := ctx.Deadline(); ok {
				d.Deadline = deadline
			}
			return d.DialContext(ctx, network, addr)
		},
	}
	conn, err := amqp.DialConfig(a.url, cfg)
	if err != nil {
		if errors.Is(err, amqp.ErrCredentials) {
			return fmt.Errorf("%s: %w: %v", a.Name(), ErrAuth, err)
		}
		return &ConnectionError{Provider: a.Name(), Op: "dial", Err: err}
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return &ConnectionError{Provider: a.Name(), Op: "channel", Err: err}
	}

	err = ch.ExchangeDeclare(
		a.exchange,       // name
		amqpExchangeType, // type
		true,             // durable
		false,            // auto-deleted
		false,            // internal
		false,            // no-wait
		nil,              // arguments
	)
	if err != nil {
		conn.Close()
		return &ConnectionError{Provider: a.Name(), Op: "declare exchange", Err: err}
	}

	q, err := ch.QueueDeclare(
		"",    // random name
		false, // non-durable
		true,  // delete when unused
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		conn.Close()
		return &ConnectionError{Provider: a.Name(), Op: "declare queue", Err: err}
	}

	msgs, err := ch.Consume(
		q.Name, // queue
		"",     // consumer tag
		true,   // auto-ack
		true,   // exclusive
		false,  // no-local
		false,  // no-wait
		nil,    // args
	)
	if err != nil {
		conn.Close()
		return &ConnectionError{Provider: a.Name(), Op: "consume", Err: err}
	}

	a.mu.Lock()
	a.conn = conn
	a.ch = ch
	a.queue = q.Name
	a.deliveries = msgs
	a.mu.Unlock()
	return nil
}

func (a *AMQP) Subscribe(ctx context.Context, symbols []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ch == nil {
		return ErrNotConnected
	}
	for _, sym := range symbols {
		if err := a.ch.QueueBind(a.queue, sym, a.exchange, false, nil); err != nil {
			return &ConnectionError{Provider: a.Name(), Op: "bind", Err: err}
		}
	}
	return nil
}

func (a *AMQP) Unsubscribe(ctx context.Context, symbols []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ch == nil {
		return ErrNotConnected
	}
	for _, sym := range symbols {
		if err := a.ch.QueueUnbind(a.queue, sym, a.exchange, nil); err != nil {
			return &ConnectionError{Provider: a.Name(), Op: "unbind", Err: err}
		}
	}
	return nil
}

func (a *AMQP) Stream(ctx context.Context, onFrame func([]byte)) error {
	a.mu.Lock()
	msgs := a.deliveries
	a.mu.Unlock()
	if msgs == nil {
		return &ConnectionError{Provider: a.Name(), Op: "read", Err: ErrNotConnected}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return &ConnectionError{Provider: a.Name(), Op: "read", Err: amqp.ErrClosed}
			}
			onFrame(d.Body)
		}
	}
}

func (a *AMQP) Decode(raw []byte) ([]models.Tick, error) {
	var t models.BrokerTrade
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, &DecodeError{Provider: a.Name(), Reason: "invalid json", Err: err}
	}
	sym := strings.ToUpper(strings.TrimSpace(t.Symbol))
	if sym == "" {
		return nil, &DecodeError{Provider: a.Name(), Reason: "missing symbol"}
	}
	if !validPrice(t.Price) {
		return nil, &DecodeError{Provider: a.Name(), Reason: fmt.Sprintf("invalid price %v for %s", t.Price, sym)}
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now()
	}
	return []models.Tick{{Symbol: sym, Price: t.Price, EventTime: t.Timestamp}}, nil
}

func (a *AMQP) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ch = nil
	a.deliveries = nil
	if a.conn == nil {
		return nil
	}
	err := a.conn.Close()
	a.conn = nil
	if errors.Is(err, amqp.ErrClosed) {
		return nil
	}
	return err
}
