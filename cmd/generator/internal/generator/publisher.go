package generator

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/segmentio/kafka-go"

	"github.com/shubham-shewale/stock-relay/pkg/models"
)

// KafkaPublisher writes Finnhub shaped trade frames keyed by symbol, so
// every trade of a symbol lands on the same partition.
type KafkaPublisher struct {
	writer KafkaWriter
}

func NewKafkaPublisher(writer KafkaWriter) *KafkaPublisher {
	return &KafkaPublisher{writer: writer}
}

func (p *KafkaPublisher) Publish(ctx context.Context, trade models.FinnhubTradeData) error {
	payload, err := json.Marshal(models.FinnhubTradeMessage{
		Type: "trade",
		Data: []models.FinnhubTradeData{trade},
	})
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(trade.Symbol),
		Value: payload,
	})
}

func (p *KafkaPublisher) Close() error { return p.writer.Close() }

// AMQPPublisher publishes one BrokerTrade per message on a topic exchange
// with the symbol as routing key.
type AMQPPublisher struct {
	ch       AMQPChannel
	conn     *amqp.Connection
	exchange string
}

// NewAMQPPublisher declares the exchange on ch. conn may be nil when the
// channel is owned elsewhere.
func NewAMQPPublisher(ch AMQPChannel, conn *amqp.Connection, exchange string) (*AMQPPublisher, error) {
	err := ch.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		return nil, err
	}
	return &AMQPPublisher{ch: ch, conn: conn, exchange: exchange}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, trade models.FinnhubTradeData) error {
	body, err := json.Marshal(models.BrokerTrade{
		Symbol:    trade.Symbol,
		Price:     trade.Price,
		Timestamp: time.UnixMilli(trade.Timestamp).UTC(),
	})
	if err != nil {
		return err
	}
	return p.ch.PublishWithContext(ctx,
		p.exchange,   // exchange
		trade.Symbol, // routing key
		false,        // mandatory
		false,        // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Timestamp:   time.UnixMilli(trade.Timestamp),
			Body:        body,
		})
}

func (p *AMQPPublisher) Close() error {
	err := p.ch.Close()
	if p.conn != nil {
		err = errors.Join(err, p.conn.Close())
	}
	return err
}

// Fanout publishes every trade to all of its publishers and reports the
// joined errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, trade models.FinnhubTradeData) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, trade); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f Fanout) Close() error {
	var errs []error
	for _, p := range f {
		errs = append(errs, p.Close())
	}
	return errors.Join(errs...)
}
