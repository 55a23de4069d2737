package generator

import (
	"context"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/segmentio/kafka-go"

	"github.com/shubham-shewale/stock-relay/pkg/models"
)

// Clock and Rand are injected so tests can drive the loop deterministically.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type Rand interface {
	Intn(n int) int
	Float64() float64
}

// Publisher delivers one simulated trade to a broker.
type Publisher interface {
	Publish(ctx context.Context, trade models.FinnhubTradeData) error
	Close() error
}

type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type AMQPChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type KafkaDialer interface {
	DialContext(ctx context.Context, network, address string) (KafkaConn, error)
}

type KafkaConn interface {
	Controller() (kafka.Broker, error)
	Close() error
	CreateTopics(topics ...kafka.TopicConfig) error
	ReadPartitions(topics ...string) ([]kafka.Partition, error)
}

// RealClock is the wall clock. *rand.Rand already satisfies Rand and
// *kafka.Conn satisfies KafkaConn.
type RealClock struct{}

func (RealClock) Now() time.Time        { return time.Now() }
func (RealClock) Sleep(d time.Duration) { time.Sleep(d) }

// KafkaNetDialer returns *kafka.Conn behind the KafkaConn interface.
type KafkaNetDialer struct{ *kafka.Dialer }

func (d KafkaNetDialer) DialContext(ctx context.Context, network, address string) (KafkaConn, error) {
	conn, err := d.Dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

var _ KafkaConn = (*kafka.Conn)(nil)
