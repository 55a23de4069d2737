package testutils

import (
	"context"
	"errors"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/segmentio/kafka-go"

	"github.com/shubham-shewale/stock-relay/cmd/generator/internal/generator"
	"github.com/shubham-shewale/stock-relay/pkg/models"
)

type MockKafkaWriter struct {
	Messages   []kafka.Message
	Mu         sync.Mutex
	ShouldFail bool
	Closed     bool
}

func (m *MockKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if m.ShouldFail {
		return errors.New("kafka error")
	}
	m.Messages = append(m.Messages, msgs...)
	return nil
}

func (m *MockKafkaWriter) Close() error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Closed = true
	return nil
}

type Published struct {
	Exchange string
	Key      string
	Msg      amqp.Publishing
}

type MockAMQPChannel struct {
	Mu         sync.Mutex
	Exchanges  []string
	Published  []Published
	DeclareErr error
	Closed     bool
}

func (m *MockAMQPChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if m.DeclareErr != nil {
		return m.DeclareErr
	}
	m.Exchanges = append(m.Exchanges, name+":"+kind)
	return nil
}

func (m *MockAMQPChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Published = append(m.Published, Published{Exchange: exchange, Key: key, Msg: msg})
	return nil
}

func (m *MockAMQPChannel) Close() error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Closed = true
	return nil
}

// MockPublisher records trades in order.
type MockPublisher struct {
	Mu     sync.Mutex
	Trades []models.FinnhubTradeData
	Err    error
}

func (m *MockPublisher) Publish(ctx context.Context, trade models.FinnhubTradeData) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.Trades = append(m.Trades, trade)
	return nil
}

func (m *MockPublisher) Close() error { return nil }

type MockClock struct {
	CurrentTime time.Time
}

func (m *MockClock) Now() time.Time        { return m.CurrentTime }
func (m *MockClock) Sleep(d time.Duration) { m.CurrentTime = m.CurrentTime.Add(d) }

type MockRand struct {
	ValInt   int
	ValFloat float64
}

func (m *MockRand) Intn(n int) int   { return m.ValInt % n }
func (m *MockRand) Float64() float64 { return m.ValFloat }

type MockKafkaConn struct {
	CreatedTopics []string
	Partitions    int
	NoPartitions  bool
}

func (m *MockKafkaConn) Controller() (kafka.Broker, error) {
	return kafka.Broker{Host: "localhost", Port: 9092}, nil
}
func (m *MockKafkaConn) Close() error { return nil }
func (m *MockKafkaConn) CreateTopics(topics ...kafka.TopicConfig) error {
	for _, t := range topics {
		m.CreatedTopics = append(m.CreatedTopics, t.Topic)
		m.Partitions = t.NumPartitions
	}
	return nil
}
func (m *MockKafkaConn) ReadPartitions(topics ...string) ([]kafka.Partition, error) {
	if m.NoPartitions {
		return nil, nil
	}
	// Simulate "Ready" state immediately
	return []kafka.Partition{{ID: 0}}, nil
}

type MockKafkaDialer struct {
	ConnSpy *MockKafkaConn
	Dialed  []string
	FailFor map[string]bool
}

func (m *MockKafkaDialer) DialContext(ctx context.Context, network, address string) (generator.KafkaConn, error) {
	m.Dialed = append(m.Dialed, address)
	if m.FailFor[address] {
		return nil, errors.New("connection refused")
	}
	if m.ConnSpy == nil {
		m.ConnSpy = &MockKafkaConn{}
	}
	return m.ConnSpy, nil
}
