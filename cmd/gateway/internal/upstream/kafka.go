package upstream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/shubham-shewale/stock-relay/pkg/models"
)

// KafkaReader abstracts the input stream
type KafkaReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type KafkaOption func(*Kafka)

// WithReaderFactory replaces the segmentio reader, mainly for tests.
func WithReaderFactory(f func() KafkaReader) KafkaOption {
	return func(k *Kafka) { k.newReader = f }
}

// WithBrokerCheck overrides the reachability probe run on Connect.
func WithBrokerCheck(f func(ctx context.Context) error) KafkaOption {
	return func(k *Kafka) { k.check = f }
}

// Kafka consumes Finnhub-format trade frames from a topic. The topic carries
// every symbol the producer knows about, so subscriptions are a local filter
// rather than a wire operation.
type Kafka struct {
	brokers   []string
	topic     string
	groupID   string
	newReader func() KafkaReader
	check     func(ctx context.Context) error

	mu     sync.RWMutex
	reader KafkaReader
	filter map[string]struct{}
}

func NewKafka(brokers []string, topic, groupID string, opts ...KafkaOption) *Kafka {
	k := &Kafka{
		brokers: brokers,
		topic:   topic,
		groupID: groupID,
		filter:  make(map[string]struct{}),
	}
	k.newReader = func() KafkaReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:           k.brokers,
			Topic:             k.topic,
			GroupID:           k.groupID,
			MinBytes:          200,
			MaxBytes:          10e6,
			MaxWait:           200 * time.Millisecond,
			CommitInterval:    time.Second,
			HeartbeatInterval: 3 * time.Second,
			SessionTimeout:    10 * time.Second,
		})
	}
	k.check = k.dialBroker
	for _, opt := range opts {
		opt(k)
	}
	return k
}

func (k *Kafka) Name() string { return "kafka" }

func (k *Kafka) dialBroker(ctx context.Context) error {
	var errs []error
	for _, b := range k.brokers {
		conn, err := kafka.DialContext(ctx, "tcp", b)
		if err == nil {
			conn.Close()
			return nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return errors.New("no brokers configured")
	}
	return errors.Join(errs...)
}

func (k *Kafka) Connect(ctx context.Context) error {
	if err := k.check(ctx); err != nil {
		return &ConnectionError{Provider: k.Name(), Op: "dial", Err: err}
	}
	k.mu.Lock()
	k.reader = k.newReader()
	k.mu.Unlock()
	return nil
}

func (k *Kafka) Subscribe(ctx context.Context, symbols []string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, s := range symbols {
		k.filter[s] = struct{}{}
	}
	return nil
}

func (k *Kafka) Unsubscribe(ctx context.Context, symbols []string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, s := range symbols {
		delete(k.filter, s)
	}
	return nil
}

func (k *Kafka) Stream(ctx context.Context, onFrame func([]byte)) error {
	k.mu.RLock()
	reader := k.reader
	k.mu.RUnlock()
	if reader == nil {
		return &ConnectionError{Provider: k.Name(), Op: "read", Err: ErrNotConnected}
	}

	for {
		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &ConnectionError{Provider: k.Name(), Op: "read", Err: err}
		}
		onFrame(m.Value)
	}
}

// Decode parses the frame and keeps only ticks for subscribed symbols.
func (k *Kafka) Decode(raw []byte) ([]models.Tick, error) {
	ticks, err := decodeFinnhub(k.Name(), raw)
	if err != nil || len(ticks) == 0 {
		return ticks, err
	}

	k.mu.RLock()
	defer k.mu.RUnlock()
	out := ticks[:0]
	for _, t := range ticks {
		if _, ok := k.filter[t.Symbol]; ok {
			out = append(out, t)
		}
	}
	return out, nil
}

func (k *Kafka) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	// the next session replays the demand set
	k.filter = make(map[string]struct{})
	if k.reader == nil {
		return nil
	}
	err := k.reader.Close()
	k.reader = nil
	return err
}
