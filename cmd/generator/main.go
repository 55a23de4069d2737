package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/shubham-shewale/stock-relay/cmd/generator/internal/generator"
	"github.com/shubham-shewale/stock-relay/pkg/config"
)

// Rough reference prices; unknown symbols start at 100.
var basePrices = map[string]float64{
	"AAPL": 190, "MSFT": 410, "NVDA": 880, "TSLA": 175, "AMZN": 180,
	"META": 490, "GOOGL": 150, "AMD": 160, "NFLX": 620, "UBER": 70,
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	logger, err := config.NewLogger(cfg.Logger)
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var pub generator.Fanout

	// Kafka is always fed; AMQP only when the relay consumes it
	topics := generator.NewTopicCreator(logger, generator.KafkaNetDialer{Dialer: kafka.DefaultDialer}, generator.RealClock{}, 4)
	topics.Create(ctx, cfg.Kafka.Brokers, cfg.Kafka.Topic)

	writer := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.Hash{}, // Key ensures partition ordering per symbol
		// Optimization: Send batches to reduce network IO
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		Async:        true,
	}
	pub = append(pub, generator.NewKafkaPublisher(writer))

	if slices.Contains(cfg.Relay.Providers, "amqp") {
		conn, err := amqp.Dial(cfg.AMQP.URL)
		if err != nil {
			logger.Fatal("Failed to connect to RabbitMQ", zap.Error(err))
		}
		ch, err := conn.Channel()
		if err != nil {
			logger.Fatal("Failed to open a channel", zap.Error(err))
		}
		amqpPub, err := generator.NewAMQPPublisher(ch, conn, cfg.AMQP.Exchange)
		if err != nil {
			logger.Fatal("Failed to declare exchange", zap.Error(err))
		}
		pub = append(pub, amqpPub)
	}

	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	gen := generator.NewTradeGenerator(logger, pub, cfg.Seed.Symbols, basePrices,
		r, generator.RealClock{}, 100*time.Millisecond)

	logger.Info("Publishing simulated trades",
		zap.Strings("brokers", cfg.Kafka.Brokers),
		zap.String("topic", cfg.Kafka.Topic),
		zap.Bool("amqp", len(pub) > 1))

	gen.Run(ctx)
	logger.Info("Shutdown signal received")

	// Flush Kafka Buffer
	if err := pub.Close(); err != nil {
		logger.Error("Error closing publishers", zap.Error(err))
	} else {
		logger.Info("Publishers closed cleanly")
	}
}
