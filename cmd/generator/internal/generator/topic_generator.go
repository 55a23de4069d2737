package generator

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// TopicCreator makes sure the ticks topic exists before the generator starts
// writing. Failures are logged, not fatal: the broker may auto-create it.
type TopicCreator struct {
	logger     *zap.Logger
	dialer     KafkaDialer
	clock      Clock
	partitions int
}

func NewTopicCreator(logger *zap.Logger, dialer KafkaDialer, clock Clock, partitions int) *TopicCreator {
	if partitions <= 0 {
		partitions = 4
	}
	return &TopicCreator{
		logger:     logger,
		dialer:     dialer,
		clock:      clock,
		partitions: partitions,
	}
}

// Create reports whether the topic was seen with at least one partition.
func (tc *TopicCreator) Create(ctx context.Context, brokers []string, topicName string) bool {
	if len(brokers) == 0 {
		tc.logger.Warn("No brokers configured, skipping topic creation")
		return false
	}

	var conn KafkaConn
	var err error

	for _, addr := range brokers {
		conn, err = tc.dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			break
		}
	}
	if err != nil {
		tc.logger.Warn("Failed to dial brokers", zap.Error(err))
		return false
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		tc.logger.Warn("Failed to get controller", zap.Error(err))
		return false
	}

	controllerAddr := net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port))
	controllerConn, err := tc.dialer.DialContext(ctx, "tcp", controllerAddr)
	if err != nil {
		tc.logger.Warn("Failed to dial controller", zap.Error(err))
		return false
	}
	defer controllerConn.Close()

	err = controllerConn.CreateTopics(kafka.TopicConfig{
		Topic:             topicName,
		NumPartitions:     tc.partitions,
		ReplicationFactor: 1,
	})

	if err != nil {
		tc.logger.Info("Topic creation finished (might already exist)", zap.Error(err))
	} else {
		tc.logger.Info("Topic creation request sent", zap.String("topic", topicName))
	}

	return tc.waitForTopic(conn, topicName)
}

func (tc *TopicCreator) waitForTopic(conn KafkaConn, topicName string) bool {
	tc.logger.Info("Waiting for topic initialization...", zap.String("topic", topicName))
	for i := 0; i < 5; i++ {
		tc.clock.Sleep(200 * time.Millisecond)
		partitions, err := conn.ReadPartitions(topicName)
		if err == nil && len(partitions) > 0 {
			tc.logger.Info("Topic is ready", zap.Int("partitions", len(partitions)))
			return true
		}
	}
	tc.logger.Warn("Timed out waiting for topic", zap.String("topic", topicName))
	return false
}
