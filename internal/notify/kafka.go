// internal/notify/kafka.go
package notify

import (
	"context"
	"fmt"
	"sync"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/cmatc13/hydra/internal/submitter"
	"github.com/cmatc13/hydra/pkg/config"
	"github.com/cmatc13/hydra/pkg/errors"
	"github.com/cmatc13/hydra/pkg/logging"
	"github.com/cmatc13/hydra/pkg/metrics"
	"github.com/cmatc13/hydra/pkg/service"
)

const (
	kafkaSinkName = "kafka"

	// flushTimeoutMs is how long Stop waits for queued messages.
	flushTimeoutMs = 15 * 1000

	metadataTimeoutMs = 5 * 1000
)

// Producer is the subset of *kafka.Producer used by KafkaSink.
type Producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Events() chan kafka.Event
	Flush(timeoutMs int) int
	GetMetadata(topic *string, allTopics bool, timeoutMs int) (*kafka.Metadata, error)
	Close()
}

// KafkaSink publishes successful transactions to one topic and failed
// transactions to another, keyed by receipt.
type KafkaSink struct {
	service.StatusHolder

	producer     Producer
	brokers      string
	successTopic string
	failureTopic string
	logger       *logging.Logger
	metrics      *metrics.Metrics

	wg   sync.WaitGroup
	once sync.Once
}

var (
	_ Publisher       = (*KafkaSink)(nil)
	_ service.Service = (*KafkaSink)(nil)
)

// NewKafkaSink connects a producer to cfg.Brokers.
func NewKafkaSink(cfg config.KafkaConfig, logger *logging.Logger, m *metrics.Metrics) (*KafkaSink, error) {
	producer, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": cfg.Brokers,
	})
	if err != nil {
		return nil, errors.NotifyWrap(err, errors.NotifyErrKafka, "failed to create Kafka producer")
	}
	return NewKafkaSinkWithProducer(producer, cfg, logger, m), nil
}

// NewKafkaSinkWithProducer wraps an existing producer.
func NewKafkaSinkWithProducer(p Producer, cfg config.KafkaConfig, logger *logging.Logger, m *metrics.Metrics) *KafkaSink {
	if logger == nil {
		logger = logging.Discard()
	}
	return &KafkaSink{
		producer:     p,
		brokers:      cfg.Brokers,
		successTopic: cfg.SuccessTopic,
		failureTopic: cfg.FailureTopic,
		logger:       logger.WithField("sink", kafkaSinkName),
		metrics:      m,
	}
}

// Name returns the sink and service name.
func (s *KafkaSink) Name() string { return kafkaSinkName }

// Publish enqueues n on the topic matching its kind. Delivery is reported
// asynchronously on the producer's event channel.
func (s *KafkaSink) Publish(ctx context.Context, n submitter.Notification) error {
	if err := ctx.Err(); err != nil {
		return errors.NotifyWrap(err, errors.NotifyErrKafka, "publish abandoned")
	}

	payload, err := encode(n)
	if err != nil {
		return err
	}

	topic := s.successTopic
	if n.Kind == submitter.KindError {
		topic = s.failureTopic
	}

	err = s.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &topic,
			Partition: kafka.PartitionAny,
		},
		Key:   []byte(key(n)),
		Value: payload,
	}, nil)
	if err != nil {
		return errors.NotifyWrap(err, errors.NotifyErrKafka, fmt.Sprintf("failed to publish to %s", topic))
	}
	return nil
}

// Start drains delivery reports in the background.
func (s *KafkaSink) Start(ctx context.Context) error {
	s.SetStatus(service.StatusStarting)

	s.wg.Add(1)
	go s.deliveryReports()

	s.SetStatus(service.StatusRunning)
	s.logger.Info("Kafka notification sink started", "brokers", s.brokers)
	return nil
}

// Stop flushes queued messages and closes the producer.
func (s *KafkaSink) Stop(ctx context.Context) error {
	s.SetStatus(service.StatusStopping)
	s.once.Do(func() {
		if remaining := s.producer.Flush(flushTimeoutMs); remaining > 0 {
			s.logger.Warn("Kafka messages left unflushed", "count", remaining)
		}
		s.producer.Close()
	})
	s.wg.Wait()
	s.SetStatus(service.StatusStopped)
	return nil
}

// Health checks that the brokers answer a metadata request.
func (s *KafkaSink) Health() error {
	if s.Status() != service.StatusRunning {
		return fmt.Errorf("%w: %s", errors.ErrUnavailable, s.Status())
	}
	return s.Ping(context.Background())
}

// Ping requests cluster metadata for the success topic.
func (s *KafkaSink) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := s.producer.GetMetadata(&s.successTopic, false, metadataTimeoutMs); err != nil {
		return errors.NotifyWrap(err, errors.NotifyErrKafka, "metadata request failed")
	}
	return nil
}

// Dependencies returns no dependencies.
func (s *KafkaSink) Dependencies() []string { return nil }

func (s *KafkaSink) deliveryReports() {
	defer s.wg.Done()
	for e := range s.producer.Events() {
		switch ev := e.(type) {
		case *kafka.Message:
			if ev.TopicPartition.Error != nil {
				topic := ""
				if ev.TopicPartition.Topic != nil {
					topic = *ev.TopicPartition.Topic
				}
				s.logger.WithError(ev.TopicPartition.Error).Error("Notification delivery failed",
					"topic", topic, "key", string(ev.Key))
				if s.metrics != nil {
					s.metrics.RecordNotificationError(kafkaSinkName)
				}
			}
		case kafka.Error:
			s.logger.WithError(ev).Warn("Kafka producer error")
		}
	}
}
