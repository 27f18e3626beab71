// Package notify delivers submission outcomes to logs, Kafka and Redis.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cmatc13/hydra/internal/submitter"
	"github.com/cmatc13/hydra/pkg/errors"
	"github.com/cmatc13/hydra/pkg/logging"
	"github.com/cmatc13/hydra/pkg/metrics"
)

// publishTimeout bounds a single sink delivery. Notifications are fire and
// forget so a slow broker must not hold up the submitter for long.
const publishTimeout = 5 * time.Second

// Publisher is a sink that can report delivery failure.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, n submitter.Notification) error
}

// Func adapts a function to submitter.Notifier.
type Func func(ctx context.Context, n submitter.Notification)

// Notify calls f.
func (f Func) Notify(ctx context.Context, n submitter.Notification) { f(ctx, n) }

// LogSink writes every notification to the log.
type LogSink struct {
	logger *logging.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *logging.Logger) *LogSink {
	if logger == nil {
		logger = logging.Discard()
	}
	return &LogSink{logger: logger}
}

// Notify logs n at info for success and warn for errors.
func (s *LogSink) Notify(ctx context.Context, n submitter.Notification) {
	log := s.logger.WithContext(ctx).WithFields(map[string]interface{}{
		"notification_id": n.ID,
		"receipt":         n.Receipt.String(),
		"description":     n.Description,
	})
	if n.Kind == submitter.KindError {
		log.Warn(n.Message)
		return
	}
	log.Info(n.Message)
}

// Dispatcher fans a notification out to every publisher. Delivery failures
// are logged and counted; they never reach the submitter.
type Dispatcher struct {
	publishers []Publisher
	logger     *logging.Logger
	metrics    *metrics.Metrics
}

var _ submitter.Notifier = (*Dispatcher)(nil)

// NewDispatcher creates a Dispatcher. m may be nil.
func NewDispatcher(logger *logging.Logger, m *metrics.Metrics, publishers ...Publisher) *Dispatcher {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Dispatcher{publishers: publishers, logger: logger, metrics: m}
}

// Notify publishes n to each publisher in order.
func (d *Dispatcher) Notify(ctx context.Context, n submitter.Notification) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	for _, p := range d.publishers {
		if err := p.Publish(ctx, n); err != nil {
			d.logger.WithContext(ctx).WithError(err).Error("Failed to publish notification",
				"sink", p.Name(), "notification_id", n.ID)
			if d.metrics != nil {
				d.metrics.RecordNotificationError(p.Name())
			}
			continue
		}
		if d.metrics != nil {
			d.metrics.RecordNotification(p.Name(), string(n.Kind))
		}
	}
}

// Multi calls every notifier in order.
type Multi []submitter.Notifier

// Notify forwards n to each notifier.
func (m Multi) Notify(ctx context.Context, n submitter.Notification) {
	for _, notifier := range m {
		if notifier != nil {
			notifier.Notify(ctx, n)
		}
	}
}

func encode(n submitter.Notification) ([]byte, error) {
	payload, err := json.Marshal(n)
	if err != nil {
		return nil, errors.WrapWithOperation(
			errors.NotifyWrap(err, errors.NotifyErrSerialization, "encode notification"),
			errors.OpEncodeNotification,
		)
	}
	return payload, nil
}

// key partitions notifications by receipt so every event about one
// transaction lands together. Notifications without a receipt use their ID.
func key(n submitter.Notification) string {
	if n.Receipt != "" {
		return n.Receipt.String()
	}
	return n.ID
}
