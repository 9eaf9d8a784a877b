// Package relay forwards inbound chat messages to the configured sinks
// (webhook, NATS subject, AMQP queue).
package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Checker-Finance/books-gateway/internal/metrics"
	"github.com/Checker-Finance/books-gateway/pkg/model"
)

var ErrDeliveryFailed = errors.New("relay: delivery failed")

// Sink delivers one envelope to a single destination.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, env model.MessageEnvelope) error
}

// Fanout wraps every inbound message in an envelope and hands it to all sinks.
// With no sinks the relay is disabled and does nothing.
type Fanout struct {
	logger *zap.Logger
	sinks  []Sink
	now    func() time.Time
}

func NewFanout(logger *zap.Logger, sinks ...Sink) *Fanout {
	var active []Sink
	for _, s := range sinks {
		if s != nil {
			active = append(active, s)
		}
	}
	return &Fanout{logger: logger, sinks: active, now: time.Now}
}

// Enabled reports whether at least one sink is configured.
func (f *Fanout) Enabled() bool { return len(f.sinks) > 0 }

// Sinks lists the configured sink names.
func (f *Fanout) Sinks() []string {
	names := make([]string, 0, len(f.sinks))
	for _, s := range f.sinks {
		names = append(names, s.Name())
	}
	return names
}

// Relay delivers msg to every sink. Every sink is attempted; failures are
// joined under ErrDeliveryFailed.
func (f *Fanout) Relay(ctx context.Context, msg model.InboundMessage) error {
	if !f.Enabled() {
		return nil
	}
	env := model.MessageEnvelope{
		EventID:    uuid.NewString(),
		ReceivedAt: f.now().UTC(),
		Msg:        msg,
	}

	var errs []error
	for _, s := range f.sinks {
		if err := s.Deliver(ctx, env); err != nil {
			metrics.IncRelayDelivery(s.Name(), "error")
			f.logger.Warn("relay.delivery_failed",
				zap.String("sink", s.Name()),
				zap.String("event_id", env.EventID),
				zap.String("message_id", msg.ID),
				zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		metrics.IncRelayDelivery(s.Name(), "ok")
		f.logger.Debug("relay.delivered",
			zap.String("sink", s.Name()),
			zap.String("event_id", env.EventID),
			zap.String("message_id", msg.ID))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, errors.Join(errs...))
	}
	return nil
}
