package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Checker-Finance/books-gateway/internal/metrics"
	"github.com/Checker-Finance/books-gateway/pkg/model"
)

// msgPublisher is satisfied by *nats.Conn.
type msgPublisher interface {
	PublishMsg(m *nats.Msg) error
}

// NATS publishes envelopes on a subject.
type NATS struct {
	pub     msgPublisher
	subject string
	service string
}

func NewNATS(pub msgPublisher, subject, service string) *NATS {
	return &NATS{pub: pub, subject: subject, service: service}
}

func (n *NATS) Name() string { return "nats" }

func (n *NATS) Deliver(_ context.Context, env model.MessageEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	msg := &nats.Msg{
		Subject: n.subject,
		Data:    data,
		Header: nats.Header{
			"event_type":   []string{"messaging.message_received"},
			"event_id":     []string{env.EventID},
			"service":      []string{n.service},
			"content_type": []string{"application/json"},
		},
	}
	if err := n.pub.PublishMsg(msg); err != nil {
		metrics.NATSPublishErrors.WithLabelValues(n.subject).Inc()
		return err
	}
	return nil
}

// ConnectNATS dials url with reconnects enabled.
func ConnectNATS(url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return nc, nil
}
