// Package nats connects the erp to the message broker: mutations publish
// their events to JetStream and every gateway replica feeds the events it
// receives to its websocket hub.
package nats

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/mesa-systems/mesa-stack/common/logging"
	"github.com/mesa-systems/mesa-stack/common/messaging"
	"github.com/mesa-systems/mesa-stack/common/models"
	"github.com/mesa-systems/mesa-stack/erp/internal/metrics"
)

// JetStream is the part of the JetStream client the publisher needs.
type JetStream interface {
	PublishDedup(ctx context.Context, subject string, data []byte, msgID string) (*jetstream.PubAck, error)
}

// Publisher publishes restaurant events to their room subject. The event's
// DedupID travels as Nats-Msg-Id so a retried mutation that publishes again
// inside the stream's duplicate window is dropped by the broker.
type Publisher struct {
	js     JetStream
	logger *logging.Logger
}

func NewPublisher(js JetStream, logger *logging.Logger) *Publisher {
	if logger == nil {
		logger = logging.Default()
	}
	return &Publisher{js: js, logger: logger.With(logging.Module("publisher"))}
}

func (p *Publisher) Publish(ctx context.Context, ev models.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", ev.Name, err)
	}

	subject := messaging.RestaurantEventSubject(ev.RestaurantID, ev.Name)
	ack, err := p.js.PublishDedup(ctx, subject, data, ev.DedupID())
	if err != nil {
		metrics.BroadcastErrors.WithLabelValues(ev.Name).Inc()
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	if ack != nil && ack.Duplicate {
		p.logger.DebugContext(ctx, "broker dropped duplicate event",
			logging.Event(ev.Name), logging.TransactionID(ev.TransactionID))
		return nil
	}
	metrics.BroadcastsPublished.WithLabelValues(ev.Name, "nats").Inc()
	return nil
}
