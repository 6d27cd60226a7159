package nats

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mesa-systems/mesa-stack/common/logging"
	"github.com/mesa-systems/mesa-stack/common/messaging"
	"github.com/mesa-systems/mesa-stack/common/models"
)

// Broadcaster delivers an event to the clients of its restaurant room.
type Broadcaster interface {
	Broadcast(ev models.Event)
}

// Feed subscribes to every restaurant room and hands the events to the local
// hub. Each replica subscribes on its own, not in a queue group, because
// every replica serves a different set of websocket clients.
type Feed struct {
	client messaging.Subscriber
	hub    Broadcaster
	logger *logging.Logger
	sub    messaging.Subscription
}

func NewFeed(client messaging.Subscriber, hub Broadcaster, logger *logging.Logger) *Feed {
	if logger == nil {
		logger = logging.Default()
	}
	return &Feed{client: client, hub: hub, logger: logger.With(logging.Module("feed"))}
}

// Start subscribes to all restaurant event subjects.
func (f *Feed) Start() error {
	sub, err := f.client.Subscribe(messaging.SubjectAllRestaurantEvents, f.handle)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", messaging.SubjectAllRestaurantEvents, err)
	}
	f.sub = sub
	f.logger.Info("subscribed to restaurant events", "subject", messaging.SubjectAllRestaurantEvents)
	return nil
}

// Stop unsubscribes.
func (f *Feed) Stop() error {
	if f.sub != nil {
		return f.sub.Unsubscribe()
	}
	return nil
}

func (f *Feed) handle(_ context.Context, msg *messaging.Message) error {
	var ev models.Event
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		f.logger.Warn("dropping malformed event", "subject", msg.Subject, logging.Error(err))
		return err
	}
	if ev.RestaurantID == "" {
		ev.RestaurantID, _, _ = messaging.ParseRestaurantEventSubject(msg.Subject)
	}
	f.hub.Broadcast(ev)
	return nil
}
