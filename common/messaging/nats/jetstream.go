package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/mesa-systems/mesa-stack/common/messaging"
)

// JetStreamClient extends Client with JetStream persistence capabilities.
type JetStreamClient struct {
	*Client
	js jetstream.JetStream
}

// StreamConfig defines a JetStream stream configuration.
type StreamConfig struct {
	Name     string
	Subjects []string

	MaxAge   time.Duration
	MaxBytes int64
	MaxMsgs  int64

	// Duplicates is the window in which a repeated Nats-Msg-Id is dropped.
	Duplicates time.Duration

	Retention jetstream.RetentionPolicy
	Storage   jetstream.StorageType
}

// ERPEventsStream captures every restaurant room event. Subscribers read the
// live subject; the stream exists for its duplicate window and short replay.
var ERPEventsStream = StreamConfig{
	Name:       messaging.StreamERPEvents,
	Subjects:   []string{messaging.SubjectPrefix + ".>"},
	MaxAge:     1 * time.Hour,
	MaxBytes:   256 * 1024 * 1024,
	MaxMsgs:    500000,
	Duplicates: 2 * time.Minute,
	Retention:  jetstream.LimitsPolicy,
	Storage:    jetstream.FileStorage,
}

// NewJetStreamClient creates a JetStream-enabled client.
func NewJetStreamClient(cfg Config) (*JetStreamClient, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(client.conn)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	return &JetStreamClient{
		Client: client,
		js:     js,
	}, nil
}

// CreateOrUpdateStream creates or updates a stream.
func (c *JetStreamClient) CreateOrUpdateStream(ctx context.Context, cfg StreamConfig) (jetstream.Stream, error) {
	stream, err := c.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       cfg.Name,
		Subjects:   cfg.Subjects,
		MaxAge:     cfg.MaxAge,
		MaxBytes:   cfg.MaxBytes,
		MaxMsgs:    cfg.MaxMsgs,
		Duplicates: cfg.Duplicates,
		Retention:  cfg.Retention,
		Storage:    cfg.Storage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create/update stream %s: %w", cfg.Name, err)
	}
	return stream, nil
}

// PublishDedup publishes data and waits for the stream acknowledgement. A
// non-empty msgID is sent as Nats-Msg-Id; the server drops repeats inside
// the stream's duplicate window and reports them with PubAck.Duplicate.
func (c *JetStreamClient) PublishDedup(ctx context.Context, subject string, data []byte, msgID string) (*jetstream.PubAck, error) {
	msg := nats.NewMsg(subject)
	msg.Data = data

	var opts []jetstream.PublishOpt
	if msgID != "" {
		opts = append(opts, jetstream.WithMsgID(msgID))
	}
	return c.js.PublishMsg(ctx, msg, opts...)
}
