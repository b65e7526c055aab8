// Package pubsub announces closed-entity snapshots on a Google Cloud Pub/Sub
// topic.
package pubsub

import (
	"context"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/JakeFAU/statsbridge/internal/persist"
)

// Publisher publishes each record as a JSON message.
type Publisher struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	owned  bool
}

var _ persist.Persister = (*Publisher)(nil)

// New wraps an existing topic. The caller keeps ownership of its client.
func New(topic *pubsub.Topic) (*Publisher, error) {
	if topic == nil {
		return nil, fmt.Errorf("pubsub topic is required")
	}
	return &Publisher{topic: topic}, nil
}

// Open connects to projectID and publishes to topicName.
func Open(ctx context.Context, projectID, topicName string) (*Publisher, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return &Publisher{client: client, topic: client.Topic(topicName), owned: true}, nil
}

// Persist publishes rec and waits for the server acknowledgement.
func (p *Publisher) Persist(ctx context.Context, rec persist.Record) error {
	data, err := rec.Marshal()
	if err != nil {
		return err
	}
	msg := &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"entity": rec.Entity,
			"reason": rec.Reason,
		},
	}
	if _, err := p.topic.Publish(ctx, msg).Get(ctx); err != nil {
		return fmt.Errorf("publish stats for %q: %w", rec.Entity, err)
	}
	return nil
}

// Close flushes pending messages and closes the client when owned.
func (p *Publisher) Close() error {
	p.topic.Stop()
	if !p.owned {
		return nil
	}
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
