package audit

import (
	"context"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub"
)

// PubSubBus decorates a Bus with durable, cross-instance delivery over a
// Google Cloud Pub/Sub topic, so an audit event emitted on one control-plane
// replica is observable by every other replica's consumers. In-process
// subscribers still work unchanged through the embedded Bus.
type PubSubBus struct {
	*Bus

	client *pubsub.Client
	topic  *pubsub.Topic
	logger *slog.Logger
}

// NewPubSubBus connects to projectID and publishes to topicID, creating the
// topic if it does not already exist.
func NewPubSubBus(ctx context.Context, projectID, topicID string) (*PubSubBus, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, err
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, err
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, err
		}
	}
	topic.EnableMessageOrdering = true

	return &PubSubBus{
		Bus:    NewBus(),
		client: client,
		topic:  topic,
		logger: slog.Default().With("component", "audit"),
	}, nil
}

// Emit publishes the event to Pub/Sub (durable, at-least-once) and fans it
// out to in-process subscribers. Pub/Sub publish failures are logged, never
// returned — audit delivery degrades gracefully rather than blocking the
// operation being audited.
func (p *PubSubBus) Emit(typ Type, source, subject, tenantID string, data map[string]any) {
	event := newEvent(typ, source, subject, tenantID, data)
	p.publish(event)
	p.Bus.Publish(event)
}

func (p *PubSubBus) publish(event *Event) {
	payload, err := event.JSON()
	if err != nil {
		p.logger.Error("marshal audit event", "id", event.ID, "error", err)
		return
	}

	msg := &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"ce-specversion": event.SpecVersion,
			"ce-type":        string(event.Type),
			"ce-source":      event.Source,
			"ce-id":          event.ID,
			"ce-time":        event.Time.Format(time.RFC3339Nano),
			"ce-tenantid":    event.TenantID,
		},
		OrderingKey: event.TenantID,
	}

	result := p.topic.Publish(context.Background(), msg)
	go func() {
		if _, err := result.Get(context.Background()); err != nil {
			p.logger.Error("pubsub publish failed", "id", event.ID, "error", err)
		}
	}()
}

// Close stops the topic and closes the client. Call from shutdown.
func (p *PubSubBus) Close() error {
	p.topic.Stop()
	return p.client.Close()
}

var _ Emitter = (*PubSubBus)(nil)
