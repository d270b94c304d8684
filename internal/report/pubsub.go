package report

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"

	"github.com/anstrom/gapscan/internal/scanning"
)

// PubSubSink publishes a JSON summary of every result to a topic. The
// client honours PUBSUB_EMULATOR_HOST.
type PubSubSink struct {
	client *pubsub.Client
	topic  *pubsub.Topic
}

// NewPubSubSink connects to projectID and opens topicID, creating the
// topic when it does not exist.
func NewPubSubSink(ctx context.Context, projectID, topicID string) (*PubSubSink, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("checking topic %q: %w", topicID, err)
	}
	if !exists {
		if topic, err = client.CreateTopic(ctx, topicID); err != nil {
			client.Close()
			return nil, fmt.Errorf("creating topic %q: %w", topicID, err)
		}
	}
	return &PubSubSink{client: client, topic: topic}, nil
}

// Name implements Sink.
func (*PubSubSink) Name() string { return "pubsub" }

// Write implements Sink. It returns once the server acknowledged the
// message.
func (p *PubSubSink) Write(ctx context.Context, _ string, result *scanning.ScanResult) error {
	data, err := json.Marshal(Summarize(result))
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}

	res := p.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"scan_id": result.ID,
			"target":  result.Target,
			"outcome": outcome(result),
		},
	})
	if _, err := res.Get(ctx); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	return nil
}

// Close flushes pending messages and closes the client.
func (p *PubSubSink) Close() error {
	p.topic.Stop()
	return p.client.Close()
}

func outcome(r *scanning.ScanResult) string {
	switch {
	case r.Partial:
		return "partial"
	case r.Error != "":
		return "failed"
	case r.Empty:
		return "empty"
	default:
		return "completed"
	}
}
