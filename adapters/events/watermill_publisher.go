package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/layer-3/warden/core"
	"github.com/layer-3/warden/ports"
)

// TopicSecurity carries every security event
const TopicSecurity = "warden.security"

// WatermillPublisher implements the EventPublisher interface using Watermill
type WatermillPublisher struct {
	publisher message.Publisher
	topic     string
}

// NewWatermillPublisher creates a new Watermill publisher
func NewWatermillPublisher(publisher message.Publisher) ports.EventPublisher {
	return &WatermillPublisher{
		publisher: publisher,
		topic:     TopicSecurity,
	}
}

// PublishSecurityEvent publishes event as JSON, tagged with its type in metadata
func (p *WatermillPublisher) PublishSecurityEvent(ctx context.Context, event core.SecurityEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("event_type", string(event.Type))
	msg.SetContext(ctx)

	if err := p.publisher.Publish(p.topic, msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	return nil
}

// NopPublisher drops events. Used when no message transport is configured.
type NopPublisher struct{}

func (NopPublisher) PublishSecurityEvent(context.Context, core.SecurityEvent) error { return nil }
