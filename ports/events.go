package ports

import (
	"context"

	"github.com/layer-3/warden/core"
)

// EventPublisher publishes events to notify other instances
type EventPublisher interface {
	PublishSecurityEvent(ctx context.Context, event core.SecurityEvent) error
}
