package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/layer-3/warden/core"
)

func TestWatermillPublisher_PublishSecurityEvent(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	defer pubSub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	messages, err := pubSub.Subscribe(ctx, TopicSecurity)
	require.NoError(t, err)

	pub := NewWatermillPublisher(pubSub)
	event := core.SecurityEvent{
		Type:       core.EventPossibleReplay,
		UserID:     "user-1",
		Wallet:     "0x71C7656EC7ab88b098defB751B7401B5f6d8976F",
		Detail:     "counter 3 <= 5",
		OccurredAt: time.Now().UTC(),
	}
	require.NoError(t, pub.PublishSecurityEvent(ctx, event))

	select {
	case msg := <-messages:
		msg.Ack()
		assert.Equal(t, string(core.EventPossibleReplay), msg.Metadata.Get("event_type"))

		var got core.SecurityEvent
		require.NoError(t, json.Unmarshal(msg.Payload, &got))
		assert.Equal(t, event.UserID, got.UserID)
		assert.Equal(t, event.Detail, got.Detail)
	case <-ctx.Done():
		t.Fatal("timed out waiting for security event")
	}
}

func TestNopPublisher(t *testing.T) {
	assert.NoError(t, NopPublisher{}.PublishSecurityEvent(context.Background(), core.SecurityEvent{}))
}
