// ABOUTME: Tests for the lifecycle event broadcaster.
// ABOUTME: Validates topic routing, wildcard delivery, slow-subscriber drops, and cleanup.

package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublish_TopicRouting(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	regCh, _ := b.Subscribe(context.Background(), TypeAgentRegistered)
	allCh, _ := b.Subscribe(context.Background(), TopicAll)
	otherCh, _ := b.Subscribe(context.Background(), TypeAgentTimeout)

	b.Publish(&Event{Type: TypeAgentRegistered, AgentID: "a1"})

	select {
	case ev := <-regCh:
		assert.Equal(t, "a1", ev.AgentID)
		assert.False(t, ev.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("typed subscriber did not receive event")
	}

	select {
	case ev := <-allCh:
		assert.Equal(t, TypeAgentRegistered, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("wildcard subscriber did not receive event")
	}

	select {
	case <-otherCh:
		t.Fatal("unrelated topic received the event")
	default:
	}
}

func TestPublish_SlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, _ := b.Subscribe(context.Background(), TypeStatusChanged)

	done := make(chan struct{})
	go func() {
		// Publish past the buffer without any reader: must never block.
		for i := 0; i < subscriberBufferSize+10; i++ {
			b.Publish(&Event{Type: TypeStatusChanged, AgentID: "a1"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	assert.Len(t, ch, subscriberBufferSize, "overflow events are dropped, not queued")
}

func TestUnsubscribe_ClosesChannel(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, subID := b.Subscribe(context.Background(), TypeAgentUnregistered)
	b.Unsubscribe(TypeAgentUnregistered, subID)

	_, open := <-ch
	assert.False(t, open)

	// Unsubscribing twice is harmless.
	b.Unsubscribe(TypeAgentUnregistered, subID)
}

func TestSubscribe_ContextCancellationCleansUp(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Subscribe(ctx, TypeBusStopped)
	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, open := <-ch:
			return !open
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestClose_ClosesAllSubscribers(t *testing.T) {
	b := NewBroadcaster(nil)

	ch1, _ := b.Subscribe(context.Background(), TypeAgentRegistered)
	ch2, _ := b.Subscribe(context.Background(), TopicAll)
	b.Close()

	_, open := <-ch1
	assert.False(t, open)
	_, open = <-ch2
	assert.False(t, open)
}
