package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupPublisher(t *testing.T) (*RedisPublisher, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	p, err := NewRedisPublisher("redis://" + s.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p, s
}

func TestNewRedisPublisherRejectsBadURL(t *testing.T) {
	_, err := NewRedisPublisher("not a url")
	assert.Error(t, err)
}

func TestPublishKeepsNewestFirstHistory(t *testing.T) {
	p, _ := setupPublisher(t)
	ctx := context.Background()

	require.NoError(t, p.Publish(ctx, Event{Kind: LockAcquired, EntityType: "document", EntityID: "7", Owner: "alice"}))
	require.NoError(t, p.Publish(ctx, Event{Kind: LockReleased, EntityType: "document", EntityID: "7", Owner: "alice"}))
	require.NoError(t, p.Publish(ctx, Event{Kind: LockAcquired, EntityType: "document", EntityID: "8", Owner: "bob"}))

	recent, err := p.Recent(ctx, "document", "7", 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, LockReleased, recent[0].Kind)
	assert.Equal(t, LockAcquired, recent[1].Kind)
	assert.False(t, recent[0].At.IsZero())
}

func TestPublishTrimsHistory(t *testing.T) {
	p, s := setupPublisher(t)
	ctx := context.Background()

	for i := 0; i < historyLength+5; i++ {
		require.NoError(t, p.Publish(ctx, Event{Kind: LockAcquired, EntityType: "tagset", EntityID: "stts", Owner: "alice"}))
	}
	items, err := s.List(historyKey("tagset", "stts"))
	require.NoError(t, err)
	assert.Len(t, items, historyLength)
}

func TestSubscribeReceivesPublishedEvents(t *testing.T) {
	p, _ := setupPublisher(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	events, err := p.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, p.Publish(ctx, Event{Kind: LockForced, EntityType: "document", EntityID: "3", Owner: "alice", Actor: "admin"}))

	select {
	case event := <-events:
		assert.Equal(t, LockForced, event.Kind)
		assert.Equal(t, "admin", event.Actor)
	case <-ctx.Done():
		t.Fatal("no event received")
	}
}
