package broker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBroker(t *testing.T) *RedisBroker {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisBroker(client, nil)
}

func TestRedisBroker_PublishSubscribe(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	b := newTestBroker(t)
	defer b.Close()

	messages, err := b.Subscribe(ctx, "relay")
	require.NoError(t, err)

	sent := Message{ClientID: "conn-a", Action: "gameOver", Data: json.RawMessage(`{"winnerNum":0}`)}
	require.NoError(t, b.Publish(ctx, "relay", sent))

	select {
	case got := <-messages:
		assert.Equal(t, sent.ClientID, got.ClientID)
		assert.Equal(t, sent.Action, got.Action)
		assert.JSONEq(t, string(sent.Data), string(got.Data))
	case <-ctx.Done():
		t.Fatal("message was not delivered")
	}
}

func TestRedisBroker_SubscriptionEndsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := newTestBroker(t)
	defer b.Close()

	messages, err := b.Subscribe(ctx, "relay")
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-messages:
		assert.False(t, ok, "channel closes once the context is done")
	case <-time.After(5 * time.Second):
		t.Fatal("subscription channel was not closed")
	}
}

func TestRedisBroker_Closed(t *testing.T) {
	b := newTestBroker(t)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close(), "closing twice is a no-op")

	err := b.Publish(context.Background(), "relay", Message{ClientID: "conn-a"})
	assert.Error(t, err)
	_, err = b.Subscribe(context.Background(), "relay")
	assert.Error(t, err)
	assert.Equal(t, "redis", b.Type())
}
