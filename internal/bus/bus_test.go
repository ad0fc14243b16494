package bus

import (
	"fmt"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// startTestBus starts an embedded NATS server and a Bus wired to it.
func startTestBus(t *testing.T) *Bus {
	t.Helper()

	srv, err := StartEmbedded("127.0.0.1", natsserver.RANDOM_PORT)
	require.NoError(t, err)
	t.Cleanup(func() {
		srv.Shutdown()
		srv.WaitForShutdown()
	})

	nc, err := nats.Connect(srv.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	b := New(nc, zaptest.NewLogger(t))
	t.Cleanup(b.Close)
	return b
}

func recvEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed before delivery")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestPublishSubscribe(t *testing.T) {
	b := startTestBus(t)

	ch, err := b.Subscribe(NotificationTopic("c1"), "c1")
	require.NoError(t, err)

	require.NoError(t, b.Publish(NotificationTopic("c1"), map[string]string{"hello": "world"}))
	require.NoError(t, b.Flush())

	ev := recvEvent(t, ch)
	assert.Equal(t, "mcp:notifications:c1", ev.Topic)
	assert.JSONEq(t, `{"hello":"world"}`, string(ev.Data))
}

func TestWildcardSubscription(t *testing.T) {
	b := startTestBus(t)

	ch, err := b.Subscribe("mcp:notifications:*", "observer")
	require.NoError(t, err)

	require.NoError(t, b.Publish(NotificationTopic("abc"), []byte(`{"n":1}`)))
	require.NoError(t, b.Flush())

	ev := recvEvent(t, ch)
	assert.Equal(t, "mcp:notifications:abc", ev.Topic)
}

func TestPerTopicFIFO(t *testing.T) {
	b := startTestBus(t)

	ch, err := b.Subscribe("mcp:requests", "sub")
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, b.Publish(TopicRequests, map[string]int{"seq": i}))
	}
	require.NoError(t, b.Flush())

	for i := 0; i < 10; i++ {
		ev := recvEvent(t, ch)
		assert.JSONEq(t, fmt.Sprintf(`{"seq":%d}`, i), string(ev.Data))
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := startTestBus(t)

	ch, err := b.Subscribe(NotificationTopic("gone"), "gone")
	require.NoError(t, err)

	b.Unsubscribe("gone")

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should be closed after unsubscribe")
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after unsubscribe")
	}

	// Publishing afterwards must not panic or deliver.
	require.NoError(t, b.Publish(NotificationTopic("gone"), []byte(`{}`)))
	require.NoError(t, b.Flush())
}

func TestSubscriberIsolation(t *testing.T) {
	b := startTestBus(t)

	chA, err := b.Subscribe(NotificationTopic("a"), "a")
	require.NoError(t, err)
	chB, err := b.Subscribe(NotificationTopic("b"), "b")
	require.NoError(t, err)

	require.NoError(t, b.Publish(NotificationTopic("a"), []byte(`{"to":"a"}`)))
	require.NoError(t, b.Flush())

	ev := recvEvent(t, chA)
	assert.JSONEq(t, `{"to":"a"}`, string(ev.Data))

	select {
	case ev := <-chB:
		t.Fatalf("subscriber b received foreign event: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBadTopics(t *testing.T) {
	b := startTestBus(t)

	_, err := b.Subscribe("", "s")
	assert.Error(t, err)

	_, err = b.Subscribe("mcp:*:tail", "s")
	assert.Error(t, err)

	_, err = b.Subscribe("mcp::double", "s")
	assert.Error(t, err)

	err = b.Publish("mcp:requests:*", []byte(`{}`))
	assert.Error(t, err)
}

func TestPatternToSubject(t *testing.T) {
	tests := []struct {
		pattern string
		subject string
	}{
		{"mcp:requests", "mcp.requests"},
		{"mcp:notifications:abc-123", "mcp.notifications.abc-123"},
		{"mcp:notifications:*", "mcp.notifications.>"},
		{"*", ">"},
	}
	for _, tt := range tests {
		subject, err := patternToSubject(tt.pattern)
		require.NoError(t, err, tt.pattern)
		assert.Equal(t, tt.subject, subject)
	}
}
