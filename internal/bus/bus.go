// Package bus implements the host's topic-based notification fabric on top
// of NATS.
//
// Topics are colon-separated strings (mcp:notifications:<client_id>); a
// trailing "*" subscribes to every topic under a prefix. Internally topics
// map onto NATS subjects, so per-topic FIFO ordering and wildcard matching
// come from the NATS client, while this package owns subscriber bookkeeping
// and slow-consumer eviction.
//
// Pre-defined topics emitted by the host:
//
//	mcp:client_connected       broadcast, SSE client attached
//	mcp:client_disconnected    broadcast, SSE client went away
//	mcp:requests               every incoming RPC with latency
//	mcp:notifications:<id>     per-client delivery queue
package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// ChannelCapacity bounds each subscriber's delivery channel. A subscriber
// that falls this far behind is dropped rather than blocking publishers.
const ChannelCapacity = 64

// Well-known topics.
const (
	TopicClientConnected    = "mcp:client_connected"
	TopicClientDisconnected = "mcp:client_disconnected"
	TopicRequests           = "mcp:requests"
)

// NotificationTopic returns the per-client delivery topic.
func NotificationTopic(clientID string) string {
	return "mcp:notifications:" + clientID
}

// Event is one published payload as seen by a subscriber.
type Event struct {
	Topic string
	Data  json.RawMessage
}

// Bus is the in-process publish/subscribe fabric.
//
// The zero value is not usable; construct with New. The Bus does not own
// the NATS connection and will not close it.
type Bus struct {
	nc     *nats.Conn
	logger *zap.Logger

	mu     sync.Mutex
	subs   map[string][]*subscription        // subscriber id -> active subscriptions
	bySub  map[*nats.Subscription]*subscription
	closed bool
}

type subscription struct {
	owner   string
	pattern string
	natsSub *nats.Subscription
	msgCh   chan *nats.Msg
	out     chan Event
	done    chan struct{}
}

// New creates a Bus over an established NATS connection and installs the
// slow-consumer handler that evicts lagging subscribers.
func New(nc *nats.Conn, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bus{
		nc:     nc,
		logger: logger.Named("bus"),
		subs:   make(map[string][]*subscription),
		bySub:  make(map[*nats.Subscription]*subscription),
	}
	nc.SetErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
		if errors.Is(err, nats.ErrSlowConsumer) && sub != nil {
			b.evict(sub)
			return
		}
		b.logger.Warn("nats async error", zap.Error(err))
	})
	return b
}

// Subscribe registers subscriberID on a topic pattern and returns the
// delivery channel. The channel is closed when the subscription is removed,
// whether by Unsubscribe, slow-consumer eviction, or Close.
func (b *Bus) Subscribe(pattern, subscriberID string) (<-chan Event, error) {
	subject, err := patternToSubject(pattern)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("bus is closed")
	}

	msgCh := make(chan *nats.Msg, ChannelCapacity)
	natsSub, err := b.nc.ChanSubscribe(subject, msgCh)
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", pattern, err)
	}
	// Delivery-or-drop: cap pending on the client side so a stalled reader
	// trips the slow-consumer handler instead of buffering unbounded.
	_ = natsSub.SetPendingLimits(ChannelCapacity, -1)

	s := &subscription{
		owner:   subscriberID,
		pattern: pattern,
		natsSub: natsSub,
		msgCh:   msgCh,
		out:     make(chan Event, ChannelCapacity),
		done:    make(chan struct{}),
	}
	b.subs[subscriberID] = append(b.subs[subscriberID], s)
	b.bySub[natsSub] = s

	go s.pump()

	b.logger.Debug("subscribed",
		zap.String("subscriber_id", subscriberID),
		zap.String("pattern", pattern))
	return s.out, nil
}

// pump forwards NATS messages to the subscriber channel until done.
func (s *subscription) pump() {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-s.msgCh:
			if !ok {
				return
			}
			ev := Event{Topic: subjectToTopic(msg.Subject), Data: msg.Data}
			select {
			case s.out <- ev:
			case <-s.done:
				return
			}
		}
	}
}

// Publish fans a payload out to every matching subscriber. The payload is
// marshaled to JSON unless it already is raw bytes.
func (b *Bus) Publish(topic string, payload any) error {
	subject, err := patternToSubject(topic)
	if err != nil {
		return err
	}
	if strings.ContainsAny(subject, "*>") {
		return fmt.Errorf("cannot publish to wildcard topic %q", topic)
	}

	data, err := encodePayload(payload)
	if err != nil {
		return fmt.Errorf("encoding payload for %s: %w", topic, err)
	}
	if err := b.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	return nil
}

// Unsubscribe removes every subscription owned by subscriberID.
func (b *Bus) Unsubscribe(subscriberID string) {
	b.mu.Lock()
	subs := b.subs[subscriberID]
	delete(b.subs, subscriberID)
	for _, s := range subs {
		delete(b.bySub, s.natsSub)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
}

// Flush blocks until published messages have reached the server. Used by
// callers that need publish/deliver ordering across topics, and by tests.
func (b *Bus) Flush() error {
	return b.nc.Flush()
}

// Close tears down all subscriptions. The NATS connection is left open for
// its owner to close.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*subscription
	for _, subs := range b.subs {
		all = append(all, subs...)
	}
	b.subs = make(map[string][]*subscription)
	b.bySub = make(map[*nats.Subscription]*subscription)
	b.mu.Unlock()

	for _, s := range all {
		s.stop()
	}
}

// evict drops a subscriber whose channel overflowed.
func (b *Bus) evict(natsSub *nats.Subscription) {
	b.mu.Lock()
	s, ok := b.bySub[natsSub]
	if ok {
		delete(b.bySub, natsSub)
		remaining := b.subs[s.owner][:0]
		for _, other := range b.subs[s.owner] {
			if other != s {
				remaining = append(remaining, other)
			}
		}
		if len(remaining) == 0 {
			delete(b.subs, s.owner)
		} else {
			b.subs[s.owner] = remaining
		}
	}
	b.mu.Unlock()

	if !ok {
		return
	}
	b.logger.Warn("dropping slow subscriber",
		zap.String("subscriber_id", s.owner),
		zap.String("pattern", s.pattern))
	s.stop()
}

func (s *subscription) stop() {
	_ = s.natsSub.Unsubscribe()
	close(s.done)
}

func encodePayload(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return []byte("null"), nil
	case []byte:
		return p, nil
	case json.RawMessage:
		return p, nil
	default:
		return json.Marshal(payload)
	}
}

// patternToSubject maps a colon-separated topic (optionally with a trailing
// "*" glob) onto a NATS subject.
func patternToSubject(pattern string) (string, error) {
	if pattern == "" {
		return "", fmt.Errorf("empty topic")
	}
	glob := false
	if pattern == "*" {
		return ">", nil
	}
	if strings.HasSuffix(pattern, ":*") {
		glob = true
		pattern = strings.TrimSuffix(pattern, ":*")
	}
	if strings.Contains(pattern, "*") {
		return "", fmt.Errorf("wildcard only allowed as trailing segment: %q", pattern)
	}
	for _, seg := range strings.Split(pattern, ":") {
		if seg == "" {
			return "", fmt.Errorf("topic %q has an empty segment", pattern)
		}
		if strings.ContainsAny(seg, ". >") {
			return "", fmt.Errorf("topic segment %q contains reserved characters", seg)
		}
	}
	subject := strings.ReplaceAll(pattern, ":", ".")
	if glob {
		subject += ".>"
	}
	return subject, nil
}

func subjectToTopic(subject string) string {
	return strings.ReplaceAll(subject, ".", ":")
}
