package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/jmanhype/mcphoenix/internal/bus"
)

// StreamHandler serves GET /mcp/stream: one long-lived SSE response per
// client, fed from the notification bus.
//
// Wire protocol: each event is the three-line form
//
//	event: <name>
//	data: <JSON>
//
// The first event after the headers is always "capabilities". After that,
// "notification" carries client-addressed JSON-RPC notification envelopes,
// "event" carries other bus traffic, and "ping" fires after every
// keep-alive interval of idle.
type StreamHandler struct {
	bus       *bus.Bus
	caps      func() (json.RawMessage, error)
	keepAlive time.Duration
	logger    *zap.Logger
	metrics   *Metrics
}

// StreamOptions configures a StreamHandler.
type StreamOptions struct {
	Bus          *bus.Bus
	Capabilities func() (json.RawMessage, error)
	KeepAlive    time.Duration
	Logger       *zap.Logger
	Metrics      *Metrics
}

// NewStreamHandler wires the SSE endpoint.
func NewStreamHandler(opts StreamOptions) *StreamHandler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	keepAlive := opts.KeepAlive
	if keepAlive == 0 {
		keepAlive = 30 * time.Second
	}
	return &StreamHandler{
		bus:       opts.Bus,
		caps:      opts.Capabilities,
		keepAlive: keepAlive,
		logger:    logger.Named("sse"),
		metrics:   opts.Metrics,
	}
}

// Handle owns one SSE connection from open to close. It exits when a write
// fails, the client disconnects, or the bus evicts the subscription.
func (h *StreamHandler) Handle(c echo.Context) error {
	clientID := uuid.New().String()
	logger := h.logger.With(zap.String("client_id", clientID))

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.Header().Set(ClientIDHeader, clientID)

	events, err := h.bus.Subscribe(bus.NotificationTopic(clientID), clientID)
	if err != nil {
		logger.Error("subscribing client", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "subscription failed")
	}
	defer h.bus.Unsubscribe(clientID)

	res.WriteHeader(http.StatusOK)

	h.publishLifecycle(bus.TopicClientConnected, clientID)
	if h.metrics != nil {
		h.metrics.StreamOpened(c.Request().Context())
		defer h.metrics.StreamClosed(context.Background())
	}
	defer h.publishLifecycle(bus.TopicClientDisconnected, clientID)
	logger.Info("client connected")

	caps, err := h.caps()
	if err != nil {
		logger.Error("building capabilities", zap.Error(err))
		return nil
	}
	if err := writeSSE(res, "capabilities", caps); err != nil {
		logger.Debug("capabilities write failed", zap.Error(err))
		return nil
	}

	ctx := c.Request().Context()
	idle := time.NewTimer(h.keepAlive)
	defer idle.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				// Evicted by the bus (slow consumer) or shut down.
				logger.Warn("subscription closed, ending stream")
				return nil
			}
			if err := writeSSE(res, eventName(ev.Topic), ev.Data); err != nil {
				logger.Debug("event write failed, closing stream", zap.Error(err))
				return nil
			}
			resetTimer(idle, h.keepAlive)

		case <-idle.C:
			ping, _ := json.Marshal(map[string]string{
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
			if err := writeSSE(res, "ping", ping); err != nil {
				logger.Debug("ping failed, closing stream", zap.Error(err))
				return nil
			}
			idle.Reset(h.keepAlive)

		case <-ctx.Done():
			logger.Info("client disconnected")
			return nil
		}
	}
}

// eventName maps a bus topic onto the SSE event name: per-client
// notification envelopes keep their own name, everything else is a wrapped
// domain event.
func eventName(topic string) string {
	if strings.HasPrefix(topic, "mcp:notifications:") {
		return "notification"
	}
	return "event"
}

// writeSSE emits one event block and flushes it to the client.
func writeSSE(res *echo.Response, name string, data []byte) error {
	if _, err := fmt.Fprintf(res, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	res.Flush()
	return nil
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func (h *StreamHandler) publishLifecycle(topic, clientID string) {
	payload := map[string]string{
		"client_id": clientID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	if err := h.bus.Publish(topic, payload); err != nil {
		h.logger.Debug("lifecycle publish failed",
			zap.String("topic", topic), zap.Error(err))
	}
}
