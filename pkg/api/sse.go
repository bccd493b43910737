package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"spyre/pkg/events"
)

// keepaliveInterval matches spec.md §6: "each sends a comment keepalive
// every 15 s".
const keepaliveInterval = 15 * time.Second

// sseEnvelope is the payload shape every stream handler writes: a named
// event plus its JSON data, mirroring gin's own sse.Event but keeping the
// encoding local so callers don't need the gin-contrib/sse import
// themselves.
type sseEnvelope struct {
	event string
	data  any
}

// streamTopics subscribes to every topic in topics and relays each Emit as
// an SSE event to the client until the request context is cancelled
// (client disconnect) or the writer errors. snapshot, if non-nil, is sent
// as the first event before any subscription delivery, so a client that
// connects mid-stream still gets the current state (spec.md §6:
// "/api/environments/stream: initial snapshot ... then deltas").
//
// This is the single place every :id/stream and /stream handler in this
// package funnels through, the same "one relay, many subscribers" shape
// pkg/events.Bus itself uses internally for its listener slice.
func streamTopics(c *gin.Context, bus *events.Bus, snapshot *sseEnvelope, toEvent func(topic string, payload any) sseEnvelope, topics ...string) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	ch := make(chan sseEnvelope, 64)
	var subs []events.Subscription
	for _, topic := range topics {
		topic := topic
		subs = append(subs, bus.On(topic, func(payload any) {
			select {
			case ch <- toEvent(topic, payload):
			default:
				// slow subscriber: drop rather than block the bus (spec.md
				// §5: handlers must not block).
			}
		}))
	}
	defer func() {
		for _, sub := range subs {
			bus.Remove(sub)
		}
	}()

	if snapshot != nil {
		writeSSE(c, *snapshot)
		c.Writer.Flush()
	}

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-ch:
			writeSSE(c, env)
			c.Writer.Flush()
		case <-keepalive.C:
			fmt.Fprint(c.Writer, ": keepalive\n\n")
			c.Writer.Flush()
		}
	}
}

func writeSSE(c *gin.Context, env sseEnvelope) {
	b, err := json.Marshal(env.data)
	if err != nil {
		return
	}
	fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", env.event, b)
}

// requireSSESupport guards stream handlers against a ResponseWriter that
// doesn't implement http.Flusher (only relevant to test harnesses; gin's
// real writer always does).
func requireSSESupport(c *gin.Context) bool {
	_, ok := c.Writer.(http.Flusher)
	if !ok {
		c.Status(http.StatusInternalServerError)
		return false
	}
	return true
}
