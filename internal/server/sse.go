package server

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/parleyhq/parley/internal/variant"
)

// doneSentinel terminates a relayed stream, mirroring the provider wire
// format so clients reuse one parser.
const doneSentinel = "[DONE]"

// deltaFrame carries one streamed content delta.
type deltaFrame struct {
	Content string `json:"content"`
}

// errorFrame reports an in-band failure after frames were already sent.
type errorFrame struct {
	Error string `json:"error"`
}

// messageFrame carries the persisted assistant message at stream end.
type messageFrame struct {
	Message messageView `json:"message"`
}

// variantFrame carries the committed variant at stream end.
type variantFrame struct {
	Variant variantView `json:"variant"`
}

// stateEvent is the SSE payload for variant state-machine transitions.
type stateEvent struct {
	MessageID uint   `json:"messageId"`
	State     string `json:"state"`
}

// deltaEvent is the SSE payload for streamed variant content.
type deltaEvent struct {
	MessageID uint   `json:"messageId"`
	Content   string `json:"content"`
}

// selectionEvent is the SSE payload for selection changes.
type selectionEvent struct {
	MessageID uint   `json:"messageId"`
	Index     int    `json:"index"`
	Count     int    `json:"count"`
	Content   string `json:"content"`
}

func setSSEHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
}

// writeData writes a bare data frame, the shape the provider stream uses.
func writeData(w io.Writer, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", string(jsonData))
}

// writeDone terminates a relayed stream.
func writeDone(w io.Writer) {
	fmt.Fprintf(w, "data: %s\n\n", doneSentinel)
}

// writeSSE writes a single named SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}

// handleEvents relays a session's variant state changes, deltas, and
// selection updates as named SSE events until the client disconnects.
func (s *Server) handleEvents(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	rt, err := s.runtime(id)
	if err != nil {
		writeError(c, err)
		return
	}

	setSSEHeaders(c)
	writeSSE(c.Writer, "connected", map[string]string{"type": "connected"})
	c.Writer.Flush()

	// Hub callbacks must not block; a slow client drops events rather
	// than stalling the generation that published them.
	events := make(chan variant.Event, 64)
	unsubscribe := rt.Hub().Subscribe(func(e variant.Event) {
		select {
		case events <- e:
		default:
		}
	})
	defer unsubscribe()

	ctx := c.Request.Context()
	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			writeSSE(c.Writer, "heartbeat", map[string]string{
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			})
			c.Writer.Flush()
		case e := <-events:
			switch e.Type {
			case variant.EventState:
				writeSSE(c.Writer, "state", stateEvent{MessageID: e.MessageID, State: e.State.String()})
			case variant.EventDelta:
				writeSSE(c.Writer, "delta", deltaEvent{MessageID: e.MessageID, Content: e.Content})
			case variant.EventSelection:
				writeSSE(c.Writer, "selection", selectionEvent{
					MessageID: e.MessageID,
					Index:     e.Selection.Index,
					Count:     e.Selection.Count,
					Content:   e.Content,
				})
			}
			c.Writer.Flush()
		}
	}
}
