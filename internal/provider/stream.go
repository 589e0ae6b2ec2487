package provider

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
)

// doneSentinel terminates a well-formed event stream.
const doneSentinel = "[DONE]"

// DeltaFunc receives each extracted content delta together with the full
// accumulated content, before the next read.
type DeltaFunc func(delta, content string)

// deltaFrame is a single decoded stream frame.
type deltaFrame struct {
	Content string `json:"content"`
}

// ConsumeStream reads an event stream line by line, keeping only lines
// prefixed "data: ". The [DONE] sentinel terminates the stream normally.
// Each payload is parsed as JSON and its content field appended to the
// running buffer; malformed payloads are skipped, never fatal. The
// accumulated buffer is returned even on error so callers can dispose of
// partial content. The context is checked on every read iteration.
func ConsumeStream(ctx context.Context, r io.Reader, onDelta DeltaFunc) (string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var buf strings.Builder
	for scanner.Scan() {
		if ctx.Err() != nil {
			return buf.String(), ctx.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == doneSentinel {
			return buf.String(), nil
		}
		var frame deltaFrame
		if err := json.Unmarshal([]byte(payload), &frame); err != nil {
			// Malformed frame: skip and keep reading.
			continue
		}
		if frame.Content == "" {
			continue
		}
		buf.WriteString(frame.Content)
		if onDelta != nil {
			onDelta(frame.Content, buf.String())
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return buf.String(), ctx.Err()
		}
		return buf.String(), err
	}
	// Stream ended without the sentinel; treat like a normal end. Callers
	// decide whether zero emitted bytes plus a non-success status is fatal.
	return buf.String(), nil
}

// isEventStream reports whether a content type indicates an event stream.
func isEventStream(contentType string) bool {
	return strings.HasPrefix(contentType, "text/event-stream")
}
