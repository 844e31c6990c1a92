// Package sse models the streaming event contract described in spec.md
// §6/§9: a lazy sequence of `SseEvent{Data string}` items terminated by a
// literal "[DONE]" event, or by a final `{"detail": <msg>}` event on
// error. The core itself stays transport-agnostic (the HTTP/LSP server
// is out of scope per spec.md §1) so this package only provides the
// iterator and wire-encoding pieces a thin HTTP layer would sit on top
// of, grounded on the "data: %s\n\n" framing used by the agent-harness
// example repo's streaming chat endpoint.
package sse

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Done is the terminal sentinel event payload, written verbatim once a
// stream finishes without error.
const Done = "[DONE]"

// Event is one emitted chunk. Data is the raw payload that goes after
// "data: " on the wire; callers JSON-encode their own delta shape into
// it before handing the Event to a Stream.
type Event struct {
	Data string
}

// errorDetail is the JSON shape written as the terminal event when a
// stream ends in error, per spec.md §9: "a final event with a JSON
// {"detail": <msg>} is emitted before termination."
type errorDetail struct {
	Detail string `json:"detail"`
}

// Stream is a lazy, cancelable sequence of Events. It is produced by
// Producer.Run and consumed by Writer.Copy, or iterated directly via
// Next for in-process callers (e.g. tests, or a future transport).
type Stream struct {
	events chan Event
	err    chan error
}

// NewStream allocates a Stream with the given channel buffer depth.
// buffer == 0 is valid: the producer blocks on Send until a reader is
// ready, which is the common case for a single HTTP responder.
func NewStream(buffer int) *Stream {
	return &Stream{
		events: make(chan Event, buffer),
		err:    make(chan error, 1),
	}
}

// Send delivers one event to the stream, respecting ctx cancellation so
// a producer never blocks forever on a reader that went away.
func (s *Stream) Send(ctx context.Context, ev Event) error {
	select {
	case s.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close signals the stream finished. err == nil means a clean [DONE]
// terminus; a non-nil err is wrapped into the {"detail": ...} event.
func (s *Stream) Close(err error) {
	s.err <- err
	close(s.events)
}

// Next returns the next event and true, or the stream's terminal error
// (nil on clean completion) and false once the stream is exhausted.
func (s *Stream) Next() (Event, bool, error) {
	ev, ok := <-s.events
	if ok {
		return ev, true, nil
	}
	return Event{}, false, <-s.err
}

// Writer encodes a Stream onto an io.Writer using the "data: ...\n\n"
// SSE framing, finishing with "[DONE]" or a JSON error-detail event.
type Writer struct {
	w       io.Writer
	flusher func()
}

// NewWriter wraps w. flush is called after every write if non-nil (an
// HTTP responder's Flush, typically); it may be nil for buffered
// writers such as a bytes.Buffer in tests.
func NewWriter(w io.Writer, flush func()) *Writer {
	return &Writer{w: w, flusher: flush}
}

// Copy drains stream onto the writer until it closes, returning the
// stream's terminal error (nil on a clean [DONE] close). Copy itself
// never fails on write errors from w without surfacing them here.
func (wr *Writer) Copy(ctx context.Context, stream *Stream) error {
	for {
		ev, ok, streamErr := stream.Next()
		if !ok {
			if streamErr != nil {
				if err := wr.writeLine(errorPayload(streamErr)); err != nil {
					return err
				}
				return streamErr
			}
			return wr.writeLine(Done)
		}
		if err := wr.writeLine(ev.Data); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

func (wr *Writer) writeLine(data string) error {
	if _, err := fmt.Fprintf(wr.w, "data: %s\n\n", data); err != nil {
		return err
	}
	if wr.flusher != nil {
		wr.flusher()
	}
	return nil
}

func errorPayload(err error) string {
	b, marshalErr := json.Marshal(errorDetail{Detail: err.Error()})
	if marshalErr != nil {
		return fmt.Sprintf(`{"detail":%q}`, err.Error())
	}
	return string(b)
}

// ScanEvents reads "data: ...\n\n" framed events off r, stopping at a
// literal "[DONE]" line and reporting an error if the terminal event is
// a {"detail": ...} payload. It exists for the symmetric client side of
// this contract (e.g. a daemon control-socket bridging SSE to a local
// IDE connection).
func ScanEvents(r io.Reader) ([]string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var out []string
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == Done {
			return out, nil
		}
		var detail errorDetail
		if err := json.Unmarshal([]byte(payload), &detail); err == nil && detail.Detail != "" {
			return out, fmt.Errorf("stream error: %s", detail.Detail)
		}
		out = append(out, payload)
	}
	if err := scanner.Err(); err != nil {
		return out, err
	}
	return out, nil
}
