package message

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// maxEventSize caps a single buffered event. Larger events are skipped.
const maxEventSize = 1024 * 1024

// EventTap splits a text/event-stream body into messages as it is read.
// The bytes returned to the reader are never altered.
type EventTap struct {
	io.ReadCloser
	ctx     context.Context
	handle  func(context.Context, *Message)
	now     func() time.Time
	pending []byte
	skip    bool
	done    bool
}

// NewEventTap wraps body and calls handle for every complete event.
func NewEventTap(ctx context.Context, body io.ReadCloser, handle func(context.Context, *Message)) *EventTap {
	return &EventTap{
		ReadCloser: body,
		ctx:        ctx,
		handle:     handle,
		now:        time.Now,
	}
}

// IsEventStream reports whether contentType is text/event-stream.
func IsEventStream(contentType string) bool {
	mediaType, _, _ := strings.Cut(contentType, ";")
	return strings.EqualFold(strings.TrimSpace(mediaType), "text/event-stream")
}

func (t *EventTap) Read(p []byte) (int, error) {
	n, err := t.ReadCloser.Read(p)
	if n > 0 {
		t.feed(p[:n])
	}
	if errors.Is(err, io.EOF) {
		t.flush()
	}
	return n, err
}

func (t *EventTap) Close() error {
	t.flush()
	return t.ReadCloser.Close()
}

func (t *EventTap) feed(chunk []byte) {
	if t.done {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			t.done = true
			t.pending = nil
			slog.Warn("event stream tap failed, continuing without it", "panic", r)
		}
	}()

	data := chunk
	if len(t.pending) > 0 {
		data = append(t.pending, chunk...)
		t.pending = nil
	}
	data = bytes.ReplaceAll(data, []byte("\r\n"), []byte("\n"))

	for {
		idx := bytes.Index(data, []byte("\n\n"))
		if idx == -1 {
			break
		}
		event := data[:idx]
		data = data[idx+2:]
		if t.skip {
			t.skip = false
			continue
		}
		if len(event) > maxEventSize {
			continue
		}
		t.emit(event)
	}

	if len(data) > maxEventSize {
		t.skip = true
		data = nil
	}
	if len(data) > 0 {
		t.pending = append([]byte(nil), data...)
	}
}

func (t *EventTap) flush() {
	if t.done {
		return
	}
	t.done = true
	if len(t.pending) > 0 && !t.skip {
		t.emit(bytes.TrimRight(t.pending, "\r\n"))
	}
	t.pending = nil
}

func (t *EventTap) emit(event []byte) {
	msg, ok := parseEvent(event, t.now())
	if !ok {
		return
	}
	t.handle(t.ctx, msg)
}

// parseEvent builds a message from the lines of one event. Comment-only and
// empty events yield no message.
func parseEvent(event []byte, ts time.Time) (*Message, bool) {
	var (
		id, name string
		data     [][]byte
		seen     bool
	)
	retry := -1
	for _, line := range bytes.Split(event, []byte("\n")) {
		if len(line) == 0 || line[0] == ':' {
			continue
		}
		field, value, _ := bytes.Cut(line, []byte(":"))
		value = bytes.TrimPrefix(value, []byte(" "))
		switch string(field) {
		case "id":
			id, seen = string(value), true
		case "event":
			name, seen = string(value), true
		case "data":
			data, seen = append(data, value), true
		case "retry":
			if ms, err := strconv.Atoi(string(value)); err == nil && ms >= 0 {
				retry = ms
			}
		}
	}
	if !seen {
		return nil, false
	}

	msg := New(id, bytes.Join(data, []byte("\n")), ts)
	if name != "" {
		msg.Headers = map[string]string{"event": name}
		msg.SetAttribute(AttrEventType, name)
	}
	if retry >= 0 {
		msg.SetAttribute(AttrRetry, time.Duration(retry)*time.Millisecond)
	}
	msg.Error = name == "error"
	return msg, true
}
