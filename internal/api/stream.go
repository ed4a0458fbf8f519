// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// STREAMING: Chunk-boundary-independent event decoding with cancellation.

// =============================================================================
// STREAMING CONSTANTS
// =============================================================================

// streamReadSize is the per-read buffer for the stream body.
const streamReadSize = 4 * 1024

// MaxEventSize caps the carry buffer so a stream that never emits an
// event separator cannot grow memory without bound.
const MaxEventSize = 256 * 1024

// dataPrefix marks the significant lines inside an event.
var dataPrefix = []byte("data:")

// eventSeparator is the blank line between logical events.
var eventSeparator = []byte("\n\n")

// =============================================================================
// STREAM EVENTS
// =============================================================================

// StreamEvent is one decoded payload from the chat stream.
type StreamEvent struct {
	// Content is a text fragment to append to the in-progress assistant
	// message. May be empty.
	Content string `json:"content"`

	// Done ends the logical reply. The transport may keep the connection
	// open afterwards; the read loop only stops at end-of-data.
	Done bool `json:"done"`
}

// StreamCallback is invoked for each decoded event, in decode order.
type StreamCallback func(ev StreamEvent)

// =============================================================================
// EVENT DECODER
// =============================================================================

// EventDecoder incrementally decodes the stream framing: logical events
// are separated by a blank line, a chunk may contain zero, one, or many
// complete events plus a trailing fragment, and only lines starting with
// "data:" carry payloads. The trailing fragment is buffered and prefixed
// onto the next chunk, so decoding is independent of how the transport
// splits the byte stream.
type EventDecoder struct {
	buf []byte
}

// Feed consumes one chunk and returns every event completed by it.
func (d *EventDecoder) Feed(chunk []byte) []StreamEvent {
	d.buf = append(d.buf, chunk...)

	var events []StreamEvent
	for {
		i := bytes.Index(d.buf, eventSeparator)
		if i < 0 {
			break
		}
		events = append(events, parseEvent(d.buf[:i])...)
		d.buf = d.buf[i+len(eventSeparator):]
	}

	// A pathological stream without separators must not grow the carry
	// buffer forever.
	if len(d.buf) > MaxEventSize {
		d.buf = nil
	}
	return events
}

// Flush decodes whatever remains buffered. Called at end-of-data for
// streams whose final event lacks a trailing blank line.
func (d *EventDecoder) Flush() []StreamEvent {
	if len(d.buf) == 0 {
		return nil
	}
	events := parseEvent(d.buf)
	d.buf = nil
	return events
}

// parseEvent extracts payloads from one raw event. Lines without the
// "data:" prefix are ignored, and lines whose payload fails JSON parsing
// are silently discarded; malformed input is never fatal.
func parseEvent(raw []byte) []StreamEvent {
	var events []StreamEvent
	for _, line := range bytes.Split(raw, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		if !bytes.HasPrefix(line, dataPrefix) {
			continue
		}
		payload := strings.TrimSpace(string(line[len(dataPrefix):]))
		if payload == "" {
			continue
		}

		var ev StreamEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events
}

// =============================================================================
// STREAMING CHAT
// =============================================================================

// ChatStream posts the conversation to the chat endpoint and decodes the
// chunked reply, invoking cb for each event in decode order.
//
// The returned error is nil at transport end-of-data, context.Canceled
// when the caller cancelled, ErrSessionExpired on a 401/403 response, and
// a *StreamError for everything else. An event with Done set finishes the
// logical reply but the loop still runs to end-of-data, matching the
// backend's framing.
func (c *Client) ChatStream(ctx context.Context, sessionToken string, messages []ChatMessage, cb StreamCallback) error {
	payload, err := json.Marshal(map[string][]ChatMessage{"messages": messages})
	if err != nil {
		return &StreamError{Detail: "failed to marshal chat request", Err: err}
	}

	// The watchdog needs its own cancel so a stalled stream can be torn
	// down without the caller's involvement.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(pathChatStream),
		bytes.NewReader(payload))
	if err != nil {
		return &StreamError{Detail: "failed to create chat request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	setBearer(req, sessionToken)

	start := time.Now()
	resp, err := c.do(c.streamClient, req)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return context.Canceled
		}
		return &StreamError{Detail: "chat request failed", Err: err}
	}
	defer resp.Body.Close()

	if isAuthRevoked(resp.StatusCode) {
		io.Copy(io.Discard, io.LimitReader(resp.Body, MaxResponseSize))
		return ErrSessionExpired
	}
	if !isSuccess(resp.StatusCode) {
		body, _ := readBody(resp)
		return &StreamError{
			Status: resp.StatusCode,
			Detail: errorDetail(body, "chat request failed"),
		}
	}

	err = c.consumeStream(ctx, cancel, resp.Body, cb)
	c.log.Debug().Dur("duration", time.Since(start)).Err(err).Msg("stream finished")
	return err
}

// consumeStream runs the read loop: buffer, decode, dispatch. It returns
// nil at end-of-data and distinguishes caller cancellation from watchdog
// expiry and transport failure.
func (c *Client) consumeStream(ctx context.Context, cancel context.CancelFunc, body io.Reader, cb StreamCallback) error {
	var stalled atomic.Bool
	var watchdog *time.Timer
	if c.idleTimeout > 0 {
		watchdog = time.AfterFunc(c.idleTimeout, func() {
			stalled.Store(true)
			cancel()
		})
		defer watchdog.Stop()
	}

	var decoder EventDecoder
	buf := make([]byte, streamReadSize)

	for {
		n, err := body.Read(buf)
		if n > 0 {
			if watchdog != nil {
				watchdog.Reset(c.idleTimeout)
			}
			for _, ev := range decoder.Feed(buf[:n]) {
				cb(ev)
			}
		}
		if err == nil {
			continue
		}

		if err == io.EOF {
			for _, ev := range decoder.Flush() {
				cb(ev)
			}
			return nil
		}
		if stalled.Load() {
			return &StreamError{
				Detail: fmt.Sprintf("stream stalled: no data for %s", c.idleTimeout),
				Err:    err,
			}
		}
		if errors.Is(ctx.Err(), context.Canceled) {
			return context.Canceled
		}
		return &StreamError{Detail: "stream read failed", Err: err}
	}
}
