// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestEventDecoderSplitIndependence(t *testing.T) {
	// The decoded result must not depend on where the transport splits the
	// byte stream, so try every split point.
	raw := "data: {\"content\":\"ab\"}\n\ndata: {\"content\":\"cd\"}\n\n"

	for i := 0; i <= len(raw); i++ {
		var d EventDecoder
		var got strings.Builder

		for _, chunk := range [][]byte{[]byte(raw[:i]), []byte(raw[i:])} {
			for _, ev := range d.Feed(chunk) {
				got.WriteString(ev.Content)
			}
		}
		for _, ev := range d.Flush() {
			got.WriteString(ev.Content)
		}

		if got.String() != "abcd" {
			t.Errorf("split at %d: got %q, want %q", i, got.String(), "abcd")
		}
	}
}

func TestEventDecoderIgnoresMalformedAndNonData(t *testing.T) {
	var d EventDecoder

	events := d.Feed([]byte("data: not-json\n\n" +
		": comment line\n\n" +
		"event: ping\ndata: {\"content\":\"ok\"}\n\n" +
		"data:\n\n"))

	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].Content != "ok" {
		t.Errorf("content = %q, want %q", events[0].Content, "ok")
	}
}

func TestEventDecoderFlushHandlesMissingTrailer(t *testing.T) {
	var d EventDecoder

	if events := d.Feed([]byte(`data: {"done":true}`)); len(events) != 0 {
		t.Fatalf("incomplete event decoded early: %v", events)
	}
	events := d.Flush()
	if len(events) != 1 || !events[0].Done {
		t.Fatalf("flush = %v, want one done event", events)
	}
	if events := d.Flush(); events != nil {
		t.Errorf("second flush = %v, want nil", events)
	}
}

func TestEventDecoderCarriageReturns(t *testing.T) {
	var d EventDecoder
	events := d.Feed([]byte("data: {\"content\":\"hi\"}\r\n\r\n"))
	// CRLF framing splits on \n\n only after \r trimming per line; the
	// first \r\n\r\n sequence still contains a bare \n\n.
	if len(events) == 0 {
		events = d.Flush()
	}
	if len(events) != 1 || events[0].Content != "hi" {
		t.Fatalf("events = %v, want one content event", events)
	}
}

func TestChatStreamInvokesCallbackInOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Accept"); got != "text/event-stream" {
			t.Errorf("Accept = %q", got)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		fl := w.(http.Flusher)
		for _, ev := range []string{`{"content":"a"}`, `{"content":"b"}`, `{"done":true}`} {
			fmt.Fprintf(w, "data: %s\n\n", ev)
			fl.Flush()
		}
	}))
	defer srv.Close()

	var got []StreamEvent
	err := NewClient(srv.URL).ChatStream(context.Background(), "tok",
		[]ChatMessage{{Role: "user", Content: "hi"}},
		func(ev StreamEvent) { got = append(got, ev) })
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}

	if len(got) != 3 {
		t.Fatalf("got %d events, want 3", len(got))
	}
	if got[0].Content != "a" || got[1].Content != "b" || !got[2].Done {
		t.Errorf("events = %v", got)
	}
}

func TestChatStreamReadsToEOFAfterDone(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Data after the done event still reaches the callback; only
		// end-of-data stops the loop.
		fmt.Fprint(w, "data: {\"done\":true}\n\ndata: {\"content\":\"late\"}\n\n")
	}))
	defer srv.Close()

	var got []StreamEvent
	err := NewClient(srv.URL).ChatStream(context.Background(), "tok", nil,
		func(ev StreamEvent) { got = append(got, ev) })
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if len(got) != 2 || got[1].Content != "late" {
		t.Fatalf("events = %v, want done then late content", got)
	}
}

func TestChatStreamRevokedBearer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	err := NewClient(srv.URL).ChatStream(context.Background(), "tok", nil, func(StreamEvent) {})
	if err != ErrSessionExpired {
		t.Fatalf("err = %v, want ErrSessionExpired", err)
	}
}

func TestChatStreamErrorDetail(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, `{"detail":"model overloaded"}`)
	}))
	defer srv.Close()

	err := NewClient(srv.URL).ChatStream(context.Background(), "tok", nil, func(StreamEvent) {})
	streamErr, ok := err.(*StreamError)
	if !ok {
		t.Fatalf("err = %T, want *StreamError", err)
	}
	if streamErr.Status != http.StatusServiceUnavailable {
		t.Errorf("status = %d", streamErr.Status)
	}
	if !strings.Contains(streamErr.Error(), "model overloaded") {
		t.Errorf("error = %q, want detail included", streamErr.Error())
	}
}

func TestChatStreamCancellation(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"content\":\"x\"}\n\n")
		w.(http.Flusher).Flush()
		close(started)
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	err := NewClient(srv.URL).ChatStream(ctx, "tok", nil, func(StreamEvent) {})
	if err != context.Canceled {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestChatStreamIdleWatchdog(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"content\":\"x\"}\n\n")
		w.(http.Flusher).Flush()
		// Then go quiet until the watchdog fires.
		<-r.Context().Done()
	}))
	defer srv.Close()

	client := NewClient(srv.URL).WithIdleTimeout(50 * time.Millisecond)
	err := client.ChatStream(context.Background(), "tok", nil, func(StreamEvent) {})

	streamErr, ok := err.(*StreamError)
	if !ok {
		t.Fatalf("err = %v (%T), want *StreamError", err, err)
	}
	if !strings.Contains(streamErr.Detail, "stalled") {
		t.Errorf("detail = %q, want stall message", streamErr.Detail)
	}
}
