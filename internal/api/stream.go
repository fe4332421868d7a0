package api

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

const streamHeartbeat = 15 * time.Second

// queueNotifier fans out queue-change signals to active stream subscribers.
type queueNotifier struct {
	mu   sync.Mutex
	subs map[chan struct{}]struct{}
}

func newQueueNotifier() *queueNotifier {
	return &queueNotifier{subs: make(map[chan struct{}]struct{})}
}

func (n *queueNotifier) subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	n.mu.Lock()
	n.subs[ch] = struct{}{}
	n.mu.Unlock()

	cancel := func() {
		n.mu.Lock()
		delete(n.subs, ch)
		n.mu.Unlock()
	}
	return ch, cancel
}

func (n *queueNotifier) broadcast() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// handleStreamQueue streams queue snapshots as Server-Sent Events: one event
// on connect, one per queue change, plus periodic heartbeats. The stream is
// gzip-compressed only when the launch configuration enabled compressed
// streaming; most fronting proxies mishandle it, so it defaults off.
func (h *Handler) handleStreamQueue(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Streaming unsupported", "response writer does not support flushing")
		return
	}

	// The server write deadline is fixed at request start; a stream that
	// outlives WriteTimeout fails on its first write past the deadline, so
	// lift the deadline for this response.
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		writeError(w, http.StatusInternalServerError, "Streaming unsupported", "cannot clear the response write deadline")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	var out streamWriter = plainStreamWriter{w: w, flusher: flusher}
	if h.compressStream && strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
		w.Header().Set("Content-Encoding", "gzip")
		gz := gzip.NewWriter(w)
		defer gz.Close()
		out = gzipStreamWriter{gz: gz, flusher: flusher}
	}
	w.WriteHeader(http.StatusOK)

	events, cancel := h.queueEvents.subscribe()
	defer cancel()

	if err := h.writeQueueEvent(r, out); err != nil {
		return
	}

	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-events:
			if err := h.writeQueueEvent(r, out); err != nil {
				return
			}
		case <-heartbeat.C:
			if err := out.writeFlush([]byte(": ping\n\n")); err != nil {
				return
			}
		}
	}
}

func (h *Handler) writeQueueEvent(r *http.Request, out streamWriter) error {
	signups, err := h.store.ListSignups(r.Context())
	if err != nil {
		return err
	}
	payload, err := json.Marshal(queueResponse{Queue: signups})
	if err != nil {
		return err
	}
	return out.writeFlush([]byte(fmt.Sprintf("event: queue\ndata: %s\n\n", payload)))
}

type streamWriter interface {
	writeFlush(p []byte) error
}

type plainStreamWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s plainStreamWriter) writeFlush(p []byte) error {
	if _, err := s.w.Write(p); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

type gzipStreamWriter struct {
	gz      *gzip.Writer
	flusher http.Flusher
}

func (s gzipStreamWriter) writeFlush(p []byte) error {
	if _, err := s.gz.Write(p); err != nil {
		return err
	}
	if err := s.gz.Flush(); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
