package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/eugenenazirov/openmic/internal/storage"
)

type contextKey string

const (
	requestIDContextKey  contextKey = "requestID"
	clientAddrContextKey contextKey = "clientAddr"
)

// Handler wires the signup store into HTTP handlers.
type Handler struct {
	store          storage.Store
	hostPIN        string
	compressStream bool
	clock          func() time.Time

	queueEvents *queueNotifier
}

// HandlerOption configures Handler behaviour.
type HandlerOption func(*Handler)

// WithClock overrides the time source, primarily for tests.
func WithClock(clock func() time.Time) HandlerOption {
	return func(h *Handler) {
		h.clock = clock
	}
}

// WithHostPIN sets the PIN required for host-only operations. An empty PIN
// leaves host controls disabled.
func WithHostPIN(pin string) HandlerOption {
	return func(h *Handler) {
		h.hostPIN = pin
	}
}

// WithCompressedStreaming enables gzip on the queue event stream. Off by
// default: proxies that mishandle compressed duplex streams are common.
func WithCompressedStreaming(enabled bool) HandlerOption {
	return func(h *Handler) {
		h.compressStream = enabled
	}
}

// NewHandler constructs a Handler with the provided dependencies.
func NewHandler(store storage.Store, opts ...HandlerOption) *Handler {
	h := &Handler{
		store: store,
		clock: func() time.Time {
			return time.Now().UTC()
		},
		queueEvents: newQueueNotifier(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	_ = r
	resp := healthResponse{
		Status:    "ok",
		Timestamp: h.clock(),
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleListQueue(w http.ResponseWriter, r *http.Request) {
	signups, err := h.store.ListSignups(r.Context())
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, queueResponse{Queue: signups})
}

func (h *Handler) handleCreateSignup(w http.ResponseWriter, r *http.Request) {
	var req signupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request", "unable to parse JSON payload")
		return
	}

	signup, err := h.store.AddSignup(r.Context(), storage.Signup{
		CreatedAt:  h.clock(),
		Name:       req.Name,
		Phone:      req.Phone,
		Instagram:  req.Instagram,
		Song:       req.Song,
		Suggestion: req.Suggestion,
	})
	if err != nil {
		if errors.Is(err, storage.ErrInvalidSignup) {
			writeError(w, http.StatusBadRequest, "Invalid signup", err.Error())
			return
		}
		writeInternalError(w, err)
		return
	}

	h.queueEvents.broadcast()
	writeJSON(w, http.StatusCreated, signup)
}

func (h *Handler) handleMarkDone(w http.ResponseWriter, r *http.Request) {
	if !h.requireHost(w, r) {
		return
	}
	id, ok := signupID(w, r)
	if !ok {
		return
	}

	if err := h.store.MarkDone(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrSignupNotFound) {
			writeError(w, http.StatusNotFound, "Not found", err.Error())
			return
		}
		writeInternalError(w, err)
		return
	}

	h.queueEvents.broadcast()
	writeJSON(w, http.StatusOK, messageResponse{Message: "Signup marked done"})
}

func (h *Handler) handleRemoveSignup(w http.ResponseWriter, r *http.Request) {
	if !h.requireHost(w, r) {
		return
	}
	id, ok := signupID(w, r)
	if !ok {
		return
	}

	if err := h.store.RemoveSignup(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrSignupNotFound) {
			writeError(w, http.StatusNotFound, "Not found", err.Error())
			return
		}
		writeInternalError(w, err)
		return
	}

	h.queueEvents.broadcast()
	writeJSON(w, http.StatusOK, messageResponse{Message: "Signup removed"})
}

func (h *Handler) handleListSongs(w http.ResponseWriter, r *http.Request) {
	songs, err := h.store.ListSongs(r.Context())
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, songsResponse{Songs: songs})
}

func (h *Handler) handleReplaceSongs(w http.ResponseWriter, r *http.Request) {
	if !h.requireHost(w, r) {
		return
	}

	var req songsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request", "unable to parse JSON payload")
		return
	}

	if err := h.store.ReplaceSongs(r.Context(), req.Songs); err != nil {
		if errors.Is(err, storage.ErrInvalidSongs) {
			writeError(w, http.StatusBadRequest, "Invalid song catalog", err.Error())
			return
		}
		writeInternalError(w, err)
		return
	}

	songs, err := h.store.ListSongs(r.Context())
	if err != nil {
		writeInternalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, songsResponse{Songs: songs, Message: "Song catalog updated"})
}

// requireHost authorizes a host-only operation via the X-Host-Pin header.
func (h *Handler) requireHost(w http.ResponseWriter, r *http.Request) bool {
	if h.hostPIN == "" {
		writeError(w, http.StatusForbidden, "Host controls disabled", "no host PIN is configured")
		return false
	}
	if subtle.ConstantTimeCompare([]byte(r.Header.Get("X-Host-Pin")), []byte(h.hostPIN)) != 1 {
		writeError(w, http.StatusUnauthorized, "Unauthorized", "missing or incorrect host PIN")
		return false
	}
	return true
}

func signupID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid request", "signup id must be a positive integer")
		return 0, false
	}
	return id, true
}

func requestIDFromContext(ctx context.Context) string {
	if v := ctx.Value(requestIDContextKey); v != nil {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

func clientAddrFromContext(ctx context.Context) string {
	if v := ctx.Value(clientAddrContextKey); v != nil {
		if addr, ok := v.(string); ok {
			return addr
		}
	}
	return ""
}

type signupRequest struct {
	Name       string `json:"name"`
	Phone      string `json:"phone"`
	Instagram  string `json:"instagram"`
	Song       string `json:"song"`
	Suggestion string `json:"suggestion"`
}

type songsRequest struct {
	Songs []string `json:"songs"`
}

type queueResponse struct {
	Queue []storage.Signup `json:"queue"`
}

type songsResponse struct {
	Songs   []string `json:"songs"`
	Message string   `json:"message,omitempty"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type errorResponse struct {
	Error      string `json:"error"`
	Details    string `json:"details,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != 0 {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message, details string, suggestion ...string) {
	resp := errorResponse{
		Error:   message,
		Details: details,
	}
	if len(suggestion) > 0 {
		resp.Suggestion = suggestion[0]
	}
	writeJSON(w, status, resp)
}

func writeInternalError(w http.ResponseWriter, err error) {
	writeError(w, http.StatusInternalServerError, "Internal error", err.Error())
}
