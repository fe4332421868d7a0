package api

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/eugenenazirov/openmic/internal/launch"
)

// Policy is the subset of the launch configuration the router enforces.
// It is copied out of the immutable Config once, at wiring time.
type Policy struct {
	TrustForwardedHeaders      bool
	AllowCrossOrigin           bool
	EnforceOriginCheck         bool
	EnforceRequestForgeryCheck bool
}

// PolicyFromConfig derives the router policy from the resolved configuration.
func PolicyFromConfig(cfg launch.Config) Policy {
	return Policy{
		TrustForwardedHeaders:      cfg.TrustForwardedHeaders,
		AllowCrossOrigin:           cfg.AllowCrossOrigin,
		EnforceOriginCheck:         cfg.EnforceOriginCheck,
		EnforceRequestForgeryCheck: cfg.EnforceRequestForgeryCheck,
	}
}

// RouterOption configures the behaviour of NewRouter.
type RouterOption func(*routerConfig)

// WithPolicy applies the resolved security policy.
func WithPolicy(policy Policy) RouterOption {
	return func(cfg *routerConfig) {
		cfg.policy = policy
	}
}

// WithLogging controls whether access logs are emitted.
func WithLogging(enabled bool) RouterOption {
	return func(cfg *routerConfig) {
		cfg.enableLogging = enabled
	}
}

// WithRateLimit configures the token-bucket request limiter. Zero or negative
// values disable limiting.
func WithRateLimit(ratePerSecond float64, burst int) RouterOption {
	return func(cfg *routerConfig) {
		cfg.rateLimiter = newTokenBucketLimiter(ratePerSecond, burst)
	}
}

// WithRateLimiter overrides the request rate limiter (primarily for tests).
func WithRateLimiter(limiter rateLimiter) RouterOption {
	return func(cfg *routerConfig) {
		cfg.rateLimiter = limiter
	}
}

type routerConfig struct {
	policy        Policy
	enableLogging bool
	logger        *zap.Logger
	rateLimiter   rateLimiter
}

// NewRouter creates the API router. The middleware chain expresses the
// resolved policy: origin and request-forgery checks are on unless the
// configuration explicitly opted out, cross-origin headers are only emitted
// when allowed, and forwarded headers are only honoured behind a trusted
// proxy.
func NewRouter(handler *Handler, logger *zap.Logger, opts ...RouterOption) http.Handler {
	cfg := routerConfig{
		policy: Policy{
			EnforceOriginCheck:         true,
			EnforceRequestForgeryCheck: true,
		},
		enableLogging: true,
		logger:        logger,
		rateLimiter:   newTokenBucketLimiter(25, 50),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	mux := http.NewServeMux()
	mux.Handle("GET /api/health", http.HandlerFunc(handler.handleHealth))
	mux.Handle("GET /api/queue", http.HandlerFunc(handler.handleListQueue))
	mux.Handle("GET /api/queue/stream", http.HandlerFunc(handler.handleStreamQueue))
	mux.Handle("POST /api/signups", http.HandlerFunc(handler.handleCreateSignup))
	mux.Handle("POST /api/signups/{id}/done", http.HandlerFunc(handler.handleMarkDone))
	mux.Handle("DELETE /api/signups/{id}", http.HandlerFunc(handler.handleRemoveSignup))
	mux.Handle("GET /api/songs", http.HandlerFunc(handler.handleListSongs))
	mux.Handle("PUT /api/songs", http.HandlerFunc(handler.handleReplaceSongs))

	var root http.Handler = mux
	if cfg.policy.EnforceRequestForgeryCheck {
		root = forgeryCheckMiddleware(root)
	}
	if cfg.policy.EnforceOriginCheck {
		root = originCheckMiddleware(root)
	}
	if cfg.policy.AllowCrossOrigin {
		root = corsMiddleware(root)
	}
	root = recoveryMiddleware(cfg.logger, root)
	if cfg.enableLogging {
		root = loggingMiddleware(cfg.logger, root)
	}
	root = rateLimitMiddleware(cfg.rateLimiter, root)
	root = forwardedMiddleware(cfg.policy.TrustForwardedHeaders, root)
	root = requestIDMiddleware(root)

	return root
}

const (
	forgeryCookieName = "openmic_csrf"
	forgeryHeaderName = "X-CSRF-Token"
)

// forgeryCheckMiddleware implements a double-submit token: safe requests are
// issued a token cookie, and state-changing requests must echo it in the
// X-CSRF-Token header.
func forgeryCheckMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isSafeMethod(r.Method) {
			if _, err := r.Cookie(forgeryCookieName); err != nil {
				http.SetCookie(w, &http.Cookie{
					Name:     forgeryCookieName,
					Value:    generateToken(),
					Path:     "/",
					SameSite: http.SameSiteLaxMode,
				})
			}
			next.ServeHTTP(w, r)
			return
		}

		cookie, err := r.Cookie(forgeryCookieName)
		token := r.Header.Get(forgeryHeaderName)
		if err != nil || cookie.Value == "" || token == "" ||
			subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(token)) != 1 {
			writeError(w, http.StatusForbidden, "Request forgery check failed",
				"state-changing requests must echo the token cookie in the "+forgeryHeaderName+" header",
				"load the page first to obtain a token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// originCheckMiddleware rejects state-changing requests whose Origin (or, if
// absent, Referer) does not match the request host. Requests carrying neither
// header are allowed: non-browser clients set neither.
func originCheckMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isSafeMethod(r.Method) {
			next.ServeHTTP(w, r)
			return
		}

		source := r.Header.Get("Origin")
		if source == "" {
			source = r.Header.Get("Referer")
		}
		if source != "" && !sameHost(source, r.Host) {
			writeError(w, http.StatusForbidden, "Origin check failed",
				"request origin does not match the service host",
				"serve the page from the same host, or explicitly disable enforce_origin_check behind a trusted proxy")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

func sameHost(rawOrigin, requestHost string) bool {
	parsed, err := url.Parse(rawOrigin)
	if err != nil || parsed.Host == "" {
		return false
	}
	return hostname(parsed.Host) == hostname(requestHost)
}

func hostname(hostport string) string {
	if host, _, err := net.SplitHostPort(hostport); err == nil {
		return host
	}
	return hostport
}

// forwardedMiddleware records the client address for logging. Proxy headers
// are only honoured when the configuration confirmed a trusted proxy.
func forwardedMiddleware(trusted bool, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr := clientAddr(r, trusted)
		ctx := context.WithValue(r.Context(), clientAddrContextKey, addr)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func clientAddr(r *http.Request, trusted bool) string {
	if trusted {
		if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
			first, _, _ := strings.Cut(forwarded, ",")
			if addr := strings.TrimSpace(first); addr != "" {
				return addr
			}
		}
	}
	return hostname(r.RemoteAddr)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,X-Requested-With,X-Host-Pin,"+forgeryHeaderName)
		w.Header().Set("Access-Control-Expose-Headers", "X-Request-ID")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(logger *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		duration := time.Since(start)
		logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", duration),
			zap.String("client", clientAddrFromContext(r.Context())),
			zap.String("request_id", requestIDFromContext(r.Context())),
		)
	})
}

func recoveryMiddleware(logger *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, "Internal error", "unexpected server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if requestID == "" {
			requestID = generateToken()
		}
		ctx := context.WithValue(r.Context(), requestIDContextKey, requestID)

		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func generateToken() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 10)
	}
	return hex.EncodeToString(buf)
}

type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Flush forwards streaming flushes so the SSE endpoint works through the
// access-log recorder.
func (r *responseRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying connection's
// deadline controls through the recorder.
func (r *responseRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
