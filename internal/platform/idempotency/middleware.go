package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ecomcore/api/internal/platform/auth"
)

const (
	defaultHeader = "Idempotency-Key"
	// replayHeader marks responses served from a stored record.
	replayHeader = "X-Idempotent-Replay"
)

// Logger receives persistence failures the middleware cannot surface to the client.
type Logger interface {
	Printf(format string, args ...any)
}

type clockFunc func() time.Time

type middlewareConfig struct {
	header  string
	ttl     time.Duration
	methods map[string]struct{}
	clock   clockFunc
	logger  Logger
}

// MiddlewareOption customises middleware behaviour.
type MiddlewareOption func(*middlewareConfig)

// WithHeader overrides the request header carrying the idempotency key.
func WithHeader(name string) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if name = strings.TrimSpace(name); name != "" {
			cfg.header = name
		}
	}
}

// WithTTL configures how long completed records stay replayable.
func WithTTL(ttl time.Duration) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if ttl > 0 {
			cfg.ttl = ttl
		}
	}
}

// WithMethods restricts which HTTP methods the middleware guards.
func WithMethods(methods ...string) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if len(methods) == 0 {
			return
		}
		cfg.methods = make(map[string]struct{}, len(methods))
		for _, method := range methods {
			method = strings.ToUpper(strings.TrimSpace(method))
			if method != "" {
				cfg.methods[method] = struct{}{}
			}
		}
	}
}

// WithLogger injects a logger for store failures.
func WithLogger(logger Logger) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		cfg.logger = logger
	}
}

// WithClock overrides the time source for tests.
func WithClock(clock clockFunc) MiddlewareOption {
	return func(cfg *middlewareConfig) {
		if clock != nil {
			cfg.clock = clock
		}
	}
}

func mutatingMethods() map[string]struct{} {
	return map[string]struct{}{
		http.MethodPost:   {},
		http.MethodPut:    {},
		http.MethodPatch:  {},
		http.MethodDelete: {},
	}
}

// Middleware guards mutating requests with idempotency keys: the first request
// for a key runs the handler and stores the response, repeats replay it, and a
// key reused for a different payload is rejected. A nil store disables the
// middleware entirely.
func Middleware(store Store, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	if store == nil {
		return func(next http.Handler) http.Handler { return next }
	}

	cfg := middlewareConfig{
		header:  defaultHeader,
		ttl:     DefaultTTL,
		methods: mutatingMethods(),
		clock:   time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.ttl <= 0 {
		cfg.ttl = DefaultTTL
	}
	if len(cfg.methods) == 0 {
		cfg.methods = mutatingMethods()
	}
	if cfg.clock == nil {
		cfg.clock = time.Now
	}

	return func(next http.Handler) http.Handler {
		if next == nil {
			next = http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, guarded := cfg.methods[r.Method]; !guarded {
				next.ServeHTTP(w, r)
				return
			}

			key := strings.TrimSpace(r.Header.Get(cfg.header))
			if key == "" {
				writeJSONError(w, http.StatusBadRequest, "idempotency_key_required", "missing idempotency key header")
				return
			}

			body, err := bufferRequestBody(r)
			if err != nil {
				writeJSONError(w, http.StatusInternalServerError, "idempotency_read_body_failed", "unable to read request body")
				return
			}

			requester := requesterID(r.Context())
			fingerprint := fingerprintRequest(r, body, requester)
			owned := ownerScopedKey(key, requester)
			now := cfg.clock().UTC()

			reservation, err := store.Reserve(r.Context(), owned, fingerprint, now, cfg.ttl)
			if err != nil {
				writeReserveError(w, cfg.logger, err)
				return
			}

			switch reservation.State {
			case ReservationStateCompleted:
				replayStoredResponse(w, reservation.Record)
				return
			case ReservationStatePending:
				writeJSONError(w, http.StatusConflict, "idempotency_in_progress", "another request is processing this idempotency key")
				return
			case ReservationStateNew:
			default:
				writeJSONError(w, http.StatusInternalServerError, "idempotency_unknown_state", "unexpected idempotency state")
				return
			}

			capture := newCaptureWriter(w)
			next.ServeHTTP(capture, r)

			stored := Response{
				Status:  capture.Status(),
				Headers: capture.HeaderSnapshot(),
				Body:    capture.Body(),
			}

			if err := store.SaveResponse(r.Context(), owned, fingerprint, stored, cfg.clock().UTC(), cfg.ttl); err != nil {
				if cfg.logger != nil {
					cfg.logger.Printf("idempotency: persist response for key %s (requester %s): %v", key, requester, err)
				}
				if releaseErr := store.Release(r.Context(), owned, fingerprint); releaseErr != nil && cfg.logger != nil {
					cfg.logger.Printf("idempotency: release key %s after save failure: %v", key, releaseErr)
				}
				writeJSONError(w, http.StatusInternalServerError, "idempotency_store_error", "unable to persist idempotency state")
				return
			}

			if err := capture.Flush(); err != nil && cfg.logger != nil {
				cfg.logger.Printf("idempotency: flush response for key %s: %v", key, err)
			}
		})
	}
}

// bufferRequestBody reads the body so it can be fingerprinted, then restores
// it for the handler.
func bufferRequestBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if err := r.Body.Close(); err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

// fingerprintRequest binds a key to one exact request. Method, path, query,
// host, content type, requester, and body hash all participate, so reusing a
// key for anything else trips ErrFingerprintMismatch.
func fingerprintRequest(r *http.Request, body []byte, requester string) string {
	parts := []string{
		strings.ToUpper(r.Method),
		r.URL.Path,
		r.URL.RawQuery,
		r.Host,
		r.Header.Get("Content-Type"),
		requester,
	}
	if len(body) > 0 {
		parts = append(parts, sha256Hex(body))
	}
	return sha256Hex([]byte(strings.Join(parts, "|")))
}

func requesterID(ctx context.Context) string {
	if identity, ok := auth.IdentityFromContext(ctx); ok && identity != nil && identity.UID != "" {
		return identity.UID
	}
	return "anonymous"
}

// ownerScopedKey namespaces keys per requester so one user's key can never
// replay another user's response.
func ownerScopedKey(key, requester string) string {
	key = strings.TrimSpace(key)
	requester = strings.TrimSpace(requester)
	if requester == "" {
		requester = "anonymous"
	}
	if key == "" {
		return requester
	}
	return key + "|" + requester
}

func writeReserveError(w http.ResponseWriter, logger Logger, err error) {
	if errors.Is(err, ErrFingerprintMismatch) {
		writeJSONError(w, http.StatusConflict, "idempotency_key_conflict", "idempotency key already used for a different request")
		return
	}
	if logger != nil {
		logger.Printf("idempotency: store error: %v", err)
	}
	writeJSONError(w, http.StatusInternalServerError, "idempotency_store_error", "unable to process idempotency key")
}

func replayStoredResponse(w http.ResponseWriter, record Record) {
	dst := w.Header()
	for name := range dst {
		dst.Del(name)
	}
	for name, values := range restoreHeaders(record.ResponseHeaders) {
		for _, value := range values {
			dst.Add(name, value)
		}
	}
	dst.Set(replayHeader, "true")

	code := record.ResponseStatus
	if code == 0 {
		code = http.StatusOK
	}
	w.WriteHeader(code)
	if len(record.ResponseBody) > 0 {
		_, _ = w.Write(record.ResponseBody)
	}
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":   code,
		"message": message,
	})
}

// captureWriter buffers the handler's response so it can be persisted before
// anything reaches the client.
type captureWriter struct {
	parent http.ResponseWriter
	header http.Header
	status int
	body   bytes.Buffer
}

func newCaptureWriter(parent http.ResponseWriter) *captureWriter {
	return &captureWriter{parent: parent, header: make(http.Header)}
}

func (c *captureWriter) Header() http.Header {
	return c.header
}

func (c *captureWriter) WriteHeader(status int) {
	if status <= 0 {
		status = http.StatusOK
	}
	c.status = status
}

func (c *captureWriter) Write(data []byte) (int, error) {
	if c.status == 0 {
		c.status = http.StatusOK
	}
	return c.body.Write(data)
}

func (c *captureWriter) Status() int {
	if c.status == 0 {
		return http.StatusOK
	}
	return c.status
}

func (c *captureWriter) Body() []byte {
	if c.body.Len() == 0 {
		return nil
	}
	return c.body.Bytes()
}

func (c *captureWriter) HeaderSnapshot() http.Header {
	snapshot := make(http.Header, len(c.header))
	for name, values := range c.header {
		snapshot[name] = append([]string(nil), values...)
	}
	return snapshot
}

// Flush forwards the buffered response to the real writer.
func (c *captureWriter) Flush() error {
	dst := c.parent.Header()
	for name := range dst {
		dst.Del(name)
	}
	for name, values := range c.header {
		for _, value := range values {
			dst.Add(name, value)
		}
	}

	c.parent.WriteHeader(c.Status())
	if c.body.Len() == 0 {
		return nil
	}
	_, err := c.parent.Write(c.body.Bytes())
	return err
}
