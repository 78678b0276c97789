package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"
)

// DefaultTTL bounds how long a stored response stays replayable.
const DefaultTTL = 24 * time.Hour

// Status is the lifecycle state of a stored record.
type Status string

const (
	// StatusPending marks a key that is reserved while the first request is in flight.
	StatusPending Status = "pending"
	// StatusCompleted marks a key whose response has been captured for replay.
	StatusCompleted Status = "completed"
)

// ReservationState reports what Reserve found for a key.
type ReservationState int

const (
	// ReservationStateNew means the key was unknown and is now reserved for the caller.
	ReservationStateNew ReservationState = iota
	// ReservationStateCompleted means a stored response exists and must be replayed.
	ReservationStateCompleted
	// ReservationStatePending means the first request for this key has not finished.
	ReservationStatePending
)

// Reservation is the outcome of Reserve, carrying the stored record when one exists.
type Reservation struct {
	State  ReservationState
	Record Record
}

// Record is the persisted state for one idempotency key.
type Record struct {
	Key             string
	Fingerprint     string
	Status          Status
	ResponseStatus  int
	ResponseHeaders map[string][]string
	ResponseBody    []byte
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ExpiresAt       time.Time
}

// Response is the captured HTTP response persisted for future replays.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Store persists reservations and captured responses. Implementations must
// make Reserve atomic per key: two concurrent first requests may not both see
// ReservationStateNew.
type Store interface {
	Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error)
	SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error
	Release(ctx context.Context, key, fingerprint string) error
	CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// ErrFingerprintMismatch signals that a key was reused for a different request payload.
var ErrFingerprintMismatch = errors.New("idempotency: key reserved for different request fingerprint")

// recordID derives the storage document id from the owner-scoped key. Hashing
// keeps arbitrary client input out of document paths.
func recordID(key string) string {
	return sha256Hex([]byte(strings.TrimSpace(key)))
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Headers that describe the transport rather than the payload are not replayed.
var nonReplayableHeaders = map[string]struct{}{
	"content-length":      {},
	"date":                {},
	"connection":          {},
	"keep-alive":          {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"te":                  {},
	"trailers":            {},
	"transfer-encoding":   {},
	"upgrade":             {},
}

func storableHeaders(header http.Header) map[string][]string {
	if len(header) == 0 {
		return nil
	}
	stored := make(map[string][]string, len(header))
	for name, values := range header {
		canonical := http.CanonicalHeaderKey(name)
		if _, skip := nonReplayableHeaders[strings.ToLower(canonical)]; skip {
			continue
		}
		stored[canonical] = append([]string(nil), values...)
	}
	if len(stored) == 0 {
		return nil
	}
	return stored
}

func restoreHeaders(values map[string][]string) http.Header {
	header := make(http.Header, len(values))
	for name, vals := range values {
		header[name] = append([]string(nil), vals...)
	}
	return header
}
