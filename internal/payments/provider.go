package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status describes the terminal state of a charge as reported by the gateway.
type Status string

const (
	// StatusSucceeded means the charge settled.
	StatusSucceeded Status = "succeeded"
	// StatusPending means the gateway accepted the charge but it has not settled yet.
	StatusPending Status = "pending"
	// StatusFailed means the gateway rejected the charge.
	StatusFailed Status = "failed"
)

// ErrUnsupportedProvider indicates no provider matches the requested context.
var ErrUnsupportedProvider = errors.New("payments: unsupported provider")

// ErrorCode classifies gateway failures for the settlement saga.
type ErrorCode string

const (
	// ErrorCodeDeclined means the gateway definitively refused the charge.
	ErrorCodeDeclined ErrorCode = "declined"
	// ErrorCodeInvalidCard means tokenization rejected the card details.
	ErrorCodeInvalidCard ErrorCode = "invalid_card"
	// ErrorCodeAmbiguous means the charge outcome is unknown (timeout or
	// transport failure after submission); the caller must treat the charge
	// as possibly applied and reconcile, never blindly retry.
	ErrorCodeAmbiguous ErrorCode = "ambiguous"
	// ErrorCodeUnavailable means the gateway refused before accepting the
	// charge; a retry with the same idempotency key is safe.
	ErrorCodeUnavailable ErrorCode = "unavailable"
)

// Error wraps a gateway failure with a classification code.
type Error struct {
	Provider string
	Code     ErrorCode
	Message  string
	Err      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Provider, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Code)
}

// Unwrap exposes the underlying error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// IsDeclined reports whether err is a definitive gateway refusal.
func IsDeclined(err error) bool {
	var gw *Error
	if !errors.As(err, &gw) {
		return false
	}
	return gw.Code == ErrorCodeDeclined || gw.Code == ErrorCodeInvalidCard
}

// IsAmbiguous reports whether the charge outcome is unknown.
func IsAmbiguous(err error) bool {
	var gw *Error
	if !errors.As(err, &gw) {
		return false
	}
	return gw.Code == ErrorCodeAmbiguous
}

// IsRetryable reports whether the gateway refused before accepting the
// charge, making a retry with the same idempotency key safe.
func IsRetryable(err error) bool {
	var gw *Error
	if !errors.As(err, &gw) {
		return false
	}
	return gw.Code == ErrorCodeUnavailable
}

// CardDetails carries raw card data submitted for tokenization. The values
// never touch local storage; they are exchanged for a gateway token
// immediately.
type CardDetails struct {
	Number   string
	ExpMonth string
	ExpYear  string
	CVC      string
}

// ChargeRequest asks the gateway to capture the given amount. IdempotencyKey
// is mandatory so a retried submission can never double-charge.
type ChargeRequest struct {
	Amount         int64
	Currency       string
	Token          string
	Description    string
	IdempotencyKey string
	Metadata       map[string]string
}

// Charge is the gateway's record of a captured payment.
type Charge struct {
	ID        string
	Provider  string
	Status    Status
	Amount    int64
	Currency  string
	CreatedAt time.Time
}

// Provider is the gateway contract used by the order settlement saga.
type Provider interface {
	Name() string
	TokenizeCard(ctx context.Context, card CardDetails) (string, error)
	Charge(ctx context.Context, req ChargeRequest) (Charge, error)
}

// Manager coordinates provider selection and exposes the aggregated interface.
type Manager struct {
	providers       map[string]Provider
	defaultProvider string
	currencyRoutes  map[string]string
	chargeTimeout   time.Duration
}

// ManagerOption customises Manager construction.
type ManagerOption func(*Manager)

// WithDefaultProvider overrides the provider used when the context names none.
func WithDefaultProvider(provider string) ManagerOption {
	return func(m *Manager) {
		m.defaultProvider = strings.ToLower(strings.TrimSpace(provider))
	}
}

// WithChargeTimeout caps the time a single capture may spend in the gateway.
// Zero leaves the caller's deadline in force.
func WithChargeTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.chargeTimeout = d
		}
	}
}

// WithCurrencyRoutes maps ISO currency codes to provider names.
func WithCurrencyRoutes(routes map[string]string) ManagerOption {
	return func(m *Manager) {
		for currency, provider := range routes {
			currency = strings.ToLower(strings.TrimSpace(currency))
			provider = strings.ToLower(strings.TrimSpace(provider))
			if currency == "" || provider == "" {
				continue
			}
			m.currencyRoutes[currency] = provider
		}
	}
}

// NewManager builds a Manager over the given providers, keyed by lowercase name.
func NewManager(providers map[string]Provider, opts ...ManagerOption) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}

	m := &Manager{
		providers:      make(map[string]Provider, len(providers)),
		currencyRoutes: make(map[string]string),
	}
	for name, provider := range providers {
		key := strings.ToLower(strings.TrimSpace(name))
		if key == "" || provider == nil {
			return nil, fmt.Errorf("payments: invalid provider entry %q", name)
		}
		m.providers[key] = provider
	}

	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}

	if m.defaultProvider != "" {
		if _, ok := m.providers[m.defaultProvider]; !ok {
			return nil, fmt.Errorf("payments: default provider %q not registered", m.defaultProvider)
		}
	}
	return m, nil
}

// PaymentContext selects a provider for a single operation.
type PaymentContext struct {
	Provider string
	Currency string
}

func (m *Manager) resolveProvider(ctx PaymentContext) (Provider, error) {
	if m == nil || len(m.providers) == 0 {
		return nil, ErrUnsupportedProvider
	}

	if preferred := strings.ToLower(strings.TrimSpace(ctx.Provider)); preferred != "" {
		provider, ok := m.providers[preferred]
		if !ok {
			return nil, ErrUnsupportedProvider
		}
		return provider, nil
	}

	if currency := strings.ToLower(strings.TrimSpace(ctx.Currency)); currency != "" {
		if name, ok := m.currencyRoutes[currency]; ok {
			if provider, ok := m.providers[name]; ok {
				return provider, nil
			}
		}
	}

	if m.defaultProvider != "" {
		if provider, ok := m.providers[m.defaultProvider]; ok {
			return provider, nil
		}
	}

	if len(m.providers) == 1 {
		for _, provider := range m.providers {
			return provider, nil
		}
	}

	return nil, ErrUnsupportedProvider
}

// TokenizeCard exchanges raw card details for an opaque gateway token.
func (m *Manager) TokenizeCard(ctx context.Context, paymentCtx PaymentContext, card CardDetails) (string, error) {
	provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return "", err
	}
	return provider.TokenizeCard(ctx, card)
}

// Charge submits a capture through the resolved provider.
func (m *Manager) Charge(ctx context.Context, paymentCtx PaymentContext, req ChargeRequest) (Charge, error) {
	provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return Charge{}, err
	}
	if m.chargeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.chargeTimeout)
		defer cancel()
	}
	return provider.Charge(ctx, req)
}
