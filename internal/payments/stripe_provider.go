package payments

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

const stripeProviderName = "stripe"

// StripeLogger defines the logging contract for Stripe provider operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripeTokenAPI interface {
	New(params *stripe.TokenParams) (*stripe.Token, error)
}

type stripeChargeAPI interface {
	New(params *stripe.ChargeParams) (*stripe.Charge, error)
}

type stripeClients struct {
	tokens  stripeTokenAPI
	charges stripeChargeAPI
}

// StripeProviderConfig configures the StripeProvider.
type StripeProviderConfig struct {
	APIKey   string
	Backends *stripe.Backends
	Logger   StripeLogger
	Clock    func() time.Time
	clients  *stripeClients
}

// StripeProvider implements the Provider interface against the Stripe
// tokens and charges APIs.
type StripeProvider struct {
	api    stripeClients
	clock  func() time.Time
	logger StripeLogger
}

// NewStripeProvider constructs a Stripe Provider using the given configuration.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.clients == nil {
		return nil, errors.New("stripe: api key is required")
	}

	var clients stripeClients
	if cfg.clients != nil {
		clients = *cfg.clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = stripeClients{
			tokens:  sc.Tokens,
			charges: sc.Charges,
		}
	}

	if clients.tokens == nil || clients.charges == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeProvider{
		api: clients,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// Name identifies the provider for routing and persistence.
func (p *StripeProvider) Name() string { return stripeProviderName }

// TokenizeCard exchanges card details for a single-use Stripe token.
func (p *StripeProvider) TokenizeCard(ctx context.Context, card CardDetails) (string, error) {
	if p == nil {
		return "", errors.New("stripe: provider is nil")
	}
	if strings.TrimSpace(card.Number) == "" {
		return "", &Error{Provider: stripeProviderName, Code: ErrorCodeInvalidCard, Message: "card number is required"}
	}

	params := &stripe.TokenParams{
		Card: &stripe.CardParams{
			Number:   stripe.String(strings.TrimSpace(card.Number)),
			ExpMonth: stripe.String(strings.TrimSpace(card.ExpMonth)),
			ExpYear:  stripe.String(strings.TrimSpace(card.ExpYear)),
			CVC:      stripe.String(strings.TrimSpace(card.CVC)),
		},
	}
	params.Context = ctx

	token, err := p.api.tokens.New(params)
	if err != nil {
		p.logger(ctx, "stripe.tokenize_failed", map[string]any{"error": err.Error()})
		return "", p.classifyError("tokenize", err)
	}
	return token.ID, nil
}

// Charge captures the given amount against a previously issued token.
func (p *StripeProvider) Charge(ctx context.Context, req ChargeRequest) (Charge, error) {
	if p == nil {
		return Charge{}, errors.New("stripe: provider is nil")
	}
	if req.Amount <= 0 {
		return Charge{}, &Error{Provider: stripeProviderName, Code: ErrorCodeDeclined, Message: "charge amount must be positive"}
	}
	if strings.TrimSpace(req.Token) == "" {
		return Charge{}, &Error{Provider: stripeProviderName, Code: ErrorCodeInvalidCard, Message: "charge token is required"}
	}
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		return Charge{}, &Error{Provider: stripeProviderName, Code: ErrorCodeDeclined, Message: "idempotency key is required"}
	}

	params := &stripe.ChargeParams{
		Amount:      stripe.Int64(req.Amount),
		Currency:    stripe.String(strings.ToLower(strings.TrimSpace(req.Currency))),
		Description: stripe.String(strings.TrimSpace(req.Description)),
	}
	params.Context = ctx
	params.SetIdempotencyKey(strings.TrimSpace(req.IdempotencyKey))
	if err := params.SetSource(strings.TrimSpace(req.Token)); err != nil {
		return Charge{}, &Error{Provider: stripeProviderName, Code: ErrorCodeInvalidCard, Message: "invalid charge source", Err: err}
	}
	for key, value := range req.Metadata {
		params.AddMetadata(key, value)
	}

	charge, err := p.api.charges.New(params)
	if err != nil {
		p.logger(ctx, "stripe.charge_failed", map[string]any{
			"error":          err.Error(),
			"idempotencyKey": req.IdempotencyKey,
		})
		return Charge{}, p.classifyError("charge", err)
	}

	result := Charge{
		ID:        charge.ID,
		Provider:  stripeProviderName,
		Status:    normalizeChargeStatus(charge),
		Amount:    charge.Amount,
		Currency:  string(charge.Currency),
		CreatedAt: p.clock(),
	}
	if charge.Created > 0 {
		result.CreatedAt = time.Unix(charge.Created, 0).UTC()
	}
	if result.Status == StatusFailed {
		return Charge{}, &Error{Provider: stripeProviderName, Code: ErrorCodeDeclined, Message: "charge did not succeed"}
	}
	return result, nil
}

// classifyError maps transport and API failures onto the saga's error codes.
// Timeouts after submission are ambiguous: the charge may exist server-side.
func (p *StripeProvider) classifyError(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &Error{Provider: stripeProviderName, Code: ErrorCodeAmbiguous, Message: op + " timed out", Err: err}
	}

	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		switch stripeErr.Type {
		case stripe.ErrorTypeCard:
			return &Error{Provider: stripeProviderName, Code: ErrorCodeDeclined, Message: stripeErr.Msg, Err: err}
		case stripe.ErrorTypeInvalidRequest:
			return &Error{Provider: stripeProviderName, Code: ErrorCodeInvalidCard, Message: stripeErr.Msg, Err: err}
		}
		if stripeErr.HTTPStatusCode >= http.StatusInternalServerError {
			return &Error{Provider: stripeProviderName, Code: ErrorCodeAmbiguous, Message: stripeErr.Msg, Err: err}
		}
		return &Error{Provider: stripeProviderName, Code: ErrorCodeUnavailable, Message: stripeErr.Msg, Err: err}
	}

	return &Error{Provider: stripeProviderName, Code: ErrorCodeAmbiguous, Message: op + " failed before a response was read", Err: err}
}

func normalizeChargeStatus(charge *stripe.Charge) Status {
	if charge == nil {
		return StatusFailed
	}
	switch charge.Status {
	case stripe.ChargeStatusSucceeded:
		return StatusSucceeded
	case stripe.ChargeStatusPending:
		return StatusPending
	default:
		return StatusFailed
	}
}
