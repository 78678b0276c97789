package payments

import (
	"context"
	"errors"
	"testing"
	"time"
)

type stubProvider struct {
	name       string
	tokenizeFn func(ctx context.Context, card CardDetails) (string, error)
	chargeFn   func(ctx context.Context, req ChargeRequest) (Charge, error)
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) TokenizeCard(ctx context.Context, card CardDetails) (string, error) {
	if s.tokenizeFn != nil {
		return s.tokenizeFn(ctx, card)
	}
	return "tok_stub", nil
}

func (s *stubProvider) Charge(ctx context.Context, req ChargeRequest) (Charge, error) {
	if s.chargeFn != nil {
		return s.chargeFn(ctx, req)
	}
	return Charge{ID: "ch_stub", Provider: s.name, Status: StatusSucceeded, Amount: req.Amount, Currency: req.Currency, CreatedAt: time.Now().UTC()}, nil
}

func TestManagerResolvesPreferredProvider(t *testing.T) {
	stripe := &stubProvider{name: "stripe"}
	other := &stubProvider{name: "other"}
	manager, err := NewManager(map[string]Provider{"stripe": stripe, "other": other})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	charge, err := manager.Charge(context.Background(), PaymentContext{Provider: "Stripe"}, ChargeRequest{Amount: 100, Currency: "usd", Token: "tok", IdempotencyKey: "key"})
	if err != nil {
		t.Fatalf("Charge failed: %v", err)
	}
	if charge.Provider != "stripe" {
		t.Fatalf("expected stripe provider, got %q", charge.Provider)
	}
}

func TestManagerRejectsUnknownProvider(t *testing.T) {
	manager, err := NewManager(map[string]Provider{
		"stripe": &stubProvider{name: "stripe"},
		"other":  &stubProvider{name: "other"},
	})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	_, err = manager.Charge(context.Background(), PaymentContext{Provider: "paypal"}, ChargeRequest{Amount: 100})
	if !errors.Is(err, ErrUnsupportedProvider) {
		t.Fatalf("expected ErrUnsupportedProvider, got %v", err)
	}
}

func TestManagerCurrencyRoute(t *testing.T) {
	jpyCalls := 0
	jpyProvider := &stubProvider{
		name: "jpy-gw",
		chargeFn: func(_ context.Context, req ChargeRequest) (Charge, error) {
			jpyCalls++
			return Charge{ID: "ch_jpy", Provider: "jpy-gw", Status: StatusSucceeded}, nil
		},
	}
	manager, err := NewManager(
		map[string]Provider{"stripe": &stubProvider{name: "stripe"}, "jpy-gw": jpyProvider},
		WithDefaultProvider("stripe"),
		WithCurrencyRoutes(map[string]string{"JPY": "jpy-gw"}),
	)
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	if _, err := manager.Charge(context.Background(), PaymentContext{Currency: "jpy"}, ChargeRequest{Amount: 500}); err != nil {
		t.Fatalf("Charge failed: %v", err)
	}
	if jpyCalls != 1 {
		t.Fatalf("expected currency route to pick jpy provider, calls=%d", jpyCalls)
	}
}

func TestManagerDefaultsToSingleProvider(t *testing.T) {
	manager, err := NewManager(map[string]Provider{"stripe": &stubProvider{name: "stripe"}})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	token, err := manager.TokenizeCard(context.Background(), PaymentContext{}, CardDetails{Number: "4242424242424242"})
	if err != nil {
		t.Fatalf("TokenizeCard failed: %v", err)
	}
	if token != "tok_stub" {
		t.Fatalf("unexpected token %q", token)
	}
}

func TestNewManagerValidatesDefault(t *testing.T) {
	_, err := NewManager(
		map[string]Provider{"stripe": &stubProvider{name: "stripe"}},
		WithDefaultProvider("missing"),
	)
	if err == nil {
		t.Fatal("expected error for unknown default provider")
	}
}
