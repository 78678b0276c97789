package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ecomcore/api/internal/platform/auth"
	"github.com/ecomcore/api/internal/services"
)

type stubCartService struct {
	getFn      func(context.Context, string) (services.Cart, error)
	addFn      func(context.Context, services.AddCartItemCommand) (services.Cart, error)
	increaseFn func(context.Context, string, string) (services.Cart, error)
	decreaseFn func(context.Context, string, string) (services.Cart, error)
	removeFn   func(context.Context, string, string) (services.Cart, error)
	clearFn    func(context.Context, string) error
}

func (s *stubCartService) GetCart(ctx context.Context, userID string) (services.Cart, error) {
	if s.getFn != nil {
		return s.getFn(ctx, userID)
	}
	return services.Cart{}, errors.New("not implemented")
}

func (s *stubCartService) AddItem(ctx context.Context, cmd services.AddCartItemCommand) (services.Cart, error) {
	if s.addFn != nil {
		return s.addFn(ctx, cmd)
	}
	return services.Cart{}, errors.New("not implemented")
}

func (s *stubCartService) IncreaseItem(ctx context.Context, userID, productID string) (services.Cart, error) {
	if s.increaseFn != nil {
		return s.increaseFn(ctx, userID, productID)
	}
	return services.Cart{}, errors.New("not implemented")
}

func (s *stubCartService) DecreaseItem(ctx context.Context, userID, productID string) (services.Cart, error) {
	if s.decreaseFn != nil {
		return s.decreaseFn(ctx, userID, productID)
	}
	return services.Cart{}, errors.New("not implemented")
}

func (s *stubCartService) RemoveItem(ctx context.Context, userID, productID string) (services.Cart, error) {
	if s.removeFn != nil {
		return s.removeFn(ctx, userID, productID)
	}
	return services.Cart{}, errors.New("not implemented")
}

func (s *stubCartService) ClearCart(ctx context.Context, userID string) error {
	if s.clearFn != nil {
		return s.clearFn(ctx, userID)
	}
	return errors.New("not implemented")
}

func newCartRouter(service services.CartService) *chi.Mux {
	handler := NewCartHandlers(nil, service)
	router := chi.NewRouter()
	router.Route("/cart", handler.Routes)
	return router
}

func TestCartHandlersGetCartSuccess(t *testing.T) {
	now := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	service := &stubCartService{
		getFn: func(ctx context.Context, userID string) (services.Cart, error) {
			if userID != "user-1" {
				t.Fatalf("unexpected user id %s", userID)
			}
			return services.Cart{
				UserID: "user-1",
				Items: []services.CartItem{
					{ProductID: "prd_1", Name: "Mug", Quantity: 2, UnitPrice: 900, LineTotal: 1800},
				},
				TotalQuantity: 2,
				TotalPrice:    1800,
				UpdatedAt:     now,
			}, nil
		},
	}

	router := newCartRouter(service)
	req := httptest.NewRequest(http.MethodGet, "/cart", nil)
	req = identityRequest(req, &auth.Identity{UID: "user-1"})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var resp cartResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Cart.UserID != "user-1" {
		t.Fatalf("expected user-1, got %s", resp.Cart.UserID)
	}
	if resp.Cart.TotalQuantity != 2 || resp.Cart.TotalPrice != 1800 {
		t.Fatalf("unexpected totals %#v", resp.Cart)
	}
	if len(resp.Cart.Items) != 1 || resp.Cart.Items[0].LineTotal != 1800 {
		t.Fatalf("unexpected items %#v", resp.Cart.Items)
	}
}

func TestCartHandlersGetCartMissingNotFound(t *testing.T) {
	service := &stubCartService{
		getFn: func(ctx context.Context, userID string) (services.Cart, error) {
			return services.Cart{}, services.ErrCartNotFound
		},
	}

	router := newCartRouter(service)
	req := httptest.NewRequest(http.MethodGet, "/cart", nil)
	req = identityRequest(req, &auth.Identity{UID: "user-new"})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}

func TestCartHandlersAddItemDefaultsQuantity(t *testing.T) {
	var captured services.AddCartItemCommand
	service := &stubCartService{
		addFn: func(ctx context.Context, cmd services.AddCartItemCommand) (services.Cart, error) {
			captured = cmd
			return services.Cart{UserID: cmd.UserID, TotalQuantity: 1}, nil
		},
	}

	router := newCartRouter(service)
	req := httptest.NewRequest(http.MethodPost, "/cart/items", strings.NewReader(`{"product_id":"prd_1"}`))
	req = identityRequest(req, &auth.Identity{UID: "user-1"})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if captured.ProductID != "prd_1" {
		t.Fatalf("expected product prd_1, got %s", captured.ProductID)
	}
	if captured.Quantity != 1 {
		t.Fatalf("expected default quantity 1, got %d", captured.Quantity)
	}
}

func TestCartHandlersAddItemProductNotFound(t *testing.T) {
	service := &stubCartService{
		addFn: func(ctx context.Context, cmd services.AddCartItemCommand) (services.Cart, error) {
			return services.Cart{}, services.ErrCartProductNotFound
		},
	}

	router := newCartRouter(service)
	req := httptest.NewRequest(http.MethodPost, "/cart/items", strings.NewReader(`{"product_id":"prd_missing","quantity":1}`))
	req = identityRequest(req, &auth.Identity{UID: "user-1"})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}

func TestCartHandlersAddItemInvalidJSON(t *testing.T) {
	router := newCartRouter(&stubCartService{})
	req := httptest.NewRequest(http.MethodPost, "/cart/items", strings.NewReader(`{"product_id":`))
	req = identityRequest(req, &auth.Identity{UID: "user-1"})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestCartHandlersIncreaseItemSuccess(t *testing.T) {
	service := &stubCartService{
		increaseFn: func(ctx context.Context, userID, productID string) (services.Cart, error) {
			if userID != "user-1" || productID != "prd_1" {
				t.Fatalf("unexpected args %s %s", userID, productID)
			}
			return services.Cart{UserID: userID, TotalQuantity: 3, TotalPrice: 2700}, nil
		},
	}

	router := newCartRouter(service)
	req := httptest.NewRequest(http.MethodPost, "/cart/items/prd_1/increase", nil)
	req = identityRequest(req, &auth.Identity{UID: "user-1"})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
}

func TestCartHandlersDecreaseItemNotInCart(t *testing.T) {
	service := &stubCartService{
		decreaseFn: func(ctx context.Context, userID, productID string) (services.Cart, error) {
			return services.Cart{}, services.ErrCartItemNotFound
		},
	}

	router := newCartRouter(service)
	req := httptest.NewRequest(http.MethodPost, "/cart/items/prd_9/decrease", nil)
	req = identityRequest(req, &auth.Identity{UID: "user-1"})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}

func TestCartHandlersRemoveItemSuccess(t *testing.T) {
	service := &stubCartService{
		removeFn: func(ctx context.Context, userID, productID string) (services.Cart, error) {
			if productID != "prd_1" {
				t.Fatalf("unexpected product id %s", productID)
			}
			return services.Cart{UserID: userID}, nil
		},
	}

	router := newCartRouter(service)
	req := httptest.NewRequest(http.MethodDelete, "/cart/items/prd_1", nil)
	req = identityRequest(req, &auth.Identity{UID: "user-1"})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
}

func TestCartHandlersClearCartNoContent(t *testing.T) {
	var cleared string
	service := &stubCartService{
		clearFn: func(ctx context.Context, userID string) error {
			cleared = userID
			return nil
		},
	}

	router := newCartRouter(service)
	req := httptest.NewRequest(http.MethodDelete, "/cart", nil)
	req = identityRequest(req, &auth.Identity{UID: "user-1"})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rr.Code)
	}
	if cleared != "user-1" {
		t.Fatalf("expected clear for user-1, got %s", cleared)
	}
}

func TestCartHandlersConflictMapsTo409(t *testing.T) {
	service := &stubCartService{
		addFn: func(ctx context.Context, cmd services.AddCartItemCommand) (services.Cart, error) {
			return services.Cart{}, services.ErrCartConflict
		},
	}

	router := newCartRouter(service)
	req := httptest.NewRequest(http.MethodPost, "/cart/items", strings.NewReader(`{"product_id":"prd_1","quantity":2}`))
	req = identityRequest(req, &auth.Identity{UID: "user-1"})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rr.Code)
	}
}

func TestCartHandlersUnauthenticated(t *testing.T) {
	router := newCartRouter(&stubCartService{})
	req := httptest.NewRequest(http.MethodGet, "/cart", nil)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}

func TestCartHandlersServiceUnavailable(t *testing.T) {
	handler := NewCartHandlers(nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/cart", nil)
	req = identityRequest(req, &auth.Identity{UID: "user-1"})

	rr := httptest.NewRecorder()
	handler.getCart(rr, req)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
}
