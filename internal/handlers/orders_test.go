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

	domain "github.com/ecomcore/api/internal/domain"
	"github.com/ecomcore/api/internal/platform/auth"
	"github.com/ecomcore/api/internal/services"
)

type stubOrderService struct {
	createFn     func(context.Context, services.CreateOrderCommand) (services.Order, error)
	getFn        func(context.Context, services.OrderReadQuery) (services.Order, error)
	listFn       func(context.Context, services.OrderListQuery) (domain.CursorPage[services.Order], error)
	transitionFn func(context.Context, services.OrderStatusCommand) (services.Order, error)
	cancelFn     func(context.Context, services.CancelOrderCommand) (services.Order, error)
}

func (s *stubOrderService) CreateFromCart(ctx context.Context, cmd services.CreateOrderCommand) (services.Order, error) {
	if s.createFn != nil {
		return s.createFn(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) GetOrder(ctx context.Context, q services.OrderReadQuery) (services.Order, error) {
	if s.getFn != nil {
		return s.getFn(ctx, q)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) ListOrders(ctx context.Context, filter services.OrderListQuery) (domain.CursorPage[services.Order], error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return domain.CursorPage[services.Order]{}, nil
}

func (s *stubOrderService) TransitionStatus(ctx context.Context, cmd services.OrderStatusCommand) (services.Order, error) {
	if s.transitionFn != nil {
		return s.transitionFn(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) Cancel(ctx context.Context, cmd services.CancelOrderCommand) (services.Order, error) {
	if s.cancelFn != nil {
		return s.cancelFn(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

type stubRateLimiter struct {
	allow bool
	keys  []string
}

func (l *stubRateLimiter) Allow(key string) bool {
	l.keys = append(l.keys, key)
	return l.allow
}

func newOrderRouter(service services.OrderService, opts ...OrderHandlersOption) *chi.Mux {
	handler := NewOrderHandlers(nil, service, opts...)
	router := chi.NewRouter()
	router.Route("/orders", handler.Routes)
	return router
}

func identityRequest(req *http.Request, identity *auth.Identity) *http.Request {
	return req.WithContext(auth.WithIdentity(req.Context(), identity))
}

func TestOrderHandlersCreateOrderSuccess(t *testing.T) {
	now := time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC)
	paidAt := now

	var captured services.CreateOrderCommand
	service := &stubOrderService{
		createFn: func(ctx context.Context, cmd services.CreateOrderCommand) (services.Order, error) {
			captured = cmd
			return services.Order{
				ID:         "ord_001",
				Number:     "1001",
				UserID:     cmd.UserID,
				Items:      []services.OrderItem{{ProductID: "prd_1", Name: "Mug", Quantity: 2, UnitPrice: 900, LineTotal: 1800}},
				ItemsPrice: 1800,
				TotalPrice: 1800,
				Payment: services.PaymentRecord{
					Method: domain.PaymentMethodCard,
					Paid:   true,
					PaidAt: &paidAt,
				},
				ShippingAddress: cmd.ShippingAddress,
				Status:          domain.OrderStatusNotProcessed,
				CreatedAt:       now,
			}, nil
		},
	}

	router := newOrderRouter(service)
	body := `{"payment_method":"card","card":{"number":"4242424242424242","exp_month":"12","exp_year":"2030","cvc":"123"},"shipping_address":{"line1":"1 Main St","city":"Springfield","country":"US","postal_code":"12345"}}`
	req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(body))
	req.Header.Set("Idempotency-Key", "attempt-42")
	req = identityRequest(req, &auth.Identity{UID: "user-1"})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.UserID != "user-1" {
		t.Fatalf("expected user-1, got %s", captured.UserID)
	}
	if captured.PaymentMethod != domain.PaymentMethodCard {
		t.Fatalf("expected card payment, got %s", captured.PaymentMethod)
	}
	if captured.AttemptID != "attempt-42" {
		t.Fatalf("expected attempt id from header, got %q", captured.AttemptID)
	}
	if captured.Card == nil || captured.Card.Number != "4242424242424242" {
		t.Fatalf("expected card details, got %#v", captured.Card)
	}
	if captured.ShippingAddress.City != "Springfield" {
		t.Fatalf("expected shipping city Springfield, got %s", captured.ShippingAddress.City)
	}

	var resp orderResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Order.ID != "ord_001" || resp.Order.Number != "1001" {
		t.Fatalf("unexpected order payload: %#v", resp.Order)
	}
	if !resp.Order.Payment.Paid || resp.Order.Payment.Method != "card" {
		t.Fatalf("expected paid card payment, got %#v", resp.Order.Payment)
	}
	if resp.Order.Status != "not_processed" {
		t.Fatalf("expected status not_processed, got %s", resp.Order.Status)
	}
	if resp.Order.TotalPrice != 1800 {
		t.Fatalf("expected total 1800, got %d", resp.Order.TotalPrice)
	}
}

func TestOrderHandlersCreateOrderCashOmitsCard(t *testing.T) {
	var captured services.CreateOrderCommand
	service := &stubOrderService{
		createFn: func(ctx context.Context, cmd services.CreateOrderCommand) (services.Order, error) {
			captured = cmd
			return services.Order{ID: "ord_002", UserID: cmd.UserID, Status: domain.OrderStatusNotProcessed}, nil
		},
	}

	router := newOrderRouter(service)
	body := `{"payment_method":"cash","shipping_address":{"line1":"1 Main St","city":"Springfield","country":"US"}}`
	req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(body))
	req = identityRequest(req, &auth.Identity{UID: "user-1"})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d", rr.Code)
	}
	if captured.PaymentMethod != domain.PaymentMethodCash {
		t.Fatalf("expected cash payment, got %s", captured.PaymentMethod)
	}
	if captured.Card != nil {
		t.Fatalf("expected no card details, got %#v", captured.Card)
	}
	if captured.AttemptID != "" {
		t.Fatalf("expected empty attempt id without header, got %q", captured.AttemptID)
	}
}

func TestOrderHandlersCreateOrderErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{name: "empty cart", err: services.ErrOrderEmptyCart, code: http.StatusBadRequest},
		{name: "invalid input", err: services.ErrOrderInvalidInput, code: http.StatusBadRequest},
		{name: "insufficient stock", err: services.ErrOrderInsufficientStock, code: http.StatusConflict},
		{name: "payment failed", err: services.ErrOrderPaymentFailed, code: http.StatusPaymentRequired},
		{name: "payment ambiguous", err: services.ErrOrderPaymentAmbiguous, code: http.StatusBadGateway},
		{name: "conflict", err: services.ErrOrderConflict, code: http.StatusConflict},
		{name: "unavailable", err: services.ErrOrderUnavailable, code: http.StatusServiceUnavailable},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			service := &stubOrderService{
				createFn: func(ctx context.Context, cmd services.CreateOrderCommand) (services.Order, error) {
					return services.Order{}, tc.err
				},
			}
			router := newOrderRouter(service)
			body := `{"payment_method":"cash","shipping_address":{"line1":"1 Main St","city":"Springfield","country":"US"}}`
			req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(body))
			req = identityRequest(req, &auth.Identity{UID: "user-1"})

			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)

			if rr.Code != tc.code {
				t.Fatalf("expected status %d, got %d", tc.code, rr.Code)
			}
		})
	}
}

func TestOrderHandlersCreateOrderRateLimited(t *testing.T) {
	limiter := &stubRateLimiter{allow: false}
	service := &stubOrderService{
		createFn: func(ctx context.Context, cmd services.CreateOrderCommand) (services.Order, error) {
			t.Fatalf("create should not be called when rate limited")
			return services.Order{}, nil
		},
	}

	router := newOrderRouter(service, WithOrderRateLimiter(limiter))
	req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(`{"payment_method":"cash","shipping_address":{"line1":"1 Main St","city":"Springfield","country":"US"}}`))
	req = identityRequest(req, &auth.Identity{UID: "user-1"})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status 429, got %d", rr.Code)
	}
	if len(limiter.keys) != 1 || limiter.keys[0] != "user-1" {
		t.Fatalf("expected limiter keyed by user, got %#v", limiter.keys)
	}
}

func TestOrderHandlersCreateOrderInvalidJSON(t *testing.T) {
	router := newOrderRouter(&stubOrderService{})
	req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(`{"payment_method":`))
	req = identityRequest(req, &auth.Identity{UID: "user-1"})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestOrderHandlersCreateOrderUnauthenticated(t *testing.T) {
	router := newOrderRouter(&stubOrderService{})
	req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(`{}`))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}

func TestOrderHandlersGetOrderForwardsAdminFlag(t *testing.T) {
	var captured services.OrderReadQuery
	service := &stubOrderService{
		getFn: func(ctx context.Context, q services.OrderReadQuery) (services.Order, error) {
			captured = q
			return services.Order{ID: q.OrderID, UserID: "someone-else", Status: domain.OrderStatusProcessing}, nil
		},
	}

	router := newOrderRouter(service)
	req := httptest.NewRequest(http.MethodGet, "/orders/ord_123", nil)
	req = identityRequest(req, &auth.Identity{UID: "admin-1", Roles: []string{auth.RoleAdmin}})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if captured.OrderID != "ord_123" {
		t.Fatalf("expected order id ord_123, got %s", captured.OrderID)
	}
	if !captured.Admin {
		t.Fatalf("expected admin flag set")
	}
	if captured.RequestedBy != "admin-1" {
		t.Fatalf("expected requested by admin-1, got %s", captured.RequestedBy)
	}
}

func TestOrderHandlersGetOrderNotFound(t *testing.T) {
	service := &stubOrderService{
		getFn: func(ctx context.Context, q services.OrderReadQuery) (services.Order, error) {
			return services.Order{}, services.ErrOrderNotFound
		},
	}

	router := newOrderRouter(service)
	req := httptest.NewRequest(http.MethodGet, "/orders/ord_missing", nil)
	req = identityRequest(req, &auth.Identity{UID: "user-1"})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}

func TestOrderHandlersGetOrderUnauthorized(t *testing.T) {
	service := &stubOrderService{
		getFn: func(ctx context.Context, q services.OrderReadQuery) (services.Order, error) {
			return services.Order{}, services.ErrOrderUnauthorized
		},
	}

	router := newOrderRouter(service)
	req := httptest.NewRequest(http.MethodGet, "/orders/ord_456", nil)
	req = identityRequest(req, &auth.Identity{UID: "user-1"})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d", rr.Code)
	}
}

func TestOrderHandlersListOrdersSuccess(t *testing.T) {
	now := time.Date(2024, 7, 2, 8, 0, 0, 0, time.UTC)

	var captured services.OrderListQuery
	service := &stubOrderService{
		listFn: func(ctx context.Context, filter services.OrderListQuery) (domain.CursorPage[services.Order], error) {
			captured = filter
			return domain.CursorPage[services.Order]{
				Items: []services.Order{
					{ID: "ord_1", Number: "1001", UserID: "user-1", Status: domain.OrderStatusShipped, TotalPrice: 2500, CreatedAt: now},
				},
				NextCursor: &domain.Cursor{Token: "tok-next"},
			}, nil
		},
	}

	router := newOrderRouter(service)
	req := httptest.NewRequest(http.MethodGet, "/orders?status=shipped&page_size=10&page_token=tok123", nil)
	req = identityRequest(req, &auth.Identity{UID: "user-1"})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if captured.RequestedBy != "user-1" {
		t.Fatalf("expected requested by user-1, got %s", captured.RequestedBy)
	}
	if captured.Status == nil || *captured.Status != domain.OrderStatusShipped {
		t.Fatalf("expected shipped status filter, got %#v", captured.Status)
	}
	if captured.Pagination.PageSize != 10 {
		t.Fatalf("expected page size 10, got %d", captured.Pagination.PageSize)
	}
	if captured.Pagination.Cursor == nil || captured.Pagination.Cursor.Token != "tok123" {
		t.Fatalf("expected cursor tok123, got %#v", captured.Pagination.Cursor)
	}

	var resp orderListResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp.Orders) != 1 || resp.Orders[0].ID != "ord_1" {
		t.Fatalf("unexpected orders payload: %#v", resp.Orders)
	}
	if resp.NextPageToken != "tok-next" {
		t.Fatalf("expected next page token tok-next, got %s", resp.NextPageToken)
	}
}

func TestOrderHandlersListOrdersInvalidStatus(t *testing.T) {
	router := newOrderRouter(&stubOrderService{})
	req := httptest.NewRequest(http.MethodGet, "/orders?status=unknown", nil)
	req = identityRequest(req, &auth.Identity{UID: "user-1"})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestOrderHandlersTransitionStatusRequiresAdmin(t *testing.T) {
	service := &stubOrderService{
		transitionFn: func(ctx context.Context, cmd services.OrderStatusCommand) (services.Order, error) {
			t.Fatalf("transition should not be called")
			return services.Order{}, nil
		},
	}

	router := newOrderRouter(service)
	req := httptest.NewRequest(http.MethodPost, "/orders/ord_1/status", strings.NewReader(`{"status":"shipped"}`))
	req = identityRequest(req, &auth.Identity{UID: "user-1"})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d", rr.Code)
	}
}

func TestOrderHandlersTransitionStatusSuccess(t *testing.T) {
	var captured services.OrderStatusCommand
	service := &stubOrderService{
		transitionFn: func(ctx context.Context, cmd services.OrderStatusCommand) (services.Order, error) {
			captured = cmd
			return services.Order{ID: cmd.OrderID, UserID: "user-1", Status: cmd.Next}, nil
		},
	}

	router := newOrderRouter(service)
	req := httptest.NewRequest(http.MethodPost, "/orders/ord_1/status", strings.NewReader(`{"status":"shipped"}`))
	req = identityRequest(req, &auth.Identity{UID: "admin-1", Roles: []string{auth.RoleAdmin}})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if captured.OrderID != "ord_1" || captured.Next != domain.OrderStatusShipped {
		t.Fatalf("unexpected command %#v", captured)
	}
	if captured.ActorID != "admin-1" {
		t.Fatalf("expected actor admin-1, got %s", captured.ActorID)
	}
}

func TestOrderHandlersTransitionStatusInvalidTransition(t *testing.T) {
	service := &stubOrderService{
		transitionFn: func(ctx context.Context, cmd services.OrderStatusCommand) (services.Order, error) {
			return services.Order{}, services.ErrOrderInvalidTransition
		},
	}

	router := newOrderRouter(service)
	req := httptest.NewRequest(http.MethodPost, "/orders/ord_1/status", strings.NewReader(`{"status":"delivered"}`))
	req = identityRequest(req, &auth.Identity{UID: "admin-1", Roles: []string{auth.RoleAdmin}})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestOrderHandlersCancelSuccess(t *testing.T) {
	now := time.Date(2024, 7, 3, 14, 0, 0, 0, time.UTC)

	var captured services.CancelOrderCommand
	service := &stubOrderService{
		cancelFn: func(ctx context.Context, cmd services.CancelOrderCommand) (services.Order, error) {
			captured = cmd
			return services.Order{
				ID:          cmd.OrderID,
				UserID:      "user-1",
				Status:      domain.OrderStatusCancelled,
				CancelledAt: &now,
			}, nil
		},
	}

	router := newOrderRouter(service)
	req := httptest.NewRequest(http.MethodPost, "/orders/ord_1/cancel", strings.NewReader(`{"reason":"changed mind"}`))
	req = identityRequest(req, &auth.Identity{UID: "user-1"})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if captured.OrderID != "ord_1" || captured.RequestedBy != "user-1" {
		t.Fatalf("unexpected command %#v", captured)
	}
	if captured.Reason != "changed mind" {
		t.Fatalf("expected reason carried through, got %q", captured.Reason)
	}

	var resp orderResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Order.Status != "cancelled" {
		t.Fatalf("expected status cancelled, got %s", resp.Order.Status)
	}
	if resp.Order.CancelledAt == "" {
		t.Fatalf("expected cancelled_at populated")
	}
}

func TestOrderHandlersCancelWithoutBody(t *testing.T) {
	service := &stubOrderService{
		cancelFn: func(ctx context.Context, cmd services.CancelOrderCommand) (services.Order, error) {
			if cmd.Reason != "" {
				t.Fatalf("expected empty reason, got %q", cmd.Reason)
			}
			return services.Order{ID: cmd.OrderID, UserID: "user-1", Status: domain.OrderStatusCancelled}, nil
		},
	}

	router := newOrderRouter(service)
	req := httptest.NewRequest(http.MethodPost, "/orders/ord_1/cancel", nil)
	req = identityRequest(req, &auth.Identity{UID: "user-1"})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
}

func TestOrderHandlersCancelAlreadyCancelled(t *testing.T) {
	service := &stubOrderService{
		cancelFn: func(ctx context.Context, cmd services.CancelOrderCommand) (services.Order, error) {
			return services.Order{}, services.ErrOrderConflict
		},
	}

	router := newOrderRouter(service)
	req := httptest.NewRequest(http.MethodPost, "/orders/ord_1/cancel", nil)
	req = identityRequest(req, &auth.Identity{UID: "user-1"})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rr.Code)
	}
}
