package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/ecomcore/api/internal/platform/auth"
	"github.com/ecomcore/api/internal/services"
)

type stubInventoryService struct {
	adjustFn  func(context.Context, services.StockDeltaCommand) (services.Product, error)
	commitFn  func(context.Context, services.OrderLinesCommand) error
	releaseFn func(context.Context, services.OrderLinesCommand) error
}

func (s *stubInventoryService) AdjustStock(ctx context.Context, cmd services.StockDeltaCommand) (services.Product, error) {
	if s.adjustFn != nil {
		return s.adjustFn(ctx, cmd)
	}
	return services.Product{}, errors.New("not implemented")
}

func (s *stubInventoryService) CommitOrderLines(ctx context.Context, cmd services.OrderLinesCommand) error {
	if s.commitFn != nil {
		return s.commitFn(ctx, cmd)
	}
	return errors.New("not implemented")
}

func (s *stubInventoryService) ReleaseOrderLines(ctx context.Context, cmd services.OrderLinesCommand) error {
	if s.releaseFn != nil {
		return s.releaseFn(ctx, cmd)
	}
	return errors.New("not implemented")
}

func newAdminRouter(catalog services.CatalogService, inventory services.InventoryService) *chi.Mux {
	handler := NewAdminCatalogHandlers(nil, catalog, inventory)
	router := chi.NewRouter()
	router.Route("/admin", handler.Routes)
	return router
}

func adminIdentity() *auth.Identity {
	return &auth.Identity{UID: "admin-1", Roles: []string{auth.RoleAdmin}}
}

func TestAdminCatalogCreateProductSuccess(t *testing.T) {
	var captured services.CreateProductCommand
	catalog := &stubCatalogService{
		createFn: func(ctx context.Context, cmd services.CreateProductCommand) (services.Product, error) {
			captured = cmd
			return services.Product{
				ID:            "prd_1",
				Name:          cmd.Name,
				Description:   cmd.Description,
				Price:         cmd.Price,
				PriceDiscount: cmd.PriceDiscount,
				Quantity:      cmd.Quantity,
			}, nil
		},
	}

	router := newAdminRouter(catalog, nil)
	body := `{"name":"Mug","description":"ceramic","price":1000,"price_discount":100,"quantity":10}`
	req := httptest.NewRequest(http.MethodPost, "/admin/products", strings.NewReader(body))
	req = identityRequest(req, adminIdentity())

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.Name != "Mug" || captured.Price != 1000 || captured.Quantity != 10 {
		t.Fatalf("unexpected command %#v", captured)
	}
	if captured.ActorID != "admin-1" {
		t.Fatalf("expected actor admin-1, got %s", captured.ActorID)
	}

	var resp productResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Product.ID != "prd_1" || resp.Product.UnitPrice != 900 {
		t.Fatalf("unexpected product payload %#v", resp.Product)
	}
}

func TestAdminCatalogCreateProductRequiresAdmin(t *testing.T) {
	catalog := &stubCatalogService{
		createFn: func(ctx context.Context, cmd services.CreateProductCommand) (services.Product, error) {
			t.Fatalf("create should not be called")
			return services.Product{}, nil
		},
	}

	router := newAdminRouter(catalog, nil)
	req := httptest.NewRequest(http.MethodPost, "/admin/products", strings.NewReader(`{"name":"Mug","price":1000,"quantity":1}`))
	req = identityRequest(req, &auth.Identity{UID: "user-1"})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected status 403, got %d", rr.Code)
	}
}

func TestAdminCatalogCreateProductInvalidInput(t *testing.T) {
	catalog := &stubCatalogService{
		createFn: func(ctx context.Context, cmd services.CreateProductCommand) (services.Product, error) {
			return services.Product{}, services.ErrCatalogInvalidInput
		},
	}

	router := newAdminRouter(catalog, nil)
	req := httptest.NewRequest(http.MethodPost, "/admin/products", strings.NewReader(`{"name":"","price":-5,"quantity":1}`))
	req = identityRequest(req, adminIdentity())

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestAdminCatalogAdjustStockSuccess(t *testing.T) {
	var captured services.StockDeltaCommand
	inventory := &stubInventoryService{
		adjustFn: func(ctx context.Context, cmd services.StockDeltaCommand) (services.Product, error) {
			captured = cmd
			return services.Product{ID: cmd.ProductID, Quantity: 15}, nil
		},
	}

	router := newAdminRouter(nil, inventory)
	req := httptest.NewRequest(http.MethodPost, "/admin/products/prd_1/stock", strings.NewReader(`{"quantity_delta":5,"reason":"restock"}`))
	req = identityRequest(req, adminIdentity())

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if captured.ProductID != "prd_1" || captured.QuantityDelta != 5 {
		t.Fatalf("unexpected command %#v", captured)
	}
	if captured.Reason != "restock" {
		t.Fatalf("expected reason restock, got %q", captured.Reason)
	}
	if captured.ActorID != "admin-1" {
		t.Fatalf("expected actor admin-1, got %s", captured.ActorID)
	}
}

func TestAdminCatalogAdjustStockInsufficient(t *testing.T) {
	inventory := &stubInventoryService{
		adjustFn: func(ctx context.Context, cmd services.StockDeltaCommand) (services.Product, error) {
			return services.Product{}, services.ErrInventoryInsufficientStock
		},
	}

	router := newAdminRouter(nil, inventory)
	req := httptest.NewRequest(http.MethodPost, "/admin/products/prd_1/stock", strings.NewReader(`{"quantity_delta":-100}`))
	req = identityRequest(req, adminIdentity())

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rr.Code)
	}
}

func TestAdminCatalogAdjustStockProductNotFound(t *testing.T) {
	inventory := &stubInventoryService{
		adjustFn: func(ctx context.Context, cmd services.StockDeltaCommand) (services.Product, error) {
			return services.Product{}, services.ErrInventoryProductNotFound
		},
	}

	router := newAdminRouter(nil, inventory)
	req := httptest.NewRequest(http.MethodPost, "/admin/products/prd_missing/stock", strings.NewReader(`{"quantity_delta":5}`))
	req = identityRequest(req, adminIdentity())

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}

func TestAdminCatalogUnauthenticated(t *testing.T) {
	router := newAdminRouter(&stubCatalogService{}, nil)
	req := httptest.NewRequest(http.MethodPost, "/admin/products", strings.NewReader(`{}`))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}
