package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ecomcore/api/internal/platform/auth"
	"github.com/ecomcore/api/internal/platform/httpx"
	"github.com/ecomcore/api/internal/services"
)

const maxAdminBodySize = 64 * 1024

// AdminCatalogHandlers exposes admin-only catalog and stock management endpoints.
type AdminCatalogHandlers struct {
	authn     *auth.Authenticator
	catalog   services.CatalogService
	inventory services.InventoryService
}

func NewAdminCatalogHandlers(authn *auth.Authenticator, catalog services.CatalogService, inventory services.InventoryService) *AdminCatalogHandlers {
	return &AdminCatalogHandlers{authn: authn, catalog: catalog, inventory: inventory}
}

// Routes wires the /admin catalog endpoints onto the provided router.
func (h *AdminCatalogHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireAuth(auth.RoleAdmin))
	}
	r.Post("/products", h.createProduct)
	r.Post("/products/{productID}/stock", h.adjustStock)
}

func (h *AdminCatalogHandlers) createProduct(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireAdmin(ctx, w)
	if !ok {
		return
	}
	if h.catalog == nil {
		httpx.WriteError(ctx, w, httpx.NewError("catalog_unavailable", "catalog service is unavailable", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxAdminBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req createProductRequest
	if err := decodeJSONBody(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	product, err := h.catalog.CreateProduct(ctx, services.CreateProductCommand{
		Name:          strings.TrimSpace(req.Name),
		Description:   strings.TrimSpace(req.Description),
		Price:         req.Price,
		PriceDiscount: req.PriceDiscount,
		Quantity:      req.Quantity,
		ActorID:       identity.UID,
	})
	if err != nil {
		writeCatalogError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, productResponse{Product: buildProductPayload(product)})
}

func (h *AdminCatalogHandlers) adjustStock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireAdmin(ctx, w)
	if !ok {
		return
	}
	if h.inventory == nil {
		httpx.WriteError(ctx, w, httpx.NewError("inventory_unavailable", "inventory service is unavailable", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxAdminBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req stockDeltaRequest
	if err := decodeJSONBody(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	product, err := h.inventory.AdjustStock(ctx, services.StockDeltaCommand{
		ProductID:     strings.TrimSpace(chi.URLParam(r, "productID")),
		QuantityDelta: req.QuantityDelta,
		SoldDelta:     req.SoldDelta,
		Reason:        strings.TrimSpace(req.Reason),
		ActorID:       identity.UID,
	})
	if err != nil {
		writeInventoryError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, productResponse{Product: buildProductPayload(product)})
}

func (h *AdminCatalogHandlers) requireAdmin(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	if !identity.IsAdmin() {
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "admin role required", http.StatusForbidden))
		return nil, false
	}
	return identity, true
}

func writeInventoryError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrInventoryInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrInventoryProductNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("product_not_found", "product not found", http.StatusNotFound))
	case errors.Is(err, services.ErrInventoryInsufficientStock):
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_stock", "stock cannot go negative", http.StatusConflict))
	case errors.Is(err, services.ErrInventoryUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("inventory_unavailable", "inventory service is unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("inventory_error", "inventory operation failed", http.StatusInternalServerError))
	}
}

type createProductRequest struct {
	Name          string `json:"name"`
	Description   string `json:"description,omitempty"`
	Price         int64  `json:"price"`
	PriceDiscount int64  `json:"price_discount,omitempty"`
	Quantity      int64  `json:"quantity"`
}

type stockDeltaRequest struct {
	QuantityDelta int64  `json:"quantity_delta"`
	SoldDelta     int64  `json:"sold_delta,omitempty"`
	Reason        string `json:"reason,omitempty"`
}
