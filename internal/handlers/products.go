package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ecomcore/api/internal/platform/httpx"
	"github.com/ecomcore/api/internal/platform/pagination"
	"github.com/ecomcore/api/internal/services"
)

// ProductHandlers exposes the public product catalog.
type ProductHandlers struct {
	catalog services.CatalogService
	reviews services.ReviewService
}

func NewProductHandlers(catalog services.CatalogService, reviews services.ReviewService) *ProductHandlers {
	return &ProductHandlers{catalog: catalog, reviews: reviews}
}

// Routes wires the /products endpoints onto the provided router.
func (h *ProductHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/", h.listProducts)
	r.Get("/{productID}", h.getProduct)
	r.Get("/{productID}/reviews", h.listProductReviews)
}

func (h *ProductHandlers) listProducts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		httpx.WriteError(ctx, w, httpx.NewError("catalog_unavailable", "catalog service is unavailable", http.StatusServiceUnavailable))
		return
	}

	params, err := pagination.FromRequest(r, pagination.Options{})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	page, err := h.catalog.ListProducts(ctx, services.ProductListQuery{Pagination: buildPagination(params)})
	if err != nil {
		writeCatalogError(ctx, w, err)
		return
	}

	payload := productListResponse{Products: make([]productPayload, 0, len(page.Items))}
	for _, product := range page.Items {
		payload.Products = append(payload.Products, buildProductPayload(product))
	}
	if page.NextCursor != nil {
		payload.NextPageToken = page.NextCursor.Token
	}
	writeJSONResponse(w, http.StatusOK, payload)
}

func (h *ProductHandlers) getProduct(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.catalog == nil {
		httpx.WriteError(ctx, w, httpx.NewError("catalog_unavailable", "catalog service is unavailable", http.StatusServiceUnavailable))
		return
	}

	product, err := h.catalog.GetProduct(ctx, strings.TrimSpace(chi.URLParam(r, "productID")))
	if err != nil {
		writeCatalogError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, productResponse{Product: buildProductPayload(product)})
}

func (h *ProductHandlers) listProductReviews(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reviews == nil {
		httpx.WriteError(ctx, w, httpx.NewError("review_service_unavailable", "review service is unavailable", http.StatusServiceUnavailable))
		return
	}

	params, err := pagination.FromRequest(r, pagination.Options{})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	page, err := h.reviews.ListByProduct(ctx, services.ReviewListQuery{
		ProductID:  strings.TrimSpace(chi.URLParam(r, "productID")),
		Pagination: buildPagination(params),
	})
	if err != nil {
		writeReviewError(ctx, w, err)
		return
	}

	payload := reviewListResponse{Reviews: make([]reviewPayload, 0, len(page.Items))}
	for _, review := range page.Items {
		payload.Reviews = append(payload.Reviews, buildReviewPayload(review))
	}
	if page.NextCursor != nil {
		payload.NextPageToken = page.NextCursor.Token
	}
	writeJSONResponse(w, http.StatusOK, payload)
}

func writeCatalogError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrCatalogInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCatalogNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("product_not_found", "product not found", http.StatusNotFound))
	case errors.Is(err, services.ErrCatalogConflict):
		httpx.WriteError(ctx, w, httpx.NewError("product_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrCatalogUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("catalog_unavailable", "catalog service is unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("catalog_error", "catalog operation failed", http.StatusInternalServerError))
	}
}

type productResponse struct {
	Product productPayload `json:"product"`
}

type productListResponse struct {
	Products      []productPayload `json:"products"`
	NextPageToken string           `json:"next_page_token,omitempty"`
}

type productPayload struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	Description     string  `json:"description,omitempty"`
	Price           int64   `json:"price"`
	PriceDiscount   int64   `json:"price_discount,omitempty"`
	UnitPrice       int64   `json:"unit_price"`
	Quantity        int64   `json:"quantity"`
	Sold            int64   `json:"sold"`
	RatingsAverage  float64 `json:"ratings_average"`
	RatingsQuantity int64   `json:"ratings_quantity"`
	CreatedAt       string  `json:"created_at,omitempty"`
	UpdatedAt       string  `json:"updated_at,omitempty"`
}

// ratingsAverage converts the stored integer aggregate into the fractional
// average clients expect. Zero when the product has no live reviews.
func ratingsAverage(product services.Product) float64 {
	if product.RatingsQuantity <= 0 {
		return 0
	}
	return float64(product.RatingsSum) / float64(product.RatingsQuantity)
}

func buildProductPayload(product services.Product) productPayload {
	return productPayload{
		ID:              product.ID,
		Name:            product.Name,
		Description:     product.Description,
		Price:           product.Price,
		PriceDiscount:   product.PriceDiscount,
		UnitPrice:       product.UnitPrice(),
		Quantity:        product.Quantity,
		Sold:            product.Sold,
		RatingsAverage:  ratingsAverage(product),
		RatingsQuantity: product.RatingsQuantity,
		CreatedAt:       formatTime(product.CreatedAt),
		UpdatedAt:       formatTime(product.UpdatedAt),
	}
}
