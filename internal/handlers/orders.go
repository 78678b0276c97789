package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/ecomcore/api/internal/domain"
	"github.com/ecomcore/api/internal/platform/auth"
	"github.com/ecomcore/api/internal/platform/httpx"
	"github.com/ecomcore/api/internal/platform/pagination"
	"github.com/ecomcore/api/internal/services"
)

const (
	maxOrderBodySize     = 32 * 1024
	idempotencyKeyHeader = "Idempotency-Key"
)

// OrderHandlers exposes order settlement and lifecycle endpoints.
type OrderHandlers struct {
	authn   *auth.Authenticator
	orders  services.OrderService
	limiter rateLimiter
}

// OrderHandlersOption customises order handler construction.
type OrderHandlersOption func(*OrderHandlers)

// WithOrderRateLimiter throttles settlement attempts per user.
func WithOrderRateLimiter(limiter rateLimiter) OrderHandlersOption {
	return func(h *OrderHandlers) {
		h.limiter = limiter
	}
}

// NewOrderHandlers constructs handlers enforcing authentication before invoking the order service.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, opts ...OrderHandlersOption) *OrderHandlers {
	h := &OrderHandlers{
		authn:  authn,
		orders: orders,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes wires the /orders endpoints onto the provided router.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireAuth())
	}
	r.Post("/", h.createOrder)
	r.Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
	r.Post("/{orderID}/status", h.transitionStatus)
	r.Post("/{orderID}/cancel", h.cancelOrder)
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(ctx, w)
	if !ok {
		return
	}

	if h.limiter != nil && !h.limiter.Allow(identity.UID) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many checkout attempts; retry later", http.StatusTooManyRequests))
		return
	}

	body, err := readLimitedBody(r, maxOrderBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req createOrderRequest
	if err := decodeJSONBody(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	cmd := services.CreateOrderCommand{
		UserID:        identity.UID,
		PaymentMethod: domain.PaymentMethod(strings.ToLower(strings.TrimSpace(req.PaymentMethod))),
		ShippingAddress: domain.Address{
			Line1:      strings.TrimSpace(req.ShippingAddress.Line1),
			Line2:      strings.TrimSpace(req.ShippingAddress.Line2),
			City:       strings.TrimSpace(req.ShippingAddress.City),
			Country:    strings.TrimSpace(req.ShippingAddress.Country),
			PostalCode: strings.TrimSpace(req.ShippingAddress.PostalCode),
			Phone:      strings.TrimSpace(req.ShippingAddress.Phone),
		},
		AttemptID: strings.TrimSpace(r.Header.Get(idempotencyKeyHeader)),
	}
	if req.Card != nil {
		cmd.Card = &services.CardInput{
			Number:   strings.TrimSpace(req.Card.Number),
			ExpMonth: strings.TrimSpace(req.Card.ExpMonth),
			ExpYear:  strings.TrimSpace(req.Card.ExpYear),
			CVC:      strings.TrimSpace(req.Card.CVC),
		}
	}

	order, err := h.orders.CreateFromCart(ctx, cmd)
	if err != nil {
		h.writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(ctx, w)
	if !ok {
		return
	}

	order, err := h.orders.GetOrder(ctx, services.OrderReadQuery{
		OrderID:     strings.TrimSpace(chi.URLParam(r, "orderID")),
		RequestedBy: identity.UID,
		Admin:       identity.IsAdmin(),
	})
	if err != nil {
		h.writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(ctx, w)
	if !ok {
		return
	}

	params, err := pagination.FromRequest(r, pagination.Options{})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	query := services.OrderListQuery{
		RequestedBy: identity.UID,
		Admin:       identity.IsAdmin(),
		Pagination:  buildPagination(params),
	}
	if userID := strings.TrimSpace(r.URL.Query().Get("userId")); userID != "" {
		query.UserID = userID
	}
	if rawStatus := strings.TrimSpace(r.URL.Query().Get("status")); rawStatus != "" {
		status, err := parseOrderStatus(rawStatus)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
			return
		}
		query.Status = &status
	}

	page, err := h.orders.ListOrders(ctx, query)
	if err != nil {
		h.writeOrderError(ctx, w, err)
		return
	}

	payload := orderListResponse{Orders: make([]orderPayload, 0, len(page.Items))}
	for _, order := range page.Items {
		payload.Orders = append(payload.Orders, buildOrderPayload(order))
	}
	if page.NextCursor != nil {
		payload.NextPageToken = page.NextCursor.Token
	}
	writeJSONResponse(w, http.StatusOK, payload)
}

func (h *OrderHandlers) transitionStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(ctx, w)
	if !ok {
		return
	}
	if !identity.IsAdmin() {
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "status transitions require the admin role", http.StatusForbidden))
		return
	}

	body, err := readLimitedBody(r, maxOrderBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req orderStatusRequest
	if err := decodeJSONBody(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	status, err := parseOrderStatus(req.Status)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	order, err := h.orders.TransitionStatus(ctx, services.OrderStatusCommand{
		OrderID: strings.TrimSpace(chi.URLParam(r, "orderID")),
		Next:    status,
		ActorID: identity.UID,
	})
	if err != nil {
		h.writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(ctx, w)
	if !ok {
		return
	}

	cmd := services.CancelOrderCommand{
		OrderID:     strings.TrimSpace(chi.URLParam(r, "orderID")),
		RequestedBy: identity.UID,
		Admin:       identity.IsAdmin(),
	}

	// Body is optional; a reason may be supplied.
	if body, err := readLimitedBody(r, maxOrderBodySize); err == nil {
		var req cancelOrderRequest
		if err := decodeJSONBody(body, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
			return
		}
		cmd.Reason = strings.TrimSpace(req.Reason)
	} else if !errors.Is(err, errEmptyBody) {
		writeBodyError(ctx, w, err)
		return
	}

	order, err := h.orders.Cancel(ctx, cmd)
	if err != nil {
		h.writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) requireIdentity(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service is unavailable", http.StatusServiceUnavailable))
		return nil, false
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

func (h *OrderHandlers) writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrOrderInvalidInput), errors.Is(err, services.ErrOrderInvalidTransition):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderEmptyCart):
		httpx.WriteError(ctx, w, httpx.NewError("cart_empty", "cart has no items to settle", http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderUnauthorized):
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "order belongs to another user", http.StatusForbidden))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderInsufficientStock):
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_stock", "not enough stock to settle the order", http.StatusConflict))
	case errors.Is(err, services.ErrOrderPaymentFailed):
		httpx.WriteError(ctx, w, httpx.NewError("payment_failed", "payment was declined", http.StatusPaymentRequired))
	case errors.Is(err, services.ErrOrderPaymentAmbiguous):
		httpx.WriteError(ctx, w, httpx.NewError("payment_ambiguous", "payment outcome is unknown; the attempt has been queued for review", http.StatusBadGateway))
	case errors.Is(err, services.ErrOrderUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service is unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "order operation failed", http.StatusInternalServerError))
	}
}

func parseOrderStatus(raw string) (domain.OrderStatus, error) {
	status := domain.OrderStatus(strings.ToLower(strings.TrimSpace(raw)))
	switch status {
	case domain.OrderStatusNotProcessed, domain.OrderStatusProcessing, domain.OrderStatusShipped, domain.OrderStatusDelivered, domain.OrderStatusCancelled:
		return status, nil
	default:
		return "", errors.New("status must be one of not_processed, processing, shipped, delivered, cancelled")
	}
}

func buildPagination(params pagination.Params) domain.Pagination {
	pager := domain.Pagination{PageSize: params.PageSize}
	if token := strings.TrimSpace(params.PageToken); token != "" {
		pager.Cursor = &domain.Cursor{Token: token}
	}
	return pager
}

type createOrderRequest struct {
	PaymentMethod   string         `json:"payment_method"`
	Card            *cardRequest   `json:"card,omitempty"`
	ShippingAddress addressRequest `json:"shipping_address"`
}

type cardRequest struct {
	Number   string `json:"number"`
	ExpMonth string `json:"exp_month"`
	ExpYear  string `json:"exp_year"`
	CVC      string `json:"cvc"`
}

type addressRequest struct {
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	Country    string `json:"country"`
	PostalCode string `json:"postal_code,omitempty"`
	Phone      string `json:"phone,omitempty"`
}

type orderStatusRequest struct {
	Status string `json:"status"`
}

type cancelOrderRequest struct {
	Reason string `json:"reason,omitempty"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderListResponse struct {
	Orders        []orderPayload `json:"orders"`
	NextPageToken string         `json:"next_page_token,omitempty"`
}

type orderPayload struct {
	ID              string             `json:"id"`
	Number          string             `json:"number"`
	UserID          string             `json:"user_id"`
	Items           []orderItemPayload `json:"items"`
	ItemsPrice      int64              `json:"items_price"`
	TaxPrice        int64              `json:"tax_price"`
	ShippingPrice   int64              `json:"shipping_price"`
	TotalPrice      int64              `json:"total_price"`
	Payment         paymentPayload     `json:"payment"`
	ShippingAddress addressRequest     `json:"shipping_address"`
	Status          string             `json:"status"`
	DeliveredAt     string             `json:"delivered_at,omitempty"`
	CancelledAt     string             `json:"cancelled_at,omitempty"`
	CreatedAt       string             `json:"created_at,omitempty"`
}

type orderItemPayload struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	Quantity  int64  `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
	LineTotal int64  `json:"line_total"`
}

type paymentPayload struct {
	Method string `json:"method"`
	Paid   bool   `json:"paid"`
	PaidAt string `json:"paid_at,omitempty"`
}

func buildOrderPayload(order services.Order) orderPayload {
	items := make([]orderItemPayload, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, orderItemPayload{
			ProductID: item.ProductID,
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			LineTotal: item.LineTotal,
		})
	}
	return orderPayload{
		ID:            order.ID,
		Number:        order.Number,
		UserID:        order.UserID,
		Items:         items,
		ItemsPrice:    order.ItemsPrice,
		TaxPrice:      order.TaxPrice,
		ShippingPrice: order.ShippingPrice,
		TotalPrice:    order.TotalPrice,
		Payment: paymentPayload{
			Method: string(order.Payment.Method),
			Paid:   order.Payment.Paid,
			PaidAt: formatTimePtr(order.Payment.PaidAt),
		},
		ShippingAddress: addressRequest{
			Line1:      order.ShippingAddress.Line1,
			Line2:      order.ShippingAddress.Line2,
			City:       order.ShippingAddress.City,
			Country:    order.ShippingAddress.Country,
			PostalCode: order.ShippingAddress.PostalCode,
			Phone:      order.ShippingAddress.Phone,
		},
		Status:      string(order.Status),
		DeliveredAt: formatTimePtr(order.DeliveredAt),
		CancelledAt: formatTimePtr(order.CancelledAt),
		CreatedAt:   formatTime(order.CreatedAt),
	}
}
