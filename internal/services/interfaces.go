package services

import (
	"context"
	"errors"
	"time"

	domain "github.com/ecomcore/api/internal/domain"
	"github.com/ecomcore/api/internal/repositories"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination         = domain.Pagination
	Cart               = domain.Cart
	CartItem           = domain.CartItem
	Product            = domain.Product
	Order              = domain.Order
	OrderItem          = domain.OrderItem
	OrderStatus        = domain.OrderStatus
	PaymentMethod      = domain.PaymentMethod
	PaymentRecord      = domain.PaymentRecord
	Address            = domain.Address
	Review             = domain.Review
	StockAdjustment    = domain.StockAdjustment
	ReconciliationCase = domain.ReconciliationCase
	SystemHealthReport = domain.SystemHealthReport
)

// CartService manages mutable cart state while keeping totals in sync with the lines.
type CartService interface {
	GetCart(ctx context.Context, userID string) (Cart, error)
	AddItem(ctx context.Context, cmd AddCartItemCommand) (Cart, error)
	IncreaseItem(ctx context.Context, userID, productID string) (Cart, error)
	DecreaseItem(ctx context.Context, userID, productID string) (Cart, error)
	RemoveItem(ctx context.Context, userID, productID string) (Cart, error)
	ClearCart(ctx context.Context, userID string) error
}

// OrderService turns carts into immutable orders and drives the status lifecycle.
type OrderService interface {
	CreateFromCart(ctx context.Context, cmd CreateOrderCommand) (Order, error)
	GetOrder(ctx context.Context, q OrderReadQuery) (Order, error)
	ListOrders(ctx context.Context, filter OrderListQuery) (domain.CursorPage[Order], error)
	TransitionStatus(ctx context.Context, cmd OrderStatusCommand) (Order, error)
	Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error)
}

// InventoryService centralizes atomic stock movements against the product ledger.
type InventoryService interface {
	AdjustStock(ctx context.Context, cmd StockDeltaCommand) (Product, error)
	CommitOrderLines(ctx context.Context, cmd OrderLinesCommand) error
	ReleaseOrderLines(ctx context.Context, cmd OrderLinesCommand) error
}

// CatalogService manages the product listing surface.
type CatalogService interface {
	CreateProduct(ctx context.Context, cmd CreateProductCommand) (Product, error)
	GetProduct(ctx context.Context, productID string) (Product, error)
	ListProducts(ctx context.Context, filter ProductListQuery) (domain.CursorPage[Product], error)
}

// ReviewService coordinates review writes together with the product rating aggregate.
type ReviewService interface {
	Create(ctx context.Context, cmd CreateReviewCommand) (Review, error)
	Update(ctx context.Context, cmd UpdateReviewCommand) (Review, error)
	Delete(ctx context.Context, cmd DeleteReviewCommand) error
	ListByProduct(ctx context.Context, filter ReviewListQuery) (domain.CursorPage[Review], error)
}

// SystemService aggregates utility endpoints (health checks, counters).
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}

// OrderEventPublisher accepts order lifecycle notifications for downstream processing.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// StockEventPublisher accepts stock movement notifications for downstream processing.
type StockEventPublisher interface {
	PublishStockEvent(ctx context.Context, adjustment StockAdjustment) error
}

// ReviewEventPublisher accepts review lifecycle notifications for downstream processing.
type ReviewEventPublisher interface {
	PublishReviewEvent(ctx context.Context, event ReviewEvent) error
}

// ReconciliationQueue records charges whose local bookkeeping could not be
// completed so an operator can settle them out of band. Enqueue must not lose
// the case silently.
type ReconciliationQueue interface {
	Enqueue(ctx context.Context, c ReconciliationCase) error
}

// Command and DTO definitions ------------------------------------------------

type AddCartItemCommand struct {
	UserID    string
	ProductID string
	Quantity  int64
}

type CardInput struct {
	Number   string
	ExpMonth string
	ExpYear  string
	CVC      string
}

type CreateOrderCommand struct {
	UserID          string
	PaymentMethod   PaymentMethod
	Card            *CardInput
	ShippingAddress Address
	// AttemptID keys the charge idempotently. Handlers derive it from the
	// request idempotency header; a fresh one is generated when absent.
	AttemptID string
}

type OrderReadQuery struct {
	OrderID     string
	RequestedBy string
	Admin       bool
}

type OrderListQuery struct {
	UserID      string
	RequestedBy string
	Admin       bool
	Status      *OrderStatus
	Pagination
}

type OrderStatusCommand struct {
	OrderID string
	Next    OrderStatus
	ActorID string
}

type CancelOrderCommand struct {
	OrderID     string
	RequestedBy string
	Admin       bool
	Reason      string
}

type StockDeltaCommand struct {
	ProductID     string
	QuantityDelta int64
	SoldDelta     int64
	Reason        string
	ActorID       string
}

type OrderLine struct {
	ProductID string
	Quantity  int64
}

type OrderLinesCommand struct {
	OrderID string
	Lines   []OrderLine
	Reason  string
}

type CreateProductCommand struct {
	Name          string
	Description   string
	Price         int64
	PriceDiscount int64
	Quantity      int64
	ActorID       string
}

type ProductListQuery struct {
	Pagination
}

type CreateReviewCommand struct {
	ProductID string
	UserID    string
	Rating    int64
	Comment   string
}

type UpdateReviewCommand struct {
	ReviewID    string
	RequestedBy string
	Rating      *int64
	Comment     *string
}

type DeleteReviewCommand struct {
	ReviewID    string
	RequestedBy string
	Admin       bool
}

type ReviewListQuery struct {
	ProductID string
	Pagination
}

// OrderEvent describes an order lifecycle change for interested consumers.
type OrderEvent struct {
	Type       string
	Order      Order
	OccurredAt time.Time
}

// Order event types emitted by the order service.
const (
	OrderEventCreated       = "order.created"
	OrderEventStatusChanged = "order.status_changed"
	OrderEventCancelled     = "order.cancelled"
)

// ReviewEvent describes a review lifecycle change for interested consumers.
type ReviewEvent struct {
	Type       string
	Review     Review
	OccurredAt time.Time
}

// Review event types emitted by the review service.
const (
	ReviewEventCreated = "review.created"
	ReviewEventUpdated = "review.updated"
	ReviewEventDeleted = "review.deleted"
)

func isRepoNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		return repoErr.IsNotFound()
	}
	return false
}

func isRepoConflict(err error) bool {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		return repoErr.IsConflict()
	}
	return false
}
