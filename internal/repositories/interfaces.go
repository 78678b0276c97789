package repositories

import (
	"context"
	"time"

	domain "github.com/ecomcore/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Products() ProductRepository
	Carts() CartRepository
	Orders() OrderRepository
	Reviews() ReviewRepository
	Counters() CounterRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// ProductRepository owns catalog records and the atomic numeric-delta
// primitive shared by settlement, cancellation, and the rating aggregator.
// All delta methods execute as a single conditional update per product; they
// never read-modify-write outside a transaction.
type ProductRepository interface {
	Insert(ctx context.Context, product domain.Product) error
	FindByID(ctx context.Context, productID string) (domain.Product, error)
	List(ctx context.Context, filter ProductListFilter) (domain.CursorPage[domain.Product], error)

	// ApplyStockDelta adjusts quantity/sold together. A quantityDelta that
	// would drive stock below zero fails with ProductErrorInsufficientStock
	// and leaves the record untouched.
	ApplyStockDelta(ctx context.Context, req StockDeltaRequest) (domain.Product, error)

	// ApplyRatingDelta adjusts the stored rating aggregate
	// (sum and count) in one transaction.
	ApplyRatingDelta(ctx context.Context, req RatingDeltaRequest) (domain.Product, error)
}

// StockDeltaRequest describes one signed inventory adjustment.
type StockDeltaRequest struct {
	ProductID     string
	QuantityDelta int64
	SoldDelta     int64
	Reason        string
	Now           time.Time
}

// RatingDeltaRequest adjusts the rating aggregate of a product.
type RatingDeltaRequest struct {
	ProductID     string
	SumDelta      int64
	QuantityDelta int64
	Now           time.Time
}

// ProductListFilter bounds catalog listings.
type ProductListFilter struct {
	Pagination domain.Pagination
}

// CartRepository persists the single cart per user with optimistic locking.
// Save must fail with a conflict when the stored revision no longer matches
// ExpectedRevision, so concurrent mutations for the same user serialize.
type CartRepository interface {
	Get(ctx context.Context, userID string) (domain.Cart, error)
	Save(ctx context.Context, cart domain.Cart, expectedRevision int64) (domain.Cart, error)
	Delete(ctx context.Context, userID string) error
}

// OrderRepository persists settlement snapshots and status updates.
// Update must fail with a conflict when the stored status no longer matches
// expectedStatus, so concurrent lifecycle moves on one order serialize the
// same way concurrent cart writes do.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	Update(ctx context.Context, order domain.Order, expectedStatus domain.OrderStatus) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
}

// OrderListFilter narrows order listings; a zero UserID lists all orders.
type OrderListFilter struct {
	UserID     string
	Status     *domain.OrderStatus
	Pagination domain.Pagination
}

// ReviewRepository persists reviews together with the product rating
// aggregate. Insert, UpdateRating, and Delete each run the review write and
// the corresponding rating delta inside one transaction so two concurrent
// edits never both read a stale aggregate.
type ReviewRepository interface {
	Insert(ctx context.Context, review domain.Review) (domain.Review, error)
	FindByID(ctx context.Context, reviewID string) (domain.Review, error)
	FindByProductAndUser(ctx context.Context, productID, userID string) (domain.Review, error)
	UpdateRating(ctx context.Context, req ReviewUpdateRequest) (domain.Review, error)
	Delete(ctx context.Context, reviewID string, now time.Time) error
	ListByProduct(ctx context.Context, productID string, pager domain.Pagination) (domain.CursorPage[domain.Review], error)
}

// ReviewUpdateRequest mutates a review's rating and/or comment.
type ReviewUpdateRequest struct {
	ReviewID string
	Rating   *int64
	Comment  *string
	Now      time.Time
}

// CounterRepository issues monotonically increasing sequence values used for
// human-facing order numbers.
type CounterRepository interface {
	Next(ctx context.Context, name string, now time.Time) (int64, error)
	Configure(ctx context.Context, name string, cfg CounterConfig) error
}

// CounterConfig bounds a named counter.
type CounterConfig struct {
	Start int64
	Max   int64
}

// HealthRepository aggregates dependency probes into a readiness report.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
