package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/ecomcore/api/internal/domain"
	"github.com/ecomcore/api/internal/repositories"
)

var (
	errCatalogRepositoryRequired = errors.New("catalog service: product repository is required")
	errCatalogClockRequired      = errors.New("catalog service: clock is required")
)

// ErrCatalogInvalidInput indicates the caller supplied invalid input.
var ErrCatalogInvalidInput = errors.New("catalog service: invalid input")

// ErrCatalogNotFound indicates the requested product does not exist.
var ErrCatalogNotFound = errors.New("catalog service: not found")

// ErrCatalogConflict indicates the product could not be stored due to a clash.
var ErrCatalogConflict = errors.New("catalog service: conflict")

// ErrCatalogUnavailable indicates the catalog backend cannot be reached.
var ErrCatalogUnavailable = errors.New("catalog service: unavailable")

const maxProductNameLength = 200

// CatalogServiceDeps wires the product repository for catalog operations.
type CatalogServiceDeps struct {
	Products    repositories.ProductRepository
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(context.Context, string, map[string]any)
}

type catalogService struct {
	products repositories.ProductRepository
	now      func() time.Time
	newID    func() string
	logger   func(context.Context, string, map[string]any)
}

// NewCatalogService constructs a CatalogService enforcing dependency validation.
func NewCatalogService(deps CatalogServiceDeps) (CatalogService, error) {
	if deps.Products == nil {
		return nil, errCatalogRepositoryRequired
	}
	if deps.Clock == nil {
		return nil, errCatalogClockRequired
	}

	newID := deps.IDGenerator
	if newID == nil {
		newID = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &catalogService{
		products: deps.Products,
		now:      func() time.Time { return deps.Clock().UTC() },
		newID:    newID,
		logger:   logger,
	}, nil
}

func (s *catalogService) CreateProduct(ctx context.Context, cmd CreateProductCommand) (Product, error) {
	name := strings.TrimSpace(cmd.Name)
	if name == "" {
		return Product{}, fmt.Errorf("%w: name is required", ErrCatalogInvalidInput)
	}
	if len(name) > maxProductNameLength {
		return Product{}, fmt.Errorf("%w: name must be %d characters or fewer", ErrCatalogInvalidInput, maxProductNameLength)
	}
	if cmd.Price < 0 {
		return Product{}, fmt.Errorf("%w: price must be non-negative", ErrCatalogInvalidInput)
	}
	if cmd.PriceDiscount < 0 || cmd.PriceDiscount > cmd.Price {
		return Product{}, fmt.Errorf("%w: price_discount must be between zero and price", ErrCatalogInvalidInput)
	}
	if cmd.Quantity < 0 {
		return Product{}, fmt.Errorf("%w: quantity must be non-negative", ErrCatalogInvalidInput)
	}

	now := s.now()
	product := domain.Product{
		ID:            strings.ToLower("prd_" + s.newID()),
		Name:          name,
		Description:   strings.TrimSpace(cmd.Description),
		Price:         cmd.Price,
		PriceDiscount: cmd.PriceDiscount,
		Quantity:      cmd.Quantity,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.products.Insert(ctx, product); err != nil {
		return Product{}, s.translateRepoError(err)
	}

	s.logger(ctx, "catalog.product_created", map[string]any{
		"productID": product.ID,
		"actorID":   cmd.ActorID,
	})
	return product, nil
}

func (s *catalogService) GetProduct(ctx context.Context, productID string) (Product, error) {
	id := strings.TrimSpace(productID)
	if id == "" {
		return Product{}, ErrCatalogInvalidInput
	}

	product, err := s.products.FindByID(ctx, id)
	if err != nil {
		return Product{}, s.translateRepoError(err)
	}
	return product, nil
}

func (s *catalogService) ListProducts(ctx context.Context, filter ProductListQuery) (domain.CursorPage[Product], error) {
	page, err := s.products.List(ctx, repositories.ProductListFilter{Pagination: filter.Pagination})
	if err != nil {
		return domain.CursorPage[Product]{}, s.translateRepoError(err)
	}
	return page, nil
}

func (s *catalogService) translateRepoError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return ErrCatalogNotFound
		case repoErr.IsConflict():
			return ErrCatalogConflict
		}
	}
	return ErrCatalogUnavailable
}
