package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/ecomcore/api/internal/domain"
	pfirestore "github.com/ecomcore/api/internal/platform/firestore"
	"github.com/ecomcore/api/internal/platform/pagination"
	"github.com/ecomcore/api/internal/repositories"
)

const productsCollection = "products"

// ProductRepository implements repositories.ProductRepository on Firestore.
// Stock and rating deltas run inside transactions so concurrent settlements
// and reviews never observe a stale aggregate.
type ProductRepository struct {
	provider *pfirestore.Provider
	products *pfirestore.BaseRepository[productDocument]
}

// NewProductRepository constructs a Firestore-backed product repository.
func NewProductRepository(provider *pfirestore.Provider) (*ProductRepository, error) {
	if provider == nil {
		return nil, errors.New("product repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[productDocument](provider, productsCollection)
	return &ProductRepository{provider: provider, products: base}, nil
}

// Insert creates the product document, failing on duplicate IDs.
func (r *ProductRepository) Insert(ctx context.Context, product domain.Product) error {
	if r == nil || r.products == nil {
		return errors.New("product repository not initialised")
	}
	id := strings.TrimSpace(product.ID)
	if id == "" {
		return errors.New("product insert: product id is required")
	}

	ref, err := r.products.DocumentRef(ctx, id)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, newProductDocument(product)); err != nil {
		return pfirestore.WrapError("products.insert", err)
	}
	return nil
}

// FindByID fetches a single product by document ID.
func (r *ProductRepository) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	if r == nil || r.products == nil {
		return domain.Product{}, errors.New("product repository not initialised")
	}
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return domain.Product{}, errors.New("product find: product id is required")
	}

	doc, err := r.products.Get(ctx, productID)
	if err != nil {
		return domain.Product{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// List pages the catalog ordered by creation time, newest first.
func (r *ProductRepository) List(ctx context.Context, filter repositories.ProductListFilter) (domain.CursorPage[domain.Product], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.Product]{}, errors.New("product repository not initialised")
	}

	pageSize := normalizePageSize(filter.Pagination.PageSize)

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.Product]{}, pfirestore.WrapError("products.list", err)
	}

	query := client.Collection(productsCollection).Query.
		OrderBy("createdAt", firestore.Desc).
		OrderBy(firestore.DocumentID, firestore.Desc).
		Limit(pageSize + 1)

	if token, err := decodeListToken(filter.Pagination.Cursor); err != nil {
		return domain.CursorPage[domain.Product]{}, pfirestore.WrapError("products.list", err)
	} else if token != nil {
		query = query.StartAfter(token.CreatedAt, token.ID)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var products []domain.Product
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.Product]{}, pfirestore.WrapError("products.list", err)
		}
		var doc productDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.Product]{}, fmt.Errorf("decode product %s: %w", snap.Ref.ID, err)
		}
		products = append(products, doc.toDomain(snap.Ref.ID))
	}

	page := domain.CursorPage[domain.Product]{Items: products}
	if len(products) > pageSize {
		page.Items = products[:pageSize]
		last := page.Items[len(page.Items)-1]
		cursor, err := encodeListToken(listToken{ID: last.ID, CreatedAt: last.CreatedAt})
		if err != nil {
			return domain.CursorPage[domain.Product]{}, pfirestore.WrapError("products.list", err)
		}
		page.NextCursor = cursor
	}
	return page, nil
}

// ApplyStockDelta adjusts quantity and sold in one conditional update. The
// record is left untouched when the quantity delta would drive stock negative.
func (r *ProductRepository) ApplyStockDelta(ctx context.Context, req repositories.StockDeltaRequest) (domain.Product, error) {
	if r == nil || r.provider == nil {
		return domain.Product{}, errors.New("product repository not initialised")
	}
	productID := strings.TrimSpace(req.ProductID)
	if productID == "" {
		return domain.Product{}, repositories.NewProductError(repositories.ProductErrorInvalidDelta, "stock delta: product id is required", nil)
	}
	if req.QuantityDelta == 0 && req.SoldDelta == 0 {
		return domain.Product{}, repositories.NewProductError(repositories.ProductErrorInvalidDelta, "stock delta: at least one delta must be non-zero", nil)
	}

	now := req.Now.UTC()
	var updated domain.Product

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, doc, err := r.getForUpdate(ctx, tx, productID)
		if err != nil {
			return err
		}

		quantity := doc.Quantity + req.QuantityDelta
		if quantity < 0 {
			return repositories.NewProductError(repositories.ProductErrorInsufficientStock, fmt.Sprintf("product %s has %d in stock, delta %d", productID, doc.Quantity, req.QuantityDelta), nil)
		}
		sold := doc.Sold + req.SoldDelta
		if sold < 0 {
			return repositories.NewProductError(repositories.ProductErrorInvalidDelta, fmt.Sprintf("product %s sold count cannot drop below zero", productID), nil)
		}

		doc.Quantity = quantity
		doc.Sold = sold
		doc.UpdatedAt = now
		if err := tx.Set(ref, doc); err != nil {
			return err
		}
		updated = doc.toDomain(productID)
		return nil
	})
	if err != nil {
		return domain.Product{}, wrapProductError("products.stockDelta", err)
	}
	return updated, nil
}

// ApplyRatingDelta adjusts the stored rating sum and count together.
func (r *ProductRepository) ApplyRatingDelta(ctx context.Context, req repositories.RatingDeltaRequest) (domain.Product, error) {
	if r == nil || r.provider == nil {
		return domain.Product{}, errors.New("product repository not initialised")
	}
	productID := strings.TrimSpace(req.ProductID)
	if productID == "" {
		return domain.Product{}, repositories.NewProductError(repositories.ProductErrorInvalidDelta, "rating delta: product id is required", nil)
	}

	now := req.Now.UTC()
	var updated domain.Product

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, doc, err := r.getForUpdate(ctx, tx, productID)
		if err != nil {
			return err
		}

		if err := applyRatingDelta(&doc, req.SumDelta, req.QuantityDelta, productID); err != nil {
			return err
		}
		doc.UpdatedAt = now
		if err := tx.Set(ref, doc); err != nil {
			return err
		}
		updated = doc.toDomain(productID)
		return nil
	})
	if err != nil {
		return domain.Product{}, wrapProductError("products.ratingDelta", err)
	}
	return updated, nil
}

func (r *ProductRepository) getForUpdate(ctx context.Context, tx *firestore.Transaction, productID string) (*firestore.DocumentRef, productDocument, error) {
	ref, err := r.products.DocumentRef(ctx, productID)
	if err != nil {
		return nil, productDocument{}, err
	}
	snap, err := tx.Get(ref)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, productDocument{}, repositories.NewProductError(repositories.ProductErrorNotFound, fmt.Sprintf("product %s not found", productID), err)
		}
		return nil, productDocument{}, err
	}
	var doc productDocument
	if err := snap.DataTo(&doc); err != nil {
		return nil, productDocument{}, fmt.Errorf("decode product %s: %w", productID, err)
	}
	return ref, doc, nil
}

// applyRatingDelta mutates the aggregate in place. Shared with the review
// repository, which folds the same delta into its review transactions.
func applyRatingDelta(doc *productDocument, sumDelta, quantityDelta int64, productID string) error {
	count := doc.RatingsQuantity + quantityDelta
	if count < 0 {
		return repositories.NewProductError(repositories.ProductErrorInvalidDelta, fmt.Sprintf("product %s rating count cannot drop below zero", productID), nil)
	}
	sum := doc.RatingsSum + sumDelta
	if count == 0 {
		sum = 0
	}
	if sum < 0 {
		return repositories.NewProductError(repositories.ProductErrorInvalidDelta, fmt.Sprintf("product %s rating sum cannot drop below zero", productID), nil)
	}
	doc.RatingsSum = sum
	doc.RatingsQuantity = count
	return nil
}

// Helper structures ---------------------------------------------------------

type productDocument struct {
	Name            string    `firestore:"name"`
	Description     string    `firestore:"description,omitempty"`
	Price           int64     `firestore:"price"`
	PriceDiscount   int64     `firestore:"priceDiscount"`
	Quantity        int64     `firestore:"quantity"`
	Sold            int64     `firestore:"sold"`
	RatingsSum      int64     `firestore:"ratingsSum"`
	RatingsQuantity int64     `firestore:"ratingsQuantity"`
	CreatedAt       time.Time `firestore:"createdAt"`
	UpdatedAt       time.Time `firestore:"updatedAt"`
}

func newProductDocument(product domain.Product) productDocument {
	return productDocument{
		Name:            strings.TrimSpace(product.Name),
		Description:     strings.TrimSpace(product.Description),
		Price:           product.Price,
		PriceDiscount:   product.PriceDiscount,
		Quantity:        product.Quantity,
		Sold:            product.Sold,
		RatingsSum:      product.RatingsSum,
		RatingsQuantity: product.RatingsQuantity,
		CreatedAt:       product.CreatedAt.UTC(),
		UpdatedAt:       product.UpdatedAt.UTC(),
	}
}

func (d productDocument) toDomain(id string) domain.Product {
	return domain.Product{
		ID:              id,
		Name:            d.Name,
		Description:     d.Description,
		Price:           d.Price,
		PriceDiscount:   d.PriceDiscount,
		Quantity:        d.Quantity,
		Sold:            d.Sold,
		RatingsSum:      d.RatingsSum,
		RatingsQuantity: d.RatingsQuantity,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}
}

// listToken marks a position in a createdAt-descending listing. The same token
// shape serves products, orders, and reviews.
type listToken struct {
	ID        string
	CreatedAt time.Time
}

func encodeListToken(token listToken) (*domain.Cursor, error) {
	encoded, err := pagination.EncodeToken(token)
	if err != nil {
		return nil, err
	}
	return &domain.Cursor{Token: encoded}, nil
}

func decodeListToken(cursor *domain.Cursor) (*listToken, error) {
	if cursor == nil || strings.TrimSpace(cursor.Token) == "" {
		return nil, nil
	}
	var token listToken
	if err := pagination.DecodeToken(cursor.Token, &token); err != nil {
		return nil, err
	}
	return &token, nil
}

func normalizePageSize(pageSize int) int {
	if pageSize <= 0 {
		return 50
	}
	if pageSize > 200 {
		return 200
	}
	return pageSize
}

func wrapProductError(op string, err error) error {
	if err == nil {
		return nil
	}
	var productErr *repositories.ProductError
	if errors.As(err, &productErr) {
		if productErr.Op == "" {
			productErr.Op = op
		}
		return productErr
	}
	return pfirestore.WrapError(op, err)
}
