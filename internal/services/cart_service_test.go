package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/ecomcore/api/internal/domain"
)

type stubRepoError struct {
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e *stubRepoError) Error() string       { return "stub repository error" }
func (e *stubRepoError) IsNotFound() bool    { return e.notFound }
func (e *stubRepoError) IsConflict() bool    { return e.conflict }
func (e *stubRepoError) IsUnavailable() bool { return e.unavailable }

var (
	errStubNotFound = &stubRepoError{notFound: true}
	errStubConflict = &stubRepoError{conflict: true}
)

type stubCartRepo struct {
	getFn    func(ctx context.Context, userID string) (domain.Cart, error)
	saveFn   func(ctx context.Context, cart domain.Cart, expectedRevision int64) (domain.Cart, error)
	deleteFn func(ctx context.Context, userID string) error
}

func (s *stubCartRepo) Get(ctx context.Context, userID string) (domain.Cart, error) {
	if s.getFn != nil {
		return s.getFn(ctx, userID)
	}
	return domain.Cart{}, errStubNotFound
}

func (s *stubCartRepo) Save(ctx context.Context, cart domain.Cart, expectedRevision int64) (domain.Cart, error) {
	if s.saveFn != nil {
		return s.saveFn(ctx, cart, expectedRevision)
	}
	cart.Revision = expectedRevision + 1
	return cart, nil
}

func (s *stubCartRepo) Delete(ctx context.Context, userID string) error {
	if s.deleteFn != nil {
		return s.deleteFn(ctx, userID)
	}
	return nil
}

type stubProductFinder struct {
	findFn func(ctx context.Context, productID string) (domain.Product, error)
}

func (s *stubProductFinder) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	if s.findFn != nil {
		return s.findFn(ctx, productID)
	}
	return domain.Product{}, errStubNotFound
}

func newCartServiceForTest(t *testing.T, carts *stubCartRepo, products *stubProductFinder, now time.Time) CartService {
	t.Helper()
	svc, err := NewCartService(CartServiceDeps{
		Carts:    carts,
		Products: products,
		Clock:    func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("new cart service: %v", err)
	}
	return svc
}

func TestCartServiceAddItemMergesAndRepricesLine(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	stored := domain.Cart{
		UserID: "user-1",
		Items: []domain.CartItem{
			{ProductID: "prod-1", Name: "Kettle", Quantity: 2, UnitPrice: 1500, LineTotal: 3000},
		},
		TotalQuantity: 2,
		TotalPrice:    3000,
		Revision:      4,
		CreatedAt:     now.Add(-time.Hour),
		UpdatedAt:     now.Add(-time.Hour),
	}

	var savedCart domain.Cart
	var savedRevision int64
	carts := &stubCartRepo{
		getFn: func(_ context.Context, userID string) (domain.Cart, error) {
			if userID != "user-1" {
				t.Fatalf("unexpected user id %s", userID)
			}
			return stored, nil
		},
		saveFn: func(_ context.Context, cart domain.Cart, expectedRevision int64) (domain.Cart, error) {
			savedCart = cart
			savedRevision = expectedRevision
			cart.Revision = expectedRevision + 1
			return cart, nil
		},
	}
	products := &stubProductFinder{
		findFn: func(_ context.Context, productID string) (domain.Product, error) {
			// Price changed since the line was first added; the merge must
			// pick up the current catalog price.
			return domain.Product{ID: productID, Name: "Kettle", Price: 2000, PriceDiscount: 100}, nil
		},
	}

	svc := newCartServiceForTest(t, carts, products, now)

	cart, err := svc.AddItem(context.Background(), AddCartItemCommand{UserID: "user-1", ProductID: "prod-1", Quantity: 3})
	if err != nil {
		t.Fatalf("add item: %v", err)
	}

	if len(savedCart.Items) != 1 {
		t.Fatalf("expected merged single line, got %d", len(savedCart.Items))
	}
	line := savedCart.Items[0]
	if line.Quantity != 5 {
		t.Fatalf("expected quantity 5, got %d", line.Quantity)
	}
	if line.UnitPrice != 1900 {
		t.Fatalf("expected repriced unit 1900, got %d", line.UnitPrice)
	}
	if line.LineTotal != 9500 {
		t.Fatalf("expected line total 9500, got %d", line.LineTotal)
	}
	if savedCart.TotalQuantity != 5 || savedCart.TotalPrice != 9500 {
		t.Fatalf("unexpected totals quantity=%d price=%d", savedCart.TotalQuantity, savedCart.TotalPrice)
	}
	if savedRevision != 4 {
		t.Fatalf("expected save against revision 4, got %d", savedRevision)
	}
	if cart.Revision != 5 {
		t.Fatalf("expected bumped revision 5, got %d", cart.Revision)
	}
}

func TestCartServiceAddItemCreatesCartWithDiscountedPrice(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	var savedRevision int64 = -1
	carts := &stubCartRepo{
		getFn: func(_ context.Context, _ string) (domain.Cart, error) {
			return domain.Cart{}, errStubNotFound
		},
		saveFn: func(_ context.Context, cart domain.Cart, expectedRevision int64) (domain.Cart, error) {
			savedRevision = expectedRevision
			cart.Revision = 1
			return cart, nil
		},
	}
	products := &stubProductFinder{
		findFn: func(_ context.Context, productID string) (domain.Product, error) {
			return domain.Product{ID: productID, Name: "Lamp", Price: 2000, PriceDiscount: 250}, nil
		},
	}

	svc := newCartServiceForTest(t, carts, products, now)

	cart, err := svc.AddItem(context.Background(), AddCartItemCommand{UserID: "user-1", ProductID: "prod-2", Quantity: 2})
	if err != nil {
		t.Fatalf("add item: %v", err)
	}
	if savedRevision != 0 {
		t.Fatalf("expected create with expected revision 0, got %d", savedRevision)
	}
	if len(cart.Items) != 1 {
		t.Fatalf("expected one line, got %d", len(cart.Items))
	}
	if cart.Items[0].UnitPrice != 1750 {
		t.Fatalf("expected discounted unit price 1750, got %d", cart.Items[0].UnitPrice)
	}
	if cart.TotalPrice != 3500 {
		t.Fatalf("expected total 3500, got %d", cart.TotalPrice)
	}
	if !cart.CreatedAt.Equal(now) {
		t.Fatalf("expected created at %v, got %v", now, cart.CreatedAt)
	}
}

func TestCartServiceAddItemUnknownProduct(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	svc := newCartServiceForTest(t, &stubCartRepo{}, &stubProductFinder{}, now)

	_, err := svc.AddItem(context.Background(), AddCartItemCommand{UserID: "user-1", ProductID: "missing", Quantity: 1})
	if !errors.Is(err, ErrCartProductNotFound) {
		t.Fatalf("expected ErrCartProductNotFound, got %v", err)
	}
}

func TestCartServiceAddItemValidatesInput(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	products := &stubProductFinder{
		findFn: func(_ context.Context, productID string) (domain.Product, error) {
			return domain.Product{ID: productID, Name: "Kettle", Price: 1000}, nil
		},
	}
	svc := newCartServiceForTest(t, &stubCartRepo{}, products, now)

	cases := []AddCartItemCommand{
		{UserID: "", ProductID: "prod-1", Quantity: 1},
		{UserID: "user-1", ProductID: "", Quantity: 1},
		// Non-positive quantities are only valid as merges into an
		// existing line; these carts are empty.
		{UserID: "user-1", ProductID: "prod-1", Quantity: 0},
		{UserID: "user-1", ProductID: "prod-1", Quantity: -3},
	}
	for _, cmd := range cases {
		if _, err := svc.AddItem(context.Background(), cmd); !errors.Is(err, ErrCartInvalidInput) {
			t.Fatalf("expected ErrCartInvalidInput for %+v, got %v", cmd, err)
		}
	}
}

func TestCartServiceAddItemNegativeQuantityDrainsLine(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	stored := domain.Cart{
		UserID: "user-1",
		Items: []domain.CartItem{
			{ProductID: "prod-1", Name: "Kettle", Quantity: 2, UnitPrice: 1500, LineTotal: 3000},
		},
		TotalQuantity: 2,
		TotalPrice:    3000,
		Revision:      1,
	}
	carts := &stubCartRepo{
		getFn: func(_ context.Context, _ string) (domain.Cart, error) { return stored, nil },
	}
	products := &stubProductFinder{
		findFn: func(_ context.Context, productID string) (domain.Product, error) {
			return domain.Product{ID: productID, Name: "Kettle", Price: 1500}, nil
		},
	}

	svc := newCartServiceForTest(t, carts, products, now)

	cart, err := svc.AddItem(context.Background(), AddCartItemCommand{UserID: "user-1", ProductID: "prod-1", Quantity: -2})
	if err != nil {
		t.Fatalf("add item: %v", err)
	}
	if len(cart.Items) != 0 {
		t.Fatalf("expected drained line removed, got %d lines", len(cart.Items))
	}
	if cart.TotalQuantity != 0 || cart.TotalPrice != 0 {
		t.Fatalf("unexpected totals quantity=%d price=%d", cart.TotalQuantity, cart.TotalPrice)
	}
}

func TestCartServiceDecreaseItemRemovesDepletedLine(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	stored := domain.Cart{
		UserID: "user-1",
		Items: []domain.CartItem{
			{ProductID: "prod-1", Name: "Kettle", Quantity: 1, UnitPrice: 1500, LineTotal: 1500},
			{ProductID: "prod-2", Name: "Lamp", Quantity: 2, UnitPrice: 500, LineTotal: 1000},
		},
		TotalQuantity: 3,
		TotalPrice:    2500,
		Revision:      1,
	}
	carts := &stubCartRepo{
		getFn: func(_ context.Context, _ string) (domain.Cart, error) { return stored, nil },
	}

	svc := newCartServiceForTest(t, carts, &stubProductFinder{}, now)

	cart, err := svc.DecreaseItem(context.Background(), "user-1", "prod-1")
	if err != nil {
		t.Fatalf("decrease item: %v", err)
	}
	if len(cart.Items) != 1 {
		t.Fatalf("expected depleted line removed, got %d lines", len(cart.Items))
	}
	if cart.Items[0].ProductID != "prod-2" {
		t.Fatalf("unexpected surviving line %s", cart.Items[0].ProductID)
	}
	if cart.TotalQuantity != 2 || cart.TotalPrice != 1000 {
		t.Fatalf("unexpected totals quantity=%d price=%d", cart.TotalQuantity, cart.TotalPrice)
	}
}

func TestCartServiceIncreaseItemMissingLine(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	carts := &stubCartRepo{
		getFn: func(_ context.Context, _ string) (domain.Cart, error) {
			return domain.Cart{UserID: "user-1", Revision: 1}, nil
		},
	}
	svc := newCartServiceForTest(t, carts, &stubProductFinder{}, now)

	_, err := svc.IncreaseItem(context.Background(), "user-1", "prod-9")
	if !errors.Is(err, ErrCartItemNotFound) {
		t.Fatalf("expected ErrCartItemNotFound, got %v", err)
	}
}

func TestCartServiceMutationsRequireExistingCart(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	svc := newCartServiceForTest(t, &stubCartRepo{}, &stubProductFinder{}, now)

	if _, err := svc.IncreaseItem(context.Background(), "user-1", "prod-1"); !errors.Is(err, ErrCartNotFound) {
		t.Fatalf("expected ErrCartNotFound on increase, got %v", err)
	}
	if _, err := svc.RemoveItem(context.Background(), "user-1", "prod-1"); !errors.Is(err, ErrCartNotFound) {
		t.Fatalf("expected ErrCartNotFound on remove, got %v", err)
	}
}

func TestCartServiceGetCartMissingIsNotFound(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	svc := newCartServiceForTest(t, &stubCartRepo{}, &stubProductFinder{}, now)

	if _, err := svc.GetCart(context.Background(), "user-1"); !errors.Is(err, ErrCartNotFound) {
		t.Fatalf("expected ErrCartNotFound, got %v", err)
	}
}

func TestCartServiceRetriesOnRevisionConflict(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	gets := 0
	saves := 0
	carts := &stubCartRepo{
		getFn: func(_ context.Context, _ string) (domain.Cart, error) {
			gets++
			return domain.Cart{
				UserID:   "user-1",
				Items:    []domain.CartItem{{ProductID: "prod-1", Quantity: 1, UnitPrice: 100}},
				Revision: int64(gets),
			}, nil
		},
		saveFn: func(_ context.Context, cart domain.Cart, expectedRevision int64) (domain.Cart, error) {
			saves++
			if saves == 1 {
				return domain.Cart{}, errStubConflict
			}
			cart.Revision = expectedRevision + 1
			return cart, nil
		},
	}

	svc := newCartServiceForTest(t, carts, &stubProductFinder{}, now)

	cart, err := svc.IncreaseItem(context.Background(), "user-1", "prod-1")
	if err != nil {
		t.Fatalf("increase item: %v", err)
	}
	if gets != 2 || saves != 2 {
		t.Fatalf("expected reload before retry, gets=%d saves=%d", gets, saves)
	}
	if cart.Items[0].Quantity != 2 {
		t.Fatalf("expected quantity 2, got %d", cart.Items[0].Quantity)
	}
}

func TestCartServiceGivesUpAfterRepeatedConflicts(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	carts := &stubCartRepo{
		getFn: func(_ context.Context, _ string) (domain.Cart, error) {
			return domain.Cart{
				UserID:   "user-1",
				Items:    []domain.CartItem{{ProductID: "prod-1", Quantity: 1, UnitPrice: 100}},
				Revision: 7,
			}, nil
		},
		saveFn: func(_ context.Context, _ domain.Cart, _ int64) (domain.Cart, error) {
			return domain.Cart{}, errStubConflict
		},
	}

	svc := newCartServiceForTest(t, carts, &stubProductFinder{}, now)

	if _, err := svc.IncreaseItem(context.Background(), "user-1", "prod-1"); !errors.Is(err, ErrCartConflict) {
		t.Fatalf("expected ErrCartConflict, got %v", err)
	}
}

func TestCartServiceClearCartMissingIsNotFound(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	carts := &stubCartRepo{
		deleteFn: func(_ context.Context, userID string) error {
			if userID != "user-1" {
				t.Fatalf("unexpected user id %s", userID)
			}
			return errStubNotFound
		},
	}
	svc := newCartServiceForTest(t, carts, &stubProductFinder{}, now)

	if err := svc.ClearCart(context.Background(), "user-1"); !errors.Is(err, ErrCartNotFound) {
		t.Fatalf("expected ErrCartNotFound, got %v", err)
	}
}
