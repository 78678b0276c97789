package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/ecomcore/api/internal/domain"
	"github.com/ecomcore/api/internal/repositories"
)

var (
	errCartRepositoryRequired = errors.New("cart service: cart repository is required")
	errCartProductsRequired   = errors.New("cart service: product repository is required")
	errCartClockRequired      = errors.New("cart service: clock is required")
)

// ErrCartInvalidInput indicates the caller supplied invalid input.
var ErrCartInvalidInput = errors.New("cart service: invalid input")

// ErrCartUnavailable indicates the cart service cannot fulfil the request due to backend issues.
var ErrCartUnavailable = errors.New("cart service: unavailable")

// ErrCartNotFound indicates the requested cart does not exist.
var ErrCartNotFound = errors.New("cart service: not found")

// ErrCartItemNotFound indicates the referenced line is not in the cart.
var ErrCartItemNotFound = errors.New("cart service: item not found")

// ErrCartProductNotFound indicates the referenced product does not exist in the catalog.
var ErrCartProductNotFound = errors.New("cart service: product not found")

// ErrCartConflict indicates the cart could not be updated due to concurrent modifications.
var ErrCartConflict = errors.New("cart service: conflict")

// cartSaveAttempts bounds the load-mutate-save loop under revision conflicts.
const cartSaveAttempts = 3

type cartProductFinder interface {
	FindByID(ctx context.Context, productID string) (domain.Product, error)
}

// CartServiceDeps wires the repositories used by cart operations.
type CartServiceDeps struct {
	Carts    repositories.CartRepository
	Products cartProductFinder
	Clock    func() time.Time
	Logger   func(context.Context, string, map[string]any)
}

type cartService struct {
	carts    repositories.CartRepository
	products cartProductFinder
	now      func() time.Time
	logger   func(context.Context, string, map[string]any)
}

// NewCartService constructs a CartService enforcing dependency validation.
func NewCartService(deps CartServiceDeps) (CartService, error) {
	if deps.Carts == nil {
		return nil, errCartRepositoryRequired
	}
	if deps.Products == nil {
		return nil, errCartProductsRequired
	}
	if deps.Clock == nil {
		return nil, errCartClockRequired
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &cartService{
		carts:    deps.Carts,
		products: deps.Products,
		now:      func() time.Time { return deps.Clock().UTC() },
		logger:   logger,
	}, nil
}

// GetCart loads the cart for the user. A user whose cart was never created or
// has been cleared gets ErrCartNotFound; the first AddItem creates the record.
func (s *cartService) GetCart(ctx context.Context, userID string) (Cart, error) {
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return Cart{}, ErrCartInvalidInput
	}

	cart, err := s.carts.Get(ctx, uid)
	if err != nil {
		return Cart{}, s.translateRepoError(err)
	}
	recalculateCartTotals(&cart)
	return cart, nil
}

func (s *cartService) AddItem(ctx context.Context, cmd AddCartItemCommand) (Cart, error) {
	uid := strings.TrimSpace(cmd.UserID)
	if uid == "" {
		return Cart{}, ErrCartInvalidInput
	}
	productID := strings.TrimSpace(cmd.ProductID)
	if productID == "" {
		return Cart{}, fmt.Errorf("%w: product_id is required", ErrCartInvalidInput)
	}

	product, err := s.products.FindByID(ctx, productID)
	if err != nil {
		if isRepoNotFound(err) {
			return Cart{}, ErrCartProductNotFound
		}
		return Cart{}, ErrCartUnavailable
	}

	return s.mutate(ctx, uid, true, func(cart *domain.Cart) error {
		idx := indexOfCartLine(cart.Items, productID)
		if idx < 0 {
			if cmd.Quantity <= 0 {
				return fmt.Errorf("%w: quantity must be greater than zero", ErrCartInvalidInput)
			}
			cart.Items = append(cart.Items, domain.CartItem{
				ProductID: productID,
				Name:      product.Name,
				Quantity:  cmd.Quantity,
				UnitPrice: product.UnitPrice(),
			})
		} else {
			// Merging re-prices the line at the current catalog price; a
			// merge that drains the quantity drops the line.
			cart.Items[idx].Quantity += cmd.Quantity
			cart.Items[idx].UnitPrice = product.UnitPrice()
			cart.Items[idx].Name = product.Name
			if cart.Items[idx].Quantity <= 0 {
				cart.Items = append(cart.Items[:idx], cart.Items[idx+1:]...)
			}
		}
		cart.UpdatedAt = s.now()
		return nil
	})
}

func (s *cartService) IncreaseItem(ctx context.Context, userID, productID string) (Cart, error) {
	return s.stepItem(ctx, userID, productID, 1)
}

func (s *cartService) DecreaseItem(ctx context.Context, userID, productID string) (Cart, error) {
	return s.stepItem(ctx, userID, productID, -1)
}

// stepItem adjusts an existing line by one unit. Stepping a one-unit line
// down removes the line.
func (s *cartService) stepItem(ctx context.Context, userID, productID string, delta int64) (Cart, error) {
	uid := strings.TrimSpace(userID)
	pid := strings.TrimSpace(productID)
	if uid == "" || pid == "" {
		return Cart{}, ErrCartInvalidInput
	}

	return s.mutate(ctx, uid, false, func(cart *domain.Cart) error {
		idx := indexOfCartLine(cart.Items, pid)
		if idx < 0 {
			return ErrCartItemNotFound
		}
		cart.Items[idx].Quantity += delta
		if cart.Items[idx].Quantity <= 0 {
			cart.Items = append(cart.Items[:idx], cart.Items[idx+1:]...)
		}
		cart.UpdatedAt = s.now()
		return nil
	})
}

func (s *cartService) RemoveItem(ctx context.Context, userID, productID string) (Cart, error) {
	uid := strings.TrimSpace(userID)
	pid := strings.TrimSpace(productID)
	if uid == "" || pid == "" {
		return Cart{}, ErrCartInvalidInput
	}

	return s.mutate(ctx, uid, false, func(cart *domain.Cart) error {
		idx := indexOfCartLine(cart.Items, pid)
		if idx < 0 {
			return ErrCartItemNotFound
		}
		cart.Items = append(cart.Items[:idx], cart.Items[idx+1:]...)
		cart.UpdatedAt = s.now()
		return nil
	})
}

// ClearCart drops the persisted cart. Clearing an absent cart fails with
// ErrCartNotFound.
func (s *cartService) ClearCart(ctx context.Context, userID string) error {
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return ErrCartInvalidInput
	}

	if err := s.carts.Delete(ctx, uid); err != nil {
		return s.translateRepoError(err)
	}
	return nil
}

// mutate runs fn against the freshest cart under optimistic locking,
// retrying on revision conflicts so the stored totals always match the
// lines. createIfMissing controls whether an absent cart starts empty or
// fails with ErrCartNotFound.
func (s *cartService) mutate(ctx context.Context, userID string, createIfMissing bool, fn func(*domain.Cart) error) (Cart, error) {
	for attempt := 0; attempt < cartSaveAttempts; attempt++ {
		cart, err := s.carts.Get(ctx, userID)
		expected := cart.Revision
		if err != nil {
			if !isRepoNotFound(err) {
				return Cart{}, s.translateRepoError(err)
			}
			if !createIfMissing {
				return Cart{}, ErrCartNotFound
			}
			cart = s.emptyCart(userID)
			expected = 0
		}

		if err := fn(&cart); err != nil {
			return Cart{}, err
		}
		recalculateCartTotals(&cart)
		if cart.CreatedAt.IsZero() {
			cart.CreatedAt = cart.UpdatedAt
		}

		saved, err := s.carts.Save(ctx, cart, expected)
		if err == nil {
			return saved, nil
		}
		if !isRepoConflict(err) {
			return Cart{}, s.translateRepoError(err)
		}
		s.logger(ctx, "cart.revision_conflict", map[string]any{
			"userID":  userID,
			"attempt": attempt + 1,
		})
	}
	return Cart{}, ErrCartConflict
}

func (s *cartService) emptyCart(userID string) domain.Cart {
	now := s.now()
	return domain.Cart{
		UserID:    userID,
		Items:     []domain.CartItem{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (s *cartService) translateRepoError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return ErrCartNotFound
		case repoErr.IsConflict():
			return ErrCartConflict
		}
	}
	return ErrCartUnavailable
}

// recalculateCartTotals rederives every line total and the cart sums from the
// lines. Totals are never incremented independently of the lines.
func recalculateCartTotals(cart *domain.Cart) {
	if cart.Items == nil {
		cart.Items = []domain.CartItem{}
	}
	var quantity, total int64
	for i := range cart.Items {
		cart.Items[i].LineTotal = cart.Items[i].UnitPrice * cart.Items[i].Quantity
		quantity += cart.Items[i].Quantity
		total += cart.Items[i].LineTotal
	}
	cart.TotalQuantity = quantity
	cart.TotalPrice = total
}

func indexOfCartLine(items []domain.CartItem, productID string) int {
	for i, item := range items {
		if strings.EqualFold(strings.TrimSpace(item.ProductID), productID) {
			return i
		}
	}
	return -1
}
