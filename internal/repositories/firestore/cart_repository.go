package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/ecomcore/api/internal/domain"
	pfirestore "github.com/ecomcore/api/internal/platform/firestore"
)

const cartsCollection = "carts"

// CartRepository stores one cart document per user, keyed by the user ID.
// Saves are revision-conditional so concurrent mutators for the same user
// serialize instead of silently overwriting each other.
type CartRepository struct {
	provider *pfirestore.Provider
	carts    *pfirestore.BaseRepository[cartDocument]
}

// NewCartRepository constructs a Firestore-backed cart repository.
func NewCartRepository(provider *pfirestore.Provider) (*CartRepository, error) {
	if provider == nil {
		return nil, errors.New("cart repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[cartDocument](provider, cartsCollection)
	return &CartRepository{provider: provider, carts: base}, nil
}

// Get loads the cart for the given user.
func (r *CartRepository) Get(ctx context.Context, userID string) (domain.Cart, error) {
	if r == nil || r.carts == nil {
		return domain.Cart{}, errors.New("cart repository not initialised")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.Cart{}, errors.New("cart get: user id is required")
	}

	doc, err := r.carts.Get(ctx, userID)
	if err != nil {
		return domain.Cart{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// Save persists the cart conditionally. An expectedRevision of zero creates
// the document; any other value must match the stored revision exactly or the
// write fails with a conflict.
func (r *CartRepository) Save(ctx context.Context, cart domain.Cart, expectedRevision int64) (domain.Cart, error) {
	if r == nil || r.provider == nil {
		return domain.Cart{}, errors.New("cart repository not initialised")
	}
	userID := strings.TrimSpace(cart.UserID)
	if userID == "" {
		return domain.Cart{}, errors.New("cart save: user id is required")
	}
	if expectedRevision < 0 {
		return domain.Cart{}, errors.New("cart save: expected revision cannot be negative")
	}

	saved := cart
	saved.UserID = userID
	saved.Revision = expectedRevision + 1

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.carts.DocumentRef(ctx, userID)
		if err != nil {
			return err
		}

		snap, err := tx.Get(ref)
		switch {
		case status.Code(err) == codes.NotFound:
			if expectedRevision != 0 {
				return pfirestore.NewNotFound("carts.save", fmt.Errorf("cart for user %s not found", userID))
			}
			return tx.Create(ref, newCartDocument(saved))
		case err != nil:
			return err
		}

		if expectedRevision == 0 {
			return pfirestore.NewConflict("carts.save", fmt.Errorf("cart for user %s already exists", userID))
		}

		var stored cartDocument
		if err := snap.DataTo(&stored); err != nil {
			return fmt.Errorf("decode cart %s: %w", userID, err)
		}
		if stored.Revision != expectedRevision {
			return pfirestore.NewConflict("carts.save", fmt.Errorf("cart for user %s is at revision %d, expected %d", userID, stored.Revision, expectedRevision))
		}

		doc := newCartDocument(saved)
		doc.CreatedAt = stored.CreatedAt
		saved.CreatedAt = stored.CreatedAt
		return tx.Set(ref, doc)
	})
	if err != nil {
		return domain.Cart{}, pfirestore.WrapError("carts.save", err)
	}
	return saved, nil
}

// Delete removes the cart document. A missing cart fails with not found, so
// callers can tell a cleared cart from one that never existed.
func (r *CartRepository) Delete(ctx context.Context, userID string) error {
	if r == nil || r.provider == nil {
		return errors.New("cart repository not initialised")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return errors.New("cart delete: user id is required")
	}

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.carts.DocumentRef(ctx, userID)
		if err != nil {
			return err
		}
		if _, err := tx.Get(ref); err != nil {
			if status.Code(err) == codes.NotFound {
				return pfirestore.NewNotFound("carts.delete", fmt.Errorf("cart for user %s not found", userID))
			}
			return err
		}
		return tx.Delete(ref)
	})
	if err != nil {
		return pfirestore.WrapError("carts.delete", err)
	}
	return nil
}

// Helper structures ---------------------------------------------------------

type cartDocument struct {
	Items         []cartItemDocument `firestore:"items"`
	TotalQuantity int64              `firestore:"totalQuantity"`
	TotalPrice    int64              `firestore:"totalPrice"`
	Revision      int64              `firestore:"revision"`
	CreatedAt     time.Time          `firestore:"createdAt"`
	UpdatedAt     time.Time          `firestore:"updatedAt"`
}

type cartItemDocument struct {
	ProductID string `firestore:"productId"`
	Name      string `firestore:"name"`
	Quantity  int64  `firestore:"qty"`
	UnitPrice int64  `firestore:"unitPrice"`
	LineTotal int64  `firestore:"lineTotal"`
}

func newCartDocument(cart domain.Cart) cartDocument {
	items := make([]cartItemDocument, len(cart.Items))
	for i, item := range cart.Items {
		items[i] = cartItemDocument{
			ProductID: strings.TrimSpace(item.ProductID),
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			LineTotal: item.LineTotal,
		}
	}
	return cartDocument{
		Items:         items,
		TotalQuantity: cart.TotalQuantity,
		TotalPrice:    cart.TotalPrice,
		Revision:      cart.Revision,
		CreatedAt:     cart.CreatedAt.UTC(),
		UpdatedAt:     cart.UpdatedAt.UTC(),
	}
}

func (d cartDocument) toDomain(userID string) domain.Cart {
	items := make([]domain.CartItem, len(d.Items))
	for i, item := range d.Items {
		items[i] = domain.CartItem{
			ProductID: item.ProductID,
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			LineTotal: item.LineTotal,
		}
	}
	return domain.Cart{
		UserID:        userID,
		Items:         items,
		TotalQuantity: d.TotalQuantity,
		TotalPrice:    d.TotalPrice,
		Revision:      d.Revision,
		CreatedAt:     d.CreatedAt,
		UpdatedAt:     d.UpdatedAt,
	}
}
