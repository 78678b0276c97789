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
	"github.com/ecomcore/api/internal/repositories"
)

const ordersCollection = "orders"

// OrderRepository persists order settlement snapshots in Firestore.
type OrderRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.BaseRepository[orderDocument]
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection)
	return &OrderRepository{provider: provider, orders: base}, nil
}

// Insert creates the order document, failing on duplicate IDs.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if r == nil || r.orders == nil {
		return errors.New("order repository not initialised")
	}
	id := strings.TrimSpace(order.ID)
	if id == "" {
		return errors.New("order insert: order id is required")
	}
	if strings.TrimSpace(order.UserID) == "" {
		return errors.New("order insert: user id is required")
	}

	ref, err := r.orders.DocumentRef(ctx, id)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, newOrderDocument(order)); err != nil {
		return pfirestore.WrapError("orders.insert", err)
	}
	return nil
}

// FindByID fetches a single order by document ID.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.orders == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, errors.New("order find: order id is required")
	}

	doc, err := r.orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// Update replaces the stored snapshot with the given order. The document must
// already exist and still carry expectedStatus; a lifecycle move that raced
// ahead surfaces as a conflict. The original creation time is preserved.
func (r *OrderRepository) Update(ctx context.Context, order domain.Order, expectedStatus domain.OrderStatus) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID := strings.TrimSpace(order.ID)
	if orderID == "" {
		return domain.Order{}, errors.New("order update: order id is required")
	}

	updated := order
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.orders.DocumentRef(ctx, orderID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return pfirestore.NewNotFound("orders.update", fmt.Errorf("order %s not found", orderID))
			}
			return err
		}
		var stored orderDocument
		if err := snap.DataTo(&stored); err != nil {
			return fmt.Errorf("decode order %s: %w", orderID, err)
		}
		if stored.Status != string(expectedStatus) {
			return pfirestore.NewConflict("orders.update",
				fmt.Errorf("order %s is %s, expected %s", orderID, stored.Status, expectedStatus))
		}

		doc := newOrderDocument(order)
		doc.CreatedAt = stored.CreatedAt
		updated.CreatedAt = stored.CreatedAt
		return tx.Set(ref, doc)
	})
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.update", err)
	}
	return updated, nil
}

// List pages orders newest first, optionally narrowed by user and status.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.Order]{}, errors.New("order repository not initialised")
	}

	pageSize := normalizePageSize(filter.Pagination.PageSize)

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", err)
	}

	query := client.Collection(ordersCollection).Query
	if userID := strings.TrimSpace(filter.UserID); userID != "" {
		query = query.Where("userId", "==", userID)
	}
	if filter.Status != nil {
		query = query.Where("status", "==", string(*filter.Status))
	}
	query = query.
		OrderBy("createdAt", firestore.Desc).
		OrderBy(firestore.DocumentID, firestore.Desc).
		Limit(pageSize + 1)

	if token, err := decodeListToken(filter.Pagination.Cursor); err != nil {
		return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", err)
	} else if token != nil {
		query = query.StartAfter(token.CreatedAt, token.ID)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var orders []domain.Order
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", err)
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.Order]{}, fmt.Errorf("decode order %s: %w", snap.Ref.ID, err)
		}
		orders = append(orders, doc.toDomain(snap.Ref.ID))
	}

	page := domain.CursorPage[domain.Order]{Items: orders}
	if len(orders) > pageSize {
		page.Items = orders[:pageSize]
		last := page.Items[len(page.Items)-1]
		cursor, err := encodeListToken(listToken{ID: last.ID, CreatedAt: last.CreatedAt})
		if err != nil {
			return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", err)
		}
		page.NextCursor = cursor
	}
	return page, nil
}

// Helper structures ---------------------------------------------------------

type orderDocument struct {
	Number          string              `firestore:"number"`
	UserID          string              `firestore:"userId"`
	Items           []orderItemDocument `firestore:"items"`
	ItemsPrice      int64               `firestore:"itemsPrice"`
	TaxPrice        int64               `firestore:"taxPrice"`
	ShippingPrice   int64               `firestore:"shippingPrice"`
	TotalPrice      int64               `firestore:"totalPrice"`
	Payment         paymentDocument     `firestore:"payment"`
	ShippingAddress addressDocument     `firestore:"shippingAddress"`
	Status          string              `firestore:"status"`
	DeliveredAt     *time.Time          `firestore:"deliveredAt,omitempty"`
	CancelledAt     *time.Time          `firestore:"cancelledAt,omitempty"`
	CreatedAt       time.Time           `firestore:"createdAt"`
	UpdatedAt       time.Time           `firestore:"updatedAt"`
}

type orderItemDocument struct {
	ProductID string `firestore:"productId"`
	Name      string `firestore:"name"`
	Quantity  int64  `firestore:"qty"`
	UnitPrice int64  `firestore:"unitPrice"`
	LineTotal int64  `firestore:"lineTotal"`
}

type paymentDocument struct {
	Method         string     `firestore:"method"`
	Provider       string     `firestore:"provider,omitempty"`
	ChargeID       string     `firestore:"chargeId,omitempty"`
	IdempotencyKey string     `firestore:"idempotencyKey,omitempty"`
	Paid           bool       `firestore:"paid"`
	PaidAt         *time.Time `firestore:"paidAt,omitempty"`
}

type addressDocument struct {
	Line1      string `firestore:"line1"`
	Line2      string `firestore:"line2,omitempty"`
	City       string `firestore:"city"`
	Country    string `firestore:"country"`
	PostalCode string `firestore:"postalCode,omitempty"`
	Phone      string `firestore:"phone,omitempty"`
}

func newOrderDocument(order domain.Order) orderDocument {
	items := make([]orderItemDocument, len(order.Items))
	for i, item := range order.Items {
		items[i] = orderItemDocument{
			ProductID: strings.TrimSpace(item.ProductID),
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			LineTotal: item.LineTotal,
		}
	}
	return orderDocument{
		Number:        strings.TrimSpace(order.Number),
		UserID:        strings.TrimSpace(order.UserID),
		Items:         items,
		ItemsPrice:    order.ItemsPrice,
		TaxPrice:      order.TaxPrice,
		ShippingPrice: order.ShippingPrice,
		TotalPrice:    order.TotalPrice,
		Payment: paymentDocument{
			Method:         string(order.Payment.Method),
			Provider:       strings.TrimSpace(order.Payment.Provider),
			ChargeID:       strings.TrimSpace(order.Payment.ChargeID),
			IdempotencyKey: strings.TrimSpace(order.Payment.IdempotencyKey),
			Paid:           order.Payment.Paid,
			PaidAt:         order.Payment.PaidAt,
		},
		ShippingAddress: addressDocument{
			Line1:      strings.TrimSpace(order.ShippingAddress.Line1),
			Line2:      strings.TrimSpace(order.ShippingAddress.Line2),
			City:       strings.TrimSpace(order.ShippingAddress.City),
			Country:    strings.TrimSpace(order.ShippingAddress.Country),
			PostalCode: strings.TrimSpace(order.ShippingAddress.PostalCode),
			Phone:      strings.TrimSpace(order.ShippingAddress.Phone),
		},
		Status:      string(order.Status),
		DeliveredAt: order.DeliveredAt,
		CancelledAt: order.CancelledAt,
		CreatedAt:   order.CreatedAt.UTC(),
		UpdatedAt:   order.UpdatedAt.UTC(),
	}
}

func (d orderDocument) toDomain(id string) domain.Order {
	items := make([]domain.OrderItem, len(d.Items))
	for i, item := range d.Items {
		items[i] = domain.OrderItem{
			ProductID: item.ProductID,
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			LineTotal: item.LineTotal,
		}
	}
	return domain.Order{
		ID:            id,
		Number:        d.Number,
		UserID:        d.UserID,
		Items:         items,
		ItemsPrice:    d.ItemsPrice,
		TaxPrice:      d.TaxPrice,
		ShippingPrice: d.ShippingPrice,
		TotalPrice:    d.TotalPrice,
		Payment: domain.PaymentRecord{
			Method:         domain.PaymentMethod(d.Payment.Method),
			Provider:       d.Payment.Provider,
			ChargeID:       d.Payment.ChargeID,
			IdempotencyKey: d.Payment.IdempotencyKey,
			Paid:           d.Payment.Paid,
			PaidAt:         d.Payment.PaidAt,
		},
		ShippingAddress: domain.Address{
			Line1:      d.ShippingAddress.Line1,
			Line2:      d.ShippingAddress.Line2,
			City:       d.ShippingAddress.City,
			Country:    d.ShippingAddress.Country,
			PostalCode: d.ShippingAddress.PostalCode,
			Phone:      d.ShippingAddress.Phone,
		},
		Status:      domain.OrderStatus(d.Status),
		DeliveredAt: d.DeliveredAt,
		CancelledAt: d.CancelledAt,
		CreatedAt:   d.CreatedAt,
		UpdatedAt:   d.UpdatedAt,
	}
}
