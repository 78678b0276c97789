package domain

import "time"

// Role labels the authorization level attached to an authenticated identity.
type Role string

const (
	// RoleCustomer is the default role for authenticated shoppers.
	RoleCustomer Role = "customer"
	// RoleAdmin grants catalog management and order fulfilment operations.
	RoleAdmin Role = "admin"
)

// PaymentMethod selects the settlement strategy for an order.
type PaymentMethod string

const (
	// PaymentMethodCash records the order unpaid; payment is collected on delivery.
	PaymentMethodCash PaymentMethod = "cash"
	// PaymentMethodCard charges the order total through the payment gateway before
	// any local state is mutated.
	PaymentMethodCard PaymentMethod = "card"
)

// OrderStatus is the closed set of order lifecycle states.
type OrderStatus string

const (
	// OrderStatusNotProcessed is the initial state of every order.
	OrderStatusNotProcessed OrderStatus = "not_processed"
	// OrderStatusProcessing marks an order picked up by fulfilment.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusShipped marks an order handed to the carrier.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusDelivered is terminal; the order reached the customer.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCancelled is terminal; inventory has been restored.
	OrderStatusCancelled OrderStatus = "cancelled"
)

// Product carries the catalog fields the settlement engine depends on.
// Monetary amounts are int64 minor currency units. RatingsSum and
// RatingsQuantity are the stored aggregate; the average is derived so the
// incremental formulas stay exact in integer space.
type Product struct {
	ID              string
	Name            string
	Description     string
	Price           int64
	PriceDiscount   int64
	Quantity        int64
	Sold            int64
	RatingsSum      int64
	RatingsQuantity int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// UnitPrice is the effective price of one unit after discount.
func (p Product) UnitPrice() int64 {
	price := p.Price - p.PriceDiscount
	if price < 0 {
		return 0
	}
	return price
}

// CartItem is one product line in a cart. UnitPrice is the effective catalog
// price captured by the most recent add; step and remove operations reuse the
// stored value rather than re-reading the catalog.
type CartItem struct {
	ProductID string
	Name      string
	Quantity  int64
	UnitPrice int64
	LineTotal int64
}

// Cart is the single mutable cart for a user, keyed by the user id.
// TotalQuantity and TotalPrice are derived sums over Items and are recomputed
// on every mutation, never incremented independently. Revision guards
// concurrent writers via conditional update.
type Cart struct {
	UserID        string
	Items         []CartItem
	TotalQuantity int64
	TotalPrice    int64
	Revision      int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// OrderItem is a frozen copy of a cart line taken at settlement time.
type OrderItem struct {
	ProductID string
	Name      string
	Quantity  int64
	UnitPrice int64
	LineTotal int64
}

// PaymentRecord captures the outcome of the payment step for an order.
type PaymentRecord struct {
	Method         PaymentMethod
	Provider       string
	ChargeID       string
	IdempotencyKey string
	Paid           bool
	PaidAt         *time.Time
}

// Address is the shipping destination snapshot stored on an order.
type Address struct {
	Line1      string
	Line2      string
	City       string
	Country    string
	PostalCode string
	Phone      string
}

// Order is the immutable settlement snapshot. Only Status, DeliveredAt and
// the cancellation fields change after creation, and only through the status
// machine.
type Order struct {
	ID              string
	Number          string
	UserID          string
	Items           []OrderItem
	ItemsPrice      int64
	TaxPrice        int64
	ShippingPrice   int64
	TotalPrice      int64
	Payment         PaymentRecord
	ShippingAddress Address
	Status          OrderStatus
	DeliveredAt     *time.Time
	CancelledAt     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Delivered reports whether the order reached its terminal delivered state.
func (o Order) Delivered() bool {
	return o.Status == OrderStatusDelivered
}

// Review is a single user's rating of a product. At most one review exists
// per (user, product) pair.
type Review struct {
	ID        string
	ProductID string
	UserID    string
	Rating    int64
	Comment   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// StockAdjustment describes one applied inventory delta, used for event
// publication and audit logging.
type StockAdjustment struct {
	ProductID     string
	QuantityDelta int64
	SoldDelta     int64
	Reason        string
	OccurredAt    time.Time
}

// ReconciliationCase is raised when a charge succeeded (or is ambiguous) but
// the local settlement could not be committed. It is queued for manual
// review, never dropped.
type ReconciliationCase struct {
	AttemptID      string
	UserID         string
	ChargeID       string
	IdempotencyKey string
	Amount         int64
	Reason         string
	OccurredAt     time.Time
}

// Cursor marks a position within an ordered listing.
type Cursor struct {
	Token string
}

// CursorPage is a generic page of results with an optional continuation
// cursor.
type CursorPage[T any] struct {
	Items      []T
	NextCursor *Cursor
}

// Pagination carries normalized listing parameters.
type Pagination struct {
	PageSize int
	Cursor   *Cursor
}
