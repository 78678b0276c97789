package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/ecomcore/api/internal/domain"
	"github.com/ecomcore/api/internal/payments"
	"github.com/ecomcore/api/internal/repositories"
)

var (
	errOrderRepositoryRequired = errors.New("order service: order repository is required")
	errOrderCartsRequired      = errors.New("order service: cart service is required")
	errOrderInventoryRequired  = errors.New("order service: inventory service is required")
	errOrderPaymentsRequired   = errors.New("order service: payment processor is required")
	errOrderCountersRequired   = errors.New("order service: counter repository is required")
	errOrderClockRequired      = errors.New("order service: clock is required")
)

// ErrOrderInvalidInput indicates the caller supplied invalid input.
var ErrOrderInvalidInput = errors.New("order service: invalid input")

// ErrOrderNotFound indicates the requested order does not exist.
var ErrOrderNotFound = errors.New("order service: not found")

// ErrOrderUnauthorized indicates the caller may not act on this order.
var ErrOrderUnauthorized = errors.New("order service: unauthorized")

// ErrOrderEmptyCart indicates settlement was requested for an empty cart.
var ErrOrderEmptyCart = errors.New("order service: cart is empty")

// ErrOrderConflict indicates the order is already in a terminal state.
var ErrOrderConflict = errors.New("order service: conflict")

// ErrOrderInvalidTransition indicates the requested status move is not allowed.
var ErrOrderInvalidTransition = errors.New("order service: invalid status transition")

// ErrOrderInsufficientStock indicates a line could not be covered by stock.
var ErrOrderInsufficientStock = errors.New("order service: insufficient stock")

// ErrOrderPaymentFailed indicates the gateway definitively refused the charge.
// No money moved and no local state changed.
var ErrOrderPaymentFailed = errors.New("order service: payment failed")

// ErrOrderPaymentAmbiguous indicates the charge outcome is unknown or the
// charge succeeded but local settlement could not complete. The attempt has
// been queued for reconciliation; the caller must not blindly retry.
var ErrOrderPaymentAmbiguous = errors.New("order service: payment ambiguous")

// ErrOrderUnavailable indicates the order backend cannot be reached.
var ErrOrderUnavailable = errors.New("order service: unavailable")

// orderNumberCounter names the sequence behind human-facing order numbers.
const orderNumberCounter = "orders"

type cartAccessor interface {
	GetCart(ctx context.Context, userID string) (Cart, error)
	ClearCart(ctx context.Context, userID string) error
}

type orderInventory interface {
	CommitOrderLines(ctx context.Context, cmd OrderLinesCommand) error
	ReleaseOrderLines(ctx context.Context, cmd OrderLinesCommand) error
}

type paymentProcessor interface {
	TokenizeCard(ctx context.Context, paymentCtx payments.PaymentContext, card payments.CardDetails) (string, error)
	Charge(ctx context.Context, paymentCtx payments.PaymentContext, req payments.ChargeRequest) (payments.Charge, error)
}

// OrderSettlementConfig carries the pricing and retry knobs of the
// settlement saga.
type OrderSettlementConfig struct {
	Currency           string
	TaxRateBasisPoints int64
	ShippingFlat       int64
	CommitRetries      int
	CommitBackoff      time.Duration
}

// OrderServiceDeps wires the repositories, the payment gateway, and the event
// sinks used by order settlement.
type OrderServiceDeps struct {
	Orders         repositories.OrderRepository
	Counters       repositories.CounterRepository
	Carts          cartAccessor
	Inventory      orderInventory
	Payments       paymentProcessor
	Events         OrderEventPublisher
	Reconciliation ReconciliationQueue
	Settlement     OrderSettlementConfig
	Clock          func() time.Time
	IDGenerator    func() string
	Logger         func(context.Context, string, map[string]any)
	// Sleep is swappable for tests; defaults to a context-aware wait.
	Sleep func(ctx context.Context, d time.Duration) error
}

type orderService struct {
	orders         repositories.OrderRepository
	counters       repositories.CounterRepository
	carts          cartAccessor
	inventory      orderInventory
	payments       paymentProcessor
	events         OrderEventPublisher
	reconciliation ReconciliationQueue
	settlement     OrderSettlementConfig
	now            func() time.Time
	newID          func() string
	logger         func(context.Context, string, map[string]any)
	sleep          func(ctx context.Context, d time.Duration) error
}

// NewOrderService constructs an OrderService enforcing dependency validation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errOrderRepositoryRequired
	}
	if deps.Counters == nil {
		return nil, errOrderCountersRequired
	}
	if deps.Carts == nil {
		return nil, errOrderCartsRequired
	}
	if deps.Inventory == nil {
		return nil, errOrderInventoryRequired
	}
	if deps.Payments == nil {
		return nil, errOrderPaymentsRequired
	}
	if deps.Clock == nil {
		return nil, errOrderClockRequired
	}

	settlement := deps.Settlement
	if strings.TrimSpace(settlement.Currency) == "" {
		settlement.Currency = "usd"
	}
	if settlement.CommitRetries < 0 {
		settlement.CommitRetries = 0
	}
	if settlement.CommitBackoff <= 0 {
		settlement.CommitBackoff = 250 * time.Millisecond
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	newID := deps.IDGenerator
	if newID == nil {
		newID = func() string { return ulid.Make().String() }
	}
	sleep := deps.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	return &orderService{
		orders:         deps.Orders,
		counters:       deps.Counters,
		carts:          deps.Carts,
		inventory:      deps.Inventory,
		payments:       deps.Payments,
		events:         deps.Events,
		reconciliation: deps.Reconciliation,
		settlement:     settlement,
		now:            func() time.Time { return deps.Clock().UTC() },
		newID:          newID,
		logger:         logger,
		sleep:          sleep,
	}, nil
}

// CreateFromCart settles the user's cart into an immutable order. For card
// payments the gateway charge is captured first; every local mutation after a
// successful charge is retried and, if it still cannot complete, handed to
// reconciliation rather than dropped.
func (s *orderService) CreateFromCart(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return Order{}, ErrOrderInvalidInput
	}
	if err := validatePaymentSelection(cmd); err != nil {
		return Order{}, err
	}
	if err := validateShippingAddress(cmd.ShippingAddress); err != nil {
		return Order{}, err
	}

	cart, err := s.carts.GetCart(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrCartNotFound) {
			return Order{}, ErrOrderEmptyCart
		}
		return Order{}, ErrOrderUnavailable
	}
	if len(cart.Items) == 0 {
		return Order{}, ErrOrderEmptyCart
	}

	now := s.now()
	attemptID := strings.TrimSpace(cmd.AttemptID)
	if attemptID == "" {
		attemptID = s.newID()
	}

	itemsPrice := cart.TotalPrice
	taxPrice := itemsPrice * s.settlement.TaxRateBasisPoints / 10000
	shippingPrice := s.settlement.ShippingFlat
	totalPrice := itemsPrice + taxPrice + shippingPrice

	order := domain.Order{
		ID:              strings.ToLower("ord_" + s.newID()),
		UserID:          userID,
		Items:           orderItemsFromCart(cart.Items),
		ItemsPrice:      itemsPrice,
		TaxPrice:        taxPrice,
		ShippingPrice:   shippingPrice,
		TotalPrice:      totalPrice,
		ShippingAddress: cmd.ShippingAddress,
		Status:          domain.OrderStatusNotProcessed,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	switch cmd.PaymentMethod {
	case domain.PaymentMethodCash:
		order.Payment = domain.PaymentRecord{Method: domain.PaymentMethodCash}
	case domain.PaymentMethodCard:
		record, err := s.captureCharge(ctx, userID, attemptID, totalPrice, order.ID, *cmd.Card)
		if err != nil {
			return Order{}, err
		}
		order.Payment = record
	}

	saved, err := s.commitSettlement(ctx, order)
	if err != nil {
		if order.Payment.Paid {
			s.escalate(ctx, domain.ReconciliationCase{
				AttemptID:      attemptID,
				UserID:         userID,
				ChargeID:       order.Payment.ChargeID,
				IdempotencyKey: order.Payment.IdempotencyKey,
				Amount:         totalPrice,
				Reason:         "settlement_incomplete: " + err.Error(),
				OccurredAt:     s.now(),
			})
			if errors.Is(err, ErrOrderInsufficientStock) {
				return Order{}, err
			}
			return Order{}, fmt.Errorf("%w: charge captured but settlement incomplete", ErrOrderPaymentAmbiguous)
		}
		return Order{}, err
	}

	if err := s.carts.ClearCart(ctx, userID); err != nil {
		s.logger(ctx, "order.cart_clear_failed", map[string]any{
			"orderID": saved.ID,
			"userID":  userID,
			"error":   err.Error(),
		})
	}

	s.publish(ctx, OrderEvent{Type: OrderEventCreated, Order: saved, OccurredAt: s.now()})
	return saved, nil
}

// captureCharge tokenizes the card and submits the charge with a
// deterministic idempotency key, so resubmitting the same attempt can never
// charge twice. Gateway refusals that happened before acceptance are retried
// with the same key.
func (s *orderService) captureCharge(ctx context.Context, userID, attemptID string, amount int64, orderID string, card CardInput) (domain.PaymentRecord, error) {
	paymentCtx := payments.PaymentContext{Currency: s.settlement.Currency}

	token, err := s.payments.TokenizeCard(ctx, paymentCtx, payments.CardDetails{
		Number:   card.Number,
		ExpMonth: card.ExpMonth,
		ExpYear:  card.ExpYear,
		CVC:      card.CVC,
	})
	if err != nil {
		// Tokenization never moves money.
		return domain.PaymentRecord{}, fmt.Errorf("%w: %v", ErrOrderPaymentFailed, err)
	}

	key := chargeIdempotencyKey(userID, attemptID)
	req := payments.ChargeRequest{
		Amount:         amount,
		Currency:       s.settlement.Currency,
		Token:          token,
		Description:    "order " + orderID,
		IdempotencyKey: key,
		Metadata: map[string]string{
			"user_id":    userID,
			"attempt_id": attemptID,
		},
	}

	var charge payments.Charge
	for attempt := 0; ; attempt++ {
		charge, err = s.payments.Charge(ctx, paymentCtx, req)
		if err == nil {
			break
		}
		if payments.IsRetryable(err) && attempt < s.settlement.CommitRetries {
			s.logger(ctx, "order.charge_retry", map[string]any{
				"attempt": attempt + 1,
				"error":   err.Error(),
			})
			if sleepErr := s.sleep(ctx, s.settlement.CommitBackoff); sleepErr != nil {
				return domain.PaymentRecord{}, fmt.Errorf("%w: %v", ErrOrderPaymentFailed, sleepErr)
			}
			continue
		}
		if payments.IsAmbiguous(err) {
			s.escalate(ctx, domain.ReconciliationCase{
				AttemptID:      attemptID,
				UserID:         userID,
				IdempotencyKey: key,
				Amount:         amount,
				Reason:         "charge_ambiguous: " + err.Error(),
				OccurredAt:     s.now(),
			})
			return domain.PaymentRecord{}, fmt.Errorf("%w: %v", ErrOrderPaymentAmbiguous, err)
		}
		return domain.PaymentRecord{}, fmt.Errorf("%w: %v", ErrOrderPaymentFailed, err)
	}

	paidAt := s.now()
	return domain.PaymentRecord{
		Method:         domain.PaymentMethodCard,
		Provider:       charge.Provider,
		ChargeID:       charge.ID,
		IdempotencyKey: key,
		Paid:           true,
		PaidAt:         &paidAt,
	}, nil
}

// commitSettlement persists the order snapshot and converts stock into sales.
// Transient backend failures are retried with backoff; a failed attempt is
// unwound before the next one so stock is never deducted twice. The order
// number is drawn once so retries do not burn sequence values.
func (s *orderService) commitSettlement(ctx context.Context, order domain.Order) (domain.Order, error) {
	seq, err := s.counters.Next(ctx, orderNumberCounter, s.now())
	if err != nil {
		return domain.Order{}, fmt.Errorf("%w: order number: %v", ErrOrderUnavailable, err)
	}
	order.Number = fmt.Sprintf("EC-%d-%06d", s.now().Year(), seq)

	var lastErr error
	for attempt := 0; attempt <= s.settlement.CommitRetries; attempt++ {
		if attempt > 0 {
			if err := s.sleep(ctx, s.settlement.CommitBackoff); err != nil {
				return domain.Order{}, errors.Join(lastErr, err)
			}
		}

		saved, err := s.commitOnce(ctx, order)
		if err == nil {
			return saved, nil
		}
		if errors.Is(err, ErrOrderInsufficientStock) || errors.Is(err, ErrOrderInvalidInput) {
			return domain.Order{}, err
		}
		lastErr = err
		s.logger(ctx, "order.settlement_retry", map[string]any{
			"orderID": order.ID,
			"attempt": attempt + 1,
			"error":   err.Error(),
		})
	}
	return domain.Order{}, lastErr
}

func (s *orderService) commitOnce(ctx context.Context, order domain.Order) (domain.Order, error) {
	lines := make([]OrderLine, 0, len(order.Items))
	for _, item := range order.Items {
		lines = append(lines, OrderLine{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	if err := s.inventory.CommitOrderLines(ctx, OrderLinesCommand{
		OrderID: order.ID,
		Lines:   lines,
		Reason:  "order.settlement",
	}); err != nil {
		if errors.Is(err, ErrInventoryInsufficientStock) {
			return domain.Order{}, fmt.Errorf("%w: %v", ErrOrderInsufficientStock, err)
		}
		if errors.Is(err, ErrInventoryInvalidInput) || errors.Is(err, ErrInventoryProductNotFound) {
			return domain.Order{}, fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
		}
		return domain.Order{}, fmt.Errorf("%w: %v", ErrOrderUnavailable, err)
	}

	if err := s.orders.Insert(ctx, order); err != nil {
		// Put the stock back so a retried attempt starts clean.
		if relErr := s.inventory.ReleaseOrderLines(ctx, OrderLinesCommand{
			OrderID: order.ID,
			Lines:   lines,
			Reason:  "order.settlement.rollback",
		}); relErr != nil {
			s.logger(ctx, "order.settlement_rollback_failed", map[string]any{
				"orderID": order.ID,
				"error":   relErr.Error(),
			})
		}
		return domain.Order{}, s.translateRepoError(err)
	}
	return order, nil
}

func (s *orderService) GetOrder(ctx context.Context, q OrderReadQuery) (Order, error) {
	orderID := strings.TrimSpace(q.OrderID)
	if orderID == "" {
		return Order{}, ErrOrderInvalidInput
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.translateRepoError(err)
	}
	if !q.Admin && order.UserID != strings.TrimSpace(q.RequestedBy) {
		return Order{}, ErrOrderUnauthorized
	}
	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, filter OrderListQuery) (domain.CursorPage[Order], error) {
	userID := strings.TrimSpace(filter.UserID)
	if !filter.Admin {
		// Customers only ever see their own orders.
		userID = strings.TrimSpace(filter.RequestedBy)
		if userID == "" {
			return domain.CursorPage[Order]{}, ErrOrderInvalidInput
		}
	}

	page, err := s.orders.List(ctx, repositories.OrderListFilter{
		UserID:     userID,
		Status:     filter.Status,
		Pagination: filter.Pagination,
	})
	if err != nil {
		return domain.CursorPage[Order]{}, s.translateRepoError(err)
	}
	return page, nil
}

// orderStatusFlow is the closed set of forward transitions. Cancellation is
// handled separately because it reverses inventory.
var orderStatusFlow = map[domain.OrderStatus]domain.OrderStatus{
	domain.OrderStatusNotProcessed: domain.OrderStatusProcessing,
	domain.OrderStatusProcessing:   domain.OrderStatusShipped,
	domain.OrderStatusShipped:      domain.OrderStatusDelivered,
}

func (s *orderService) TransitionStatus(ctx context.Context, cmd OrderStatusCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, ErrOrderInvalidInput
	}
	if cmd.Next == domain.OrderStatusCancelled {
		return Order{}, fmt.Errorf("%w: use cancel for cancellation", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.translateRepoError(err)
	}

	current := order.Status
	next, ok := orderStatusFlow[current]
	if !ok || next != cmd.Next {
		return Order{}, fmt.Errorf("%w: %s -> %s", ErrOrderInvalidTransition, current, cmd.Next)
	}

	now := s.now()
	order.Status = cmd.Next
	order.UpdatedAt = now
	if cmd.Next == domain.OrderStatusDelivered {
		order.DeliveredAt = &now
	}

	// The update is conditional on the status read above, so a racing
	// transition surfaces as a conflict instead of a lost update.
	saved, err := s.orders.Update(ctx, order, current)
	if err != nil {
		return Order{}, s.translateRepoError(err)
	}

	s.publish(ctx, OrderEvent{Type: OrderEventStatusChanged, Order: saved, OccurredAt: now})
	return saved, nil
}

// Cancel moves a non-terminal order to cancelled and returns its stock to the
// shelf. Cancelling an order that is already cancelled or delivered fails
// with ErrOrderConflict.
func (s *orderService) Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, ErrOrderInvalidInput
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, s.translateRepoError(err)
	}
	if !cmd.Admin && order.UserID != strings.TrimSpace(cmd.RequestedBy) {
		return Order{}, ErrOrderUnauthorized
	}
	current := order.Status
	switch current {
	case domain.OrderStatusCancelled:
		return Order{}, fmt.Errorf("%w: order already cancelled", ErrOrderConflict)
	case domain.OrderStatusDelivered:
		return Order{}, fmt.Errorf("%w: delivered orders cannot be cancelled", ErrOrderConflict)
	}

	now := s.now()
	order.Status = domain.OrderStatusCancelled
	order.CancelledAt = &now
	order.UpdatedAt = now

	// Conditional on the status read above. When two cancels race, exactly
	// one update commits and only that caller restores stock.
	saved, err := s.orders.Update(ctx, order, current)
	if err != nil {
		return Order{}, s.translateRepoError(err)
	}

	lines := make([]OrderLine, 0, len(saved.Items))
	for _, item := range saved.Items {
		lines = append(lines, OrderLine{ProductID: item.ProductID, Quantity: item.Quantity})
	}
	if err := s.releaseWithRetry(ctx, OrderLinesCommand{
		OrderID: saved.ID,
		Lines:   lines,
		Reason:  "order.cancelled",
	}); err != nil {
		s.escalate(ctx, domain.ReconciliationCase{
			AttemptID:      saved.ID,
			UserID:         saved.UserID,
			ChargeID:       saved.Payment.ChargeID,
			IdempotencyKey: saved.Payment.IdempotencyKey,
			Amount:         saved.TotalPrice,
			Reason:         "cancel_restock_failed: " + err.Error(),
			OccurredAt:     s.now(),
		})
	}

	s.publish(ctx, OrderEvent{Type: OrderEventCancelled, Order: saved, OccurredAt: now})
	return saved, nil
}

func (s *orderService) releaseWithRetry(ctx context.Context, cmd OrderLinesCommand) error {
	var lastErr error
	for attempt := 0; attempt <= s.settlement.CommitRetries; attempt++ {
		if attempt > 0 {
			if err := s.sleep(ctx, s.settlement.CommitBackoff); err != nil {
				return errors.Join(lastErr, err)
			}
		}
		if err := s.inventory.ReleaseOrderLines(ctx, cmd); err != nil {
			lastErr = err
			s.logger(ctx, "order.restock_retry", map[string]any{
				"orderID": cmd.OrderID,
				"attempt": attempt + 1,
				"error":   err.Error(),
			})
			continue
		}
		return nil
	}
	return lastErr
}

// escalate hands a settlement problem to the reconciliation queue. A queue
// failure is logged loudly; the case is part of the log record so it is
// never silently lost.
func (s *orderService) escalate(ctx context.Context, c domain.ReconciliationCase) {
	if s.reconciliation == nil {
		s.logger(ctx, "order.reconciliation_unconfigured", map[string]any{
			"attemptID": c.AttemptID,
			"chargeID":  c.ChargeID,
			"amount":    c.Amount,
			"reason":    c.Reason,
		})
		return
	}
	if err := s.reconciliation.Enqueue(ctx, c); err != nil {
		s.logger(ctx, "order.reconciliation_enqueue_failed", map[string]any{
			"attemptID":      c.AttemptID,
			"chargeID":       c.ChargeID,
			"idempotencyKey": c.IdempotencyKey,
			"amount":         c.Amount,
			"reason":         c.Reason,
			"error":          err.Error(),
		})
	}
}

func (s *orderService) publish(ctx context.Context, event OrderEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishOrderEvent(ctx, event); err != nil {
		s.logger(ctx, "order.event_publish_failed", map[string]any{
			"orderID": event.Order.ID,
			"type":    event.Type,
			"error":   err.Error(),
		})
	}
}

func (s *orderService) translateRepoError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return ErrOrderNotFound
		case repoErr.IsConflict():
			return ErrOrderConflict
		}
	}
	return ErrOrderUnavailable
}

func validatePaymentSelection(cmd CreateOrderCommand) error {
	switch cmd.PaymentMethod {
	case domain.PaymentMethodCash:
		return nil
	case domain.PaymentMethodCard:
		if cmd.Card == nil {
			return fmt.Errorf("%w: card details are required for card payment", ErrOrderInvalidInput)
		}
		if strings.TrimSpace(cmd.Card.Number) == "" {
			return fmt.Errorf("%w: card number is required", ErrOrderInvalidInput)
		}
		return nil
	default:
		return fmt.Errorf("%w: unsupported payment method %q", ErrOrderInvalidInput, cmd.PaymentMethod)
	}
}

func validateShippingAddress(addr Address) error {
	if strings.TrimSpace(addr.Line1) == "" {
		return fmt.Errorf("%w: shipping address line1 is required", ErrOrderInvalidInput)
	}
	if strings.TrimSpace(addr.City) == "" {
		return fmt.Errorf("%w: shipping address city is required", ErrOrderInvalidInput)
	}
	if strings.TrimSpace(addr.Country) == "" {
		return fmt.Errorf("%w: shipping address country is required", ErrOrderInvalidInput)
	}
	return nil
}

func orderItemsFromCart(items []CartItem) []domain.OrderItem {
	out := make([]domain.OrderItem, 0, len(items))
	for _, item := range items {
		out = append(out, domain.OrderItem{
			ProductID: item.ProductID,
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			LineTotal: item.LineTotal,
		})
	}
	return out
}

// chargeIdempotencyKey derives a stable key from the settlement attempt so a
// resubmitted attempt reuses the gateway's original outcome.
func chargeIdempotencyKey(userID, attemptID string) string {
	sum := sha256.Sum256([]byte("order-charge:" + userID + ":" + attemptID))
	return hex.EncodeToString(sum[:])
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
