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
	errInventoryLedgerRequired = errors.New("inventory service: product ledger is required")
	errInventoryClockRequired  = errors.New("inventory service: clock is required")
)

// ErrInventoryInvalidInput indicates the caller supplied invalid input.
var ErrInventoryInvalidInput = errors.New("inventory service: invalid input")

// ErrInventoryProductNotFound indicates the product record does not exist.
var ErrInventoryProductNotFound = errors.New("inventory service: product not found")

// ErrInventoryInsufficientStock indicates the delta would drive stock below zero.
var ErrInventoryInsufficientStock = errors.New("inventory service: insufficient stock")

// ErrInventoryUnavailable indicates the ledger backend cannot be reached.
var ErrInventoryUnavailable = errors.New("inventory service: unavailable")

type stockLedger interface {
	ApplyStockDelta(ctx context.Context, req repositories.StockDeltaRequest) (domain.Product, error)
}

// InventoryServiceDeps wires the product ledger and event sink for stock movements.
type InventoryServiceDeps struct {
	Ledger stockLedger
	Events StockEventPublisher
	Clock  func() time.Time
	Logger func(context.Context, string, map[string]any)
}

type inventoryService struct {
	ledger stockLedger
	events StockEventPublisher
	now    func() time.Time
	logger func(context.Context, string, map[string]any)
}

// NewInventoryService constructs an InventoryService enforcing dependency validation.
func NewInventoryService(deps InventoryServiceDeps) (InventoryService, error) {
	if deps.Ledger == nil {
		return nil, errInventoryLedgerRequired
	}
	if deps.Clock == nil {
		return nil, errInventoryClockRequired
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &inventoryService{
		ledger: deps.Ledger,
		events: deps.Events,
		now:    func() time.Time { return deps.Clock().UTC() },
		logger: logger,
	}, nil
}

// AdjustStock applies one signed delta to a product. The ledger enforces that
// stock never goes negative.
func (s *inventoryService) AdjustStock(ctx context.Context, cmd StockDeltaCommand) (Product, error) {
	productID := strings.TrimSpace(cmd.ProductID)
	if productID == "" {
		return Product{}, fmt.Errorf("%w: product_id is required", ErrInventoryInvalidInput)
	}
	if cmd.QuantityDelta == 0 && cmd.SoldDelta == 0 {
		return Product{}, fmt.Errorf("%w: delta must be non-zero", ErrInventoryInvalidInput)
	}

	now := s.now()
	product, err := s.ledger.ApplyStockDelta(ctx, repositories.StockDeltaRequest{
		ProductID:     productID,
		QuantityDelta: cmd.QuantityDelta,
		SoldDelta:     cmd.SoldDelta,
		Reason:        strings.TrimSpace(cmd.Reason),
		Now:           now,
	})
	if err != nil {
		return Product{}, translateProductError(err)
	}

	s.publish(ctx, domain.StockAdjustment{
		ProductID:     productID,
		QuantityDelta: cmd.QuantityDelta,
		SoldDelta:     cmd.SoldDelta,
		Reason:        strings.TrimSpace(cmd.Reason),
		OccurredAt:    now,
	})
	return product, nil
}

// CommitOrderLines converts stock into sales for every line of an order. The
// ledger applies each line atomically; when a later line fails the already
// committed lines are put back so settlement never leaves a partial
// deduction behind.
func (s *inventoryService) CommitOrderLines(ctx context.Context, cmd OrderLinesCommand) error {
	lines, err := normalizeOrderLines(cmd.Lines)
	if err != nil {
		return err
	}

	applied := make([]OrderLine, 0, len(lines))
	for _, line := range lines {
		if _, err := s.AdjustStock(ctx, StockDeltaCommand{
			ProductID:     line.ProductID,
			QuantityDelta: -line.Quantity,
			SoldDelta:     line.Quantity,
			Reason:        cmd.Reason,
		}); err != nil {
			s.rollbackLines(ctx, applied, cmd.Reason)
			return fmt.Errorf("commit stock for %s: %w", line.ProductID, err)
		}
		applied = append(applied, line)
	}
	return nil
}

// ReleaseOrderLines returns committed stock to the shelf, e.g. when an order
// is cancelled. Every line is attempted even when an earlier one fails so a
// single bad record cannot block the remaining restores.
func (s *inventoryService) ReleaseOrderLines(ctx context.Context, cmd OrderLinesCommand) error {
	lines, err := normalizeOrderLines(cmd.Lines)
	if err != nil {
		return err
	}

	var failures []error
	for _, line := range lines {
		if _, err := s.AdjustStock(ctx, StockDeltaCommand{
			ProductID:     line.ProductID,
			QuantityDelta: line.Quantity,
			SoldDelta:     -line.Quantity,
			Reason:        cmd.Reason,
		}); err != nil {
			failures = append(failures, fmt.Errorf("release stock for %s: %w", line.ProductID, err))
		}
	}
	return errors.Join(failures...)
}

func (s *inventoryService) rollbackLines(ctx context.Context, applied []OrderLine, reason string) {
	for _, line := range applied {
		if _, err := s.AdjustStock(ctx, StockDeltaCommand{
			ProductID:     line.ProductID,
			QuantityDelta: line.Quantity,
			SoldDelta:     -line.Quantity,
			Reason:        reason + ".rollback",
		}); err != nil {
			s.logger(ctx, "inventory.rollback_failed", map[string]any{
				"productID": line.ProductID,
				"quantity":  line.Quantity,
				"error":     err.Error(),
			})
		}
	}
}

func (s *inventoryService) publish(ctx context.Context, adjustment domain.StockAdjustment) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishStockEvent(ctx, adjustment); err != nil {
		s.logger(ctx, "inventory.event_publish_failed", map[string]any{
			"productID": adjustment.ProductID,
			"error":     err.Error(),
		})
	}
}

func normalizeOrderLines(lines []OrderLine) ([]OrderLine, error) {
	if len(lines) == 0 {
		return nil, fmt.Errorf("%w: at least one line is required", ErrInventoryInvalidInput)
	}
	out := make([]OrderLine, 0, len(lines))
	for _, line := range lines {
		productID := strings.TrimSpace(line.ProductID)
		if productID == "" {
			return nil, fmt.Errorf("%w: line product_id is required", ErrInventoryInvalidInput)
		}
		if line.Quantity <= 0 {
			return nil, fmt.Errorf("%w: line quantity must be greater than zero", ErrInventoryInvalidInput)
		}
		out = append(out, OrderLine{ProductID: productID, Quantity: line.Quantity})
	}
	return out, nil
}

func translateProductError(err error) error {
	if err == nil {
		return nil
	}
	var productErr *repositories.ProductError
	if errors.As(err, &productErr) {
		switch productErr.Code {
		case repositories.ProductErrorNotFound:
			return ErrInventoryProductNotFound
		case repositories.ProductErrorInsufficientStock:
			return ErrInventoryInsufficientStock
		case repositories.ProductErrorInvalidDelta:
			return ErrInventoryInvalidInput
		}
		return ErrInventoryUnavailable
	}
	if isRepoNotFound(err) {
		return ErrInventoryProductNotFound
	}
	return ErrInventoryUnavailable
}
