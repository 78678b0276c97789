package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/ecomcore/api/internal/domain"
	"github.com/ecomcore/api/internal/repositories"
)

type stubStockLedger struct {
	applyFn func(ctx context.Context, req repositories.StockDeltaRequest) (domain.Product, error)
	applied []repositories.StockDeltaRequest
}

func (s *stubStockLedger) ApplyStockDelta(ctx context.Context, req repositories.StockDeltaRequest) (domain.Product, error) {
	s.applied = append(s.applied, req)
	if s.applyFn != nil {
		return s.applyFn(ctx, req)
	}
	return domain.Product{ID: req.ProductID}, nil
}

type captureStockEvents struct {
	events []StockAdjustment
}

func (c *captureStockEvents) PublishStockEvent(_ context.Context, adjustment StockAdjustment) error {
	c.events = append(c.events, adjustment)
	return nil
}

func newInventoryServiceForTest(t *testing.T, ledger *stubStockLedger, events StockEventPublisher, now time.Time) InventoryService {
	t.Helper()
	svc, err := NewInventoryService(InventoryServiceDeps{
		Ledger: ledger,
		Events: events,
		Clock:  func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("new inventory service: %v", err)
	}
	return svc
}

func TestInventoryServiceAdjustStockPublishesEvent(t *testing.T) {
	now := time.Date(2026, 4, 2, 8, 30, 0, 0, time.UTC)
	ledger := &stubStockLedger{
		applyFn: func(_ context.Context, req repositories.StockDeltaRequest) (domain.Product, error) {
			if req.QuantityDelta != 5 || req.SoldDelta != 0 {
				t.Fatalf("unexpected deltas %+v", req)
			}
			if !req.Now.Equal(now) {
				t.Fatalf("expected clock timestamp, got %v", req.Now)
			}
			return domain.Product{ID: req.ProductID, Quantity: 15}, nil
		},
	}
	events := &captureStockEvents{}
	svc := newInventoryServiceForTest(t, ledger, events, now)

	product, err := svc.AdjustStock(context.Background(), StockDeltaCommand{
		ProductID:     "prod-1",
		QuantityDelta: 5,
		Reason:        "restock",
	})
	if err != nil {
		t.Fatalf("adjust stock: %v", err)
	}
	if product.Quantity != 15 {
		t.Fatalf("expected quantity 15, got %d", product.Quantity)
	}
	if len(events.events) != 1 {
		t.Fatalf("expected one event, got %d", len(events.events))
	}
	if events.events[0].Reason != "restock" || events.events[0].QuantityDelta != 5 {
		t.Fatalf("unexpected event %+v", events.events[0])
	}
}

func TestInventoryServiceAdjustStockTranslatesLedgerErrors(t *testing.T) {
	now := time.Date(2026, 4, 2, 8, 30, 0, 0, time.UTC)

	cases := []struct {
		code repositories.ProductErrorCode
		want error
	}{
		{repositories.ProductErrorNotFound, ErrInventoryProductNotFound},
		{repositories.ProductErrorInsufficientStock, ErrInventoryInsufficientStock},
		{repositories.ProductErrorInvalidDelta, ErrInventoryInvalidInput},
		{repositories.ProductErrorUnknown, ErrInventoryUnavailable},
	}
	for _, tc := range cases {
		ledger := &stubStockLedger{
			applyFn: func(_ context.Context, _ repositories.StockDeltaRequest) (domain.Product, error) {
				return domain.Product{}, repositories.NewProductError(tc.code, "", nil)
			},
		}
		svc := newInventoryServiceForTest(t, ledger, nil, now)

		_, err := svc.AdjustStock(context.Background(), StockDeltaCommand{ProductID: "prod-1", QuantityDelta: -1})
		if !errors.Is(err, tc.want) {
			t.Fatalf("code %s: expected %v, got %v", tc.code, tc.want, err)
		}
	}
}

func TestInventoryServiceCommitOrderLinesRollsBackOnFailure(t *testing.T) {
	now := time.Date(2026, 4, 2, 8, 30, 0, 0, time.UTC)

	ledger := &stubStockLedger{}
	ledger.applyFn = func(_ context.Context, req repositories.StockDeltaRequest) (domain.Product, error) {
		if req.ProductID == "prod-2" && req.QuantityDelta < 0 {
			return domain.Product{}, repositories.NewProductError(repositories.ProductErrorInsufficientStock, "", nil)
		}
		return domain.Product{ID: req.ProductID}, nil
	}
	svc := newInventoryServiceForTest(t, ledger, nil, now)

	err := svc.CommitOrderLines(context.Background(), OrderLinesCommand{
		OrderID: "order-1",
		Reason:  "order.settlement",
		Lines: []OrderLine{
			{ProductID: "prod-1", Quantity: 2},
			{ProductID: "prod-2", Quantity: 1},
		},
	})
	if !errors.Is(err, ErrInventoryInsufficientStock) {
		t.Fatalf("expected ErrInventoryInsufficientStock, got %v", err)
	}

	// prod-1 commit, prod-2 failed commit, prod-1 rollback.
	if len(ledger.applied) != 3 {
		t.Fatalf("expected 3 ledger calls, got %d", len(ledger.applied))
	}
	rollback := ledger.applied[2]
	if rollback.ProductID != "prod-1" || rollback.QuantityDelta != 2 || rollback.SoldDelta != -2 {
		t.Fatalf("unexpected rollback request %+v", rollback)
	}
}

func TestInventoryServiceCommitOrderLinesAppliesSoldAndQuantity(t *testing.T) {
	now := time.Date(2026, 4, 2, 8, 30, 0, 0, time.UTC)
	ledger := &stubStockLedger{}
	svc := newInventoryServiceForTest(t, ledger, nil, now)

	err := svc.CommitOrderLines(context.Background(), OrderLinesCommand{
		OrderID: "order-1",
		Reason:  "order.settlement",
		Lines:   []OrderLine{{ProductID: "prod-1", Quantity: 3}},
	})
	if err != nil {
		t.Fatalf("commit order lines: %v", err)
	}
	if len(ledger.applied) != 1 {
		t.Fatalf("expected one ledger call, got %d", len(ledger.applied))
	}
	req := ledger.applied[0]
	if req.QuantityDelta != -3 || req.SoldDelta != 3 {
		t.Fatalf("unexpected deltas %+v", req)
	}
}

func TestInventoryServiceReleaseOrderLinesContinuesPastFailures(t *testing.T) {
	now := time.Date(2026, 4, 2, 8, 30, 0, 0, time.UTC)

	ledger := &stubStockLedger{}
	ledger.applyFn = func(_ context.Context, req repositories.StockDeltaRequest) (domain.Product, error) {
		if req.ProductID == "prod-1" {
			return domain.Product{}, repositories.NewProductError(repositories.ProductErrorNotFound, "", nil)
		}
		return domain.Product{ID: req.ProductID}, nil
	}
	svc := newInventoryServiceForTest(t, ledger, nil, now)

	err := svc.ReleaseOrderLines(context.Background(), OrderLinesCommand{
		OrderID: "order-1",
		Reason:  "order.cancelled",
		Lines: []OrderLine{
			{ProductID: "prod-1", Quantity: 1},
			{ProductID: "prod-2", Quantity: 2},
		},
	})
	if !errors.Is(err, ErrInventoryProductNotFound) {
		t.Fatalf("expected ErrInventoryProductNotFound, got %v", err)
	}
	// Both lines must be attempted.
	if len(ledger.applied) != 2 {
		t.Fatalf("expected 2 ledger calls, got %d", len(ledger.applied))
	}
	second := ledger.applied[1]
	if second.ProductID != "prod-2" || second.QuantityDelta != 2 || second.SoldDelta != -2 {
		t.Fatalf("unexpected release request %+v", second)
	}
}

func TestInventoryServiceValidatesLines(t *testing.T) {
	now := time.Date(2026, 4, 2, 8, 30, 0, 0, time.UTC)
	svc := newInventoryServiceForTest(t, &stubStockLedger{}, nil, now)

	cases := []OrderLinesCommand{
		{OrderID: "order-1", Lines: nil},
		{OrderID: "order-1", Lines: []OrderLine{{ProductID: "", Quantity: 1}}},
		{OrderID: "order-1", Lines: []OrderLine{{ProductID: "prod-1", Quantity: 0}}},
	}
	for _, cmd := range cases {
		if err := svc.CommitOrderLines(context.Background(), cmd); !errors.Is(err, ErrInventoryInvalidInput) {
			t.Fatalf("expected ErrInventoryInvalidInput for %+v, got %v", cmd, err)
		}
	}
}
