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

	pfirestore "github.com/ecomcore/api/internal/platform/firestore"
	"github.com/ecomcore/api/internal/repositories"
)

const countersCollection = "counters"

type counterDocument struct {
	Value     int64     `firestore:"value"`
	Max       int64     `firestore:"max,omitempty"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

// CounterRepository issues monotonic sequence values through Firestore
// transactions. Order numbers depend on Next never returning the same value
// twice.
type CounterRepository struct {
	provider *pfirestore.Provider
	counters *pfirestore.BaseRepository[counterDocument]
}

// NewCounterRepository constructs a Firestore-backed counter repository.
func NewCounterRepository(provider *pfirestore.Provider) (*CounterRepository, error) {
	if provider == nil {
		return nil, errors.New("counter repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[counterDocument](provider, countersCollection)
	return &CounterRepository{provider: provider, counters: base}, nil
}

// Next atomically increments the named counter and returns the new value. The
// counter document is created on first use.
func (r *CounterRepository) Next(ctx context.Context, name string, now time.Time) (int64, error) {
	if r == nil || r.provider == nil {
		return 0, errors.New("counter repository not initialised")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, repositories.NewCounterError(repositories.CounterErrorInvalidInput, "counter name is required", nil)
	}

	var next int64
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.counters.DocumentRef(ctx, name)
		if err != nil {
			return err
		}

		snapshot, err := tx.Get(ref)
		if status.Code(err) == codes.NotFound {
			doc := counterDocument{Value: 1, UpdatedAt: now.UTC()}
			if err := tx.Create(ref, doc); err != nil {
				return err
			}
			next = doc.Value
			return nil
		}
		if err != nil {
			return err
		}

		var doc counterDocument
		if err := snapshot.DataTo(&doc); err != nil {
			return fmt.Errorf("decode counter %s: %w", name, err)
		}

		doc.Value++
		if doc.Max > 0 && doc.Value > doc.Max {
			return repositories.NewCounterError(repositories.CounterErrorExhausted, fmt.Sprintf("counter %s exceeded max value %d", name, doc.Max), nil)
		}
		doc.UpdatedAt = now.UTC()

		if err := tx.Set(ref, doc); err != nil {
			return err
		}
		next = doc.Value
		return nil
	})
	if err != nil {
		var counterErr *repositories.CounterError
		if errors.As(err, &counterErr) {
			return 0, counterErr
		}
		return 0, pfirestore.WrapError("counters.next", err)
	}
	return next, nil
}

// Configure seeds the counter's start value and optional upper bound.
func (r *CounterRepository) Configure(ctx context.Context, name string, cfg repositories.CounterConfig) error {
	if r == nil || r.provider == nil {
		return errors.New("counter repository not initialised")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return repositories.NewCounterError(repositories.CounterErrorInvalidInput, "counter name is required", nil)
	}
	if cfg.Start < 0 || cfg.Max < 0 {
		return repositories.NewCounterError(repositories.CounterErrorInvalidInput, "counter bounds cannot be negative", nil)
	}
	if cfg.Max > 0 && cfg.Start > cfg.Max {
		return repositories.NewCounterError(repositories.CounterErrorInvalidInput, fmt.Sprintf("counter start %d exceeds max %d", cfg.Start, cfg.Max), nil)
	}

	payload := map[string]any{
		"updatedAt": time.Now().UTC(),
	}
	if cfg.Start > 0 {
		payload["value"] = cfg.Start
	}
	if cfg.Max > 0 {
		payload["max"] = cfg.Max
	}

	ref, err := r.counters.DocumentRef(ctx, name)
	if err != nil {
		return err
	}
	if _, err := ref.Set(ctx, payload, firestore.MergeAll); err != nil {
		return pfirestore.WrapError("counters.configure", err)
	}
	return nil
}
