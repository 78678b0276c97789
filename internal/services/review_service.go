package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	domain "github.com/ecomcore/api/internal/domain"
	"github.com/ecomcore/api/internal/repositories"
)

var (
	errReviewRepositoryRequired = errors.New("review service: review repository is required")
	errReviewProductsRequired   = errors.New("review service: product repository is required")
	errReviewClockRequired      = errors.New("review service: clock is required")
)

// ErrReviewInvalidInput indicates the caller supplied invalid input.
var ErrReviewInvalidInput = errors.New("review service: invalid input")

// ErrReviewNotFound indicates the requested review does not exist.
var ErrReviewNotFound = errors.New("review service: not found")

// ErrReviewProductNotFound indicates the reviewed product does not exist.
var ErrReviewProductNotFound = errors.New("review service: product not found")

// ErrReviewConflict indicates the user already reviewed the product.
var ErrReviewConflict = errors.New("review service: conflict")

// ErrReviewUnauthorized indicates the caller does not own the review.
var ErrReviewUnauthorized = errors.New("review service: unauthorized")

// ErrReviewUnavailable indicates the review backend cannot be reached.
var ErrReviewUnavailable = errors.New("review service: unavailable")

const (
	minReviewRating        = 1
	maxReviewRating        = 5
	maxReviewCommentLength = 2000
)

type reviewProductFinder interface {
	FindByID(ctx context.Context, productID string) (domain.Product, error)
}

// ReviewServiceDeps wires the repositories and event sink for review operations.
type ReviewServiceDeps struct {
	Reviews  repositories.ReviewRepository
	Products reviewProductFinder
	Events   ReviewEventPublisher
	Clock    func() time.Time
	Logger   func(context.Context, string, map[string]any)
}

type reviewService struct {
	reviews  repositories.ReviewRepository
	products reviewProductFinder
	events   ReviewEventPublisher
	policy   *bluemonday.Policy
	now      func() time.Time
	logger   func(context.Context, string, map[string]any)
}

// NewReviewService constructs a ReviewService enforcing dependency validation.
func NewReviewService(deps ReviewServiceDeps) (ReviewService, error) {
	if deps.Reviews == nil {
		return nil, errReviewRepositoryRequired
	}
	if deps.Products == nil {
		return nil, errReviewProductsRequired
	}
	if deps.Clock == nil {
		return nil, errReviewClockRequired
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &reviewService{
		reviews:  deps.Reviews,
		products: deps.Products,
		events:   deps.Events,
		policy:   bluemonday.StrictPolicy(),
		now:      func() time.Time { return deps.Clock().UTC() },
		logger:   logger,
	}, nil
}

// Create stores a new review; the repository folds the rating into the
// product aggregate in the same transaction. A user gets one review per
// product, enforced by the deterministic review id.
func (s *reviewService) Create(ctx context.Context, cmd CreateReviewCommand) (Review, error) {
	productID := strings.TrimSpace(cmd.ProductID)
	userID := strings.TrimSpace(cmd.UserID)
	if productID == "" || userID == "" {
		return Review{}, ErrReviewInvalidInput
	}
	if err := validateRating(cmd.Rating); err != nil {
		return Review{}, err
	}
	comment, err := s.sanitizeComment(cmd.Comment)
	if err != nil {
		return Review{}, err
	}

	if _, err := s.products.FindByID(ctx, productID); err != nil {
		if isRepoNotFound(err) {
			return Review{}, ErrReviewProductNotFound
		}
		return Review{}, ErrReviewUnavailable
	}

	now := s.now()
	review := domain.Review{
		ID:        reviewID(productID, userID),
		ProductID: productID,
		UserID:    userID,
		Rating:    cmd.Rating,
		Comment:   comment,
		CreatedAt: now,
		UpdatedAt: now,
	}

	saved, err := s.reviews.Insert(ctx, review)
	if err != nil {
		if isRepoConflict(err) {
			return Review{}, fmt.Errorf("%w: product already reviewed", ErrReviewConflict)
		}
		return Review{}, s.translateRepoError(err)
	}

	s.publish(ctx, ReviewEvent{Type: ReviewEventCreated, Review: saved, OccurredAt: now})
	return saved, nil
}

// Update rewrites the rating and/or comment of the caller's own review. The
// repository applies the rating difference to the product aggregate
// atomically with the review write.
func (s *reviewService) Update(ctx context.Context, cmd UpdateReviewCommand) (Review, error) {
	reviewID := strings.TrimSpace(cmd.ReviewID)
	requestedBy := strings.TrimSpace(cmd.RequestedBy)
	if reviewID == "" || requestedBy == "" {
		return Review{}, ErrReviewInvalidInput
	}
	if cmd.Rating == nil && cmd.Comment == nil {
		return Review{}, fmt.Errorf("%w: nothing to update", ErrReviewInvalidInput)
	}
	if cmd.Rating != nil {
		if err := validateRating(*cmd.Rating); err != nil {
			return Review{}, err
		}
	}
	var comment *string
	if cmd.Comment != nil {
		clean, err := s.sanitizeComment(*cmd.Comment)
		if err != nil {
			return Review{}, err
		}
		comment = &clean
	}

	review, err := s.reviews.FindByID(ctx, reviewID)
	if err != nil {
		return Review{}, s.translateRepoError(err)
	}
	if review.UserID != requestedBy {
		return Review{}, ErrReviewUnauthorized
	}

	now := s.now()
	saved, err := s.reviews.UpdateRating(ctx, repositories.ReviewUpdateRequest{
		ReviewID: reviewID,
		Rating:   cmd.Rating,
		Comment:  comment,
		Now:      now,
	})
	if err != nil {
		return Review{}, s.translateRepoError(err)
	}

	s.publish(ctx, ReviewEvent{Type: ReviewEventUpdated, Review: saved, OccurredAt: now})
	return saved, nil
}

// Delete removes a review and subtracts its rating from the product
// aggregate. Owners may delete their own reviews; admins may delete any.
func (s *reviewService) Delete(ctx context.Context, cmd DeleteReviewCommand) error {
	reviewID := strings.TrimSpace(cmd.ReviewID)
	requestedBy := strings.TrimSpace(cmd.RequestedBy)
	if reviewID == "" || requestedBy == "" {
		return ErrReviewInvalidInput
	}

	review, err := s.reviews.FindByID(ctx, reviewID)
	if err != nil {
		return s.translateRepoError(err)
	}
	if !cmd.Admin && review.UserID != requestedBy {
		return ErrReviewUnauthorized
	}

	now := s.now()
	if err := s.reviews.Delete(ctx, reviewID, now); err != nil {
		return s.translateRepoError(err)
	}

	s.publish(ctx, ReviewEvent{Type: ReviewEventDeleted, Review: review, OccurredAt: now})
	return nil
}

func (s *reviewService) ListByProduct(ctx context.Context, filter ReviewListQuery) (domain.CursorPage[Review], error) {
	productID := strings.TrimSpace(filter.ProductID)
	if productID == "" {
		return domain.CursorPage[Review]{}, ErrReviewInvalidInput
	}

	page, err := s.reviews.ListByProduct(ctx, productID, filter.Pagination)
	if err != nil {
		return domain.CursorPage[Review]{}, s.translateRepoError(err)
	}
	return page, nil
}

func (s *reviewService) sanitizeComment(comment string) (string, error) {
	clean := strings.TrimSpace(s.policy.Sanitize(comment))
	if len(clean) > maxReviewCommentLength {
		return "", fmt.Errorf("%w: comment must be %d characters or fewer", ErrReviewInvalidInput, maxReviewCommentLength)
	}
	return clean, nil
}

func (s *reviewService) publish(ctx context.Context, event ReviewEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishReviewEvent(ctx, event); err != nil {
		s.logger(ctx, "review.event_publish_failed", map[string]any{
			"reviewID": event.Review.ID,
			"type":     event.Type,
			"error":    err.Error(),
		})
	}
}

func (s *reviewService) translateRepoError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return ErrReviewNotFound
		case repoErr.IsConflict():
			return ErrReviewConflict
		}
	}
	return ErrReviewUnavailable
}

func validateRating(rating int64) error {
	if rating < minReviewRating || rating > maxReviewRating {
		return fmt.Errorf("%w: rating must be between %d and %d", ErrReviewInvalidInput, minReviewRating, maxReviewRating)
	}
	return nil
}

// reviewID derives the one-review-per-user-and-product key.
func reviewID(productID, userID string) string {
	return fmt.Sprintf("rev_%s_%s", productID, userID)
}
