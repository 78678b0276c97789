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

const reviewsCollection = "reviews"

// ReviewRepository stores reviews alongside the product rating aggregate.
// Every mutation writes the review and the product sum/count in the same
// transaction, so two concurrent edits never both read a stale aggregate.
type ReviewRepository struct {
	provider *pfirestore.Provider
	reviews  *pfirestore.BaseRepository[reviewDocument]
	products *pfirestore.BaseRepository[productDocument]
}

// NewReviewRepository constructs a Firestore-backed review repository.
func NewReviewRepository(provider *pfirestore.Provider) (*ReviewRepository, error) {
	if provider == nil {
		return nil, errors.New("review repository requires firestore provider")
	}
	return &ReviewRepository{
		provider: provider,
		reviews:  pfirestore.NewBaseRepository[reviewDocument](provider, reviewsCollection),
		products: pfirestore.NewBaseRepository[productDocument](provider, productsCollection),
	}, nil
}

// Insert creates the review and adds its rating to the product aggregate.
// A review that already exists for the same ID fails with a conflict.
func (r *ReviewRepository) Insert(ctx context.Context, review domain.Review) (domain.Review, error) {
	if r == nil || r.provider == nil {
		return domain.Review{}, errors.New("review repository not initialised")
	}
	reviewID := strings.TrimSpace(review.ID)
	if reviewID == "" {
		return domain.Review{}, errors.New("review insert: review id is required")
	}
	productID := strings.TrimSpace(review.ProductID)
	if productID == "" {
		return domain.Review{}, errors.New("review insert: product id is required")
	}

	saved := review
	saved.ID = reviewID
	saved.ProductID = productID

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		reviewRef, err := r.reviews.DocumentRef(ctx, reviewID)
		if err != nil {
			return err
		}
		if _, err := tx.Get(reviewRef); err == nil {
			return pfirestore.NewConflict("reviews.insert", fmt.Errorf("review %s already exists", reviewID))
		} else if status.Code(err) != codes.NotFound {
			return err
		}

		productRef, productDoc, err := r.getProduct(ctx, tx, productID)
		if err != nil {
			return err
		}
		if err := applyRatingDelta(&productDoc, review.Rating, 1, productID); err != nil {
			return err
		}
		productDoc.UpdatedAt = review.CreatedAt.UTC()
		if err := tx.Set(productRef, productDoc); err != nil {
			return err
		}
		return tx.Create(reviewRef, newReviewDocument(saved))
	})
	if err != nil {
		return domain.Review{}, wrapProductError("reviews.insert", err)
	}
	return saved, nil
}

// FindByID fetches a single review by document ID.
func (r *ReviewRepository) FindByID(ctx context.Context, reviewID string) (domain.Review, error) {
	if r == nil || r.reviews == nil {
		return domain.Review{}, errors.New("review repository not initialised")
	}
	reviewID = strings.TrimSpace(reviewID)
	if reviewID == "" {
		return domain.Review{}, errors.New("review find: review id is required")
	}

	doc, err := r.reviews.Get(ctx, reviewID)
	if err != nil {
		return domain.Review{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// FindByProductAndUser fetches the single review a user left for a product.
func (r *ReviewRepository) FindByProductAndUser(ctx context.Context, productID, userID string) (domain.Review, error) {
	if r == nil || r.reviews == nil {
		return domain.Review{}, errors.New("review repository not initialised")
	}
	productID = strings.TrimSpace(productID)
	userID = strings.TrimSpace(userID)
	if productID == "" || userID == "" {
		return domain.Review{}, errors.New("review find: product id and user id are required")
	}

	docs, err := r.reviews.Query(ctx, func(query firestore.Query) firestore.Query {
		return query.
			Where("productId", "==", productID).
			Where("userId", "==", userID).
			Limit(1)
	})
	if err != nil {
		return domain.Review{}, err
	}
	if len(docs) == 0 {
		return domain.Review{}, pfirestore.NewNotFound("reviews.findByProductAndUser", fmt.Errorf("no review by user %s for product %s", userID, productID))
	}
	return docs[0].Data.toDomain(docs[0].ID), nil
}

// UpdateRating mutates the review's rating and/or comment and shifts the
// product aggregate by the rating difference in the same transaction.
func (r *ReviewRepository) UpdateRating(ctx context.Context, req repositories.ReviewUpdateRequest) (domain.Review, error) {
	if r == nil || r.provider == nil {
		return domain.Review{}, errors.New("review repository not initialised")
	}
	reviewID := strings.TrimSpace(req.ReviewID)
	if reviewID == "" {
		return domain.Review{}, errors.New("review update: review id is required")
	}

	now := req.Now.UTC()
	var updated domain.Review

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		reviewRef, reviewDoc, err := r.getReview(ctx, tx, reviewID)
		if err != nil {
			return err
		}

		sumDelta := int64(0)
		if req.Rating != nil {
			sumDelta = *req.Rating - reviewDoc.Rating
			reviewDoc.Rating = *req.Rating
		}
		if req.Comment != nil {
			reviewDoc.Comment = *req.Comment
		}
		reviewDoc.UpdatedAt = now

		if sumDelta != 0 {
			productRef, productDoc, err := r.getProduct(ctx, tx, reviewDoc.ProductID)
			if err != nil {
				return err
			}
			if err := applyRatingDelta(&productDoc, sumDelta, 0, reviewDoc.ProductID); err != nil {
				return err
			}
			productDoc.UpdatedAt = now
			if err := tx.Set(productRef, productDoc); err != nil {
				return err
			}
		}

		if err := tx.Set(reviewRef, reviewDoc); err != nil {
			return err
		}
		updated = reviewDoc.toDomain(reviewID)
		return nil
	})
	if err != nil {
		return domain.Review{}, wrapProductError("reviews.update", err)
	}
	return updated, nil
}

// Delete removes the review and subtracts its rating from the aggregate.
func (r *ReviewRepository) Delete(ctx context.Context, reviewID string, now time.Time) error {
	if r == nil || r.provider == nil {
		return errors.New("review repository not initialised")
	}
	reviewID = strings.TrimSpace(reviewID)
	if reviewID == "" {
		return errors.New("review delete: review id is required")
	}

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		reviewRef, reviewDoc, err := r.getReview(ctx, tx, reviewID)
		if err != nil {
			return err
		}

		productRef, productDoc, err := r.getProduct(ctx, tx, reviewDoc.ProductID)
		if err != nil {
			return err
		}
		if err := applyRatingDelta(&productDoc, -reviewDoc.Rating, -1, reviewDoc.ProductID); err != nil {
			return err
		}
		productDoc.UpdatedAt = now.UTC()
		if err := tx.Set(productRef, productDoc); err != nil {
			return err
		}
		return tx.Delete(reviewRef)
	})
	if err != nil {
		return wrapProductError("reviews.delete", err)
	}
	return nil
}

// ListByProduct pages a product's reviews newest first.
func (r *ReviewRepository) ListByProduct(ctx context.Context, productID string, pager domain.Pagination) (domain.CursorPage[domain.Review], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.Review]{}, errors.New("review repository not initialised")
	}
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return domain.CursorPage[domain.Review]{}, errors.New("review list: product id is required")
	}

	pageSize := normalizePageSize(pager.PageSize)

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.Review]{}, pfirestore.WrapError("reviews.list", err)
	}

	query := client.Collection(reviewsCollection).Query.
		Where("productId", "==", productID).
		OrderBy("createdAt", firestore.Desc).
		OrderBy(firestore.DocumentID, firestore.Desc).
		Limit(pageSize + 1)

	if token, err := decodeListToken(pager.Cursor); err != nil {
		return domain.CursorPage[domain.Review]{}, pfirestore.WrapError("reviews.list", err)
	} else if token != nil {
		query = query.StartAfter(token.CreatedAt, token.ID)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var reviews []domain.Review
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.Review]{}, pfirestore.WrapError("reviews.list", err)
		}
		var doc reviewDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.Review]{}, fmt.Errorf("decode review %s: %w", snap.Ref.ID, err)
		}
		reviews = append(reviews, doc.toDomain(snap.Ref.ID))
	}

	page := domain.CursorPage[domain.Review]{Items: reviews}
	if len(reviews) > pageSize {
		page.Items = reviews[:pageSize]
		last := page.Items[len(page.Items)-1]
		cursor, err := encodeListToken(listToken{ID: last.ID, CreatedAt: last.CreatedAt})
		if err != nil {
			return domain.CursorPage[domain.Review]{}, pfirestore.WrapError("reviews.list", err)
		}
		page.NextCursor = cursor
	}
	return page, nil
}

func (r *ReviewRepository) getReview(ctx context.Context, tx *firestore.Transaction, reviewID string) (*firestore.DocumentRef, reviewDocument, error) {
	ref, err := r.reviews.DocumentRef(ctx, reviewID)
	if err != nil {
		return nil, reviewDocument{}, err
	}
	snap, err := tx.Get(ref)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, reviewDocument{}, pfirestore.NewNotFound("reviews.get", fmt.Errorf("review %s not found", reviewID))
		}
		return nil, reviewDocument{}, err
	}
	var doc reviewDocument
	if err := snap.DataTo(&doc); err != nil {
		return nil, reviewDocument{}, fmt.Errorf("decode review %s: %w", reviewID, err)
	}
	return ref, doc, nil
}

func (r *ReviewRepository) getProduct(ctx context.Context, tx *firestore.Transaction, productID string) (*firestore.DocumentRef, productDocument, error) {
	ref, err := r.products.DocumentRef(ctx, productID)
	if err != nil {
		return nil, productDocument{}, err
	}
	snap, err := tx.Get(ref)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, productDocument{}, repositories.NewProductError(repositories.ProductErrorNotFound, fmt.Sprintf("product %s not found", productID), err)
		}
		return nil, productDocument{}, err
	}
	var doc productDocument
	if err := snap.DataTo(&doc); err != nil {
		return nil, productDocument{}, fmt.Errorf("decode product %s: %w", productID, err)
	}
	return ref, doc, nil
}

// Helper structures ---------------------------------------------------------

type reviewDocument struct {
	ProductID string    `firestore:"productId"`
	UserID    string    `firestore:"userId"`
	Rating    int64     `firestore:"rating"`
	Comment   string    `firestore:"comment,omitempty"`
	CreatedAt time.Time `firestore:"createdAt"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

func newReviewDocument(review domain.Review) reviewDocument {
	return reviewDocument{
		ProductID: strings.TrimSpace(review.ProductID),
		UserID:    strings.TrimSpace(review.UserID),
		Rating:    review.Rating,
		Comment:   review.Comment,
		CreatedAt: review.CreatedAt.UTC(),
		UpdatedAt: review.UpdatedAt.UTC(),
	}
}

func (d reviewDocument) toDomain(id string) domain.Review {
	return domain.Review{
		ID:        id,
		ProductID: d.ProductID,
		UserID:    d.UserID,
		Rating:    d.Rating,
		Comment:   d.Comment,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}
