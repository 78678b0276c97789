package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ecomcore/api/internal/platform/auth"
	"github.com/ecomcore/api/internal/platform/httpx"
	"github.com/ecomcore/api/internal/services"
)

const maxReviewBodySize = 16 * 1024

// ReviewHandlers exposes authenticated review write endpoints.
type ReviewHandlers struct {
	authn   *auth.Authenticator
	reviews services.ReviewService
}

func NewReviewHandlers(authn *auth.Authenticator, reviews services.ReviewService) *ReviewHandlers {
	return &ReviewHandlers{authn: authn, reviews: reviews}
}

// Routes wires the /reviews endpoints onto the provided router.
func (h *ReviewHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireAuth())
	}
	r.Post("/", h.createReview)
	r.Patch("/{reviewID}", h.updateReview)
	r.Delete("/{reviewID}", h.deleteReview)
}

func (h *ReviewHandlers) createReview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(ctx, w)
	if !ok {
		return
	}

	body, err := readLimitedBody(r, maxReviewBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req createReviewRequest
	if err := decodeJSONBody(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	review, err := h.reviews.Create(ctx, services.CreateReviewCommand{
		ProductID: strings.TrimSpace(req.ProductID),
		UserID:    identity.UID,
		Rating:    req.Rating,
		Comment:   req.Comment,
	})
	if err != nil {
		writeReviewError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, reviewResponse{Review: buildReviewPayload(review)})
}

func (h *ReviewHandlers) updateReview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(ctx, w)
	if !ok {
		return
	}

	body, err := readLimitedBody(r, maxReviewBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req updateReviewRequest
	if err := decodeJSONBody(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	if req.Rating == nil && req.Comment == nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "at least one of rating or comment is required", http.StatusBadRequest))
		return
	}

	review, err := h.reviews.Update(ctx, services.UpdateReviewCommand{
		ReviewID:    strings.TrimSpace(chi.URLParam(r, "reviewID")),
		RequestedBy: identity.UID,
		Rating:      req.Rating,
		Comment:     req.Comment,
	})
	if err != nil {
		writeReviewError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, reviewResponse{Review: buildReviewPayload(review)})
}

func (h *ReviewHandlers) deleteReview(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, ok := h.requireIdentity(ctx, w)
	if !ok {
		return
	}

	err := h.reviews.Delete(ctx, services.DeleteReviewCommand{
		ReviewID:    strings.TrimSpace(chi.URLParam(r, "reviewID")),
		RequestedBy: identity.UID,
		Admin:       identity.IsAdmin(),
	})
	if err != nil {
		writeReviewError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ReviewHandlers) requireIdentity(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	if h.reviews == nil {
		httpx.WriteError(ctx, w, httpx.NewError("review_service_unavailable", "review service is unavailable", http.StatusServiceUnavailable))
		return nil, false
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

func writeReviewError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrReviewInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrReviewNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("review_not_found", "review not found", http.StatusNotFound))
	case errors.Is(err, services.ErrReviewProductNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("product_not_found", "product not found", http.StatusNotFound))
	case errors.Is(err, services.ErrReviewConflict):
		httpx.WriteError(ctx, w, httpx.NewError("review_conflict", "a review for this product already exists", http.StatusConflict))
	case errors.Is(err, services.ErrReviewUnauthorized):
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "review belongs to another user", http.StatusForbidden))
	case errors.Is(err, services.ErrReviewUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("review_service_unavailable", "review service is unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("review_error", "review operation failed", http.StatusInternalServerError))
	}
}

type createReviewRequest struct {
	ProductID string `json:"product_id"`
	Rating    int64  `json:"rating"`
	Comment   string `json:"comment,omitempty"`
}

type updateReviewRequest struct {
	Rating  *int64  `json:"rating,omitempty"`
	Comment *string `json:"comment,omitempty"`
}

type reviewResponse struct {
	Review reviewPayload `json:"review"`
}

type reviewListResponse struct {
	Reviews       []reviewPayload `json:"reviews"`
	NextPageToken string          `json:"next_page_token,omitempty"`
}

type reviewPayload struct {
	ID        string `json:"id"`
	ProductID string `json:"product_id"`
	UserID    string `json:"user_id"`
	Rating    int64  `json:"rating"`
	Comment   string `json:"comment,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
}

func buildReviewPayload(review services.Review) reviewPayload {
	return reviewPayload{
		ID:        review.ID,
		ProductID: review.ProductID,
		UserID:    review.UserID,
		Rating:    review.Rating,
		Comment:   review.Comment,
		CreatedAt: formatTime(review.CreatedAt),
		UpdatedAt: formatTime(review.UpdatedAt),
	}
}
