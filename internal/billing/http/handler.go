// Package billinghttp exposes the invoice validation workflow as a JSON API.
package billinghttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/eddinos2/hyperzenof-sub000/internal/audittrail"
	"github.com/eddinos2/hyperzenof-sub000/internal/billing"
	"github.com/eddinos2/hyperzenof-sub000/internal/directory"
	"github.com/eddinos2/hyperzenof-sub000/internal/platform/httpx"
)

const submitIdempotencyModule = "billing.submit"

type billingService interface {
	SubmitInvoice(ctx context.Context, actor billing.Actor, input billing.SubmitInput) (billing.InvoiceDetail, error)
	GetInvoice(ctx context.Context, actor billing.Actor, invoiceID uuid.UUID) (billing.InvoiceDetail, error)
	History(ctx context.Context, actor billing.Actor, invoiceID uuid.UUID) ([]audittrail.Entry, error)
	Readiness(ctx context.Context, actor billing.Actor, invoiceID uuid.UUID) (billing.Readiness, error)
	PrevalidateLine(ctx context.Context, actor billing.Actor, lineID uuid.UUID, opts billing.TransitionOptions) (billing.TransitionResult, error)
	ValidateLine(ctx context.Context, actor billing.Actor, lineID uuid.UUID, opts billing.TransitionOptions) (billing.TransitionResult, error)
	RejectLine(ctx context.Context, actor billing.Actor, lineID uuid.UUID, opts billing.TransitionOptions) (billing.TransitionResult, error)
	BulkPrevalidateInvoiceLines(ctx context.Context, invoiceID uuid.UUID, actor billing.Actor, opts billing.TransitionOptions) (billing.BulkResult, error)
	ValidateInvoice(ctx context.Context, actor billing.Actor, invoiceID uuid.UUID, opts billing.TransitionOptions) (billing.TransitionResult, error)
	RejectInvoice(ctx context.Context, actor billing.Actor, invoiceID uuid.UUID, opts billing.TransitionOptions) (billing.TransitionResult, error)
	MarkPaid(ctx context.Context, actor billing.Actor, invoiceID uuid.UUID, opts billing.TransitionOptions) (billing.TransitionResult, error)
}

type idempotencyStore interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key, module string) error
}

type transitionFunc func(ctx context.Context, actor billing.Actor, id uuid.UUID, opts billing.TransitionOptions) (billing.TransitionResult, error)

// Handler serves the billing endpoints. It expects the actor middleware upstream.
type Handler struct {
	logger      *slog.Logger
	service     billingService
	idempotency idempotencyStore
	validate    *validator.Validate
}

// NewHandler constructs a billing HTTP handler. idempotency may be nil.
func NewHandler(logger *slog.Logger, service billingService, idempotency idempotencyStore) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:      logger,
		service:     service,
		idempotency: idempotency,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

// MountRoutes registers HTTP routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/invoices", func(r chi.Router) {
		r.Post("/", h.submitInvoice)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.getInvoice)
			r.Get("/history", h.history)
			r.Get("/readiness", h.readiness)
			r.Post("/prevalidate-lines", h.bulkPrevalidate)
			r.Post("/validate", h.transition(h.service.ValidateInvoice))
			r.Post("/reject", h.transition(h.service.RejectInvoice))
			r.Post("/mark-paid", h.transition(h.service.MarkPaid))
		})
	})
	r.Route("/lines/{id}", func(r chi.Router) {
		r.Post("/prevalidate", h.transition(h.service.PrevalidateLine))
		r.Post("/validate", h.transition(h.service.ValidateLine))
		r.Post("/reject", h.transition(h.service.RejectLine))
	})
}

func (h *Handler) submitInvoice(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}
	var req submitRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeValidation(w, err)
		return
	}
	input, err := req.toInput()
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return
	}

	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key != "" {
		// Keys are scoped per submitter.
		key = actor.ID.String() + ":" + key
	}
	if key != "" && h.idempotency != nil {
		if err := h.idempotency.CheckAndInsert(r.Context(), key, submitIdempotencyModule); err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	detail, err := h.service.SubmitInvoice(r.Context(), actor, input)
	if err != nil {
		if key != "" && h.idempotency != nil {
			if delErr := h.idempotency.Delete(context.WithoutCancel(r.Context()), key, submitIdempotencyModule); delErr != nil {
				h.logger.Warn("release idempotency key", slog.String("key", key), slog.Any("error", delErr))
			}
		}
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/invoices/"+detail.Invoice.ID.String())
	httpx.JSON(w, http.StatusCreated, toDetailResponse(detail))
}

func (h *Handler) getInvoice(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.actorAndID(w, r)
	if !ok {
		return
	}
	detail, err := h.service.GetInvoice(r.Context(), actor, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toDetailResponse(detail))
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.actorAndID(w, r)
	if !ok {
		return
	}
	entries, err := h.service.History(r.Context(), actor, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	out := make([]entryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, toEntryResponse(e))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"entries": out})
}

func (h *Handler) readiness(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.actorAndID(w, r)
	if !ok {
		return
	}
	readiness, err := h.service.Readiness(r.Context(), actor, id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, readiness)
}

func (h *Handler) bulkPrevalidate(w http.ResponseWriter, r *http.Request) {
	actor, id, ok := h.actorAndID(w, r)
	if !ok {
		return
	}
	opts, ok := h.options(w, r)
	if !ok {
		return
	}
	result, err := retryOnConflict(func() (billing.BulkResult, error) {
		return h.service.BulkPrevalidateInvoiceLines(r.Context(), id, actor, opts)
	})
	if err != nil {
		problem := problemFor(err)
		problem.Extensions["result"] = result
		h.logFailure(r, problem.Status, err)
		httpx.WriteProblem(w, problem)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) transition(fn transitionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, id, ok := h.actorAndID(w, r)
		if !ok {
			return
		}
		opts, ok := h.options(w, r)
		if !ok {
			return
		}
		result, err := retryOnConflict(func() (billing.TransitionResult, error) {
			return fn(r.Context(), actor, id, opts)
		})
		if err != nil && !billing.IsNoop(err) {
			h.writeError(w, r, err)
			return
		}
		httpx.JSON(w, http.StatusOK, toTransitionResponse(result))
	}
}

func (h *Handler) options(w http.ResponseWriter, r *http.Request) (billing.TransitionOptions, bool) {
	var req commentRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := httpx.DecodeJSON(r, &req); err != nil && !errors.Is(err, io.EOF) {
			httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
			return billing.TransitionOptions{}, false
		}
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeValidation(w, err)
		return billing.TransitionOptions{}, false
	}
	return billing.TransitionOptions{Comment: strings.TrimSpace(req.Comment)}, true
}

func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (billing.Actor, bool) {
	actor, ok := directory.ActorFromContext(r.Context())
	if !ok {
		httpx.RespondError(w, httpx.ErrUnauthorized)
		return billing.Actor{}, false
	}
	return actor, true
}

func (h *Handler) actorAndID(w http.ResponseWriter, r *http.Request) (billing.Actor, uuid.UUID, bool) {
	actor, ok := h.actor(w, r)
	if !ok {
		return billing.Actor{}, uuid.Nil, false
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: malformed id", httpx.ErrNotFound))
		return billing.Actor{}, uuid.Nil, false
	}
	return actor, id, true
}

// retryOnConflict runs fn a second time when the first attempt lost a compare-and-set race.
func retryOnConflict[T any](fn func() (T, error)) (T, error) {
	out, err := fn()
	if errors.Is(err, billing.ErrPersistenceConflict) {
		return fn()
	}
	return out, err
}
