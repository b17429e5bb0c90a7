package billinghttp

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/eddinos2/hyperzenof-sub000/internal/billing"
	"github.com/eddinos2/hyperzenof-sub000/internal/platform/httpx"
	"github.com/eddinos2/hyperzenof-sub000/internal/shared"
)

func problemFor(err error) httpx.ProblemDetail {
	p := httpx.ProblemDetail{Extensions: map[string]any{}}
	var (
		unauthorized *billing.UnauthorizedError
		invalid      *billing.InvalidTransitionError
	)
	switch {
	case errors.As(err, &unauthorized):
		p.Status, p.Title, p.Detail = http.StatusForbidden, "Forbidden", err.Error()
		p.Extensions["reason"] = unauthorized.Reason
		p.Extensions["action"] = unauthorized.Action
	case errors.Is(err, billing.ErrUnauthorized):
		p.Status, p.Title, p.Detail = http.StatusForbidden, "Forbidden", err.Error()
	case errors.Is(err, billing.ErrNotFound):
		p.Status, p.Title, p.Detail = http.StatusNotFound, "Not Found", err.Error()
	case errors.As(err, &invalid):
		p.Status, p.Title, p.Detail = http.StatusConflict, "Invalid Transition", err.Error()
		p.Extensions["action"] = invalid.Action
		p.Extensions["from"] = invalid.From
		if len(invalid.BlockingLines) > 0 {
			p.Extensions["blocking_lines"] = invalid.BlockingLines
		}
	case errors.Is(err, billing.ErrInvalidTransition):
		p.Status, p.Title, p.Detail = http.StatusConflict, "Invalid Transition", err.Error()
	case errors.Is(err, billing.ErrPersistenceConflict):
		p.Status, p.Title, p.Detail = http.StatusConflict, "Conflict", err.Error()
		p.Extensions["retryable"] = true
	case errors.Is(err, shared.ErrIdempotencyConflict):
		p.Status, p.Title, p.Detail = http.StatusConflict, "Duplicate Request", err.Error()
	case errors.Is(err, billing.ErrInvalidInput):
		p.Status, p.Title, p.Detail = http.StatusUnprocessableEntity, "Validation Failed", err.Error()
	default:
		p.Status, p.Title = http.StatusInternalServerError, "Internal Error"
	}
	return p
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	p := problemFor(err)
	h.logFailure(r, p.Status, err)
	httpx.WriteProblem(w, p)
}

func (h *Handler) logFailure(r *http.Request, status int, err error) {
	level := slog.LevelInfo
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	h.logger.Log(r.Context(), level, "billing request failed",
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.Any("error", err))
}

func (h *Handler) writeValidation(w http.ResponseWriter, err error) {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		httpx.RespondError(w, httpx.ErrValidation)
		return
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		fields[fe.Namespace()] = fe.Tag()
	}
	httpx.WriteProblem(w, httpx.ProblemDetail{
		Title:      "Validation Failed",
		Status:     http.StatusUnprocessableEntity,
		Detail:     "request body failed validation",
		Extensions: map[string]any{"fields": fields},
	})
}
