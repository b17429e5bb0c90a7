package billinghttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/eddinos2/hyperzenof-sub000/internal/audittrail"
	"github.com/eddinos2/hyperzenof-sub000/internal/billing"
	"github.com/eddinos2/hyperzenof-sub000/internal/directory"
	"github.com/eddinos2/hyperzenof-sub000/internal/shared"
)

type stubBillingService struct {
	submitFn      func(ctx context.Context, actor billing.Actor, input billing.SubmitInput) (billing.InvoiceDetail, error)
	getFn         func(ctx context.Context, actor billing.Actor, id uuid.UUID) (billing.InvoiceDetail, error)
	historyFn     func(ctx context.Context, actor billing.Actor, id uuid.UUID) ([]audittrail.Entry, error)
	readinessFn   func(ctx context.Context, actor billing.Actor, id uuid.UUID) (billing.Readiness, error)
	transitionFn  func(action string, actor billing.Actor, id uuid.UUID, opts billing.TransitionOptions) (billing.TransitionResult, error)
	bulkFn        func(ctx context.Context, id uuid.UUID, actor billing.Actor, opts billing.TransitionOptions) (billing.BulkResult, error)
	transitionLog []string
}

func (s *stubBillingService) SubmitInvoice(ctx context.Context, actor billing.Actor, input billing.SubmitInput) (billing.InvoiceDetail, error) {
	return s.submitFn(ctx, actor, input)
}

func (s *stubBillingService) GetInvoice(ctx context.Context, actor billing.Actor, id uuid.UUID) (billing.InvoiceDetail, error) {
	return s.getFn(ctx, actor, id)
}

func (s *stubBillingService) History(ctx context.Context, actor billing.Actor, id uuid.UUID) ([]audittrail.Entry, error) {
	return s.historyFn(ctx, actor, id)
}

func (s *stubBillingService) Readiness(ctx context.Context, actor billing.Actor, id uuid.UUID) (billing.Readiness, error) {
	return s.readinessFn(ctx, actor, id)
}

func (s *stubBillingService) call(action string, actor billing.Actor, id uuid.UUID, opts billing.TransitionOptions) (billing.TransitionResult, error) {
	s.transitionLog = append(s.transitionLog, action)
	return s.transitionFn(action, actor, id, opts)
}

func (s *stubBillingService) PrevalidateLine(_ context.Context, actor billing.Actor, id uuid.UUID, opts billing.TransitionOptions) (billing.TransitionResult, error) {
	return s.call("prevalidate_line", actor, id, opts)
}

func (s *stubBillingService) ValidateLine(_ context.Context, actor billing.Actor, id uuid.UUID, opts billing.TransitionOptions) (billing.TransitionResult, error) {
	return s.call("validate_line", actor, id, opts)
}

func (s *stubBillingService) RejectLine(_ context.Context, actor billing.Actor, id uuid.UUID, opts billing.TransitionOptions) (billing.TransitionResult, error) {
	return s.call("reject_line", actor, id, opts)
}

func (s *stubBillingService) BulkPrevalidateInvoiceLines(ctx context.Context, id uuid.UUID, actor billing.Actor, opts billing.TransitionOptions) (billing.BulkResult, error) {
	return s.bulkFn(ctx, id, actor, opts)
}

func (s *stubBillingService) ValidateInvoice(_ context.Context, actor billing.Actor, id uuid.UUID, opts billing.TransitionOptions) (billing.TransitionResult, error) {
	return s.call("validate_invoice", actor, id, opts)
}

func (s *stubBillingService) RejectInvoice(_ context.Context, actor billing.Actor, id uuid.UUID, opts billing.TransitionOptions) (billing.TransitionResult, error) {
	return s.call("reject_invoice", actor, id, opts)
}

func (s *stubBillingService) MarkPaid(_ context.Context, actor billing.Actor, id uuid.UUID, opts billing.TransitionOptions) (billing.TransitionResult, error) {
	return s.call("mark_paid", actor, id, opts)
}

type stubKeys struct {
	seen    map[string]bool
	deleted []string
}

func (s *stubKeys) CheckAndInsert(_ context.Context, key, module string) error {
	if s.seen[module+key] {
		return shared.ErrIdempotencyConflict
	}
	s.seen[module+key] = true
	return nil
}

func (s *stubKeys) Delete(_ context.Context, key, module string) error {
	delete(s.seen, module+key)
	s.deleted = append(s.deleted, key)
	return nil
}

var (
	campusA  = uuid.MustParse("00000000-0000-0000-0000-00000000000a")
	director = billing.Actor{ID: uuid.MustParse("00000000-0000-0000-0000-0000000000d1"), Role: billing.RoleDirecteurCampus, CampusID: campusA}
	teacher  = billing.Actor{ID: uuid.MustParse("00000000-0000-0000-0000-0000000000e1"), Role: billing.RoleEnseignant}
)

func newTestRouter(svc billingService, keys idempotencyStore, actor *billing.Actor) http.Handler {
	r := chi.NewRouter()
	if actor != nil {
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				next.ServeHTTP(w, req.WithContext(directory.ContextWithActor(req.Context(), *actor)))
			})
		})
	}
	NewHandler(nil, svc, keys).MountRoutes(r)
	return r
}

func do(t *testing.T, h http.Handler, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	return out
}

func sampleResult(changed bool) billing.TransitionResult {
	invoice := billing.Invoice{ID: uuid.New(), Status: billing.InvoiceStatusPending, TotalHT: decimal.RequireFromString("90"), TotalTTC: decimal.RequireFromString("108")}
	line := billing.InvoiceLine{ID: uuid.New(), InvoiceID: invoice.ID, CampusID: campusA, Status: billing.LineStatusPrevalidated,
		Hours: decimal.NewFromInt(2), UnitPrice: decimal.NewFromInt(45), Date: time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)}
	res := billing.TransitionResult{Changed: changed, Invoice: invoice, Line: &line}
	if changed {
		res.Entry = &audittrail.Entry{ID: uuid.New(), InvoiceID: invoice.ID, LineID: &line.ID, Seq: 1, ActorID: director.ID,
			ActorRole: string(director.Role), Action: audittrail.ActionPrevalidateLine, PreviousStatus: "pending", NewStatus: "prevalidated"}
	}
	return res
}

func TestPrevalidateLinePassesActorAndComment(t *testing.T) {
	lineID := uuid.New()
	svc := &stubBillingService{
		transitionFn: func(action string, actor billing.Actor, id uuid.UUID, opts billing.TransitionOptions) (billing.TransitionResult, error) {
			require.Equal(t, director, actor)
			require.Equal(t, lineID, id)
			require.Equal(t, "looks fine", opts.Comment)
			return sampleResult(true), nil
		},
	}
	rr := do(t, newTestRouter(svc, nil, &director), http.MethodPost, "/lines/"+lineID.String()+"/prevalidate", `{"comment":"  looks fine "}`)

	require.Equal(t, http.StatusOK, rr.Code)
	body := decode(t, rr)
	require.Equal(t, true, body["changed"])
	require.Equal(t, "prevalidated", body["line"].(map[string]any)["validation_status"])
	require.Equal(t, "90.00", body["line"].(map[string]any)["amount"])
	require.Equal(t, "prevalidate_line", body["entry"].(map[string]any)["action"])
	require.Equal(t, []string{"prevalidate_line"}, svc.transitionLog)
}

func TestTransitionWithoutBody(t *testing.T) {
	svc := &stubBillingService{
		transitionFn: func(action string, _ billing.Actor, _ uuid.UUID, opts billing.TransitionOptions) (billing.TransitionResult, error) {
			require.Empty(t, opts.Comment)
			return sampleResult(true), nil
		},
	}
	rr := do(t, newTestRouter(svc, nil, &director), http.MethodPost, "/invoices/"+uuid.NewString()+"/validate", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, []string{"validate_invoice"}, svc.transitionLog)
}

func TestNoopRespondsUnchanged(t *testing.T) {
	svc := &stubBillingService{
		transitionFn: func(string, billing.Actor, uuid.UUID, billing.TransitionOptions) (billing.TransitionResult, error) {
			return sampleResult(false), billing.ErrAlreadyInTargetState
		},
	}
	rr := do(t, newTestRouter(svc, nil, &director), http.MethodPost, "/lines/"+uuid.NewString()+"/prevalidate", "")
	require.Equal(t, http.StatusOK, rr.Code)
	body := decode(t, rr)
	require.Equal(t, false, body["changed"])
	require.NotContains(t, body, "entry")
}

func TestErrorMapping(t *testing.T) {
	blocking := uuid.New()
	cases := []struct {
		name   string
		err    error
		status int
		check  func(t *testing.T, body map[string]any)
	}{
		{
			name:   "unauthorized carries reason",
			err:    &billing.UnauthorizedError{Action: audittrail.ActionRejectLine, Role: billing.RoleDirecteurCampus, Reason: billing.ReasonCampusMismatch},
			status: http.StatusForbidden,
			check: func(t *testing.T, body map[string]any) {
				require.Equal(t, "CAMPUS_MISMATCH", body["reason"])
			},
		},
		{
			name:   "not found",
			err:    billing.ErrNotFound,
			status: http.StatusNotFound,
		},
		{
			name:   "invalid transition lists blocking lines",
			err:    &billing.InvalidTransitionError{Action: audittrail.ActionValidateInvoice, From: "prevalidated", BlockingLines: []uuid.UUID{blocking}},
			status: http.StatusConflict,
			check: func(t *testing.T, body map[string]any) {
				require.Equal(t, []any{blocking.String()}, body["blocking_lines"])
			},
		},
		{
			name:   "invalid input",
			err:    billing.ErrInvalidInput,
			status: http.StatusUnprocessableEntity,
		},
		{
			name:   "unexpected",
			err:    errors.New("disk on fire"),
			status: http.StatusInternalServerError,
			check: func(t *testing.T, body map[string]any) {
				require.NotContains(t, body, "detail")
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := &stubBillingService{
				transitionFn: func(string, billing.Actor, uuid.UUID, billing.TransitionOptions) (billing.TransitionResult, error) {
					return billing.TransitionResult{}, tc.err
				},
			}
			rr := do(t, newTestRouter(svc, nil, &director), http.MethodPost, "/lines/"+uuid.NewString()+"/reject", `{"comment":"no"}`)
			require.Equal(t, tc.status, rr.Code)
			require.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
			if tc.check != nil {
				tc.check(t, decode(t, rr))
			}
		})
	}
}

func TestConflictIsRetriedOnce(t *testing.T) {
	attempts := 0
	svc := &stubBillingService{
		transitionFn: func(string, billing.Actor, uuid.UUID, billing.TransitionOptions) (billing.TransitionResult, error) {
			attempts++
			if attempts == 1 {
				return billing.TransitionResult{}, billing.ErrPersistenceConflict
			}
			return sampleResult(true), nil
		},
	}
	rr := do(t, newTestRouter(svc, nil, &director), http.MethodPost, "/lines/"+uuid.NewString()+"/prevalidate", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, 2, attempts)

	attempts = 0
	svc.transitionFn = func(string, billing.Actor, uuid.UUID, billing.TransitionOptions) (billing.TransitionResult, error) {
		attempts++
		return billing.TransitionResult{}, billing.ErrPersistenceConflict
	}
	rr = do(t, newTestRouter(svc, nil, &director), http.MethodPost, "/lines/"+uuid.NewString()+"/prevalidate", "")
	require.Equal(t, http.StatusConflict, rr.Code)
	require.Equal(t, true, decode(t, rr)["retryable"])
	require.Equal(t, 2, attempts)
}

func TestCommentTooLongIsRejected(t *testing.T) {
	svc := &stubBillingService{}
	body := `{"comment":"` + strings.Repeat("x", 2001) + `"}`
	rr := do(t, newTestRouter(svc, nil, &director), http.MethodPost, "/lines/"+uuid.NewString()+"/reject", body)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	require.Empty(t, svc.transitionLog)
}

func TestMissingActorAndBadID(t *testing.T) {
	svc := &stubBillingService{}
	rr := do(t, newTestRouter(svc, nil, nil), http.MethodGet, "/invoices/"+uuid.NewString(), "")
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = do(t, newTestRouter(svc, nil, &director), http.MethodGet, "/invoices/not-a-uuid", "")
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestBulkPrevalidateReturnsCounts(t *testing.T) {
	invoiceID := uuid.New()
	svc := &stubBillingService{
		bulkFn: func(_ context.Context, id uuid.UUID, actor billing.Actor, _ billing.TransitionOptions) (billing.BulkResult, error) {
			require.Equal(t, invoiceID, id)
			require.Equal(t, director, actor)
			return billing.BulkResult{Success: true, LinesProcessed: 3, LinesTotal: 3}, nil
		},
	}
	rr := do(t, newTestRouter(svc, nil, &director), http.MethodPost, "/invoices/"+invoiceID.String()+"/prevalidate-lines", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"success":true,"linesProcessed":3,"linesTotal":3}`, rr.Body.String())
}

func TestBulkPrevalidateFailureEmbedsResult(t *testing.T) {
	svc := &stubBillingService{
		bulkFn: func(context.Context, uuid.UUID, billing.Actor, billing.TransitionOptions) (billing.BulkResult, error) {
			err := errors.Join(billing.ErrInvalidTransition, billing.ErrNoCampusLines)
			return billing.BulkResult{Success: false, Error: err.Error()}, err
		},
	}
	rr := do(t, newTestRouter(svc, nil, &director), http.MethodPost, "/invoices/"+uuid.NewString()+"/prevalidate-lines", "")
	require.Equal(t, http.StatusConflict, rr.Code)
	result := decode(t, rr)["result"].(map[string]any)
	require.Equal(t, false, result["success"])
	require.NotEmpty(t, result["error"])
}

const submitBody = `{
	"campus_id": "00000000-0000-0000-0000-00000000000a",
	"month": 3,
	"year": 2025,
	"lines": [{
		"campus_id": "00000000-0000-0000-0000-00000000000a",
		"date": "2025-03-03",
		"start_time": "09:00",
		"end_time": "11:00",
		"hours": "2",
		"unit_price": 45,
		"course_title": "Algorithms"
	}]
}`

func TestSubmitInvoiceCreatesAndHonoursIdempotencyKey(t *testing.T) {
	calls := 0
	svc := &stubBillingService{
		submitFn: func(_ context.Context, actor billing.Actor, input billing.SubmitInput) (billing.InvoiceDetail, error) {
			calls++
			require.Equal(t, teacher, actor)
			require.Len(t, input.Lines, 1)
			require.True(t, input.Lines[0].Hours.Equal(decimal.NewFromInt(2)))
			require.Equal(t, time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC), input.Lines[0].Date)
			invoice := billing.Invoice{ID: uuid.New(), TeacherID: actor.ID, Status: billing.InvoiceStatusPending,
				TotalHT: decimal.NewFromInt(90), TotalTTC: decimal.NewFromInt(90)}
			return billing.InvoiceDetail{Invoice: invoice}, nil
		},
	}
	keys := &stubKeys{seen: map[string]bool{}}
	router := newTestRouter(svc, keys, &teacher)

	rr := do(t, router, http.MethodPost, "/invoices", submitBody, "Idempotency-Key", "abc")
	require.Equal(t, http.StatusCreated, rr.Code)
	require.True(t, strings.HasPrefix(rr.Header().Get("Location"), "/api/v1/invoices/"))
	require.Equal(t, "90.00", decode(t, rr)["invoice"].(map[string]any)["total_ht"])

	rr = do(t, router, http.MethodPost, "/invoices", submitBody, "Idempotency-Key", "abc")
	require.Equal(t, http.StatusConflict, rr.Code)
	require.Equal(t, 1, calls)
}

func TestSubmitInvoiceKeysAreScopedPerActor(t *testing.T) {
	svc := &stubBillingService{
		submitFn: func(_ context.Context, actor billing.Actor, _ billing.SubmitInput) (billing.InvoiceDetail, error) {
			return billing.InvoiceDetail{Invoice: billing.Invoice{ID: uuid.New(), TeacherID: actor.ID, Status: billing.InvoiceStatusPending}}, nil
		},
	}
	keys := &stubKeys{seen: map[string]bool{}}
	other := billing.Actor{ID: uuid.MustParse("00000000-0000-0000-0000-0000000000e2"), Role: billing.RoleEnseignant}

	rr := do(t, newTestRouter(svc, keys, &teacher), http.MethodPost, "/invoices", submitBody, "Idempotency-Key", "march")
	require.Equal(t, http.StatusCreated, rr.Code)
	rr = do(t, newTestRouter(svc, keys, &other), http.MethodPost, "/invoices", submitBody, "Idempotency-Key", "march")
	require.Equal(t, http.StatusCreated, rr.Code)
	require.True(t, keys.seen[submitIdempotencyModule+teacher.ID.String()+":march"])
	require.True(t, keys.seen[submitIdempotencyModule+other.ID.String()+":march"])
}

func TestSubmitInvoiceReleasesKeyOnFailure(t *testing.T) {
	svc := &stubBillingService{
		submitFn: func(context.Context, billing.Actor, billing.SubmitInput) (billing.InvoiceDetail, error) {
			return billing.InvoiceDetail{}, billing.ErrInvalidInput
		},
	}
	keys := &stubKeys{seen: map[string]bool{}}
	rr := do(t, newTestRouter(svc, keys, &teacher), http.MethodPost, "/invoices", submitBody, "Idempotency-Key", "k-9")
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	require.Equal(t, []string{teacher.ID.String() + ":k-9"}, keys.deleted)
	require.Empty(t, keys.seen)
}

func TestSubmitInvoiceValidatesBody(t *testing.T) {
	svc := &stubBillingService{}
	bad := strings.Replace(submitBody, `"start_time": "09:00"`, `"start_time": "9h"`, 1)
	rr := do(t, newTestRouter(svc, nil, &teacher), http.MethodPost, "/invoices", bad)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
	fields := decode(t, rr)["fields"].(map[string]any)
	require.Equal(t, "datetime", fields["submitRequest.Lines[0].StartTime"])

	rr = do(t, newTestRouter(svc, nil, &teacher), http.MethodPost, "/invoices", `{"unknown":1}`)
	require.Equal(t, http.StatusUnprocessableEntity, rr.Code)
}

func TestReadOperations(t *testing.T) {
	invoiceID := uuid.New()
	svc := &stubBillingService{
		getFn: func(_ context.Context, _ billing.Actor, id uuid.UUID) (billing.InvoiceDetail, error) {
			return billing.InvoiceDetail{Invoice: billing.Invoice{ID: id, Status: billing.InvoiceStatusPrevalidated}}, nil
		},
		historyFn: func(context.Context, billing.Actor, uuid.UUID) ([]audittrail.Entry, error) {
			return []audittrail.Entry{
				{Seq: 1, Action: audittrail.ActionSubmit, NewStatus: "pending"},
				{Seq: 2, Action: audittrail.ActionBulkPrevalidate, PreviousStatus: "pending", NewStatus: "prevalidated"},
			}, nil
		},
		readinessFn: func(_ context.Context, _ billing.Actor, id uuid.UUID) (billing.Readiness, error) {
			return billing.Readiness{InvoiceID: id, Status: billing.InvoiceStatusPrevalidated, ReadyForValidation: true, BlockingLines: []uuid.UUID{}}, nil
		},
	}
	router := newTestRouter(svc, nil, &director)
	base := "/invoices/" + invoiceID.String()

	rr := do(t, router, http.MethodGet, base, "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "prevalidated", decode(t, rr)["invoice"].(map[string]any)["status"])

	rr = do(t, router, http.MethodGet, base+"/history", "")
	require.Equal(t, http.StatusOK, rr.Code)
	entries := decode(t, rr)["entries"].([]any)
	require.Len(t, entries, 2)
	require.Equal(t, "bulk_prevalidate", entries[1].(map[string]any)["action"])

	rr = do(t, router, http.MethodGet, base+"/readiness", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, true, decode(t, rr)["ready_for_validation"])
}
