/*
handlers.go - HTTP API handlers for the finance ledger

PURPOSE:
  Exposes the ledger via REST API. Handles HTTP request/response and JSON
  serialization, and delegates to the lifecycle manager.

ENDPOINTS:
  Transactions:
    GET    /api/transactions           Page of the caller's transactions (?skip&limit&type)
    POST   /api/transactions           Create; applies effects
    GET    /api/transactions/{id}      Get one
    PUT    /api/transactions/{id}      Replace payload; re-applies effects
    DELETE /api/transactions/{id}      Delete; reverses effects

  Sources:
    GET    /api/sources                List the caller's sources
    POST   /api/sources                Create source
    GET    /api/sources/{id}           Get source with its audit trail

  Depts / Receivings:
    POST   /api/depts                  Create dept (money the caller owes)
    GET    /api/depts/{id}             Get dept
    POST   /api/receivings             Create receiving (money owed to the caller)
    GET    /api/receivings/{id}        Get receiving

  Audit:
    GET    /api/audit                  Reconcile the caller's derived state

IDENTITY:
  Every /api route requires the X-User-ID header (401 otherwise). Records
  owned by another user are reported as 404.

ERROR HANDLING:
  - 400: Validation errors, invalid input
  - 401: Missing X-User-ID
  - 404: Record not found for this user
  - 409: Duplicate ID, or version conflict that outlived the retries
  - 500: Anything else. Only the generic "could not be completed" message
         is returned; the cause is logged.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"github.com/warp/finance-engine/ledger"
)

const UserHeader = "X-User-ID"

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Manager *ledger.Manager
	Store   ledger.Store
	Auditor *ledger.Auditor
	Log     logrus.FieldLogger

	// Ping reports backend health for /healthz. Optional.
	Ping func(context.Context) error

	Now      func() time.Time
	validate *validator.Validate
}

func NewHandler(manager *ledger.Manager, store ledger.Store, auditor *ledger.Auditor, log logrus.FieldLogger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{
		Manager:  manager,
		Store:    store,
		Auditor:  auditor,
		Log:      log,
		Now:      time.Now,
		validate: newValidator(),
	}
}

type userKey struct{}

// RequireUser rejects requests without X-User-ID and stores the id in the context.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(UserHeader)
		if id == "" {
			writeError(w, http.StatusUnauthorized, "Missing "+UserHeader+" header", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, ledger.UserID(id))))
	})
}

func userFrom(r *http.Request) ledger.UserID {
	id, _ := r.Context().Value(userKey{}).(ledger.UserID)
	return id
}

// =============================================================================
// TRANSACTION ENDPOINTS
// =============================================================================

// ListTransactions returns one page, newest first.
// GET /api/transactions?skip=0&limit=20&type=expense
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	skip, err := intParam(q.Get("skip"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid skip", err)
		return
	}
	limit, err := intParam(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid limit", err)
		return
	}
	var typ *ledger.Type
	if raw := q.Get("type"); raw != "" {
		t := ledger.Type(raw)
		typ = &t
	}

	page, err := h.Manager.List(r.Context(), userFrom(r), skip, limit, typ)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionPageDTO(page))
}

// CreateTransaction records a transaction and applies its effects.
// POST /api/transactions
func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeTransaction(w, r)
	if !ok {
		return
	}

	tx, err := h.Manager.Create(r.Context(), userFrom(r), req.Payload())
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(*tx))
}

// GetTransaction returns a single transaction.
// GET /api/transactions/{id}
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id := ledger.TransactionID(chi.URLParam(r, "id"))

	tx, err := h.Manager.Get(r.Context(), userFrom(r), id)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(*tx))
}

// UpdateTransaction replaces a transaction's payload (the type may change).
// PUT /api/transactions/{id}
func (h *Handler) UpdateTransaction(w http.ResponseWriter, r *http.Request) {
	id := ledger.TransactionID(chi.URLParam(r, "id"))
	req, ok := h.decodeTransaction(w, r)
	if !ok {
		return
	}

	tx, err := h.Manager.Update(r.Context(), userFrom(r), id, req.Payload())
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTO(*tx))
}

// DeleteTransaction reverses a transaction's effects and removes it.
// DELETE /api/transactions/{id}
func (h *Handler) DeleteTransaction(w http.ResponseWriter, r *http.Request) {
	id := ledger.TransactionID(chi.URLParam(r, "id"))

	if err := h.Manager.Delete(r.Context(), userFrom(r), id); err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) decodeTransaction(w http.ResponseWriter, r *http.Request) (TransactionRequest, bool) {
	var req TransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return req, false
	}
	if err := h.validate.StructCtx(r.Context(), req); err != nil {
		writeError(w, http.StatusBadRequest, describeValidation(err), nil)
		return req, false
	}
	return req, true
}

// =============================================================================
// SOURCE ENDPOINTS
// =============================================================================

// ListSources returns the caller's sources.
// GET /api/sources
func (h *Handler) ListSources(w http.ResponseWriter, r *http.Request) {
	srcs, err := h.Store.ListSources(r.Context(), userFrom(r))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	dtos := make([]SourceDTO, 0, len(srcs))
	for _, s := range srcs {
		dtos = append(dtos, toSourceDTO(s))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateSource creates a source with an opening balance.
// POST /api/sources
func (h *Handler) CreateSource(w http.ResponseWriter, r *http.Request) {
	var req CreateSourceRequest
	if !h.decode(w, r, &req) {
		return
	}

	src := ledger.Source{
		ID:             ledger.SourceID(req.ID),
		UserID:         userFrom(r),
		Name:           req.Name,
		OpeningBalance: req.OpeningBalance.Decimal,
		Balance:        req.OpeningBalance.Decimal,
		CreatedAt:      h.Now().UTC(),
	}
	if src.ID == "" {
		src.ID = ledger.SourceID(ledger.NewID())
	}

	if err := h.Store.CreateSource(r.Context(), src); err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toSourceDTO(src))
}

// GetSource returns one source with its audit trail.
// GET /api/sources/{id}
func (h *Handler) GetSource(w http.ResponseWriter, r *http.Request) {
	src, err := h.Store.GetSource(r.Context(), ledger.SourceID(chi.URLParam(r, "id")))
	if err == nil && src.UserID != userFrom(r) {
		err = ledger.ErrSourceNotFound
	}
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSourceDTO(*src))
}

// =============================================================================
// DEPT / RECEIVING ENDPOINTS
// =============================================================================

// CreateDebt returns the POST handler for depts or receivings.
// POST /api/depts, POST /api/receivings
func (h *Handler) CreateDebt(kind ledger.DebtKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CreateDebtRequest
		if !h.decode(w, r, &req) {
			return
		}

		debt := ledger.Debt{
			ID:           ledger.DebtID(req.ID),
			Kind:         kind,
			UserID:       userFrom(r),
			Counterparty: req.Counterparty,
			Amount:       req.Amount.Decimal,
			Remaining:    req.Amount.Decimal,
			Status:       ledger.StatusPending,
			DueDate:      req.DueDate,
			Interest:     req.Interest.Decimal,
			CreatedAt:    h.Now().UTC(),
		}
		if debt.ID == "" {
			debt.ID = ledger.DebtID(ledger.NewID())
		}

		if err := h.Store.CreateDebt(r.Context(), debt); err != nil {
			h.writeLedgerError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, toDebtDTO(debt))
	}
}

// GetDebt returns the GET handler for one dept or receiving.
// GET /api/depts/{id}, GET /api/receivings/{id}
func (h *Handler) GetDebt(kind ledger.DebtKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		debt, err := h.Store.GetDebt(r.Context(), kind, ledger.DebtID(chi.URLParam(r, "id")))
		if err == nil && debt.UserID != userFrom(r) {
			err = ledger.ErrDebtNotFound
		}
		if err != nil {
			h.writeLedgerError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toDebtDTO(*debt))
	}
}

// =============================================================================
// AUDIT / HEALTH
// =============================================================================

// Audit recomputes the caller's balances and remainders and lists mismatches.
// GET /api/audit
func (h *Handler) Audit(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r)
	findings, err := h.Auditor.AuditUser(r.Context(), user)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	if findings == nil {
		findings = []ledger.Finding{}
	}
	writeJSON(w, http.StatusOK, AuditResponse{UserID: string(user), Findings: findings})
}

// Health reports whether the backend answers.
// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.Ping != nil {
		if err := h.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Store unavailable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.StructCtx(r.Context(), dst); err != nil {
		writeError(w, http.StatusBadRequest, describeValidation(err), nil)
		return false
	}
	return true
}

// writeLedgerError maps ledger errors to a status. Conflicts are checked
// before ErrIncomplete because an exhausted retry carries both.
func (h *Handler) writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case ledger.IsClientError(err):
		writeError(w, http.StatusBadRequest, err.Error(), nil)
	case ledger.IsNotFound(err):
		writeError(w, http.StatusNotFound, err.Error(), nil)
	case errors.Is(err, ledger.ErrAlreadyExists):
		writeError(w, http.StatusConflict, err.Error(), nil)
	case ledger.IsRetryable(err):
		writeError(w, http.StatusConflict, "Concurrent modification, retry the request", nil)
	default:
		log := h.Log.WithField("request_id", middleware.GetReqID(r.Context())).WithError(err)
		var opErr *ledger.OperationError
		if errors.As(err, &opErr) {
			log = log.WithField("cause", opErr.Cause())
		}
		log.Error("request failed")
		writeError(w, http.StatusInternalServerError, ledger.ErrIncomplete.Error(), nil)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}
