package ledger

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lendfolio/lendfolio/internal/platform/httpx"
)

// Handler exposes the ledger entry points as JSON endpoints. It returns
// plain structured rows; formatting belongs to the callers.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers portfolio routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/loans/{loanID}/history", h.writeSnapshot)
	r.Get("/defaulters", h.defaultedLoans)
	r.Get("/branches/{branchID}/default-exposure", h.branchDefaultExposure)
	r.Get("/defaulted-info", h.defaultedInfo)
	r.Get("/outstanding/by-group", h.outstandingByGroup)
	r.Get("/outstanding/loans", h.outstandingForLoans)
	r.Get("/totals", h.scopeTotals)
	r.Get("/disbursed", h.amountDisbursed)
}

type writeSnapshotRequest struct {
	Date string `json:"date"`
}

func (h *Handler) writeSnapshot(w http.ResponseWriter, r *http.Request) {
	loanID, err := strconv.ParseInt(chi.URLParam(r, "loanID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid loan id")
		return
	}

	var req writeSnapshotRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid body")
		return
	}
	date, err := time.Parse("2006-01-02", req.Date)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "date must be YYYY-MM-DD")
		return
	}

	snap, err := h.service.Write(r.Context(), loanID, date)
	if err != nil {
		h.respondError(w, r, "write snapshot", err)
		return
	}
	httpx.JSON(w, http.StatusOK, snap)
}

func (h *Handler) defaultedLoans(w http.ResponseWriter, r *http.Request) {
	withinDays := 7
	if v := r.URL.Query().Get("within_days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			httpx.Problem(w, http.StatusBadRequest, "Bad Request", "within_days must be a positive integer")
			return
		}
		withinDays = n
	}
	asOf, ok := h.queryDate(w, r, "as_of", time.Now())
	if !ok {
		return
	}

	loans, err := h.service.DefaultedLoansWithin(r.Context(), withinDays, asOf)
	if err != nil {
		h.respondError(w, r, "defaulted loans", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"loans": loans})
}

func (h *Handler) branchDefaultExposure(w http.ResponseWriter, r *http.Request) {
	branchID, err := strconv.ParseInt(chi.URLParam(r, "branchID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid branch id")
		return
	}
	asOf, ok := h.queryDate(w, r, "as_of", time.Now())
	if !ok {
		return
	}

	exposure, err := h.service.BranchDefaultExposure(r.Context(), branchID, asOf)
	if err != nil {
		h.respondError(w, r, "branch default exposure", err)
		return
	}
	httpx.JSON(w, http.StatusOK, exposure)
}

func (h *Handler) defaultedInfo(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.queryScope(w, r)
	if !ok {
		return
	}
	asOf, ok := h.queryDate(w, r, "as_of", time.Now())
	if !ok {
		return
	}
	mode := ModeAggregate
	if v := r.URL.Query().Get("mode"); v == "listing" {
		mode = ModeListing
	}

	info, err := h.service.DefaultedInfo(r.Context(), scope, asOf, mode)
	if err != nil {
		h.respondError(w, r, "defaulted info", err)
		return
	}
	httpx.JSON(w, http.StatusOK, info)
}

func (h *Handler) outstandingByGroup(w http.ResponseWriter, r *http.Request) {
	from, to, ok := h.queryRange(w, r)
	if !ok {
		return
	}

	groups, err := h.service.OutstandingByGroup(r.Context(), from, to)
	if err != nil {
		h.respondError(w, r, "outstanding by group", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"groups": groups})
}

func (h *Handler) outstandingForLoans(w http.ResponseWriter, r *http.Request) {
	asOf, ok := h.queryDate(w, r, "as_of", time.Now())
	if !ok {
		return
	}
	var loanIDs []int64
	if raw := r.URL.Query().Get("ids"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
			if err != nil {
				httpx.Problem(w, http.StatusBadRequest, "Bad Request", "ids must be comma-separated integers")
				return
			}
			loanIDs = append(loanIDs, id)
		}
	}

	sums, err := h.service.OutstandingForLoans(r.Context(), asOf, loanIDs)
	if err != nil {
		h.respondError(w, r, "outstanding for loans", err)
		return
	}
	httpx.JSON(w, http.StatusOK, sums)
}

func (h *Handler) scopeTotals(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.queryScope(w, r)
	if !ok {
		return
	}
	from, to, ok := h.queryRange(w, r)
	if !ok {
		return
	}

	totals, err := h.service.ScopeTotals(r.Context(), scope, from, to)
	if err != nil {
		h.respondError(w, r, "scope totals", err)
		return
	}
	httpx.JSON(w, http.StatusOK, totals)
}

func (h *Handler) amountDisbursed(w http.ResponseWriter, r *http.Request) {
	scope, ok := h.queryScope(w, r)
	if !ok {
		return
	}
	from, to, ok := h.queryRange(w, r)
	if !ok {
		return
	}

	disbursed, err := h.service.AmountDisbursed(r.Context(), scope, from, to)
	if err != nil {
		h.respondError(w, r, "amount disbursed", err)
		return
	}
	httpx.JSON(w, http.StatusOK, disbursed)
}

func (h *Handler) queryScope(w http.ResponseWriter, r *http.Request) (Scope, bool) {
	var kind ScopeKind
	switch r.URL.Query().Get("scope") {
	case "branch":
		kind = ScopeBranch
	case "center":
		kind = ScopeCenter
	case "client_group":
		kind = ScopeClientGroup
	default:
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "scope must be branch, center or client_group")
		return Scope{}, false
	}
	id, err := strconv.ParseInt(r.URL.Query().Get("id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "id must be a positive integer")
		return Scope{}, false
	}
	return Scope{Kind: kind, ID: id}, true
}

func (h *Handler) queryDate(w http.ResponseWriter, r *http.Request, name string, fallback time.Time) (time.Time, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback, true
	}
	date, err := time.Parse("2006-01-02", v)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", name+" must be YYYY-MM-DD")
		return time.Time{}, false
	}
	return date, true
}

func (h *Handler) queryRange(w http.ResponseWriter, r *http.Request) (time.Time, time.Time, bool) {
	from, ok := h.queryDate(w, r, "from", time.Now().AddDate(0, 0, -7))
	if !ok {
		return time.Time{}, time.Time{}, false
	}
	to, ok := h.queryDate(w, r, "to", time.Now())
	if !ok {
		return time.Time{}, time.Time{}, false
	}
	if to.Before(from) {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "to must not precede from")
		return time.Time{}, time.Time{}, false
	}
	return from, to, true
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, httpx.ErrValidation), errors.Is(err, httpx.ErrNotFound):
		httpx.RespondError(w, err)
	case errors.Is(err, ErrUnknownScope):
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
	default:
		h.logger.Error(op, slog.Any("error", err), slog.String("path", r.URL.Path))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
