package ledger

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

func newTestRouter(repo *memoryLedgerRepo, oracle *stubOracle) http.Handler {
	svc := newTestService(repo, &stubOrigination{
		disbursed: map[ScopeKind]Disbursement{ScopeBranch: {Amount: 50000, Loans: 12}},
	}, oracle, nil)
	h := NewHandler(slog.New(slog.DiscardHandler), svc)
	r := chi.NewRouter()
	r.Route("/portfolio", h.MountRoutes)
	return r
}

func TestHandlerWriteSnapshot(t *testing.T) {
	repo := newMemoryLedgerRepo()
	oracle := &stubOracle{states: map[int64]LoanState{1: okState(StatusPrincipalOverdue)}}
	router := newTestRouter(repo, oracle)

	req := httptest.NewRequest(http.MethodPost, "/portfolio/loans/1/history", strings.NewReader(`{"date":"2026-02-10"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var snap Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Equal(t, int64(1), snap.LoanID)
	require.True(t, snap.Current)
	require.Len(t, repo.rows, 1)
}

func TestHandlerWriteSnapshotBadDate(t *testing.T) {
	router := newTestRouter(newMemoryLedgerRepo(), nil)

	req := httptest.NewRequest(http.MethodPost, "/portfolio/loans/1/history", strings.NewReader(`{"date":"10/02/2026"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerWriteSnapshotValidation(t *testing.T) {
	missing := okState(StatusOutstanding)
	missing.ScheduledOutstandingTotal = nil
	oracle := &stubOracle{states: map[int64]LoanState{1: missing}}
	router := newTestRouter(newMemoryLedgerRepo(), oracle)

	req := httptest.NewRequest(http.MethodPost, "/portfolio/loans/1/history", strings.NewReader(`{"date":"2026-02-10"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Contains(t, rec.Body.String(), "ScheduledOutstandingTotal")
}

func TestHandlerScopeValidation(t *testing.T) {
	router := newTestRouter(newMemoryLedgerRepo(), nil)

	for _, url := range []string{
		"/portfolio/totals?scope=region&id=1",
		"/portfolio/totals?scope=branch&id=0",
		"/portfolio/defaulted-info?scope=branch",
		"/portfolio/disbursed?scope=&id=2",
	} {
		req := httptest.NewRequest(http.MethodGet, url, nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		require.Equal(t, http.StatusBadRequest, rec.Code, url)
	}
}

func TestHandlerDefaulters(t *testing.T) {
	repo := newMemoryLedgerRepo()
	router := newTestRouter(repo, nil)
	seed(t, repo,
		mismatched(101, d("2026-03-07")),
		mismatched(102, d("2026-03-01")),
	)

	req := httptest.NewRequest(http.MethodGet, "/portfolio/defaulters?within_days=4&as_of=2026-03-10", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Loans []DefaultedLoan `json:"loans"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, []DefaultedLoan{{LoanID: 101, DaysElapsed: 3}}, body.Loans)
}

func TestHandlerRangeValidation(t *testing.T) {
	router := newTestRouter(newMemoryLedgerRepo(), nil)

	req := httptest.NewRequest(http.MethodGet, "/portfolio/outstanding/by-group?from=2026-03-07&to=2026-03-01", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlerDisbursed(t *testing.T) {
	router := newTestRouter(newMemoryLedgerRepo(), nil)

	req := httptest.NewRequest(http.MethodGet, "/portfolio/disbursed?scope=branch&id=2&from=2026-01-01&to=2026-03-01", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var got Disbursement
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, Disbursement{Amount: 50000, Loans: 12}, got)
}
