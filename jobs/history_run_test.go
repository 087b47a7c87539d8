package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"github.com/lendfolio/lendfolio/internal/ledger"
)

type stubWriter struct {
	mu      sync.Mutex
	written map[int64]time.Time
	failIDs map[int64]error
}

func newStubWriter() *stubWriter {
	return &stubWriter{written: make(map[int64]time.Time), failIDs: make(map[int64]error)}
}

func (w *stubWriter) Write(ctx context.Context, loanID int64, date time.Time) (ledger.Snapshot, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err, ok := w.failIDs[loanID]; ok {
		return ledger.Snapshot{}, err
	}
	w.written[loanID] = date
	return ledger.Snapshot{LoanID: loanID, Date: date}, nil
}

type stubLoans struct {
	ids []int64
}

func (l *stubLoans) ActiveLoanIDs(ctx context.Context) ([]int64, error) {
	return l.ids, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func historyTask(t *testing.T, payload HistoryRunPayload) *asynq.Task {
	t.Helper()
	task, err := NewHistoryRunTask(payload)
	require.NoError(t, err)
	return task
}

func TestHistoryRunWritesAllLoans(t *testing.T) {
	writer := newStubWriter()
	loans := &stubLoans{ids: []int64{1, 2, 3, 4, 5}}
	job := NewHistoryRunJob(writer, loans, discardLogger(), 2)

	err := job.Handle(context.Background(), historyTask(t, HistoryRunPayload{Date: "2026-03-01"}))
	require.NoError(t, err)
	require.Len(t, writer.written, 5)
	want, _ := time.Parse("2006-01-02", "2026-03-01")
	require.Equal(t, want, writer.written[3])
}

func TestHistoryRunSkipsValidationFailures(t *testing.T) {
	writer := newStubWriter()
	writer.failIDs[2] = &ledger.ValidationError{Fields: []string{"ActualOutstandingTotal"}}
	loans := &stubLoans{ids: []int64{1, 2, 3}}
	job := NewHistoryRunJob(writer, loans, discardLogger(), 2)

	err := job.Handle(context.Background(), historyTask(t, HistoryRunPayload{Date: "2026-03-01"}))
	require.NoError(t, err)
	require.Len(t, writer.written, 2)
	require.NotContains(t, writer.written, int64(2))
}

func TestHistoryRunAbortsOnHardError(t *testing.T) {
	writer := newStubWriter()
	boom := errors.New("connection refused")
	writer.failIDs[1] = boom
	loans := &stubLoans{ids: []int64{1}}
	job := NewHistoryRunJob(writer, loans, discardLogger(), 1)

	err := job.Handle(context.Background(), historyTask(t, HistoryRunPayload{Date: "2026-03-01"}))
	require.ErrorIs(t, err, boom)
}

func TestHistoryRunRejectsBadPayload(t *testing.T) {
	job := NewHistoryRunJob(newStubWriter(), &stubLoans{}, discardLogger(), 1)

	err := job.Handle(context.Background(), asynq.NewTask(TaskHistoryRun, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)

	err = job.Handle(context.Background(), historyTask(t, HistoryRunPayload{Date: "not-a-date"}))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

type stubChecker struct {
	violations []int64
	err        error
}

func (c *stubChecker) CurrentFlagViolations(ctx context.Context) ([]int64, error) {
	return c.violations, c.err
}

func TestLedgerIntegrityJob(t *testing.T) {
	job := NewLedgerIntegrityJob(&stubChecker{}, discardLogger())
	err := job.Handle(context.Background(), NewLedgerIntegrityTask())
	require.NoError(t, err)

	job = NewLedgerIntegrityJob(&stubChecker{violations: []int64{7}}, discardLogger())
	err = job.Handle(context.Background(), NewLedgerIntegrityTask())
	require.Error(t, err)
}
