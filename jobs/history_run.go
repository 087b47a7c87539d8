package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/lendfolio/lendfolio/internal/ledger"
)

// HistoryWriter writes one loan's snapshot for a date.
type HistoryWriter interface {
	Write(ctx context.Context, loanID int64, date time.Time) (ledger.Snapshot, error)
}

// LoanSource enumerates loans for a history run.
type LoanSource interface {
	ActiveLoanIDs(ctx context.Context) ([]int64, error)
}

// HistoryRunJob walks the active portfolio and writes a snapshot per loan.
// Writes for distinct loans are independent, so they fan out across a
// bounded worker pool; per-loan ordering is guaranteed by the upsert
// transaction. Loans that fail validation are skipped and logged so one
// bad loan does not abort the run; the overwrite semantics make re-running
// the whole batch safe.
type HistoryRunJob struct {
	writer  HistoryWriter
	loans   LoanSource
	logger  *slog.Logger
	workers int
}

// NewHistoryRunJob constructs the job.
func NewHistoryRunJob(writer HistoryWriter, loans LoanSource, logger *slog.Logger, workers int) *HistoryRunJob {
	if workers <= 0 {
		workers = 8
	}
	return &HistoryRunJob{writer: writer, loans: loans, logger: logger, workers: workers}
}

// Handle processes TaskHistoryRun tasks.
func (j *HistoryRunJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload HistoryRunPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	date, err := payloadDate(payload.Date)
	if err != nil {
		return asynq.SkipRetry
	}

	loanIDs, err := j.loans.ActiveLoanIDs(ctx)
	if err != nil {
		return err
	}

	var written, skipped atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(j.workers)
	for _, loanID := range loanIDs {
		g.Go(func() error {
			if _, err := j.writer.Write(gctx, loanID, date); err != nil {
				if errors.Is(err, ledger.ErrValidation) {
					skipped.Add(1)
					j.logger.Warn("history run: loan skipped",
						slog.String("run_id", payload.RunID),
						slog.Int64("loan_id", loanID),
						slog.Any("error", err))
					return nil
				}
				return err
			}
			written.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		j.logger.Error("history run aborted",
			slog.String("run_id", payload.RunID),
			slog.Any("error", err))
		return err
	}

	j.logger.Info("history run complete",
		slog.String("run_id", payload.RunID),
		slog.Time("date", date),
		slog.Int64("written", written.Load()),
		slog.Int64("skipped", skipped.Load()))
	return nil
}
