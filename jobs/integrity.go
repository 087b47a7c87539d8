package jobs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"
)

// CurrentFlagChecker verifies the one-current-row-per-loan invariant.
type CurrentFlagChecker interface {
	CurrentFlagViolations(ctx context.Context) ([]int64, error)
}

// LedgerIntegrityJob audits the current flag after batch runs. A violation
// is not repaired here; it indicates a writer bug and is surfaced loudly.
type LedgerIntegrityJob struct {
	checker CurrentFlagChecker
	logger  *slog.Logger
}

// NewLedgerIntegrityJob constructs the job.
func NewLedgerIntegrityJob(checker CurrentFlagChecker, logger *slog.Logger) *LedgerIntegrityJob {
	return &LedgerIntegrityJob{checker: checker, logger: logger}
}

// Handle processes TaskLedgerIntegrity tasks.
func (j *LedgerIntegrityJob) Handle(ctx context.Context, t *asynq.Task) error {
	violations, err := j.checker.CurrentFlagViolations(ctx)
	if err != nil {
		return err
	}
	if len(violations) > 0 {
		j.logger.Error("ledger integrity: current flag violations",
			slog.Int("loans", len(violations)),
			slog.Any("loan_ids", violations))
		return fmt.Errorf("jobs: %d loans with broken current flag", len(violations))
	}
	j.logger.Info("ledger integrity: ok")
	return nil
}
