// Package jobs runs the ledger's background work: the nightly portfolio
// history batch and the current-flag integrity check.
package jobs

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskHistoryRun writes one snapshot per active loan for a date.
	TaskHistoryRun = "portfolio:history_run"
	// TaskLedgerIntegrity verifies the current-flag invariant.
	TaskLedgerIntegrity = "portfolio:ledger_integrity"
)

// HistoryRunPayload describes one portfolio history run.
type HistoryRunPayload struct {
	RunID string `json:"run_id"`
	// Date is the reporting date in YYYY-MM-DD; empty means today.
	Date string `json:"date,omitempty"`
}

// NewHistoryRunTask constructs an Asynq task for a history run. A run id
// is assigned when the payload carries none.
func NewHistoryRunTask(payload HistoryRunPayload) (*asynq.Task, error) {
	if payload.RunID == "" {
		payload.RunID = uuid.NewString()
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskHistoryRun, data), nil
}

// NewLedgerIntegrityTask constructs an Asynq task for the integrity check.
func NewLedgerIntegrityTask() *asynq.Task {
	return asynq.NewTask(TaskLedgerIntegrity, nil)
}

func payloadDate(raw string) (time.Time, error) {
	if raw == "" {
		return time.Now().UTC(), nil
	}
	return time.Parse("2006-01-02", raw)
}
