package ledger

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors surfaced by the ledger.
var (
	// ErrCurrentFlagConflict means two rows for one loan ended up marked
	// current. The upsert transaction is supposed to make this impossible;
	// seeing it indicates a concurrency bug in the writer, not a data
	// condition to recover from.
	ErrCurrentFlagConflict = errors.New("ledger: conflicting current snapshot for loan")
	// ErrUnknownScope means a Scope carried an unrecognized kind.
	ErrUnknownScope = errors.New("ledger: unknown hierarchy scope")
)

// RepositoryPort defines data access for the snapshot store and the
// aggregation queries built on it.
//
// The two-phase reports are split into a key-lookup method (phase 1) and a
// fetch method over exactly those keys (phase 2) so the service can
// short-circuit on an empty key set instead of issuing a malformed query.
type RepositoryPort interface {
	// Upsert writes a snapshot keyed by (LoanID, Date). An existing row is
	// overwritten with RunNumber incremented; a new row starts at 0. When
	// the written date is the loan's greatest, the current flag moves to
	// the new row atomically with the write.
	Upsert(ctx context.Context, snap Snapshot) (Snapshot, error)

	// Query returns snapshots matching the filter.
	Query(ctx context.Context, filter SnapshotFilter) ([]Snapshot, error)

	// DefaultedLoansWithin returns loans whose greatest elapsed time since
	// any principal-mismatched snapshot before asOf is under withinDays.
	DefaultedLoansWithin(ctx context.Context, withinDays int, asOf time.Time) ([]DefaultedLoan, error)

	// BranchDefaultExposure sums principal and total arrears over the
	// branch's current snapshots dated at or before asOf, counting only
	// rows where both diffs are positive.
	BranchDefaultExposure(ctx context.Context, branchID int64, asOf time.Time) (DefaultExposure, error)

	// LastDefaultKeys finds, per loan in scope, the latest snapshot before
	// asOf that was in default (amount_in_default > 0, overdue status).
	LastDefaultKeys(ctx context.Context, scope Scope, asOf time.Time) ([]SnapshotKey, error)
	// DefaultRows fetches full listing rows for exactly the given keys,
	// ordered by branch then center.
	DefaultRows(ctx context.Context, keys []SnapshotKey) ([]DefaultRow, error)
	// DefaultSummary sums total and principal due over the given keys.
	DefaultSummary(ctx context.Context, keys []SnapshotKey) (DefaultSummary, error)

	// LatestOverdueKeys finds, per loan, the latest overdue-status snapshot
	// within [from, to].
	LatestOverdueKeys(ctx context.Context, from, to time.Time) ([]SnapshotKey, error)
	// GroupOutstanding sums the given rows grouped by client group.
	GroupOutstanding(ctx context.Context, keys []SnapshotKey) ([]GroupOutstanding, error)

	// LatestKeysForLoans finds, per loan in the id set, the latest
	// overdue-status snapshot dated at or before asOf.
	LatestKeysForLoans(ctx context.Context, asOf time.Time, loanIDs []int64) ([]SnapshotKey, error)
	// OutstandingSums totals the outstanding figures over the given keys.
	OutstandingSums(ctx context.Context, keys []SnapshotKey) (OutstandingSums, error)

	// ScopeTotals computes the one-row outstanding summary for an entity.
	ScopeTotals(ctx context.Context, scope Scope, from, to time.Time) (ScopeTotals, error)

	// CurrentFlagViolations lists loans with zero or multiple current rows.
	CurrentFlagViolations(ctx context.Context) ([]int64, error)
}

// OriginationPort reads loan origination data. Disbursement reporting and
// the batch driver use it; it is independent of the snapshot store.
type OriginationPort interface {
	// AmountDisbursed sums loan amounts and counts loans under the scope
	// with a disbursal date in [from, to], skipping soft-deleted loans.
	AmountDisbursed(ctx context.Context, scope Scope, from, to time.Time) (Disbursement, error)

	// ActiveLoanIDs enumerates loans eligible for a history run: disbursed,
	// not soft-deleted.
	ActiveLoanIDs(ctx context.Context) ([]int64, error)
}

// AmortizationOracle computes a loan's scheduled and actual position as of
// a date. Must be deterministic for a fixed (loan, date).
type AmortizationOracle interface {
	StateOn(ctx context.Context, loanID int64, date time.Time) (LoanState, error)
}

// HierarchyLookup resolves a loan's organizational assignment as of a date.
type HierarchyLookup interface {
	AssignmentOn(ctx context.Context, loanID int64, date time.Time) (Assignment, error)
}
