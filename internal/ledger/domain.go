// Package ledger tracks the day-by-day financial state of loans and answers
// portfolio rollup questions without re-deriving amortization schedules.
//
// The ledger keeps one Snapshot per (loan, date). Rows are denormalized:
// client, group, center and branch ids are captured from the loan's
// organizational assignment at write time and are never retroactively
// corrected when a loan is reassigned. Point-in-time reports therefore
// reflect the hierarchy as it stood on the snapshot date.
package ledger

import (
	"time"
)

// LoanStatus enumerates loan lifecycle states.
type LoanStatus int

const (
	StatusApplied LoanStatus = iota + 1
	StatusApproved
	StatusDisbursed
	StatusOutstanding
	StatusPrincipalOverdue
	StatusInterestOverdue
	StatusRepaid
	StatusWrittenOff
)

// Overdue reports whether the status means principal or interest is behind
// schedule. These two states gate most aggregation queries.
func (s LoanStatus) Overdue() bool {
	return s == StatusPrincipalOverdue || s == StatusInterestOverdue
}

// OverdueStatuses is the status set used by the aggregation queries.
var OverdueStatuses = []LoanStatus{StatusPrincipalOverdue, StatusInterestOverdue}

// Snapshot is one ledger row: a loan's financial state as of one calendar
// day. Keyed by (LoanID, Date); rewriting the same key overwrites in place
// and increments RunNumber.
type Snapshot struct {
	LoanID    int64
	Date      time.Time
	CreatedAt time.Time
	RunNumber int
	// Current marks the row with the greatest date for its loan. At most
	// one row per loan carries it.
	Current bool

	AmountInDefault int64
	DaysOverdue     int
	WeekID          int
	Status          LoanStatus

	ScheduledOutstandingPrincipal int64
	ScheduledOutstandingTotal     int64
	ActualOutstandingPrincipal    int64
	ActualOutstandingTotal        int64
	PrincipalDue                  int64
	InterestDue                   int64
	PrincipalPaid                 int64
	InterestPaid                  int64

	ClientID      int64
	ClientGroupID *int64
	CenterID      int64
	BranchID      int64
}

// SnapshotKey identifies one ledger row.
type SnapshotKey struct {
	LoanID int64
	Date   time.Time
}

// LoanState is what the amortization oracle reports for a (loan, date).
// The outstanding figures are pointers so an oracle that fails to produce
// one surfaces as a validation error instead of a silent zero.
type LoanState struct {
	Status                        LoanStatus
	ScheduledOutstandingPrincipal *int64 `validate:"required"`
	ScheduledOutstandingTotal     *int64 `validate:"required"`
	ActualOutstandingPrincipal    *int64 `validate:"required"`
	ActualOutstandingTotal        *int64 `validate:"required"`
	PrincipalDue                  int64
	InterestDue                   int64
	PrincipalPaid                 int64
	InterestPaid                  int64
	DaysOverdue                   int
}

// Assignment is a loan's position in the organizational hierarchy as of a
// date, reported by the hierarchy lookup.
type Assignment struct {
	ClientID      int64
	ClientGroupID *int64
	CenterID      int64
	BranchID      int64
}

// ScopeKind selects the hierarchy level a rollup is scoped to.
type ScopeKind int

const (
	ScopeBranch ScopeKind = iota + 1
	ScopeCenter
	ScopeClientGroup
)

// Scope is a tagged hierarchy reference: which level, which entity.
type Scope struct {
	Kind ScopeKind
	ID   int64
}

// SnapshotFilter narrows a ledger query.
type SnapshotFilter struct {
	Scope    *Scope
	From     *time.Time
	To       *time.Time
	Statuses []LoanStatus
	Current  *bool
}

// DefaultedLoan is a loan flagged by the recent-defaulters query, with the
// greatest number of days elapsed since any mismatched snapshot.
type DefaultedLoan struct {
	LoanID      int64 `json:"loan_id"`
	DaysElapsed int   `json:"days_elapsed"`
}

// DefaultExposure sums principal and total arrears for a branch.
type DefaultExposure struct {
	Principal int64 `json:"principal"`
	Total     int64 `json:"total"`
}

// InfoMode selects the shape of a defaulted-info report.
type InfoMode int

const (
	ModeAggregate InfoMode = iota
	ModeListing
)

// DefaultRow is one loan's last known-defaulted state before a cutoff.
type DefaultRow struct {
	LoanID          int64  `json:"loan_id"`
	BranchID        int64  `json:"branch_id"`
	CenterID        int64  `json:"center_id"`
	ClientGroupID   *int64 `json:"client_group_id,omitempty"`
	ClientID        int64  `json:"client_id"`
	AmountInDefault int64  `json:"amount_in_default"`
	LateBy          int    `json:"late_by"`
	TotalDue        int64  `json:"total_due"`
	PrincipalDue    int64  `json:"principal_due"`
}

// DefaultSummary aggregates total and principal due across defaulted loans.
type DefaultSummary struct {
	TotalDue     int64 `json:"total_due"`
	PrincipalDue int64 `json:"principal_due"`
}

// DefaultedInfo is the result of the defaulted-info report: Rows in listing
// mode, Summary in aggregate mode.
type DefaultedInfo struct {
	Mode    InfoMode        `json:"-"`
	Rows    []DefaultRow    `json:"rows,omitempty"`
	Summary *DefaultSummary `json:"summary,omitempty"`
}

// GroupOutstanding is the per-client-group outstanding rollup. Advance sums
// only accumulate where actual is below scheduled (ahead of schedule).
type GroupOutstanding struct {
	ClientGroupID      *int64 `json:"client_group_id,omitempty"`
	ScheduledPrincipal int64  `json:"scheduled_outstanding_principal"`
	ScheduledTotal     int64  `json:"scheduled_outstanding_total"`
	ActualPrincipal    int64  `json:"actual_outstanding_principal"`
	ActualTotal        int64  `json:"actual_outstanding_total"`
	AdvancePrincipal   int64  `json:"advance_principal"`
	AdvanceTotal       int64  `json:"advance_total"`
}

// ScopeTotals is the outstanding summary for one hierarchy entity. Due sums
// take only positive actual values, advance sums only negative ones.
type ScopeTotals struct {
	ScheduledPrincipal int64 `json:"scheduled_outstanding_principal"`
	ScheduledTotal     int64 `json:"scheduled_outstanding_total"`
	DuePrincipal       int64 `json:"due_principal"`
	DueTotal           int64 `json:"due_total"`
	AdvancePrincipal   int64 `json:"advance_principal"`
	AdvanceTotal       int64 `json:"advance_total"`
	LoansCount         int   `json:"loans_count"`
	ClientsCount       int   `json:"clients_count"`
}

// OutstandingSums totals the four outstanding figures over an explicit loan
// set.
type OutstandingSums struct {
	ScheduledPrincipal int64 `json:"scheduled_outstanding_principal"`
	ScheduledTotal     int64 `json:"scheduled_outstanding_total"`
	ActualPrincipal    int64 `json:"actual_outstanding_principal"`
	ActualTotal        int64 `json:"actual_outstanding_total"`
}

// Disbursement reports money disbursed and loan count for a hierarchy
// entity over a date range. Read from origination data, not the ledger.
type Disbursement struct {
	Amount int64 `json:"amount"`
	Loans  int   `json:"loans"`
}

// WeekID buckets a date for weekly aggregation: ISO year*100 + ISO week.
func WeekID(date time.Time) int {
	year, week := date.ISOWeek()
	return year*100 + week
}

// DateOnly truncates a timestamp to its calendar day in UTC. Ledger keys
// are calendar days, never instants.
func DateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
