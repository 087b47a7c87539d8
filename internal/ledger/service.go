package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/lendfolio/lendfolio/internal/platform/httpx"
)

// ErrValidation marks a write rejected because required snapshot fields
// were missing. It wraps the platform sentinel so the transport layer maps
// it without knowing ledger internals.
var ErrValidation = fmt.Errorf("ledger: %w", httpx.ErrValidation)

// ValidationError names the fields that failed required-on-write checks.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return "ledger: validation failed: missing " + strings.Join(e.Fields, ", ")
}

// Unwrap lets callers match with errors.Is(err, ErrValidation).
func (e *ValidationError) Unwrap() error { return ErrValidation }

// Service is the ledger engine: the history writer plus the aggregation
// entry points the presentation layer calls.
//
// Reads may run concurrently with a history batch; a concurrent report can
// observe some loans already written for the new date and others not yet.
// The ledger is a historical record, not a transactional balance sheet, so
// that staleness window is accepted.
type Service struct {
	repo        RepositoryPort
	origination OriginationPort
	oracle      AmortizationOracle
	hierarchy   HierarchyLookup
	cache       *Cache
	validate    *validator.Validate
}

// NewService builds a Service instance. cache may be nil.
func NewService(repo RepositoryPort, origination OriginationPort, oracle AmortizationOracle, hierarchy HierarchyLookup, cache *Cache) *Service {
	return &Service{
		repo:        repo,
		origination: origination,
		oracle:      oracle,
		hierarchy:   hierarchy,
		cache:       cache,
		validate:    validator.New(),
	}
}

// Write records the loan's financial state as of date: it pulls computed
// balances from the amortization oracle and the organizational assignment
// from the hierarchy lookup, derives the default figures, and upserts the
// snapshot. Rewriting the same (loan, date) overwrites in place, so
// re-running a batch for a day is safe.
func (s *Service) Write(ctx context.Context, loanID int64, date time.Time) (Snapshot, error) {
	if loanID == 0 {
		return Snapshot{}, &ValidationError{Fields: []string{"loan"}}
	}
	day := DateOnly(date)

	state, err := s.oracle.StateOn(ctx, loanID, day)
	if err != nil {
		return Snapshot{}, fmt.Errorf("ledger: amortization oracle: %w", err)
	}
	if err := s.validate.Struct(state); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fe.Field())
			}
			return Snapshot{}, &ValidationError{Fields: fields}
		}
		return Snapshot{}, err
	}

	assign, err := s.hierarchy.AssignmentOn(ctx, loanID, day)
	if err != nil {
		return Snapshot{}, fmt.Errorf("ledger: hierarchy lookup: %w", err)
	}

	amountInDefault := *state.ActualOutstandingTotal - *state.ScheduledOutstandingTotal
	if amountInDefault < 0 {
		amountInDefault = 0
	}

	snap := Snapshot{
		LoanID:                        loanID,
		Date:                          day,
		AmountInDefault:               amountInDefault,
		DaysOverdue:                   state.DaysOverdue,
		WeekID:                        WeekID(day),
		Status:                        state.Status,
		ScheduledOutstandingPrincipal: *state.ScheduledOutstandingPrincipal,
		ScheduledOutstandingTotal:     *state.ScheduledOutstandingTotal,
		ActualOutstandingPrincipal:    *state.ActualOutstandingPrincipal,
		ActualOutstandingTotal:        *state.ActualOutstandingTotal,
		PrincipalDue:                  state.PrincipalDue,
		InterestDue:                   state.InterestDue,
		PrincipalPaid:                 state.PrincipalPaid,
		InterestPaid:                  state.InterestPaid,
		ClientID:                      assign.ClientID,
		ClientGroupID:                 assign.ClientGroupID,
		CenterID:                      assign.CenterID,
		BranchID:                      assign.BranchID,
	}

	written, err := s.repo.Upsert(ctx, snap)
	if err != nil {
		return Snapshot{}, err
	}
	// Cached reports are stale now; the bump is best effort.
	_ = s.cache.Bump(ctx)
	return written, nil
}

// DefaultedLoansWithin returns loans in recent default as of asOf.
//
// Known limitation, preserved from the legacy report: a loan that
// defaulted long ago, was fully repaid, and defaulted again inside the
// window is scored by its oldest mismatch and can be missed.
func (s *Service) DefaultedLoansWithin(ctx context.Context, withinDays int, asOf time.Time) ([]DefaultedLoan, error) {
	return s.repo.DefaultedLoansWithin(ctx, withinDays, DateOnly(asOf))
}

// BranchDefaultExposure sums a branch's arrears over current snapshots.
func (s *Service) BranchDefaultExposure(ctx context.Context, branchID int64, asOf time.Time) (DefaultExposure, error) {
	return s.repo.BranchDefaultExposure(ctx, branchID, DateOnly(asOf))
}

// DefaultedInfo reports the last known-defaulted state per loan in scope
// before asOf, either as one row per loan or as a single aggregate.
// When no loan qualifies the result is empty; the row fetch is skipped
// rather than issued with an empty key set.
func (s *Service) DefaultedInfo(ctx context.Context, scope Scope, asOf time.Time, mode InfoMode) (DefaultedInfo, error) {
	keys, err := s.repo.LastDefaultKeys(ctx, scope, DateOnly(asOf))
	if err != nil {
		return DefaultedInfo{}, err
	}
	if len(keys) == 0 {
		return DefaultedInfo{Mode: mode}, nil
	}
	if mode == ModeListing {
		rows, err := s.repo.DefaultRows(ctx, keys)
		if err != nil {
			return DefaultedInfo{}, err
		}
		return DefaultedInfo{Mode: mode, Rows: rows}, nil
	}
	summary, err := s.repo.DefaultSummary(ctx, keys)
	if err != nil {
		return DefaultedInfo{}, err
	}
	return DefaultedInfo{Mode: mode, Summary: &summary}, nil
}

// OutstandingByGroup rolls up each loan's latest overdue snapshot in
// [from, to] by client group. Returns no rows when nothing matches.
func (s *Service) OutstandingByGroup(ctx context.Context, from, to time.Time) ([]GroupOutstanding, error) {
	from, to = DateOnly(from), DateOnly(to)
	key, err := s.cache.BuildKey(ctx, keyGroupOutstanding(from, to)...)
	if err != nil {
		return nil, err
	}
	var out []GroupOutstanding
	err = s.cache.FetchJSON(ctx, key, &out, func(ctx context.Context) (interface{}, error) {
		keys, err := s.repo.LatestOverdueKeys(ctx, from, to)
		if err != nil {
			return nil, err
		}
		if len(keys) == 0 {
			return []GroupOutstanding{}, nil
		}
		return s.repo.GroupOutstanding(ctx, keys)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ScopeTotals computes the outstanding summary for one hierarchy entity.
func (s *Service) ScopeTotals(ctx context.Context, scope Scope, from, to time.Time) (ScopeTotals, error) {
	from, to = DateOnly(from), DateOnly(to)
	key, err := s.cache.BuildKey(ctx, keyScopeTotals(scope, from, to)...)
	if err != nil {
		return ScopeTotals{}, err
	}
	var out ScopeTotals
	err = s.cache.FetchJSON(ctx, key, &out, func(ctx context.Context) (interface{}, error) {
		return s.repo.ScopeTotals(ctx, scope, from, to)
	})
	if err != nil {
		return ScopeTotals{}, err
	}
	return out, nil
}

// OutstandingForLoans totals the outstanding figures over an explicit loan
// set as of asOf. An empty id set short-circuits to zero sums.
func (s *Service) OutstandingForLoans(ctx context.Context, asOf time.Time, loanIDs []int64) (OutstandingSums, error) {
	if len(loanIDs) == 0 {
		return OutstandingSums{}, nil
	}
	keys, err := s.repo.LatestKeysForLoans(ctx, DateOnly(asOf), loanIDs)
	if err != nil {
		return OutstandingSums{}, err
	}
	if len(keys) == 0 {
		return OutstandingSums{}, nil
	}
	return s.repo.OutstandingSums(ctx, keys)
}

// AmountDisbursed reports disbursement totals from origination data.
func (s *Service) AmountDisbursed(ctx context.Context, scope Scope, from, to time.Time) (Disbursement, error) {
	return s.origination.AmountDisbursed(ctx, scope, DateOnly(from), DateOnly(to))
}

// ActiveLoanIDs enumerates loans eligible for a history run.
func (s *Service) ActiveLoanIDs(ctx context.Context) ([]int64, error) {
	return s.origination.ActiveLoanIDs(ctx)
}

// CurrentFlagViolations surfaces loans whose current-flag invariant is
// broken. Anything returned here is a writer bug, not a data condition.
func (s *Service) CurrentFlagViolations(ctx context.Context) ([]int64, error) {
	return s.repo.CurrentFlagViolations(ctx)
}

// QuerySnapshots exposes filtered ledger reads for downstream aggregators.
func (s *Service) QuerySnapshots(ctx context.Context, filter SnapshotFilter) ([]Snapshot, error) {
	return s.repo.Query(ctx, filter)
}
