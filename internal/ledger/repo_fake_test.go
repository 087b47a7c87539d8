package ledger

import (
	"context"
	"sort"
	"time"
)

// memoryLedgerRepo mirrors the repository's query semantics in memory. The
// phase-2 call counters let tests assert that an empty phase-1 key set
// short-circuits before the fetch.
type memoryLedgerRepo struct {
	rows map[SnapshotKey]Snapshot

	defaultRowsCalls      int
	defaultSummaryCalls   int
	groupOutstandingCalls int
	outstandingSumsCalls  int
}

func newMemoryLedgerRepo() *memoryLedgerRepo {
	return &memoryLedgerRepo{rows: make(map[SnapshotKey]Snapshot)}
}

func (r *memoryLedgerRepo) loanRows(loanID int64) []Snapshot {
	var out []Snapshot
	for _, s := range r.rows {
		if s.LoanID == loanID {
			out = append(out, s)
		}
	}
	return out
}

func (r *memoryLedgerRepo) Upsert(ctx context.Context, snap Snapshot) (Snapshot, error) {
	key := SnapshotKey{LoanID: snap.LoanID, Date: snap.Date}
	if prev, ok := r.rows[key]; ok {
		snap.RunNumber = prev.RunNumber + 1
	} else {
		snap.RunNumber = 0
	}
	snap.CreatedAt = time.Now()
	snap.Current = false
	r.rows[key] = snap

	maxDate := snap.Date
	for _, s := range r.loanRows(snap.LoanID) {
		if s.Date.After(maxDate) {
			maxDate = s.Date
		}
	}
	if snap.Date.Before(maxDate) {
		return snap, nil
	}
	for _, s := range r.loanRows(snap.LoanID) {
		if s.Current && !s.Date.Equal(snap.Date) {
			s.Current = false
			r.rows[SnapshotKey{LoanID: s.LoanID, Date: s.Date}] = s
		}
	}
	snap.Current = true
	r.rows[key] = snap
	return snap, nil
}

func scopeMatch(s Snapshot, scope Scope) bool {
	switch scope.Kind {
	case ScopeBranch:
		return s.BranchID == scope.ID
	case ScopeCenter:
		return s.CenterID == scope.ID
	case ScopeClientGroup:
		return s.ClientGroupID != nil && *s.ClientGroupID == scope.ID
	}
	return false
}

func (r *memoryLedgerRepo) Query(ctx context.Context, filter SnapshotFilter) ([]Snapshot, error) {
	if filter.Scope != nil && filter.Scope.Kind != ScopeBranch &&
		filter.Scope.Kind != ScopeCenter && filter.Scope.Kind != ScopeClientGroup {
		return nil, ErrUnknownScope
	}
	var out []Snapshot
	for _, s := range r.rows {
		if filter.Scope != nil && !scopeMatch(s, *filter.Scope) {
			continue
		}
		if filter.From != nil && s.Date.Before(*filter.From) {
			continue
		}
		if filter.To != nil && s.Date.After(*filter.To) {
			continue
		}
		if len(filter.Statuses) > 0 {
			found := false
			for _, st := range filter.Statuses {
				if s.Status == st {
					found = true
					break
				}
			}
			if !found {
				continue
			}
		}
		if filter.Current != nil && s.Current != *filter.Current {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LoanID != out[j].LoanID {
			return out[i].LoanID < out[j].LoanID
		}
		return out[i].Date.Before(out[j].Date)
	})
	return out, nil
}

func daysBetween(from, to time.Time) int {
	return int(to.Sub(from).Hours() / 24)
}

func (r *memoryLedgerRepo) DefaultedLoansWithin(ctx context.Context, withinDays int, asOf time.Time) ([]DefaultedLoan, error) {
	maxElapsed := make(map[int64]int)
	for _, s := range r.rows {
		if s.ActualOutstandingPrincipal == s.ScheduledOutstandingPrincipal || !s.Date.Before(asOf) {
			continue
		}
		elapsed := daysBetween(s.Date, asOf)
		if cur, ok := maxElapsed[s.LoanID]; !ok || elapsed > cur {
			maxElapsed[s.LoanID] = elapsed
		}
	}
	var out []DefaultedLoan
	for loanID, elapsed := range maxElapsed {
		if elapsed < withinDays {
			out = append(out, DefaultedLoan{LoanID: loanID, DaysElapsed: elapsed})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LoanID < out[j].LoanID })
	return out, nil
}

func (r *memoryLedgerRepo) BranchDefaultExposure(ctx context.Context, branchID int64, asOf time.Time) (DefaultExposure, error) {
	var exp DefaultExposure
	for _, s := range r.rows {
		if s.BranchID != branchID || !s.Current || s.Date.After(asOf) {
			continue
		}
		pdiff := s.ActualOutstandingPrincipal - s.ScheduledOutstandingPrincipal
		tdiff := s.ActualOutstandingTotal - s.ScheduledOutstandingTotal
		if pdiff > 0 && tdiff > 0 {
			exp.Principal += pdiff
			exp.Total += tdiff
		}
	}
	return exp, nil
}

func (r *memoryLedgerRepo) LastDefaultKeys(ctx context.Context, scope Scope, asOf time.Time) ([]SnapshotKey, error) {
	if _, err := scopeColumn(scope); err != nil {
		return nil, err
	}
	latest := make(map[int64]time.Time)
	for _, s := range r.rows {
		if !s.Date.Before(asOf) || s.AmountInDefault <= 0 || !s.Status.Overdue() || !scopeMatch(s, scope) {
			continue
		}
		if cur, ok := latest[s.LoanID]; !ok || s.Date.After(cur) {
			latest[s.LoanID] = s.Date
		}
	}
	return keysFromLatest(latest), nil
}

func keysFromLatest(latest map[int64]time.Time) []SnapshotKey {
	var keys []SnapshotKey
	for loanID, date := range latest {
		keys = append(keys, SnapshotKey{LoanID: loanID, Date: date})
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].LoanID < keys[j].LoanID })
	return keys
}

func (r *memoryLedgerRepo) keyedRows(keys []SnapshotKey) []Snapshot {
	var out []Snapshot
	for _, k := range keys {
		if s, ok := r.rows[k]; ok {
			out = append(out, s)
		}
	}
	return out
}

func (r *memoryLedgerRepo) DefaultRows(ctx context.Context, keys []SnapshotKey) ([]DefaultRow, error) {
	r.defaultRowsCalls++
	var out []DefaultRow
	for _, s := range r.keyedRows(keys) {
		out = append(out, DefaultRow{
			LoanID:          s.LoanID,
			BranchID:        s.BranchID,
			CenterID:        s.CenterID,
			ClientGroupID:   s.ClientGroupID,
			ClientID:        s.ClientID,
			AmountInDefault: s.AmountInDefault,
			LateBy:          s.DaysOverdue,
			TotalDue:        s.ActualOutstandingTotal - s.ScheduledOutstandingTotal,
			PrincipalDue:    s.ActualOutstandingPrincipal - s.ScheduledOutstandingPrincipal,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BranchID != out[j].BranchID {
			return out[i].BranchID < out[j].BranchID
		}
		if out[i].CenterID != out[j].CenterID {
			return out[i].CenterID < out[j].CenterID
		}
		return out[i].LoanID < out[j].LoanID
	})
	return out, nil
}

func (r *memoryLedgerRepo) DefaultSummary(ctx context.Context, keys []SnapshotKey) (DefaultSummary, error) {
	r.defaultSummaryCalls++
	var sum DefaultSummary
	for _, s := range r.keyedRows(keys) {
		sum.TotalDue += s.ActualOutstandingTotal - s.ScheduledOutstandingTotal
		sum.PrincipalDue += s.ActualOutstandingPrincipal - s.ScheduledOutstandingPrincipal
	}
	return sum, nil
}

func (r *memoryLedgerRepo) LatestOverdueKeys(ctx context.Context, from, to time.Time) ([]SnapshotKey, error) {
	latest := make(map[int64]time.Time)
	for _, s := range r.rows {
		if !s.Status.Overdue() || s.Date.Before(from) || s.Date.After(to) {
			continue
		}
		if cur, ok := latest[s.LoanID]; !ok || s.Date.After(cur) {
			latest[s.LoanID] = s.Date
		}
	}
	return keysFromLatest(latest), nil
}

func (r *memoryLedgerRepo) GroupOutstanding(ctx context.Context, keys []SnapshotKey) ([]GroupOutstanding, error) {
	r.groupOutstandingCalls++
	groups := make(map[int64]*GroupOutstanding)
	var ungrouped *GroupOutstanding
	for _, s := range r.keyedRows(keys) {
		var g *GroupOutstanding
		if s.ClientGroupID == nil {
			if ungrouped == nil {
				ungrouped = &GroupOutstanding{}
			}
			g = ungrouped
		} else {
			g = groups[*s.ClientGroupID]
			if g == nil {
				id := *s.ClientGroupID
				g = &GroupOutstanding{ClientGroupID: &id}
				groups[id] = g
			}
		}
		g.ScheduledPrincipal += s.ScheduledOutstandingPrincipal
		g.ScheduledTotal += s.ScheduledOutstandingTotal
		g.ActualPrincipal += s.ActualOutstandingPrincipal
		g.ActualTotal += s.ActualOutstandingTotal
		if s.ActualOutstandingPrincipal < s.ScheduledOutstandingPrincipal {
			g.AdvancePrincipal += s.ScheduledOutstandingPrincipal - s.ActualOutstandingPrincipal
		}
		if s.ActualOutstandingTotal < s.ScheduledOutstandingTotal {
			g.AdvanceTotal += s.ScheduledOutstandingTotal - s.ActualOutstandingTotal
		}
	}
	var out []GroupOutstanding
	if ungrouped != nil {
		out = append(out, *ungrouped)
	}
	ids := make([]int64, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		out = append(out, *groups[id])
	}
	return out, nil
}

func (r *memoryLedgerRepo) LatestKeysForLoans(ctx context.Context, asOf time.Time, loanIDs []int64) ([]SnapshotKey, error) {
	wanted := make(map[int64]bool, len(loanIDs))
	for _, id := range loanIDs {
		wanted[id] = true
	}
	latest := make(map[int64]time.Time)
	for _, s := range r.rows {
		if !wanted[s.LoanID] || s.Date.After(asOf) || !s.Status.Overdue() {
			continue
		}
		if cur, ok := latest[s.LoanID]; !ok || s.Date.After(cur) {
			latest[s.LoanID] = s.Date
		}
	}
	return keysFromLatest(latest), nil
}

func (r *memoryLedgerRepo) OutstandingSums(ctx context.Context, keys []SnapshotKey) (OutstandingSums, error) {
	r.outstandingSumsCalls++
	var sum OutstandingSums
	for _, s := range r.keyedRows(keys) {
		sum.ScheduledPrincipal += s.ScheduledOutstandingPrincipal
		sum.ScheduledTotal += s.ScheduledOutstandingTotal
		sum.ActualPrincipal += s.ActualOutstandingPrincipal
		sum.ActualTotal += s.ActualOutstandingTotal
	}
	return sum, nil
}

func (r *memoryLedgerRepo) ScopeTotals(ctx context.Context, scope Scope, from, to time.Time) (ScopeTotals, error) {
	if _, err := scopeColumn(scope); err != nil {
		return ScopeTotals{}, err
	}
	var t ScopeTotals
	loans := make(map[int64]bool)
	clients := make(map[int64]bool)
	for _, s := range r.rows {
		if !scopeMatch(s, scope) || !s.Current || s.Date.Before(from) || s.Date.After(to) || !s.Status.Overdue() {
			continue
		}
		t.ScheduledPrincipal += s.ScheduledOutstandingPrincipal
		t.ScheduledTotal += s.ScheduledOutstandingTotal
		if s.ActualOutstandingPrincipal > 0 {
			t.DuePrincipal += s.ActualOutstandingPrincipal
		} else if s.ActualOutstandingPrincipal < 0 {
			t.AdvancePrincipal += s.ActualOutstandingPrincipal
		}
		if s.ActualOutstandingTotal > 0 {
			t.DueTotal += s.ActualOutstandingTotal
		} else if s.ActualOutstandingTotal < 0 {
			t.AdvanceTotal += s.ActualOutstandingTotal
		}
		loans[s.LoanID] = true
		clients[s.ClientID] = true
	}
	t.LoansCount = len(loans)
	t.ClientsCount = len(clients)
	return t, nil
}

func (r *memoryLedgerRepo) CurrentFlagViolations(ctx context.Context) ([]int64, error) {
	counts := make(map[int64]int)
	for _, s := range r.rows {
		if _, ok := counts[s.LoanID]; !ok {
			counts[s.LoanID] = 0
		}
		if s.Current {
			counts[s.LoanID]++
		}
	}
	var out []int64
	for loanID, n := range counts {
		if n != 1 {
			out = append(out, loanID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

type stubOracle struct {
	states map[int64]LoanState
	err    error
}

func (o *stubOracle) StateOn(ctx context.Context, loanID int64, date time.Time) (LoanState, error) {
	if o.err != nil {
		return LoanState{}, o.err
	}
	return o.states[loanID], nil
}

type stubHierarchy struct {
	assignments map[int64]Assignment
}

func (h *stubHierarchy) AssignmentOn(ctx context.Context, loanID int64, date time.Time) (Assignment, error) {
	if a, ok := h.assignments[loanID]; ok {
		return a, nil
	}
	return Assignment{}, ErrLoanNotFound
}

type stubOrigination struct {
	disbursed map[ScopeKind]Disbursement
	loanIDs   []int64
}

func (o *stubOrigination) AmountDisbursed(ctx context.Context, scope Scope, from, to time.Time) (Disbursement, error) {
	if _, err := scopeColumn(scope); err != nil {
		return Disbursement{}, err
	}
	return o.disbursed[scope.Kind], nil
}

func (o *stubOrigination) ActiveLoanIDs(ctx context.Context) ([]int64, error) {
	return o.loanIDs, nil
}
