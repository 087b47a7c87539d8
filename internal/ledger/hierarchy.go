package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lendfolio/lendfolio/internal/platform/httpx"
)

// ErrLoanNotFound means the loan has no organizational assignment.
var ErrLoanNotFound = fmt.Errorf("ledger: loan assignment: %w", httpx.ErrNotFound)

// HierarchyRepository resolves a loan's organizational assignment from the
// origination tables. The ledger captures the assignment as it stands at
// write time; reassignments are never applied to rows already written.
type HierarchyRepository struct {
	pool *pgxpool.Pool
}

// NewHierarchyRepository constructs a hierarchy repository.
func NewHierarchyRepository(pool *pgxpool.Pool) *HierarchyRepository {
	return &HierarchyRepository{pool: pool}
}

// AssignmentOn returns the loan's client, group, center and branch ids.
func (r *HierarchyRepository) AssignmentOn(ctx context.Context, loanID int64, date time.Time) (Assignment, error) {
	var a Assignment
	err := r.pool.QueryRow(ctx, `SELECT cl.id, cl.client_group_id, cl.center_id, c.branch_id
FROM loans l
JOIN clients cl ON cl.id = l.client_id
JOIN centers c ON c.id = cl.center_id
WHERE l.id = $1`, loanID).
		Scan(&a.ClientID, &a.ClientGroupID, &a.CenterID, &a.BranchID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Assignment{}, fmt.Errorf("%w: %d", ErrLoanNotFound, loanID)
		}
		return Assignment{}, fmt.Errorf("ledger: assignment lookup: %w", err)
	}
	return a, nil
}
