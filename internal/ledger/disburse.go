package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// OriginationRepository reads loan origination data: the branch, center,
// client and loan tables. It never touches loan_history; disbursement
// reporting is deliberately independent of the snapshot store.
type OriginationRepository struct {
	pool *pgxpool.Pool
}

// NewOriginationRepository constructs an origination repository.
func NewOriginationRepository(pool *pgxpool.Pool) *OriginationRepository {
	return &OriginationRepository{pool: pool}
}

// AmountDisbursed sums loan amounts and counts loans under the scope with
// a disbursal date in [from, to]. One join path per scope kind, walking
// the hierarchy down to loans; soft-deleted loans are skipped.
func (r *OriginationRepository) AmountDisbursed(ctx context.Context, scope Scope, from, to time.Time) (Disbursement, error) {
	const loanFilter = `l.disbursal_date IS NOT NULL AND l.deleted_at IS NULL
	  AND l.disbursal_date >= $2 AND l.disbursal_date <= $3`

	var query string
	switch scope.Kind {
	case ScopeBranch:
		query = `SELECT COALESCE(SUM(l.amount), 0), COUNT(l.id)
FROM centers c
JOIN clients cl ON cl.center_id = c.id
JOIN loans l ON l.client_id = cl.id
WHERE c.branch_id = $1 AND ` + loanFilter
	case ScopeCenter:
		query = `SELECT COALESCE(SUM(l.amount), 0), COUNT(l.id)
FROM clients cl
JOIN loans l ON l.client_id = cl.id
WHERE cl.center_id = $1 AND ` + loanFilter
	case ScopeClientGroup:
		query = `SELECT COALESCE(SUM(l.amount), 0), COUNT(l.id)
FROM clients cl
JOIN loans l ON l.client_id = cl.id
WHERE cl.client_group_id = $1 AND ` + loanFilter
	default:
		return Disbursement{}, fmt.Errorf("%w: kind %d", ErrUnknownScope, scope.Kind)
	}

	var d Disbursement
	if err := r.pool.QueryRow(ctx, query, scope.ID, from, to).Scan(&d.Amount, &d.Loans); err != nil {
		return Disbursement{}, fmt.Errorf("ledger: amount disbursed: %w", err)
	}
	return d, nil
}

// ActiveLoanIDs enumerates loans eligible for a history run.
func (r *OriginationRepository) ActiveLoanIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM loans
WHERE disbursal_date IS NOT NULL AND deleted_at IS NULL
ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("ledger: active loans: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
