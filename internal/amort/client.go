// Package amort is the HTTP client for the loan amortization engine. The
// engine owns schedules and repayments; the ledger only consumes its
// computed positions.
package amort

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/lendfolio/lendfolio/internal/ledger"
)

// Client wraps interactions with the amortization engine API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient constructs a new client.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Ping checks if the remote amortization engine is available.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s/health", c.baseURL), nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("amortization engine returned status %d", resp.StatusCode)
	}
	return nil
}

type stateResponse struct {
	Status                        int    `json:"status"`
	ScheduledOutstandingPrincipal *int64 `json:"scheduled_outstanding_principal"`
	ScheduledOutstandingTotal     *int64 `json:"scheduled_outstanding_total"`
	ActualOutstandingPrincipal    *int64 `json:"actual_outstanding_principal"`
	ActualOutstandingTotal        *int64 `json:"actual_outstanding_total"`
	PrincipalDue                  int64  `json:"principal_due"`
	InterestDue                   int64  `json:"interest_due"`
	PrincipalPaid                 int64  `json:"principal_paid"`
	InterestPaid                  int64  `json:"interest_paid"`
	DaysOverdue                   int    `json:"days_overdue"`
}

// StateOn fetches the loan's computed position as of date. The engine is
// deterministic for a fixed (loan, date).
func (c *Client) StateOn(ctx context.Context, loanID int64, date time.Time) (ledger.LoanState, error) {
	url := fmt.Sprintf("%s/loans/%d/state?date=%s", c.baseURL, loanID, date.Format("2006-01-02"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ledger.LoanState{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ledger.LoanState{}, fmt.Errorf("amort: fetch state: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 400 {
		return ledger.LoanState{}, fmt.Errorf("amort: state for loan %d returned status %d", loanID, resp.StatusCode)
	}

	var body stateResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return ledger.LoanState{}, fmt.Errorf("amort: decode state: %w", err)
	}
	return ledger.LoanState{
		Status:                        ledger.LoanStatus(body.Status),
		ScheduledOutstandingPrincipal: body.ScheduledOutstandingPrincipal,
		ScheduledOutstandingTotal:     body.ScheduledOutstandingTotal,
		ActualOutstandingPrincipal:    body.ActualOutstandingPrincipal,
		ActualOutstandingTotal:        body.ActualOutstandingTotal,
		PrincipalDue:                  body.PrincipalDue,
		InterestDue:                   body.InterestDue,
		PrincipalPaid:                 body.PrincipalPaid,
		InterestPaid:                  body.InterestPaid,
		DaysOverdue:                   body.DaysOverdue,
	}, nil
}
