package engine

import (
	"context"

	"equipment-loan-api/internal/models"
)

type UnitDetail struct {
	Unit       models.DeviceUnit `json:"unit"`
	ActiveLoan *models.Loan      `json:"active_loan,omitempty"`
	OpenIssues []models.Issue    `json:"open_issues"`
}

func (e *Engine) UnitDetail(ctx context.Context, unitID int64) (*UnitDetail, error) {
	unit, err := e.store.GetUnit(ctx, unitID)
	if err != nil {
		return nil, err
	}
	issues, err := e.store.OpenIssues(ctx, unitID)
	if err != nil {
		return nil, err
	}
	loans, err := e.store.ActiveLoans(ctx, unitID)
	if err != nil {
		return nil, err
	}
	d := &UnitDetail{Unit: unit, OpenIssues: issues}
	if len(loans) > 0 {
		d.ActiveLoan = &loans[0]
	}
	return d, nil
}

// LoanHistory lists a unit's loans newest first, each with its active return.
func (e *Engine) LoanHistory(ctx context.Context, unitID int64, limit, offset int, includeCanceled bool) ([]models.LoanWithReturn, int, error) {
	if _, err := e.store.GetUnit(ctx, unitID); err != nil {
		return nil, 0, err
	}
	loans, total, err := e.store.LoanHistory(ctx, unitID, limit, offset, includeCanceled)
	if err != nil {
		return nil, 0, err
	}
	out := make([]models.LoanWithReturn, 0, len(loans))
	for _, l := range loans {
		row := models.LoanWithReturn{Loan: l}
		returns, err := e.store.ReturnsForLoan(ctx, l.ID)
		if err != nil {
			return nil, 0, err
		}
		if len(returns) > 0 {
			row.Return = &returns[0]
		}
		out = append(out, row)
	}
	return out, total, nil
}

// StatusCounts counts units per status, optionally within one category (0 = all).
func (e *Engine) StatusCounts(ctx context.Context, categoryID int64) (map[models.UnitStatus]int, error) {
	counts, err := e.store.StatusCounts(ctx, categoryID)
	if err != nil {
		return nil, err
	}
	for _, s := range []models.UnitStatus{models.StatusInStock, models.StatusLoaned, models.StatusNeedsAttention} {
		if _, ok := counts[s]; !ok {
			counts[s] = 0
		}
	}
	return counts, nil
}

// LoanRecords is a loan with every record that a cancellation would touch.
type LoanRecords struct {
	Loan     models.Loan           `json:"loan"`
	Sessions []models.CheckSession `json:"sessions"`
	Lines    []models.CheckLine    `json:"lines"`
	Issues   []models.Issue        `json:"issues"`
	Returns  []models.Return       `json:"returns"`
}

func (e *Engine) LoanRecords(ctx context.Context, loanID int64) (*LoanRecords, error) {
	loan, err := e.store.GetLoan(ctx, loanID)
	if err != nil {
		return nil, err
	}
	rec := &LoanRecords{Loan: loan}
	if rec.Sessions, err = e.store.SessionsForLoan(ctx, loanID); err != nil {
		return nil, err
	}
	ids := sessionIDs(rec.Sessions)
	if len(ids) > 0 {
		if rec.Lines, err = e.store.CheckLines(ctx, ids); err != nil {
			return nil, err
		}
		if rec.Issues, err = e.store.IssuesForSessions(ctx, ids); err != nil {
			return nil, err
		}
	}
	if rec.Returns, err = e.store.ReturnsForLoan(ctx, loanID); err != nil {
		return nil, err
	}
	return rec, nil
}

func (e *Engine) ListUnits(ctx context.Context, filter models.UnitFilter) ([]models.UnitSummary, error) {
	return e.store.ListUnits(ctx, filter)
}

func (e *Engine) ListCategories(ctx context.Context) ([]models.Category, error) {
	return e.store.ListCategories(ctx)
}

func (e *Engine) ListDeviceTypes(ctx context.Context, categoryID int64) ([]models.DeviceType, error) {
	return e.store.ListDeviceTypes(ctx, categoryID)
}

func (e *Engine) NotificationMembers(ctx context.Context, categoryID int64) ([]models.NotificationMember, error) {
	return e.store.NotificationMembers(ctx, categoryID)
}
