package engine

import (
	"context"
	"strings"

	"equipment-loan-api/internal/models"

	"go.uber.org/zap"
)

// CancelResult lists the records voided by a cancellation.
type CancelResult struct {
	AlreadyCanceled bool              `json:"already_canceled"`
	UnitID          int64             `json:"unit_id"`
	Loans           []int64           `json:"loans,omitempty"`
	Returns         []int64           `json:"returns,omitempty"`
	Sessions        []int64           `json:"sessions,omitempty"`
	Issues          []int64           `json:"issues,omitempty"`
	ReopenedLoan    *int64            `json:"reopened_loan,omitempty"`
	Status          models.UnitStatus `json:"unit_status"`
}

func cancelAudit(actor, reason string, e *Engine) (models.CancelAudit, error) {
	actor = strings.TrimSpace(actor)
	reason = strings.TrimSpace(reason)
	if actor == "" {
		return models.CancelAudit{}, newError(ErrValidation, "cancel", "actor is required")
	}
	if reason == "" {
		return models.CancelAudit{}, newError(ErrValidation, "cancel", "reason is required")
	}
	var audit models.CancelAudit
	audit.Void(actor, reason, e.now())
	return audit, nil
}

// CancelLoan voids a loan together with its sessions, their open issues and
// its returns, then recomputes the unit's status. Canceling a canceled loan
// writes nothing.
func (e *Engine) CancelLoan(ctx context.Context, loanID int64, actor, reason string) (*CancelResult, error) {
	audit, err := cancelAudit(actor, reason, e)
	if err != nil {
		return nil, err
	}
	res := &CancelResult{}
	err = e.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		loan, err := tx.GetLoan(ctx, loanID)
		if err != nil {
			return err
		}
		unit, err := tx.LockUnit(ctx, loan.UnitID)
		if err != nil {
			return err
		}
		res.UnitID = unit.ID
		if loan.Canceled {
			res.AlreadyCanceled = true
			res.Status = unit.Status
			return nil
		}

		sessions, err := tx.SessionsForLoan(ctx, loanID)
		if err != nil {
			return err
		}
		res.Sessions = sessionIDs(sessions)
		res.Issues, err = openIssueIDs(ctx, tx, res.Sessions)
		if err != nil {
			return err
		}
		returns, err := tx.ReturnsForLoan(ctx, loanID)
		if err != nil {
			return err
		}
		for _, r := range returns {
			res.Returns = append(res.Returns, r.ID)
		}
		res.Loans = []int64{loanID}

		if err := e.void(ctx, tx, audit, res); err != nil {
			return err
		}
		res.Status, err = e.refreshStatus(ctx, tx, unit.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.logCancel("loan canceled", loanID, audit, res)
	return res, nil
}

// CancelReturn voids a return, reopens its loan and voids the loan's return
// sessions with their open issues. Canceling a canceled return writes nothing.
func (e *Engine) CancelReturn(ctx context.Context, returnID int64, actor, reason string) (*CancelResult, error) {
	const op = "cancel return"
	audit, err := cancelAudit(actor, reason, e)
	if err != nil {
		return nil, err
	}
	res := &CancelResult{}
	err = e.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		ret, err := tx.GetReturn(ctx, returnID)
		if err != nil {
			return err
		}
		loan, err := tx.GetLoan(ctx, ret.LoanID)
		if err != nil {
			return err
		}
		unit, err := tx.LockUnit(ctx, loan.UnitID)
		if err != nil {
			return err
		}
		res.UnitID = unit.ID
		if ret.Canceled {
			res.AlreadyCanceled = true
			res.Status = unit.Status
			return nil
		}
		if loan.Canceled {
			return newError(ErrInvariantViolation, op, "loan %d of return %d is canceled", loan.ID, returnID)
		}
		active, err := tx.ActiveLoans(ctx, unit.ID)
		if err != nil {
			return err
		}
		for _, l := range active {
			if l.ID != loan.ID {
				e.log.Error("cannot reopen loan while another is active",
					zap.Int64("loan_id", loan.ID), zap.Int64("active_loan_id", l.ID), zap.Int64("unit_id", unit.ID))
				return newError(ErrInvariantViolation, op, "unit %d already has active loan %d", unit.ID, l.ID)
			}
		}

		sessions, err := tx.SessionsForLoan(ctx, loan.ID)
		if err != nil {
			return err
		}
		var returnSessions []models.CheckSession
		for _, s := range sessions {
			if s.Type == models.SessionReturn {
				returnSessions = append(returnSessions, s)
			}
		}
		res.Sessions = sessionIDs(returnSessions)
		res.Issues, err = openIssueIDs(ctx, tx, res.Sessions)
		if err != nil {
			return err
		}
		res.Returns = []int64{returnID}

		if err := e.void(ctx, tx, audit, res); err != nil {
			return err
		}
		if err := tx.SetLoanStatus(ctx, loan.ID, models.LoanOpen); err != nil {
			return err
		}
		res.ReopenedLoan = &loan.ID
		res.Status, err = e.refreshStatus(ctx, tx, unit.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.logCancel("return canceled", returnID, audit, res)
	return res, nil
}

func (e *Engine) void(ctx context.Context, tx Tx, audit models.CancelAudit, res *CancelResult) error {
	for _, step := range []struct {
		kind RecordKind
		ids  []int64
	}{
		{RecordIssue, res.Issues},
		{RecordSession, res.Sessions},
		{RecordReturn, res.Returns},
		{RecordLoan, res.Loans},
	} {
		if len(step.ids) == 0 {
			continue
		}
		if err := tx.Void(ctx, step.kind, step.ids, audit); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) logCancel(msg string, id int64, audit models.CancelAudit, res *CancelResult) {
	if res.AlreadyCanceled {
		e.log.Info(msg+" (no-op)", zap.Int64("id", id))
		return
	}
	e.log.Info(msg,
		zap.Int64("id", id),
		zap.String("by", *audit.CanceledBy),
		zap.String("reason", *audit.CancelReason),
		zap.Int64s("sessions", res.Sessions),
		zap.Int64s("issues", res.Issues),
		zap.Int64s("returns", res.Returns),
		zap.String("status", string(res.Status)))
}

func sessionIDs(sessions []models.CheckSession) []int64 {
	ids := make([]int64, 0, len(sessions))
	for _, s := range sessions {
		ids = append(ids, s.ID)
	}
	return ids
}

func openIssueIDs(ctx context.Context, tx Tx, sessionIDs []int64) ([]int64, error) {
	if len(sessionIDs) == 0 {
		return nil, nil
	}
	issues, err := tx.IssuesForSessions(ctx, sessionIDs)
	if err != nil {
		return nil, err
	}
	var ids []int64
	for _, is := range issues {
		if is.Blocking() {
			ids = append(ids, is.ID)
		}
	}
	return ids, nil
}
