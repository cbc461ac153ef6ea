package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"equipment-loan-api/internal/models"

	"go.uber.org/zap"
)

type CheckoutRequest struct {
	UnitID                 int64                     `json:"-"`
	CheckoutDate           models.Date               `json:"checkout_date"`
	Destination            string                    `json:"destination"`
	Purpose                string                    `json:"purpose"`
	Results                []models.InspectionResult `json:"results"`
	EvidenceRef            *string                   `json:"evidence_ref,omitempty"`
	Operator               models.Operator           `json:"operator"`
	ExternalAssetConfirmed bool                      `json:"external_asset_confirmed"`
	Notes                  string                    `json:"notes,omitempty"`
}

type ReturnRequest struct {
	UnitID                 int64                     `json:"-"`
	ReturnDate             models.Date               `json:"return_date"`
	Results                []models.InspectionResult `json:"results"`
	EvidenceRef            *string                   `json:"evidence_ref,omitempty"`
	Operator               models.Operator           `json:"operator"`
	ExternalAssetConfirmed bool                      `json:"external_asset_confirmed"`
	ConfirmationUploaded   bool                      `json:"confirmation_uploaded"`
	Notes                  string                    `json:"notes,omitempty"`
}

// Inspection is the session, lines and issues recorded by one checkout or return.
type Inspection struct {
	Session models.CheckSession `json:"session"`
	Lines   []models.CheckLine  `json:"lines"`
	Issues  []models.Issue      `json:"issues"`
}

type CheckoutResult struct {
	Loan   models.Loan       `json:"loan"`
	Status models.UnitStatus `json:"unit_status"`
	Inspection
}

type ReturnResult struct {
	Return models.Return     `json:"return"`
	Loan   models.Loan       `json:"loan"`
	Status models.UnitStatus `json:"unit_status"`
	Inspection
}

// Checkout lends an in-stock unit and records the checkout inspection.
// NG lines open issues, which leave the unit in needs_attention.
func (e *Engine) Checkout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	const op = "checkout"
	req.Destination = strings.TrimSpace(req.Destination)
	req.Purpose = strings.TrimSpace(req.Purpose)
	switch {
	case req.CheckoutDate.IsZero():
		return nil, newError(ErrValidation, op, "checkout_date is required")
	case req.Destination == "":
		return nil, newError(ErrValidation, op, "destination is required")
	case req.Purpose == "":
		return nil, newError(ErrValidation, op, "purpose is required")
	}
	if err := validateOperator(op, req.Operator); err != nil {
		return nil, err
	}
	results, err := normalizeResults(op, req.Results)
	if err != nil {
		return nil, err
	}

	var res CheckoutResult
	var unit models.DeviceUnit
	err = e.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		unit, err = tx.LockUnit(ctx, req.UnitID)
		if err != nil {
			return err
		}
		if err := checkOperator(ctx, tx, op, req.Operator); err != nil {
			return err
		}
		issues, err := tx.OpenIssues(ctx, unit.ID)
		if err != nil {
			return err
		}
		if len(issues) > 0 {
			return newError(ErrHasOpenIssues, op, "unit %d has %d open issue(s)", unit.ID, len(issues))
		}
		loans, err := tx.ActiveLoans(ctx, unit.ID)
		if err != nil {
			return err
		}
		if len(loans) > 0 || unit.Status != models.StatusInStock {
			return newError(ErrNotAvailable, op, "unit %d is %s", unit.ID, unit.Status)
		}

		res.Loan = models.Loan{
			UnitID:                 unit.ID,
			CheckoutDate:           req.CheckoutDate,
			Destination:            req.Destination,
			Purpose:                req.Purpose,
			OperatorID:             req.Operator.ID,
			OperatorName:           req.Operator.Name,
			Status:                 models.LoanOpen,
			ExternalAssetConfirmed: req.ExternalAssetConfirmed,
			Notes:                  req.Notes,
			CreatedAt:              e.now(),
		}
		if err := tx.InsertLoan(ctx, &res.Loan); err != nil {
			return err
		}
		insp, err := e.recordInspection(ctx, tx, unit, models.SessionCheckout, res.Loan.ID, results, req.Operator.Name, req.EvidenceRef)
		if err != nil {
			return err
		}
		res.Inspection = *insp
		res.Status, err = e.refreshStatus(ctx, tx, unit.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("unit checked out",
		zap.Int64("unit_id", unit.ID),
		zap.Int64("loan_id", res.Loan.ID),
		zap.Int("issues", len(res.Issues)),
		zap.String("status", string(res.Status)))

	events := []Event{{
		Type:      models.EventLoanCreated,
		RelatedID: res.Loan.ID,
		Subject:   fmt.Sprintf("Unit %s checked out", unit.LotNumber),
		Body: fmt.Sprintf("Unit %s was checked out on %s to %s (%s) by %s.",
			unit.LotNumber, res.Loan.CheckoutDate, res.Loan.Destination, res.Loan.Purpose, res.Loan.OperatorName),
	}}
	events = append(events, issueEvents(unit, res.Issues)...)
	e.notify(ctx, e.withRecipients(ctx, unit, req.Operator, events))
	return &res, nil
}

// Return closes the active loan of a unit and records the return inspection.
// Status is recomputed over every open issue of the unit, not only new ones.
func (e *Engine) Return(ctx context.Context, req ReturnRequest) (*ReturnResult, error) {
	const op = "return"
	if req.ReturnDate.IsZero() {
		return nil, newError(ErrValidation, op, "return_date is required")
	}
	if err := validateOperator(op, req.Operator); err != nil {
		return nil, err
	}
	results, err := normalizeResults(op, req.Results)
	if err != nil {
		return nil, err
	}

	var res ReturnResult
	var unit models.DeviceUnit
	err = e.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		unit, err = tx.LockUnit(ctx, req.UnitID)
		if err != nil {
			return err
		}
		if err := checkOperator(ctx, tx, op, req.Operator); err != nil {
			return err
		}
		loans, err := tx.ActiveLoans(ctx, unit.ID)
		if err != nil {
			return err
		}
		switch len(loans) {
		case 0:
			return newError(ErrNoActiveLoan, op, "unit %d has no active loan", unit.ID)
		case 1:
		default:
			e.log.Error("unit has more than one active loan", zap.Int64("unit_id", unit.ID), zap.Int("active_loans", len(loans)))
			return newError(ErrInvariantViolation, op, "unit %d has %d active loans", unit.ID, len(loans))
		}
		loan := loans[0]
		if req.ReturnDate.Before(loan.CheckoutDate) {
			return newError(ErrValidation, op, "return_date %s precedes checkout_date %s", req.ReturnDate, loan.CheckoutDate)
		}

		res.Return = models.Return{
			LoanID:                 loan.ID,
			ReturnDate:             req.ReturnDate,
			OperatorID:             req.Operator.ID,
			OperatorName:           req.Operator.Name,
			ExternalAssetConfirmed: req.ExternalAssetConfirmed,
			ConfirmationUploaded:   req.ConfirmationUploaded,
			Notes:                  req.Notes,
			CreatedAt:              e.now(),
		}
		if err := tx.InsertReturn(ctx, &res.Return); err != nil {
			return err
		}
		if err := tx.SetLoanStatus(ctx, loan.ID, models.LoanClosed); err != nil {
			return err
		}
		loan.Status = models.LoanClosed
		res.Loan = loan

		insp, err := e.recordInspection(ctx, tx, unit, models.SessionReturn, loan.ID, results, req.Operator.Name, req.EvidenceRef)
		if err != nil {
			return err
		}
		res.Inspection = *insp
		res.Status, err = e.refreshStatus(ctx, tx, unit.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("unit returned",
		zap.Int64("unit_id", unit.ID),
		zap.Int64("loan_id", res.Loan.ID),
		zap.Int64("return_id", res.Return.ID),
		zap.Int("issues", len(res.Issues)),
		zap.String("status", string(res.Status)))

	events := []Event{{
		Type:      models.EventReturnCreated,
		RelatedID: res.Return.ID,
		Subject:   fmt.Sprintf("Unit %s returned", unit.LotNumber),
		Body: fmt.Sprintf("Unit %s was returned on %s by %s. %d issue(s) recorded.",
			unit.LotNumber, res.Return.ReturnDate, res.Return.OperatorName, len(res.Issues)),
	}}
	events = append(events, issueEvents(unit, res.Issues)...)
	e.notify(ctx, e.withRecipients(ctx, unit, req.Operator, events))
	return &res, nil
}

// ResolveIssue closes an open issue and recomputes the unit's status.
// Resolving an already resolved issue changes nothing.
func (e *Engine) ResolveIssue(ctx context.Context, issueID int64, actor string) (models.Issue, models.UnitStatus, error) {
	const op = "resolve issue"
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return models.Issue{}, "", newError(ErrValidation, op, "actor is required")
	}
	var issue models.Issue
	var status models.UnitStatus
	err := e.store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		issue, err = tx.GetIssue(ctx, issueID)
		if err != nil {
			return err
		}
		unit, err := tx.LockUnit(ctx, issue.UnitID)
		if err != nil {
			return err
		}
		status = unit.Status
		if issue.Canceled {
			return newError(ErrValidation, op, "issue %d is canceled", issueID)
		}
		if issue.Status == models.IssueResolved {
			return nil
		}
		at := e.now()
		if err := tx.ResolveIssue(ctx, issueID, actor, at); err != nil {
			return err
		}
		issue.Status = models.IssueResolved
		issue.ResolvedBy = &actor
		issue.ResolvedAt = &at
		status, err = e.refreshStatus(ctx, tx, issue.UnitID)
		return err
	})
	if err != nil {
		return models.Issue{}, "", err
	}
	e.log.Info("issue resolved", zap.Int64("issue_id", issueID), zap.String("by", actor), zap.String("status", string(status)))
	return issue, status, nil
}

func validateOperator(op string, o models.Operator) error {
	if strings.TrimSpace(o.Name) == "" {
		return newError(ErrValidation, op, "operator name is required")
	}
	return nil
}

// normalizeResults validates inspection results and drops found_qty where it does not apply.
func normalizeResults(op string, in []models.InspectionResult) ([]models.InspectionResult, error) {
	seen := make(map[int64]bool, len(in))
	out := make([]models.InspectionResult, 0, len(in))
	for _, r := range in {
		if seen[r.ItemID] {
			return nil, newError(ErrValidation, op, "duplicate result for item %d", r.ItemID)
		}
		seen[r.ItemID] = true
		switch r.Result {
		case models.ResultOK:
			r.NGReason, r.FoundQty = nil, nil
		case models.ResultNG:
			if r.NGReason == nil || !r.NGReason.Valid() {
				return nil, newError(ErrValidation, op, "item %d: NG requires a reason of lost, damaged or insufficient_qty", r.ItemID)
			}
			if *r.NGReason != models.ReasonInsufficientQty {
				r.FoundQty = nil
			} else if r.FoundQty != nil && *r.FoundQty < 0 {
				return nil, newError(ErrValidation, op, "item %d: found_qty must not be negative", r.ItemID)
			}
		default:
			return nil, newError(ErrValidation, op, "item %d: result must be OK or NG", r.ItemID)
		}
		out = append(out, r)
	}
	return out, nil
}

// recordInspection writes a session with one line per checklist item and an
// issue for every NG line. Every checklist item must have exactly one result.
func (e *Engine) recordInspection(ctx context.Context, tx Tx, unit models.DeviceUnit, kind models.SessionType, loanID int64,
	results []models.InspectionResult, performedBy string, evidenceRef *string) (*Inspection, error) {
	checklist, err := e.checklist(ctx, tx, unit.ID)
	if err != nil {
		return nil, err
	}
	byItem := make(map[int64]models.InspectionResult, len(results))
	for _, r := range results {
		byItem[r.ItemID] = r
	}
	for _, line := range checklist {
		if _, ok := byItem[line.ItemID]; !ok {
			return nil, newError(ErrValidation, string(kind), "missing result for item %d (%s)", line.ItemID, line.Name)
		}
		delete(byItem, line.ItemID)
	}
	if len(byItem) > 0 {
		extra := make([]int64, 0, len(byItem))
		for itemID := range byItem {
			extra = append(extra, itemID)
		}
		sort.Slice(extra, func(i, j int) bool { return extra[i] < extra[j] })
		return nil, newError(ErrValidation, string(kind), "item %d is not on the checklist of unit %d", extra[0], unit.ID)
	}

	at := e.now()
	insp := &Inspection{Session: models.CheckSession{
		Type:        kind,
		LoanID:      &loanID,
		UnitID:      unit.ID,
		PerformedBy: performedBy,
		PerformedAt: at,
		EvidenceRef: evidenceRef,
	}}
	if err := tx.InsertSession(ctx, &insp.Session); err != nil {
		return nil, err
	}

	resultFor := make(map[int64]models.InspectionResult, len(results))
	for _, r := range results {
		resultFor[r.ItemID] = r
	}
	insp.Lines = make([]models.CheckLine, 0, len(checklist))
	for _, line := range checklist {
		r := resultFor[line.ItemID]
		insp.Lines = append(insp.Lines, models.CheckLine{
			SessionID:   insp.Session.ID,
			ItemID:      line.ItemID,
			RequiredQty: line.RequiredQty,
			Result:      r.Result,
			NGReason:    r.NGReason,
			FoundQty:    r.FoundQty,
			Comment:     r.Comment,
		})
	}
	if err := tx.InsertCheckLines(ctx, insp.Lines); err != nil {
		return nil, err
	}

	for i, line := range insp.Lines {
		if line.Result != models.ResultNG {
			continue
		}
		sessionID := insp.Session.ID
		issue := models.Issue{
			UnitID:    unit.ID,
			SessionID: &sessionID,
			Status:    models.IssueOpen,
			Summary:   issueSummary(checklist[i].Name, line),
			CreatedBy: performedBy,
			CreatedAt: at,
		}
		if err := tx.InsertIssue(ctx, &issue); err != nil {
			return nil, err
		}
		insp.Issues = append(insp.Issues, issue)
	}
	return insp, nil
}

func issueSummary(itemName string, line models.CheckLine) string {
	var b strings.Builder
	b.WriteString(itemName)
	b.WriteString(": ")
	if line.NGReason != nil {
		b.WriteString(string(*line.NGReason))
	}
	if line.FoundQty != nil {
		fmt.Fprintf(&b, " (found %d/%d)", *line.FoundQty, line.RequiredQty)
	}
	if line.Comment != nil && strings.TrimSpace(*line.Comment) != "" {
		b.WriteString(" - ")
		b.WriteString(strings.TrimSpace(*line.Comment))
	}
	return b.String()
}

func issueEvents(unit models.DeviceUnit, issues []models.Issue) []Event {
	events := make([]Event, 0, len(issues))
	for _, is := range issues {
		events = append(events, Event{
			Type:      models.EventIssueCreated,
			RelatedID: is.ID,
			Subject:   fmt.Sprintf("Issue on unit %s", unit.LotNumber),
			Body:      is.Summary,
		})
	}
	return events
}

// withRecipients addresses events to the operator and the unit's category group.
func (e *Engine) withRecipients(ctx context.Context, unit models.DeviceUnit, operator models.Operator, events []Event) []Event {
	var recipients []string
	seen := map[string]bool{}
	add := func(addr string) {
		addr = strings.TrimSpace(addr)
		if addr != "" && !seen[addr] {
			seen[addr] = true
			recipients = append(recipients, addr)
		}
	}
	add(operator.Email)
	if dt, err := e.store.GetDeviceType(ctx, unit.DeviceTypeID); err != nil {
		e.log.Warn("notification group lookup failed", zap.Int64("unit_id", unit.ID), zap.Error(err))
	} else if members, err := e.store.NotificationMembers(ctx, dt.CategoryID); err != nil {
		e.log.Warn("notification group lookup failed", zap.Int64("category_id", dt.CategoryID), zap.Error(err))
	} else {
		for _, m := range members {
			add(m.Email)
		}
	}
	if len(recipients) == 0 {
		return nil
	}
	for i := range events {
		events[i].Recipients = recipients
	}
	return events
}
