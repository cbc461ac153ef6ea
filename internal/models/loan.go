package models

import "time"

// CancelAudit records who voided a record and why.
type CancelAudit struct {
	Canceled     bool       `json:"canceled"`
	CanceledBy   *string    `json:"canceled_by,omitempty"`
	CanceledAt   *time.Time `json:"canceled_at,omitempty"`
	CancelReason *string    `json:"cancel_reason,omitempty"`
}

// Void marks the audit as canceled by actor at the given time.
func (a *CancelAudit) Void(actor, reason string, at time.Time) {
	a.Canceled = true
	a.CanceledBy = &actor
	a.CanceledAt = &at
	a.CancelReason = &reason
}

type LoanStatus string

const (
	LoanOpen   LoanStatus = "open"
	LoanClosed LoanStatus = "closed"
)

// Operator identifies the staff member performing an action.
type Operator struct {
	ID    *int64 `json:"id,omitempty"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
}

type Loan struct {
	ID                     int64      `json:"id"`
	UnitID                 int64      `json:"unit_id"`
	CheckoutDate           Date       `json:"checkout_date"`
	Destination            string     `json:"destination"`
	Purpose                string     `json:"purpose"`
	OperatorID             *int64     `json:"operator_id,omitempty"`
	OperatorName           string     `json:"operator_name"`
	Status                 LoanStatus `json:"status"`
	ExternalAssetConfirmed bool       `json:"external_asset_confirmed"`
	Notes                  string     `json:"notes,omitempty"`
	CreatedAt              time.Time  `json:"created_at"`
	CancelAudit
}

// Active reports whether the loan currently occupies its unit.
func (l Loan) Active() bool {
	return l.Status == LoanOpen && !l.Canceled
}

type SessionType string

const (
	SessionCheckout SessionType = "checkout"
	SessionReturn   SessionType = "return"
)

// CheckSession is one inspection of a unit at checkout or return.
type CheckSession struct {
	ID          int64       `json:"id"`
	Type        SessionType `json:"session_type"`
	LoanID      *int64      `json:"loan_id,omitempty"`
	UnitID      int64       `json:"unit_id"`
	PerformedBy string      `json:"performed_by"`
	PerformedAt time.Time   `json:"performed_at"`
	EvidenceRef *string     `json:"evidence_ref,omitempty"`
	CancelAudit
}

type CheckResult string

const (
	ResultOK CheckResult = "OK"
	ResultNG CheckResult = "NG"
)

type NGReason string

const (
	ReasonLost            NGReason = "lost"
	ReasonDamaged         NGReason = "damaged"
	ReasonInsufficientQty NGReason = "insufficient_qty"
)

// Valid reports whether r is a known NG reason.
func (r NGReason) Valid() bool {
	switch r {
	case ReasonLost, ReasonDamaged, ReasonInsufficientQty:
		return true
	}
	return false
}

type CheckLine struct {
	ID          int64       `json:"id"`
	SessionID   int64       `json:"session_id"`
	ItemID      int64       `json:"item_id"`
	RequiredQty int         `json:"required_qty"`
	Result      CheckResult `json:"result"`
	NGReason    *NGReason   `json:"ng_reason,omitempty"`
	FoundQty    *int        `json:"found_qty,omitempty"`
	Comment     *string     `json:"comment,omitempty"`
}

// InspectionResult is the operator's verdict for one checklist line.
type InspectionResult struct {
	ItemID   int64       `json:"item_id"`
	Result   CheckResult `json:"result"`
	NGReason *NGReason   `json:"ng_reason,omitempty"`
	FoundQty *int        `json:"found_qty,omitempty"`
	Comment  *string     `json:"comment,omitempty"`
}

type IssueStatus string

const (
	IssueOpen     IssueStatus = "open"
	IssueResolved IssueStatus = "resolved"
)

type Issue struct {
	ID         int64       `json:"id"`
	UnitID     int64       `json:"unit_id"`
	SessionID  *int64      `json:"session_id,omitempty"`
	Status     IssueStatus `json:"status"`
	Summary    string      `json:"summary"`
	CreatedBy  string      `json:"created_by"`
	CreatedAt  time.Time   `json:"created_at"`
	ResolvedBy *string     `json:"resolved_by,omitempty"`
	ResolvedAt *time.Time  `json:"resolved_at,omitempty"`
	CancelAudit
}

// Blocking reports whether the issue keeps its unit in needs_attention.
func (i Issue) Blocking() bool {
	return i.Status == IssueOpen && !i.Canceled
}

type Return struct {
	ID                     int64     `json:"id"`
	LoanID                 int64     `json:"loan_id"`
	ReturnDate             Date      `json:"return_date"`
	OperatorID             *int64    `json:"operator_id,omitempty"`
	OperatorName           string    `json:"operator_name"`
	ExternalAssetConfirmed bool      `json:"external_asset_confirmed"`
	ConfirmationUploaded   bool      `json:"confirmation_uploaded"`
	Notes                  string    `json:"notes,omitempty"`
	CreatedAt              time.Time `json:"created_at"`
	CancelAudit
}

// LoanPeriod is a non-canceled loan and the date of its active return, if any.
type LoanPeriod struct {
	LoanID       int64 `json:"loan_id"`
	UnitID       int64 `json:"unit_id"`
	CheckoutDate Date  `json:"checkout_date"`
	ReturnDate   *Date `json:"return_date,omitempty"`
}

// LoanWithReturn pairs a loan with its active return for history views.
type LoanWithReturn struct {
	Loan
	Return *Return `json:"return,omitempty"`
}
