package postgres

import (
	"context"
	"fmt"
	"strings"

	"equipment-loan-api/internal/models"

	"github.com/lib/pq"
)

// reader implements engine.Reader over either the pool or an open transaction.
type reader struct {
	q querier
}

const (
	unitColumns = `u.id, u.device_type_id, u.lot_number, u.location, u.manufacture_date,
		u.last_inspection_on, u.next_inspection_due, u.status, u.created_at`
	loanColumns = `id, unit_id, checkout_date, destination, purpose, operator_id, operator_name, status,
		external_asset_confirmed, notes, created_at, canceled, canceled_by, canceled_at, cancel_reason`
	sessionColumns = `id, session_type, loan_id, unit_id, performed_by, performed_at, evidence_ref,
		canceled, canceled_by, canceled_at, cancel_reason`
	issueColumns = `id, unit_id, session_id, status, summary, created_by, created_at, resolved_by, resolved_at,
		canceled, canceled_by, canceled_at, cancel_reason`
	returnColumns = `id, loan_id, return_date, operator_id, operator_name, external_asset_confirmed,
		confirmation_uploaded, notes, created_at, canceled, canceled_by, canceled_at, cancel_reason`
)

type scanner interface {
	Scan(dest ...any) error
}

func auditDest(a *models.CancelAudit) []any {
	return []any{&a.Canceled, &a.CanceledBy, &a.CanceledAt, &a.CancelReason}
}

func scanUnit(s scanner, extra ...any) (models.DeviceUnit, error) {
	var u models.DeviceUnit
	dest := append([]any{&u.ID, &u.DeviceTypeID, &u.LotNumber, &u.Location, &u.ManufactureDate,
		&u.LastInspectionOn, &u.NextInspectionDue, &u.Status, &u.CreatedAt}, extra...)
	return u, s.Scan(dest...)
}

func scanLoan(s scanner) (models.Loan, error) {
	var l models.Loan
	dest := append([]any{&l.ID, &l.UnitID, &l.CheckoutDate, &l.Destination, &l.Purpose, &l.OperatorID,
		&l.OperatorName, &l.Status, &l.ExternalAssetConfirmed, &l.Notes, &l.CreatedAt}, auditDest(&l.CancelAudit)...)
	return l, s.Scan(dest...)
}

func scanSession(s scanner) (models.CheckSession, error) {
	var cs models.CheckSession
	dest := append([]any{&cs.ID, &cs.Type, &cs.LoanID, &cs.UnitID, &cs.PerformedBy, &cs.PerformedAt,
		&cs.EvidenceRef}, auditDest(&cs.CancelAudit)...)
	return cs, s.Scan(dest...)
}

func scanIssue(s scanner) (models.Issue, error) {
	var is models.Issue
	dest := append([]any{&is.ID, &is.UnitID, &is.SessionID, &is.Status, &is.Summary, &is.CreatedBy,
		&is.CreatedAt, &is.ResolvedBy, &is.ResolvedAt}, auditDest(&is.CancelAudit)...)
	return is, s.Scan(dest...)
}

func scanReturn(s scanner) (models.Return, error) {
	var r models.Return
	dest := append([]any{&r.ID, &r.LoanID, &r.ReturnDate, &r.OperatorID, &r.OperatorName,
		&r.ExternalAssetConfirmed, &r.ConfirmationUploaded, &r.Notes, &r.CreatedAt}, auditDest(&r.CancelAudit)...)
	return r, s.Scan(dest...)
}

// collect runs a query and scans every row with scan.
func collect[T any](ctx context.Context, q querier, scan func(scanner) (T, error), query string, args ...any) ([]T, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]T, 0)
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (r reader) GetUnit(ctx context.Context, id int64) (models.DeviceUnit, error) {
	u, err := scanUnit(r.q.QueryRowContext(ctx, `SELECT `+unitColumns+` FROM device_units u WHERE u.id = $1`, id))
	return u, notFound(err, "unit %d not found", id)
}

func (r reader) GetDeviceType(ctx context.Context, id int64) (models.DeviceType, error) {
	var dt models.DeviceType
	err := r.q.QueryRowContext(ctx, `SELECT id, category_id, name, description FROM device_types WHERE id = $1`, id).
		Scan(&dt.ID, &dt.CategoryID, &dt.Name, &dt.Description)
	return dt, notFound(err, "device type %d not found", id)
}

func (r reader) ItemsByID(ctx context.Context, ids []int64) (map[int64]models.Item, error) {
	items, err := collect(ctx, r.q, func(s scanner) (models.Item, error) {
		var it models.Item
		return it, s.Scan(&it.ID, &it.Name, &it.Tips, &it.PhotoRef)
	}, `SELECT id, name, tips, photo_ref FROM items WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	out := make(map[int64]models.Item, len(items))
	for _, it := range items {
		out[it.ID] = it
	}
	return out, nil
}

func (r reader) TemplateLines(ctx context.Context, deviceTypeID int64) ([]models.TemplateLine, error) {
	return collect(ctx, r.q, func(s scanner) (models.TemplateLine, error) {
		var l models.TemplateLine
		return l, s.Scan(&l.DeviceTypeID, &l.ItemID, &l.RequiredQty, &l.SortOrder)
	}, `SELECT device_type_id, item_id, required_qty, sort_order FROM template_lines
		WHERE device_type_id = $1 ORDER BY item_id`, deviceTypeID)
}

func (r reader) UnitOverrides(ctx context.Context, unitID int64) ([]models.UnitOverride, error) {
	return collect(ctx, r.q, func(s scanner) (models.UnitOverride, error) {
		var (
			o    models.UnitOverride
			kind string
			qty  *int
		)
		if err := s.Scan(&o.ID, &o.UnitID, &o.ItemID, &kind, &qty, &o.CreatedAt); err != nil {
			return o, err
		}
		action, err := models.NewOverrideAction(kind, qty)
		if err != nil {
			return o, fmt.Errorf("override %d: %w", o.ID, err)
		}
		o.Action = action
		return o, nil
	}, `SELECT id, unit_id, item_id, action, qty, created_at FROM unit_overrides WHERE unit_id = $1 ORDER BY id`, unitID)
}

func (r reader) GetLoan(ctx context.Context, id int64) (models.Loan, error) {
	l, err := scanLoan(r.q.QueryRowContext(ctx, `SELECT `+loanColumns+` FROM loans WHERE id = $1`, id))
	return l, notFound(err, "loan %d not found", id)
}

func (r reader) GetReturn(ctx context.Context, id int64) (models.Return, error) {
	ret, err := scanReturn(r.q.QueryRowContext(ctx, `SELECT `+returnColumns+` FROM returns WHERE id = $1`, id))
	return ret, notFound(err, "return %d not found", id)
}

func (r reader) GetIssue(ctx context.Context, id int64) (models.Issue, error) {
	is, err := scanIssue(r.q.QueryRowContext(ctx, `SELECT `+issueColumns+` FROM issues WHERE id = $1`, id))
	return is, notFound(err, "issue %d not found", id)
}

func (r reader) ActiveLoans(ctx context.Context, unitID int64) ([]models.Loan, error) {
	return collect(ctx, r.q, scanLoan,
		`SELECT `+loanColumns+` FROM loans WHERE unit_id = $1 AND status = 'open' AND NOT canceled ORDER BY id`, unitID)
}

func (r reader) OpenIssues(ctx context.Context, unitID int64) ([]models.Issue, error) {
	return collect(ctx, r.q, scanIssue,
		`SELECT `+issueColumns+` FROM issues WHERE unit_id = $1 AND status = 'open' AND NOT canceled ORDER BY id`, unitID)
}

func (r reader) SessionsForLoan(ctx context.Context, loanID int64) ([]models.CheckSession, error) {
	return collect(ctx, r.q, scanSession,
		`SELECT `+sessionColumns+` FROM check_sessions WHERE loan_id = $1 AND NOT canceled ORDER BY id`, loanID)
}

func (r reader) CheckLines(ctx context.Context, sessionIDs []int64) ([]models.CheckLine, error) {
	return collect(ctx, r.q, func(s scanner) (models.CheckLine, error) {
		var l models.CheckLine
		return l, s.Scan(&l.ID, &l.SessionID, &l.ItemID, &l.RequiredQty, &l.Result, &l.NGReason, &l.FoundQty, &l.Comment)
	}, `SELECT id, session_id, item_id, required_qty, result, ng_reason, found_qty, comment
		FROM check_lines WHERE session_id = ANY($1) ORDER BY id`, pq.Array(sessionIDs))
}

func (r reader) IssuesForSessions(ctx context.Context, sessionIDs []int64) ([]models.Issue, error) {
	return collect(ctx, r.q, scanIssue,
		`SELECT `+issueColumns+` FROM issues WHERE session_id = ANY($1) ORDER BY id`, pq.Array(sessionIDs))
}

func (r reader) ReturnsForLoan(ctx context.Context, loanID int64) ([]models.Return, error) {
	return collect(ctx, r.q, scanReturn,
		`SELECT `+returnColumns+` FROM returns WHERE loan_id = $1 AND NOT canceled ORDER BY id`, loanID)
}

func (r reader) LoanPeriods(ctx context.Context, unitIDs []int64) ([]models.LoanPeriod, error) {
	return collect(ctx, r.q, func(s scanner) (models.LoanPeriod, error) {
		var p models.LoanPeriod
		return p, s.Scan(&p.LoanID, &p.UnitID, &p.CheckoutDate, &p.ReturnDate)
	}, `SELECT l.id, l.unit_id, l.checkout_date, r.return_date
		FROM loans l
		LEFT JOIN returns r ON r.loan_id = l.id AND NOT r.canceled
		WHERE l.unit_id = ANY($1) AND NOT l.canceled
		ORDER BY l.id`, pq.Array(unitIDs))
}

func (r reader) LoanHistory(ctx context.Context, unitID int64, limit, offset int, includeCanceled bool) ([]models.Loan, int, error) {
	var total int
	if err := r.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM loans WHERE unit_id = $1 AND ($2 OR NOT canceled)`, unitID, includeCanceled).Scan(&total); err != nil {
		return nil, 0, err
	}
	query := `SELECT ` + loanColumns + ` FROM loans WHERE unit_id = $1 AND ($2 OR NOT canceled)
		ORDER BY checkout_date DESC, id DESC`
	args := []any{unitID, includeCanceled}
	if limit > 0 {
		query += ` LIMIT $3 OFFSET $4`
		args = append(args, limit, offset)
	} else if offset > 0 {
		query += ` OFFSET $3`
		args = append(args, offset)
	}
	loans, err := collect(ctx, r.q, scanLoan, query, args...)
	return loans, total, err
}

func (r reader) ListUnits(ctx context.Context, f models.UnitFilter) ([]models.UnitSummary, error) {
	clauses := []string{}
	args := []any{}
	if f.CategoryID != 0 {
		args = append(args, f.CategoryID)
		clauses = append(clauses, fmt.Sprintf("dt.category_id = $%d", len(args)))
	}
	if f.DeviceTypeID != 0 {
		args = append(args, f.DeviceTypeID)
		clauses = append(clauses, fmt.Sprintf("u.device_type_id = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, f.Status)
		clauses = append(clauses, fmt.Sprintf("u.status = $%d", len(args)))
	}
	where := ""
	if len(clauses) > 0 {
		where = " WHERE " + strings.Join(clauses, " AND ")
	}
	return collect(ctx, r.q, func(s scanner) (models.UnitSummary, error) {
		var sum models.UnitSummary
		u, err := scanUnit(s, &sum.DeviceTypeName, &sum.CategoryID, &sum.CategoryName)
		sum.DeviceUnit = u
		return sum, err
	}, `SELECT `+unitColumns+`, dt.name, c.id, c.name
		FROM device_units u
		JOIN device_types dt ON dt.id = u.device_type_id
		JOIN categories c ON c.id = dt.category_id`+where+` ORDER BY u.id`, args...)
}

func (r reader) StatusCounts(ctx context.Context, categoryID int64) (map[models.UnitStatus]int, error) {
	rows, err := r.q.QueryContext(ctx, `
		SELECT u.status, COUNT(*)
		FROM device_units u
		JOIN device_types dt ON dt.id = u.device_type_id
		WHERE $1 = 0 OR dt.category_id = $1
		GROUP BY u.status`, categoryID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[models.UnitStatus]int{}
	for rows.Next() {
		var (
			st models.UnitStatus
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

func (r reader) ListCategories(ctx context.Context) ([]models.Category, error) {
	return collect(ctx, r.q, func(s scanner) (models.Category, error) {
		var c models.Category
		return c, s.Scan(&c.ID, &c.Name, &c.Visible, &c.SortKey, &c.Description, &c.DepartmentID)
	}, `SELECT id, name, visible, sort_key, description, department_id FROM categories ORDER BY sort_key, id`)
}

func (r reader) ListDeviceTypes(ctx context.Context, categoryID int64) ([]models.DeviceType, error) {
	return collect(ctx, r.q, func(s scanner) (models.DeviceType, error) {
		var dt models.DeviceType
		return dt, s.Scan(&dt.ID, &dt.CategoryID, &dt.Name, &dt.Description)
	}, `SELECT id, category_id, name, description FROM device_types WHERE $1 = 0 OR category_id = $1 ORDER BY id`, categoryID)
}

func (r reader) NotificationMembers(ctx context.Context, categoryID int64) ([]models.NotificationMember, error) {
	return collect(ctx, r.q, func(s scanner) (models.NotificationMember, error) {
		var m models.NotificationMember
		return m, s.Scan(&m.ID, &m.CategoryID, &m.UserID, &m.Name, &m.Email)
	}, `
		SELECT m.id, m.category_id, m.user_id, COALESCE(u.name, m.name), COALESCE(u.email, m.email)
		FROM notification_members m
		LEFT JOIN users u ON u.id = m.user_id
		WHERE m.category_id = $1 AND (m.user_id IS NULL OR u.is_active)
		ORDER BY m.id`, categoryID)
}
