package postgres

import (
	"context"
	"fmt"
	"time"

	"equipment-loan-api/internal/engine"
	"equipment-loan-api/internal/models"

	"github.com/lib/pq"
)

type tx struct {
	reader
}

var _ engine.Tx = (*tx)(nil)

// LockUnit takes a row lock on the unit for the rest of the transaction.
func (t *tx) LockUnit(ctx context.Context, unitID int64) (models.DeviceUnit, error) {
	u, err := scanUnit(t.q.QueryRowContext(ctx,
		`SELECT `+unitColumns+` FROM device_units u WHERE u.id = $1 FOR UPDATE`, unitID))
	return u, notFound(err, "unit %d not found", unitID)
}

// execOne runs a single-row statement and reports a missing row as NotFound.
func (t *tx) execOne(ctx context.Context, what string, query string, args ...any) error {
	res, err := t.q.ExecContext(ctx, query, args...)
	if err != nil {
		return mapWriteError(err, what)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return engine.NotFoundf("%s: not found", what)
	}
	return nil
}

func (t *tx) SetUnitStatus(ctx context.Context, unitID int64, status models.UnitStatus) error {
	return t.execOne(ctx, fmt.Sprintf("unit %d", unitID),
		`UPDATE device_units SET status = $2 WHERE id = $1`, unitID, status)
}

func (t *tx) InsertLoan(ctx context.Context, l *models.Loan) error {
	err := t.q.QueryRowContext(ctx, `
		INSERT INTO loans (unit_id, checkout_date, destination, purpose, operator_id, operator_name, status,
		                   external_asset_confirmed, notes, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10) RETURNING id`,
		l.UnitID, l.CheckoutDate, l.Destination, l.Purpose, l.OperatorID, l.OperatorName, l.Status,
		l.ExternalAssetConfirmed, l.Notes, l.CreatedAt,
	).Scan(&l.ID)
	return mapWriteError(err, fmt.Sprintf("insert loan for unit %d", l.UnitID))
}

func (t *tx) SetLoanStatus(ctx context.Context, loanID int64, status models.LoanStatus) error {
	return t.execOne(ctx, fmt.Sprintf("loan %d", loanID),
		`UPDATE loans SET status = $2 WHERE id = $1`, loanID, status)
}

func (t *tx) InsertReturn(ctx context.Context, r *models.Return) error {
	err := t.q.QueryRowContext(ctx, `
		INSERT INTO returns (loan_id, return_date, operator_id, operator_name, external_asset_confirmed,
		                     confirmation_uploaded, notes, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8) RETURNING id`,
		r.LoanID, r.ReturnDate, r.OperatorID, r.OperatorName, r.ExternalAssetConfirmed,
		r.ConfirmationUploaded, r.Notes, r.CreatedAt,
	).Scan(&r.ID)
	return mapWriteError(err, fmt.Sprintf("insert return for loan %d", r.LoanID))
}

func (t *tx) InsertSession(ctx context.Context, cs *models.CheckSession) error {
	err := t.q.QueryRowContext(ctx, `
		INSERT INTO check_sessions (session_type, loan_id, unit_id, performed_by, performed_at, evidence_ref)
		VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`,
		cs.Type, cs.LoanID, cs.UnitID, cs.PerformedBy, cs.PerformedAt, cs.EvidenceRef,
	).Scan(&cs.ID)
	return mapWriteError(err, "insert session")
}

func (t *tx) InsertCheckLines(ctx context.Context, lines []models.CheckLine) error {
	for i := range lines {
		l := &lines[i]
		err := t.q.QueryRowContext(ctx, `
			INSERT INTO check_lines (session_id, item_id, required_qty, result, ng_reason, found_qty, comment)
			VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id`,
			l.SessionID, l.ItemID, l.RequiredQty, l.Result, l.NGReason, l.FoundQty, l.Comment,
		).Scan(&l.ID)
		if err != nil {
			return mapWriteError(err, fmt.Sprintf("insert check line for item %d", l.ItemID))
		}
	}
	return nil
}

func (t *tx) InsertIssue(ctx context.Context, is *models.Issue) error {
	err := t.q.QueryRowContext(ctx, `
		INSERT INTO issues (unit_id, session_id, status, summary, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`,
		is.UnitID, is.SessionID, is.Status, is.Summary, is.CreatedBy, is.CreatedAt,
	).Scan(&is.ID)
	return mapWriteError(err, "insert issue")
}

func (t *tx) ResolveIssue(ctx context.Context, issueID int64, by string, at time.Time) error {
	return t.execOne(ctx, fmt.Sprintf("issue %d", issueID),
		`UPDATE issues SET status = 'resolved', resolved_by = $2, resolved_at = $3 WHERE id = $1`, issueID, by, at)
}

var voidTables = map[engine.RecordKind]string{
	engine.RecordLoan:    "loans",
	engine.RecordSession: "check_sessions",
	engine.RecordIssue:   "issues",
	engine.RecordReturn:  "returns",
}

func (t *tx) Void(ctx context.Context, kind engine.RecordKind, ids []int64, audit models.CancelAudit) error {
	if len(ids) == 0 {
		return nil
	}
	table, ok := voidTables[kind]
	if !ok {
		return fmt.Errorf("void: unknown record kind %q", kind)
	}
	res, err := t.q.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET canceled = $2, canceled_by = $3, canceled_at = $4, cancel_reason = $5
		WHERE id = ANY($1)`, table),
		pq.Array(ids), audit.Canceled, audit.CanceledBy, audit.CanceledAt, audit.CancelReason)
	if err != nil {
		return mapWriteError(err, "void "+string(kind))
	}
	if n, err := res.RowsAffected(); err == nil && int(n) != len(ids) {
		return engine.NotFoundf("void %s: %d of %d records found", kind, n, len(ids))
	}
	return nil
}

func (t *tx) InsertCategory(ctx context.Context, c *models.Category) error {
	err := t.q.QueryRowContext(ctx, `
		INSERT INTO categories (name, visible, sort_key, description, department_id)
		VALUES ($1,$2,$3,$4,$5) RETURNING id`,
		c.Name, c.Visible, c.SortKey, c.Description, c.DepartmentID,
	).Scan(&c.ID)
	return mapWriteError(err, fmt.Sprintf("category %q", c.Name))
}

func (t *tx) InsertDeviceType(ctx context.Context, dt *models.DeviceType) error {
	err := t.q.QueryRowContext(ctx, `
		INSERT INTO device_types (category_id, name, description) VALUES ($1,$2,$3) RETURNING id`,
		dt.CategoryID, dt.Name, dt.Description,
	).Scan(&dt.ID)
	return mapWriteError(err, fmt.Sprintf("device type %q", dt.Name))
}

func (t *tx) InsertItem(ctx context.Context, it *models.Item) error {
	err := t.q.QueryRowContext(ctx,
		`INSERT INTO items (name, tips, photo_ref) VALUES ($1,$2,$3) RETURNING id`,
		it.Name, it.Tips, it.PhotoRef,
	).Scan(&it.ID)
	return mapWriteError(err, fmt.Sprintf("item %q", it.Name))
}

func (t *tx) PutTemplateLine(ctx context.Context, l models.TemplateLine) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO template_lines (device_type_id, item_id, required_qty, sort_order)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (device_type_id, item_id) DO UPDATE
		SET required_qty = EXCLUDED.required_qty, sort_order = EXCLUDED.sort_order`,
		l.DeviceTypeID, l.ItemID, l.RequiredQty, l.SortOrder)
	return mapWriteError(err, "template line")
}

func (t *tx) InsertUnit(ctx context.Context, u *models.DeviceUnit) error {
	err := t.q.QueryRowContext(ctx, `
		INSERT INTO device_units (device_type_id, lot_number, location, manufacture_date,
		                          last_inspection_on, next_inspection_due, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8) RETURNING id`,
		u.DeviceTypeID, u.LotNumber, u.Location, u.ManufactureDate,
		u.LastInspectionOn, u.NextInspectionDue, u.Status, u.CreatedAt,
	).Scan(&u.ID)
	return mapWriteError(err, fmt.Sprintf("unit lot %q", u.LotNumber))
}

func (t *tx) ReplaceOverride(ctx context.Context, o *models.UnitOverride) error {
	if _, err := t.q.ExecContext(ctx,
		`DELETE FROM unit_overrides WHERE unit_id = $1 AND item_id = $2`, o.UnitID, o.ItemID); err != nil {
		return err
	}
	err := t.q.QueryRowContext(ctx, `
		INSERT INTO unit_overrides (unit_id, item_id, action, qty, created_at)
		VALUES ($1,$2,$3,$4,$5) RETURNING id`,
		o.UnitID, o.ItemID, o.Action.Kind(), models.OverrideQtyOf(o.Action), o.CreatedAt,
	).Scan(&o.ID)
	return mapWriteError(err, fmt.Sprintf("override for unit %d item %d", o.UnitID, o.ItemID))
}

func (t *tx) DeleteOverride(ctx context.Context, unitID, itemID int64) error {
	return t.execOne(ctx, fmt.Sprintf("override for unit %d item %d", unitID, itemID),
		`DELETE FROM unit_overrides WHERE unit_id = $1 AND item_id = $2`, unitID, itemID)
}

func (t *tx) ItemReferenced(ctx context.Context, itemID int64) (bool, error) {
	var used bool
	err := t.q.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM check_lines WHERE item_id = $1)`, itemID).Scan(&used)
	return used, err
}

// DeleteItem relies on ON DELETE CASCADE for template lines and overrides.
func (t *tx) DeleteItem(ctx context.Context, itemID int64) error {
	return t.execOne(ctx, fmt.Sprintf("item %d", itemID), `DELETE FROM items WHERE id = $1`, itemID)
}

func (t *tx) InsertNotificationMember(ctx context.Context, m *models.NotificationMember) error {
	err := t.q.QueryRowContext(ctx, `
		INSERT INTO notification_members (category_id, user_id, name, email) VALUES ($1,$2,$3,$4) RETURNING id`,
		m.CategoryID, m.UserID, m.Name, m.Email,
	).Scan(&m.ID)
	return mapWriteError(err, fmt.Sprintf("member %s", m.Email))
}

func (t *tx) DeleteNotificationMember(ctx context.Context, id int64) error {
	return t.execOne(ctx, fmt.Sprintf("notification member %d", id),
		`DELETE FROM notification_members WHERE id = $1`, id)
}
