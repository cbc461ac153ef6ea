package memory

import (
	"context"
	"strings"
	"time"

	"equipment-loan-api/internal/engine"
	"equipment-loan-api/internal/models"
)

// tx writes into a private state copy owned by one WithinTx call.
type tx struct {
	*state
}

var _ engine.Tx = (*tx)(nil)

func byID[T any](id func(T) int64) func(a, b T) bool {
	return func(a, b T) bool { return id(a) < id(b) }
}

func (s *state) GetUnit(_ context.Context, id int64) (models.DeviceUnit, error) {
	u, ok := s.units[id]
	if !ok {
		return u, engine.NotFoundf("unit %d not found", id)
	}
	return u, nil
}

func (s *state) GetDeviceType(_ context.Context, id int64) (models.DeviceType, error) {
	dt, ok := s.deviceTypes[id]
	if !ok {
		return dt, engine.NotFoundf("device type %d not found", id)
	}
	return dt, nil
}

func (s *state) ItemsByID(_ context.Context, ids []int64) (map[int64]models.Item, error) {
	out := make(map[int64]models.Item, len(ids))
	for _, id := range ids {
		if it, ok := s.items[id]; ok {
			out[id] = it
		}
	}
	return out, nil
}

func (s *state) TemplateLines(_ context.Context, deviceTypeID int64) ([]models.TemplateLine, error) {
	return sortedValues(s.template,
		func(l models.TemplateLine) bool { return l.DeviceTypeID == deviceTypeID },
		func(a, b models.TemplateLine) bool { return a.ItemID < b.ItemID }), nil
}

func (s *state) UnitOverrides(_ context.Context, unitID int64) ([]models.UnitOverride, error) {
	return sortedValues(s.overrides,
		func(o models.UnitOverride) bool { return o.UnitID == unitID },
		byID(func(o models.UnitOverride) int64 { return o.ID })), nil
}

func (s *state) GetLoan(_ context.Context, id int64) (models.Loan, error) {
	l, ok := s.loans[id]
	if !ok {
		return l, engine.NotFoundf("loan %d not found", id)
	}
	return l, nil
}

func (s *state) GetReturn(_ context.Context, id int64) (models.Return, error) {
	r, ok := s.returns[id]
	if !ok {
		return r, engine.NotFoundf("return %d not found", id)
	}
	return r, nil
}

func (s *state) GetIssue(_ context.Context, id int64) (models.Issue, error) {
	is, ok := s.issues[id]
	if !ok {
		return is, engine.NotFoundf("issue %d not found", id)
	}
	return is, nil
}

func (s *state) ActiveLoans(_ context.Context, unitID int64) ([]models.Loan, error) {
	return sortedValues(s.loans,
		func(l models.Loan) bool { return l.UnitID == unitID && l.Active() },
		byID(func(l models.Loan) int64 { return l.ID })), nil
}

func (s *state) OpenIssues(_ context.Context, unitID int64) ([]models.Issue, error) {
	return sortedValues(s.issues,
		func(is models.Issue) bool { return is.UnitID == unitID && is.Blocking() },
		byID(func(is models.Issue) int64 { return is.ID })), nil
}

func (s *state) SessionsForLoan(_ context.Context, loanID int64) ([]models.CheckSession, error) {
	return sortedValues(s.sessions,
		func(cs models.CheckSession) bool { return cs.LoanID != nil && *cs.LoanID == loanID && !cs.Canceled },
		byID(func(cs models.CheckSession) int64 { return cs.ID })), nil
}

func (s *state) CheckLines(_ context.Context, sessionIDs []int64) ([]models.CheckLine, error) {
	set := int64Set(sessionIDs)
	return sortedValues(s.lines,
		func(l models.CheckLine) bool { return set[l.SessionID] },
		byID(func(l models.CheckLine) int64 { return l.ID })), nil
}

func (s *state) IssuesForSessions(_ context.Context, sessionIDs []int64) ([]models.Issue, error) {
	set := int64Set(sessionIDs)
	return sortedValues(s.issues,
		func(is models.Issue) bool { return is.SessionID != nil && set[*is.SessionID] },
		byID(func(is models.Issue) int64 { return is.ID })), nil
}

func (s *state) ReturnsForLoan(_ context.Context, loanID int64) ([]models.Return, error) {
	return sortedValues(s.returns,
		func(r models.Return) bool { return r.LoanID == loanID && !r.Canceled },
		byID(func(r models.Return) int64 { return r.ID })), nil
}

func (s *state) LoanPeriods(_ context.Context, unitIDs []int64) ([]models.LoanPeriod, error) {
	units := int64Set(unitIDs)
	returned := make(map[int64]models.Date)
	for _, r := range s.returns {
		if !r.Canceled {
			returned[r.LoanID] = r.ReturnDate
		}
	}
	loans := sortedValues(s.loans,
		func(l models.Loan) bool { return units[l.UnitID] && !l.Canceled },
		byID(func(l models.Loan) int64 { return l.ID }))
	out := make([]models.LoanPeriod, 0, len(loans))
	for _, l := range loans {
		p := models.LoanPeriod{LoanID: l.ID, UnitID: l.UnitID, CheckoutDate: l.CheckoutDate}
		if d, ok := returned[l.ID]; ok {
			d := d
			p.ReturnDate = &d
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *state) LoanHistory(_ context.Context, unitID int64, limit, offset int, includeCanceled bool) ([]models.Loan, int, error) {
	loans := sortedValues(s.loans,
		func(l models.Loan) bool { return l.UnitID == unitID && (includeCanceled || !l.Canceled) },
		func(a, b models.Loan) bool {
			if !a.CheckoutDate.Equal(b.CheckoutDate.Time) {
				return a.CheckoutDate.After(b.CheckoutDate)
			}
			return a.ID > b.ID
		})
	return page(loans, limit, offset), len(loans), nil
}

func (s *state) summary(u models.DeviceUnit) models.UnitSummary {
	dt := s.deviceTypes[u.DeviceTypeID]
	cat := s.categories[dt.CategoryID]
	return models.UnitSummary{DeviceUnit: u, DeviceTypeName: dt.Name, CategoryID: cat.ID, CategoryName: cat.Name}
}

func (s *state) ListUnits(_ context.Context, f models.UnitFilter) ([]models.UnitSummary, error) {
	units := sortedValues(s.units, nil, byID(func(u models.DeviceUnit) int64 { return u.ID }))
	out := make([]models.UnitSummary, 0, len(units))
	for _, u := range units {
		sum := s.summary(u)
		if (f.CategoryID != 0 && sum.CategoryID != f.CategoryID) ||
			(f.DeviceTypeID != 0 && u.DeviceTypeID != f.DeviceTypeID) ||
			(f.Status != "" && u.Status != f.Status) {
			continue
		}
		out = append(out, sum)
	}
	return out, nil
}

func (s *state) StatusCounts(ctx context.Context, categoryID int64) (map[models.UnitStatus]int, error) {
	units, _ := s.ListUnits(ctx, models.UnitFilter{CategoryID: categoryID})
	counts := map[models.UnitStatus]int{}
	for _, u := range units {
		counts[u.Status]++
	}
	return counts, nil
}

func (s *state) ListCategories(_ context.Context) ([]models.Category, error) {
	return sortedValues(s.categories, nil, func(a, b models.Category) bool {
		if a.SortKey != b.SortKey {
			return a.SortKey < b.SortKey
		}
		return a.ID < b.ID
	}), nil
}

func (s *state) ListDeviceTypes(_ context.Context, categoryID int64) ([]models.DeviceType, error) {
	return sortedValues(s.deviceTypes,
		func(dt models.DeviceType) bool { return categoryID == 0 || dt.CategoryID == categoryID },
		byID(func(dt models.DeviceType) int64 { return dt.ID })), nil
}

func (s *state) NotificationMembers(_ context.Context, categoryID int64) ([]models.NotificationMember, error) {
	members := sortedValues(s.members,
		func(m models.NotificationMember) bool {
			if m.CategoryID != categoryID {
				return false
			}
			return m.UserID == nil || s.users[*m.UserID].IsActive
		},
		byID(func(m models.NotificationMember) int64 { return m.ID }))
	for i, m := range members {
		if m.UserID != nil {
			u := s.users[*m.UserID]
			members[i].Name, members[i].Email = u.Name, u.Email
		}
	}
	return members, nil
}

// Users hold slices, so each one leaving the state gets its own copy.
func copyUser(u models.User) models.User {
	u.Roles = append([]string(nil), u.Roles...)
	return u
}

func (s *state) GetUser(_ context.Context, id int64) (models.User, error) {
	u, ok := s.users[id]
	if !ok {
		return u, engine.NotFoundf("user %d not found", id)
	}
	return copyUser(u), nil
}

func (s *state) GetUserByEmail(_ context.Context, email string) (models.User, error) {
	for _, u := range s.users {
		if strings.EqualFold(u.Email, email) {
			return copyUser(u), nil
		}
	}
	return models.User{}, engine.NotFoundf("user %q not found", email)
}

func (s *state) ListUsers(_ context.Context) ([]models.User, error) {
	users := sortedValues(s.users, nil,
		byID(func(u models.User) int64 { return u.ID }))
	for i := range users {
		users[i] = copyUser(users[i])
	}
	return users, nil
}

// operatorExists mirrors the operator_id foreign key.
func (s *state) operatorExists(id *int64) error {
	if id == nil {
		return nil
	}
	if _, ok := s.users[*id]; !ok {
		return engine.NotFoundf("operator %d not found", *id)
	}
	return nil
}

func (t *tx) LockUnit(ctx context.Context, unitID int64) (models.DeviceUnit, error) {
	return t.GetUnit(ctx, unitID)
}

func (t *tx) SetUnitStatus(_ context.Context, unitID int64, status models.UnitStatus) error {
	u, ok := t.units[unitID]
	if !ok {
		return engine.NotFoundf("unit %d not found", unitID)
	}
	u.Status = status
	t.units[unitID] = u
	return nil
}

func (t *tx) InsertLoan(_ context.Context, loan *models.Loan) error {
	if err := t.operatorExists(loan.OperatorID); err != nil {
		return err
	}
	if loan.Active() {
		for _, l := range t.loans {
			if l.UnitID == loan.UnitID && l.Active() {
				return engine.NotAvailablef("unit %d already has active loan %d", loan.UnitID, l.ID)
			}
		}
	}
	loan.ID = t.id()
	t.loans[loan.ID] = *loan
	return nil
}

func (t *tx) SetLoanStatus(_ context.Context, loanID int64, status models.LoanStatus) error {
	l, ok := t.loans[loanID]
	if !ok {
		return engine.NotFoundf("loan %d not found", loanID)
	}
	if status == models.LoanOpen && !l.Canceled {
		for _, other := range t.loans {
			if other.ID != loanID && other.UnitID == l.UnitID && other.Active() {
				return engine.NotAvailablef("unit %d already has active loan %d", l.UnitID, other.ID)
			}
		}
	}
	l.Status = status
	t.loans[loanID] = l
	return nil
}

func (t *tx) InsertReturn(_ context.Context, ret *models.Return) error {
	if err := t.operatorExists(ret.OperatorID); err != nil {
		return err
	}
	for _, r := range t.returns {
		if r.LoanID == ret.LoanID && !r.Canceled {
			return engine.Conflictf("loan %d already has return %d", ret.LoanID, r.ID)
		}
	}
	ret.ID = t.id()
	t.returns[ret.ID] = *ret
	return nil
}

func (t *tx) InsertSession(_ context.Context, cs *models.CheckSession) error {
	cs.ID = t.id()
	t.sessions[cs.ID] = *cs
	return nil
}

func (t *tx) InsertCheckLines(_ context.Context, lines []models.CheckLine) error {
	for i := range lines {
		lines[i].ID = t.id()
		t.lines[lines[i].ID] = lines[i]
	}
	return nil
}

func (t *tx) InsertIssue(_ context.Context, issue *models.Issue) error {
	issue.ID = t.id()
	t.issues[issue.ID] = *issue
	return nil
}

func (t *tx) ResolveIssue(_ context.Context, issueID int64, by string, at time.Time) error {
	is, ok := t.issues[issueID]
	if !ok {
		return engine.NotFoundf("issue %d not found", issueID)
	}
	is.Status = models.IssueResolved
	is.ResolvedBy = &by
	is.ResolvedAt = &at
	t.issues[issueID] = is
	return nil
}

func (t *tx) Void(_ context.Context, kind engine.RecordKind, ids []int64, audit models.CancelAudit) error {
	for _, id := range ids {
		switch kind {
		case engine.RecordLoan:
			v, ok := t.loans[id]
			if !ok {
				return engine.NotFoundf("loan %d not found", id)
			}
			v.CancelAudit = audit
			t.loans[id] = v
		case engine.RecordSession:
			v, ok := t.sessions[id]
			if !ok {
				return engine.NotFoundf("session %d not found", id)
			}
			v.CancelAudit = audit
			t.sessions[id] = v
		case engine.RecordIssue:
			v, ok := t.issues[id]
			if !ok {
				return engine.NotFoundf("issue %d not found", id)
			}
			v.CancelAudit = audit
			t.issues[id] = v
		case engine.RecordReturn:
			v, ok := t.returns[id]
			if !ok {
				return engine.NotFoundf("return %d not found", id)
			}
			v.CancelAudit = audit
			t.returns[id] = v
		}
	}
	return nil
}

func (t *tx) InsertCategory(_ context.Context, c *models.Category) error {
	for _, other := range t.categories {
		if strings.EqualFold(other.Name, c.Name) {
			return engine.Conflictf("category %q already exists", c.Name)
		}
	}
	c.ID = t.id()
	t.categories[c.ID] = *c
	return nil
}

func (t *tx) InsertDeviceType(_ context.Context, dt *models.DeviceType) error {
	if _, ok := t.categories[dt.CategoryID]; !ok {
		return engine.NotFoundf("category %d not found", dt.CategoryID)
	}
	for _, other := range t.deviceTypes {
		if other.CategoryID == dt.CategoryID && strings.EqualFold(other.Name, dt.Name) {
			return engine.Conflictf("device type %q already exists in category %d", dt.Name, dt.CategoryID)
		}
	}
	dt.ID = t.id()
	t.deviceTypes[dt.ID] = *dt
	return nil
}

func (t *tx) InsertItem(_ context.Context, it *models.Item) error {
	it.ID = t.id()
	t.items[it.ID] = *it
	return nil
}

func (t *tx) PutTemplateLine(_ context.Context, line models.TemplateLine) error {
	if line.RequiredQty < 1 {
		return engine.Validationf("template line: required_qty must be at least 1")
	}
	t.template[pairKey{line.DeviceTypeID, line.ItemID}] = line
	return nil
}

func (t *tx) InsertUnit(_ context.Context, u *models.DeviceUnit) error {
	for _, other := range t.units {
		if other.DeviceTypeID == u.DeviceTypeID && other.LotNumber == u.LotNumber {
			return engine.Conflictf("lot %q already exists for device type %d", u.LotNumber, u.DeviceTypeID)
		}
	}
	u.ID = t.id()
	t.units[u.ID] = *u
	return nil
}

func (t *tx) ReplaceOverride(_ context.Context, o *models.UnitOverride) error {
	o.ID = t.id()
	t.overrides[pairKey{o.UnitID, o.ItemID}] = *o
	return nil
}

func (t *tx) DeleteOverride(_ context.Context, unitID, itemID int64) error {
	key := pairKey{unitID, itemID}
	if _, ok := t.overrides[key]; !ok {
		return engine.NotFoundf("no override for unit %d item %d", unitID, itemID)
	}
	delete(t.overrides, key)
	return nil
}

func (t *tx) ItemReferenced(_ context.Context, itemID int64) (bool, error) {
	for _, l := range t.lines {
		if l.ItemID == itemID {
			return true, nil
		}
	}
	return false, nil
}

func (t *tx) DeleteItem(_ context.Context, itemID int64) error {
	if _, ok := t.items[itemID]; !ok {
		return engine.NotFoundf("item %d not found", itemID)
	}
	delete(t.items, itemID)
	for k, l := range t.template {
		if l.ItemID == itemID {
			delete(t.template, k)
		}
	}
	for k, o := range t.overrides {
		if o.ItemID == itemID {
			delete(t.overrides, k)
		}
	}
	return nil
}

func (t *tx) InsertNotificationMember(_ context.Context, m *models.NotificationMember) error {
	if _, ok := t.categories[m.CategoryID]; !ok {
		return engine.NotFoundf("category %d not found", m.CategoryID)
	}
	if m.UserID != nil {
		if _, ok := t.users[*m.UserID]; !ok {
			return engine.NotFoundf("user %d not found", *m.UserID)
		}
	}
	for _, other := range t.members {
		if other.CategoryID != m.CategoryID {
			continue
		}
		if strings.EqualFold(other.Email, m.Email) || (m.UserID != nil && other.UserID != nil && *other.UserID == *m.UserID) {
			return engine.Conflictf("%s is already in the group of category %d", m.Email, m.CategoryID)
		}
	}
	m.ID = t.id()
	t.members[m.ID] = *m
	return nil
}

func (t *tx) DeleteNotificationMember(_ context.Context, id int64) error {
	if _, ok := t.members[id]; !ok {
		return engine.NotFoundf("notification member %d not found", id)
	}
	delete(t.members, id)
	return nil
}

func (t *tx) InsertUser(_ context.Context, u *models.User) error {
	for _, other := range t.users {
		if strings.EqualFold(other.Email, u.Email) {
			return engine.Conflictf("user %s already exists", u.Email)
		}
	}
	u.ID = t.id()
	t.users[u.ID] = copyUser(*u)
	return nil
}

func (t *tx) UpdateUser(_ context.Context, u models.User) error {
	if _, ok := t.users[u.ID]; !ok {
		return engine.NotFoundf("user %d not found", u.ID)
	}
	t.users[u.ID] = copyUser(u)
	return nil
}

func (t *tx) DeleteUser(_ context.Context, id int64) error {
	if _, ok := t.users[id]; !ok {
		return engine.NotFoundf("user %d not found", id)
	}
	delete(t.users, id)
	for lid, l := range t.loans {
		if l.OperatorID != nil && *l.OperatorID == id {
			l.OperatorID = nil
			t.loans[lid] = l
		}
	}
	for rid, r := range t.returns {
		if r.OperatorID != nil && *r.OperatorID == id {
			r.OperatorID = nil
			t.returns[rid] = r
		}
	}
	for mid, m := range t.members {
		if m.UserID != nil && *m.UserID == id {
			delete(t.members, mid)
		}
	}
	return nil
}
