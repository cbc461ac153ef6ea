// Package memory is an in-process implementation of engine.Store. Each
// transaction works on a private copy of the state which replaces the shared
// state on commit, so readers always see a consistent committed snapshot.
package memory

import (
	"context"
	"sort"
	"sync"

	"equipment-loan-api/internal/engine"
	"equipment-loan-api/internal/models"
)

var _ engine.Store = (*Store)(nil)

type pairKey [2]int64

type state struct {
	nextID      int64
	categories  map[int64]models.Category
	deviceTypes map[int64]models.DeviceType
	items       map[int64]models.Item
	template    map[pairKey]models.TemplateLine
	units       map[int64]models.DeviceUnit
	overrides   map[pairKey]models.UnitOverride
	loans       map[int64]models.Loan
	sessions    map[int64]models.CheckSession
	lines       map[int64]models.CheckLine
	issues      map[int64]models.Issue
	returns     map[int64]models.Return
	members     map[int64]models.NotificationMember
	users       map[int64]models.User
}

func newState() *state {
	return &state{
		categories:  map[int64]models.Category{},
		deviceTypes: map[int64]models.DeviceType{},
		items:       map[int64]models.Item{},
		template:    map[pairKey]models.TemplateLine{},
		units:       map[int64]models.DeviceUnit{},
		overrides:   map[pairKey]models.UnitOverride{},
		loans:       map[int64]models.Loan{},
		sessions:    map[int64]models.CheckSession{},
		lines:       map[int64]models.CheckLine{},
		issues:      map[int64]models.Issue{},
		returns:     map[int64]models.Return{},
		members:     map[int64]models.NotificationMember{},
		users:       map[int64]models.User{},
	}
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// clone copies every table. Values are replaced, never mutated in place, so a
// shallow copy of each map is enough.
func (s *state) clone() *state {
	return &state{
		nextID:      s.nextID,
		categories:  cloneMap(s.categories),
		deviceTypes: cloneMap(s.deviceTypes),
		items:       cloneMap(s.items),
		template:    cloneMap(s.template),
		units:       cloneMap(s.units),
		overrides:   cloneMap(s.overrides),
		loans:       cloneMap(s.loans),
		sessions:    cloneMap(s.sessions),
		lines:       cloneMap(s.lines),
		issues:      cloneMap(s.issues),
		returns:     cloneMap(s.returns),
		members:     cloneMap(s.members),
		users:       cloneMap(s.users),
	}
}

func (s *state) id() int64 {
	s.nextID++
	return s.nextID
}

// Store serializes transactions behind one mutex.
type Store struct {
	txMu sync.Mutex
	mu   sync.RWMutex
	data *state

	logMu sync.Mutex
	logs  []models.NotificationLog
}

func New() *Store {
	return &Store{data: newState()}
}

func (s *Store) snapshot() *state {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data
}

// WithinTx runs fn against a private copy of the state and publishes it only
// if fn succeeds.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx engine.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	work := s.snapshot().clone()
	if err := fn(ctx, &tx{state: work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.data = work
	s.mu.Unlock()
	return nil
}

func (s *Store) GetUnit(ctx context.Context, id int64) (models.DeviceUnit, error) {
	return s.snapshot().GetUnit(ctx, id)
}

func (s *Store) GetDeviceType(ctx context.Context, id int64) (models.DeviceType, error) {
	return s.snapshot().GetDeviceType(ctx, id)
}

func (s *Store) ItemsByID(ctx context.Context, ids []int64) (map[int64]models.Item, error) {
	return s.snapshot().ItemsByID(ctx, ids)
}

func (s *Store) TemplateLines(ctx context.Context, deviceTypeID int64) ([]models.TemplateLine, error) {
	return s.snapshot().TemplateLines(ctx, deviceTypeID)
}

func (s *Store) UnitOverrides(ctx context.Context, unitID int64) ([]models.UnitOverride, error) {
	return s.snapshot().UnitOverrides(ctx, unitID)
}

func (s *Store) GetLoan(ctx context.Context, id int64) (models.Loan, error) {
	return s.snapshot().GetLoan(ctx, id)
}

func (s *Store) GetReturn(ctx context.Context, id int64) (models.Return, error) {
	return s.snapshot().GetReturn(ctx, id)
}

func (s *Store) GetIssue(ctx context.Context, id int64) (models.Issue, error) {
	return s.snapshot().GetIssue(ctx, id)
}

func (s *Store) ActiveLoans(ctx context.Context, unitID int64) ([]models.Loan, error) {
	return s.snapshot().ActiveLoans(ctx, unitID)
}

func (s *Store) OpenIssues(ctx context.Context, unitID int64) ([]models.Issue, error) {
	return s.snapshot().OpenIssues(ctx, unitID)
}

func (s *Store) SessionsForLoan(ctx context.Context, loanID int64) ([]models.CheckSession, error) {
	return s.snapshot().SessionsForLoan(ctx, loanID)
}

func (s *Store) CheckLines(ctx context.Context, sessionIDs []int64) ([]models.CheckLine, error) {
	return s.snapshot().CheckLines(ctx, sessionIDs)
}

func (s *Store) IssuesForSessions(ctx context.Context, sessionIDs []int64) ([]models.Issue, error) {
	return s.snapshot().IssuesForSessions(ctx, sessionIDs)
}

func (s *Store) ReturnsForLoan(ctx context.Context, loanID int64) ([]models.Return, error) {
	return s.snapshot().ReturnsForLoan(ctx, loanID)
}

func (s *Store) LoanPeriods(ctx context.Context, unitIDs []int64) ([]models.LoanPeriod, error) {
	return s.snapshot().LoanPeriods(ctx, unitIDs)
}

func (s *Store) LoanHistory(ctx context.Context, unitID int64, limit, offset int, includeCanceled bool) ([]models.Loan, int, error) {
	return s.snapshot().LoanHistory(ctx, unitID, limit, offset, includeCanceled)
}

func (s *Store) ListUnits(ctx context.Context, filter models.UnitFilter) ([]models.UnitSummary, error) {
	return s.snapshot().ListUnits(ctx, filter)
}

func (s *Store) StatusCounts(ctx context.Context, categoryID int64) (map[models.UnitStatus]int, error) {
	return s.snapshot().StatusCounts(ctx, categoryID)
}

func (s *Store) ListCategories(ctx context.Context) ([]models.Category, error) {
	return s.snapshot().ListCategories(ctx)
}

func (s *Store) ListDeviceTypes(ctx context.Context, categoryID int64) ([]models.DeviceType, error) {
	return s.snapshot().ListDeviceTypes(ctx, categoryID)
}

func (s *Store) NotificationMembers(ctx context.Context, categoryID int64) ([]models.NotificationMember, error) {
	return s.snapshot().NotificationMembers(ctx, categoryID)
}

func (s *Store) GetUser(ctx context.Context, id int64) (models.User, error) {
	return s.snapshot().GetUser(ctx, id)
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (models.User, error) {
	return s.snapshot().GetUserByEmail(ctx, email)
}

func (s *Store) ListUsers(ctx context.Context) ([]models.User, error) {
	return s.snapshot().ListUsers(ctx)
}

// InsertNotificationLog appends a delivery outcome. The log is outside the
// transactional state since deliveries happen after commit.
func (s *Store) InsertNotificationLog(_ context.Context, entry *models.NotificationLog) error {
	s.logMu.Lock()
	defer s.logMu.Unlock()
	entry.ID = int64(len(s.logs) + 1)
	s.logs = append(s.logs, *entry)
	return nil
}

// ListNotificationLogs returns log entries newest first, optionally filtered by status.
func (s *Store) ListNotificationLogs(_ context.Context, status models.NotificationStatus, limit, offset int) ([]models.NotificationLog, int, error) {
	s.logMu.Lock()
	defer s.logMu.Unlock()
	var matched []models.NotificationLog
	for i := len(s.logs) - 1; i >= 0; i-- {
		if status == "" || s.logs[i].Status == status {
			matched = append(matched, s.logs[i])
		}
	}
	return page(matched, limit, offset), len(matched), nil
}

func page[T any](rows []T, limit, offset int) []T {
	if offset >= len(rows) {
		return []T{}
	}
	rows = rows[offset:]
	if limit > 0 && limit < len(rows) {
		rows = rows[:limit]
	}
	return rows
}

func sortedValues[K comparable, V any](m map[K]V, keep func(V) bool, less func(a, b V) bool) []V {
	out := make([]V, 0)
	for _, v := range m {
		if keep == nil || keep(v) {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func int64Set(ids []int64) map[int64]bool {
	set := make(map[int64]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
