package engine

import (
	"context"
	"time"

	"equipment-loan-api/internal/models"
)

// Reader is the query side shared by Store and Tx. Missing rows are reported
// with NotFoundf. List methods return empty slices rather than errors.
type Reader interface {
	GetUnit(ctx context.Context, id int64) (models.DeviceUnit, error)
	GetDeviceType(ctx context.Context, id int64) (models.DeviceType, error)
	ItemsByID(ctx context.Context, ids []int64) (map[int64]models.Item, error)
	TemplateLines(ctx context.Context, deviceTypeID int64) ([]models.TemplateLine, error)
	UnitOverrides(ctx context.Context, unitID int64) ([]models.UnitOverride, error)

	GetLoan(ctx context.Context, id int64) (models.Loan, error)
	GetReturn(ctx context.Context, id int64) (models.Return, error)
	GetIssue(ctx context.Context, id int64) (models.Issue, error)
	// ActiveLoans returns the open, non-canceled loans of a unit.
	ActiveLoans(ctx context.Context, unitID int64) ([]models.Loan, error)
	// OpenIssues returns the open, non-canceled issues of a unit.
	OpenIssues(ctx context.Context, unitID int64) ([]models.Issue, error)
	// SessionsForLoan returns the non-canceled sessions of a loan.
	SessionsForLoan(ctx context.Context, loanID int64) ([]models.CheckSession, error)
	CheckLines(ctx context.Context, sessionIDs []int64) ([]models.CheckLine, error)
	// IssuesForSessions returns every issue raised by the given sessions.
	IssuesForSessions(ctx context.Context, sessionIDs []int64) ([]models.Issue, error)
	// ReturnsForLoan returns the non-canceled returns of a loan.
	ReturnsForLoan(ctx context.Context, loanID int64) ([]models.Return, error)
	// LoanPeriods returns the non-canceled loans of the given units with their active return dates.
	LoanPeriods(ctx context.Context, unitIDs []int64) ([]models.LoanPeriod, error)
	LoanHistory(ctx context.Context, unitID int64, limit, offset int, includeCanceled bool) ([]models.Loan, int, error)

	ListUnits(ctx context.Context, filter models.UnitFilter) ([]models.UnitSummary, error)
	StatusCounts(ctx context.Context, categoryID int64) (map[models.UnitStatus]int, error)
	ListCategories(ctx context.Context) ([]models.Category, error)
	// ListDeviceTypes returns the device types of a category, or all of them for categoryID 0.
	ListDeviceTypes(ctx context.Context, categoryID int64) ([]models.DeviceType, error)
	// NotificationMembers returns the recipients of a category. Members linked
	// to a user carry that user's current name and email; members of
	// deactivated users are left out.
	NotificationMembers(ctx context.Context, categoryID int64) ([]models.NotificationMember, error)

	GetUser(ctx context.Context, id int64) (models.User, error)
	// GetUserByEmail matches the address case-insensitively.
	GetUserByEmail(ctx context.Context, email string) (models.User, error)
	ListUsers(ctx context.Context) ([]models.User, error)
}

// RecordKind names a cancelable entity.
type RecordKind string

const (
	RecordLoan    RecordKind = "loan"
	RecordSession RecordKind = "session"
	RecordIssue   RecordKind = "issue"
	RecordReturn  RecordKind = "return"
)

// Tx is a unit of work. Everything written through a Tx is discarded if the
// function passed to Store.WithinTx returns an error.
type Tx interface {
	Reader

	// LockUnit loads a unit and holds it against concurrent lifecycle changes until commit.
	LockUnit(ctx context.Context, unitID int64) (models.DeviceUnit, error)
	SetUnitStatus(ctx context.Context, unitID int64, status models.UnitStatus) error

	InsertLoan(ctx context.Context, loan *models.Loan) error
	SetLoanStatus(ctx context.Context, loanID int64, status models.LoanStatus) error
	InsertReturn(ctx context.Context, ret *models.Return) error
	InsertSession(ctx context.Context, session *models.CheckSession) error
	InsertCheckLines(ctx context.Context, lines []models.CheckLine) error
	InsertIssue(ctx context.Context, issue *models.Issue) error
	ResolveIssue(ctx context.Context, issueID int64, by string, at time.Time) error
	// Void marks the given records canceled with the same audit.
	Void(ctx context.Context, kind RecordKind, ids []int64, audit models.CancelAudit) error

	InsertCategory(ctx context.Context, c *models.Category) error
	InsertDeviceType(ctx context.Context, dt *models.DeviceType) error
	InsertItem(ctx context.Context, item *models.Item) error
	PutTemplateLine(ctx context.Context, line models.TemplateLine) error
	InsertUnit(ctx context.Context, unit *models.DeviceUnit) error
	// ReplaceOverride deletes any override for (unit, item) and stores o in its place.
	ReplaceOverride(ctx context.Context, o *models.UnitOverride) error
	DeleteOverride(ctx context.Context, unitID, itemID int64) error
	ItemReferenced(ctx context.Context, itemID int64) (bool, error)
	DeleteItem(ctx context.Context, itemID int64) error
	InsertNotificationMember(ctx context.Context, m *models.NotificationMember) error
	DeleteNotificationMember(ctx context.Context, id int64) error

	InsertUser(ctx context.Context, u *models.User) error
	// UpdateUser rewrites every mutable column of u.
	UpdateUser(ctx context.Context, u models.User) error
	// DeleteUser removes a user. Loans and returns keep the operator name but
	// lose the id; the user's notification memberships are removed.
	DeleteUser(ctx context.Context, id int64) error
}

// Store is the persistence collaborator of the engine.
type Store interface {
	Reader
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
