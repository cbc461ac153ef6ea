//go:build integration

package postgres_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"equipment-loan-api/internal/engine"
	"equipment-loan-api/internal/models"
	"equipment-loan-api/internal/store/postgres"
	"equipment-loan-api/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type env struct {
	ctx   context.Context
	store *postgres.Store
	eng   *engine.Engine
	unit  models.DeviceUnit
	cable models.Item
}

func setup(t *testing.T) *env {
	testutil.RequireIntegration(t)
	db := testutil.NewTestDB(t)
	testutil.ResetSchema(t, db, false)

	e := &env{ctx: context.Background(), store: postgres.New(db, nil)}
	e.eng = engine.New(e.store, engine.WithPasswordCost(bcrypt.MinCost))

	cat, err := e.eng.CreateCategory(e.ctx, models.Category{Name: "Ultrasound", Visible: true})
	require.NoError(t, err)
	dt, err := e.eng.CreateDeviceType(e.ctx, models.DeviceType{CategoryID: cat.ID, Name: "Scanner"})
	require.NoError(t, err)
	e.cable, err = e.eng.CreateItem(e.ctx, models.Item{Name: "Cable"})
	require.NoError(t, err)
	require.NoError(t, e.eng.PutTemplateLine(e.ctx, models.TemplateLine{DeviceTypeID: dt.ID, ItemID: e.cable.ID, RequiredQty: 1}))
	e.unit, err = e.eng.CreateUnit(e.ctx, models.DeviceUnit{DeviceTypeID: dt.ID, LotNumber: "PG-1"})
	require.NoError(t, err)
	return e
}

func (e *env) checkoutRequest() engine.CheckoutRequest {
	d, _ := models.ParseDate("2024-05-01")
	return engine.CheckoutRequest{
		UnitID:       e.unit.ID,
		CheckoutDate: d,
		Destination:  "Clinic",
		Purpose:      "trial",
		Operator:     models.Operator{Name: "Ito"},
		Results:      []models.InspectionResult{{ItemID: e.cable.ID, Result: models.ResultOK}},
	}
}

func TestPostgres_LifecycleRoundTrip(t *testing.T) {
	e := setup(t)

	out, err := e.eng.Checkout(e.ctx, e.checkoutRequest())
	require.NoError(t, err)
	assert.Equal(t, models.StatusLoaned, out.Status)

	d, _ := models.ParseDate("2024-05-03")
	reason := models.ReasonDamaged
	back, err := e.eng.Return(e.ctx, engine.ReturnRequest{
		UnitID:     e.unit.ID,
		ReturnDate: d,
		Operator:   models.Operator{Name: "Ito"},
		Results:    []models.InspectionResult{{ItemID: e.cable.ID, Result: models.ResultNG, NGReason: &reason}},
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusNeedsAttention, back.Status)

	rec, err := e.eng.LoanRecords(e.ctx, out.Loan.ID)
	require.NoError(t, err)
	assert.Len(t, rec.Sessions, 2)
	assert.Len(t, rec.Lines, 2)
	require.Len(t, rec.Issues, 1)
	assert.Equal(t, "Cable: damaged", rec.Issues[0].Summary)

	res, err := e.eng.CancelLoan(e.ctx, out.Loan.ID, "admin", "test data")
	require.NoError(t, err)
	assert.Equal(t, models.StatusInStock, res.Status)

	err = e.eng.DeleteItem(e.ctx, e.cable.ID)
	assert.ErrorIs(t, err, engine.ErrItemInUse)
}

func TestPostgres_ConcurrentCheckoutsYieldOneLoan(t *testing.T) {
	e := setup(t)

	const n = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.eng.Checkout(e.ctx, e.checkoutRequest())
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}()
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, engine.ErrNotAvailable)
	}
	assert.Equal(t, 1, succeeded)

	loans, err := e.store.ActiveLoans(e.ctx, e.unit.ID)
	require.NoError(t, err)
	assert.Len(t, loans, 1)
}

// The engine rejects zero quantities before they reach the database, so this
// writes through the Tx directly to hit the CHECK constraint.
func TestPostgres_TemplateLineCheckConstraint(t *testing.T) {
	e := setup(t)

	err := e.store.WithinTx(e.ctx, func(ctx context.Context, tx engine.Tx) error {
		return tx.PutTemplateLine(ctx, models.TemplateLine{DeviceTypeID: e.unit.DeviceTypeID, ItemID: e.cable.ID, RequiredQty: 0})
	})
	assert.ErrorIs(t, err, engine.ErrValidation)

	err = e.eng.PutTemplateLine(e.ctx, models.TemplateLine{DeviceTypeID: e.unit.DeviceTypeID, ItemID: e.cable.ID, RequiredQty: 0})
	assert.ErrorIs(t, err, engine.ErrValidation)

	lines, err := e.store.TemplateLines(e.ctx, e.unit.DeviceTypeID)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, 1, lines[0].RequiredQty)
}

func TestPostgres_OverridesAndLogs(t *testing.T) {
	e := setup(t)

	_, err := e.eng.SetOverride(e.ctx, e.unit.ID, e.cable.ID, models.OverrideQty{Qty: 3})
	require.NoError(t, err)
	_, err = e.eng.SetOverride(e.ctx, e.unit.ID, e.cable.ID, models.OverrideQty{Qty: 4})
	require.NoError(t, err)

	lines, err := e.eng.Checklist(e.ctx, e.unit.ID)
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Equal(t, 4, lines[0].RequiredQty)
	assert.True(t, lines[0].IsOverridden)

	require.NoError(t, e.store.InsertNotificationLog(e.ctx, &models.NotificationLog{
		EventType: models.EventLoanCreated, RelatedID: 1, Recipient: "a@example.com",
		Status: models.NotificationFailed, Attempts: 3, CreatedAt: time.Now(),
	}))
	logs, total, err := e.store.ListNotificationLogs(e.ctx, models.NotificationFailed, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, logs, 1)
	assert.Equal(t, 3, logs[0].Attempts)
}

func TestPostgres_UsersAndOperatorReferences(t *testing.T) {
	e := setup(t)

	ito, err := e.eng.CreateUser(e.ctx, models.CreateUserRequest{
		Email: "Ito@Example.com", Password: "ito-password", Name: "Ito", Roles: []string{models.RoleOperator, models.RoleAdmin},
	})
	require.NoError(t, err)
	assert.Equal(t, "ito@example.com", ito.Email)

	_, err = e.eng.CreateUser(e.ctx, models.CreateUserRequest{
		Email: "ITO@example.com", Password: "ito-password", Name: "Ito", Roles: []string{models.RoleOperator},
	})
	assert.ErrorIs(t, err, engine.ErrConflict)

	got, err := e.eng.Authenticate(e.ctx, "ito@example.com", "ito-password")
	require.NoError(t, err)
	assert.Equal(t, []string{models.RoleOperator, models.RoleAdmin}, got.Roles)
	stored, err := e.store.GetUser(e.ctx, ito.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.LastLoginAt)

	cat, err := e.eng.CreateCategory(e.ctx, models.Category{Name: "Endoscopy"})
	require.NoError(t, err)
	_, err = e.eng.AddNotificationMember(e.ctx, models.NotificationMember{CategoryID: cat.ID, UserID: &ito.ID})
	require.NoError(t, err)

	req := e.checkoutRequest()
	req.Operator = ito.Operator()
	out, err := e.eng.Checkout(e.ctx, req)
	require.NoError(t, err)
	require.NotNil(t, out.Loan.OperatorID)

	// keep an admin around so the account can go
	_, err = e.eng.CreateUser(e.ctx, models.CreateUserRequest{
		Email: "root@example.com", Password: "root-password", Name: "Root", Roles: []string{models.RoleAdmin},
	})
	require.NoError(t, err)
	require.NoError(t, e.eng.DeleteUser(e.ctx, ito.ID))

	loan, err := e.store.GetLoan(e.ctx, out.Loan.ID)
	require.NoError(t, err)
	assert.Nil(t, loan.OperatorID)
	assert.Equal(t, "Ito", loan.OperatorName)

	members, err := e.eng.NotificationMembers(e.ctx, cat.ID)
	require.NoError(t, err)
	assert.Empty(t, members)

	ghost := int64(424242)
	req.Operator = models.Operator{ID: &ghost, Name: "Ghost"}
	_, err = e.eng.Checkout(e.ctx, req)
	assert.ErrorIs(t, err, engine.ErrValidation)
}
