package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"equipment-loan-api/internal/engine"
	"equipment-loan-api/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedUnit(t *testing.T, s *Store) models.DeviceUnit {
	t.Helper()
	var unit models.DeviceUnit
	err := s.WithinTx(context.Background(), func(ctx context.Context, tx engine.Tx) error {
		c := models.Category{Name: "Endoscopy"}
		if err := tx.InsertCategory(ctx, &c); err != nil {
			return err
		}
		dt := models.DeviceType{CategoryID: c.ID, Name: "Scope"}
		if err := tx.InsertDeviceType(ctx, &dt); err != nil {
			return err
		}
		unit = models.DeviceUnit{DeviceTypeID: dt.ID, LotNumber: "A1", Status: models.StatusInStock}
		return tx.InsertUnit(ctx, &unit)
	})
	require.NoError(t, err)
	return unit
}

func TestWithinTx_RollbackOnError(t *testing.T) {
	s := New()
	unit := seedUnit(t, s)
	boom := errors.New("boom")

	err := s.WithinTx(context.Background(), func(ctx context.Context, tx engine.Tx) error {
		loan := models.Loan{UnitID: unit.ID, Status: models.LoanOpen}
		require.NoError(t, tx.InsertLoan(ctx, &loan))
		require.NoError(t, tx.SetUnitStatus(ctx, unit.ID, models.StatusLoaned))
		return boom
	})
	require.ErrorIs(t, err, boom)

	loans, err := s.ActiveLoans(context.Background(), unit.ID)
	require.NoError(t, err)
	assert.Empty(t, loans)
	got, err := s.GetUnit(context.Background(), unit.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInStock, got.Status)
}

func TestWithinTx_ReadersSeeCommittedState(t *testing.T) {
	s := New()
	unit := seedUnit(t, s)

	err := s.WithinTx(context.Background(), func(ctx context.Context, tx engine.Tx) error {
		require.NoError(t, tx.SetUnitStatus(ctx, unit.ID, models.StatusLoaned))
		outside, err := s.GetUnit(ctx, unit.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusInStock, outside.Status, "uncommitted write leaked")
		inside, err := tx.GetUnit(ctx, unit.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusLoaned, inside.Status)
		return nil
	})
	require.NoError(t, err)

	got, err := s.GetUnit(context.Background(), unit.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusLoaned, got.Status)
}

func TestWithinTx_CanceledContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := s.WithinTx(ctx, func(context.Context, engine.Tx) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestTx_OneActiveLoanPerUnit(t *testing.T) {
	s := New()
	unit := seedUnit(t, s)

	err := s.WithinTx(context.Background(), func(ctx context.Context, tx engine.Tx) error {
		first := models.Loan{UnitID: unit.ID, Status: models.LoanOpen}
		require.NoError(t, tx.InsertLoan(ctx, &first))
		second := models.Loan{UnitID: unit.ID, Status: models.LoanOpen}
		return tx.InsertLoan(ctx, &second)
	})
	assert.ErrorIs(t, err, engine.ErrNotAvailable)
}

func TestTx_UniqueConstraints(t *testing.T) {
	s := New()
	unit := seedUnit(t, s)
	ctx := context.Background()

	err := s.WithinTx(ctx, func(ctx context.Context, tx engine.Tx) error {
		return tx.InsertCategory(ctx, &models.Category{Name: "endoscopy"})
	})
	assert.ErrorIs(t, err, engine.ErrConflict)

	err = s.WithinTx(ctx, func(ctx context.Context, tx engine.Tx) error {
		return tx.InsertUnit(ctx, &models.DeviceUnit{DeviceTypeID: unit.DeviceTypeID, LotNumber: "A1"})
	})
	assert.ErrorIs(t, err, engine.ErrConflict)

	err = s.WithinTx(ctx, func(ctx context.Context, tx engine.Tx) error {
		return tx.InsertDeviceType(ctx, &models.DeviceType{CategoryID: 999, Name: "Ghost"})
	})
	assert.ErrorIs(t, err, engine.ErrNotFound)
}

func TestTx_TemplateLineRequiresQuantity(t *testing.T) {
	s := New()
	unit := seedUnit(t, s)
	ctx := context.Background()

	for _, qty := range []int{0, -1} {
		err := s.WithinTx(ctx, func(ctx context.Context, tx engine.Tx) error {
			item := models.Item{Name: "Gel"}
			if err := tx.InsertItem(ctx, &item); err != nil {
				return err
			}
			return tx.PutTemplateLine(ctx, models.TemplateLine{DeviceTypeID: unit.DeviceTypeID, ItemID: item.ID, RequiredQty: qty})
		})
		assert.ErrorIs(t, err, engine.ErrValidation, "qty %d", qty)
	}

	lines, err := s.TemplateLines(ctx, unit.DeviceTypeID)
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestTx_DeleteItemCascades(t *testing.T) {
	s := New()
	unit := seedUnit(t, s)
	ctx := context.Background()

	var item models.Item
	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx engine.Tx) error {
		item = models.Item{Name: "Cable"}
		if err := tx.InsertItem(ctx, &item); err != nil {
			return err
		}
		if err := tx.PutTemplateLine(ctx, models.TemplateLine{DeviceTypeID: unit.DeviceTypeID, ItemID: item.ID, RequiredQty: 1}); err != nil {
			return err
		}
		return tx.ReplaceOverride(ctx, &models.UnitOverride{UnitID: unit.ID, ItemID: item.ID, Action: models.OverrideRemove{}, CreatedAt: time.Now()})
	}))

	require.NoError(t, s.WithinTx(ctx, func(ctx context.Context, tx engine.Tx) error {
		return tx.DeleteItem(ctx, item.ID)
	}))

	lines, err := s.TemplateLines(ctx, unit.DeviceTypeID)
	require.NoError(t, err)
	assert.Empty(t, lines)
	overrides, err := s.UnitOverrides(ctx, unit.ID)
	require.NoError(t, err)
	assert.Empty(t, overrides)
}

func TestNotificationLogs_Paging(t *testing.T) {
	s := New()
	ctx := context.Background()
	for i, st := range []models.NotificationStatus{models.NotificationSent, models.NotificationFailed, models.NotificationSent, models.NotificationLoggedOnly} {
		require.NoError(t, s.InsertNotificationLog(ctx, &models.NotificationLog{
			EventType: models.EventLoanCreated, RelatedID: int64(i + 1), Recipient: "a@example.com", Status: st,
		}))
	}

	all, total, err := s.ListNotificationLogs(ctx, "", 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	require.Len(t, all, 2)
	assert.Equal(t, int64(4), all[0].RelatedID, "newest first")

	sent, total, err := s.ListNotificationLogs(ctx, models.NotificationSent, 10, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, sent, 1)
	assert.Equal(t, int64(1), sent[0].RelatedID)

	empty, _, err := s.ListNotificationLogs(ctx, "", 10, 50)
	require.NoError(t, err)
	assert.Empty(t, empty)
}
