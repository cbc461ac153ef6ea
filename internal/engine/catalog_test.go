package engine_test

import (
	"testing"

	"equipment-loan-api/internal/engine"
	"equipment-loan-api/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngine_PutTemplateLine_Validation(t *testing.T) {
	f := newFixture(t)
	dt := f.unit.DeviceTypeID

	tests := []struct {
		name string
		line models.TemplateLine
		want error
	}{
		{"zero quantity", models.TemplateLine{DeviceTypeID: dt, ItemID: f.manual.ID, RequiredQty: 0}, engine.ErrValidation},
		{"negative quantity", models.TemplateLine{DeviceTypeID: dt, ItemID: f.manual.ID, RequiredQty: -2}, engine.ErrValidation},
		{"missing device type", models.TemplateLine{ItemID: f.manual.ID, RequiredQty: 1}, engine.ErrValidation},
		{"unknown item", models.TemplateLine{DeviceTypeID: dt, ItemID: 999, RequiredQty: 1}, engine.ErrNotFound},
		{"unknown device type", models.TemplateLine{DeviceTypeID: 999, ItemID: f.manual.ID, RequiredQty: 1}, engine.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.eng.PutTemplateLine(f.ctx, tt.line)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	lines, err := f.store.TemplateLines(f.ctx, dt)
	require.NoError(t, err)
	assert.Len(t, lines, 2, "rejected lines must not be stored")

	require.NoError(t, f.eng.PutTemplateLine(f.ctx, models.TemplateLine{DeviceTypeID: dt, ItemID: f.manual.ID, RequiredQty: 1, SortOrder: 3}))
	checklist, err := f.eng.Checklist(f.ctx, f.unit.ID)
	require.NoError(t, err)
	assert.Len(t, checklist, 3)
}

func TestEngine_AddNotificationMember_NormalizesAddress(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name      string
		in        models.NotificationMember
		wantName  string
		wantEmail string
	}{
		{"display name form", models.NotificationMember{Email: "Lead <lead2@example.com>"}, "Lead", "lead2@example.com"},
		{"explicit name wins", models.NotificationMember{Name: "Team lead", Email: "Lead <lead3@example.com>"}, "Team lead", "lead3@example.com"},
		{"bare address", models.NotificationMember{Email: "  tech@example.com "}, "", "tech@example.com"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.in.CategoryID = f.category.ID
			m, err := f.eng.AddNotificationMember(f.ctx, tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.wantEmail, m.Email)
			assert.Equal(t, tt.wantName, m.Name)
		})
	}

	members, err := f.eng.NotificationMembers(f.ctx, f.category.ID)
	require.NoError(t, err)
	for _, m := range members {
		assert.NotContains(t, m.Email, "<")
	}

	_, err = f.eng.AddNotificationMember(f.ctx, models.NotificationMember{CategoryID: f.category.ID, Email: "not an address"})
	assert.ErrorIs(t, err, engine.ErrValidation)
}
