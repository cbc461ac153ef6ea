package engine_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"equipment-loan-api/internal/engine"
	"equipment-loan-api/internal/models"
	"equipment-loan-api/internal/store/memory"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []engine.Event
}

func (n *recordingNotifier) Enqueue(_ context.Context, events ...engine.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, events...)
	return nil
}

func (n *recordingNotifier) byType(eventType string) []engine.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []engine.Event
	for _, e := range n.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type fixture struct {
	t          *testing.T
	ctx        context.Context
	store      *memory.Store
	eng        *engine.Engine
	notifier   *recordingNotifier
	category   models.Category
	unit       models.DeviceUnit
	cable      models.Item
	transducer models.Item
	manual     models.Item
	now        time.Time
}

var operator = models.Operator{Name: "Sato", Email: "sato@example.com"}

// newFixture builds one unit whose template is cable x2 (sort 1) and transducer x1 (sort 2).
func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		t:        t,
		ctx:      context.Background(),
		store:    memory.New(),
		notifier: &recordingNotifier{},
		now:      time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	f.eng = engine.New(f.store,
		engine.WithNotifier(f.notifier),
		engine.WithPasswordCost(bcrypt.MinCost),
		engine.WithClock(func() time.Time { return f.now }))

	var err error
	f.category, err = f.eng.CreateCategory(f.ctx, models.Category{Name: "Ultrasound", Visible: true})
	require.NoError(t, err)
	dt, err := f.eng.CreateDeviceType(f.ctx, models.DeviceType{CategoryID: f.category.ID, Name: "Portable scanner"})
	require.NoError(t, err)
	f.cable, err = f.eng.CreateItem(f.ctx, models.Item{Name: "Power cable"})
	require.NoError(t, err)
	f.transducer, err = f.eng.CreateItem(f.ctx, models.Item{Name: "Linear transducer"})
	require.NoError(t, err)
	f.manual, err = f.eng.CreateItem(f.ctx, models.Item{Name: "Manual"})
	require.NoError(t, err)
	require.NoError(t, f.eng.PutTemplateLine(f.ctx, models.TemplateLine{DeviceTypeID: dt.ID, ItemID: f.cable.ID, RequiredQty: 2, SortOrder: 1}))
	require.NoError(t, f.eng.PutTemplateLine(f.ctx, models.TemplateLine{DeviceTypeID: dt.ID, ItemID: f.transducer.ID, RequiredQty: 1, SortOrder: 2}))
	f.unit, err = f.eng.CreateUnit(f.ctx, models.DeviceUnit{DeviceTypeID: dt.ID, LotNumber: "LOT-001", Location: "Tokyo"})
	require.NoError(t, err)
	_, err = f.eng.AddNotificationMember(f.ctx, models.NotificationMember{CategoryID: f.category.ID, Name: "Lead", Email: "lead@example.com"})
	require.NoError(t, err)
	return f
}

func date(s string) models.Date {
	d, err := models.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func ok(items ...models.Item) []models.InspectionResult {
	out := make([]models.InspectionResult, 0, len(items))
	for _, it := range items {
		out = append(out, models.InspectionResult{ItemID: it.ID, Result: models.ResultOK})
	}
	return out
}

func ng(item models.Item, reason models.NGReason) models.InspectionResult {
	return models.InspectionResult{ItemID: item.ID, Result: models.ResultNG, NGReason: &reason}
}

func (f *fixture) checkoutRequest(results []models.InspectionResult) engine.CheckoutRequest {
	return engine.CheckoutRequest{
		UnitID:       f.unit.ID,
		CheckoutDate: date("2024-03-01"),
		Destination:  "City Hospital",
		Purpose:      "demo",
		Results:      results,
		Operator:     operator,
	}
}

func (f *fixture) returnRequest(results []models.InspectionResult) engine.ReturnRequest {
	return engine.ReturnRequest{
		UnitID:     f.unit.ID,
		ReturnDate: date("2024-03-05"),
		Results:    results,
		Operator:   operator,
	}
}

func (f *fixture) checkout(results ...models.InspectionResult) *engine.CheckoutResult {
	f.t.Helper()
	if results == nil {
		results = ok(f.cable, f.transducer)
	}
	res, err := f.eng.Checkout(f.ctx, f.checkoutRequest(results))
	require.NoError(f.t, err)
	return res
}

func (f *fixture) giveBack(results ...models.InspectionResult) *engine.ReturnResult {
	f.t.Helper()
	if results == nil {
		results = ok(f.cable, f.transducer)
	}
	res, err := f.eng.Return(f.ctx, f.returnRequest(results))
	require.NoError(f.t, err)
	return res
}

func (f *fixture) status() models.UnitStatus {
	f.t.Helper()
	u, err := f.store.GetUnit(f.ctx, f.unit.ID)
	require.NoError(f.t, err)
	return u.Status
}
