package engine

import (
	"context"
	"math"
	"sort"

	"equipment-loan-api/internal/models"
)

// OccupiedDays counts the distinct calendar days in [start, end] covered by
// the given loan periods. Both ends are inclusive. A period without a return
// date runs through min(end, today).
func OccupiedDays(periods []models.LoanPeriod, start, end, today models.Date) int {
	if end.Before(start) {
		return 0
	}
	days := make(map[int64]struct{})
	for _, p := range periods {
		from := p.CheckoutDate
		to := end
		if p.ReturnDate != nil {
			to = *p.ReturnDate
		} else if today.Before(to) {
			to = today
		}
		if from.Before(start) {
			from = start
		}
		if to.After(end) {
			to = end
		}
		for d := from; !d.After(to); d = d.AddDays(1) {
			days[d.Unix()] = struct{}{}
		}
	}
	return len(days)
}

// UtilizationPercent is occupied/total days as a percentage rounded to one
// decimal. A window of zero or negative length yields 0.
func UtilizationPercent(occupied int, start, end models.Date) float64 {
	total := start.DaysUntil(end) + 1
	if total <= 0 {
		return 0
	}
	return math.Round(float64(occupied)/float64(total)*1000) / 10
}

// Utilization computes the utilization of each unit over [start, end] with a
// single batched read of loan periods.
func (e *Engine) Utilization(ctx context.Context, unitIDs []int64, start, end models.Date) (map[int64]float64, error) {
	if start.IsZero() || end.IsZero() {
		return nil, newError(ErrValidation, "utilization", "start and end are required")
	}
	out := make(map[int64]float64, len(unitIDs))
	if len(unitIDs) == 0 {
		return out, nil
	}
	periods, err := e.store.LoanPeriods(ctx, unitIDs)
	if err != nil {
		return nil, err
	}
	byUnit := make(map[int64][]models.LoanPeriod, len(unitIDs))
	for _, p := range periods {
		byUnit[p.UnitID] = append(byUnit[p.UnitID], p)
	}
	today := e.today()
	for _, id := range unitIDs {
		out[id] = UtilizationPercent(OccupiedDays(byUnit[id], start, end, today), start, end)
	}
	return out, nil
}

// UtilizationRow is one unit of a utilization report.
type UtilizationRow struct {
	UnitID         int64   `json:"unit_id"`
	LotNumber      string  `json:"lot_number"`
	Location       string  `json:"location,omitempty"`
	DeviceTypeID   int64   `json:"device_type_id"`
	DeviceTypeName string  `json:"device_type_name"`
	CategoryID     int64   `json:"category_id"`
	CategoryName   string  `json:"category_name"`
	Percent        float64 `json:"percent"`
}

// GroupAverage is the mean utilization of the units in a category or device type.
type GroupAverage struct {
	ID      int64   `json:"id"`
	Name    string  `json:"name"`
	Units   int     `json:"units"`
	Percent float64 `json:"percent"`
}

type UtilizationReport struct {
	Start        models.Date      `json:"start"`
	End          models.Date      `json:"end"`
	Rows         []UtilizationRow `json:"rows"`
	ByCategory   []GroupAverage   `json:"by_category"`
	ByDeviceType []GroupAverage   `json:"by_device_type"`
	LoanedUnits  int              `json:"loaned_units"`
	TotalUnits   int              `json:"total_units"`
}

// UtilizationReport computes utilization for every unit matching filter, with
// averages per category and per device type.
func (e *Engine) UtilizationReport(ctx context.Context, filter models.UnitFilter, start, end models.Date) (*UtilizationReport, error) {
	units, err := e.store.ListUnits(ctx, filter)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(units))
	for _, u := range units {
		ids = append(ids, u.ID)
	}
	pct, err := e.Utilization(ctx, ids, start, end)
	if err != nil {
		return nil, err
	}

	rep := &UtilizationReport{Start: start, End: end, TotalUnits: len(units), Rows: make([]UtilizationRow, 0, len(units))}
	cats := newAverager()
	types := newAverager()
	for _, u := range units {
		row := UtilizationRow{
			UnitID:         u.ID,
			LotNumber:      u.LotNumber,
			Location:       u.Location,
			DeviceTypeID:   u.DeviceTypeID,
			DeviceTypeName: u.DeviceTypeName,
			CategoryID:     u.CategoryID,
			CategoryName:   u.CategoryName,
			Percent:        pct[u.ID],
		}
		rep.Rows = append(rep.Rows, row)
		cats.add(u.CategoryID, u.CategoryName, row.Percent)
		types.add(u.DeviceTypeID, u.DeviceTypeName, row.Percent)
		if u.Status == models.StatusLoaned {
			rep.LoanedUnits++
		}
	}
	rep.ByCategory = cats.result()
	rep.ByDeviceType = types.result()
	return rep, nil
}

type averager struct {
	order []int64
	names map[int64]string
	sums  map[int64]float64
	count map[int64]int
}

func newAverager() *averager {
	return &averager{names: map[int64]string{}, sums: map[int64]float64{}, count: map[int64]int{}}
}

func (a *averager) add(id int64, name string, v float64) {
	if _, ok := a.count[id]; !ok {
		a.order = append(a.order, id)
		a.names[id] = name
	}
	a.sums[id] += v
	a.count[id]++
}

func (a *averager) result() []GroupAverage {
	sort.Slice(a.order, func(i, j int) bool { return a.order[i] < a.order[j] })
	out := make([]GroupAverage, 0, len(a.order))
	for _, id := range a.order {
		n := a.count[id]
		out = append(out, GroupAverage{
			ID:      id,
			Name:    a.names[id],
			Units:   n,
			Percent: math.Round(a.sums[id]/float64(n)*10) / 10,
		})
	}
	return out
}
