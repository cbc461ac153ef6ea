package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"equipment-loan-api/internal/engine"
	"equipment-loan-api/internal/models"

	"github.com/tealeg/xlsx/v3"
	"gopkg.in/yaml.v3"
)

// Catalog is the part of the engine the importer writes through.
type Catalog interface {
	ListDeviceTypes(ctx context.Context, categoryID int64) ([]models.DeviceType, error)
	CreateUnit(ctx context.Context, unit models.DeviceUnit) (models.DeviceUnit, error)
}

// ImportOptions defines the configuration for a unit register import
type ImportOptions struct {
	MappingPath string // empty uses DefaultMapping
	DryRun      bool
	MaxErrors   int // default 50
}

// RowError represents an error that occurred during row processing
type RowError struct {
	Sheet   string `json:"sheet"`
	Row     int    `json:"row"`
	Message string `json:"message"`
}

// SheetSummary contains the import statistics for a single sheet
type SheetSummary struct {
	Name     string     `json:"name"`
	Inserted int        `json:"inserted"`
	Skipped  int        `json:"skipped"`
	Errors   int        `json:"errors"`
	Samples  []RowError `json:"error_samples,omitempty"`
}

// ImportSummary contains the overall import statistics
type ImportSummary struct {
	Inserted int            `json:"inserted"`
	Skipped  int            `json:"skipped"`
	Errors   int            `json:"errors"`
	Sheets   []SheetSummary `json:"sheets"`
	DryRun   bool           `json:"dry_run"`
}

// Mapping maps unit fields to the header names that may carry them.
type Mapping struct {
	Version int                 `yaml:"version"`
	Sheets  []string            `yaml:"sheets"` // empty imports every sheet
	Columns map[string][]string `yaml:"columns"`
}

// Unit fields a mapping can name.
const (
	FieldDeviceType        = "device_type"
	FieldLotNumber         = "lot_number"
	FieldLocation          = "location"
	FieldManufactureDate   = "manufacture_date"
	FieldLastInspectionOn  = "last_inspection_on"
	FieldNextInspectionDue = "next_inspection_due"
)

const maxSamples = 10

var dateLayouts = []string{"2006-01-02", "2006/01/02", "2006/1/2", "01/02/2006"}

// DefaultMapping accepts the column headings of the usual unit register sheet.
func DefaultMapping() *Mapping {
	return &Mapping{
		Version: 1,
		Columns: map[string][]string{
			FieldDeviceType:        {"Device type", "Model", "Device"},
			FieldLotNumber:         {"Lot number", "Lot", "Serial", "S/N"},
			FieldLocation:          {"Location", "Storage"},
			FieldManufactureDate:   {"Manufacture date", "Manufactured"},
			FieldLastInspectionOn:  {"Last inspection", "Last inspection on"},
			FieldNextInspectionDue: {"Next inspection", "Next inspection due"},
		},
	}
}

// LoadMapping reads a YAML mapping. Fields it does not mention keep their
// default aliases.
func LoadMapping(path string) (*Mapping, error) {
	m := DefaultMapping()
	if path == "" {
		return m, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mapping: %w", err)
	}
	var custom Mapping
	if err := yaml.Unmarshal(b, &custom); err != nil {
		return nil, fmt.Errorf("parse mapping: %w", err)
	}
	m.Sheets = custom.Sheets
	for field, aliases := range custom.Columns {
		m.Columns[field] = aliases
	}
	return m, nil
}

// ImportUnits reads device units from an Excel workbook and creates them
// through cat. Rows whose lot already exists for the device type are skipped.
func ImportUnits(ctx context.Context, cat Catalog, r io.Reader, opts ImportOptions) (ImportSummary, error) {
	summary := ImportSummary{DryRun: opts.DryRun, Sheets: []SheetSummary{}}
	if opts.MaxErrors == 0 {
		opts.MaxErrors = 50
	}

	mapping, err := LoadMapping(opts.MappingPath)
	if err != nil {
		return summary, fmt.Errorf("failed to load mapping config: %w", err)
	}

	// xlsx.OpenBinary needs the whole file
	data, err := io.ReadAll(r)
	if err != nil {
		return summary, fmt.Errorf("failed to read Excel file: %w", err)
	}
	xlFile, err := xlsx.OpenBinary(data)
	if err != nil {
		return summary, fmt.Errorf("failed to open Excel file: %w", err)
	}

	types, err := cat.ListDeviceTypes(ctx, 0)
	if err != nil {
		return summary, fmt.Errorf("failed to load device types: %w", err)
	}
	resolver := newTypeResolver(types)

	for _, sheet := range xlFile.Sheets {
		if !mapping.wants(sheet.Name) {
			continue
		}
		sheetSummary := processSheet(ctx, cat, sheet, mapping, resolver, opts)
		summary.Sheets = append(summary.Sheets, sheetSummary)
		summary.Inserted += sheetSummary.Inserted
		summary.Skipped += sheetSummary.Skipped
		summary.Errors += sheetSummary.Errors

		if summary.Errors > opts.MaxErrors {
			return summary, fmt.Errorf("too many errors (%d), stopping import", summary.Errors)
		}
	}
	return summary, nil
}

func (m *Mapping) wants(sheet string) bool {
	if len(m.Sheets) == 0 {
		return true
	}
	for _, s := range m.Sheets {
		if strings.EqualFold(s, sheet) {
			return true
		}
	}
	return false
}

// headerIndex maps fields to column indexes using the first row of the sheet.
func (m *Mapping) headerIndex(header *xlsx.Row, maxCol int) map[string]int {
	alias := map[string]string{}
	for field, names := range m.Columns {
		alias[strings.ToUpper(field)] = field
		for _, n := range names {
			alias[strings.ToUpper(strings.TrimSpace(n))] = field
		}
	}
	idx := map[string]int{}
	for col := 0; col < maxCol; col++ {
		name := strings.ToUpper(strings.TrimSpace(header.GetCell(col).String()))
		if field, ok := alias[name]; ok {
			if _, seen := idx[field]; !seen {
				idx[field] = col
			}
		}
	}
	return idx
}

type typeResolver struct {
	byID   map[int64]models.DeviceType
	byName map[string][]models.DeviceType
}

func newTypeResolver(types []models.DeviceType) *typeResolver {
	r := &typeResolver{byID: map[int64]models.DeviceType{}, byName: map[string][]models.DeviceType{}}
	for _, dt := range types {
		r.byID[dt.ID] = dt
		key := strings.ToLower(strings.TrimSpace(dt.Name))
		r.byName[key] = append(r.byName[key], dt)
	}
	return r
}

func (r *typeResolver) resolve(v string) (int64, error) {
	if id, err := strconv.ParseInt(v, 10, 64); err == nil {
		if _, ok := r.byID[id]; ok {
			return id, nil
		}
	}
	matches := r.byName[strings.ToLower(v)]
	switch len(matches) {
	case 0:
		return 0, fmt.Errorf("unknown device type %q", v)
	case 1:
		return matches[0].ID, nil
	default:
		return 0, fmt.Errorf("device type %q exists in %d categories, use its id", v, len(matches))
	}
}

func processSheet(ctx context.Context, cat Catalog, sheet *xlsx.Sheet, mapping *Mapping, resolver *typeResolver, opts ImportOptions) SheetSummary {
	summary := SheetSummary{Name: sheet.Name}
	fail := func(row int, msg string) {
		summary.Errors++
		if len(summary.Samples) < maxSamples {
			summary.Samples = append(summary.Samples, RowError{Sheet: sheet.Name, Row: row, Message: msg})
		}
	}

	headerRow, err := sheet.Row(0)
	if err != nil {
		fail(1, "Failed to read header row: "+err.Error())
		return summary
	}
	cols := mapping.headerIndex(headerRow, sheet.MaxCol)
	for _, required := range []string{FieldDeviceType, FieldLotNumber} {
		if _, ok := cols[required]; !ok {
			fail(1, fmt.Sprintf("missing column for %s", required))
			return summary
		}
	}

	seen := map[string]bool{}
	for rowIdx := 1; rowIdx < sheet.MaxRow; rowIdx++ {
		row, err := sheet.Row(rowIdx)
		if err != nil {
			break
		}
		unit, empty, err := buildUnit(row, cols, resolver)
		if empty {
			summary.Skipped++
			continue
		}
		if err != nil {
			fail(rowIdx+1, err.Error())
			continue
		}

		key := fmt.Sprintf("%d/%s", unit.DeviceTypeID, unit.LotNumber)
		if seen[key] {
			fail(rowIdx+1, fmt.Sprintf("lot %q appears twice in the file", unit.LotNumber))
			continue
		}
		seen[key] = true

		if opts.DryRun {
			summary.Inserted++
			continue
		}
		if _, err := cat.CreateUnit(ctx, unit); err != nil {
			if errors.Is(err, engine.ErrConflict) {
				summary.Skipped++
				continue
			}
			fail(rowIdx+1, err.Error())
			continue
		}
		summary.Inserted++
	}
	return summary
}

// buildUnit reads one data row. empty is true when the row has no values.
func buildUnit(row *xlsx.Row, cols map[string]int, resolver *typeResolver) (models.DeviceUnit, bool, error) {
	var unit models.DeviceUnit
	values := map[string]*xlsx.Cell{}
	empty := true
	for field, col := range cols {
		cell := row.GetCell(col)
		if strings.TrimSpace(cell.String()) != "" {
			values[field] = cell
			empty = false
		}
	}
	if empty {
		return unit, true, nil
	}

	text := func(field string) string {
		if c, ok := values[field]; ok {
			return strings.TrimSpace(c.String())
		}
		return ""
	}

	dtName := text(FieldDeviceType)
	if dtName == "" {
		return unit, false, errors.New("device type is required")
	}
	id, err := resolver.resolve(dtName)
	if err != nil {
		return unit, false, err
	}
	unit.DeviceTypeID = id
	unit.LotNumber = text(FieldLotNumber)
	if unit.LotNumber == "" {
		return unit, false, errors.New("lot number is required")
	}
	unit.Location = text(FieldLocation)

	for field, dst := range map[string]**models.Date{
		FieldManufactureDate:   &unit.ManufactureDate,
		FieldLastInspectionOn:  &unit.LastInspectionOn,
		FieldNextInspectionDue: &unit.NextInspectionDue,
	} {
		c, ok := values[field]
		if !ok {
			continue
		}
		d, err := cellDate(c)
		if err != nil {
			return unit, false, fmt.Errorf("%s: %w", field, err)
		}
		*dst = &d
	}
	return unit, false, nil
}

func cellDate(c *xlsx.Cell) (models.Date, error) {
	if c.IsTime() {
		t, err := c.GetTime(false)
		if err != nil {
			return models.Date{}, err
		}
		return models.NewDate(t), nil
	}
	v := strings.TrimSpace(c.String())
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return models.NewDate(t), nil
		}
	}
	return models.Date{}, fmt.Errorf("invalid date %q", v)
}
