// Package report renders utilization reports as Excel workbooks.
package report

import (
	"fmt"
	"io"

	"equipment-loan-api/internal/engine"

	"github.com/tealeg/xlsx/v3"
)

const percentFormat = "0.0"

var unitHeader = []string{"Unit ID", "Lot number", "Location", "Category", "Device type", "Utilization %"}

// WriteUtilizationXLSX writes rep as a workbook with one sheet of units and
// one sheet of category and device type averages.
func WriteUtilizationXLSX(w io.Writer, rep *engine.UtilizationReport) error {
	file := xlsx.NewFile()

	units, err := file.AddSheet("Units")
	if err != nil {
		return fmt.Errorf("add units sheet: %w", err)
	}
	addStrings(units.AddRow(), unitHeader...)
	for _, r := range rep.Rows {
		row := units.AddRow()
		row.AddCell().SetInt64(r.UnitID)
		addStrings(row, r.LotNumber, r.Location, r.CategoryName, r.DeviceTypeName)
		row.AddCell().SetFloatWithFormat(r.Percent, percentFormat)
	}

	summary, err := file.AddSheet("Summary")
	if err != nil {
		return fmt.Errorf("add summary sheet: %w", err)
	}
	addStrings(summary.AddRow(), "Period", rep.Start.String()+" - "+rep.End.String())
	counts := summary.AddRow()
	addStrings(counts, "Loaned / total units")
	counts.AddCell().SetString(fmt.Sprintf("%d / %d", rep.LoanedUnits, rep.TotalUnits))
	summary.AddRow()

	addGroups(summary, "Category", rep.ByCategory)
	summary.AddRow()
	addGroups(summary, "Device type", rep.ByDeviceType)

	if err := file.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func addGroups(sheet *xlsx.Sheet, label string, groups []engine.GroupAverage) {
	addStrings(sheet.AddRow(), label, "Units", "Average utilization %")
	for _, g := range groups {
		row := sheet.AddRow()
		row.AddCell().SetString(g.Name)
		row.AddCell().SetInt(g.Units)
		row.AddCell().SetFloatWithFormat(g.Percent, percentFormat)
	}
}

func addStrings(row *xlsx.Row, values ...string) {
	for _, v := range values {
		row.AddCell().SetString(v)
	}
}
