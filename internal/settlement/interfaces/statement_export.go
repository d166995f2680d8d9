package interfaces

import (
	"bytes"
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"

	"gridledger/internal/settlement/application"
)

const (
	summarySheet = "summary"
	linesSheet   = "lines"
)

// BuildCostStatementXLSX renders a cost breakdown workbook for a meter.
func BuildCostStatementXLSX(cost application.MeterCost) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(linesSheet); err != nil {
		return nil, err
	}

	summary := [][2]any{
		{"Meter", cost.MeterID},
		{"Tariff", cost.TariffID},
		{"From", cost.From.Format(time.RFC3339)},
		{"To", cost.To.Format(time.RFC3339)},
		{"Period (days)", cost.PeriodDays},
		{"Total Energy (kWh)", cost.TotalKWh},
		{"Peak Demand (kVA)", cost.PeakKVA},
		{"Energy Cost", cost.EnergyCost},
		{"Fixed Charges", cost.FixedCharges},
		{"Demand Charges", cost.DemandCharges},
		{"Total Cost", cost.TotalCost},
		{"Average Cost per kWh", cost.AvgCostPerKWh},
		{"Unbilled (kWh)", cost.UnbilledKWh},
		{"Currency", cost.Currency},
	}
	_ = f.SetCellValue(summarySheet, "A1", "Cost Statement")
	for i, row := range summary {
		line := i + 3
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("A%d", line), row[0])
		_ = f.SetCellValue(summarySheet, fmt.Sprintf("B%d", line), row[1])
	}

	header := []any{"Kind", "Description", "kWh", "Rate (c/kWh)", "Amount"}
	if err := f.SetSheetRow(linesSheet, "A1", &header); err != nil {
		return nil, err
	}
	row := 2
	put := func(values ...any) error {
		cell, err := excelize.CoordinatesToCellName(1, row)
		if err != nil {
			return err
		}
		row++
		return f.SetSheetRow(linesSheet, cell, &values)
	}
	for _, b := range cost.Blocks {
		desc := fmt.Sprintf("%.0f+ kWh", b.FromKWh)
		if b.ToKWh != nil {
			desc = fmt.Sprintf("%.0f-%.0f kWh", b.FromKWh, *b.ToKWh)
		}
		if err := put("block", desc, b.KWh, b.CentsPerKWh, b.Cost); err != nil {
			return nil, err
		}
	}
	for _, t := range cost.TOU {
		desc := fmt.Sprintf("%s/%s %02d-%02d", t.Season, t.DayType, t.StartHour, t.EndHour)
		if err := put("tou", desc, t.KWh, t.CentsPerKWh, t.Cost); err != nil {
			return nil, err
		}
	}
	for _, c := range cost.Charges {
		if err := put(string(c.Type), c.Name, nil, nil, c.Amount); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
