package parser

import (
	"bytes"
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

var zipMagic = []byte("PK\x03\x04")

// IsXLSX reports whether data looks like an OOXML workbook.
func IsXLSX(data []byte) bool {
	return bytes.HasPrefix(data, zipMagic)
}

// ScanXLSX streams row outcomes of one worksheet. Cells are read raw so
// dates arrive as serial numbers and times as fractional days.
func ScanXLSX(data []byte, f Format, fn func(RowOutcome) error) error {
	if err := f.Validate(); err != nil {
		return err
	}
	f = f.withDefaults()

	book, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnreadableInput, err)
	}
	defer book.Close()

	sheet := f.Sheet
	if sheet == "" {
		sheets := book.GetSheetList()
		if len(sheets) == 0 {
			return fmt.Errorf("%w: workbook has no sheets", ErrUnreadableInput)
		}
		sheet = sheets[0]
	}
	rows, err := book.Rows(sheet)
	if err != nil {
		return fmt.Errorf("%w: sheet %q: %w", ErrUnreadableInput, sheet, err)
	}
	defer rows.Close()

	line := 0
	return scanRows(f, func() ([]string, int, error) {
		if !rows.Next() {
			if err := rows.Error(); err != nil {
				return nil, 0, fmt.Errorf("%w: %w", ErrUnreadableInput, err)
			}
			return nil, 0, io.EOF
		}
		line++
		cols, err := rows.Columns(excelize.Options{RawCellValue: true})
		if err != nil {
			return nil, line, err
		}
		return cols, line, nil
	}, fn)
}
