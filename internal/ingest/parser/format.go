package parser

import (
	"fmt"
	"time"

	telemetry "gridledger/internal/telemetry/domain"
)

const (
	// AutoHeaderRows skips leading rows whose first field starts with a letter.
	AutoHeaderRows = -1
	// CombinedDateTime marks a format without a separate time column.
	CombinedDateTime = -1

	defaultMinColumns      = 3
	defaultMaxErrorSamples = 5
)

// ValueColumn maps a zero-based column index to a reading channel.
type ValueColumn struct {
	Index   int
	Channel string
	Unit    telemetry.Unit
}

// Format describes the layout of a meter export.
type Format struct {
	DateColumn       int
	TimeColumn       int
	ValueColumns     []ValueColumn
	DecimalSeparator rune
	Delimiter        rune
	HeaderRows       int
	MinColumns       int
	MaxErrorSamples  int
	Location         *time.Location
	// Sheet selects the XLSX worksheet; empty means the first one.
	Sheet string
}

// DefaultFormat is date, time, kWh value with header auto-detection.
func DefaultFormat() Format {
	return Format{
		DateColumn:       0,
		TimeColumn:       1,
		ValueColumns:     []ValueColumn{{Index: 2, Channel: telemetry.DefaultChannel, Unit: telemetry.UnitKWh}},
		DecimalSeparator: '.',
		Delimiter:        ',',
		HeaderRows:       AutoHeaderRows,
		MinColumns:       defaultMinColumns,
		MaxErrorSamples:  defaultMaxErrorSamples,
		Location:         time.UTC,
	}
}

// Combined reports whether date and time share one column.
func (f Format) Combined() bool {
	return f.TimeColumn < 0 || f.TimeColumn == f.DateColumn
}

func (f Format) withDefaults() Format {
	if f.DecimalSeparator == 0 {
		f.DecimalSeparator = '.'
	}
	if f.Delimiter == 0 {
		f.Delimiter = ','
	}
	if f.MinColumns <= 0 {
		f.MinColumns = defaultMinColumns
	}
	if f.MaxErrorSamples < 0 {
		f.MaxErrorSamples = 0
	} else if f.MaxErrorSamples == 0 {
		f.MaxErrorSamples = defaultMaxErrorSamples
	}
	if f.Location == nil {
		f.Location = time.UTC
	}
	if len(f.ValueColumns) == 0 {
		f.ValueColumns = DefaultFormat().ValueColumns
	}
	for i := range f.ValueColumns {
		if f.ValueColumns[i].Channel == "" {
			f.ValueColumns[i].Channel = telemetry.DefaultChannel
		}
		if f.ValueColumns[i].Unit == "" {
			f.ValueColumns[i].Unit = telemetry.UnitKWh
		}
	}
	return f
}

// Validate checks the format description.
func (f Format) Validate() error {
	f = f.withDefaults()
	if f.DateColumn < 0 {
		return fmt.Errorf("%w: negative date column", ErrInvalidFormat)
	}
	if f.HeaderRows < AutoHeaderRows {
		return fmt.Errorf("%w: header rows %d", ErrInvalidFormat, f.HeaderRows)
	}
	if f.DecimalSeparator != '.' && f.DecimalSeparator != ',' {
		return fmt.Errorf("%w: decimal separator %q", ErrInvalidFormat, f.DecimalSeparator)
	}
	if f.Delimiter == f.DecimalSeparator && f.Delimiter == ',' {
		// comma decimals need a different field delimiter
		return fmt.Errorf("%w: delimiter and decimal separator are both ','", ErrInvalidFormat)
	}
	channels := make(map[string]struct{}, len(f.ValueColumns))
	for _, col := range f.ValueColumns {
		if col.Index < 0 || col.Index == f.DateColumn || (!f.Combined() && col.Index == f.TimeColumn) {
			return fmt.Errorf("%w: value column %d", ErrInvalidFormat, col.Index)
		}
		if _, dup := channels[col.Channel]; dup {
			return fmt.Errorf("%w: duplicate channel %q", ErrInvalidFormat, col.Channel)
		}
		channels[col.Channel] = struct{}{}
	}
	return nil
}
