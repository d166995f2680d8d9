package parser

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"

	telemetry "gridledger/internal/telemetry/domain"
)

// Sample is one parsed (timestamp, value) candidate for a channel.
type Sample struct {
	Row     int
	TS      time.Time
	Channel string
	Unit    telemetry.Unit
	Value   float64
}

// RowOutcome is either a ParsedRow or a RowError.
type RowOutcome interface {
	RowNumber() int
	outcome()
}

// ParsedRow holds the samples of one successfully parsed row.
type ParsedRow struct {
	Row     int
	Samples []Sample
}

func (ParsedRow) outcome() {}

// RowNumber returns the 1-based line number of the row.
func (p ParsedRow) RowNumber() int { return p.Row }

// Result is the accumulated parse of one file.
type Result struct {
	Samples      []Sample
	TotalRows    int
	ParseErrors  int
	SampleErrors []string
}

// Span returns the earliest and latest sample timestamps.
func (r *Result) Span() (from, to time.Time, ok bool) {
	if len(r.Samples) == 0 {
		return time.Time{}, time.Time{}, false
	}
	from, to = r.Samples[0].TS, r.Samples[0].TS
	for _, s := range r.Samples[1:] {
		if s.TS.Before(from) {
			from = s.TS
		}
		if s.TS.After(to) {
			to = s.TS
		}
	}
	return from, to, true
}

// Readings converts samples to readings of one meter in input order.
func (r *Result) Readings(meterID, source string) []telemetry.Reading {
	out := make([]telemetry.Reading, 0, len(r.Samples))
	for _, s := range r.Samples {
		out = append(out, telemetry.Reading{
			MeterID: meterID,
			Channel: s.Channel,
			TS:      s.TS,
			Value:   s.Value,
			Unit:    s.Unit,
			Source:  source,
		})
	}
	return out
}

// Parse reads a delimited text export and accumulates samples and row errors.
// Only an invalid format or an unreadable stream returns an error.
func Parse(r io.Reader, f Format) (*Result, error) {
	result := &Result{}
	err := Scan(r, f, collector(result, f))
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ParseBytes parses a CSV or XLSX payload, detected by content.
func ParseBytes(data []byte, f Format) (*Result, error) {
	if IsXLSX(data) {
		result := &Result{}
		if err := ScanXLSX(data, f, collector(result, f)); err != nil {
			return nil, err
		}
		return result, nil
	}
	return Parse(bytes.NewReader(data), f)
}

func collector(result *Result, f Format) func(RowOutcome) error {
	limit := f.withDefaults().MaxErrorSamples
	return func(o RowOutcome) error {
		result.TotalRows++
		switch v := o.(type) {
		case ParsedRow:
			result.Samples = append(result.Samples, v.Samples...)
		case RowError:
			result.ParseErrors++
			if len(result.SampleErrors) < limit {
				result.SampleErrors = append(result.SampleErrors, v.Error())
			}
		}
		return nil
	}
}

// Scan streams row outcomes of a delimited text export in input order.
// Header and blank rows are not reported.
func Scan(r io.Reader, f Format, fn func(RowOutcome) error) error {
	if err := f.Validate(); err != nil {
		return err
	}
	f = f.withDefaults()

	reader := csv.NewReader(r)
	reader.Comma = f.Delimiter
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true
	reader.ReuseRecord = true

	return scanRows(f, func() ([]string, int, error) {
		record, err := reader.Read()
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) {
				return nil, parseErr.StartLine, err
			}
			if errors.Is(err, io.EOF) {
				return nil, 0, io.EOF
			}
			return nil, 0, fmt.Errorf("%w: %w", ErrUnreadableInput, err)
		}
		line, _ := reader.FieldPos(0)
		return record, line, nil
	}, fn)
}

// nextRecord yields (fields, line, err); io.EOF ends the stream, a non-nil
// err with a positive line is a row-level failure.
type nextRecord func() ([]string, int, error)

func scanRows(f Format, next nextRecord, fn func(RowOutcome) error) error {
	skipped := 0
	inHeader := true
	first := true
	for {
		record, line, err := next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if line <= 0 {
				return err
			}
			inHeader = false
			if err := fn(RowError{Row: line, Reason: "malformed record"}); err != nil {
				return err
			}
			continue
		}
		if first && len(record) > 0 {
			record[0] = strings.TrimPrefix(record[0], "\ufeff")
			first = false
		}
		if blank(record) {
			continue
		}
		if inHeader {
			if f.HeaderRows == AutoHeaderRows && startsWithLetter(record[0]) {
				continue
			}
			if f.HeaderRows > 0 && skipped < f.HeaderRows {
				skipped++
				continue
			}
			inHeader = false
		}
		if err := fn(parseRecord(f, record, line)); err != nil {
			return err
		}
	}
}

func parseRecord(f Format, record []string, line int) RowOutcome {
	if len(record) < f.MinColumns {
		return RowError{Row: line, Reason: fmt.Sprintf("expected at least %d columns, got %d", f.MinColumns, len(record))}
	}
	if f.DateColumn >= len(record) {
		return RowError{Row: line, Reason: "missing date column"}
	}

	var ts time.Time
	if f.Combined() {
		parsed, err := parseDateTime(record[f.DateColumn], f.Location)
		if err != nil {
			return RowError{Row: line, Reason: err.Error()}
		}
		ts = parsed
	} else {
		if f.TimeColumn >= len(record) {
			return RowError{Row: line, Reason: "missing time column"}
		}
		d, err := parseDate(record[f.DateColumn])
		if err != nil {
			return RowError{Row: line, Reason: err.Error()}
		}
		c, err := parseClock(record[f.TimeColumn])
		if err != nil {
			return RowError{Row: line, Reason: err.Error()}
		}
		ts = combine(d, c, f.Location)
	}

	samples := make([]Sample, 0, len(f.ValueColumns))
	for _, col := range f.ValueColumns {
		if col.Index >= len(record) {
			return RowError{Row: line, Reason: fmt.Sprintf("missing value column %d", col.Index)}
		}
		value, err := parseValue(record[col.Index], f.DecimalSeparator)
		if err != nil {
			return RowError{Row: line, Reason: err.Error()}
		}
		samples = append(samples, Sample{Row: line, TS: ts, Channel: col.Channel, Unit: col.Unit, Value: value})
	}
	return ParsedRow{Row: line, Samples: samples}
}

// parseValue normalises decimal commas; with ',' as separator a '.' groups thousands.
func parseValue(raw string, decimal rune) (float64, error) {
	s := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, raw)
	if s == "" {
		return 0, errors.New("empty value")
	}
	if decimal == ',' {
		s = strings.ReplaceAll(s, ".", "")
	}
	s = strings.ReplaceAll(s, ",", ".")
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("invalid value %q", raw)
	}
	return v, nil
}

func blank(record []string) bool {
	for _, field := range record {
		if strings.TrimSpace(field) != "" {
			return false
		}
	}
	return true
}

func startsWithLetter(field string) bool {
	for _, r := range strings.TrimSpace(field) {
		return unicode.IsLetter(r)
	}
	return false
}
