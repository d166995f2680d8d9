package parser

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	telemetry "gridledger/internal/telemetry/domain"
)

func TestParseMalformedRowsAreCountedNotFatal(t *testing.T) {
	var b strings.Builder
	b.WriteString("Date,Time,kWh\n")
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	malformed := map[int]string{
		100: "2024-01-03,xx:yy,1.0",
		500: "2024-13-40,10:00,1.0",
		900: "2024-01-20,10:00,abc",
	}
	for i := 0; i < 1000; i++ {
		if line, ok := malformed[i]; ok {
			b.WriteString(line + "\n")
			continue
		}
		ts := start.Add(time.Duration(i) * 30 * time.Minute)
		fmt.Fprintf(&b, "%s,%s,%d.5\n", ts.Format("2006-01-02"), ts.Format("15:04"), i)
	}

	result, err := Parse(strings.NewReader(b.String()), DefaultFormat())
	require.NoError(t, err)
	assert.Equal(t, 1000, result.TotalRows)
	assert.Equal(t, 3, result.ParseErrors)
	assert.Len(t, result.Samples, 997)
	require.Len(t, result.SampleErrors, 3)
	assert.True(t, strings.HasPrefix(result.SampleErrors[0], "row 102: "), result.SampleErrors[0])
	assert.True(t, strings.HasPrefix(result.SampleErrors[1], "row 502: "), result.SampleErrors[1])
	assert.True(t, strings.HasPrefix(result.SampleErrors[2], "row 902: "), result.SampleErrors[2])

	// input order is preserved
	assert.Equal(t, 0.5, result.Samples[0].Value)
	assert.Equal(t, 999.5, result.Samples[len(result.Samples)-1].Value)
}

func TestParseKeepsOnlyFirstErrorSamples(t *testing.T) {
	input := strings.Repeat("2024-01-01,bad,1\n", 12)
	f := DefaultFormat()
	f.HeaderRows = 0
	f.MaxErrorSamples = 2

	result, err := Parse(strings.NewReader(input), f)
	require.NoError(t, err)
	assert.Equal(t, 12, result.ParseErrors)
	assert.Equal(t, []string{"row 1: invalid time \"bad\"", "row 2: invalid time \"bad\""}, result.SampleErrors)
}

func TestParseShortRowsAndHeaders(t *testing.T) {
	input := "Meter export\nDate,Time,Value\n\n2024/03/05,10:00,1\n2024/03/05,10:30\n05/03/2024,0.5,2\n"
	result, err := Parse(strings.NewReader(input), DefaultFormat())
	require.NoError(t, err)
	assert.Equal(t, 3, result.TotalRows)
	assert.Equal(t, 1, result.ParseErrors)
	assert.Equal(t, []string{"row 5: expected at least 3 columns, got 2"}, result.SampleErrors)
	require.Len(t, result.Samples, 2)
	assert.Equal(t, time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC), result.Samples[0].TS)
	assert.Equal(t, time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC), result.Samples[1].TS)
}

func TestParseFixedHeaderRowsCountsAlphabeticDataAsErrors(t *testing.T) {
	input := "Date,Time,kWh\nSerial,123,0\n2024-03-05,10:00,1\n"
	f := DefaultFormat()
	f.HeaderRows = 1

	result, err := Parse(strings.NewReader(input), f)
	require.NoError(t, err)
	assert.Equal(t, 2, result.TotalRows)
	assert.Equal(t, 1, result.ParseErrors)
	assert.Len(t, result.Samples, 1)
}

func TestParseCommaDecimalAndMultipleChannels(t *testing.T) {
	input := "Datum;P1;P2;S\n05.03.2024 10:15;1.234,5;0,5;12,25\n"
	f := Format{
		DateColumn: 0,
		TimeColumn: CombinedDateTime,
		ValueColumns: []ValueColumn{
			{Index: 1, Channel: "P1", Unit: telemetry.UnitKWh},
			{Index: 2, Channel: "P2", Unit: telemetry.UnitKWh},
			{Index: 3, Channel: "S", Unit: telemetry.UnitKVA},
		},
		DecimalSeparator: ',',
		Delimiter:        ';',
		HeaderRows:       AutoHeaderRows,
	}

	result, err := Parse(strings.NewReader(input), f)
	require.NoError(t, err)
	require.Len(t, result.Samples, 3)
	assert.Equal(t, 1234.5, result.Samples[0].Value)
	assert.Equal(t, 0.5, result.Samples[1].Value)
	assert.Equal(t, "S", result.Samples[2].Channel)
	assert.Equal(t, telemetry.UnitKVA, result.Samples[2].Unit)
	assert.Equal(t, 12.25, result.Samples[2].Value)
	assert.Equal(t, time.Date(2024, 3, 5, 10, 15, 0, 0, time.UTC), result.Samples[0].TS)
}

func TestParseDefaultSeparatorNormalisesComma(t *testing.T) {
	input := "2024-03-05\t10:00\t3,75\n"
	f := DefaultFormat()
	f.Delimiter = '\t'

	result, err := Parse(strings.NewReader(input), f)
	require.NoError(t, err)
	require.Len(t, result.Samples, 1)
	assert.Equal(t, 3.75, result.Samples[0].Value)
}

func TestScanEmitsTaggedOutcomes(t *testing.T) {
	input := "2024-03-05,10:00,1\n2024-03-05,10:30,x\n"
	f := DefaultFormat()

	var outcomes []RowOutcome
	err := Scan(strings.NewReader(input), f, func(o RowOutcome) error {
		outcomes = append(outcomes, o)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, outcomes, 2)

	parsed, ok := outcomes[0].(ParsedRow)
	require.True(t, ok)
	assert.Equal(t, 1, parsed.RowNumber())
	rowErr, ok := outcomes[1].(RowError)
	require.True(t, ok)
	assert.Equal(t, 2, rowErr.Row)
}

func TestValidateRejectsAmbiguousFormats(t *testing.T) {
	f := DefaultFormat()
	f.DecimalSeparator = ','
	assert.ErrorIs(t, f.Validate(), ErrInvalidFormat)

	f = DefaultFormat()
	f.ValueColumns = []ValueColumn{{Index: 0}}
	assert.ErrorIs(t, f.Validate(), ErrInvalidFormat)

	_, err := Parse(strings.NewReader(""), Format{DateColumn: -1})
	assert.ErrorIs(t, err, ErrInvalidFormat)
}

func TestParseBytesReadsXLSX(t *testing.T) {
	book := excelize.NewFile()
	defer book.Close()
	sheet := book.GetSheetName(0)
	require.NoError(t, book.SetSheetRow(sheet, "A1", &[]interface{}{"Date", "Time", "kWh"}))
	require.NoError(t, book.SetSheetRow(sheet, "A2", &[]interface{}{45356, 0.4375, 1.5}))
	require.NoError(t, book.SetSheetRow(sheet, "A3", &[]interface{}{"05/03/2024", "11:00", 2.5}))
	require.NoError(t, book.SetSheetRow(sheet, "A4", &[]interface{}{"05/03/2024", "later", 2.5}))
	buf, err := book.WriteToBuffer()
	require.NoError(t, err)

	result, err := ParseBytes(buf.Bytes(), DefaultFormat())
	require.NoError(t, err)
	assert.Equal(t, 3, result.TotalRows)
	assert.Equal(t, 1, result.ParseErrors)
	require.Len(t, result.Samples, 2)
	assert.Equal(t, time.Date(2024, 3, 5, 10, 30, 0, 0, time.UTC), result.Samples[0].TS)
	assert.Equal(t, 1.5, result.Samples[0].Value)
	assert.Equal(t, time.Date(2024, 3, 5, 11, 0, 0, 0, time.UTC), result.Samples[1].TS)

	from, to, ok := result.Span()
	require.True(t, ok)
	assert.Equal(t, time.Hour/2, to.Sub(from))
}
