package application

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gridledger/internal/ingest/parser"
	telemetry "gridledger/internal/telemetry/domain"
)

const profilesYAML = `
workers: 3
aggregate_parents: false
profiles:
  eskom:
    date_column: 0
    time_column: -1
    delimiter: ";"
    decimal_separator: ","
    header_rows: 2
    timezone: Africa/Johannesburg
    columns:
      - {index: 1, channel: P1, unit: kWh}
      - {index: 2, channel: S, unit: kVA}
`

func TestLoadConfigFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ingest.yaml")
	require.NoError(t, os.WriteFile(path, []byte(profilesYAML), 0o600))
	t.Setenv("INGEST_CONFIG", path)

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Workers)
	assert.False(t, cfg.AggregateParents)

	f, err := cfg.Format("eskom")
	require.NoError(t, err)
	assert.True(t, f.Combined())
	assert.Equal(t, ';', f.Delimiter)
	assert.Equal(t, ',', f.DecimalSeparator)
	assert.Equal(t, 2, f.HeaderRows)
	assert.Equal(t, "Africa/Johannesburg", f.Location.String())
	require.Len(t, f.ValueColumns, 2)
	assert.Equal(t, telemetry.UnitKVA, f.ValueColumns[1].Unit)

	def, err := cfg.Format("")
	require.NoError(t, err)
	assert.Equal(t, parser.DefaultFormat().ValueColumns, def.ValueColumns)

	_, err = cfg.Format("nope")
	assert.ErrorIs(t, err, parser.ErrInvalidFormat)
}

func TestLoadConfigRejectsInvalidProfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ingest.yaml")
	require.NoError(t, os.WriteFile(path, []byte("profiles:\n  bad:\n    delimiter: \",\"\n    decimal_separator: \",\"\n"), 0o600))
	t.Setenv("INGEST_CONFIG", path)

	_, err := LoadConfig()
	assert.ErrorIs(t, err, parser.ErrInvalidFormat)
}

func TestLoadConfigEnvDefaults(t *testing.T) {
	t.Setenv("INGEST_CONFIG", "")
	t.Setenv("INGEST_WORKERS", "4")
	t.Setenv("INGEST_AGGREGATE_PARENTS", "no")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Workers)
	assert.True(t, cfg.AggregateParents)
}
