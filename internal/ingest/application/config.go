package application

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"

	"gridledger/internal/ingest/parser"
	telemetry "gridledger/internal/telemetry/domain"
)

// DefaultProfile is the profile used when an item names none.
const DefaultProfile = "default"

// ColumnConfig maps a value column to a channel.
type ColumnConfig struct {
	Index   int    `yaml:"index"`
	Channel string `yaml:"channel"`
	Unit    string `yaml:"unit"`
}

// Profile describes one meter export layout.
type Profile struct {
	DateColumn       int            `yaml:"date_column"`
	TimeColumn       *int           `yaml:"time_column"`
	Columns          []ColumnConfig `yaml:"columns"`
	DecimalSeparator string         `yaml:"decimal_separator"`
	Delimiter        string         `yaml:"delimiter"`
	HeaderRows       *int           `yaml:"header_rows"`
	MinColumns       int            `yaml:"min_columns"`
	MaxErrorSamples  int            `yaml:"max_error_samples"`
	Timezone         string         `yaml:"timezone"`
	Sheet            string         `yaml:"sheet"`
}

// Config defines import configuration.
type Config struct {
	Workers          int                `yaml:"workers"`
	AggregateParents bool               `yaml:"aggregate_parents"`
	Columns          []string           `yaml:"aggregate_columns"`
	Profiles         map[string]Profile `yaml:"profiles"`
}

// LoadConfig loads config from yaml or env.
func LoadConfig() (Config, error) {
	cfg := Config{
		Workers:          getenvIntDefault("INGEST_WORKERS", 1),
		AggregateParents: getenvBoolDefault("INGEST_AGGREGATE_PARENTS", true),
	}
	if path := os.Getenv("INGEST_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("ingest config: %w", err)
		}
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	for name := range cfg.Profiles {
		if _, err := cfg.Format(name); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

// Format resolves a named profile to a parser format.
// An unknown empty or default name yields the default layout.
func (c Config) Format(name string) (parser.Format, error) {
	if name == "" {
		name = DefaultProfile
	}
	profile, ok := c.Profiles[name]
	if !ok {
		if name == DefaultProfile {
			return parser.DefaultFormat(), nil
		}
		return parser.Format{}, fmt.Errorf("%w: unknown profile %q", parser.ErrInvalidFormat, name)
	}
	f, err := profile.format()
	if err != nil {
		return parser.Format{}, fmt.Errorf("profile %s: %w", name, err)
	}
	return f, nil
}

func (p Profile) format() (parser.Format, error) {
	f := parser.DefaultFormat()
	f.DateColumn = p.DateColumn
	if p.TimeColumn != nil {
		f.TimeColumn = *p.TimeColumn
	}
	if len(p.Columns) > 0 {
		f.ValueColumns = make([]parser.ValueColumn, 0, len(p.Columns))
		for _, col := range p.Columns {
			f.ValueColumns = append(f.ValueColumns, parser.ValueColumn{
				Index:   col.Index,
				Channel: col.Channel,
				Unit:    telemetry.Unit(col.Unit),
			})
		}
	}
	if p.DecimalSeparator != "" {
		r, err := singleRune(p.DecimalSeparator)
		if err != nil {
			return parser.Format{}, err
		}
		f.DecimalSeparator = r
	}
	if p.Delimiter != "" {
		r, err := singleRune(p.Delimiter)
		if err != nil {
			return parser.Format{}, err
		}
		f.Delimiter = r
	}
	if p.HeaderRows != nil {
		f.HeaderRows = *p.HeaderRows
	}
	if p.MinColumns > 0 {
		f.MinColumns = p.MinColumns
	}
	if p.MaxErrorSamples != 0 {
		f.MaxErrorSamples = p.MaxErrorSamples
	}
	if p.Timezone != "" {
		loc, err := time.LoadLocation(p.Timezone)
		if err != nil {
			return parser.Format{}, fmt.Errorf("%w: timezone %q", parser.ErrInvalidFormat, p.Timezone)
		}
		f.Location = loc
	}
	f.Sheet = p.Sheet
	if err := f.Validate(); err != nil {
		return parser.Format{}, err
	}
	return f, nil
}

func singleRune(value string) (rune, error) {
	if value == `\t` || value == "tab" {
		return '\t', nil
	}
	runes := []rune(value)
	if len(runes) != 1 {
		return 0, fmt.Errorf("%w: separator %q", parser.ErrInvalidFormat, value)
	}
	return runes[0], nil
}

func getenvIntDefault(key string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBoolDefault(key string, fallback bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
