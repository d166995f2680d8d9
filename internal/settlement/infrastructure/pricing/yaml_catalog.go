package pricing

import (
	"context"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	settlement "gridledger/internal/settlement/domain"
)

// catalogFile is the on-disk layout of a tariff catalog.
type catalogFile struct {
	Tariffs  []settlement.Tariff `yaml:"tariffs"`
	Holidays []string            `yaml:"holidays"`
}

// StaticCatalog is an immutable in-memory tariff catalog.
type StaticCatalog struct {
	tariffs  map[string]settlement.Tariff
	holidays *HolidayCalendar
}

// LoadCatalog reads a YAML tariff catalog from path.
func LoadCatalog(path string) (*StaticCatalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes and validates a YAML tariff catalog.
func ParseCatalog(data []byte) (*StaticCatalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("tariff catalog: %w", err)
	}
	holidays, err := NewHolidayCalendar(file.Holidays)
	if err != nil {
		return nil, err
	}
	return NewStaticCatalog(holidays, file.Tariffs...)
}

// NewStaticCatalog validates tariffs and indexes them by id.
func NewStaticCatalog(holidays *HolidayCalendar, tariffs ...settlement.Tariff) (*StaticCatalog, error) {
	c := &StaticCatalog{tariffs: make(map[string]settlement.Tariff, len(tariffs)), holidays: holidays}
	for _, t := range tariffs {
		if err := t.Validate(); err != nil {
			return nil, err
		}
		if _, dup := c.tariffs[t.ID]; dup {
			return nil, fmt.Errorf("tariff catalog: duplicate tariff %q", t.ID)
		}
		c.tariffs[t.ID] = t
	}
	return c, nil
}

// GetTariff returns a tariff by id.
func (c *StaticCatalog) GetTariff(ctx context.Context, id string) (settlement.Tariff, error) {
	_ = ctx
	t, ok := c.tariffs[id]
	if !ok {
		return settlement.Tariff{}, fmt.Errorf("%w: %s", settlement.ErrTariffNotFound, id)
	}
	return t, nil
}

// IDs lists tariff ids in order.
func (c *StaticCatalog) IDs() []string {
	ids := make([]string, 0, len(c.tariffs))
	for id := range c.tariffs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Holidays returns the catalog's holiday calendar.
func (c *StaticCatalog) Holidays() *HolidayCalendar {
	return c.holidays
}
