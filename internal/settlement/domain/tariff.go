package settlement

import (
	"sort"
	"time"
)

// ChargeType classifies a fixed charge.
type ChargeType string

const (
	ChargeBasic    ChargeType = "basic"
	ChargePeriodic ChargeType = "periodic"
	// ChargeDemand is priced per kVA of peak demand.
	ChargeDemand ChargeType = "demand"
)

// Cadence is how often a fixed charge applies.
type Cadence string

const (
	// CadenceDaily multiplies the amount by the days in the billing period.
	CadenceDaily Cadence = "daily"
	// CadenceMonthly is charged once per billing period, never pro-rated.
	CadenceMonthly Cadence = "monthly"
	// CadencePeriod is charged once per billing period.
	CadencePeriod Cadence = "period"
)

// Block is a stepped energy price; nil ToKWh means unbounded.
type Block struct {
	FromKWh     float64  `yaml:"from_kwh" json:"from_kwh"`
	ToKWh       *float64 `yaml:"to_kwh,omitempty" json:"to_kwh,omitempty"`
	CentsPerKWh float64  `yaml:"cents_per_kwh" json:"cents_per_kwh"`
}

// Unbounded reports whether the block has no upper limit.
func (b Block) Unbounded() bool { return b.ToKWh == nil }

// FixedCharge is a non-energy charge.
type FixedCharge struct {
	Type    ChargeType `yaml:"type" json:"type"`
	Name    string     `yaml:"name,omitempty" json:"name,omitempty"`
	Amount  float64    `yaml:"amount" json:"amount"`
	Cadence Cadence    `yaml:"cadence" json:"cadence"`
}

// TOUPeriod prices hours [StartHour, EndHour) of a season and day type.
// StartHour > EndHour wraps past midnight.
type TOUPeriod struct {
	Season      Season  `yaml:"season" json:"season"`
	DayType     DayType `yaml:"day_type" json:"day_type"`
	StartHour   int     `yaml:"start_hour" json:"start_hour"`
	EndHour     int     `yaml:"end_hour" json:"end_hour"`
	CentsPerKWh float64 `yaml:"cents_per_kwh" json:"cents_per_kwh"`
}

// covers reports whether hour h falls in the period.
func (p TOUPeriod) covers(h int) bool {
	if p.StartHour < p.EndHour {
		return h >= p.StartHour && h < p.EndHour
	}
	return h >= p.StartHour || h < p.EndHour
}

// Tariff is a published billing tariff.
type Tariff struct {
	ID            string        `yaml:"id" json:"id"`
	Name          string        `yaml:"name" json:"name"`
	Currency      string        `yaml:"currency" json:"currency"`
	Blocks        []Block       `yaml:"blocks" json:"blocks"`
	FixedCharges  []FixedCharge `yaml:"fixed_charges" json:"fixed_charges"`
	UsesTOU       bool          `yaml:"uses_tou" json:"uses_tou"`
	TOUPeriods    []TOUPeriod   `yaml:"tou_periods" json:"tou_periods"`
	EffectiveFrom time.Time     `yaml:"effective_from,omitempty" json:"effective_from,omitempty"`
	EffectiveTo   time.Time     `yaml:"effective_to,omitempty" json:"effective_to,omitempty"`
}

// EffectiveAt reports whether t lies in [EffectiveFrom, EffectiveTo); zero bounds are open.
func (t Tariff) EffectiveAt(at time.Time) bool {
	if !t.EffectiveFrom.IsZero() && at.Before(t.EffectiveFrom) {
		return false
	}
	if !t.EffectiveTo.IsZero() && !at.Before(t.EffectiveTo) {
		return false
	}
	return true
}

// SortedBlocks returns a copy of the blocks ordered by FromKWh.
func (t Tariff) SortedBlocks() []Block {
	blocks := append([]Block(nil), t.Blocks...)
	sort.SliceStable(blocks, func(i, j int) bool { return blocks[i].FromKWh < blocks[j].FromKWh })
	return blocks
}

// Validate checks block, charge and TOU invariants. Every failure wraps ErrConfiguration.
func (t Tariff) Validate() error {
	if t.ID == "" {
		return configError("empty tariff id")
	}
	if !t.UsesTOU && len(t.Blocks) == 0 {
		return configError("tariff %s has no energy blocks", t.ID)
	}
	if err := validateBlocks(t.SortedBlocks()); err != nil {
		return err
	}
	for _, c := range t.FixedCharges {
		if err := validateCharge(c); err != nil {
			return err
		}
	}
	if t.UsesTOU {
		if err := validateTOU(t.TOUPeriods); err != nil {
			return err
		}
	}
	if !t.EffectiveFrom.IsZero() && !t.EffectiveTo.IsZero() && !t.EffectiveTo.After(t.EffectiveFrom) {
		return configError("effective range ends before it starts")
	}
	return nil
}

func validateBlocks(blocks []Block) error {
	for i, b := range blocks {
		if b.CentsPerKWh < 0 {
			return configError("block %d has a negative rate", i)
		}
		if b.FromKWh < 0 {
			return configError("block %d starts below zero", i)
		}
		if b.Unbounded() {
			if i != len(blocks)-1 {
				return configError("unbounded block %d is not last", i)
			}
		} else if *b.ToKWh <= b.FromKWh {
			return configError("block %d ends at or before it starts", i)
		}
		if i == 0 {
			if b.FromKWh != 0 {
				return configError("first block starts at %v, not 0", b.FromKWh)
			}
			continue
		}
		prev := blocks[i-1]
		switch {
		case b.FromKWh < *prev.ToKWh:
			return configError("blocks %d and %d overlap", i-1, i)
		case b.FromKWh > *prev.ToKWh:
			return configError("gap between blocks %d and %d", i-1, i)
		}
	}
	return nil
}

func validateCharge(c FixedCharge) error {
	switch c.Type {
	case ChargeBasic, ChargePeriodic, ChargeDemand:
	default:
		return configError("unknown charge type %q", c.Type)
	}
	switch c.Cadence {
	case CadenceDaily, CadenceMonthly, CadencePeriod:
	default:
		return configError("unknown charge cadence %q", c.Cadence)
	}
	if c.Amount < 0 {
		return configError("charge %q has a negative amount", c.Name)
	}
	return nil
}

func validateTOU(periods []TOUPeriod) error {
	if len(periods) == 0 {
		return configError("time-of-use tariff has no periods")
	}
	type scope struct {
		season  Season
		dayType DayType
	}
	hours := make(map[scope][24]bool)
	for i, p := range periods {
		if !p.Season.valid() {
			return configError("period %d has unknown season %q", i, p.Season)
		}
		if !p.DayType.valid() {
			return configError("period %d has unknown day type %q", i, p.DayType)
		}
		if p.StartHour < 0 || p.StartHour > 23 || p.EndHour < 0 || p.EndHour > 24 || p.StartHour == p.EndHour {
			return configError("period %d has invalid hours %d-%d", i, p.StartHour, p.EndHour)
		}
		if p.CentsPerKWh < 0 {
			return configError("period %d has a negative rate", i)
		}
		key := scope{p.Season, p.DayType}
		used := hours[key]
		for h := 0; h < 24; h++ {
			if !p.covers(h) {
				continue
			}
			if used[h] {
				return configError("period %d overlaps hour %d of %s/%s", i, h, p.Season, p.DayType)
			}
			used[h] = true
		}
		hours[key] = used
	}
	return nil
}
