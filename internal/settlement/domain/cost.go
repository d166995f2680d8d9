package settlement

import (
	"math"
	"time"
)

// SlotUsage is the energy consumed in one slot starting at Start.
type SlotUsage struct {
	Start time.Time
	KWh   float64
}

// Usage is what gets billed. Slots are required for time-of-use tariffs;
// when given for a block tariff, KWh defaults to their sum.
type Usage struct {
	KWh     float64
	PeakKVA float64
	Days    int
	Slots   []SlotUsage
}

// TOUOptions resolve the local calendar of usage slots.
type TOUOptions struct {
	Calendar HolidayCalendar
	Location *time.Location
}

// BlockLine is the energy billed in one block.
type BlockLine struct {
	FromKWh     float64  `json:"from_kwh"`
	ToKWh       *float64 `json:"to_kwh,omitempty"`
	KWh         float64  `json:"kwh"`
	CentsPerKWh float64  `json:"cents_per_kwh"`
	Cost        float64  `json:"cost"`
}

// TOULine is the energy billed under one time-of-use period.
type TOULine struct {
	Season      Season  `json:"season"`
	DayType     DayType `json:"day_type"`
	StartHour   int     `json:"start_hour"`
	EndHour     int     `json:"end_hour"`
	Slots       int     `json:"slots"`
	KWh         float64 `json:"kwh"`
	CentsPerKWh float64 `json:"cents_per_kwh"`
	Cost        float64 `json:"cost"`
}

// ChargeLine is one applied fixed or demand charge.
type ChargeLine struct {
	Type    ChargeType `json:"type"`
	Name    string     `json:"name,omitempty"`
	Cadence Cadence    `json:"cadence"`
	Amount  float64    `json:"amount"`
}

// CostResult is a derived cost breakdown; it is never persisted.
type CostResult struct {
	TariffID      string       `json:"tariff_id"`
	Currency      string       `json:"currency"`
	PeriodDays    int          `json:"period_days"`
	TotalKWh      float64      `json:"total_kwh"`
	PeakKVA       float64      `json:"peak_kva"`
	EnergyCost    float64      `json:"energy_cost"`
	FixedCharges  float64      `json:"fixed_charges"`
	DemandCharges float64      `json:"demand_charges"`
	TotalCost     float64      `json:"total_cost"`
	AvgCostPerKWh float64      `json:"avg_cost_per_kwh"`
	UnbilledKWh   float64      `json:"unbilled_kwh,omitempty"`
	Blocks        []BlockLine  `json:"blocks,omitempty"`
	TOU           []TOULine    `json:"tou,omitempty"`
	Charges       []ChargeLine `json:"charges,omitempty"`
}

// ComputeCost bills a block tariff for a total usage over periodDays.
func ComputeCost(def Tariff, usageKWh float64, periodDays int) (CostResult, error) {
	return Bill(def, Usage{KWh: usageKWh, Days: periodDays}, TOUOptions{})
}

// ComputeTOUCost bills a time-of-use tariff from per-slot usage.
func ComputeTOUCost(def Tariff, slots []SlotUsage, periodDays int, opts TOUOptions) (CostResult, error) {
	return Bill(def, Usage{Slots: slots, Days: periodDays}, opts)
}

// Bill evaluates a tariff against usage.
func Bill(def Tariff, usage Usage, opts TOUOptions) (CostResult, error) {
	if err := def.Validate(); err != nil {
		return CostResult{}, err
	}
	if usage.Days < 0 {
		return CostResult{}, ErrInvalidPeriod
	}
	if !finite(usage.KWh) || !finite(usage.PeakKVA) {
		return CostResult{}, ErrInvalidUsage
	}
	if usage.KWh < 0 || usage.PeakKVA < 0 {
		return CostResult{}, ErrNegativeUsage
	}

	total := fromFloat(usage.KWh)
	if len(usage.Slots) > 0 {
		total = zero()
		for _, s := range usage.Slots {
			if !finite(s.KWh) {
				return CostResult{}, ErrInvalidUsage
			}
			if s.KWh < 0 {
				return CostResult{}, ErrNegativeUsage
			}
			total = total.add(fromFloat(s.KWh))
		}
	}

	result := CostResult{
		TariffID:   def.ID,
		Currency:   def.Currency,
		PeriodDays: usage.Days,
		TotalKWh:   total.float(),
		PeakKVA:    usage.PeakKVA,
	}

	var energy decimal
	var err error
	if def.UsesTOU {
		if len(usage.Slots) == 0 && total.sign() > 0 {
			return CostResult{}, ErrTOURequiresSlots
		}
		energy, result.TOU, err = touEnergy(def.TOUPeriods, usage.Slots, opts)
		if err != nil {
			return CostResult{}, err
		}
	} else {
		var unbilled decimal
		energy, result.Blocks, unbilled = blockEnergy(def.SortedBlocks(), total)
		result.UnbilledKWh = unbilled.float()
	}

	fixed, demand := zero(), zero()
	days := fromInt(int64(usage.Days))
	for _, c := range def.FixedCharges {
		amount := fromFloat(c.Amount)
		if c.Type == ChargeDemand {
			amount = amount.mul(fromFloat(usage.PeakKVA))
		}
		if c.Cadence == CadenceDaily {
			amount = amount.mul(days)
		}
		if c.Type == ChargeDemand {
			demand = demand.add(amount)
		} else {
			fixed = fixed.add(amount)
		}
		result.Charges = append(result.Charges, ChargeLine{Type: c.Type, Name: c.Name, Cadence: c.Cadence, Amount: amount.float()})
	}

	totalCost := energy.add(fixed).add(demand)
	avg := zero()
	if total.sign() > 0 {
		avg = totalCost.quo(total)
	}
	if err := firstErr(total, energy, fixed, demand, totalCost, avg); err != nil {
		return CostResult{}, err
	}
	result.EnergyCost = energy.float()
	result.FixedCharges = fixed.float()
	result.DemandCharges = demand.float()
	result.TotalCost = totalCost.float()
	result.AvgCostPerKWh = avg.float()
	return result, nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// blockEnergy walks ascending blocks; usage above a bounded top block is returned as unbilled.
func blockEnergy(blocks []Block, usage decimal) (decimal, []BlockLine, decimal) {
	cost := zero()
	remaining := usage
	var lines []BlockLine
	for _, b := range blocks {
		if remaining.sign() <= 0 {
			break
		}
		capacity := remaining
		if !b.Unbounded() {
			capacity = fromFloat(*b.ToKWh).sub(fromFloat(b.FromKWh))
		}
		consumed := minDecimal(remaining, capacity)
		blockCost := centsToCurrency(consumed, b.CentsPerKWh)
		cost = cost.add(blockCost)
		remaining = remaining.sub(consumed)
		lines = append(lines, BlockLine{
			FromKWh:     b.FromKWh,
			ToKWh:       b.ToKWh,
			KWh:         consumed.float(),
			CentsPerKWh: b.CentsPerKWh,
			Cost:        blockCost.float(),
		})
	}
	if remaining.sign() < 0 {
		remaining = zero()
	}
	return cost, lines, remaining
}

func touEnergy(periods []TOUPeriod, slots []SlotUsage, opts TOUOptions) (decimal, []TOULine, error) {
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	calendar := opts.Calendar
	if calendar == nil {
		calendar = NoHolidays{}
	}

	cost := zero()
	kwh := make([]decimal, len(periods))
	costs := make([]decimal, len(periods))
	counts := make([]int, len(periods))
	for i := range periods {
		kwh[i], costs[i] = zero(), zero()
	}

	for _, s := range slots {
		local := s.Start.In(loc)
		season := SeasonOf(local.Month())
		dayType := DayTypeOf(local, calendar)
		idx := matchPeriod(periods, season, dayType, local.Hour())
		if idx < 0 {
			return decimal{}, nil, &UnmatchedSlotError{Slot: s.Start, Season: season, DayType: dayType, Hour: local.Hour()}
		}
		used := fromFloat(s.KWh)
		slotCost := centsToCurrency(used, periods[idx].CentsPerKWh)
		cost = cost.add(slotCost)
		kwh[idx] = kwh[idx].add(used)
		costs[idx] = costs[idx].add(slotCost)
		counts[idx]++
	}

	var lines []TOULine
	for i, p := range periods {
		if counts[i] == 0 {
			continue
		}
		lines = append(lines, TOULine{
			Season:      p.Season,
			DayType:     p.DayType,
			StartHour:   p.StartHour,
			EndHour:     p.EndHour,
			Slots:       counts[i],
			KWh:         kwh[i].float(),
			CentsPerKWh: p.CentsPerKWh,
			Cost:        costs[i].float(),
		})
	}
	return cost, lines, nil
}

// matchPeriod returns the most specific period covering the slot:
// an exact season outranks an exact day type, which outranks wildcards.
func matchPeriod(periods []TOUPeriod, season Season, dayType DayType, hour int) int {
	best, bestScore := -1, -1
	for i, p := range periods {
		if p.Season != season && p.Season != SeasonAll {
			continue
		}
		if p.DayType != dayType && p.DayType != DayAll {
			continue
		}
		if !p.covers(hour) {
			continue
		}
		score := 0
		if p.Season == season {
			score += 2
		}
		if p.DayType == dayType {
			score++
		}
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	return best
}
