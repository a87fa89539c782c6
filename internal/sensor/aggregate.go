package sensor

import (
	"math"
	"sort"
	"time"

	"github.com/juju/errors"
)

const DefaultWindow = 25

// Two firmware variants disagreed on aggregation, so the strategy is explicit
// configuration rather than a silent pick.
type Strategy uint8

const (
	// Sort valid samples ascending, mean of the upper half. Discards
	// transient low outliers, tracks the sustained high side. Right bias for
	// watching an overheating process.
	StrategyUpperHalf Strategy = iota
	// Keep only the last valid sample of the window.
	StrategyLastValid
)

func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "", "upperhalf":
		return StrategyUpperHalf, nil
	case "lastvalid":
		return StrategyLastValid, nil
	}
	return StrategyUpperHalf, errors.NotValidf("sensor strategy=%s", s)
}

// Aggregate is the per-cycle result for one channel.
// Invariant: Valid iff ValidCount > 0.
// LastFault tracks the newest reading only, see FaultCode.Health.
type Aggregate struct {
	Value      float64
	Valid      bool
	ValidCount int
	LastFault  FaultCode
}

type Collector struct {
	Window   int           // samples per window, 0 = DefaultWindow
	Tick     time.Duration // delay between samples
	Strategy Strategy
}

// Collect gathers one window from th and aggregates it.
// Faulted and non-finite samples are dropped. Never errors: an empty window
// yields an absent aggregate (Valid=false), not a sentinel value.
func (c *Collector) Collect(th Thermometer) Aggregate {
	window := c.Window
	if window <= 0 {
		window = DefaultWindow
	}
	agg := Aggregate{}
	valid := make([]float64, 0, window)
	for i := 0; i < window; i++ {
		if i > 0 && c.Tick > 0 {
			time.Sleep(c.Tick)
		}
		r := th.Read()
		agg.LastFault = r.Fault
		if r.Fault != FaultNone || !r.Valid {
			continue
		}
		if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
			continue
		}
		valid = append(valid, r.Value)
	}
	agg.ValidCount = len(valid)
	if agg.ValidCount == 0 {
		return agg
	}
	switch c.Strategy {
	case StrategyLastValid:
		agg.Value = valid[len(valid)-1]
	default:
		sort.Float64s(valid)
		upper := valid[len(valid)/2:]
		sum := float64(0)
		for _, v := range upper {
			sum += v
		}
		agg.Value = sum / float64(len(upper))
	}
	agg.Valid = true
	return agg
}
