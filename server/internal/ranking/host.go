package ranking

import (
	"fmt"
	"math"
	"time"
)

// Host is the latest metrics and derived score for one host.
// The host identifier is the Database key and is not repeated here.
type Host struct {
	Wmin       float64 `json:"wmin"`
	Wmax       float64 `json:"wmax"`
	Flop       float64 `json:"flop"`
	Efficiency float64 `json:"efficiency"`
	Timestamp  int64   `json:"timestamp"` // Unix seconds of the last update
}

// Update overwrites Wmin, Wmax and Flop, recomputes Efficiency and stamps the
// record with now. The record is left untouched when the values are invalid.
// Timestamp never moves backwards, even if the clock does.
func (h *Host) Update(wmin, wmax, flop float64, now time.Time) error {
	if err := checkValues(wmin, wmax, flop); err != nil {
		return err
	}
	h.Wmin = wmin
	h.Wmax = wmax
	h.Flop = flop
	h.Efficiency = flop / wmax
	if ts := now.Round(time.Second).Unix(); ts > h.Timestamp {
		h.Timestamp = ts
	}
	return nil
}

// Age returns how long ago the record was last updated.
func (h Host) Age(now time.Time) time.Duration {
	return now.Sub(time.Unix(h.Timestamp, 0))
}

func checkValues(wmin, wmax, flop float64) error {
	for _, v := range [...]float64{wmin, wmax, flop} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite value %v", ErrInvalidRecord, v)
		}
	}
	if wmax <= 0 {
		return fmt.Errorf("%w: wmax must be positive, got %g", ErrInvalidRecord, wmax)
	}
	if eff := flop / wmax; math.IsNaN(eff) || math.IsInf(eff, 0) {
		return fmt.Errorf("%w: efficiency %g/%g overflows", ErrInvalidRecord, flop, wmax)
	}
	return nil
}
