package ranking

import (
	"fmt"
	"strings"
)

// Method names the Host field a ranking is ordered by.
type Method string

// Recognised ranking methods.
const (
	MethodWmin       Method = "Wmin"
	MethodWmax       Method = "Wmax"
	MethodFlop       Method = "Flop"
	MethodEfficiency Method = "Efficiency"
	MethodTimestamp  Method = "Timestamp"
)

var methods = []Method{MethodWmin, MethodWmax, MethodFlop, MethodEfficiency, MethodTimestamp}

// Methods returns every recognised ranking method.
func Methods() []Method {
	out := make([]Method, len(methods))
	copy(out, methods)
	return out
}

// ParseMethod maps a case-insensitive name to its Method.
func ParseMethod(name string) (Method, error) {
	for _, m := range methods {
		if strings.EqualFold(string(m), name) {
			return m, nil
		}
	}
	return "", fmt.Errorf("ranking: %q: %w", name, ErrInvalidMethod)
}

// Valid reports whether m names a Host field.
func (m Method) Valid() bool {
	for _, known := range methods {
		if m == known {
			return true
		}
	}
	return false
}

// Descending reports whether higher values rank first.
// Throughput and efficiency are better when higher; power draw and age are
// better when lower.
func (m Method) Descending() bool {
	return m == MethodFlop || m == MethodEfficiency
}

// Value returns the field of h that m ranks by.
func (m Method) Value(h Host) float64 {
	switch m {
	case MethodWmin:
		return h.Wmin
	case MethodWmax:
		return h.Wmax
	case MethodFlop:
		return h.Flop
	case MethodEfficiency:
		return h.Efficiency
	case MethodTimestamp:
		return float64(h.Timestamp)
	default:
		return 0
	}
}
