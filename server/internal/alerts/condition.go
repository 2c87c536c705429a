package alerts

import (
	"strconv"
	"strings"
	"time"

	"github.com/kwranking/kwranking/server/internal/ranking"
)

// evalCondition evaluates a rule condition string against a host record.
//
// Supported expressions (field operator value):
//
//	efficiency < 0.2
//	wmax > 450
//	wmin >= 120
//	flop <= 1
//	age_seconds > 1800
//
// Returns (fires bool, triggering value float64).
// Returns (false, 0) if the expression cannot be parsed or the field is unknown.
func evalCondition(cond string, h ranking.Host, now time.Time) (bool, float64) {
	parts := strings.Fields(cond)
	if len(parts) != 3 {
		return false, 0
	}
	field, op, rhs := parts[0], parts[1], parts[2]

	v, ok := numericField(field, h, now)
	if !ok {
		return false, 0
	}
	threshold, err := strconv.ParseFloat(rhs, 64)
	if err != nil {
		return false, 0
	}
	return compareFloat(v, op, threshold), v
}

// numericField maps a field name to its value in the record.
func numericField(field string, h ranking.Host, now time.Time) (float64, bool) {
	switch field {
	case "wmin":
		return h.Wmin, true
	case "wmax":
		return h.Wmax, true
	case "flop":
		return h.Flop, true
	case "efficiency":
		return h.Efficiency, true
	case "age_seconds":
		return h.Age(now).Seconds(), true
	default:
		return 0, false
	}
}

// compareFloat applies a comparison operator to two float64 values.
func compareFloat(v float64, op string, threshold float64) bool {
	switch op {
	case ">":
		return v > threshold
	case ">=":
		return v >= threshold
	case "<":
		return v < threshold
	case "<=":
		return v <= threshold
	case "==":
		return v == threshold
	case "!=":
		return v != threshold
	default:
		return false
	}
}
