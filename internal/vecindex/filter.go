package vecindex

import (
	"fmt"
	"strconv"
)

// matchesFilter reports whether a payload satisfies every condition in the
// filter. An empty filter matches everything.
func matchesFilter(payload map[string]interface{}, filter Filter) bool {
	for _, cond := range filter.Must {
		if !matchesCondition(payload, cond) {
			return false
		}
	}
	return true
}

func matchesCondition(payload map[string]interface{}, cond Condition) bool {
	raw, ok := payload[cond.Key]
	if !ok {
		return false
	}
	val := payloadString(raw)

	if len(cond.AnyOf) > 0 {
		found := false
		for _, want := range cond.AnyOf {
			if val == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if cond.Gte != "" && val < cond.Gte {
		return false
	}
	if cond.Lte != "" && val > cond.Lte {
		return false
	}
	return true
}

// payloadString normalizes a decoded JSON value for comparison. Numbers
// round-trip through JSON as float64; integers are rendered without a
// fractional part so they compare as stored.
func payloadString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}
