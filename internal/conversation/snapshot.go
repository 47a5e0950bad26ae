package conversation

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Unknown is the phrasing used for missing snapshot attributes.
const Unknown = "não informado"

// Snapshot is a read-only view of the subject's attributes.
// Missing keys are "unknown", never an error.
type Snapshot map[string]any

// Common snapshot keys.
const (
	AttrBrand   = "brand"
	AttrModel   = "model"
	AttrYear    = "year"
	AttrPrice   = "price"
	AttrMileage = "mileage"
	AttrFuel    = "fuel"
	AttrOptions = "options"
)

// Clone returns a shallow copy so callers cannot mutate a stored snapshot.
func (s Snapshot) Clone() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	out := make(Snapshot, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Get returns the attribute formatted as text and whether it was present.
func (s Snapshot) Get(key string) (string, bool) {
	v, ok := s[key]
	if !ok || v == nil {
		return "", false
	}
	var str string
	switch t := v.(type) {
	case string:
		str = strings.TrimSpace(t)
	case float64:
		str = strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		str = t.String()
	default:
		str = fmt.Sprint(t)
	}
	if str == "" {
		return "", false
	}
	return str, true
}

// Text returns the attribute or Unknown.
func (s Snapshot) Text(key string) string {
	if v, ok := s.Get(key); ok {
		return v
	}
	return Unknown
}

// Number parses a numeric attribute. Strings such as "R$ 85.900,00" are accepted.
func (s Snapshot) Number(key string) (float64, bool) {
	v, ok := s[key]
	if !ok || v == nil {
		return 0, false
	}
	switch t := v.(type) {
	case float64:
		return finite(t)
	case float32:
		return finite(float64(t))
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return 0, false
		}
		return finite(f)
	case string:
		return ParseAmount(t)
	}
	return 0, false
}

// List returns a string-list attribute (e.g. options).
func (s Snapshot) List(key string) []string {
	switch t := s[key].(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if str, ok := item.(string); ok && strings.TrimSpace(str) != "" {
				out = append(out, strings.TrimSpace(str))
			}
		}
		return out
	case string:
		if strings.TrimSpace(t) == "" {
			return nil
		}
		parts := strings.Split(t, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return nil
}

// ParseAmount parses currency-ish strings in Brazilian or plain notation:
// "R$ 85.900,50", "85900", "85.900", "85,5 mil".
func ParseAmount(raw string) (float64, bool) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.TrimPrefix(s, "r$")
	multiplier := 1.0
	if trimmed, ok := strings.CutSuffix(s, "mil"); ok {
		s = trimmed
		multiplier = 1000
	} else if trimmed, ok := strings.CutSuffix(s, "k"); ok {
		s = trimmed
		multiplier = 1000
	}
	s = strings.ReplaceAll(strings.TrimSpace(s), " ", "")
	if s == "" {
		return 0, false
	}

	hasComma := strings.Contains(s, ",")
	hasDot := strings.Contains(s, ".")
	switch {
	case hasComma && hasDot:
		s = strings.ReplaceAll(s, ".", "")
		s = strings.Replace(s, ",", ".", 1)
	case hasComma:
		s = strings.Replace(s, ",", ".", 1)
	case hasDot && thousandsGrouped(s):
		s = strings.ReplaceAll(s, ".", "")
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 {
		return 0, false
	}
	return finite(f * multiplier)
}

// finite rejects NaN and infinities, which ParseFloat accepts by name.
func finite(f float64) (float64, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// thousandsGrouped reports whether every dot-separated group after the first has 3 digits.
func thousandsGrouped(s string) bool {
	parts := strings.Split(s, ".")
	if len(parts) < 2 {
		return false
	}
	for _, p := range parts[1:] {
		if len(p) != 3 {
			return false
		}
	}
	return true
}

// Price bucket labels.
const (
	BucketUnder50k = "under_50k"
	Bucket50k100k  = "50k_100k"
	Bucket100k200k = "100k_200k"
	BucketOver200k = "over_200k"
	BucketUnknown  = "unknown"
)

// PriceBucket classifies an amount into a coarse range label.
func PriceBucket(price float64, ok bool) string {
	switch {
	case !ok || math.IsNaN(price) || price <= 0 || math.IsInf(price, 0):
		return BucketUnknown
	case price < 50_000:
		return BucketUnder50k
	case price < 100_000:
		return Bucket50k100k
	case price < 200_000:
		return Bucket100k200k
	default:
		return BucketOver200k
	}
}
