package domain

import (
	"math"
	"sort"
	"strings"
	"time"
)

// Sample is the set of values collected in one poll cycle. A key is absent
// when its read failed or, for derived entries, when any source is absent.
// Samples are not modified after the cycle that built them completes.
type Sample struct {
	// Timestamp is when the cycle started
	Timestamp time.Time `json:"timestamp"`

	// Values maps register keys to scaled values
	Values map[string]float64 `json:"values"`
}

// NewSample creates an empty sample.
func NewSample(ts time.Time) *Sample {
	return &Sample{
		Timestamp: ts,
		Values:    make(map[string]float64),
	}
}

// Set stores a value.
func (s *Sample) Set(key string, value float64) {
	s.Values[key] = value
}

// Get returns the value for key.
func (s *Sample) Get(key string) (float64, bool) {
	v, ok := s.Values[key]
	return v, ok
}

// Has reports whether every key is present.
func (s *Sample) Has(keys ...string) bool {
	for _, k := range keys {
		if _, ok := s.Values[k]; !ok {
			return false
		}
	}
	return true
}

// Missing returns the keys that are absent, in argument order.
func (s *Sample) Missing(keys ...string) []string {
	var out []string
	for _, k := range keys {
		if _, ok := s.Values[k]; !ok {
			out = append(out, k)
		}
	}
	return out
}

// Keys returns the present keys sorted.
func (s *Sample) Keys() []string {
	keys := make([]string, 0, len(s.Values))
	for k := range s.Values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of values.
func (s *Sample) Len() int {
	return len(s.Values)
}

// Unit of measure inferred from a register key.
type Unit string

const (
	UnitNone         Unit = ""
	UnitKilowatt     Unit = "kW"
	UnitKilowattHour Unit = "kWh"
	UnitVolt         Unit = "V"
	UnitCelsius      Unit = "°C"
)

// InferUnit derives the unit from naming conventions in the key.
func InferUnit(key string) Unit {
	k := strings.ToLower(key)
	switch {
	case strings.Contains(k, "power"):
		return UnitKilowatt
	case strings.Contains(k, "energy"):
		return UnitKilowattHour
	case strings.Contains(k, "volt"):
		return UnitVolt
	case strings.Contains(k, "temp"):
		return UnitCelsius
	default:
		return UnitNone
	}
}

// DisplayPrecision returns the number of decimals a value is presented with:
// one for power, two otherwise.
func DisplayPrecision(key string) int {
	if InferUnit(key) == UnitKilowatt {
		return 1
	}
	return 2
}

// DisplayValue rounds v to the display precision of key.
func DisplayValue(key string, v float64) float64 {
	pow := math.Pow(10, float64(DisplayPrecision(key)))
	return math.Round(v*pow) / pow
}
