package probe

import (
	"encoding/json"
	"math"

	"github.com/VividCortex/ewma"
)

// Stats is the min/avg/max reduction of a sample sequence. All three values
// are NaN when Count is zero.
type Stats struct {
	Min   float64 `json:"min" yaml:"min"`
	Avg   float64 `json:"avg" yaml:"avg"`
	Max   float64 `json:"max" yaml:"max"`
	Count int     `json:"count" yaml:"count"`
}

// Valid reports whether the triple was computed from at least one sample.
func (s Stats) Valid() bool {
	return s.Count > 0
}

// MarshalJSON encodes an undefined triple as nulls; encoding/json rejects NaN.
func (s Stats) MarshalJSON() ([]byte, error) {
	type wire struct {
		Min   *float64 `json:"min"`
		Avg   *float64 `json:"avg"`
		Max   *float64 `json:"max"`
		Count int      `json:"count"`
	}
	w := wire{Count: s.Count}
	if s.Valid() {
		w.Min, w.Avg, w.Max = &s.Min, &s.Avg, &s.Max
	}
	return json.Marshal(w)
}

// Aggregate reduces samples to their minimum, mean and maximum.
func Aggregate(samples []float64) Stats {
	if len(samples) == 0 {
		nan := math.NaN()
		return Stats{Min: nan, Avg: nan, Max: nan}
	}

	stats := Stats{
		Min:   samples[0],
		Max:   samples[0],
		Count: len(samples),
	}

	var sum float64
	for _, v := range samples {
		sum += v
		stats.Min = math.Min(stats.Min, v)
		stats.Max = math.Max(stats.Max, v)
	}
	stats.Avg = sum / float64(len(samples))

	return stats
}

// Series is the append-only sample buffer of a single run.
type Series struct {
	values   []float64
	smoothed ewma.MovingAverage
}

func NewSeries() *Series {
	return &Series{smoothed: ewma.NewMovingAverage()}
}

func (s *Series) Append(v float64) {
	s.values = append(s.values, v)
	s.smoothed.Add(v)
}

func (s *Series) Len() int {
	return len(s.values)
}

// Last returns the most recent sample, or 0 for an empty series.
func (s *Series) Last() float64 {
	if len(s.values) == 0 {
		return 0
	}
	return s.values[len(s.values)-1]
}

func (s *Series) Stats() Stats {
	return Aggregate(s.values)
}

// Smoothed returns the exponentially weighted moving average of the samples,
// or NaN for an empty series.
func (s *Series) Smoothed() float64 {
	if len(s.values) == 0 {
		return math.NaN()
	}
	return s.smoothed.Value()
}
