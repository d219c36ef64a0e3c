package analytics

import (
	"fmt"
	"math"
	"time"
)

// PeriodStats summarizes a quantity per period of at least one second.
// Values are either accumulated into Sum, and turned into a per-second
// rate, or recorded as samples, and averaged over the period.
type PeriodStats struct {
	Min   uint32
	Max   uint32
	Avg   uint32
	Sum   uint32
	Count uint32
}

func NewPeriodStats() PeriodStats {
	return PeriodStats{Min: math.MaxUint32}
}

// Accumulate adds v to the running sum of the period.
func (s *PeriodStats) Accumulate(v uint32) {
	s.Sum += v
}

// Record adds one sample, which also counts towards Min and Max.
func (s *PeriodStats) Record(v uint32) {
	if s.Min > v {
		s.Min = v
	}
	if s.Max < v {
		s.Max = v
	}
	s.Sum += v
	s.Count++
}

// Update closes the period once elapsed reaches one second: the sample
// average, or the accumulated sum per second when no samples were
// recorded, becomes Avg and the period restarts.
func (s *PeriodStats) Update(elapsed time.Duration) {
	if elapsed < time.Second {
		return
	}
	var avg uint32
	if s.Count == 0 {
		avg = uint32(uint64(s.Sum) * uint64(time.Second) / uint64(elapsed))
	} else {
		avg = s.Sum / s.Count
	}
	if s.Min > avg {
		s.Min = avg
	}
	if s.Max < avg {
		s.Max = avg
	}
	s.Avg = avg
	s.Count = 0
	s.Sum = 0
}

func (s PeriodStats) String() string {
	if s.Min == math.MaxUint32 {
		return "min=- max=- avg=-"
	}
	return fmt.Sprintf("min=%d max=%d avg=%d", s.Min, s.Max, s.Avg)
}
