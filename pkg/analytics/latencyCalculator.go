package analytics

import (
	"sync"
	"time"
)

// LatencyCalculator keeps an exponentially weighted moving average of the
// latencies it is fed.
type LatencyCalculator struct {
	mu                    sync.Mutex
	newMeasurementsWeight float32
	oldMeasurementsWeight float32
	nMeasurements         int
	currValue             time.Duration
}

func NewLatencyCalculator(newMeasurementsWeight float32, oldMeasurementsWeight float32) *LatencyCalculator {
	return &LatencyCalculator{
		newMeasurementsWeight: newMeasurementsWeight,
		oldMeasurementsWeight: oldMeasurementsWeight,
	}
}

func (l *LatencyCalculator) AddMeasurement(measurement time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nMeasurements++
	if l.nMeasurements == 1 {
		l.currValue = measurement
		return
	}
	l.currValue = time.Duration(float32(measurement)*l.newMeasurementsWeight + float32(l.currValue)*l.oldMeasurementsWeight)
}

// CurrValue returns the average, or false before the first measurement.
func (l *LatencyCalculator) CurrValue() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currValue, l.nMeasurements > 0
}

func (l *LatencyCalculator) NrMeasurements() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nMeasurements
}

func (l *LatencyCalculator) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nMeasurements = 0
	l.currValue = 0
}
