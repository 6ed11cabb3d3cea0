// Package clock abstracts time so tests can substitute a manual clock.
package clock

import "time"

// Clock hands out the current time at the granularities stored timestamps use.
type Clock interface {
	CurrentTimeMicro() uint64
	CurrentTimeMs() uint64
	CurrentTimeSec() uint64
	Now() time.Time
}

// NewSystemClock returns a Clock backed by the wall clock.
func NewSystemClock() Clock {
	return systemClock{}
}

type systemClock struct{}

func (systemClock) CurrentTimeMicro() uint64 {
	return uint64(time.Now().UnixMicro())
}

func (systemClock) CurrentTimeMs() uint64 {
	return uint64(time.Now().UnixMilli())
}

func (systemClock) CurrentTimeSec() uint64 {
	return uint64(time.Now().Unix())
}

func (systemClock) Now() time.Time {
	return time.Now()
}
