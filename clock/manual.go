package clock

import (
	"sync"
	"time"
)

// A manually-advanced clock for tests.
type ManualClock struct {
	lock sync.Mutex
	now  time.Time
}

func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

func (mc *ManualClock) Advance(d time.Duration) {
	mc.lock.Lock()
	defer mc.lock.Unlock()
	mc.now = mc.now.Add(d)
}

func (mc *ManualClock) CurrentTimeMicro() uint64 {
	mc.lock.Lock()
	defer mc.lock.Unlock()
	return uint64(mc.now.UnixMicro())
}

func (mc *ManualClock) CurrentTimeMs() uint64 {
	return mc.CurrentTimeMicro() / 1000
}

func (mc *ManualClock) CurrentTimeSec() uint64 {
	return mc.CurrentTimeMicro() / 1000000
}

func (mc *ManualClock) Now() time.Time {
	mc.lock.Lock()
	defer mc.lock.Unlock()
	return mc.now
}
