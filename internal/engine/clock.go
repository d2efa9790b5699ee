package engine

import "time"

// Clock supplies wall-clock time for completion timestamps.
// Tests substitute testutil.FakeClock.
type Clock interface {
	Now() time.Time
}

// SystemClock reads time.Now.
type SystemClock struct{}

// Now returns the current time.
func (SystemClock) Now() time.Time {
	return time.Now()
}
