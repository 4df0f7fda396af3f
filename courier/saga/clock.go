package saga

import "time"

// Clock supplies the timestamps recorded in logs and events.
type Clock interface {
	Now() time.Time
}

type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time {
	return f()
}

// SystemClock reads the wall clock in UTC. The monotonic reading is dropped so
// that timestamps survive serialization unchanged.
type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
