package parley

import "time"

// Timer is the subset of *time.Timer the components use. Re-arming is done by
// stopping and arming a fresh timer, so callbacks can carry a generation.
type Timer interface {
	Stop() bool
}

// Scheduler arms one-shot timers. Components take one so tests can drive
// time by hand.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// SystemScheduler uses the runtime timers.
var SystemScheduler Scheduler = realScheduler{}
