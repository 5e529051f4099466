package consumer_loop

import "time"

// Scheduler arms the wait between poll cycles.
type Scheduler interface {
	// After returns a channel that receives once d has elapsed.
	After(d time.Duration) <-chan time.Time
}

// TimerScheduler schedules with the runtime timer.
type TimerScheduler struct{}

// After implements Scheduler.
func (TimerScheduler) After(d time.Duration) <-chan time.Time {
	return time.After(d)
}
