package viewchange

import "time"

// countdown is a resettable one-shot timer. A firing is consumed exactly once
// per arming by receiving from C. Resetting cancels any pending firing and
// arms the timer for its full duration again.
//
// The stop-and-drain dance is only safe because a single goroutine (the node
// event loop) both receives from C and calls Reset/Stop.
type countdown struct {
	duration time.Duration
	timer    *time.Timer
}

// newCountdown creates a countdown with the provided duration. The timer
// starts stopped; call Reset to arm it.
func newCountdown(duration time.Duration) *countdown {
	timer := time.NewTimer(duration)
	if !timer.Stop() {
		<-timer.C
	}
	return &countdown{duration: duration, timer: timer}
}

// C returns the channel the countdown fires on.
func (c *countdown) C() <-chan time.Time {
	return c.timer.C
}

// Reset arms the countdown for its full duration, cancelling any pending
// firing.
func (c *countdown) Reset() {
	c.drain()
	c.timer.Reset(c.duration)
}

// Stop disarms the countdown, cancelling any pending firing.
func (c *countdown) Stop() {
	c.drain()
}

func (c *countdown) drain() {
	if !c.timer.Stop() {
		select {
		case <-c.timer.C:
		default:
		}
	}
}
