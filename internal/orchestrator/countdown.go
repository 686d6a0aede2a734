package orchestrator

import (
	"fmt"
	"time"
)

// Countdown delays a match start with a warning shortly before the end.
// All methods must be called from the goroutine that owns the lobby; timer
// callbacks are routed back there through run.
type Countdown struct {
	total time.Duration
	final time.Duration

	run      func(fn func()) bool
	announce func(text string)
	start    func()

	pending bool
	token   int
	timers  []*time.Timer
}

// NewCountdown creates a countdown. run schedules a func on the owner
// goroutine, announce sends a chat line and start starts the match.
func NewCountdown(total, final time.Duration, run func(fn func()) bool, announce func(string), start func()) *Countdown {
	return &Countdown{
		total:    total,
		final:    final,
		run:      run,
		announce: announce,
		start:    start,
	}
}

// Pending reports whether a countdown is running
func (c *Countdown) Pending() bool { return c.pending }

// Start begins the countdown. It refuses with fewer than two players and
// is a no-op while one is already pending.
func (c *Countdown) Start(players int) bool {
	if players < 2 {
		c.announce("Need at least 2 players to start the match.")
		return false
	}
	if c.pending {
		return false
	}

	c.pending = true
	c.token++
	token := c.token
	c.announce(fmt.Sprintf("Starting the match in %s. Type !wait to hold on.", seconds(c.total)))

	c.timers = []*time.Timer{
		time.AfterFunc(c.total-c.final, func() {
			c.run(func() {
				if c.pending && c.token == token {
					c.announce(fmt.Sprintf("Starting the match in %s.", seconds(c.final)))
				}
			})
		}),
		time.AfterFunc(c.total, func() {
			c.run(func() {
				if c.pending && c.token == token {
					c.pending = false
					c.timers = nil
					c.start()
				}
			})
		}),
	}
	return true
}

// Cancel stops a pending countdown and reports whether one was running
func (c *Countdown) Cancel() bool {
	if !c.pending {
		return false
	}
	for _, t := range c.timers {
		t.Stop()
	}
	c.timers = nil
	c.pending = false
	c.token++
	return true
}

func seconds(d time.Duration) string {
	if d < time.Second {
		return d.String()
	}
	return fmt.Sprintf("%d seconds", int(d.Round(time.Second)/time.Second))
}
