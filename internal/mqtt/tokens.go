package mqtt

import (
	"sync"
	"time"
)

// DailyTokens counts model tokens for the current local day. It is
// safe for concurrent use.
type DailyTokens struct {
	mu     sync.Mutex
	input  int64
	output int64
	rounds int64
	day    int
	loc    *time.Location
	now    func() time.Time
}

// NewDailyTokens creates a counter that rolls over at midnight in loc.
// A nil loc means [time.Local].
func NewDailyTokens(loc *time.Location) *DailyTokens {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyTokens{loc: loc, now: time.Now}
	d.day = d.today()
	return d
}

// Add records one model round.
func (d *DailyTokens) Add(input, output int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.rollover()
	d.input += int64(input)
	d.output += int64(output)
	d.rounds++
}

// Snapshot returns today's input tokens, output tokens, and rounds.
func (d *DailyTokens) Snapshot() (input, output, rounds int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.rollover()
	return d.input, d.output, d.rounds
}

// rollover zeroes the counters on a new day. d.mu must be held.
func (d *DailyTokens) rollover() {
	if today := d.today(); today != d.day {
		d.input, d.output, d.rounds = 0, 0, 0
		d.day = today
	}
}

func (d *DailyTokens) today() int {
	t := d.now().In(d.loc)
	return t.Year()*1000 + t.YearDay()
}
