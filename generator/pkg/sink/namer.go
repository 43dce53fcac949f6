package sink

import (
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// namer hands out strictly increasing UTC timestamps, even when the clock stands still.
type namer struct {
	clock clockwork.Clock

	mu   sync.Mutex
	last time.Time
}

func (n *namer) next() time.Time {
	n.mu.Lock()
	defer n.mu.Unlock()
	now := n.clock.Now().UTC()
	if !now.After(n.last) {
		now = n.last.Add(time.Nanosecond)
	}
	n.last = now
	return now
}

// FileName is data_<YYYYMMDD_HHMMSS_nnnnnnnnn>.<ext>.
func FileName(ts time.Time, f Format) string {
	ts = ts.UTC()
	return fmt.Sprintf("data_%s_%09d.%s", ts.Format("20060102_150405"), ts.Nanosecond(), f.Ext())
}
