// Package stats holds the expvar based counters of each component and
// periodically hands them to a report function.
package stats

import (
	"context"
	"expvar"
	"time"
)

type Stats struct {
	*expvar.Map
	interval   time.Duration
	reportfunc func(m *expvar.Map)
}

// Run calls the report function of Stats using the specified interval.
// It shuts down when the provided context is cancelled, after a final
// report.
func (s *Stats) Run(ctx context.Context) {
	tick := time.NewTicker(s.interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			s.reportfunc(s.Map)
			return
		case <-tick.C:
			s.reportfunc(s.Map)
		}
	}
}

// Counter returns the current value of the integer counter key, or zero.
func (s *Stats) Counter(key string) int64 {
	v, ok := s.Get(key).(*expvar.Int)
	if !ok {
		return 0
	}
	return v.Value()
}

// New returns the Stats published under id. expvar names are global, so
// components sharing an id share their counters.
func New(id string, interval time.Duration, report func(*expvar.Map)) *Stats {
	m, ok := expvar.Get(id).(*expvar.Map)
	if !ok {
		m = expvar.NewMap(id)
	}
	return &Stats{m, interval, report}
}
