package station

import (
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

// Fleet owns the station runtimes stamped from the configured templates.
// Stations run independently; the fleet only fans start and stop out.
type Fleet struct {
	logger   *slog.Logger
	runtimes map[string]*Runtime
	order    []string
	mu       sync.RWMutex
}

// FleetMember pairs a template with how many stations to stamp from it.
type FleetMember struct {
	Template *Template
	Count    int
}

// NewFleet builds the runtimes for every fleet member.
func NewFleet(members []FleetMember, cfg RuntimeConfig, persistence Persistence, events EventSink, logger *slog.Logger) *Fleet {
	if logger == nil {
		logger = slog.Default()
	}

	f := &Fleet{
		logger:   logger,
		runtimes: make(map[string]*Runtime),
	}

	for _, member := range members {
		for i := 1; i <= member.Count; i++ {
			st := New(member.Template, i,
				WithLogger(logger),
				WithRand(rand.New(rand.NewSource(time.Now().UnixNano()+int64(i)))),
			)
			rt := NewRuntime(st, cfg, persistence, events, logger)
			f.runtimes[st.ID()] = rt
			f.order = append(f.order, st.ID())
		}
	}

	return f
}

// Size returns the number of stations in the fleet.
func (f *Fleet) Size() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.runtimes)
}

// Runtime returns a station runtime by id.
func (f *Fleet) Runtime(stationID string) (*Runtime, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	rt, ok := f.runtimes[stationID]
	if !ok {
		return nil, fmt.Errorf("unknown station %s", stationID)
	}
	return rt, nil
}

// ForEach visits every runtime in creation order.
func (f *Fleet) ForEach(fn func(*Runtime)) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, id := range f.order {
		fn(f.runtimes[id])
	}
}

// StartAll starts every station. Stations that fail to start are logged
// and skipped; the rest of the fleet keeps going.
func (f *Fleet) StartAll() {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, id := range f.order {
		if err := f.runtimes[id].Start(); err != nil {
			f.logger.Error("Station failed to start", "stationId", id, "error", err)
		}
	}
}

// StopAll stops every station.
func (f *Fleet) StopAll() {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, id := range f.order {
		f.runtimes[id].Stop()
	}
}
