package scheduler

import (
	"sync/atomic"

	"golang.org/x/time/rate"
)

// LaneConfig names a pool that thread_keys can be grouped into for
// utilization stats and an optional concurrency cap. The Scheduler's
// global slot pool bounds every lane; on top of it, a lane with
// MaxConcurrent > 0 keeps further requests queued while that many of its
// runs are in flight. RatePerSecond additionally throttles how
// often the lane can admit a new dispatch, independent of how many it
// can hold concurrently; zero disables the throttle.
type LaneConfig struct {
	Name          string
	Weight        int
	MaxConcurrent int     // 0 = unbounded within the global pool
	RatePerSecond float64 // 0 = unthrottled
	Burst         int     // token bucket burst size; defaults to 1 if RatePerSecond > 0
}

const LaneMain = "main"

func DefaultLanes() []LaneConfig {
	return []LaneConfig{{Name: LaneMain, Weight: 1}}
}

// LaneStats reports a lane's current utilization.
type LaneStats struct {
	Name      string
	InFlight  int
	Completed uint64
}

type lane struct {
	cfg       LaneConfig
	inFlight  atomic.Int64
	completed atomic.Uint64
	limiter   *rate.Limiter
}

// LaneManager tracks per-lane utilization for the Scheduler. It owns no
// concurrency primitives of its own; the Scheduler consults admit before
// granting a slot (a request whose lane does not admit stays queued) and
// calls enter/leave around each run.
type LaneManager struct {
	lanes map[string]*lane
}

func NewLaneManager(configs []LaneConfig) *LaneManager {
	if len(configs) == 0 {
		configs = DefaultLanes()
	}
	m := &LaneManager{lanes: make(map[string]*lane, len(configs))}
	for _, c := range configs {
		m.lanes[c.Name] = newLane(c)
	}
	if _, ok := m.lanes[LaneMain]; !ok {
		m.lanes[LaneMain] = newLane(LaneConfig{Name: LaneMain})
	}
	return m
}

func newLane(cfg LaneConfig) *lane {
	l := &lane{cfg: cfg}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		l.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return l
}

func (m *LaneManager) resolve(name string) *lane {
	if l, ok := m.lanes[name]; ok {
		return l
	}
	return m.lanes[LaneMain]
}

func (m *LaneManager) admit(name string) bool {
	l := m.resolve(name)
	if l == nil {
		return true
	}
	if l.cfg.MaxConcurrent > 0 && l.inFlight.Load() >= int64(l.cfg.MaxConcurrent) {
		return false
	}
	if l.limiter != nil && !l.limiter.Allow() {
		return false
	}
	return true
}

func (m *LaneManager) enter(name string) {
	if l := m.resolve(name); l != nil {
		l.inFlight.Add(1)
	}
}

func (m *LaneManager) leave(name string) {
	if l := m.resolve(name); l != nil {
		l.inFlight.Add(-1)
		l.completed.Add(1)
	}
}

// AllStats returns a snapshot of every configured lane.
func (m *LaneManager) AllStats() []LaneStats {
	out := make([]LaneStats, 0, len(m.lanes))
	for _, l := range m.lanes {
		out = append(out, LaneStats{
			Name:      l.cfg.Name,
			InFlight:  int(l.inFlight.Load()),
			Completed: l.completed.Load(),
		})
	}
	return out
}
