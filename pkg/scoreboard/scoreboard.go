package scoreboard

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/mediacloud/story-indexer-sub000/pkg/log"
	"github.com/mediacloud/story-indexer-sub000/pkg/metrics"
)

// IssueStatus is the outcome of an admission attempt
type IssueStatus int

const (
	// OK: the caller holds a slot and MUST call Retire
	OK IssueStatus = iota
	// Busy: per-origin interval not reached, per-origin concurrency at
	// ceiling, or total concurrency at ceiling
	Busy
	// Skipped: the origin recently failed to connect and is in cooldown
	Skipped
)

func (s IssueStatus) String() string {
	switch s {
	case OK:
		return "ok"
	case Busy:
		return "busy"
	case Skipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// ConnStatus reports how a fetch ended, for Retire
type ConnStatus int

const (
	NoConn ConnStatus = iota // connect failure
	BadURL                   // URL rejected before or during the request
	NoData                   // headers only, no usable body
	Data                     // body read
)

const (
	// DefaultTargetConcurrency is the per-origin in-flight ceiling
	DefaultTargetConcurrency = 2

	// DefaultConnRetry is the cooldown after a connect failure
	DefaultConnRetry = 10 * time.Minute

	// DefaultSlotRecent is how long an idle slot is retained
	DefaultSlotRecent = 5 * time.Minute

	// DefaultMaxActive is the total concurrent-fetch ceiling
	DefaultMaxActive = 100

	// DefaultLockTimeout bounds any wait for the scoreboard lock
	DefaultLockTimeout = 120 * time.Second

	// ewmaAlpha weights new observations into the per-origin average
	ewmaAlpha = 0.25
)

// Config holds scoreboard tunables
type Config struct {
	MaxActive         int
	TargetConcurrency int
	ConnRetry         time.Duration
	SlotRecent        time.Duration
	LockTimeout       time.Duration

	// MinInterval is a floor on per-origin issue spacing, applied even
	// before any latency sample exists. Zero disables the floor.
	MinInterval time.Duration
}

// Slot tracks one origin actively or recently in use
type Slot struct {
	origin        string
	activeCount   int
	lastIssue     time.Time
	lastConnError time.Time
	avgSeconds    float64
	issueInterval float64 // seconds between issues, avgSeconds / targetConcurrency
	holders       map[string]string
}

// Origin returns the origin key this slot schedules
func (s *Slot) Origin() string { return s.origin }

// Scoreboard regulates outbound HTTP within one fetcher process so no origin
// is overwhelmed and chronically unreachable origins are skipped early. All
// slot state is guarded by a single process-wide lock; only O(slots-touched)
// work happens under it.
type Scoreboard struct {
	cfg    Config
	logger zerolog.Logger

	mu     sync.Mutex
	holder atomic.Value // string: label of the current lock holder

	slots         map[string]*Slot
	activeFetches int

	// fatalFn runs on lock timeout; overridable in tests
	fatalFn func()
}

// New creates a Scoreboard, applying defaults to zero fields
func New(cfg Config) *Scoreboard {
	if cfg.MaxActive <= 0 {
		cfg.MaxActive = DefaultMaxActive
	}
	if cfg.TargetConcurrency <= 0 {
		cfg.TargetConcurrency = DefaultTargetConcurrency
	}
	if cfg.ConnRetry <= 0 {
		cfg.ConnRetry = DefaultConnRetry
	}
	if cfg.SlotRecent <= 0 {
		cfg.SlotRecent = DefaultSlotRecent
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = DefaultLockTimeout
	}

	sb := &Scoreboard{
		cfg:    cfg,
		logger: log.WithComponent("scoreboard"),
		slots:  make(map[string]*Slot),
	}
	sb.holder.Store("")
	sb.fatalFn = func() {
		sb.logger.Fatal().Msg("scoreboard lock timeout")
	}
	return sb
}

// lock acquires the scoreboard lock for caller, a unique per-goroutine
// label. Re-entry from the goroutine already holding the lock is a fatal
// programmer error; a wait beyond LockTimeout dumps diagnostics and dies.
func (sb *Scoreboard) lock(caller string) {
	if h, _ := sb.holder.Load().(string); h != "" && h == caller {
		panic("scoreboard: recursive lock by " + caller)
	}

	deadline := time.Now().Add(sb.cfg.LockTimeout)
	for !sb.mu.TryLock() {
		if time.Now().After(deadline) {
			sb.dump(caller)
			sb.fatalFn()
			return
		}
		time.Sleep(time.Millisecond)
	}
	sb.holder.Store(caller)
}

func (sb *Scoreboard) unlock() {
	sb.holder.Store("")
	sb.mu.Unlock()
}

// dump logs lock-timeout diagnostics. The reads are best-effort and
// unsynchronized; the process is about to die.
func (sb *Scoreboard) dump(waiter string) {
	holder, _ := sb.holder.Load().(string)
	ev := sb.logger.Error().
		Str("waiter", waiter).
		Str("holder", holder).
		Int("active_fetches", sb.activeFetches).
		Int("slots", len(sb.slots))
	for origin, slot := range sb.slots {
		for h, note := range slot.holders {
			ev = ev.Str("slot."+origin+"."+h, note)
		}
	}
	ev.Msg("scoreboard lock timeout diagnostics")
}

// Issue attempts to reserve a fetch slot for origin. caller is a unique
// label for the requesting goroutine; note (typically the URL) is recorded
// for diagnostics. On OK the caller must eventually call Retire.
func (sb *Scoreboard) Issue(origin, note, caller string) (IssueStatus, *Slot) {
	now := time.Now()

	sb.lock(caller)
	defer sb.unlock()

	if sb.activeFetches >= sb.cfg.MaxActive {
		return Busy, nil
	}

	slot, ok := sb.slots[origin]
	if !ok {
		slot = &Slot{
			origin:        origin,
			issueInterval: sb.cfg.MinInterval.Seconds(),
			holders:       make(map[string]string),
		}
		sb.slots[origin] = slot
	}

	if slot.avgSeconds == 0 {
		// no latency measured yet: plain per-origin concurrency ceiling
		if slot.activeCount >= sb.cfg.TargetConcurrency {
			return Busy, nil
		}
	}
	if slot.issueInterval > 0 && !slot.lastIssue.IsZero() &&
		now.Sub(slot.lastIssue).Seconds() < slot.issueInterval {
		return Busy, nil
	}

	if !slot.lastConnError.IsZero() && now.Sub(slot.lastConnError) < sb.cfg.ConnRetry {
		return Skipped, nil
	}

	slot.activeCount++
	slot.lastIssue = now
	slot.holders[caller] = note
	sb.activeFetches++
	return OK, slot
}

// Retire releases a slot reserved by Issue, folding the fetch outcome into
// the origin's statistics. elapsed is the request wall time.
func (sb *Scoreboard) Retire(slot *Slot, status ConnStatus, elapsed time.Duration, caller string) {
	sb.lock(caller)
	defer sb.unlock()

	slot.activeCount--
	sb.activeFetches--
	delete(slot.holders, caller)

	sec := elapsed.Seconds()
	switch status {
	case NoConn:
		slot.lastConnError = time.Now()
	case Data:
		if slot.avgSeconds == 0 {
			slot.avgSeconds = sec
		} else {
			slot.avgSeconds += ewmaAlpha * (sec - slot.avgSeconds)
		}
	case NoData:
		// seed only; a header-only exchange is not a representative sample
		if slot.avgSeconds == 0 {
			slot.avgSeconds = sec
		}
	}
	slot.issueInterval = slot.avgSeconds / float64(sb.cfg.TargetConcurrency)
	if floor := sb.cfg.MinInterval.Seconds(); slot.issueInterval < floor {
		slot.issueInterval = floor
	}
}

// Periodic removes idle slots whose retention and cooldown timers have both
// expired and refreshes the scoreboard gauges. Called from the owning worker
// on a timer. With dump set, remaining slots are logged.
func (sb *Scoreboard) Periodic(dump bool) {
	now := time.Now()

	sb.lock("periodic")
	recent, activeFetches, activeSlots := 0, 0, 0
	type dumpRow struct {
		origin string
		active int
		avg    float64
	}
	var rows []dumpRow

	for origin, slot := range sb.slots {
		idle := slot.activeCount == 0 &&
			now.Sub(slot.lastIssue) > sb.cfg.SlotRecent &&
			(slot.lastConnError.IsZero() || now.Sub(slot.lastConnError) > sb.cfg.ConnRetry)
		if idle {
			delete(sb.slots, origin)
			continue
		}
		recent++
		if slot.activeCount > 0 {
			activeSlots++
		}
		if dump {
			rows = append(rows, dumpRow{origin, slot.activeCount, slot.avgSeconds})
		}
	}
	activeFetches = sb.activeFetches
	sb.unlock()

	// gauges and logging happen outside the lock
	metrics.ScoreboardRecentSlots.Set(float64(recent))
	metrics.ScoreboardActiveFetches.Set(float64(activeFetches))
	metrics.ScoreboardActiveSlots.Set(float64(activeSlots))

	if dump {
		for _, r := range rows {
			sb.logger.Debug().
				Str("origin", r.origin).
				Int("active", r.active).
				Float64("avg_seconds", r.avg).
				Msg("slot")
		}
	}
}

// Stats returns (recent slots, active fetches, active slots) for tests and
// periodic reporting
func (sb *Scoreboard) Stats() (int, int, int) {
	sb.lock("stats")
	defer sb.unlock()

	activeSlots := 0
	for _, slot := range sb.slots {
		if slot.activeCount > 0 {
			activeSlots++
		}
	}
	return len(sb.slots), sb.activeFetches, activeSlots
}
