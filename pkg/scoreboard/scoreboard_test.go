package scoreboard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueRespectsPerOriginCeiling(t *testing.T) {
	sb := New(Config{TargetConcurrency: 2})

	st1, slot1 := sb.Issue("example.org", "u1", "w1")
	require.Equal(t, OK, st1)
	st2, slot2 := sb.Issue("example.org", "u2", "w2")
	require.Equal(t, OK, st2)

	// no latency measured yet: per-origin concurrency ceiling applies
	st3, _ := sb.Issue("example.org", "u3", "w3")
	assert.Equal(t, Busy, st3)

	sb.Retire(slot1, Data, time.Second, "w1")
	sb.Retire(slot2, Data, time.Second, "w2")
}

func TestIssueRespectsGlobalCeiling(t *testing.T) {
	sb := New(Config{MaxActive: 2, TargetConcurrency: 5})

	st1, _ := sb.Issue("a.example", "u", "w1")
	st2, _ := sb.Issue("b.example", "u", "w2")
	require.Equal(t, OK, st1)
	require.Equal(t, OK, st2)

	st3, _ := sb.Issue("c.example", "u", "w3")
	assert.Equal(t, Busy, st3, "total concurrency at ceiling")
}

func TestConnErrorCooldownSkips(t *testing.T) {
	sb := New(Config{ConnRetry: time.Hour})

	st, slot := sb.Issue("down.example", "u", "w1")
	require.Equal(t, OK, st)
	sb.Retire(slot, NoConn, time.Second, "w1")

	st, _ = sb.Issue("down.example", "u", "w1")
	assert.Equal(t, Skipped, st, "origin in cooldown never gets OK")
}

func TestCooldownExpires(t *testing.T) {
	sb := New(Config{ConnRetry: 20 * time.Millisecond})

	st, slot := sb.Issue("flaky.example", "u", "w1")
	require.Equal(t, OK, st)
	sb.Retire(slot, NoConn, time.Second, "w1")

	time.Sleep(40 * time.Millisecond)

	st, slot = sb.Issue("flaky.example", "u", "w1")
	assert.Equal(t, OK, st)
	sb.Retire(slot, Data, time.Second, "w1")
}

func TestEWMAUpdate(t *testing.T) {
	sb := New(Config{TargetConcurrency: 2})

	st, slot := sb.Issue("example.org", "u", "w1")
	require.Equal(t, OK, st)
	sb.Retire(slot, Data, 2*time.Second, "w1")
	assert.InDelta(t, 2.0, slot.avgSeconds, 1e-9, "first sample initializes the average")
	assert.InDelta(t, 1.0, slot.issueInterval, 1e-9, "interval = avg / target concurrency")

	// spacing now applies; immediate reissue is Busy
	st, _ = sb.Issue("example.org", "u", "w1")
	assert.Equal(t, Busy, st)

	// avg + 0.25*(4-2) = 2.5 once a second sample lands
	time.Sleep(1100 * time.Millisecond)
	st, slot = sb.Issue("example.org", "u", "w1")
	require.Equal(t, OK, st)
	sb.Retire(slot, Data, 4*time.Second, "w1")
	assert.InDelta(t, 2.5, slot.avgSeconds, 1e-9)
}

func TestMinIntervalFloorsSpacing(t *testing.T) {
	sb := New(Config{TargetConcurrency: 4, MinInterval: time.Hour})

	st, slot := sb.Issue("example.org", "u", "w1")
	require.Equal(t, OK, st)
	sb.Retire(slot, Data, time.Millisecond, "w1")

	// measured latency would allow immediate reissue; the floor does not
	st, _ = sb.Issue("example.org", "u", "w1")
	assert.Equal(t, Busy, st)
	assert.InDelta(t, 3600.0, slot.issueInterval, 1e-9)
}

func TestNoDataSeedsOnlyWhenZero(t *testing.T) {
	sb := New(Config{TargetConcurrency: 1})

	st, slot := sb.Issue("example.org", "u", "w1")
	require.Equal(t, OK, st)
	sb.Retire(slot, NoData, 3*time.Second, "w1")
	assert.InDelta(t, 3.0, slot.avgSeconds, 1e-9)

	time.Sleep(10 * time.Millisecond)
	// NoData must not move an established average
	sb.mu.Lock()
	slot.lastIssue = time.Time{}
	sb.mu.Unlock()

	st, slot = sb.Issue("example.org", "u", "w1")
	require.Equal(t, OK, st)
	sb.Retire(slot, NoData, 30*time.Second, "w1")
	assert.InDelta(t, 3.0, slot.avgSeconds, 1e-9)
}

func TestInvariants(t *testing.T) {
	sb := New(Config{TargetConcurrency: 3})

	var slots []*Slot
	for i, origin := range []string{"a.example", "a.example", "b.example"} {
		st, slot := sb.Issue(origin, "u", string(rune('x'+i)))
		require.Equal(t, OK, st)
		slots = append(slots, slot)
	}

	recent, activeFetches, activeSlots := sb.Stats()
	assert.Equal(t, 2, recent)
	assert.Equal(t, 3, activeFetches, "active_fetches equals the sum of slot active counts")
	assert.Equal(t, 2, activeSlots)

	for i, slot := range slots {
		sb.Retire(slot, Data, time.Second, string(rune('x'+i)))
	}

	_, activeFetches, activeSlots = sb.Stats()
	assert.Equal(t, 0, activeFetches)
	assert.Equal(t, 0, activeSlots)
}

func TestPeriodicRemovesIdleSlots(t *testing.T) {
	sb := New(Config{SlotRecent: 10 * time.Millisecond, ConnRetry: 10 * time.Millisecond})

	st, slot := sb.Issue("idle.example", "u", "w1")
	require.Equal(t, OK, st)
	sb.Retire(slot, Data, time.Second, "w1")

	// both timers still running: retained
	sb.Periodic(false)
	recent, _, _ := sb.Stats()
	assert.Equal(t, 1, recent)

	time.Sleep(30 * time.Millisecond)
	sb.Periodic(false)
	recent, _, _ = sb.Stats()
	assert.Equal(t, 0, recent, "idle slot with both timers expired is removed")
}

func TestPeriodicKeepsActiveSlots(t *testing.T) {
	sb := New(Config{SlotRecent: time.Nanosecond, ConnRetry: time.Nanosecond})

	st, slot := sb.Issue("busy.example", "u", "w1")
	require.Equal(t, OK, st)

	time.Sleep(5 * time.Millisecond)
	sb.Periodic(false)
	recent, _, _ := sb.Stats()
	assert.Equal(t, 1, recent, "in-flight slot is never removed")

	sb.Retire(slot, Data, time.Second, "w1")
}

func TestFairnessAcrossOrigins(t *testing.T) {
	if testing.Short() {
		t.Skip("fairness simulation")
	}
	sb := New(Config{TargetConcurrency: 1, MaxActive: 1})

	busy := map[string]int{}
	origins := []string{"a.example", "b.example"}
	const rounds = 5000

	for i := 0; i < rounds; i++ {
		for _, origin := range origins {
			st, slot := sb.Issue(origin, "u", "w-"+origin)
			switch st {
			case OK:
				sb.Retire(slot, Data, time.Microsecond, "w-"+origin)
			case Busy:
				busy[origin]++
			}
		}
	}

	total := float64(rounds * len(origins))
	diff := float64(busy[origins[0]] - busy[origins[1]])
	if diff < 0 {
		diff = -diff
	}
	assert.Less(t, diff/total, 0.01, "busy fraction divergence between equal origins")
}

func TestRecursiveLockPanics(t *testing.T) {
	sb := New(Config{})

	sb.lock("w1")
	defer sb.unlock()

	assert.Panics(t, func() { sb.lock("w1") })
}

func TestLockTimeoutIsFatal(t *testing.T) {
	sb := New(Config{LockTimeout: 20 * time.Millisecond})

	fatal := make(chan struct{}, 1)
	sb.fatalFn = func() { fatal <- struct{}{} }

	sb.lock("holder")
	defer sb.unlock()

	go sb.lock("waiter")

	select {
	case <-fatal:
	case <-time.After(time.Second):
		t.Fatal("lock timeout did not trigger the fatal path")
	}
}
