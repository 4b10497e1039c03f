/*
Package scoreboard provides the per-origin fetch scheduler.

The scoreboard gates outbound HTTP from within one fetcher process. One slot
exists per origin actively or recently in use, tracking in-flight count,
issue spacing, an EWMA of request wall time, and a connect-error cooldown:

	Issue(origin) ──▶ OK       slot reserved; caller must Retire
	              ──▶ Busy     spacing/concurrency ceiling; requeue the story
	              ──▶ Skipped  origin in connect-error cooldown

Admission ordering under the lock: global active ceiling, then slot
lookup/create, then per-origin spacing (plain concurrency ceiling until a
latency sample exists), then cooldown. Config.MinInterval floors the
spacing for operators who want politeness stricter than the measured
latency would dictate.

The goal is to sustain the target per-origin concurrency: at steady-state
response time avg, spacing issues avg/target seconds apart holds that many
requests in flight (Little's Law). Retire folds outcomes in with
avg += 0.25*(elapsed-avg) on a body read, seeds the average on a header-only
response, and arms the cooldown timer on a connect failure.

All mutations happen under a single process-wide lock with a bounded
acquisition wait: a timeout dumps holders and slots, then kills the process.
Re-entry from the goroutine already holding the lock is a programmer error
and panics. Logging and gauge updates happen outside the lock.

The scheduler is purely advisory; stories refused admission bounce back to
the broker through the fast-requeue path and return after its TTL.
*/
package scoreboard
