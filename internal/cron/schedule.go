package cron

import (
	"crypto/sha256"
	"encoding/binary"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

const (
	// MinRefireGapMs is the minimum gap between a run's end and the next
	// fire for second-granularity cron expressions.
	MinRefireGapMs = 2000

	// DefaultTopOfHourStaggerMs spreads top-of-hour crons across five
	// minutes so a fleet of jobs does not fire in one instant.
	DefaultTopOfHourStaggerMs = 5 * 60 * 1000
)

// ComputeNextRunAtMs returns the next fire time strictly after baseMs, or 0
// when the schedule has no future fire (one-shot in the past, bad
// expression).
func ComputeNextRunAtMs(s Schedule, baseMs int64) int64 {
	switch s.Kind {
	case ScheduleAt:
		t, err := parseAt(s.At)
		if err != nil {
			return 0
		}
		atMs := t.UnixMilli()
		if atMs > baseMs {
			return atMs
		}
		return 0

	case ScheduleEvery:
		if s.EveryMs <= 0 {
			return 0
		}
		anchor := s.AnchorMs
		if anchor == 0 {
			anchor = baseMs
		}
		if anchor > baseMs {
			return anchor
		}
		elapsed := baseMs - anchor
		steps := elapsed/s.EveryMs + 1
		return anchor + steps*s.EveryMs

	case ScheduleCron:
		return nextCronTick(s, baseMs)
	}
	return 0
}

// NextRunWithStagger applies the deterministic per-job stagger offset to a
// computed cron fire time. The offset is sha256(jobId)[0:4] mod staggerMs so
// a job keeps the same slot across restarts.
func NextRunWithStagger(s Schedule, jobID string, nextMs int64) int64 {
	if nextMs == 0 || s.Kind != ScheduleCron || s.StaggerMs <= 0 {
		return nextMs
	}
	return nextMs + StaggerOffsetMs(jobID, s.StaggerMs)
}

// StaggerOffsetMs computes the deterministic stagger slot for a job.
func StaggerOffsetMs(jobID string, staggerMs int64) int64 {
	if staggerMs <= 0 {
		return 0
	}
	sum := sha256.Sum256([]byte(jobID))
	return int64(binary.BigEndian.Uint32(sum[:4])) % staggerMs
}

// HasSecondGranularity reports whether a cron expression carries a seconds
// field (6+ segments). Such schedules are subject to MinRefireGapMs.
func HasSecondGranularity(s Schedule) bool {
	if s.Kind != ScheduleCron {
		return false
	}
	return len(strings.Fields(s.Expr)) >= 6
}

// IsTopOfHour reports whether a cron expression fires only at minute zero.
func IsTopOfHour(s Schedule) bool {
	if s.Kind != ScheduleCron {
		return false
	}
	fields := strings.Fields(s.Expr)
	minuteIdx := 0
	if len(fields) >= 6 {
		minuteIdx = 1 // seconds field present
	}
	if minuteIdx >= len(fields) {
		return false
	}
	return fields[minuteIdx] == "0"
}

// ValidateSchedule reports whether the schedule can ever fire.
func ValidateSchedule(s Schedule) bool {
	switch s.Kind {
	case ScheduleAt:
		_, err := parseAt(s.At)
		return err == nil
	case ScheduleEvery:
		return s.EveryMs > 0
	case ScheduleCron:
		return gronx.New().IsValid(s.Expr)
	}
	return false
}

func nextCronTick(s Schedule, baseMs int64) int64 {
	ref := time.UnixMilli(baseMs).UTC()
	if s.TZ != "" {
		if loc, err := time.LoadLocation(s.TZ); err == nil {
			ref = ref.In(loc)
		}
	}
	next, err := gronx.NextTickAfter(s.Expr, ref, false)
	if err != nil {
		return 0
	}
	ms := next.UnixMilli()
	if ms <= baseMs {
		return 0
	}
	return ms
}

// parseAt accepts RFC3339 timestamps (with or without sub-second precision).
func parseAt(at string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, at)
	if err != nil {
		return time.Parse(time.RFC3339, at)
	}
	return t, nil
}

// NormalizeAt coerces an "at" timestamp to normalized UTC ISO form.
func NormalizeAt(at string) (string, bool) {
	t, err := parseAt(at)
	if err != nil {
		return "", false
	}
	return t.UTC().Format(time.RFC3339), true
}
