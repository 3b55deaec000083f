// Package counter turns raw loom readings into production and shift counts.
package counter

import (
	"math"
	"time"

	"github.com/KevinKickass/loomwatch/internal/types"
)

// State is the working state of one loom. It is owned by the scheduler and
// touched only by that loom's own cycle, so it carries no lock.
type State struct {
	// Initialized is set once the pulse baseline has been taken.
	Initialized bool
	LastPulse   int64
	// LastRaw is the most recent raw reading (pulse or DIRECT count).
	LastRaw    int64
	LastSample time.Time

	Production int64
	Shift      int64
	ShiftStart int64
	Target     int64
	Velocity   int64

	SessionActive bool
	WorkerCode    *string
	WorkerName    *string
	ShiftCode     *string
	SessionStart  *time.Time

	// LastOffset is the accumulation offset the production count was last
	// adjusted against. CacheOffset is the newest offset reported by the cache.
	LastOffset  *int64
	CacheOffset *int64
}

// Offset returns the accumulation offset to apply this cycle: the cache's
// latest value when known, otherwise the registry's.
func (s *State) Offset(dev types.DeviceConfig) int64 {
	if s.CacheOffset != nil {
		return *s.CacheOffset
	}
	return dev.AccumOffset
}

// ApplyPulse advances an ACCUMULATOR loom with a new raw pulse reading.
// The first reading only sets the baseline.
func (s *State) ApplyPulse(pulse int64, at time.Time, offset int64) {
	if !s.Initialized {
		s.Initialized = true
		s.LastPulse = pulse
		s.LastRaw = pulse
		s.LastSample = at
		if s.LastOffset == nil {
			s.LastOffset = &offset
		}
		return
	}

	delta := max(0, pulse-s.LastPulse)
	s.LastPulse = pulse
	s.LastRaw = pulse

	if elapsed := at.Sub(s.LastSample); elapsed > 0 {
		s.Velocity = int64(math.Round(float64(delta) / elapsed.Seconds() * 60))
	}
	s.LastSample = at

	// production and shift are reset by different actions and never derived
	// from one another
	s.Production += delta
	s.Shift += delta

	switch {
	case s.LastOffset == nil:
		s.LastOffset = &offset
	case *s.LastOffset != offset:
		s.Production = max(0, s.Production-(offset-*s.LastOffset))
		s.LastOffset = &offset
	}
}

// ApplyDirect replaces the counters of a DIRECT loom with one register read.
// The target register is ignored: the target is owned by the cache.
func (s *State) ApplyDirect(sample types.DirectSample, layout types.DirectLayout, at time.Time) {
	localStart := s.ShiftStart

	s.Initialized = true
	s.LastRaw = int64(sample.Count)
	s.LastSample = at
	s.Production = int64(sample.Count)
	s.Velocity = int64(sample.Speed)

	if layout.ShiftStart != nil {
		s.ShiftStart = int64(sample.ShiftStart)
	}
	if layout.Shift != nil {
		s.Shift = int64(sample.Shift)
	} else {
		s.Shift = max(0, s.Production-localStart)
	}
}

// Seed loads counters from a cache recovery record. The pulse baseline is
// left untouched so the next reading still baselines.
func (s *State) Seed(rec types.CacheRecord) {
	s.Production = max(0, rec.Production)
	s.Shift = max(0, rec.Shift)
	s.ShiftStart = rec.ShiftStart
	s.Target = rec.Target
	s.AdoptSession(rec)
	s.AdoptOffset(rec.AccumOffset)
}

// AdoptSession overwrites session and worker metadata wholesale.
func (s *State) AdoptSession(rec types.CacheRecord) {
	s.SessionActive = bool(rec.SessionActive)
	s.WorkerCode = rec.WorkerCode
	s.WorkerName = rec.WorkerName
	s.ShiftCode = rec.ShiftCode
	s.SessionStart = rec.SessionStart
	if s.SessionStart == nil && s.SessionActive && !rec.UpdatedAt.IsZero() {
		t := rec.UpdatedAt
		s.SessionStart = &t
	}
}

// AdoptOffset records the cache's accumulation offset. The first offset seen
// becomes the reference so that a long-standing offset is not subtracted again.
func (s *State) AdoptOffset(offset *int64) {
	if offset == nil {
		return
	}
	v := *offset
	if s.CacheOffset == nil && s.LastOffset == nil {
		ref := v
		s.LastOffset = &ref
	}
	s.CacheOffset = &v
}

// Update is the partial upsert for this cycle.
func (s *State) Update(key string) types.CacheUpdate {
	return types.CacheUpdate{
		Key:        key,
		Production: s.Production,
		Shift:      s.Shift,
		Velocity:   s.Velocity,
	}
}

// Snapshot builds the broadcast view. Worker and shift metadata are only
// included while a session is active.
func (s *State) Snapshot(dev types.DeviceConfig, ts time.Time) types.Snapshot {
	snap := types.Snapshot{
		Key:           dev.Key,
		Timestamp:     ts,
		Name:          dev.Name,
		Group:         dev.Group,
		Mode:          dev.Mode,
		Production:    s.Production,
		Shift:         s.Shift,
		ShiftStart:    s.ShiftStart,
		Target:        s.Target,
		Velocity:      s.Velocity,
		SessionActive: types.Flag(s.SessionActive),
	}
	if s.SessionActive {
		snap.WorkerCode = s.WorkerCode
		snap.WorkerName = s.WorkerName
		snap.ShiftCode = s.ShiftCode
		snap.SessionStart = s.SessionStart
	}
	return snap
}
