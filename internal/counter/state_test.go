package counter

import (
	"testing"
	"time"

	"github.com/KevinKickass/loomwatch/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func u16(v uint16) *uint16 { return &v }
func i64(v int64) *int64   { return &v }
func str(v string) *string { return &v }

func TestApplyPulseScenario(t *testing.T) {
	s := &State{}

	s.ApplyPulse(1000, t0, 0)
	assert.True(t, s.Initialized)
	assert.Equal(t, int64(0), s.Production)
	assert.Equal(t, int64(0), s.Shift)

	s.ApplyPulse(1050, t0.Add(10*time.Second), 0)
	assert.Equal(t, int64(50), s.Production)
	assert.Equal(t, int64(50), s.Shift)
	assert.Equal(t, int64(300), s.Velocity)

	// operator zeroes the counter by moving the offset
	s.ApplyPulse(1050, t0.Add(11*time.Second), 1050)
	assert.Equal(t, int64(0), s.Production)
	assert.Equal(t, int64(50), s.Shift, "soft reset must not touch the shift count")
	assert.Equal(t, int64(1050), *s.LastOffset)
}

func TestApplyPulseSumsPositiveDeltas(t *testing.T) {
	readings := []int64{500, 510, 530, 20, 25, 25, 90, 60, 61}

	s := &State{}
	var want int64
	for i, p := range readings {
		s.ApplyPulse(p, t0.Add(time.Duration(i)*time.Second), 0)
		if i > 0 {
			want += max(0, p-readings[i-1])
		}
	}

	assert.Equal(t, want, s.Production)
	assert.Equal(t, want, s.Shift)
}

func TestApplyPulseNegativeDeltaNeverDecreases(t *testing.T) {
	s := &State{}
	s.ApplyPulse(100, t0, 0)
	s.ApplyPulse(140, t0.Add(time.Second), 0)
	before := s.Production

	s.ApplyPulse(3, t0.Add(2*time.Second), 0)
	assert.Equal(t, before, s.Production)
	assert.Equal(t, before, s.Shift)
	assert.Equal(t, int64(3), s.LastPulse, "baseline follows the raw value after rollover")

	s.ApplyPulse(8, t0.Add(3*time.Second), 0)
	assert.Equal(t, before+5, s.Production)
}

func TestApplyPulseOffsetDifferenceIsSigned(t *testing.T) {
	s := &State{}
	s.ApplyPulse(0, t0, 100)
	s.ApplyPulse(40, t0.Add(time.Second), 100)
	require.Equal(t, int64(40), s.Production)

	// moving the offset back adds to production
	s.ApplyPulse(40, t0.Add(2*time.Second), 90)
	assert.Equal(t, int64(50), s.Production)

	s.ApplyPulse(40, t0.Add(3*time.Second), 1000)
	assert.Equal(t, int64(0), s.Production)
}

func TestApplyPulseVelocityNeedsElapsedTime(t *testing.T) {
	s := &State{}
	s.ApplyPulse(0, t0, 0)
	s.ApplyPulse(30, t0.Add(30*time.Second), 0)
	require.Equal(t, int64(60), s.Velocity)

	s.ApplyPulse(40, t0.Add(30*time.Second), 0)
	assert.Equal(t, int64(60), s.Velocity, "zero elapsed keeps the previous estimate")
	assert.Equal(t, int64(40), s.Production)
}

func TestApplyDirect(t *testing.T) {
	layout := types.DirectLayout{Count: u16(0), Speed: u16(4), Shift: u16(6), ShiftStart: u16(10), Target: u16(7)}
	s := &State{Target: 900}

	s.ApplyDirect(types.DirectSample{Count: 200, Speed: 33, Shift: 40, Target: 5, ShiftStart: 160}, layout, t0)

	assert.Equal(t, int64(200), s.Production)
	assert.Equal(t, int64(40), s.Shift)
	assert.Equal(t, int64(160), s.ShiftStart)
	assert.Equal(t, int64(33), s.Velocity)
	assert.Equal(t, int64(900), s.Target, "device target register is ignored")
}

func TestApplyDirectShiftFallback(t *testing.T) {
	s := &State{ShiftStart: 150}

	s.ApplyDirect(types.DirectSample{Count: 200, Shift: 999, ShiftStart: 999}, types.DirectLayout{}, t0)
	assert.Equal(t, int64(200), s.Production)
	assert.Equal(t, int64(50), s.Shift)
	assert.Equal(t, int64(150), s.ShiftStart)

	s.ApplyDirect(types.DirectSample{Count: 100}, types.DirectLayout{}, t0.Add(time.Second))
	assert.Equal(t, int64(0), s.Shift)
}

func TestSeedKeepsBaselineOpen(t *testing.T) {
	s := &State{}
	s.Seed(types.CacheRecord{Production: 700, Shift: 70, ShiftStart: 630, Target: 1000, AccumOffset: i64(1050)})

	assert.False(t, s.Initialized)
	assert.Equal(t, int64(700), s.Production)

	s.ApplyPulse(5000, t0, s.Offset(types.DeviceConfig{}))
	assert.Equal(t, int64(700), s.Production, "first reading after seeding only baselines")

	s.ApplyPulse(5010, t0.Add(time.Second), s.Offset(types.DeviceConfig{}))
	assert.Equal(t, int64(710), s.Production, "seeded offset is a reference, not a reset")
}

func TestAdoptOffsetDetectsLaterChanges(t *testing.T) {
	s := &State{}
	dev := types.DeviceConfig{AccumOffset: 0}

	s.ApplyPulse(100, t0, s.Offset(dev))
	s.ApplyPulse(150, t0.Add(time.Second), s.Offset(dev))
	require.Equal(t, int64(50), s.Production)

	s.AdoptOffset(i64(20))
	s.ApplyPulse(150, t0.Add(2*time.Second), s.Offset(dev))
	assert.Equal(t, int64(30), s.Production)
}

func TestSnapshotHidesMetadataWithoutSession(t *testing.T) {
	dev := types.DeviceConfig{Key: "L1", Name: "Loom 1", Group: "A", Mode: types.ModeAccumulator}
	s := &State{Production: 10, WorkerCode: str("T1"), WorkerName: str("Ana"), ShiftCode: str("M")}

	snap := s.Snapshot(dev, t0)
	assert.Equal(t, "L1", snap.Key)
	assert.Equal(t, int64(10), snap.Production)
	assert.Nil(t, snap.WorkerCode)
	assert.Nil(t, snap.ShiftCode)

	s.SessionActive = true
	snap = s.Snapshot(dev, t0)
	require.NotNil(t, snap.WorkerName)
	assert.Equal(t, "Ana", *snap.WorkerName)
	assert.True(t, bool(snap.SessionActive))
}

func TestUpdateCarriesCountersOnly(t *testing.T) {
	s := &State{Production: 5, Shift: 3, Velocity: 9, SessionActive: true}
	assert.Equal(t, types.CacheUpdate{Key: "L1", Production: 5, Shift: 3, Velocity: 9}, s.Update("L1"))
}

func TestTable(t *testing.T) {
	tbl := NewTable()
	_, ok := tbl.Lookup("L1")
	assert.False(t, ok)

	a := tbl.Get("L1")
	a.Production = 3
	assert.Same(t, a, tbl.Get("L1"))
	assert.Equal(t, 1, tbl.Len())
}
