package modbus

import "github.com/KevinKickass/loomwatch/internal/types"

// Fallback offsets for layout entries the registry leaves empty.
const (
	defaultCountRel      = 0
	defaultSpeedRel      = 4
	defaultShiftRel      = 6
	defaultTargetRel     = 7
	defaultShiftStartRel = 10

	// maxReadQuantity is the Modbus limit for one holding register read.
	maxReadQuantity = 125
)

// Window is the contiguous register span covering a DIRECT layout, relative
// to the device's holding offset.
type Window struct {
	Start  uint16
	Length uint16
	rels   [5]uint16
}

// NewWindow spans the minimum to maximum of the five relative offsets. The
// length is raised to minLen and capped at one read's worth of registers.
func NewWindow(layout types.DirectLayout, minLen int) Window {
	rels := [5]uint16{
		relOr(layout.Count, defaultCountRel),
		relOr(layout.Speed, defaultSpeedRel),
		relOr(layout.Shift, defaultShiftRel),
		relOr(layout.Target, defaultTargetRel),
		relOr(layout.ShiftStart, defaultShiftStartRel),
	}

	lo, hi := rels[0], rels[0]
	for _, r := range rels[1:] {
		lo = min(lo, r)
		hi = max(hi, r)
	}

	length := max(int(hi-lo)+1, minLen)
	length = min(length, maxReadQuantity)

	return Window{Start: lo, Length: uint16(length), rels: rels}
}

// Span is the number of registers the layout actually needs.
func (w Window) Span() int {
	hi := w.rels[0]
	for _, r := range w.rels[1:] {
		hi = max(hi, r)
	}
	return int(hi-w.Start) + 1
}

// Extract picks each logical value by its position in the window. Offsets
// beyond the returned registers read as zero.
func (w Window) Extract(regs []uint16) types.DirectSample {
	pick := func(rel uint16) uint16 {
		i := int(rel - w.Start)
		if i < len(regs) {
			return regs[i]
		}
		return 0
	}
	return types.DirectSample{
		Count:      pick(w.rels[0]),
		Speed:      pick(w.rels[1]),
		Shift:      pick(w.rels[2]),
		Target:     pick(w.rels[3]),
		ShiftStart: pick(w.rels[4]),
	}
}

func relOr(rel *uint16, def uint16) uint16 {
	if rel == nil {
		return def
	}
	return *rel
}
