package main

import (
	"fmt"
	"net"
	"strconv"

	"github.com/KevinKickass/loomwatch/internal/modbus"
	"github.com/KevinKickass/loomwatch/internal/types"
	"go.uber.org/zap"
)

// bench runs one simulator per configured port and moves the registers of
// every loom bound to it.
type bench struct {
	sims   map[int]*simulated
	looms  []*loom
	logger *zap.Logger
}

type simulated struct {
	sim  *modbus.Simulator
	addr net.Addr
	// coil writes already handled
	seen int
}

type loom struct {
	dev types.DeviceConfig
	sim *simulated
}

func newBench(devices []types.DeviceConfig, listenHost string, logger *zap.Logger) (*bench, error) {
	b := &bench{sims: make(map[int]*simulated), logger: logger}

	for _, dev := range devices {
		s, ok := b.sims[dev.Address.Port]
		if !ok {
			sim := modbus.NewSimulator(logger)
			addr := net.JoinHostPort(listenHost, strconv.Itoa(dev.Address.Port))
			bound, err := sim.Start(addr)
			if err != nil {
				b.Close()
				return nil, fmt.Errorf("loom %s: %w", dev.Key, err)
			}
			s = &simulated{sim: sim, addr: bound}
			b.sims[dev.Address.Port] = s
		}
		b.looms = append(b.looms, &loom{dev: dev, sim: s})
	}
	return b, nil
}

// step advances every loom by n pulses or rows and applies pending coil pulses.
func (b *bench) step(n, speed uint16) {
	for _, l := range b.looms {
		l.applyCoils()
		l.advance(n, speed)
	}
	for _, s := range b.sims {
		s.seen = len(s.sim.CoilWrites())
	}
}

func (l *loom) advance(n, speed uint16) {
	sim := l.sim.sim
	base := l.dev.HoldingOffset

	if l.dev.Mode == types.ModeAccumulator {
		sim.Advance(base, n)
		return
	}

	layout := l.dev.Layout
	if layout.Count == nil {
		return
	}
	count := sim.Advance(base+*layout.Count, n)
	if layout.Speed != nil {
		sim.SetRegister(base+*layout.Speed, speed)
	}
	if layout.Shift != nil {
		var start uint16
		if layout.ShiftStart != nil {
			start = sim.Register(base + *layout.ShiftStart)
		}
		sim.SetRegister(base+*layout.Shift, count-start)
	}
}

// applyCoils emulates the PLC side of the reset and end-of-shift buttons on
// DIRECT looms. Accumulator looms have no native reset.
func (l *loom) applyCoils() {
	if l.dev.Mode != types.ModeDirect || l.dev.Layout.Count == nil {
		return
	}
	sim := l.sim.sim
	base := l.dev.HoldingOffset
	countAddr := base + *l.dev.Layout.Count

	writes := sim.CoilWrites()
	for _, w := range writes[l.sim.seen:] {
		if !w.On {
			continue
		}
		switch {
		case l.dev.CoilReset != nil && w.Address == *l.dev.CoilReset:
			sim.SetRegister(countAddr, 0)
			if l.dev.Layout.ShiftStart != nil {
				sim.SetRegister(base+*l.dev.Layout.ShiftStart, 0)
			}
		case l.dev.CoilEndShift != nil && w.Address == *l.dev.CoilEndShift:
			if l.dev.Layout.ShiftStart != nil {
				sim.SetRegister(base+*l.dev.Layout.ShiftStart, sim.Register(countAddr))
			}
		}
	}
}

func (b *bench) Close() {
	for port, s := range b.sims {
		if err := s.sim.Close(); err != nil {
			b.logger.Warn("Simulator close failed", zap.Int("port", port), zap.Error(err))
		}
	}
}
