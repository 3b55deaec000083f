package modbus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"time"

	"github.com/KevinKickass/loomwatch/internal/config"
	"github.com/KevinKickass/loomwatch/internal/types"
	mb "github.com/goburrow/modbus"
	"go.uber.org/zap"
)

// Adapter talks to looms over Modbus TCP. Every call dials a fresh
// connection, runs one transaction and closes it again. Connections are
// never pooled.
type Adapter struct {
	connectTimeout time.Duration
	readTimeout    time.Duration
	retries        int
	pulseSettle    time.Duration
	minWindow      int
	logger         *zap.Logger
}

func NewAdapter(cfg config.ModbusConfig, logger *zap.Logger) *Adapter {
	a := &Adapter{
		connectTimeout: cfg.ConnectTimeout,
		readTimeout:    cfg.ReadTimeout,
		retries:        cfg.Retries,
		pulseSettle:    cfg.PulseSettle,
		minWindow:      cfg.MinWindow,
		logger:         logger,
	}
	if a.connectTimeout <= 0 {
		a.connectTimeout = 5 * time.Second
	}
	if a.readTimeout <= 0 {
		a.readTimeout = a.connectTimeout
	}
	return a
}

// ReadDirect reads the whole register window of a DIRECT loom in one request.
func (a *Adapter) ReadDirect(ctx context.Context, dev types.DeviceConfig) (types.DirectSample, error) {
	w := NewWindow(dev.Layout, a.minWindow)
	if w.Span() > maxReadQuantity {
		return types.DirectSample{}, fmt.Errorf("device %s: layout spans %d registers: %w", dev.Key, w.Span(), types.ErrProtocol)
	}

	start := int(dev.HoldingOffset) + int(w.Start)
	length := int(w.Length)
	if start+length > 0x10000 {
		length = 0x10000 - start
		if length < w.Span() {
			return types.DirectSample{}, fmt.Errorf("device %s: window at %d exceeds address space: %w", dev.Key, start, types.ErrProtocol)
		}
	}

	var regs []uint16
	err := a.session(ctx, dev, func(client mb.Client) error {
		raw, err := client.ReadHoldingRegisters(uint16(start), uint16(length))
		if err != nil {
			return err
		}
		regs, err = decodeRegisters(raw, length)
		return err
	})
	if err != nil {
		return types.DirectSample{}, err
	}

	return w.Extract(regs), nil
}

// ReadAccumulator reads the raw pulse register of an ACCUMULATOR loom.
func (a *Adapter) ReadAccumulator(ctx context.Context, dev types.DeviceConfig) (uint16, error) {
	var pulse uint16
	err := a.session(ctx, dev, func(client mb.Client) error {
		raw, err := client.ReadHoldingRegisters(dev.HoldingOffset, 1)
		if err != nil {
			return err
		}
		regs, err := decodeRegisters(raw, 1)
		if err != nil {
			return err
		}
		pulse = regs[0]
		return nil
	})
	return pulse, err
}

// WriteRegister writes one holding register.
func (a *Adapter) WriteRegister(ctx context.Context, dev types.DeviceConfig, addr, value uint16) error {
	err := a.session(ctx, dev, func(client mb.Client) error {
		_, err := client.WriteSingleRegister(addr, value)
		return err
	})
	if err != nil {
		return err
	}

	a.logger.Info("Register written",
		zap.String("device", dev.Key),
		zap.Uint16("address", addr),
		zap.Uint16("value", value))
	return nil
}

// PulseCoil emulates a momentary push button on a latching coil: ON, settle,
// OFF. Returning means the pulse was sent, not that the loom acted on it.
func (a *Adapter) PulseCoil(ctx context.Context, dev types.DeviceConfig, addr uint16) error {
	err := a.session(ctx, dev, func(client mb.Client) error {
		if _, err := client.WriteSingleCoil(addr, CoilOn); err != nil {
			return err
		}
		time.Sleep(a.pulseSettle)
		_, err := client.WriteSingleCoil(addr, CoilOff)
		return err
	})
	if err != nil {
		return err
	}

	a.logger.Info("Coil pulse sent",
		zap.String("device", dev.Key),
		zap.Uint16("coil", addr),
		zap.Duration("settle", a.pulseSettle))
	return nil
}

// session connects with at most a.retries retries, runs fn and closes.
func (a *Adapter) session(ctx context.Context, dev types.DeviceConfig, fn func(mb.Client) error) error {
	address := dev.Address.String()

	handler := mb.NewTCPClientHandler(address)
	handler.SlaveId = dev.Address.UnitID
	handler.Timeout = a.connectTimeout

	var err error
	for attempt := 0; attempt <= a.retries; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
			break
		}
		if err = handler.Connect(); err == nil {
			break
		}
		a.logger.Debug("Modbus connect failed",
			zap.String("device", dev.Key),
			zap.String("address", address),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	if err != nil {
		return fmt.Errorf("device %s at %s: %w: %w", dev.Key, address, types.ErrDeviceUnreachable, err)
	}
	defer handler.Close()

	// the handler re-reads Timeout on every request
	handler.Timeout = a.readTimeout

	if err := fn(mb.NewClient(handler)); err != nil {
		return fmt.Errorf("device %s at %s: %w: %w", dev.Key, address, classify(err), err)
	}
	return nil
}

func decodeRegisters(raw []byte, quantity int) ([]uint16, error) {
	if len(raw) != 2*quantity {
		return nil, fmt.Errorf("expected %d register bytes, got %d", 2*quantity, len(raw))
	}
	regs := make([]uint16, quantity)
	for i := range regs {
		regs[i] = binary.BigEndian.Uint16(raw[2*i:])
	}
	return regs, nil
}

// classify maps a transaction error onto the failure taxonomy.
func classify(err error) error {
	var mbErr *mb.ModbusError
	if errors.As(err, &mbErr) {
		return types.ErrProtocol
	}
	var netErr net.Error
	if errors.As(err, &netErr) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return types.ErrDeviceUnreachable
	}
	return types.ErrProtocol
}
