package modbus

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"
)

// CoilWrite is one FC05 request received by the simulator.
type CoilWrite struct {
	Address uint16
	On      bool
}

// Simulator is a single-unit Modbus TCP server backed by in-memory holding
// registers and coils. It answers FC 01, 03, 04, 05 and 06.
type Simulator struct {
	mu         sync.Mutex
	registers  []uint16
	coils      []bool
	coilWrites []CoilWrite

	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
	logger   *zap.Logger
}

func NewSimulator(logger *zap.Logger) *Simulator {
	return &Simulator{
		registers: make([]uint16, 0x10000),
		coils:     make([]bool, 0x10000),
		conns:     make(map[net.Conn]struct{}),
		logger:    logger,
	}
}

// Start listens on addr ("127.0.0.1:0" picks a free port) and serves in the
// background until Close.
func (s *Simulator) Start(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = ln

	s.wg.Add(1)
	go s.acceptLoop()

	s.logger.Info("Modbus simulator listening", zap.String("address", ln.Addr().String()))
	return ln.Addr(), nil
}

func (s *Simulator) Close() error {
	if s.listener == nil {
		return nil
	}
	err := s.listener.Close()

	s.mu.Lock()
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

func (s *Simulator) SetRegister(addr, value uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registers[addr] = value
}

func (s *Simulator) Register(addr uint16) uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registers[addr]
}

// Advance adds n to a register, wrapping at 16 bits like a loom pulse counter.
func (s *Simulator) Advance(addr, n uint16) uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registers[addr] += n
	return s.registers[addr]
}

func (s *Simulator) Coil(addr uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.coils[addr]
}

// CoilWrites returns every coil write received so far, oldest first.
func (s *Simulator) CoilWrites() []CoilWrite {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CoilWrite, len(s.coilWrites))
	copy(out, s.coilWrites)
	return out
}

func (s *Simulator) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Warn("Simulator accept failed", zap.Error(err))
			}
			return
		}

		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *Simulator) serve(conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
		s.wg.Done()
	}()

	buf := make([]byte, maxFrameSize)
	for {
		if _, err := io.ReadFull(conn, buf[:mbapHeaderSize]); err != nil {
			return
		}
		length := int(buf[4])<<8 | int(buf[5])
		if length < 2 || mbapHeaderSize-1+length > maxFrameSize {
			s.logger.Warn("Simulator dropped oversized frame", zap.Int("length", length))
			return
		}
		if _, err := io.ReadFull(conn, buf[mbapHeaderSize:mbapHeaderSize-1+length]); err != nil {
			return
		}

		req, err := DecodeFrame(buf[:mbapHeaderSize-1+length])
		if err != nil {
			s.logger.Warn("Simulator received bad frame", zap.Error(err))
			return
		}

		if _, err := conn.Write(s.handle(req).Encode()); err != nil {
			return
		}
	}
}

func (s *Simulator) handle(req *Frame) *Frame {
	addr, value, err := req.AddressAndValue()
	if err != nil {
		return req.ExceptionResponse(ExceptionIllegalDataValue)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch req.FunctionCode {
	case FuncCodeReadHoldingRegisters, FuncCodeReadInputRegisters:
		if value == 0 || value > maxReadQuantity {
			return req.ExceptionResponse(ExceptionIllegalDataValue)
		}
		if int(addr)+int(value) > len(s.registers) {
			return req.ExceptionResponse(ExceptionIllegalDataAddress)
		}
		out := make([]uint16, value)
		copy(out, s.registers[addr:int(addr)+int(value)])
		return req.RegisterResponse(out)

	case FuncCodeReadCoils:
		if value == 0 || value > 2000 {
			return req.ExceptionResponse(ExceptionIllegalDataValue)
		}
		if int(addr)+int(value) > len(s.coils) {
			return req.ExceptionResponse(ExceptionIllegalDataAddress)
		}
		out := make([]bool, value)
		copy(out, s.coils[addr:int(addr)+int(value)])
		return req.BitResponse(out)

	case FuncCodeWriteSingleCoil:
		if value != CoilOn && value != CoilOff {
			return req.ExceptionResponse(ExceptionIllegalDataValue)
		}
		s.coils[addr] = value == CoilOn
		s.coilWrites = append(s.coilWrites, CoilWrite{Address: addr, On: value == CoilOn})
		return req.EchoResponse()

	case FuncCodeWriteSingleRegister:
		s.registers[addr] = value
		return req.EchoResponse()

	default:
		return req.ExceptionResponse(ExceptionIllegalFunction)
	}
}
