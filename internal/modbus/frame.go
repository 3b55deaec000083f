package modbus

import (
	"encoding/binary"
	"fmt"
)

// Frame is one Modbus TCP application data unit: the 7 byte MBAP header
// followed by the function code and its data.
type Frame struct {
	TransactionID uint16
	ProtocolID    uint16 // always 0x0000 for Modbus
	Length        uint16 // unit id + function code + data
	UnitID        uint8
	FunctionCode  uint8
	Data          []byte
}

const (
	mbapHeaderSize = 7
	maxFrameSize   = 260
)

// Function codes
const (
	FuncCodeReadCoils            = 0x01
	FuncCodeReadHoldingRegisters = 0x03
	FuncCodeReadInputRegisters   = 0x04
	FuncCodeWriteSingleCoil      = 0x05
	FuncCodeWriteSingleRegister  = 0x06
)

// Exception codes
const (
	ExceptionIllegalFunction    = 0x01
	ExceptionIllegalDataAddress = 0x02
	ExceptionIllegalDataValue   = 0x03
)

const (
	CoilOn  uint16 = 0xFF00
	CoilOff uint16 = 0x0000
)

// Encode serializes the frame and fills in Length.
func (f *Frame) Encode() []byte {
	f.Length = uint16(len(f.Data) + 2)

	buf := make([]byte, mbapHeaderSize+1+len(f.Data))
	binary.BigEndian.PutUint16(buf[0:2], f.TransactionID)
	binary.BigEndian.PutUint16(buf[2:4], f.ProtocolID)
	binary.BigEndian.PutUint16(buf[4:6], f.Length)
	buf[6] = f.UnitID
	buf[7] = f.FunctionCode
	copy(buf[8:], f.Data)

	return buf
}

// DecodeFrame parses a complete frame as read off the wire.
func DecodeFrame(data []byte) (*Frame, error) {
	if len(data) < mbapHeaderSize+1 {
		return nil, fmt.Errorf("frame too short: %d bytes", len(data))
	}

	f := &Frame{
		TransactionID: binary.BigEndian.Uint16(data[0:2]),
		ProtocolID:    binary.BigEndian.Uint16(data[2:4]),
		Length:        binary.BigEndian.Uint16(data[4:6]),
		UnitID:        data[6],
		FunctionCode:  data[7],
	}
	if f.ProtocolID != 0x0000 {
		return nil, fmt.Errorf("invalid protocol ID: 0x%04X", f.ProtocolID)
	}
	if int(f.Length) != len(data)-6 {
		return nil, fmt.Errorf("length field %d does not match frame size %d", f.Length, len(data))
	}
	if len(data) > mbapHeaderSize+1 {
		f.Data = data[8:]
	}

	return f, nil
}

// AddressAndValue splits the 4 byte body shared by read and single-write requests.
func (f *Frame) AddressAndValue() (uint16, uint16, error) {
	if len(f.Data) != 4 {
		return 0, 0, fmt.Errorf("request data must be 4 bytes, got %d", len(f.Data))
	}
	return binary.BigEndian.Uint16(f.Data[0:2]), binary.BigEndian.Uint16(f.Data[2:4]), nil
}

// RegisterResponse builds the reply to a register read.
func (f *Frame) RegisterResponse(values []uint16) *Frame {
	data := make([]byte, 1+2*len(values))
	data[0] = byte(2 * len(values))
	for i, v := range values {
		binary.BigEndian.PutUint16(data[1+2*i:], v)
	}
	return f.reply(f.FunctionCode, data)
}

// BitResponse builds the reply to a coil read.
func (f *Frame) BitResponse(bits []bool) *Frame {
	data := make([]byte, 1+(len(bits)+7)/8)
	data[0] = byte(len(data) - 1)
	for i, b := range bits {
		if b {
			data[1+i/8] |= 1 << (i % 8)
		}
	}
	return f.reply(f.FunctionCode, data)
}

// EchoResponse builds the reply to a single write, which repeats the request.
func (f *Frame) EchoResponse() *Frame {
	data := make([]byte, len(f.Data))
	copy(data, f.Data)
	return f.reply(f.FunctionCode, data)
}

// ExceptionResponse builds an exception reply with the given code.
func (f *Frame) ExceptionResponse(code uint8) *Frame {
	return f.reply(f.FunctionCode|0x80, []byte{code})
}

func (f *Frame) reply(fc uint8, data []byte) *Frame {
	return &Frame{
		TransactionID: f.TransactionID,
		UnitID:        f.UnitID,
		FunctionCode:  fc,
		Data:          data,
	}
}
