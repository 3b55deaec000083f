package modbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	req := &Frame{TransactionID: 9, UnitID: 3, FunctionCode: FuncCodeReadHoldingRegisters, Data: []byte{0, 10, 0, 2}}
	decoded, err := DecodeFrame(req.Encode())
	require.NoError(t, err)

	addr, qty, err := decoded.AddressAndValue()
	require.NoError(t, err)
	assert.Equal(t, uint16(10), addr)
	assert.Equal(t, uint16(2), qty)

	resp := decoded.RegisterResponse([]uint16{0x0102, 0xFFFF})
	assert.Equal(t, []byte{0, 9, 0, 0, 0, 7, 3, 3, 4, 1, 2, 0xFF, 0xFF}, resp.Encode())
}

func TestDecodeFrameRejects(t *testing.T) {
	_, err := DecodeFrame([]byte{0, 1, 0})
	assert.Error(t, err)

	_, err = DecodeFrame([]byte{0, 1, 0, 1, 0, 2, 1, 3})
	assert.Error(t, err, "non-zero protocol id")

	_, err = DecodeFrame([]byte{0, 1, 0, 0, 0, 9, 1, 3})
	assert.Error(t, err, "length mismatch")
}

func TestExceptionResponse(t *testing.T) {
	req := &Frame{TransactionID: 1, UnitID: 1, FunctionCode: FuncCodeWriteSingleCoil}
	resp := req.ExceptionResponse(ExceptionIllegalDataValue)
	assert.Equal(t, uint8(0x85), resp.FunctionCode)
	assert.Equal(t, []byte{ExceptionIllegalDataValue}, resp.Data)
}

func TestBitResponse(t *testing.T) {
	req := &Frame{FunctionCode: FuncCodeReadCoils}
	resp := req.BitResponse([]bool{true, false, true, false, false, false, false, false, true})
	assert.Equal(t, []byte{2, 0x05, 0x01}, resp.Data)
}
