package datagram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameHeaderRoundTrip(t *testing.T) {
	in := FrameHeader{DestID: 3, SrcID: 7, FrameSeq: 0xdeadbeef, ACKStart: 41, ACKCount: 12, Flags: FrameHasMessages}
	b := make([]byte, frameOverhead)
	in.encode(b)
	assert.Equal(t, []byte{0, 0}, b[:framePad])

	out, err := decodeFrameHeader(b)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	_, err = decodeFrameHeader(b[:frameOverhead-1])
	assert.ErrorIs(t, err, errShortFrame)
}

func TestMessagesPackAligned(t *testing.T) {
	payloads := [][]byte{[]byte("abc"), nil, []byte("0123456789")}
	size := frameOverhead
	for _, p := range payloads {
		size += msgWireSize(len(p))
	}
	b := make([]byte, size)
	FrameHeader{Flags: FrameHasMessages}.encode(b)

	off := frameOverhead
	for i, p := range payloads {
		assert.Zero(t, (off-framePad)%msgAlign, "message %d header misaligned", i)
		MsgHeader{
			TransactionID:        9,
			FlagAddr:             NoFlag,
			NumMsgsInTransaction: uint16(len(payloads)),
			MsgSequence:          uint16(i),
			DataAddr:             uint32(100 * i),
			DataLen:              uint16(len(p)),
			Type:                 MsgData,
		}.encode(b[off:])
		copy(b[off+MsgHeaderSize:], p)
		off += msgWireSize(len(p))
	}

	msgs, err := decodeMessages(b)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	for i, m := range msgs {
		assert.Equal(t, uint16(i), m.MsgSequence)
		assert.Equal(t, uint32(100*i), m.DataAddr)
		assert.Equal(t, NoFlag, m.FlagAddr)
		assert.Equal(t, len(payloads[i]), len(m.payload))
		if len(payloads[i]) > 0 {
			assert.Equal(t, payloads[i], m.payload)
		}
	}
}

func TestDecodeMessagesOverrun(t *testing.T) {
	b := make([]byte, frameOverhead+MsgHeaderSize+8)
	MsgHeader{DataLen: 64}.encode(b[frameOverhead:])
	_, err := decodeMessages(b)
	assert.Error(t, err)

	_, err = decodeMessages(b[:frameOverhead+MsgHeaderSize-1])
	assert.ErrorIs(t, err, errShortFrame)
}

func TestMaxMsgData(t *testing.T) {
	tests := []struct {
		maxPayload int
		want       int
	}{
		{UDPMaxPayload, 1424},
		{1 << 20, 0xFFF8},
		{frameOverhead + MsgHeaderSize + 15, 8},
	}
	for _, tt := range tests {
		got := maxMsgData(tt.maxPayload)
		assert.Equal(t, tt.want, got, "maxPayload %d", tt.maxPayload)
		assert.LessOrEqual(t, frameOverhead+msgWireSize(got), tt.maxPayload)
	}
}

func TestMsgTypeString(t *testing.T) {
	assert.Equal(t, "data", MsgData.String())
	assert.Equal(t, "disconnect", MsgDisconnect.String())
	assert.Equal(t, "MsgType(9)", MsgType(9).String())
}
