package datagram

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Frame layout (little-endian):
//
//	2 bytes  pad, keeps message headers 8-byte aligned after the frame header
//	16 bytes FrameHeader
//	then zero or more messages, each a 24-byte MsgHeader followed by its
//	payload padded to 8 bytes.
//
// FrameHeader:
//
//	uint16 destID    mailbox the frame is addressed to
//	uint16 srcID     mailbox of the sender
//	uint32 frameSeq  sender sequence; unused by ack-only frames
//	uint32 ackStart  first acknowledged sequence
//	uint16 ackCount  number of consecutive sequences acknowledged
//	uint8  flags     FrameHasMessages
//	uint8  reserved
const (
	framePad        = 2
	FrameHeaderSize = 16
	frameOverhead   = framePad + FrameHeaderSize
	MsgHeaderSize   = 24
	msgAlign        = 8

	// FrameHasMessages marks frames that carry messages and need an ack.
	FrameHasMessages = uint8(1)

	// NoFlag in MsgHeader.FlagAddr means the transaction has no flag word.
	NoFlag = ^uint32(0)

	// MaxMsgsPerFrame bounds how many messages one frame carries.
	MaxMsgsPerFrame = 10
	// maxAckRun bounds the acknowledgements carried in one frame.
	maxAckRun = 255
)

// MsgType is the kind of one message.
type MsgType uint8

const (
	MsgData MsgType = iota
	MsgMetadata
	MsgFlowControl
	MsgDisconnect
)

func (t MsgType) String() string {
	switch t {
	case MsgData:
		return "data"
	case MsgMetadata:
		return "metadata"
	case MsgFlowControl:
		return "flowcontrol"
	case MsgDisconnect:
		return "disconnect"
	default:
		return fmt.Sprintf("MsgType(%d)", uint8(t))
	}
}

var errShortFrame = errors.New("datagram: frame too short")

// FrameHeader is the per-datagram header.
type FrameHeader struct {
	DestID   uint16
	SrcID    uint16
	FrameSeq uint32
	ACKStart uint32
	ACKCount uint16
	Flags    uint8
	Reserved uint8
}

// MsgHeader describes one piece of a transaction. Every message carries the
// flag address, value and the transaction's message count so that whichever
// arrives last can complete it.
type MsgHeader struct {
	TransactionID        uint32
	FlagAddr             uint32
	FlagValue            uint32
	NumMsgsInTransaction uint16
	MsgSequence          uint16
	DataAddr             uint32
	DataLen              uint16
	Type                 MsgType
	NextMsg              uint8
}

func (h FrameHeader) encode(b []byte) {
	b[0], b[1] = 0, 0
	f := b[framePad:]
	binary.LittleEndian.PutUint16(f[0:2], h.DestID)
	binary.LittleEndian.PutUint16(f[2:4], h.SrcID)
	binary.LittleEndian.PutUint32(f[4:8], h.FrameSeq)
	binary.LittleEndian.PutUint32(f[8:12], h.ACKStart)
	binary.LittleEndian.PutUint16(f[12:14], h.ACKCount)
	f[14] = h.Flags
	f[15] = h.Reserved
}

func decodeFrameHeader(b []byte) (FrameHeader, error) {
	if len(b) < frameOverhead {
		return FrameHeader{}, errShortFrame
	}
	f := b[framePad:]
	return FrameHeader{
		DestID:   binary.LittleEndian.Uint16(f[0:2]),
		SrcID:    binary.LittleEndian.Uint16(f[2:4]),
		FrameSeq: binary.LittleEndian.Uint32(f[4:8]),
		ACKStart: binary.LittleEndian.Uint32(f[8:12]),
		ACKCount: binary.LittleEndian.Uint16(f[12:14]),
		Flags:    f[14],
		Reserved: f[15],
	}, nil
}

func (h MsgHeader) encode(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], h.TransactionID)
	binary.LittleEndian.PutUint32(b[4:8], h.FlagAddr)
	binary.LittleEndian.PutUint32(b[8:12], h.FlagValue)
	binary.LittleEndian.PutUint16(b[12:14], h.NumMsgsInTransaction)
	binary.LittleEndian.PutUint16(b[14:16], h.MsgSequence)
	binary.LittleEndian.PutUint32(b[16:20], h.DataAddr)
	binary.LittleEndian.PutUint16(b[20:22], h.DataLen)
	b[22] = byte(h.Type)
	b[23] = h.NextMsg
}

func decodeMsgHeader(b []byte) (MsgHeader, error) {
	if len(b) < MsgHeaderSize {
		return MsgHeader{}, errShortFrame
	}
	return MsgHeader{
		TransactionID:        binary.LittleEndian.Uint32(b[0:4]),
		FlagAddr:             binary.LittleEndian.Uint32(b[4:8]),
		FlagValue:            binary.LittleEndian.Uint32(b[8:12]),
		NumMsgsInTransaction: binary.LittleEndian.Uint16(b[12:14]),
		MsgSequence:          binary.LittleEndian.Uint16(b[14:16]),
		DataAddr:             binary.LittleEndian.Uint32(b[16:20]),
		DataLen:              binary.LittleEndian.Uint16(b[20:22]),
		Type:                 MsgType(b[22]),
		NextMsg:              b[23],
	}, nil
}

func padded(n int) int {
	return (n + msgAlign - 1) &^ (msgAlign - 1)
}

// msgWireSize is the room one message with n payload bytes takes in a frame.
func msgWireSize(n int) int {
	return MsgHeaderSize + padded(n)
}

// maxMsgData is the largest payload one message may carry on a socket with
// the given datagram limit.
func maxMsgData(maxPayload int) int {
	n := (maxPayload - frameOverhead - MsgHeaderSize) &^ (msgAlign - 1)
	return min(n, 0xFFFF&^(msgAlign-1))
}

// wireMsg is a decoded message with its payload aliasing the frame.
type wireMsg struct {
	MsgHeader
	payload []byte
}

// decodeMessages walks the messages of a frame that has FrameHasMessages.
func decodeMessages(b []byte) ([]wireMsg, error) {
	var msgs []wireMsg
	off := frameOverhead
	for off < len(b) {
		h, err := decodeMsgHeader(b[off:])
		if err != nil {
			return nil, err
		}
		start := off + MsgHeaderSize
		end := start + int(h.DataLen)
		if end > len(b) {
			return nil, fmt.Errorf("datagram: message of %d bytes overruns frame of %d", h.DataLen, len(b))
		}
		msgs = append(msgs, wireMsg{MsgHeader: h, payload: b[start:end]})
		off = start + padded(int(h.DataLen))
	}
	return msgs, nil
}
