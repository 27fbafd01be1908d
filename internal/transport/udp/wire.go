package udp

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Packet header (little-endian, 32 bytes):
//
//	uint32 type
//	uint64 offset               destination offset of the payload
//	uint32 length               payload bytes
//	uint32 transactionSequence  group index << 16 | packet index
//	uint64 transactionCookie    request id << 32 | post generation
//	uint16 transactionLength    packets in the group
//	uint16 reserved
const (
	HeaderSize = 32
	// MaxUDPPayloadSize bounds one packet including its header.
	MaxUDPPayloadSize = 1500
)

// PacketType is the kind of one packet.
type PacketType uint32

const (
	PacketAck PacketType = iota
	PacketDMAWrite
	PacketDMARead
	// PacketMultiAck carries a list of uint32 transaction sequences, all
	// for the header's cookie.
	PacketMultiAck
)

func (t PacketType) String() string {
	switch t {
	case PacketAck:
		return "ack"
	case PacketDMAWrite:
		return "dma-write"
	case PacketDMARead:
		return "dma-read"
	case PacketMultiAck:
		return "multi-ack"
	default:
		return fmt.Sprintf("PacketType(%d)", uint32(t))
	}
}

var errShortPacket = errors.New("udp: packet too short")

// Header is the per-packet header.
type Header struct {
	Type                PacketType
	Offset              uint64
	Length              uint32
	TransactionSequence uint32
	TransactionCookie   uint64
	TransactionLength   uint16
}

func (h Header) encode(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], uint32(h.Type))
	binary.LittleEndian.PutUint64(b[4:12], h.Offset)
	binary.LittleEndian.PutUint32(b[12:16], h.Length)
	binary.LittleEndian.PutUint32(b[16:20], h.TransactionSequence)
	binary.LittleEndian.PutUint64(b[20:28], h.TransactionCookie)
	binary.LittleEndian.PutUint16(b[28:30], h.TransactionLength)
	b[30], b[31] = 0, 0
}

func decodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, errShortPacket
	}
	return Header{
		Type:                PacketType(binary.LittleEndian.Uint32(b[0:4])),
		Offset:              binary.LittleEndian.Uint64(b[4:12]),
		Length:              binary.LittleEndian.Uint32(b[12:16]),
		TransactionSequence: binary.LittleEndian.Uint32(b[16:20]),
		TransactionCookie:   binary.LittleEndian.Uint64(b[20:28]),
		TransactionLength:   binary.LittleEndian.Uint16(b[28:30]),
	}, nil
}

func sequence(group, packet int) uint32 {
	return uint32(group)<<16 | uint32(packet)&0xFFFF
}

func splitSequence(seq uint32) (group, packet int) {
	return int(seq >> 16), int(seq & 0xFFFF)
}

func cookie(id uint64, gen uint32) uint64 {
	return id<<32 | uint64(gen)
}

func splitCookie(c uint64) (id uint64, gen uint32) {
	return c >> 32, uint32(c)
}
