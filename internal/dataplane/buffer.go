package dataplane

import (
	"fmt"

	"github.com/sdrflow/dataplane/internal/transport/xfer"
)

// BufferState is the owner of a buffer. A buffer is in exactly one state.
type BufferState uint8

const (
	// BufferEmpty is in the producer pool (output) or free (input).
	BufferEmpty BufferState = iota
	// BufferFilled is claimed by the producing worker.
	BufferFilled
	// BufferInFlight is owned by a transfer.
	BufferInFlight
	// BufferFull is in the consumer pool.
	BufferFull
	// BufferConsuming is claimed by the consuming worker.
	BufferConsuming
)

func (s BufferState) String() string {
	switch s {
	case BufferEmpty:
		return "empty"
	case BufferFilled:
		return "filled"
	case BufferInFlight:
		return "in-flight"
	case BufferFull:
		return "full"
	case BufferConsuming:
		return "consuming"
	default:
		return fmt.Sprintf("BufferState(%d)", uint8(s))
	}
}

// Buffer is one fixed slot of a port's ring. Buffers are allocated with the
// port and live as long as it does.
type Buffer struct {
	port *Port
	tid  int

	// Guarded by the circuit mutex.
	state     BufferState
	meta      Meta
	part      int
	queued    bool
	broadcast bool
	reqs      []xfer.Request
	target    int
	// pullFrom is the output tid an input buffer is pulling, or -1.
	pullFrom int
}

func newBuffer(p *Port, tid int) *Buffer {
	return &Buffer{port: p, tid: tid, target: -1, pullFrom: -1}
}

// Port returns the port owning b.
func (b *Buffer) Port() *Port { return b.port }

// Tid is b's position in its ring.
func (b *Buffer) Tid() int { return b.tid }

func (b *Buffer) String() string { return fmt.Sprintf("%s[%d]", b.port, b.tid) }

func (b *Buffer) dataOff() uint64 { return b.port.layout.dataOff(b.tid) }
func (b *Buffer) metaOff() uint64 { return b.port.layout.metaOff(b.tid) }
func (b *Buffer) flagOff() uint64 { return b.port.layout.flagOff(b.tid) }

// Bytes returns the whole writable area, sized to the negotiated buffer
// size.
func (b *Buffer) Bytes() []byte {
	d, err := b.port.region().Bytes(b.dataOff(), uint64(b.port.BufferSize()))
	if err != nil {
		// The layout was checked against the region when the port was made.
		panic(err)
	}
	return d
}

// Data returns the valid payload: the produced length on an output buffer,
// the received length on an input buffer.
func (b *Buffer) Data() []byte { return b.Bytes()[:b.meta.Length] }

func (b *Buffer) Length() uint32  { return b.meta.Length }
func (b *Buffer) OpCode() uint32  { return b.meta.OpCode }
func (b *Buffer) EndOfData() bool { return b.meta.EndOfData }

// Sequence is the circuit-wide produce order of the buffer's contents.
func (b *Buffer) Sequence() uint32 { return b.meta.Sequence }

// Producer is the rank of the output that produced an input buffer.
func (b *Buffer) Producer() int { return int(b.meta.Producer) }

// PartsSequence is the part of a split message an input buffer holds.
func (b *Buffer) PartsSequence() int { return b.part }

// SetMeta records what the worker wrote into an output buffer.
func (b *Buffer) SetMeta(length, opcode uint32, eod bool) error {
	if b.port.dir != Output {
		return fmt.Errorf("%w: %s is an input buffer", ErrBufferNotOwned, b)
	}
	if length > b.port.BufferSize() {
		return fmt.Errorf("%w: %d > %d", ErrBufferOverrun, length, b.port.BufferSize())
	}
	b.meta.Length, b.meta.OpCode, b.meta.EndOfData = length, opcode, eod
	return nil
}

// Put copies p into the buffer and records its metadata.
func (b *Buffer) Put(p []byte, opcode uint32, eod bool) error {
	if uint64(len(p)) > uint64(b.port.BufferSize()) {
		return fmt.Errorf("%w: %d > %d", ErrBufferOverrun, len(p), b.port.BufferSize())
	}
	if err := b.SetMeta(uint32(len(p)), opcode, eod); err != nil {
		return err
	}
	copy(b.Bytes(), p)
	return nil
}
