package dataplane

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/sdrflow/dataplane/internal/transport/xfer"
)

// Region layout of one port, version 1. All offsets are relative to the
// port base and every area is 8-byte aligned.
//
//	data     nBuffers * pitch    pitch = size rounded up to 8
//	meta     nBuffers * 32       one Meta record per buffer
//	flags    nBuffers * 4        buffer state words
//	consts   8                   word 0 holds FullValue, word 1 EmptyValue
//	control  8                   word 0 is the barrier token
//
// Mirror and shadow words depend on the peer and are allocated when a
// connection is made.
const (
	LayoutVersion = 1

	MetaSize  = 32
	alignment = 8

	// FullValue marks a buffer full. EmptyValue marks it free.
	FullValue  = uint32(1)
	EmptyValue = uint32(0)

	// regionReserve keeps offset 0 of every region unused.
	regionReserve = 64
)

// Meta record layout (little-endian):
//
//	0  uint32 length
//	4  uint32 opcode
//	8  uint32 end of data (0 or 1)
//	12 uint32 sequence
//	16 uint32 producer port ordinal
//	20 uint32 producer buffer tid
//	24 uint32 parts the message was split into, 0 when sent whole
//	28 uint32 reserved
const (
	metaLength    = 0
	metaOpCode    = 4
	metaEndOfData = 8
	metaSequence  = 12
	metaProducer  = 16
	metaTid       = 20
	metaParts     = 24
)

// Meta is the per-buffer metadata moved along with the data.
type Meta struct {
	Length    uint32
	OpCode    uint32
	EndOfData bool
	Sequence  uint32
	Producer  uint32
	Tid       uint32
	Parts     uint32
}

func readMeta(r xfer.Region, off uint64) (Meta, error) {
	b, err := r.Bytes(off, MetaSize)
	if err != nil {
		return Meta{}, err
	}
	return Meta{
		Length:    binary.LittleEndian.Uint32(b[metaLength:]),
		OpCode:    binary.LittleEndian.Uint32(b[metaOpCode:]),
		EndOfData: binary.LittleEndian.Uint32(b[metaEndOfData:]) != 0,
		Sequence:  binary.LittleEndian.Uint32(b[metaSequence:]),
		Producer:  binary.LittleEndian.Uint32(b[metaProducer:]),
		Tid:       binary.LittleEndian.Uint32(b[metaTid:]),
		Parts:     binary.LittleEndian.Uint32(b[metaParts:]),
	}, nil
}

func writeMeta(r xfer.Region, off uint64, m Meta) error {
	b, err := r.Bytes(off, MetaSize)
	if err != nil {
		return err
	}
	var eod uint32
	if m.EndOfData {
		eod = 1
	}
	binary.LittleEndian.PutUint32(b[metaLength:], m.Length)
	binary.LittleEndian.PutUint32(b[metaOpCode:], m.OpCode)
	binary.LittleEndian.PutUint32(b[metaEndOfData:], eod)
	binary.LittleEndian.PutUint32(b[metaSequence:], m.Sequence)
	binary.LittleEndian.PutUint32(b[metaProducer:], m.Producer)
	binary.LittleEndian.PutUint32(b[metaTid:], m.Tid)
	binary.LittleEndian.PutUint32(b[metaParts:], m.Parts)
	clear(b[metaParts+4 : MetaSize])
	return nil
}

func align(n uint64) uint64 {
	return (n + alignment - 1) &^ (alignment - 1)
}

// portLayout locates the areas of one port inside its region.
type portLayout struct {
	base     uint64
	nBuffers int
	size     uint32
	pitch    uint64

	data    uint64
	meta    uint64
	flags   uint64
	consts  uint64
	control uint64
	end     uint64
}

func newPortLayout(nBuffers int, size uint32) portLayout {
	l := portLayout{nBuffers: nBuffers, size: size, pitch: align(uint64(size))}
	n := uint64(nBuffers)
	l.meta = l.data + n*l.pitch
	l.flags = l.meta + n*MetaSize
	l.consts = align(l.flags + n*xfer.WordSize)
	l.control = l.consts + 2*xfer.WordSize
	l.end = l.control + alignment
	return l
}

// at rebases the layout to base.
func (l portLayout) at(base uint64) portLayout {
	l.base = base
	l.data += base
	l.meta += base
	l.flags += base
	l.consts += base
	l.control += base
	l.end += base
	return l
}

func (l portLayout) length() uint64 { return l.end - l.base }

func (l portLayout) dataOff(tid int) uint64 { return l.data + uint64(tid)*l.pitch }
func (l portLayout) metaOff(tid int) uint64 { return l.meta + uint64(tid)*MetaSize }
func (l portLayout) flagOff(tid int) uint64 { return l.flags + uint64(tid)*xfer.WordSize }
func (l portLayout) fullConst() uint64      { return l.consts }
func (l portLayout) emptyConst() uint64     { return l.consts + xfer.WordSize }

// allocator hands out non-overlapping ranges of one region.
type allocator struct {
	mu   sync.Mutex
	size uint64
	next uint64
}

func newAllocator(size uint64) *allocator {
	return &allocator{size: size, next: regionReserve}
}

func (a *allocator) alloc(n uint64) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	off := align(a.next)
	if n > a.size || off > a.size-n {
		return 0, fmt.Errorf("%w: %d bytes requested, %d of %d in use", ErrOutOfMemory, n, a.next, a.size)
	}
	a.next = off + n
	return off, nil
}

func (a *allocator) used() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.next
}
