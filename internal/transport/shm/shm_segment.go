/*
 *
 * Copyright 2025 gRPC authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package shm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/sdrflow/dataplane/internal/transport/xfer"
)

// Memory layout constants
const (
	SegmentMagic   = "SDRSHM\x00\x00"
	SegmentVersion = uint32(2)

	// Segment header size (aligned to 128 bytes)
	SegmentHeaderSize = 128

	// Ring header size (aligned to 64 bytes)
	RingHeaderSize = 64

	// Minimum ring capacity (4KB)
	MinRingCapacity = 4096

	// Default ring capacity (64KB)
	DefaultRingCapacity = 65536

	segmentFilePrefix = "sdr_shm_"
)

// Platform-specific functions (implemented in platform-specific files)
var (
	unmapMemory func([]byte) error
)

// SegmentHeader is the shared header at offset 0 of every segment. A
// segment holds up to two rings and an optional data area; a ring or the
// data area is absent when its size is zero.
type SegmentHeader struct {
	magic      [8]byte  // 0x00: "SDRSHM\0\0"
	version    uint32   // 0x08: layout version
	flags      uint32   // 0x0C: reserved flags
	totalSize  uint64   // 0x10: total segment size
	ringAOff   uint64   // 0x18: offset to ring A header
	ringACap   uint64   // 0x20: ring A capacity (power of 2 or 0)
	ringBOff   uint64   // 0x28: offset to ring B header
	ringBCap   uint64   // 0x30: ring B capacity (power of 2 or 0)
	dataOff    uint64   // 0x38: offset to data area
	dataSize   uint64   // 0x40: data area size
	ownerPID   uint32   // 0x48: creating process
	peerPID    uint32   // 0x4C: attached process
	ownerReady uint32   // 0x50: owner initialised the segment (0->1)
	peerReady  uint32   // 0x54: attached peer count
	closed     uint32   // 0x58: closed flag
	mailbox    uint32   // 0x5C: owner's mailbox
	reserved   [32]byte // 0x60-0x7F
}

func (h *SegmentHeader) Magic() [8]byte        { return h.magic }
func (h *SegmentHeader) Version() uint32       { return atomic.LoadUint32(&h.version) }
func (h *SegmentHeader) TotalSize() uint64     { return atomic.LoadUint64(&h.totalSize) }
func (h *SegmentHeader) RingAOffset() uint64   { return atomic.LoadUint64(&h.ringAOff) }
func (h *SegmentHeader) RingACapacity() uint64 { return atomic.LoadUint64(&h.ringACap) }
func (h *SegmentHeader) RingBOffset() uint64   { return atomic.LoadUint64(&h.ringBOff) }
func (h *SegmentHeader) RingBCapacity() uint64 { return atomic.LoadUint64(&h.ringBCap) }
func (h *SegmentHeader) DataOffset() uint64    { return atomic.LoadUint64(&h.dataOff) }
func (h *SegmentHeader) DataSize() uint64      { return atomic.LoadUint64(&h.dataSize) }
func (h *SegmentHeader) OwnerPID() uint32      { return atomic.LoadUint32(&h.ownerPID) }
func (h *SegmentHeader) PeerPID() uint32       { return atomic.LoadUint32(&h.peerPID) }
func (h *SegmentHeader) Mailbox() uint16       { return uint16(atomic.LoadUint32(&h.mailbox)) }
func (h *SegmentHeader) OwnerReady() bool      { return atomic.LoadUint32(&h.ownerReady) != 0 }
func (h *SegmentHeader) PeerReady() bool       { return atomic.LoadUint32(&h.peerReady) != 0 }
func (h *SegmentHeader) Closed() bool          { return atomic.LoadUint32(&h.closed) != 0 }

// SetClosed marks the segment closed and wakes anything waiting on it.
func (h *SegmentHeader) SetClosed() {
	atomic.StoreUint32(&h.closed, 1)
	futexWake(&h.closed, math.MaxInt32)
}

// attachPeer records one more process attached to the segment and wakes
// the owner if it is waiting for a peer.
func (h *SegmentHeader) attachPeer() {
	atomic.StoreUint32(&h.peerPID, uint32(os.Getpid()))
	atomic.AddUint32(&h.peerReady, 1)
	futexWake(&h.peerReady, math.MaxInt32)
}

func (h *SegmentHeader) detachPeer() {
	for {
		n := atomic.LoadUint32(&h.peerReady)
		if n == 0 || atomic.CompareAndSwapUint32(&h.peerReady, n, n-1) {
			return
		}
	}
}

// Peers returns the number of attached peers.
func (h *SegmentHeader) Peers() uint32 { return atomic.LoadUint32(&h.peerReady) }

// RingHeader represents a ring buffer header with atomic access fields.
type RingHeader struct {
	capacity  uint64   // 0x00: power-of-two capacity in bytes
	widx      uint64   // 0x08: monotonic write index (producer)
	ridx      uint64   // 0x10: monotonic read index (consumer)
	dataSeq   uint32   // 0x18: bumped by the producer when data appears
	spaceSeq  uint32   // 0x1C: bumped by the consumer when space appears
	closed    uint32   // 0x20: closed flag (producer sets to 1)
	writeLock uint32   // 0x24: producer lock (0 free, 1 held, 2 contended)
	reserved  [24]byte // 0x28-0x3F
	// data area starts at offset 0x40
}

func (r *RingHeader) Capacity() uint64            { return atomic.LoadUint64(&r.capacity) }
func (r *RingHeader) WriteIndex() uint64          { return atomic.LoadUint64(&r.widx) }
func (r *RingHeader) SetWriteIndex(idx uint64)    { atomic.StoreUint64(&r.widx, idx) }
func (r *RingHeader) ReadIndex() uint64           { return atomic.LoadUint64(&r.ridx) }
func (r *RingHeader) SetReadIndex(idx uint64)     { atomic.StoreUint64(&r.ridx, idx) }
func (r *RingHeader) DataSequence() uint32        { return atomic.LoadUint32(&r.dataSeq) }
func (r *RingHeader) IncrementDataSequence()      { atomic.AddUint32(&r.dataSeq, 1) }
func (r *RingHeader) SpaceSequence() uint32       { return atomic.LoadUint32(&r.spaceSeq) }
func (r *RingHeader) IncrementSpaceSequence()     { atomic.AddUint32(&r.spaceSeq, 1) }
func (r *RingHeader) Closed() bool                { return atomic.LoadUint32(&r.closed) != 0 }
func (r *RingHeader) setCapacity(capacity uint64) { atomic.StoreUint64(&r.capacity, capacity) }

func (r *RingHeader) SetClosed(closed bool) {
	var val uint32
	if closed {
		val = 1
	}
	atomic.StoreUint32(&r.closed, val)
}

// Used returns the number of bytes currently used in the ring.
func (r *RingHeader) Used() uint64 {
	w := atomic.LoadUint64(&r.widx)
	rd := atomic.LoadUint64(&r.ridx)
	return w - rd // uint64 arithmetic handles wrap-around
}

// Available returns the number of bytes available for writing.
func (r *RingHeader) Available() uint64 {
	return r.Capacity() - r.Used()
}

// IsPowerOfTwo returns true if n is a power of two
func IsPowerOfTwo(n uint64) bool {
	return n > 0 && (n&(n-1)) == 0
}

// NextPowerOfTwo returns the next power of two >= n
func NextPowerOfTwo(n uint64) uint64 {
	if n == 0 {
		return 1
	}
	if IsPowerOfTwo(n) {
		return n
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	n++
	return n
}

// SegmentOptions sizes a new segment.
type SegmentOptions struct {
	RingACapacity uint64
	RingBCapacity uint64
	DataSize      uint64
	Mailbox       uint16
}

// Layout is the computed placement of rings and data in a segment.
type Layout struct {
	TotalSize   uint64
	RingAOffset uint64
	RingBOffset uint64
	DataOffset  uint64
}

func checkRingCapacity(name string, c uint64) error {
	if c == 0 {
		return nil
	}
	if !IsPowerOfTwo(c) {
		return fmt.Errorf("ring %s capacity %d is not a power of two", name, c)
	}
	if c < MinRingCapacity {
		return fmt.Errorf("ring %s capacity %d is below minimum %d", name, c, MinRingCapacity)
	}
	return nil
}

// CalculateSegmentLayout places the header, the rings that have a non-zero
// capacity and the data area, each on a 64-byte boundary.
func CalculateSegmentLayout(ringACapacity, ringBCapacity, dataSize uint64) (Layout, error) {
	if err := checkRingCapacity("A", ringACapacity); err != nil {
		return Layout{}, err
	}
	if err := checkRingCapacity("B", ringBCapacity); err != nil {
		return Layout{}, err
	}

	var l Layout
	next := alignTo64(SegmentHeaderSize)
	if ringACapacity > 0 {
		l.RingAOffset = next
		next = alignTo64(next + RingHeaderSize + ringACapacity)
	}
	if ringBCapacity > 0 {
		l.RingBOffset = next
		next = alignTo64(next + RingHeaderSize + ringBCapacity)
	}
	l.DataOffset = next
	l.TotalSize = alignTo64(next + dataSize)
	return l, nil
}

// alignTo64 aligns a size to 64-byte boundary
func alignTo64(size uint64) uint64 {
	return (size + 63) &^ 63
}

// ValidateSegmentHeader validates a segment header for consistency
func ValidateSegmentHeader(h *SegmentHeader, fileSize uint64) error {
	if string(h.magic[:]) != SegmentMagic {
		return fmt.Errorf("invalid magic bytes")
	}
	if h.Version() != SegmentVersion {
		return fmt.Errorf("unsupported version %d, expected %d", h.Version(), SegmentVersion)
	}

	l, err := CalculateSegmentLayout(h.RingACapacity(), h.RingBCapacity(), h.DataSize())
	if err != nil {
		return fmt.Errorf("layout calculation failed: %w", err)
	}
	if h.TotalSize() != l.TotalSize || h.TotalSize() > fileSize {
		return fmt.Errorf("total size mismatch: header %d, expected %d, file %d", h.TotalSize(), l.TotalSize, fileSize)
	}
	if h.RingAOffset() != l.RingAOffset {
		return fmt.Errorf("ring A offset mismatch: got %d, expected %d", h.RingAOffset(), l.RingAOffset)
	}
	if h.RingBOffset() != l.RingBOffset {
		return fmt.Errorf("ring B offset mismatch: got %d, expected %d", h.RingBOffset(), l.RingBOffset)
	}
	if h.DataOffset() != l.DataOffset {
		return fmt.Errorf("data offset mismatch: got %d, expected %d", h.DataOffset(), l.DataOffset)
	}
	return nil
}

// Segment represents a mapped shared memory segment. It implements
// xfer.Region over its data area, with futex backed word waits.
type Segment struct {
	File *os.File      // File descriptor for the shared memory file
	Mem  []byte        // Memory-mapped region
	H    *SegmentHeader // Header at offset 0
	A    *ringView     // Ring A, nil when absent
	B    *ringView     // Ring B, nil when absent
	Path string        // File path
	Name string
}

// ringView locates a ring header inside a mapping
type ringView struct {
	basePtr unsafe.Pointer // Base pointer to the memory region
	offset  uint64         // Offset to the ring header within the segment
}

func newSegment(file *os.File, mem []byte, path, name string) *Segment {
	base := unsafe.Pointer(&mem[0])
	s := &Segment{
		File: file,
		Mem:  mem,
		H:    (*SegmentHeader)(base),
		Path: path,
		Name: name,
	}
	return s
}

// attachRings builds ring views from the header offsets.
func (s *Segment) attachRings() {
	base := unsafe.Pointer(&s.Mem[0])
	if s.H.RingACapacity() > 0 {
		s.A = &ringView{basePtr: base, offset: s.H.RingAOffset()}
	}
	if s.H.RingBCapacity() > 0 {
		s.B = &ringView{basePtr: base, offset: s.H.RingBOffset()}
	}
}

// Close unmaps the memory and closes the file
func (s *Segment) Close() error {
	var firstErr error

	if s.Mem != nil {
		if err := unmapMemory(s.Mem); err != nil && firstErr == nil {
			firstErr = err
		}
		s.Mem = nil
	}

	if s.File != nil {
		if err := s.File.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.File = nil
	}

	return firstErr
}

// Size returns the data area size.
func (s *Segment) Size() uint64 {
	if s.Mem == nil {
		return 0
	}
	return s.H.DataSize()
}

// Bytes returns a bounds-checked view of the data area.
func (s *Segment) Bytes(off, n uint64) ([]byte, error) {
	if s.Mem == nil {
		return nil, xfer.ErrClosed
	}
	size := s.H.DataSize()
	if off > size || n > size-off {
		return nil, fmt.Errorf("%w: [%d,+%d) exceeds segment data size %d", xfer.ErrOutOfRange, off, n, size)
	}
	start := s.H.DataOffset() + off
	return s.Mem[start : start+n : start+n], nil
}

// waitSlice bounds one futex sleep so context cancellation is noticed.
const waitSlice = 10 * time.Millisecond

// WaitWord sleeps on the futex at the data word off while it holds old.
func (s *Segment) WaitWord(ctx context.Context, off uint64, old uint32) error {
	b, err := s.Bytes(off, xfer.WordSize)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	timeout := waitSlice
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return context.DeadlineExceeded
		}
		if remaining < timeout {
			timeout = remaining
		}
	}
	err = futexWaitTimeout((*uint32)(unsafe.Pointer(&b[0])), old, timeout.Nanoseconds())
	if errors.Is(err, ErrFutexTimeout) {
		return ctx.Err()
	}
	return err
}

// WakeWord wakes every process sleeping on the data word off.
func (s *Segment) WakeWord(off uint64) {
	b, err := s.Bytes(off, xfer.WordSize)
	if err != nil {
		return
	}
	futexWake((*uint32)(unsafe.Pointer(&b[0])), math.MaxInt32)
}

func (r *ringView) header() *RingHeader {
	return (*RingHeader)(unsafe.Add(r.basePtr, r.offset))
}

// Capacity returns the ring capacity
func (r *ringView) Capacity() uint64 {
	return r.header().Capacity()
}

func (r *ringView) init(capacity uint64) {
	h := r.header()
	h.setCapacity(capacity)
	h.SetWriteIndex(0)
	h.SetReadIndex(0)
	h.SetClosed(false)
}

// Utility functions

func segmentPaths(name string) []string {
	return []string{
		filepath.Join("/dev/shm", segmentFilePrefix+name),
		filepath.Join(os.TempDir(), segmentFilePrefix+name),
	}
}

// RemoveSegment removes a shared memory segment file
func RemoveSegment(name string) error {
	var lastErr error
	for _, path := range segmentPaths(name) {
		if err := os.Remove(path); err == nil {
			return nil
		} else if !os.IsNotExist(err) {
			lastErr = err
		}
	}
	if lastErr != nil {
		return lastErr
	}
	return os.ErrNotExist
}

// SegmentExists checks if a shared memory segment exists
func SegmentExists(name string) bool {
	for _, path := range segmentPaths(name) {
		if _, err := os.Stat(path); err == nil {
			return true
		}
	}
	return false
}
