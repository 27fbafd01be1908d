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
	"io"
	"sync/atomic"
	"time"
)

var (
	// ErrRingClosed indicates that the ring has been closed for writing
	ErrRingClosed = errors.New("ring closed")
	// ErrTooLarge is returned for writes that can never fit in the ring.
	ErrTooLarge = errors.New("data larger than ring capacity")
)

// RingState represents a snapshot of ring buffer state for debugging and diagnostics
type RingState struct {
	Capacity uint64 // Total ring capacity in bytes
	Widx     uint64 // Current write index (monotonic)
	Ridx     uint64 // Current read index (monotonic)
	Used     uint64 // Bytes currently in ring (Widx - Ridx)
	DataSeq  uint32 // Data availability sequence number
	SpaceSeq uint32 // Space availability sequence number
	Closed   bool
}

// ShmRing is a byte ring over shared memory. Any number of processes may
// write; writers serialize on a futex lock in the ring header, so each
// WriteBlocking call lands contiguously. There is a single reader.
type ShmRing struct {
	capMask  uint64
	capacity uint64
	hdr      *RingHeader
	data     []byte // ring data area inside the mapping
}

// NewShmRingFromSegment wraps the ring at rv inside mem.
func NewShmRingFromSegment(rv *ringView, mem []byte) *ShmRing {
	capacity := rv.Capacity()
	start := rv.offset + RingHeaderSize
	return &ShmRing{
		capMask:  capacity - 1,
		capacity: capacity,
		hdr:      rv.header(),
		data:     mem[start : start+capacity : start+capacity],
	}
}

// Capacity returns the ring capacity
func (r *ShmRing) Capacity() uint64 {
	return r.capacity
}

// DebugState returns a snapshot of the current ring state.
func (r *ShmRing) DebugState() RingState {
	widx := r.hdr.WriteIndex()
	ridx := r.hdr.ReadIndex()
	return RingState{
		Capacity: r.capacity,
		Widx:     widx,
		Ridx:     ridx,
		Used:     widx - ridx,
		DataSeq:  r.hdr.DataSequence(),
		SpaceSeq: r.hdr.SpaceSequence(),
		Closed:   r.hdr.Closed(),
	}
}

// waitSeq sleeps on a sequence word until it moves past seq, the context
// ends or one wait slice passes.
func waitSeq(ctx context.Context, addr *uint32, seq uint32) error {
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
	err := futexWaitTimeout(addr, seq, timeout.Nanoseconds())
	if errors.Is(err, ErrFutexTimeout) {
		return ctx.Err()
	}
	return err
}

// lockWriter acquires the producer lock.
func (r *ShmRing) lockWriter(ctx context.Context) error {
	l := &r.hdr.writeLock
	if atomic.CompareAndSwapUint32(l, 0, 1) {
		return nil
	}
	for {
		// Mark contended so the holder wakes us on unlock.
		if atomic.SwapUint32(l, 2) == 0 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if r.hdr.Closed() {
			return ErrRingClosed
		}
		if err := waitSeq(ctx, l, 2); err != nil {
			return err
		}
	}
}

func (r *ShmRing) unlockWriter() {
	if atomic.SwapUint32(&r.hdr.writeLock, 0) == 2 {
		futexWake(&r.hdr.writeLock, 1)
	}
}

// WriteBlocking writes data, waiting for space without a deadline.
func (r *ShmRing) WriteBlocking(data []byte) error {
	return r.WriteBlockingContext(context.Background(), data)
}

// WriteBlockingContext writes all of data as one contiguous run. It blocks
// until space is available, the ring is closed or ctx ends.
func (r *ShmRing) WriteBlockingContext(ctx context.Context, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if uint64(len(data)) > r.capacity {
		return ErrTooLarge
	}
	if err := r.lockWriter(ctx); err != nil {
		return err
	}
	defer r.unlockWriter()

	for {
		if r.hdr.Closed() {
			return ErrRingClosed
		}

		writeIdx := r.hdr.WriteIndex()
		usedBefore := writeIdx - r.hdr.ReadIndex()
		if uint64(len(data)) <= r.capacity-usedBefore {
			pos := writeIdx & r.capMask
			n := copy(r.data[pos:], data)
			copy(r.data, data[n:])

			r.hdr.SetWriteIndex(writeIdx + uint64(len(data)))

			// Only an empty ring can have a sleeping reader.
			if usedBefore == 0 {
				r.hdr.IncrementDataSequence()
				futexWake(&r.hdr.dataSeq, 1)
			}
			return nil
		}

		seq := r.hdr.SpaceSequence()
		if writeIdx-r.hdr.ReadIndex() != usedBefore {
			continue
		}
		if err := waitSeq(ctx, &r.hdr.spaceSeq, seq); err != nil {
			return err
		}
	}
}

// ReadBlocking reads at least one byte, waiting without a deadline.
func (r *ShmRing) ReadBlocking(buf []byte) (int, error) {
	return r.ReadBlockingContext(context.Background(), buf)
}

// ReadBlockingContext reads up to len(buf) bytes. It returns io.EOF once
// the ring is closed and drained.
func (r *ShmRing) ReadBlockingContext(ctx context.Context, buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, nil
	}

	for {
		writeIdx := r.hdr.WriteIndex()
		readIdx := r.hdr.ReadIndex()
		usedBefore := writeIdx - readIdx

		if usedBefore > 0 {
			toRead := min(usedBefore, uint64(len(buf)))
			pos := readIdx & r.capMask
			n := copy(buf[:toRead], r.data[pos:])
			n += copy(buf[n:toRead], r.data)

			r.hdr.SetReadIndex(readIdx + uint64(n))

			// Writers only sleep when they could not fit; always signal so a
			// writer waiting for a large run sees the space.
			r.hdr.IncrementSpaceSequence()
			futexWake(&r.hdr.spaceSeq, 1)
			return n, nil
		}

		if r.hdr.Closed() {
			return 0, io.EOF
		}
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		seq := r.hdr.DataSequence()
		if r.hdr.WriteIndex() != writeIdx {
			continue
		}
		if err := waitSeq(ctx, &r.hdr.dataSeq, seq); err != nil {
			return 0, err
		}
	}
}

// ReadFullContext fills buf completely.
func (r *ShmRing) ReadFullContext(ctx context.Context, buf []byte) error {
	for off := 0; off < len(buf); {
		n, err := r.ReadBlockingContext(ctx, buf[off:])
		if err != nil {
			if off > 0 && errors.Is(err, io.EOF) {
				return io.ErrUnexpectedEOF
			}
			return err
		}
		off += n
	}
	return nil
}

// Discard drops n bytes from the ring.
func (r *ShmRing) Discard(ctx context.Context, n int) error {
	var scratch [256]byte
	for n > 0 {
		chunk := scratch[:min(n, len(scratch))]
		if err := r.ReadFullContext(ctx, chunk); err != nil {
			return err
		}
		n -= len(chunk)
	}
	return nil
}

// Close closes the ring for writing. Readers can still drain it.
func (r *ShmRing) Close() error {
	r.hdr.SetClosed(true)
	r.hdr.IncrementDataSequence()
	r.hdr.IncrementSpaceSequence()
	futexWake(&r.hdr.dataSeq, 1<<30)
	futexWake(&r.hdr.spaceSeq, 1<<30)
	futexWake(&r.hdr.writeLock, 1<<30)
	return nil
}

func (r *ShmRing) Available() uint64 { return r.hdr.Available() }

func (r *ShmRing) Used() uint64 { return r.hdr.Used() }

func (r *ShmRing) IsClosed() bool { return r.hdr.Closed() }

func (r *ShmRing) IsEmpty() bool { return r.hdr.Used() == 0 }

func (r *ShmRing) IsFull() bool { return r.hdr.Available() == 0 }
