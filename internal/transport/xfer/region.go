package xfer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"
)

// WordSize is the size of a flag word.
const WordSize = 4

// Region is a byte-addressed memory area that buffers, metadata and flag
// words live in. Offsets are relative to the start of the region.
type Region interface {
	Size() uint64
	// Bytes returns the n bytes at off. The slice aliases the region.
	Bytes(off, n uint64) ([]byte, error)
}

// Waiter is implemented by regions that can block until a word changes.
type Waiter interface {
	// WaitWord returns once the word at off no longer holds old, the
	// context ends, or a wake arrives. Callers re-check after return.
	WaitWord(ctx context.Context, off uint64, old uint32) error
	WakeWord(off uint64)
}

func word(r Region, off uint64) (*uint32, error) {
	if off%WordSize != 0 {
		return nil, fmt.Errorf("%w: word offset %d not %d-byte aligned", ErrOutOfRange, off, WordSize)
	}
	b, err := r.Bytes(off, WordSize)
	if err != nil {
		return nil, err
	}
	return (*uint32)(unsafe.Pointer(&b[0])), nil
}

// LoadWord atomically reads the flag word at off.
func LoadWord(r Region, off uint64) (uint32, error) {
	w, err := word(r, off)
	if err != nil {
		return 0, err
	}
	return atomic.LoadUint32(w), nil
}

// StoreWord atomically writes the flag word at off and wakes waiters.
func StoreWord(r Region, off uint64, v uint32) error {
	w, err := word(r, off)
	if err != nil {
		return err
	}
	atomic.StoreUint32(w, v)
	if wr, ok := r.(Waiter); ok {
		wr.WakeWord(off)
	}
	return nil
}

// AddWord atomically adds delta to the word at off and returns the new value.
func AddWord(r Region, off uint64, delta uint32) (uint32, error) {
	w, err := word(r, off)
	if err != nil {
		return 0, err
	}
	v := atomic.AddUint32(w, delta)
	if wr, ok := r.(Waiter); ok {
		wr.WakeWord(off)
	}
	return v, nil
}

// checkRange validates [off, off+n) against size.
func checkRange(size, off, n uint64) error {
	if off > size || n > size-off {
		return fmt.Errorf("%w: [%d,+%d) exceeds region size %d", ErrOutOfRange, off, n, size)
	}
	return nil
}

// MemRegion is a heap backed Region for in-process endpoints. Its base is
// 8-byte aligned so flag words can be accessed atomically.
type MemRegion struct {
	mem []byte

	waiters atomic.Int32
	mu      sync.Mutex
	notify  chan struct{}
}

// NewMemRegion allocates a zeroed region of size bytes.
func NewMemRegion(size uint64) *MemRegion {
	backing := make([]uint64, (size+7)/8)
	var mem []byte
	if len(backing) > 0 {
		mem = unsafe.Slice((*byte)(unsafe.Pointer(&backing[0])), size)
	}
	return &MemRegion{mem: mem, notify: make(chan struct{})}
}

// Size returns the region size in bytes.
func (m *MemRegion) Size() uint64 {
	return uint64(len(m.mem))
}

// Bytes returns a bounds-checked view of the region.
func (m *MemRegion) Bytes(off, n uint64) ([]byte, error) {
	if err := checkRange(uint64(len(m.mem)), off, n); err != nil {
		return nil, err
	}
	return m.mem[off : off+n : off+n], nil
}

// WaitWord blocks until the word changes or a wake arrives.
func (m *MemRegion) WaitWord(ctx context.Context, off uint64, old uint32) error {
	m.waiters.Add(1)
	defer m.waiters.Add(-1)

	m.mu.Lock()
	ch := m.notify
	m.mu.Unlock()

	v, err := LoadWord(m, off)
	if err != nil {
		return err
	}
	if v != old {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	}
}

// WakeWord wakes every waiter. The offset is ignored; waiters re-check.
func (m *MemRegion) WakeWord(uint64) {
	if m.waiters.Load() == 0 {
		return
	}
	m.mu.Lock()
	close(m.notify)
	m.notify = make(chan struct{})
	m.mu.Unlock()
}
