//go:build linux && (amd64 || arm64)

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
	"os"
	"sync/atomic"
	"testing"
	"time"
	"unsafe"

	"github.com/sdrflow/dataplane/internal/transport/xfer"
)

func TestSegmentHeaderSize(t *testing.T) {
	if size := unsafe.Sizeof(SegmentHeader{}); size != SegmentHeaderSize {
		t.Errorf("SegmentHeader size = %d, want %d", size, SegmentHeaderSize)
	}
}

func TestRingHeaderSize(t *testing.T) {
	if size := unsafe.Sizeof(RingHeader{}); size != RingHeaderSize {
		t.Errorf("RingHeader size = %d, want %d", size, RingHeaderSize)
	}
}

func TestSegmentHeaderFieldOffsets(t *testing.T) {
	h := &SegmentHeader{}

	tests := []struct {
		name   string
		offset uintptr
		want   uintptr
	}{
		{"magic", unsafe.Offsetof(h.magic), 0x00},
		{"version", unsafe.Offsetof(h.version), 0x08},
		{"totalSize", unsafe.Offsetof(h.totalSize), 0x10},
		{"ringAOff", unsafe.Offsetof(h.ringAOff), 0x18},
		{"ringBCap", unsafe.Offsetof(h.ringBCap), 0x30},
		{"dataOff", unsafe.Offsetof(h.dataOff), 0x38},
		{"dataSize", unsafe.Offsetof(h.dataSize), 0x40},
		{"ownerPID", unsafe.Offsetof(h.ownerPID), 0x48},
		{"ownerReady", unsafe.Offsetof(h.ownerReady), 0x50},
		{"peerReady", unsafe.Offsetof(h.peerReady), 0x54},
		{"closed", unsafe.Offsetof(h.closed), 0x58},
		{"mailbox", unsafe.Offsetof(h.mailbox), 0x5C},
		{"reserved", unsafe.Offsetof(h.reserved), 0x60},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.offset != tt.want {
				t.Errorf("offset of %s = 0x%02X, want 0x%02X", tt.name, uint64(tt.offset), uint64(tt.want))
			}
		})
	}
}

func TestRingHeaderFieldOffsets(t *testing.T) {
	r := &RingHeader{}

	tests := []struct {
		name   string
		offset uintptr
		want   uintptr
	}{
		{"capacity", unsafe.Offsetof(r.capacity), 0x00},
		{"widx", unsafe.Offsetof(r.widx), 0x08},
		{"ridx", unsafe.Offsetof(r.ridx), 0x10},
		{"dataSeq", unsafe.Offsetof(r.dataSeq), 0x18},
		{"spaceSeq", unsafe.Offsetof(r.spaceSeq), 0x1C},
		{"closed", unsafe.Offsetof(r.closed), 0x20},
		{"writeLock", unsafe.Offsetof(r.writeLock), 0x24},
		{"reserved", unsafe.Offsetof(r.reserved), 0x28},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.offset != tt.want {
				t.Errorf("offset of %s = 0x%02X, want 0x%02X", tt.name, uint64(tt.offset), uint64(tt.want))
			}
		})
	}
}

func TestIsPowerOfTwo(t *testing.T) {
	tests := []struct {
		n    uint64
		want bool
	}{
		{0, false},
		{1, true},
		{2, true},
		{3, false},
		{4096, true},
		{4097, false},
		{1 << 40, true},
	}
	for _, tt := range tests {
		if got := IsPowerOfTwo(tt.n); got != tt.want {
			t.Errorf("IsPowerOfTwo(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
}

func TestNextPowerOfTwo(t *testing.T) {
	tests := []struct {
		n, want uint64
	}{
		{0, 1},
		{1, 1},
		{3, 4},
		{4096, 4096},
		{4097, 8192},
	}
	for _, tt := range tests {
		if got := NextPowerOfTwo(tt.n); got != tt.want {
			t.Errorf("NextPowerOfTwo(%d) = %d, want %d", tt.n, got, tt.want)
		}
	}
}

func TestCalculateSegmentLayout(t *testing.T) {
	tests := []struct {
		name       string
		a, b, data uint64
		want       Layout
		wantErr    bool
	}{
		{
			name: "data only",
			data: 100,
			want: Layout{TotalSize: 256, DataOffset: 128},
		},
		{
			name: "one ring",
			a:    4096,
			want: Layout{TotalSize: 128 + 64 + 4096, RingAOffset: 128, DataOffset: 128 + 64 + 4096},
		},
		{
			name: "two rings and data",
			a:    4096,
			b:    8192,
			data: 64,
			want: Layout{
				RingAOffset: 128,
				RingBOffset: 128 + 64 + 4096,
				DataOffset:  128 + 64 + 4096 + 64 + 8192,
				TotalSize:   128 + 64 + 4096 + 64 + 8192 + 64,
			},
		},
		{name: "not power of two", a: 5000, wantErr: true},
		{name: "below minimum", b: 1024, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CalculateSegmentLayout(tt.a, tt.b, tt.data)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got layout %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("layout = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestCreateAndOpenSegment(t *testing.T) {
	seg := createTestSegment(t, "open", SegmentOptions{RingACapacity: 4096, DataSize: 1024, Mailbox: 3})

	if !seg.H.OwnerReady() {
		t.Fatal("owner should be ready after create")
	}
	if seg.H.OwnerPID() != uint32(os.Getpid()) {
		t.Errorf("owner pid = %d, want %d", seg.H.OwnerPID(), os.Getpid())
	}
	if seg.A == nil || seg.B != nil {
		t.Fatalf("expected ring A only, got A=%v B=%v", seg.A, seg.B)
	}
	if seg.Size() != 1024 {
		t.Errorf("data size = %d, want 1024", seg.Size())
	}

	opened, err := OpenSegment(seg.Name)
	if err != nil {
		t.Fatalf("OpenSegment failed: %v", err)
	}
	defer opened.Close()

	if opened.H.Mailbox() != 3 {
		t.Errorf("mailbox = %d, want 3", opened.H.Mailbox())
	}
	if opened.A == nil || opened.A.Capacity() != 4096 {
		t.Fatal("opened segment should see ring A with capacity 4096")
	}

	// Writes through one mapping are visible through the other.
	if err := xfer.StoreWord(seg, 16, 0xabcd); err != nil {
		t.Fatalf("StoreWord failed: %v", err)
	}
	v, err := xfer.LoadWord(opened, 16)
	if err != nil {
		t.Fatalf("LoadWord failed: %v", err)
	}
	if v != 0xabcd {
		t.Errorf("word = %#x, want 0xabcd", v)
	}
}

func TestCreateSegmentAlreadyExists(t *testing.T) {
	seg := createTestSegment(t, "dup", SegmentOptions{DataSize: 64})
	if _, err := CreateSegment(seg.Name, SegmentOptions{DataSize: 64}); err == nil {
		t.Fatal("expected error creating a segment twice")
	}
}

func TestOpenSegmentNotExists(t *testing.T) {
	_, err := OpenSegment(uniqueName(t, "missing"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}
}

func TestSegmentUtilities(t *testing.T) {
	name := uniqueName(t, "util")
	seg, err := CreateSegment(name, SegmentOptions{DataSize: 64})
	if err != nil {
		t.Fatalf("CreateSegment failed: %v", err)
	}
	if !SegmentExists(name) {
		t.Error("segment should exist after create")
	}
	if err := seg.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if err := RemoveSegment(name); err != nil {
		t.Errorf("RemoveSegment failed: %v", err)
	}
	if SegmentExists(name) {
		t.Error("segment should not exist after remove")
	}
	if !errors.Is(RemoveSegment(name), os.ErrNotExist) {
		t.Error("second remove should report ErrNotExist")
	}
}

func TestSegmentRegionBounds(t *testing.T) {
	seg := createTestSegment(t, "bounds", SegmentOptions{DataSize: 128})

	if _, err := seg.Bytes(120, 8); err != nil {
		t.Fatalf("in-range Bytes failed: %v", err)
	}
	if _, err := seg.Bytes(121, 8); !errors.Is(err, xfer.ErrOutOfRange) {
		t.Errorf("expected ErrOutOfRange, got %v", err)
	}
}

func TestSegmentWaitWord(t *testing.T) {
	seg := createTestSegment(t, "wait", SegmentOptions{DataSize: 64})
	peer, err := OpenSegment(seg.Name)
	if err != nil {
		t.Fatalf("OpenSegment failed: %v", err)
	}
	defer peer.Close()

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for {
			v, err := xfer.LoadWord(seg, 8)
			if err != nil || v == 1 {
				done <- err
				return
			}
			if err := seg.WaitWord(ctx, 8, v); err != nil {
				done <- err
				return
			}
		}
	}()

	time.Sleep(20 * time.Millisecond)
	// Store through the other mapping; the futex is shared.
	if err := xfer.StoreWord(peer, 8, 1); err != nil {
		t.Fatalf("StoreWord failed: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("waiter failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("waiter was not woken")
	}
}

func TestSegmentWaitWordDeadline(t *testing.T) {
	seg := createTestSegment(t, "deadline", SegmentOptions{DataSize: 64})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	for {
		err := seg.WaitWord(ctx, 0, 0)
		if err != nil {
			if !errors.Is(err, context.DeadlineExceeded) {
				t.Fatalf("expected DeadlineExceeded, got %v", err)
			}
			break
		}
	}
	if time.Since(start) > 2*time.Second {
		t.Error("deadline was not honoured")
	}
}

func TestPeerAccounting(t *testing.T) {
	seg := createTestSegment(t, "peers", SegmentOptions{DataSize: 64})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := seg.WaitForPeer(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected timeout without peers, got %v", err)
	}

	peer, err := OpenSegment(seg.Name)
	if err != nil {
		t.Fatalf("OpenSegment failed: %v", err)
	}
	defer peer.Close()

	if err := peer.WaitForOwner(context.Background()); err != nil {
		t.Fatalf("WaitForOwner failed: %v", err)
	}
	peer.H.attachPeer()

	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	if err := seg.WaitForPeer(ctx2); err != nil {
		t.Fatalf("WaitForPeer failed: %v", err)
	}
	if seg.H.Peers() != 1 {
		t.Errorf("peers = %d, want 1", seg.H.Peers())
	}
	peer.H.detachPeer()
	peer.H.detachPeer()
	if seg.H.Peers() != 0 {
		t.Errorf("peers = %d, want 0", seg.H.Peers())
	}
}

func TestFutexBasic(t *testing.T) {
	var addr uint32 = 42

	if _, err := futexWake(&addr, 1); err != nil {
		t.Fatalf("futexWake failed: %v", err)
	}
	// Wrong value returns immediately.
	if err := futexWait(&addr, 100); err != nil {
		t.Errorf("futexWait with wrong value failed: %v", err)
	}
}

func TestFutexWaitWake(t *testing.T) {
	var addr uint32
	done := make(chan error, 1)

	go func() {
		for atomic.LoadUint32(&addr) == 0 {
			if err := futexWait(&addr, 0); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	time.Sleep(10 * time.Millisecond)
	atomic.StoreUint32(&addr, 1)
	if _, err := futexWake(&addr, 1); err != nil {
		t.Fatalf("futexWake failed: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("futexWait failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("futexWait did not return")
	}
}

func TestFutexTimeout(t *testing.T) {
	var addr uint32
	start := time.Now()
	err := futexWaitTimeout(&addr, 0, int64(20*time.Millisecond))
	if !errors.Is(err, ErrFutexTimeout) {
		t.Fatalf("expected ErrFutexTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 15*time.Millisecond {
		t.Errorf("returned after %v, before the timeout", elapsed)
	}
}
