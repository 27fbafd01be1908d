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
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

func init() {
	unmapMemory = munmapImpl
}

// CreateSegment creates and maps a new segment owned by this process.
func CreateSegment(name string, opts SegmentOptions) (*Segment, error) {
	path := generateSegmentPath(name)

	layout, err := CalculateSegmentLayout(opts.RingACapacity, opts.RingBCapacity, opts.DataSize)
	if err != nil {
		return nil, fmt.Errorf("layout calculation failed: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to create segment file %s: %w", path, err)
	}

	cleanup := func() {
		file.Close()
		os.Remove(path)
	}

	if err := file.Truncate(int64(layout.TotalSize)); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to resize segment file: %w", err)
	}

	mem, err := mmapFile(file, int(layout.TotalSize))
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to mmap segment: %w", err)
	}

	seg := newSegment(file, mem, path, name)
	h := seg.H
	copy(h.magic[:], SegmentMagic)
	atomic.StoreUint32(&h.version, SegmentVersion)
	atomic.StoreUint64(&h.totalSize, layout.TotalSize)
	atomic.StoreUint64(&h.ringAOff, layout.RingAOffset)
	atomic.StoreUint64(&h.ringACap, opts.RingACapacity)
	atomic.StoreUint64(&h.ringBOff, layout.RingBOffset)
	atomic.StoreUint64(&h.ringBCap, opts.RingBCapacity)
	atomic.StoreUint64(&h.dataOff, layout.DataOffset)
	atomic.StoreUint64(&h.dataSize, opts.DataSize)
	atomic.StoreUint32(&h.mailbox, uint32(opts.Mailbox))
	atomic.StoreUint32(&h.ownerPID, uint32(os.Getpid()))

	seg.attachRings()
	if seg.A != nil {
		seg.A.init(opts.RingACapacity)
	}
	if seg.B != nil {
		seg.B.init(opts.RingBCapacity)
	}

	// Ready is published last so an opener never sees a half built header.
	atomic.StoreUint32(&h.ownerReady, 1)
	futexWake(&h.ownerReady, 1<<30)
	return seg, nil
}

// OpenSegment maps an existing segment created by another endpoint.
func OpenSegment(name string) (*Segment, error) {
	path, err := findSegmentPath(name)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open segment file %s: %w", path, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat segment file: %w", err)
	}

	size := info.Size()
	if size < SegmentHeaderSize {
		file.Close()
		return nil, fmt.Errorf("segment file too small: %d bytes", size)
	}

	mem, err := mmapFile(file, int(size))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to mmap segment: %w", err)
	}

	seg := newSegment(file, mem, path, name)
	if err := ValidateSegmentHeader(seg.H, uint64(size)); err != nil {
		munmapImpl(mem)
		file.Close()
		return nil, fmt.Errorf("invalid segment header: %w", err)
	}
	seg.attachRings()
	return seg, nil
}

// generateSegmentPath generates the file path for a shared memory segment
func generateSegmentPath(name string) string {
	if isDevShmAvailable() {
		return filepath.Join("/dev/shm", segmentFilePrefix+name)
	}
	return filepath.Join(os.TempDir(), segmentFilePrefix+name)
}

func findSegmentPath(name string) (string, error) {
	for _, p := range segmentPaths(name) {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("segment %q: %w", name, os.ErrNotExist)
}

// isDevShmAvailable checks if /dev/shm is available
func isDevShmAvailable() bool {
	info, err := os.Stat("/dev/shm")
	if err != nil {
		return false
	}
	return info.IsDir()
}

// mmapFile memory maps a file
func mmapFile(file *os.File, size int) ([]byte, error) {
	data, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap failed: %w", err)
	}
	return data, nil
}

// munmapImpl unmaps a memory-mapped region
func munmapImpl(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := unix.Munmap(data); err != nil {
		return fmt.Errorf("munmap failed: %w", err)
	}
	return nil
}
