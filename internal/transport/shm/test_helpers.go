/*
 * Copyright 2024 gRPC authors.
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
 */

package shm

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

// uniqueName returns a segment-safe name unique to this test run.
func uniqueName(t *testing.T, baseName string) string {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	return fmt.Sprintf("%s-%s-%d", baseName, name, time.Now().UnixNano())
}

// createTestSegment creates a test segment with a unique name and proper cleanup.
// It automatically registers cleanup with t.Cleanup() to ensure the segment is
// always cleaned up even if the test fails or panics.
func createTestSegment(t *testing.T, baseName string, opts SegmentOptions) *Segment {
	t.Helper()

	segName := uniqueName(t, baseName)
	RemoveSegment(segName)

	seg, err := CreateSegment(segName, opts)
	if err != nil {
		t.Fatalf("Failed to create test segment %s: %v", segName, err)
	}

	t.Cleanup(func() {
		seg.Close()
		RemoveSegment(segName)
	})

	return seg
}

// createTestRing returns a ring over ring A of a fresh segment.
func createTestRing(t *testing.T, capacity uint64) *ShmRing {
	t.Helper()
	seg := createTestSegment(t, "ring", SegmentOptions{RingACapacity: capacity})
	return NewShmRingFromSegment(seg.A, seg.Mem)
}
