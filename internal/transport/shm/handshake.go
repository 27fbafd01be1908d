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
	"time"
)

// WaitForPeer blocks the owner until at least one peer has mapped the
// segment.
func (s *Segment) WaitForPeer(ctx context.Context) error {
	return pollUntil(ctx, func() bool { return s.H.Peers() != 0 })
}

// WaitForOwner blocks an opener until the owner finished initialising the
// segment.
func (s *Segment) WaitForOwner(ctx context.Context) error {
	return pollUntil(ctx, s.H.OwnerReady)
}

func pollUntil(ctx context.Context, ready func() bool) error {
	if ready() {
		return nil
	}

	ticker := time.NewTicker(1 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if ready() {
			return nil
		}
	}
}
