//go:build !linux || !(amd64 || arm64)

package shm

import (
	"context"
)

// WaitForPeer is not supported on this platform
func (s *Segment) WaitForPeer(ctx context.Context) error {
	return ErrUnsupported
}

// WaitForOwner is not supported on this platform
func (s *Segment) WaitForOwner(ctx context.Context) error {
	return ErrUnsupported
}
