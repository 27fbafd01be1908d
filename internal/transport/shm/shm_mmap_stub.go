//go:build !linux || !(amd64 || arm64)

package shm

func init() {
	unmapMemory = func([]byte) error { return ErrUnsupported }
}

// CreateSegment is not supported on this platform
func CreateSegment(name string, opts SegmentOptions) (*Segment, error) {
	return nil, ErrUnsupported
}

// OpenSegment is not supported on this platform
func OpenSegment(name string) (*Segment, error) {
	return nil, ErrUnsupported
}
