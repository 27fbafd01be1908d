package shm

import "errors"

var (
	// ErrFutexTimeout is returned by futexWaitTimeout when the wait times out.
	ErrFutexTimeout = errors.New("futex timeout")
	// ErrUnsupported is returned on platforms without shared futexes.
	ErrUnsupported = errors.New("shared memory segments not supported on this platform")
)
