package dataplane

import (
	"errors"
	"fmt"
)

// Configuration errors. They are returned wrapped in a *ConfigError.
var (
	ErrInvalidBufferCount = errors.New("dataplane: invalid buffer count")
	ErrInvalidBufferSize  = errors.New("dataplane: invalid buffer size")
	ErrPortIDRange        = errors.New("dataplane: port id out of range")
	ErrPortCountMismatch  = errors.New("dataplane: port count mismatch")
)

// Protocol errors.
var (
	ErrNotConnected     = errors.New("dataplane: port not connected")
	ErrWorkerStarted    = errors.New("dataplane: worker started")
	ErrAlreadyConnected = errors.New("dataplane: port already connected")
	ErrBufferNotOwned   = errors.New("dataplane: buffer not owned by caller")
	ErrBufferOverrun    = errors.New("dataplane: length exceeds buffer size")
)

// ErrOutOfMemory is returned when an endpoint region or the template map
// cannot hold what a port or circuit needs.
var ErrOutOfMemory = errors.New("dataplane: out of memory")

// ErrUnsupported is returned by every operation of a controller built for
// a topology no transfer pattern serves.
var ErrUnsupported = errors.New("dataplane: unsupported transfer topology")

// ConfigError reports a port or circuit that can never work as declared.
type ConfigError struct {
	Port string
	Err  error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %v", e.Port, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// TransferError reports a failed driver operation. The circuit keeps
// returning it until it is disconnected.
type TransferError struct {
	Op  string
	Err error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("dataplane: %s: %v", e.Op, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }
