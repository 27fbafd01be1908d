// Package xfer defines the transfer driver contract used by the data plane:
// regions that hold buffers, prebuilt copy requests between two regions, and
// the drivers that create them for a protocol.
package xfer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/sdrflow/dataplane/internal/endpoint"
)

var (
	// ErrUnsupported is returned for operations a driver cannot perform.
	ErrUnsupported = errors.New("xfer: operation not supported")
	// ErrOutOfRange is returned when an offset falls outside a region.
	ErrOutOfRange = errors.New("xfer: offset out of range")
	// ErrClosed is returned by services or endpoints after Close.
	ErrClosed = errors.New("xfer: closed")
	// ErrNoDriver is returned when no driver serves a protocol.
	ErrNoDriver = errors.New("xfer: no driver for protocol")
)

// Status is the state of the most recent Post of a Request.
type Status int

const (
	// StatusComplete means nothing is outstanding. A request that was never
	// posted is complete.
	StatusComplete Status = iota
	StatusPending
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusComplete:
		return "complete"
	case StatusPending:
		return "pending"
	case StatusError:
		return "error"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// Copy describes one region-to-region move. A flag copy moves a single
// word and is applied only after every data copy of the same request has
// landed.
type Copy struct {
	SrcOffset uint64
	DstOffset uint64
	Length    uint64
	Flag      bool
}

// Request is a reusable, prebuilt set of copies bound to one Services.
type Request interface {
	// Post starts the copies. Flag values are read when Post is called.
	Post() error
	Status() Status
	// Err returns the failure behind StatusError.
	Err() error
	// Modify replaces the source offsets of the copies, in order, and
	// returns the previous ones.
	Modify(srcOffsets []uint64) ([]uint64, error)
}

// Services moves bytes from one endpoint's region to another's.
type Services interface {
	CreateRequest(copies ...Copy) (Request, error)
	Close() error
}

// Endpoint is the local side of a driver: it owns a region and opens
// services toward remote endpoints.
type Endpoint interface {
	Info() endpoint.Endpoint
	Region() Region
	// Connect returns services that copy from the local region into the
	// remote one.
	Connect(remote endpoint.Endpoint) (Services, error)
	Close() error
}

// Puller is implemented by endpoints that can copy from a remote region
// into the local one.
type Puller interface {
	Pull(remote endpoint.Endpoint) (Services, error)
}

// Driver creates endpoints for one protocol.
type Driver interface {
	Protocol() string
	NewEndpoint(ctx context.Context, ep endpoint.Endpoint) (Endpoint, error)
}

// SplitCopies separates data copies from the optional trailing flag copy.
func SplitCopies(copies []Copy) (data []Copy, flag *Copy, err error) {
	for i := range copies {
		c := copies[i]
		if !c.Flag {
			data = append(data, c)
			continue
		}
		if flag != nil {
			return nil, nil, fmt.Errorf("%w: more than one flag copy", ErrUnsupported)
		}
		if c.Length != WordSize {
			return nil, nil, fmt.Errorf("%w: flag copy of %d bytes", ErrUnsupported, c.Length)
		}
		flag = &c
	}
	return data, flag, nil
}

// ModifySources rewrites the source offsets of copies in place.
func ModifySources(copies []Copy, src []uint64) ([]uint64, error) {
	if len(src) > len(copies) {
		return nil, fmt.Errorf("%w: %d offsets for %d copies", ErrOutOfRange, len(src), len(copies))
	}
	old := make([]uint64, len(src))
	for i, off := range src {
		old[i] = copies[i].SrcOffset
		copies[i].SrcOffset = off
	}
	return old, nil
}

// Registry maps protocols to drivers. One registry is created per process
// context and handed to every transport that needs drivers.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]Driver
}

// NewRegistry returns a registry holding the given drivers.
func NewRegistry(drivers ...Driver) (*Registry, error) {
	r := &Registry{drivers: make(map[string]Driver)}
	for _, d := range drivers {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a driver. Protocols must be unique.
func (r *Registry) Register(d Driver) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.drivers[d.Protocol()]; ok {
		return fmt.Errorf("xfer: protocol %q already registered", d.Protocol())
	}
	r.drivers[d.Protocol()] = d
	return nil
}

// Driver returns the driver for protocol.
func (r *Registry) Driver(protocol string) (Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[protocol]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoDriver, protocol)
	}
	return d, nil
}

// NewEndpoint creates a local endpoint with the driver for ep.Protocol.
func (r *Registry) NewEndpoint(ctx context.Context, ep endpoint.Endpoint) (Endpoint, error) {
	d, err := r.Driver(ep.Protocol)
	if err != nil {
		return nil, err
	}
	return d.NewEndpoint(ctx, ep)
}

// Protocols lists registered protocols in sorted order.
func (r *Registry) Protocols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.drivers))
	for p := range r.drivers {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
