package xfer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sdrflow/dataplane/internal/endpoint"
)

// LocalProtocol is the protocol name of the in-process driver.
const LocalProtocol = "local"

// CopyServices moves bytes between two regions mapped into this process.
// Requests complete synchronously inside Post.
type CopyServices struct {
	src, dst Region
	closed   atomic.Bool
}

// NewCopyServices returns services copying from src into dst.
func NewCopyServices(src, dst Region) *CopyServices {
	return &CopyServices{src: src, dst: dst}
}

// CreateRequest validates the copies against both regions.
func (s *CopyServices) CreateRequest(copies ...Copy) (Request, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	if _, _, err := SplitCopies(copies); err != nil {
		return nil, err
	}
	for _, c := range copies {
		if err := s.check(c); err != nil {
			return nil, err
		}
	}
	return &copyRequest{s: s, copies: append([]Copy(nil), copies...)}, nil
}

func (s *CopyServices) check(c Copy) error {
	if err := checkRange(s.src.Size(), c.SrcOffset, c.Length); err != nil {
		return fmt.Errorf("source: %w", err)
	}
	if err := checkRange(s.dst.Size(), c.DstOffset, c.Length); err != nil {
		return fmt.Errorf("destination: %w", err)
	}
	return nil
}

// Close rejects further posts.
func (s *CopyServices) Close() error {
	s.closed.Store(true)
	return nil
}

type copyRequest struct {
	s *CopyServices

	mu     sync.Mutex
	copies []Copy
	status Status
	err    error
}

func (r *copyRequest) Post() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.s.closed.Load() {
		return ErrClosed
	}
	if err := r.run(); err != nil {
		r.status, r.err = StatusError, err
		return err
	}
	r.status, r.err = StatusComplete, nil
	return nil
}

func (r *copyRequest) run() error {
	data, flag, _ := SplitCopies(r.copies)
	for _, c := range data {
		src, err := r.s.src.Bytes(c.SrcOffset, c.Length)
		if err != nil {
			return err
		}
		dst, err := r.s.dst.Bytes(c.DstOffset, c.Length)
		if err != nil {
			return err
		}
		copy(dst, src)
	}
	if flag == nil {
		return nil
	}
	v, err := LoadWord(r.s.src, flag.SrcOffset)
	if err != nil {
		return err
	}
	return StoreWord(r.s.dst, flag.DstOffset, v)
}

func (r *copyRequest) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *copyRequest) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *copyRequest) Modify(src []uint64) ([]uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := append([]Copy(nil), r.copies...)
	old, err := ModifySources(next, src)
	if err != nil {
		return nil, err
	}
	for _, c := range next {
		if err := r.s.check(c); err != nil {
			return nil, err
		}
	}
	r.copies = next
	return old, nil
}

// LocalDriver serves endpoints whose regions live on this process's heap.
// Endpoints find each other by address through the driver.
type LocalDriver struct {
	mu        sync.Mutex
	endpoints map[string]*localEndpoint
}

// NewLocalDriver returns an empty in-process driver.
func NewLocalDriver() *LocalDriver {
	return &LocalDriver{endpoints: make(map[string]*localEndpoint)}
}

func (d *LocalDriver) Protocol() string { return LocalProtocol }

// NewEndpoint allocates a region of ep.Size bytes under ep.Address.
func (d *LocalDriver) NewEndpoint(_ context.Context, ep endpoint.Endpoint) (Endpoint, error) {
	if ep.Size == 0 {
		return nil, fmt.Errorf("xfer: endpoint %s has zero size", ep)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.endpoints[ep.Address]; ok {
		return nil, fmt.Errorf("xfer: local address %q in use", ep.Address)
	}
	ep.Local = true
	e := &localEndpoint{d: d, info: ep, region: NewMemRegion(ep.Size)}
	d.endpoints[ep.Address] = e
	return e, nil
}

func (d *LocalDriver) lookup(ep endpoint.Endpoint) (*localEndpoint, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.endpoints[ep.Address]
	if !ok {
		return nil, fmt.Errorf("xfer: no local endpoint at %q", ep.Address)
	}
	return e, nil
}

type localEndpoint struct {
	d      *LocalDriver
	info   endpoint.Endpoint
	region *MemRegion
}

func (e *localEndpoint) Info() endpoint.Endpoint { return e.info }

func (e *localEndpoint) Region() Region { return e.region }

func (e *localEndpoint) Connect(remote endpoint.Endpoint) (Services, error) {
	r, err := e.d.lookup(remote)
	if err != nil {
		return nil, err
	}
	return NewCopyServices(e.region, r.region), nil
}

func (e *localEndpoint) Pull(remote endpoint.Endpoint) (Services, error) {
	r, err := e.d.lookup(remote)
	if err != nil {
		return nil, err
	}
	return NewCopyServices(r.region, e.region), nil
}

func (e *localEndpoint) Close() error {
	e.d.mu.Lock()
	defer e.d.mu.Unlock()
	if e.d.endpoints[e.info.Address] == e {
		delete(e.d.endpoints, e.info.Address)
	}
	return nil
}
