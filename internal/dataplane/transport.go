// Package dataplane moves fixed-size buffers between the output and input
// ports of workers. Ports live in endpoint regions served by the transfer
// drivers; a circuit binds output ports to input ports and a controller,
// chosen by the circuit's topology, decides when each buffer may move.
package dataplane

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/sdrflow/dataplane/internal/config"
	"github.com/sdrflow/dataplane/internal/endpoint"
	"github.com/sdrflow/dataplane/internal/logging"
	"github.com/sdrflow/dataplane/internal/metrics"
	"github.com/sdrflow/dataplane/internal/transport/datagram"
	"github.com/sdrflow/dataplane/internal/transport/shm"
	"github.com/sdrflow/dataplane/internal/transport/udp"
	"github.com/sdrflow/dataplane/internal/transport/xfer"
)

// Option configures a Transport.
type Option func(*Transport)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *logging.Logger) Option {
	return func(t *Transport) { t.log = l }
}

// WithMetrics sets the collectors. The default registers a fresh set on a
// private registry.
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Transport) { t.metrics = m }
}

// WithDrivers replaces the default drivers.
func WithDrivers(drivers ...xfer.Driver) Option {
	return func(t *Transport) { t.driverList = drivers }
}

// DefaultDrivers returns one driver per supported protocol, configured
// from cfg.
func DefaultDrivers(cfg *config.Config, log *logging.Logger, m *metrics.Metrics) []xfer.Driver {
	dg := datagram.OptionsFromConfig(cfg.Datagram)
	return []xfer.Driver{
		xfer.NewLocalDriver(),
		shm.NewDriver(log),
		datagram.NewUDPDriver(dg, log, m),
		datagram.NewShmDriver(dg, log, m),
		udp.NewDriver(udp.OptionsFromConfig(cfg), log, m),
	}
}

// Transport is the per-process data plane context: configuration, the
// driver registry and the local endpoints that ports are carved from.
type Transport struct {
	cfg        *config.Config
	log        *logging.Logger
	metrics    *metrics.Metrics
	driverList []xfer.Driver
	drivers    *xfer.Registry

	mu         sync.Mutex
	endpoints  map[string]*localEndpoint
	ports      []*Port
	nextCookie uint64
	closed     bool
}

// New returns a Transport. A nil cfg uses the defaults.
func New(cfg *config.Config, opts ...Option) (*Transport, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t := &Transport{cfg: cfg, endpoints: make(map[string]*localEndpoint)}
	for _, o := range opts {
		o(t)
	}
	t.log = logging.OrNop(t.log).Named("dataplane")
	if t.metrics == nil {
		t.metrics = metrics.New(prometheus.NewRegistry())
	}
	if t.driverList == nil {
		t.driverList = DefaultDrivers(cfg, t.log, t.metrics)
	}
	reg, err := xfer.NewRegistry(t.driverList...)
	if err != nil {
		return nil, err
	}
	t.drivers = reg
	return t, nil
}

func (t *Transport) Config() *config.Config    { return t.cfg }
func (t *Transport) Logger() *logging.Logger   { return t.log }
func (t *Transport) Metrics() *metrics.Metrics { return t.metrics }

// Protocols lists the protocols ports can be created on.
func (t *Transport) Protocols() []string { return t.drivers.Protocols() }

func (t *Transport) defaultAddress(protocol string) string {
	switch protocol {
	case datagram.UDPProtocol, udp.Protocol:
		return endpoint.JoinHostPort(t.cfg.Transfer.IPAddr, t.cfg.Transfer.Port)
	default:
		return "dp-" + uuid.NewString()
	}
}

// Endpoint returns the local endpoint for protocol, creating it on first
// use with the configured size and mailbox.
func (t *Transport) Endpoint(ctx context.Context, protocol string) (endpoint.Endpoint, error) {
	e, err := t.endpoint(ctx, protocol)
	if err != nil {
		return endpoint.Endpoint{}, err
	}
	return e.Info(), nil
}

func (t *Transport) endpoint(ctx context.Context, protocol string) (*localEndpoint, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, xfer.ErrClosed
	}
	if e, ok := t.endpoints[protocol]; ok {
		return e, nil
	}
	ep, err := t.drivers.NewEndpoint(ctx, endpoint.Endpoint{
		Protocol: protocol,
		Address:  t.defaultAddress(protocol),
		Size:     t.cfg.Transfer.SmemSize,
		MailBox:  t.cfg.Transfer.Mailbox,
		MaxCount: t.cfg.Transfer.MaxMailboxes,
	})
	if err != nil {
		return nil, err
	}
	e := newLocalEndpoint(ep)
	t.endpoints[protocol] = e
	t.log.Info("endpoint ready", zap.Stringer("endpoint", ep.Info()))
	return e, nil
}

// CreateOutputPort allocates an output port of count buffers of size
// bytes. Zero count or size selects the configured default.
func (t *Transport) CreateOutputPort(ctx context.Context, ordinal, count int, size uint32, opts PortOptions) (*Port, error) {
	return t.createPort(ctx, Output, ordinal, count, size, opts)
}

// CreateInputPort allocates an input port, like CreateOutputPort.
func (t *Transport) CreateInputPort(ctx context.Context, ordinal, count int, size uint32, opts PortOptions) (*Port, error) {
	return t.createPort(ctx, Input, ordinal, count, size, opts)
}

func (t *Transport) createPort(ctx context.Context, dir Direction, ordinal, count int, size uint32, opts PortOptions) (*Port, error) {
	name := fmt.Sprintf("%s port %d", dir, ordinal)
	if count == 0 {
		count = t.cfg.Buffers.DefaultCount
	}
	if size == 0 {
		size = t.cfg.Buffers.DefaultSize
	}
	if ordinal < 0 || ordinal >= MaxPortContributors {
		return nil, &ConfigError{Port: name, Err: fmt.Errorf("%w: %d not below %d", ErrPortIDRange, ordinal, MaxPortContributors)}
	}
	if count <= 0 || count > MaxBuffers {
		return nil, &ConfigError{Port: name, Err: fmt.Errorf("%w: %d not in [1,%d]", ErrInvalidBufferCount, count, MaxBuffers)}
	}
	if size == 0 {
		return nil, &ConfigError{Port: name, Err: ErrInvalidBufferSize}
	}
	if opts.Protocol == "" {
		opts.Protocol = xfer.LocalProtocol
	}

	e, err := t.endpoint(ctx, opts.Protocol)
	if err != nil {
		return nil, err
	}
	layout := newPortLayout(count, size)
	base, err := e.alloc.alloc(layout.length())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	t.mu.Lock()
	t.nextCookie++
	cookie := t.nextCookie
	t.mu.Unlock()

	p := &Port{
		t:       t,
		dir:     dir,
		ordinal: ordinal,
		opts:    opts,
		ep:      e,
		layout:  layout.at(base),
		cookie:  cookie,
		size:    size,
		peers:   make(map[peerKey]*peer),
		words:   make(map[peerKey]wordRange),
	}
	p.buffers = make([]*Buffer, count)
	for tid := range p.buffers {
		p.buffers[tid] = newBuffer(p, tid)
	}
	p.setWord(p.layout.fullConst(), FullValue)
	p.setWord(p.layout.emptyConst(), EmptyValue)
	p.reset()

	t.mu.Lock()
	t.ports = append(t.ports, p)
	t.mu.Unlock()
	t.log.Debug("port created",
		zap.Stringer("port", p),
		zap.Int("buffers", count),
		zap.Uint32("size", size),
		zap.Uint64("base", base),
		zap.String("protocol", opts.Protocol))
	return p, nil
}

// Close tears down every circuit of the transport's ports without waiting
// for transfers, then closes the endpoints.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	ports := t.ports
	eps := t.endpoints
	t.mu.Unlock()

	for _, p := range ports {
		if c := p.Circuit(); c != nil {
			c.teardown()
		}
	}
	var errs []error
	for _, e := range eps {
		errs = append(errs, e.close())
	}
	return errors.Join(errs...)
}

// localEndpoint is a driver endpoint plus the allocator for its region and
// the services opened from it, one per remote endpoint.
type localEndpoint struct {
	xfer.Endpoint
	alloc *allocator

	mu    sync.Mutex
	push  map[string]xfer.Services
	pulls map[string]xfer.Services
}

func newLocalEndpoint(ep xfer.Endpoint) *localEndpoint {
	return &localEndpoint{
		Endpoint: ep,
		alloc:    newAllocator(ep.Region().Size()),
		push:     make(map[string]xfer.Services),
		pulls:    make(map[string]xfer.Services),
	}
}

func (e *localEndpoint) canPull() bool {
	_, ok := e.Endpoint.(xfer.Puller)
	return ok
}

func (e *localEndpoint) connect(remote endpoint.Endpoint) (xfer.Services, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := remote.String()
	if s, ok := e.push[key]; ok {
		return s, nil
	}
	s, err := e.Endpoint.Connect(remote)
	if err != nil {
		return nil, err
	}
	e.push[key] = s
	return s, nil
}

func (e *localEndpoint) pull(remote endpoint.Endpoint) (xfer.Services, error) {
	p, ok := e.Endpoint.(xfer.Puller)
	if !ok {
		return nil, fmt.Errorf("%w: %s cannot pull", ErrUnsupported, e.Info().Protocol)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	key := remote.String()
	if s, ok := e.pulls[key]; ok {
		return s, nil
	}
	s, err := p.Pull(remote)
	if err != nil {
		return nil, err
	}
	e.pulls[key] = s
	return s, nil
}

func (e *localEndpoint) close() error {
	e.mu.Lock()
	var errs []error
	for _, s := range e.push {
		errs = append(errs, s.Close())
	}
	for _, s := range e.pulls {
		errs = append(errs, s.Close())
	}
	clear(e.push)
	clear(e.pulls)
	e.mu.Unlock()
	errs = append(errs, e.Endpoint.Close())
	return errors.Join(errs...)
}
