// Package udp implements the "udp-rdma" driver: remote writes over UDP with
// one acknowledgement per packet. A transfer's flag word is sent only after
// every data packet has been acknowledged, and a drop monitor resends the
// packets of transfers that stop making progress.
package udp

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sdrflow/dataplane/internal/config"
	"github.com/sdrflow/dataplane/internal/endpoint"
	"github.com/sdrflow/dataplane/internal/logging"
	"github.com/sdrflow/dataplane/internal/metrics"
	"github.com/sdrflow/dataplane/internal/transport/datagram"
	"github.com/sdrflow/dataplane/internal/transport/xfer"
)

// Protocol is the endpoint protocol served by this package.
const Protocol = "udp-rdma"

// Options tunes drop detection and resending.
type Options struct {
	DropCheckInterval time.Duration
	// DropCheckLimit is the number of checks without progress before a
	// transfer is considered to have dropped a packet.
	DropCheckLimit int
	// ResendRate caps resent packets per second.
	ResendRate     float64
	MaxResends     int
	ReceiveTimeout time.Duration
}

// OptionsFromConfig collects the settings that apply to this driver.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		DropCheckInterval: cfg.UDP.DropCheckInterval,
		DropCheckLimit:    cfg.UDP.DropCheckLimit,
		ResendRate:        cfg.UDP.ResendRate,
		MaxResends:        cfg.Datagram.MaxResends,
		ReceiveTimeout:    cfg.Datagram.ReceiveTimeout,
	}
}

func (o Options) withDefaults() Options {
	d := OptionsFromConfig(config.Default())
	if o.DropCheckInterval <= 0 {
		o.DropCheckInterval = d.DropCheckInterval
	}
	if o.DropCheckLimit <= 0 {
		o.DropCheckLimit = d.DropCheckLimit
	}
	if o.ResendRate <= 0 {
		o.ResendRate = d.ResendRate
	}
	if o.MaxResends <= 0 {
		o.MaxResends = d.MaxResends
	}
	if o.ReceiveTimeout <= 0 {
		o.ReceiveTimeout = d.ReceiveTimeout
	}
	return o
}

// Endpoint is a local heap region served on a UDP socket.
type Endpoint struct {
	info    endpoint.Endpoint
	region  *xfer.MemRegion
	sock    datagram.Socket
	opts    Options
	limiter *rate.Limiter
	log     *logging.Logger
	metrics *metrics.Metrics
	nextID  atomic.Uint64

	cancel    context.CancelFunc
	g         *errgroup.Group
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error

	mu   sync.Mutex
	reqs map[uint64]*request

	appliedMu sync.Mutex
	applied   map[string]*packetHistory
}

// historySize bounds the per-sender record of applied packets.
const historySize = 1024

type packetID struct {
	cookie uint64
	seq    uint32
}

// packetHistory remembers the last historySize packets applied from one
// sender, oldest evicted first.
type packetHistory struct {
	ring [historySize]packetID
	next int
	full bool
	seen map[packetID]struct{}
}

func (h *packetHistory) add(id packetID) {
	if h.full {
		delete(h.seen, h.ring[h.next])
	}
	h.ring[h.next] = id
	h.seen[id] = struct{}{}
	h.next++
	if h.next == historySize {
		h.next, h.full = 0, true
	}
}

// NewEndpoint serves info over sock, which the endpoint then owns.
func NewEndpoint(info endpoint.Endpoint, sock datagram.Socket, opts Options, log *logging.Logger, m *metrics.Metrics) *Endpoint {
	opts = opts.withDefaults()
	info.Local = true
	e := &Endpoint{
		info:    info,
		region:  xfer.NewMemRegion(info.Size),
		sock:    sock,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Limit(opts.ResendRate), max(1, int(opts.ResendRate/10))),
		log:     logging.OrNop(log).Named("udp").With(zap.String("address", info.Address)),
		metrics: m,
		reqs:    make(map[uint64]*request),
		applied: make(map[string]*packetHistory),
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	g, ctx := errgroup.WithContext(ctx)
	e.g = g
	g.Go(func() error { return e.receiveLoop(ctx) })
	g.Go(func() error { return e.dropMonitor(ctx) })
	return e
}

func (e *Endpoint) Info() endpoint.Endpoint { return e.info }

func (e *Endpoint) Region() xfer.Region { return e.region }

func (e *Endpoint) packetData() int {
	return min(MaxUDPPayloadSize, e.sock.MaxPayloadSize()) - HeaderSize
}

// Connect returns services that write into remote's region.
func (e *Endpoint) Connect(remote endpoint.Endpoint) (xfer.Services, error) {
	if remote.Protocol != Protocol {
		return nil, fmt.Errorf("%w: %s cannot reach %s", xfer.ErrUnsupported, Protocol, remote)
	}
	if e.closed.Load() {
		return nil, xfer.ErrClosed
	}
	return &services{e: e, remote: remote, reqs: make(map[uint64]*request)}, nil
}

func (e *Endpoint) register(r *request) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reqs[r.id] = r
}

func (e *Endpoint) unregister(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.reqs, id)
}

func (e *Endpoint) lookup(id uint64) *request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.reqs[id]
}

func (e *Endpoint) snapshot() []*request {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*request, 0, len(e.reqs))
	for _, r := range e.reqs {
		out = append(out, r)
	}
	return out
}

func (e *Endpoint) receiveLoop(ctx context.Context) error {
	buf := make([]byte, 64<<10)
	for ctx.Err() == nil {
		n, from, err := e.sock.Receive(buf, e.opts.ReceiveTimeout)
		if err != nil {
			if e.closed.Load() {
				return nil
			}
			e.log.Info("receiver exiting", zap.Error(err))
			return fmt.Errorf("udp: receive: %w", err)
		}
		if n > 0 {
			e.handle(buf[:n], from)
		}
	}
	return nil
}

func (e *Endpoint) handle(b []byte, from string) {
	h, err := decodeHeader(b)
	if err != nil {
		e.log.Debug("dropping runt packet", zap.Int("len", len(b)))
		return
	}
	switch h.Type {
	case PacketDMAWrite:
		payload := b[HeaderSize:]
		if int(h.Length) > len(payload) {
			e.log.Debug("dropping truncated packet", zap.Uint32("length", h.Length), zap.Int("have", len(payload)))
			return
		}
		id := packetID{cookie: h.TransactionCookie, seq: h.TransactionSequence}
		if e.wasApplied(from, id) {
			// The ack was lost or the resend crossed it: ack again, write nothing.
			e.metrics.RecordDuplicate(Protocol)
		} else {
			if err := e.write(h.Offset, payload[:h.Length]); err != nil {
				e.log.Error("write outside region", zap.Uint64("offset", h.Offset), zap.Error(err))
				return
			}
			e.markApplied(from, id)
		}
		h.Type = PacketAck
		var ack [HeaderSize]byte
		h.encode(ack[:])
		if err := e.sock.Send(from, ack[:]); err != nil {
			e.log.Debug("ack send failed", zap.String("to", from), zap.Error(err))
		}
	case PacketAck:
		e.ack(h.TransactionCookie, h.TransactionSequence)
	case PacketMultiAck:
		seqs := b[HeaderSize:]
		for i := 0; i+4 <= len(seqs) && i < int(h.Length); i += 4 {
			e.ack(h.TransactionCookie, binary.LittleEndian.Uint32(seqs[i:]))
		}
	default:
		e.log.Debug("ignoring packet", zap.Stringer("type", h.Type))
	}
}

// write applies a remote write. Aligned single words go through StoreWord
// so that flag waiters are woken.
func (e *Endpoint) write(off uint64, p []byte) error {
	if len(p) == xfer.WordSize && off%xfer.WordSize == 0 {
		return xfer.StoreWord(e.region, off, binary.LittleEndian.Uint32(p))
	}
	dst, err := e.region.Bytes(off, uint64(len(p)))
	if err != nil {
		return err
	}
	copy(dst, p)
	return nil
}

func (e *Endpoint) wasApplied(from string, id packetID) bool {
	e.appliedMu.Lock()
	defer e.appliedMu.Unlock()
	h := e.applied[from]
	if h == nil {
		return false
	}
	_, ok := h.seen[id]
	return ok
}

func (e *Endpoint) markApplied(from string, id packetID) {
	e.appliedMu.Lock()
	defer e.appliedMu.Unlock()
	h := e.applied[from]
	if h == nil {
		h = &packetHistory{seen: make(map[packetID]struct{}, historySize)}
		e.applied[from] = h
	}
	h.add(id)
}

func (e *Endpoint) ack(c uint64, seq uint32) {
	id, gen := splitCookie(c)
	if r := e.lookup(id); r != nil {
		r.ack(gen, seq)
	}
}

func (e *Endpoint) dropMonitor(ctx context.Context) error {
	ticker := time.NewTicker(e.opts.DropCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, r := range e.snapshot() {
				r.checkDrops(e.opts.DropCheckLimit, e.opts.MaxResends)
			}
		}
	}
}

// Close stops the receiver and monitor and fails pending transfers.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		e.cancel()
		e.closeErr = e.sock.Close()
		if err := e.g.Wait(); err != nil && e.closeErr == nil {
			e.closeErr = err
		}
		for _, r := range e.snapshot() {
			r.fail(xfer.ErrClosed)
		}
	})
	return e.closeErr
}

// Driver creates "udp-rdma" endpoints.
type Driver struct {
	opts    Options
	log     *logging.Logger
	metrics *metrics.Metrics
}

// NewDriver returns the driver. Endpoint addresses are "<ip>;<port>" and
// port 0 is replaced by the bound port.
func NewDriver(opts Options, log *logging.Logger, m *metrics.Metrics) *Driver {
	return &Driver{opts: opts, log: log, metrics: m}
}

func (d *Driver) Protocol() string { return Protocol }

func (d *Driver) NewEndpoint(_ context.Context, ep endpoint.Endpoint) (xfer.Endpoint, error) {
	if ep.Size == 0 {
		return nil, fmt.Errorf("udp: endpoint %s has zero size", ep)
	}
	sock, err := datagram.ListenUDP(ep.Address)
	if err != nil {
		return nil, err
	}
	ep.Address = sock.Address()
	return NewEndpoint(ep, sock, d.opts, d.log, d.metrics), nil
}
