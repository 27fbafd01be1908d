// Package datagram implements the reliable frame layer over an unreliable
// datagram socket. Transactions are split into messages, packed into
// sequenced frames, acknowledged in runs and resent on timeout. A
// transaction's flag word is written only after every one of its messages
// has been applied at the receiver.
package datagram

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sdrflow/dataplane/internal/endpoint"
	"github.com/sdrflow/dataplane/internal/logging"
	"github.com/sdrflow/dataplane/internal/metrics"
	"github.com/sdrflow/dataplane/internal/transport/xfer"
)

// receiveBufferSize holds the largest datagram any socket produces.
const receiveBufferSize = 64 << 10

// Endpoint is a local region served over a Socket. Remote writes land in
// the region as frames arrive.
type Endpoint struct {
	protocol string
	info     endpoint.Endpoint
	region   *xfer.MemRegion
	sock     Socket
	opts     Options
	log      *logging.Logger
	metrics  *metrics.Metrics

	cancel    context.CancelFunc
	g         *errgroup.Group
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error

	mu    sync.Mutex
	peers map[uint16]*peer
}

// NewEndpoint starts serving info over sock. The endpoint owns sock from
// here on and closes it on Close.
func NewEndpoint(protocol string, info endpoint.Endpoint, sock Socket, opts Options, log *logging.Logger, m *metrics.Metrics) *Endpoint {
	info.Local = true
	e := &Endpoint{
		protocol: protocol,
		info:     info,
		region:   xfer.NewMemRegion(info.Size),
		sock:     sock,
		opts:     opts.withDefaults(),
		log:      logging.OrNop(log).Named(protocol).With(zap.Uint16("mailbox", info.MailBox)),
		metrics:  m,
		peers:    make(map[uint16]*peer),
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	g, ctx := errgroup.WithContext(ctx)
	e.g = g
	g.Go(func() error { return e.receiveLoop(ctx) })
	g.Go(func() error { return e.monitorLoop(ctx) })

	e.log.Debug("endpoint started", zap.String("address", info.Address), zap.Int("max_payload", sock.MaxPayloadSize()))
	return e
}

func (e *Endpoint) Info() endpoint.Endpoint { return e.info }

func (e *Endpoint) Region() xfer.Region { return e.region }

// Connect returns services that write into remote's region. Connecting to
// the endpoint's own mailbox loops frames back through the socket.
func (e *Endpoint) Connect(remote endpoint.Endpoint) (xfer.Services, error) {
	if remote.Protocol != e.protocol {
		return nil, fmt.Errorf("%w: %s cannot reach %s", xfer.ErrUnsupported, e.protocol, remote)
	}
	if e.closed.Load() {
		return nil, xfer.ErrClosed
	}
	p := e.peer(remote.MailBox, "")
	p.setRemote(remote)
	return &services{p: p}, nil
}

func (e *Endpoint) peer(mailbox uint16, addr string) *peer {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.peers[mailbox]
	if !ok {
		p = newPeer(e, mailbox, addr)
		e.peers[mailbox] = p
	}
	return p
}

func (e *Endpoint) snapshot() []*peer {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*peer, 0, len(e.peers))
	for _, p := range e.peers {
		out = append(out, p)
	}
	return out
}

func (e *Endpoint) removePeer(mailbox uint16, p *peer) {
	e.mu.Lock()
	if e.peers[mailbox] == p {
		delete(e.peers, mailbox)
	}
	e.mu.Unlock()
	p.shutdown(ErrPeerGone)
	e.log.Info("peer disconnected", zap.Uint16("peer", mailbox))
}

func (e *Endpoint) receiveLoop(ctx context.Context) error {
	buf := make([]byte, receiveBufferSize)
	for ctx.Err() == nil {
		n, from, err := e.sock.Receive(buf, e.opts.ReceiveTimeout)
		if err != nil {
			if e.closed.Load() {
				return nil
			}
			return fmt.Errorf("datagram: receive: %w", err)
		}
		if n == 0 {
			continue
		}
		e.dispatch(buf[:n], from)
	}
	return nil
}

func (e *Endpoint) dispatch(b []byte, from string) {
	hdr, err := decodeFrameHeader(b)
	if err != nil {
		e.log.Debug("dropping runt datagram", zap.Int("len", len(b)), zap.String("from", from))
		return
	}
	if hdr.DestID != e.info.MailBox {
		e.log.Debug("dropping frame for another mailbox", zap.Uint16("dest", hdr.DestID))
		return
	}
	p := e.peer(hdr.SrcID, from)
	p.learnAddr(from)
	if p.processFrame(hdr, b) {
		e.removePeer(hdr.SrcID, p)
		return
	}
	p.sendAcks(time.Now(), e.opts.AckFlushInterval)
}

func (e *Endpoint) monitorLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.opts.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			for _, p := range e.snapshot() {
				p.checkAcks(now)
				p.sendAcks(now, e.opts.AckFlushInterval)
			}
		}
	}
}

// Close announces the disconnect to known peers, stops the goroutines and
// closes the socket. Pending transactions fail with xfer.ErrClosed.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		peers := e.snapshot()
		for _, p := range peers {
			p.sendDisconnect()
		}
		e.cancel()
		e.closeErr = e.sock.Close()
		if err := e.g.Wait(); err != nil && e.closeErr == nil {
			e.closeErr = err
		}
		for _, p := range peers {
			p.shutdown(xfer.ErrClosed)
		}
		e.log.Debug("endpoint closed")
	})
	return e.closeErr
}
