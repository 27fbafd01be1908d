package dataplane

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sdrflow/dataplane/internal/logging"
	"github.com/sdrflow/dataplane/internal/metrics"
	"github.com/sdrflow/dataplane/internal/transport/xfer"
)

// quiescePoll is how often Disconnect checks for outstanding transfers.
const quiescePoll = time.Millisecond

// Circuit is a connected set of output and input ports and the templates
// that move buffers between them. All methods are safe for concurrent use
// and none of them block, apart from Disconnect.
type Circuit struct {
	id      uuid.UUID
	log     *logging.Logger
	metrics *metrics.Metrics
	topo    Topology
	outs    PortSet
	ins     PortSet
	size    uint32

	mu     sync.Mutex
	ctrl   Controller
	tm     *templateMap
	queue  []*Buffer
	err    error
	closed bool
}

func newCircuit(outs, ins PortSet, topo Topology, size uint32, log *logging.Logger, m *metrics.Metrics) *Circuit {
	id := uuid.New()
	return &Circuit{
		id:      id,
		log:     logging.OrNop(log).Named("circuit").With(zap.String("circuit", id.String())),
		metrics: m,
		topo:    topo,
		outs:    outs,
		ins:     ins,
		size:    size,
		tm:      newTemplateMap(),
	}
}

func (c *Circuit) ID() uuid.UUID      { return c.id }
func (c *Circuit) Topology() Topology { return c.topo }
func (c *Circuit) Outputs() PortSet   { return slices.Clone(c.outs) }
func (c *Circuit) Inputs() PortSet    { return slices.Clone(c.ins) }

// BufferSize is the negotiated size of every buffer in the circuit.
func (c *Circuit) BufferSize() uint32 { return c.size }

// Pattern names the transfer pattern serving the circuit.
func (c *Circuit) Pattern() string { return c.ctrl.Pattern() }

// Templates returns the number of prebuilt transfers.
func (c *Circuit) Templates() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tm.len()
}

// Err returns the transfer failure that stopped the circuit, if any.
func (c *Circuit) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// failLocked records the first transfer failure and returns it.
func (c *Circuit) failLocked(op string, err error) error {
	var te *TransferError
	if !errors.As(err, &te) {
		te = &TransferError{Op: op, Err: err}
	}
	if c.err == nil {
		c.err = te
		c.log.Error("transfer failed", zap.String("op", op), zap.Error(err))
	}
	return te
}

func (c *Circuit) usableLocked() error {
	if c.closed {
		return ErrNotConnected
	}
	return c.err
}

func (c *Circuit) push(from, to *Port) (xfer.Services, error) {
	return from.ep.connect(to.Endpoint())
}

func (c *Circuit) pull(into, from *Port) (xfer.Services, error) {
	return into.ep.pull(from.Endpoint())
}

// GetNextEmptyOutputBuffer claims the next output buffer for writing, or
// returns nil when it is not free yet.
func (c *Circuit) GetNextEmptyOutputBuffer(p *Port) *Buffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.usableLocked() != nil {
		return nil
	}
	if _, err := c.drainLocked(); err != nil {
		return nil
	}
	return c.ctrl.GetNextEmptyOutputBuffer(p)
}

// HasEmptyOutputBuffer also retries queued buffers, so a worker polling it
// keeps its queue moving.
func (c *Circuit) HasEmptyOutputBuffer(p *Port) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.usableLocked() != nil {
		return false
	}
	if _, err := c.drainLocked(); err != nil {
		return false
	}
	return c.ctrl.HasEmptyOutputBuffer(p)
}

func (c *Circuit) HasFullInputBuffer(p *Port) (*Buffer, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.usableLocked() != nil {
		return nil, false
	}
	return c.ctrl.HasFullInputBuffer(p)
}

// GetNextFullInputBuffer claims the next full input buffer for reading,
// or returns nil when none has landed.
func (c *Circuit) GetNextFullInputBuffer(p *Port) *Buffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.usableLocked() != nil {
		return nil
	}
	return c.ctrl.GetNextFullInputBuffer(p)
}

func (c *Circuit) CanProduce(b *Buffer) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usableLocked() == nil && c.ctrl.CanProduce(b)
}

// Produce transfers a filled output buffer now, or queues it when it
// cannot move yet. Queued buffers go out as their targets free up.
func (c *Circuit) Produce(b *Buffer, broadcast bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usableLocked(); err != nil {
		return err
	}
	if b == nil || b.port.Circuit() != c || b.port.dir != Output || b.state != BufferFilled || b.queued {
		return fmt.Errorf("%w: %v", ErrBufferNotOwned, b)
	}
	if c.mayPassLocked(b.port) && c.readyLocked(b, broadcast) {
		if err := c.ctrl.Produce(b, broadcast); err != nil {
			return err
		}
		_, err := c.drainLocked()
		return err
	}
	b.queued, b.broadcast = true, broadcast
	c.queue = append(c.queue, b)
	_, err := c.drainLocked()
	return err
}

// Send is Produce without broadcast.
func (c *Circuit) Send(b *Buffer) error { return c.Produce(b, false) }

// Consume releases an input buffer. It returns a queued output buffer the
// release let through, if any.
func (c *Circuit) Consume(b *Buffer) (*Buffer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrNotConnected
	}
	freed, err := c.ctrl.Consume(b)
	if err != nil {
		return nil, err
	}
	sent, err := c.drainLocked()
	if freed == nil {
		freed = sent
	}
	return freed, err
}

// Flush retries queued buffers and reports how many are still waiting.
func (c *Circuit) Flush() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usableLocked(); err != nil {
		return len(c.queue), err
	}
	for _, p := range c.outs {
		c.ctrl.FreeBuffer(p)
	}
	_, err := c.drainLocked()
	if err == nil {
		err = c.err
	}
	return len(c.queue), err
}

// drainLocked produces queued buffers in order while they can move.
func (c *Circuit) drainLocked() (*Buffer, error) {
	var first *Buffer
	for {
		i := c.nextReadyLocked()
		if i < 0 {
			return first, nil
		}
		b := c.queue[i]
		c.queue = slices.Delete(c.queue, i, i+1)
		b.queued = false
		if err := c.ctrl.Produce(b, b.broadcast); err != nil {
			return first, err
		}
		if first == nil {
			first = b
		}
	}
}

// nextReadyLocked returns the index of the first queued buffer that can
// move, or -1. A buffer passes a stuck buffer of its own port only when
// the pattern allows it.
func (c *Circuit) nextReadyLocked() int {
	bypass := c.ctrl.CanTransferBufferWhileOthersAreQueued()
	stuck := make(map[*Port]bool)
	for i, b := range c.queue {
		if stuck[b.port] && !bypass {
			continue
		}
		if c.readyLocked(b, b.broadcast) {
			return i
		}
		stuck[b.port] = true
	}
	return -1
}

func (c *Circuit) readyLocked(b *Buffer, broadcast bool) bool {
	if broadcast {
		return c.ctrl.CanBroadcast(b)
	}
	return c.ctrl.CanProduce(b)
}

// mayPassLocked reports whether a new buffer of p may go ahead of the
// buffers p already queued.
func (c *Circuit) mayPassLocked(p *Port) bool {
	if c.ctrl.CanTransferBufferWhileOthersAreQueued() {
		return true
	}
	return !slices.ContainsFunc(c.queue, func(b *Buffer) bool { return b.port == p })
}

// Queued returns the number of buffers waiting to be produced.
func (c *Circuit) Queued() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Disconnect waits for outstanding transfers to finish, then tears down
// every output port, then every input port. Produce fails with
// ErrNotConnected from the moment Disconnect is called.
func (c *Circuit) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.closed = true
	for _, b := range c.queue {
		b.queued = false
	}
	c.queue = nil
	c.mu.Unlock()

	err := c.quiesce(ctx)
	if err != nil {
		c.log.Warn("tearing down with transfers outstanding", zap.Error(err))
	}
	c.teardown()
	return err
}

func (c *Circuit) quiesce(ctx context.Context) error {
	ticker := time.NewTicker(quiescePoll)
	defer ticker.Stop()
	for {
		if !c.busy() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Circuit) busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return false
	}
	for _, p := range c.outs {
		c.ctrl.FreeBuffer(p)
		for _, b := range p.buffers {
			if b.state == BufferInFlight && len(b.reqs) > 0 {
				return true
			}
		}
	}
	return false
}

func (c *Circuit) teardown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for _, p := range c.outs {
		c.ctrl.FreeAllBuffersLocal(p)
		c.detach(p)
		c.log.Info("output port disconnected", zap.Stringer("port", p))
	}
	for _, p := range c.ins {
		c.ctrl.ConsumeAllBuffersLocal(p)
		c.detach(p)
		c.log.Info("input port disconnected", zap.Stringer("port", p))
	}
}

func (c *Circuit) detach(p *Port) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, q := range slices.Concat(c.outs, c.ins) {
		delete(p.peers, q.key())
	}
	p.size = p.layout.size
	p.circuit.CompareAndSwap(c, nil)
}
