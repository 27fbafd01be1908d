package dataplane

import (
	"context"
	"errors"
	"time"

	"github.com/sdrflow/dataplane/internal/transport/xfer"
)

// waitSlice bounds one sleep of WaitBuffer. Buffers can become available
// without the watched word changing, so the wait is re-armed after it.
const waitSlice = 5 * time.Millisecond

// ExternalPort gives code outside a worker access to one connected port:
// an injector writes output buffers, a collector reads input buffers.
type ExternalPort struct {
	p *Port
}

// NewExternalPort wraps p. The port may be connected later.
func NewExternalPort(p *Port) *ExternalPort { return &ExternalPort{p: p} }

func (x *ExternalPort) Port() *Port { return x.p }

// GetBuffer returns the next empty output buffer or the next full input
// buffer, or nil when none is ready.
func (x *ExternalPort) GetBuffer() (*ExternalBuffer, error) {
	c := x.p.Circuit()
	if c == nil {
		return nil, ErrNotConnected
	}
	var b *Buffer
	if x.p.dir == Output {
		b = c.GetNextEmptyOutputBuffer(x.p)
	} else {
		b = c.GetNextFullInputBuffer(x.p)
	}
	if b == nil {
		return nil, c.Err()
	}
	return &ExternalBuffer{b: b, c: c}, nil
}

// WaitBuffer is GetBuffer that blocks until a buffer is ready or ctx ends.
func (x *ExternalPort) WaitBuffer(ctx context.Context) (*ExternalBuffer, error) {
	for {
		b, err := x.GetBuffer()
		if b != nil || err != nil {
			return b, err
		}
		if err := x.wait(ctx); err != nil {
			return nil, err
		}
	}
}

func (x *ExternalPort) wait(ctx context.Context) error {
	c := x.p.Circuit()
	if c == nil {
		return ErrNotConnected
	}
	wctx, cancel := context.WithTimeout(ctx, waitSlice)
	defer cancel()
	if w, ok := x.p.region().(xfer.Waiter); ok {
		off, old := c.watch(x.p)
		err := w.WaitWord(wctx, off, old)
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return ctx.Err()
	}
	<-wctx.Done()
	return ctx.Err()
}

// watch returns the flag word whose change most likely readies p's next
// buffer, and its current value.
func (c *Circuit) watch(p *Port) (uint64, uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := p.buffers[p.fillQPtr]
	if p.dir == Input {
		b = p.buffers[p.emptyQPtr]
	}
	return b.flagOff(), p.word(b.flagOff())
}

// ExternalBuffer is a buffer claimed through an ExternalPort.
type ExternalBuffer struct {
	b *Buffer
	c *Circuit
}

// Data is the writable area of an output buffer or the received payload
// of an input buffer.
func (e *ExternalBuffer) Data() []byte {
	if e.b.port.dir == Output {
		return e.b.Bytes()
	}
	return e.b.Data()
}

func (e *ExternalBuffer) Length() uint32  { return e.b.Length() }
func (e *ExternalBuffer) OpCode() uint32  { return e.b.OpCode() }
func (e *ExternalBuffer) EndOfData() bool { return e.b.EndOfData() }
func (e *ExternalBuffer) Buffer() *Buffer { return e.b }

// Put sends the first length bytes of an output buffer.
func (e *ExternalBuffer) Put(length, opcode uint32, eod bool) error {
	if err := e.b.SetMeta(length, opcode, eod); err != nil {
		return err
	}
	return e.c.Send(e.b)
}

// Release hands an input buffer back to its producer.
func (e *ExternalBuffer) Release() error {
	_, err := e.c.Consume(e.b)
	return err
}
