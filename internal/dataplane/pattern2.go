package dataplane

import (
	"github.com/sdrflow/dataplane/internal/transport/xfer"
)

// pattern2 scatters buffers over sequential inputs, each buffer to the
// free input with the fewest buffers outstanding. Inputs drain in sequence
// order.
type pattern2 struct {
	base
}

// busy counts the buffers of input i not yet released to their producer.
func (c *pattern2) busy(i int) int {
	n := 0
	for tid, w := range c.writer[i] {
		if w >= 0 && c.outs[w].word(c.mirrorOff(w, i, tid)) != EmptyValue {
			n++
		}
	}
	return n
}

// pick returns the free input with the lowest busy factor, or -1. Ties go
// to the input after the one picked last.
func (c *pattern2) pick() int {
	best, bestBusy := -1, 0
	for k := range c.ins {
		i := (c.next + k) % len(c.ins)
		if !c.slotFree(i) {
			continue
		}
		if n := c.busy(i); best < 0 || n < bestBusy {
			best, bestBusy = i, n
		}
	}
	return best
}

func (c *pattern2) CanProduce(buf *Buffer) bool {
	if c.passive(buf) {
		return true
	}
	if buf.meta.EndOfData {
		return c.CanBroadcast(buf)
	}
	buf.target = c.pick()
	return buf.target >= 0
}

func (c *pattern2) Produce(buf *Buffer, broadcast bool) error {
	if err := c.owned(buf, Output, BufferFilled); err != nil {
		return err
	}
	if c.passive(buf) {
		c.releaseLocal(buf)
		return nil
	}
	if broadcast || buf.meta.EndOfData {
		if !c.CanBroadcast(buf) {
			return errNotReady
		}
		if err := c.stamp(buf, 0); err != nil {
			return err
		}
		buf.state = BufferInFlight
		for i := range c.ins {
			if err := c.sendData(buf, i, false); err != nil {
				return err
			}
		}
		c.produced(buf)
		return nil
	}

	if buf.target < 0 || !c.slotFree(buf.target) {
		buf.target = c.pick()
	}
	if buf.target < 0 {
		return errNotReady
	}
	if err := c.stamp(buf, 0); err != nil {
		return err
	}
	buf.state = BufferInFlight
	i := buf.target
	buf.target = -1
	c.next = (i + 1) % len(c.ins)
	if err := c.sendData(buf, i, false); err != nil {
		return err
	}
	c.produced(buf)
	return nil
}

func (c *pattern2) build() error { return c.buildPush() }

// pattern3 is pattern2 with outputs taking turns: a barrier token passes
// from each output to the next after every produce, so buffers enter the
// inputs in output ordinal order.
type pattern3 struct {
	pattern2
}

func (c *pattern3) HaveOutputBarrierToken(buf *Buffer) bool {
	return buf.port.word(buf.port.layout.control) == FullValue
}

func (c *pattern3) CanTransferBufferWhileOthersAreQueued() bool { return false }

func (c *pattern3) CanProduce(buf *Buffer) bool {
	return c.HaveOutputBarrierToken(buf) && c.pattern2.CanProduce(buf)
}

func (c *pattern3) CanBroadcast(buf *Buffer) bool {
	return c.HaveOutputBarrierToken(buf) && c.pattern2.CanBroadcast(buf)
}

func (c *pattern3) Produce(buf *Buffer, broadcast bool) error {
	if err := c.owned(buf, Output, BufferFilled); err != nil {
		return err
	}
	if !c.HaveOutputBarrierToken(buf) {
		return errNotReady
	}
	if err := c.pattern2.Produce(buf, broadcast); err != nil {
		return err
	}
	return c.passToken(buf.port)
}

func (c *pattern3) passToken(p *Port) error {
	if len(c.outs) == 1 {
		return nil
	}
	p.setWord(p.layout.control, EmptyValue)
	return c.postSide(TemplateKey{p.rank, 0, (p.rank + 1) % len(c.outs), 0, false, DirToken}, "token")
}

func (c *pattern3) build() error {
	if err := c.buildPush(); err != nil {
		return err
	}
	for o, op := range c.outs {
		v := EmptyValue
		if o == 0 {
			v = FullValue
		}
		op.setWord(op.layout.control, v)
		if len(c.outs) == 1 {
			continue
		}
		n := (o + 1) % len(c.outs)
		np := c.outs[n]
		svc, err := c.c.push(op, np)
		if err != nil {
			return err
		}
		err = c.tm.add(TemplateKey{o, 0, n, 0, false, DirToken}, svc,
			xfer.Copy{SrcOffset: op.layout.fullConst(), DstOffset: np.layout.control, Length: xfer.WordSize, Flag: true})
		if err != nil {
			return err
		}
	}
	return nil
}
