package dataplane

import (
	"github.com/sdrflow/dataplane/internal/transport/xfer"
)

// pattern1AFC is point to point with the consumer driving the data. The
// producer only sets the consumer's shadow word of a produced buffer. The
// consumer pulls the buffer into its next free slot with a template whose
// source is patched per buffer, then clears the producer's state word.
type pattern1AFC struct {
	base
	// pull is the output tid the consumer expects next.
	pull int
}

func (c *pattern1AFC) out() *Port { return c.outs[0] }
func (c *pattern1AFC) in() *Port  { return c.ins[0] }

func (c *pattern1AFC) CanProduce(buf *Buffer) bool { return true }

func (c *pattern1AFC) CanBroadcast(buf *Buffer) bool { return true }

func (c *pattern1AFC) Produce(buf *Buffer, _ bool) error {
	if err := c.owned(buf, Output, BufferFilled); err != nil {
		return err
	}
	if err := c.stamp(buf, 0); err != nil {
		return err
	}
	buf.port.setWord(buf.flagOff(), FullValue)
	buf.state = BufferInFlight
	if err := c.postSide(TemplateKey{0, buf.tid, 0, buf.tid, false, DirNotify}, "produce"); err != nil {
		return err
	}
	c.produced(buf)
	return nil
}

// FreeBuffer frees output buffers whose state word the consumer cleared.
func (c *pattern1AFC) FreeBuffer(p *Port) int {
	c.checkSide()
	n := 0
	for _, buf := range p.buffers {
		if buf.state == BufferInFlight && p.word(buf.flagOff()) == EmptyValue {
			c.releaseLocal(buf)
			n++
		}
	}
	return n
}

// BufferFull completes finished pulls and starts new ones for every
// announced output buffer that has a free slot waiting.
func (c *pattern1AFC) BufferFull(p *Port) int {
	c.checkSide()
	n := c.completePulls(p)
	for c.startPull(p) {
	}
	return n + c.completePulls(p)
}

func (c *pattern1AFC) startPull(p *Port) bool {
	slot := p.buffers[p.fillQPtr]
	if slot.state != BufferEmpty {
		return false
	}
	shadow := c.shadowOff(0, 0, c.pull)
	if p.word(shadow) != FullValue {
		return false
	}
	src := c.out().buffers[c.pull]
	p.setWord(shadow, EmptyValue)
	if err := c.ModifyOutputOffsets(slot, src, false); err != nil {
		c.c.failLocked("pull", err)
		return false
	}
	t, err := c.tm.get(TemplateKey{0, slot.tid, 0, 0, false, DirPull})
	if err != nil {
		c.c.failLocked("pull", err)
		return false
	}
	if err := t.req.Post(); err != nil {
		c.c.failLocked("pull", err)
		return false
	}
	slot.state = BufferInFlight
	slot.pullFrom = src.tid
	slot.reqs = append(slot.reqs[:0], t.req)
	p.fillQPtr = p.next(slot.tid)
	c.pull = c.out().next(c.pull)
	return true
}

func (c *pattern1AFC) completePulls(p *Port) int {
	n := 0
	for _, slot := range p.buffers {
		if slot.state != BufferInFlight || slot.pullFrom < 0 {
			continue
		}
		switch slot.reqs[0].Status() {
		case xfer.StatusPending:
			continue
		case xfer.StatusError:
			c.c.failLocked("pull", slot.reqs[0].Err())
			continue
		}
		otid := slot.pullFrom
		slot.pullFrom = -1
		slot.reqs = slot.reqs[:0]
		if err := c.received(slot); err != nil {
			c.c.failLocked("pull", err)
			continue
		}
		if err := c.postSide(TemplateKey{0, otid, 0, otid, false, DirFree}, "pull"); err != nil {
			continue
		}
		n++
	}
	return n
}

// Consume is local: the producer was released when the pull finished.
func (c *pattern1AFC) Consume(buf *Buffer) (*Buffer, error) {
	if err := c.owned(buf, Input, BufferConsuming); err != nil {
		return nil, err
	}
	buf.port.setWord(buf.flagOff(), EmptyValue)
	buf.state = BufferEmpty
	c.c.metrics.RecordConsume(c.name)
	return nil, nil
}

func (c *pattern1AFC) ModifyOutputOffsets(me, src *Buffer, reverse bool) error {
	t, err := c.tm.get(TemplateKey{0, me.tid, 0, 0, false, DirPull})
	if err != nil {
		return err
	}
	return t.modify([]uint64{src.dataOff(), src.metaOff(), src.flagOff()}, reverse)
}

func (c *pattern1AFC) FreeAllBuffersLocal(p *Port) {
	c.base.FreeAllBuffersLocal(p)
	c.pull = 0
}

func (c *pattern1AFC) build() error {
	op, ip := c.out(), c.in()
	push, err := c.c.push(op, ip)
	if err != nil {
		return err
	}
	back, err := c.c.push(ip, op)
	if err != nil {
		return err
	}
	pull, err := c.c.pull(ip, op)
	if err != nil {
		return err
	}
	for otid, ob := range op.buffers {
		err := c.tm.add(TemplateKey{0, otid, 0, otid, false, DirNotify}, push,
			xfer.Copy{SrcOffset: op.layout.fullConst(), DstOffset: c.shadowOff(0, 0, otid), Length: xfer.WordSize, Flag: true})
		if err != nil {
			return err
		}
		err = c.tm.add(TemplateKey{0, otid, 0, otid, false, DirFree}, back,
			xfer.Copy{SrcOffset: ip.layout.emptyConst(), DstOffset: ob.flagOff(), Length: xfer.WordSize, Flag: true})
		if err != nil {
			return err
		}
	}
	first := op.buffers[0]
	for _, ib := range ip.buffers {
		err := c.tm.add(TemplateKey{0, ib.tid, 0, 0, false, DirPull}, pull,
			xfer.Copy{SrcOffset: first.dataOff(), DstOffset: ib.dataOff(), Length: uint64(c.c.size)},
			xfer.Copy{SrcOffset: first.metaOff(), DstOffset: ib.metaOff(), Length: MetaSize},
			xfer.Copy{SrcOffset: first.flagOff(), DstOffset: ib.flagOff(), Length: xfer.WordSize, Flag: true},
		)
		if err != nil {
			return err
		}
	}
	return nil
}
