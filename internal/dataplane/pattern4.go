package dataplane

// pattern4 splits every buffer into one part per input. A buffer moves only
// when the next slot of every input is free. Broadcast and end-of-data
// buffers go whole to every input.
type pattern4 struct {
	base
}

func (c *pattern4) CanProduce(buf *Buffer) bool { return c.CanBroadcast(buf) }

func (c *pattern4) Produce(buf *Buffer, broadcast bool) error {
	if err := c.owned(buf, Output, BufferFilled); err != nil {
		return err
	}
	if c.passive(buf) {
		c.releaseLocal(buf)
		return nil
	}
	if !c.CanProduce(buf) {
		return errNotReady
	}
	whole := broadcast || buf.meta.EndOfData
	parts := len(c.ins)
	if whole {
		parts = 0
	}
	if err := c.stamp(buf, parts); err != nil {
		return err
	}
	buf.state = BufferInFlight
	for i := range c.ins {
		if err := c.sendData(buf, i, whole); err != nil {
			return err
		}
	}
	c.produced(buf)
	return nil
}

func (c *pattern4) build() error {
	k := len(c.ins)
	for o, op := range c.outs {
		for otid := range op.buffers {
			for i, ip := range c.ins {
				off, n := partRange(c.c.size, k, i)
				for itid := range ip.buffers {
					if err := c.addData(o, otid, i, itid, false, off, n); err != nil {
						return err
					}
					if err := c.addData(o, otid, i, itid, true, 0, c.c.size); err != nil {
						return err
					}
				}
			}
		}
	}
	return c.buildRelease()
}
