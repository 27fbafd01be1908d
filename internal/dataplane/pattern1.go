package dataplane

// pattern1 is point to point: every buffer goes to the next ring slot of
// every input port, and inputs drain in ring order.
type pattern1 struct {
	base
}

func (c *pattern1) CanProduce(buf *Buffer) bool { return c.CanBroadcast(buf) }

// Produce fans buf out to every input. The broadcast flag changes nothing
// since every input already receives every buffer.
func (c *pattern1) Produce(buf *Buffer, _ bool) error {
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

func (c *pattern1) build() error { return c.buildPush() }
