package dataplane

import (
	"errors"
	"fmt"

	"github.com/sdrflow/dataplane/internal/endpoint"
	"github.com/sdrflow/dataplane/internal/transport/xfer"
)

// errNotReady is returned by Produce when CanProduce does not hold. The
// circuit checks CanProduce first, so callers never see it.
var errNotReady = errors.New("dataplane: transfer not ready")

// Controller decides when buffers may move between the ports of one
// circuit and moves them with the circuit's templates. Every method is
// called with the circuit mutex held and none of them block.
type Controller interface {
	// Pattern names the transfer pattern, for logs and metrics.
	Pattern() string

	GetNextEmptyOutputBuffer(p *Port) *Buffer
	HasEmptyOutputBuffer(p *Port) bool
	HasFullInputBuffer(p *Port) (*Buffer, bool)
	GetNextFullInputBuffer(p *Port) *Buffer

	CanProduce(b *Buffer) bool
	CanBroadcast(b *Buffer) bool
	Produce(b *Buffer, broadcast bool) error
	// Consume releases an input buffer. The returned buffer, if any, is
	// an output buffer the release made available.
	Consume(b *Buffer) (*Buffer, error)

	// BufferFull applies full flags that landed on an input port and
	// returns how many buffers became full.
	BufferFull(p *Port) int
	// FreeBuffer applies finished transfers and remote releases to an
	// output port and returns how many buffers became empty.
	FreeBuffer(p *Port) int
	FreeAllBuffersLocal(p *Port)
	ConsumeAllBuffersLocal(p *Port)

	CanTransferBufferWhileOthersAreQueued() bool
	HaveOutputBarrierToken(b *Buffer) bool
	// ModifyOutputOffsets points the pull template of input buffer me at
	// output buffer src. With reverse set the previous source is restored.
	ModifyOutputOffsets(me, src *Buffer, reverse bool) error

	build() error
}

// Distribution is how a port set shares a message stream.
type Distribution uint8

const (
	// Parallel ports each see every message, or every part of one.
	Parallel Distribution = iota
	// Sequential ports each see some of the messages.
	Sequential
)

// Partition is how one message is split across a port set.
type Partition uint8

const (
	Indivisible Partition = iota
	Block
)

// Topology selects a controller. Roles are filled in by the handshake.
type Topology struct {
	OutputDist      Distribution
	InputDist       Distribution
	OutputPartition Partition
	InputPartition  Partition
	OutputShadow    bool
	OutputRole      endpoint.Role
	InputRole       endpoint.Role
	// WholeOutputSet lets only rank 0 of the outputs transfer; the other
	// ranks release their buffers locally.
	WholeOutputSet bool
}

// inputRole is the role the input takes when the output resolved role r.
func inputRole(r endpoint.Role) endpoint.Role {
	switch r {
	case endpoint.ActiveMessage:
		return endpoint.ActiveFlowControl
	case endpoint.ActiveFlowControl:
		return endpoint.ActiveMessage
	default:
		return endpoint.Passive
	}
}

// NewController returns the controller serving topo. An unserved topology
// yields a controller whose every operation fails, together with
// ErrUnsupported.
func NewController(c *Circuit, topo Topology) (Controller, error) {
	unsupported := func(why string) (Controller, error) {
		return notSupported{}, fmt.Errorf("%w: %s", ErrUnsupported, why)
	}
	if topo.OutputRole == endpoint.ActiveFlowControl || topo.OutputShadow {
		if topo.OutputRole != endpoint.ActiveFlowControl {
			return unsupported("shadow output needs a consumer able to pull")
		}
		if len(c.outs) != 1 || len(c.ins) != 1 {
			return unsupported("flow-controlled pull needs one output and one input")
		}
		a := &pattern1AFC{}
		a.base = newBase(a, c, "1-afc", false)
		return a, nil
	}
	if topo.OutputRole != endpoint.ActiveMessage || topo.InputRole != endpoint.ActiveFlowControl {
		return unsupported(fmt.Sprintf("roles %s/%s", topo.OutputRole, topo.InputRole))
	}
	switch {
	case topo.OutputDist == Parallel && topo.InputDist == Parallel &&
		topo.OutputPartition == Indivisible && topo.InputPartition == Indivisible:
		p := &pattern1{}
		p.base = newBase(p, c, "1", false)
		p.whole = topo.WholeOutputSet
		return p, nil
	case topo.OutputDist == Parallel && topo.InputDist == Sequential:
		p := &pattern2{}
		p.base = newBase(p, c, "2", true)
		p.whole = topo.WholeOutputSet
		return p, nil
	case topo.OutputDist == Sequential && topo.InputDist == Sequential:
		p := &pattern3{}
		p.base = newBase(p, c, "3", true)
		return p, nil
	case topo.OutputDist == Parallel && topo.InputDist == Parallel &&
		topo.OutputPartition == Indivisible && topo.InputPartition == Block:
		p := &pattern4{}
		p.base = newBase(p, c, "4", true)
		p.whole = topo.WholeOutputSet
		return p, nil
	}
	return unsupported(fmt.Sprintf("distribution %d/%d partition %d/%d",
		topo.OutputDist, topo.InputDist, topo.OutputPartition, topo.InputPartition))
}

// base holds the bookkeeping every pattern shares.
type base struct {
	ctl    Controller
	c      *Circuit
	name   string
	outs   PortSet
	ins    PortSet
	whole  bool
	tm     *templateMap
	seq    uint32
	lowest bool
	next   int

	mirror [][]uint64 // [out][in]
	shadow [][]uint64 // [in][out]
	writer [][]int    // [in][tid], rank of the output that wrote it last
	side   map[xfer.Request]string
}

func newBase(ctl Controller, c *Circuit, name string, lowest bool) base {
	b := base{
		ctl:    ctl,
		c:      c,
		name:   name,
		outs:   c.outs,
		ins:    c.ins,
		tm:     c.tm,
		lowest: lowest,
		mirror: make([][]uint64, len(c.outs)),
		shadow: make([][]uint64, len(c.ins)),
		writer: make([][]int, len(c.ins)),
		side:   make(map[xfer.Request]string),
	}
	for o, op := range c.outs {
		b.mirror[o] = make([]uint64, len(c.ins))
		for i, ip := range c.ins {
			b.mirror[o][i] = op.peerOf(ip).mirror
		}
	}
	for i, ip := range c.ins {
		b.shadow[i] = make([]uint64, len(c.outs))
		for o, op := range c.outs {
			b.shadow[i][o] = ip.peerOf(op).shadow
		}
		b.writer[i] = make([]int, len(ip.buffers))
		for tid := range b.writer[i] {
			b.writer[i][tid] = -1
		}
	}
	return b
}

func (b *base) Pattern() string { return b.name }

func seqBefore(a, c uint32) bool { return int32(a-c) < 0 }

// owned checks that buf belongs to this circuit in the given state.
func (b *base) owned(buf *Buffer, dir Direction, state BufferState) error {
	if buf == nil || buf.port.dir != dir || buf.port.Circuit() != b.c || buf.state != state {
		return fmt.Errorf("%w: %v", ErrBufferNotOwned, buf)
	}
	return nil
}

// passive reports whether buf's output only releases locally.
func (b *base) passive(buf *Buffer) bool { return b.whole && buf.port.rank != 0 }

func (b *base) mirrorOff(o, i, tid int) uint64 {
	return b.mirror[o][i] + uint64(tid)*xfer.WordSize
}

func (b *base) shadowOff(i, o, tid int) uint64 {
	return b.shadow[i][o] + uint64(tid)*xfer.WordSize
}

// slotFree reports whether input i's next ring slot has been released by
// its consumer, as seen through the mirror of the output that wrote it.
func (b *base) slotFree(i int) bool {
	ip := b.ins[i]
	tid := ip.fillQPtr
	w := b.writer[i][tid]
	if w < 0 {
		return ip.buffers[tid].state == BufferEmpty
	}
	return b.outs[w].word(b.mirrorOff(w, i, tid)) == EmptyValue
}

func (b *base) CanBroadcast(buf *Buffer) bool {
	if b.passive(buf) {
		return true
	}
	for i := range b.ins {
		if !b.slotFree(i) {
			return false
		}
	}
	return true
}

// stamp writes buf's metadata into its slot so the transfer carries it.
func (b *base) stamp(buf *Buffer, parts int) error {
	buf.meta.Sequence = b.seq
	buf.meta.Producer = uint32(buf.port.rank)
	buf.meta.Tid = uint32(buf.tid)
	buf.meta.Parts = uint32(parts)
	if err := writeMeta(buf.port.region(), buf.metaOff(), buf.meta); err != nil {
		return err
	}
	b.seq++
	return nil
}

// sendData posts the template moving buf into input i's next slot.
func (b *base) sendData(buf *Buffer, i int, broadcast bool) error {
	ip := b.ins[i]
	o, tid := buf.port.rank, ip.fillQPtr
	t, err := b.tm.get(TemplateKey{o, buf.tid, i, tid, broadcast, DirData})
	if err != nil {
		return err
	}
	buf.port.setWord(b.mirrorOff(o, i, tid), FullValue)
	b.writer[i][tid] = o
	if slot := ip.buffers[tid]; slot.state == BufferEmpty {
		slot.state = BufferInFlight
	}
	ip.fillQPtr = ip.next(tid)
	if err := t.req.Post(); err != nil {
		return b.c.failLocked("produce", err)
	}
	buf.reqs = append(buf.reqs, t.req)
	return nil
}

func (b *base) produced(buf *Buffer) {
	buf.port.lastTid = buf.tid
	b.c.metrics.RecordProduce(b.name)
}

func (b *base) releaseLocal(buf *Buffer) {
	buf.state = BufferEmpty
	buf.reqs = buf.reqs[:0]
}

// postSide posts a flag-only template whose completion is tracked by the
// circuit rather than a buffer.
func (b *base) postSide(key TemplateKey, op string) error {
	t, err := b.tm.get(key)
	if err != nil {
		return err
	}
	if err := t.req.Post(); err != nil {
		return b.c.failLocked(op, err)
	}
	b.side[t.req] = op
	return nil
}

func (b *base) checkSide() {
	for r, op := range b.side {
		switch r.Status() {
		case xfer.StatusComplete:
			delete(b.side, r)
		case xfer.StatusError:
			b.c.failLocked(op, r.Err())
			delete(b.side, r)
		}
	}
}

func (b *base) FreeBuffer(p *Port) int {
	b.checkSide()
	n := 0
	for _, buf := range p.buffers {
		if buf.state != BufferInFlight {
			continue
		}
		done := true
		for _, r := range buf.reqs {
			switch r.Status() {
			case xfer.StatusPending:
				done = false
			case xfer.StatusError:
				b.c.failLocked("produce", r.Err())
				done = false
			}
		}
		if done {
			b.releaseLocal(buf)
			n++
		}
	}
	return n
}

func (b *base) BufferFull(p *Port) int {
	b.checkSide()
	n := 0
	for _, buf := range p.buffers {
		if buf.state != BufferEmpty && buf.state != BufferInFlight {
			continue
		}
		if p.word(buf.flagOff()) != FullValue {
			continue
		}
		if err := b.received(buf); err != nil {
			b.c.failLocked("receive", err)
			continue
		}
		n++
	}
	return n
}

// received loads the metadata that landed with buf and marks it full.
func (b *base) received(buf *Buffer) error {
	p := buf.port
	m, err := readMeta(p.region(), buf.metaOff())
	if err != nil {
		return err
	}
	buf.part = 0
	if m.Parts > 0 {
		buf.part = p.rank
		off, n := partRange(b.c.size, int(m.Parts), p.rank)
		if m.Length > off {
			m.Length = min(m.Length-off, n)
		} else {
			m.Length = 0
		}
	}
	m.Length = min(m.Length, b.c.size)
	buf.meta = m
	buf.state = BufferFull
	return nil
}

// partRange is the byte range of part i when size bytes are split in
// parts.
func partRange(size uint32, parts, i int) (off, n uint32) {
	chunk := (size + uint32(parts) - 1) / uint32(parts)
	off = min(uint32(i)*chunk, size)
	return off, min(chunk, size-off)
}

func (b *base) HasEmptyOutputBuffer(p *Port) bool {
	b.ctl.FreeBuffer(p)
	return p.buffers[p.fillQPtr].state == BufferEmpty
}

func (b *base) GetNextEmptyOutputBuffer(p *Port) *Buffer {
	if !b.HasEmptyOutputBuffer(p) {
		return nil
	}
	buf := p.buffers[p.fillQPtr]
	buf.state = BufferFilled
	buf.meta = Meta{}
	buf.target = -1
	p.fillQPtr = p.next(p.fillQPtr)
	return buf
}

func (b *base) pickFull(p *Port) *Buffer {
	if !b.lowest {
		if buf := p.buffers[p.emptyQPtr]; buf.state == BufferFull {
			return buf
		}
		return nil
	}
	var best *Buffer
	for _, buf := range p.buffers {
		if buf.state == BufferFull && (best == nil || seqBefore(buf.meta.Sequence, best.meta.Sequence)) {
			best = buf
		}
	}
	return best
}

func (b *base) HasFullInputBuffer(p *Port) (*Buffer, bool) {
	b.ctl.BufferFull(p)
	buf := b.pickFull(p)
	return buf, buf != nil
}

func (b *base) GetNextFullInputBuffer(p *Port) *Buffer {
	buf, ok := b.HasFullInputBuffer(p)
	if !ok {
		return nil
	}
	buf.state = BufferConsuming
	p.lastTid = buf.tid
	p.emptyQPtr = p.next(buf.tid)
	return buf
}

// Consume frees the input buffer and clears the producer's mirror of it.
func (b *base) Consume(buf *Buffer) (*Buffer, error) {
	if err := b.owned(buf, Input, BufferConsuming); err != nil {
		return nil, err
	}
	p := buf.port
	p.setWord(buf.flagOff(), EmptyValue)
	buf.state = BufferEmpty
	b.c.metrics.RecordConsume(b.name)

	o := int(buf.meta.Producer)
	if o >= len(b.outs) {
		return nil, fmt.Errorf("dataplane: %s names producer %d of %d", buf, o, len(b.outs))
	}
	return nil, b.postSide(TemplateKey{p.rank, buf.tid, o, buf.tid, false, DirRelease}, "consume")
}

func (b *base) FreeAllBuffersLocal(p *Port) {
	p.reset()
	p.setWord(p.layout.control, EmptyValue)
	o := p.rank
	for i, ip := range b.ins {
		if b.mirror[o][i] == 0 {
			continue
		}
		for tid := range ip.buffers {
			p.setWord(b.mirrorOff(o, i, tid), EmptyValue)
			if b.writer[i][tid] == o {
				b.writer[i][tid] = -1
			}
		}
	}
}

func (b *base) ConsumeAllBuffersLocal(p *Port) {
	p.reset()
	i := p.rank
	for tid := range b.writer[i] {
		b.writer[i][tid] = -1
	}
	for o, op := range b.outs {
		if b.shadow[i][o] == 0 {
			continue
		}
		for tid := range op.buffers {
			p.setWord(b.shadowOff(i, o, tid), EmptyValue)
		}
	}
}

func (b *base) CanTransferBufferWhileOthersAreQueued() bool { return true }

func (b *base) HaveOutputBarrierToken(*Buffer) bool { return true }

// ModifyOutputOffsets is a no-op for patterns whose templates never move.
func (b *base) ModifyOutputOffsets(_, _ *Buffer, _ bool) error { return nil }

// addData builds the template moving n bytes at off of output buffer
// (o, otid) into input buffer (i, itid), followed by metadata and the full
// flag.
func (b *base) addData(o, otid, i, itid int, broadcast bool, off, n uint32) error {
	op, ip := b.outs[o], b.ins[i]
	svc, err := b.c.push(op, ip)
	if err != nil {
		return err
	}
	ob, ib := op.buffers[otid], ip.buffers[itid]
	var copies []xfer.Copy
	if n > 0 {
		copies = append(copies, xfer.Copy{SrcOffset: ob.dataOff() + uint64(off), DstOffset: ib.dataOff(), Length: uint64(n)})
	}
	copies = append(copies,
		xfer.Copy{SrcOffset: ob.metaOff(), DstOffset: ib.metaOff(), Length: MetaSize},
		xfer.Copy{SrcOffset: op.layout.fullConst(), DstOffset: ib.flagOff(), Length: xfer.WordSize, Flag: true},
	)
	return b.tm.add(TemplateKey{o, otid, i, itid, broadcast, DirData}, svc, copies...)
}

// addRelease builds the template clearing output o's mirror of input
// buffer (i, itid).
func (b *base) addRelease(i, itid, o int) error {
	ip, op := b.ins[i], b.outs[o]
	svc, err := b.c.push(ip, op)
	if err != nil {
		return err
	}
	return b.tm.add(TemplateKey{i, itid, o, itid, false, DirRelease}, svc,
		xfer.Copy{SrcOffset: ip.layout.emptyConst(), DstOffset: b.mirrorOff(o, i, itid), Length: xfer.WordSize, Flag: true})
}

// buildPush builds whole-buffer data templates for every output/input
// buffer pair and release templates for every input buffer.
func (b *base) buildPush() error {
	for o, op := range b.outs {
		for otid := range op.buffers {
			for i, ip := range b.ins {
				for itid := range ip.buffers {
					if err := b.addData(o, otid, i, itid, false, 0, b.c.size); err != nil {
						return err
					}
				}
			}
		}
	}
	return b.buildRelease()
}

func (b *base) buildRelease() error {
	for i, ip := range b.ins {
		for itid := range ip.buffers {
			for o := range b.outs {
				if err := b.addRelease(i, itid, o); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// notSupported serves topologies no pattern handles.
type notSupported struct{}

func (notSupported) Pattern() string                                { return "unsupported" }
func (notSupported) GetNextEmptyOutputBuffer(*Port) *Buffer         { return nil }
func (notSupported) HasEmptyOutputBuffer(*Port) bool                { return false }
func (notSupported) HasFullInputBuffer(*Port) (*Buffer, bool)       { return nil, false }
func (notSupported) GetNextFullInputBuffer(*Port) *Buffer           { return nil }
func (notSupported) CanProduce(*Buffer) bool                        { return false }
func (notSupported) CanBroadcast(*Buffer) bool                      { return false }
func (notSupported) Produce(*Buffer, bool) error                    { return ErrUnsupported }
func (notSupported) Consume(*Buffer) (*Buffer, error)               { return nil, ErrUnsupported }
func (notSupported) BufferFull(*Port) int                           { return 0 }
func (notSupported) FreeBuffer(*Port) int                           { return 0 }
func (notSupported) FreeAllBuffersLocal(*Port)                      {}
func (notSupported) ConsumeAllBuffersLocal(*Port)                   {}
func (notSupported) CanTransferBufferWhileOthersAreQueued() bool    { return false }
func (notSupported) HaveOutputBarrierToken(*Buffer) bool            { return false }
func (notSupported) ModifyOutputOffsets(_, _ *Buffer, _ bool) error { return ErrUnsupported }
func (notSupported) build() error                                   { return ErrUnsupported }
