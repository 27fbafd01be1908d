package datagram

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sdrflow/dataplane/internal/endpoint"
	"github.com/sdrflow/dataplane/internal/logging"
	"github.com/sdrflow/dataplane/internal/transport/xfer"
)

const (
	// MaxFrameHistory is the frame window per peer and the size of the
	// duplicate detection table. Frames are indexed by seq & (size-1).
	MaxFrameHistory = 256
	// MaxTransactionHistory is the number of receive-side transactions
	// tracked per peer.
	MaxTransactionHistory = 512

	seqMask         = MaxFrameHistory - 1
	maxBackoffShift = 4
)

var (
	// ErrWindowFull is returned by Post when the frames a transaction needs
	// are still awaiting acknowledgement.
	ErrWindowFull = errors.New("datagram: frame window full")
	// ErrResendLimit fails a transaction whose frame was resent too often.
	ErrResendLimit = errors.New("datagram: resend limit exceeded")
	// ErrPeerGone fails transactions toward a peer that disconnected.
	ErrPeerGone = errors.New("datagram: peer disconnected")
)

type transaction struct {
	id          uint32
	posted      time.Time
	outstanding int
	status      xfer.Status
	err         error
}

type frame struct {
	inUse   bool
	seq     uint32
	sent    time.Time
	resends int
	tx      *transaction
	buf     []byte
}

type seqRecord struct {
	valid bool
	seq   uint32
}

type txRecord struct {
	valid     bool
	id        uint32
	numMsgs   uint16
	processed uint16
}

type outMsg struct {
	hdr  MsgHeader
	data []byte
}

// peer is the reliability state kept for one remote mailbox: the send
// window toward it, the acks owed to it and the receive history from it.
type peer struct {
	e       *Endpoint
	mailbox uint16
	log     *logging.Logger

	mu      sync.Mutex
	addr    string
	remote  endpoint.Endpoint
	gone    bool
	nextSeq uint32
	nextTx  uint32

	frames   [MaxFrameHistory]frame
	acks     []uint32
	ackSince time.Time
	ackBuf   [frameOverhead]byte

	seqRecords [MaxFrameHistory]seqRecord
	txRecords  [MaxTransactionHistory]txRecord
}

func newPeer(e *Endpoint, mailbox uint16, addr string) *peer {
	return &peer{
		e:       e,
		mailbox: mailbox,
		addr:    addr,
		log:     e.log.With(zap.Uint16("peer", mailbox)),
	}
}

// post turns copies into one transaction and sends its frames.
func (p *peer) post(copies []xfer.Copy) (*transaction, error) {
	data, flag, err := xfer.SplitCopies(copies)
	if err != nil {
		return nil, err
	}
	region := p.e.region

	flagAddr, flagValue := NoFlag, uint32(0)
	if flag != nil {
		v, err := xfer.LoadWord(region, flag.SrcOffset)
		if err != nil {
			return nil, err
		}
		flagAddr, flagValue = uint32(flag.DstOffset), v
	}

	maxPayload := p.e.sock.MaxPayloadSize()
	chunk := uint64(maxMsgData(maxPayload))
	var msgs []outMsg
	for _, c := range data {
		for off := uint64(0); off < c.Length; off += chunk {
			n := min(chunk, c.Length-off)
			b, err := region.Bytes(c.SrcOffset+off, n)
			if err != nil {
				return nil, err
			}
			msgs = append(msgs, outMsg{
				hdr:  MsgHeader{DataAddr: uint32(c.DstOffset + off), DataLen: uint16(n), Type: MsgData},
				data: b,
			})
		}
	}
	numMsgs := len(msgs)
	if numMsgs > 0xFFFF {
		return nil, fmt.Errorf("datagram: transaction of %d messages is too large", numMsgs)
	}
	if numMsgs == 0 {
		if flag == nil {
			return &transaction{status: xfer.StatusComplete}, nil
		}
		// Flag-only: one empty message, applied on arrival.
		msgs = append(msgs, outMsg{hdr: MsgHeader{Type: MsgData}})
	}

	var groups [][]outMsg
	var cur []outMsg
	size := frameOverhead
	for _, m := range msgs {
		w := msgWireSize(len(m.data))
		if len(cur) == MaxMsgsPerFrame || (len(cur) > 0 && size+w > maxPayload) {
			groups = append(groups, cur)
			cur, size = nil, frameOverhead
		}
		cur = append(cur, m)
		size += w
	}
	groups = append(groups, cur)

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.gone {
		return nil, ErrPeerGone
	}
	if len(groups) > MaxFrameHistory {
		return nil, fmt.Errorf("%w: transaction needs %d frames", ErrWindowFull, len(groups))
	}
	for i := range groups {
		if p.frames[(p.nextSeq+uint32(i))&seqMask].inUse {
			return nil, ErrWindowFull
		}
	}

	now := time.Now()
	tx := &transaction{id: p.nextTx, posted: now, outstanding: len(groups), status: xfer.StatusPending}
	p.nextTx++

	k := 0
	for _, g := range groups {
		f := &p.frames[p.nextSeq&seqMask]
		*f = frame{inUse: true, seq: p.nextSeq, tx: tx, buf: f.buf[:0]}
		p.nextSeq++

		hdr := FrameHeader{DestID: p.mailbox, SrcID: p.e.info.MailBox, FrameSeq: f.seq, Flags: FrameHasMessages}
		p.attachAcks(&hdr)

		wire := frameOverhead
		for _, m := range g {
			wire += msgWireSize(len(m.data))
		}
		if cap(f.buf) < wire {
			f.buf = make([]byte, wire, max(wire, maxPayload))
		}
		f.buf = f.buf[:wire]
		hdr.encode(f.buf)

		off := frameOverhead
		for j, m := range g {
			h := m.hdr
			h.TransactionID = tx.id
			h.FlagAddr = flagAddr
			h.FlagValue = flagValue
			h.NumMsgsInTransaction = uint16(numMsgs)
			h.MsgSequence = uint16(k)
			if j < len(g)-1 {
				h.NextMsg = 1
			}
			h.encode(f.buf[off:])
			copy(f.buf[off+MsgHeaderSize:], m.data)
			pad := f.buf[off+MsgHeaderSize+len(m.data) : off+msgWireSize(len(m.data))]
			clear(pad)
			off += msgWireSize(len(m.data))
			k++
		}

		p.e.metrics.AddInFlight(p.e.protocol, 1)
		p.send(f, false)
	}
	return tx, nil
}

// send transmits a frame. Failures are left to the resend timer.
func (p *peer) send(f *frame, resend bool) {
	f.sent = time.Now()
	p.e.metrics.RecordSend(p.e.protocol, resend)
	if p.addr == "" {
		return
	}
	if err := p.e.sock.Send(p.addr, f.buf); err != nil {
		p.log.Debug("frame send failed", zap.Uint32("seq", f.seq), zap.Error(err))
	}
}

// attachAcks moves the leading run of consecutive pending acks into hdr.
func (p *peer) attachAcks(hdr *FrameHeader) {
	if len(p.acks) == 0 {
		return
	}
	start := p.acks[0]
	n := 1
	for n < len(p.acks) && n < maxAckRun && p.acks[n] == start+uint32(n) {
		n++
	}
	hdr.ACKStart = start
	hdr.ACKCount = uint16(n)
	p.acks = append(p.acks[:0], p.acks[n:]...)
}

func (p *peer) queueAck(seq uint32, now time.Time) {
	if len(p.acks) == 0 {
		p.ackSince = now
	}
	p.acks = append(p.acks, seq)
}

// sendAcks flushes pending acks as ack-only frames once the oldest has
// waited at least interval.
func (p *peer) sendAcks(now time.Time, interval time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.acks) == 0 || p.addr == "" || now.Sub(p.ackSince) < interval {
		return
	}
	for len(p.acks) > 0 {
		hdr := FrameHeader{DestID: p.mailbox, SrcID: p.e.info.MailBox}
		p.attachAcks(&hdr)
		hdr.encode(p.ackBuf[:])
		if err := p.e.sock.Send(p.addr, p.ackBuf[:]); err != nil {
			p.log.Debug("ack send failed", zap.Error(err))
			return
		}
	}
}

// checkAcks resends frames whose ack is overdue and fails transactions
// whose frames ran out of resends.
func (p *peer) checkAcks(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	opts := p.e.opts
	for i := range p.frames {
		f := &p.frames[i]
		if !f.inUse {
			continue
		}
		timeout := opts.AckTimeout << min(f.resends, maxBackoffShift)
		if now.Sub(f.sent) < timeout {
			continue
		}
		if f.resends >= opts.MaxResends {
			p.failLocked(f.tx, fmt.Errorf("%w: frame %d to mailbox %d after %d resends",
				ErrResendLimit, f.seq, p.mailbox, f.resends))
			continue
		}
		f.resends++
		p.send(f, true)
	}
}

func (p *peer) release(f *frame) {
	f.inUse = false
	f.tx = nil
	p.e.metrics.AddInFlight(p.e.protocol, -1)
}

// failLocked fails tx and frees every frame it still holds.
func (p *peer) failLocked(tx *transaction, err error) {
	if tx == nil || tx.status != xfer.StatusPending {
		return
	}
	tx.status, tx.err = xfer.StatusError, err
	for i := range p.frames {
		if f := &p.frames[i]; f.inUse && f.tx == tx {
			p.release(f)
		}
	}
	if errors.Is(err, ErrResendLimit) {
		p.e.metrics.RecordFailure(p.e.protocol)
		p.log.Error("transaction failed", zap.Uint32("transaction", tx.id), zap.Error(err))
	}
}

// handleAcks completes the frames acknowledged by a run.
func (p *peer) handleAcks(start uint32, count uint16) {
	acked := 0
	for i := uint32(0); i < uint32(count); i++ {
		seq := start + i
		f := &p.frames[seq&seqMask]
		if !f.inUse || f.seq != seq {
			continue
		}
		tx := f.tx
		p.release(f)
		acked++
		tx.outstanding--
		if tx.outstanding == 0 && tx.status == xfer.StatusPending {
			tx.status = xfer.StatusComplete
			p.e.metrics.ObserveTransaction(p.e.protocol, time.Since(tx.posted))
		}
	}
	p.e.metrics.RecordAcks(p.e.protocol, acked)
}

// processFrame applies one inbound frame. It reports whether the peer
// announced a disconnect.
func (p *peer) processFrame(hdr FrameHeader, b []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if hdr.ACKCount > 0 {
		p.handleAcks(hdr.ACKStart, hdr.ACKCount)
	}
	if hdr.Flags&FrameHasMessages == 0 {
		return false
	}

	now := time.Now()
	rec := &p.seqRecords[hdr.FrameSeq&seqMask]
	if rec.valid && rec.seq == hdr.FrameSeq {
		// Our ack was lost; say it again but do not apply twice.
		p.e.metrics.RecordDuplicate(p.e.protocol)
		p.queueAck(hdr.FrameSeq, now)
		return false
	}

	msgs, err := decodeMessages(b)
	if err != nil {
		p.log.Warn("dropping malformed frame", zap.Uint32("seq", hdr.FrameSeq), zap.Error(err))
		return false
	}
	*rec = seqRecord{valid: true, seq: hdr.FrameSeq}

	disconnect := false
	for _, m := range msgs {
		switch m.Type {
		case MsgDisconnect:
			disconnect = true
		case MsgData, MsgMetadata:
			p.apply(m)
		}
	}
	if !disconnect {
		p.queueAck(hdr.FrameSeq, now)
	}
	return disconnect
}

// apply writes a message's payload and, when it completes its
// transaction, the flag word.
func (p *peer) apply(m wireMsg) {
	region := p.e.region
	if len(m.payload) > 0 {
		dst, err := region.Bytes(uint64(m.DataAddr), uint64(len(m.payload)))
		if err != nil {
			p.log.Error("message outside region", zap.Uint32("addr", m.DataAddr), zap.Error(err))
			return
		}
		copy(dst, m.payload)
	}
	if m.FlagAddr == NoFlag {
		return
	}
	if m.NumMsgsInTransaction > 0 {
		r := &p.txRecords[m.TransactionID%MaxTransactionHistory]
		if !r.valid || r.id != m.TransactionID {
			*r = txRecord{valid: true, id: m.TransactionID, numMsgs: m.NumMsgsInTransaction}
		}
		r.processed++
		if r.processed != r.numMsgs {
			return
		}
	}
	if err := xfer.StoreWord(region, uint64(m.FlagAddr), m.FlagValue); err != nil {
		p.log.Error("flag outside region", zap.Uint32("addr", m.FlagAddr), zap.Error(err))
	}
}

// sendDisconnect tells the peer to drop its state for us. It is not
// acknowledged.
func (p *peer) sendDisconnect() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.addr == "" || p.gone {
		return
	}
	var b [frameOverhead + MsgHeaderSize]byte
	hdr := FrameHeader{DestID: p.mailbox, SrcID: p.e.info.MailBox, FrameSeq: p.nextSeq, Flags: FrameHasMessages}
	p.nextSeq++
	p.attachAcks(&hdr)
	hdr.encode(b[:])
	MsgHeader{FlagAddr: NoFlag, Type: MsgDisconnect}.encode(b[frameOverhead:])
	if err := p.e.sock.Send(p.addr, b[:]); err != nil {
		p.log.Debug("disconnect send failed", zap.Error(err))
	}
}

// shutdown fails everything still in flight with err.
func (p *peer) shutdown(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gone = true
	for i := range p.frames {
		if f := &p.frames[i]; f.inUse {
			p.failLocked(f.tx, err)
		}
	}
}

func (p *peer) status(tx *transaction) (xfer.Status, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return tx.status, tx.err
}

func (p *peer) setRemote(remote endpoint.Endpoint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remote = remote
	p.addr = remote.Address
}

func (p *peer) learnAddr(addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.addr == "" {
		p.addr = addr
	}
}

// services is the xfer.Services handle returned by Connect.
type services struct {
	p      *peer
	closed atomic.Bool
}

func inRange(size, off, n uint64) bool {
	return off <= size && n <= size-off
}

func (s *services) check(c xfer.Copy) error {
	if !inRange(s.p.e.region.Size(), c.SrcOffset, c.Length) {
		return fmt.Errorf("%w: source [%d,+%d)", xfer.ErrOutOfRange, c.SrcOffset, c.Length)
	}
	limit := s.p.remote.Size
	if limit == 0 || limit > 1<<32 {
		limit = 1 << 32
	}
	if !inRange(limit, c.DstOffset, c.Length) {
		return fmt.Errorf("%w: destination [%d,+%d)", xfer.ErrOutOfRange, c.DstOffset, c.Length)
	}
	return nil
}

func (s *services) CreateRequest(copies ...xfer.Copy) (xfer.Request, error) {
	if s.closed.Load() {
		return nil, xfer.ErrClosed
	}
	if _, _, err := xfer.SplitCopies(copies); err != nil {
		return nil, err
	}
	for _, c := range copies {
		if err := s.check(c); err != nil {
			return nil, err
		}
	}
	return &request{s: s, copies: append([]xfer.Copy(nil), copies...)}, nil
}

func (s *services) Close() error {
	s.closed.Store(true)
	return nil
}

type request struct {
	s *services

	mu     sync.Mutex
	copies []xfer.Copy
	tx     *transaction
}

func (r *request) Post() error {
	if r.s.closed.Load() {
		return xfer.ErrClosed
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, err := r.s.p.post(r.copies)
	if err != nil {
		return err
	}
	r.tx = tx
	return nil
}

func (r *request) current() *transaction {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tx
}

func (r *request) Status() xfer.Status {
	tx := r.current()
	if tx == nil {
		return xfer.StatusComplete
	}
	st, _ := r.s.p.status(tx)
	return st
}

func (r *request) Err() error {
	tx := r.current()
	if tx == nil {
		return nil
	}
	_, err := r.s.p.status(tx)
	return err
}

func (r *request) Modify(src []uint64) ([]uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := append([]xfer.Copy(nil), r.copies...)
	old, err := xfer.ModifySources(next, src)
	if err != nil {
		return nil, err
	}
	for _, c := range next {
		if err := r.s.check(c); err != nil {
			return nil, err
		}
	}
	r.copies = next
	return old, nil
}
