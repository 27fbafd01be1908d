package udp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sdrflow/dataplane/internal/endpoint"
	"github.com/sdrflow/dataplane/internal/transport/xfer"
)

// ErrResendLimit fails a transfer that stalled through too many resend
// rounds.
var ErrResendLimit = errors.New("udp: resend limit exceeded")

// group is the packets of one copy. A group is complete when every packet
// has been acknowledged.
type group struct {
	packets   [][]byte
	acked     []bool
	remaining int
	sent      bool
}

func (g *group) complete() bool { return g.remaining == 0 }

type services struct {
	e      *Endpoint
	remote endpoint.Endpoint
	closed atomic.Bool

	mu   sync.Mutex
	reqs map[uint64]*request
}

func (s *services) check(c xfer.Copy) error {
	size := s.e.region.Size()
	if c.SrcOffset > size || c.Length > size-c.SrcOffset {
		return fmt.Errorf("%w: source [%d,+%d)", xfer.ErrOutOfRange, c.SrcOffset, c.Length)
	}
	if s.remote.Size != 0 && (c.DstOffset > s.remote.Size || c.Length > s.remote.Size-c.DstOffset) {
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
	r := &request{s: s, id: s.e.nextID.Add(1), copies: append([]xfer.Copy(nil), copies...)}
	s.mu.Lock()
	s.reqs[r.id] = r
	s.mu.Unlock()
	s.e.register(r)
	return r, nil
}

func (s *services) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.reqs {
		s.e.unregister(id)
		delete(s.reqs, id)
	}
	return nil
}

// request is one reusable transfer. Data groups go out on Post; the flag
// group follows once every data group is acknowledged.
type request struct {
	s  *services
	id uint64

	mu       sync.Mutex
	copies   []xfer.Copy
	gen      uint32
	data     []*group
	flag     *group
	status   xfer.Status
	err      error
	posted   time.Time
	progress bool
	stalled  int
	resends  int
}

func (r *request) Post() error {
	if r.s.closed.Load() {
		return xfer.ErrClosed
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	data, flag, err := xfer.SplitCopies(r.copies)
	if err != nil {
		return err
	}
	e := r.s.e
	r.gen++
	c := cookie(r.id, r.gen)
	chunk := uint64(e.packetData())

	r.data = r.data[:0]
	for _, cp := range data {
		n := max(1, (cp.Length+chunk-1)/chunk)
		if n > 0xFFFF {
			return fmt.Errorf("udp: copy of %d bytes needs %d packets", cp.Length, n)
		}
		g := &group{acked: make([]bool, n), remaining: int(n)}
		gi := len(r.data)
		for pi := uint64(0); pi < n; pi++ {
			off := pi * chunk
			length := min(chunk, cp.Length-off)
			src, err := e.region.Bytes(cp.SrcOffset+off, length)
			if err != nil {
				return err
			}
			g.packets = append(g.packets, packet(Header{
				Type:                PacketDMAWrite,
				Offset:              cp.DstOffset + off,
				Length:              uint32(length),
				TransactionSequence: sequence(gi, int(pi)),
				TransactionCookie:   c,
				TransactionLength:   uint16(n),
			}, src))
		}
		r.data = append(r.data, g)
	}

	r.flag = nil
	if flag != nil {
		v, err := xfer.LoadWord(e.region, flag.SrcOffset)
		if err != nil {
			return err
		}
		var word [xfer.WordSize]byte
		binary.LittleEndian.PutUint32(word[:], v)
		r.flag = &group{acked: make([]bool, 1), remaining: 1}
		r.flag.packets = [][]byte{packet(Header{
			Type:                PacketDMAWrite,
			Offset:              flag.DstOffset,
			Length:              xfer.WordSize,
			TransactionSequence: sequence(len(r.data), 0),
			TransactionCookie:   c,
			TransactionLength:   1,
		}, word[:])}
	}

	r.status, r.err = xfer.StatusPending, nil
	r.posted = time.Now()
	r.stalled, r.resends, r.progress = 0, 0, false

	for _, g := range r.data {
		r.sendGroup(g, false)
	}
	r.advanceLocked()
	return nil
}

func packet(h Header, payload []byte) []byte {
	b := make([]byte, HeaderSize+len(payload))
	h.encode(b)
	copy(b[HeaderSize:], payload)
	return b
}

func (r *request) sendGroup(g *group, resend bool) {
	e := r.s.e
	g.sent = true
	for i, p := range g.packets {
		if g.acked[i] {
			continue
		}
		if resend && !e.limiter.Allow() {
			return
		}
		e.metrics.RecordSend(Protocol, resend)
		if err := e.sock.Send(r.s.remote.Address, p); err != nil {
			e.log.Debug("packet send failed", zap.Uint64("request", r.id), zap.Error(err))
		}
	}
}

// advanceLocked sends the flag once the data is in and completes the
// request once everything is.
func (r *request) advanceLocked() {
	if r.status != xfer.StatusPending {
		return
	}
	for _, g := range r.data {
		if !g.complete() {
			return
		}
	}
	if r.flag != nil && !r.flag.complete() {
		if !r.flag.sent {
			r.sendGroup(r.flag, false)
		}
		return
	}
	r.status = xfer.StatusComplete
	r.s.e.metrics.ObserveTransaction(Protocol, time.Since(r.posted))
}

func (r *request) ack(gen uint32, seq uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen != r.gen || r.status != xfer.StatusPending {
		return
	}
	gi, pi := splitSequence(seq)
	var g *group
	switch {
	case gi < len(r.data):
		g = r.data[gi]
	case gi == len(r.data) && r.flag != nil:
		g = r.flag
	default:
		return
	}
	if pi >= len(g.acked) || g.acked[pi] {
		return
	}
	g.acked[pi] = true
	g.remaining--
	r.progress = true
	r.s.e.metrics.RecordAcks(Protocol, 1)
	r.advanceLocked()
}

// checkDrops is run by the drop monitor. A request that made no progress
// for limit checks has its first incomplete group resent.
func (r *request) checkDrops(limit, maxResends int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != xfer.StatusPending {
		return
	}
	if r.progress {
		r.progress, r.stalled = false, 0
		return
	}
	r.stalled++
	if r.stalled <= limit {
		return
	}
	r.stalled = 0
	if r.resends >= maxResends {
		r.status = xfer.StatusError
		r.err = fmt.Errorf("%w: request %d to %s after %d rounds", ErrResendLimit, r.id, r.s.remote, r.resends)
		r.s.e.metrics.RecordFailure(Protocol)
		r.s.e.log.Error("transfer failed", zap.Uint64("request", r.id), zap.Error(r.err))
		return
	}
	r.resends++
	for _, g := range r.data {
		if !g.complete() {
			r.s.e.log.Debug("resending data group", zap.Uint64("request", r.id))
			r.sendGroup(g, true)
			return
		}
	}
	if r.flag != nil {
		r.s.e.log.Debug("resending flag", zap.Uint64("request", r.id))
		r.sendGroup(r.flag, true)
	}
}

func (r *request) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status == xfer.StatusPending {
		r.status, r.err = xfer.StatusError, err
	}
}

func (r *request) Status() xfer.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *request) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
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
