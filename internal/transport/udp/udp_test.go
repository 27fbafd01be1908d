package udp

import (
	"bytes"
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdrflow/dataplane/internal/endpoint"
	"github.com/sdrflow/dataplane/internal/metrics"
	"github.com/sdrflow/dataplane/internal/transport/datagram"
	"github.com/sdrflow/dataplane/internal/transport/xfer"
)

// lossySocket drops outgoing packets chosen by drop.
type lossySocket struct {
	datagram.Socket

	mu   sync.Mutex
	drop func(h Header) bool
	log  []Header
}

func (s *lossySocket) Send(addr string, b []byte) error {
	h, err := decodeHeader(b)
	if err == nil {
		s.mu.Lock()
		s.log = append(s.log, h)
		drop := s.drop != nil && s.drop(h)
		s.mu.Unlock()
		if drop {
			return nil
		}
	}
	return s.Socket.Send(addr, b)
}

func (s *lossySocket) setDrop(f func(h Header) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drop = f
}

func (s *lossySocket) sent() []Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Header(nil), s.log...)
}

func testOptions() Options {
	return Options{
		DropCheckInterval: 2 * time.Millisecond,
		DropCheckLimit:    3,
		ResendRate:        100000,
		MaxResends:        10,
		ReceiveTimeout:    5 * time.Millisecond,
	}
}

func newTestEndpoint(t *testing.T, mailbox uint16, opts Options, m *metrics.Metrics) (*Endpoint, *lossySocket) {
	t.Helper()
	us, err := datagram.ListenUDP("127.0.0.1;0")
	require.NoError(t, err)
	sock := &lossySocket{Socket: us}
	e := NewEndpoint(endpoint.Endpoint{
		Protocol: Protocol,
		Address:  us.Address(),
		Size:     64 << 10,
		MailBox:  mailbox,
		MaxCount: 4,
	}, sock, opts, nil, m)
	t.Cleanup(func() { e.Close() })
	return e, sock
}

func TestHeaderRoundTrip(t *testing.T) {
	in := Header{
		Type:                PacketMultiAck,
		Offset:              1 << 40,
		Length:              1440,
		TransactionSequence: sequence(3, 17),
		TransactionCookie:   cookie(9, 2),
		TransactionLength:   40,
	}
	b := make([]byte, HeaderSize)
	in.encode(b)
	out, err := decodeHeader(b)
	require.NoError(t, err)
	assert.Equal(t, in, out)

	g, p := splitSequence(out.TransactionSequence)
	assert.Equal(t, 3, g)
	assert.Equal(t, 17, p)
	id, gen := splitCookie(out.TransactionCookie)
	assert.Equal(t, uint64(9), id)
	assert.Equal(t, uint32(2), gen)

	_, err = decodeHeader(b[:HeaderSize-1])
	assert.ErrorIs(t, err, errShortPacket)
	assert.Equal(t, "dma-write", PacketDMAWrite.String())
}

func post(t *testing.T, a, b *Endpoint, n uint64, flag uint32) (xfer.Request, []byte) {
	t.Helper()
	svc, err := a.Connect(b.Info())
	require.NoError(t, err)
	src, err := a.Region().Bytes(0, n)
	require.NoError(t, err)
	for i := range src {
		src[i] = byte(i) ^ byte(flag)
	}
	require.NoError(t, xfer.StoreWord(a.Region(), 60000, flag))
	req, err := svc.CreateRequest(
		xfer.Copy{SrcOffset: 0, DstOffset: 4096, Length: n},
		xfer.Copy{SrcOffset: 60000, DstOffset: 64, Length: xfer.WordSize, Flag: true},
	)
	require.NoError(t, err)
	require.NoError(t, req.Post())
	return req, bytes.Clone(src)
}

// waitFlag waits for the flag word through an atomic load. Data written
// before the flag may be read once it returns.
func waitFlag(t *testing.T, b *Endpoint, flag uint32) {
	t.Helper()
	require.Eventually(t, func() bool {
		v, _ := xfer.LoadWord(b.Region(), 64)
		return v == flag
	}, 5*time.Second, 100*time.Microsecond)
}

func checkData(t *testing.T, b *Endpoint, want []byte) {
	t.Helper()
	got, err := b.Region().Bytes(4096, uint64(len(want)))
	require.NoError(t, err)
	assert.Equal(t, want, bytes.Clone(got), "flag landed before data")
}

func acksSent(s *lossySocket) int {
	n := 0
	for _, h := range s.sent() {
		if h.Type == PacketAck {
			n++
		}
	}
	return n
}

func TestTransferFlagLast(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	a, sa := newTestEndpoint(t, 1, testOptions(), m)
	b, _ := newTestEndpoint(t, 2, testOptions(), nil)

	req, want := post(t, a, b, 10000, 0xfeed)
	waitFlag(t, b, 0xfeed)
	checkData(t, b, want)
	require.Eventually(t, func() bool { return req.Status() == xfer.StatusComplete }, 5*time.Second, time.Millisecond)

	sent := sa.sent()
	require.NotEmpty(t, sent)
	last := sent[len(sent)-1]
	assert.Equal(t, uint64(64), last.Offset, "flag must be the final packet")
	assert.Equal(t, uint32(xfer.WordSize), last.Length)
	distinct := map[uint32]bool{}
	for _, h := range sent {
		distinct[h.TransactionSequence] = true
	}
	assert.Len(t, distinct, 8) // 7 data packets of 1440 bytes + flag
	assert.Equal(t, 8.0, testutil.ToFloat64(m.AcksReceived.WithLabelValues(Protocol)))
}

func TestDroppedPacketsAreResent(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	a, sa := newTestEndpoint(t, 1, testOptions(), m)
	b, _ := newTestEndpoint(t, 2, testOptions(), nil)

	// Lose the first send of packet 2 and of the flag.
	seen := map[Header]bool{}
	sa.setDrop(func(h Header) bool {
		_, p := splitSequence(h.TransactionSequence)
		if (p == 2 || h.Length == xfer.WordSize) && !seen[h] {
			seen[h] = true
			return true
		}
		return false
	})

	req, want := post(t, a, b, 6000, 7)
	waitFlag(t, b, 7)
	checkData(t, b, want)
	require.Eventually(t, func() bool { return req.Status() == xfer.StatusComplete }, 5*time.Second, time.Millisecond)
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.FramesResent.WithLabelValues(Protocol)), 2.0)
}

func TestResendLimit(t *testing.T) {
	opts := testOptions()
	opts.MaxResends = 2
	m := metrics.New(prometheus.NewRegistry())
	a, sa := newTestEndpoint(t, 1, opts, m)
	b, _ := newTestEndpoint(t, 2, opts, nil)
	sa.setDrop(func(Header) bool { return true })

	req, _ := post(t, a, b, 100, 1)
	require.Eventually(t, func() bool { return req.Status() == xfer.StatusError }, 5*time.Second, time.Millisecond)
	assert.ErrorIs(t, req.Err(), ErrResendLimit)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TransactionsFailed.WithLabelValues(Protocol)))

	v, err := xfer.LoadWord(b.Region(), 64)
	require.NoError(t, err)
	assert.Zero(t, v)
}

func TestFlagOnly(t *testing.T) {
	a, sa := newTestEndpoint(t, 1, testOptions(), nil)
	b, _ := newTestEndpoint(t, 2, testOptions(), nil)

	svc, err := a.Connect(b.Info())
	require.NoError(t, err)
	require.NoError(t, xfer.StoreWord(a.Region(), 0, 42))
	req, err := svc.CreateRequest(xfer.Copy{DstOffset: 128, Length: xfer.WordSize, Flag: true})
	require.NoError(t, err)
	require.NoError(t, req.Post())

	require.Eventually(t, func() bool { return req.Status() == xfer.StatusComplete }, 5*time.Second, time.Millisecond)
	v, err := xfer.LoadWord(b.Region(), 128)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), v)
	assert.Len(t, sa.sent(), 1)
}

func TestRepostIgnoresStaleAcks(t *testing.T) {
	a, _ := newTestEndpoint(t, 1, testOptions(), nil)
	b, _ := newTestEndpoint(t, 2, testOptions(), nil)

	req, want := post(t, a, b, 3000, 1)
	waitFlag(t, b, 1)
	require.Eventually(t, func() bool { return req.Status() == xfer.StatusComplete }, 5*time.Second, time.Millisecond)

	r := req.(*request)
	r.mu.Lock()
	oldGen := r.gen
	r.mu.Unlock()

	require.NoError(t, xfer.StoreWord(a.Region(), 60000, 2))
	require.NoError(t, req.Post())
	r.ack(oldGen, sequence(0, 0))
	waitFlag(t, b, 2)
	require.Eventually(t, func() bool { return req.Status() == xfer.StatusComplete }, 5*time.Second, time.Millisecond)
	checkData(t, b, want)
}

// A data packet and a flag resent after the consumer already took the
// buffer are acknowledged again but must not touch the region.
func TestLateDuplicateIsAckedNotApplied(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	a, sa := newTestEndpoint(t, 1, testOptions(), nil)
	b, sb := newTestEndpoint(t, 2, testOptions(), m)

	req, want := post(t, a, b, 3000, 5)
	waitFlag(t, b, 5)
	require.Eventually(t, func() bool { return req.Status() == xfer.StatusComplete }, 5*time.Second, time.Millisecond)
	checkData(t, b, want)

	// The consumer releases the buffer.
	require.NoError(t, xfer.StoreWord(b.Region(), 64, 0))
	dst, err := b.Region().Bytes(4096, 16)
	require.NoError(t, err)
	clear(dst)

	r := req.(*request)
	r.mu.Lock()
	late := [][]byte{bytes.Clone(r.data[0].packets[0]), bytes.Clone(r.flag.packets[0])}
	r.mu.Unlock()
	acks := acksSent(sb)
	for _, p := range late {
		require.NoError(t, sa.Socket.Send(b.Info().Address, p))
	}
	require.Eventually(t, func() bool { return acksSent(sb) >= acks+len(late) }, 5*time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.DuplicateFrames.WithLabelValues(Protocol)) >= float64(len(late))
	}, 5*time.Second, time.Millisecond)

	v, err := xfer.LoadWord(b.Region(), 64)
	require.NoError(t, err)
	assert.Zero(t, v, "late flag marked a released buffer full")
	assert.Equal(t, make([]byte, 16), bytes.Clone(dst))
}

func TestPacketHistoryEvictsOldest(t *testing.T) {
	h := &packetHistory{seen: make(map[packetID]struct{})}
	for i := range historySize + 1 {
		h.add(packetID{cookie: 1, seq: uint32(i)})
	}
	assert.Len(t, h.seen, historySize)
	assert.NotContains(t, h.seen, packetID{cookie: 1, seq: 0})
	assert.Contains(t, h.seen, packetID{cookie: 1, seq: historySize})
}

func TestMultiAck(t *testing.T) {
	a, sa := newTestEndpoint(t, 1, testOptions(), nil)
	b, _ := newTestEndpoint(t, 2, testOptions(), nil)
	sa.setDrop(func(h Header) bool { return h.Type == PacketDMAWrite })

	svc, err := a.Connect(b.Info())
	require.NoError(t, err)
	req, err := svc.CreateRequest(xfer.Copy{Length: 3000})
	require.NoError(t, err)
	require.NoError(t, req.Post())
	r := req.(*request)

	// Three packets acknowledged in one datagram.
	pkt := make([]byte, HeaderSize+12)
	Header{Type: PacketMultiAck, Length: 12, TransactionCookie: cookie(r.id, 1)}.encode(pkt)
	for i := range 3 {
		binary.LittleEndian.PutUint32(pkt[HeaderSize+4*i:], sequence(0, i))
	}
	a.handle(pkt, b.Info().Address)
	assert.Equal(t, xfer.StatusComplete, req.Status())
}

func TestServicesClose(t *testing.T) {
	a, _ := newTestEndpoint(t, 1, testOptions(), nil)
	b, _ := newTestEndpoint(t, 2, testOptions(), nil)

	svc, err := a.Connect(b.Info())
	require.NoError(t, err)
	_, err = svc.CreateRequest(xfer.Copy{DstOffset: 64 << 10, Length: 1})
	assert.ErrorIs(t, err, xfer.ErrOutOfRange)

	req, err := svc.CreateRequest(xfer.Copy{Length: 1})
	require.NoError(t, err)
	assert.Len(t, a.snapshot(), 1)
	require.NoError(t, svc.Close())
	assert.Empty(t, a.snapshot())
	assert.ErrorIs(t, req.Post(), xfer.ErrClosed)

	_, err = a.Connect(endpoint.Endpoint{Protocol: datagram.UDPProtocol})
	assert.ErrorIs(t, err, xfer.ErrUnsupported)
}

func TestDriver(t *testing.T) {
	reg, err := xfer.NewRegistry(NewDriver(testOptions(), nil, nil))
	require.NoError(t, err)
	ep, err := reg.NewEndpoint(context.Background(), endpoint.Endpoint{
		Protocol: Protocol, Address: "127.0.0.1;0", Size: 4096, MailBox: 1, MaxCount: 2,
	})
	require.NoError(t, err)
	defer ep.Close()

	_, port, err := endpoint.HostPort(ep.Info().Address)
	require.NoError(t, err)
	assert.NotZero(t, port)
	assert.True(t, ep.Info().Local)
	assert.Equal(t, uint64(4096), ep.Region().Size())
}
