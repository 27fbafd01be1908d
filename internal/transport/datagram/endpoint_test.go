package datagram

import (
	"bytes"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdrflow/dataplane/internal/endpoint"
	"github.com/sdrflow/dataplane/internal/metrics"
	"github.com/sdrflow/dataplane/internal/transport/xfer"
)

var errFakeClosed = errors.New("fake socket closed")

type packet struct {
	from string
	b    []byte
}

// hub is an in-memory datagram network with programmable loss,
// duplication and delay.
type hub struct {
	mu    sync.Mutex
	socks map[string]*fakeSocket

	sent      atomic.Int64
	dropEvery atomic.Int64 // drop every nth datagram when > 0
	dropAll   atomic.Bool
	duplicate atomic.Bool
	delay     atomic.Int64 // nanoseconds
}

func newHub() *hub {
	return &hub{socks: make(map[string]*fakeSocket)}
}

func (h *hub) socket(addr string) *fakeSocket {
	s := &fakeSocket{hub: h, addr: addr, in: make(chan packet, 1024), done: make(chan struct{})}
	h.mu.Lock()
	h.socks[addr] = s
	h.mu.Unlock()
	return s
}

func (h *hub) deliver(from, to string, b []byte) {
	n := h.sent.Add(1)
	if h.dropAll.Load() {
		return
	}
	if every := h.dropEvery.Load(); every > 0 && n%every == 0 {
		return
	}
	h.mu.Lock()
	dst := h.socks[to]
	h.mu.Unlock()
	if dst == nil {
		return
	}
	p := packet{from: from, b: bytes.Clone(b)}
	push := func() {
		select {
		case dst.in <- p:
		case <-dst.done:
		default:
		}
	}
	copies := 1
	if h.duplicate.Load() {
		copies = 2
	}
	for range copies {
		if d := time.Duration(h.delay.Load()); d > 0 {
			time.AfterFunc(d, push)
		} else {
			push()
		}
	}
}

type fakeSocket struct {
	hub  *hub
	addr string
	in   chan packet
	done chan struct{}
	once sync.Once
}

func (s *fakeSocket) Send(addr string, b []byte) error {
	select {
	case <-s.done:
		return errFakeClosed
	default:
	}
	s.hub.deliver(s.addr, addr, b)
	return nil
}

func (s *fakeSocket) Receive(b []byte, timeout time.Duration) (int, string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case p := <-s.in:
		return copy(b, p.b), p.from, nil
	case <-timer.C:
		return 0, "", nil
	case <-s.done:
		return 0, "", errFakeClosed
	}
}

func (s *fakeSocket) MaxPayloadSize() int { return UDPMaxPayload }

func (s *fakeSocket) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func testOptions() Options {
	return Options{
		AckTimeout:       10 * time.Millisecond,
		AckFlushInterval: time.Millisecond,
		MonitorInterval:  time.Millisecond,
		MaxResends:       20,
		ReceiveTimeout:   5 * time.Millisecond,
	}
}

const testRegionSize = 64 << 10

func newTestEndpoint(t *testing.T, h *hub, addr string, mailbox uint16, opts Options, m *metrics.Metrics) *Endpoint {
	t.Helper()
	info := endpoint.Endpoint{Protocol: UDPProtocol, Address: addr, Size: testRegionSize, MailBox: mailbox, MaxCount: 8}
	e := NewEndpoint(UDPProtocol, info, h.socket(addr), opts, nil, m)
	t.Cleanup(func() { e.Close() })
	return e
}

func fill(t *testing.T, r xfer.Region, off, n uint64, seed byte) []byte {
	t.Helper()
	b, err := r.Bytes(off, n)
	require.NoError(t, err)
	for i := range b {
		b[i] = seed + byte(i*7)
	}
	return bytes.Clone(b)
}

func readRegion(t *testing.T, r xfer.Region, off, n uint64) []byte {
	t.Helper()
	b, err := r.Bytes(off, n)
	require.NoError(t, err)
	return bytes.Clone(b)
}

func waitStatus(t *testing.T, req xfer.Request, want xfer.Status) {
	t.Helper()
	require.Eventually(t, func() bool { return req.Status() == want }, 5*time.Second, time.Millisecond,
		"request never reached %s", want)
}

// transfer posts n bytes plus a flag word from a to b and waits for the
// flag. The data must be in place whenever the flag is seen.
func transfer(t *testing.T, a, b *Endpoint, n uint64, flag uint32) xfer.Request {
	t.Helper()
	svc, err := a.Connect(b.Info())
	require.NoError(t, err)

	const dataOff, flagSrc, flagDst = 0, 40000, 50000
	want := fill(t, a.Region(), dataOff, n, byte(flag))
	require.NoError(t, xfer.StoreWord(a.Region(), flagSrc, flag))

	req, err := svc.CreateRequest(
		xfer.Copy{SrcOffset: dataOff, DstOffset: 1000, Length: n},
		xfer.Copy{SrcOffset: flagSrc, DstOffset: flagDst, Length: xfer.WordSize, Flag: true},
	)
	require.NoError(t, err)
	require.NoError(t, req.Post())

	require.Eventually(t, func() bool {
		if v, _ := xfer.LoadWord(b.Region(), flagDst); v != flag {
			return false
		}
		got, _ := b.Region().Bytes(1000, n)
		assert.Equal(t, want, bytes.Clone(got), "flag landed before data")
		return true
	}, 5*time.Second, 100*time.Microsecond)
	waitStatus(t, req, xfer.StatusComplete)
	return req
}

func TestTransferSplitsAcrossFrames(t *testing.T) {
	h := newHub()
	m := metrics.New(prometheus.NewRegistry())
	a := newTestEndpoint(t, h, "a", 1, testOptions(), m)
	b := newTestEndpoint(t, h, "b", 2, testOptions(), nil)

	transfer(t, a, b, 5000, 0x11)
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.FramesSent.WithLabelValues(UDPProtocol)), 4.0)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.FramesInFlight.WithLabelValues(UDPProtocol)))
	assert.Equal(t, 1, testutil.CollectAndCount(m.TransactionTime))
}

func TestSmallMessagesShareAFrame(t *testing.T) {
	h := newHub()
	m := metrics.New(prometheus.NewRegistry())
	a := newTestEndpoint(t, h, "a", 1, testOptions(), m)
	b := newTestEndpoint(t, h, "b", 2, testOptions(), nil)

	svc, err := a.Connect(b.Info())
	require.NoError(t, err)
	var copies []xfer.Copy
	for i := range uint64(4) {
		fill(t, a.Region(), i*100, 16, byte(i))
		copies = append(copies, xfer.Copy{SrcOffset: i * 100, DstOffset: i * 200, Length: 16})
	}
	req, err := svc.CreateRequest(copies...)
	require.NoError(t, err)
	require.NoError(t, req.Post())
	waitStatus(t, req, xfer.StatusComplete)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.FramesSent.WithLabelValues(UDPProtocol)))
	for i := range uint64(4) {
		assert.Equal(t, readRegion(t, a.Region(), i*100, 16), readRegion(t, b.Region(), i*200, 16))
	}
}

func TestTransferSurvivesLoss(t *testing.T) {
	h := newHub()
	h.dropEvery.Store(3)
	m := metrics.New(prometheus.NewRegistry())
	a := newTestEndpoint(t, h, "a", 1, testOptions(), m)
	b := newTestEndpoint(t, h, "b", 2, testOptions(), nil)

	for i := range 5 {
		transfer(t, a, b, 12000, uint32(0x100+i))
	}
	assert.Positive(t, testutil.ToFloat64(m.FramesResent.WithLabelValues(UDPProtocol)))
}

func TestTransferSurvivesDelay(t *testing.T) {
	h := newHub()
	h.delay.Store(int64(15 * time.Millisecond))
	a := newTestEndpoint(t, h, "a", 1, testOptions(), nil)
	b := newTestEndpoint(t, h, "b", 2, testOptions(), nil)

	transfer(t, a, b, 9000, 7)
}

func TestDuplicatesAreAppliedOnce(t *testing.T) {
	h := newHub()
	h.duplicate.Store(true)
	mb := metrics.New(prometheus.NewRegistry())
	a := newTestEndpoint(t, h, "a", 1, testOptions(), nil)
	b := newTestEndpoint(t, h, "b", 2, testOptions(), mb)

	transfer(t, a, b, 3000, 21)
	assert.Positive(t, testutil.ToFloat64(mb.DuplicateFrames.WithLabelValues(UDPProtocol)))

	// A late duplicate of the first transaction must not undo the second.
	transfer(t, a, b, 3000, 22)
	time.Sleep(20 * time.Millisecond)
	v, err := xfer.LoadWord(b.Region(), 50000)
	require.NoError(t, err)
	assert.Equal(t, uint32(22), v)
}

func TestFlagOnlyTransaction(t *testing.T) {
	h := newHub()
	a := newTestEndpoint(t, h, "a", 1, testOptions(), nil)
	b := newTestEndpoint(t, h, "b", 2, testOptions(), nil)

	svc, err := a.Connect(b.Info())
	require.NoError(t, err)
	require.NoError(t, xfer.StoreWord(a.Region(), 0, 99))
	req, err := svc.CreateRequest(xfer.Copy{SrcOffset: 0, DstOffset: 64, Length: xfer.WordSize, Flag: true})
	require.NoError(t, err)
	require.NoError(t, req.Post())

	require.Eventually(t, func() bool {
		v, _ := xfer.LoadWord(b.Region(), 64)
		return v == 99
	}, 5*time.Second, time.Millisecond)
	waitStatus(t, req, xfer.StatusComplete)
}

func TestFlagValueReadAtPost(t *testing.T) {
	h := newHub()
	h.delay.Store(int64(10 * time.Millisecond))
	a := newTestEndpoint(t, h, "a", 1, testOptions(), nil)
	b := newTestEndpoint(t, h, "b", 2, testOptions(), nil)

	svc, err := a.Connect(b.Info())
	require.NoError(t, err)
	require.NoError(t, xfer.StoreWord(a.Region(), 0, 5))
	req, err := svc.CreateRequest(xfer.Copy{SrcOffset: 0, DstOffset: 8, Length: xfer.WordSize, Flag: true})
	require.NoError(t, err)
	require.NoError(t, req.Post())
	require.NoError(t, xfer.StoreWord(a.Region(), 0, 6))

	waitStatus(t, req, xfer.StatusComplete)
	v, err := xfer.LoadWord(b.Region(), 8)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), v)
}

func TestResendLimitFailsOnlyThatTransaction(t *testing.T) {
	h := newHub()
	opts := testOptions()
	opts.AckTimeout = 5 * time.Millisecond
	opts.MaxResends = 3
	m := metrics.New(prometheus.NewRegistry())
	a := newTestEndpoint(t, h, "a", 1, opts, m)
	b := newTestEndpoint(t, h, "b", 2, opts, nil)

	svc, err := a.Connect(b.Info())
	require.NoError(t, err)
	req, err := svc.CreateRequest(xfer.Copy{SrcOffset: 0, DstOffset: 0, Length: 3000})
	require.NoError(t, err)

	h.dropAll.Store(true)
	require.NoError(t, req.Post())
	waitStatus(t, req, xfer.StatusError)
	assert.ErrorIs(t, req.Err(), ErrResendLimit)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TransactionsFailed.WithLabelValues(UDPProtocol)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.FramesInFlight.WithLabelValues(UDPProtocol)))

	h.dropAll.Store(false)
	transfer(t, a, b, 2000, 3)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TransactionsFailed.WithLabelValues(UDPProtocol)))
}

func TestWindowFull(t *testing.T) {
	h := newHub()
	h.dropAll.Store(true)
	opts := testOptions()
	opts.AckTimeout = time.Hour
	a := newTestEndpoint(t, h, "a", 1, opts, nil)
	b := newTestEndpoint(t, h, "b", 2, opts, nil)

	svc, err := a.Connect(b.Info())
	require.NoError(t, err)
	req, err := svc.CreateRequest(xfer.Copy{SrcOffset: 0, DstOffset: 0, Length: 8})
	require.NoError(t, err)
	for range MaxFrameHistory {
		require.NoError(t, req.Post())
	}
	assert.ErrorIs(t, req.Post(), ErrWindowFull)
}

func TestSelfConnect(t *testing.T) {
	h := newHub()
	a := newTestEndpoint(t, h, "a", 1, testOptions(), nil)
	transfer(t, a, a, 1500, 77)
}

func TestModifySources(t *testing.T) {
	h := newHub()
	a := newTestEndpoint(t, h, "a", 1, testOptions(), nil)
	b := newTestEndpoint(t, h, "b", 2, testOptions(), nil)

	svc, err := a.Connect(b.Info())
	require.NoError(t, err)
	fill(t, a.Region(), 0, 32, 1)
	second := fill(t, a.Region(), 4096, 32, 2)

	req, err := svc.CreateRequest(xfer.Copy{SrcOffset: 0, DstOffset: 128, Length: 32})
	require.NoError(t, err)
	old, err := req.Modify([]uint64{4096})
	require.NoError(t, err)
	assert.Equal(t, []uint64{0}, old)

	_, err = req.Modify([]uint64{testRegionSize})
	assert.ErrorIs(t, err, xfer.ErrOutOfRange)

	require.NoError(t, req.Post())
	waitStatus(t, req, xfer.StatusComplete)
	assert.Equal(t, second, readRegion(t, b.Region(), 128, 32))
}

func TestCreateRequestValidates(t *testing.T) {
	h := newHub()
	a := newTestEndpoint(t, h, "a", 1, testOptions(), nil)
	b := newTestEndpoint(t, h, "b", 2, testOptions(), nil)

	svc, err := a.Connect(b.Info())
	require.NoError(t, err)

	_, err = svc.CreateRequest(xfer.Copy{SrcOffset: testRegionSize - 4, Length: 8})
	assert.ErrorIs(t, err, xfer.ErrOutOfRange)
	_, err = svc.CreateRequest(xfer.Copy{DstOffset: testRegionSize, Length: 1})
	assert.ErrorIs(t, err, xfer.ErrOutOfRange)
	_, err = svc.CreateRequest(xfer.Copy{Length: 8, Flag: true})
	assert.ErrorIs(t, err, xfer.ErrUnsupported)

	_, err = a.Connect(endpoint.Endpoint{Protocol: "shm", Address: "x", Size: 1})
	assert.ErrorIs(t, err, xfer.ErrUnsupported)

	require.NoError(t, svc.Close())
	_, err = svc.CreateRequest(xfer.Copy{Length: 8})
	assert.ErrorIs(t, err, xfer.ErrClosed)
}

func TestDisconnectFailsPeer(t *testing.T) {
	h := newHub()
	a := newTestEndpoint(t, h, "a", 1, testOptions(), nil)
	b := newTestEndpoint(t, h, "b", 2, testOptions(), nil)

	req := transfer(t, a, b, 100, 1)
	require.NoError(t, b.Close())

	require.Eventually(t, func() bool {
		return errors.Is(req.Post(), ErrPeerGone)
	}, 5*time.Second, time.Millisecond)
}

func TestCloseFailsPending(t *testing.T) {
	h := newHub()
	h.dropAll.Store(true)
	opts := testOptions()
	opts.AckTimeout = time.Hour
	a := NewEndpoint(UDPProtocol, endpoint.Endpoint{Protocol: UDPProtocol, Address: "a", Size: testRegionSize, MailBox: 1, MaxCount: 4},
		h.socket("a"), opts, nil, nil)
	b := newTestEndpoint(t, h, "b", 2, opts, nil)

	svc, err := a.Connect(b.Info())
	require.NoError(t, err)
	req, err := svc.CreateRequest(xfer.Copy{Length: 8})
	require.NoError(t, err)
	require.NoError(t, req.Post())
	assert.Equal(t, xfer.StatusPending, req.Status())

	require.NoError(t, a.Close())
	assert.Equal(t, xfer.StatusError, req.Status())
	assert.ErrorIs(t, req.Err(), xfer.ErrClosed)
	require.NoError(t, a.Close())

	_, err = a.Connect(b.Info())
	assert.ErrorIs(t, err, xfer.ErrClosed)
}

func TestForeignMailboxDropped(t *testing.T) {
	h := newHub()
	a := newTestEndpoint(t, h, "a", 1, testOptions(), nil)
	b := newTestEndpoint(t, h, "b", 2, testOptions(), nil)

	// Aim at mailbox 3 on b's socket.
	info := b.Info()
	info.MailBox = 3
	svc, err := a.Connect(info)
	require.NoError(t, err)
	fill(t, a.Region(), 0, 16, 9)
	req, err := svc.CreateRequest(xfer.Copy{Length: 16})
	require.NoError(t, err)
	require.NoError(t, req.Post())

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, xfer.StatusPending, req.Status())
	assert.Equal(t, make([]byte, 16), readRegion(t, b.Region(), 0, 16))
}
