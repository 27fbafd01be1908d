package xfer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sdrflow/dataplane/internal/endpoint"
)

func TestMemRegionBounds(t *testing.T) {
	r := NewMemRegion(64)
	assert.Equal(t, uint64(64), r.Size())

	b, err := r.Bytes(60, 4)
	require.NoError(t, err)
	assert.Len(t, b, 4)

	for _, tc := range []struct{ off, n uint64 }{{61, 4}, {65, 0}, {0, 65}, {^uint64(0), 2}} {
		_, err := r.Bytes(tc.off, tc.n)
		assert.ErrorIs(t, err, ErrOutOfRange, "off=%d n=%d", tc.off, tc.n)
	}
}

func TestWordAccess(t *testing.T) {
	r := NewMemRegion(32)

	require.NoError(t, StoreWord(r, 8, 7))
	v, err := LoadWord(r, 8)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), v)

	v, err = AddWord(r, 8, 3)
	require.NoError(t, err)
	assert.Equal(t, uint32(10), v)

	_, err = LoadWord(r, 6)
	assert.ErrorIs(t, err, ErrOutOfRange)
	assert.ErrorIs(t, StoreWord(r, 32, 1), ErrOutOfRange)
}

func TestMemRegionWaitWord(t *testing.T) {
	r := NewMemRegion(16)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for {
			v, err := LoadWord(r, 4)
			if err != nil || v == 1 {
				done <- err
				return
			}
			if err := r.WaitWord(ctx, 4, v); err != nil {
				done <- err
				return
			}
		}
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, StoreWord(r, 4, 1))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter was not woken")
	}
}

func TestMemRegionWaitWordContext(t *testing.T) {
	r := NewMemRegion(16)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.WaitWord(ctx, 0, 0), context.DeadlineExceeded)
}

func TestSplitCopies(t *testing.T) {
	data, flag, err := SplitCopies([]Copy{
		{SrcOffset: 0, DstOffset: 0, Length: 16},
		{SrcOffset: 16, DstOffset: 32, Length: 4, Flag: true},
		{SrcOffset: 20, DstOffset: 40, Length: 8},
	})
	require.NoError(t, err)
	assert.Len(t, data, 2)
	require.NotNil(t, flag)
	assert.Equal(t, uint64(32), flag.DstOffset)

	_, _, err = SplitCopies([]Copy{{Length: 4, Flag: true}, {Length: 4, Flag: true}})
	assert.ErrorIs(t, err, ErrUnsupported)
	_, _, err = SplitCopies([]Copy{{Length: 8, Flag: true}})
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestCopyServicesFlagAfterData(t *testing.T) {
	src := NewMemRegion(128)
	dst := NewMemRegion(128)

	payload, _ := src.Bytes(0, 16)
	copy(payload, "0123456789abcdef")
	require.NoError(t, StoreWord(src, 64, 1))

	s := NewCopyServices(src, dst)
	req, err := s.CreateRequest(
		Copy{SrcOffset: 64, DstOffset: 100, Length: WordSize, Flag: true},
		Copy{SrcOffset: 0, DstOffset: 16, Length: 16},
	)
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, req.Status())

	require.NoError(t, req.Post())
	assert.Equal(t, StatusComplete, req.Status())

	got, _ := dst.Bytes(16, 16)
	assert.Equal(t, "0123456789abcdef", string(got))
	flag, _ := LoadWord(dst, 100)
	assert.Equal(t, uint32(1), flag)
}

func TestCopyServicesModify(t *testing.T) {
	src := NewMemRegion(64)
	dst := NewMemRegion(64)
	a, _ := src.Bytes(0, 4)
	copy(a, "aaaa")
	b, _ := src.Bytes(8, 4)
	copy(b, "bbbb")

	s := NewCopyServices(src, dst)
	req, err := s.CreateRequest(Copy{SrcOffset: 0, DstOffset: 32, Length: 4})
	require.NoError(t, err)

	old, err := req.Modify([]uint64{8})
	require.NoError(t, err)
	assert.Equal(t, []uint64{0}, old)
	require.NoError(t, req.Post())

	got, _ := dst.Bytes(32, 4)
	assert.Equal(t, "bbbb", string(got))

	_, err = req.Modify([]uint64{62})
	assert.ErrorIs(t, err, ErrOutOfRange)
	_, err = req.Modify([]uint64{0, 0})
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestCopyServicesRejectsBadRanges(t *testing.T) {
	s := NewCopyServices(NewMemRegion(16), NewMemRegion(16))
	_, err := s.CreateRequest(Copy{SrcOffset: 8, DstOffset: 0, Length: 16})
	assert.ErrorIs(t, err, ErrOutOfRange)

	req, err := s.CreateRequest(Copy{Length: 8})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	assert.ErrorIs(t, req.Post(), ErrClosed)
	_, err = s.CreateRequest(Copy{Length: 8})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestLocalDriverConnectAndPull(t *testing.T) {
	reg, err := NewRegistry(NewLocalDriver())
	require.NoError(t, err)
	assert.Equal(t, []string{LocalProtocol}, reg.Protocols())

	ctx := context.Background()
	a, err := reg.NewEndpoint(ctx, endpoint.Endpoint{Protocol: LocalProtocol, Address: "a", Size: 64, MailBox: 1, MaxCount: 4})
	require.NoError(t, err)
	b, err := reg.NewEndpoint(ctx, endpoint.Endpoint{Protocol: LocalProtocol, Address: "b", Size: 64, MailBox: 2, MaxCount: 4})
	require.NoError(t, err)
	assert.True(t, a.Info().Local)

	_, err = reg.NewEndpoint(ctx, endpoint.Endpoint{Protocol: LocalProtocol, Address: "a", Size: 64})
	assert.Error(t, err)

	push, err := a.Connect(b.Info())
	require.NoError(t, err)
	require.NoError(t, StoreWord(a.Region(), 0, 42))
	req, err := push.CreateRequest(Copy{SrcOffset: 0, DstOffset: 8, Length: WordSize, Flag: true})
	require.NoError(t, err)
	require.NoError(t, req.Post())
	v, _ := LoadWord(b.Region(), 8)
	assert.Equal(t, uint32(42), v)

	pull, err := b.(Puller).Pull(a.Info())
	require.NoError(t, err)
	req, err = pull.CreateRequest(Copy{SrcOffset: 0, DstOffset: 16, Length: 4})
	require.NoError(t, err)
	require.NoError(t, req.Post())
	v, _ = LoadWord(b.Region(), 16)
	assert.Equal(t, uint32(42), v)

	require.NoError(t, b.Close())
	_, err = a.Connect(b.Info())
	assert.Error(t, err)
}

func TestRegistryErrors(t *testing.T) {
	_, err := NewRegistry(NewLocalDriver(), NewLocalDriver())
	assert.Error(t, err)

	reg, err := NewRegistry()
	require.NoError(t, err)
	_, err = reg.Driver("dgram")
	assert.ErrorIs(t, err, ErrNoDriver)
}
