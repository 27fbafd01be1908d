package dataplane

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sdrflow/dataplane/internal/config"
	"github.com/sdrflow/dataplane/internal/logging"
)

func newTestTransport(t *testing.T, opts ...Option) *Transport {
	t.Helper()
	tr, err := New(config.Default(), append([]Option{WithLogger(logging.NewNop())}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr
}

func newOutputs(t *testing.T, tr *Transport, n, count int, size uint32, opts PortOptions) PortSet {
	t.Helper()
	var s PortSet
	for i := range n {
		p, err := tr.CreateOutputPort(context.Background(), i, count, size, opts)
		require.NoError(t, err)
		s = append(s, p)
	}
	return s
}

func newInputs(t *testing.T, tr *Transport, n, count int, size uint32, opts PortOptions) PortSet {
	t.Helper()
	var s PortSet
	for i := range n {
		p, err := tr.CreateInputPort(context.Background(), i, count, size, opts)
		require.NoError(t, err)
		s = append(s, p)
	}
	return s
}

// send fills the next empty buffer of out with payload and produces it.
func send(t *testing.T, c *Circuit, out *Port, payload string, eod bool) *Buffer {
	t.Helper()
	b := c.GetNextEmptyOutputBuffer(out)
	require.NotNil(t, b, "no empty buffer on %s for %q", out, payload)
	require.NoError(t, b.Put([]byte(payload), 7, eod))
	require.NoError(t, c.Send(b))
	return b
}

type received struct {
	payload  string
	seq      uint32
	producer int
	eod      bool
}

// drain consumes every full buffer of in.
func drain(t *testing.T, c *Circuit, in *Port) []received {
	t.Helper()
	var got []received
	for {
		b := c.GetNextFullInputBuffer(in)
		if b == nil {
			return got
		}
		got = append(got, received{payload: string(b.Data()), seq: b.Sequence(), producer: b.Producer(), eod: b.EndOfData()})
		_, err := c.Consume(b)
		require.NoError(t, err)
	}
}

func payloads(rs []received) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.payload
	}
	return out
}

func msg(i int) string { return fmt.Sprintf("payload-%d", i) }
