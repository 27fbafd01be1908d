package dataplane

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sdrflow/dataplane/internal/endpoint"
	"github.com/sdrflow/dataplane/internal/transport/xfer"
)

const (
	// MaxBuffers bounds the ring of one port.
	MaxBuffers = 64
	// MaxPortContributors bounds the ports on one side of a circuit and
	// the port ordinals.
	MaxPortContributors = 16
)

// Direction says which side of a circuit a port is on.
type Direction uint8

const (
	Output Direction = iota
	Input
)

func (d Direction) String() string {
	if d == Output {
		return "output"
	}
	return "input"
}

// PortOptions selects how a port is reached.
type PortOptions struct {
	// Protocol names the driver; empty selects the local heap driver.
	Protocol string
	// Roles limits the transfer roles the port accepts. Zero accepts every
	// role its endpoint can serve.
	Roles endpoint.Options
	// Role is the preferred transfer role of an output port.
	Role endpoint.Role
}

// peer is what a port learned about one remote port during the handshake.
type peer struct {
	desc endpoint.Descriptor
	role endpoint.Role
	size uint32
	// mirror locates an output's copy of the peer input's buffer states.
	mirror uint64
	// shadow locates an input's copy of the peer output's buffer states.
	shadow uint64
	final  bool
}

type peerKey struct {
	endpoint string
	port     uint32
}

type wordRange struct {
	off uint64
	n   int
}

// Port is one side of a circuit: a ring of buffers in an endpoint region.
type Port struct {
	t       *Transport
	dir     Direction
	ordinal int
	opts    PortOptions
	ep      *localEndpoint
	layout  portLayout
	buffers []*Buffer
	cookie  uint64
	started atomic.Bool
	circuit atomic.Pointer[Circuit]

	// mu guards the handshake state.
	mu    sync.Mutex
	size  uint32
	peers map[peerKey]*peer
	// words keeps the mirror or shadow range allocated for a peer across
	// reconnects, since region memory is never returned.
	words map[peerKey]wordRange

	// Guarded by the circuit mutex once connected.
	rank      int
	fillQPtr  int
	emptyQPtr int
	lastTid   int
}

func (p *Port) String() string {
	if p.dir == Output {
		return fmt.Sprintf("out%d", p.ordinal)
	}
	return fmt.Sprintf("in%d", p.ordinal)
}

func (p *Port) Direction() Direction { return p.dir }
func (p *Port) Ordinal() int         { return p.ordinal }
func (p *Port) NBuffers() int        { return len(p.buffers) }

// Endpoint is the address peers reach the port's region at.
func (p *Port) Endpoint() endpoint.Endpoint { return p.ep.Info() }

// BufferSize is the negotiated buffer size once connected and the declared
// size before.
func (p *Port) BufferSize() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size
}

// DeclaredSize is the buffer size the port was created with.
func (p *Port) DeclaredSize() uint32 { return p.layout.size }

func (p *Port) key() peerKey {
	return peerKey{endpoint: p.Endpoint().String(), port: uint32(p.ordinal)}
}

// peerOf returns what p learned about q in the handshake.
func (p *Port) peerOf(q *Port) *peer {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pr, ok := p.peers[q.key()]; ok {
		return pr
	}
	return &peer{}
}

// Buffer returns the buffer at ring position tid.
func (p *Port) Buffer(tid int) *Buffer { return p.buffers[tid] }

// Circuit returns the circuit the port is connected through, or nil.
func (p *Port) Circuit() *Circuit { return p.circuit.Load() }

// Start and Stop mirror the owning worker's run state. A started port
// cannot be disconnected.
func (p *Port) Start()        { p.started.Store(true) }
func (p *Port) Stop()         { p.started.Store(false) }
func (p *Port) Started() bool { return p.started.Load() }

func (p *Port) region() xfer.Region { return p.ep.Region() }

// States returns the state of every buffer in ring order.
func (p *Port) States() []BufferState {
	if c := p.Circuit(); c != nil {
		c.mu.Lock()
		defer c.mu.Unlock()
	}
	out := make([]BufferState, len(p.buffers))
	for i, b := range p.buffers {
		out[i] = b.state
	}
	return out
}

func (p *Port) next(tid int) int { return (tid + 1) % len(p.buffers) }

// word and setWord access flag words of the port's own region. Every
// offset passed in was checked against the region when it was allocated.
func (p *Port) word(off uint64) uint32 {
	v, err := xfer.LoadWord(p.region(), off)
	if err != nil {
		panic(err)
	}
	return v
}

func (p *Port) setWord(off uint64, v uint32) {
	if err := xfer.StoreWord(p.region(), off, v); err != nil {
		panic(err)
	}
}

// reset returns every buffer and pointer to its initial state.
func (p *Port) reset() {
	for _, b := range p.buffers {
		b.state = BufferEmpty
		b.meta = Meta{}
		b.part = 0
		b.queued = false
		b.reqs = b.reqs[:0]
		b.target = -1
		b.pullFrom = -1
		p.setWord(b.flagOff(), EmptyValue)
	}
	p.fillQPtr, p.emptyQPtr, p.lastTid = 0, 0, -1
}

// PortSet is the ordered set of ports on one side of a circuit.
type PortSet []*Port

// Validate checks the set holds ports of one direction with distinct
// ordinals.
func (s PortSet) Validate(dir Direction) error {
	if len(s) == 0 || len(s) > MaxPortContributors {
		return &ConfigError{Port: dir.String() + " set", Err: fmt.Errorf("%w: %d ports", ErrPortCountMismatch, len(s))}
	}
	seen := make(map[int]bool, len(s))
	for _, p := range s {
		if p.dir != dir {
			return &ConfigError{Port: p.String(), Err: fmt.Errorf("%w: %s port in %s set", ErrPortCountMismatch, p.dir, dir)}
		}
		if seen[p.ordinal] {
			return &ConfigError{Port: p.String(), Err: fmt.Errorf("%w: duplicate ordinal %d", ErrPortIDRange, p.ordinal)}
		}
		seen[p.ordinal] = true
	}
	return nil
}
