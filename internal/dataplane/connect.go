package dataplane

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/sdrflow/dataplane/internal/endpoint"
	"github.com/sdrflow/dataplane/internal/transport/xfer"
)

// Connecting an output (the user) to an input (the provider) takes four
// descriptor exchanges:
//
//	input   ProviderInfo        layout and the roles it accepts
//	output  UserInfo            resolved role, size, mirror words (AM)
//	input   FinalProviderInfo   shadow words (AFC)
//	output  FinalUserInfo       records the shadow words
//
// Each side allocates what depends on the other side only once it has seen
// the other side's descriptor.

// roles returns the output roles the port can serve.
func (p *Port) roles() endpoint.Options {
	if p.opts.Roles != 0 {
		return p.opts.Roles
	}
	if p.dir == Output {
		return endpoint.OptionsOf(endpoint.ActiveMessage, endpoint.ActiveFlowControl)
	}
	if p.ep.canPull() {
		return endpoint.OptionsOf(endpoint.ActiveMessage, endpoint.ActiveFlowControl)
	}
	return endpoint.OptionsOf(endpoint.ActiveMessage)
}

func (p *Port) descriptor() endpoint.Descriptor {
	typ := endpoint.Producer
	if p.dir == Input {
		typ = endpoint.Consumer
	}
	l := p.layout
	return endpoint.Descriptor{
		Type:               typ,
		Role:               endpoint.NoRole,
		Options:            p.roles(),
		NBuffers:           uint32(len(p.buffers)),
		DataBufferBaseAddr: l.data,
		DataBufferPitch:    uint32(l.pitch),
		DataBufferSize:     p.size,
		MetaDataBaseAddr:   l.meta,
		MetaDataPitch:      MetaSize,
		FullFlagBaseAddr:   l.flags,
		FullFlagSize:       uint32(len(p.buffers)) * xfer.WordSize,
		FullFlagPitch:      xfer.WordSize,
		FullFlagValue:      uint64(FullValue),
		EmptyFlagValue:     uint64(EmptyValue),
		ControlBaseAddr:    l.control,
		PortID:             uint32(p.ordinal),
		Endpoint:           p.Endpoint().String(),
		Cookie:             p.cookie,
	}
}

func descriptorKey(d endpoint.Descriptor) peerKey {
	return peerKey{endpoint: d.Endpoint, port: d.PortID}
}

func unpackFrom(s string, want endpoint.PortType) (endpoint.Descriptor, error) {
	d, err := endpoint.Unpack(s)
	if err != nil {
		return d, err
	}
	if d.Type != want {
		return d, fmt.Errorf("%w: got %s descriptor, want %s", ErrPortCountMismatch, d.Type, want)
	}
	if d.NBuffers == 0 || d.NBuffers > MaxBuffers {
		return d, fmt.Errorf("%w: peer has %d buffers", ErrInvalidBufferCount, d.NBuffers)
	}
	if d.DataBufferSize == 0 {
		return d, ErrInvalidBufferSize
	}
	return d, nil
}

// wordsFor returns n cleared words of p's region reserved for peer k.
// Called with p.mu held.
func (p *Port) wordsFor(k peerKey, n int) (uint64, error) {
	w, ok := p.words[k]
	if !ok || w.n < n {
		off, err := p.ep.alloc.alloc(align(uint64(n) * xfer.WordSize))
		if err != nil {
			return 0, err
		}
		w = wordRange{off: off, n: n}
		p.words[k] = w
	}
	for i := range n {
		p.setWord(w.off+uint64(i)*xfer.WordSize, EmptyValue)
	}
	return w.off, nil
}

// ProviderInfo is the first phase, run on an input port.
func (p *Port) ProviderInfo() (string, error) {
	if p.dir != Input {
		return "", fmt.Errorf("%w: %s is not an input", ErrPortCountMismatch, p)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.descriptor().Pack(), nil
}

// UserInfo is the second phase, run on an output port with the input's
// ProviderInfo. The output's preferred role wins when the input accepts
// it.
func (p *Port) UserInfo(provider string) (string, error) {
	return p.userInfo(provider, p.opts.Role)
}

func (p *Port) userInfo(provider string, pref endpoint.Role) (string, error) {
	if p.dir != Output {
		return "", fmt.Errorf("%w: %s is not an output", ErrPortCountMismatch, p)
	}
	in, err := unpackFrom(provider, endpoint.Consumer)
	if err != nil {
		return "", &ConfigError{Port: p.String(), Err: err}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	common := p.roles() & in.Options
	role := pref
	if !common.Supports(role) {
		role = common.DefaultRole()
	}
	if role == endpoint.NoRole {
		return "", &ConfigError{Port: p.String(), Err: fmt.Errorf("%w: no common role in %b and %b", ErrUnsupported, p.roles(), in.Options)}
	}

	k := descriptorKey(in)
	pr := &peer{desc: in, role: role, size: min(p.size, in.DataBufferSize)}
	if role == endpoint.ActiveMessage {
		if pr.mirror, err = p.wordsFor(k, int(in.NBuffers)); err != nil {
			return "", err
		}
	}
	p.peers[k] = pr
	p.size = pr.size

	d := p.descriptor()
	d.Role = role
	d.EmptyFlagBaseAddr = pr.mirror
	if pr.mirror != 0 {
		d.EmptyFlagSize = in.NBuffers * xfer.WordSize
		d.EmptyFlagPitch = xfer.WordSize
	}
	return d.Pack(), nil
}

// FinalProviderInfo is the third phase, run on the input port with the
// output's UserInfo.
func (p *Port) FinalProviderInfo(user string) (string, error) {
	if p.dir != Input {
		return "", fmt.Errorf("%w: %s is not an input", ErrPortCountMismatch, p)
	}
	out, err := unpackFrom(user, endpoint.Producer)
	if err != nil {
		return "", &ConfigError{Port: p.String(), Err: err}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.roles().Supports(out.Role) {
		return "", &ConfigError{Port: p.String(), Err: fmt.Errorf("%w: role %s", ErrUnsupported, out.Role)}
	}
	k := descriptorKey(out)
	pr := &peer{desc: out, role: out.Role, size: min(p.size, out.DataBufferSize), final: true}
	if out.Role == endpoint.ActiveFlowControl {
		if pr.shadow, err = p.wordsFor(k, int(out.NBuffers)); err != nil {
			return "", err
		}
	}
	p.peers[k] = pr
	p.size = pr.size

	d := p.descriptor()
	d.Role = inputRole(out.Role)
	d.ShadowBaseAddr = pr.shadow
	return d.Pack(), nil
}

// FinalUserInfo is the last phase, run on the output port with the
// input's FinalProviderInfo.
func (p *Port) FinalUserInfo(provider string) error {
	if p.dir != Output {
		return fmt.Errorf("%w: %s is not an output", ErrPortCountMismatch, p)
	}
	in, err := unpackFrom(provider, endpoint.Consumer)
	if err != nil {
		return &ConfigError{Port: p.String(), Err: err}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	pr, ok := p.peers[descriptorKey(in)]
	if !ok {
		return fmt.Errorf("%w: %s has no user info for %s", ErrNotConnected, p, in.Endpoint)
	}
	if in.Cookie != pr.desc.Cookie {
		return fmt.Errorf("%w: %s peer cookie changed", ErrAlreadyConnected, p)
	}
	if in.Role != inputRole(pr.role) {
		return &ConfigError{Port: p.String(), Err: fmt.Errorf("%w: peer took role %s for %s", ErrUnsupported, in.Role, pr.role)}
	}
	pr.desc = in
	pr.shadow = in.ShadowBaseAddr
	pr.size = min(pr.size, in.DataBufferSize)
	pr.final = true
	p.size = min(p.size, pr.size)
	return nil
}

// handshake runs the four phases between out and in.
func handshake(out, in *Port, pref endpoint.Role) error {
	pi, err := in.ProviderInfo()
	if err != nil {
		return err
	}
	ui, err := out.userInfo(pi, pref)
	if err != nil {
		return err
	}
	fi, err := in.FinalProviderInfo(ui)
	if err != nil {
		return err
	}
	return out.FinalUserInfo(fi)
}

// forget drops what the ports learned about each other.
func forget(outs, ins PortSet) {
	all := slices.Concat(outs, ins)
	for _, p := range all {
		p.mu.Lock()
		for _, q := range all {
			delete(p.peers, q.key())
		}
		p.size = p.layout.size
		p.mu.Unlock()
	}
}

// Connect joins one output to one input with the default topology.
func (t *Transport) Connect(ctx context.Context, out, in *Port) (*Circuit, error) {
	return t.ConnectSets(ctx, PortSet{out}, PortSet{in}, Topology{})
}

// ConnectSets handshakes every output with every input, then builds the
// circuit and the controller topo selects. The buffer size of the circuit
// is the smallest size any port declared.
func (t *Transport) ConnectSets(ctx context.Context, outs, ins PortSet, topo Topology) (*Circuit, error) {
	if err := outs.Validate(Output); err != nil {
		return nil, err
	}
	if err := ins.Validate(Input); err != nil {
		return nil, err
	}
	all := slices.Concat(outs, ins)
	size := ^uint32(0)
	for _, p := range all {
		if p.Circuit() != nil {
			return nil, fmt.Errorf("%w: %s", ErrAlreadyConnected, p)
		}
		size = min(size, p.DeclaredSize())
	}
	for _, p := range all {
		p.mu.Lock()
		p.size = size
		p.mu.Unlock()
	}

	pref := outs[0].opts.Role
	if topo.OutputShadow {
		pref = endpoint.ActiveFlowControl
	}
	role := endpoint.NoRole
	for _, op := range outs {
		for _, ip := range ins {
			if err := ctx.Err(); err != nil {
				forget(outs, ins)
				return nil, err
			}
			if err := handshake(op, ip, pref); err != nil {
				forget(outs, ins)
				return nil, err
			}
			r := op.peerOf(ip).role
			if role != endpoint.NoRole && r != role {
				forget(outs, ins)
				return nil, &ConfigError{Port: op.String(), Err: fmt.Errorf("%w: role %s, circuit uses %s", ErrUnsupported, r, role)}
			}
			role = r
		}
	}
	topo.OutputRole = role
	topo.InputRole = inputRole(role)

	c := newCircuit(outs, ins, topo, size, t.log, t.metrics)
	ctrl, err := NewController(c, topo)
	if err != nil {
		forget(outs, ins)
		return nil, &ConfigError{Port: "circuit", Err: err}
	}
	c.ctrl = ctrl
	for rank, p := range outs {
		p.rank = rank
		p.reset()
		p.setWord(p.layout.control, EmptyValue)
	}
	for rank, p := range ins {
		p.rank = rank
		p.reset()
	}

	c.mu.Lock()
	err = ctrl.build()
	c.mu.Unlock()
	if err != nil {
		forget(outs, ins)
		return nil, fmt.Errorf("building %s circuit: %w", ctrl.Pattern(), err)
	}

	for i, p := range all {
		if !p.circuit.CompareAndSwap(nil, c) {
			for _, q := range all[:i] {
				q.circuit.CompareAndSwap(c, nil)
			}
			forget(outs, ins)
			return nil, fmt.Errorf("%w: %s", ErrAlreadyConnected, p)
		}
	}
	c.log.Info("circuit connected",
		zap.String("pattern", ctrl.Pattern()),
		zap.Int("outputs", len(outs)),
		zap.Int("inputs", len(ins)),
		zap.Uint32("size", size),
		zap.Stringer("role", role),
		zap.Int("templates", c.tm.len()))
	return c, nil
}

// Disconnect quiesces and tears down the circuit joining out and in.
// Neither port's worker may be running.
func (t *Transport) Disconnect(ctx context.Context, out, in *Port) error {
	c := out.Circuit()
	if c == nil || in.Circuit() != c {
		return ErrNotConnected
	}
	for _, p := range slices.Concat(c.outs, c.ins) {
		if p.Started() {
			return fmt.Errorf("%w: %s", ErrWorkerStarted, p)
		}
	}
	return c.Disconnect(ctx)
}
