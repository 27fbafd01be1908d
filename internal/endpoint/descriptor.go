package endpoint

import (
	"fmt"
	"net/url"
	"strconv"
)

// DescriptorScheme is the URI scheme of a packed port descriptor.
const DescriptorScheme = "dpport"

// PortType says which side of a circuit a descriptor describes.
type PortType uint8

const (
	Producer PortType = iota + 1
	Consumer
)

func (t PortType) String() string {
	switch t {
	case Producer:
		return "producer"
	case Consumer:
		return "consumer"
	default:
		return "unknown"
	}
}

// Role says which side drives a transfer and its flow control.
type Role uint8

const (
	// ActiveMessage pushes data and the full flag to the peer.
	ActiveMessage Role = iota
	// ActiveFlowControl pushes only flow control; the peer pulls data.
	ActiveFlowControl
	// ActiveOnly pushes data but expects no flow control back.
	ActiveOnly
	// Passive never initiates a transfer.
	Passive
	// NoRole marks a descriptor whose role is not yet resolved.
	NoRole
)

// MaxRole is the number of real roles; option bits beyond it are ignored.
const MaxRole = NoRole

func (r Role) String() string {
	switch r {
	case ActiveMessage:
		return "ActiveMessage"
	case ActiveFlowControl:
		return "ActiveFlowControl"
	case ActiveOnly:
		return "ActiveOnly"
	case Passive:
		return "Passive"
	default:
		return "NoRole"
	}
}

// Options is a bitmask of supported roles, bit n set for Role n.
type Options uint32

// Supports reports whether the role bit is set.
func (o Options) Supports(r Role) bool {
	return r < MaxRole && o&(1<<r) != 0
}

// DefaultRole returns the lowest role whose bit is set, or NoRole.
func (o Options) DefaultRole() Role {
	for r := Role(0); r < MaxRole; r++ {
		if o.Supports(r) {
			return r
		}
	}
	return NoRole
}

// OptionsOf builds a mask from roles.
func OptionsOf(roles ...Role) Options {
	var o Options
	for _, r := range roles {
		if r < MaxRole {
			o |= 1 << r
		}
	}
	return o
}

// Descriptor is the per-port record exchanged during connection setup. All
// addresses are byte offsets into the owning endpoint's region.
//
// For a consumer, the full flag words are the input buffer states the
// producer sets, and ShadowBaseAddr locates the consumer's mirror of producer
// buffer states. For a producer, the empty flag words are the producer's
// mirror of consumer buffer states the consumer clears, the full flag words
// are the producer's own buffer states a pulling consumer clears, and
// ControlBaseAddr is the producer's barrier token word.
type Descriptor struct {
	Type     PortType
	Role     Role
	Options  Options
	NBuffers uint32

	DataBufferBaseAddr uint64
	DataBufferPitch    uint32
	DataBufferSize     uint32

	MetaDataBaseAddr uint64
	MetaDataPitch    uint32

	FullFlagBaseAddr uint64
	FullFlagSize     uint32
	FullFlagPitch    uint32
	FullFlagValue    uint64

	EmptyFlagBaseAddr uint64
	EmptyFlagSize     uint32
	EmptyFlagPitch    uint32
	EmptyFlagValue    uint64

	ShadowBaseAddr  uint64
	ControlBaseAddr uint64

	PortID   uint32
	Endpoint string
	Cookie   uint64
	Circuit  string
}

// Pack encodes d as a URI. Keys are sorted, so equal descriptors always
// pack to equal strings.
func (d Descriptor) Pack() string {
	q := url.Values{}
	putU := func(k string, v uint64) { q.Set(k, strconv.FormatUint(v, 10)) }

	putU("role", uint64(d.Role))
	putU("options", uint64(d.Options))
	putU("nbuffers", uint64(d.NBuffers))
	putU("data", d.DataBufferBaseAddr)
	putU("datapitch", uint64(d.DataBufferPitch))
	putU("datasize", uint64(d.DataBufferSize))
	putU("meta", d.MetaDataBaseAddr)
	putU("metapitch", uint64(d.MetaDataPitch))
	putU("full", d.FullFlagBaseAddr)
	putU("fullsize", uint64(d.FullFlagSize))
	putU("fullpitch", uint64(d.FullFlagPitch))
	putU("fullvalue", d.FullFlagValue)
	putU("empty", d.EmptyFlagBaseAddr)
	putU("emptysize", uint64(d.EmptyFlagSize))
	putU("emptypitch", uint64(d.EmptyFlagPitch))
	putU("emptyvalue", d.EmptyFlagValue)
	putU("shadow", d.ShadowBaseAddr)
	putU("control", d.ControlBaseAddr)
	putU("port", uint64(d.PortID))
	putU("cookie", d.Cookie)
	q.Set("oep", d.Endpoint)
	q.Set("circuit", d.Circuit)

	u := url.URL{Scheme: DescriptorScheme, Opaque: d.Type.String(), RawQuery: q.Encode()}
	return u.String()
}

// Unpack decodes a string produced by Pack.
func Unpack(s string) (Descriptor, error) {
	u, err := url.Parse(s)
	if err != nil {
		return Descriptor{}, fmt.Errorf("%w: descriptor: %v", ErrMalformed, err)
	}
	if u.Scheme != DescriptorScheme {
		return Descriptor{}, fmt.Errorf("%w: descriptor scheme %q", ErrMalformed, u.Scheme)
	}

	var d Descriptor
	switch u.Opaque {
	case Producer.String():
		d.Type = Producer
	case Consumer.String():
		d.Type = Consumer
	default:
		return Descriptor{}, fmt.Errorf("%w: descriptor type %q", ErrMalformed, u.Opaque)
	}

	q, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return Descriptor{}, fmt.Errorf("%w: descriptor query: %v", ErrMalformed, err)
	}

	var firstErr error
	getU := func(k string, bits int) uint64 {
		v, err := strconv.ParseUint(q.Get(k), 10, bits)
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("%w: descriptor field %s: %v", ErrMalformed, k, err)
		}
		return v
	}

	d.Role = Role(getU("role", 8))
	d.Options = Options(getU("options", 32))
	d.NBuffers = uint32(getU("nbuffers", 32))
	d.DataBufferBaseAddr = getU("data", 64)
	d.DataBufferPitch = uint32(getU("datapitch", 32))
	d.DataBufferSize = uint32(getU("datasize", 32))
	d.MetaDataBaseAddr = getU("meta", 64)
	d.MetaDataPitch = uint32(getU("metapitch", 32))
	d.FullFlagBaseAddr = getU("full", 64)
	d.FullFlagSize = uint32(getU("fullsize", 32))
	d.FullFlagPitch = uint32(getU("fullpitch", 32))
	d.FullFlagValue = getU("fullvalue", 64)
	d.EmptyFlagBaseAddr = getU("empty", 64)
	d.EmptyFlagSize = uint32(getU("emptysize", 32))
	d.EmptyFlagPitch = uint32(getU("emptypitch", 32))
	d.EmptyFlagValue = getU("emptyvalue", 64)
	d.ShadowBaseAddr = getU("shadow", 64)
	d.ControlBaseAddr = getU("control", 64)
	d.PortID = uint32(getU("port", 32))
	d.Cookie = getU("cookie", 64)
	d.Endpoint = q.Get("oep")
	d.Circuit = q.Get("circuit")
	if firstErr != nil {
		return Descriptor{}, firstErr
	}

	if d.Endpoint == "" {
		return Descriptor{}, fmt.Errorf("%w: descriptor has no endpoint", ErrMalformed)
	}
	if _, err := Parse(d.Endpoint); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}
