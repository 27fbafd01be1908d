// Package endpoint defines the addressing values exchanged between data plane
// participants: the endpoint string naming one shared-memory region and the
// port descriptor carried by the connection handshake.
package endpoint

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformed is wrapped by every parse failure in this package.
var ErrMalformed = errors.New("endpoint: malformed")

// Endpoint identifies one participant's shared-memory region.
//
// The string form is <protocol>:<address>:<size>.<mailbox>.<maxCount>. The
// address may itself contain ':' (IPv6), so the protocol ends at the first
// ':' and the address at the last one. UDP style addresses separate host
// and port with ';'.
type Endpoint struct {
	Protocol string
	Address  string
	Size     uint64
	MailBox  uint16
	MaxCount uint16
	// Local is set by the process that owns the region. It is not part of
	// the string form.
	Local bool
}

// Parse decodes an endpoint string.
func Parse(s string) (Endpoint, error) {
	first := strings.IndexByte(s, ':')
	last := strings.LastIndexByte(s, ':')
	if first <= 0 || last == first {
		return Endpoint{}, fmt.Errorf("%w: %q needs protocol, address and size fields", ErrMalformed, s)
	}

	ep := Endpoint{
		Protocol: s[:first],
		Address:  s[first+1 : last],
	}
	if ep.Address == "" {
		return Endpoint{}, fmt.Errorf("%w: %q has an empty address", ErrMalformed, s)
	}

	parts := strings.Split(s[last+1:], ".")
	if len(parts) != 3 {
		return Endpoint{}, fmt.Errorf("%w: %q want <size>.<mailbox>.<max>", ErrMalformed, s)
	}
	size, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: size: %v", ErrMalformed, err)
	}
	mbox, err := strconv.ParseUint(parts[1], 10, 16)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: mailbox: %v", ErrMalformed, err)
	}
	maxCount, err := strconv.ParseUint(parts[2], 10, 16)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: max count: %v", ErrMalformed, err)
	}
	if mbox >= maxCount {
		return Endpoint{}, fmt.Errorf("%w: mailbox %d not below max count %d", ErrMalformed, mbox, maxCount)
	}

	ep.Size = size
	ep.MailBox = uint16(mbox)
	ep.MaxCount = uint16(maxCount)
	return ep, nil
}

// String encodes the endpoint.
func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%s:%d.%d.%d", e.Protocol, e.Address, e.Size, e.MailBox, e.MaxCount)
}

// Same reports whether both values name the same region, ignoring Local.
func (e Endpoint) Same(o Endpoint) bool {
	return e.Protocol == o.Protocol && e.Address == o.Address && e.MailBox == o.MailBox
}

// HostPort splits a UDP style "<host>;<port>" address.
func HostPort(address string) (host string, port int, err error) {
	i := strings.LastIndexByte(address, ';')
	if i < 0 {
		return "", 0, fmt.Errorf("%w: address %q has no ';' port separator", ErrMalformed, address)
	}
	p, err := strconv.ParseUint(address[i+1:], 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("%w: port: %v", ErrMalformed, err)
	}
	return address[:i], int(p), nil
}

// JoinHostPort builds a UDP style address.
func JoinHostPort(host string, port int) string {
	return host + ";" + strconv.Itoa(port)
}
