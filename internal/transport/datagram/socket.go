package datagram

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sdrflow/dataplane/internal/endpoint"
)

// Socket is an unreliable, message oriented transport. Datagrams may be
// lost, duplicated or reordered but are never split.
type Socket interface {
	Send(addr string, b []byte) error
	// Receive waits up to timeout. A timeout returns n == 0 and no error.
	Receive(b []byte, timeout time.Duration) (n int, from string, err error)
	MaxPayloadSize() int
	Close() error
}

// UDPMaxPayload keeps frames inside one Ethernet MTU.
const UDPMaxPayload = 1472

// UDPSocket is a Socket over a UDP port. Addresses are "<ip>;<port>".
type UDPSocket struct {
	conn *net.UDPConn
	addr string

	mu    sync.Mutex
	cache map[string]*net.UDPAddr
}

// ListenUDP binds address. Port 0 picks a free port; Address reports it.
func ListenUDP(address string) (*UDPSocket, error) {
	host, port, err := endpoint.HostPort(address)
	if err != nil {
		return nil, err
	}
	laddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("datagram: resolve %q: %w", address, err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, fmt.Errorf("datagram: listen %q: %w", address, err)
	}
	bound := conn.LocalAddr().(*net.UDPAddr)
	return &UDPSocket{
		conn:  conn,
		addr:  endpoint.JoinHostPort(host, bound.Port),
		cache: make(map[string]*net.UDPAddr),
	}, nil
}

// Address is the bound address in endpoint form.
func (s *UDPSocket) Address() string { return s.addr }

func (s *UDPSocket) MaxPayloadSize() int { return UDPMaxPayload }

func (s *UDPSocket) resolve(addr string) (*net.UDPAddr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ua, ok := s.cache[addr]; ok {
		return ua, nil
	}
	host, port, err := endpoint.HostPort(addr)
	if err != nil {
		return nil, err
	}
	ua, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("datagram: resolve %q: %w", addr, err)
	}
	s.cache[addr] = ua
	return ua, nil
}

func (s *UDPSocket) Send(addr string, b []byte) error {
	if len(b) > UDPMaxPayload {
		return fmt.Errorf("datagram: %d byte datagram exceeds %d", len(b), UDPMaxPayload)
	}
	ua, err := s.resolve(addr)
	if err != nil {
		return err
	}
	_, err = s.conn.WriteToUDP(b, ua)
	return err
}

func (s *UDPSocket) Receive(b []byte, timeout time.Duration) (int, string, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, "", err
	}
	n, from, err := s.conn.ReadFromUDP(b)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return 0, "", nil
		}
		return 0, "", err
	}
	return n, endpoint.JoinHostPort(from.IP.String(), from.Port), nil
}

func (s *UDPSocket) Close() error {
	return s.conn.Close()
}
