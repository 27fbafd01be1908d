package datagram

import (
	"context"
	"fmt"

	"github.com/sdrflow/dataplane/internal/endpoint"
	"github.com/sdrflow/dataplane/internal/logging"
	"github.com/sdrflow/dataplane/internal/metrics"
	"github.com/sdrflow/dataplane/internal/transport/shm"
	"github.com/sdrflow/dataplane/internal/transport/xfer"
)

const (
	// UDPProtocol runs the frame layer over UDP.
	UDPProtocol = "dgram"
	// ShmProtocol runs the frame layer over shared memory ring sockets.
	ShmProtocol = "dgram-shm"
)

// Driver creates datagram endpoints over one kind of socket.
type Driver struct {
	protocol string
	listen   func(address string) (Socket, string, error)
	opts     Options
	log      *logging.Logger
	metrics  *metrics.Metrics
}

// NewUDPDriver serves "dgram" endpoints. An endpoint's address is
// "<ip>;<port>"; port 0 is replaced by the bound port.
func NewUDPDriver(opts Options, log *logging.Logger, m *metrics.Metrics) *Driver {
	return &Driver{
		protocol: UDPProtocol,
		listen: func(address string) (Socket, string, error) {
			s, err := ListenUDP(address)
			if err != nil {
				return nil, "", err
			}
			return s, s.Address(), nil
		},
		opts:    opts,
		log:     log,
		metrics: m,
	}
}

// NewShmDriver serves "dgram-shm" endpoints. The address names the inbox
// segment.
func NewShmDriver(opts Options, log *logging.Logger, m *metrics.Metrics) *Driver {
	return &Driver{
		protocol: ShmProtocol,
		listen: func(address string) (Socket, string, error) {
			s, err := shm.NewRingSocket(address, 0)
			if err != nil {
				return nil, "", err
			}
			s.Log = logging.OrNop(log).Named("ring-socket")
			return s, s.Address(), nil
		},
		opts:    opts,
		log:     log,
		metrics: m,
	}
}

func (d *Driver) Protocol() string { return d.protocol }

func (d *Driver) NewEndpoint(_ context.Context, ep endpoint.Endpoint) (xfer.Endpoint, error) {
	if ep.Size == 0 {
		return nil, fmt.Errorf("datagram: endpoint %s has zero size", ep)
	}
	if ep.Size > 1<<32 {
		return nil, fmt.Errorf("datagram: endpoint %s exceeds 32-bit addressing", ep)
	}
	sock, addr, err := d.listen(ep.Address)
	if err != nil {
		return nil, err
	}
	ep.Address = addr
	return NewEndpoint(d.protocol, ep, sock, d.opts, d.log, d.metrics), nil
}
