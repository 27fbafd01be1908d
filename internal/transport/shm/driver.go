/*
 *
 * Copyright 2025 gRPC authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package shm

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/sdrflow/dataplane/internal/endpoint"
	"github.com/sdrflow/dataplane/internal/logging"
	"github.com/sdrflow/dataplane/internal/transport/xfer"
)

// Protocol is the protocol name of the shared memory transfer driver.
const Protocol = "shm"

func dataName(address string) string { return "data-" + address }

// Driver serves endpoints whose regions are shared memory segments. Peers
// on the same host map each other's segments and copy directly.
type Driver struct {
	log *logging.Logger
}

// NewDriver returns a shared memory transfer driver.
func NewDriver(log *logging.Logger) *Driver {
	return &Driver{log: logging.OrNop(log).Named("shm")}
}

func (d *Driver) Protocol() string { return Protocol }

// NewEndpoint creates the segment backing ep. The address names the
// segment and must be unique on the host.
func (d *Driver) NewEndpoint(_ context.Context, ep endpoint.Endpoint) (xfer.Endpoint, error) {
	if ep.Address == "" || strings.ContainsAny(ep.Address, "/\x00") {
		return nil, fmt.Errorf("shm: invalid endpoint address %q", ep.Address)
	}
	if ep.Size == 0 {
		return nil, fmt.Errorf("shm: endpoint %s has zero size", ep)
	}
	seg, err := CreateSegment(dataName(ep.Address), SegmentOptions{DataSize: ep.Size, Mailbox: ep.MailBox})
	if err != nil {
		return nil, err
	}
	ep.Local = true
	d.log.Debug("segment created",
		zap.String("address", ep.Address),
		zap.Uint64("size", ep.Size),
		zap.String("path", seg.Path))
	return &segmentEndpoint{
		log:     d.log.With(zap.String("address", ep.Address)),
		info:    ep,
		seg:     seg,
		remotes: make(map[string]*Segment),
	}, nil
}

type segmentEndpoint struct {
	log  *logging.Logger
	info endpoint.Endpoint
	seg  *Segment

	mu      sync.Mutex
	remotes map[string]*Segment
	closed  bool
}

func (e *segmentEndpoint) Info() endpoint.Endpoint { return e.info }

func (e *segmentEndpoint) Region() xfer.Region { return e.seg }

func (e *segmentEndpoint) remote(ep endpoint.Endpoint) (*Segment, error) {
	if ep.Protocol != Protocol {
		return nil, fmt.Errorf("%w: %s cannot reach %s", xfer.ErrUnsupported, Protocol, ep)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, xfer.ErrClosed
	}
	if ep.Address == e.info.Address {
		return e.seg, nil
	}
	if s, ok := e.remotes[ep.Address]; ok {
		if !s.H.Closed() {
			return s, nil
		}
		delete(e.remotes, ep.Address)
		s.H.detachPeer()
		s.Close()
	}
	s, err := OpenSegment(dataName(ep.Address))
	if err != nil {
		return nil, fmt.Errorf("shm: map %s: %w", ep, err)
	}
	if err := waitOwner(s); err != nil {
		s.Close()
		return nil, fmt.Errorf("shm: map %s: %w", ep, err)
	}
	s.H.attachPeer()
	e.remotes[ep.Address] = s
	e.log.Debug("mapped remote segment", zap.String("remote", ep.Address), zap.Uint64("size", s.Size()))
	return s, nil
}

// Connect returns services copying from this segment into the remote one.
func (e *segmentEndpoint) Connect(remote endpoint.Endpoint) (xfer.Services, error) {
	r, err := e.remote(remote)
	if err != nil {
		return nil, err
	}
	return xfer.NewCopyServices(e.seg, r), nil
}

// Pull returns services copying from the remote segment into this one.
func (e *segmentEndpoint) Pull(remote endpoint.Endpoint) (xfer.Services, error) {
	r, err := e.remote(remote)
	if err != nil {
		return nil, err
	}
	return xfer.NewCopyServices(r, e.seg), nil
}

func (e *segmentEndpoint) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	for addr, s := range e.remotes {
		s.H.detachPeer()
		s.Close()
		delete(e.remotes, addr)
	}
	e.seg.H.SetClosed()
	err := e.seg.Close()
	if rmErr := RemoveSegment(dataName(e.info.Address)); rmErr != nil && err == nil {
		err = rmErr
	}
	return err
}
