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
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sdrflow/dataplane/internal/logging"
)

// ErrSocketClosed is returned by a RingSocket after Close.
var ErrSocketClosed = errors.New("shm: socket closed")

const (
	// maxRecordPayload caps one datagram; the datagram layer's frame
	// lengths are 16-bit.
	maxRecordPayload = 65000
	// defaultSendTimeout bounds how long Send waits on a full inbox.
	defaultSendTimeout = 100 * time.Millisecond
)

func inboxName(address string) string { return "inbox-" + address }

// RingSocket is a datagram socket over shared memory. Each socket owns an
// inbox segment named after its address; senders map the receiver's inbox
// and append whole records to its ring.
type RingSocket struct {
	address string
	seg     *Segment
	inbox   *ShmRing

	// SendTimeout bounds Send when the peer inbox is full. The record is
	// dropped after it and the caller's resend logic takes over.
	SendTimeout time.Duration
	// Log receives delivery problems that have no caller to return to.
	Log *logging.Logger

	readMu sync.Mutex

	mu     sync.Mutex
	peers  map[string]*peerInbox
	closed bool
}

type peerInbox struct {
	seg  *Segment
	ring *ShmRing
}

// NewRingSocket creates the inbox for address with a ring of the given
// power-of-two capacity.
func NewRingSocket(address string, ringCapacity uint64) (*RingSocket, error) {
	if address == "" || strings.ContainsAny(address, "/\x00") {
		return nil, fmt.Errorf("shm: invalid socket address %q", address)
	}
	if ringCapacity == 0 {
		ringCapacity = DefaultRingCapacity
	}
	seg, err := CreateSegment(inboxName(address), SegmentOptions{RingACapacity: ringCapacity})
	if err != nil {
		return nil, err
	}
	return &RingSocket{
		address:     address,
		seg:         seg,
		inbox:       NewShmRingFromSegment(seg.A, seg.Mem),
		SendTimeout: defaultSendTimeout,
		Log:         logging.NewNop(),
		peers:       make(map[string]*peerInbox),
	}, nil
}

// Address returns the address peers send to.
func (s *RingSocket) Address() string { return s.address }

// MaxPayloadSize is the largest datagram Send accepts.
func (s *RingSocket) MaxPayloadSize() int {
	limit := int(s.inbox.Capacity()/2) - recordHeaderSize - MaxAddrLen
	return min(limit, maxRecordPayload)
}

func (s *RingSocket) peer(addr string) (*peerInbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSocketClosed
	}
	if p, ok := s.peers[addr]; ok {
		return p, nil
	}
	seg, err := OpenSegment(inboxName(addr))
	if err != nil {
		return nil, fmt.Errorf("shm: open inbox of %q: %w", addr, err)
	}
	if err := waitOwner(seg); err != nil {
		seg.Close()
		return nil, fmt.Errorf("shm: inbox of %q: %w", addr, err)
	}
	if seg.A == nil {
		seg.Close()
		return nil, fmt.Errorf("shm: segment of %q has no inbox ring", addr)
	}
	seg.H.attachPeer()
	p := &peerInbox{seg: seg, ring: NewShmRingFromSegment(seg.A, seg.Mem)}
	s.peers[addr] = p
	return p, nil
}

// ownerWait bounds how long a freshly opened segment may stay unpublished.
const ownerWait = time.Second

func waitOwner(seg *Segment) error {
	ctx, cancel := context.WithTimeout(context.Background(), ownerWait)
	defer cancel()
	return seg.WaitForOwner(ctx)
}

func (s *RingSocket) dropPeer(addr string, p *peerInbox) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peers[addr] == p {
		delete(s.peers, addr)
		p.close()
	}
}

func (s *RingSocket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// forget unmaps the inbox of a peer that announced it closed.
func (s *RingSocket) forget(addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.peers[addr]; ok {
		delete(s.peers, addr)
		p.close()
	}
}

func (p *peerInbox) close() {
	p.seg.H.detachPeer()
	p.seg.Close()
}

// Send appends one datagram to the inbox at addr.
func (s *RingSocket) Send(addr string, b []byte) error {
	if len(b) > s.MaxPayloadSize() {
		return fmt.Errorf("shm: datagram of %d bytes exceeds %d", len(b), s.MaxPayloadSize())
	}
	p, err := s.peer(addr)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.SendTimeout)
	defer cancel()
	err = writeRecord(ctx, p.ring, RecordDatagram, s.address, b)
	if errors.Is(err, ErrRingClosed) {
		s.dropPeer(addr, p)
	}
	return err
}

// Receive waits up to timeout for the next datagram. A timeout returns
// n == 0 and a nil error.
func (s *RingSocket) Receive(b []byte, timeout time.Duration) (int, string, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()
	if s.isClosed() {
		return 0, "", ErrSocketClosed
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	for {
		rh, from, n, err := readRecord(ctx, s.inbox, b)
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return 0, "", nil
		case errors.Is(err, io.EOF):
			return 0, "", ErrSocketClosed
		case err != nil:
			return 0, "", err
		}
		switch rh.Type {
		case RecordDatagram:
			return n, from, nil
		case RecordClose:
			s.forget(from)
		}
	}
}

// Close removes the inbox and releases every mapped peer.
func (s *RingSocket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for addr, p := range s.peers {
		ctx, cancel := context.WithTimeout(context.Background(), s.SendTimeout)
		if err := writeRecord(ctx, p.ring, RecordClose, s.address, nil); err != nil {
			logging.OrNop(s.Log).Debug("close record not delivered", zap.String("peer", addr), zap.Error(err))
		}
		cancel()
		p.close()
		delete(s.peers, addr)
	}
	s.mu.Unlock()

	s.inbox.Close()
	s.seg.H.SetClosed()

	// Wait for a reader in Receive to see the closed ring before unmapping.
	s.readMu.Lock()
	defer s.readMu.Unlock()
	err := s.seg.Close()
	if rmErr := RemoveSegment(inboxName(s.address)); rmErr != nil && err == nil {
		err = rmErr
	}
	return err
}
