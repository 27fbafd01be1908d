//go:build linux && (amd64 || arm64)

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
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/sdrflow/dataplane/internal/logging"
)

func newTestSocket(t *testing.T, base string) *RingSocket {
	t.Helper()
	s, err := NewRingSocket(uniqueName(t, base), 16384)
	if err != nil {
		t.Fatalf("NewRingSocket failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRingSocketSendReceive(t *testing.T) {
	a := newTestSocket(t, "a")
	b := newTestSocket(t, "b")

	if err := a.Send(b.Address(), []byte("ping")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	buf := make([]byte, 64)
	n, from, err := b.Receive(buf, time.Second)
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if string(buf[:n]) != "ping" || from != a.Address() {
		t.Fatalf("got %q from %q", buf[:n], from)
	}

	// Reply to the reported sender.
	if err := b.Send(from, []byte("pong")); err != nil {
		t.Fatalf("reply failed: %v", err)
	}
	n, from, err = a.Receive(buf, time.Second)
	if err != nil || string(buf[:n]) != "pong" || from != b.Address() {
		t.Fatalf("reply: %q from %q err=%v", buf[:n], from, err)
	}
}

func TestRingSocketReceiveTimeout(t *testing.T) {
	s := newTestSocket(t, "idle")
	n, from, err := s.Receive(make([]byte, 16), 20*time.Millisecond)
	if err != nil || n != 0 || from != "" {
		t.Fatalf("expected empty timeout result, got n=%d from=%q err=%v", n, from, err)
	}
}

func TestRingSocketLimits(t *testing.T) {
	s := newTestSocket(t, "limits")
	if s.MaxPayloadSize() <= 0 || s.MaxPayloadSize() > maxRecordPayload {
		t.Fatalf("unexpected max payload %d", s.MaxPayloadSize())
	}
	if err := s.Send(s.Address(), make([]byte, s.MaxPayloadSize()+1)); err == nil {
		t.Fatal("expected error for oversized datagram")
	}
	if err := s.Send(uniqueName(t, "nobody"), []byte("x")); err == nil {
		t.Fatal("expected error sending to a missing inbox")
	}
	if _, err := NewRingSocket("bad/name", 0); err == nil {
		t.Fatal("expected error for address with a slash")
	}
}

func TestRingSocketPeerClose(t *testing.T) {
	a := newTestSocket(t, "a")
	b, err := NewRingSocket(uniqueName(t, "b"), 16384)
	if err != nil {
		t.Fatalf("NewRingSocket failed: %v", err)
	}
	addr := b.Address()

	if err := a.Send(addr, []byte("one")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := a.Send(addr, []byte("two")); err == nil {
		t.Fatal("expected error sending to a closed inbox")
	}
	if _, _, err := b.Receive(make([]byte, 8), time.Millisecond); !errors.Is(err, ErrSocketClosed) {
		t.Fatalf("expected ErrSocketClosed, got %v", err)
	}
}

func TestRingSocketCloseLogsUndeliveredRecord(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	a, err := NewRingSocket(uniqueName(t, "a"), 16384)
	if err != nil {
		t.Fatalf("NewRingSocket failed: %v", err)
	}
	a.Log = &logging.Logger{Logger: zap.New(core)}
	b, err := NewRingSocket(uniqueName(t, "b"), 16384)
	if err != nil {
		t.Fatalf("NewRingSocket failed: %v", err)
	}

	if err := a.Send(b.Address(), []byte("hello")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	entries := logs.FilterMessage("close record not delivered").All()
	if len(entries) != 1 {
		t.Fatalf("expected one undelivered close record, got %d", len(entries))
	}
	if got := entries[0].ContextMap()["peer"]; got != b.Address() {
		t.Fatalf("peer = %v, want %s", got, b.Address())
	}
}
