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
	"encoding/binary"
	"errors"
	"fmt"
)

// Helpers that carry whole records over a ShmRing.

// Record header layout (8 bytes, little-endian):
// uint32 length   // payload length in bytes (excludes header and address)
// uint8  type     // enum RecordType
// uint8  addrLen  // length of the sender address that follows the header
// uint16 reserved // set to zero
const recordHeaderSize = 8

// MaxAddrLen bounds the sender address carried in a record.
const MaxAddrLen = 255

type RecordType uint8

const (
	RecordDatagram RecordType = 0x01
	RecordClose    RecordType = 0x02
)

// RecordHeader is the on-ring header of one record.
type RecordHeader struct {
	Length   uint32
	Type     RecordType
	AddrLen  uint8
	Reserved uint16
}

func encodeRecordHeaderTo(dst []byte, rh RecordHeader) {
	binary.LittleEndian.PutUint32(dst[0:4], rh.Length)
	dst[4] = byte(rh.Type)
	dst[5] = rh.AddrLen
	binary.LittleEndian.PutUint16(dst[6:8], rh.Reserved)
}

func decodeRecordHeader(b []byte) (RecordHeader, error) {
	if len(b) < recordHeaderSize {
		return RecordHeader{}, errors.New("record header too short")
	}
	return RecordHeader{
		Length:   binary.LittleEndian.Uint32(b[0:4]),
		Type:     RecordType(b[4]),
		AddrLen:  b[5],
		Reserved: binary.LittleEndian.Uint16(b[6:8]),
	}, nil
}

// writeRecord writes header, sender address and payload as one ring write
// so a reader never observes a partial record.
func writeRecord(ctx context.Context, r *ShmRing, typ RecordType, from string, payload []byte) error {
	if len(from) > MaxAddrLen {
		return fmt.Errorf("sender address of %d bytes exceeds %d", len(from), MaxAddrLen)
	}
	buf := make([]byte, recordHeaderSize+len(from)+len(payload))
	encodeRecordHeaderTo(buf, RecordHeader{
		Length:  uint32(len(payload)),
		Type:    typ,
		AddrLen: uint8(len(from)),
	})
	copy(buf[recordHeaderSize:], from)
	copy(buf[recordHeaderSize+len(from):], payload)
	return r.WriteBlockingContext(ctx, buf)
}

// readRecord reads the next record. The payload is copied into dst; bytes
// that do not fit are dropped and n reports the copied length.
func readRecord(ctx context.Context, r *ShmRing, dst []byte) (rh RecordHeader, from string, n int, err error) {
	var hdr [recordHeaderSize]byte
	if err = r.ReadFullContext(ctx, hdr[:]); err != nil {
		return rh, "", 0, err
	}
	rh, err = decodeRecordHeader(hdr[:])
	if err != nil {
		return rh, "", 0, err
	}
	// Records are published whole, so the rest is already in the ring.
	rest := context.WithoutCancel(ctx)
	if rh.AddrLen > 0 {
		addr := make([]byte, rh.AddrLen)
		if err = r.ReadFullContext(rest, addr); err != nil {
			return rh, "", 0, err
		}
		from = string(addr)
	}
	n = min(int(rh.Length), len(dst))
	if err = r.ReadFullContext(rest, dst[:n]); err != nil {
		return rh, from, 0, err
	}
	if extra := int(rh.Length) - n; extra > 0 {
		if err = r.Discard(rest, extra); err != nil {
			return rh, from, 0, err
		}
	}
	return rh, from, n, nil
}
