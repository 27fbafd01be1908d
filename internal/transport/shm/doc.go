/*
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
 */

// Package shm provides shared memory transports for the data plane.
//
// A segment is a memory-mapped file under /dev/shm holding a fixed header,
// up to two rings and a data area. Two things are built on it:
//
// The "shm" transfer driver exposes the data area of each endpoint's
// segment as its buffer region. Peers on the same host map each other's
// segments and copy buffers directly, with flag words waited on through
// shared futexes.
//
// RingSocket is a datagram socket whose inbox is ring A of a segment.
// Senders serialize on a futex lock in the ring header and append whole
// records, so the datagram reliability layer can run between processes
// without a network stack.
package shm
