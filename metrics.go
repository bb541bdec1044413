/* SPDX-License-Identifier: ISC
 *
 * Copyright (c) 2019-2024 Stanford University
 * Copyright (c) 2024 Damian Peckett <damian@pecke.tt>
 *
 * Permission to use, copy, modify, and/or distribute this software for any
 * purpose with or without fee is hereby granted, provided that the above
 * copyright notice and this permission notice appear in all copies.
 *
 * THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL WARRANTIES
 * WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED WARRANTIES OF
 * MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE AUTHOR BE LIABLE FOR
 * ANY SPECIAL, DIRECT, INDIRECT, OR CONSEQUENTIAL DAMAGES OR ANY DAMAGES
 * WHATSOEVER RESULTING FROM LOSS OF USE, DATA OR PROFITS, WHETHER IN AN
 * ACTION OF CONTRACT, NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF
 * OR IN CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.
 */

package homa

import "sync/atomic"

// Metrics counts noteworthy events on a protocol instance. All counters are
// cumulative since the instance was created; exporting them is up to the
// application.
type Metrics struct {
	// Incoming packets whose byte range could not be accepted.
	PacketDiscards atomic.Uint64
	// Same, but the packet was a retransmission.
	ResentDiscards atomic.Uint64
	// Retransmitted packets that provided new data.
	ResentPacketsUsed atomic.Uint64
	// Packets discarded because no RPC matched them.
	UnknownRPCs atomic.Uint64
	// Packets discarded because of an unrecognized type byte.
	UnknownPacketTypes atomic.Uint64
	// Data bytes dropped because no buffer pages were available.
	DroppedDataNoBufs atomic.Uint64
	// Times a server RPC could not be created for an incoming request.
	ServerCantCreateRPCs atomic.Uint64
	// Server RPCs freed because the client no longer knew about them.
	ServerRPCsUnknown atomic.Uint64
	// Server RPCs discarded by a peer or socket abort.
	ServerRPCDiscards atomic.Uint64

	// Responses received for client RPCs.
	ResponsesReceived atomic.Uint64
	// FIFO ("pity") grants issued.
	FifoGrants atomic.Uint64
	// FIFO grants issued to messages with no outstanding granted bytes.
	FifoGrantsNoIncoming atomic.Uint64

	// Handoffs that found a thread already waiting.
	HandoffsThreadWaiting atomic.Uint64
	// Handoffs that skipped a busy core in favor of an idle one.
	HandoffsAltThread atomic.Uint64
	// RPCs queued on the ready-requests list because no thread was waiting.
	RequestsQueued atomic.Uint64
	// RPCs queued on the ready-responses list because no thread was waiting.
	ResponsesQueued atomic.Uint64

	// Wakeups where the receiver was still busy-polling.
	FastWakeups atomic.Uint64
	// Wakeups that required a sleep.
	SlowWakeups atomic.Uint64
	// Nanoseconds spent busy-polling in the wait loop.
	PollNS atomic.Uint64
	// Nanoseconds spent blocked in the wait loop.
	BlockedNS atomic.Uint64
}
