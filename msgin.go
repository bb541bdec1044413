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

// gap is a range of bytes [start, end) within an incoming message that has
// not been received yet, bounded by received data on both sides.
type gap struct {
	start int
	end   int
	// When the gap was first noticed, for deciding whether the missing
	// bytes are late or lost.
	birth int64
}

// dataPacket is one accepted DATA segment, parked until an application
// thread copies it into the receive buffer region.
type dataPacket struct {
	offset  int
	payload []byte
}

// MsgIn is the receive half of an RPC: reassembly state for one incoming
// message.
type MsgIn struct {
	// Total message length, or -1 before the first DATA packet arrives.
	length int

	// Accepted packets not yet copied out to the buffer region.
	packets []*dataPacket

	// Bytes at offsets below recvEnd have all been received, except for
	// those covered by gaps.
	recvEnd int
	gaps    []gap

	// bytesRemaining and granted are read by the grant engine without
	// the RPC lock, so they are atomic. bytesRemaining counts bytes not
	// yet received; granted is the offset just above the last grant.
	bytesRemaining atomic.Int64
	granted        atomic.Int64

	// Priority to use for the next grant to this message.
	priority uint8

	// The message needs grants to finish arriving.
	scheduled bool

	// The next grant should ask the sender to restart transmission from
	// the beginning (the sender lost track of its grants).
	resendAll bool

	// When the first packet of the message arrived; FIFO grants go to
	// the oldest message.
	birth int64

	// Receive buffer pages holding the message contents. Page i holds
	// message bytes [i << HOMA_BPAGE_SHIFT, (i+1) << HOMA_BPAGE_SHIFT).
	numBpages    int
	bpageOffsets [HOMA_MAX_BPAGES]uint32
}

// messageInInit sets up reassembly state for an incoming message once its
// length is known from the first DATA packet. The caller must hold rpc.mu.
// If no buffer pages are available the message is initialized with no
// granted bytes, so the sender gets no grants and arriving data is dropped
// until the application frees pages.
func (h *Homa) messageInInit(rpc *RPC, length, unsched int) {
	m := &rpc.msgin
	m.length = length
	m.recvEnd = 0
	m.gaps = nil
	m.bytesRemaining.Store(int64(length))
	m.birth = h.now()
	m.scheduled = length > unsched

	granted := unsched
	if granted > length {
		granted = length
	}

	m.numBpages = rpc.sock.pool.allocate((length + HOMA_BPAGE_SIZE - 1) >>
		HOMA_BPAGE_SHIFT, m.bpageOffsets[:])
	if m.numBpages == 0 && length > 0 {
		granted = 0
	}
	m.granted.Store(int64(granted))
	h.totalIncoming.Add(int64(granted))
}

// addPacket incorporates one DATA segment into the message, updating
// recvEnd and the gap list. Returns false if the packet added nothing (out
// of range, duplicate, or straddling a gap boundary) and should be
// dropped. The caller must hold rpc.mu.
func (rpc *RPC) addPacket(h *dataHeader, payload []byte) bool {
	m := &rpc.msgin
	metrics := &rpc.sock.homa.metrics
	start := int(h.offset)
	end := start + len(payload)

	if len(payload) == 0 || end > m.length {
		goto discard
	}

	if start == m.recvEnd {
		// Common case: packets arriving in order.
		m.recvEnd = end
	} else if start > m.recvEnd {
		// The sender skipped ahead; the missing bytes become a gap.
		m.gaps = append(m.gaps, gap{
			start: m.recvEnd,
			end:   start,
			birth: rpc.sock.homa.now(),
		})
		m.recvEnd = end
	} else {
		// The packet is below recvEnd: it either fills (part of) a
		// gap or duplicates bytes we already have.
		for i := range m.gaps {
			g := &m.gaps[i]
			if start >= g.end {
				continue
			}
			if end <= g.start {
				// Below this gap without touching it; gaps are
				// in ascending order so it can't match later
				// ones either. Duplicate bytes.
				goto discard
			}
			if start < g.start || end > g.end {
				// Straddles a gap boundary, so part of it
				// duplicates received bytes. The sender is
				// repacketizing; drop the whole packet
				// rather than track partial segments.
				goto discard
			}
			if start == g.start {
				if end == g.end {
					m.gaps = append(m.gaps[:i], m.gaps[i+1:]...)
				} else {
					g.start = end
				}
				goto keep
			}
			if end == g.end {
				g.end = start
				goto keep
			}
			// The packet splits the gap in two.
			m.gaps = append(m.gaps, gap{})
			copy(m.gaps[i+1:], m.gaps[i:])
			m.gaps[i] = gap{start: m.gaps[i+1].start, end: start,
				birth: m.gaps[i+1].birth}
			m.gaps[i+1].start = end
			goto keep
		}
		goto discard
	}

keep:
	if h.retransmit != 0 {
		metrics.ResentPacketsUsed.Add(1)
	}
	m.packets = append(m.packets, &dataPacket{offset: start, payload: payload})
	{
		before := rpc.incoming()
		m.bytesRemaining.Add(-int64(len(payload)))
		rpc.sock.homa.totalIncoming.Add(rpc.incoming() - before)
	}
	return true

discard:
	if h.retransmit != 0 {
		metrics.ResentDiscards.Add(1)
	} else {
		metrics.PacketDiscards.Add(1)
	}
	return false
}

// maxCopyBatch bounds how many packets are dequeued per lock acquisition
// in copyToUser, so packet processing is never blocked for long.
const maxCopyBatch = 20

// copyToUser moves accepted packets into the socket's receive buffer
// region, where the application will read the message. The caller must
// have set rpcCopyingToUser and must not hold rpc.mu; the copy itself runs
// unlocked.
func (rpc *RPC) copyToUser() {
	for {
		rpc.mu.Lock()
		n := len(rpc.msgin.packets)
		if n == 0 {
			rpc.mu.Unlock()
			return
		}
		if n > maxCopyBatch {
			n = maxCopyBatch
		}
		batch := rpc.msgin.packets[:n]
		rpc.msgin.packets = rpc.msgin.packets[n:]
		rpc.mu.Unlock()

		for _, pkt := range batch {
			rpc.msgin.copySegment(rpc.sock.pool, pkt)
		}
	}
}

// copySegment copies one segment into the buffer pages backing the
// message. Segments routinely straddle page boundaries since the segment
// size doesn't divide the page size.
func (m *MsgIn) copySegment(pool *BufferPool, pkt *dataPacket) {
	off := pkt.offset
	data := pkt.payload
	for len(data) > 0 {
		page := off >> HOMA_BPAGE_SHIFT
		if page >= m.numBpages {
			return
		}
		pageOff := off & (HOMA_BPAGE_SIZE - 1)
		n := copy(pool.pageBytes(m.bpageOffsets[page])[pageOff:], data)
		data = data[n:]
		off += n
	}
}

// resendRange computes the byte range to ask the peer to retransmit: the
// first gap if there is one, otherwise whatever granted bytes haven't
// shown up past the end of the received data. If the message length isn't
// known yet nothing has arrived at all, so ask for a small probe.
func (m *MsgIn) resendRange() (offset, length uint32) {
	if m.length < 0 {
		return 0, 100
	}
	if len(m.gaps) > 0 {
		g := m.gaps[0]
		return uint32(g.start), uint32(g.end - g.start)
	}
	granted := int(m.granted.Load())
	if granted > m.recvEnd {
		return uint32(m.recvEnd), uint32(granted - m.recvEnd)
	}
	return 0, 0
}
