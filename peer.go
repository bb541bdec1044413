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

import (
	"math"
	"net"
	"sync"
)

// peer holds the state kept about one remote host. Peers are shared by all
// sockets of an instance and are never freed while the instance lives.
type peer struct {
	addr *net.UDPAddr

	mu sync.Mutex
	// Priority cutoffs this peer asked us to use for unscheduled bytes,
	// and the version it labelled them with. The version is echoed in
	// every DATA packet we send to the peer.
	unschedCutoffs [HOMA_MAX_PRIORITIES]uint32
	cutoffVersion  uint16
	// Last time (instance-monotonic ns) we sent CUTOFFS to this peer,
	// used to rate-limit updates.
	lastCutoffsSent int64

	// Acks waiting to be piggybacked on outgoing data, telling this peer
	// which of its server RPCs it may discard.
	ackMu sync.Mutex
	acks  []wireAck

	// RESENDs sent to this peer without any response; see silent-peer
	// handling in timer.go.
	outstandingResends int
}

func newPeer(addr *net.UDPAddr) *peer {
	p := &peer{addr: addr}
	// Until the peer tells us otherwise, send all unscheduled bytes just
	// below the top priority level, leaving the top free for grants.
	p.unschedCutoffs[HOMA_MAX_PRIORITIES-1] = 0
	p.unschedCutoffs[HOMA_MAX_PRIORITIES-2] = math.MaxUint32
	return p
}

// setCutoffs installs the priority policy learned from a CUTOFFS packet.
func (p *peer) setCutoffs(cutoffs [HOMA_MAX_PRIORITIES]uint32, version uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unschedCutoffs = cutoffs
	// Level 0 must accept any length, whatever the peer sent.
	p.unschedCutoffs[0] = math.MaxUint32
	p.cutoffVersion = version
}

// cutoffsSnapshot returns the cutoffs to use when sending unscheduled bytes
// to this peer.
func (p *peer) cutoffsSnapshot() [HOMA_MAX_PRIORITIES]uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unschedCutoffs
}

// cutoffVersionSnapshot returns the version of the peer's cutoffs that we
// are currently honoring.
func (p *peer) cutoffVersionSnapshot() uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cutoffVersion
}

// shouldSendCutoffs returns true if enough time has passed since the last
// CUTOFFS packet to this peer, and records now as the send time if so.
// Updates are throttled to one per second; a lost packet will be recovered
// by the version check on the next data the peer sends.
func (p *peer) shouldSendCutoffs(now int64) bool {
	const interval = int64(1e9)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastCutoffsSent != 0 && now-p.lastCutoffsSent < interval {
		return false
	}
	p.lastCutoffsSent = now
	return true
}

// addAck queues an ack for this peer, to be piggybacked on the next DATA
// packet we send it. If the queue is full the acks are flushed in a
// dedicated ACK packet via the returned slice.
func (p *peer) addAck(ack wireAck) []wireAck {
	p.ackMu.Lock()
	defer p.ackMu.Unlock()
	if len(p.acks) < HOMA_MAX_ACKS {
		p.acks = append(p.acks, ack)
		return nil
	}
	flush := p.acks
	p.acks = []wireAck{ack}
	return flush
}

// getAck removes and returns one queued ack, for piggybacking on a DATA
// packet. Returns the zero ack if none are queued.
func (p *peer) getAck() wireAck {
	p.ackMu.Lock()
	defer p.ackMu.Unlock()
	if len(p.acks) == 0 {
		return wireAck{}
	}
	ack := p.acks[len(p.acks)-1]
	p.acks = p.acks[:len(p.acks)-1]
	return ack
}

// getAcks removes and returns up to max queued acks.
func (p *peer) getAcks(max int) []wireAck {
	p.ackMu.Lock()
	defer p.ackMu.Unlock()
	n := len(p.acks)
	if n > max {
		n = max
	}
	acks := make([]wireAck, n)
	copy(acks, p.acks[len(p.acks)-n:])
	p.acks = p.acks[:len(p.acks)-n]
	return acks
}

// peerTable maps remote addresses to their peer state, creating entries on
// first contact.
type peerTable struct {
	mu    sync.RWMutex
	peers map[string]*peer
}

func newPeerTable() *peerTable {
	return &peerTable{peers: make(map[string]*peer)}
}

// get returns the peer for addr, creating it if this is the first contact.
func (t *peerTable) get(addr *net.UDPAddr) *peer {
	key := addr.String()

	t.mu.RLock()
	p, ok := t.peers[key]
	t.mu.RUnlock()
	if ok {
		return p
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.peers[key]; ok {
		return p
	}
	p = newPeer(addr)
	t.peers[key] = p
	return p
}
