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

// The grant engine decides which incoming messages may keep sending.
// Messages that don't fit in their unscheduled allotment wait in the
// grantable list, sorted by bytes remaining, and grants go to the messages
// at the front (shortest remaining first). A configurable slice of grant
// bandwidth goes to the oldest message instead, so long messages still
// finish under sustained load.

// checkGrantable adds the RPC to the grantable list, or restores the
// list's ordering after the RPC's bytes-remaining dropped. The caller must
// hold rpc.mu.
func (h *Homa) checkGrantable(rpc *RPC) {
	m := &rpc.msgin
	if !m.scheduled || rpc.state == stateDead {
		return
	}

	h.grantableMu.Lock()
	defer h.grantableMu.Unlock()

	if m.granted.Load() >= int64(m.length) {
		return
	}

	if rpc.grantableElem == nil {
		// Insert behind existing entries with fewer or equal bytes
		// remaining, so ties resolve in arrival order.
		remaining := m.bytesRemaining.Load()
		for e := h.grantableRPCs.Front(); e != nil; e = e.Next() {
			other := e.Value.(*RPC)
			if other.msgin.bytesRemaining.Load() > remaining {
				rpc.grantableElem = &listElem{
					list: h.grantableRPCs,
					elem: h.grantableRPCs.InsertBefore(rpc, e),
				}
				break
			}
		}
		if rpc.grantableElem == nil {
			rpc.grantableElem = pushBack(h.grantableRPCs, rpc)
		}
		h.numGrantableRPCs.Add(1)
		return
	}

	// Already listed; data arrival can only shrink bytes-remaining, so
	// the RPC may need to move towards the front. Older messages win
	// ties so their position isn't churned by newcomers.
	elem := rpc.grantableElem.elem
	remaining := m.bytesRemaining.Load()
	for {
		prev := elem.Prev()
		if prev == nil {
			break
		}
		other := prev.Value.(*RPC)
		otherRemaining := other.msgin.bytesRemaining.Load()
		if otherRemaining < remaining ||
			(otherRemaining == remaining && other.msgin.birth <= m.birth) {
			break
		}
		h.grantableRPCs.MoveBefore(elem, prev)
	}
}

// removeFromGrantable takes the RPC out of the grantable list if it is
// there. The caller must hold rpc.mu. The lockless check is safe because
// grantableElem is only set while holding both rpc.mu and grantableMu.
func (h *Homa) removeFromGrantable(rpc *RPC) {
	if rpc.grantableElem == nil {
		return
	}
	h.grantableMu.Lock()
	if rpc.grantableElem != nil {
		h.grantableRPCs.Remove(rpc.grantableElem.elem)
		rpc.grantableElem = nil
		h.numGrantableRPCs.Add(-1)
	}
	h.grantableMu.Unlock()

	// A slot opened up; other messages may now be grantable.
	h.sendGrants()
}

// extendGranted raises the RPC's granted offset to at least incoming, when
// a DATA packet shows the sender already considers that many bytes
// authorized. Keeping our number in sync avoids issuing grants for bytes
// the sender will transmit anyway.
func (h *Homa) extendGranted(rpc *RPC, incoming int64) {
	if incoming > int64(rpc.msgin.length) {
		incoming = int64(rpc.msgin.length)
	}
	h.grantableMu.Lock()
	defer h.grantableMu.Unlock()
	granted := rpc.msgin.granted.Load()
	if incoming > granted {
		rpc.msgin.granted.Store(incoming)
		h.totalIncoming.Add(incoming - granted)
	}
}

// grantToSend is a GRANT packet built under the grant-table lock and
// transmitted after it is released.
type grantToSend struct {
	rpc *RPC
	hdr grantHeader
}

// sendGrants runs one pass of the grant engine: pick the messages to
// grant to, compute their new grant offsets and priorities, then transmit
// the GRANT packets. Packet transmission happens after the grant-table
// lock is dropped; the chosen RPCs are pinned against reaping with
// grantsInProgress in the meantime.
func (h *Homa) sendGrants() {
	cfg, der := h.config()

	// Quick unlocked check for the common case of nothing to do.
	if h.numGrantableRPCs.Load() == 0 {
		return
	}

	h.grantableMu.Lock()

	rpcs := h.chooseRPCsToGrant(cfg.MaxOvercommit, cfg.MaxRPCsPerPeer)
	pinned := rpcs
	for _, rpc := range rpcs {
		rpc.grantsInProgress.Add(1)
	}
	grants := h.createGrants(rpcs, &cfg)

	if cfg.GrantFifoFraction > 0 && h.grantNonfifoLeft <= 0 {
		h.grantNonfifoLeft += der.grantNonfifo
		if fifoRPC := h.chooseFifoGrant(&cfg); fifoRPC != nil {
			// If the winner also got a regular grant this pass,
			// fold the larger offset into that packet rather
			// than sending two.
			folded := false
			for i := range grants {
				if grants[i].rpc == fifoRPC {
					grants[i].hdr.offset = uint32(fifoRPC.msgin.granted.Load())
					folded = true
					break
				}
			}
			if !folded {
				fifoRPC.grantsInProgress.Add(1)
				pinned = append(pinned[:len(pinned):len(pinned)], fifoRPC)
				grants = append(grants, grantToSend{
					rpc: fifoRPC,
					hdr: h.grantHeaderFor(fifoRPC),
				})
			}
		}
	}

	h.grantableMu.Unlock()

	for i := range grants {
		g := &grants[i]
		g.rpc.sock.xmitControl(g.rpc.peer, g.hdr.bytes())
	}
	for _, rpc := range pinned {
		rpc.grantsInProgress.Add(-1)
	}
}

// chooseRPCsToGrant picks up to max messages from the front of the
// grantable list, taking at most perPeer from any one peer. Messages
// skipped for the per-peer cap stay in place; they will be considered
// again once that peer's earlier messages finish. The caller must hold
// grantableMu.
func (h *Homa) chooseRPCsToGrant(max, perPeer int) []*RPC {
	rpcs := make([]*RPC, 0, max)
	for e := h.grantableRPCs.Front(); e != nil && len(rpcs) < max; e = e.Next() {
		rpc := e.Value.(*RPC)
		fromPeer := 0
		for _, chosen := range rpcs {
			if chosen.peer == rpc.peer {
				fromPeer++
			}
		}
		if fromPeer >= perPeer {
			continue
		}
		rpcs = append(rpcs, rpc)
	}
	return rpcs
}

// createGrants computes new grant offsets and priorities for the chosen
// messages. The highest scheduled priority goes to the shortest message;
// when there are fewer messages than levels the whole block shifts down,
// leaving the top levels free for messages that may arrive at any moment.
// The caller must hold grantableMu.
func (h *Homa) createGrants(rpcs []*RPC, cfg *Config) []grantToSend {
	grants := make([]grantToSend, 0, len(rpcs))
	available := int64(cfg.MaxIncoming) - h.totalIncoming.Load()

	window := int64(cfg.Window)
	if window == 0 {
		window = int64(cfg.MaxIncoming) / int64(len(rpcs)+1)
	}

	extraLevels := cfg.MaxSchedPrio + 1 - len(rpcs)

	for i, rpc := range rpcs {
		if available <= 0 {
			break
		}
		m := &rpc.msgin
		received := int64(m.length) - m.bytesRemaining.Load()
		granted := m.granted.Load()

		newGrant := received + window
		if newGrant > int64(m.length) {
			newGrant = int64(m.length)
		}
		increase := newGrant - granted
		if increase <= 0 {
			continue
		}
		if increase > available {
			increase = available
			newGrant = granted + increase
		}
		available -= increase

		m.granted.Store(newGrant)
		h.totalIncoming.Add(increase)
		h.grantNonfifoLeft -= increase
		rpc.silentTicks.Store(0)

		priority := cfg.MaxSchedPrio - i
		if extraLevels >= 0 {
			priority -= extraLevels
		}
		if priority < 0 {
			priority = 0
		}
		m.priority = uint8(priority)

		if newGrant >= int64(m.length) {
			// Fully granted; it no longer competes for grants.
			h.grantableRPCs.Remove(rpc.grantableElem.elem)
			rpc.grantableElem = nil
			h.numGrantableRPCs.Add(-1)
		}

		grants = append(grants, grantToSend{rpc: rpc, hdr: h.grantHeaderFor(rpc)})
	}
	return grants
}

// grantHeaderFor builds a GRANT header from the RPC's current grant state.
// The caller must hold grantableMu.
func (h *Homa) grantHeaderFor(rpc *RPC) grantHeader {
	hdr := grantHeader{
		common: commonHeader{
			sport:    rpc.sock.port,
			dport:    rpc.dport,
			senderID: rpc.id,
			typ:      GRANT,
		},
		offset:   uint32(rpc.msgin.granted.Load()),
		priority: rpc.msgin.priority,
	}
	if rpc.msgin.resendAll {
		hdr.resendAll = 1
		rpc.msgin.resendAll = false
	}
	return hdr
}

// chooseFifoGrant gives the oldest growing message a grant increment,
// regardless of its place in the SRPT order. Messages that haven't used
// up their last pity grant are passed over. The caller must hold
// grantableMu.
func (h *Homa) chooseFifoGrant(cfg *Config) *RPC {
	var oldest *RPC
	oldestBirth := int64(1<<63 - 1)
	for e := h.grantableRPCs.Front(); e != nil; e = e.Next() {
		rpc := e.Value.(*RPC)
		m := &rpc.msgin
		if m.birth >= oldestBirth {
			continue
		}
		received := int64(m.length) - m.bytesRemaining.Load()
		onTheWay := m.granted.Load() - received
		if onTheWay > int64(cfg.UnschedBytes) {
			continue
		}
		oldest = rpc
		oldestBirth = m.birth
	}
	if oldest == nil {
		return nil
	}

	m := &oldest.msgin
	h.metrics.FifoGrants.Add(1)
	granted := m.granted.Load()
	if int64(m.length)-m.bytesRemaining.Load() == granted {
		h.metrics.FifoGrantsNoIncoming.Add(1)
	}

	newGrant := granted + int64(cfg.FifoGrantIncrement)
	if newGrant >= int64(m.length) {
		newGrant = int64(m.length)
		h.grantableRPCs.Remove(oldest.grantableElem.elem)
		oldest.grantableElem = nil
		h.numGrantableRPCs.Add(-1)
	}
	m.granted.Store(newGrant)
	h.totalIncoming.Add(newGrant - granted)
	oldest.silentTicks.Store(0)
	return oldest
}
