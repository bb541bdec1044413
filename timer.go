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
	"time"

	"golang.org/x/sys/unix"
)

// timerTickInterval is how often each RPC is checked for peer silence. The
// resend_ticks and timeout_resends config parameters are counted in these
// ticks.
const timerTickInterval = time.Millisecond

// timerLoop wakes up once per tick and checks every active RPC for a peer
// that has gone silent. Runs on its own goroutine until the instance is
// closed.
func (h *Homa) timerLoop() {
	ticker := time.NewTicker(timerTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.timerTick()
		}
	}
}

// timerTick runs one pass over all active RPCs.
func (h *Homa) timerTick() {
	cfg, _ := h.config()
	for _, sock := range h.socketsSnapshot() {
		for _, rpc := range sock.activeSnapshot() {
			h.timerCheckRPC(sock, rpc, &cfg)
		}
	}
}

// timerCheckRPC decides whether the RPC's peer has been silent too long and
// if so prods it with a RESEND or NEED_ACK, or declares it dead.
func (h *Homa) timerCheckRPC(sock *Socket, rpc *RPC, cfg *Config) {
	rpc.mu.Lock()

	// An RPC in service is parked with the application; nothing is
	// expected from the peer until a response is supplied.
	if rpc.state == stateDead || rpc.state == stateInService {
		rpc.mu.Unlock()
		return
	}

	if rpc.state == stateOutgoing && rpc.msgout.nextXmitOffset < rpc.msgout.granted {
		// There are granted bytes we haven't transmitted, so the lull
		// is on our side.
		rpc.silentTicks.Store(0)
		rpc.mu.Unlock()
		return
	}

	if rpc.state == stateIncoming && rpc.msgin.length >= 0 {
		got := int64(rpc.msgin.length) - rpc.msgin.bytesRemaining.Load()
		if rpc.msgin.granted.Load() <= got {
			// The sender has used up its grants; it is waiting on
			// us, not the other way round.
			rpc.silentTicks.Store(0)
			rpc.mu.Unlock()
			return
		}
	}

	if int(rpc.silentTicks.Add(1)) < cfg.ResendTicks {
		rpc.mu.Unlock()
		return
	}
	rpc.silentTicks.Store(0)

	p := rpc.peer
	p.mu.Lock()
	p.outstandingResends++
	timedOut := p.outstandingResends >= cfg.TimeoutResends
	p.mu.Unlock()

	if timedOut {
		// abortRPCs takes each RPC's lock, so ours must be dropped
		// first.
		rpc.mu.Unlock()
		h.log.WithField("peer", p.addr).Info("Peer is unresponsive; aborting its RPCs")
		h.abortRPCs(p, 0, unix.ETIMEDOUT)
		return
	}

	if !isClient(rpc.id) && rpc.state == stateOutgoing {
		// The response went out in full; all that's missing is the
		// client's ack.
		dport, id := rpc.dport, rpc.id
		rpc.mu.Unlock()
		sock.xmitControl(p, controlHeader(commonHeader{
			sport:    sock.port,
			dport:    dport,
			senderID: id,
			typ:      NEED_ACK,
		}))
		return
	}

	offset, length := rpc.msgin.resendRange()
	if length == 0 {
		rpc.mu.Unlock()
		return
	}
	hdr := resendHeader{
		common: commonHeader{
			sport:    sock.port,
			dport:    rpc.dport,
			senderID: rpc.id,
			typ:      RESEND,
		},
		offset: offset,
		length: length,
		// Retransmitted bytes were already paid for once; hurry them
		// along at the top priority.
		priority: uint8(cfg.NumPriorities - 1),
	}
	rpc.mu.Unlock()
	sock.xmitControl(p, hdr.bytes())
}
