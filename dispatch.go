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
	"net"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// serverRPCKey identifies a server RPC: ids are only unique per client, so
// the client's address is part of the key.
type serverRPCKey struct {
	addr string
	id   uint64
}

// dispatch routes one incoming packet to its RPC and type handler. Runs on
// the socket's receiver goroutines, which stand in for softirq handlers:
// they must never block on application activity.
func (sock *Socket) dispatch(src *net.UDPAddr, buf []byte) {
	h := sock.homa
	cfg, _ := h.config()

	common, err := parseCommonHeader(buf)
	if err != nil {
		h.log.WithError(err).Debug("Dropping malformed packet")
		h.metrics.PacketDiscards.Add(1)
		return
	}
	id := localID(common.senderID)

	// A DATA packet can carry an ack; process it before anything else
	// so a freed RPC's resources come back as early as possible.
	var data dataHeader
	var payload []byte
	if common.typ == DATA {
		data, payload, err = parseDataHeader(buf)
		if err != nil {
			h.log.WithError(err).Debug("Dropping malformed data packet")
			h.metrics.PacketDiscards.Add(1)
			return
		}
		if data.ack.clientID != 0 {
			sock.rpcAcked(src, data.ack)
		}
	}

	rpc := sock.findRPC(src, id)
	if rpc == nil {
		switch common.typ {
		case DATA:
			if isClient(id) {
				// A response for an RPC we've already freed.
				h.metrics.UnknownRPCs.Add(1)
				return
			}
			rpc, err = newServerRPC(sock, src, id, &data)
			if err != nil {
				h.metrics.ServerCantCreateRPCs.Add(1)
				return
			}
		case CUTOFFS, NEED_ACK, ACK:
			// Handled below without RPC state.
		default:
			// The peer still thinks this RPC exists; straighten
			// it out.
			h.metrics.UnknownRPCs.Add(1)
			sock.xmitControl(h.peers.get(src), controlHeader(commonHeader{
				sport:    sock.port,
				dport:    common.sport,
				senderID: id,
				typ:      UNKNOWN,
			}))
			return
		}
	}

	if rpc != nil {
		rpc.mu.Lock()
		if rpc.state == stateDead {
			rpc.mu.Unlock()
			rpc = nil
		} else {
			rpc.silentTicks.Store(0)
			rpc.peer.mu.Lock()
			rpc.peer.outstandingResends = 0
			rpc.peer.mu.Unlock()
		}
	}

	switch common.typ {
	case DATA:
		if rpc == nil {
			h.metrics.UnknownRPCs.Add(1)
			return
		}
		sock.dataPkt(rpc, src, &data, payload)
	case GRANT:
		if rpc != nil {
			sock.grantPkt(rpc, buf)
		}
	case RESEND:
		if rpc != nil {
			sock.resendPkt(rpc, buf)
		}
	case UNKNOWN:
		if rpc != nil {
			sock.unknownPkt(rpc)
		}
	case BUSY:
		if rpc != nil {
			// The peer is alive; the timeout path starts over.
			rpc.mu.Unlock()
		}
	case CUTOFFS:
		if rpc != nil {
			rpc.mu.Unlock()
		}
		sock.cutoffsPkt(src, buf)
	case NEED_ACK:
		sock.needAckPkt(rpc, src, &common)
	case ACK:
		sock.ackPkt(rpc, src, buf)
	default:
		if rpc != nil {
			rpc.mu.Unlock()
		}
		h.metrics.UnknownPacketTypes.Add(1)
		h.log.WithFields(logrus.Fields{
			"type": common.typ,
			"peer": src,
		}).Debug("Dropping packet with unknown type")
	}

	// If dead RPCs have piled up faster than the application threads
	// can reap them, reap here even though it lengthens the packet
	// path.
	if sock.deadBacklog() >= 2*cfg.DeadBuffsLimit {
		sock.reapDeadRPCs(cfg.ReapLimit)
	}
}

// findRPC looks up the RPC a packet belongs to, or nil.
func (sock *Socket) findRPC(src *net.UDPAddr, id uint64) *RPC {
	sock.rpcsMu.RLock()
	defer sock.rpcsMu.RUnlock()
	if isClient(id) {
		return sock.clientRPCs[id]
	}
	return sock.serverRPCs[serverRPCKey{addr: src.String(), id: id}]
}

// dataPkt incorporates a DATA packet. Called with rpc.mu held; releases it.
func (sock *Socket) dataPkt(rpc *RPC, src *net.UDPAddr, h *dataHeader, payload []byte) {
	homa := sock.homa

	if rpc.state != stateIncoming {
		if isClient(rpc.id) && rpc.state == stateOutgoing {
			// First packet of the response; the request is
			// implicitly complete.
			rpc.state = stateIncoming
		} else {
			// Data for a message already received in full.
			homa.metrics.PacketDiscards.Add(1)
			rpc.mu.Unlock()
			return
		}
	}

	if rpc.msgin.length < 0 {
		homa.messageInInit(rpc, int(h.messageLength), int(h.incoming))
	}
	if rpc.msgin.numBpages == 0 && rpc.msgin.length > 0 {
		// Pages may have been released since the message was set up;
		// try again before dropping the packet.
		m := &rpc.msgin
		m.numBpages = sock.pool.allocate((m.length+HOMA_BPAGE_SIZE-1)>>
			HOMA_BPAGE_SHIFT, m.bpageOffsets[:])
		if m.numBpages == 0 {
			homa.metrics.DroppedDataNoBufs.Add(uint64(len(payload)))
			rpc.mu.Unlock()
			return
		}
		// The sender's unscheduled bytes now count as granted again.
		homa.extendGranted(rpc, int64(h.incoming))
	}

	rpc.addPacket(h, payload)

	scheduled := rpc.msgin.scheduled
	if scheduled {
		homa.extendGranted(rpc, int64(h.incoming))
		homa.checkGrantable(rpc)
	}

	if len(rpc.msgin.packets) > 0 && rpc.flags.Load()&rpcPktsReady == 0 {
		setFlag(&rpc.flags, rpcPktsReady)
		homa.rpcHandoff(rpc)
	}
	rpc.mu.Unlock()

	// The sender built this packet with a stale view of our priority
	// cutoffs; refresh it, but not more than once a second.
	cutoffs, version := homa.cutoffsSnapshot()
	if h.cutoffVersion != version {
		p := homa.peers.get(src)
		if p.shouldSendCutoffs(homa.now()) {
			hdr := cutoffsHeader{
				common: commonHeader{
					sport:    sock.port,
					dport:    h.common.sport,
					senderID: rpc.id,
					typ:      CUTOFFS,
				},
				unschedCutoffs: cutoffs,
				cutoffVersion:  version,
			}
			sock.xmitControl(p, hdr.bytes())
		}
	}

	if scheduled {
		homa.sendGrants()
	}
}

// grantPkt applies a GRANT to the RPC's outgoing message. Called with
// rpc.mu held; releases it.
func (sock *Socket) grantPkt(rpc *RPC, buf []byte) {
	h, err := parseGrantHeader(buf)
	if err != nil {
		sock.homa.metrics.PacketDiscards.Add(1)
		rpc.mu.Unlock()
		return
	}

	if rpc.state != stateOutgoing {
		rpc.mu.Unlock()
		return
	}
	if h.resendAll != 0 {
		rpc.resendData(0, rpc.msgout.nextXmitOffset, h.priority)
	}
	newGrant := int(h.offset)
	if newGrant > rpc.msgout.granted {
		rpc.msgout.granted = newGrant
		if rpc.msgout.granted > rpc.msgout.length {
			rpc.msgout.granted = rpc.msgout.length
		}
	}
	rpc.msgout.schedPriority = h.priority
	rpc.xmitData()
	rpc.mu.Unlock()
}

// resendPkt handles a peer's request to retransmit a byte range. Called
// with rpc.mu held; releases it.
func (sock *Socket) resendPkt(rpc *RPC, buf []byte) {
	h, err := parseResendHeader(buf)
	if err != nil {
		sock.homa.metrics.PacketDiscards.Add(1)
		rpc.mu.Unlock()
		return
	}

	if !isClient(rpc.id) && rpc.state != stateOutgoing {
		// We owe the client nothing right now (still receiving its
		// request, or the response isn't ready); tell it we're alive
		// so it doesn't declare us dead.
		peer, dport, id := rpc.peer, rpc.dport, rpc.id
		rpc.mu.Unlock()
		sock.xmitControl(peer, controlHeader(commonHeader{
			sport:    sock.port,
			dport:    dport,
			senderID: id,
			typ:      BUSY,
		}))
		return
	}

	if h.length == 0 {
		// A liveness probe, not a request for data; any answer will
		// keep the peer's timers quiet.
		peer, dport, id := rpc.peer, rpc.dport, rpc.id
		rpc.mu.Unlock()
		sock.xmitControl(peer, controlHeader(commonHeader{
			sport:    sock.port,
			dport:    dport,
			senderID: id,
			typ:      BUSY,
		}))
		return
	}

	start := int(h.offset)
	end := start + int(h.length)

	// A request for bytes we were never granted means a GRANT got lost;
	// the peer wouldn't ask for bytes it won't accept.
	if end > rpc.msgout.granted {
		rpc.msgout.granted = end
		if rpc.msgout.granted > rpc.msgout.length {
			rpc.msgout.granted = rpc.msgout.length
		}
	}

	if end > rpc.msgout.nextXmitOffset {
		end = rpc.msgout.nextXmitOffset
	}
	rpc.resendData(start, end, h.priority)
	rpc.xmitData()
	rpc.mu.Unlock()
}

// unknownPkt handles a peer's notice that it has no state for an RPC we
// messaged it about. Called with rpc.mu held; releases it.
func (sock *Socket) unknownPkt(rpc *RPC) {
	homa := sock.homa
	if isClient(rpc.id) {
		if rpc.state == stateOutgoing {
			// The request got lost before the server saw it;
			// start over, from the beginning and without grants.
			rpc.msgout.granted = rpc.msgout.unscheduled
			rpc.resendData(0, rpc.msgout.nextXmitOffset,
				homa.unschedPriority(rpc.peer, rpc.msgout.length))
			rpc.mu.Unlock()
			return
		}
		homa.log.WithFields(logrus.Fields{
			"id":    rpc.id,
			"state": rpc.state,
		}).Info("Peer lost track of RPC; aborting it")
		rpc.abort(unix.EIO)
		rpc.mu.Unlock()
		return
	}
	homa.metrics.ServerRPCsUnknown.Add(1)
	rpc.free()
	rpc.mu.Unlock()
}

// cutoffsPkt records the unscheduled-priority policy a peer wants us to
// use when sending to it.
func (sock *Socket) cutoffsPkt(src *net.UDPAddr, buf []byte) {
	h, err := parseCutoffsHeader(buf)
	if err != nil {
		sock.homa.metrics.PacketDiscards.Add(1)
		return
	}
	sock.homa.peers.get(src).setCutoffs(h.unschedCutoffs, h.cutoffVersion)
}

// needAckPkt answers a server's request for an ack. If we still have the
// RPC and haven't finished receiving its response, the server must keep
// its state, so the request is ignored. Called with rpc.mu held if rpc is
// not nil; releases it.
func (sock *Socket) needAckPkt(rpc *RPC, src *net.UDPAddr, common *commonHeader) {
	if rpc != nil {
		incomplete := rpc.state != stateIncoming ||
			rpc.msgin.bytesRemaining.Load() != 0
		rpc.mu.Unlock()
		if incomplete {
			return
		}
	}

	p := sock.homa.peers.get(src)
	hdr := ackHeader{
		common: commonHeader{
			sport:    sock.port,
			dport:    common.sport,
			senderID: localID(common.senderID),
			typ:      ACK,
		},
		acks: p.getAcks(HOMA_MAX_ACKS),
	}
	sock.xmitControl(p, hdr.bytes())
}

// ackPkt frees server RPCs the client says it is done with: the one named
// by the packet's sender id, plus any carried in the ack list. Called with
// rpc.mu held if rpc is not nil; releases it.
func (sock *Socket) ackPkt(rpc *RPC, src *net.UDPAddr, buf []byte) {
	h, err := parseAckHeader(buf)
	if err != nil {
		sock.homa.metrics.PacketDiscards.Add(1)
		if rpc != nil {
			rpc.mu.Unlock()
		}
		return
	}

	if rpc != nil {
		if !isClient(rpc.id) {
			rpc.free()
		}
		rpc.mu.Unlock()
	}
	for _, ack := range h.acks {
		sock.rpcAcked(src, ack)
	}
}

// rpcAcked frees the server RPC named by an ack, if it lives on this
// socket.
func (sock *Socket) rpcAcked(src *net.UDPAddr, ack wireAck) {
	if ack.serverPort != sock.port {
		return
	}
	rpc := sock.findRPC(src, localID(ack.clientID))
	if rpc == nil || isClient(rpc.id) {
		return
	}
	rpc.Free()
}
