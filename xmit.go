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
)

// Transmitter sends a single packet towards a peer. The production
// implementation writes UDP datagrams; tests substitute one that records
// packets instead.
type Transmitter interface {
	Send(addr *net.UDPAddr, buf []byte) error
}

// udpTransmitter sends packets over the socket's UDP connection.
type udpTransmitter struct {
	conn *net.UDPConn
}

func (t *udpTransmitter) Send(addr *net.UDPAddr, buf []byte) error {
	_, err := t.conn.WriteToUDP(buf, addr)
	return err
}

// MsgOut is the send half of an RPC: an outgoing request or response.
type MsgOut struct {
	// Total message length; -1 when there is no outgoing message.
	length int
	// The full message contents.
	buf []byte
	// Bytes the receiver will accept without grants.
	unscheduled int
	// Bytes we are currently allowed to transmit.
	granted int
	// All bytes below this offset have been transmitted at least once.
	nextXmitOffset int
	// Priority from the most recent grant.
	schedPriority uint8
}

// messageOutInit sets up transmission state for an outgoing message. The
// caller must hold rpc.mu.
func (rpc *RPC) messageOutInit(data []byte) {
	cfg, _ := rpc.sock.homa.config()
	m := &rpc.msgout
	m.length = len(data)
	m.buf = data
	m.unscheduled = cfg.UnschedBytes
	if m.unscheduled > m.length {
		m.unscheduled = m.length
	}
	m.granted = m.unscheduled
	m.nextXmitOffset = 0
	rpc.state = stateOutgoing
}

// xmitData transmits any granted-but-unsent bytes of the outgoing
// message, one segment per packet. The caller must hold rpc.mu.
func (rpc *RPC) xmitData() {
	m := &rpc.msgout
	for m.nextXmitOffset < m.granted {
		segLen := m.length - m.nextXmitOffset
		if segLen > HOMA_SEGMENT_SIZE {
			segLen = HOMA_SEGMENT_SIZE
		}
		rpc.xmitSegment(m.nextXmitOffset, segLen, 0)
		m.nextXmitOffset += segLen
	}
}

// resendData retransmits the segments covering [start, end). The caller
// must hold rpc.mu.
func (rpc *RPC) resendData(start, end int, priority uint8) {
	m := &rpc.msgout
	if end > m.nextXmitOffset {
		end = m.nextXmitOffset
	}
	// Segment boundaries are fixed at multiples of the segment size, so
	// the receiver's reassembly state lines up with the original
	// transmission.
	for offset := (start / HOMA_SEGMENT_SIZE) * HOMA_SEGMENT_SIZE; offset < end; offset += HOMA_SEGMENT_SIZE {
		segLen := m.length - offset
		if segLen > HOMA_SEGMENT_SIZE {
			segLen = HOMA_SEGMENT_SIZE
		}
		rpc.xmitSegment(offset, segLen, 1)
	}
}

// xmitSegment builds and sends one DATA packet. The caller must hold
// rpc.mu.
func (rpc *RPC) xmitSegment(offset, segLen int, retransmit uint8) {
	sock := rpc.sock
	hdr := dataHeader{
		common: commonHeader{
			sport:    sock.port,
			dport:    rpc.dport,
			senderID: rpc.id,
			typ:      DATA,
		},
		messageLength: uint32(rpc.msgout.length),
		incoming:      uint32(rpc.msgout.granted),
		cutoffVersion: rpc.peer.cutoffVersionSnapshot(),
		retransmit:    retransmit,
		offset:        uint32(offset),
		segmentLength: uint32(segLen),
		ack:           rpc.peer.getAck(),
	}
	if err := sock.xmit.Send(rpc.peer.addr, hdr.bytes(rpc.msgout.buf[offset:offset+segLen])); err != nil {
		sock.homa.log.WithError(err).Debug("Could not transmit data packet")
	}
}

// xmitControl sends a control packet to a peer. Transmit errors are
// logged and otherwise ignored; every control packet has a recovery path
// if it gets lost.
func (sock *Socket) xmitControl(p *peer, buf []byte) {
	if err := sock.xmit.Send(p.addr, buf); err != nil {
		sock.homa.log.WithError(err).Debug("Could not transmit control packet")
	}
}
