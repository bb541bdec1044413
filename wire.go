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
	"encoding/binary"
	"fmt"
)

// Packet types used on the wire. The values match the slots Homa has always
// used, so captures from other implementations decode the same way.
type packetType uint8

const (
	DATA     packetType = 0x10
	GRANT    packetType = 0x11
	RESEND   packetType = 0x12
	UNKNOWN  packetType = 0x13
	BUSY     packetType = 0x14
	CUTOFFS  packetType = 0x15
	NEED_ACK packetType = 0x17
	ACK      packetType = 0x18
)

func (t packetType) String() string {
	switch t {
	case DATA:
		return "DATA"
	case GRANT:
		return "GRANT"
	case RESEND:
		return "RESEND"
	case UNKNOWN:
		return "UNKNOWN"
	case BUSY:
		return "BUSY"
	case CUTOFFS:
		return "CUTOFFS"
	case NEED_ACK:
		return "NEED_ACK"
	case ACK:
		return "ACK"
	}
	return fmt.Sprintf("packetType(%#x)", uint8(t))
}

const (
	commonHeaderLen  = 16
	dataHeaderLen    = commonHeaderLen + 32
	grantHeaderLen   = commonHeaderLen + 6
	resendHeaderLen  = commonHeaderLen + 9
	cutoffsHeaderLen = commonHeaderLen + 4*HOMA_MAX_PRIORITIES + 2
	ackHeaderLen     = commonHeaderLen + 2
	ackLen           = 12

	// The most acks that can be piggybacked on a single ACK packet.
	HOMA_MAX_ACKS = 10
)

// commonHeader is present at the start of every Homa packet.
type commonHeader struct {
	sport    uint16
	dport    uint16
	senderID uint64
	typ      packetType
}

// localID translates the sender_id from an incoming packet into the id used
// for the RPC on this host. The low bit of an RPC id encodes which side
// originated it, so the translation is just a bit flip.
func localID(senderID uint64) uint64 {
	return senderID ^ 1
}

// isClient returns true if this host is the client for the RPC with the
// given (local) id.
func isClient(id uint64) bool {
	return id&1 == 0
}

// wireAck identifies an RPC whose state the server may now discard.
type wireAck struct {
	clientID   uint64
	clientPort uint16
	serverPort uint16
}

func putAck(buf []byte, a wireAck) {
	binary.BigEndian.PutUint64(buf[0:8], a.clientID)
	binary.BigEndian.PutUint16(buf[8:10], a.clientPort)
	binary.BigEndian.PutUint16(buf[10:12], a.serverPort)
}

func parseAck(buf []byte) wireAck {
	return wireAck{
		clientID:   binary.BigEndian.Uint64(buf[0:8]),
		clientPort: binary.BigEndian.Uint16(buf[8:10]),
		serverPort: binary.BigEndian.Uint16(buf[10:12]),
	}
}

// We marshal headers by hand rather than with binary.Write: the Go
// compiler can't pack structs and binary.Write uses reflection, which is
// very slow on the per-packet path.
func putCommonHeader(buf []byte, h commonHeader) {
	binary.BigEndian.PutUint16(buf[0:2], h.sport)
	binary.BigEndian.PutUint16(buf[2:4], h.dport)
	binary.BigEndian.PutUint64(buf[4:12], h.senderID)
	buf[12] = byte(h.typ)
	buf[13], buf[14], buf[15] = 0, 0, 0
}

func parseCommonHeader(buf []byte) (commonHeader, error) {
	if len(buf) < commonHeaderLen {
		return commonHeader{}, fmt.Errorf("packet too short for common header: %d bytes", len(buf))
	}
	return commonHeader{
		sport:    binary.BigEndian.Uint16(buf[0:2]),
		dport:    binary.BigEndian.Uint16(buf[2:4]),
		senderID: binary.BigEndian.Uint64(buf[4:12]),
		typ:      packetType(buf[12]),
	}, nil
}

// dataHeader describes a DATA packet: one segment of a message, plus enough
// metadata for the receiver to set up reassembly state on first contact.
type dataHeader struct {
	common commonHeader
	// Total number of bytes in the message.
	messageLength uint32
	// Bytes the sender will transmit without further grants (the
	// unscheduled prefix, possibly already extended by grants).
	incoming uint32
	// Version of the priority cutoffs the sender used for this packet.
	cutoffVersion uint16
	// Nonzero means this packet was sent in response to a RESEND.
	retransmit uint8
	// Segment fields.
	offset        uint32
	segmentLength uint32
	ack           wireAck
}

func (h *dataHeader) bytes(payload []byte) []byte {
	buf := make([]byte, dataHeaderLen+len(payload))
	putCommonHeader(buf, h.common)
	binary.BigEndian.PutUint32(buf[16:20], h.messageLength)
	binary.BigEndian.PutUint32(buf[20:24], h.incoming)
	binary.BigEndian.PutUint16(buf[24:26], h.cutoffVersion)
	buf[26] = h.retransmit
	buf[27] = 0
	binary.BigEndian.PutUint32(buf[28:32], h.offset)
	binary.BigEndian.PutUint32(buf[32:36], h.segmentLength)
	putAck(buf[36:48], h.ack)
	copy(buf[dataHeaderLen:], payload)
	return buf
}

func parseDataHeader(buf []byte) (dataHeader, []byte, error) {
	if len(buf) < dataHeaderLen {
		return dataHeader{}, nil, fmt.Errorf("packet too short for data header: %d bytes", len(buf))
	}
	common, _ := parseCommonHeader(buf)
	h := dataHeader{
		common:        common,
		messageLength: binary.BigEndian.Uint32(buf[16:20]),
		incoming:      binary.BigEndian.Uint32(buf[20:24]),
		cutoffVersion: binary.BigEndian.Uint16(buf[24:26]),
		retransmit:    buf[26],
		offset:        binary.BigEndian.Uint32(buf[28:32]),
		segmentLength: binary.BigEndian.Uint32(buf[32:36]),
		ack:           parseAck(buf[36:48]),
	}
	payload := buf[dataHeaderLen:]
	if int(h.segmentLength) > len(payload) {
		return dataHeader{}, nil, fmt.Errorf("data packet truncated: segment %d bytes, payload %d bytes",
			h.segmentLength, len(payload))
	}
	return h, payload[:h.segmentLength], nil
}

// grantHeader authorizes the sender to transmit all bytes below offset,
// using the given priority.
type grantHeader struct {
	common   commonHeader
	offset   uint32
	priority uint8
	// Nonzero means the sender should retransmit everything it has
	// already sent for this message.
	resendAll uint8
}

func (h *grantHeader) bytes() []byte {
	buf := make([]byte, grantHeaderLen)
	putCommonHeader(buf, h.common)
	binary.BigEndian.PutUint32(buf[16:20], h.offset)
	buf[20] = h.priority
	buf[21] = h.resendAll
	return buf
}

func parseGrantHeader(buf []byte) (grantHeader, error) {
	if len(buf) < grantHeaderLen {
		return grantHeader{}, fmt.Errorf("packet too short for grant header: %d bytes", len(buf))
	}
	common, _ := parseCommonHeader(buf)
	return grantHeader{
		common:    common,
		offset:    binary.BigEndian.Uint32(buf[16:20]),
		priority:  buf[20],
		resendAll: buf[21],
	}, nil
}

// resendHeader asks the peer to retransmit the given byte range at the
// given priority.
type resendHeader struct {
	common   commonHeader
	offset   uint32
	length   uint32
	priority uint8
}

func (h *resendHeader) bytes() []byte {
	buf := make([]byte, resendHeaderLen)
	putCommonHeader(buf, h.common)
	binary.BigEndian.PutUint32(buf[16:20], h.offset)
	binary.BigEndian.PutUint32(buf[20:24], h.length)
	buf[24] = h.priority
	return buf
}

func parseResendHeader(buf []byte) (resendHeader, error) {
	if len(buf) < resendHeaderLen {
		return resendHeader{}, fmt.Errorf("packet too short for resend header: %d bytes", len(buf))
	}
	common, _ := parseCommonHeader(buf)
	return resendHeader{
		common:   common,
		offset:   binary.BigEndian.Uint32(buf[16:20]),
		length:   binary.BigEndian.Uint32(buf[20:24]),
		priority: buf[24],
	}, nil
}

// cutoffsHeader tells the peer which priorities to use for unscheduled
// bytes, as a function of message length.
type cutoffsHeader struct {
	common         commonHeader
	unschedCutoffs [HOMA_MAX_PRIORITIES]uint32
	cutoffVersion  uint16
}

func (h *cutoffsHeader) bytes() []byte {
	buf := make([]byte, cutoffsHeaderLen)
	putCommonHeader(buf, h.common)
	for i, c := range h.unschedCutoffs {
		binary.BigEndian.PutUint32(buf[16+4*i:20+4*i], c)
	}
	binary.BigEndian.PutUint16(buf[16+4*HOMA_MAX_PRIORITIES:], h.cutoffVersion)
	return buf
}

func parseCutoffsHeader(buf []byte) (cutoffsHeader, error) {
	if len(buf) < cutoffsHeaderLen {
		return cutoffsHeader{}, fmt.Errorf("packet too short for cutoffs header: %d bytes", len(buf))
	}
	common, _ := parseCommonHeader(buf)
	h := cutoffsHeader{common: common}
	for i := range h.unschedCutoffs {
		h.unschedCutoffs[i] = binary.BigEndian.Uint32(buf[16+4*i : 20+4*i])
	}
	h.cutoffVersion = binary.BigEndian.Uint16(buf[16+4*HOMA_MAX_PRIORITIES:])
	return h, nil
}

// ackHeader carries a batch of acks so the server can discard RPC state.
type ackHeader struct {
	common commonHeader
	acks   []wireAck
}

func (h *ackHeader) bytes() []byte {
	if len(h.acks) > HOMA_MAX_ACKS {
		h.acks = h.acks[:HOMA_MAX_ACKS]
	}
	buf := make([]byte, ackHeaderLen+ackLen*len(h.acks))
	putCommonHeader(buf, h.common)
	binary.BigEndian.PutUint16(buf[16:18], uint16(len(h.acks)))
	for i, a := range h.acks {
		putAck(buf[ackHeaderLen+ackLen*i:], a)
	}
	return buf
}

func parseAckHeader(buf []byte) (ackHeader, error) {
	if len(buf) < ackHeaderLen {
		return ackHeader{}, fmt.Errorf("packet too short for ack header: %d bytes", len(buf))
	}
	common, _ := parseCommonHeader(buf)
	numAcks := int(binary.BigEndian.Uint16(buf[16:18]))
	if numAcks > HOMA_MAX_ACKS || len(buf) < ackHeaderLen+ackLen*numAcks {
		return ackHeader{}, fmt.Errorf("ack packet truncated: %d acks, %d bytes", numAcks, len(buf))
	}
	h := ackHeader{common: common, acks: make([]wireAck, numAcks)}
	for i := range h.acks {
		h.acks[i] = parseAck(buf[ackHeaderLen+ackLen*i:])
	}
	return h, nil
}

// controlHeader constructs a common-header-only packet (BUSY, NEED_ACK,
// UNKNOWN).
func controlHeader(h commonHeader) []byte {
	buf := make([]byte, commonHeaderLen)
	putCommonHeader(buf, h)
	return buf
}
