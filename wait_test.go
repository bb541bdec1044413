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
	"container/list"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRegisterUnlinkSymmetry(t *testing.T) {
	h := newTestHoma(t, DefaultConfig())
	sock, _ := newTestSocket(t, h)

	it := newInterest(h)
	rpc, err := sock.registerInterests(it,
		HOMA_RECVMSG_REQUEST|HOMA_RECVMSG_RESPONSE, 0)
	require.NoError(t, err)
	require.Nil(t, rpc)

	sock.mu.Lock()
	require.Equal(t, 1, sock.requestInterests.Len())
	require.Equal(t, 1, sock.responseInterests.Len())
	sock.mu.Unlock()

	sock.unlinkInterest(it)

	sock.mu.Lock()
	require.Equal(t, 0, sock.requestInterests.Len())
	require.Equal(t, 0, sock.responseInterests.Len())
	sock.mu.Unlock()
	require.Nil(t, it.requestElem)
	require.Nil(t, it.responseElem)
}

func TestRegisterSpecificRPC(t *testing.T) {
	h := newTestHoma(t, DefaultConfig())
	sock, _ := newTestSocket(t, h)
	dest := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}

	id, err := sock.Send(dest, []byte("ping"), 0)
	require.NoError(t, err)
	rpc := sock.findRPC(nil, id)
	require.NotNil(t, rpc)

	it := newInterest(h)
	claimed, err := sock.registerInterests(it, HOMA_RECVMSG_RESPONSE, id)
	require.NoError(t, err)
	require.Nil(t, claimed)
	require.Same(t, it, rpc.interest)

	// A second thread can't wait on the same RPC.
	it2 := newInterest(h)
	_, err = sock.registerInterests(it2, HOMA_RECVMSG_RESPONSE, id)
	require.Error(t, err)
	sock.unlinkInterest(it2)

	sock.unlinkInterest(it)
	require.Nil(t, rpc.interest)
}

func TestHandoffToWaitingThread(t *testing.T) {
	h := newTestHoma(t, DefaultConfig())
	sock, _ := newTestSocket(t, h)
	src := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}

	type result struct {
		msg *Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := sock.Recv(context.Background(), HOMA_RECVMSG_REQUEST, 0)
		done <- result{msg, err}
	}()

	// Wait until the receiver has linked its interest, then deliver.
	require.Eventually(t, func() bool {
		sock.mu.Lock()
		defer sock.mu.Unlock()
		return sock.requestInterests.Len() > 0
	}, time.Second, time.Millisecond)

	sock.dispatch(src, requestPacket(sock, src, 2, []byte("knock knock")))

	res := <-done
	require.NoError(t, res.err)
	body, err := io.ReadAll(res.msg)
	require.NoError(t, err)
	require.Equal(t, []byte("knock knock"), body)
	require.NoError(t, res.msg.Close())
	require.EqualValues(t, 1, h.metrics.HandoffsThreadWaiting.Load())
}

func TestReorderedSegments(t *testing.T) {
	h := newTestHoma(t, DefaultConfig())
	sock, _ := newTestSocket(t, h)
	src := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}

	length := 2 * HOMA_SEGMENT_SIZE
	payload := make([]byte, length)
	for i := range payload {
		payload[i] = byte(i)
	}

	segment := func(offset int) []byte {
		hdr := dataHeader{
			common: commonHeader{
				sport:    uint16(src.Port),
				dport:    sock.port,
				senderID: 2,
				typ:      DATA,
			},
			messageLength: uint32(length),
			incoming:      uint32(length),
			offset:        uint32(offset),
			segmentLength: uint32(HOMA_SEGMENT_SIZE),
		}
		return hdr.bytes(payload[offset : offset+HOMA_SEGMENT_SIZE])
	}

	// Second segment first; the message must not be handed off until the
	// gap is filled.
	sock.dispatch(src, segment(HOMA_SEGMENT_SIZE))
	_, err := sock.Recv(context.Background(),
		HOMA_RECVMSG_REQUEST|HOMA_RECVMSG_NONBLOCKING, 0)
	require.Error(t, err)

	sock.dispatch(src, segment(0))
	msg, err := sock.Recv(context.Background(),
		HOMA_RECVMSG_REQUEST|HOMA_RECVMSG_NONBLOCKING, 0)
	require.NoError(t, err)

	body, err := io.ReadAll(msg)
	require.NoError(t, err)
	require.Equal(t, payload, body)
	require.NoError(t, msg.Close())
}

func TestChooseInterestPrefersQuietCore(t *testing.T) {
	h := newTestHoma(t, DefaultConfig())
	if len(h.cores) < 2 {
		t.Skip("needs at least two receiver slots")
	}

	busy := &Interest{wake: make(chan struct{}, 1), core: 0}
	quiet := &Interest{wake: make(chan struct{}, 1), core: 1}

	interests := list.New()
	interests.PushBack(busy)
	interests.PushBack(quiet)

	// The first candidate's slot just processed a packet; the handoff
	// should skip past it.
	h.cores[0].lastActive.Store(h.now())
	h.cores[1].lastActive.Store(h.now() - time.Second.Nanoseconds())

	require.Same(t, quiet, h.chooseInterest(interests))
	require.EqualValues(t, 1, h.metrics.HandoffsAltThread.Load())

	// With every slot busy the first candidate wins by default.
	h.cores[1].lastActive.Store(h.now())
	require.Same(t, busy, h.chooseInterest(interests))
}
