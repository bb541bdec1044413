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
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestTimerProbesSilentPeer(t *testing.T) {
	cfg := DefaultConfig()
	h := newTestHoma(t, cfg)
	sock, rec := newTestSocket(t, h)
	dest := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}

	id, err := sock.Send(dest, []byte("ping"), 0)
	require.NoError(t, err)
	rpc := sock.findRPC(nil, id)
	require.NotNil(t, rpc)

	// The request is fully transmitted and nothing has come back; after
	// enough silent ticks a probe goes out. The background timer may
	// contribute ticks of its own, which only brings the probe forward.
	rec.reset()
	for i := 0; i < cfg.ResendTicks && len(rec.ofType(RESEND)) == 0; i++ {
		h.timerCheckRPC(sock, rpc, &cfg)
	}

	resends := rec.ofType(RESEND)
	require.NotEmpty(t, resends)
	hdr, err := parseResendHeader(resends[0])
	require.NoError(t, err)
	require.EqualValues(t, 0, hdr.offset)
	require.EqualValues(t, 100, hdr.length)
	require.EqualValues(t, uint8(cfg.NumPriorities-1), hdr.priority)
}

func TestTimerAbortsDeadPeer(t *testing.T) {
	cfg := DefaultConfig()
	h := newTestHoma(t, cfg)
	sock, _ := newTestSocket(t, h)
	dest := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}

	id, err := sock.Send(dest, []byte("ping"), 0)
	require.NoError(t, err)
	rpc := sock.findRPC(nil, id)
	require.NotNil(t, rpc)

	maxTicks := 2 * cfg.ResendTicks * cfg.TimeoutResends
	for i := 0; i < maxTicks; i++ {
		h.timerCheckRPC(sock, rpc, &cfg)

		rpc.mu.Lock()
		failed := rpc.err != 0
		rpc.mu.Unlock()
		if failed {
			break
		}
	}

	rpc.mu.Lock()
	require.Equal(t, unix.ETIMEDOUT, rpc.err)
	rpc.mu.Unlock()
}

func TestTimerLeavesBusySenderAlone(t *testing.T) {
	cfg := DefaultConfig()
	h := newTestHoma(t, cfg)
	sock, rec := newTestSocket(t, h)
	src := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}

	// An incoming message whose grants are all used up: the sender is
	// waiting on us, so it must not be probed or timed out.
	rpc := newTestIncoming(t, sock, src, 3, 50000, 1000)
	require.True(t, addTestPacket(rpc, 0, 1000, 0))

	rec.reset()
	for i := 0; i < 3*cfg.ResendTicks; i++ {
		h.timerCheckRPC(sock, rpc, &cfg)
	}

	require.Empty(t, rec.ofType(RESEND))
	require.EqualValues(t, 0, rpc.silentTicks.Load())
}

func TestTimerRequestsAckForFinishedResponse(t *testing.T) {
	cfg := DefaultConfig()
	h := newTestHoma(t, cfg)
	sock, rec := newTestSocket(t, h)
	src := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}

	// A server RPC whose response went out in full; only the client's
	// ack is outstanding.
	rpc := newTestIncoming(t, sock, src, 3, 4, 4)
	require.True(t, addTestPacket(rpc, 0, 4, 0))
	rpc.mu.Lock()
	rpc.messageOutInit([]byte("pong"))
	rpc.xmitData()
	rpc.mu.Unlock()

	rec.reset()
	for i := 0; i < cfg.ResendTicks && len(rec.ofType(NEED_ACK)) == 0; i++ {
		h.timerCheckRPC(sock, rpc, &cfg)
	}

	needAcks := rec.ofType(NEED_ACK)
	require.NotEmpty(t, needAcks)
	common, err := parseCommonHeader(needAcks[0])
	require.NoError(t, err)
	require.EqualValues(t, 3, common.senderID)
}
