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
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestHoma(t *testing.T, cfg Config) *Homa {
	t.Helper()

	h, err := NewHoma(cfg)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, h.Close())
	})
	return h
}

// recordingXmit captures outgoing packets instead of putting them on the
// wire, so tests can inspect what the protocol engine decided to send.
type recordingXmit struct {
	mu   sync.Mutex
	pkts [][]byte
}

func (x *recordingXmit) Send(addr *net.UDPAddr, buf []byte) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	cp := make([]byte, len(buf))
	copy(cp, buf)
	x.pkts = append(x.pkts, cp)
	return nil
}

// ofType returns the captured packets of the given type, in send order.
func (x *recordingXmit) ofType(typ packetType) [][]byte {
	x.mu.Lock()
	defer x.mu.Unlock()
	var pkts [][]byte
	for _, pkt := range x.pkts {
		common, err := parseCommonHeader(pkt)
		if err != nil {
			continue
		}
		if common.typ == typ {
			pkts = append(pkts, pkt)
		}
	}
	return pkts
}

func (x *recordingXmit) reset() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.pkts = nil
}

// newTestSocket opens a socket on a free port and replaces its transmitter
// with a recording one, so nothing the tests provoke leaves the process.
func newTestSocket(t *testing.T, h *Homa) (*Socket, *recordingXmit) {
	t.Helper()

	addr, err := net.ResolveUDPAddr("udp", "localhost:0")
	require.NoError(t, err)

	sock, err := NewSocket(h, addr)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, sock.Close())
	})

	rec := &recordingXmit{}
	sock.xmit = rec
	return sock, rec
}

// newTestIncoming creates a server RPC mid-receive, as if the first packet
// of a request of the given length just arrived.
func newTestIncoming(t *testing.T, sock *Socket, src *net.UDPAddr, id uint64, length, unsched int) *RPC {
	t.Helper()

	rpc, err := newServerRPC(sock, src, id, &dataHeader{
		common: commonHeader{sport: uint16(src.Port), dport: sock.port, senderID: id ^ 1},
	})
	require.NoError(t, err)

	rpc.mu.Lock()
	sock.homa.messageInInit(rpc, length, unsched)
	rpc.mu.Unlock()
	return rpc
}
