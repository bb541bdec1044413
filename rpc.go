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
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// rpcState describes where an RPC is in its lifecycle. Client RPCs move
// OUTGOING -> INCOMING -> DEAD; server RPCs move INCOMING -> IN_SERVICE ->
// OUTGOING -> DEAD.
type rpcState int32

const (
	// The request (client) or response (server) is being transmitted.
	stateOutgoing rpcState = iota + 1
	// A message is being received for this RPC.
	stateIncoming
	// Server only: the request has been handed to the application and
	// the response has not been supplied yet.
	stateInService
	// The RPC has been freed but its resources have not been reaped.
	stateDead
)

func (s rpcState) String() string {
	switch s {
	case stateOutgoing:
		return "OUTGOING"
	case stateIncoming:
		return "INCOMING"
	case stateInService:
		return "IN_SERVICE"
	case stateDead:
		return "DEAD"
	}
	return fmt.Sprintf("rpcState(%d)", int32(s))
}

// Flag bits for RPC.flags. They are modified atomically so holders of other
// locks can signal an RPC without acquiring its lock.
const (
	// Packets are queued for copying to the application.
	rpcPktsReady int32 = 1 << iota
	// A thread is copying received data out to the application; the RPC
	// must not be reaped.
	rpcCopyingToUser
	// The RPC is being handed off to a waiting thread; it must not be
	// reaped until the flag clears.
	rpcHandingOff
)

// setFlag and clearFlag atomically or-in and and-out flag bits.
func setFlag(flags *atomic.Int32, bit int32) {
	for {
		old := flags.Load()
		if flags.CompareAndSwap(old, old|bit) {
			return
		}
	}
}

func clearFlag(flags *atomic.Int32, bit int32) {
	for {
		old := flags.Load()
		if flags.CompareAndSwap(old, old&^bit) {
			return
		}
	}
}

// RPC is the state of one remote procedure call, as seen by one of its two
// ends.
type RPC struct {
	// mu protects the fields below. When both an RPC lock and its
	// socket's lock are needed, the RPC lock is acquired first.
	mu sync.Mutex

	// id is this host's identifier for the RPC. The low bit is 0 on the
	// client and 1 on the server, so ids never collide between roles.
	id uint64

	sock *Socket
	peer *peer
	// Port of the RPC's remote end.
	dport uint16

	state rpcState
	flags atomic.Int32

	// If nonzero the RPC has failed and the value says how; delivered to
	// the application instead of a message.
	err unix.Errno

	msgin  MsgIn
	msgout MsgOut

	// Opaque value from the application, returned with the response.
	completionCookie uint64

	// Ticks since the peer was last heard from while we were expecting
	// something; drives RESEND probing.
	silentTicks atomic.Int32

	// Number of grant passes currently using this RPC without holding
	// its lock; nonzero blocks reaping.
	grantsInProgress atomic.Int32

	// Thread registered to receive this RPC's message, or nil.
	interest *Interest

	// Linkage managed by the grant table (grantableMu), the socket's
	// ready lists and the socket's active list respectively.
	grantableElem *listElem
	readyElem     *listElem
	activeElem    *listElem
}

// listElem pairs a container/list element with the list holding it, so an
// RPC can be unlinked without knowing which ready list it was queued on.
type listElem struct {
	list *list.List
	elem *list.Element
}

func pushBack(l *list.List, rpc *RPC) *listElem {
	return &listElem{list: l, elem: l.PushBack(rpc)}
}

// Free releases an RPC: it is unlinked from everything that could deliver
// it packets or grants, and queued for reaping. Safe to call multiple
// times. The caller must not hold the RPC's lock.
func (rpc *RPC) Free() {
	rpc.mu.Lock()
	rpc.free()
	rpc.mu.Unlock()
}

// free is the locked core of Free. The caller must hold rpc.mu.
func (rpc *RPC) free() {
	if rpc.state == stateDead {
		return
	}
	h := rpc.sock.homa
	h.removeFromGrantable(rpc)
	rpc.state = stateDead

	// Granted bytes that will now never arrive stop counting against
	// the incoming limit.
	if rpc.msgin.length >= 0 {
		outstanding := rpc.msgin.granted.Load() -
			(int64(rpc.msgin.length) - rpc.msgin.bytesRemaining.Load())
		if outstanding > 0 {
			h.totalIncoming.Add(-outstanding)
		}
	}

	sock := rpc.sock
	sock.mu.Lock()
	if rpc.activeElem != nil {
		rpc.activeElem.list.Remove(rpc.activeElem.elem)
		rpc.activeElem = nil
	}
	if rpc.readyElem != nil {
		rpc.readyElem.list.Remove(rpc.readyElem.elem)
		rpc.readyElem = nil
	}
	sock.deadRPCs = append(sock.deadRPCs, rpc)
	sock.deadSkbs += len(rpc.msgin.packets)
	sock.mu.Unlock()
}

// abort marks the RPC as failed and makes it ready, so a waiting thread
// will pick it up and see the error. The caller must hold rpc.mu.
func (rpc *RPC) abort(err unix.Errno) {
	if rpc.state == stateDead {
		return
	}
	rpc.err = err
	rpc.sock.homa.removeFromGrantable(rpc)
	rpc.sock.homa.rpcHandoff(rpc)
}

// incoming returns the number of granted-but-unreceived bytes for this
// RPC's incoming message, or 0 if no message is being received.
func (rpc *RPC) incoming() int64 {
	if rpc.msgin.length < 0 {
		return 0
	}
	got := int64(rpc.msgin.length) - rpc.msgin.bytesRemaining.Load()
	inc := rpc.msgin.granted.Load() - got
	if inc < 0 {
		return 0
	}
	return inc
}

// newClientRPC creates an RPC for an outgoing request to the given address.
// On return the RPC is in its socket's active list in state OUTGOING; no
// packets have been sent yet.
func newClientRPC(sock *Socket, dest *net.UDPAddr, completionCookie uint64) (*RPC, error) {
	rpc := &RPC{
		sock:             sock,
		peer:             sock.homa.peers.get(dest),
		dport:            uint16(dest.Port),
		state:            stateOutgoing,
		completionCookie: completionCookie,
	}
	rpc.msgin.length = -1

	sock.mu.Lock()
	defer sock.mu.Unlock()
	if sock.shutdown {
		return nil, unix.ESHUTDOWN
	}
	rpc.id = sock.nextID
	sock.nextID += 2
	rpc.activeElem = pushBack(sock.activeRPCs, rpc)
	sock.clientRPCs[rpc.id] = rpc
	return rpc, nil
}

// newServerRPC creates state for a request arriving at a server. The
// id comes off the wire (already translated to this host's form) and the
// message metadata from the first DATA packet to arrive, which need not be
// the first segment of the message.
func newServerRPC(sock *Socket, src *net.UDPAddr, id uint64, h *dataHeader) (*RPC, error) {
	rpc := &RPC{
		sock:  sock,
		peer:  sock.homa.peers.get(src),
		dport: h.common.sport,
		id:    id,
		state: stateIncoming,
	}
	rpc.msgin.length = -1

	key := serverRPCKey{addr: src.String(), id: id}
	sock.rpcsMu.Lock()
	defer sock.rpcsMu.Unlock()
	if existing, ok := sock.serverRPCs[key]; ok {
		return existing, nil
	}

	sock.mu.Lock()
	if sock.shutdown {
		sock.mu.Unlock()
		return nil, unix.ESHUTDOWN
	}
	rpc.activeElem = pushBack(sock.activeRPCs, rpc)
	sock.mu.Unlock()

	sock.serverRPCs[key] = rpc
	return rpc, nil
}

// reapDeadRPCs frees resources of dead RPCs on the socket, up to the
// configured limit of packet buffers per call. Runs on application threads
// between message waits, so the packet-processing path stays short. Returns
// the number of buffers freed.
func (sock *Socket) reapDeadRPCs(reapLimit int) int {
	freed := 0
	for freed < reapLimit {
		sock.mu.Lock()
		if len(sock.deadRPCs) == 0 {
			sock.mu.Unlock()
			break
		}
		rpc := sock.deadRPCs[0]

		// An RPC being copied out or handed off cannot be torn down
		// yet; with everything behind it also likely busy, give up
		// rather than scan.
		if rpc.flags.Load()&(rpcCopyingToUser|rpcHandingOff) != 0 ||
			rpc.grantsInProgress.Load() != 0 {
			sock.mu.Unlock()
			break
		}
		sock.deadRPCs = sock.deadRPCs[1:]
		sock.deadSkbs -= len(rpc.msgin.packets)
		sock.mu.Unlock()

		freed += len(rpc.msgin.packets)
		rpc.msgin.packets = nil
		if rpc.msgin.numBpages > 0 {
			sock.pool.release(rpc.msgin.bpageOffsets[:rpc.msgin.numBpages])
			rpc.msgin.numBpages = 0
		}

		if isClient(rpc.id) {
			sock.rpcsMu.Lock()
			delete(sock.clientRPCs, rpc.id)
			sock.rpcsMu.Unlock()
		} else {
			key := serverRPCKey{addr: rpc.peer.addr.String(), id: rpc.id}
			sock.rpcsMu.Lock()
			delete(sock.serverRPCs, key)
			sock.rpcsMu.Unlock()
		}
	}
	return freed
}

// abortRPCs fails every RPC on the socket that matches the peer (and port,
// if nonzero) with the given error. Used when a peer is declared dead.
func (h *Homa) abortRPCs(p *peer, port uint16, err unix.Errno) {
	for _, sock := range h.socketsSnapshot() {
		for _, rpc := range sock.activeSnapshot() {
			if rpc.peer != p {
				continue
			}
			if port != 0 && rpc.dport != port {
				continue
			}
			rpc.mu.Lock()
			if rpc.state == stateDead {
				rpc.mu.Unlock()
				continue
			}
			if isClient(rpc.id) {
				rpc.abort(err)
			} else {
				h.metrics.ServerRPCDiscards.Add(1)
				rpc.free()
			}
			rpc.mu.Unlock()
		}
	}
}

// AbortRPCs fails all client RPCs on the socket with the given error.
// Server RPCs are left alone; their lifecycle belongs to the application.
func (sock *Socket) AbortRPCs(err unix.Errno) {
	for _, rpc := range sock.activeSnapshot() {
		if !isClient(rpc.id) {
			continue
		}
		rpc.mu.Lock()
		if rpc.state != stateDead {
			rpc.abort(err)
		}
		rpc.mu.Unlock()
	}
}
