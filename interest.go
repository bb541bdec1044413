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
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Interest records one thread waiting for an incoming message, so the
// packet path can hand an RPC straight to it instead of queueing.
type Interest struct {
	// ready is written exactly once, with a handed-off RPC. Readers
	// spin or sleep on wake.
	ready atomic.Pointer[RPC]
	wake  chan struct{}

	// RPC this thread registered specific interest in, or nil. That
	// RPC's interest field points back here.
	regRPC *RPC

	// Positions in the socket's interest lists (nil when not listed).
	// Protected by the socket lock.
	requestElem  *list.Element
	responseElem *list.Element

	// Receiver slot the waiting thread was assigned; handoffs prefer
	// threads on quiet slots.
	core int
}

func newInterest(h *Homa) *Interest {
	return &Interest{
		wake: make(chan struct{}, 1),
		core: h.assignCore(),
	}
}

// setRPC publishes an RPC to the waiting thread and wakes it. The store
// must happen before the wake so the thread never wakes to an empty
// interest.
func (it *Interest) setRPC(rpc *RPC) {
	it.ready.Store(rpc)
	select {
	case it.wake <- struct{}{}:
	default:
	}
}

// registerInterests records what the calling thread wants to receive. If
// something suitable is already ready it is claimed and returned instead
// (with rpcHandingOff set; the caller owns it and must clear the flag
// under the RPC's lock). Otherwise the interest is linked so the packet
// path can find it, and the caller should wait on it.
func (sock *Socket) registerInterests(it *Interest, flags int, id uint64) (*RPC, error) {
	if flags&^HOMA_RECVMSG_VALID_FLAGS != 0 {
		return nil, unix.EINVAL
	}
	if flags&(HOMA_RECVMSG_REQUEST|HOMA_RECVMSG_RESPONSE) == 0 && id == 0 {
		return nil, unix.EINVAL
	}

	var reg *RPC
	if id != 0 {
		if !isClient(id) {
			return nil, unix.EINVAL
		}
		reg = sock.findRPC(nil, id)
		if reg == nil {
			return nil, unix.EINVAL
		}
		reg.mu.Lock()
		if reg.flags.Load()&rpcPktsReady != 0 || reg.err != 0 ||
			reg.state == stateDead {
			setFlag(&reg.flags, rpcHandingOff)
			reg.mu.Unlock()
			it.setRPC(reg)
			return reg, nil
		}
		// Hold the RPC's lock across the registration below so a
		// concurrent handoff can't slip between the readiness check
		// and the interest becoming visible.
		defer reg.mu.Unlock()
	}

	sock.mu.Lock()
	defer sock.mu.Unlock()
	if sock.shutdown {
		return nil, unix.ESHUTDOWN
	}
	if reg != nil {
		if reg.interest != nil {
			return nil, unix.EINVAL
		}
		reg.interest = it
		it.regRPC = reg
	}

	var claimed *RPC
	if flags&HOMA_RECVMSG_RESPONSE != 0 {
		if e := sock.readyResponses.Front(); e != nil {
			claimed = e.Value.(*RPC)
		} else {
			// Most recently arrived threads go first: their caches
			// are warm.
			it.responseElem = sock.responseInterests.PushFront(it)
		}
	}
	if claimed == nil && flags&HOMA_RECVMSG_REQUEST != 0 {
		if e := sock.readyRequests.Front(); e != nil {
			claimed = e.Value.(*RPC)
		} else {
			it.requestElem = sock.requestInterests.PushFront(it)
		}
	}
	if claimed == nil {
		return nil, nil
	}

	// The RPC can't be locked here (it is acquired before the socket
	// lock); the flag keeps it alive until the caller locks it.
	setFlag(&claimed.flags, rpcHandingOff)
	claimed.readyElem.list.Remove(claimed.readyElem.elem)
	claimed.readyElem = nil
	if it.responseElem != nil {
		sock.responseInterests.Remove(it.responseElem)
		it.responseElem = nil
	}
	it.setRPC(claimed)
	return claimed, nil
}

// unlinkInterest removes all traces of the interest, so a thread done
// waiting can no longer receive a handoff. A handoff racing with this may
// still have published an RPC; the caller must re-check it.ready after
// this returns.
func (sock *Socket) unlinkInterest(it *Interest) {
	sock.mu.Lock()
	defer sock.mu.Unlock()
	if it.regRPC != nil {
		it.regRPC.interest = nil
		it.regRPC = nil
	}
	if it.requestElem != nil {
		sock.requestInterests.Remove(it.requestElem)
		it.requestElem = nil
	}
	if it.responseElem != nil {
		sock.responseInterests.Remove(it.responseElem)
		it.responseElem = nil
	}
}

// chooseInterest picks a waiting thread from the given interest list,
// preferring one whose receiver slot hasn't processed packets recently;
// waking a thread there won't compete with transport work. If every
// candidate is on a busy slot the first is returned anyway. The caller
// must hold the socket lock.
func (h *Homa) chooseInterest(interests *list.List) *Interest {
	_, der := h.config()
	busyTime := h.now() - der.busy.Nanoseconds()

	var backup *Interest
	for e := interests.Front(); e != nil; e = e.Next() {
		it := e.Value.(*Interest)
		if h.cores[it.core].lastActive.Load() < busyTime {
			if backup != nil {
				h.metrics.HandoffsAltThread.Add(1)
			}
			return it
		}
		if backup == nil {
			backup = it
		}
	}
	return backup
}

// rpcHandoff makes the RPC available to the application: straight to a
// waiting thread if there is one, otherwise onto the socket's ready
// queue. The caller must hold rpc.mu.
func (h *Homa) rpcHandoff(rpc *RPC) {
	if rpc.flags.Load()&rpcHandingOff != 0 || rpc.readyElem != nil {
		return
	}
	sock := rpc.sock

	sock.mu.Lock()
	defer sock.mu.Unlock()

	var it *Interest
	switch {
	case rpc.interest != nil:
		it = rpc.interest
	case isClient(rpc.id):
		it = h.chooseInterest(sock.responseInterests)
		if it == nil {
			rpc.readyElem = pushBack(sock.readyResponses, rpc)
			h.metrics.ResponsesQueued.Add(1)
			sock.notifyDataReady()
			return
		}
	default:
		it = h.chooseInterest(sock.requestInterests)
		if it == nil {
			rpc.readyElem = pushBack(sock.readyRequests, rpc)
			h.metrics.RequestsQueued.Add(1)
			sock.notifyDataReady()
			return
		}
	}

	// The flag must be set before the RPC is published, so the thread
	// can't observe the RPC and free it first.
	setFlag(&rpc.flags, rpcHandingOff)
	h.metrics.HandoffsThreadWaiting.Add(1)

	// Record when this slot's thread was last handed work. Nothing in
	// this package reads the stamp; handoff choices use lastActive only.
	h.cores[it.core].lastAppActive.Store(h.now())

	if it.regRPC != nil {
		it.regRPC.interest = nil
		it.regRPC = nil
	}
	if it.requestElem != nil {
		sock.requestInterests.Remove(it.requestElem)
		it.requestElem = nil
	}
	if it.responseElem != nil {
		sock.responseInterests.Remove(it.responseElem)
		it.responseElem = nil
	}
	it.setRPC(rpc)
}
