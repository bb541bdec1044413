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
	"context"
	"runtime"

	"golang.org/x/sys/unix"
)

// pollYieldBudget is how long one yield in the poll loop may take before
// the time is treated as preemption rather than polling, and excluded
// from the poll budget.
const pollYieldBudget = 2000 // ns

// WaitForMessage waits until an incoming message needs attention and
// returns its RPC: either the message is complete, or the RPC has failed
// and carries an error. Data received so far is copied into the socket's
// buffer region as a side effect, so waiting threads do the copying
// instead of the packet path.
//
// flags selects what to wait for (HOMA_RECVMSG_REQUEST, _RESPONSE, or
// both, plus optionally _NONBLOCKING); a nonzero id restricts the wait to
// that client RPC. Cancelling ctx returns unix.EINTR.
func (sock *Socket) WaitForMessage(ctx context.Context, flags int, id uint64) (*RPC, error) {
	h := sock.homa
	cfg, der := h.config()

	for {
		it := newInterest(h)
		rpc, err := sock.registerInterests(it, flags, id)

		if rpc == nil && err == nil {
			// Nothing ready yet. Use the time to reap dead RPCs;
			// a handoff may arrive while doing it.
			for it.ready.Load() == nil {
				if sock.reapDeadRPCs(cfg.ReapLimit) == 0 {
					break
				}
				runtime.Gosched()
			}

			if flags&HOMA_RECVMSG_NONBLOCKING != 0 {
				if it.ready.Load() == nil {
					err = unix.EAGAIN
				}
			} else if it.ready.Load() == nil {
				sock.pollThenSleep(ctx, it, der)
			}
		}

		// Whatever happened, the interest must be torn down before
		// this thread moves on; a handoff racing with the teardown
		// may still deliver, so re-check afterwards.
		sock.unlinkInterest(it)
		rpc = it.ready.Load()

		if rpc == nil {
			if err != nil {
				return nil, err
			}
			if ctx.Err() != nil {
				return nil, unix.EINTR
			}
			if sock.isShutdown() {
				return nil, unix.ESHUTDOWN
			}
			// Spurious wakeup; wait again.
			continue
		}

		rpc.mu.Lock()
		clearFlag(&rpc.flags, rpcHandingOff)
		if rpc.state == stateDead {
			rpc.mu.Unlock()
			continue
		}
		if rpc.err != 0 {
			rpc.mu.Unlock()
			return rpc, nil
		}

		if rpc.msgin.length >= 0 && len(rpc.msgin.packets) > 0 {
			// Copy without the lock so packet processing isn't
			// stalled; the flag keeps the RPC from being reaped.
			setFlag(&rpc.flags, rpcCopyingToUser)
			rpc.mu.Unlock()
			rpc.copyToUser()
			rpc.mu.Lock()
			clearFlag(&rpc.flags, rpcCopyingToUser)
		}
		if rpc.state == stateDead {
			rpc.mu.Unlock()
			continue
		}
		if rpc.err != 0 {
			rpc.mu.Unlock()
			return rpc, nil
		}

		clearFlag(&rpc.flags, rpcPktsReady)
		complete := rpc.msgin.length >= 0 &&
			rpc.msgin.bytesRemaining.Load() == 0 &&
			len(rpc.msgin.packets) == 0
		rpc.mu.Unlock()
		if complete {
			return rpc, nil
		}
		// Partial message; keep waiting for the rest.
	}
}

// pollThenSleep waits for a handoff, busy-polling first. Short messages
// usually arrive within the poll budget, so most waits never pay for a
// sleep and wake. Time lost to preemption during the poll doesn't count
// against the budget.
func (sock *Socket) pollThenSleep(ctx context.Context, it *Interest, der derived) {
	h := sock.homa
	pollStart := h.now()
	deadline := pollStart + der.poll.Nanoseconds()
	now := pollStart

	for now < deadline {
		if it.ready.Load() != nil {
			h.metrics.FastWakeups.Add(1)
			h.metrics.PollNS.Add(uint64(now - pollStart))
			return
		}
		before := now
		runtime.Gosched()
		now = h.now()
		if blocked := now - before; blocked > pollYieldBudget {
			deadline += blocked
		}
	}
	h.metrics.PollNS.Add(uint64(now - pollStart))

	if it.ready.Load() != nil {
		h.metrics.FastWakeups.Add(1)
		return
	}

	sleepStart := h.now()
	select {
	case <-it.wake:
	case <-ctx.Done():
	case <-sock.shutdownCh:
	}
	h.metrics.SlowWakeups.Add(1)
	h.metrics.BlockedNS.Add(uint64(h.now() - sleepStart))
}
