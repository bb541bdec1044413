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
	"io"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// Maximum bytes of payload in a Homa request or response message.
	HOMA_MAX_MESSAGE_LENGTH = 1000000
	// Number of bytes in pages used for receive buffers. Must be power of two.
	HOMA_BPAGE_SHIFT = 16
	HOMA_BPAGE_SIZE  = 1 << HOMA_BPAGE_SHIFT
	// The largest number of bpages that will be required to store an incoming message.
	HOMA_MAX_BPAGES = (HOMA_MAX_MESSAGE_LENGTH + HOMA_BPAGE_SIZE - 1) >> HOMA_BPAGE_SHIFT
	// Number of priority levels available on the wire.
	HOMA_MAX_PRIORITIES = 8
	// Largest segment of message data carried in a single DATA packet.
	HOMA_SEGMENT_SIZE = 1400
)

// maxGrants bounds the max_overcommit config parameter, and with it the
// number of messages a single grant pass works on.
const maxGrants = 10

// Flag bits for Socket.Recv and WaitForMessage.
const (
	HOMA_RECVMSG_REQUEST     = 0x01
	HOMA_RECVMSG_RESPONSE    = 0x02
	HOMA_RECVMSG_NONBLOCKING = 0x04
	HOMA_RECVMSG_VALID_FLAGS = 0x07
)

// coreState tracks recent transport activity for one receiver slot, so
// handoffs can steer work towards quiet ones.
type coreState struct {
	// Last time (instance-monotonic ns) packet processing ran here.
	lastActive atomic.Int64
	// Last time an application thread was handed work here.
	lastAppActive atomic.Int64
}

// Homa is one instance of the protocol: the grant table, the peer table and
// the configuration shared by all of its sockets.
type Homa struct {
	cfg     Config
	cfgMu   sync.RWMutex
	der     derived
	log     *logrus.Entry
	metrics Metrics

	// clockBase anchors the instance-monotonic clock used for message
	// ages, poll budgets and core busyness.
	clockBase time.Time

	// grantableMu is the grant-table lock: it protects grantableRPCs,
	// numGrantableRPCs, grantNonfifoLeft and the grantable linkage of
	// every RPC. It is distinct from (and nests inside) per-RPC locks.
	// Note the lock order throughout this package runs RPC lock first,
	// then grantableMu or a socket's mu, the reverse of the kernel
	// implementation; a path holding a socket lock reaches an RPC via
	// the handing-off flag instead of locking it.
	grantableMu      sync.Mutex
	grantableRPCs    *list.List
	numGrantableRPCs atomic.Int32
	grantNonfifoLeft int64

	// Granted-but-unreceived bytes summed over all incoming messages.
	totalIncoming atomic.Int64

	// Priority cutoffs advertised to peers for unscheduled bytes.
	cutoffsMu      sync.Mutex
	unschedCutoffs [HOMA_MAX_PRIORITIES]uint32
	cutoffVersion  uint16

	peers *peerTable

	socksMu sync.Mutex
	socks   map[*Socket]struct{}

	cores    []coreState
	nextCore atomic.Int64

	stopCh    chan struct{}
	closeOnce sync.Once
}

// Option configures a Homa instance at creation.
type Option func(*Homa)

// WithLogger directs the instance's diagnostics to the given logger.
// Without it, logging is discarded.
func WithLogger(log *logrus.Logger) Option {
	return func(h *Homa) {
		h.log = logrus.NewEntry(log)
	}
}

// NewHoma creates a protocol instance with the given configuration.
func NewHoma(cfg Config, opts ...Option) (*Homa, error) {
	der, err := cfg.apply()
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	quiet := logrus.New()
	quiet.SetOutput(io.Discard)

	h := &Homa{
		cfg:           cfg,
		der:           der,
		log:           logrus.NewEntry(quiet),
		clockBase:     time.Now(),
		grantableRPCs: list.New(),
		peers:         newPeerTable(),
		socks:         make(map[*Socket]struct{}),
		cores:         make([]coreState, runtime.GOMAXPROCS(0)),
		cutoffVersion: 1,
		stopCh:        make(chan struct{}),
	}
	h.grantNonfifoLeft = der.grantNonfifo
	h.setDefaultCutoffs()

	for _, opt := range opts {
		opt(h)
	}

	go h.timerLoop()
	return h, nil
}

// Close shuts down the instance: the timer stops and every socket still open
// is closed.
func (h *Homa) Close() error {
	var err error
	h.closeOnce.Do(func() {
		close(h.stopCh)
		for _, sock := range h.socketsSnapshot() {
			if serr := sock.Close(); err == nil {
				err = serr
			}
		}
	})
	if err != nil {
		return fmt.Errorf("could not close instance: %w", err)
	}
	return nil
}

// SetConfig replaces the instance configuration, recomputing derived values.
// Priority-cutoff policy is separate; see SetUnschedCutoffs.
func (h *Homa) SetConfig(cfg Config) error {
	der, err := cfg.apply()
	if err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	h.cfgMu.Lock()
	h.cfg = cfg
	h.der = der
	h.cfgMu.Unlock()
	return nil
}

// Metrics returns the instance's event counters.
func (h *Homa) Metrics() *Metrics {
	return &h.metrics
}

// now returns instance-monotonic nanoseconds.
func (h *Homa) now() int64 {
	return time.Since(h.clockBase).Nanoseconds()
}

// config returns a consistent snapshot of the configuration and its derived
// values.
func (h *Homa) config() (Config, derived) {
	h.cfgMu.RLock()
	defer h.cfgMu.RUnlock()
	return h.cfg, h.der
}

// setDefaultCutoffs installs the default unscheduled-priority policy: the
// shortest messages get the highest levels, and everything fits somewhere.
func (h *Homa) setDefaultCutoffs() {
	h.cutoffsMu.Lock()
	defer h.cutoffsMu.Unlock()
	for i := range h.unschedCutoffs {
		h.unschedCutoffs[i] = 0
	}
	top := h.cfg.NumPriorities - 1
	if top >= 3 {
		h.unschedCutoffs[top] = 200
		h.unschedCutoffs[top-1] = 2800
		h.unschedCutoffs[top-2] = 15000
		h.unschedCutoffs[top-3] = HOMA_MAX_MESSAGE_LENGTH
	} else {
		h.unschedCutoffs[top] = HOMA_MAX_MESSAGE_LENGTH
	}
}

// SetUnschedCutoffs replaces the unscheduled priority cutoffs and bumps the
// version, so peers will be updated the next time they send data.
func (h *Homa) SetUnschedCutoffs(cutoffs [HOMA_MAX_PRIORITIES]uint32) {
	h.cutoffsMu.Lock()
	defer h.cutoffsMu.Unlock()
	h.unschedCutoffs = cutoffs
	h.cutoffVersion++
}

// cutoffsSnapshot returns the current cutoffs and their version.
func (h *Homa) cutoffsSnapshot() ([HOMA_MAX_PRIORITIES]uint32, uint16) {
	h.cutoffsMu.Lock()
	defer h.cutoffsMu.Unlock()
	return h.unschedCutoffs, h.cutoffVersion
}

// unschedPriority returns the priority level a peer should use for the
// unscheduled bytes of a message of the given length, based on the cutoffs
// we most recently learned from it.
func (h *Homa) unschedPriority(p *peer, length int) uint8 {
	cfg, _ := h.config()
	cutoffs := p.cutoffsSnapshot()
	cutoffs[0] = math.MaxUint32
	for i := cfg.NumPriorities - 1; ; i-- {
		if uint32(length) <= cutoffs[i] {
			return uint8(i)
		}
	}
}

// socketsSnapshot returns the instance's live sockets.
func (h *Homa) socketsSnapshot() []*Socket {
	h.socksMu.Lock()
	defer h.socksMu.Unlock()
	socks := make([]*Socket, 0, len(h.socks))
	for sock := range h.socks {
		socks = append(socks, sock)
	}
	return socks
}

// assignCore hands out receiver slots round-robin; the slot count matches
// GOMAXPROCS so slots approximate OS-level parallelism.
func (h *Homa) assignCore() int {
	return int(h.nextCore.Add(1)-1) % len(h.cores)
}

// markCoreActive records that transport work just ran on the given slot.
func (h *Homa) markCoreActive(core int) {
	h.cores[core].lastActive.Store(h.now())
}
