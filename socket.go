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
	"errors"
	"fmt"
	"net"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// Socket is one endpoint of the protocol: it owns a UDP port, a receive
// buffer region and the RPCs sent and received through it. All methods are
// safe for concurrent use.
type Socket struct {
	homa *Homa
	conn *net.UDPConn
	xmit Transmitter
	port uint16
	pool *BufferPool

	// mu protects the fields below. When both an RPC lock and mu are
	// needed, the RPC lock is acquired first.
	mu                sync.Mutex
	shutdown          bool
	nextID            uint64
	activeRPCs        *list.List
	readyRequests     *list.List
	readyResponses    *list.List
	requestInterests  *list.List
	responseInterests *list.List
	deadRPCs          []*RPC
	deadSkbs          int
	dataReady         func()

	// The RPC tables have their own lock so packet lookups don't
	// contend with list manipulation.
	rpcsMu     sync.RWMutex
	clientRPCs map[uint64]*RPC
	serverRPCs map[serverRPCKey]*RPC

	shutdownCh chan struct{}
	receivers  *errgroup.Group
}

// NewSocket opens a socket on the given local address (a zero port picks a
// free one) and starts its receiver goroutines.
func NewSocket(h *Homa, listenAddr *net.UDPAddr) (*Socket, error) {
	cfg, _ := h.config()

	conn, err := net.ListenUDP("udp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("could not open socket: %w", err)
	}

	pool, err := NewBufferPool(cfg.PoolBpages)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("could not create receive buffer region: %w", err)
	}

	sock := &Socket{
		homa: h,
		conn: conn,
		xmit: &udpTransmitter{conn: conn},
		port: uint16(conn.LocalAddr().(*net.UDPAddr).Port),
		pool: pool,
		// Client RPC ids are even; id 0 means "no RPC".
		nextID:            2,
		activeRPCs:        list.New(),
		readyRequests:     list.New(),
		readyResponses:    list.New(),
		requestInterests:  list.New(),
		responseInterests: list.New(),
		clientRPCs:        make(map[uint64]*RPC),
		serverRPCs:        make(map[serverRPCKey]*RPC),
		shutdownCh:        make(chan struct{}),
		receivers:         &errgroup.Group{},
	}

	h.socksMu.Lock()
	h.socks[sock] = struct{}{}
	h.socksMu.Unlock()

	for i := 0; i < runtime.GOMAXPROCS(0); i++ {
		core := h.assignCore()
		sock.receivers.Go(func() error {
			return sock.receiverLoop(core)
		})
	}
	return sock, nil
}

// receiverLoop reads packets off the wire and dispatches them. One loop
// runs per receiver slot; they stand in for the kernel's per-core softirq
// handlers.
func (sock *Socket) receiverLoop(core int) error {
	for {
		// Each datagram gets its own buffer; reassembly holds on to
		// payload slices until they are copied out.
		buf := make([]byte, dataHeaderLen+HOMA_SEGMENT_SIZE+1)
		n, src, err := sock.conn.ReadFromUDP(buf)
		if err != nil {
			if sock.isShutdown() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("could not receive packet: %w", err)
		}
		sock.homa.markCoreActive(core)
		sock.dispatch(src, buf[:n])
	}
}

// Close shuts the socket down: waiting threads wake with ESHUTDOWN, all
// RPCs are freed, and the port and buffer region are released.
func (sock *Socket) Close() error {
	sock.mu.Lock()
	if sock.shutdown {
		sock.mu.Unlock()
		return nil
	}
	sock.shutdown = true
	sock.mu.Unlock()
	close(sock.shutdownCh)

	for _, rpc := range sock.activeSnapshot() {
		rpc.Free()
	}

	err := sock.conn.Close()
	_ = sock.receivers.Wait()

	cfg, _ := sock.homa.config()
	for sock.reapDeadRPCs(cfg.ReapLimit) > 0 {
	}

	sock.homa.socksMu.Lock()
	delete(sock.homa.socks, sock)
	sock.homa.socksMu.Unlock()

	if perr := sock.pool.Close(); err == nil {
		err = perr
	}
	if err != nil {
		return fmt.Errorf("could not close socket: %w", err)
	}
	return nil
}

// LocalAddr returns the local network address of the socket. This is
// useful if the socket was bound to port 0, which causes an available
// port number to be assigned.
func (sock *Socket) LocalAddr() net.Addr {
	return sock.conn.LocalAddr()
}

// OnDataReady registers a callback invoked whenever a message becomes
// ready and no thread is waiting for it, for integrating with poll-style
// event loops. The callback runs with internal locks held and must not
// call back into the socket.
func (sock *Socket) OnDataReady(f func()) {
	sock.mu.Lock()
	sock.dataReady = f
	sock.mu.Unlock()
}

func (sock *Socket) notifyDataReady() {
	if sock.dataReady != nil {
		sock.dataReady()
	}
}

func (sock *Socket) isShutdown() bool {
	sock.mu.Lock()
	defer sock.mu.Unlock()
	return sock.shutdown
}

func (sock *Socket) deadBacklog() int {
	sock.mu.Lock()
	defer sock.mu.Unlock()
	return sock.deadSkbs
}

// activeSnapshot returns the socket's live RPCs.
func (sock *Socket) activeSnapshot() []*RPC {
	sock.mu.Lock()
	defer sock.mu.Unlock()
	rpcs := make([]*RPC, 0, sock.activeRPCs.Len())
	for e := sock.activeRPCs.Front(); e != nil; e = e.Next() {
		rpcs = append(rpcs, e.Value.(*RPC))
	}
	return rpcs
}

// Send initiates an RPC by sending a request message to a server. The
// completion cookie is an arbitrary value returned with the response.
// Returns the identifier for the new RPC, which can be passed to Recv to
// wait for this response specifically.
func (sock *Socket) Send(dest *net.UDPAddr, message []byte, completionCookie uint64) (uint64, error) {
	if len(message) == 0 || len(message) > HOMA_MAX_MESSAGE_LENGTH {
		return 0, unix.EINVAL
	}
	rpc, err := newClientRPC(sock, dest, completionCookie)
	if err != nil {
		return 0, fmt.Errorf("could not create RPC: %w", err)
	}
	rpc.mu.Lock()
	rpc.messageOutInit(message)
	rpc.xmitData()
	rpc.mu.Unlock()
	return rpc.id, nil
}

// Reply sends the response for a request previously returned by Recv. id
// is the request message's ID.
func (sock *Socket) Reply(dest *net.UDPAddr, id uint64, message []byte) error {
	if len(message) == 0 || len(message) > HOMA_MAX_MESSAGE_LENGTH {
		return unix.EINVAL
	}
	rpc := sock.findRPC(dest, id)
	if rpc == nil || isClient(id) {
		return unix.EINVAL
	}
	rpc.mu.Lock()
	defer rpc.mu.Unlock()
	if rpc.state != stateInService {
		return unix.EINVAL
	}
	rpc.messageOutInit(message)
	rpc.xmitData()
	return nil
}

// Recv waits for an incoming message and returns it. flags selects
// requests, responses or both (HOMA_RECVMSG_REQUEST, HOMA_RECVMSG_RESPONSE),
// plus optionally HOMA_RECVMSG_NONBLOCKING; a nonzero id waits for one
// specific response. The returned message borrows pages from the socket's
// buffer region until it is closed.
func (sock *Socket) Recv(ctx context.Context, flags int, id uint64) (*Message, error) {
	rpc, err := sock.WaitForMessage(ctx, flags, id)
	if err != nil {
		return nil, fmt.Errorf("could not receive message: %w", err)
	}

	rpc.mu.Lock()
	if rpc.err != 0 {
		rpcErr := rpc.err
		rpc.free()
		rpc.mu.Unlock()
		return nil, fmt.Errorf("rpc failed: %w", rpcErr)
	}

	msg := &Message{
		bp:               sock.pool,
		id:               rpc.id,
		completionCookie: rpc.completionCookie,
		peerAddr:         rpc.peer.addr,
		length:           int64(rpc.msgin.length),
		numBpages:        rpc.msgin.numBpages,
		bpageOffsets:     rpc.msgin.bpageOffsets,
	}
	// The buffer pages now belong to the message; the reaper must not
	// return them to the pool.
	rpc.msgin.numBpages = 0

	if isClient(rpc.id) {
		sock.homa.metrics.ResponsesReceived.Add(1)
		p := rpc.peer
		dport := rpc.dport
		ack := wireAck{clientID: rpc.id, clientPort: sock.port, serverPort: dport}
		rpc.free()
		rpc.mu.Unlock()

		// The server keeps RPC state until it hears the response
		// landed; acks usually piggyback on later data, but if the
		// queue overflows, flush it now.
		if flush := p.addAck(ack); flush != nil {
			hdr := ackHeader{
				common: commonHeader{
					sport:    sock.port,
					dport:    dport,
					senderID: ack.clientID,
					typ:      ACK,
				},
				acks: flush,
			}
			sock.xmitControl(p, hdr.bytes())
		}
	} else {
		rpc.state = stateInService
		rpc.mu.Unlock()
	}
	return msg, nil
}

// Abort terminates client RPCs on this socket. A nonzero id aborts that
// RPC alone; zero aborts all of them. If errno is zero the RPCs are
// quietly freed; otherwise they complete with that error, to be collected
// via Recv.
func (sock *Socket) Abort(id uint64, errno unix.Errno) error {
	if id == 0 {
		if errno == 0 {
			for _, rpc := range sock.activeSnapshot() {
				if isClient(rpc.id) {
					rpc.Free()
				}
			}
		} else {
			sock.AbortRPCs(errno)
		}
		return nil
	}

	if !isClient(id) {
		return unix.EINVAL
	}
	rpc := sock.findRPC(nil, id)
	if rpc == nil {
		return unix.EINVAL
	}
	rpc.mu.Lock()
	defer rpc.mu.Unlock()
	if errno == 0 {
		rpc.free()
	} else {
		rpc.abort(errno)
	}
	return nil
}
