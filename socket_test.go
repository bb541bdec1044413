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

package homa_test

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"
	mathrand "math/rand"
	"net"
	"testing"

	homa "github.com/dpeckett/homa-core"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

func newTestEndpoint(t *testing.T) *homa.Socket {
	t.Helper()

	h, err := homa.NewHoma(homa.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, h.Close())
	})

	sock, err := homa.NewSocket(h, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	return sock
}

func TestHomaRPC(t *testing.T) {
	serverSock := newTestEndpoint(t)
	clientSock := newTestEndpoint(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var g errgroup.Group
	g.Go(func() error {
		for {
			msg, err := serverSock.Recv(ctx, homa.HOMA_RECVMSG_REQUEST, 0)
			if err != nil {
				if errors.Is(err, unix.ESHUTDOWN) || errors.Is(err, unix.EINTR) {
					return nil
				}
				return err
			}

			h := sha256.New()
			if _, err := io.Copy(h, msg); err != nil {
				return err
			}
			if err := msg.Close(); err != nil {
				return err
			}

			if err := serverSock.Reply(msg.PeerAddr().(*net.UDPAddr), msg.ID(), h.Sum(nil)); err != nil {
				return err
			}
		}
	})

	dest := serverSock.LocalAddr().(*net.UDPAddr)
	for i := 0; i < 20; i++ {
		payload := make([]byte, mathrand.Intn(homa.HOMA_MAX_MESSAGE_LENGTH-1)+1)
		_, err := rand.Read(payload)
		require.NoError(t, err)
		want := sha256.Sum256(payload)

		id, err := clientSock.Send(dest, payload, uint64(i+1))
		require.NoError(t, err)

		msg, err := clientSock.Recv(context.Background(), homa.HOMA_RECVMSG_RESPONSE, id)
		require.NoError(t, err)
		require.EqualValues(t, i+1, msg.CompletionCookie())
		require.Equal(t, id, msg.ID())

		got, err := io.ReadAll(msg)
		require.NoError(t, err)
		require.Equal(t, want[:], got)
		require.NoError(t, msg.Close())
	}

	cancel()
	require.NoError(t, serverSock.Close())
	require.NoError(t, g.Wait())
}

func TestRecvNonblocking(t *testing.T) {
	sock := newTestEndpoint(t)

	_, err := sock.Recv(context.Background(),
		homa.HOMA_RECVMSG_REQUEST|homa.HOMA_RECVMSG_NONBLOCKING, 0)
	require.ErrorIs(t, err, unix.EAGAIN)
}

func TestRecvCancelled(t *testing.T) {
	sock := newTestEndpoint(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := sock.Recv(ctx, homa.HOMA_RECVMSG_REQUEST, 0)
	require.ErrorIs(t, err, unix.EINTR)
}

func TestRecvInvalidFlags(t *testing.T) {
	sock := newTestEndpoint(t)

	_, err := sock.Recv(context.Background(), 0, 0)
	require.ErrorIs(t, err, unix.EINVAL)

	_, err = sock.Recv(context.Background(), 1<<10, 0)
	require.ErrorIs(t, err, unix.EINVAL)
}

func TestSendValidation(t *testing.T) {
	sock := newTestEndpoint(t)
	dest := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}

	_, err := sock.Send(dest, nil, 0)
	require.ErrorIs(t, err, unix.EINVAL)

	_, err = sock.Send(dest, make([]byte, homa.HOMA_MAX_MESSAGE_LENGTH+1), 0)
	require.ErrorIs(t, err, unix.EINVAL)

	// Reply needs a server id for an RPC that is actually in service.
	require.ErrorIs(t, sock.Reply(dest, 2, []byte("x")), unix.EINVAL)
	require.ErrorIs(t, sock.Reply(dest, 3, []byte("x")), unix.EINVAL)
}

func TestAbort(t *testing.T) {
	sock := newTestEndpoint(t)

	// Nobody is listening on the destination port, so the RPC stays
	// outstanding until we abort it.
	dest := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1}
	id, err := sock.Send(dest, []byte("into the void"), 0)
	require.NoError(t, err)

	require.NoError(t, sock.Abort(id, unix.ECANCELED))
	_, err = sock.Recv(context.Background(), homa.HOMA_RECVMSG_RESPONSE, id)
	require.ErrorIs(t, err, unix.ECANCELED)

	require.ErrorIs(t, sock.Abort(3, unix.ECANCELED), unix.EINVAL)
	require.ErrorIs(t, sock.Abort(42, unix.ECANCELED), unix.EINVAL)
}
