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
	"crypto/rand"
	"crypto/sha256"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

// newTestMessage builds a message whose contents span buffer pages, the
// way reassembly leaves them for the application.
func newTestMessage(t *testing.T, bp *BufferPool, length int) (*Message, []byte) {
	t.Helper()

	payload := make([]byte, length)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	var offsets [HOMA_MAX_BPAGES]uint32
	numBpages := (length + HOMA_BPAGE_SIZE - 1) / HOMA_BPAGE_SIZE
	require.Equal(t, numBpages, bp.allocate(numBpages, offsets[:]))
	for i := 0; i < numBpages; i++ {
		start := i * HOMA_BPAGE_SIZE
		end := min(start+HOMA_BPAGE_SIZE, length)
		copy(bp.pageBytes(offsets[i]), payload[start:end])
	}

	return &Message{
		bp:               bp,
		id:               2,
		completionCookie: 7,
		length:           int64(length),
		numBpages:        numBpages,
		bpageOffsets:     offsets,
	}, payload
}

func TestMessageReadSpansPages(t *testing.T) {
	bp, err := NewBufferPool(4)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, bp.Close())
	})

	msg, payload := newTestMessage(t, bp, HOMA_BPAGE_SIZE+20)
	require.EqualValues(t, len(payload), msg.Length())
	require.False(t, msg.IsRequest())
	require.EqualValues(t, 7, msg.CompletionCookie())

	h := sha256.New()
	n, err := io.Copy(h, msg)
	require.NoError(t, err)
	require.EqualValues(t, len(payload), n)
	want := sha256.Sum256(payload)
	require.Equal(t, want[:], h.Sum(nil))

	// Closing returns the pages; a second close must not return them twice.
	require.NoError(t, msg.Close())
	require.Equal(t, 4, bp.freeCount())
	require.NoError(t, msg.Close())
	require.Equal(t, 4, bp.freeCount())
}

func TestMessageSmallReads(t *testing.T) {
	bp, err := NewBufferPool(4)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, bp.Close())
	})

	msg, payload := newTestMessage(t, bp, HOMA_BPAGE_SIZE+1000)
	defer msg.Close()

	// An odd chunk size forces reads that straddle the page boundary.
	var got []byte
	buf := make([]byte, 700)
	for {
		n, err := msg.Read(buf)
		got = append(got, buf[:n]...)
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
	}
	require.Equal(t, payload, got)
}

func TestBufferPoolExhaustion(t *testing.T) {
	bp, err := NewBufferPool(2)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, bp.Close())
	})

	var offsets [HOMA_MAX_BPAGES]uint32
	// Allocation is all or nothing.
	require.Equal(t, 0, bp.allocate(3, offsets[:]))
	require.Equal(t, 2, bp.freeCount())

	require.Equal(t, 2, bp.allocate(2, offsets[:]))
	require.Equal(t, 0, bp.allocate(1, offsets[2:]))

	bp.release(offsets[:2])
	require.Equal(t, 2, bp.freeCount())
}
