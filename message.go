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
	"io"
	"net"
)

// Message is a received Homa message. Its contents live in the socket's
// buffer region; Close returns the underlying pages, after which the
// message must not be read.
type Message struct {
	bp *BufferPool

	id               uint64
	completionCookie uint64
	peerAddr         *net.UDPAddr

	length int64
	cursor int64

	numBpages    int
	bpageOffsets [HOMA_MAX_BPAGES]uint32
}

// Close releases the buffer pages backing the message.
func (m *Message) Close() error {
	if m.numBpages > 0 {
		m.bp.release(m.bpageOffsets[:m.numBpages])
		m.numBpages = 0
	}
	return nil
}

// ID returns the identifier of the RPC the message belongs to. For a
// request message this is the id to pass to Reply.
func (m *Message) ID() uint64 {
	return m.id
}

// IsRequest returns true if the message is a request needing a reply,
// false if it is the response to one of our requests.
func (m *Message) IsRequest() bool {
	return !isClient(m.id)
}

// CompletionCookie returns the value the application supplied when it sent
// the request this message responds to. Zero for requests.
func (m *Message) CompletionCookie() uint64 {
	return m.completionCookie
}

// PeerAddr returns the address of the peer that sent the message.
func (m *Message) PeerAddr() net.Addr {
	return m.peerAddr
}

// Length returns the total number of bytes in the message.
func (m *Message) Length() int64 {
	return m.length
}

// Read reads data from the message into p. It returns the number of bytes
// read into p and an error, if any. Returns io.EOF when the message is empty.
func (m *Message) Read(p []byte) (int, error) {
	if m.cursor >= m.length {
		return 0, io.EOF
	}

	var totalRead int
	for len(p) > 0 && m.cursor < m.length {
		bufIndex := m.cursor >> HOMA_BPAGE_SHIFT
		offsetInBuf := int(m.cursor & (HOMA_BPAGE_SIZE - 1))
		start := int(m.bpageOffsets[bufIndex]) + offsetInBuf

		contiguousBytes := min(m.contiguous(m.cursor), m.length-m.cursor)
		toRead := min(int(contiguousBytes), len(p))

		n := copy(p, m.bp.buf[start:start+toRead])
		p = p[n:]

		m.cursor += int64(n)
		totalRead += n

		if n < toRead {
			break
		}
	}

	return totalRead, nil
}

// contiguous returns the number of contiguous bytes available at a given
// offset in the message, or zero if the offset is outside the message's range.
func (m *Message) contiguous(offset int64) int64 {
	if offset < 0 || offset >= m.length {
		return 0
	}

	// Calculate bytes until end of the current buffer page.
	bytesToEndOfPage := HOMA_BPAGE_SIZE - (offset & (HOMA_BPAGE_SIZE - 1))

	// If on the last buffer page, return bytes until message end instead.
	if bufIndex := offset >> HOMA_BPAGE_SHIFT; bufIndex == int64(m.numBpages)-1 {
		return min(m.length-offset, bytesToEndOfPage)
	}

	return bytesToEndOfPage
}
