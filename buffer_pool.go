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
	"sync"

	"golang.org/x/sys/unix"
)

// BufferPool is a socket's receive buffer region: a single mapping carved
// into pages that incoming messages borrow for their contents and return
// when the application is done reading.
type BufferPool struct {
	buf []byte

	mu sync.Mutex
	// Offsets (within buf) of pages not currently holding message data.
	freePages []uint32
}

// NewBufferPool maps a buffer region of the given number of pages.
func NewBufferPool(numBpages int) (*BufferPool, error) {
	buf, err := unix.Mmap(-1, 0, numBpages*HOMA_BPAGE_SIZE,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, err
	}

	bp := &BufferPool{
		buf:       buf,
		freePages: make([]uint32, numBpages),
	}
	for i := range bp.freePages {
		bp.freePages[i] = uint32(i * HOMA_BPAGE_SIZE)
	}
	return bp, nil
}

// Close frees the buffer pool's mapping.
func (bp *BufferPool) Close() error {
	return unix.Munmap(bp.buf)
}

// Size returns the size of the buffer region (in bytes).
func (bp *BufferPool) Size() int {
	return len(bp.buf)
}

// allocate claims n pages for an incoming message, filling offsets with
// their positions. All or nothing: returns n on success, 0 if the pool
// can't cover the whole message right now.
func (bp *BufferPool) allocate(n int, offsets []uint32) int {
	if n == 0 {
		return 0
	}
	bp.mu.Lock()
	defer bp.mu.Unlock()
	if len(bp.freePages) < n {
		return 0
	}
	copy(offsets, bp.freePages[len(bp.freePages)-n:])
	bp.freePages = bp.freePages[:len(bp.freePages)-n]
	return n
}

// release returns pages to the pool.
func (bp *BufferPool) release(offsets []uint32) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	bp.freePages = append(bp.freePages, offsets...)
}

// freeCount returns the number of pages available for new messages.
func (bp *BufferPool) freeCount() int {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	return len(bp.freePages)
}

// pageBytes returns the memory backing one page.
func (bp *BufferPool) pageBytes(offset uint32) []byte {
	return bp.buf[offset : int(offset)+HOMA_BPAGE_SIZE]
}
