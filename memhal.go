// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// An in-memory HAL, adapted from the teacher package's MemFiler: a paged
// byte-array-backed store used here as the reference flash simulator for
// tests and the demo CLI, instead of a generic random-access file model.

package flashfs

import (
	"bytes"
	"fmt"

	"github.com/cznic/mathutil"
)

const (
	memHALPgBits = 12
	memHALPgSize = 1 << memHALPgBits
	memHALPgMask = memHALPgSize - 1
)

var _ HAL = (*MemHAL)(nil)

var erasedPage [memHALPgSize]byte

func init() {
	for i := range erasedPage {
		erasedPage[i] = 0xFF
	}
}

// MemHAL is a memory-backed HAL simulating raw NOR flash: every byte
// starts (and, after Erase, returns to) 0xFF, and Write enforces the
// hardware's 1->0-only programming direction exactly like real flash
// would refuse (or silently corrupt) an attempt to set a bit back to 1.
type MemHAL struct {
	size uint32
	m    map[uint32]*[memHALPgSize]byte
}

// NewMemHAL returns a MemHAL of the given total size, fully erased.
func NewMemHAL(size uint32) *MemHAL {
	return &MemHAL{size: size, m: map[uint32]*[memHALPgSize]byte{}}
}

// Name mirrors Filer.Name for diagnostics/logging.
func (f *MemHAL) Name() string { return fmt.Sprintf("%p.memhal", f) }

// Read implements HAL.
func (f *MemHAL) Read(addr uint32, p []byte) error {
	if uint64(addr)+uint64(len(p)) > uint64(f.size) {
		return &ErrINVAL{"MemHAL.Read out of range", addr}
	}
	pgI := addr >> memHALPgBits
	pgO := addr & memHALPgMask
	rem := len(p)
	for rem != 0 {
		pg := f.m[pgI]
		if pg == nil {
			pg = &erasedPage
		}
		nc := copy(p[:mathutil.Min(rem, memHALPgSize-int(pgO))], pg[pgO:])
		pgI++
		pgO = 0
		rem -= nc
		p = p[nc:]
	}
	return nil
}

// Write implements HAL, refusing any attempt to flip a bit 0->1 — the
// same physical constraint real NOR flash enforces in hardware.
func (f *MemHAL) Write(addr uint32, p []byte) error {
	if uint64(addr)+uint64(len(p)) > uint64(f.size) {
		return &ErrINVAL{"MemHAL.Write out of range", addr}
	}
	pgI := addr >> memHALPgBits
	pgO := addr & memHALPgMask
	rem := len(p)
	for rem != 0 {
		pg := f.m[pgI]
		if pg == nil {
			pg = new([memHALPgSize]byte)
			*pg = erasedPage
			f.m[pgI] = pg
		}
		n := mathutil.Min(rem, memHALPgSize-int(pgO))
		for i := 0; i < n; i++ {
			cur := pg[int(pgO)+i]
			next := p[i]
			if cur&next != next {
				return &ErrINVAL{"MemHAL.Write attempted 0->1 bit flip at", addr}
			}
			pg[int(pgO)+i] = next
		}
		pgI++
		pgO = 0
		rem -= n
		p = p[n:]
	}
	return nil
}

// Erase implements HAL, resetting the region to 0xFF.
func (f *MemHAL) Erase(addr uint32, size uint32) error {
	if uint64(addr)+uint64(size) > uint64(f.size) {
		return &ErrINVAL{"MemHAL.Erase out of range", addr}
	}
	full := bytes.Repeat([]byte{0xFF}, int(size))
	pgI := addr >> memHALPgBits
	pgO := addr & memHALPgMask
	rem := len(full)
	off := 0
	for rem != 0 {
		n := mathutil.Min(rem, memHALPgSize-int(pgO))
		if pgO == 0 && n == memHALPgSize {
			delete(f.m, pgI)
		} else {
			pg := f.m[pgI]
			if pg == nil {
				pg = new([memHALPgSize]byte)
				*pg = erasedPage
				f.m[pgI] = pg
			}
			copy(pg[pgO:], full[off:off+n])
		}
		pgI++
		pgO = 0
		rem -= n
		off += n
	}
	return nil
}
