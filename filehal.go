// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// A host-file backed HAL, adapted from the teacher package's
// SimpleFileFiler: a plain *os.File accessed via ReadAt/WriteAt, used here
// to persist a filesystem image to disk for golden-image tests and the
// demo CLI.

package flashfs

import "os"

var _ HAL = (*FileHAL)(nil)

// FileHAL is an os.File backed HAL. Like SimpleFileFiler, it does not
// provide any structural-integrity machinery of its own — the filesystem
// core above it is the thing responsible for power-fail safety; FileHAL
// only needs to honor the flash 1->0 programming direction and to erase
// a region back to 0xFF.
type FileHAL struct {
	file *os.File
	size uint32
}

// NewFileHAL wraps f, an already-sized (and ideally already-erased, i.e.
// all 0xFF) regular file, as a HAL of size bytes.
func NewFileHAL(f *os.File, size uint32) (*FileHAL, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if fi.Size() < int64(size) {
		if err := f.Truncate(int64(size)); err != nil {
			return nil, err
		}
	}
	return &FileHAL{file: f, size: size}, nil
}

// Name mirrors Filer.Name for diagnostics/logging.
func (f *FileHAL) Name() string { return f.file.Name() }

// Read implements HAL.
func (f *FileHAL) Read(addr uint32, p []byte) error {
	if uint64(addr)+uint64(len(p)) > uint64(f.size) {
		return &ErrINVAL{"FileHAL.Read out of range", addr}
	}
	n, err := f.file.ReadAt(p, int64(addr))
	if err != nil {
		return err
	}
	if n != len(p) {
		return &ErrILSEQ{Type: ErrShortRead, Off: int64(addr), Arg: int64(n)}
	}
	return nil
}

// Write implements HAL. It does not itself verify the 1->0 programming
// direction (unlike MemHAL) since the host filesystem has no such
// constraint to emulate against; callers that need that check should
// exercise MemHAL in tests instead.
func (f *FileHAL) Write(addr uint32, p []byte) error {
	if uint64(addr)+uint64(len(p)) > uint64(f.size) {
		return &ErrINVAL{"FileHAL.Write out of range", addr}
	}
	n, err := f.file.WriteAt(p, int64(addr))
	if err != nil {
		return err
	}
	if n != len(p) {
		return &ErrILSEQ{Type: ErrShortRead, Off: int64(addr), Arg: int64(n)}
	}
	return nil
}

// Erase implements HAL by writing 0xFF across the erase unit. Unlike
// SimpleFileFiler's PunchHole-backed hole-punching, this deliberately does
// not attempt to make the erased region sparse: a punched hole reads back
// as zero bytes on every common filesystem, which would make an erased
// block's lookup region read as all-ObjIDErased instead of all-ObjIDFree —
// silently corrupting I6 (free_blocks counting) and I5. Writing real 0xFF
// bytes is the only way to honor Erase's "resets to all 1s" contract.
func (f *FileHAL) Erase(addr uint32, size uint32) error {
	if uint64(addr)+uint64(size) > uint64(f.size) {
		return &ErrINVAL{"FileHAL.Erase out of range", addr}
	}
	blank := make([]byte, size)
	for i := range blank {
		blank[i] = 0xFF
	}
	_, err := f.file.WriteAt(blank, int64(addr))
	return err
}
