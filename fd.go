// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// The file-descriptor cache (C7): spec.md §4.6.

package flashfs

// fdEvent is the kind of structural change broadcast to open fds whenever
// an index page moves or is deleted.
type fdEvent int

const (
	fdEventNEW fdEvent = iota
	fdEventUPD
	fdEventDEL
)

// fileDescriptor mirrors spec.md §4.6's fd record. The cursor fields record
// the index page the last append or read through this fd ended on and are
// kept current by broadcast; no operation reads cursorPix back to resume a
// walk, each one starts again from the header. They hold only persistent
// page indices, never pointers, so relocation never invalidates an open fd
// (spec.md §9's "cyclic references" note).
type fileDescriptor struct {
	fileNbr    int // 1-based public handle; a free slot is a nil entry in FS.fds
	objID      ObjID
	size       uint32
	offset     uint32
	writable   bool
	hdrPix     PageIx
	cursorPix  PageIx
	cursorSpan SpanIx
}

// fdAlloc implements spec.md §4.6's allocation: scan for the first free
// slot and assign a 1-based public handle.
func (fs *FS) fdAlloc(id ObjID, hdrPix PageIx, size uint32, writable bool) (*fileDescriptor, error) {
	for i, slot := range fs.fds {
		if slot == nil {
			fd := &fileDescriptor{
				fileNbr: i + 1, objID: id, hdrPix: hdrPix, size: size, writable: writable,
				cursorPix: hdrPix, cursorSpan: 0,
			}
			fs.fds[i] = fd
			return fd, nil
		}
	}
	return nil, fs.opErr("fdAlloc", "", ErrOutOfFDs)
}

// fdGet resolves a public 1-based handle to its fileDescriptor.
func (fs *FS) fdGet(fileNbr int) (*fileDescriptor, error) {
	if fileNbr < 1 || fileNbr > len(fs.fds) || fs.fds[fileNbr-1] == nil {
		return nil, fs.opErr("fdGet", "", ErrBadFD)
	}
	return fs.fds[fileNbr-1], nil
}

// fdReturn frees fd's slot.
func (fs *FS) fdReturn(fd *fileDescriptor) {
	if fd.fileNbr >= 1 && fd.fileNbr <= len(fs.fds) {
		fs.fds[fd.fileNbr-1] = nil
	}
}

// broadcast implements spec.md §4.6's event propagation: every open fd
// referring to id is kept coherent without ever holding a pointer into
// the structure that moved.
func (fs *FS) broadcast(event fdEvent, id ObjID, span SpanIx, newPix PageIx, newSize uint32) {
	for _, fd := range fs.fds {
		if fd == nil || fd.objID != id {
			continue
		}
		if span == 0 {
			fd.hdrPix = newPix
			if newSize != 0 {
				fd.size = newSize
			}
			if event == fdEventDEL {
				fd.objID = ObjIDErased
			}
		}
		if span == fd.cursorSpan {
			if event == fdEventDEL {
				fd.cursorPix = 0
			} else {
				fd.cursorPix = newPix
			}
		}
	}
}
