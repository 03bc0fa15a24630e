// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// The object-lookup visitor (C2): one routine every other scan in the
// package is built on. Modeled after spec.md §4.1 and §9's "visitor with
// continue" design note.

package flashfs

// VisitResult is the tagged reply a Visitor gives the scanner: Continue
// resumes iteration, Stop ends it and reports the current entry as the
// match. A non-nil error from the Visitor aborts the whole scan with that
// error, whichever result accompanies it.
type VisitResult int

const (
	VisitContinue VisitResult = iota
	VisitStop
)

// Visitor is invoked once per matching lookup entry during a scan.
type Visitor func(id ObjID, block BlockIx, entry uint32) (VisitResult, error)

// entriesPerChunk is how many lookup entries fit in one work-buffer-sized
// read, used to stream the lookup region without needing a buffer sized
// to the whole (possibly multi-page) lookup table at once.
func (fs *FS) entriesPerChunk() uint32 {
	return fs.cfg.LogPageSize / entryIDSize
}

// scan walks lookup entries in physical order starting at (startBlock,
// startEntry), wrapping around the whole device exactly once. If filter
// is non-nil, only entries whose id equals *filter are considered. If
// visit is nil, the first considered entry is the result (an ID-match
// lookup with no visitor). If visit is non-nil, it is called for every
// considered entry; VisitContinue resumes the scan, VisitStop ends it.
//
// scan reports the entry it stopped on (match found) or ErrNotFound if
// the whole device was traversed without a match or without the visitor
// asking to stop.
func (fs *FS) scan(startBlock BlockIx, startEntry uint32, filter *ObjID, visit Visitor) (id ObjID, block BlockIx, entry uint32, err error) {
	geo := fs.geo
	perChunk := fs.entriesPerChunk()
	total := geo.BlockCount * geo.LookupMaxEntries
	visited := uint32(0)

	b := startBlock
	e := startEntry
	buf := make([]byte, entryIDSize*perChunk)

	for visited < total {
		if uint32(b) >= geo.BlockCount {
			b = 0
		}
		for e >= geo.LookupMaxEntries {
			e -= geo.LookupMaxEntries
			b++
			if uint32(b) >= geo.BlockCount {
				b = 0
			}
		}

		chunkStart := e - e%perChunk
		chunkLen := perChunk
		if chunkStart+chunkLen > geo.LookupMaxEntries {
			chunkLen = geo.LookupMaxEntries - chunkStart
		}
		if err := fs.hal.Read(geo.lookupEntryAddr(b, chunkStart), buf[:chunkLen*entryIDSize]); err != nil {
			return 0, 0, 0, err
		}

		for ; e < chunkStart+chunkLen && visited < total; e++ {
			cur := ObjID(beUint16(buf[(e-chunkStart)*entryIDSize:]))
			visited++

			if filter != nil && cur != *filter {
				continue
			}

			if visit == nil {
				return cur, b, e, nil
			}

			res, verr := visit(cur, b, e)
			if verr != nil {
				return 0, 0, 0, verr
			}
			switch res {
			case VisitContinue:
				continue
			default:
				return cur, b, e, nil
			}
		}
		e = chunkStart + chunkLen
		if e >= geo.LookupMaxEntries {
			e = 0
			b++
		}
	}
	return 0, 0, 0, fs.opErr("scan", "", ErrNotFound)
}

// findFreeEntry locates the next FREE lookup entry starting at the
// persistent free-page cursor, advances the cursor past it, and — per
// spec.md §4.1 — decrements free_blocks if the match was entry 0 of a
// block (a brand-new block just entered).
func (fs *FS) findFreeEntry() (BlockIx, uint32, error) {
	free := ObjIDFree
	_, block, entry, err := fs.scan(fs.freeCursorBlock, fs.freeCursorEntry, &free, nil)
	if err != nil {
		if oe, ok := err.(*OpError); ok && oe.Code == ErrNotFound {
			return 0, 0, fs.opErr("findFreeEntry", "", ErrFull)
		}
		return 0, 0, err
	}
	if entry == 0 {
		if fs.freeBlocks > 0 {
			fs.freeBlocks--
		}
	}
	fs.freeCursorBlock, fs.freeCursorEntry = block, entry+1
	return block, entry, nil
}

// findByObjID finds the first live lookup entry (any non-FREE/ERASED
// value already excluded by filter equality) matching id, starting the
// scan at the device origin.
func (fs *FS) findByObjID(id ObjID) (BlockIx, uint32, error) {
	_, block, entry, err := fs.scan(0, 0, &id, nil)
	return block, entry, err
}
