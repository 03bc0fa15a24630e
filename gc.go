// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// The garbage collector (C8): spec.md §4.7's candidate scoring and
// three-phase cleaner state machine.

package flashfs

// gcCandidate is one entry of the sorted block-candidate table spec.md
// §4.7 describes, sized to fit (page_size-8)/(id_size+int_size) entries.
type gcCandidate struct {
	block BlockIx
	score int32
}

// gcCheck triggers reclamation when free_blocks <= 2, matching spec.md
// §4.7's trigger condition. It is called at the start of every structural
// operation (append/modify/truncate/create), per spec.md §4.5's "every
// structural operation begins with a gc check".
func (fs *FS) gcCheck() error {
	if fs.freeBlocks > 2 {
		return nil
	}
	for i := 0; i < fs.cfg.MaxGCRuns; i++ {
		if fs.freeBlocks > 2 {
			return nil
		}
		cands, err := fs.gcScanCandidates()
		if err != nil {
			return err
		}
		if len(cands) == 0 {
			return fs.opErr("gcCheck", "", ErrFull)
		}
		fs.log.WithFields(map[string]interface{}{
			"block": cands[0].block, "score": cands[0].score, "run": i,
		}).Debug("gc reclaiming block")
		if err := fs.gcCleanBlock(cands[0].block); err != nil {
			return err
		}
		fs.gcRuns++
	}
	if fs.freeBlocks > 2 {
		return nil
	}
	return fs.opErr("gcCheck", "", ErrFull)
}

// gcScanCandidates implements spec.md §4.7's candidate scoring: every
// block with at least one deleted (ERASED) entry is scored
// deleted*W_DELET + used*W_USED and inserted into a sorted table capped
// at Geometry.gcCandidateCap entries, highest score first.
func (fs *FS) gcScanCandidates() ([]gcCandidate, error) {
	var cands []gcCandidate
	for b := BlockIx(0); uint32(b) < fs.geo.BlockCount; b++ {
		deleted, used, err := fs.gcScoreBlock(b)
		if err != nil {
			return nil, err
		}
		if deleted == 0 {
			continue
		}
		score := int32(deleted)*int32(fs.cfg.GCWeightDeleted) + int32(used)*int32(fs.cfg.GCWeightUsed)
		cands = gcInsertCandidate(cands, gcCandidate{block: b, score: score}, fs.geo.gcCandidateCap)
	}
	return cands, nil
}

// gcInsertCandidate inserts c into cands keeping descending score order,
// truncating to cap — a plain insertion, not a call into sort.Sort,
// mirroring the fixed-capacity in-place table the embedded original
// maintains instead of allocating a general-purpose sorted container.
func gcInsertCandidate(cands []gcCandidate, c gcCandidate, cap uint32) []gcCandidate {
	i := 0
	for i < len(cands) && cands[i].score >= c.score {
		i++
	}
	if uint32(i) >= cap {
		return cands
	}
	cands = append(cands, gcCandidate{})
	copy(cands[i+1:], cands[i:])
	cands[i] = c
	if uint32(len(cands)) > cap {
		cands = cands[:cap]
	}
	return cands
}

// gcScoreBlock counts deleted (ERASED) and used (neither FREE nor ERASED)
// lookup entries in block b.
func (fs *FS) gcScoreBlock(b BlockIx) (deleted, used uint32, err error) {
	perChunk := fs.entriesPerChunk()
	buf := fs.luWork
	remaining := fs.geo.LookupMaxEntries
	entry := uint32(0)
	for remaining > 0 {
		n := perChunk
		if n > remaining {
			n = remaining
		}
		if err := fs.hal.Read(fs.geo.lookupEntryAddr(b, entry), buf[:n*entryIDSize]); err != nil {
			return 0, 0, err
		}
		for i := uint32(0); i < n; i++ {
			id := ObjID(beUint16(buf[i*entryIDSize:]))
			switch id {
			case ObjIDFree:
			case ObjIDErased:
				deleted++
			default:
				used++
			}
		}
		entry += n
		remaining -= n
	}
	return deleted, used, nil
}

// gcCleanBlock implements spec.md §4.7's cleaner state machine over a
// single chosen block: MOVE_OBJ_IX, then repeated FIND_OBJ_DATA /
// MOVE_OBJ_DATA passes until no live data remains, then erase.
func (fs *FS) gcCleanBlock(b BlockIx) error {
	if err := fs.gcMoveObjIx(b); err != nil {
		return err
	}
	for {
		id, found, err := fs.gcFindObjData(b)
		if err != nil {
			return err
		}
		if !found {
			break
		}
		if err := fs.gcMoveObjData(b, id); err != nil {
			return err
		}
	}
	return fs.gcEraseBlock(b)
}

// gcMoveObjIx is the MOVE_OBJ_IX state: every index-flag entry in the
// block is either moved out (alive) or tombstoned (dead).
func (fs *FS) gcMoveObjIx(b BlockIx) error {
	for entry := uint32(0); entry < fs.geo.LookupMaxEntries; entry++ {
		idBuf := make([]byte, entryIDSize)
		if err := fs.hal.Read(fs.geo.lookupEntryAddr(b, entry), idBuf); err != nil {
			return err
		}
		id := ObjID(beUint16(idBuf))
		if id == ObjIDFree || id == ObjIDErased || !id.IsIndex() {
			continue
		}
		pix := fs.geo.blockEntryToPage(b, entry)
		h, err := fs.readHeader(pix)
		if err != nil {
			return err
		}
		if h.Alive() {
			dst, err := fs.movePage(nil, pix, h)
			if err != nil {
				return err
			}
			fs.broadcast(fdEventUPD, id.Data(), h.SpanIx, dst, 0)
		} else {
			if err := fs.deletePage(pix); err != nil {
				return err
			}
			fs.broadcast(fdEventDEL, id.Data(), h.SpanIx, 0, 0)
		}
	}
	return nil
}

// gcFindObjData is the FIND_OBJ_DATA state: find any remaining live
// non-index entry in the block and report its object id.
func (fs *FS) gcFindObjData(b BlockIx) (ObjID, bool, error) {
	for entry := uint32(0); entry < fs.geo.LookupMaxEntries; entry++ {
		idBuf := make([]byte, entryIDSize)
		if err := fs.hal.Read(fs.geo.lookupEntryAddr(b, entry), idBuf); err != nil {
			return 0, false, err
		}
		id := ObjID(beUint16(idBuf))
		if id == ObjIDFree || id == ObjIDErased || id.IsIndex() {
			continue
		}
		return id, true, nil
	}
	return 0, false, nil
}

// gcMoveObjData is the MOVE_OBJ_DATA state: load the object's index page
// covering the discovered data page's span, relocate every data page in
// the block belonging to that same index-page span, patch the in-memory
// index entries, then persist the index page. Data pages belonging to
// other index-page spans are left for a later FIND_OBJ_DATA pass.
func (fs *FS) gcMoveObjData(b BlockIx, id ObjID) error {
	var anyFound bool
	var targetIdxSpan SpanIx
	var work *idxWork
	var hdrPix PageIx
	var isHeader bool

	// First data page belonging to id found in the block determines which
	// index-page span this pass will drain.
	for entry := uint32(0); entry < fs.geo.LookupMaxEntries; entry++ {
		idBuf := make([]byte, entryIDSize)
		if err := fs.hal.Read(fs.geo.lookupEntryAddr(b, entry), idBuf); err != nil {
			return err
		}
		cur := ObjID(beUint16(idBuf))
		if cur != id {
			continue
		}
		pix := fs.geo.blockEntryToPage(b, entry)
		h, err := fs.readHeader(pix)
		if err != nil {
			return err
		}
		if !h.Alive() {
			continue
		}
		targetIdxSpan, _ = fs.geo.objixSpanIx(uint32(h.SpanIx))
		anyFound = true
		break
	}
	if !anyFound {
		return nil
	}

	if targetIdxSpan == 0 {
		isHeader = true
		pix, err := fs.headerPixByID(id)
		if err != nil {
			return err
		}
		hdrPix = pix
	} else {
		pix, err := fs.findIndexPageBySpan(id.Index(), targetIdxSpan)
		if err != nil {
			return err
		}
		page, rerr := fs.readObjIxPage(pix, targetIdxSpan)
		if rerr != nil {
			return rerr
		}
		work = &idxWork{span: targetIdxSpan, pix: pix, entries: page.Entries}
	}

	var header ObjIndexHeader
	if isHeader {
		h, err := fs.readObjIxHeader(hdrPix)
		if err != nil {
			return err
		}
		header = h
	}

	for entry := uint32(0); entry < fs.geo.LookupMaxEntries; entry++ {
		idBuf := make([]byte, entryIDSize)
		if err := fs.hal.Read(fs.geo.lookupEntryAddr(b, entry), idBuf); err != nil {
			return err
		}
		cur := ObjID(beUint16(idBuf))
		if cur != id {
			continue
		}
		pix := fs.geo.blockEntryToPage(b, entry)
		h, err := fs.readHeader(pix)
		if err != nil {
			return err
		}
		if !h.Alive() {
			if derr := fs.deletePage(pix); derr != nil {
				return derr
			}
			continue
		}
		span, entIx := fs.geo.objixSpanIx(uint32(h.SpanIx))
		if span != targetIdxSpan {
			continue // deferred to a later FIND_OBJ_DATA pass
		}
		dst, err := fs.movePage(nil, pix, h)
		if err != nil {
			return err
		}
		if isHeader {
			header.Entries[entIx] = dst
		} else {
			work.entries[entIx] = dst
		}
	}

	if isHeader {
		_, err := fs.updateIndexHdr(id, hdrPix, &header)
		return err
	}
	body := fs.encodeObjIxPageBody(work.entries)
	dh := newHeader(id.Index(), work.span, true)
	newPix, err := fs.movePage(body, work.pix, dh)
	if err != nil {
		return err
	}
	fs.broadcast(fdEventUPD, id, work.span, newPix, 0)
	return nil
}

// gcEraseBlock erases b in phys_erase_block-sized chunks, ignoring
// per-erase errors per spec.md §4.7 (the block is already empty of live
// data), advances free_blocks, and nudges the free-page cursor off this
// block if it was pointing into it.
func (fs *FS) gcEraseBlock(b BlockIx) error {
	addr := fs.geo.blockAddr(b)
	for off := uint32(0); off < fs.cfg.LogBlockSize; off += fs.cfg.PhysEraseBlock {
		if err := fs.hal.Erase(addr+off, fs.cfg.PhysEraseBlock); err != nil {
			fs.log.WithFields(map[string]interface{}{"block": b, "offset": off, "err": err}).
				Debug("ignoring erase error on already-reclaimed block")
		}
	}
	fs.freeBlocks++
	if fs.freeCursorBlock == b {
		fs.freeCursorBlock = b + 1
		fs.freeCursorEntry = 0
	}
	return nil
}
