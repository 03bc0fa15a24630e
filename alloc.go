// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// The page allocator/writer (C3): spec.md §4.2.

package flashfs

// allocatePage implements spec.md §4.2's allocate_page: find a free
// lookup slot, program the lookup entry, the header, optionally the body
// at offset, and optionally finalize. Each step is a raw flash program;
// any failure is returned as-is and leaves a discoverable half-written
// page (FINAL still set) for a future garbage collection to reclaim —
// no rollback is attempted, exactly as spec.md §4.2 and §7 describe.
func (fs *FS) allocatePage(hdr PageHeader, body []byte, offset uint32, finalize bool) (PageIx, error) {
	block, entry, err := fs.findFreeEntry()
	if err != nil {
		return 0, err
	}
	pix := fs.geo.blockEntryToPage(block, entry)
	addr := fs.geo.pageAddr(pix)

	idBuf := make([]byte, entryIDSize)
	putBeUint16(idBuf, uint16(hdr.ObjID))
	if err := fs.hal.Write(fs.geo.lookupEntryAddr(block, entry), idBuf); err != nil {
		return 0, err
	}

	hdrBuf := make([]byte, headerSize)
	hdr.encode(hdrBuf)
	if err := fs.hal.Write(addr, hdrBuf); err != nil {
		return 0, err
	}

	if body != nil {
		if err := fs.hal.Write(addr+headerSize+offset, body); err != nil {
			return 0, err
		}
	}

	if finalize && hdr.Final() {
		final := hdr.markFinal()
		if err := writeByte(fs.hal, addr+6, final.flags); err != nil {
			return 0, err
		}
	}

	fs.log.WithFields(map[string]interface{}{
		"obj_id": hdr.ObjID, "span": hdr.SpanIx, "page": pix,
	}).Debug("page allocated")
	return pix, nil
}

// readHeader reads and decodes the header of the page at pix.
func (fs *FS) readHeader(pix PageIx) (PageHeader, error) {
	buf := make([]byte, headerSize)
	if err := fs.hal.Read(fs.geo.pageAddr(pix), buf); err != nil {
		return PageHeader{}, err
	}
	return decodeHeader(buf), nil
}

// finalizePage clears FINAL on the page at pix if it is still set.
func (fs *FS) finalizePage(pix PageIx) error {
	h, err := fs.readHeader(pix)
	if err != nil {
		return err
	}
	if !h.Final() {
		return nil
	}
	final := h.markFinal()
	return writeByte(fs.hal, fs.geo.pageAddr(pix)+6, final.flags)
}
