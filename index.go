// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// The object-index engine (C5): spec.md §4.4.

package flashfs

import "bytes"

// objHdrFixed is the fixed-size prelude of an object-index header page's
// body, after the page header: type(1) + size(4).
const objHdrFixed = 1 + 4

// pageIxFree is the all-1s sentinel stored in an unfilled inline
// data-page-index slot, mirroring OBJ_ID_FREE's "never programmed"
// meaning but for PageIx-valued entries.
const pageIxFree PageIx = 0xFFFFFFFF

// ObjIndexHeader is the decoded form of an object-index header page body
// (span_ix == 0): type/size/name plus the inline data-page-index array
// covering spans [0, N_hdr).
type ObjIndexHeader struct {
	Header  PageHeader
	Type    uint8
	Size    uint32
	Name    string
	Entries []PageIx
}

// ObjIndexPage is the decoded form of a non-header index page (span_ix >=
// 1): the inline data-page-index array covering the span range
// (k-1)*N+N_hdr .. k*N+N_hdr.
type ObjIndexPage struct {
	Header  PageHeader
	Entries []PageIx
}

func encodeName(name string) [ObjNameLen]byte {
	var b [ObjNameLen]byte
	n := copy(b[:], name)
	_ = n
	return b
}

func decodeName(b []byte) string {
	i := bytes.IndexByte(b, 0)
	if i < 0 {
		i = len(b)
	}
	return string(b[:i])
}

func encodePageIxSlice(dst []byte, entries []PageIx) {
	for i, e := range entries {
		off := i * 4
		dst[off] = byte(e >> 24)
		dst[off+1] = byte(e >> 16)
		dst[off+2] = byte(e >> 8)
		dst[off+3] = byte(e)
	}
}

func decodePageIxSlice(src []byte, n uint32) []PageIx {
	out := make([]PageIx, n)
	for i := range out {
		off := i * 4
		out[i] = PageIx(uint32(src[off])<<24 | uint32(src[off+1])<<16 | uint32(src[off+2])<<8 | uint32(src[off+3]))
	}
	return out
}

func (fs *FS) encodeObjIxHeaderBody(h ObjIndexHeader) []byte {
	body := make([]byte, fs.cfg.LogPageSize-headerSize)
	body[0] = h.Type
	name := encodeName(h.Name)
	body[1] = byte(h.Size >> 24)
	body[2] = byte(h.Size >> 16)
	body[3] = byte(h.Size >> 8)
	body[4] = byte(h.Size)
	copy(body[objHdrFixed:objHdrFixed+ObjNameLen], name[:])
	entries := h.Entries
	if uint32(len(entries)) < fs.geo.objIdxHdrEntries {
		padded := make([]PageIx, fs.geo.objIdxHdrEntries)
		for i := range padded {
			padded[i] = pageIxFree
		}
		copy(padded, entries)
		entries = padded
	}
	encodePageIxSlice(body[objHdrFixed+ObjNameLen:], entries)
	return body
}

func (fs *FS) decodeObjIxHeaderBody(h PageHeader, body []byte) ObjIndexHeader {
	size := uint32(body[1])<<24 | uint32(body[2])<<16 | uint32(body[3])<<8 | uint32(body[4])
	name := decodeName(body[objHdrFixed : objHdrFixed+ObjNameLen])
	entries := decodePageIxSlice(body[objHdrFixed+ObjNameLen:], fs.geo.objIdxHdrEntries)
	return ObjIndexHeader{Header: h, Type: body[0], Size: size, Name: name, Entries: entries}
}

func (fs *FS) encodeObjIxPageBody(entries []PageIx) []byte {
	body := make([]byte, fs.cfg.LogPageSize-headerSize)
	padded := entries
	if uint32(len(entries)) < fs.geo.objIdxEntries {
		padded = make([]PageIx, fs.geo.objIdxEntries)
		for i := range padded {
			padded[i] = pageIxFree
		}
		copy(padded, entries)
	}
	encodePageIxSlice(body, padded)
	return body
}

func (fs *FS) decodeObjIxPageBody(h PageHeader, body []byte) ObjIndexPage {
	return ObjIndexPage{Header: h, Entries: decodePageIxSlice(body, fs.geo.objIdxEntries)}
}

// validateObjIx implements spec.md §4.4's VALIDATE_OBJIX predicate.
func validateObjIx(h PageHeader, wantSpan SpanIx) error {
	switch {
	case !h.Alive():
		return &OpError{Op: "validateObjIx", Code: ErrDeleted}
	case h.Final():
		return &OpError{Op: "validateObjIx", Code: ErrNotFinalized}
	case !h.IsIndexPage():
		return &OpError{Op: "validateObjIx", Code: ErrNotIndex}
	case h.SpanIx != wantSpan:
		return &OpError{Op: "validateObjIx", Code: ErrIndexSpanMismatch}
	}
	return nil
}

// createObject implements spec.md §4.4's create: a header whose inline
// data-page array is left all-1s and whose size is UNDEFINED_LEN.
func (fs *FS) createObject(id ObjID, name string, typ uint8) (PageIx, error) {
	hdr := newHeader(id.Index(), 0, true)
	body := fs.encodeObjIxHeaderBody(ObjIndexHeader{Type: typ, Size: UndefinedLen, Name: name})
	return fs.allocatePage(hdr, body, 0, true)
}

// readObjIxHeader reads and validates the header page at pix.
func (fs *FS) readObjIxHeader(pix PageIx) (ObjIndexHeader, error) {
	buf := make([]byte, fs.cfg.LogPageSize)
	if err := fs.hal.Read(fs.geo.pageAddr(pix), buf); err != nil {
		return ObjIndexHeader{}, err
	}
	h := decodeHeader(buf[:headerSize])
	if err := validateObjIx(h, 0); err != nil {
		return ObjIndexHeader{}, err
	}
	return fs.decodeObjIxHeaderBody(h, buf[headerSize:]), nil
}

// readObjIxPage reads and validates a non-header index page at pix,
// expecting the given span.
func (fs *FS) readObjIxPage(pix PageIx, wantSpan SpanIx) (ObjIndexPage, error) {
	buf := make([]byte, fs.cfg.LogPageSize)
	if err := fs.hal.Read(fs.geo.pageAddr(pix), buf); err != nil {
		return ObjIndexPage{}, err
	}
	h := decodeHeader(buf[:headerSize])
	if err := validateObjIx(h, wantSpan); err != nil {
		return ObjIndexPage{}, err
	}
	return fs.decodeObjIxPageBody(h, buf[headerSize:]), nil
}

// updateIndexHdr implements spec.md §4.4's update_index_hdr: relocate the
// header via move_page (callers may supply the already-edited page image
// to avoid a re-read), then broadcast an UPD event so open fds learn the
// new location and size.
func (fs *FS) updateIndexHdr(id ObjID, hdrPix PageIx, edited *ObjIndexHeader) (PageIx, error) {
	var img ObjIndexHeader
	if edited != nil {
		img = *edited
	} else {
		cur, err := fs.readObjIxHeader(hdrPix)
		if err != nil {
			return 0, err
		}
		img = cur
	}
	hdr := newHeader(id.Index(), 0, true)
	body := fs.encodeObjIxHeaderBody(img)
	dst, err := fs.movePage(body, hdrPix, hdr)
	if err != nil {
		return 0, err
	}
	fs.broadcast(fdEventUPD, id.Data(), 0, dst, img.Size)
	return dst, nil
}

// openByID implements spec.md §4.4's open_by_id.
func (fs *FS) openByID(id ObjID) (PageIx, ObjIndexHeader, error) {
	_, _, err := fs.findByObjID(id.Index())
	if err != nil {
		return 0, ObjIndexHeader{}, err
	}
	pix, err := fs.headerPixByID(id)
	if err != nil {
		return 0, ObjIndexHeader{}, err
	}
	hdr, err := fs.readObjIxHeader(pix)
	return pix, hdr, err
}

// headerPixByID scans the lookup table for the live header page (span 0)
// owning id; open_by_id and the garbage collector's MOVE_OBJ_DATA state
// use this.
func (fs *FS) headerPixByID(id ObjID) (PageIx, error) {
	indexID := id.Index()
	var found PageIx
	_, _, _, err := fs.scan(0, 0, &indexID, func(cur ObjID, block BlockIx, entry uint32) (VisitResult, error) {
		pix := fs.geo.blockEntryToPage(block, entry)
		h, err := fs.readHeader(pix)
		if err != nil {
			return VisitStop, err
		}
		if h.Alive() && !h.Final() && h.SpanIx == 0 {
			found = pix
			return VisitStop, nil
		}
		return VisitContinue, nil
	})
	if err != nil {
		return 0, err
	}
	return found, nil
}

// openByPage implements spec.md §4.4's open_by_page: read and validate
// the header directly, skipping the lookup scan (used when a cached
// hdr_pix is already known to be current).
func (fs *FS) openByPage(pix PageIx) (ObjIndexHeader, error) {
	return fs.readObjIxHeader(pix)
}

// freshEntries returns an in-memory entries array for a brand new index
// page, every slot FREE, matching the "all-1s plus the header" memory
// image spec.md §4.5 describes for a freshly allocated index page.
func freshEntries(n uint32) []PageIx {
	out := make([]PageIx, n)
	for i := range out {
		out[i] = pageIxFree
	}
	return out
}

// findIndexPageBySpan locates the live, finalized non-header index page of
// id (already in index form) whose span_ix equals span, by scanning the
// lookup table for matching index-flag entries and validating each
// candidate's header. Used by append/modify/truncate's "first pass: read
// the existing page" path (spec.md §4.5) and by the garbage collector
// after it has relocated a block's index pages (spec.md §4.7).
func (fs *FS) findIndexPageBySpan(id ObjID, span SpanIx) (PageIx, error) {
	var found PageIx
	_, _, _, err := fs.scan(0, 0, &id, func(cur ObjID, block BlockIx, entry uint32) (VisitResult, error) {
		pix := fs.geo.blockEntryToPage(block, entry)
		h, err := fs.readHeader(pix)
		if err != nil {
			return VisitStop, err
		}
		if h.Alive() && !h.Final() && h.SpanIx == span {
			found = pix
			return VisitStop, nil
		}
		return VisitContinue, nil
	})
	if err != nil {
		return 0, err
	}
	return found, nil
}

// findHeaderByName implements spec.md §4.4's find_header_by_name: scan
// every live index header page comparing its name field.
func (fs *FS) findHeaderByName(name string) (ObjID, PageIx, error) {
	var foundPix PageIx
	id, _, _, err := fs.scan(0, 0, nil, func(cur ObjID, block BlockIx, entry uint32) (VisitResult, error) {
		if !cur.IsIndex() {
			return VisitContinue, nil
		}
		pix := fs.geo.blockEntryToPage(block, entry)
		h, err := fs.readHeader(pix)
		if err != nil {
			return VisitStop, err
		}
		if !h.Alive() || h.Final() || h.SpanIx != 0 {
			return VisitContinue, nil
		}
		nameBuf := make([]byte, ObjNameLen)
		if err := fs.hal.Read(fs.geo.pageAddr(pix)+headerSize+objHdrFixed, nameBuf); err != nil {
			return VisitStop, err
		}
		if decodeName(nameBuf) != name {
			return VisitContinue, nil
		}
		foundPix = pix
		return VisitStop, nil
	})
	if err != nil {
		return 0, 0, err
	}
	return id, foundPix, nil
}
