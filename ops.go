// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Append/modify/truncate/read (C6): spec.md §4.5, plus the public surface
// of spec.md §6 (find_by_name, open_by_id, open_by_page, append, modify,
// read, truncate, close_fd, list_objects) built on top of it.

package flashfs

// idxWork is the in-memory image of whichever object-index page (header
// or regular) the append/modify/truncate outer loop currently has loaded
// for editing — the "work buffer holding the current index page under
// edit" spec.md §3's Ownership paragraph describes.
type idxWork struct {
	span    SpanIx
	pix     PageIx // 0 until the page has actually been allocated on flash
	entries []PageIx
	fresh   bool // true: never yet persisted (freshly allocated in memory)
}

// ObjectInfo is one entry of ListObjects' directory-less "flat namespace"
// listing (spec.md §1's Non-goals: no directories, so this is the whole
// namespace).
type ObjectInfo struct {
	ID   ObjID
	Name string
	Type uint8
	Size uint32
}

// Create implements the object-creation half of spec.md §4.4's create,
// wired to the free-object-id finder (C9) and the fd cache (C7): the
// POSIX-style veneer spec.md §1 treats as an external collaborator would
// call something equivalent before handing a descriptor to a caller.
func (fs *FS) Create(name string, typ uint8) (int, error) {
	if len(name) > ObjNameLen {
		return 0, fs.opErr("Create", name, ErrNameTooLong)
	}
	if _, _, err := fs.findHeaderByName(name); err == nil {
		return 0, fs.opErr("Create", name, ErrConflictingName)
	}
	if err := fs.gcCheck(); err != nil {
		return 0, err
	}
	id, err := fs.allocObjID()
	if err != nil {
		return 0, err
	}
	hdrPix, err := fs.createObject(id, name, typ)
	if err != nil {
		return 0, err
	}
	fd, err := fs.fdAlloc(id, hdrPix, 0, true)
	if err != nil {
		return 0, err
	}
	return fd.fileNbr, nil
}

// FindByName implements spec.md §6's find_by_name: locate the header by
// name and open an fd on it.
func (fs *FS) FindByName(name string) (int, error) {
	id, pix, err := fs.findHeaderByName(name)
	if err != nil {
		return 0, fs.opErr("FindByName", name, ErrNotFound)
	}
	hdr, err := fs.readObjIxHeader(pix)
	if err != nil {
		return 0, err
	}
	return fs.openHeader(id.Data(), pix, hdr)
}

// OpenByID implements spec.md §6's open_by_id / §4.4's open_by_id.
func (fs *FS) OpenByID(id ObjID) (int, error) {
	id = id.Data()
	pix, hdr, err := fs.openByID(id)
	if err != nil {
		return 0, err
	}
	return fs.openHeader(id, pix, hdr)
}

// OpenByPage implements spec.md §6's open_by_page / §4.4's open_by_page: a
// cached hdr_pix is already known to be current, so the lookup scan is
// skipped entirely.
func (fs *FS) OpenByPage(pix PageIx) (int, error) {
	hdr, err := fs.openByPage(pix)
	if err != nil {
		return 0, err
	}
	return fs.openHeader(hdr.Header.ObjID.Data(), pix, hdr)
}

func (fs *FS) openHeader(id ObjID, hdrPix PageIx, hdr ObjIndexHeader) (int, error) {
	size := hdr.Size
	if size == UndefinedLen {
		size = 0
	}
	fd, err := fs.fdAlloc(id, hdrPix, size, true)
	if err != nil {
		return 0, err
	}
	return fd.fileNbr, nil
}

// CloseFD implements spec.md §6's close_fd.
func (fs *FS) CloseFD(fileNbr int) error {
	fd, err := fs.fdGet(fileNbr)
	if err != nil {
		return err
	}
	fs.fdReturn(fd)
	return nil
}

// ListObjects implements spec.md §6's list_objects: walk every live header
// page on the device (the flat, directory-less namespace spec.md §1's
// Non-goals describe).
func (fs *FS) ListObjects() ([]ObjectInfo, error) {
	var out []ObjectInfo
	_, _, _, err := fs.scan(0, 0, nil, func(cur ObjID, block BlockIx, entry uint32) (VisitResult, error) {
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
		hdr, err := fs.readObjIxHeader(pix)
		if err != nil {
			return VisitStop, err
		}
		size := hdr.Size
		if size == UndefinedLen {
			size = 0
		}
		out = append(out, ObjectInfo{ID: cur.Data(), Name: hdr.Name, Type: hdr.Type, Size: size})
		return VisitContinue, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// spanWalker resolves which entries array (header's or a loaded work
// page's) and slot index holds the pointer for data span d, loading or
// allocating index pages on span transitions exactly as spec.md §4.5
// describes for append/modify/truncate's shared outer loop.
//
// pastExisting tracks spec.md §9's Open Question #1 decision: once a
// lookup for an index page that should already exist comes back
// ErrNotFound, every subsequent span for the rest of this call is treated
// as newly allocated rather than re-attempting the lookup.
type spanWalker struct {
	fs           *FS
	id           ObjID // data-side id
	header       *ObjIndexHeader
	headerPix    PageIx
	headerActive bool
	work         *idxWork
	pastExisting bool
	firstSpan    bool
}

func newSpanWalker(fs *FS, id ObjID, headerPix PageIx, header ObjIndexHeader) *spanWalker {
	return &spanWalker{fs: fs, id: id.Data(), header: &header, headerPix: headerPix, headerActive: true, firstSpan: true}
}

// enter switches the walker onto the index page owning data span d,
// persisting whatever was previously open (per persist semantics, which
// differ between append's update_index_hdr path and modify/truncate's
// move_page path) and loading/allocating the new one if this is a span
// transition.
func (w *spanWalker) enter(d uint32, allowCreate bool, persist func(w *spanWalker) error) (entries []PageIx, entryIx uint32, err error) {
	geo := w.fs.geo
	idxSpan, entryIx := geo.objixSpanIx(d)

	currentlyLoaded := w.headerActive && idxSpan == 0
	if !w.headerActive && w.work != nil && w.work.span == idxSpan {
		currentlyLoaded = true
	}
	isNewSpan := w.firstSpan || !currentlyLoaded

	if isNewSpan {
		if !w.firstSpan {
			if err := persist(w); err != nil {
				return nil, 0, err
			}
		}
		w.firstSpan = false

		if idxSpan == 0 {
			w.headerActive = true
			w.work = nil
		} else {
			w.headerActive = false
			if !w.pastExisting {
				pix, ferr := w.fs.findIndexPageBySpan(w.id.Index(), idxSpan)
				switch {
				case ferr == nil:
					page, rerr := w.fs.readObjIxPage(pix, idxSpan)
					if rerr != nil {
						return nil, 0, rerr
					}
					w.work = &idxWork{span: idxSpan, pix: pix, entries: page.Entries, fresh: false}
				case isNotFound(ferr) && allowCreate:
					w.pastExisting = true
				default:
					return nil, 0, ferr
				}
			}
			if w.pastExisting || w.work == nil || w.work.span != idxSpan {
				w.work = &idxWork{span: idxSpan, entries: freshEntries(geo.objIdxEntries), fresh: true}
			}
		}
	}

	if w.headerActive {
		return w.header.Entries, entryIx, nil
	}
	return w.work.entries, entryIx, nil
}

func isNotFound(err error) bool {
	oe, ok := err.(*OpError)
	return ok && oe.Code == ErrNotFound
}

// Append implements spec.md §4.5's append and §6's append: grow the
// object by writing data at its current end-of-file offset.
func (fs *FS) Append(fileNbr int, data []byte) (int, error) {
	fd, err := fs.fdGet(fileNbr)
	if err != nil {
		return 0, err
	}
	if !fd.writable {
		return 0, fs.opErr("Append", "", ErrNotWritable)
	}
	if len(data) == 0 {
		return 0, nil
	}
	if err := fs.gcCheck(); err != nil {
		return 0, err
	}

	header, err := fs.readObjIxHeader(fd.hdrPix)
	if err != nil {
		return 0, err
	}
	wasEmpty := header.Size == UndefinedLen
	size := fd.size

	w := newSpanWalker(fs, fd.objID, fd.hdrPix, header)
	geo := fs.geo
	dataPageSize := geo.DataPageSize

	persist := func(w *spanWalker) error {
		if w.headerActive {
			return nil // flushed once at the very end; header entries never close mid-loop before span>0 opens
		}
		return fs.persistWorkViaUpdateHdr(w, header.Size)
	}

	spanStart := size / dataPageSize
	offsetInFirst := size % dataPageSize

	written := 0
	newSize := size
	d := spanStart
	for written < len(data) {
		entries, entryIx, eerr := w.enter(d, true, persist)
		if eerr != nil {
			return written, eerr
		}

		pageOff := uint32(0)
		if d == spanStart {
			pageOff = offsetInFirst
		}
		room := dataPageSize - pageOff
		n := len(data) - written
		if uint32(n) > room {
			n = int(room)
		}
		chunk := data[written : written+n]

		if pageOff == 0 {
			dh := newHeader(fd.objID.Data(), SpanIx(d), false)
			pix, aerr := fs.allocatePage(dh, chunk, 0, true)
			if aerr != nil {
				return written, aerr
			}
			entries[entryIx] = pix
		} else {
			pix := entries[entryIx]
			addr := geo.pageAddr(pix) + headerSize + pageOff
			if werr := fs.hal.Write(addr, chunk); werr != nil {
				return written, werr
			}
		}

		written += n
		newSize += uint32(n)
		d++
	}

	header.Size = newSize
	newHdrPix, err := fs.flushFinalHeader(w, header, wasEmpty)
	if err != nil {
		return written, err
	}

	fd.size = newSize
	fd.hdrPix = newHdrPix
	if w.work != nil {
		fd.cursorPix = w.work.pix
		fd.cursorSpan = w.work.span
	} else {
		fd.cursorPix = newHdrPix
		fd.cursorSpan = 0
	}
	return written, nil
}

// persistWorkViaUpdateHdr persists a non-header work page in place (valid
// because every change to it only clears FREE entries to real page
// indices) then rewrites the header read back from flash through
// update_index_hdr with its Size set to curHdrSize. Append passes the size
// the header held when the call began, so the header's size (and any
// inline entries edited in memory during the call) reach flash only in
// flushFinalHeader at the end of the call.
func (fs *FS) persistWorkViaUpdateHdr(w *spanWalker, curHdrSize uint32) error {
	if w.work == nil {
		return nil
	}
	pix, err := fs.writeIndexPageInPlace(w)
	if err != nil {
		return err
	}
	w.work.pix = pix
	w.work.fresh = false
	hdr, err := fs.readObjIxHeader(w.headerPix)
	if err != nil {
		return err
	}
	hdr.Size = curHdrSize
	newPix, err := fs.updateIndexHdr(w.id, w.headerPix, &hdr)
	if err != nil {
		return err
	}
	w.headerPix = newPix
	return nil
}

// writeIndexPageInPlace allocates (if fresh) or rewrites (if previously
// read) the currently open non-header work page and broadcasts the
// appropriate event, per spec.md §4.5's "write it to flash in place"
// persist step.
func (fs *FS) writeIndexPageInPlace(w *spanWalker) (PageIx, error) {
	body := fs.encodeObjIxPageBody(w.work.entries)
	if w.work.fresh {
		dh := newHeader(w.id.Index(), w.work.span, true)
		pix, err := fs.allocatePage(dh, body, 0, true)
		if err != nil {
			return 0, err
		}
		fs.broadcast(fdEventNEW, w.id, w.work.span, pix, 0)
		return pix, nil
	}
	if err := fs.hal.Write(fs.geo.pageAddr(w.work.pix)+headerSize, body); err != nil {
		return 0, err
	}
	fs.broadcast(fdEventUPD, w.id, w.work.span, w.work.pix, 0)
	return w.work.pix, nil
}

// flushFinalHeader persists whichever index page the walker ends on: the
// header itself (in place if the object was empty at call start, else via
// update_index_hdr), or a non-header page followed by an update_index_hdr
// to refresh Size.
func (fs *FS) flushFinalHeader(w *spanWalker, header ObjIndexHeader, wasEmpty bool) (PageIx, error) {
	if w.headerActive {
		if wasEmpty {
			body := fs.encodeObjIxHeaderBody(header)
			if err := fs.hal.Write(fs.geo.pageAddr(w.headerPix)+headerSize, body); err != nil {
				return 0, err
			}
			fs.broadcast(fdEventUPD, w.id, 0, w.headerPix, header.Size)
			return w.headerPix, nil
		}
		return fs.updateIndexHdr(w.id, w.headerPix, &header)
	}

	pix, err := fs.writeIndexPageInPlace(w)
	if err != nil {
		return 0, err
	}
	w.work.pix = pix
	w.work.fresh = false
	return fs.updateIndexHdr(w.id, w.headerPix, &header)
}

// Modify implements spec.md §4.5's modify: overwrite bytes within the
// object's existing bounds. Altered index pages persist via move_page on
// span transition (never update_index_hdr, except for the header, which
// always uses update_index_hdr), per spec.md §4.5.
func (fs *FS) Modify(fileNbr int, offset uint32, data []byte) (int, error) {
	fd, err := fs.fdGet(fileNbr)
	if err != nil {
		return 0, err
	}
	if !fd.writable {
		return 0, fs.opErr("Modify", "", ErrNotWritable)
	}
	if len(data) == 0 {
		return 0, nil
	}
	if offset+uint32(len(data)) > fd.size {
		return 0, fs.opErr("Modify", "", ErrEndOfObject)
	}
	if err := fs.gcCheck(); err != nil {
		return 0, err
	}

	header, err := fs.readObjIxHeader(fd.hdrPix)
	if err != nil {
		return 0, err
	}
	w := newSpanWalker(fs, fd.objID, fd.hdrPix, header)
	geo := fs.geo
	dataPageSize := geo.DataPageSize

	persist := func(w *spanWalker) error {
		if w.headerActive {
			newPix, err := fs.updateIndexHdr(w.id, w.headerPix, w.header)
			if err != nil {
				return err
			}
			w.headerPix = newPix
			return nil
		}
		return fs.persistWorkViaMove(w)
	}

	written := 0
	d := offset / dataPageSize
	for written < len(data) {
		entries, entryIx, eerr := w.enter(d, false, persist)
		if eerr != nil {
			return written, eerr
		}
		oldPix := entries[entryIx]

		pageOff := uint32(0)
		if uint32(written) == 0 {
			pageOff = offset % dataPageSize
		}
		room := dataPageSize - pageOff
		n := len(data) - written
		if uint32(n) > room {
			n = int(room)
		}
		chunk := data[written : written+n]

		var newPix PageIx
		if pageOff == 0 && uint32(n) == dataPageSize {
			dh := newHeader(fd.objID.Data(), SpanIx(d), false)
			newPix, err = fs.allocatePage(dh, chunk, 0, true)
			if err != nil {
				return written, err
			}
			if derr := fs.deletePage(oldPix); derr != nil {
				return written, derr
			}
		} else {
			full := make([]byte, dataPageSize)
			if rerr := fs.hal.Read(geo.pageAddr(oldPix)+headerSize, full); rerr != nil {
				return written, rerr
			}
			copy(full[pageOff:], chunk)
			dh := newHeader(fd.objID.Data(), SpanIx(d), false)
			newPix, err = fs.allocatePage(dh, full, 0, true)
			if err != nil {
				return written, err
			}
			if derr := fs.deletePage(oldPix); derr != nil {
				return written, derr
			}
		}
		entries[entryIx] = newPix

		written += n
		d++
	}

	if _, err := fs.flushModifyTail(w, header); err != nil {
		return written, err
	}
	return written, nil
}

// persistWorkViaMove relocates the currently open non-header work page
// with move_page (never writes it in place): modify only ever edits
// entries whose underlying data page already changed, so the page image
// itself changed in a way that may not be a pure bit-clear over what is
// currently on flash.
func (fs *FS) persistWorkViaMove(w *spanWalker) error {
	if w.work == nil || w.work.fresh {
		return fs.writeFreshWorkIfAny(w)
	}
	body := fs.encodeObjIxPageBody(w.work.entries)
	dh := newHeader(w.id.Index(), w.work.span, true)
	newPix, err := fs.movePage(body, w.work.pix, dh)
	if err != nil {
		return err
	}
	fs.broadcast(fdEventUPD, w.id, w.work.span, newPix, 0)
	w.work.pix = newPix
	return nil
}

func (fs *FS) writeFreshWorkIfAny(w *spanWalker) error {
	if w.work == nil || !w.work.fresh {
		return nil
	}
	pix, err := fs.writeIndexPageInPlace(w)
	if err != nil {
		return err
	}
	w.work.pix = pix
	w.work.fresh = false
	return nil
}

func (fs *FS) flushModifyTail(w *spanWalker, header ObjIndexHeader) (PageIx, error) {
	if w.headerActive {
		return fs.updateIndexHdr(w.id, w.headerPix, &header)
	}
	if err := fs.persistWorkViaMove(w); err != nil {
		return 0, err
	}
	return w.headerPix, nil
}

// Read implements spec.md §4.5's read.
func (fs *FS) Read(fileNbr int, offset uint32, buf []byte) (int, error) {
	fd, err := fs.fdGet(fileNbr)
	if err != nil {
		return 0, err
	}
	if offset >= fd.size {
		return 0, fs.opErr("Read", "", ErrEndOfObject)
	}
	header, err := fs.readObjIxHeader(fd.hdrPix)
	if err != nil {
		return 0, err
	}
	w := newSpanWalker(fs, fd.objID, fd.hdrPix, header)
	geo := fs.geo
	dataPageSize := geo.DataPageSize

	persist := func(w *spanWalker) error { return nil } // read never mutates

	read := 0
	d := offset / dataPageSize
	for read < len(buf) {
		bytesLeftInFile := int(fd.size) - (int(offset) + read)
		if bytesLeftInFile <= 0 {
			return read, fs.opErr("Read", "", ErrEndOfObject)
		}
		entries, entryIx, eerr := w.enter(d, false, persist)
		if eerr != nil {
			return read, eerr
		}
		pix := entries[entryIx]
		if pix == pageIxFree {
			return read, fs.opErr("Read", "", ErrEndOfObject)
		}

		pageOff := uint32(0)
		if read == 0 {
			pageOff = offset % dataPageSize
		}
		bytesLeftInPage := int(dataPageSize - pageOff)
		n := len(buf) - read
		if n > bytesLeftInPage {
			n = bytesLeftInPage
		}
		if n > bytesLeftInFile {
			n = bytesLeftInFile
		}
		if n <= 0 {
			return read, fs.opErr("Read", "", ErrEndOfObject)
		}
		addr := geo.pageAddr(pix) + headerSize + pageOff
		if rerr := fs.hal.Read(addr, buf[read:read+n]); rerr != nil {
			return read, rerr
		}
		read += n
		d++
	}
	fd.cursorPix = w.headerPix
	fd.cursorSpan = 0
	if w.work != nil {
		fd.cursorPix = w.work.pix
		fd.cursorSpan = w.work.span
	}
	return read, nil
}

// Truncate implements spec.md §4.5's truncate: walk from the current last
// data span downward, deleting data (and, once a full index-page span is
// crossed, index) pages, down to newSize.
//
// Per spec.md §9's Open Question #2, the span-count arithmetic at an
// exact multiple of dataPageSize is preserved exactly as specified: it
// decrements by a full page rather than a partial remainder, which is a
// deliberate compatibility choice, not a bug.
func (fs *FS) Truncate(fileNbr int, newSize uint32, remove bool) error {
	fd, err := fs.fdGet(fileNbr)
	if err != nil {
		return err
	}
	if !fd.writable {
		return fs.opErr("Truncate", "", ErrNotWritable)
	}
	if err := fs.gcCheck(); err != nil {
		return err
	}
	header, err := fs.readObjIxHeader(fd.hdrPix)
	if err != nil {
		return err
	}
	curSize := fd.size
	geo := fs.geo
	dataPageSize := geo.DataPageSize

	curHdrPix := fd.hdrPix
	var curWork *idxWork
	curWorkSpan := SpanIx(0)
	haveWork := false

	remaining := curSize
	for remaining > newSize {
		d := (remaining - 1) / dataPageSize
		if remaining%dataPageSize == 0 {
			// Preserved exactly per spec.md §9 Open Question #2: subtract
			// a full page, not the (zero) partial remainder.
			d = remaining/dataPageSize - 1
		}
		idxSpan, entryIx := geo.objixSpanIx(uint32(d))

		var entries []PageIx
		if idxSpan == 0 {
			if haveWork && curWork != nil {
				if err := fs.truncateCommitWork(fd.objID, curWork); err != nil {
					return err
				}
				curWork = nil
				haveWork = false
			}
			entries = header.Entries
		} else {
			if !haveWork || curWorkSpan != idxSpan {
				if haveWork && curWork != nil {
					if err := fs.truncateCommitWork(fd.objID, curWork); err != nil {
						return err
					}
				}
				pix, ferr := fs.findIndexPageBySpan(fd.objID.Index(), idxSpan)
				if ferr != nil {
					return ferr
				}
				page, rerr := fs.readObjIxPage(pix, idxSpan)
				if rerr != nil {
					return rerr
				}
				curWork = &idxWork{span: idxSpan, pix: pix, entries: page.Entries}
				curWorkSpan = idxSpan
				haveWork = true
			}
			entries = curWork.entries
		}

		pix := entries[entryIx]
		tailStart := d * dataPageSize
		if newSize > tailStart && newSize < tailStart+dataPageSize {
			// Partial tail page: keep the surviving prefix.
			keep := newSize - tailStart
			prefix := make([]byte, keep)
			if rerr := fs.hal.Read(geo.pageAddr(pix)+headerSize, prefix); rerr != nil {
				return rerr
			}
			dh := newHeader(fd.objID.Data(), SpanIx(d), false)
			newPix, aerr := fs.allocatePage(dh, prefix, 0, true)
			if aerr != nil {
				return aerr
			}
			if derr := fs.deletePage(pix); derr != nil {
				return derr
			}
			entries[entryIx] = newPix
		} else {
			if derr := fs.deletePage(pix); derr != nil {
				return derr
			}
			entries[entryIx] = pageIxFree
			if idxSpan != 0 && allFree(entries) {
				if derr := fs.deletePage(curWork.pix); derr != nil {
					return derr
				}
				curWork = nil
				haveWork = false
			}
		}

		if remaining%dataPageSize == 0 {
			remaining -= dataPageSize
		} else {
			remaining -= remaining % dataPageSize
		}
		if remaining < newSize {
			remaining = newSize
		}
	}

	if haveWork && curWork != nil {
		if err := fs.truncateCommitWork(fd.objID, curWork); err != nil {
			return err
		}
	}

	if newSize == 0 && remove {
		if err := fs.deletePage(curHdrPix); err != nil {
			return err
		}
		fs.broadcast(fdEventDEL, fd.objID, 0, 0, 0)
		fd.size = 0
		return nil
	}

	if newSize == 0 {
		header.Size = UndefinedLen
		header.Entries = freshEntries(fs.geo.objIdxHdrEntries)
	} else {
		header.Size = newSize
	}
	newHdrPix, err := fs.updateIndexHdr(fd.objID, curHdrPix, &header)
	if err != nil {
		return err
	}
	fd.size = newSize
	fd.hdrPix = newHdrPix
	return nil
}

// truncateCommitWork persists a non-header index page altered during
// truncate via move_page, matching spec.md §4.5's persist rule for
// truncate's altered index pages.
func (fs *FS) truncateCommitWork(id ObjID, work *idxWork) error {
	body := fs.encodeObjIxPageBody(work.entries)
	dh := newHeader(id.Index(), work.span, true)
	newPix, err := fs.movePage(body, work.pix, dh)
	if err != nil {
		return err
	}
	fs.broadcast(fdEventUPD, id.Data(), work.span, newPix, 0)
	return nil
}

func allFree(entries []PageIx) bool {
	for _, e := range entries {
		if e != pageIxFree {
			return false
		}
	}
	return true
}
