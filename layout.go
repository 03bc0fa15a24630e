// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// On-flash data layout: geometry, page headers, object-index pages and the
// small address-arithmetic helpers every other component builds on. This
// is the structural counterpart of falloc.go's block/atom conversion
// helpers (h2off/off2h/n2atoms and friends) in the teacher package, here
// specialized to the block/page/span geometry of a flash filesystem
// instead of an atom-addressed heap.

package flashfs

import "encoding/binary"

// BlockIx, PageIx and SpanIx are widened to uint32 relative to the
// original 16-bit embedded implementation (see SPEC_FULL.md §3) so a
// single configuration is not capped at 65536 pages.
type BlockIx uint32
type PageIx uint32
type SpanIx uint32

// ObjID is the 16-bit object identifier; its most significant bit is the
// index flag distinguishing an object's index pages from its data pages.
type ObjID uint16

const (
	objIDIndexFlag ObjID = 1 << 15

	// ObjIDFree marks a lookup entry whose page has never been programmed.
	ObjIDFree ObjID = 0xFFFF
	// ObjIDErased marks a lookup entry whose page has been tombstoned.
	ObjIDErased ObjID = 0x0000
)

// IsIndex reports whether id refers to an object's index pages.
func (id ObjID) IsIndex() bool { return id&objIDIndexFlag != 0 }

// Data returns the data-side (index flag clear) form of id.
func (id ObjID) Data() ObjID { return id &^ objIDIndexFlag }

// Index returns the index-side (index flag set) form of id.
func (id ObjID) Index() ObjID { return id | objIDIndexFlag }

// UndefinedLen is the sentinel size value (all 1s) an object-index header
// carries before its first write establishes a real size.
const UndefinedLen uint32 = 0xFFFFFFFF

// ObjNameLen is the fixed width of the name field carried in every
// object-index header page, grounded on the embedded original's
// SPIFFS_OBJ_NAME_LEN default.
const ObjNameLen = 32

// Page header flag bits. Flash bits default to 1 (erased); each is
// programmed (cleared) to assert its meaning.
const (
	flagDelet byte = 1 << 0 // cleared => page is deleted (set is the live/default state)
	flagFinal byte = 1 << 1 // cleared => page body is complete
	flagIndex byte = 1 << 2 // cleared => page is an index page
	flagsInit byte = 0xFF   // unprogrammed header flags byte
)

// headerSize is the encoded size of PageHeader: ObjID(2) + SpanIx(4) +
// flags(1) + one reserved/padding byte kept at 0xFF.
const headerSize = 8

// PageHeader is the structured prefix of every non-lookup page. It is
// always read/written as a whole, as flash program granularity makes a
// field-overlay cast a false economy (see SPEC_FULL.md §4.9 / spec.md §9
// "page body as overlaid header + inline array").
type PageHeader struct {
	ObjID  ObjID
	SpanIx SpanIx
	flags  byte
}

// Alive reports DELET still set: a freshly allocated page carries DELET
// set (flagsInit) and stays alive until delete_page explicitly clears it.
// spec.md §3's prose states the opposite polarity, but its own §4.3
// delete_page step ("clearing DELET") and the embedded original
// (spiffs_nucleus.c gc_clean: `if (p_hdr.flags & SPIFFS_PH_FLAG_DELET)
// { // move page` treats the set bit as live) agree with this reading;
// see DESIGN.md.
func (h PageHeader) Alive() bool { return h.flags&flagDelet != 0 }

// Final reports FINAL still set, i.e. the page is mid-write.
func (h PageHeader) Final() bool { return h.flags&flagFinal != 0 }

// IsIndexPage reports INDEX cleared, i.e. this is an index page.
func (h PageHeader) IsIndexPage() bool { return h.flags&flagIndex == 0 }

// newHeader returns a freshly unprogrammed header for obj/span, with the
// given role; FINAL is left set (writing in progress) until finalize is
// called by the allocator.
func newHeader(obj ObjID, span SpanIx, index bool) PageHeader {
	h := PageHeader{ObjID: obj, SpanIx: span, flags: flagsInit}
	if index {
		h.flags &^= flagIndex
	}
	return h
}

func (h PageHeader) markDeleted() PageHeader { h.flags &^= flagDelet; return h }
func (h PageHeader) markFinal() PageHeader   { h.flags &^= flagFinal; return h }

func (h PageHeader) encode(b []byte) {
	binary.BigEndian.PutUint16(b[0:2], uint16(h.ObjID))
	binary.BigEndian.PutUint32(b[2:6], uint32(h.SpanIx))
	b[6] = h.flags
	b[7] = 0xFF
}

func decodeHeader(b []byte) PageHeader {
	return PageHeader{
		ObjID:  ObjID(binary.BigEndian.Uint16(b[0:2])),
		SpanIx: SpanIx(binary.BigEndian.Uint32(b[2:6])),
		flags:  b[6],
	}
}

// Geometry derives every size/count the rest of the package needs from a
// validated Config, exactly as spec.md §6 "Derived" defines them.
type Geometry struct {
	cfg Config

	BlockCount       uint32
	PagesPerBlock    uint32
	LookupPages      uint32
	LookupMaxEntries uint32
	DataPageSize     uint32

	// objIdxHdrEntries (N_hdr) is how many data-page indices fit in an
	// object-index header page; objIdxEntries (N) is how many fit in a
	// non-header index page.
	objIdxHdrEntries uint32
	objIdxEntries    uint32

	// gcCandidateCap is the maximum number of (block, score) pairs that
	// fit the garbage collector's sorted candidate table in one page,
	// per spec.md §4.7: (page_size - 8) / (id_size + int_size).
	gcCandidateCap uint32
}

const (
	entryIDSize  = 2 // encoded ObjID size within the lookup table
	entryIntSize = 4 // encoded BlockIx size within the GC candidate table
)

// NewGeometry validates cfg and computes every derived quantity.
func NewGeometry(cfg Config) (*Geometry, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	g := &Geometry{cfg: cfg}
	g.BlockCount = cfg.PhysSize / cfg.LogBlockSize
	g.PagesPerBlock = cfg.LogBlockSize / cfg.LogPageSize

	lookupBytes := g.PagesPerBlock * entryIDSize
	g.LookupPages = (lookupBytes + cfg.LogPageSize - 1) / cfg.LogPageSize
	if g.LookupPages >= g.PagesPerBlock {
		return nil, &ErrINVAL{"Config: no room for data pages after lookup region", cfg.LogBlockSize}
	}
	g.LookupMaxEntries = g.PagesPerBlock - g.LookupPages
	g.DataPageSize = cfg.LogPageSize - headerSize

	hdrFixed := uint32(headerSize + 1 + 4 + ObjNameLen) // header + type + size + name
	g.objIdxHdrEntries = (cfg.LogPageSize - hdrFixed) / 4
	g.objIdxEntries = (cfg.LogPageSize - headerSize) / 4
	if g.objIdxHdrEntries == 0 || g.objIdxEntries == 0 {
		return nil, &ErrINVAL{"Config.LogPageSize too small for object index entries", cfg.LogPageSize}
	}

	g.gcCandidateCap = (cfg.LogPageSize - 8) / (entryIDSize + entryIntSize)
	return g, nil
}

// MaxObjects is the largest object id the free-id finder (C9) will ever
// hand out, capped so it never collides with the index-flag bit.
func (g *Geometry) MaxObjects() uint32 {
	max := uint32(g.cfg.PhysSize) / g.cfg.LogPageSize / 2
	if cap := uint32(objIDIndexFlag) - 1; max > cap {
		max = cap
	}
	return max
}

// objixSpanIx implements spec.md §3's object-index entry mapping: given a
// data span d, returns the index page's own span and the entry offset
// within that page.
func (g *Geometry) objixSpanIx(d uint32) (pageSpan SpanIx, entry uint32) {
	if d < g.objIdxHdrEntries {
		return 0, d
	}
	rem := d - g.objIdxHdrEntries
	return SpanIx(1 + rem/g.objIdxEntries), rem % g.objIdxEntries
}

// dataSpanCount returns how many data spans a file of size bytes occupies.
func (g *Geometry) dataSpanCount(size uint32) uint32 {
	if size == 0 {
		return 0
	}
	return (size + g.DataPageSize - 1) / g.DataPageSize
}

// blockAddr and pageAddr compute physical byte addresses from indices.
func (g *Geometry) blockAddr(b BlockIx) uint32 { return g.cfg.PhysAddr + uint32(b)*g.cfg.LogBlockSize }

func (g *Geometry) pageAddr(p PageIx) uint32 {
	block := uint32(p) / g.PagesPerBlock
	within := uint32(p) % g.PagesPerBlock
	return g.cfg.PhysAddr + block*g.cfg.LogBlockSize + within*g.cfg.LogPageSize
}

func (g *Geometry) pageToBlock(p PageIx) (BlockIx, uint32) {
	return BlockIx(uint32(p) / g.PagesPerBlock), uint32(p) % g.PagesPerBlock
}

func (g *Geometry) blockEntryToPage(b BlockIx, entry uint32) PageIx {
	return PageIx(uint32(b)*g.PagesPerBlock + g.LookupPages + entry)
}

// pageToBlockEntry is the inverse of blockEntryToPage.
func (g *Geometry) pageToBlockEntry(p PageIx) (BlockIx, uint32) {
	block := uint32(p) / g.PagesPerBlock
	within := uint32(p) % g.PagesPerBlock
	return BlockIx(block), within - g.LookupPages
}

// lookupEntryAddr is the address of the 2-byte lookup slot for the entry'th
// data/index-bearing page of block b (entry is 0-based over
// LookupMaxEntries, not over PagesPerBlock).
func (g *Geometry) lookupEntryAddr(b BlockIx, entry uint32) uint32 {
	return g.blockAddr(b) + entry*entryIDSize
}
