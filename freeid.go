// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// The free-object-id finder (C9): spec.md §4.8's bitmap/compaction search.

package flashfs

// maxBucketCount bounds the compaction pass's per-bucket counter. Spec.md
// §9's Open Question #3 flags that the embedded original's one-byte
// counter silently wraps when a bucket's width exceeds 255; this
// implementation resolves that by widening the counter to uint16: counts
// stop at this bound instead of wrapping, and the compaction pass reports
// ErrFull when even the least-occupied bucket has reached it.
const maxBucketCount = 1<<16 - 1

// allocObjID implements spec.md §4.8: pick an id in [1, max_objects+1]
// not currently in use by any live object, dispatching to the bitmap or
// compaction pass depending on how wide the search range is.
func (fs *FS) allocObjID() (ObjID, error) {
	min := uint32(1)
	max := fs.geo.MaxObjects() + 1
	return fs.freeIDSearch(min, max)
}

func (fs *FS) freeIDSearch(min, max uint32) (ObjID, error) {
	if max-min <= fs.cfg.LogPageSize*8 {
		return fs.freeIDBitmapPass(min, max)
	}
	return fs.freeIDCompactionPass(min, max)
}

// freeIDBitmapPass implements spec.md §4.8's bitmap pass: one bit per
// candidate id in the work buffer, set for every id currently in use
// (ignoring the index flag, since an object occupies both its data and
// index forms of the same numeric id), then the first unset bit is free.
func (fs *FS) freeIDBitmapPass(min, max uint32) (ObjID, error) {
	buf := fs.work
	for i := range buf {
		buf[i] = 0
	}
	_, _, _, err := fs.scan(0, 0, nil, func(cur ObjID, block BlockIx, entry uint32) (VisitResult, error) {
		base := uint32(cur.Data())
		if base >= min && base < max {
			off := base - min
			buf[off/8] |= 1 << (off % 8)
		}
		return VisitContinue, nil
	})
	if err != nil {
		return 0, err
	}
	for off := uint32(0); off < max-min; off++ {
		if buf[off/8]&(1<<(off%8)) == 0 {
			return ObjID(min + off), nil
		}
	}
	return 0, fs.opErr("allocObjID", "", ErrFull)
}

// freeIDCompactionPass implements spec.md §4.8's compaction pass: divide
// the range into LogPageSize buckets, count live object headers per
// bucket, then narrow into the least-occupied bucket and repeat (bitmap
// pass once the range fits, compaction again otherwise).
func (fs *FS) freeIDCompactionPass(min, max uint32) (ObjID, error) {
	buckets := fs.cfg.LogPageSize
	width := (max - min) / buckets
	if width == 0 {
		width = 1
	}
	counts := make([]uint32, buckets)

	_, _, _, err := fs.scan(0, 0, nil, func(cur ObjID, block BlockIx, entry uint32) (VisitResult, error) {
		if !cur.IsIndex() {
			return VisitContinue, nil
		}
		pix := fs.geo.blockEntryToPage(block, entry)
		h, herr := fs.readHeader(pix)
		if herr != nil {
			return VisitStop, herr
		}
		if !h.Alive() || h.Final() || h.SpanIx != 0 {
			return VisitContinue, nil
		}
		base := uint32(cur.Data())
		if base < min || base >= max {
			return VisitContinue, nil
		}
		bucket := (base - min) / width
		if bucket >= buckets {
			bucket = buckets - 1
		}
		if counts[bucket] < maxBucketCount {
			counts[bucket]++
		}
		return VisitContinue, nil
	})
	if err != nil {
		return 0, err
	}

	bestBucket := uint32(0)
	bestCount := counts[0]
	for i := uint32(1); i < buckets; i++ {
		if counts[i] < bestCount {
			bestCount = counts[i]
			bestBucket = i
		}
	}
	if bestCount == 0 {
		return ObjID(min + bestBucket*width), nil
	}
	if bestCount >= width || bestCount >= maxBucketCount {
		return 0, fs.opErr("allocObjID", "", ErrFull)
	}

	newMin := min + bestBucket*width
	newMax := newMin + width
	if newMax > max {
		newMax = max
	}
	return fs.freeIDSearch(newMin, newMax)
}
