// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package flashfs

import (
	"bytes"
	"testing"
)

// TestCreateAppendRead covers spec.md §8's scenario S1: create, append
// 100 bytes, read them back, check size.
func TestCreateAppendRead(t *testing.T) {
	hal := NewMemHAL(1 << 20)
	fs := mustInit(t, hal, testConfig())

	fd, err := fs.Create("a", 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	data := make([]byte, 100)
	for i := range data {
		data[i] = byte(i)
	}
	if _, err := fs.Append(fd, data); err != nil {
		t.Fatalf("Append: %v", err)
	}

	out := make([]byte, 100)
	n, err := fs.Read(fd, 0, out)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 100 || !bytes.Equal(out, data) {
		t.Fatalf("Read back mismatch: n=%d", n)
	}

	info, err := fs.ListObjects()
	if err != nil {
		t.Fatalf("ListObjects: %v", err)
	}
	if len(info) != 1 || info[0].Size != 100 || info[0].Name != "a" {
		t.Fatalf("unexpected listing: %+v", info)
	}
}

// TestAppendCrossesDataPageBoundary covers spec.md §8's scenario S2.
func TestAppendCrossesDataPageBoundary(t *testing.T) {
	hal := NewMemHAL(1 << 20)
	fs := mustInit(t, hal, testConfig())

	fd, err := fs.Create("b", 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	data := make([]byte, 300)
	for i := range data {
		data[i] = byte(i)
	}
	if _, err := fs.Append(fd, data); err != nil {
		t.Fatalf("Append: %v", err)
	}

	out := make([]byte, 300)
	if _, err := fs.Read(fd, 0, out); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Fatal("data mismatch across page boundary")
	}

	hdr, err := fs.readObjIxHeader(fs.fds[fd-1].hdrPix)
	if err != nil {
		t.Fatalf("readObjIxHeader: %v", err)
	}
	if hdr.Size != 300 {
		t.Fatalf("Size = %d, want 300", hdr.Size)
	}
	nonFree := 0
	for _, e := range hdr.Entries {
		if e != pageIxFree {
			nonFree++
		}
	}
	if nonFree != 2 {
		t.Fatalf("non-free header entries = %d, want 2", nonFree)
	}
}

// TestAppendThenReadTwoFDs covers spec.md §8's scenario S6: a second fd
// observes the append via the event broadcast.
func TestAppendThenReadTwoFDs(t *testing.T) {
	hal := NewMemHAL(1 << 20)
	fs := mustInit(t, hal, testConfig())

	fd1, err := fs.Create("c", 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	fd2, err := fs.OpenByID(fs.fds[fd1-1].objID)
	if err != nil {
		t.Fatalf("OpenByID: %v", err)
	}

	data := []byte("hello world")
	if _, err := fs.Append(fd1, data); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if got := fs.fds[fd2-1].size; got != uint32(len(data)) {
		t.Fatalf("fd2 size = %d, want %d", got, len(data))
	}

	out := make([]byte, len(data))
	if _, err := fs.Read(fd2, 0, out); err != nil {
		t.Fatalf("Read via fd2: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Fatal("fd2 read mismatch")
	}
}

// TestModifyRoundTrip covers spec.md §8's R2: modify then read back the
// modified range.
func TestModifyRoundTrip(t *testing.T) {
	hal := NewMemHAL(1 << 20)
	fs := mustInit(t, hal, testConfig())

	fd, err := fs.Create("d", 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	orig := make([]byte, 1000)
	for i := range orig {
		orig[i] = byte(i)
	}
	if _, err := fs.Append(fd, orig); err != nil {
		t.Fatalf("Append: %v", err)
	}

	patch := []byte{0xAA}
	if _, err := fs.Modify(fd, 50, patch); err != nil {
		t.Fatalf("Modify: %v", err)
	}

	out := make([]byte, 1000)
	if _, err := fs.Read(fd, 0, out); err != nil {
		t.Fatalf("Read: %v", err)
	}
	want := append([]byte(nil), orig...)
	want[50] = 0xAA
	if !bytes.Equal(out, want) {
		t.Fatal("modify round trip mismatch")
	}
}

// TestTruncateIdempotent covers spec.md §8's R3.
func TestTruncateIdempotent(t *testing.T) {
	hal := NewMemHAL(1 << 20)
	fs := mustInit(t, hal, testConfig())

	fd, err := fs.Create("e", 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := fs.Append(fd, make([]byte, 1000)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := fs.Truncate(fd, 400, false); err != nil {
		t.Fatalf("Truncate 1: %v", err)
	}
	if err := fs.Truncate(fd, 400, false); err != nil {
		t.Fatalf("Truncate 2: %v", err)
	}
	if fs.fds[fd-1].size != 400 {
		t.Fatalf("size = %d, want 400", fs.fds[fd-1].size)
	}
}

// TestTruncateAlignedBoundary exercises spec.md §9's Open Question #2:
// truncating from a size that is an exact multiple of dataPageSize.
func TestTruncateAlignedBoundary(t *testing.T) {
	hal := NewMemHAL(1 << 20)
	fs := mustInit(t, hal, testConfig())
	geo := fs.geo

	fd, err := fs.Create("f", 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	full := 2 * geo.DataPageSize
	if _, err := fs.Append(fd, make([]byte, full)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := fs.Truncate(fd, geo.DataPageSize, false); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	if fs.fds[fd-1].size != geo.DataPageSize {
		t.Fatalf("size = %d, want %d", fs.fds[fd-1].size, geo.DataPageSize)
	}
}

// TestReadPastEndReturnsEndOfObject covers spec.md §8's B1.
func TestReadPastEndReturnsEndOfObject(t *testing.T) {
	hal := NewMemHAL(1 << 20)
	fs := mustInit(t, hal, testConfig())

	fd, err := fs.Create("g", 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := fs.Append(fd, []byte("hi")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	_, err = fs.Read(fd, 2, make([]byte, 1))
	if err == nil {
		t.Fatal("expected ErrEndOfObject")
	}
	oe, ok := err.(*OpError)
	if !ok || oe.Code != ErrEndOfObject {
		t.Fatalf("err = %v, want ErrEndOfObject", err)
	}
}

// TestAppendExactIndexBoundary exercises spec.md §9's Open Question #1:
// the very first span transition of a call landing exactly on a new
// index-page-span boundary is treated as allocate-new, not ErrNotFound.
func TestAppendExactIndexBoundary(t *testing.T) {
	hal := NewMemHAL(1 << 20)
	fs := mustInit(t, hal, testConfig())
	geo := fs.geo

	fd, err := fs.Create("h", 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	// Fill exactly up to the header's inline capacity so the next append
	// starts precisely at the first non-header index-page span.
	headerSpan := int(geo.objIdxHdrEntries) * int(geo.DataPageSize)
	if _, err := fs.Append(fd, make([]byte, headerSpan)); err != nil {
		t.Fatalf("Append (fill header): %v", err)
	}
	if _, err := fs.Append(fd, []byte("spills into a new index page")); err != nil {
		t.Fatalf("Append (spill): %v", err)
	}
	if got, want := fs.fds[fd-1].size, uint32(headerSpan)+uint32(len("spills into a new index page")); got != want {
		t.Fatalf("size = %d, want %d", got, want)
	}
}

// TestCreateConflictingName covers find_header_by_name's use in Create.
func TestCreateConflictingName(t *testing.T) {
	hal := NewMemHAL(1 << 20)
	fs := mustInit(t, hal, testConfig())

	if _, err := fs.Create("dup", 0); err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, err := fs.Create("dup", 0)
	oe, ok := err.(*OpError)
	if !ok || oe.Code != ErrConflictingName {
		t.Fatalf("err = %v, want ErrConflictingName", err)
	}
}

// TestRemountReadsBackMultiIndexPageObject covers the remount half of
// spec.md §8's scenario S3: an object large enough to need a non-header
// index page is appended, and a fresh mount over the same store must read
// back its size and bytes. No power loss is injected here.
func TestRemountReadsBackMultiIndexPageObject(t *testing.T) {
	hal := NewMemHAL(1 << 20)
	fs := mustInit(t, hal, testConfig())
	geo := fs.geo

	fd, err := fs.Create("big", 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	// Enough data to need at least one non-header index page.
	big := make([]byte, int(geo.objIdxHdrEntries)*int(geo.DataPageSize)+3*int(geo.DataPageSize))
	for i := range big {
		big[i] = byte(i)
	}
	if _, err := fs.Append(fd, big); err != nil {
		t.Fatalf("Append: %v", err)
	}
	preCrashSize := fs.fds[fd-1].size

	out := make([]byte, preCrashSize)
	if _, err := fs.Read(fd, 0, out); err != nil {
		t.Fatalf("Read after append: %v", err)
	}
	if !bytes.Equal(out, big) {
		t.Fatal("pre-crash data mismatch")
	}

	// Remount a fresh FS instance over the same backing store (simulating
	// reboot) and confirm the object still reads back at its pre-crash
	// size — the mount-time free-block recount is the only recovery step
	// spec.md §7 requires.
	fs2 := mustInit(t, hal, testConfig())
	fd2, err := fs2.FindByName("big")
	if err != nil {
		t.Fatalf("FindByName after remount: %v", err)
	}
	if fs2.fds[fd2-1].size != preCrashSize {
		t.Fatalf("post-remount size = %d, want %d", fs2.fds[fd2-1].size, preCrashSize)
	}
	out2 := make([]byte, preCrashSize)
	if _, err := fs2.Read(fd2, 0, out2); err != nil {
		t.Fatalf("Read after remount: %v", err)
	}
	if !bytes.Equal(out2, big) {
		t.Fatal("post-remount data mismatch")
	}
}

// TestCrashDuringAppendLeavesPriorStateReadable exercises a genuine
// power-loss injection: crashHAL starts failing Write partway through a
// second append, and the object must still read back its first append's
// bytes unchanged after the crash, per spec.md §7's "last unfinished
// write is discarded" guarantee.
func TestCrashDuringAppendLeavesPriorStateReadable(t *testing.T) {
	hal := NewMemHAL(1 << 20)
	fs := mustInit(t, hal, testConfig())

	fd, err := fs.Create("crashme", 0)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	first := []byte("durable bytes")
	if _, err := fs.Append(fd, first); err != nil {
		t.Fatalf("Append 1: %v", err)
	}

	cHAL := &crashHAL{HAL: hal, writeBudget: 4}
	fsCrash := &FS{hal: cHAL, geo: fs.geo, cfg: fs.cfg, log: fs.log, freeBlocks: fs.freeBlocks,
		freeCursorBlock: fs.freeCursorBlock, freeCursorEntry: fs.freeCursorEntry,
		work: make([]byte, fs.cfg.LogPageSize), luWork: make([]byte, fs.cfg.LogPageSize),
		fds: make([]*fileDescriptor, fs.cfg.MaxOpenFiles)}
	crashFD, err := fsCrash.OpenByID(fs.fds[fd-1].objID)
	if err != nil {
		t.Fatalf("OpenByID on crash instance: %v", err)
	}
	_, _ = fsCrash.Append(crashFD, []byte(" more data that will not all land"))

	fs2 := mustInit(t, hal, testConfig())
	fd2, err := fs2.FindByName("crashme")
	if err != nil {
		t.Fatalf("FindByName after crash: %v", err)
	}
	out := make([]byte, len(first))
	if n, err := fs2.Read(fd2, 0, out); err != nil || n != len(first) {
		t.Fatalf("Read after crash: n=%d err=%v", n, err)
	}
	if !bytes.Equal(out, first) {
		t.Fatal("pre-crash bytes corrupted by interrupted second append")
	}
}
