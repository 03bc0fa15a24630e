// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package flashfs

import (
	"testing"

	"github.com/cznic/sortutil"
)

// TestGCScoreBlock covers spec.md §4.7's per-block scoring directly against
// a hand-populated lookup table: one ERASED (deleted) slot and two used
// slots, every other slot left at its FREE default.
func TestGCScoreBlock(t *testing.T) {
	hal := NewMemHAL(1 << 20)
	fs := mustInit(t, hal, testConfig())

	b := BlockIx(3)
	erased := make([]byte, entryIDSize) // zero == ObjIDErased
	if err := fs.hal.Write(fs.geo.lookupEntryAddr(b, 0), erased); err != nil {
		t.Fatalf("seed erased entry: %v", err)
	}
	used := make([]byte, entryIDSize)
	putBeUint16(used, 0x1234)
	if err := fs.hal.Write(fs.geo.lookupEntryAddr(b, 1), used); err != nil {
		t.Fatalf("seed used entry 1: %v", err)
	}
	putBeUint16(used, 0x1235)
	if err := fs.hal.Write(fs.geo.lookupEntryAddr(b, 2), used); err != nil {
		t.Fatalf("seed used entry 2: %v", err)
	}

	deleted, usedCount, err := fs.gcScoreBlock(b)
	if err != nil {
		t.Fatalf("gcScoreBlock: %v", err)
	}
	if deleted != 1 || usedCount != 2 {
		t.Fatalf("gcScoreBlock(%d) = (%d, %d), want (1, 2)", b, deleted, usedCount)
	}
}

// TestGCCandidateOrdering covers spec.md §4.7's capped, descending-order
// candidate table. gcInsertCandidate builds the table incrementally; this
// independently re-sorts the full unbounded input with cznic/sortutil and
// checks the incremental result matches the top gcCandidateCap entries of
// that sort — per SPEC_FULL.md §10's plan to keep the sort dependency
// test-only rather than wiring it into production code.
func TestGCCandidateOrdering(t *testing.T) {
	raw := []int32{40, 10, 90, 90, -5, 30, 100, 0, 60, 15, 77, 2}
	const cap = 4

	var cands []gcCandidate
	for i, score := range raw {
		cands = gcInsertCandidate(cands, gcCandidate{block: BlockIx(i), score: score}, cap)
	}
	if uint32(len(cands)) != cap {
		t.Fatalf("len(cands) = %d, want %d", len(cands), cap)
	}
	for i := 1; i < len(cands); i++ {
		if cands[i-1].score < cands[i].score {
			t.Fatalf("cands not descending at %d: %+v", i, cands)
		}
	}

	sorted := append([]int32(nil), raw...)
	sortutil.Int32Slice(sorted).Sort()
	// sortutil sorts ascending; reverse in place for the descending
	// comparison the candidate table maintains.
	for i, j := 0, len(sorted)-1; i < j; i, j = i+1, j-1 {
		sorted[i], sorted[j] = sorted[j], sorted[i]
	}
	want := sorted[:cap]
	for i, c := range cands {
		if c.score != want[i] {
			t.Fatalf("cands[%d].score = %d, want %d (full order %v)", i, c.score, want[i], sorted)
		}
	}
}

// TestGCCheckReclaimsGarbage covers spec.md §8's scenario B2: once
// free_blocks drops to the trigger threshold, gcCheck must either recover
// at least one block or fail with ErrFull — never silently leave
// free_blocks stuck at or below the threshold without trying.
func TestGCCheckReclaimsGarbage(t *testing.T) {
	hal := NewMemHAL(1 << 20)
	fs := mustInit(t, hal, testConfig())

	// Churn: repeatedly create an object, append a few pages worth of
	// data, then delete it, leaving behind reclaimable garbage blocks.
	// This burns through free blocks (forcing gcCheck to trigger deep
	// into the run) while guaranteeing there is garbage for it to find.
	// Each iteration allocates four pages (header plus three data pages),
	// and gc only triggers once 14 of the 16 blocks have been entered
	// (about 3300 pages), so the churn must run well past 825 iterations.
	payload := make([]byte, 3*fs.geo.DataPageSize)
	for i := range payload {
		payload[i] = byte(i)
	}
	for i := 0; i < 1000; i++ {
		fd, err := fs.Create("churn", 0)
		if err != nil {
			if oe, ok := err.(*OpError); ok && oe.Code == ErrFull {
				break // acceptable per B2: gc tried and the device is genuinely full
			}
			t.Fatalf("Create iteration %d: %v", i, err)
		}
		if _, err := fs.Append(fd, payload); err != nil {
			t.Fatalf("Append iteration %d: %v", i, err)
		}
		if err := fs.Truncate(fd, 0, true); err != nil {
			t.Fatalf("Truncate/remove iteration %d: %v", i, err)
		}
		if err := fs.CloseFD(fd); err != nil {
			t.Fatalf("CloseFD iteration %d: %v", i, err)
		}
	}

	if fs.freeBlocks == 0 {
		t.Fatalf("freeBlocks = 0 after churn with reclaimable garbage; gc should have recovered space")
	}
	if fs.gcRuns == 0 {
		t.Fatalf("gcRuns = 0; expected gcCheck to have triggered at least once during churn")
	}
}

// TestFreeBlocksInvariant covers spec.md §8's P4: fs.freeBlocks always
// matches a fresh recount from the lookup tables (invariant I6), including
// after a gc cycle has erased and reclaimed blocks.
func TestFreeBlocksInvariant(t *testing.T) {
	hal := NewMemHAL(1 << 20)
	fs := mustInit(t, hal, testConfig())

	// Enough churn (four pages an iteration) to push free_blocks down to
	// the gc trigger, as in TestGCCheckReclaimsGarbage.
	payload := make([]byte, 3*fs.geo.DataPageSize)
	for i := 0; i < 1000; i++ {
		fd, err := fs.Create("churn", 0)
		if err != nil {
			if oe, ok := err.(*OpError); ok && oe.Code == ErrFull {
				break
			}
			t.Fatalf("Create iteration %d: %v", i, err)
		}
		if _, err := fs.Append(fd, payload); err != nil {
			t.Fatalf("Append iteration %d: %v", i, err)
		}
		if err := fs.Truncate(fd, 0, true); err != nil {
			t.Fatalf("Truncate/remove iteration %d: %v", i, err)
		}
		if err := fs.CloseFD(fd); err != nil {
			t.Fatalf("CloseFD iteration %d: %v", i, err)
		}
	}

	want := fs.freeBlocks
	if err := fs.countFreeBlocks(); err != nil {
		t.Fatalf("countFreeBlocks: %v", err)
	}
	if fs.freeBlocks != want {
		t.Fatalf("freeBlocks drifted: tracked %d, recounted %d", want, fs.freeBlocks)
	}
}
