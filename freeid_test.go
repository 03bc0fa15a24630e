// Copyright 2013 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package flashfs

import "testing"

// TestFreeIDBitmapPass covers spec.md §4.8's bitmap pass directly: seed a
// few header pages with known ids, then confirm the id it returns for a
// small range is non-zero and not held by any live object.
func TestFreeIDBitmapPass(t *testing.T) {
	hal := NewMemHAL(1 << 20)
	fs := mustInit(t, hal, testConfig())

	for _, n := range []string{"a", "b", "c"} {
		if _, err := fs.Create(n, 0); err != nil {
			t.Fatalf("Create(%q): %v", n, err)
		}
	}

	id, err := fs.freeIDBitmapPass(1, 64)
	if err != nil {
		t.Fatalf("freeIDBitmapPass: %v", err)
	}
	if id == 0 {
		t.Fatalf("freeIDBitmapPass returned 0, which is never a valid object id")
	}

	// The returned id must not collide with any live object's id.
	info, err := fs.ListObjects()
	if err != nil {
		t.Fatalf("ListObjects: %v", err)
	}
	for _, o := range info {
		if o.ID == id {
			t.Fatalf("freeIDBitmapPass returned %d, which collides with live object %q", id, o.Name)
		}
	}
}

// TestFreeIDCompactionPass covers spec.md §4.8's compaction pass: a range
// wide enough that freeIDSearch would dispatch to it directly, exercised
// here by calling it directly with a synthetic wide range (independent of
// whatever LogPageSize*8 cutoff the real geometry happens to produce).
func TestFreeIDCompactionPass(t *testing.T) {
	hal := NewMemHAL(1 << 20)
	fs := mustInit(t, hal, testConfig())

	for _, n := range []string{"a", "b", "c", "d"} {
		if _, err := fs.Create(n, 0); err != nil {
			t.Fatalf("Create(%q): %v", n, err)
		}
	}

	id, err := fs.freeIDCompactionPass(1, 1<<20)
	if err != nil {
		t.Fatalf("freeIDCompactionPass: %v", err)
	}
	if id == 0 {
		t.Fatalf("freeIDCompactionPass returned 0, which is never a valid object id")
	}

	info, err := fs.ListObjects()
	if err != nil {
		t.Fatalf("ListObjects: %v", err)
	}
	for _, o := range info {
		if o.ID == id {
			t.Fatalf("freeIDCompactionPass returned %d, which collides with live object %q", id, o.Name)
		}
	}
}

// TestAllocObjIDNoCollision covers spec.md §8's R4: repeatedly create and
// delete objects, then confirm allocObjID never hands back an id already
// borne by a still-live object.
func TestAllocObjIDNoCollision(t *testing.T) {
	hal := NewMemHAL(1 << 20)
	fs := mustInit(t, hal, testConfig())

	var liveNames []string
	for i := 0; i < 10; i++ {
		fd, err := fs.Create(string(rune('a'+i)), 0)
		if err != nil {
			t.Fatalf("Create iteration %d: %v", i, err)
		}
		liveNames = append(liveNames, string(rune('a'+i)))
		if i%3 == 0 {
			if err := fs.Truncate(fd, 0, true); err != nil {
				t.Fatalf("Truncate/remove iteration %d: %v", i, err)
			}
			liveNames = liveNames[:len(liveNames)-1]
		}
		if err := fs.CloseFD(fd); err != nil {
			t.Fatalf("CloseFD iteration %d: %v", i, err)
		}
	}

	id, err := fs.allocObjID()
	if err != nil {
		t.Fatalf("allocObjID: %v", err)
	}

	info, err := fs.ListObjects()
	if err != nil {
		t.Fatalf("ListObjects: %v", err)
	}
	if len(info) != len(liveNames) {
		t.Fatalf("live object count = %d, want %d", len(info), len(liveNames))
	}
	for _, o := range info {
		if o.ID == id {
			t.Fatalf("allocObjID returned %d, which collides with live object %q", id, o.Name)
		}
	}
}
