package memindex

import (
	"path/filepath"
	"testing"

	"waddlekv/internal/codec"
)

func testKey(b byte) codec.Key {
	var k codec.Key
	k[0] = b
	return k
}

func TestConcurrentIndexBasicOps(t *testing.T) {
	ix := NewConcurrent()
	defer ix.Close()

	k := testKey(1)
	item := codec.OpItem{Op: codec.OpAdd, Key: k, Segment: 1, Offset: 10, Length: 5}

	if _, ok, _ := ix.Get(k); ok {
		t.Fatal("expected miss before insert")
	}
	if _, had, _ := ix.Put(k, item); had {
		t.Fatal("expected no previous value")
	}
	got, ok, _ := ix.Get(k)
	if !ok || got != item {
		t.Fatalf("Get = %+v, %v; want %+v, true", got, ok, item)
	}
	if ix.Size() != 1 {
		t.Fatalf("Size = %d, want 1", ix.Size())
	}

	removed, ok, _ := ix.Remove(k)
	if !ok || removed != item {
		t.Fatalf("Remove = %+v, %v; want %+v, true", removed, ok, item)
	}
	if ix.Size() != 0 {
		t.Fatalf("Size after remove = %d, want 0", ix.Size())
	}
}

func TestLRUEvictsToSpillAndReloads(t *testing.T) {
	// Every "record" has length 5 regardless of offset, for this resolver.
	resolve := func(segment uint32, offset uint32) (uint32, error) {
		return 5, nil
	}

	ix, err := NewLRU(2, filepath.Join(t.TempDir(), "spill"), 4, resolve)
	if err != nil {
		t.Fatalf("NewLRU: %v", err)
	}
	defer ix.Close()

	k1, k2, k3 := testKey(1), testKey(2), testKey(3)
	ix.Put(k1, codec.OpItem{Segment: 1, Offset: 1, Length: 5})
	ix.Put(k2, codec.OpItem{Segment: 1, Offset: 2, Length: 5})
	// Third insert should evict k1 (oldest) to the spill file.
	ix.Put(k3, codec.OpItem{Segment: 1, Offset: 3, Length: 5})

	got, ok, err := ix.Get(k1)
	if err != nil {
		t.Fatalf("Get(k1): %v", err)
	}
	if !ok {
		t.Fatal("k1 should still be found after eviction, via spill")
	}
	if got.Segment != 1 || got.Offset != 1 || got.Length != 5 {
		t.Errorf("Get(k1) = %+v, unexpected", got)
	}

	if ix.Size() != 3 {
		t.Fatalf("Size = %d, want 3", ix.Size())
	}
}

func TestLRURemoveFromSpill(t *testing.T) {
	resolve := func(segment uint32, offset uint32) (uint32, error) { return 7, nil }

	ix, err := NewLRU(1, filepath.Join(t.TempDir(), "spill"), 4, resolve)
	if err != nil {
		t.Fatalf("NewLRU: %v", err)
	}
	defer ix.Close()

	k1, k2 := testKey(1), testKey(2)
	ix.Put(k1, codec.OpItem{Segment: 1, Offset: 1, Length: 7})
	ix.Put(k2, codec.OpItem{Segment: 1, Offset: 2, Length: 7}) // evicts k1

	removed, ok, err := ix.Remove(k1)
	if err != nil || !ok {
		t.Fatalf("Remove(k1) = %+v, %v, %v", removed, ok, err)
	}
	if _, ok, _ := ix.Get(k1); ok {
		t.Fatal("k1 should be gone after Remove")
	}
}

func TestPutAllBulkLoad(t *testing.T) {
	resolve := func(segment uint32, offset uint32) (uint32, error) { return 1, nil }
	ix, err := NewLRU(10, filepath.Join(t.TempDir(), "spill"), 4, resolve)
	if err != nil {
		t.Fatalf("NewLRU: %v", err)
	}
	defer ix.Close()

	items := map[codec.Key]codec.OpItem{
		testKey(1): {Segment: 1, Offset: 1, Length: 1},
		testKey(2): {Segment: 1, Offset: 2, Length: 1},
	}
	if err := ix.PutAll(items); err != nil {
		t.Fatalf("PutAll: %v", err)
	}
	if ix.Size() != 2 {
		t.Fatalf("Size = %d, want 2", ix.Size())
	}
}
