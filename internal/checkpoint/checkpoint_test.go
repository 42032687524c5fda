package checkpoint

import (
	"path/filepath"
	"testing"

	"waddlekv/internal/codec"
)

func TestOpenMissingStartsAtZero(t *testing.T) {
	c, err := Open(filepath.Join(t.TempDir(), "checkpoint"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	seg, off := c.Position()
	if seg != 0 || off != 0 {
		t.Errorf("Position = (%d, %d), want (0, 0)", seg, off)
	}
}

func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint")
	c, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	c.Update(3, 4096)
	var key codec.Key
	copy(key[:], []byte("0123456789abcdef"))
	c.SetLastSeen(key, Location{Segment: 3, Offset: 4096})

	if err := c.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	c2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	seg, off := c2.Position()
	if seg != 3 || off != 4096 {
		t.Errorf("Position after reload = (%d, %d), want (3, 4096)", seg, off)
	}
	loc, ok := c2.LastSeenOf(key)
	if !ok || loc != (Location{Segment: 3, Offset: 4096}) {
		t.Errorf("LastSeenOf after reload = %+v, %v", loc, ok)
	}
}

func TestDropKey(t *testing.T) {
	c, err := Open(filepath.Join(t.TempDir(), "checkpoint"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	var key codec.Key
	key[0] = 1
	c.SetLastSeen(key, Location{Segment: 1, Offset: 1})
	c.DropKey(key)
	if _, ok := c.LastSeenOf(key); ok {
		t.Error("expected key to be dropped")
	}
}
