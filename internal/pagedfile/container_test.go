package pagedfile

import (
	"bytes"
	"testing"
)

func TestAppendGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir, MinChunkCapacity)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	records := [][]byte{
		[]byte("hello"),
		[]byte("world"),
		bytes.Repeat([]byte{0xAB}, 64),
	}

	var offsets []int64
	for _, r := range records {
		off, err := c.Append(r)
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		offsets = append(offsets, off)
	}

	for i, r := range records {
		got, err := c.Get(offsets[i], len(r))
		if err != nil {
			t.Fatalf("Get(%d): %v", offsets[i], err)
		}
		if !bytes.Equal(got, r) {
			t.Errorf("record %d: got %q, want %q", i, got, r)
		}
	}
}

func TestRollsToNewChunkOnOverflow(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir, MinChunkCapacity)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	record := bytes.Repeat([]byte{0x01}, 100)
	n := 0
	for i := 0; i < MinChunkCapacity; i++ {
		if _, err := c.Append(record); err != nil {
			t.Fatalf("Append #%d: %v", i, err)
		}
		n++
		if len(c.chunks) > 1 {
			break
		}
	}

	if len(c.chunks) < 2 {
		t.Fatalf("expected rollover to a second chunk after %d appends, still have %d chunk(s)", n, len(c.chunks))
	}
}

func TestTruncateDropsNewerChunksAndReopens(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir, MinChunkCapacity)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer c.Close()

	record := bytes.Repeat([]byte{0x02}, 200)
	var offsets []int64
	for i := 0; i < 30; i++ {
		off, err := c.Append(record)
		if err != nil {
			t.Fatalf("Append #%d: %v", i, err)
		}
		offsets = append(offsets, off)
	}
	if len(c.chunks) < 2 {
		t.Fatal("test setup expected multiple chunks")
	}

	cutIdx := len(offsets) / 2
	cut := offsets[cutIdx]

	if err := c.Truncate(cut); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	for i := 0; i < cutIdx; i++ {
		if _, err := c.Get(offsets[i], len(record)); err != nil {
			t.Errorf("record %d should survive truncate: %v", i, err)
		}
	}

	if _, err := c.Get(cut, len(record)); err == nil {
		t.Errorf("record at truncation point should no longer be readable")
	}

	// Container should accept new appends right after the truncation point.
	if off, err := c.Append([]byte("resumed")); err != nil {
		t.Fatalf("Append after truncate: %v", err)
	} else if off != cut {
		t.Errorf("append after truncate should resume at %d, got %d", cut, off)
	}
}

func TestReopenRecoversChunkLayout(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir, MinChunkCapacity)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	record := bytes.Repeat([]byte{0x03}, 150)
	var offsets []int64
	for i := 0; i < 40; i++ {
		off, err := c.Append(record)
		if err != nil {
			t.Fatalf("Append #%d: %v", i, err)
		}
		offsets = append(offsets, off)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	c2, err := Open(dir, MinChunkCapacity)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer c2.Close()

	for i, off := range offsets {
		got, err := c2.Get(off, len(record))
		if err != nil {
			t.Fatalf("Get after reopen, record %d: %v", i, err)
		}
		if !bytes.Equal(got, record) {
			t.Errorf("record %d mismatch after reopen", i)
		}
	}
}
