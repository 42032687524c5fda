package segment

import (
	"bytes"
	"os"
	"testing"

	"waddlekv/internal/codec"
)

func TestAppendReadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "store", 1, false, false, false, 64<<20)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	value := []byte("world")
	offset, storedLen, err := s.Append(value)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	got, err := s.Read(offset, storedLen)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, value) {
		t.Errorf("Read = %q, want %q", got, value)
	}
}

func TestValueLengthAtRecoversLength(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "store", 1, false, true, false, 64<<20)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	value := []byte("hello world")
	offset, _, err := s.Append(value)
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	length, err := s.ValueLengthAt(offset)
	if err != nil {
		t.Fatalf("ValueLengthAt: %v", err)
	}
	if int(length) != len(value) {
		t.Errorf("ValueLengthAt = %d, want %d", length, len(value))
	}
}

func TestAppendLogAndReadBack(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "store", 1, false, false, false, 64<<20)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	var key codec.Key
	copy(key[:], []byte("0123456789abcdef"))
	item := codec.OpItem{Op: codec.OpAdd, Key: key, Segment: 1, Offset: 8, Length: 5}

	if err := s.AppendLog(item); err != nil {
		t.Fatalf("AppendLog: %v", err)
	}

	got, err := s.ReadLogAt(0)
	if err != nil {
		t.Fatalf("ReadLogAt: %v", err)
	}
	if got != item {
		t.Errorf("ReadLogAt = %+v, want %+v", got, item)
	}
	if s.LogLength() != codec.OpItemBytes {
		t.Errorf("LogLength = %d, want %d", s.LogLength(), codec.OpItemBytes)
	}
}

func TestRefcountLifecycle(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "store", 1, false, false, false, 64<<20)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if !s.IsUnused() {
		t.Fatal("fresh segment should be unused")
	}
	s.Increment()
	if s.IsUnused() {
		t.Fatal("segment with refcount 1 should not be unused")
	}
	s.Decrement()
	if !s.IsUnused() {
		t.Fatal("segment with refcount 0 should be unused again")
	}
}

func TestDeleteRemovesBothFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, "store", 1, false, false, false, 64<<20)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	dp, lp := s.DataPath(), s.LogPath()

	if err := s.Delete(); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, err := Open(dir, "store", 99, false, false, false, 64<<20); err != nil {
		t.Fatalf("sanity reopen of a fresh segment failed: %v", err)
	}

	for _, p := range []string{dp, lp} {
		if _, err := os.Stat(p); err == nil {
			t.Errorf("expected %s to be removed", p)
		}
	}
}
