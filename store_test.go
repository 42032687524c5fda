package waddlekv

import (
	"crypto/md5"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"waddlekv/internal/codec"
)

func md5Key(s string) [16]byte {
	return md5.Sum([]byte(s))
}

func openTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	if cfg.Path == "" {
		cfg.Path = t.TempDir()
	}
	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGet(t *testing.T) {
	s := openTestStore(t, Config{})
	key := md5Key("hello")

	if err := s.AddSync(key, []byte("world")); err != nil {
		t.Fatalf("AddSync: %v", err)
	}
	got, ok, err := s.Get(key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok || string(got) != "world" {
		t.Errorf("Get = %q, %v, want %q, true", got, ok, "world")
	}
	if s.Size() != 1 {
		t.Errorf("Size = %d, want 1", s.Size())
	}
}

func TestRemove(t *testing.T) {
	s := openTestStore(t, Config{})
	key := md5Key("hello")

	if err := s.AddSync(key, []byte("world")); err != nil {
		t.Fatalf("AddSync: %v", err)
	}
	had, err := s.RemoveSync(key)
	if err != nil {
		t.Fatalf("RemoveSync: %v", err)
	}
	if !had {
		t.Error("RemoveSync reported key absent")
	}
	if _, ok, err := s.Get(key); err != nil || ok {
		t.Errorf("Get after remove = ok=%v err=%v, want ok=false", ok, err)
	}
	if s.Size() != 0 {
		t.Errorf("Size after remove = %d, want 0", s.Size())
	}
}

func TestUpdate(t *testing.T) {
	s := openTestStore(t, Config{})
	key := md5Key("hello")

	if err := s.AddSync(key, []byte("world")); err != nil {
		t.Fatalf("AddSync: %v", err)
	}
	sizeBefore := s.Size()

	ok, err := s.Update(key, []byte("updated value"))
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if !ok {
		t.Fatal("Update reported key absent")
	}
	got, found, err := s.Get(key)
	if err != nil || !found {
		t.Fatalf("Get after update: found=%v err=%v", found, err)
	}
	if string(got) != "updated value" {
		t.Errorf("Get after update = %q, want %q", got, "updated value")
	}
	if s.Size() != sizeBefore {
		t.Errorf("Size changed by update: before=%d after=%d", sizeBefore, s.Size())
	}
}

func TestUpdateMissingKeyReturnsFalse(t *testing.T) {
	s := openTestStore(t, Config{})
	ok, err := s.Update(md5Key("missing"), []byte("x"))
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if ok {
		t.Error("Update on missing key returned true")
	}
}

func TestSegmentRollover(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, Config{Path: dir, FileSize: 64 << 10, MaxBatchSize: 4 << 10})

	const n = 10000
	keys := make([][16]byte, n)
	for i := 0; i < n; i++ {
		keys[i] = md5Key(fmt.Sprintf("key-%d", i))
		if err := s.AddSync(keys[i], []byte("0123456789")); err != nil {
			t.Fatalf("AddSync %d: %v", i, err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	dataDirs := 0
	for _, e := range entries {
		if e.IsDir() {
			dataDirs++
		}
	}
	if dataDirs < 2 {
		t.Errorf("data directories = %d, want at least 2 (rollover should have occurred)", dataDirs)
	}

	for i, k := range keys {
		got, ok, err := s.Get(k)
		if err != nil || !ok {
			t.Fatalf("Get key %d: ok=%v err=%v", i, ok, err)
		}
		if string(got) != "0123456789" {
			t.Errorf("Get key %d = %q, want %q", i, got, "0123456789")
		}
	}
}

func TestCloseReopenRecoversIndex(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Path: dir, Name: "recov", FileSize: 64 << 10}

	s1, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	keys := make([][16]byte, 50)
	for i := range keys {
		keys[i] = md5Key(fmt.Sprintf("recov-%d", i))
		if err := s1.AddSync(keys[i], []byte("value")); err != nil {
			t.Fatalf("AddSync %d: %v", i, err)
		}
	}
	if _, err := s1.RemoveSync(keys[0]); err != nil {
		t.Fatalf("RemoveSync: %v", err)
	}
	wantSize := s1.Size()
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	if s2.Size() != wantSize {
		t.Errorf("Size after reopen = %d, want %d", s2.Size(), wantSize)
	}
	if _, ok, _ := s2.Get(keys[0]); ok {
		t.Error("removed key reappeared after reopen")
	}
	for _, k := range keys[1:] {
		if _, ok, err := s2.Get(k); err != nil || !ok {
			t.Errorf("Get after reopen: ok=%v err=%v", ok, err)
		}
	}
}

func TestReopenKeepsLatestRevisionOfReaddedKey(t *testing.T) {
	dir := t.TempDir()
	cfg := Config{Path: dir, Name: "heal", FileSize: 256}

	s1, err := Open(cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	key := md5Key("heal-me")
	if err := s1.AddSync(key, []byte("first revision of the value")); err != nil {
		t.Fatalf("AddSync: %v", err)
	}
	if err := s1.AddSync(key, []byte("second revision, different segment maybe")); err != nil {
		t.Fatalf("AddSync: %v", err)
	}
	wantValue, _, _ := s1.Get(key)
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := Open(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	got, ok, err := s2.Get(key)
	if err != nil || !ok {
		t.Fatalf("Get after reopen: ok=%v err=%v", ok, err)
	}
	if string(got) != string(wantValue) {
		t.Errorf("Get after reopen = %q, want %q", got, wantValue)
	}
	if s2.Size() != 1 {
		t.Errorf("Size after reopen = %d, want 1", s2.Size())
	}
}

func TestCompactionRemovesAgedKey(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, Config{Path: dir, Name: "compact", FileSize: 128})
	s.SetIntervalForRemove(0)
	s.SetIntervalForCompact(0)

	key := md5Key("old-key")
	if err := s.AddSync(key, []byte("value that will be aged out")); err != nil {
		t.Fatalf("AddSync: %v", err)
	}
	// Backdate the key's last-modified time so Check() treats it as aged.
	s.setLastMod(codec.Key(key), time.Now().Add(-24*time.Hour))

	s.Check()

	if _, ok, _ := s.Get(key); ok {
		t.Error("aged key survived a compaction pass with IntervalForRemove=0")
	}
}

func TestVerifyIntegrityCleanAfterWrites(t *testing.T) {
	s := openTestStore(t, Config{})
	for i := 0; i < 20; i++ {
		if err := s.AddSync(md5Key(fmt.Sprintf("vi-%d", i)), []byte("v")); err != nil {
			t.Fatalf("AddSync %d: %v", i, err)
		}
	}
	report, err := s.VerifyIntegrity()
	if err != nil {
		t.Fatalf("VerifyIntegrity: %v", err)
	}
	if !report.Clean() {
		t.Errorf("report not clean: orphans=%v drift=%v", report.OrphanedKeys, report.RefcountDrift)
	}
	if report.KeysChecked != 20 {
		t.Errorf("KeysChecked = %d, want 20", report.KeysChecked)
	}
}

func TestStatsReflectsSegments(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, Config{Path: dir})
	if err := s.AddSync(md5Key("x"), []byte("y")); err != nil {
		t.Fatalf("AddSync: %v", err)
	}
	stats := s.Stats()
	if stats.Path != dir {
		t.Errorf("Stats.Path = %q, want %q", stats.Path, dir)
	}
	if len(stats.Segments) == 0 {
		t.Error("Stats.Segments empty")
	}
	if stats.IndexSize != 1 {
		t.Errorf("Stats.IndexSize = %d, want 1", stats.IndexSize)
	}
}

func TestIterateKeysSnapshot(t *testing.T) {
	s := openTestStore(t, Config{})
	want := map[[16]byte]bool{}
	for i := 0; i < 10; i++ {
		k := md5Key(fmt.Sprintf("iter-%d", i))
		want[k] = true
		if err := s.AddSync(k, []byte("v")); err != nil {
			t.Fatalf("AddSync %d: %v", i, err)
		}
	}

	it := s.IterateKeys()
	seen := map[[16]byte]bool{}
	for {
		k, ok := it.Next()
		if !ok {
			break
		}
		seen[k] = true
	}
	if len(seen) != len(want) {
		t.Fatalf("iterated %d keys, want %d", len(seen), len(want))
	}
	for k := range want {
		if !seen[k] {
			t.Errorf("missing key %x from iteration", k)
		}
	}
}

func TestInvalidArgumentRejectsEmptyValue(t *testing.T) {
	s := openTestStore(t, Config{})
	err := s.AddSync(md5Key("empty"), nil)
	if err == nil {
		t.Fatal("expected error for empty value")
	}
	se, ok := err.(*StoreError)
	if !ok || se.Kind != KindInvalidArgument {
		t.Errorf("err = %v, want KindInvalidArgument", err)
	}
}

func TestCheckpointFilePersisted(t *testing.T) {
	dir := t.TempDir()
	s := openTestStore(t, Config{Path: dir, Name: "cp"})
	if err := s.AddSync(md5Key("a"), []byte("b")); err != nil {
		t.Fatalf("AddSync: %v", err)
	}
	if err := s.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "cp_checkpoint")); err != nil {
		t.Errorf("checkpoint file missing: %v", err)
	}
}
