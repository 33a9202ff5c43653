package blob

import (
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"
)

func tempStore(t *testing.T) *Store {
	t.Helper()
	dir, err := ioutil.TempDir("", "blob-test-")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	s, err := Open(filepath.Join(dir, "data"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestStoreReadWrite(t *testing.T) {
	s := tempStore(t)

	path := "/data/input/sample.txt"
	if s.Exists(path) {
		t.Fatalf("%s should not exist yet", path)
	}
	if err := s.Write(path, []byte("a\nb\nc\n")); err != nil {
		t.Fatal(err)
	}
	if !s.Exists(path) {
		t.Fatalf("%s should exist after write", path)
	}
	lines, err := s.ReadLines(path)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(lines, []string{"a", "b", "c"}) {
		t.Fatalf("ReadLines = %v", lines)
	}
}

func TestStoreReadLinesEmpty(t *testing.T) {
	s := tempStore(t)
	if err := s.Write("/data/input/empty.txt", nil); err != nil {
		t.Fatal(err)
	}
	lines, err := s.ReadLines("/data/input/empty.txt")
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 0 {
		t.Fatalf("empty blob produced %d lines", len(lines))
	}
}

func TestStoreRename(t *testing.T) {
	s := tempStore(t)

	final := "/data/intermediate/job1/map-0-reduce-0.pb"
	tmp := TempPath(final, "attempt-1")
	if err := s.Write(tmp, []byte("payload")); err != nil {
		t.Fatal(err)
	}
	if err := s.Rename(tmp, final); err != nil {
		t.Fatal(err)
	}
	if s.Exists(tmp) {
		t.Fatalf("tmp path survived rename")
	}
	data, err := s.Read(final)
	if err != nil || string(data) != "payload" {
		t.Fatalf("Read(final) = %q, %v", data, err)
	}

	// Renaming a second writer onto the same final path replaces it whole.
	tmp2 := TempPath(final, "attempt-2")
	if err := s.Write(tmp2, []byte("other")); err != nil {
		t.Fatal(err)
	}
	if err := s.Rename(tmp2, final); err != nil {
		t.Fatal(err)
	}
	data, _ = s.Read(final)
	if string(data) != "other" {
		t.Fatalf("Read(final) after second rename = %q", data)
	}
}

func TestStoreList(t *testing.T) {
	s := tempStore(t)
	for _, p := range []string{
		"/data/out/reduce-1.txt",
		"/data/out/reduce-0.txt",
		"/data/other/reduce-0.txt",
	} {
		if err := s.Write(p, []byte("x")); err != nil {
			t.Fatal(err)
		}
	}
	got := s.List("/data/out")
	want := []string{"/data/out/reduce-0.txt", "/data/out/reduce-1.txt"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("List = %v, want %v", got, want)
	}
}

func TestGCTempAgeGate(t *testing.T) {
	s := tempStore(t)

	fresh := TempPath("/data/intermediate/j/map-0-reduce-0.pb", "a1")
	stale := TempPath("/data/intermediate/j/map-1-reduce-0.pb", "a2")
	canonical := "/data/intermediate/j/map-2-reduce-0.pb"
	for _, p := range []string{fresh, stale, canonical} {
		if err := s.Write(p, []byte("x")); err != nil {
			t.Fatal(err)
		}
	}
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(s.filename(stale), old, old); err != nil {
		t.Fatal(err)
	}

	removed := s.GCTemp("/data/intermediate", time.Hour)
	if removed != 1 {
		t.Fatalf("GCTemp removed %d blobs, want 1", removed)
	}
	if s.Exists(stale) {
		t.Fatalf("stale tmp survived GC")
	}
	if !s.Exists(fresh) || !s.Exists(canonical) {
		t.Fatalf("GC removed a blob it should have kept")
	}
}

func TestPathScheme(t *testing.T) {
	if got := IntermediatePath("j1", 3, 7); got != "/data/intermediate/j1/map-3-reduce-7.pb" {
		t.Fatalf("IntermediatePath = %q", got)
	}
	if got := OutputPath("/data/out/", 2); got != "/data/out/reduce-2.txt" {
		t.Fatalf("OutputPath = %q", got)
	}
	if got := TempPath("/data/out/reduce-2.txt", "a9"); got != "/data/out/reduce-2.txt.tmp.a9" {
		t.Fatalf("TempPath = %q", got)
	}
}

func TestRecordCodec(t *testing.T) {
	var sink strings.Builder
	w := NewRecordWriter(&sink)
	long := strings.Repeat("v", 300) // length needs a multi-byte uvarint
	records := [][2]string{
		{"alpha", "1"},
		{"", ""},
		{"key with spaces", long},
	}
	for _, rec := range records {
		if err := w.Write(rec[0], rec[1]); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}

	r := NewRecordReader(strings.NewReader(sink.String()))
	for i, rec := range records {
		k, v, err := r.Next()
		if err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
		if k != rec[0] || v != rec[1] {
			t.Fatalf("record %d = (%q, %q), want (%q, %q)", i, k, v, rec[0], rec[1])
		}
	}
	if _, _, err := r.Next(); err != io.EOF {
		t.Fatalf("expected io.EOF at end, got %v", err)
	}
}

func TestRecordCodecTruncated(t *testing.T) {
	var sink strings.Builder
	w := NewRecordWriter(&sink)
	w.Write("key", "value")
	w.Flush()

	r := NewRecordReader(strings.NewReader(sink.String()[:5]))
	if _, _, err := r.Next(); err != io.ErrUnexpectedEOF {
		t.Fatalf("truncated stream: got %v, want io.ErrUnexpectedEOF", err)
	}
}
