package blob

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/peterbourgon/diskv"
)

// keySep replaces "/" inside diskv keys: diskv uses the key verbatim as the
// on-disk file name, so keys must not contain path separators.
const keySep = "!"

// Store is the shared blob store. Scheduler and workers each open a Store on
// the same base directory; diskv writes through a temp file and renames, so a
// Write is atomic and readers never observe partial blobs.
type Store struct {
	d    *diskv.Diskv
	base string
}

func Open(base string) (*Store, error) {
	// Sibling of the base dir so diskv's write-side temp files never show up
	// as keys; must stay on the same filesystem for the rename to be atomic.
	tmp := strings.TrimSuffix(base, "/") + ".temp"
	if err := os.MkdirAll(tmp, 0755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(base, 0755); err != nil {
		return nil, err
	}
	d := diskv.New(diskv.Options{
		BasePath: base,
		TempDir:  tmp,
		Transform: func(key string) []string {
			parts := strings.Split(key, keySep)
			return parts[:len(parts)-1]
		},
		CacheSizeMax: 0,
	})
	return &Store{d: d, base: base}, nil
}

func encodeKey(path string) string {
	return strings.ReplaceAll(strings.Trim(path, "/"), "/", keySep)
}

func decodeKey(key string) string {
	return "/" + strings.ReplaceAll(key, keySep, "/")
}

func (s *Store) Write(path string, data []byte) error {
	return s.d.Write(encodeKey(path), data)
}

// WriteStream streams data into the blob at path; the blob appears atomically
// once the stream is fully written.
func (s *Store) WriteStream(path string, r io.Reader) error {
	return s.d.WriteStream(encodeKey(path), r, false)
}

func (s *Store) Read(path string) ([]byte, error) {
	return s.d.Read(encodeKey(path))
}

func (s *Store) ReadStream(path string) (io.ReadCloser, error) {
	return s.d.ReadStream(encodeKey(path), false)
}

func (s *Store) Exists(path string) bool {
	return s.d.Has(encodeKey(path))
}

func (s *Store) Delete(path string) error {
	err := s.d.Erase(encodeKey(path))
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

// Rename moves a blob to a new path. The destination write goes through
// diskv's temp-then-rename, so the destination appears atomically; the source
// is erased afterwards. Renaming onto an existing blob replaces it.
func (s *Store) Rename(from, to string) error {
	rc, err := s.d.ReadStream(encodeKey(from), false)
	if err != nil {
		return err
	}
	defer rc.Close()
	if err := s.d.WriteStream(encodeKey(to), rc, false); err != nil {
		return err
	}
	return s.Delete(from)
}

// List returns all blob paths under prefix, sorted.
func (s *Store) List(prefix string) []string {
	var paths []string
	for key := range s.d.KeysPrefix(encodeKey(prefix), nil) {
		paths = append(paths, decodeKey(key))
	}
	sort.Strings(paths)
	return paths
}

// ReadLines reads a text blob and splits it into lines. A trailing newline
// does not produce an empty final line.
func (s *Store) ReadLines(path string) ([]string, error) {
	data, err := s.Read(path)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	text := strings.TrimSuffix(string(data), "\n")
	if text == "" {
		return nil, nil
	}
	return strings.Split(text, "\n"), nil
}

// GCTemp removes ".tmp.*" blobs under prefix older than age. Temporaries are
// leftovers of attempts that lost a commit race or died mid-write.
func (s *Store) GCTemp(prefix string, age time.Duration) int {
	removed := 0
	cutoff := time.Now().Add(-age)
	for _, path := range s.List(prefix) {
		if !strings.Contains(filepath.Base(path), ".tmp.") {
			continue
		}
		info, err := os.Stat(s.filename(path))
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if s.Delete(path) == nil {
			removed++
		}
	}
	return removed
}

// filename reconstructs the on-disk location of a blob: diskv stores each key
// under BasePath/<transform dirs>/<key>.
func (s *Store) filename(path string) string {
	key := encodeKey(path)
	parts := strings.Split(key, keySep)
	return filepath.Join(s.base, filepath.Join(parts[:len(parts)-1]...), key)
}

// Path scheme. Readers depend on these exact shapes.

func InputDir() string { return "/data/input" }

func IntermediateDir(jobID string) string {
	return fmt.Sprintf("/data/intermediate/%s", jobID)
}

func IntermediatePath(jobID string, m, r int) string {
	return fmt.Sprintf("/data/intermediate/%s/map-%d-reduce-%d.pb", jobID, m, r)
}

func OutputPath(outputPath string, r int) string {
	return fmt.Sprintf("%s/reduce-%d.txt", strings.TrimSuffix(outputPath, "/"), r)
}

// TempPath derives the attempt-unique temporary path for a final path.
func TempPath(final, attemptID string) string {
	return final + ".tmp." + attemptID
}
