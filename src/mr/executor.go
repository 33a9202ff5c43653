package mr

import (
	"bytes"
	"container/heap"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"mit.edu/filosfino/mapreduce/src/blob"
)

var errCancelled = errors.New("attempt cancelled")

// runMap reads the attempt's line range, feeds each line through the mapper,
// partitions the emitted pairs by ihash(key) % R and writes every partition
// (including empty ones) to an attempt-unique tmp blob, sorted by key so
// reducers can merge streams with bounded memory.
func (w *Worker) runMap(run *taskRun) (CompletionStats, error) {
	args := run.args
	var stats CompletionStats

	mapper, err := ResolveMapper(args.MapperRef)
	if err != nil {
		return stats, err
	}
	lines, err := w.store.ReadLines(args.InputPath)
	if err != nil {
		return stats, Errf(BlobStoreError, "read %s: %v", args.InputPath, err)
	}
	start, end := args.Split.Start, args.Split.End
	if start > len(lines) {
		start = len(lines)
	}
	if end > len(lines) {
		end = len(lines)
	}

	buckets := make([][]KeyValue, args.NumReduces)
	for i, line := range lines[start:end] {
		if i%64 == 0 && run.stopped() {
			return stats, errCancelled
		}
		stats.BytesIn += int64(len(line)) + 1
		kvs, err := safeMap(mapper, line)
		if err != nil {
			return stats, err
		}
		for _, kv := range kvs {
			r := ihash(kv.Key) % args.NumReduces
			buckets[r] = append(buckets[r], kv)
		}
	}

	for r, bucket := range buckets {
		if run.stopped() {
			return stats, errCancelled
		}
		sort.Slice(bucket, func(i, j int) bool {
			if bucket[i].Key != bucket[j].Key {
				return bucket[i].Key < bucket[j].Key
			}
			return bucket[i].Value < bucket[j].Value
		})
		var buf bytes.Buffer
		rw := blob.NewRecordWriter(&buf)
		for _, kv := range bucket {
			if err := rw.Write(kv.Key, kv.Value); err != nil {
				return stats, Errf(BlobStoreError, "encode: %v", err)
			}
			stats.RecordsOut++
		}
		if err := rw.Flush(); err != nil {
			return stats, Errf(BlobStoreError, "encode: %v", err)
		}
		final := blob.IntermediatePath(args.JobID, args.Index, r)
		tmp := blob.TempPath(final, args.AttemptID)
		if err := w.store.Write(tmp, buf.Bytes()); err != nil {
			return stats, Errf(BlobStoreError, "write %s: %v", tmp, err)
		}
		run.addTmp(tmp, final)
		stats.BytesOut += int64(buf.Len())
	}
	return stats, nil
}

// runReduce merge-sorts the M committed intermediate partitions for this
// reduce index, groups equal keys, runs the reducer per group and writes the
// output lines to an attempt-unique tmp blob.
func (w *Worker) runReduce(run *taskRun) (CompletionStats, error) {
	args := run.args
	var stats CompletionStats

	reducer, err := ResolveReducer(args.ReducerRef)
	if err != nil {
		return stats, err
	}

	streams := make([]*blob.RecordReader, 0, args.NumMaps)
	var closers []io.Closer
	defer func() {
		for _, c := range closers {
			c.Close()
		}
	}()
	for m := 0; m < args.NumMaps; m++ {
		rc, err := w.openIntermediate(run, args.JobID, m, args.Index)
		if err != nil {
			return stats, err
		}
		closers = append(closers, rc)
		streams = append(streams, blob.NewRecordReader(rc))
	}

	merge, err := newMergeHeap(streams)
	if err != nil {
		return stats, Errf(BlobStoreError, "read intermediate: %v", err)
	}

	var buf bytes.Buffer
	for merge.Len() > 0 {
		if run.stopped() {
			return stats, errCancelled
		}
		key, values, err := merge.nextGroup()
		if err != nil {
			return stats, Errf(BlobStoreError, "read intermediate: %v", err)
		}
		for _, v := range values {
			stats.BytesIn += int64(len(key) + len(v))
		}
		kvs, err := safeReduce(reducer, key, values)
		if err != nil {
			return stats, err
		}
		for _, kv := range kvs {
			fmt.Fprintf(&buf, "%s\t%s\n", kv.Key, kv.Value)
			stats.RecordsOut++
		}
	}

	final := blob.OutputPath(args.OutputPath, args.Index)
	tmp := blob.TempPath(final, args.AttemptID)
	if err := w.store.Write(tmp, buf.Bytes()); err != nil {
		return stats, Errf(BlobStoreError, "write %s: %v", tmp, err)
	}
	run.addTmp(tmp, final)
	stats.BytesOut = int64(buf.Len())
	return stats, nil
}

// openIntermediate opens a committed map partition. The committing map
// worker renames its tmp output right after the scheduler's commit reply, so
// a freshly dispatched reduce can arrive a beat early; retry briefly before
// giving up.
func (w *Worker) openIntermediate(run *taskRun, jobID string, m, r int) (io.ReadCloser, error) {
	path := blob.IntermediatePath(jobID, m, r)
	deadline := time.Now().Add(5 * time.Second)
	for {
		rc, err := w.store.ReadStream(path)
		if err == nil {
			return rc, nil
		}
		if run.stopped() {
			return nil, errCancelled
		}
		if time.Now().After(deadline) {
			return nil, Errf(BlobStoreError, "open %s: %v", path, err)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func safeMap(f MapFunc, line string) (kvs []KeyValue, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = Errf(UserCodeError, "mapper panicked on line %q: %v", line, p)
		}
	}()
	return f(line), nil
}

func safeReduce(f ReduceFunc, key string, values []string) (kvs []KeyValue, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = Errf(UserCodeError, "reducer panicked on key %q: %v", key, p)
		}
	}()
	return f(key, values), nil
}

// mergeHeap k-way merges sorted record streams so reduce grouping needs only
// one record per stream in memory.
type mergeHeap struct {
	entries []mergeEntry
}

type mergeEntry struct {
	key    string
	value  string
	stream *blob.RecordReader
}

func newMergeHeap(streams []*blob.RecordReader) (*mergeHeap, error) {
	h := &mergeHeap{}
	for _, s := range streams {
		key, value, err := s.Next()
		if err == io.EOF {
			continue
		}
		if err != nil {
			return nil, err
		}
		h.entries = append(h.entries, mergeEntry{key: key, value: value, stream: s})
	}
	heap.Init(h)
	return h, nil
}

func (h *mergeHeap) Len() int           { return len(h.entries) }
func (h *mergeHeap) Less(i, j int) bool { return h.entries[i].key < h.entries[j].key }
func (h *mergeHeap) Swap(i, j int)      { h.entries[i], h.entries[j] = h.entries[j], h.entries[i] }
func (h *mergeHeap) Push(x interface{}) { h.entries = append(h.entries, x.(mergeEntry)) }
func (h *mergeHeap) Pop() interface{} {
	old := h.entries
	n := len(old)
	e := old[n-1]
	h.entries = old[:n-1]
	return e
}

// nextGroup pops every record sharing the smallest key and returns the key
// with its values.
func (h *mergeHeap) nextGroup() (string, []string, error) {
	key := h.entries[0].key
	var values []string
	for h.Len() > 0 && h.entries[0].key == key {
		e := heap.Pop(h).(mergeEntry)
		values = append(values, e.value)
		nk, nv, err := e.stream.Next()
		if err == nil {
			heap.Push(h, mergeEntry{key: nk, value: nv, stream: e.stream})
		} else if err != io.EOF {
			return "", nil, err
		}
	}
	return key, values, nil
}
