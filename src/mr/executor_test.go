package mr

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"testing"

	"mit.edu/filosfino/mapreduce/src/blob"
)

func newTestWorker(t *testing.T) (*Worker, *blob.Store) {
	t.Helper()
	dir, err := ioutil.TempDir("", "mr-exec-")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	store, err := blob.Open(filepath.Join(dir, "data"))
	if err != nil {
		t.Fatal(err)
	}
	w := &Worker{
		id:       "test-worker",
		cfg:      testConfig(),
		store:    store,
		running:  make(map[string]*taskRun),
		finished: make(map[string]Outcome),
	}
	return w, store
}

func newRun(args ExecuteTaskArgs) *taskRun {
	return &taskRun{args: args, cancel: make(chan struct{})}
}

// commitRun simulates the scheduler's CommitOutput instruction.
func commitRun(t *testing.T, store *blob.Store, run *taskRun) {
	t.Helper()
	for _, out := range run.outputs() {
		if err := store.Rename(out.Tmp, out.Final); err != nil {
			t.Fatalf("rename %s: %v", out.Tmp, err)
		}
	}
}

const wordCountInput = "hello world\nhello mapreduce\nworld of distributed systems\nmapreduce is powerful\nhello again\n"

var wordCountWant = map[string]string{
	"again": "1", "distributed": "1", "hello": "3", "is": "1",
	"mapreduce": "2", "of": "1", "powerful": "1", "systems": "1", "world": "2",
}

// runJobLocally drives map and reduce executors by hand, standing in for the
// full scheduler loop.
func runJobLocally(t *testing.T, w *Worker, store *blob.Store, jobID, input string, m, r int) {
	t.Helper()
	inputPath := "/data/input/" + jobID + ".txt"
	if err := store.Write(inputPath, []byte(input)); err != nil {
		t.Fatal(err)
	}
	lines := strings.Count(input, "\n")

	for i := 0; i < m; i++ {
		run := newRun(ExecuteTaskArgs{
			JobID: jobID, Kind: MapTask, Index: i,
			AttemptID: fmt.Sprintf("map-a%d", i),
			InputPath: inputPath,
			Split:     SplitRange{Start: i * lines / m, End: (i + 1) * lines / m},
			MapperRef: "wordcount", NumReduces: r,
		})
		if _, err := w.runMap(run); err != nil {
			t.Fatalf("map %d: %v", i, err)
		}
		commitRun(t, store, run)
	}
	for i := 0; i < r; i++ {
		run := newRun(ExecuteTaskArgs{
			JobID: jobID, Kind: ReduceTask, Index: i,
			AttemptID:  fmt.Sprintf("reduce-a%d", i),
			NumMaps:    m,
			ReducerRef: "wordcount",
			OutputPath: "/data/out/" + jobID,
		})
		if _, err := w.runReduce(run); err != nil {
			t.Fatalf("reduce %d: %v", i, err)
		}
		commitRun(t, store, run)
	}
}

func readOutputs(t *testing.T, store *blob.Store, outputPath string, r int) map[string]string {
	t.Helper()
	got := make(map[string]string)
	for i := 0; i < r; i++ {
		lines, err := store.ReadLines(blob.OutputPath(outputPath, i))
		if err != nil {
			t.Fatalf("read reduce-%d: %v", i, err)
		}
		for _, line := range lines {
			parts := strings.SplitN(line, "\t", 2)
			if len(parts) != 2 {
				t.Fatalf("malformed output line %q", line)
			}
			if _, dup := got[parts[0]]; dup {
				t.Fatalf("key %q appears in two partitions", parts[0])
			}
			got[parts[0]] = parts[1]
		}
	}
	return got
}

func TestExecutorWordCount(t *testing.T) {
	w, store := newTestWorker(t)
	runJobLocally(t, w, store, "job-wc", wordCountInput, 2, 2)

	got := readOutputs(t, store, "/data/out/job-wc", 2)
	if !reflect.DeepEqual(got, wordCountWant) {
		t.Fatalf("word count = %v, want %v", got, wordCountWant)
	}

	// Every intermediate partition exists exactly once at its canonical
	// path, tmp names included empty partitions were renamed away.
	for m := 0; m < 2; m++ {
		for r := 0; r < 2; r++ {
			if !store.Exists(blob.IntermediatePath("job-wc", m, r)) {
				t.Fatalf("intermediate map-%d-reduce-%d missing", m, r)
			}
		}
	}
	for _, path := range store.List("/data/intermediate/job-wc") {
		if strings.Contains(path, ".tmp.") {
			t.Fatalf("tmp artefact leaked: %s", path)
		}
	}
}

func TestExecutorDeterministicRerun(t *testing.T) {
	w, store := newTestWorker(t)
	runJobLocally(t, w, store, "job-one", wordCountInput, 2, 2)
	runJobLocally(t, w, store, "job-two", wordCountInput, 2, 2)

	for i := 0; i < 2; i++ {
		a, err := store.Read(blob.OutputPath("/data/out/job-one", i))
		if err != nil {
			t.Fatal(err)
		}
		b, err := store.Read(blob.OutputPath("/data/out/job-two", i))
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(a, b) {
			t.Fatalf("re-run produced different bytes for reduce-%d", i)
		}
	}
}

func TestExecutorEmptyInput(t *testing.T) {
	w, store := newTestWorker(t)
	runJobLocally(t, w, store, "job-empty", "", 2, 2)

	for i := 0; i < 2; i++ {
		data, err := store.Read(blob.OutputPath("/data/out/job-empty", i))
		if err != nil {
			t.Fatalf("read reduce-%d: %v", i, err)
		}
		if len(data) != 0 {
			t.Fatalf("reduce-%d output not empty: %q", i, data)
		}
	}
}

func TestExecutorSingleMapSingleReduce(t *testing.T) {
	w, store := newTestWorker(t)
	runJobLocally(t, w, store, "job-m1r1", wordCountInput, 1, 1)
	got := readOutputs(t, store, "/data/out/job-m1r1", 1)
	if !reflect.DeepEqual(got, wordCountWant) {
		t.Fatalf("word count = %v, want %v", got, wordCountWant)
	}
}

func TestExecutorCancelBeforeWrite(t *testing.T) {
	w, store := newTestWorker(t)
	if err := store.Write("/data/input/c.txt", []byte("a\nb\n")); err != nil {
		t.Fatal(err)
	}
	run := newRun(ExecuteTaskArgs{
		JobID: "job-c", Kind: MapTask, Index: 0, AttemptID: "a0",
		InputPath: "/data/input/c.txt", Split: SplitRange{0, 2},
		MapperRef: "wordcount", NumReduces: 1,
	})
	run.stop()
	if _, err := w.runMap(run); err != errCancelled {
		t.Fatalf("got %v, want errCancelled", err)
	}
	if len(run.outputs()) != 0 {
		t.Fatalf("cancelled run left outputs behind")
	}
}

func TestExecutorUnknownMapperRef(t *testing.T) {
	w, store := newTestWorker(t)
	store.Write("/data/input/u.txt", []byte("a\n"))
	run := newRun(ExecuteTaskArgs{
		JobID: "job-u", Kind: MapTask, Index: 0, AttemptID: "a0",
		InputPath: "/data/input/u.txt", Split: SplitRange{0, 1},
		MapperRef: "no-such-mapper", NumReduces: 1,
	})
	_, err := w.runMap(run)
	if err == nil || KindOf(err) != UserCodeError {
		t.Fatalf("got %v, want UserCodeError", err)
	}
}

func TestExecutorReducerPanicIsUserCodeError(t *testing.T) {
	w, store := newTestWorker(t)

	// A committed intermediate whose value is not an integer makes the
	// word-count reducer panic; the executor must contain it.
	var buf bytes.Buffer
	rw := blob.NewRecordWriter(&buf)
	rw.Write("key", "not-a-number")
	rw.Flush()
	if err := store.Write(blob.IntermediatePath("job-p", 0, 0), buf.Bytes()); err != nil {
		t.Fatal(err)
	}

	run := newRun(ExecuteTaskArgs{
		JobID: "job-p", Kind: ReduceTask, Index: 0, AttemptID: "a0",
		NumMaps: 1, ReducerRef: "wordcount", OutputPath: "/data/out/job-p",
	})
	_, err := w.runReduce(run)
	if err == nil || KindOf(err) != UserCodeError {
		t.Fatalf("got %v, want UserCodeError", err)
	}
}

func TestWorkerCancelIdempotent(t *testing.T) {
	w, _ := newTestWorker(t)

	// Unknown attempt: no-op.
	var reply CancelTaskReply
	if err := w.HandleCancelTask(&CancelTaskArgs{AttemptID: "nope"}, &reply); err != nil {
		t.Fatal(err)
	}
	if reply.Outcome != Cancelled {
		t.Fatalf("unknown attempt cancel = %s", reply.Outcome)
	}

	// Finished attempt: returns the terminal outcome unchanged.
	w.finished["done"] = Success
	w.HandleCancelTask(&CancelTaskArgs{AttemptID: "done"}, &reply)
	if reply.Outcome != Success {
		t.Fatalf("finished attempt cancel = %s, want Success", reply.Outcome)
	}

	// Running attempt: stops it; repeating is harmless.
	run := newRun(ExecuteTaskArgs{AttemptID: "live"})
	w.running["live"] = run
	w.HandleCancelTask(&CancelTaskArgs{AttemptID: "live"}, &reply)
	w.HandleCancelTask(&CancelTaskArgs{AttemptID: "live"}, &reply)
	if !run.stopped() || reply.Outcome != Cancelled {
		t.Fatalf("running attempt not stopped")
	}
}

func TestResolveGrepAndInvertedIndex(t *testing.T) {
	grep, err := ResolveMapper("grep:ERROR")
	if err != nil {
		t.Fatal(err)
	}
	if kvs := grep("all quiet"); len(kvs) != 0 {
		t.Fatalf("grep matched %v on a non-matching line", kvs)
	}
	kvs := grep("  disk error: retrying  ")
	if len(kvs) != 1 || kvs[0].Key != "disk error: retrying" || kvs[0].Value != "1" {
		t.Fatalf("grep = %v", kvs)
	}

	idx, err := ResolveMapper("invertedindex")
	if err != nil {
		t.Fatal(err)
	}
	kvs = idx("doc7: The quick quick fox is on fire")
	var words []string
	for _, kv := range kvs {
		if kv.Value != "doc7" {
			t.Fatalf("doc id = %q", kv.Value)
		}
		words = append(words, kv.Key)
	}
	sort.Strings(words)
	if !reflect.DeepEqual(words, []string{"fire", "fox", "quick", "the"}) {
		t.Fatalf("inverted index words = %v", words)
	}

	reduce, err := ResolveReducer("invertedindex")
	if err != nil {
		t.Fatal(err)
	}
	out := reduce("fox", []string{"doc7", "doc1", "doc7"})
	if len(out) != 1 || out[0].Value != "doc1,doc7" {
		t.Fatalf("inverted index reduce = %v", out)
	}
}
