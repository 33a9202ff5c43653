package mr

import (
	"fmt"
	"log"
	"net"
	"net/rpc"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"mit.edu/filosfino/mapreduce/src/blob"
)

// Scheduler is the singleton coordinator. It owns all job, task, attempt and
// worker state under one mutex; everything that blocks (dispatch RPCs, blob
// store I/O) happens outside the lock.
type Scheduler struct {
	mu  sync.Mutex
	cfg Config

	store *blob.Store

	jobs     map[string]*Job
	tasks    map[TaskID]*Task
	attempts map[string]*Attempt
	workers  map[string]*WorkerInfo

	// Per-job FIFO ready queues, served round-robin across jobOrder so late
	// jobs are not starved. Backup requests live in their own queue and are
	// drained first.
	ready    map[string][]TaskID
	jobOrder []string
	rrNext   int
	backups  []TaskID

	kick     chan struct{}
	done     chan struct{}
	l        net.Listener
	stopOnce sync.Once
}

func newScheduler(cfg Config, store *blob.Store) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		store:    store,
		jobs:     make(map[string]*Job),
		tasks:    make(map[TaskID]*Task),
		attempts: make(map[string]*Attempt),
		workers:  make(map[string]*WorkerInfo),
		ready:    make(map[string][]TaskID),
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// MakeScheduler starts the scheduler: RPC server on sock, dispatch loop,
// liveness sweeper, straggler monitor and temp GC.
func MakeScheduler(cfg Config, store *blob.Store, sock string) (*Scheduler, error) {
	s := newScheduler(cfg, store)
	if err := s.serve(sock); err != nil {
		return nil, err
	}
	go s.dispatchLoop()
	go s.sweepLoop()
	go s.monitorLoop()
	go s.gcLoop()
	return s, nil
}

func (s *Scheduler) serve(sock string) error {
	srv := rpc.NewServer()
	if err := srv.Register(s); err != nil {
		return err
	}
	os.Remove(sock)
	l, err := net.Listen("unix", sock)
	if err != nil {
		return err
	}
	s.l = l
	go srv.Accept(l)
	log.Printf("[scheduler] serving on %s", sock)
	return nil
}

// Stop shuts the scheduler down. In-flight worker attempts are abandoned.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		s.l.Close()
	})
}

// HandleSubmitJob validates the submission, splits the input into M line
// ranges, materialises tasks and enqueues the map tasks.
func (s *Scheduler) HandleSubmitJob(args *SubmitJobArgs, reply *SubmitJobReply) error {
	if args.NumMaps < 1 {
		return Errf(BadRequest, "num_maps must be >= 1, got %d", args.NumMaps)
	}
	if args.NumReduces < 1 {
		return Errf(BadRequest, "num_reduces must be >= 1, got %d", args.NumReduces)
	}
	if args.MapperRef == "" || args.ReducerRef == "" {
		return Errf(BadRequest, "mapper and reducer refs must be non-empty")
	}
	if args.OutputPath == "" {
		return Errf(BadRequest, "output path must be non-empty")
	}
	if !s.store.Exists(args.InputPath) {
		return Errf(BadRequest, "input %s not found in blob store", args.InputPath)
	}

	// Line count discovered at submission; split i owns [i*L/M, (i+1)*L/M).
	lines, err := s.store.ReadLines(args.InputPath)
	if err != nil {
		return Errf(BlobStoreError, "read %s: %v", args.InputPath, err)
	}
	lineCount := len(lines)

	job := &Job{
		ID:          uuid.New().String(),
		InputPath:   args.InputPath,
		OutputPath:  args.OutputPath,
		MapperRef:   args.MapperRef,
		ReducerRef:  args.ReducerRef,
		M:           args.NumMaps,
		R:           args.NumReduces,
		Phase:       MapPhase,
		SubmittedAt: time.Now(),
		LineCount:   lineCount,
	}

	s.mu.Lock()
	s.jobs[job.ID] = job
	s.jobOrder = append(s.jobOrder, job.ID)
	for i := 0; i < job.M; i++ {
		id := TaskID{JobID: job.ID, Kind: MapTask, Index: i}
		s.tasks[id] = &Task{
			ID:    id,
			State: TaskPending,
			Split: SplitRange{
				Start: i * lineCount / job.M,
				End:   (i + 1) * lineCount / job.M,
			},
		}
		s.enqueueLocked(id)
	}
	for i := 0; i < job.R; i++ {
		id := TaskID{JobID: job.ID, Kind: ReduceTask, Index: i}
		s.tasks[id] = &Task{ID: id, State: TaskPending}
	}
	s.mu.Unlock()
	s.kickDispatch()

	log.Printf("[scheduler] job %s submitted: M=%d R=%d lines=%d", job.ID, job.M, job.R, lineCount)
	reply.JobID = job.ID
	reply.Message = fmt.Sprintf("job submitted with %d map tasks and %d reduce tasks", job.M, job.R)
	return nil
}

func (s *Scheduler) HandleGetJobStatus(args *GetJobStatusArgs, reply *GetJobStatusReply) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[args.JobID]
	if !ok {
		return Errf(NotFound, "job %s", args.JobID)
	}
	reply.JobID = job.ID
	reply.Phase = job.Phase
	reply.NumMaps = job.M
	reply.NumReduces = job.R
	reply.ErrorMessage = job.ErrorMessage
	reply.Stats = job.Stats
	for id, task := range s.tasks {
		if id.JobID != job.ID {
			continue
		}
		counts := &reply.MapCounts
		if id.Kind == ReduceTask {
			counts = &reply.ReduceCounts
		}
		switch task.State {
		case TaskPending:
			counts.Pending++
		case TaskRunning:
			counts.Running++
		case TaskCommitted:
			counts.Committed++
		}
		reply.FailedAttempts += task.Failures
	}
	return nil
}

func (s *Scheduler) HandleUploadBlob(args *UploadBlobArgs, reply *UploadBlobReply) error {
	if err := s.store.Write(args.RemotePath, args.Data); err != nil {
		return Errf(BlobStoreError, "write %s: %v", args.RemotePath, err)
	}
	reply.OK = true
	return nil
}

func (s *Scheduler) HandleGetResults(args *GetResultsArgs, reply *GetResultsReply) error {
	for _, path := range s.store.List(args.OutputPath) {
		if strings.Contains(path, ".tmp.") {
			continue
		}
		lines, err := s.store.ReadLines(path)
		if err != nil {
			return Errf(BlobStoreError, "read %s: %v", path, err)
		}
		for _, line := range lines {
			if args.Limit > 0 && len(reply.Lines) >= args.Limit {
				return nil
			}
			reply.Lines = append(reply.Lines, line)
		}
	}
	return nil
}

// HandleRegisterWorker registers a worker on first contact; a known worker
// re-registering comes back Alive with a clean slate.
func (s *Scheduler) HandleRegisterWorker(args *RegisterWorkerArgs, reply *RegisterWorkerReply) error {
	if args.WorkerID == "" || args.Endpoint == "" {
		return Errf(BadRequest, "worker id and endpoint must be non-empty")
	}
	capacity := args.Capacity
	if capacity < 1 {
		capacity = 1
	}
	s.mu.Lock()
	// A re-registering worker has restarted: whatever it was running is gone.
	if old, ok := s.workers[args.WorkerID]; ok {
		for id := range old.InFlight {
			a := s.attempts[id]
			if a == nil || a.Outcome != InFlight {
				continue
			}
			a.Outcome = TimedOut
			a.FinishedAt = time.Now()
			if task := s.tasks[a.Task]; task != nil && task.State == TaskRunning {
				task.Failures++
				if len(task.inFlight()) == 0 {
					s.requeueLocked(task, "worker "+args.WorkerID+" restarted")
				}
			}
		}
	}
	s.workers[args.WorkerID] = &WorkerInfo{
		ID:            args.WorkerID,
		Endpoint:      args.Endpoint,
		Capacity:      capacity,
		InFlight:      make(map[string]bool),
		LastHeartbeat: time.Now(),
		Liveness:      Alive,
	}
	s.mu.Unlock()
	s.kickDispatch()
	log.Printf("[scheduler] worker %s registered at %s capacity=%d", args.WorkerID, args.Endpoint, capacity)
	reply.Ack = true
	return nil
}

// enqueueLocked appends a task to its job's ready queue. Caller holds s.mu.
func (s *Scheduler) enqueueLocked(id TaskID) {
	s.ready[id.JobID] = append(s.ready[id.JobID], id)
}

// requeueLocked returns a task to Pending for another attempt, subject to
// MaxAttempts. Caller holds s.mu.
func (s *Scheduler) requeueLocked(task *Task, errMsg string) {
	if task.State == TaskCommitted || task.State == TaskFailed {
		return
	}
	if task.Failures >= s.cfg.MaxAttempts {
		s.failJobLocked(task.ID.JobID, errMsg)
		return
	}
	task.State = TaskPending
	task.BackupRequested = false
	s.enqueueLocked(task.ID)
}

// failJobLocked fails a job and every one of its non-committed tasks, and
// requests cancellation of whatever is still in flight. Other jobs are
// untouched. Caller holds s.mu.
func (s *Scheduler) failJobLocked(jobID string, msg string) {
	job, ok := s.jobs[jobID]
	if !ok || job.Phase == Failed || job.Phase == Completed {
		return
	}
	job.Phase = Failed
	if job.ErrorMessage == "" {
		job.ErrorMessage = msg
	}
	delete(s.ready, jobID)
	s.backups = filterTasks(s.backups, jobID)
	for id, task := range s.tasks {
		if id.JobID != jobID || task.State == TaskCommitted {
			continue
		}
		task.State = TaskFailed
		for _, a := range task.inFlight() {
			s.cancelAttemptLocked(a)
		}
	}
	log.Printf("[scheduler] job %s failed: %s", jobID, msg)
}

// cancelAttemptLocked asks the owning worker to kill an attempt, via the next
// heartbeat reply and a best-effort immediate CancelTask RPC. The attempt
// stays InFlight until the worker reports back or times out. Caller holds
// s.mu.
func (s *Scheduler) cancelAttemptLocked(a *Attempt) {
	w, ok := s.workers[a.WorkerID]
	if !ok {
		return
	}
	w.pendingCancel = append(w.pendingCancel, a.ID)
	endpoint := w.Endpoint
	go func(attemptID string) {
		var reply CancelTaskReply
		call(endpoint, "Worker.HandleCancelTask", &CancelTaskArgs{AttemptID: attemptID}, &reply, s.cfg.RPCTimeout)
	}(a.ID)
}

func filterTasks(ids []TaskID, jobID string) []TaskID {
	out := ids[:0]
	for _, id := range ids {
		if id.JobID != jobID {
			out = append(out, id)
		}
	}
	return out
}

func (s *Scheduler) kickDispatch() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// gcLoop periodically removes stale ".tmp.*" blobs left behind by losing or
// dead attempts.
func (s *Scheduler) gcLoop() {
	ticker := time.NewTicker(s.cfg.TmpGCAge / 4)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			n := s.store.GCTemp("/data/intermediate", s.cfg.TmpGCAge)
			s.mu.Lock()
			outputs := make([]string, 0, len(s.jobs))
			for _, job := range s.jobs {
				outputs = append(outputs, job.OutputPath)
			}
			s.mu.Unlock()
			for _, dir := range outputs {
				n += s.store.GCTemp(dir, s.cfg.TmpGCAge)
			}
			if n > 0 {
				log.Printf("[scheduler] gc removed %d stale temporaries", n)
			}
		}
	}
}
