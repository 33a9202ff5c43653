package mr

import (
	"log"
	"time"

	"github.com/google/uuid"
)

// dispatchLoop pushes ready attempts to idle workers. It wakes on kicks from
// state changes and on a short tick as a fallback.
func (s *Scheduler) dispatchLoop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.kick:
		case <-time.After(100 * time.Millisecond):
		}
		s.dispatchOnce()
	}
}

func (s *Scheduler) dispatchOnce() {
	for {
		endpoint, args, attemptID := s.pickNextLocked()
		if attemptID == "" {
			return
		}
		go s.sendExecute(endpoint, args, attemptID)
	}
}

// pickNextLocked selects the next attempt to dispatch and reserves a worker
// slot for it. Backup attempts go first, since they unblock nearly-complete
// jobs; then ready queues are served round-robin across jobs.
func (s *Scheduler) pickNextLocked() (endpoint string, args *ExecuteTaskArgs, attemptID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Backup queue. A backup that cannot be placed on a distinct worker stays
	// queued; the original is never cancelled to make room.
	kept := s.backups[:0]
	var picked *Attempt
	var pickedWorker *WorkerInfo
	for _, id := range s.backups {
		task := s.tasks[id]
		if task == nil || !s.backupStillWanted(task) {
			if task != nil {
				task.BackupRequested = false
			}
			continue
		}
		if picked != nil {
			kept = append(kept, id)
			continue
		}
		w := s.pickWorkerLocked(task)
		if w == nil {
			kept = append(kept, id)
			continue
		}
		picked = s.startAttemptLocked(task, w, true)
		pickedWorker = w
	}
	s.backups = kept

	// Round-robin over per-job FIFO queues.
	for n := 0; picked == nil && n < len(s.jobOrder); n++ {
		jobID := s.jobOrder[(s.rrNext+n)%len(s.jobOrder)]
		queue := s.ready[jobID]
		for len(queue) > 0 && picked == nil {
			task := s.tasks[queue[0]]
			if task == nil || task.State != TaskPending || !s.phaseAdmitsLocked(task) {
				queue = queue[1:]
				continue
			}
			w := s.pickWorkerLocked(nil)
			if w == nil {
				s.ready[jobID] = queue
				return "", nil, ""
			}
			queue = queue[1:]
			picked = s.startAttemptLocked(task, w, false)
			pickedWorker = w
			s.rrNext = (s.rrNext + n + 1) % len(s.jobOrder)
		}
		s.ready[jobID] = queue
	}

	if picked == nil {
		return "", nil, ""
	}
	return pickedWorker.Endpoint, s.executeArgsLocked(picked), picked.ID
}

// backupStillWanted reports whether a queued backup request is still valid:
// the task must be Running with exactly its original attempt in flight.
func (s *Scheduler) backupStillWanted(task *Task) bool {
	if task.State != TaskRunning {
		return false
	}
	job := s.jobs[task.ID.JobID]
	if job == nil || !s.phaseAdmitsJob(job, task) {
		return false
	}
	return len(task.inFlight()) == 1
}

// phaseAdmitsLocked gates dispatch on the job's phase: reduce tasks are
// schedulable only after every map task of the job has committed.
func (s *Scheduler) phaseAdmitsLocked(task *Task) bool {
	job := s.jobs[task.ID.JobID]
	return job != nil && s.phaseAdmitsJob(job, task)
}

func (s *Scheduler) phaseAdmitsJob(job *Job, task *Task) bool {
	switch job.Phase {
	case MapPhase:
		return task.ID.Kind == MapTask
	case ReducePhase:
		return task.ID.Kind == ReduceTask
	}
	return false
}

// pickWorkerLocked returns an Alive worker with spare capacity. For a backup
// (task != nil) the worker must also differ from every worker already running
// an attempt of the task. Prefers the worker with the most spare slots.
func (s *Scheduler) pickWorkerLocked(task *Task) *WorkerInfo {
	var exclude map[string]bool
	if task != nil {
		exclude = make(map[string]bool)
		for _, a := range task.inFlight() {
			exclude[a.WorkerID] = true
		}
	}
	var best *WorkerInfo
	for _, w := range s.workers {
		if w.Liveness != Alive || w.spare() <= 0 || exclude[w.ID] {
			continue
		}
		if best == nil || w.spare() > best.spare() {
			best = w
		}
	}
	return best
}

// startAttemptLocked creates and registers a new attempt and reserves the
// worker slot. Caller holds s.mu.
func (s *Scheduler) startAttemptLocked(task *Task, w *WorkerInfo, backup bool) *Attempt {
	a := &Attempt{
		ID:        uuid.New().String(),
		Task:      task.ID,
		WorkerID:  w.ID,
		StartedAt: time.Now(),
		Outcome:   InFlight,
		IsBackup:  backup,
	}
	task.Attempts = append(task.Attempts, a)
	task.State = TaskRunning
	s.attempts[a.ID] = a
	w.InFlight[a.ID] = true
	return a
}

func (s *Scheduler) executeArgsLocked(a *Attempt) *ExecuteTaskArgs {
	job := s.jobs[a.Task.JobID]
	task := s.tasks[a.Task]
	args := &ExecuteTaskArgs{
		JobID:     job.ID,
		Kind:      a.Task.Kind,
		Index:     a.Task.Index,
		AttemptID: a.ID,
	}
	if a.Task.Kind == MapTask {
		args.InputPath = job.InputPath
		args.Split = task.Split
		args.MapperRef = job.MapperRef
		args.NumReduces = job.R
	} else {
		args.NumMaps = job.M
		args.ReducerRef = job.ReducerRef
		args.OutputPath = job.OutputPath
	}
	return args
}

// sendExecute pushes the attempt to its worker, outside the scheduler lock.
// A worker that cannot be reached or refuses the task surfaces as a timed-out
// attempt and the task goes back to the queue.
func (s *Scheduler) sendExecute(endpoint string, args *ExecuteTaskArgs, attemptID string) {
	rpcname := "Worker.HandleExecuteMapTask"
	if args.Kind == ReduceTask {
		rpcname = "Worker.HandleExecuteReduceTask"
	}
	var reply ExecuteTaskReply
	err := call(endpoint, rpcname, args, &reply, s.cfg.RPCTimeout)
	if err == nil && reply.Accepted {
		log.Printf("[scheduler] dispatched %s-%d attempt %s to %s", args.Kind, args.Index, attemptID, endpoint)
		return
	}
	msg := reply.Reason
	if err != nil {
		msg = err.Error()
	}
	log.Printf("[scheduler] dispatch of attempt %s to %s failed: %s", attemptID, endpoint, msg)
	s.failAttempt(attemptID, TimedOut, msg, true)
}

// failAttempt finalises an in-flight attempt with a non-success outcome.
// countFailure says whether it counts against the task's MaxAttempts limit.
// The task is re-enqueued only once no attempt of it remains in flight.
func (s *Scheduler) failAttempt(attemptID string, outcome Outcome, msg string, countFailure bool) {
	s.mu.Lock()
	a, ok := s.attempts[attemptID]
	if !ok || a.Outcome != InFlight {
		s.mu.Unlock()
		return
	}
	a.Outcome = outcome
	a.FinishedAt = time.Now()
	if w, ok := s.workers[a.WorkerID]; ok {
		delete(w.InFlight, a.ID)
	}
	task := s.tasks[a.Task]
	if task != nil && task.State == TaskRunning {
		if countFailure {
			task.Failures++
		}
		if len(task.inFlight()) == 0 {
			s.requeueLocked(task, msg)
		}
	}
	s.mu.Unlock()
	s.kickDispatch()
}
