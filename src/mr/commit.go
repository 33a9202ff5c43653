package mr

import (
	"log"
	"time"
)

// HandleTaskCompleted is the commit point. All per-task transitions happen
// under the scheduler lock, so concurrent reports of the same task serialise
// here; exactly one Success wins, and the reply tells the worker whether to
// rename its tmp output to the canonical path or delete it.
func (s *Scheduler) HandleTaskCompleted(args *TaskCompletedArgs, reply *TaskCompletedReply) error {
	s.mu.Lock()

	a, ok := s.attempts[args.AttemptID]
	if !ok {
		// Attempt from a previous scheduler life or a confused worker.
		s.mu.Unlock()
		reply.Disposition = DiscardOutput
		return nil
	}
	if a.Outcome != InFlight {
		// Repeated report; answer the same way as the first time.
		if a.Outcome == Success && !a.Redundant {
			reply.Disposition = CommitOutput
		} else {
			reply.Disposition = DiscardOutput
		}
		s.mu.Unlock()
		return nil
	}

	a.FinishedAt = time.Now()
	if w, ok := s.workers[a.WorkerID]; ok {
		delete(w.InFlight, a.ID)
	}
	task := s.tasks[a.Task]
	job := s.jobs[a.Task.JobID]

	switch args.Outcome {
	case Success:
		switch {
		case task == nil || job == nil || task.State == TaskFailed || job.Phase == Failed:
			a.Outcome = Cancelled
			reply.Disposition = DiscardOutput
		case task.State == TaskCommitted:
			// Lost the race against another attempt of the same task; its tmp
			// output is discarded, the canonical path is never overwritten.
			a.Outcome = Cancelled
			a.Redundant = true
			reply.Disposition = DiscardOutput
			log.Printf("[scheduler] attempt %s of %s redundant, already committed by %s",
				a.ID, a.Task, task.CommittingAttempt)
		default:
			s.commitLocked(job, task, a, args.Stats)
			reply.Disposition = CommitOutput
		}

	case ErrorOut, TimedOut:
		a.Outcome = args.Outcome
		reply.Disposition = DiscardOutput
		if job != nil && job.ErrorMessage == "" && args.ErrorMessage != "" {
			job.ErrorMessage = args.ErrorMessage
		}
		if task != nil && task.State == TaskRunning {
			task.Failures++
			if len(task.inFlight()) == 0 {
				s.requeueLocked(task, args.ErrorMessage)
			}
		}
		log.Printf("[scheduler] attempt %s of %s failed (%s): %s", a.ID, a.Task, args.Outcome, args.ErrorMessage)

	default: // Cancelled
		a.Outcome = Cancelled
		reply.Disposition = DiscardOutput
		if task != nil && task.State == TaskRunning && len(task.inFlight()) == 0 {
			s.requeueLocked(task, "attempt cancelled")
		}
	}

	s.mu.Unlock()
	s.kickDispatch()
	return nil
}

// commitLocked records the committing attempt, cancels the losers and drives
// the job's phase machine. Caller holds s.mu.
func (s *Scheduler) commitLocked(job *Job, task *Task, a *Attempt, stats CompletionStats) {
	a.Outcome = Success
	task.State = TaskCommitted
	task.CommittingAttempt = a.ID
	task.BackupRequested = false
	s.backups = removeTask(s.backups, task.ID)

	job.CommitSeq = append(job.CommitSeq, task.ID)
	job.Stats.Add(stats)
	job.phaseDurations = append(job.phaseDurations, a.FinishedAt.Sub(a.StartedAt))

	for _, other := range task.inFlight() {
		s.cancelAttemptLocked(other)
	}
	log.Printf("[scheduler] committed %s via attempt %s (backup=%v)", task.ID, a.ID, a.IsBackup)

	switch {
	case job.Phase == MapPhase && task.ID.Kind == MapTask && s.phaseDoneLocked(job, MapTask):
		job.Phase = ReducePhase
		job.phaseDurations = nil
		for i := 0; i < job.R; i++ {
			s.enqueueLocked(TaskID{JobID: job.ID, Kind: ReduceTask, Index: i})
		}
		log.Printf("[scheduler] job %s: all %d maps committed, starting reduce", job.ID, job.M)
	case job.Phase == ReducePhase && task.ID.Kind == ReduceTask && s.phaseDoneLocked(job, ReduceTask):
		job.Phase = Completed
		log.Printf("[scheduler] job %s completed", job.ID)
	}
}

func (s *Scheduler) phaseDoneLocked(job *Job, kind TaskKind) bool {
	total := job.M
	if kind == ReduceTask {
		total = job.R
	}
	committed := 0
	for id, task := range s.tasks {
		if id.JobID == job.ID && id.Kind == kind && task.State == TaskCommitted {
			committed++
		}
	}
	return committed == total
}

func removeTask(ids []TaskID, id TaskID) []TaskID {
	out := ids[:0]
	for _, x := range ids {
		if x != id {
			out = append(out, x)
		}
	}
	return out
}
