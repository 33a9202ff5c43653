package mr

import (
	"log"
	"sort"
	"time"
)

// monitorLoop is the straggler monitor: per active job it compares each
// in-flight attempt's elapsed time against the median duration of the
// current phase's committed attempts, requesting one speculative backup per
// straggling task. It also enforces the per-attempt deadline.
func (s *Scheduler) monitorLoop() {
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.checkStragglers(time.Now())
		}
	}
}

func (s *Scheduler) checkStragglers(now time.Time) {
	s.mu.Lock()

	for _, job := range s.jobs {
		if job.Phase != MapPhase && job.Phase != ReducePhase {
			continue
		}
		kind, total := MapTask, job.M
		if job.Phase == ReducePhase {
			kind, total = ReduceTask, job.R
		}

		// No backups until enough of the phase has committed to establish a
		// timing baseline.
		done := len(job.phaseDurations)
		if done == 0 || float64(done) < float64(total)*s.cfg.MinBaselineRatio {
			continue
		}
		med := median(job.phaseDurations)
		stragglerAfter := time.Duration(float64(med) * s.cfg.StragglerThreshold)
		deadline := time.Duration(float64(med) * s.cfg.TaskDeadlineFactor)

		for id, task := range s.tasks {
			if id.JobID != job.ID || id.Kind != kind || task.State != TaskRunning {
				continue
			}
			// Deadline overruns are handled like a straggler whose backup
			// won: time the attempt out and force a cancel.
			for _, a := range task.inFlight() {
				if now.Sub(a.StartedAt) > deadline {
					log.Printf("[scheduler] attempt %s of %s exceeded deadline %v", a.ID, id, deadline)
					s.timeoutAttemptLocked(a, "deadline exceeded")
				}
			}
			if task.State != TaskRunning || task.BackupRequested {
				continue
			}
			inflight := task.inFlight()
			if len(inflight) != 1 {
				// Either nothing running (requeued above) or a backup is
				// already racing the original; never stack a third.
				continue
			}
			if elapsed := now.Sub(inflight[0].StartedAt); elapsed > stragglerAfter {
				task.BackupRequested = true
				s.backups = append(s.backups, id)
				log.Printf("[scheduler] straggler: %s at %v > %v, requesting backup", id, elapsed, stragglerAfter)
			}
		}
	}

	s.mu.Unlock()
	s.kickDispatch()
}

// timeoutAttemptLocked forces an in-flight attempt to TimedOut, requests its
// cancellation on the worker and re-queues the task if nothing else is
// running it. Caller holds s.mu.
func (s *Scheduler) timeoutAttemptLocked(a *Attempt, msg string) {
	if a.Outcome != InFlight {
		return
	}
	a.Outcome = TimedOut
	a.FinishedAt = time.Now()
	s.cancelAttemptLocked(a)
	if w, ok := s.workers[a.WorkerID]; ok {
		delete(w.InFlight, a.ID)
	}
	task := s.tasks[a.Task]
	if task != nil && task.State == TaskRunning {
		task.Failures++
		if len(task.inFlight()) == 0 {
			s.requeueLocked(task, msg)
		}
	}
}

func median(ds []time.Duration) time.Duration {
	sorted := append([]time.Duration(nil), ds...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return sorted[len(sorted)/2]
}
