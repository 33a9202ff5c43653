package mr

import (
	"log"
	"time"
)

// HandleHeartbeat refreshes the worker's liveness and reconciles the two
// views of its in-flight set. Attempts the worker no longer knows are
// cancelled and their tasks re-dispatched; attempts the scheduler no longer
// wants come back in Cancellations for the worker to kill.
func (s *Scheduler) HandleHeartbeat(args *HeartbeatArgs, reply *HeartbeatReply) error {
	s.mu.Lock()

	w, ok := s.workers[args.WorkerID]
	if !ok {
		// Not registered (scheduler restart or dropped registration): the
		// worker is told to kill everything it reports. The reply carries no
		// re-registration request; workers register only at startup.
		reply.Cancellations = append([]string(nil), args.InFlight...)
		s.mu.Unlock()
		return nil
	}
	w.LastHeartbeat = time.Now()
	w.Liveness = Alive

	reported := make(map[string]bool, len(args.InFlight))
	for _, id := range args.InFlight {
		reported[id] = true
	}

	// S_s \ S_w: the worker has forgotten the attempt (crash and restart,
	// lost dispatch). Cancel it and re-dispatch unless already committed.
	// Attempts younger than the heartbeat timeout get a grace period: the
	// dispatch RPC may still be on the wire.
	for id := range w.InFlight {
		if reported[id] {
			continue
		}
		a := s.attempts[id]
		if a != nil && a.Outcome == InFlight && time.Since(a.StartedAt) < s.cfg.HeartbeatTimeout {
			continue
		}
		delete(w.InFlight, id)
		if a == nil || a.Outcome != InFlight {
			continue
		}
		a.Outcome = Cancelled
		a.FinishedAt = time.Now()
		log.Printf("[scheduler] worker %s forgot attempt %s, re-dispatching %s", w.ID, id, a.Task)
		if task := s.tasks[a.Task]; task != nil && task.State == TaskRunning && len(task.inFlight()) == 0 {
			s.requeueLocked(task, "worker forgot attempt")
		}
	}

	// S_w \ S_s: the scheduler has moved on (committed another attempt or
	// timed this one out); the worker must kill it.
	seen := make(map[string]bool)
	for _, id := range args.InFlight {
		if !w.InFlight[id] && !seen[id] {
			seen[id] = true
			reply.Cancellations = append(reply.Cancellations, id)
		}
	}
	for _, id := range w.pendingCancel {
		if !seen[id] {
			seen[id] = true
			reply.Cancellations = append(reply.Cancellations, id)
		}
	}
	w.pendingCancel = nil

	s.mu.Unlock()
	s.kickDispatch()
	return nil
}

// sweepLoop times out silent workers: Suspect after HeartbeatTimeout (no new
// dispatches, existing attempts keep running), Dead after DeadTimeout (all
// its attempts time out and their tasks go back to the queue).
func (s *Scheduler) sweepLoop() {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.sweepOnce(time.Now())
		}
	}
}

func (s *Scheduler) sweepOnce(now time.Time) {
	s.mu.Lock()
	for _, w := range s.workers {
		silent := now.Sub(w.LastHeartbeat)
		switch {
		case silent > s.cfg.DeadTimeout && w.Liveness != Dead:
			w.Liveness = Dead
			ids := make([]string, 0, len(w.InFlight))
			for id := range w.InFlight {
				ids = append(ids, id)
			}
			w.InFlight = make(map[string]bool)
			log.Printf("[scheduler] worker %s dead, timing out %d attempts", w.ID, len(ids))
			for _, id := range ids {
				a := s.attempts[id]
				if a == nil || a.Outcome != InFlight {
					continue
				}
				a.Outcome = TimedOut
				a.FinishedAt = now
				if task := s.tasks[a.Task]; task != nil && task.State == TaskRunning {
					task.Failures++
					if len(task.inFlight()) == 0 {
						s.requeueLocked(task, "worker "+w.ID+" died")
					}
				}
			}
		case silent > s.cfg.HeartbeatTimeout && w.Liveness == Alive:
			w.Liveness = Suspect
			log.Printf("[scheduler] worker %s suspect, last heartbeat %v ago", w.ID, silent)
		}
	}
	s.mu.Unlock()
	s.kickDispatch()
}
