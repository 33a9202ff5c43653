package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mit.edu/filosfino/mapreduce/src/blob"
	"mit.edu/filosfino/mapreduce/src/mr"
)

func main() {
	sock := flag.String("sock", mr.SchedulerSock(), "unix socket to serve on")
	data := flag.String("data", "/data", "blob store base directory")
	heartbeatTimeout := flag.Duration("heartbeat-timeout", 10*time.Second, "silence before a worker is Suspect")
	deadTimeout := flag.Duration("dead-timeout", 30*time.Second, "silence before a worker is Dead")
	checkInterval := flag.Duration("check-interval", 5*time.Second, "straggler monitor tick")
	stragglerThreshold := flag.Float64("straggler-threshold", 1.5, "backup when elapsed exceeds this multiple of the median")
	maxAttempts := flag.Int("max-attempts", 3, "attempts per task before the job fails")
	flag.Parse()

	cfg := mr.DefaultConfig()
	cfg.HeartbeatTimeout = *heartbeatTimeout
	cfg.DeadTimeout = *deadTimeout
	cfg.CheckInterval = *checkInterval
	cfg.StragglerThreshold = *stragglerThreshold
	cfg.MaxAttempts = *maxAttempts

	store, err := blob.Open(*data)
	if err != nil {
		log.Fatalf("open blob store at %s: %v", *data, err)
	}
	s, err := mr.MakeScheduler(cfg, store, *sock)
	if err != nil {
		log.Fatalf("start scheduler: %v", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	s.Stop()
}
