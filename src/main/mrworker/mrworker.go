package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"mit.edu/filosfino/mapreduce/src/blob"
	"mit.edu/filosfino/mapreduce/src/mr"
)

func main() {
	id := flag.String("id", envOr("WORKER_ID", fmt.Sprintf("worker-%d", os.Getpid())), "worker id")
	schedulerSock := flag.String("scheduler", mr.SchedulerSock(), "scheduler unix socket")
	data := flag.String("data", "/data", "blob store base directory")
	capacity := flag.Int("capacity", 1, "concurrent task slots")
	straggler := flag.Bool("simulate-straggler", strings.EqualFold(envOr("SIMULATE_STRAGGLER", "false"), "true"),
		"inject a fixed delay before each task")
	stragglerDelay := flag.Duration("straggler-delay", 10*time.Second, "injected delay when simulating a straggler")
	flag.Parse()

	cfg := mr.DefaultConfig()
	cfg.SimulateStraggler = *straggler
	cfg.StragglerDelay = *stragglerDelay

	store, err := blob.Open(*data)
	if err != nil {
		log.Fatalf("open blob store at %s: %v", *data, err)
	}
	w, err := mr.MakeWorker(*id, cfg, store, *schedulerSock, *capacity)
	if err != nil {
		log.Fatalf("start worker: %v", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	w.Stop()
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
