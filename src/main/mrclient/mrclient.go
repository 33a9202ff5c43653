package main

import (
	"flag"
	"fmt"
	"io/ioutil"
	"os"
	"time"

	"mit.edu/filosfino/mapreduce/src/mr"
)

func usage() {
	fmt.Fprintf(os.Stderr, `usage:
  mrclient upload <local> <remote>
  mrclient submit --input PATH --output PATH --mapper REF --reducer REF --num-maps N --num-reduces N [--follow]
  mrclient status <job_id> [--follow]
  mrclient results <output_path> [--limit N]
`)
	os.Exit(2)
}

func main() {
	sock := flag.String("sock", mr.SchedulerSock(), "scheduler unix socket")
	flag.Parse()
	if flag.NArg() < 1 {
		usage()
	}
	client := mr.NewClient(*sock)

	switch flag.Arg(0) {
	case "upload":
		if flag.NArg() != 3 {
			usage()
		}
		local, remote := flag.Arg(1), flag.Arg(2)
		data, err := ioutil.ReadFile(local)
		if err != nil {
			fatal("read %s: %v", local, err)
		}
		if err := client.UploadBlob(data, remote); err != nil {
			fatal("upload: %v", err)
		}
		fmt.Printf("uploaded %s to %s (%d bytes)\n", local, remote, len(data))

	case "submit":
		fs := flag.NewFlagSet("submit", flag.ExitOnError)
		input := fs.String("input", "", "input blob path")
		output := fs.String("output", "", "output blob directory")
		mapper := fs.String("mapper", "", "mapper ref")
		reducer := fs.String("reducer", "", "reducer ref")
		numMaps := fs.Int("num-maps", 1, "map tasks")
		numReduces := fs.Int("num-reduces", 1, "reduce partitions")
		follow := fs.Bool("follow", false, "wait for the job to finish")
		fs.Parse(flag.Args()[1:])

		reply, err := client.SubmitJob(mr.SubmitJobArgs{
			InputPath:  *input,
			OutputPath: *output,
			MapperRef:  *mapper,
			ReducerRef: *reducer,
			NumMaps:    *numMaps,
			NumReduces: *numReduces,
		})
		if err != nil {
			fatal("submit: %v", err)
		}
		fmt.Printf("job %s: %s\n", reply.JobID, reply.Message)
		if *follow {
			followJob(client, reply.JobID)
		}

	case "status":
		if flag.NArg() < 2 {
			usage()
		}
		fs := flag.NewFlagSet("status", flag.ExitOnError)
		follow := fs.Bool("follow", false, "poll until terminal")
		fs.Parse(flag.Args()[2:])
		if *follow {
			followJob(client, flag.Arg(1))
			return
		}
		status, err := client.GetJobStatus(flag.Arg(1))
		if err != nil {
			fatal("status: %v", err)
		}
		printStatus(status)

	case "results":
		if flag.NArg() < 2 {
			usage()
		}
		fs := flag.NewFlagSet("results", flag.ExitOnError)
		limit := fs.Int("limit", 0, "max lines to print")
		fs.Parse(flag.Args()[2:])
		lines, err := client.GetResults(flag.Arg(1), *limit)
		if err != nil {
			fatal("results: %v", err)
		}
		for _, line := range lines {
			fmt.Println(line)
		}
		fmt.Fprintf(os.Stderr, "%d results\n", len(lines))

	default:
		usage()
	}
}

func followJob(client *mr.Client, jobID string) {
	for {
		status, err := client.GetJobStatus(jobID)
		if err != nil {
			fatal("status: %v", err)
		}
		printStatus(status)
		if status.Phase == mr.Completed {
			return
		}
		if status.Phase == mr.Failed {
			os.Exit(1)
		}
		time.Sleep(2 * time.Second)
	}
}

func printStatus(s mr.GetJobStatusReply) {
	fmt.Printf("job %s: %s\n", s.JobID, s.Phase)
	fmt.Printf("  map:    %d/%d committed (%d running, %d pending)\n",
		s.MapCounts.Committed, s.NumMaps, s.MapCounts.Running, s.MapCounts.Pending)
	fmt.Printf("  reduce: %d/%d committed (%d running, %d pending)\n",
		s.ReduceCounts.Committed, s.NumReduces, s.ReduceCounts.Running, s.ReduceCounts.Pending)
	if s.Stats.RecordsOut > 0 {
		fmt.Printf("  stats: %d bytes in, %d bytes out, %d records\n",
			s.Stats.BytesIn, s.Stats.BytesOut, s.Stats.RecordsOut)
	}
	if s.FailedAttempts > 0 {
		fmt.Printf("  failed attempts: %d\n", s.FailedAttempts)
	}
	if s.ErrorMessage != "" {
		fmt.Printf("  error: %s\n", s.ErrorMessage)
	}
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
