package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"time"

	"github.com/gomr/coordinator/internal/coordinator/core"
	"github.com/gomr/coordinator/internal/coordinator/engine"
	"github.com/gomr/coordinator/internal/localrun"
	"github.com/gomr/coordinator/internal/shared/logging"
	"github.com/gomr/coordinator/pkg/jobs"

	_ "github.com/gomr/coordinator/examples/grep"
	_ "github.com/gomr/coordinator/examples/wordcount"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	var (
		input    = flag.String("input", "", "input files glob pattern")
		output   = flag.String("output", "", "output directory")
		reducers = flag.Int("reducers", 4, "number of reducers")
		jobName  = flag.String("job", "", "job to run (e.g., wordcount, grep)")
	)
	flag.Parse()

	if *input == "" {
		log.Fatal("Input pattern must be specified using the -input flag")
	}
	if *output == "" {
		log.Fatal("Output directory must be specified using the -output flag")
	}
	if *reducers <= 0 {
		log.Fatal("Number of reducers must be >= 1")
	}
	if _, err := jobs.Get(*jobName); err != nil {
		log.Fatalf("Unknown job: '%s'. Available jobs: %v", *jobName, jobs.List())
	}

	spec := localrun.JobSpec{
		JobName:     *jobName,
		Input:       []string{*input},
		Output:      *output,
		NumReducers: *reducers,
	}

	pipeline, inputs, env, err := spec.Build()
	if err != nil {
		log.Fatalf("Building job: %v", err)
	}

	logger := logging.NewSlogLogger(slog.LevelInfo)

	log.Printf("Starting job: %s with input: %s, output: %s, reducers: %d", *jobName, *input, *output, *reducers)

	c, err := engine.Spawn(context.Background(), engine.Config{
		JobPrefix:     *jobName,
		Pipeline:      pipeline,
		InitialInputs: inputs,
		Env:           env,
		Scheduler:     localrun.NewLocalScheduler(logger),
		EventSink:     localrun.NewLocalEventSink(logger),
		Policy: core.Policy{
			Backoff:         core.BackoffPolicy{MaxFailureRate: 3, MinPause: time.Second, MaxPause: 30 * time.Second, Randomize: 2 * time.Second},
			InputFailureCap: 3,
		},
		SubmitWorkers:        4,
		SubmitTimeout:        10 * time.Second,
		SubmitMaxAttempts:    3,
		SubmitRetryBaseDelay: 500 * time.Millisecond,
		StageTimeouts:        map[string]time.Duration{"map": 10 * time.Minute, "reduce": 10 * time.Minute},
		TimeoutCheckInterval: 15 * time.Second,
		Logger:               logger,
	})
	if err != nil {
		log.Fatalf("Spawning job: %v", err)
	}

	<-c.Done()
	result := c.Result()
	if result.Status != engine.TerminalCompleted {
		log.Fatalf("Job failed: %s (%s)", result.Status, result.Reason)
	}

	log.Println("Job completed successfully")
}
