// Package service is the business-logic layer between the intake API
// and the coordinator it spawns: it turns a job submission into a
// running engine.Coordinator and keeps track of it until it terminates.
package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gomr/coordinator/internal/coordinator/core"
	"github.com/gomr/coordinator/internal/coordinator/engine"
	"github.com/gomr/coordinator/internal/coordinator/storage"
	"github.com/gomr/coordinator/internal/localrun"
	"github.com/gomr/coordinator/internal/shared/logging"
)

// JobStatusView is a point-in-time read of one job, whether it is still
// running or has already terminated.
type JobStatusView struct {
	Name     string
	Status   string
	Reason   string
	Progress core.JobProgress
	Live     bool
}

// JobRegistry owns every job this process has spawned: the live
// *engine.Coordinator while it runs, and a storage.JobRecord once it
// exits. Task decomposition is delegated to localrun.JobSpec; the
// registry's own job is bookkeeping the coordinators it starts.
type JobRegistry struct {
	mu   sync.RWMutex
	live map[string]*engine.Coordinator

	store  *storage.JobRecordStore
	logger logging.Logger

	submitWorkers        int
	submitTimeout        time.Duration
	submitMaxAttempts    int
	submitRetryBaseDelay time.Duration
	stageTimeouts        map[string]time.Duration
	timeoutCheckInterval time.Duration
	mailboxSize          int
	policy               core.Policy
}

// Config bundles the engine tuning knobs every job spawned through this
// registry shares.
type Config struct {
	SubmitWorkers        int
	SubmitTimeout        time.Duration
	SubmitMaxAttempts    int
	SubmitRetryBaseDelay time.Duration
	// MapTimeout/ReduceTimeout configure the per-stage timeout monitor;
	// either left zero disables sweeping that stage.
	MapTimeout           time.Duration
	ReduceTimeout        time.Duration
	TimeoutCheckInterval time.Duration
	MailboxSize          int
	Policy               core.Policy
}

// NewJobRegistry returns a registry backed by store, logging through
// logger.
func NewJobRegistry(store *storage.JobRecordStore, logger logging.Logger, cfg Config) *JobRegistry {
	submitWorkers := cfg.SubmitWorkers
	if submitWorkers <= 0 {
		submitWorkers = 4
	}
	submitTimeout := cfg.SubmitTimeout
	if submitTimeout <= 0 {
		submitTimeout = 30 * time.Second
	}

	stageTimeouts := make(map[string]time.Duration, 2)
	if cfg.MapTimeout > 0 {
		stageTimeouts["map"] = cfg.MapTimeout
	}
	if cfg.ReduceTimeout > 0 {
		stageTimeouts["reduce"] = cfg.ReduceTimeout
	}

	return &JobRegistry{
		live:                 make(map[string]*engine.Coordinator),
		store:                store,
		logger:               logger,
		submitWorkers:        submitWorkers,
		submitTimeout:        submitTimeout,
		submitMaxAttempts:    cfg.SubmitMaxAttempts,
		submitRetryBaseDelay: cfg.SubmitRetryBaseDelay,
		stageTimeouts:        stageTimeouts,
		timeoutCheckInterval: cfg.TimeoutCheckInterval,
		mailboxSize:          cfg.MailboxSize,
		policy:               cfg.Policy,
	}
}

// Submit resolves spec's input files, spawns a coordinator for it, and
// returns the job name once the coordinator reports that it has started.
func (r *JobRegistry) Submit(ctx context.Context, spec localrun.JobSpec) (string, error) {
	pipeline, inputs, env, err := spec.Build()
	if err != nil {
		return "", fmt.Errorf("building job %q: %w", spec.JobName, err)
	}

	scheduler := localrun.NewLocalScheduler(r.logger)
	eventSink := localrun.NewLocalEventSink(r.logger)

	c, err := engine.Spawn(ctx, engine.Config{
		JobPrefix:            spec.JobName,
		Pipeline:             pipeline,
		InitialInputs:        inputs,
		Env:                  env,
		Scheduler:            scheduler,
		EventSink:            eventSink,
		Policy:               r.policy,
		SubmitWorkers:        r.submitWorkers,
		SubmitTimeout:        r.submitTimeout,
		SubmitMaxAttempts:    r.submitMaxAttempts,
		SubmitRetryBaseDelay: r.submitRetryBaseDelay,
		StageTimeouts:        r.stageTimeouts,
		TimeoutCheckInterval: r.timeoutCheckInterval,
		MailboxSize:          r.mailboxSize,
		Logger:               r.logger,
	})
	if err != nil {
		return "", fmt.Errorf("spawning job %q: %w", spec.JobName, err)
	}

	select {
	case jobName := <-c.Started():
		r.mu.Lock()
		r.live[jobName] = c
		r.mu.Unlock()
		go r.awaitTermination(jobName, c)
		return jobName, nil
	case <-time.After(60 * time.Second):
		c.Send(engine.KillJobMsg{Reason: "job did not start within 60s"})
		return "", fmt.Errorf("job %q did not start within 60s", spec.JobName)
	}
}

// awaitTermination moves a job from the live map into the terminal
// record store once its coordinator's run loop exits.
func (r *JobRegistry) awaitTermination(jobName string, c *engine.Coordinator) {
	<-c.Done()
	result := c.Result()
	r.store.Save(storage.JobRecord{
		Name:       jobName,
		Status:     string(result.Status),
		Reason:     result.Reason,
		FinishedAt: time.Now(),
	})
	r.mu.Lock()
	delete(r.live, jobName)
	r.mu.Unlock()
	r.logger.Info("Job evicted from live registry", "job", jobName, "status", result.Status)
}

// Status returns jobName's current view, reading straight through to
// the live coordinator's mailbox (via Snapshot) while it is running, and
// falling back to its terminal record once it has exited.
func (r *JobRegistry) Status(jobName string) (JobStatusView, bool) {
	r.mu.RLock()
	c, live := r.live[jobName]
	r.mu.RUnlock()

	if live {
		progress, ok := c.Snapshot()
		if ok {
			return JobStatusView{Name: jobName, Status: "RUNNING", Progress: progress, Live: true}, true
		}
		// The coordinator terminated between the map lookup and the
		// snapshot request; fall through to the record store below.
	}

	rec, ok := r.store.Get(jobName)
	if !ok {
		return JobStatusView{}, false
	}
	return JobStatusView{Name: rec.Name, Status: rec.Status, Reason: rec.Reason}, true
}

// Kill sends a kill request to jobName's coordinator if it is still
// live. It reports false if the job is not currently running.
func (r *JobRegistry) Kill(jobName, reason string) bool {
	r.mu.RLock()
	c, ok := r.live[jobName]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	c.Send(engine.KillJobMsg{Reason: reason})
	return true
}

// List returns a view of every job the registry knows about, live or
// terminal.
func (r *JobRegistry) List() []JobStatusView {
	r.mu.RLock()
	names := make([]string, 0, len(r.live))
	for name := range r.live {
		names = append(names, name)
	}
	r.mu.RUnlock()

	seen := make(map[string]bool, len(names))
	views := make([]JobStatusView, 0, len(names))
	for _, name := range names {
		if view, ok := r.Status(name); ok {
			views = append(views, view)
			seen[name] = true
		}
	}
	for _, rec := range r.store.List() {
		if seen[rec.Name] {
			continue
		}
		views = append(views, JobStatusView{Name: rec.Name, Status: rec.Status, Reason: rec.Reason})
	}
	return views
}
