package background

import (
	"context"
	"fmt"
	"sync"
	"time"

	"mohierarchy/internal/services"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

const JobOwedRebuildDrain = "owed-rebuild-drain"

// JobScheduler runs the periodic maintenance of the hierarchy engine.
type JobScheduler struct {
	scheduler gocron.Scheduler
	admission services.AdmissionService
	interval  time.Duration
	jobs      map[string]gocron.Job
	mu        sync.RWMutex
	log       *zap.Logger
}

// NewJobScheduler creates a scheduler with the owed-rebuild drain registered every interval.
func NewJobScheduler(admission services.AdmissionService, interval time.Duration, log *zap.Logger) (*JobScheduler, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	js := &JobScheduler{
		scheduler: scheduler,
		admission: admission,
		interval:  interval,
		jobs:      make(map[string]gocron.Job),
		log:       log.Named("jobs"),
	}
	if err := js.registerJobs(); err != nil {
		_ = scheduler.Shutdown()
		return nil, err
	}
	return js, nil
}

func (js *JobScheduler) Start() {
	js.log.Info("starting background job scheduler", zap.Int("jobs", len(js.jobs)))
	js.scheduler.Start()
}

func (js *JobScheduler) Stop() error {
	js.log.Info("stopping background job scheduler")
	return js.scheduler.Shutdown()
}

func (js *JobScheduler) registerJobs() error {
	// a drain still running when the next tick fires is skipped, not stacked
	job, err := js.scheduler.NewJob(
		gocron.DurationJob(js.interval),
		gocron.NewTask(js.drainOwedRebuilds, context.Background()),
		gocron.WithName(JobOwedRebuildDrain),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("create %s job: %w", JobOwedRebuildDrain, err)
	}
	js.jobs[JobOwedRebuildDrain] = job
	return nil
}

// drainOwedRebuilds runs every idle rebuild order, one hierarchy at a time.
func (js *JobScheduler) drainOwedRebuilds(ctx context.Context) error {
	start := time.Now()
	if err := js.admission.RunOwedRebuilds(ctx); err != nil {
		js.log.Error("owed rebuild drain failed", zap.Error(err), zap.Duration("took", time.Since(start)))
		return err
	}
	js.log.Debug("owed rebuild drain finished", zap.Duration("took", time.Since(start)))
	return nil
}

// RunNow triggers a registered job outside its schedule.
func (js *JobScheduler) RunNow(name string) error {
	js.mu.RLock()
	job, ok := js.jobs[name]
	js.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	return job.RunNow()
}

// GetJobStatus reports the registered jobs and their next run.
func (js *JobScheduler) GetJobStatus() map[string]any {
	js.mu.RLock()
	defer js.mu.RUnlock()

	jobs := make(map[string]any, len(js.jobs))
	for name, job := range js.jobs {
		entry := map[string]any{"id": job.ID().String()}
		if next, err := job.NextRun(); err == nil {
			entry["next_run"] = next
		}
		if last, err := job.LastRun(); err == nil && !last.IsZero() {
			entry["last_run"] = last
		}
		jobs[name] = entry
	}
	return map[string]any{"total_jobs": len(js.jobs), "jobs": jobs}
}
