// Package scheduler runs named background jobs on fixed intervals using gocron.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// JobInfo is a snapshot of one job for status reporting.
type JobInfo struct {
	Name      string        `json:"name"`
	Interval  time.Duration `json:"interval"`
	LastRun   time.Time     `json:"last_run,omitempty"`
	LastError string        `json:"last_error,omitempty"`
	Runs      int64         `json:"runs"`
}

// Task is the unit of work a job executes.
type Task func(ctx context.Context) error

type Scheduler struct {
	scheduler gocron.Scheduler
	logger    *slog.Logger
	ctx       context.Context
	cancel    context.CancelFunc

	mu    sync.Mutex
	jobs  map[string]gocron.Job
	infos map[string]*JobInfo
}

func New(logger *slog.Logger) (*Scheduler, error) {
	s, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		scheduler: s,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		jobs:      make(map[string]gocron.Job),
		infos:     make(map[string]*JobInfo),
	}, nil
}

// Every registers task to run at interval. A run still in progress when the
// next tick fires is not overlapped.
func (s *Scheduler) Every(name string, interval time.Duration, task Task) error {
	if interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job with name %s already exists", name)
	}

	j, err := s.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() { s.run(name, task) }),
		gocron.WithName(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return err
	}
	s.jobs[name] = j
	s.infos[name] = &JobInfo{Name: name, Interval: interval}
	s.logger.Info("scheduled job", "job", name, "interval", interval.String())
	return nil
}

// RunNow triggers a registered job outside its schedule.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job with name %s does not exist", name)
	}
	return j.RunNow()
}

func (s *Scheduler) Start() {
	s.logger.Info("starting scheduler")
	s.scheduler.Start()
}

// Shutdown cancels running tasks and waits for them to return.
func (s *Scheduler) Shutdown() error {
	s.logger.Info("stopping scheduler")
	s.cancel()
	return s.scheduler.Shutdown()
}

// Jobs returns a snapshot of every registered job.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.infos))
	for _, info := range s.infos {
		out = append(out, *info)
	}
	return out
}

func (s *Scheduler) run(name string, task Task) {
	start := time.Now().UTC()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic in job: %v", r)
			}
		}()
		return task(s.ctx)
	}()

	s.mu.Lock()
	if info, ok := s.infos[name]; ok {
		info.LastRun = start
		info.Runs++
		info.LastError = ""
		if err != nil {
			info.LastError = err.Error()
		}
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("job failed", "job", name, "err", err, "duration_ms", time.Since(start).Milliseconds())
		return
	}
	s.logger.Debug("job finished", "job", name, "duration_ms", time.Since(start).Milliseconds())
}
