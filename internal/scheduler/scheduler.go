package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

var ErrUnknownJob = errors.New("unknown job")

// Sweep is an idempotent periodic job. It returns how many rows it changed.
type Sweep func(ctx context.Context) (int, error)

type JobStatus struct {
	Name       string        `json:"name"`
	Interval   time.Duration `json:"interval"`
	LastRun    time.Time     `json:"last_run,omitempty"`
	LastResult int           `json:"last_result"`
	LastError  string        `json:"last_error,omitempty"`
	Runs       int64         `json:"runs"`
	Failures   int64         `json:"failures"`
}

type job struct {
	sweep  Sweep
	status JobStatus
}

// Scheduler runs sweeps on fixed intervals. An overlapping tick is skipped
// rather than queued.
type Scheduler struct {
	cron   *cron.Cron
	logger *log.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	jobs map[string]*job
}

func New(logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	cronLogger := cron.PrintfLogger(logger)
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(time.UTC),
			cron.WithLogger(cronLogger),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*job),
	}
}

// Register schedules a sweep every interval. Names are unique.
func (s *Scheduler) Register(name string, interval time.Duration, sweep Sweep) error {
	if name == "" || sweep == nil {
		return fmt.Errorf("register job: name and sweep are required")
	}
	if interval <= 0 {
		return fmt.Errorf("register job %s: interval must be positive", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("register job %s: already registered", name)
	}
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		if _, err := s.run(s.ctx, name); err != nil {
			s.logger.Printf("job %s failed: %v", name, err)
		}
	}); err != nil {
		return fmt.Errorf("register job %s: %w", name, err)
	}
	s.jobs[name] = &job{sweep: sweep, status: JobStatus{Name: name, Interval: interval}}
	return nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels running sweeps and waits for them to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}

// RunOnce runs a job synchronously, outside its schedule.
func (s *Scheduler) RunOnce(ctx context.Context, name string) (int, error) {
	return s.run(ctx, name)
}

func (s *Scheduler) run(ctx context.Context, name string) (int, error) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("job %s: %w", name, ErrUnknownJob)
	}

	changed, err := j.sweep(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	j.status.LastRun = time.Now().UTC()
	j.status.LastResult = changed
	j.status.Runs++
	j.status.LastError = ""
	if err != nil {
		j.status.Failures++
		j.status.LastError = err.Error()
		return changed, err
	}
	if changed > 0 {
		s.logger.Printf("job %s changed=%d", name, changed)
	}
	return changed, nil
}

func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobStatus, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.status)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Name < out[k].Name })
	return out
}
