// Package scheduler runs the cron-driven maintenance jobs: heat history
// pruning, snapshot pruning, and the reconciliation cadence. Job definitions
// load from YAML with sensible built-in defaults.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Job is one scheduled maintenance task.
type Job struct {
	Name     string `yaml:"name"`
	Schedule string `yaml:"schedule"` // standard 5-field cron
	Enabled  bool   `yaml:"enabled"`
}

// Config is the scheduler job file.
type Config struct {
	Jobs []Job `yaml:"jobs"`
}

// DefaultConfig covers the three built-in maintenance jobs.
func DefaultConfig() Config {
	return Config{Jobs: []Job{
		{Name: "heat-prune", Schedule: "0 * * * *", Enabled: true},
		{Name: "snapshot-prune", Schedule: "30 * * * *", Enabled: true},
		{Name: "reconcile", Schedule: "*/5 * * * *", Enabled: true},
	}}
}

// LoadConfig reads the YAML job file, falling back to defaults when the
// path is empty or missing.
func LoadConfig(path string) (Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return Config{}, fmt.Errorf("read scheduler config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse scheduler config: %w", err)
	}
	if len(cfg.Jobs) == 0 {
		return DefaultConfig(), nil
	}
	return cfg, nil
}

// JobFunc is the work a job runs. Errors are logged, not retried.
type JobFunc func(ctx context.Context) error

// Result records the last run of each job.
type Result struct {
	Job      string        `json:"job"`
	StartAt  time.Time     `json:"start_at"`
	Duration time.Duration `json:"duration"`
	Err      string        `json:"err,omitempty"`
}

// Scheduler binds job names to handlers and drives them on cron schedules.
type Scheduler struct {
	cron     *cron.Cron
	handlers map[string]JobFunc

	mu   sync.RWMutex
	last map[string]Result
}

func New() *Scheduler {
	return &Scheduler{
		cron:     cron.New(),
		handlers: make(map[string]JobFunc),
		last:     make(map[string]Result),
	}
}

// Register binds a handler to a job name. Must happen before Start.
func (s *Scheduler) Register(name string, fn JobFunc) {
	s.handlers[name] = fn
}

// Start wires the enabled jobs and starts the cron loop. Jobs with no
// registered handler are skipped with a warning.
func (s *Scheduler) Start(ctx context.Context, cfg Config) error {
	for _, job := range cfg.Jobs {
		if !job.Enabled {
			continue
		}
		fn, ok := s.handlers[job.Name]
		if !ok {
			log.Warn().Str("job", job.Name).Msg("no handler registered for scheduled job")
			continue
		}
		name := job.Name
		_, err := s.cron.AddFunc(job.Schedule, func() {
			s.runJob(ctx, name, fn)
		})
		if err != nil {
			return fmt.Errorf("schedule %s: %w", name, err)
		}
		log.Info().Str("job", name).Str("schedule", job.Schedule).Msg("job scheduled")
	}
	s.cron.Start()
	go func() {
		<-ctx.Done()
		s.cron.Stop()
	}()
	return nil
}

func (s *Scheduler) runJob(ctx context.Context, name string, fn JobFunc) {
	start := time.Now()
	err := fn(ctx)
	res := Result{Job: name, StartAt: start, Duration: time.Since(start)}
	if err != nil {
		res.Err = err.Error()
		log.Error().Err(err).Str("job", name).Msg("scheduled job failed")
	} else {
		log.Debug().Str("job", name).Dur("took", res.Duration).Msg("scheduled job done")
	}
	s.mu.Lock()
	s.last[name] = res
	s.mu.Unlock()
}

// LastResults returns the most recent result per job.
func (s *Scheduler) LastResults() map[string]Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Result, len(s.last))
	for k, v := range s.last {
		out[k] = v
	}
	return out
}
