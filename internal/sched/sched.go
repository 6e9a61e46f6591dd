// Package sched runs syncs on a cron schedule. It is a thin wrapper over
// robfig/cron so the rest of the program only deals with the Runner
// contract shared with the HTTP trigger.
package sched

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"crmsync/internal/run"
)

// Runner executes one sync run. Satisfied by *run.Coordinator.
type Runner interface {
	Run(ctx context.Context) (*run.Result, error)
}

// Scheduler fires runs on a cron expression. Overlapping ticks are
// serialized so a slow run never races a fast schedule.
type Scheduler struct {
	job    string
	runner Runner
	cron   *cron.Cron

	// RunTimeout bounds one scheduled run; zero means 30 minutes.
	RunTimeout time.Duration

	mu sync.Mutex
}

// New builds a Scheduler for one job. The expression uses the standard
// five-field cron syntax, e.g. "0 */6 * * *".
func New(job, expr string, r Runner) (*Scheduler, error) {
	s := &Scheduler{job: job, runner: r, cron: cron.New()}
	if _, err := s.cron.AddFunc(expr, s.tick); err != nil {
		return nil, fmt.Errorf("sched: invalid expression %q for job %s: %w", expr, job, err)
	}
	return s, nil
}

// Start launches the cron loop in its own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
	log.Printf("sched: job=%s scheduled", s.job)
}

// Stop halts the cron loop and waits for an in-flight run to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	// Taking the lock waits out any tick that was already running.
	s.mu.Lock()
	defer s.mu.Unlock()
}

func (s *Scheduler) tick() {
	s.mu.Lock()
	defer s.mu.Unlock()

	timeout := s.RunTimeout
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	log.Printf("sched: job=%s run starting", s.job)
	if _, err := s.runner.Run(ctx); err != nil {
		log.Printf("sched: job=%s run failed: %v", s.job, err)
	}
}
