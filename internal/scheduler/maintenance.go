package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Maintenance runs named housekeeping jobs on cron expressions, such as the
// daily SIP run and stale-session sweeps. Each job runs under the base
// context and never overlaps with itself.
type Maintenance struct {
	baseCtx context.Context
	cron    *cron.Cron

	mu      sync.Mutex
	started bool
}

func NewMaintenance(baseCtx context.Context) *Maintenance {
	logger := cronLogger{}
	return &Maintenance{
		baseCtx: baseCtx,
		cron: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
	}
}

// Add registers job under a standard cron expression or descriptor
// (e.g. "0 9 * * *", "@every 10m").
func (m *Maintenance) Add(name, spec string, job func(ctx context.Context) error) error {
	_, err := m.cron.AddFunc(spec, func() {
		start := time.Now()
		if err := job(m.baseCtx); err != nil {
			slog.Error("maintenance job failed", "job", name, "error", err)
			return
		}
		slog.Info("maintenance job completed", "job", name, "duration", time.Since(start).String())
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	slog.Info("maintenance job scheduled", "job", name, "spec", spec)
	return nil
}

func (m *Maintenance) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true
	m.cron.Start()
}

// Stop prevents further runs and waits for running jobs to return.
func (m *Maintenance) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	m.mu.Unlock()
	<-m.cron.Stop().Done()
}
