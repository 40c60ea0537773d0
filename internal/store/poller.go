package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/robfig/cron/v3"

	appLog "tourcal/internal/log"
	"tourcal/internal/metrics"
)

// DefaultPollInterval is the tours refresh schedule.
const DefaultPollInterval = "@every 30s"

// Poller refreshes the tours collection on a cron schedule. A tick that
// fires while the previous poll is still running is skipped, not queued.
type Poller struct {
	cron     *cron.Cron
	schedule string
	refresh  func(ctx context.Context) error
	metrics  *metrics.Metrics

	running atomic.Bool

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// NewPoller schedules refresh on schedule (any robfig/cron spec, including
// "@every 30s" descriptors).
func NewPoller(schedule string, refresh func(ctx context.Context) error, m *metrics.Metrics) (*Poller, error) {
	if schedule == "" {
		schedule = DefaultPollInterval
	}

	p := &Poller{
		cron:     cron.New(cron.WithLogger(appLog.CronLogger())),
		schedule: schedule,
		refresh:  refresh,
		metrics:  m,
		ctx:      context.Background(),
	}

	if _, err := p.cron.AddFunc(schedule, p.tick); err != nil {
		return nil, fmt.Errorf("invalid poll schedule %q: %w", schedule, err)
	}
	return p, nil
}

// NewTourPoller polls s.Tours.
func NewTourPoller(s *Store, schedule string, m *metrics.Metrics) (*Poller, error) {
	return NewPoller(schedule, func(ctx context.Context) error {
		_, err := s.Tours.Refresh(ctx)
		return err
	}, m)
}

// Start begins ticking. Polls run under a context derived from ctx and are
// cancelled by Stop.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.started = true
	p.cron.Start()

	appLog.Info("poller started", "schedule", p.schedule)
}

// Stop halts the schedule, cancels an in-flight poll and waits for it.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	<-p.cron.Stop().Done()
	appLog.Info("poller stopped")
}

// Poll runs one refresh unless another is in flight. skipped reports that
// the call did nothing because of overlap.
func (p *Poller) Poll(ctx context.Context) (skipped bool, err error) {
	if !p.running.CompareAndSwap(false, true) {
		p.metrics.PollSkip()
		appLog.Debug("poll skipped, previous poll still running", "schedule", p.schedule)
		return true, nil
	}
	defer p.running.Store(false)

	return false, p.refresh(ctx)
}

func (p *Poller) tick() {
	p.mu.Lock()
	ctx := p.ctx
	p.mu.Unlock()

	if _, err := p.Poll(ctx); err != nil && ctx.Err() == nil {
		// Already logged by the collection; the next tick retries naturally.
		appLog.Warn("poll failed", "err", err.Error())
	}
}
