package orchestrator

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/zulandar/vibeyard/internal/store"
)

// DefaultSweepCron runs the sweep every five minutes.
const DefaultSweepCron = "*/5 * * * *"

// Sweeper reaps conversations whose persisted idle deadline passed while no
// in-memory timer was tracking them, as happens across a restart.
type Sweeper struct {
	manager *Manager
	cron    string
	now     func() time.Time
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Expired int // torn down
	Rearmed int // deadline still ahead, timer restored
}

// NewSweeper validates the cron expression and returns a Sweeper.
func NewSweeper(m *Manager, cronExpr string) (*Sweeper, error) {
	if m == nil {
		return nil, fmt.Errorf("orchestrator: sweeper: manager is required")
	}
	if cronExpr == "" {
		cronExpr = DefaultSweepCron
	}
	if _, err := cronParser.Parse(cronExpr); err != nil {
		return nil, fmt.Errorf("orchestrator: sweeper: invalid cron %q: %w", cronExpr, err)
	}
	return &Sweeper{manager: m, cron: cronExpr, now: time.Now}, nil
}

// Run sweeps once immediately and then on every cron tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	s.sweepAndLog(ctx)

	timer := time.NewTimer(nextCronDuration(s.cron, s.now()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.sweepAndLog(ctx)
			d := nextCronDuration(s.cron, s.now())
			if d <= 0 {
				d = time.Minute
			}
			timer.Reset(d)
		}
	}
}

func (s *Sweeper) sweepAndLog(ctx context.Context) {
	res, err := s.Sweep(ctx)
	if err != nil {
		log.Printf("orchestrator: sweep: %v", err)
		return
	}
	if res.Expired > 0 || res.Rearmed > 0 {
		log.Printf("orchestrator: sweep: %d expired, %d timers restored", res.Expired, res.Rearmed)
	}
}

// Sweep inspects every persisted idle deadline once.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	deadlines, err := s.manager.opts.Store.ListByKey(ctx, store.KeyIdleDeadline)
	if err != nil {
		return res, fmt.Errorf("list idle deadlines: %w", err)
	}

	now := s.now()
	for id, raw := range deadlines {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if o, ok := s.manager.Lookup(id); ok && o.hasTimer() {
			continue
		}

		deadline, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			log.Printf("orchestrator: sweep: %s: bad deadline %q, expiring", id, raw)
			deadline = now
		}

		o, err := s.manager.Get(ctx, id)
		if err != nil {
			log.Printf("orchestrator: sweep: %s: %v", id, err)
			continue
		}
		if remaining := deadline.Sub(now); remaining > 0 {
			o.armTimer(remaining)
			res.Rearmed++
			continue
		}
		o.OnIdleTimeout(ctx)
		res.Expired++
	}
	return res, nil
}
