package refresh

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"

	"arbengine/internal/application/port"
	"arbengine/internal/domain/model"
)

// Refresher 由 service.Orchestrator 实现
type Refresher interface {
	ListProducts(ctx context.Context) ([]model.ProductRef, error)
	RefreshAll(ctx context.Context, productIDs []string) model.RefreshReport
}

// Observer is called after every cycle.
type Observer func(Cycle)

type Config struct {
	Interval       time.Duration // 正常两轮之间的间隔
	BackoffInitial time.Duration
	BackoffMax     time.Duration // 必须小于 Interval
}

func DefaultConfig() Config {
	return Config{
		Interval:       30 * time.Minute,
		BackoffInitial: 5 * time.Minute,
		BackoffMax:     25 * time.Minute,
	}
}

type Deps struct {
	Refresher Refresher
	Publisher port.Publisher // 可为 nil
	Sink      port.Sink      // 可为 nil
	Recorder  port.Recorder
	Observer  Observer
	Now       func() time.Time
	After     func(time.Duration) <-chan time.Time
}

// Scheduler 周期性刷新全部商品的机会集合
type Scheduler struct {
	cfg   Config
	deps  Deps
	state atomic.Int32
	bo    *backoff.ExponentialBackOff
}

func NewScheduler(cfg Config, deps Deps) (*Scheduler, error) {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = def.BackoffInitial
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = min(def.BackoffMax, cfg.Interval-time.Second)
	}
	if cfg.BackoffMax >= cfg.Interval {
		return nil, errors.New("refresh: backoff max must be shorter than the interval")
	}
	if cfg.BackoffInitial > cfg.BackoffMax {
		cfg.BackoffInitial = cfg.BackoffMax
	}
	if deps.Refresher == nil {
		return nil, errors.New("refresh: refresher is required")
	}
	if deps.Recorder == nil {
		deps.Recorder = port.NopRecorder{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.After == nil {
		deps.After = time.After
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.BackoffInitial
	bo.MaxInterval = cfg.BackoffMax
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.1
	bo.Reset()

	return &Scheduler{cfg: cfg, deps: deps, bo: bo}, nil
}

func (s *Scheduler) State() State { return State(s.state.Load()) }

func (s *Scheduler) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	if prev != st {
		log.Debug().Str("from", prev.String()).Str("to", st.String()).Msg("refresh scheduler state")
	}
}

// Run refreshes immediately, then keeps refreshing until ctx is cancelled.
// Cancellation is the only way out; it returns nil in that case.
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.setState(StateStopped)
	log.Info().Dur("interval", s.cfg.Interval).Msg("refresh scheduler started")

	for {
		cycle := s.RunOnce(ctx)
		if ctx.Err() != nil {
			log.Info().Msg("refresh scheduler stopped")
			return nil
		}

		delay := s.nextDelay(cycle)
		select {
		case <-ctx.Done():
			log.Info().Msg("refresh scheduler stopped")
			return nil
		case <-s.deps.After(delay):
		}
	}
}

// nextDelay picks the sleep before the next cycle and moves the state
// machine to Sleeping or Backoff.
func (s *Scheduler) nextDelay(c Cycle) time.Duration {
	if !c.needsBackoff() {
		s.bo.Reset()
		s.setState(StateSleeping)
		return s.cfg.Interval
	}
	d := s.bo.NextBackOff()
	// 随机抖动可能超过上限
	if d > s.cfg.BackoffMax {
		d = s.cfg.BackoffMax
	}
	s.setState(StateBackoff)
	log.Warn().Str("outcome", c.Outcome).Dur("retry_in", d).Msg("refresh cycle failed, backing off")
	return d
}

// RunOnce runs a single cycle: list the catalog, refresh every product,
// report. It never returns an error; the outcome is in the Cycle.
func (s *Scheduler) RunOnce(ctx context.Context) Cycle {
	s.setState(StateRunning)
	c := Cycle{Started: s.deps.Now()}

	products, err := s.deps.Refresher.ListProducts(ctx)
	if err != nil {
		c.Err = err
		c.Outcome = OutcomeListError
		log.Error().Err(err).Msg("refresh: list products failed")
	} else {
		ids := make([]string, 0, len(products))
		for _, p := range products {
			ids = append(ids, p.ID)
		}
		c.Report = s.deps.Refresher.RefreshAll(ctx, ids)
		c.Outcome = outcomeOf(c.Report)
	}
	c.Duration = s.deps.Now().Sub(c.Started)

	s.report(c)
	return c
}

func (s *Scheduler) report(c Cycle) {
	log.Info().
		Str("outcome", c.Outcome).
		Int("succeeded", len(c.Report.Succeeded)).
		Int("failed", len(c.Report.Failed)).
		Int("skipped", len(c.Report.Skipped)).
		Dur("took", c.Duration).
		Msg("refresh cycle done")

	s.deps.Recorder.RefreshCycle(c.Outcome, c.Duration)
	if s.deps.Publisher != nil {
		n := s.deps.Publisher.Broadcast(port.Envelope{
			Type:      port.MsgRefreshSummary,
			Data:      summarize(c),
			Timestamp: s.deps.Now().UTC(),
		})
		log.Debug().Int("subscribers", n).Msg("refresh summary published")
	}
	if s.deps.Sink != nil {
		_ = s.deps.Sink.WriteReport(c.Started, c.Report)
	}
	if s.deps.Observer != nil {
		s.deps.Observer(c)
	}
}
