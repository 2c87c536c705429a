package refresh

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/kwranking/kwranking/pkg/types"
	"github.com/kwranking/kwranking/server/internal/observability"
	"github.com/kwranking/kwranking/server/internal/ranking"
	"github.com/kwranking/kwranking/server/internal/telemetry"
)

// Scheduler states reported by State.
const (
	StateArmed    = "armed"
	StateDisabled = "disabled"
)

const defaultFetchTimeout = 10 * time.Second

// FlopEstimator supplies a throughput score for a newly promoted host whose
// sample carried none.
type FlopEstimator func(hostID string) float64

// RandomFlop draws a synthetic score uniformly from [0, 5).
func RandomFlop(string) float64 { return rand.Float64() * 5 }

// HealthReporter receives the provider acquisition outcome of every cycle.
type HealthReporter interface {
	ReportTelemetry(ok bool)
}

// Options configures a Scheduler. Zero values select defaults.
type Options struct {
	// Interval between cycles; also the age at which a record is stale.
	Interval time.Duration
	// FetchRate limits provider calls per second. Zero means unlimited.
	FetchRate float64
	// FetchBurst is the token bucket size (default 1).
	FetchBurst int
	// FetchTimeout bounds each provider call (default 10s).
	FetchTimeout time.Duration
	// Flop scores new hosts without a reported Flop (default RandomFlop).
	Flop FlopEstimator
	// Health is notified after every cycle. Optional.
	Health HealthReporter
}

// Report summarizes one cycle.
type Report struct {
	Stale     int   `json:"stale"`
	Refreshed int   `json:"refreshed"`
	Waiting   int   `json:"waiting"`
	Promoted  int   `json:"promoted"`
	Failed    int   `json:"failed"`
	Err       error `json:"-"`
}

// Scheduler periodically refreshes stale records and promotes waitlisted hosts.
type Scheduler struct {
	db      *ranking.Database
	conn    telemetry.Connector
	limiter *rate.Limiter
	timeout time.Duration
	flop    FlopEstimator
	health  HealthReporter

	mu       sync.Mutex
	interval time.Duration
	last     Report
	lastAt   time.Time

	wake chan struct{}
}

// New returns a Scheduler for db that pulls samples through conn.
func New(db *ranking.Database, conn telemetry.Connector, opts Options) *Scheduler {
	limit := rate.Inf
	if opts.FetchRate > 0 {
		limit = rate.Limit(opts.FetchRate)
	}
	burst := opts.FetchBurst
	if burst <= 0 {
		burst = 1
	}
	timeout := opts.FetchTimeout
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	flop := opts.Flop
	if flop == nil {
		flop = RandomFlop
	}
	return &Scheduler{
		db:       db,
		conn:     conn,
		limiter:  rate.NewLimiter(limit, burst),
		timeout:  timeout,
		flop:     flop,
		health:   opts.Health,
		interval: opts.Interval,
		wake:     make(chan struct{}, 1),
	}
}

// Interval returns the current refresh interval.
func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

// State reports "armed" when the interval is positive and "disabled" otherwise.
func (s *Scheduler) State() string {
	if s.Interval() > 0 {
		return StateArmed
	}
	return StateDisabled
}

// SetInterval changes the interval. A pending wait in Run is cancelled and
// re-evaluated against the new value.
func (s *Scheduler) SetInterval(d time.Duration) {
	s.mu.Lock()
	prev := s.interval
	s.interval = d
	s.mu.Unlock()

	if prev != d {
		slog.Info("refresh: interval changed", "from", prev, "to", d)
	}
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// LastReport returns the outcome of the most recent cycle and when it started.
func (s *Scheduler) LastReport() (Report, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.lastAt
}

// Run drives cycles until ctx is cancelled. It blocks.
// The timer is armed when a cycle finishes, so a host refreshed late in one
// cycle is already stale when the next one starts.
func (s *Scheduler) Run(ctx context.Context) {
	var finished time.Time
	for {
		d := s.Interval()
		if d <= 0 {
			slog.Info("refresh: scheduler disabled")
			select {
			case <-ctx.Done():
				return
			case <-s.wake:
				continue
			}
		}

		if !finished.IsZero() {
			if wait := d - time.Since(finished); wait > 0 {
				timer := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-s.wake:
					timer.Stop()
					continue
				case <-timer.C:
				}
			}
		}
		if ctx.Err() != nil {
			return
		}

		s.RunCycle(ctx)
		finished = time.Now()
	}
}

// RunCycle performs one refresh cycle synchronously. When the scheduler is
// disabled every record counts as stale.
func (s *Scheduler) RunCycle(ctx context.Context) Report {
	start := time.Now()
	rep := s.cycle(ctx)
	elapsed := time.Since(start)

	observability.RefreshCycleDuration.Observe(elapsed.Seconds())

	s.mu.Lock()
	s.last, s.lastAt = rep, start
	s.mu.Unlock()

	if rep.Err != nil {
		return rep
	}
	slog.Info("refresh: cycle complete",
		"stale", rep.Stale,
		"refreshed", rep.Refreshed,
		"waiting", rep.Waiting,
		"promoted", rep.Promoted,
		"failed", rep.Failed,
		"duration", elapsed,
	)
	return rep
}

func (s *Scheduler) cycle(ctx context.Context) Report {
	stale := s.db.StaleHosts(max(s.Interval(), 0))
	waiting := s.db.Waiting()
	rep := Report{Stale: len(stale), Waiting: len(waiting)}

	if len(stale) == 0 && len(waiting) == 0 {
		observability.RefreshCycles.WithLabelValues("idle").Inc()
		return rep
	}

	p, err := s.conn.Connect(ctx)
	if err != nil {
		slog.Error("refresh: cannot acquire telemetry provider, skipping cycle", "err", err)
		observability.RefreshCycles.WithLabelValues("unavailable").Inc()
		s.report(false)
		rep.Err = err
		return rep
	}
	s.report(true)

	for _, id := range stale {
		if ctx.Err() != nil {
			break
		}
		switch s.refreshHost(ctx, p, id) {
		case outcomeUpdated:
			rep.Refreshed++
		case outcomeFailed:
			rep.Failed++
		}
	}
	for _, id := range waiting {
		if ctx.Err() != nil {
			break
		}
		switch s.refreshHost(ctx, p, id) {
		case outcomeUpdated:
			rep.Promoted++
		case outcomeFailed:
			rep.Failed++
		}
	}

	observability.RefreshCycles.WithLabelValues("ok").Inc()
	return rep
}

type outcome int

const (
	outcomeEmpty outcome = iota
	outcomeUpdated
	outcomeFailed
)

// refreshHost fetches one sample without holding the database lock and
// commits it through Add.
func (s *Scheduler) refreshHost(ctx context.Context, p telemetry.Provider, id string) outcome {
	sample, err := s.fetch(ctx, p, id)
	if err != nil {
		if ctx.Err() != nil {
			return outcomeEmpty
		}
		slog.Warn("refresh: fetch failed", "host", id, "err", err)
		observability.ProviderFetches.WithLabelValues("error").Inc()
		return outcomeFailed
	}
	if sample == nil {
		slog.Debug("refresh: no data for host", "host", id)
		observability.ProviderFetches.WithLabelValues("empty").Inc()
		return outcomeEmpty
	}

	h, err := s.db.Merge(id, sample.Min, sample.Max, sample.Flop, s.flop)
	if err != nil {
		slog.Warn("refresh: sample rejected", "host", id, "err", err)
		observability.ProviderFetches.WithLabelValues("rejected").Inc()
		return outcomeFailed
	}
	slog.Debug("refresh: host updated", "host", id, "wmin", sample.Min, "wmax", sample.Max, "flop", h.Flop)
	observability.ProviderFetches.WithLabelValues("ok").Inc()
	return outcomeUpdated
}

func (s *Scheduler) fetch(ctx context.Context, p telemetry.Provider, id string) (*types.Sample, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	fctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return p.FetchPowerStats(fctx, id)
}

func (s *Scheduler) report(ok bool) {
	if s.health != nil {
		s.health.ReportTelemetry(ok)
	}
}
