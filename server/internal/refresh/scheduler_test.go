package refresh

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kwranking/kwranking/pkg/types"
	"github.com/kwranking/kwranking/server/internal/ranking"
	"github.com/kwranking/kwranking/server/internal/telemetry"
)

var baseTime = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

// fakeProvider serves canned samples and records calls.
type fakeProvider struct {
	mu      sync.Mutex
	samples map[string]*types.Sample
	errs    map[string]error
	calls   map[string]int
	hook    func(ctx context.Context, id string)
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		samples: make(map[string]*types.Sample),
		errs:    make(map[string]error),
		calls:   make(map[string]int),
	}
}

func (p *fakeProvider) set(id string, s *types.Sample) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.samples[id] = s
}

func (p *fakeProvider) FetchPowerStats(ctx context.Context, id string) (*types.Sample, error) {
	p.mu.Lock()
	p.calls[id]++
	hook := p.hook
	s, err := p.samples[id], p.errs[id]
	p.mu.Unlock()

	if hook != nil {
		hook(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, nil
	}
	cp := *s
	return &cp, nil
}

func (p *fakeProvider) callCount(id string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[id]
}

type fakeConnector struct {
	p        *fakeProvider
	connects atomic.Int32

	mu  sync.Mutex
	err error
}

func (c *fakeConnector) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

func (c *fakeConnector) Connect(context.Context) (telemetry.Provider, error) {
	c.connects.Add(1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	return c.p, nil
}

func (c *fakeConnector) Close() error { return nil }

type fakeHealth struct {
	mu      sync.Mutex
	reports []bool
}

func (h *fakeHealth) ReportTelemetry(ok bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.reports = append(h.reports, ok)
}

func fixedFlop(v float64) FlopEstimator { return func(string) float64 { return v } }

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func setup(t *testing.T, opts Options) (*ranking.Database, *fakeProvider, *fakeConnector, *clock, *Scheduler) {
	t.Helper()
	clk := &clock{t: baseTime}
	db := ranking.NewWithClock(clk.now)
	p := newFakeProvider()
	conn := &fakeConnector{p: p}
	if opts.Flop == nil {
		opts.Flop = fixedFlop(1)
	}
	return db, p, conn, clk, New(db, conn, opts)
}

func TestRunCycle_PromotesWaitlistedHost(t *testing.T) {
	db, p, _, _, s := setup(t, Options{Interval: time.Minute})
	db.Wait("h1")
	p.set("h1", &types.Sample{Min: 10, Max: 20, Flop: 2})

	rep := s.RunCycle(context.Background())
	if rep.Err != nil {
		t.Fatalf("cycle err: %v", rep.Err)
	}
	if rep.Waiting != 1 || rep.Promoted != 1 || rep.Failed != 0 {
		t.Errorf("report = %+v, want waiting 1 promoted 1", rep)
	}
	h, ok := db.Get("h1")
	if !ok {
		t.Fatal("h1 not promoted")
	}
	if math.Abs(h.Efficiency-0.1) > 1e-9 {
		t.Errorf("Efficiency = %v, want 0.1", h.Efficiency)
	}
	if db.IsWaiting("h1") {
		t.Error("h1 still waiting after promotion")
	}
}

func TestRunCycle_EmptySampleLeavesHostWaiting(t *testing.T) {
	db, p, _, _, s := setup(t, Options{Interval: time.Minute})
	db.Wait("h1")

	rep := s.RunCycle(context.Background())
	if rep.Promoted != 0 || rep.Failed != 0 {
		t.Errorf("report = %+v, want nothing promoted or failed", rep)
	}
	if !db.IsWaiting("h1") {
		t.Error("h1 should still be waiting")
	}
	if n := p.callCount("h1"); n != 1 {
		t.Errorf("fetches for h1 = %d, want 1", n)
	}
}

func TestRunCycle_DuplicateWaitFetchesOnce(t *testing.T) {
	db, p, _, _, s := setup(t, Options{Interval: time.Minute})
	db.Wait("h1")
	db.Wait("h1")
	p.set("h1", &types.Sample{Min: 1, Max: 2})

	s.RunCycle(context.Background())
	if n := p.callCount("h1"); n != 1 {
		t.Errorf("fetches for h1 = %d, want 1", n)
	}
}

func TestRunCycle_RefreshesOnlyStaleHosts(t *testing.T) {
	db, p, _, clk, s := setup(t, Options{Interval: time.Minute})

	if err := db.Add("old", 10, 100, 1); err != nil {
		t.Fatal(err)
	}
	clk.set(baseTime.Add(50 * time.Second))
	if err := db.Add("new", 10, 100, 1); err != nil {
		t.Fatal(err)
	}
	clk.set(baseTime.Add(60 * time.Second))

	p.set("old", &types.Sample{Min: 5, Max: 50, Flop: 3})
	p.set("new", &types.Sample{Min: 5, Max: 50, Flop: 3})

	rep := s.RunCycle(context.Background())
	if rep.Stale != 1 || rep.Refreshed != 1 {
		t.Errorf("report = %+v, want stale 1 refreshed 1", rep)
	}
	if p.callCount("new") != 0 {
		t.Error("fresh host was fetched")
	}
	h, _ := db.Get("old")
	if h.Wmax != 50 || h.Timestamp != baseTime.Add(60*time.Second).Unix() {
		t.Errorf("old = %+v, want wmax 50 at +60s", h)
	}
}

func TestRunCycle_InvalidatesRankings(t *testing.T) {
	db, p, _, _, s := setup(t, Options{Interval: time.Minute})
	db.Wait("h1")
	p.set("h1", &types.Sample{Min: 1, Max: 2, Flop: 1})
	if err := db.Sort(ranking.MethodEfficiency); err != nil {
		t.Fatal(err)
	}

	s.RunCycle(context.Background())
	if db.IsSorted(ranking.MethodEfficiency) {
		t.Error("promotion must invalidate cached rankings")
	}
}

func TestRunCycle_FlopPolicy(t *testing.T) {
	db, p, _, _, s := setup(t, Options{Interval: time.Minute, Flop: fixedFlop(1.5)})

	if err := db.Add("known", 10, 100, 4); err != nil {
		t.Fatal(err)
	}
	db.Wait("fresh")
	db.Wait("reported")
	p.set("known", &types.Sample{Min: 10, Max: 80})
	p.set("fresh", &types.Sample{Min: 10, Max: 30})
	p.set("reported", &types.Sample{Min: 10, Max: 30, Flop: 6})

	// Disabled scheduler treats every record as stale on a manual cycle.
	s.SetInterval(0)
	s.RunCycle(context.Background())

	cases := map[string]float64{"known": 4, "fresh": 1.5, "reported": 6}
	for id, want := range cases {
		h, ok := db.Get(id)
		if !ok {
			t.Fatalf("%s missing", id)
		}
		if h.Flop != want {
			t.Errorf("%s Flop = %v, want %v", id, h.Flop, want)
		}
	}
}

func TestRunCycle_PerHostFailureIsContained(t *testing.T) {
	db, p, _, _, s := setup(t, Options{Interval: time.Minute})
	db.Wait("bad")
	db.Wait("good")
	p.errs["bad"] = telemetry.ErrProviderUnavailable
	p.set("good", &types.Sample{Min: 1, Max: 2})

	rep := s.RunCycle(context.Background())
	if rep.Failed != 1 || rep.Promoted != 1 {
		t.Errorf("report = %+v, want failed 1 promoted 1", rep)
	}
	if !db.IsWaiting("bad") {
		t.Error("failed host must stay waiting")
	}
}

func TestRunCycle_RejectedSampleCountsAsFailure(t *testing.T) {
	db, p, _, _, s := setup(t, Options{Interval: time.Minute})
	db.Wait("h1")
	p.set("h1", &types.Sample{Min: 0, Max: 0})

	rep := s.RunCycle(context.Background())
	if rep.Failed != 1 {
		t.Errorf("report = %+v, want failed 1", rep)
	}
	if _, ok := db.Get("h1"); ok {
		t.Error("zero-wmax sample must not create a record")
	}
	if !db.IsWaiting("h1") {
		t.Error("h1 should remain waiting")
	}
}

func TestRunCycle_ProviderUnavailableSkipsCycle(t *testing.T) {
	health := &fakeHealth{}
	db, p, conn, _, s := setup(t, Options{Interval: time.Minute, Health: health})
	db.Wait("h1")
	p.set("h1", &types.Sample{Min: 1, Max: 2})
	conn.setErr(errors.New("identity: 401"))

	rep := s.RunCycle(context.Background())
	if rep.Err == nil {
		t.Fatal("expected cycle error")
	}
	if p.callCount("h1") != 0 {
		t.Error("no host should be fetched without a provider")
	}

	// Next cycle self-heals.
	conn.setErr(nil)
	rep = s.RunCycle(context.Background())
	if rep.Err != nil || rep.Promoted != 1 {
		t.Errorf("second cycle = %+v, want promoted 1", rep)
	}

	health.mu.Lock()
	defer health.mu.Unlock()
	if len(health.reports) != 2 || health.reports[0] || !health.reports[1] {
		t.Errorf("health reports = %v, want [false true]", health.reports)
	}
}

func TestRunCycle_IdleDoesNotConnect(t *testing.T) {
	_, _, conn, _, s := setup(t, Options{Interval: time.Minute})
	s.RunCycle(context.Background())
	if n := conn.connects.Load(); n != 0 {
		t.Errorf("connects = %d, want 0", n)
	}
}

func TestRunCycle_FetchRunsOutsideLock(t *testing.T) {
	db, p, _, _, s := setup(t, Options{Interval: time.Minute})
	db.Wait("h1")
	p.set("h1", &types.Sample{Min: 1, Max: 2})
	// Reads the database from inside the fetch; deadlocks if the lock is held.
	p.hook = func(context.Context, string) { _ = db.Len(); _ = db.Waiting() }

	done := make(chan Report, 1)
	go func() { done <- s.RunCycle(context.Background()) }()
	select {
	case rep := <-done:
		if rep.Promoted != 1 {
			t.Errorf("report = %+v", rep)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cycle blocked: fetch appears to run under the database lock")
	}
}

func TestRunCycle_FetchTimeout(t *testing.T) {
	db, p, _, _, s := setup(t, Options{Interval: time.Minute, FetchTimeout: 20 * time.Millisecond})
	db.Wait("slow")
	p.hook = func(ctx context.Context, _ string) { <-ctx.Done() }
	p.errs["slow"] = context.DeadlineExceeded

	start := time.Now()
	rep := s.RunCycle(context.Background())
	if time.Since(start) > time.Second {
		t.Errorf("cycle took %v, timeout not applied", time.Since(start))
	}
	if rep.Failed != 1 {
		t.Errorf("report = %+v, want failed 1", rep)
	}
}

func TestRunCycle_RateLimited(t *testing.T) {
	db, p, _, _, s := setup(t, Options{Interval: time.Minute, FetchRate: 20, FetchBurst: 1})
	for _, id := range []string{"a", "b", "c", "d"} {
		db.Wait(id)
		p.set(id, &types.Sample{Min: 1, Max: 2})
	}
	start := time.Now()
	s.RunCycle(context.Background())
	// 4 calls at 20/s with burst 1 need at least 3 * 50ms.
	if elapsed := time.Since(start); elapsed < 120*time.Millisecond {
		t.Errorf("cycle took %v, want pacing of about 150ms", elapsed)
	}
}

func TestState(t *testing.T) {
	_, _, _, _, s := setup(t, Options{Interval: time.Minute})
	if s.State() != StateArmed {
		t.Errorf("State = %q, want armed", s.State())
	}
	s.SetInterval(0)
	if s.State() != StateDisabled {
		t.Errorf("State = %q, want disabled", s.State())
	}
	s.SetInterval(-5 * time.Second)
	if s.State() != StateDisabled {
		t.Errorf("negative interval: State = %q, want disabled", s.State())
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRun_ArmedCyclesAndStops(t *testing.T) {
	db, _, conn, _, s := setup(t, Options{Interval: 10 * time.Millisecond})
	db.Wait("never-answers")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { s.Run(ctx); close(done) }()

	waitFor(t, func() bool { return conn.connects.Load() >= 3 })
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	after := conn.connects.Load()
	time.Sleep(50 * time.Millisecond)
	if conn.connects.Load() != after {
		t.Error("cycles ran after cancellation")
	}
}

func TestRun_DisabledThenArmed(t *testing.T) {
	db, _, conn, _, s := setup(t, Options{Interval: 0})
	db.Wait("h")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() { s.Run(ctx); close(done) }()

	time.Sleep(50 * time.Millisecond)
	if n := conn.connects.Load(); n != 0 {
		t.Fatalf("disabled scheduler ran %d cycles", n)
	}

	s.SetInterval(10 * time.Millisecond)
	waitFor(t, func() bool { return conn.connects.Load() >= 2 })

	s.SetInterval(0)
	time.Sleep(30 * time.Millisecond)
	stopped := conn.connects.Load()
	time.Sleep(50 * time.Millisecond)
	if conn.connects.Load() != stopped {
		t.Error("cycles continued after disabling")
	}

	cancel()
	<-done
}

func TestRun_FirstCycleIsImmediate(t *testing.T) {
	db, _, conn, _, s := setup(t, Options{Interval: time.Hour})
	db.Wait("h")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	waitFor(t, func() bool {
		_, at := s.LastReport()
		return !at.IsZero()
	})
	if n := conn.connects.Load(); n != 1 {
		t.Errorf("connects = %d, want 1", n)
	}
}

func TestRun_RearmsAfterSlowCycle(t *testing.T) {
	db := ranking.New()
	p := newFakeProvider()
	p.hook = func(ctx context.Context, _ string) {
		select {
		case <-time.After(400 * time.Millisecond):
		case <-ctx.Done():
		}
	}
	p.set("h1", &types.Sample{Min: 1, Max: 2, Flop: 1})
	db.Wait("h1")
	s := New(db, &fakeConnector{p: p}, Options{Interval: time.Second, Flop: fixedFlop(1)})

	ctx, cancel := context.WithTimeout(context.Background(), 3500*time.Millisecond)
	defer cancel()
	s.Run(ctx)

	// Cycles start at 0s, 1.4s and 2.8s; the host fetched at the end of each
	// one is a full interval old when the next begins.
	if n := p.callCount("h1"); n < 3 {
		t.Errorf("fetches of h1 = %d, want at least 3", n)
	}
}
