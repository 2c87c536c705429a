package alerts

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kwranking/kwranking/server/internal/config"
	"github.com/kwranking/kwranking/server/internal/ranking"
)

const (
	defaultCooldown   = 15 * time.Minute
	maxHistoryLen     = 200
	recentWindowHours = 1
)

// Alert states.
const (
	StateFiring   = "firing"
	StateResolved = "resolved"
)

// Alert represents a single alert event produced by the rule engine.
type Alert struct {
	ID         string     `json:"id"`
	RuleName   string     `json:"rule_name"`
	HostID     string     `json:"host_id"`
	Severity   string     `json:"severity"`
	Message    string     `json:"message"`
	Value      float64    `json:"value"`
	FiredAt    time.Time  `json:"fired_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	State      string     `json:"state"` // "firing" | "resolved"
}

// Engine evaluates alert rules against host records and delivers webhook
// notifications when rules fire or resolve.
//
// Engine is safe for concurrent use.
type Engine struct {
	rules    []config.AlertRule
	webhooks []config.WebhookConfig
	client   *http.Client
	now      func() time.Time

	mu       sync.Mutex
	active   map[string]*Alert    // key: "ruleName:hostID"
	lastFire map[string]time.Time // last fire time per key (for cooldown)
	history  []*Alert             // recently resolved alerts

	deliveries sync.WaitGroup
}

// New creates an Engine from the alert configuration.
// An Engine with empty rules is valid; Evaluate becomes a no-op.
func New(cfg config.AlertsConfig) *Engine {
	return &Engine{
		rules:    cfg.Rules,
		webhooks: cfg.Webhooks,
		client:   &http.Client{Timeout: 10 * time.Second},
		now:      time.Now,
		active:   make(map[string]*Alert),
		lastFire: make(map[string]time.Time),
	}
}

// HandleEvent is a ranking.Database observer: additions and updates are
// evaluated, removals resolve every alert for the host.
func (e *Engine) HandleEvent(ev ranking.Event) {
	switch ev.Kind {
	case ranking.EventAdded, ranking.EventUpdated:
		e.Evaluate(ev.HostID, ev.Host)
	case ranking.EventRemoved:
		e.ResolveHost(ev.HostID)
	}
}

// Evaluate tests all configured rules against one host record.
// Alerts that fire are stored and webhook delivery is triggered asynchronously.
// Alerts that were firing but whose condition is now false are resolved.
func (e *Engine) Evaluate(hostID string, h ranking.Host) {
	if len(e.rules) == 0 {
		return
	}

	now := e.now()
	for _, rule := range e.rules {
		fires, value := evalCondition(rule.Condition, h, now)
		if fires {
			e.fire(rule, hostID, h, value, now)
		} else {
			e.resolve(rule.Name+":"+hostID, &h, now)
		}
	}
}

// EvaluateAll evaluates every entry; used for time-based rules such as
// age_seconds that change without a database mutation.
func (e *Engine) EvaluateAll(entries []ranking.Entry) {
	for _, en := range entries {
		e.Evaluate(en.ID, en.Host)
	}
}

// Run re-evaluates all records from list every interval until ctx is done.
func (e *Engine) Run(ctx context.Context, interval time.Duration, list func() []ranking.Entry) {
	if len(e.rules) == 0 || interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			e.EvaluateAll(list())
		}
	}
}

// ResolveHost resolves every firing alert for hostID.
func (e *Engine) ResolveHost(hostID string) {
	now := e.now()
	for _, rule := range e.rules {
		e.resolve(rule.Name+":"+hostID, nil, now)
	}
}

func (e *Engine) fire(rule config.AlertRule, hostID string, h ranking.Host, value float64, now time.Time) {
	key := rule.Name + ":" + hostID
	cooldown := rule.Cooldown
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}

	e.mu.Lock()
	if _, firing := e.active[key]; firing {
		e.active[key].Value = value
		e.mu.Unlock()
		return
	}
	if last, ok := e.lastFire[key]; ok && now.Sub(last) <= cooldown {
		e.mu.Unlock()
		return
	}

	sev := rule.Severity
	if sev == "" {
		sev = "warning"
	}
	a := &Alert{
		ID:       uuid.NewString(),
		RuleName: rule.Name,
		HostID:   hostID,
		Severity: sev,
		Value:    value,
		Message: fmt.Sprintf("[%s] %s fired on %s: %s (value %.2f)",
			sev, rule.Name, hostID, rule.Condition, value),
		FiredAt: now,
		State:   StateFiring,
	}
	e.active[key] = a
	e.lastFire[key] = now
	alertCopy := *a
	e.mu.Unlock()

	slog.Warn("alerts: fired",
		"rule", rule.Name,
		"host", hostID,
		"value", value,
		"severity", sev,
	)
	e.dispatch(Notification{Alert: alertCopy, Host: &h})
}

// resolve closes the alert for key. h is the record that cleared it, nil
// when the host was removed.
func (e *Engine) resolve(key string, h *ranking.Host, now time.Time) {
	e.mu.Lock()
	a, ok := e.active[key]
	if !ok {
		e.mu.Unlock()
		return
	}
	resolved := now
	a.State = StateResolved
	a.ResolvedAt = &resolved
	delete(e.active, key)

	e.history = append(e.history, a)
	if len(e.history) > maxHistoryLen {
		e.history = e.history[len(e.history)-maxHistoryLen:]
	}
	alertCopy := *a
	e.mu.Unlock()

	slog.Info("alerts: resolved", "rule", a.RuleName, "host", a.HostID)
	e.dispatch(Notification{Alert: alertCopy, Host: h})
}

func (e *Engine) dispatch(n Notification) {
	if len(e.webhooks) == 0 {
		return
	}
	e.deliveries.Add(1)
	go func() {
		defer e.deliveries.Done()
		e.deliver(n)
	}()
}

// Wait blocks until in-flight webhook deliveries finish.
func (e *Engine) Wait() { e.deliveries.Wait() }

// Active returns copies of all currently firing alerts plus any alerts
// resolved within the past hour, sorted newest first.
func (e *Engine) Active() []*Alert {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := e.now().Add(-recentWindowHours * time.Hour)
	out := make([]*Alert, 0, len(e.active))

	for _, a := range e.active {
		cp := *a
		out = append(out, &cp)
	}
	for _, a := range e.history {
		if a.ResolvedAt != nil && a.ResolvedAt.After(cutoff) {
			cp := *a
			out = append(out, &cp)
		}
	}
	slices.SortFunc(out, func(a, b *Alert) int {
		if c := b.FiredAt.Compare(a.FiredAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}
