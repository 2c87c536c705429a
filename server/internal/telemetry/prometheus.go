package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strings"

	dto "github.com/prometheus/client_model/go"

	"github.com/kwranking/kwranking/pkg/types"
	"github.com/kwranking/kwranking/server/internal/config"
)

type promConnector struct {
	cfg    config.TelemetryConfig
	client *http.Client
}

// Connect returns a provider bound to this cycle's credentials. In token mode
// it logs in first; a failed login makes the provider unavailable.
func (c *promConnector) Connect(ctx context.Context) (Provider, error) {
	p := &promProvider{cfg: c.cfg, client: c.client}
	if c.cfg.Auth.Mode != "token" {
		return p, nil
	}
	tok, err := requestToken(ctx, c.client, c.cfg.Auth)
	if err != nil {
		return nil, unavailable("authenticate", err)
	}
	p.token = tok
	return p, nil
}

func (c *promConnector) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

type promProvider struct {
	cfg    config.TelemetryConfig
	client *http.Client
	token  string
}

// FetchPowerStats scrapes the host's exposition and reads the configured
// min, max and flop families. When several series match, min takes the
// lowest value, max the highest, and flop the sum.
func (p *promProvider) FetchPowerStats(ctx context.Context, hostID string) (*types.Sample, error) {
	endpoint := strings.ReplaceAll(p.cfg.Endpoint, config.HostPlaceholder, url.PathEscape(hostID))

	mfs, err := fetchMetrics(ctx, p.client, endpoint, p.token)
	if errors.Is(err, errNoData) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(fmt.Sprintf("prometheus fetch %q", hostID), err)
	}

	lo, okMin := reduceFamily(mfs[p.cfg.MinMetric], p.cfg.HostLabel, hostID, math.Min)
	hi, okMax := reduceFamily(mfs[p.cfg.MaxMetric], p.cfg.HostLabel, hostID, math.Max)
	if !okMin || !okMax {
		slog.Debug("telemetry: no power series for host", "host", hostID)
		return nil, nil
	}
	flop, _ := reduceFamily(mfs[p.cfg.FlopMetric], p.cfg.HostLabel, hostID, func(a, b float64) float64 { return a + b })

	return &types.Sample{Min: lo, Max: hi, Flop: flop}, nil
}

// reduceFamily folds the values of every series in mf that belongs to hostID.
// A series belongs to the host when it carries no hostLabel or when the label
// equals hostID. Reports false if no series matched.
func reduceFamily(mf *dto.MetricFamily, hostLabel, hostID string, fold func(a, b float64) float64) (float64, bool) {
	if mf == nil {
		return 0, false
	}
	var (
		acc   float64
		found bool
	)
	for _, m := range mf.GetMetric() {
		if !belongsTo(m, hostLabel, hostID) {
			continue
		}
		v, ok := metricValue(m)
		if !ok {
			continue
		}
		if !found {
			acc, found = v, true
			continue
		}
		acc = fold(acc, v)
	}
	return acc, found
}

func belongsTo(m *dto.Metric, hostLabel, hostID string) bool {
	if hostLabel == "" {
		return true
	}
	for _, lp := range m.GetLabel() {
		if lp.GetName() == hostLabel {
			return lp.GetValue() == hostID
		}
	}
	return true
}

func metricValue(m *dto.Metric) (float64, bool) {
	switch {
	case m.Gauge != nil:
		return m.Gauge.GetValue(), true
	case m.Counter != nil:
		return m.Counter.GetValue(), true
	case m.Untyped != nil:
		return m.Untyped.GetValue(), true
	}
	return 0, false
}
