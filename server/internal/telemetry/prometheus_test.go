package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/kwranking/kwranking/server/internal/config"
)

// powerMetrics is a shared exposition covering two hosts and a PSU split.
const powerMetrics = `
# HELP kwranking_power_min_watts Minimum observed power draw.
# TYPE kwranking_power_min_watts gauge
kwranking_power_min_watts{host="node-a",psu="1"} 48
kwranking_power_min_watts{host="node-a",psu="2"} 52
kwranking_power_min_watts{host="node-b",psu="1"} 30

# HELP kwranking_power_max_watts Maximum observed power draw.
# TYPE kwranking_power_max_watts gauge
kwranking_power_max_watts{host="node-a",psu="1"} 210
kwranking_power_max_watts{host="node-a",psu="2"} 240
kwranking_power_max_watts{host="node-b",psu="1"} 90

# HELP kwranking_flops Sustained compute throughput.
# TYPE kwranking_flops gauge
kwranking_flops{host="node-a",socket="0"} 1.5
kwranking_flops{host="node-a",socket="1"} 2.5
`

func promConfig(endpoint string) config.TelemetryConfig {
	return config.TelemetryConfig{
		Type:       "prometheus",
		Endpoint:   endpoint,
		MinMetric:  config.DefaultMinMetric,
		MaxMetric:  config.DefaultMaxMetric,
		FlopMetric: config.DefaultFlopMetric,
		HostLabel:  config.DefaultHostLabel,
	}
}

func connect(t *testing.T, cfg config.TelemetryConfig) Provider {
	t.Helper()
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	p, err := c.Connect(context.Background())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return p
}

func servePower(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestPrometheus_FetchPowerStats(t *testing.T) {
	srv := servePower(t, powerMetrics)
	p := connect(t, promConfig(srv.URL))

	s, err := p.FetchPowerStats(context.Background(), "node-a")
	if err != nil {
		t.Fatalf("FetchPowerStats: %v", err)
	}
	if s == nil {
		t.Fatal("sample is nil")
	}
	if s.Min != 48 {
		t.Errorf("Min = %v, want 48 (lowest PSU)", s.Min)
	}
	if s.Max != 240 {
		t.Errorf("Max = %v, want 240 (highest PSU)", s.Max)
	}
	if s.Flop != 4 {
		t.Errorf("Flop = %v, want 4 (sum of sockets)", s.Flop)
	}
}

func TestPrometheus_HostWithoutFlop(t *testing.T) {
	srv := servePower(t, powerMetrics)
	p := connect(t, promConfig(srv.URL))

	s, err := p.FetchPowerStats(context.Background(), "node-b")
	if err != nil {
		t.Fatalf("FetchPowerStats: %v", err)
	}
	if s == nil || s.Min != 30 || s.Max != 90 {
		t.Fatalf("sample = %+v, want min 30 max 90", s)
	}
	if s.Flop != 0 {
		t.Errorf("Flop = %v, want 0 (not reported)", s.Flop)
	}
}

func TestPrometheus_UnknownHostIsNoData(t *testing.T) {
	srv := servePower(t, powerMetrics)
	p := connect(t, promConfig(srv.URL))

	s, err := p.FetchPowerStats(context.Background(), "node-z")
	if err != nil {
		t.Fatalf("FetchPowerStats: %v", err)
	}
	if s != nil {
		t.Errorf("sample = %+v, want nil", s)
	}
}

func TestPrometheus_UnlabelledSeriesBelongToEveryHost(t *testing.T) {
	srv := servePower(t, `
kwranking_power_min_watts 12
kwranking_power_max_watts 80
`)
	p := connect(t, promConfig(srv.URL))

	s, err := p.FetchPowerStats(context.Background(), "whatever")
	if err != nil {
		t.Fatalf("FetchPowerStats: %v", err)
	}
	if s == nil || s.Min != 12 || s.Max != 80 {
		t.Fatalf("sample = %+v, want min 12 max 80", s)
	}
}

func TestPrometheus_MissingMaxIsNoData(t *testing.T) {
	srv := servePower(t, "kwranking_power_min_watts 12\n")
	p := connect(t, promConfig(srv.URL))

	s, err := p.FetchPowerStats(context.Background(), "h")
	if err != nil || s != nil {
		t.Errorf("got (%+v, %v), want (nil, nil)", s, err)
	}
}

func TestPrometheus_HostSubstitution(t *testing.T) {
	paths := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths <- r.URL.EscapedPath()
		_, _ = w.Write([]byte("kwranking_power_min_watts 1\nkwranking_power_max_watts 2\n"))
	}))
	defer srv.Close()

	p := connect(t, promConfig(srv.URL+"/hosts/{host}/metrics"))
	if _, err := p.FetchPowerStats(context.Background(), "rack 1/node"); err != nil {
		t.Fatalf("FetchPowerStats: %v", err)
	}
	if gotPath, want := <-paths, "/hosts/rack%201%2Fnode/metrics"; gotPath != want {
		t.Errorf("path = %q, want %q", gotPath, want)
	}
}

func TestPrometheus_NotFoundIsNoData(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	p := connect(t, promConfig(srv.URL))

	s, err := p.FetchPowerStats(context.Background(), "h")
	if err != nil || s != nil {
		t.Errorf("got (%+v, %v), want (nil, nil)", s, err)
	}
}

func TestPrometheus_ServerErrorIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	p := connect(t, promConfig(srv.URL))

	_, err := p.FetchPowerStats(context.Background(), "h")
	if !errors.Is(err, ErrProviderUnavailable) {
		t.Errorf("err = %v, want ErrProviderUnavailable", err)
	}
}

func TestPrometheus_StaticAuthModes(t *testing.T) {
	t.Setenv("KW_TEST_KEY", "k-123")
	t.Setenv("KW_TEST_TOKEN", "t-456")
	t.Setenv("KW_TEST_PASS", "p-789")

	cases := []struct {
		name  string
		auth  config.AuthConfig
		check func(r *http.Request) bool
	}{
		{
			name:  "apikey",
			auth:  config.AuthConfig{Mode: "apikey", Header: "X-Api-Key", KeyEnv: "KW_TEST_KEY"},
			check: func(r *http.Request) bool { return r.Header.Get("X-Api-Key") == "k-123" },
		},
		{
			name:  "bearer",
			auth:  config.AuthConfig{Mode: "bearer", TokenEnv: "KW_TEST_TOKEN"},
			check: func(r *http.Request) bool { return r.Header.Get("Authorization") == "Bearer t-456" },
		},
		{
			name: "basic",
			auth: config.AuthConfig{Mode: "basic", Username: "ranker", PasswordEnv: "KW_TEST_PASS"},
			check: func(r *http.Request) bool {
				u, p, ok := r.BasicAuth()
				return ok && u == "ranker" && p == "p-789"
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if !tc.check(r) {
					w.WriteHeader(http.StatusUnauthorized)
					return
				}
				_, _ = w.Write([]byte("kwranking_power_min_watts 1\nkwranking_power_max_watts 2\n"))
			}))
			defer srv.Close()

			cfg := promConfig(srv.URL)
			cfg.Auth = tc.auth
			s, err := connect(t, cfg).FetchPowerStats(context.Background(), "h")
			if err != nil || s == nil {
				t.Fatalf("got (%+v, %v), want a sample", s, err)
			}
		})
	}
}

func TestPrometheus_TokenMode(t *testing.T) {
	t.Setenv("KW_TEST_PASS", "secret")

	var logins atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/v3/auth/tokens", func(w http.ResponseWriter, r *http.Request) {
		logins.Add(1)
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var body tokenRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Auth.Identity.Password.User.Password != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("X-Subject-Token", "issued-token")
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer issued-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte("kwranking_power_min_watts 5\nkwranking_power_max_watts 50\n"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := promConfig(srv.URL + "/metrics")
	cfg.Auth = config.AuthConfig{
		Mode:        "token",
		TokenURL:    srv.URL + "/v3/auth/tokens",
		Username:    "ranker",
		PasswordEnv: "KW_TEST_PASS",
		Project:     "admin",
	}

	s, err := connect(t, cfg).FetchPowerStats(context.Background(), "h")
	if err != nil || s == nil || s.Max != 50 {
		t.Fatalf("got (%+v, %v), want max 50", s, err)
	}
	if n := logins.Load(); n != 1 {
		t.Errorf("logins = %d, want 1", n)
	}
}

func TestPrometheus_TokenFailureIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	cfg := promConfig(srv.URL)
	cfg.Auth = config.AuthConfig{Mode: "token", TokenURL: srv.URL}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	_, err = c.Connect(context.Background())
	if !errors.Is(err, ErrProviderUnavailable) {
		t.Errorf("Connect err = %v, want ErrProviderUnavailable", err)
	}
}

func TestNew_UnsupportedType(t *testing.T) {
	_, err := New(config.TelemetryConfig{Type: "influx"})
	if err == nil || !strings.Contains(err.Error(), "unsupported") {
		t.Errorf("err = %v, want unsupported type", err)
	}
}
