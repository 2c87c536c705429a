package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kwranking/kwranking/pkg/types"
	"github.com/kwranking/kwranking/server/internal/config"
)

// powerStatsQuery aggregates one host's power samples over a time window.
const powerStatsQuery = `
	SELECT min(volume), max(volume), count(*)
	FROM samples
	WHERE meter = $1 AND resource_id = $2 AND recorded_at >= $3
`

// rowQuerier is the subset of *pgxpool.Pool the provider needs.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type pgConnector struct {
	cfg config.TelemetryConfig

	mu   sync.Mutex
	pool *pgxpool.Pool
}

// Connect opens the pool on first use and pings it on every cycle.
func (c *pgConnector) Connect(ctx context.Context) (Provider, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pool == nil {
		pcfg, err := pgxpool.ParseConfig(c.cfg.DSN())
		if err != nil {
			return nil, fmt.Errorf("telemetry: postgres: parse dsn: %w", err)
		}
		pcfg.MaxConns = 8
		pcfg.MaxConnLifetime = time.Hour
		pcfg.HealthCheckPeriod = 30 * time.Second

		pool, err := pgxpool.NewWithConfig(ctx, pcfg)
		if err != nil {
			return nil, unavailable("postgres connect", err)
		}
		c.pool = pool
	}
	if err := c.pool.Ping(ctx); err != nil {
		return nil, unavailable("postgres ping", err)
	}
	return &pgProvider{db: c.pool, meter: c.cfg.Meter, window: c.cfg.Window, now: time.Now}, nil
}

func (c *pgConnector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pool != nil {
		c.pool.Close()
		c.pool = nil
	}
	return nil
}

type pgProvider struct {
	db     rowQuerier
	meter  string
	window time.Duration
	now    func() time.Time
}

func (p *pgProvider) FetchPowerStats(ctx context.Context, hostID string) (*types.Sample, error) {
	var (
		lo, hi *float64
		n      int64
	)
	since := p.now().Add(-p.window)
	err := p.db.QueryRow(ctx, powerStatsQuery, p.meter, hostID, since).Scan(&lo, &hi, &n)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(fmt.Sprintf("postgres query %q", hostID), err)
	}
	if n == 0 || lo == nil || hi == nil {
		return nil, nil
	}
	return &types.Sample{Min: *lo, Max: *hi}, nil
}
