package telemetry

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/kwranking/kwranking/pkg/types"
	"github.com/kwranking/kwranking/server/internal/config"
)

// Hash fields written by the power collector.
const (
	fieldMin  = "min"
	fieldMax  = "max"
	fieldFlop = "flop"
)

// hashGetter is the subset of *redis.Client the provider needs.
type hashGetter interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

type redisConnector struct {
	client *redis.Client
	prefix string
}

func newRedisConnector(cfg config.TelemetryConfig) *redisConnector {
	return &redisConnector{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password(),
			DB:       cfg.DB,
		}),
		prefix: cfg.KeyPrefix,
	}
}

func (c *redisConnector) Connect(ctx context.Context) (Provider, error) {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return nil, unavailable("redis ping", err)
	}
	return &redisProvider{db: c.client, prefix: c.prefix}, nil
}

func (c *redisConnector) Close() error {
	return c.client.Close()
}

type redisProvider struct {
	db     hashGetter
	prefix string
}

func (p *redisProvider) FetchPowerStats(ctx context.Context, hostID string) (*types.Sample, error) {
	key := p.prefix + ":" + hostID
	fields, err := p.db.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, unavailable(fmt.Sprintf("redis hgetall %q", key), err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return sampleFromHash(key, fields)
}

// sampleFromHash converts a power hash into a Sample. min and max are
// required; flop is optional.
func sampleFromHash(key string, fields map[string]string) (*types.Sample, error) {
	rawMin, okMin := fields[fieldMin]
	rawMax, okMax := fields[fieldMax]
	if !okMin || !okMax {
		return nil, nil
	}

	var s types.Sample
	var err error
	if s.Min, err = strconv.ParseFloat(rawMin, 64); err != nil {
		return nil, fmt.Errorf("telemetry: redis %q: field %s: %w", key, fieldMin, err)
	}
	if s.Max, err = strconv.ParseFloat(rawMax, 64); err != nil {
		return nil, fmt.Errorf("telemetry: redis %q: field %s: %w", key, fieldMax, err)
	}
	if raw, ok := fields[fieldFlop]; ok {
		if s.Flop, err = strconv.ParseFloat(raw, 64); err != nil {
			return nil, fmt.Errorf("telemetry: redis %q: field %s: %w", key, fieldFlop, err)
		}
	}
	return &s, nil
}
