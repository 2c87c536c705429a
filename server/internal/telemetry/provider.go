package telemetry

import (
	"context"
	"errors"
	"fmt"

	"github.com/kwranking/kwranking/pkg/types"
	"github.com/kwranking/kwranking/server/internal/config"
)

// ErrProviderUnavailable is wrapped by every failure to reach or authenticate
// against the telemetry backend.
var ErrProviderUnavailable = errors.New("telemetry provider unavailable")

// Provider fetches power statistics for one host at a time.
type Provider interface {
	// FetchPowerStats returns nil, nil when the backend holds no data for hostID.
	FetchPowerStats(ctx context.Context, hostID string) (*types.Sample, error)
}

// Connector acquires a Provider for one refresh cycle.
type Connector interface {
	Connect(ctx context.Context) (Provider, error)
	Close() error
}

// New returns the Connector for the configured backend type.
// Backends that hold connections create them lazily on the first Connect.
func New(cfg config.TelemetryConfig) (Connector, error) {
	switch cfg.Type {
	case "prometheus":
		client, err := buildHTTPClient(cfg)
		if err != nil {
			return nil, fmt.Errorf("telemetry: build http client: %w", err)
		}
		return &promConnector{cfg: cfg, client: client}, nil
	case "postgres":
		return &pgConnector{cfg: cfg}, nil
	case "redis":
		return newRedisConnector(cfg), nil
	default:
		return nil, fmt.Errorf("telemetry: unsupported type %q", cfg.Type)
	}
}

// unavailable wraps err so that errors.Is(err, ErrProviderUnavailable) holds.
func unavailable(op string, err error) error {
	return fmt.Errorf("telemetry: %s: %w: %w", op, ErrProviderUnavailable, err)
}
