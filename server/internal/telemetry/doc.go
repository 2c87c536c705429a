// Package telemetry implements the metrics capability consumed by the refresh
// scheduler: "fetch power stats for host X".
//
// A Connector acquires a Provider once per refresh cycle. Acquisition is where
// authentication and connectivity checks happen; a failure there costs the
// whole cycle but nothing else. A Provider answers FetchPowerStats per host:
//
//   - (*types.Sample, nil) on success
//   - (nil, nil) when the backend has no data for the host
//   - (nil, err) on failure; transport and auth failures wrap
//     ErrProviderUnavailable
//
// Backends:
//   - prometheus: text exposition fetched over HTTP and parsed with expfmt.
//     Auth modes apikey, bearer, basic and mtls are applied per request;
//     token mode exchanges credentials for a bearer token on every Connect.
//   - postgres: min/max aggregate over a metering samples table via pgxpool.
//   - redis: per-host hash maintained by a collector, read with HGETALL.
package telemetry
