// Package config loads config.yaml for the ranking server.
//
// Top-level keys:
//   - refresh_interval: seconds between refresh cycles and the staleness
//     threshold for host records; zero or negative disables the refresh
//   - refresh: provider call pacing (fetch_rate, fetch_burst, fetch_timeout)
//   - waitlist: host identifiers queued at startup
//   - telemetry: provider type (prometheus | postgres | redis) and its options
//   - server: HTTP and gRPC ports, broadcast interval, client authentication
//   - alerts: threshold rules over host records and webhook targets
//
// Load(path) applies defaults before unmarshalling, then validates.
// Watch(ctx, path, fn) watches the file's directory, reloads the file shortly
// after it is written or replaced and hands the new Config to fn. Invalid or
// unchanged reloads are logged and skipped.
package config
