// Package types defines shared Go types used across the ranking service.
// These are the canonical in-memory representations of telemetry answers,
// separate from any provider's wire format (exposition text, SQL rows,
// Redis hashes).
package types
