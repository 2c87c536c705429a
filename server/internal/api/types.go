package api

import "github.com/kwranking/kwranking/server/internal/refresh"

// HealthResponse is the payload for GET /api/v1/health.
type HealthResponse struct {
	State        string         `json:"state"` // scheduler state: armed | disabled
	HostCount    int            `json:"host_count"`
	WaitingCount int            `json:"waiting_count"`
	AlertCount   int            `json:"alert_count"`
	LastCycle    *CycleResponse `json:"last_cycle,omitempty"`
}

// CycleResponse describes the most recent refresh cycle.
type CycleResponse struct {
	refresh.Report
	StartedAt string `json:"started_at"` // RFC3339
	Error     string `json:"error,omitempty"`
}

// HostResponse is one host record in GET /api/v1/hosts or /api/v1/hosts/{id}.
type HostResponse struct {
	ID         string  `json:"id"`
	Wmin       float64 `json:"wmin"`
	Wmax       float64 `json:"wmax"`
	Flop       float64 `json:"flop"`
	Efficiency float64 `json:"efficiency"`
	Timestamp  int64   `json:"timestamp"`
	UpdatedAt  string  `json:"updated_at"` // RFC3339
}

// AddRequest is the body of PUT /api/v1/hosts/{id}.
type AddRequest struct {
	Wmin *float64 `json:"wmin"`
	Wmax *float64 `json:"wmax"`
	Flop float64  `json:"flop"`
}

// WaitRequest is the body of POST /api/v1/waitlist.
type WaitRequest struct {
	HostID string `json:"host_id"`
}

// WaitResponse reports the outcome of POST /api/v1/waitlist.
type WaitResponse struct {
	HostID string `json:"host_id"`
	Queued bool   `json:"queued"` // false when already waiting or ranked
}

// WaitlistResponse is the payload for GET /api/v1/waitlist.
type WaitlistResponse struct {
	Hosts []string `json:"hosts"`
}

// RankedHost is one position in a ranking.
type RankedHost struct {
	Rank  int     `json:"rank"`
	Value float64 `json:"value"`
	HostResponse
}

// RankingResponse is the payload for GET /api/v1/rankings/{method}.
type RankingResponse struct {
	Method     string       `json:"method"`
	Descending bool         `json:"descending"`
	Total      int          `json:"total"`
	Hosts      []RankedHost `json:"hosts"`
}

// StatsResponse is the payload for GET /api/v1/rankings/{method}/stats.
type StatsResponse struct {
	Method string  `json:"method"`
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	Median float64 `json:"median"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
}

// SnapshotResponse is the payload for GET /api/v1/snapshot and the data of
// every WebSocket broadcast.
type SnapshotResponse struct {
	Hosts       []HostResponse      `json:"hosts"`
	Waiting     []string            `json:"waiting"`
	Rankings    map[string][]string `json:"rankings"` // clean rankings only
	GeneratedAt string              `json:"generated_at"`
}

// errorResponse is a generic JSON error body.
type errorResponse struct {
	Error string `json:"error"`
}
