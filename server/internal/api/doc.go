// Package api implements the HTTP REST API over the ranking database.
//
// New(opts) returns an http.Handler that serves:
//
//	GET    /api/v1/health                   scheduler state, host/waitlist/alert counts, last cycle
//	GET    /api/v1/hosts                    all records ([]HostResponse)
//	GET    /api/v1/hosts/{id}               one record; 404 if unknown
//	PUT    /api/v1/hosts/{id}               add or update {wmin, wmax, flop}; 400 on invalid values
//	DELETE /api/v1/hosts/{id}               remove; 404 if unknown
//	GET    /api/v1/waitlist                 pending host ids
//	POST   /api/v1/waitlist                 {"host_id": "..."}; 202
//	GET    /api/v1/rankings/{method}        ordered hosts, sorting first if needed; ?limit=N
//	GET    /api/v1/rankings/{method}/stats  count, mean, std dev, median, min, max
//	GET    /api/v1/alerts                   firing and recently resolved alerts
//	GET    /api/v1/snapshot                 all records, waitlist and clean rankings
//
// Mutating routes go through Options.Guard. Every response is JSON, and
// unsupported methods get 405. No external HTTP framework is used.
package api
