package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gonum/stat"

	"github.com/kwranking/kwranking/server/internal/alerts"
	"github.com/kwranking/kwranking/server/internal/observability"
	"github.com/kwranking/kwranking/server/internal/ranking"
	"github.com/kwranking/kwranking/server/internal/refresh"
)

// sortAttempts bounds how often a ranking request re-sorts when concurrent
// mutations keep invalidating the result.
const sortAttempts = 3

// SchedulerStatus is the part of the refresh scheduler the API reports on.
type SchedulerStatus interface {
	State() string
	LastReport() (refresh.Report, time.Time)
}

// AlertSource lists active and recently resolved alerts.
type AlertSource interface {
	Active() []*alerts.Alert
}

// Options wires the Handler. Only DB is required.
type Options struct {
	DB        *ranking.Database
	Scheduler SchedulerStatus
	Alerts    AlertSource

	// Guard wraps every mutating route, typically with auth.HTTPMiddleware.
	Guard func(http.Handler) http.Handler
}

// Handler is the HTTP handler for all /api/v1/* endpoints.
type Handler struct {
	db        *ranking.Database
	scheduler SchedulerStatus
	alerts    AlertSource
	guard     func(http.Handler) http.Handler
	mux       *http.ServeMux
}

// New creates a Handler and registers all routes.
func New(opts Options) http.Handler {
	h := &Handler{
		db:        opts.DB,
		scheduler: opts.Scheduler,
		alerts:    opts.Alerts,
		guard:     opts.Guard,
		mux:       http.NewServeMux(),
	}
	if h.guard == nil {
		h.guard = func(next http.Handler) http.Handler { return next }
	}

	putHost := h.guard(http.HandlerFunc(h.putHost))
	deleteHost := h.guard(http.HandlerFunc(h.deleteHost))
	postWait := h.guard(http.HandlerFunc(h.postWaitlist))

	h.mux.HandleFunc("/api/v1/health", h.health)
	h.mux.HandleFunc("/api/v1/hosts", h.listHosts)
	h.mux.HandleFunc("/api/v1/hosts/{id}", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			h.getHost(w, r)
		case http.MethodPut:
			putHost.ServeHTTP(w, r)
		case http.MethodDelete:
			deleteHost.ServeHTTP(w, r)
		default:
			jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	})
	h.mux.HandleFunc("/api/v1/waitlist", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			h.getWaitlist(w, r)
		case http.MethodPost:
			postWait.ServeHTTP(w, r)
		default:
			jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	})
	h.mux.HandleFunc("/api/v1/rankings/{method}", h.ranking)
	h.mux.HandleFunc("/api/v1/rankings/{method}/stats", h.stats)
	h.mux.HandleFunc("/api/v1/alerts", h.listAlerts)
	h.mux.HandleFunc("/api/v1/snapshot", h.snapshot)

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// --- route handlers ---------------------------------------------------------

// health returns GET /api/v1/health: counts and scheduler state.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	resp := HealthResponse{
		State:        "unknown",
		HostCount:    h.db.Len(),
		WaitingCount: len(h.db.Waiting()),
	}
	if h.alerts != nil {
		for _, a := range h.alerts.Active() {
			if a.State == alerts.StateFiring {
				resp.AlertCount++
			}
		}
	}
	if h.scheduler != nil {
		resp.State = h.scheduler.State()
		if rep, at := h.scheduler.LastReport(); !at.IsZero() {
			c := &CycleResponse{Report: rep, StartedAt: at.UTC().Format(time.RFC3339)}
			if rep.Err != nil {
				c.Error = rep.Err.Error()
			}
			resp.LastCycle = c
		}
	}
	jsonResp(w, http.StatusOK, resp)
}

// listHosts returns GET /api/v1/hosts: every record ordered by id.
func (h *Handler) listHosts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	entries := h.db.Hosts()
	out := make([]HostResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, toHostResponse(e.ID, e.Host))
	}
	jsonResp(w, http.StatusOK, out)
}

// getHost returns GET /api/v1/hosts/{id}.
func (h *Handler) getHost(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	rec, ok := h.db.Get(id)
	if !ok {
		jsonErr(w, http.StatusNotFound, "host not found")
		return
	}
	jsonResp(w, http.StatusOK, toHostResponse(id, rec))
}

// putHost handles PUT /api/v1/hosts/{id}: insert or update a record.
func (h *Handler) putHost(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req AddRequest
	if err := decodeBody(w, r, &req); err != nil {
		jsonErr(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Wmin == nil || req.Wmax == nil {
		jsonErr(w, http.StatusBadRequest, "wmin and wmax are required")
		return
	}

	existed := false
	if _, ok := h.db.Get(id); ok {
		existed = true
	}
	if err := h.db.Add(id, *req.Wmin, *req.Wmax, req.Flop); err != nil {
		if errors.Is(err, ranking.ErrInvalidRecord) {
			jsonErr(w, http.StatusBadRequest, err.Error())
			return
		}
		jsonErr(w, http.StatusInternalServerError, err.Error())
		return
	}

	rec, _ := h.db.Get(id)
	code := http.StatusCreated
	if existed {
		code = http.StatusOK
	}
	jsonResp(w, code, toHostResponse(id, rec))
}

// deleteHost handles DELETE /api/v1/hosts/{id}.
func (h *Handler) deleteHost(w http.ResponseWriter, r *http.Request) {
	if !h.db.Remove(r.PathValue("id")) {
		jsonErr(w, http.StatusNotFound, "host not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// getWaitlist returns GET /api/v1/waitlist.
func (h *Handler) getWaitlist(w http.ResponseWriter, _ *http.Request) {
	jsonResp(w, http.StatusOK, WaitlistResponse{Hosts: h.db.Waiting()})
}

// postWaitlist handles POST /api/v1/waitlist: queue a host for its first sample.
func (h *Handler) postWaitlist(w http.ResponseWriter, r *http.Request) {
	var req WaitRequest
	if err := decodeBody(w, r, &req); err != nil {
		jsonErr(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.HostID == "" {
		jsonErr(w, http.StatusBadRequest, "host_id is required")
		return
	}
	jsonResp(w, http.StatusAccepted, WaitResponse{HostID: req.HostID, Queued: h.db.Wait(req.HostID)})
}

// ranking returns GET /api/v1/rankings/{method}. A dirty or missing cached
// order is recomputed first. ?limit=N truncates the result.
func (h *Handler) ranking(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	m, err := ranking.ParseMethod(r.PathValue("method"))
	if err != nil {
		jsonErr(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		jsonErr(w, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := h.ranked(m)
	if err != nil {
		jsonErr(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	resp := RankingResponse{
		Method:     string(m),
		Descending: m.Descending(),
		Total:      len(entries),
	}
	if limit > 0 && limit < len(entries) {
		entries = entries[:limit]
	}
	resp.Hosts = make([]RankedHost, 0, len(entries))
	for i, e := range entries {
		resp.Hosts = append(resp.Hosts, RankedHost{
			Rank:         i + 1,
			Value:        m.Value(e.Host),
			HostResponse: toHostResponse(e.ID, e.Host),
		})
	}
	jsonResp(w, http.StatusOK, resp)
}

// ranked returns the clean ranking for m, sorting when needed.
func (h *Handler) ranked(m ranking.Method) ([]ranking.Entry, error) {
	var err error
	for range sortAttempts {
		if !h.db.IsSorted(m) {
			if err = h.db.Sort(m); err != nil {
				observability.Sorts.WithLabelValues(string(m), "error").Inc()
				return nil, err
			}
			observability.Sorts.WithLabelValues(string(m), "ok").Inc()
		}
		var entries []ranking.Entry
		entries, err = h.db.Ranked(m)
		if err == nil {
			return entries, nil
		}
		if !errors.Is(err, ranking.ErrStale) && !errors.Is(err, ranking.ErrNotSorted) {
			return nil, err
		}
	}
	return nil, err
}

// stats returns GET /api/v1/rankings/{method}/stats: summary statistics of
// the method's field across all hosts.
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	m, err := ranking.ParseMethod(r.PathValue("method"))
	if err != nil {
		jsonErr(w, http.StatusBadRequest, err.Error())
		return
	}
	jsonResp(w, http.StatusOK, summarize(m, h.db.Hosts()))
}

func summarize(m ranking.Method, entries []ranking.Entry) StatsResponse {
	resp := StatsResponse{Method: string(m), Count: len(entries)}
	if len(entries) == 0 {
		return resp
	}
	values := make([]float64, len(entries))
	for i, e := range entries {
		values[i] = m.Value(e.Host)
	}
	slices.Sort(values)

	resp.Min, resp.Max = values[0], values[len(values)-1]
	resp.Median = stat.Quantile(0.5, stat.Empirical, values, nil)
	if len(values) > 1 {
		resp.Mean, resp.StdDev = stat.MeanStdDev(values, nil)
	} else {
		resp.Mean = values[0]
	}
	return resp
}

// listAlerts returns GET /api/v1/alerts: firing and recently resolved alerts.
func (h *Handler) listAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.alerts == nil {
		jsonResp(w, http.StatusOK, []*alerts.Alert{})
		return
	}
	jsonResp(w, http.StatusOK, h.alerts.Active())
}

// snapshot returns GET /api/v1/snapshot: every record plus every clean ranking.
func (h *Handler) snapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	jsonResp(w, http.StatusOK, BuildSnapshot(h.db))
}

// BuildSnapshot converts one consistent database read into its JSON form.
// The WebSocket hub broadcasts the same structure.
func BuildSnapshot(db *ranking.Database) SnapshotResponse {
	snap := db.Snapshot()
	hosts := make([]HostResponse, 0, len(snap.Hosts))
	for _, e := range snap.Hosts {
		hosts = append(hosts, toHostResponse(e.ID, e.Host))
	}
	rankings := make(map[string][]string, len(snap.Rankings))
	for m, order := range snap.Rankings {
		rankings[string(m)] = order
	}
	return SnapshotResponse{
		Hosts:       hosts,
		Waiting:     snap.Waiting,
		Rankings:    rankings,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
	}
}

// --- helpers ----------------------------------------------------------------

// jsonResp encodes v before writing the status so an unencodable value
// becomes a 500 instead of an empty success.
func jsonResp(w http.ResponseWriter, code int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		slog.Error("api: encode response", "err", err)
		code = http.StatusInternalServerError
		body = []byte(`{"error":"internal error"}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(append(body, '\n')) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	return n, nil
}

func toHostResponse(id string, h ranking.Host) HostResponse {
	return HostResponse{
		ID:         id,
		Wmin:       h.Wmin,
		Wmax:       h.Wmax,
		Flop:       h.Flop,
		Efficiency: h.Efficiency,
		Timestamp:  h.Timestamp,
		UpdatedAt:  time.Unix(h.Timestamp, 0).UTC().Format(time.RFC3339),
	}
}
