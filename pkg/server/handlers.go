package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/nicktill/tinystats/pkg/chart"
	"github.com/nicktill/tinystats/pkg/charts"
	"github.com/nicktill/tinystats/pkg/config"
	"github.com/nicktill/tinystats/pkg/export"
	"github.com/nicktill/tinystats/pkg/httpx"
	"github.com/nicktill/tinystats/pkg/log"
	"github.com/nicktill/tinystats/pkg/server/monitor"
	"github.com/nicktill/tinystats/pkg/storage"
	"github.com/nicktill/tinystats/pkg/timespan"
)

// Version is reported by the status and health endpoints.
var Version = "dev"

// Handler serves the read API and manual updates.
type Handler struct {
	registry *charts.Registry
	updater  *Updater
	monitor  *monitor.UpdateMonitor
	storage  *monitor.StorageMonitor
	exporter *export.Handler
	started  time.Time

	// Manual updates in flight
	manual chan struct{}
}

// NewHandler creates the API handler.
func NewHandler(registry *charts.Registry, updater *Updater, updates *monitor.UpdateMonitor, stats *monitor.StorageMonitor) *Handler {
	return &Handler{
		registry: registry,
		updater:  updater,
		monitor:  updates,
		storage:  stats,
		exporter: export.NewHandler(func(name string) (export.Source, error) {
			return registry.Chart(name)
		}),
		started: time.Now(),
		manual:  make(chan struct{}, config.ManualUpdateLimit),
	}
}

// ChartInfo describes a registered chart.
type ChartInfo struct {
	chart.Metadata
	Window    string               `json:"window"`
	DependsOn []string             `json:"depends_on,omitempty"`
	Pipeline  string               `json:"pipeline"`
	Status    *monitor.ChartStatus `json:"status,omitempty"`
}

// ChartResponse is a chart's persisted series.
type ChartResponse struct {
	Chart     chart.Metadata `json:"chart"`
	From      string         `json:"from,omitempty"`
	To        string         `json:"to,omitempty"`
	Points    chart.Series   `json:"points"`
	Truncated bool           `json:"truncated,omitempty"`
}

// ResultView is one chart's update outcome.
type ResultView struct {
	Chart     string `json:"chart"`
	Window    string `json:"window"`
	Points    int    `json:"points"`
	Took      string `json:"took"`
	Error     string `json:"error,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
	Skipped   bool   `json:"skipped,omitempty"`
}

// NewResultView flattens an update result for output.
func NewResultView(res charts.Result) ResultView {
	v := ResultView{
		Chart:   res.Chart.Name,
		Window:  "full history",
		Points:  res.Points,
		Took:    res.Took.Round(time.Millisecond).String(),
		Skipped: res.Skipped,
	}
	if res.Window != nil {
		v.Window = timespan.FormatBucket(res.Window.From) + ".." + timespan.FormatBucket(res.Window.To)
	}
	if res.Err != nil {
		v.Error = res.Err.Error()
		v.Retryable = chart.IsRetryable(res.Err)
	}
	return v
}

// UpdateResponse reports a manual update.
type UpdateResponse struct {
	OK      bool         `json:"ok"`
	Results []ResultView `json:"results"`
}

// StatusResponse is the detailed service status.
type StatusResponse struct {
	Version string                `json:"version"`
	Uptime  string                `json:"uptime"`
	Healthy bool                  `json:"healthy"`
	Storage *storage.Stats        `json:"storage,omitempty"`
	Charts  []monitor.ChartStatus `json:"charts"`
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status  string                `json:"status"`
	Version string                `json:"version"`
	Uptime  string                `json:"uptime"`
	Failing []monitor.ChartStatus `json:"failing,omitempty"`
}

// handleCharts lists registered charts with their update status.
func (h *Handler) handleCharts(w http.ResponseWriter, r *http.Request) {
	list := h.registry.Charts()
	out := make([]ChartInfo, 0, len(list))
	for _, c := range list {
		info := ChartInfo{
			Metadata:  c.Metadata(),
			Window:    c.Window().String(),
			DependsOn: c.DependsOn(),
			Pipeline:  c.Pipeline(),
		}
		if status, ok := h.monitor.ChartStatus(c.Name()); ok {
			info.Status = &status
		}
		out = append(out, info)
	}
	httpx.RespondJSON(w, r, http.StatusOK, out)
}

// handleChart returns a chart's persisted series. It never computes anything.
func (h *Handler) handleChart(w http.ResponseWriter, r *http.Request) {
	c, ok := h.lookup(w, r)
	if !ok {
		return
	}
	rng, err := httpx.ParseRange(r)
	if err != nil {
		httpx.RespondError(w, r, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.ReadTimeout)
	defer cancel()

	series, err := c.Get(ctx, rng)
	if err != nil {
		log.Get(ctx).Error().Err(err).Str("chart", c.Name()).Msg("chart read failed")
		httpx.RespondError(w, r, http.StatusInternalServerError, err)
		return
	}

	resp := ChartResponse{Chart: c.Metadata(), Points: series}
	if resp.Points == nil {
		resp.Points = chart.Series{}
	}
	if len(resp.Points) > config.MaxPointsPerRead {
		// Keep the newest points
		resp.Points = resp.Points[len(resp.Points)-config.MaxPointsPerRead:]
		resp.Truncated = true
	}
	if !rng.From.IsZero() {
		resp.From = timespan.FormatBucket(rng.From)
	}
	if !rng.To.IsZero() {
		resp.To = timespan.FormatBucket(rng.To)
	}
	httpx.RespondJSON(w, r, http.StatusOK, resp)
}

// handleUpdate runs an update of one chart and its dependencies now.
func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	c, ok := h.lookup(w, r)
	if !ok {
		return
	}

	select {
	case h.manual <- struct{}{}:
		defer func() { <-h.manual }()
	default:
		httpx.RespondErrorString(w, r, http.StatusTooManyRequests, "a manual update is already running")
		return
	}

	report, err := h.updater.Run(r.Context(), c.Name())
	if err != nil {
		httpx.RespondError(w, r, http.StatusInternalServerError, err)
		return
	}

	resp := UpdateResponse{OK: len(report.Failed()) == 0}
	for _, res := range report.Results {
		resp.Results = append(resp.Results, NewResultView(res))
	}
	status := http.StatusOK
	if !resp.OK {
		status = http.StatusBadGateway
	}
	httpx.RespondJSON(w, r, status, resp)
}

// handleStatus returns storage statistics and the update status of every chart.
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), config.StatusTimeout)
	defer cancel()

	resp := StatusResponse{
		Version: Version,
		Uptime:  time.Since(h.started).Round(time.Second).String(),
		Healthy: h.monitor.IsHealthy(),
		Charts:  h.monitor.Status(),
	}
	stats, err := h.storage.Stats(ctx)
	if err != nil {
		httpx.RespondError(w, r, http.StatusInternalServerError, err)
		return
	}
	resp.Storage = stats
	httpx.RespondJSON(w, r, http.StatusOK, resp)
}

// handleHealth returns 200 while every chart is updating, 503 otherwise.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "healthy",
		Version: Version,
		Uptime:  time.Since(h.started).Round(time.Second).String(),
	}
	statusCode := http.StatusOK

	if !h.monitor.IsHealthy() {
		resp.Status = "degraded"
		statusCode = http.StatusServiceUnavailable
		for _, s := range h.monitor.Status() {
			if !s.Healthy {
				resp.Failing = append(resp.Failing, s)
			}
		}
	}
	httpx.RespondJSON(w, r, statusCode, resp)
}

func (h *Handler) lookup(w http.ResponseWriter, r *http.Request) (*charts.Chart, bool) {
	c, err := h.registry.Chart(mux.Vars(r)["name"])
	if err != nil {
		if errors.Is(err, chart.ErrNotFound) {
			httpx.RespondError(w, r, http.StatusNotFound, err)
		} else {
			httpx.RespondError(w, r, http.StatusInternalServerError, err)
		}
		return nil, false
	}
	return c, true
}

// SetupRoutes configures all HTTP routes for the server.
func SetupRoutes(router *mux.Router, h *Handler, hub *Hub, gatherer prometheus.Gatherer, lg *zerolog.Logger, addr string) {
	router.Use(loggerMiddleware(lg))
	router.Use(corsMiddleware(portOf(addr)))

	router.MethodNotAllowedHandler = methodNotAllowed()
	api := router.PathPrefix("/v1").Subrouter()
	api.MethodNotAllowedHandler = methodNotAllowed()

	// Charts
	api.HandleFunc("/charts", h.handleCharts).Methods("GET")
	api.HandleFunc("/charts/{name}", h.handleChart).Methods("GET")
	api.HandleFunc("/charts/{name}/export", h.exporter.HandleExport).Methods("GET")
	api.HandleFunc("/charts/{name}/update", h.handleUpdate).Methods("POST")

	// Service state
	api.HandleFunc("/status", h.handleStatus).Methods("GET")
	api.HandleFunc("/health", h.handleHealth).Methods("GET")

	// Chart update events
	api.HandleFunc("/ws", hub.HandleWebSocket).Methods("GET")

	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods("GET")
}

// loggerMiddleware puts the service logger into every request context.
func loggerMiddleware(lg *zerolog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(log.Set(r.Context(), lg)))
		})
	}
}

// methodNotAllowed answers a known path requested with the wrong method.
func methodNotAllowed() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.RespondErrorString(w, r, http.StatusMethodNotAllowed, r.Method+" is not allowed on "+r.URL.Path)
	})
}

// corsMiddleware creates CORS middleware that restricts to localhost origins only.
func corsMiddleware(port string) mux.MiddlewareFunc {
	allowedOrigins := map[string]bool{
		"http://localhost:" + port: true,
		"http://127.0.0.1:" + port: true,
		"http://localhost:3000":    true,
		"http://127.0.0.1:3000":    true,
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if allowedOrigins[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func portOf(addr string) string {
	if _, port, err := net.SplitHostPort(addr); err == nil && port != "" {
		return port
	}
	return "8080"
}
