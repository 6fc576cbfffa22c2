package export

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/nicktill/tinystats/pkg/chart"
	"github.com/nicktill/tinystats/pkg/httpx"
	"github.com/nicktill/tinystats/pkg/log"
)

// Lookup finds a chart by name. It returns an error wrapping chart.ErrNotFound
// for unknown names.
type Lookup func(name string) (Source, error)

// Handler handles the export HTTP endpoint.
type Handler struct {
	lookup Lookup
}

// NewHandler creates a new export handler.
func NewHandler(lookup Lookup) *Handler {
	return &Handler{lookup: lookup}
}

// HandleExport handles GET /v1/charts/{name}/export
func (h *Handler) HandleExport(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	src, err := h.lookup(name)
	if err != nil {
		if errors.Is(err, chart.ErrNotFound) {
			httpx.RespondError(w, r, http.StatusNotFound, err)
			return
		}
		httpx.RespondError(w, r, http.StatusInternalServerError, err)
		return
	}

	format := r.URL.Query().Get("format")
	if format == "" {
		format = FormatJSON
	}
	if format != FormatJSON && format != FormatCSV {
		httpx.RespondErrorString(w, r, http.StatusBadRequest, "Invalid format. Must be 'json' or 'csv'")
		return
	}

	rng, err := httpx.ParseRange(r)
	if err != nil {
		httpx.RespondError(w, r, http.StatusBadRequest, err)
		return
	}

	// Read before writing headers so a failed read can still become a 500
	series, err := src.Get(r.Context(), rng)
	if err != nil {
		log.Get(r.Context()).Error().Err(err).Str("chart", name).Msg("export failed")
		httpx.RespondError(w, r, http.StatusInternalServerError, err)
		return
	}

	timestamp := time.Now().Format("20060102-150405")
	if format == FormatJSON {
		w.Header().Set("Content-Type", "application/json")
	} else {
		w.Header().Set("Content-Type", "text/csv")
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s-%s.%s", name, timestamp, format))

	result, err := Export(r.Context(), w, snapshot{src: src, series: series}, Options{Range: rng, Format: format})
	if err != nil {
		// Headers are gone; the client sees a truncated body
		log.Get(r.Context()).Error().Err(err).Str("chart", name).Msg("export failed")
		return
	}

	log.Get(r.Context()).Info().
		Str("chart", result.Chart).
		Str("format", result.Format).
		Int("points", result.PointsExported).
		Str("range", result.TimeRange).
		Msg("chart exported")
}

// snapshot serves an already-read series.
type snapshot struct {
	src    Source
	series chart.Series
}

func (s snapshot) Metadata() chart.Metadata { return s.src.Metadata() }

func (s snapshot) Get(_ context.Context, _ chart.Range) (chart.Series, error) {
	return s.series, nil
}
