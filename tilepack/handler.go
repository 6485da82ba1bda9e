package tilepack

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

// HandlerConfig wires the control API.
type HandlerConfig struct {
	Store    Store
	Pipeline *Pipeline
	Checker  *Checker
	Region   Region
	// DefaultSource is fetched when POST /package carries no url.
	DefaultSource string
	// CORS is the Access-Control-Allow-Origin value; empty disables CORS.
	CORS     string
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

type handler struct {
	cfg    HandlerConfig
	logger *zap.Logger
}

type statusResponse struct {
	Status
	Available bool `json:"available"`
}

type fetchRequest struct {
	URL string `json:"url"`
}

// NewHandler exposes the pipeline, checker and region gate over HTTP:
//
//	GET    /status          pipeline state and availability
//	GET    /package         installed package info
//	POST   /package         start a download ({"url": "..."} or the default source)
//	POST   /package/cancel  cancel the active download
//	DELETE /package         delete the installed package
//	GET    /region          coverage region as GeoJSON
//	GET    /contains        ?lat=..&lng=.. region check
//	GET    /metrics         prometheus metrics
func NewHandler(cfg HandlerConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	h := &handler{cfg: cfg, logger: logger}

	r := chi.NewRouter()
	r.Get("/status", h.status)
	r.Get("/package", h.info)
	r.Post("/package", h.fetch)
	r.Post("/package/cancel", h.cancel)
	r.Delete("/package", h.delete)
	r.Get("/region", h.region)
	r.Get("/contains", h.contains)
	r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))

	if cfg.CORS == "" {
		return r
	}
	return cors.New(cors.Options{
		AllowedOrigins: []string{cfg.CORS},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
	}).Handler(r)
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Status:    h.cfg.Pipeline.Status(),
		Available: h.cfg.Checker.IsAvailable(r.Context()),
	})
}

func (h *handler) info(w http.ResponseWriter, r *http.Request) {
	info, err := ReadInfo(r.Context(), h.cfg.Store, h.cfg.Checker)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	etag := `"` + info.Fingerprint + `"`
	if r.Header.Get("If-None-Match") == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("ETag", etag)
	writeJSON(w, http.StatusOK, info)
}

func (h *handler) fetch(w http.ResponseWriter, r *http.Request) {
	var req fetchRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	source := req.URL
	if source == "" {
		source = h.cfg.DefaultSource
	}
	if source == "" {
		writeError(w, http.StatusBadRequest, "no source url")
		return
	}

	// the download outlives the request
	done, err := h.cfg.Pipeline.Start(context.WithoutCancel(r.Context()), source)
	if err != nil {
		var pe *PipelineError
		if errors.As(err, &pe) && pe.Kind == Busy {
			writeError(w, http.StatusConflict, pe.Message())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	go func() {
		if err := <-done; err != nil {
			h.logger.Warn("background fetch failed", zap.Error(err))
		}
		h.cfg.Checker.IsAvailable(context.Background())
	}()

	writeJSON(w, http.StatusAccepted, h.cfg.Pipeline.Status())
}

func (h *handler) cancel(w http.ResponseWriter, r *http.Request) {
	if !h.cfg.Pipeline.Cancel() {
		writeError(w, http.StatusNotFound, "no download in progress")
		return
	}
	writeJSON(w, http.StatusAccepted, h.cfg.Pipeline.Status())
}

func (h *handler) delete(w http.ResponseWriter, r *http.Request) {
	if err := h.cfg.Checker.DeletePackage(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, KindOf(err).Message())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) region(w http.ResponseWriter, r *http.Request) {
	body, err := h.cfg.Region.GeoJSON()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/geo+json")
	w.Write(body)
}

func (h *handler) contains(w http.ResponseWriter, r *http.Request) {
	lat, err := strconv.ParseFloat(r.URL.Query().Get("lat"), 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid lat")
		return
	}
	lng, err := strconv.ParseFloat(r.URL.Query().Get("lng"), 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid lng")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"contains": h.cfg.Region.Contains(lat, lng)})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
