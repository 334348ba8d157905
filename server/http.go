package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/HengYangDS/sage-kb-sub007/capability"
	"github.com/HengYangDS/sage-kb-sub007/loader"
)

// HTTP serves the JSON API. It owns only transport state; the loader and
// dispatcher are injected.
type HTTP struct {
	ldr  *loader.Loader
	disp *capability.Dispatcher

	srv *http.Server
}

func NewHTTP(ldr *loader.Loader, disp *capability.Dispatcher) *HTTP {
	return &HTTP{ldr: ldr, disp: disp}
}

// Router builds the request mux. Exposed separately so tests can drive it
// through httptest without a listener.
func (h *HTTP) Router() http.Handler {
	var r = chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Post("/load", h.handleLoad)
	r.Get("/layers", h.handleLayers)
	r.Post("/rescan", h.handleRescan)
	r.Get("/search", h.handleSearch)
	r.Get("/capabilities", h.handleCapabilities)
	r.Post("/capability/{family}/{name}", h.handleCapability)
	r.Get("/healthz", h.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	return r
}

// Serve blocks until ctx ends or the listener fails.
func (h *HTTP) Serve(ctx context.Context, addr string) error {
	h.srv = &http.Server{Addr: addr, Handler: h.Router()}

	var errCh = make(chan error, 1)
	go func() { errCh <- h.srv.ListenAndServe() }()
	log.WithField("addr", addr).Info("http adapter listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		var shutdownCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return h.srv.Shutdown(shutdownCtx)
	}
}

func (h *HTTP) handleLoad(w http.ResponseWriter, r *http.Request) {
	var payload loadPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body: " + err.Error()})
		return
	}

	var res, err = h.ldr.Load(r.Context(), payload.toRequest())
	if err != nil {
		writeLoaderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, renderLoad(res))
}

func (h *HTTP) handleLayers(w http.ResponseWriter, r *http.Request) {
	var all, _ = strconv.ParseBool(r.URL.Query().Get("all"))
	writeJSON(w, http.StatusOK, renderLayers(h.ldr.Snapshot(), all))
}

func (h *HTTP) handleRescan(w http.ResponseWriter, r *http.Request) {
	var snap, err = h.ldr.Rescan(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"files":  snap.FileCount(),
		"layers": len(snap.Layers()),
	})
}

func (h *HTTP) handleSearch(w http.ResponseWriter, r *http.Request) {
	var q = r.URL.Query()
	var limit, _ = strconv.Atoi(q.Get("limit"))

	var hits, err = h.ldr.Search(r.Context(), q.Get("q"), splitLayers(q.Get("layers")), limit)
	if err != nil {
		writeLoaderError(w, err)
		return
	}
	if hits == nil {
		hits = []loader.SearchHit{}
	}
	writeJSON(w, http.StatusOK, hits)
}

func (h *HTTP) handleCapabilities(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.disp.Registry().List())
}

func (h *HTTP) handleCapability(w http.ResponseWriter, r *http.Request) {
	var family, ok = capability.ParseFamily(chi.URLParam(r, "family"))
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "unknown capability family"})
		return
	}

	var payload struct {
		Layer     string `json:"layer,omitempty"`
		Text      string `json:"text,omitempty"`
		TimeoutMs int    `json:"timeoutMs,omitempty"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid JSON body: " + err.Error()})
			return
		}
	}

	var res, err = h.disp.Run(r.Context(), family, chi.URLParam(r, "name"),
		capability.Input{Layer: payload.Layer, Text: payload.Text},
		time.Duration(payload.TimeoutMs)*time.Millisecond)
	if err != nil {
		writeLoaderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *HTTP) handleHealth(w http.ResponseWriter, _ *http.Request) {
	var stats = h.ldr.CacheStats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":       "ok",
		"indexedFiles": h.ldr.Snapshot().FileCount(),
		"cacheEntries": stats.HotEntries,
		"cacheBytes":   stats.HotBytes,
		"breakers":     h.ldr.BreakerStates(),
	})
}

// writeLoaderError maps the error taxonomy onto status codes: BadRequest
// is 400, anything else is an internal fault the read path should have
// absorbed, reported as 500.
func writeLoaderError(w http.ResponseWriter, err error) {
	var br *loader.BadRequestError
	if errors.As(err, &br) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: br.Error()})
		return
	}
	writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithField("error", err).Warn("response encoding failed")
	}
}
