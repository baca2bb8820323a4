/*
Copyright © 2026 Oliver Tinapple
*/

package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/Oliver-Tinapple/Say-Gugnag/store"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

// broadcaster delivers a committed write to every connected browser.
// The websocket hub implements it; tests substitute an in-memory fake.
type broadcaster interface {
	Publish(key, value string)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// serveTextAll handles GET /api/text.
func serveTextAll(cfg *Config, st store.TextStore) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		startTime := time.Now()

		securityHeaders(cfg, w)

		text, err := st.GetAll(r.Context())
		if err != nil {
			logf(cfg, "ERROR: Fetching text: %v", err)
			writeError(w, http.StatusInternalServerError, "Failed to fetch text")

			return
		}

		writeJSON(w, http.StatusOK, text)

		logf(cfg, "SERVE: Text snapshot (%d keys) to %s in %s",
			len(text),
			realIP(r),
			time.Since(startTime).Round(time.Microsecond),
		)
	}
}

// serveTextSet handles POST /api/text/:key. The "reset-all" key is claimed
// by the reset operation, not the fixed key set, so it dispatches there;
// httprouter cannot register a literal sibling under the :key wildcard.
func serveTextSet(cfg *Config, st store.TextStore, bc broadcaster) httprouter.Handle {
	reset := serveTextReset(cfg, st)

	return func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		key := p.ByName("key")

		if key == "reset-all" {
			reset(w, r, p)

			return
		}

		securityHeaders(cfg, w)

		var body struct {
			Value string `json:"value"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "Value is required")

			return
		}

		err := st.Set(r.Context(), key, body.Value)
		switch {
		case errors.Is(err, store.ErrEmptyValue):
			writeError(w, http.StatusBadRequest, "Value is required")

			return
		case errors.Is(err, store.ErrUnknownKey):
			writeError(w, http.StatusNotFound, "Unknown text key")

			return
		case err != nil:
			logf(cfg, "ERROR: Updating %q: %v", key, err)
			writeError(w, http.StatusInternalServerError, "Failed to update text")

			return
		}

		bc.Publish(key, body.Value)

		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"key":     key,
			"value":   body.Value,
		})

		logf(cfg, "TEXT: %s set %q to %q", realIP(r), key, body.Value)
	}
}

// serveTextReset handles POST /api/text/reset-all.
func serveTextReset(cfg *Config, st store.TextStore) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		securityHeaders(cfg, w)

		if err := st.ResetAll(r.Context()); err != nil {
			logf(cfg, "ERROR: Resetting text: %v", err)
			writeError(w, http.StatusInternalServerError, "Failed to reset text")

			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"message": "All text reset to defaults",
		})

		logf(cfg, "TEXT: %s reset all keys to defaults", realIP(r))
	}
}

// serveTextHistory handles GET /api/history?limit=100.
func serveTextHistory(cfg *Config, st store.TextStore) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		securityHeaders(cfg, w)

		limit := defaultHistoryLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 1 {
				writeError(w, http.StatusBadRequest, "Invalid limit")

				return
			}
			limit = min(parsed, maxHistoryLimit)
		}

		records, err := st.GetHistory(r.Context(), limit)
		if err != nil {
			logf(cfg, "ERROR: Fetching history: %v", err)
			writeError(w, http.StatusInternalServerError, "Failed to fetch history")

			return
		}

		if records == nil {
			records = []store.HistoryRecord{}
		}
		writeJSON(w, http.StatusOK, records)
	}
}

// serveAPIHealth handles GET /api/health.
func serveAPIHealth(cfg *Config) httprouter.Handle {
	return func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		securityHeaders(cfg, w)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// registerTextAPI wires the text CRUD surface onto the router.
func registerTextAPI(cfg *Config, mux *httprouter.Router, st store.TextStore, bc broadcaster) {
	mux.GET(cfg.prefix+"/api/text", serveTextAll(cfg, st))
	mux.POST(cfg.prefix+"/api/text/:key", serveTextSet(cfg, st, bc))
	mux.GET(cfg.prefix+"/api/history", serveTextHistory(cfg, st))
	mux.GET(cfg.prefix+"/api/health", serveAPIHealth(cfg))
}
