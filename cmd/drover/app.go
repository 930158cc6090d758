// Drover - Multi-Worker HTTP Serving Supervisor
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/drover

package main

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/tomtom215/drover/internal/logging"
)

// newApp builds the demo application the daemon serves: a small tabular
// data converter. It is deliberately boring; the supervisor treats it as an
// opaque http.Handler, which is the whole point.
func newApp() http.Handler {
	r := chi.NewRouter()
	r.Get("/", handleRoot)
	r.Post("/convert", handleConvert)
	return r
}

func handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeAppJSON(w, http.StatusOK, map[string]string{
		"service": "drover demo",
		"usage":   "POST /convert with {\"header\": [...], \"data\": [[...], ...]}",
	})
}

type convertRequest struct {
	Header []string `json:"header"`
	Data   [][]any  `json:"data"`
}

// handleConvert zips each data row with the header into an object:
//
//	{"header": ["name", "age"], "data": [["John", 25], ["Emma", 30]]}
//
// becomes [{"name": "John", "age": 25}, {"name": "Emma", "age": 30}].
// Rows whose length does not match the header are rejected rather than
// silently truncated.
func handleConvert(w http.ResponseWriter, r *http.Request) {
	var req convertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAppJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON body",
		})
		return
	}
	if len(req.Header) == 0 || len(req.Data) == 0 {
		writeAppJSON(w, http.StatusBadRequest, map[string]string{
			"error": "Both 'header' and 'data' are required.",
		})
		return
	}

	result := make([]map[string]any, 0, len(req.Data))
	for i, row := range req.Data {
		if len(row) != len(req.Header) {
			writeAppJSON(w, http.StatusBadRequest, map[string]any{
				"error": "row length does not match header length",
				"row":   i,
			})
			return
		}
		obj := make(map[string]any, len(req.Header))
		for j, key := range req.Header {
			obj[key] = row[j]
		}
		result = append(result, obj)
	}

	writeAppJSON(w, http.StatusOK, map[string]any{
		"count":        len(result),
		"result":       result,
		"converted_at": time.Now().UTC(),
	})
}

func writeAppJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logging.Error().Err(err).Msg("failed to encode response")
	}
}
