// mockmodel is a deterministic stand-in for the model backends used in
// local development. Identical prompts always produce identical
// responses, which makes response-cache behavior observable end to end.
package main

import (
	"crypto/sha256"
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

type generateRequest struct {
	Prompt string `json:"prompt"`
}

func main() {
	port := os.Getenv("MOCKMODEL_PORT")
	if port == "" {
		port = "9000"
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/v1/generate", logged(generate))
	mux.HandleFunc("/v1/embed", logged(embed))

	logrus.WithField("port", port).Info("mockmodel listening")
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	if err := server.ListenAndServe(); err != nil {
		logrus.WithError(err).Fatal("mockmodel failed")
	}
}

func logged(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next(w, r)
		logrus.WithFields(logrus.Fields{
			"path":        r.URL.Path,
			"model":       r.Header.Get("X-Model-ID"),
			"request_id":  r.Header.Get("X-Request-ID"),
			"duration_ms": time.Since(start).Milliseconds(),
		}).Info("request served")
	}
}

func generate(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"body must be valid JSON"}`, http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"model":  r.Header.Get("X-Model-ID"),
		"output": "mock completion for: " + req.Prompt,
		"usage": map[string]int{
			"prompt_tokens":     len(strings.Fields(req.Prompt)),
			"completion_tokens": len(strings.Fields(req.Prompt)) + 4,
		},
	})
}

// embed maps the prompt hash onto a fixed-length unit-free vector, so
// equal inputs embed equally across restarts.
func embed(w http.ResponseWriter, r *http.Request) {
	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"body must be valid JSON"}`, http.StatusBadRequest)
		return
	}

	sum := sha256.Sum256([]byte(req.Prompt))
	vector := make([]float64, 8)
	for i := range vector {
		vector[i] = float64(sum[i])/127.5 - 1
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"model":     r.Header.Get("X-Model-ID"),
		"embedding": vector,
	})
}
