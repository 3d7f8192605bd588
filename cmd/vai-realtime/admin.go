package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/vango-go/vai-realtime/pkg/realtime/conversation"
	"github.com/vango-go/vai-realtime/pkg/realtime/metrics"
	"github.com/vango-go/vai-realtime/pkg/realtime/session"
)

type adminSession interface {
	Snapshot() session.Snapshot
	History(ctx context.Context, n int) ([]conversation.Entry, error)
}

type toolView struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type snapshotResponse struct {
	ID      string     `json:"id"`
	State   string     `json:"state"`
	Muted   bool       `json:"muted"`
	Voice   string     `json:"voice"`
	Persona string     `json:"persona,omitempty"`
	Tools   []toolView `json:"tools"`
}

func snapshotView(s session.Snapshot) snapshotResponse {
	out := snapshotResponse{
		ID:      s.ID,
		State:   string(s.State),
		Muted:   s.Muted,
		Voice:   s.Voice,
		Persona: s.Persona,
		Tools:   make([]toolView, 0, len(s.Tools)),
	}
	for _, d := range s.Tools {
		out.Tools = append(out.Tools, toolView{Name: d.Name, Description: d.Description})
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// buildAdminServer serves metrics, a health probe and read-only session
// views.
func buildAdminServer(addr string, m *metrics.Metrics, sess adminSession) *http.Server {
	r := chi.NewRouter()
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Handle("/metrics", m.Handler())
	r.Get("/session", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, snapshotView(sess.Snapshot()))
	})
	r.Get("/history", func(w http.ResponseWriter, req *http.Request) {
		n := defaultHistory
		if raw := req.URL.Query().Get("n"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "n must be a positive integer"})
				return
			}
			n = parsed
		}
		entries, err := sess.History(req.Context(), n)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
	})
	return &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
