package server

import (
	"database/sql"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/luminbot/luminbot/docstore"
	"github.com/luminbot/luminbot/firsts"
	"github.com/luminbot/luminbot/streak"
)

// Handlers carries the dependencies the HTTP endpoints read from.
type Handlers struct {
	DB     *sql.DB
	Store  *docstore.Store
	Ledger *streak.Ledger
	Firsts *firsts.Tracker

	start time.Time
}

// NewHandlers initializes handlers with dependencies.
func NewHandlers(database *sql.DB, store *docstore.Store, ledger *streak.Ledger, tracker *firsts.Tracker) *Handlers {
	return &Handlers{DB: database, Store: store, Ledger: ledger, Firsts: tracker, start: time.Now()}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", slog.Any("err", err))
	}
}

// HandleHealthz reports process liveness and database reachability.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.DB.PingContext(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleReadyz reports readiness; the schema is migrated at startup so
// readiness reduces to database reachability.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	h.HandleHealthz(w, r)
}

type channelStatus struct {
	ChannelID         string `json:"channel_id"`
	CurrentBroadcast  string `json:"current_broadcast,omitempty"`
	PreviousBroadcast string `json:"previous_broadcast,omitempty"`
}

// HandleStatus reports uptime and the presence state of every channel the
// detector has observed.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ids, err := h.Store.ScanWithPath(ctx, "current_broadcast")
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	channels := make([]channelStatus, 0, len(ids))
	for _, id := range ids {
		doc, err := h.Store.Get(ctx, id)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		current, _ := docstore.AsString(doc["current_broadcast"])
		previous, _ := docstore.AsString(doc["previous_broadcast"])
		channels = append(channels, channelStatus{ChannelID: id, CurrentBroadcast: current, PreviousBroadcast: previous})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"uptime_seconds": int(time.Since(h.start).Seconds()),
		"channels":       channels,
	})
}

// HandleWatchstreakLeaderboard returns the top active watchstreaks for a
// channel (?channel_id=...).
func (h *Handlers) HandleWatchstreakLeaderboard(w http.ResponseWriter, r *http.Request) {
	channelID := r.URL.Query().Get("channel_id")
	if channelID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "channel_id required"})
		return
	}
	entries, err := h.Ledger.Top(r.Context(), channelID, 10)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	type row struct {
		ViewerID string `json:"viewer_id"`
		Streak   int64  `json:"streak"`
	}
	rows := make([]row, len(entries))
	for i, e := range entries {
		rows[i] = row{ViewerID: e.ViewerID, Streak: e.Streak}
	}
	writeJSON(w, http.StatusOK, map[string]any{"channel_id": channelID, "entries": rows})
}

// HandleFirstsLeaderboard returns the top lifetime firsts for a channel
// (?channel_id=...).
func (h *Handlers) HandleFirstsLeaderboard(w http.ResponseWriter, r *http.Request) {
	channelID := r.URL.Query().Get("channel_id")
	if channelID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "channel_id required"})
		return
	}
	entries, err := h.Firsts.Top(r.Context(), channelID, 10)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	type row struct {
		ViewerID string `json:"viewer_id"`
		Firsts   int64  `json:"firsts"`
	}
	rows := make([]row, len(entries))
	for i, e := range entries {
		rows[i] = row{ViewerID: e.ViewerID, Firsts: e.Firsts}
	}
	writeJSON(w, http.StatusOK, map[string]any{"channel_id": channelID, "entries": rows})
}
