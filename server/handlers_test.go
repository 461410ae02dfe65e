package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/luminbot/luminbot/docstore"
	"github.com/luminbot/luminbot/firsts"
	"github.com/luminbot/luminbot/presence"
	"github.com/luminbot/luminbot/streak"
	"github.com/luminbot/luminbot/testutil"
)

func newTestServer(t *testing.T) (*httptest.Server, *docstore.Store) {
	t.Helper()
	database, dialect := testutil.SetupTestDB(t)
	store := docstore.New(database, dialect)
	h := NewHandlers(database, store, streak.NewLedger(store, nil), firsts.NewTracker(store, nil))
	srv := httptest.NewServer(NewMux(h))
	t.Cleanup(srv.Close)
	return srv, store
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s error = %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s response: %v", url, err)
		}
	}
	return resp
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	var body map[string]string
	resp := getJSON(t, srv.URL+"/healthz", &body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
}

func TestReadyz(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := getJSON(t, srv.URL+"/readyz", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}

func TestCorrelationIDHeader(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	resp.Body.Close()
	if resp.Header.Get("X-Correlation-ID") == "" {
		t.Fatal("missing X-Correlation-ID header")
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/healthz", nil)
	req.Header.Set("X-Correlation-ID", "fixed-id")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Correlation-ID"); got != "fixed-id" {
		t.Fatalf("X-Correlation-ID = %q, want fixed-id echoed back", got)
	}
}

func TestStatusListsChannels(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	d := presence.NewDetector(store)
	if _, err := d.Observe(ctx, "chan1", "b1"); err != nil {
		t.Fatalf("Observe() error = %v", err)
	}
	if _, err := d.Observe(ctx, "chan1", "b2"); err != nil {
		t.Fatalf("Observe() error = %v", err)
	}

	var body struct {
		UptimeSeconds int `json:"uptime_seconds"`
		Channels      []struct {
			ChannelID         string `json:"channel_id"`
			CurrentBroadcast  string `json:"current_broadcast"`
			PreviousBroadcast string `json:"previous_broadcast"`
		} `json:"channels"`
	}
	resp := getJSON(t, srv.URL+"/status", &body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if len(body.Channels) != 1 {
		t.Fatalf("channels = %+v, want one entry", body.Channels)
	}
	ch := body.Channels[0]
	if ch.ChannelID != "chan1" || ch.CurrentBroadcast != "b2" || ch.PreviousBroadcast != "b1" {
		t.Fatalf("channel = %+v", ch)
	}
}

func TestWatchstreakLeaderboardEndpoint(t *testing.T) {
	srv, store := newTestServer(t)
	ctx := context.Background()

	doc := docstore.Document{
		presence.WatchstreakKey("chan1"): map[string]any{
			"latest_broadcast": "b1",
			"streak":           int64(5),
			"streak_record":    int64(5),
		},
	}
	if err := store.Put(ctx, "v1", doc); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	var body struct {
		ChannelID string `json:"channel_id"`
		Entries   []struct {
			ViewerID string `json:"viewer_id"`
			Streak   int64  `json:"streak"`
		} `json:"entries"`
	}
	resp := getJSON(t, srv.URL+"/leaderboard/watchstreaks?channel_id=chan1", &body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if len(body.Entries) != 1 || body.Entries[0].ViewerID != "v1" || body.Entries[0].Streak != 5 {
		t.Fatalf("entries = %+v", body.Entries)
	}
}

func TestLeaderboardRequiresChannelID(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := getJSON(t, srv.URL+"/leaderboard/watchstreaks", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	resp = getJSON(t, srv.URL+"/leaderboard/firsts", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := getJSON(t, srv.URL+"/metrics", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
}
