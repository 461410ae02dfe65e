package sequencer_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/luminbot/luminbot/db"
	"github.com/luminbot/luminbot/docstore"
	"github.com/luminbot/luminbot/firsts"
	"github.com/luminbot/luminbot/presence"
	"github.com/luminbot/luminbot/sequencer"
	"github.com/luminbot/luminbot/streak"
	"github.com/luminbot/luminbot/testutil"
)

type fakeLive struct {
	mu  sync.Mutex
	id  string
	err error
}

func (f *fakeLive) LiveBroadcastID(ctx context.Context, channelName string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.id, f.err
}

func (f *fakeLive) set(id string) {
	f.mu.Lock()
	f.id = id
	f.mu.Unlock()
}

type harness struct {
	store  *docstore.Store
	ledger *streak.Ledger
	seq    *sequencer.Sequencer
	live   *fakeLive
}

func setup(t *testing.T) *harness {
	t.Helper()
	store := testutil.SetupTestStore(t)
	return setupWithStore(t, store)
}

func setupWithStore(t *testing.T, store *docstore.Store) *harness {
	t.Helper()
	live := &fakeLive{}
	detector := presence.NewDetector(store)
	ledger := streak.NewLedger(store, nil)
	tracker := firsts.NewTracker(store, nil)
	return &harness{
		store:  store,
		ledger: ledger,
		seq:    sequencer.New(store, detector, ledger, tracker, live),
		live:   live,
	}
}

func msg(author string) sequencer.Message {
	return sequencer.Message{
		ChannelID:   "chan1",
		ChannelName: "somechannel",
		AuthorID:    author,
		AuthorName:  author,
		Text:        "hello there",
	}
}

func TestHandleMessageOffline(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	h.live.set("")
	if err := h.seq.HandleMessage(ctx, msg("v1")); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if _, ok, _ := h.ledger.Current(ctx, "chan1", "v1"); ok {
		t.Fatal("offline message created a streak")
	}
	doc, _ := h.store.Get(ctx, "chan1")
	if len(doc) != 0 {
		t.Fatalf("offline message touched channel record: %v", doc)
	}
}

func TestHandleMessageAcrossBroadcasts(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	// Viewer chats twice during b1: one credit.
	h.live.set("b1")
	for i := 0; i < 2; i++ {
		if err := h.seq.HandleMessage(ctx, msg("v1")); err != nil {
			t.Fatalf("HandleMessage() error = %v", err)
		}
	}
	if got, _, _ := h.ledger.Current(ctx, "chan1", "v1"); got != 1 {
		t.Fatalf("streak = %d after b1, want 1", got)
	}

	// Next broadcast: the chain extends.
	h.live.set("b2")
	if err := h.seq.HandleMessage(ctx, msg("v1")); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if got, _, _ := h.ledger.Current(ctx, "chan1", "v1"); got != 2 {
		t.Fatalf("streak = %d after b2, want 2", got)
	}

	// Viewer misses b3; another viewer's message drives the transition and
	// the sweep. One more broadcast later the absent streak has lapsed.
	h.live.set("b3")
	if err := h.seq.HandleMessage(ctx, msg("v2")); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	h.live.set("b4")
	if err := h.seq.HandleMessage(ctx, msg("v2")); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if _, ok, _ := h.ledger.Current(ctx, "chan1", "v1"); ok {
		t.Fatal("streak survived a missed broadcast, want lapsed")
	}
	if record, _ := h.ledger.Record(ctx, "chan1", "v1"); record != 2 {
		t.Fatalf("streak_record = %d after lapse, want 2", record)
	}

	// Coming back starts over at 1.
	if err := h.seq.HandleMessage(ctx, msg("v1")); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}
	if got, _, _ := h.ledger.Current(ctx, "chan1", "v1"); got != 1 {
		t.Fatalf("streak = %d after return, want fresh start of 1", got)
	}
}

func TestHandleMessageMissedBroadcastScenario(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	// Live id sequence S1, S1, S2, S2, S3. The viewer chats during S1 and S3
	// but sits out S2 entirely; another viewer keeps the channel ticking.
	steps := []struct {
		live   string
		author string
	}{
		{"S1", "v1"},
		{"S1", "v1"},
		{"S2", "v2"},
		{"S2", "v2"},
		{"S3", "v1"},
	}
	for i, step := range steps {
		h.live.set(step.live)
		if err := h.seq.HandleMessage(ctx, msg(step.author)); err != nil {
			t.Fatalf("step %d: HandleMessage() error = %v", i, err)
		}
	}

	got, ok, err := h.ledger.Current(ctx, "chan1", "v1")
	if err != nil {
		t.Fatalf("Current() error = %v", err)
	}
	if !ok || got != 1 {
		t.Fatalf("streak = %d (ok=%v), want fresh start of 1 after the S2 miss", got, ok)
	}
}

func TestHandleMessageDropsCommandsAndBots(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	h.live.set("b1")

	m := msg("v1")
	m.Text = "!watchstreak"
	if err := h.seq.HandleMessage(ctx, m); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}

	bot := msg("Nightbot")
	if err := h.seq.HandleMessage(ctx, bot); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}

	anon := msg("v2")
	anon.AuthorID = ""
	if err := h.seq.HandleMessage(ctx, anon); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}

	doc, _ := h.store.Get(ctx, "chan1")
	if len(doc) != 0 {
		t.Fatalf("dropped messages touched channel record: %v", doc)
	}
}

func TestHandleMessageLiveLookupFailure(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	h.live.err = errors.New("helix down")

	if err := h.seq.HandleMessage(ctx, msg("v1")); err == nil {
		t.Fatal("HandleMessage() error = nil, want live lookup failure")
	}
	doc, _ := h.store.Get(ctx, "chan1")
	if len(doc) != 0 {
		t.Fatalf("failed lookup touched channel record: %v", doc)
	}
}

func TestHandleMessageDisabledFeatures(t *testing.T) {
	h := setup(t)
	ctx := context.Background()

	chanDoc := docstore.Document{
		"disabled_features": []any{sequencer.FeatureWatchstreaks, sequencer.FeatureFirsts},
	}
	if err := h.store.Put(ctx, "chan1", chanDoc); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	h.live.set("b1")
	if err := h.seq.HandleMessage(ctx, msg("v1")); err != nil {
		t.Fatalf("HandleMessage() error = %v", err)
	}

	if _, ok, _ := h.ledger.Current(ctx, "chan1", "v1"); ok {
		t.Fatal("streak credited with watchstreaks disabled")
	}
	doc, _ := h.store.Get(ctx, "chan1")
	if doc.Sub("firsts") != nil {
		t.Fatal("firsts awarded with feature disabled")
	}
	// Presence tracking itself is not a feature and still runs.
	if cur, _ := docstore.AsString(doc["current_broadcast"]); cur != "b1" {
		t.Fatalf("current_broadcast = %q, want b1", cur)
	}
}

func TestHandleMessageConsumerFailureIsolation(t *testing.T) {
	database, dialect := testutil.SetupTestDB(t)
	store := docstore.New(database, dialect)
	h := setupWithStore(t, store)
	ctx := context.Background()

	// A corrupt viewer record makes every consumer that touches it fail.
	q := db.Rebind(dialect, `INSERT INTO documents (document_id, data) VALUES (?, ?)`)
	if _, err := database.ExecContext(ctx, q, "v1", "{broken"); err != nil {
		t.Fatalf("raw insert error = %v", err)
	}

	h.live.set("b1")
	err := h.seq.HandleMessage(ctx, msg("v1"))
	if err == nil {
		t.Fatal("HandleMessage() error = nil, want consumer failures")
	}
	if !errors.Is(err, docstore.ErrCorrupt) {
		t.Fatalf("HandleMessage() error = %v, want it to wrap ErrCorrupt", err)
	}

	// The transition was still recorded: consumer failures never roll back
	// presence state.
	doc, getErr := store.Get(ctx, "chan1")
	if getErr != nil {
		t.Fatalf("Get() error = %v", getErr)
	}
	if cur, _ := docstore.AsString(doc["current_broadcast"]); cur != "b1" {
		t.Fatalf("current_broadcast = %q, want b1", cur)
	}
}

func TestHandleMessageConcurrentBurst(t *testing.T) {
	h := setup(t)
	ctx := context.Background()
	h.live.set("b1")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h.seq.HandleMessage(ctx, msg("v1")); err != nil {
				t.Errorf("HandleMessage() error = %v", err)
			}
		}()
	}
	wg.Wait()

	got, _, err := h.ledger.Current(ctx, "chan1", "v1")
	if err != nil {
		t.Fatalf("Current() error = %v", err)
	}
	if got != 1 {
		t.Fatalf("streak = %d after concurrent burst, want 1", got)
	}
}
