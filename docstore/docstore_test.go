package docstore

import (
	"context"
	"errors"
	"testing"

	"github.com/luminbot/luminbot/db"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	database, dialect, err := db.Open("file:" + t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.Migrate(context.Background(), database, dialect); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}
	return New(database, dialect)
}

func TestGetMissingReturnsEmptyDocument(t *testing.T) {
	s := setupStore(t)
	doc, err := s.Get(context.Background(), "nope")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if doc == nil {
		t.Fatal("expected empty document, got nil")
	}
	if len(doc) != 0 {
		t.Fatalf("expected empty document, got %v", doc)
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	doc := Document{
		"streamer_1_watchstreaks": map[string]any{
			"latest_broadcast": "b42",
			"streak":           int64(7),
			"streak_record":    int64(12),
		},
		"notes": "hello",
	}
	if err := s.Put(ctx, "viewer1", doc); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, err := s.Get(ctx, "viewer1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	sub := got.Sub("streamer_1_watchstreaks")
	if sub == nil {
		t.Fatal("expected nested sub-map")
	}
	if latest, _ := AsString(sub["latest_broadcast"]); latest != "b42" {
		t.Errorf("latest_broadcast = %q, want b42", latest)
	}
	if streak, ok := AsInt64(sub["streak"]); !ok || streak != 7 {
		t.Errorf("streak = %d (ok=%v), want 7", streak, ok)
	}
	if record, ok := AsInt64(sub["streak_record"]); !ok || record != 12 {
		t.Errorf("streak_record = %d (ok=%v), want 12", record, ok)
	}
}

func TestPutOverwritesWholeDocument(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, "id", Document{"a": "1", "b": "2"}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := s.Put(ctx, "id", Document{"a": "9"}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	got, err := s.Get(ctx, "id")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if _, ok := got["b"]; ok {
		t.Error("expected b to be gone after overwrite")
	}
	if a, _ := AsString(got["a"]); a != "9" {
		t.Errorf("a = %q, want 9", a)
	}
}

func TestDelete(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, "gone", Document{"x": "y"}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := s.Delete(ctx, "gone"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	doc, err := s.Get(ctx, "gone")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(doc) != 0 {
		t.Fatalf("expected empty document after delete, got %v", doc)
	}

	// Deleting a missing id is a no-op.
	if err := s.Delete(ctx, "never-existed"); err != nil {
		t.Fatalf("Delete() of missing id error = %v", err)
	}
}

func TestGetCorruptDocument(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	q := db.Rebind(s.dialect, `INSERT INTO documents (document_id, data) VALUES (?, ?)`)
	if _, err := s.db.ExecContext(ctx, q, "bad", "{not json"); err != nil {
		t.Fatalf("raw insert error = %v", err)
	}
	_, err := s.Get(ctx, "bad")
	if !errors.Is(err, ErrCorrupt) {
		t.Fatalf("Get() error = %v, want ErrCorrupt", err)
	}
}

func TestScanSortedNumericDescending(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	put := func(id string, streak int64) {
		t.Helper()
		doc := Document{"streamer_1_watchstreaks": map[string]any{"streak": streak}}
		if err := s.Put(ctx, id, doc); err != nil {
			t.Fatalf("Put(%s) error = %v", id, err)
		}
	}
	put("v1", 7)
	put("v2", 3)
	put("v3", 9)
	// A document without the path is excluded, not an error.
	if err := s.Put(ctx, "other", Document{"unrelated": "shape"}); err != nil {
		t.Fatalf("Put(other) error = %v", err)
	}

	ids, err := s.ScanSorted(ctx, "streamer_1_watchstreaks.streak")
	if err != nil {
		t.Fatalf("ScanSorted() error = %v", err)
	}
	want := []string{"v3", "v1", "v2"}
	if len(ids) != len(want) {
		t.Fatalf("ScanSorted() = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ScanSorted() = %v, want %v", ids, want)
		}
	}
}

func TestScanSortedStringValues(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	for id, v := range map[string]string{"a": "apple", "b": "cherry", "c": "banana"} {
		if err := s.Put(ctx, id, Document{"name": v}); err != nil {
			t.Fatalf("Put(%s) error = %v", id, err)
		}
	}
	ids, err := s.ScanSorted(ctx, "name")
	if err != nil {
		t.Fatalf("ScanSorted() error = %v", err)
	}
	want := []string{"b", "c", "a"}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("ScanSorted() = %v, want %v", ids, want)
		}
	}
}

func TestScanWithPath(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	if err := s.Put(ctx, "c1", Document{"current_broadcast": "b1"}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := s.Put(ctx, "c2", Document{"current_broadcast": "b2", "extra": "x"}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := s.Put(ctx, "v1", Document{"streamer_c1_watchstreaks": map[string]any{"streak": int64(1)}}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	ids, err := s.ScanWithPath(ctx, "current_broadcast")
	if err != nil {
		t.Fatalf("ScanWithPath() error = %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("ScanWithPath() = %v, want 2 ids", ids)
	}
	seen := map[string]bool{}
	for _, id := range ids {
		seen[id] = true
	}
	if !seen["c1"] || !seen["c2"] {
		t.Fatalf("ScanWithPath() = %v, want c1 and c2", ids)
	}
}

func TestResolve(t *testing.T) {
	doc := Document{
		"a": map[string]any{
			"b": map[string]any{"c": "leaf"},
			"n": nil,
		},
		"top": "value",
	}
	tests := []struct {
		path   string
		wantOK bool
	}{
		{"top", true},
		{"a.b.c", true},
		{"a.n", true}, // present null still resolves
		{"a.b.missing", false},
		{"a.b.c.deeper", false},
		{"missing", false},
	}
	for _, tt := range tests {
		if _, ok := doc.Resolve(tt.path); ok != tt.wantOK {
			t.Errorf("Resolve(%q) ok = %v, want %v", tt.path, ok, tt.wantOK)
		}
	}
}

func TestStringListAndContains(t *testing.T) {
	doc := Document{"disabled_features": []any{"firsts", "watchstreaks", 42}}
	list := doc.StringList("disabled_features")
	if len(list) != 2 {
		t.Fatalf("StringList() = %v, want 2 strings", list)
	}
	if !doc.Contains("disabled_features", "firsts") {
		t.Error("Contains(firsts) = false, want true")
	}
	if doc.Contains("disabled_features", "nope") {
		t.Error("Contains(nope) = true, want false")
	}
	if doc.Contains("missing_key", "firsts") {
		t.Error("Contains on missing key = true, want false")
	}
}
