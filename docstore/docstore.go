// Package docstore implements a generic JSON document store over database/sql.
// Each entity id maps to one open-ended nested record; besides point reads and
// writes it supports two full-corpus scan queries used for leaderboards and
// the attendance sweep. Scans are O(total documents) and tolerate records of
// any shape: a document lacking the requested path is simply excluded.
package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/luminbot/luminbot/db"
)

// ErrCorrupt indicates a stored document could not be parsed. Unlike a missing
// document (which reads back as an empty record), corruption always surfaces.
var ErrCorrupt = errors.New("corrupt document")

// Document is a nested string-keyed record. Numbers decode as json.Number so
// integer values survive a round trip without float drift.
type Document map[string]any

// Sub returns the nested map at key, or nil when absent or not a map.
func (d Document) Sub(key string) Document {
	if m, ok := d[key].(map[string]any); ok {
		return Document(m)
	}
	return nil
}

// EnsureSub returns the nested map at key, creating it when absent.
func (d Document) EnsureSub(key string) Document {
	if m := d.Sub(key); m != nil {
		return m
	}
	m := map[string]any{}
	d[key] = m
	return Document(m)
}

// Resolve walks a dot-separated path and reports whether every segment was
// present. A present segment holding null still resolves.
func (d Document) Resolve(path string) (any, bool) {
	cur := any(map[string]any(d))
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// StringList returns the []string value at key, tolerating the []any shape
// JSON decoding produces.
func (d Document) StringList(key string) []string {
	raw, ok := d[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// Contains reports whether the list at key holds value.
func (d Document) Contains(key, value string) bool {
	for _, s := range d.StringList(key) {
		if s == value {
			return true
		}
	}
	return false
}

// AsInt64 converts a decoded JSON value to int64.
func AsInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			f, ferr := n.Float64()
			if ferr != nil {
				return 0, false
			}
			return int64(f), true
		}
		return i, true
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	}
	return 0, false
}

// AsString converts a decoded JSON value to string.
func AsString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

// Store persists documents in a single documents table.
type Store struct {
	db      *sql.DB
	dialect string
}

// New wraps an opened database. The dialect controls placeholder style; use
// the value reported by db.Open.
func New(database *sql.DB, dialect string) *Store {
	return &Store{db: database, dialect: dialect}
}

// Get returns the document stored under id, or an empty document when none
// exists. A missing id is never an error; unparseable stored data is.
func (s *Store) Get(ctx context.Context, id string) (Document, error) {
	var raw string
	q := db.Rebind(s.dialect, `SELECT data FROM documents WHERE document_id = ?`)
	err := s.db.QueryRowContext(ctx, q, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return Document{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get document %s: %w", id, err)
	}
	doc, err := decode(raw)
	if err != nil {
		return nil, fmt.Errorf("document %s: %w", id, err)
	}
	return doc, nil
}

// Put replaces the full document at id (create-or-overwrite, not a merge).
func (s *Store) Put(ctx context.Context, id string, doc Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document %s: %w", id, err)
	}
	q := db.Rebind(s.dialect, `INSERT INTO documents (document_id, data, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (document_id) DO UPDATE SET data = excluded.data, updated_at = CURRENT_TIMESTAMP`)
	if _, err := s.db.ExecContext(ctx, q, id, string(data)); err != nil {
		return fmt.Errorf("put document %s: %w", id, err)
	}
	return nil
}

// Delete removes the document at id. Deleting a missing id is a no-op.
func (s *Store) Delete(ctx context.Context, id string) error {
	q := db.Rebind(s.dialect, `DELETE FROM documents WHERE document_id = ?`)
	if _, err := s.db.ExecContext(ctx, q, id); err != nil {
		return fmt.Errorf("delete document %s: %w", id, err)
	}
	return nil
}

// ScanSorted returns the ids of all documents that resolve path, ordered by
// descending leaf value. Values compare numerically when both sides are
// numeric and lexicographically otherwise; tie order is unspecified.
func (s *Store) ScanSorted(ctx context.Context, path string) ([]string, error) {
	matches, err := s.scan(ctx, path)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return compareValues(matches[i].value, matches[j].value) > 0
	})
	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.id
	}
	return ids, nil
}

// ScanWithPath returns the ids of all documents that resolve path, in scan
// order.
func (s *Store) ScanWithPath(ctx context.Context, path string) ([]string, error) {
	matches, err := s.scan(ctx, path)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.id
	}
	return ids, nil
}

type pathMatch struct {
	id    string
	value any
}

func (s *Store) scan(ctx context.Context, path string) ([]pathMatch, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT document_id, data FROM documents`)
	if err != nil {
		return nil, fmt.Errorf("scan documents: %w", err)
	}
	defer rows.Close()

	var matches []pathMatch
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, fmt.Errorf("scan documents: %w", err)
		}
		doc, err := decode(raw)
		if err != nil {
			return nil, fmt.Errorf("document %s: %w", id, err)
		}
		if v, ok := doc.Resolve(path); ok {
			matches = append(matches, pathMatch{id: id, value: v})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan documents: %w", err)
	}
	return matches, nil
}

func decode(raw string) (Document, error) {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return doc, nil
}

// compareValues orders two resolved leaf values: numeric comparison when both
// parse as numbers, string comparison otherwise. Returns >0 when a sorts
// before b in descending order terms (a greater).
func compareValues(a, b any) int {
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if aok && bok {
		switch {
		case af > bf:
			return 1
		case af < bf:
			return -1
		default:
			return 0
		}
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}
