// Package firsts tracks which viewer chatted first in each broadcast and a
// lifetime per-viewer firsts count. It consumes the same presence verdict as
// the streak ledger, so both features observe one already-resolved transition
// instead of racing their own live-status checks.
package firsts

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/luminbot/luminbot/docstore"
	"github.com/luminbot/luminbot/presence"
	"github.com/luminbot/luminbot/streak"
	"github.com/luminbot/luminbot/telemetry"
)

// Channel record bookkeeping lives in the firsts sub-map.
const (
	subKey           = "firsts"
	fieldBroadcast   = "current_broadcast"
	fieldFirstPerson = "first_person"
)

// ViewerKey returns the viewer-record sub-map key for a channel.
func ViewerKey(channelID string) string {
	return fmt.Sprintf("streamer_%s_firsts", channelID)
}

// FirstsPath returns the scan path for a channel's firsts counter.
func FirstsPath(channelID string) string {
	return ViewerKey(channelID) + ".firsts"
}

// Entry is one leaderboard row.
type Entry struct {
	ViewerID string
	Firsts   int64
}

// Tracker awards first-chatter credit against the document store.
type Tracker struct {
	store  *docstore.Store
	notify streak.Notifier
}

// NewTracker returns a Tracker writing to store and announcing awards via
// notify. notify may be nil to disable announcements.
func NewTracker(store *docstore.Store, notify streak.Notifier) *Tracker {
	return &Tracker{store: store, notify: notify}
}

// Credit awards first-chatter status for the verdict's current broadcast if
// nobody holds it yet. The channel record's firsts bookkeeping tracks which
// broadcast was last awarded; when it differs from the verdict's current
// broadcast, the message author becomes first_person and their lifetime count
// increments. Callers must hold the channel lock: the check-and-award is a
// read-modify-write on the channel record.
func (t *Tracker) Credit(ctx context.Context, channelID, channelName, viewerID, viewerName string, v presence.Verdict) error {
	if v.Kind == presence.VerdictNone {
		return nil
	}
	channelDoc, err := t.store.Get(ctx, channelID)
	if err != nil {
		return fmt.Errorf("firsts channel %s: %w", channelID, err)
	}
	sub := channelDoc.EnsureSub(subKey)
	if credited, _ := docstore.AsString(sub[fieldBroadcast]); credited == v.Current {
		return nil
	}
	sub[fieldBroadcast] = v.Current
	sub[fieldFirstPerson] = viewerName
	if err := t.store.Put(ctx, channelID, channelDoc); err != nil {
		return fmt.Errorf("firsts channel %s: %w", channelID, err)
	}

	viewerDoc, err := t.store.Get(ctx, viewerID)
	if err != nil {
		return fmt.Errorf("firsts viewer %s: %w", viewerID, err)
	}
	viewerSub := viewerDoc.EnsureSub(ViewerKey(channelID))
	count, _ := docstore.AsInt64(viewerSub["firsts"])
	count++
	viewerSub["firsts"] = count
	if err := t.store.Put(ctx, viewerID, viewerDoc); err != nil {
		return fmt.Errorf("firsts viewer %s: %w", viewerID, err)
	}

	telemetry.CountFirst()
	if t.notify != nil {
		t.notify.Send(channelName, fmt.Sprintf("PartyHat %s was first and now has %d firsts! PartyHat", viewerName, count))
	}
	slog.Info("first chatter awarded",
		slog.String("viewer", viewerName),
		slog.String("channel", channelName),
		slog.Int64("firsts", count))
	return nil
}

// FirstPerson returns who was first in the channel's current broadcast, or ""
// when nobody has been awarded yet.
func (t *Tracker) FirstPerson(ctx context.Context, channelID string) (string, error) {
	doc, err := t.store.Get(ctx, channelID)
	if err != nil {
		return "", fmt.Errorf("firsts channel %s: %w", channelID, err)
	}
	sub := doc.Sub(subKey)
	if sub == nil {
		return "", nil
	}
	name, _ := docstore.AsString(sub[fieldFirstPerson])
	return name, nil
}

// Count returns a viewer's lifetime firsts count for a channel.
func (t *Tracker) Count(ctx context.Context, channelID, viewerID string) (int64, error) {
	doc, err := t.store.Get(ctx, viewerID)
	if err != nil {
		return 0, fmt.Errorf("firsts viewer %s: %w", viewerID, err)
	}
	sub := doc.Sub(ViewerKey(channelID))
	if sub == nil {
		return 0, nil
	}
	count, _ := docstore.AsInt64(sub["firsts"])
	return count, nil
}

// Top returns up to limit viewers by lifetime firsts, highest first.
func (t *Tracker) Top(ctx context.Context, channelID string, limit int) ([]Entry, error) {
	ids, err := t.store.ScanSorted(ctx, FirstsPath(channelID))
	if err != nil {
		return nil, fmt.Errorf("firsts leaderboard for channel %s: %w", channelID, err)
	}
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	entries := make([]Entry, 0, len(ids))
	for _, id := range ids {
		count, err := t.Count(ctx, channelID, id)
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{ViewerID: id, Firsts: count})
	}
	return entries, nil
}
