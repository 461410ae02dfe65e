// Package presence decides, per channel, whether the currently live broadcast
// has changed since last observed, and owns the channel record's
// current_broadcast / previous_broadcast pair. It also runs the attendance
// sweep that invalidates streaks of viewers who missed a broadcast boundary.
//
// Observe is a read-modify-write; callers must serialize it per channel (the
// sequencer holds a channel-scoped lock across Observe and SweepLapsed).
package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/luminbot/luminbot/docstore"
	"github.com/luminbot/luminbot/telemetry"
)

// VerdictKind classifies one observation of a channel's live state.
type VerdictKind int

const (
	// VerdictNone means the channel is not live; nothing was mutated.
	VerdictNone VerdictKind = iota
	// VerdictUnchanged means the live broadcast is the one already recorded.
	VerdictUnchanged
	// VerdictTransitioned means the broadcast id changed and the channel
	// record's current/previous pair was shifted and persisted.
	VerdictTransitioned
)

// Verdict is the resolved outcome of one observation. Current and Previous
// are carried on both unchanged and transitioned verdicts so downstream
// consumers never re-derive live state. Previous is empty for a channel's
// first ever broadcast.
type Verdict struct {
	Kind     VerdictKind
	Current  string
	Previous string
}

// Channel record fields owned by this package.
const (
	fieldCurrent  = "current_broadcast"
	fieldPrevious = "previous_broadcast"
)

// Detector observes per-channel live state against the document store.
type Detector struct {
	store *docstore.Store
}

// NewDetector returns a Detector over the given store.
func NewDetector(store *docstore.Store) *Detector {
	return &Detector{store: store}
}

// Observe compares the externally observed live broadcast id against the
// channel record. liveID == "" means the channel is offline and yields a
// no-op verdict without touching state. On a change the previous/current pair
// is shifted and persisted before the transitioned verdict is returned.
func (d *Detector) Observe(ctx context.Context, channelID, liveID string) (Verdict, error) {
	if liveID == "" {
		return Verdict{Kind: VerdictNone}, nil
	}
	doc, err := d.store.Get(ctx, channelID)
	if err != nil {
		return Verdict{}, fmt.Errorf("observe channel %s: %w", channelID, err)
	}
	current, _ := docstore.AsString(doc[fieldCurrent])
	previous, _ := docstore.AsString(doc[fieldPrevious])

	if current == liveID {
		return Verdict{Kind: VerdictUnchanged, Current: current, Previous: previous}, nil
	}

	doc[fieldPrevious] = current
	doc[fieldCurrent] = liveID
	if err := d.store.Put(ctx, channelID, doc); err != nil {
		return Verdict{}, fmt.Errorf("record transition for channel %s: %w", channelID, err)
	}
	telemetry.CountTransition()
	slog.Info("broadcast transition",
		slog.String("channel_id", channelID),
		slog.String("current", liveID),
		slog.String("previous", current))
	return Verdict{Kind: VerdictTransitioned, Current: liveID, Previous: current}, nil
}

// StreakPath returns the scan path for a channel's watchstreak field.
func StreakPath(channelID string) string {
	return fmt.Sprintf("streamer_%s_watchstreaks.streak", channelID)
}

// WatchstreakKey returns the viewer-record sub-map key for a channel.
func WatchstreakKey(channelID string) string {
	return fmt.Sprintf("streamer_%s_watchstreaks", channelID)
}

// SweepLapsed clears the streak of every viewer whose last credited broadcast
// is neither the verdict's current nor previous broadcast: they missed at
// least one boundary and must not silently carry a stale streak. Only the
// streak field is removed; latest_broadcast and streak_record survive a lapse.
//
// The sweep is best-effort per viewer: a failure for one viewer is collected
// and does not stop the rest. Call only on a transitioned verdict, under the
// same channel lock as Observe.
func (d *Detector) SweepLapsed(ctx context.Context, channelID string, v Verdict) error {
	if v.Kind != VerdictTransitioned {
		return nil
	}
	ids, err := d.store.ScanWithPath(ctx, StreakPath(channelID))
	if err != nil {
		return fmt.Errorf("sweep channel %s: %w", channelID, err)
	}
	key := WatchstreakKey(channelID)
	var errs []error
	lapsed := 0
	for _, viewerID := range ids {
		doc, err := d.store.Get(ctx, viewerID)
		if err != nil {
			errs = append(errs, fmt.Errorf("sweep viewer %s: %w", viewerID, err))
			continue
		}
		sub := doc.Sub(key)
		if sub == nil {
			continue
		}
		latest, _ := docstore.AsString(sub["latest_broadcast"])
		if latest == v.Current || latest == v.Previous {
			continue
		}
		delete(sub, "streak")
		if err := d.store.Put(ctx, viewerID, doc); err != nil {
			errs = append(errs, fmt.Errorf("sweep viewer %s: %w", viewerID, err))
			continue
		}
		lapsed++
		telemetry.CountLapse()
	}
	if lapsed > 0 {
		slog.Info("attendance sweep cleared lapsed streaks",
			slog.String("channel_id", channelID),
			slog.Int("lapsed", lapsed),
			slog.Int("scanned", len(ids)))
	}
	return errors.Join(errs...)
}
