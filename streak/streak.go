// Package streak maintains per-viewer watchstreaks: the count of consecutive
// broadcasts a viewer has attended on a channel. Crediting is idempotent per
// broadcast and driven entirely by the presence detector's verdict, so two
// consumers can never disagree about which broadcast is current.
package streak

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/luminbot/luminbot/docstore"
	"github.com/luminbot/luminbot/presence"
	"github.com/luminbot/luminbot/telemetry"
)

// Milestone announcements fire on every multiple of this streak length.
const milestoneEvery = 5

// Notifier delivers a fire-and-forget chat message to a channel. Failures are
// logged by implementations and never affect persisted state.
type Notifier interface {
	Send(channel, text string)
}

// Entry is one leaderboard row.
type Entry struct {
	ViewerID string
	Streak   int64
}

// Ledger applies streak credits against the document store.
type Ledger struct {
	store  *docstore.Store
	notify Notifier
}

// NewLedger returns a Ledger writing to store and announcing milestones via
// notify. notify may be nil to disable announcements.
func NewLedger(store *docstore.Store, notify Notifier) *Ledger {
	return &Ledger{store: store, notify: notify}
}

// Credit applies one qualifying chat message to the viewer's streak record
// for the channel, per the verdict computed for that message:
//
//   - no-op verdict (channel offline): nothing happens;
//   - no existing record: streak starts at 1;
//   - already credited for the current broadcast: idempotent no-op;
//   - last credit older than the previous broadcast: fresh start at 1;
//   - last credit was exactly the previous broadcast: streak extends by 1,
//     with a milestone announcement on every multiple of 5.
//
// streak_record is raised to the new streak when exceeded and survives both
// lapses and fresh starts. Callers must serialize concurrent credits for the
// same (channel, viewer) pair.
func (l *Ledger) Credit(ctx context.Context, channelID, channelName, viewerID, viewerName string, v presence.Verdict) error {
	if v.Kind == presence.VerdictNone {
		return nil
	}
	doc, err := l.store.Get(ctx, viewerID)
	if err != nil {
		return fmt.Errorf("credit viewer %s: %w", viewerID, err)
	}
	key := presence.WatchstreakKey(channelID)
	sub := doc.Sub(key)

	if sub == nil {
		sub = doc.EnsureSub(key)
		record, _ := docstore.AsInt64(sub["streak_record"])
		sub["latest_broadcast"] = v.Current
		sub["streak"] = int64(1)
		sub["streak_record"] = max(record, 1)
		if err := l.store.Put(ctx, viewerID, doc); err != nil {
			return fmt.Errorf("credit viewer %s: %w", viewerID, err)
		}
		telemetry.CountCredit()
		return nil
	}

	latest, _ := docstore.AsString(sub["latest_broadcast"])
	streak, hasStreak := docstore.AsInt64(sub["streak"])

	// Already credited for this broadcast.
	if latest == v.Current && hasStreak {
		return nil
	}

	switch {
	case !hasStreak, latest != v.Previous:
		// Lapsed (streak swept) or last credit predates the previous
		// broadcast: fresh start.
		streak = 1
	default:
		// Unbroken chain.
		streak++
		if streak%milestoneEvery == 0 && l.notify != nil {
			l.notify.Send(channelName, fmt.Sprintf("PartyHat %s has reached a watchstreak of %d! PartyHat", viewerName, streak))
			telemetry.CountMilestone()
			slog.Info("watchstreak milestone",
				slog.String("viewer", viewerName),
				slog.String("channel", channelName),
				slog.Int64("streak", streak))
		}
	}

	sub["latest_broadcast"] = v.Current
	sub["streak"] = streak
	record, _ := docstore.AsInt64(sub["streak_record"])
	sub["streak_record"] = max(record, streak)

	if err := l.store.Put(ctx, viewerID, doc); err != nil {
		return fmt.Errorf("credit viewer %s: %w", viewerID, err)
	}
	telemetry.CountCredit()
	return nil
}

// Current returns the viewer's active streak for a channel, reporting ok
// false when no active streak exists (absent record or lapsed).
func (l *Ledger) Current(ctx context.Context, channelID, viewerID string) (int64, bool, error) {
	doc, err := l.store.Get(ctx, viewerID)
	if err != nil {
		return 0, false, fmt.Errorf("read streak for viewer %s: %w", viewerID, err)
	}
	sub := doc.Sub(presence.WatchstreakKey(channelID))
	if sub == nil {
		return 0, false, nil
	}
	streak, ok := docstore.AsInt64(sub["streak"])
	return streak, ok, nil
}

// Record returns the viewer's best-ever streak for a channel (0 when none).
func (l *Ledger) Record(ctx context.Context, channelID, viewerID string) (int64, error) {
	doc, err := l.store.Get(ctx, viewerID)
	if err != nil {
		return 0, fmt.Errorf("read streak record for viewer %s: %w", viewerID, err)
	}
	sub := doc.Sub(presence.WatchstreakKey(channelID))
	if sub == nil {
		return 0, nil
	}
	record, _ := docstore.AsInt64(sub["streak_record"])
	return record, nil
}

// Top returns up to limit viewers with active streaks on the channel, highest
// first.
func (l *Ledger) Top(ctx context.Context, channelID string, limit int) ([]Entry, error) {
	ids, err := l.store.ScanSorted(ctx, presence.StreakPath(channelID))
	if err != nil {
		return nil, fmt.Errorf("streak leaderboard for channel %s: %w", channelID, err)
	}
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	entries := make([]Entry, 0, len(ids))
	for _, id := range ids {
		streak, ok, err := l.Current(ctx, channelID, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		entries = append(entries, Entry{ViewerID: id, Streak: streak})
	}
	return entries, nil
}
