// Package sequencer is the single entry point for incoming chat messages. It
// resolves the channel's live broadcast once per message, runs the presence
// detector under a channel-scoped lock, and dispatches the resolved verdict
// to the feature consumers in a fixed order: attendance sweep, first-chatter
// credit (both under the channel lock), then streak credit under a
// viewer-scoped lock. Consumers never observe a half-applied transition and
// never race their own live-status checks.
package sequencer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/luminbot/luminbot/docstore"
	"github.com/luminbot/luminbot/firsts"
	"github.com/luminbot/luminbot/presence"
	"github.com/luminbot/luminbot/streak"
	"github.com/luminbot/luminbot/telemetry"
)

// Feature names used in a channel's disabled_features list.
const (
	FeatureWatchstreaks = "watchstreaks"
	FeatureFirsts       = "firsts"
)

// KnownBots are automated accounts whose messages never earn credit.
var KnownBots = map[string]struct{}{
	"nightbot":       {},
	"streamelements": {},
	"streamlabs":     {},
	"moobot":         {},
	"fossabot":       {},
	"soundalerts":    {},
	"sery_bot":       {},
}

// LiveLookup resolves a channel's currently live broadcast id; empty means
// the channel is not live. Implementations own their timeout/retry policy.
type LiveLookup interface {
	LiveBroadcastID(ctx context.Context, channelName string) (string, error)
}

// Message is one inbound chat message, already stripped to the fields the
// sequencer needs.
type Message struct {
	ChannelID   string
	ChannelName string
	AuthorID    string
	AuthorName  string
	Text        string
}

// Sequencer wires the presence detector to its consumers. The channel and
// viewer lock tables are owned here and passed nowhere else; consumers rely
// on the sequencer for serialization.
type Sequencer struct {
	store    *docstore.Store
	detector *presence.Detector
	ledger   *streak.Ledger
	firsts   *firsts.Tracker
	live     LiveLookup

	channelLocks *lockTable
	viewerLocks  *lockTable
}

// New assembles a Sequencer. firsts may be nil when first-chatter tracking is
// not deployed.
func New(store *docstore.Store, detector *presence.Detector, ledger *streak.Ledger, tracker *firsts.Tracker, live LiveLookup) *Sequencer {
	return &Sequencer{
		store:        store,
		detector:     detector,
		ledger:       ledger,
		firsts:       tracker,
		live:         live,
		channelLocks: newLockTable(),
		viewerLocks:  newLockTable(),
	}
}

// HandleMessage processes one chat message end to end. Command invocations
// and known automated accounts are dropped up front. A live-lookup failure
// aborts the whole message (no verdict can be computed); consumer failures
// after the verdict are isolated per consumer, logged, and joined into the
// returned error without stopping the remaining consumers.
func (s *Sequencer) HandleMessage(ctx context.Context, msg Message) error {
	if strings.HasPrefix(msg.Text, "!") {
		telemetry.CountDropped()
		return nil
	}
	if _, bot := KnownBots[strings.ToLower(msg.AuthorName)]; bot {
		telemetry.CountDropped()
		return nil
	}
	if msg.ChannelID == "" || msg.AuthorID == "" {
		telemetry.CountDropped()
		return nil
	}

	ctx, span := telemetry.StartSpan(ctx, "sequencer", "handle-message")
	defer span.End()

	liveID, err := s.live.LiveBroadcastID(ctx, msg.ChannelName)
	if err != nil {
		telemetry.CountLiveLookupFailure()
		telemetry.RecordError(span, err)
		return fmt.Errorf("live lookup for %s: %w", msg.ChannelName, err)
	}

	var errs []error

	// Critical section: observe-and-update plus everything that must see the
	// transition fully applied before another message for this channel runs.
	chLock := s.channelLocks.get(msg.ChannelID)
	chLock.Lock()
	verdict, err := s.detector.Observe(ctx, msg.ChannelID, liveID)
	if err != nil {
		chLock.Unlock()
		telemetry.RecordError(span, err)
		return err
	}
	if verdict.Kind == presence.VerdictNone {
		chLock.Unlock()
		return nil
	}
	telemetry.CountMessage()

	channelDoc, err := s.store.Get(ctx, msg.ChannelID)
	if err != nil {
		chLock.Unlock()
		telemetry.RecordError(span, err)
		return err
	}
	streaksEnabled := !channelDoc.Contains("disabled_features", FeatureWatchstreaks)
	firstsEnabled := !channelDoc.Contains("disabled_features", FeatureFirsts)

	if streaksEnabled && verdict.Kind == presence.VerdictTransitioned {
		if err := s.detector.SweepLapsed(ctx, msg.ChannelID, verdict); err != nil {
			telemetry.CountConsumerFailure()
			slog.Error("attendance sweep failed", slog.String("channel_id", msg.ChannelID), slog.Any("err", err))
			errs = append(errs, fmt.Errorf("sweep: %w", err))
		}
	}
	if firstsEnabled && s.firsts != nil {
		if err := s.firsts.Credit(ctx, msg.ChannelID, msg.ChannelName, msg.AuthorID, msg.AuthorName, verdict); err != nil {
			telemetry.CountConsumerFailure()
			slog.Error("firsts credit failed", slog.String("channel_id", msg.ChannelID), slog.Any("err", err))
			errs = append(errs, fmt.Errorf("firsts: %w", err))
		}
	}
	chLock.Unlock()

	// Streak crediting only needs the viewer's record serialized; unrelated
	// viewers proceed concurrently.
	if streaksEnabled {
		vLock := s.viewerLocks.get(msg.ChannelID + ":" + msg.AuthorID)
		vLock.Lock()
		err := s.ledger.Credit(ctx, msg.ChannelID, msg.ChannelName, msg.AuthorID, msg.AuthorName, verdict)
		vLock.Unlock()
		if err != nil {
			telemetry.CountConsumerFailure()
			slog.Error("streak credit failed",
				slog.String("channel_id", msg.ChannelID),
				slog.String("viewer_id", msg.AuthorID),
				slog.Any("err", err))
			errs = append(errs, fmt.Errorf("streak: %w", err))
		}
	}

	joined := errors.Join(errs...)
	telemetry.RecordError(span, joined)
	return joined
}
