package chat

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/luminbot/luminbot/docstore"
	"github.com/luminbot/luminbot/firsts"
	"github.com/luminbot/luminbot/sequencer"
	"github.com/luminbot/luminbot/streak"
)

const leaderboardSize = 10

// Features that can be toggled per channel via !ft.
var toggleableFeatures = []string{
	sequencer.FeatureWatchstreaks,
	sequencer.FeatureFirsts,
}

// NameResolver turns a user id into a display name.
type NameResolver interface {
	GetUserName(ctx context.Context, userID string) (string, error)
}

// CommandDeps are the collaborators the command handler reads from.
type CommandDeps struct {
	Store  *docstore.Store
	Ledger *streak.Ledger
	Firsts *firsts.Tracker
	Names  NameResolver
}

type sender interface {
	Send(channel, text string)
	Join(channel string)
}

type commandHandler struct {
	deps    CommandDeps
	out     sender
	botName string

	mu        sync.Mutex
	lastUsed  map[string]time.Time
	nameCache map[string]string
}

func newCommandHandler(deps CommandDeps, out sender, botName string) *commandHandler {
	return &commandHandler{
		deps:      deps,
		out:       out,
		botName:   botName,
		lastUsed:  make(map[string]time.Time),
		nameCache: make(map[string]string),
	}
}

func (h *commandHandler) handle(ctx context.Context, msg twitch.PrivateMessage) {
	// Twitch appends an invisible tag character to deduplicated messages.
	text := strings.ReplaceAll(msg.Message, "\U000e0000", "")
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return
	}
	arg := ""
	if len(fields) > 1 {
		arg = strings.ToLower(fields[1])
	}

	var err error
	switch strings.ToLower(fields[0]) {
	case "!watchstreak", "!watchstreaks", "!ws":
		if !h.ready(msg, "watchstreak", 10*time.Second) {
			return
		}
		err = h.handleWatchstreak(ctx, msg, arg)
	case "!first", "!firsts":
		if !h.ready(msg, "first", 5*time.Second) {
			return
		}
		err = h.handleFirst(ctx, msg, arg)
	case "!ft", "!featuretoggle":
		err = h.handleFeatureToggle(ctx, msg, fields[1:])
	case "!register":
		err = h.handleRegister(ctx, msg)
	}
	if err != nil {
		slog.Error("command failed",
			slog.String("command", fields[0]),
			slog.String("channel", msg.Channel),
			slog.Any("err", err))
	}
}

// ready enforces a per-channel cooldown for a command.
func (h *commandHandler) ready(msg twitch.PrivateMessage, command string, cooldown time.Duration) bool {
	key := msg.RoomID + ":" + command
	h.mu.Lock()
	defer h.mu.Unlock()
	if last, ok := h.lastUsed[key]; ok && time.Since(last) < cooldown {
		return false
	}
	h.lastUsed[key] = time.Now()
	return true
}

func (h *commandHandler) featureDisabled(ctx context.Context, channelID, feature string) (bool, error) {
	doc, err := h.deps.Store.Get(ctx, channelID)
	if err != nil {
		return false, err
	}
	return doc.Contains("disabled_features", feature), nil
}

func (h *commandHandler) handleWatchstreak(ctx context.Context, msg twitch.PrivateMessage, arg string) error {
	disabled, err := h.featureDisabled(ctx, msg.RoomID, sequencer.FeatureWatchstreaks)
	if err != nil || disabled {
		return err
	}
	switch arg {
	case "":
		value := "None"
		if n, ok, err := h.deps.Ledger.Current(ctx, msg.RoomID, msg.User.ID); err != nil {
			return err
		} else if ok {
			value = fmt.Sprintf("%d", n)
		}
		h.out.Send(msg.Channel, fmt.Sprintf("@%s PartyHat Your current watchstreak is: %s", msg.User.Name, value))
	case "top":
		entries, err := h.deps.Ledger.Top(ctx, msg.RoomID, leaderboardSize)
		if err != nil {
			return err
		}
		var b strings.Builder
		b.WriteString("PogChamp Top Active Watchstreaks: ")
		for i, e := range entries {
			fmt.Fprintf(&b, "%d. %s (%d), ", i+1, h.resolveName(ctx, e.ViewerID), e.Streak)
		}
		b.WriteString("PogChamp")
		h.out.Send(msg.Channel, b.String())
	case "record":
		record, err := h.deps.Ledger.Record(ctx, msg.RoomID, msg.User.ID)
		if err != nil {
			return err
		}
		h.out.Send(msg.Channel, fmt.Sprintf("@%s PartyHat Your watchstreak record is: %d", msg.User.Name, record))
	}
	return nil
}

func (h *commandHandler) handleFirst(ctx context.Context, msg twitch.PrivateMessage, arg string) error {
	disabled, err := h.featureDisabled(ctx, msg.RoomID, sequencer.FeatureFirsts)
	if err != nil || disabled {
		return err
	}
	switch arg {
	case "":
		firstPerson, err := h.deps.Firsts.FirstPerson(ctx, msg.RoomID)
		if err != nil {
			return err
		}
		if firstPerson == "" {
			firstPerson = "None"
		}
		count, err := h.deps.Firsts.Count(ctx, msg.RoomID, msg.User.ID)
		if err != nil {
			return err
		}
		h.out.Send(msg.Channel, fmt.Sprintf("PartyHat %s was here first! PartyHat You have been first %d times PartyHat", firstPerson, count))
	case "top":
		entries, err := h.deps.Firsts.Top(ctx, msg.RoomID, leaderboardSize)
		if err != nil {
			return err
		}
		var b strings.Builder
		b.WriteString("PogChamp Top Firsts: ")
		for i, e := range entries {
			fmt.Fprintf(&b, "%d. %s (%d), ", i+1, h.resolveName(ctx, e.ViewerID), e.Firsts)
		}
		b.WriteString("PogChamp")
		h.out.Send(msg.Channel, b.String())
	}
	return nil
}

func (h *commandHandler) handleFeatureToggle(ctx context.Context, msg twitch.PrivateMessage, args []string) error {
	if !isPrivileged(msg) {
		return nil
	}
	if len(args) < 2 {
		h.out.Send(msg.Channel, "You must specify what action you want to do. (Usage: !ft <enable/disable> <feature>)")
		return nil
	}
	action := strings.ToLower(args[0])
	feature := strings.ToLower(args[1])
	if action != "enable" && action != "disable" {
		h.out.Send(msg.Channel, "You must specify what action you want to do. (Usage: !ft <enable/disable> <feature>)")
		return nil
	}
	valid := false
	for _, f := range toggleableFeatures {
		if f == feature {
			valid = true
			break
		}
	}
	if !valid {
		h.out.Send(msg.Channel, "The feature you specified is not valid.")
		return nil
	}

	doc, err := h.deps.Store.Get(ctx, msg.RoomID)
	if err != nil {
		return err
	}
	disabled := doc.StringList("disabled_features")
	isDisabled := doc.Contains("disabled_features", feature)

	switch action {
	case "enable":
		if !isDisabled {
			h.out.Send(msg.Channel, "You cannot enable a feature that is already enabled.")
			return nil
		}
		kept := make([]any, 0, len(disabled))
		for _, f := range disabled {
			if f != feature {
				kept = append(kept, f)
			}
		}
		doc["disabled_features"] = kept
		h.out.Send(msg.Channel, fmt.Sprintf("You have successfully enabled %s.", feature))
	case "disable":
		if isDisabled {
			h.out.Send(msg.Channel, "You cannot disable a feature that is already disabled.")
			return nil
		}
		list := make([]any, 0, len(disabled)+1)
		for _, f := range disabled {
			list = append(list, f)
		}
		doc["disabled_features"] = append(list, feature)
		h.out.Send(msg.Channel, fmt.Sprintf("You have successfully disabled %s.", feature))
	}
	return h.deps.Store.Put(ctx, msg.RoomID, doc)
}

func (h *commandHandler) handleRegister(ctx context.Context, msg twitch.PrivateMessage) error {
	// Registration only works in the bot's own channel.
	if !strings.EqualFold(msg.Channel, h.botName) {
		return nil
	}
	if strings.EqualFold(msg.User.Name, h.botName) {
		h.out.Send(msg.Channel, "You cannot register to your own bot, as it is automatically in your own channel.")
		return nil
	}
	doc, err := h.deps.Store.Get(ctx, "linked_accounts")
	if err != nil {
		return err
	}
	if doc.Contains("accounts", msg.User.ID) {
		h.out.Send(msg.Channel, fmt.Sprintf("@%s Your account is already registered to %s.", msg.User.Name, h.botName))
		return nil
	}
	accounts := make([]any, 0)
	for _, id := range doc.StringList("accounts") {
		accounts = append(accounts, id)
	}
	doc["accounts"] = append(accounts, msg.User.ID)
	if err := h.deps.Store.Put(ctx, "linked_accounts", doc); err != nil {
		return err
	}
	h.out.Send(msg.Channel, fmt.Sprintf("@%s You have successfully added %s to your stream!", msg.User.Name, h.botName))
	h.out.Join(msg.User.Name)
	return nil
}

// resolveName maps a viewer id to a display name, caching lookups; the id
// itself is the fallback so leaderboards still render when Helix is down.
func (h *commandHandler) resolveName(ctx context.Context, viewerID string) string {
	h.mu.Lock()
	if name, ok := h.nameCache[viewerID]; ok {
		h.mu.Unlock()
		return name
	}
	h.mu.Unlock()
	if h.deps.Names == nil {
		return viewerID
	}
	name, err := h.deps.Names.GetUserName(ctx, viewerID)
	if err != nil || name == "" {
		return viewerID
	}
	h.mu.Lock()
	h.nameCache[viewerID] = name
	h.mu.Unlock()
	return name
}

func isPrivileged(msg twitch.PrivateMessage) bool {
	return msg.User.Badges["moderator"] > 0 || msg.User.Badges["broadcaster"] > 0
}
