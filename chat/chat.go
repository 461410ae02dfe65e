package chat

import (
	"context"
	"log/slog"
	"strings"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"github.com/luminbot/luminbot/config"
	"github.com/luminbot/luminbot/docstore"
	"github.com/luminbot/luminbot/sequencer"
	"github.com/luminbot/luminbot/telemetry"
)

// Bot owns the IRC connection and fans messages out to the sequencer and the
// command handler.
type Bot struct {
	client   *twitch.Client
	seq      *sequencer.Sequencer
	store    *docstore.Store
	commands *commandHandler
	botName  string
}

// NewBot builds the bot from configuration. The ledger, tracker, and resolver
// feed the command handler; the sequencer handles everything that is not a
// command.
func NewBot(cfg *config.Config, store *docstore.Store, seq *sequencer.Sequencer, deps CommandDeps) *Bot {
	token := cfg.TwitchOAuthToken
	if token != "" && !strings.HasPrefix(token, "oauth:") {
		token = "oauth:" + token
	}
	client := twitch.NewClient(cfg.TwitchBotUsername, token)
	b := &Bot{
		client:  client,
		seq:     seq,
		store:   store,
		botName: strings.ToLower(cfg.TwitchBotUsername),
	}
	b.commands = newCommandHandler(deps, b, b.botName)
	return b
}

// Send delivers a chat line to a channel, fire-and-forget. Implements the
// notifier used by the streak ledger and firsts tracker.
func (b *Bot) Send(channel, text string) {
	b.client.Say(channel, text)
}

// Join makes the bot join an additional channel at runtime.
func (b *Bot) Join(channel string) {
	b.client.Join(channel)
}

// Run joins the bot's own channel plus every linked channel recorded in the
// store, then connects and blocks until ctx is canceled or the connection
// fails.
func (b *Bot) Run(ctx context.Context, linkedChannels []string) error {
	b.client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		b.dispatch(ctx, msg)
	})
	b.client.OnConnect(func() {
		slog.Info("connected to twitch chat", slog.String("bot", b.botName))
	})

	channels := append([]string{b.botName}, linkedChannels...)
	b.client.Join(channels...)
	telemetry.SetChannelsJoined(len(channels))
	slog.Info("joining channels", slog.Int("count", len(channels)), slog.Any("channels", channels))

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		b.client.Disconnect()
		close(done)
	}()

	err := b.client.Connect()
	select {
	case <-done:
		return nil
	default:
	}
	return err
}

// dispatch routes one IRC message: commands to the command handler, ordinary
// chat to the sequencer. Each message runs on its own goroutine; the
// sequencer provides all ordering guarantees that matter.
func (b *Bot) dispatch(ctx context.Context, msg twitch.PrivateMessage) {
	if strings.HasPrefix(msg.Message, "!") {
		go b.commands.handle(ctx, msg)
		return
	}
	m := sequencer.Message{
		ChannelID:   msg.RoomID,
		ChannelName: msg.Channel,
		AuthorID:    msg.User.ID,
		AuthorName:  msg.User.Name,
		Text:        msg.Message,
	}
	go func() {
		if err := b.seq.HandleMessage(ctx, m); err != nil {
			slog.Error("message handling failed",
				slog.String("channel", m.ChannelName),
				slog.String("author", m.AuthorName),
				slog.Any("err", err))
		}
	}()
}
