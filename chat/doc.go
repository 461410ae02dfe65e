// Package chat connects the bot to Twitch IRC, routes ordinary messages into
// the event sequencer, and answers the viewer-facing commands (!watchstreak,
// !first, !ft, !register). Outbound sends are fire-and-forget.
package chat
