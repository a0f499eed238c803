// Package jbot implements a Discord bot that relays questions to OpenAI's
// chat completion API and replies with the answer.
//
// Users can ask questions in a server with the /ask (or /ask-ai) slash
// command, or by direct message. Direct messages are limited to the bot
// owner and an allow list the owner manages with slash commands:
//
//   - /allow-dm, /remove-dm-user: add or remove a user from the allow list
//   - /mute-dm, /unmute-dm: temporarily block an allowed user
//   - /list-dm-users, /status, /commands: informational, ephemeral replies
//
// Images sent by direct message are passed to a vision model. Every answer
// includes like/dislike buttons, and presses are logged to a channel.
//
// Activity from users other than the owner is copied to optional audit
// channels, and a daily digest of activity counters is posted to a report
// channel, after which the counters are reset.
//
// All state is held in memory and lost on restart.
//
// Key components of the package include:
//
//   - Bot: owns the session, access lists and stats, and routes events.
//   - Discord: session wrapper, command schema and gateway lifecycle handlers.
//   - OpenAI: chat completion client for text and image prompts.
//   - AccessControl: owner identity, DM allow list and mute list.
//   - Stats: activity counters, reset by the daily report.
//   - API: optional HTTP server exposing health and stats.
package jbot
