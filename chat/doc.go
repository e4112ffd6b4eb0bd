// Package chat contains an IRC based emote usage counter.
//
// Counter joins every tracked channel anonymously, tallies whole-word
// occurrences of each channel's tracked emote in chat messages and persists the
// running totals to temp/chat/{channelId} so counts survive restarts. It is an
// alternative usage source for deployments where the external usage API does
// not track a channel (EMOTE_SOURCE=chat).
//
// Counts only cover time the process was connected; the tally is a lower bound
// of the real usage.
package chat
