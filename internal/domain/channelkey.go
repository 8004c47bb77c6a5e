package domain

import (
	"regexp"
	"strings"
)

// ChannelKey builds the globally unique conversation-continuity handle
// "{source}:{channelId}" used to key sessions, lanes, and chain state.
func ChannelKey(source, channelID string) string {
	return source + ":" + channelID
}

// mentionPattern matches Discord/Slack-style raw mention tokens (<@123>,
// <@!123>, <@U0ABC>) so callers can normalise platform-specific mention
// syntax to a bare user id before stage evaluation in the MessageRouter.
var mentionPattern = regexp.MustCompile(`<@!?([A-Za-z0-9]+)>`)

// NormalizeMentions rewrites platform-specific mention forms (<@id>) into
// a bare "@id" token and reports whether any mention was found.
func NormalizeMentions(text string) (normalized string, found bool) {
	if !strings.Contains(text, "<@") {
		return text, false
	}
	out := mentionPattern.ReplaceAllString(text, "@$1")
	return out, out != text
}

// HasMention reports whether text mentions the given bot/user id, in
// either raw platform form (<@id>) or normalized form (@id).
func HasMention(text, id string) bool {
	if id == "" {
		return false
	}
	if strings.Contains(text, "<@"+id+">") || strings.Contains(text, "<@!"+id+">") {
		return true
	}
	normalized, _ := NormalizeMentions(text)
	return strings.Contains(normalized, "@"+id)
}
