// Package chatadapter defines the chat-platform-agnostic surface consumed
// by internal/executor, internal/tracker, and internal/channelobserver, and
// the shared allowlist/policy logic used by the discord and telegram
// sub-packages that implement it.
//
// Grounded on the teacher's internal/channels package: ChatAdapter plays
// the role of the teacher's Channel interface, and Policy plays the role of
// BaseChannel's allowlist/CheckPolicy methods, generalized from the
// teacher's push-based message-bus Send to the request/response
// post/update/react surface spec.md §6 describes.
package chatadapter

import (
	"context"
	"strings"
)

// ChatAdapter is the abstract chat surface spec.md §6 describes. No
// specific provider is assumed by any consumer package; internal/executor's
// ChatSurface, internal/tracker's ChatPoster, and internal/channelobserver's
// ReactionExecutor (via the chatutil wrapper) are all satisfied by any
// ChatAdapter implementation.
type ChatAdapter interface {
	// PostMessage sends text into channelID, optionally anchored to an
	// existing thread/reply target threadTS, and returns the new message's
	// own ts for later update/react calls.
	PostMessage(ctx context.Context, channelID, threadTS, text string) (ts string, err error)
	UpdateMessage(ctx context.Context, channelID, ts, text string) error
	AddReaction(ctx context.Context, channelID, ts, emojiName string) error
	RemoveReaction(ctx context.Context, channelID, ts, emojiName string) error
	// HasReaction reports whether ts already carries an emoji of the given
	// name from botUserID.
	HasReaction(ctx context.Context, channelID, ts, emojiName, botUserID string) (bool, error)
	// OpenDM resolves or opens a direct-message channel with userID.
	OpenDM(ctx context.Context, userID string) (channelID string, err error)
}

// DMPolicy controls how DMs from unpaired/unknown senders are handled.
type DMPolicy string

const (
	DMPolicyOpen      DMPolicy = "open"
	DMPolicyAllowlist DMPolicy = "allowlist"
	DMPolicyDisabled  DMPolicy = "disabled"
)

// GroupPolicy controls how group/channel messages are handled.
type GroupPolicy string

const (
	GroupPolicyOpen      GroupPolicy = "open"
	GroupPolicyAllowlist GroupPolicy = "allowlist"
	GroupPolicyDisabled  GroupPolicy = "disabled"
)

// Policy holds one adapter's allowlist and DM/group acceptance rules.
// Embed it in a platform Client the way the teacher embeds BaseChannel.
type Policy struct {
	AllowList   []string
	DMPolicy    DMPolicy
	GroupPolicy GroupPolicy
}

// HasAllowList reports whether an allowlist is configured.
func (p Policy) HasAllowList() bool { return len(p.AllowList) > 0 }

// IsAllowed checks senderID against the allowlist. Supports the compound
// "id|username" form on either side of the comparison, same as the
// teacher's BaseChannel.IsAllowed. An empty allowlist allows everyone.
func (p Policy) IsAllowed(senderID string) bool {
	if len(p.AllowList) == 0 {
		return true
	}

	idPart, userPart := splitCompound(senderID)

	for _, allowed := range p.AllowList {
		trimmed := strings.TrimPrefix(allowed, "@")
		allowedID, allowedUser := splitCompound(trimmed)

		if senderID == allowed || senderID == trimmed ||
			idPart == allowed || idPart == trimmed || idPart == allowedID ||
			(allowedUser != "" && senderID == allowedUser) ||
			(userPart != "" && (userPart == allowed || userPart == trimmed || userPart == allowedUser)) {
			return true
		}
	}
	return false
}

// Accept evaluates the DM/group policy plus allowlist for one inbound
// sender. peerKind is "direct" or "group".
func (p Policy) Accept(peerKind, senderID string) bool {
	policy := string(p.DMPolicy)
	if peerKind == "group" {
		policy = string(p.GroupPolicy)
	}
	if policy == "" {
		policy = string(GroupPolicyOpen)
	}

	switch policy {
	case string(DMPolicyDisabled):
		return false
	case string(DMPolicyAllowlist):
		return p.IsAllowed(senderID)
	default: // open
		return true
	}
}

func splitCompound(s string) (id, user string) {
	if idx := strings.IndexByte(s, '|'); idx > 0 {
		return s[:idx], s[idx+1:]
	}
	return s, ""
}

// Truncate shortens s to its first maxLen bytes, appending "..."
// when truncated. Byte-length based, matching the teacher's Truncate.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
