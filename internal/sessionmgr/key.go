// Package sessionmgr owns session identity, history, and the per-session
// re-entrant execution lock that the session executor acquires around a
// run. Session keys follow a canonical composite format so the same
// conversation always maps to the same session regardless of which chat
// adapter routed the message in.
//
//	DM:          agent:{agentID}:{channel}:direct:{peerID}
//	Group:       agent:{agentID}:{channel}:group:{chatID}
//	Forum topic: agent:{agentID}:{channel}:group:{chatID}:topic:{topicID}
//	Subagent:    agent:{agentID}:subagent:{label}
//	Cron:        agent:{agentID}:cron:{jobID}:run:{runID}
package sessionmgr

import "fmt"

// PeerKind distinguishes direct-message sessions from group sessions.
type PeerKind string

const (
	PeerDirect PeerKind = "direct"
	PeerGroup  PeerKind = "group"
)

// BuildKey builds the canonical session key for a channel conversation.
func BuildKey(agentID, channel string, kind PeerKind, chatID string) string {
	return fmt.Sprintf("agent:%s:%s:%s:%s", agentID, channel, kind, chatID)
}

// BuildGroupTopicKey builds the session key for a forum/topic-threaded group.
func BuildGroupTopicKey(agentID, channel, chatID string, topicID int) string {
	return fmt.Sprintf("agent:%s:%s:group:%s:topic:%d", agentID, channel, chatID, topicID)
}

// BuildSubagentKey builds the session key for a spawned subagent.
func BuildSubagentKey(agentID, label string) string {
	return fmt.Sprintf("agent:%s:subagent:%s", agentID, label)
}

// BuildCronKey builds the session key for a scheduled job run.
func BuildCronKey(agentID, jobID, runID string) string {
	return fmt.Sprintf("agent:%s:cron:%s:run:%s", agentID, jobID, runID)
}
