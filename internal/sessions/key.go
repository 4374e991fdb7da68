// Package sessions — canonical session keys and the write-through session
// manager.
//
// Session keys follow the canonical format:
//
//	{agentId}:{channel}:{peerType}:{peerId}
//
// Subagent sessions substitute the channel with the literal "subagent" and
// the peer id with a random identifier:
//
//	{agentId}:subagent:{peerType}:{randomId}
//
// Examples:
//
//	mozi:telegram:dm:386246614
//	mozi:discord:group:9912's34
//	mozi:subagent:dm:f4f1f0a2
package sessions

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// DefaultAgentID is used when a key omits or garbles the agent part.
const DefaultAgentID = "mozi"

// SubagentChannel is the literal channel segment for subagent sessions.
const SubagentChannel = "subagent"

// BuildKey builds the canonical session key for a channel conversation.
func BuildKey(agentID, channel, peerType, peerID string) string {
	return fmt.Sprintf("%s:%s:%s:%s", agentID, channel, peerType, peerID)
}

// BuildSubagentKey builds a fresh subagent session key. The peer id is random
// so every spawn gets its own session.
func BuildSubagentKey(agentID, peerType string) string {
	if peerType == "" {
		peerType = "dm"
	}
	return BuildKey(agentID, SubagentChannel, peerType, uuid.NewString()[:8])
}

// ParseKey splits a canonical session key into its four parts. Missing or
// malformed parts fall back to defaults: agentId "mozi", channel/peerId
// "unknown", peerType "dm".
func ParseKey(key string) (agentID, channel, peerType, peerID string) {
	agentID, channel, peerType, peerID = DefaultAgentID, "unknown", "dm", "unknown"

	parts := strings.SplitN(key, ":", 4)
	if len(parts) > 0 && parts[0] != "" {
		agentID = parts[0]
	}
	if len(parts) > 1 && parts[1] != "" {
		channel = parts[1]
	}
	if len(parts) > 2 && parts[2] != "" {
		peerType = parts[2]
	}
	if len(parts) > 3 && parts[3] != "" {
		peerID = parts[3]
	}
	return agentID, channel, peerType, peerID
}

// IsSubagentKey reports whether the key belongs to a subagent session.
func IsSubagentKey(key string) bool {
	_, channel, _, _ := ParseKey(key)
	return channel == SubagentChannel
}
