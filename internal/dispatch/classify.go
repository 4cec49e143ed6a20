package dispatch

import "strings"

// Kind is the routing class of an inbound message.
type Kind string

const (
	KindChat    Kind = "chat"
	KindPing    Kind = "ping"
	KindGeneric Kind = "generic"
)

// Wire prefixes and replies.
const (
	ChatPrefix      = "CHAT:"
	PingCommand     = "PING"
	ChatRelayPrefix = "CHAT_RELAY:"
	PongReply       = "PONG"
)

// Classify maps message text to its Kind and the payload that follows the
// type prefix. Text matching no known prefix is KindGeneric with the whole
// text as payload.
func Classify(text string) (Kind, string) {
	if payload, ok := strings.CutPrefix(text, ChatPrefix); ok {
		return KindChat, payload
	}
	if text == PingCommand {
		return KindPing, ""
	}
	if payload, ok := strings.CutPrefix(text, PingCommand+":"); ok {
		return KindPing, payload
	}
	return KindGeneric, text
}

// ChatRelay formats a chat payload for the other clients.
func ChatRelay(sender, payload string) string {
	return ChatRelayPrefix + sender + ":" + payload
}
