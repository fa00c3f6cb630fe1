package models

import (
	"fmt"
	"strings"
)

// ConversationKey identifies a direct chat (by the other user's id) or a
// group chat (by group id). It namespaces every piece of per-conversation state.
type ConversationKey struct {
	IsGroup bool   `json:"isGroup"`
	ID      string `json:"id"`
}

func DirectConversation(otherUserID string) ConversationKey {
	return ConversationKey{ID: otherUserID}
}

func GroupConversation(groupID string) ConversationKey {
	return ConversationKey{IsGroup: true, ID: groupID}
}

// String is the stable storage form, e.g. "group:42" or "direct:u7"
func (k ConversationKey) String() string {
	if k.IsGroup {
		return "group:" + k.ID
	}
	return "direct:" + k.ID
}

func (k ConversationKey) IsZero() bool {
	return k.ID == ""
}

// ParseConversationKey is the inverse of String
func ParseConversationKey(s string) (ConversationKey, error) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return ConversationKey{}, fmt.Errorf("invalid conversation key %q", s)
	}
	switch kind {
	case "group":
		return GroupConversation(id), nil
	case "direct":
		return DirectConversation(id), nil
	}
	return ConversationKey{}, fmt.Errorf("invalid conversation kind %q", kind)
}

// Contains reports whether msg belongs to this conversation as seen by selfID
func (k ConversationKey) Contains(msg Message, selfID string) bool {
	if k.IsGroup {
		return msg.GroupID == k.ID
	}
	if msg.GroupID != "" {
		return false
	}
	return (msg.SenderID == k.ID && msg.ReceiverID == selfID) ||
		(msg.SenderID == selfID && msg.ReceiverID == k.ID)
}

// Address fills the receiver/group fields of msg for this conversation.
// Exactly one of them ends up set.
func (k ConversationKey) Address(msg *Message) {
	if k.IsGroup {
		msg.GroupID = k.ID
		msg.ReceiverID = ""
		return
	}
	msg.ReceiverID = k.ID
	msg.GroupID = ""
}
