package models

import (
	"slices"
	"time"
)

type MessageType string

const (
	MessageTypeText    MessageType = "TEXT"
	MessageTypeImage   MessageType = "IMAGE"
	MessageTypeVideo   MessageType = "VIDEO"
	MessageTypeAudio   MessageType = "AUDIO"
	MessageTypeFile    MessageType = "FILE"
	MessageTypeForward MessageType = "FORWARD"
)

// Valid reports whether t is one of the known message types
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeVideo, MessageTypeAudio, MessageTypeFile, MessageTypeForward:
		return true
	}
	return false
}

// DeliveryStatus tracks client-side state of a message this device sent.
// Messages received from the server carry an empty status.
type DeliveryStatus string

const (
	DeliveryStatusConfirmed DeliveryStatus = ""
	DeliveryStatusPending   DeliveryStatus = "pending"
	DeliveryStatusFailed    DeliveryStatus = "failed"
)

// Message is one chat message in a direct or group conversation
type Message struct {
	ID               string         `json:"id"`
	SenderID         string         `json:"senderId"`
	ReceiverID       string         `json:"receiverId,omitempty"`
	GroupID          string         `json:"groupId,omitempty"`
	Content          string         `json:"content"`
	Type             MessageType    `json:"type"`
	CreatedAt        time.Time      `json:"createAt"`
	Recalled         bool           `json:"recalled"`
	DeletedByUsers   []string       `json:"deletedByUsers,omitempty"`
	IsPinned         bool           `json:"isPinned"`
	Read             bool           `json:"read"`
	OriginalSenderID string         `json:"originalSenderId,omitempty"`
	Status           DeliveryStatus `json:"status,omitempty"`
}

// Conversation returns the key of the conversation the message belongs to,
// seen from the given local user.
func (m Message) Conversation(selfID string) ConversationKey {
	if m.GroupID != "" {
		return GroupConversation(m.GroupID)
	}
	if m.SenderID == selfID {
		return DirectConversation(m.ReceiverID)
	}
	return DirectConversation(m.SenderID)
}

// IsProvisional reports whether the message was created locally and has not
// been echoed back by the server yet.
func (m Message) IsProvisional() bool {
	return m.Status != DeliveryStatusConfirmed
}

// IsDeletedBy reports whether userID has hidden the message for themselves
func (m Message) IsDeletedBy(userID string) bool {
	return userID != "" && slices.Contains(m.DeletedByUsers, userID)
}

// MarkDeletedBy adds userID to the per-viewer delete set. It is idempotent.
func (m *Message) MarkDeletedBy(userID string) bool {
	if userID == "" || m.IsDeletedBy(userID) {
		return false
	}
	m.DeletedByUsers = append(m.DeletedByUsers, userID)
	return true
}

// Clone returns a deep copy so callers can mutate it safely
func (m Message) Clone() Message {
	m.DeletedByUsers = slices.Clone(m.DeletedByUsers)
	return m
}

// Before reports the canonical ordering: createdAt ascending, ties by id
func (m Message) Before(other Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

// CompareMessages is the three-way form of Before for slices.SortFunc
func CompareMessages(a, b Message) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	switch {
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	}
	return 0
}

// MessageView is a message as one particular viewer sees it
type MessageView struct {
	ID               string         `json:"id"`
	SenderID         string         `json:"senderId"`
	Content          string         `json:"content,omitempty"`
	Type             MessageType    `json:"type"`
	CreatedAt        time.Time      `json:"createAt"`
	Recalled         bool           `json:"recalled"`
	Hidden           bool           `json:"hidden"`
	IsPinned         bool           `json:"isPinned"`
	Read             bool           `json:"read"`
	OriginalSenderID string         `json:"originalSenderId,omitempty"`
	Status           DeliveryStatus `json:"status,omitempty"`
}

// ViewFor renders the message for viewerID. Recalled content is never
// exposed; a message the viewer deleted is hidden with its content dropped.
func (m Message) ViewFor(viewerID string) MessageView {
	v := MessageView{
		ID:               m.ID,
		SenderID:         m.SenderID,
		Content:          m.Content,
		Type:             m.Type,
		CreatedAt:        m.CreatedAt,
		Recalled:         m.Recalled,
		IsPinned:         m.IsPinned,
		Read:             m.Read,
		OriginalSenderID: m.OriginalSenderID,
		Status:           m.Status,
	}
	if m.Recalled {
		v.Content = ""
	}
	if m.IsDeletedBy(viewerID) {
		v.Hidden = true
		v.Content = ""
	}
	return v
}
