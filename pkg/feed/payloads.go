package feed

import (
	"time"

	"chatsync/internal/models"
)

// SendPayload is the body published to chat.send
type SendPayload struct {
	ID             string             `json:"id"`
	SenderID       string             `json:"senderId"`
	ReceiverID     string             `json:"receiverId,omitempty"`
	GroupID        string             `json:"groupId,omitempty"`
	Content        string             `json:"content"`
	Type           models.MessageType `json:"type"`
	CreateAt       string             `json:"createAt"`
	Recalled       bool               `json:"recalled"`
	DeletedByUsers []string           `json:"deletedByUsers"`
	Read           bool               `json:"read"`
	IsPinned       bool               `json:"isPinned"`
}

func NewSendPayload(msg models.Message) SendPayload {
	return SendPayload{
		ID:             msg.ID,
		SenderID:       msg.SenderID,
		ReceiverID:     msg.ReceiverID,
		GroupID:        msg.GroupID,
		Content:        msg.Content,
		Type:           msg.Type,
		CreateAt:       msg.CreatedAt.UTC().Format(time.RFC3339Nano),
		DeletedByUsers: []string{},
	}
}

// TargetPayload addresses an existing message for recall and delete
type TargetPayload struct {
	ID       string `json:"id"`
	SenderID string `json:"senderId"`
}

// PinPayload carries the conversation alongside the target. The unused
// side is sent as null.
type PinPayload struct {
	ID          string  `json:"id"`
	SenderID    string  `json:"senderId"`
	OtherUserID *string `json:"otherUserId"`
	GroupID     *string `json:"groupId"`
}

func NewPinPayload(messageID, selfID string, key models.ConversationKey) PinPayload {
	p := PinPayload{ID: messageID, SenderID: selfID}
	id := key.ID
	if key.IsGroup {
		p.GroupID = &id
	} else {
		p.OtherUserID = &id
	}
	return p
}

type ForwardPayload struct {
	ID         string             `json:"id"`
	SenderID   string             `json:"senderId"`
	ReceiverID *string            `json:"receiverId"`
	GroupID    *string            `json:"groupId"`
	Content    string             `json:"content"`
	Type       models.MessageType `json:"type"`
}

func NewForwardPayload(msg models.Message, selfID string, to models.ConversationKey) ForwardPayload {
	p := ForwardPayload{
		ID:       msg.ID,
		SenderID: selfID,
		Content:  msg.Content,
		Type:     models.MessageTypeForward,
	}
	id := to.ID
	if to.IsGroup {
		p.GroupID = &id
	} else {
		p.ReceiverID = &id
	}
	return p
}

// ReadPayload acknowledges an inbound message. SenderID is the author of
// the message, ReceiverID the reader.
type ReadPayload struct {
	ID         string `json:"id"`
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
}
