package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"chatsync/internal/models"
)

// localDateTimeLayouts are the zone-less formats the backend serialises
// timestamps in. They are read as UTC.
var localDateTimeLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// Timestamp accepts RFC 3339 strings, zone-less local date-times and epoch
// milliseconds. Raw keeps the original text for id synthesis.
type Timestamp struct {
	Time time.Time
	Raw  string
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		return nil
	}

	if data[0] != '"' {
		ms, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid timestamp %s: %w", data, err)
		}
		t.Time = time.UnixMilli(ms).UTC()
		t.Raw = string(data)
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	t.Raw = s
	if s == "" {
		return nil
	}
	if parsed, err := time.Parse(time.RFC3339Nano, s); err == nil {
		t.Time = parsed
		return nil
	}
	for _, layout := range localDateTimeLayouts {
		if parsed, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("unrecognised timestamp %q", s)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.Time.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.Time.UTC().Format(time.RFC3339Nano))
}

type ForwardedFrom struct {
	OriginalSenderID  string `json:"originalSenderId"`
	OriginalMessageID string `json:"originalMessageId,omitempty"`
}

// WireMessage is a message as the backend sends it, in history responses
// and in live feed payloads.
type WireMessage struct {
	MongoID          string         `json:"_id,omitempty"`
	ID               string         `json:"id,omitempty"`
	SenderID         string         `json:"senderId"`
	ReceiverID       string         `json:"receiverId,omitempty"`
	GroupID          string         `json:"groupId,omitempty"`
	Content          string         `json:"content"`
	Type             string         `json:"type,omitempty"`
	CreatedAt        *Timestamp     `json:"createdAt,omitempty"`
	CreateAt         *Timestamp     `json:"createAt,omitempty"`
	Recalled         bool           `json:"recalled"`
	DeletedByUsers   []string       `json:"deletedByUsers,omitempty"`
	Pinned           bool           `json:"pinned"`
	IsPinned         bool           `json:"isPinned"`
	Read             bool           `json:"read"`
	ForwardedFrom    *ForwardedFrom `json:"forwardedFrom,omitempty"`
	OriginalSenderID string         `json:"originalSenderId,omitempty"`
}

func (w WireMessage) timestamp() *Timestamp {
	if w.CreatedAt != nil && !w.CreatedAt.Time.IsZero() {
		return w.CreatedAt
	}
	return w.CreateAt
}

// ToMessage converts w into the client model. Missing ids are synthesised
// from sender, target, content and creation time; missing types are TEXT;
// forwarded messages become FORWARD with their original sender.
func (w WireMessage) ToMessage() models.Message {
	m := models.Message{
		ID:               w.ID,
		SenderID:         w.SenderID,
		ReceiverID:       w.ReceiverID,
		GroupID:          w.GroupID,
		Content:          w.Content,
		Type:             models.MessageType(strings.ToUpper(w.Type)),
		Recalled:         w.Recalled,
		DeletedByUsers:   append([]string(nil), w.DeletedByUsers...),
		IsPinned:         w.Pinned || w.IsPinned,
		Read:             w.Read,
		OriginalSenderID: w.OriginalSenderID,
	}
	if w.MongoID != "" {
		m.ID = w.MongoID
	}

	var rawTime string
	if ts := w.timestamp(); ts != nil {
		m.CreatedAt = ts.Time
		rawTime = ts.Raw
	}

	if m.ID == "" && m.SenderID != "" {
		target := w.ReceiverID
		if target == "" {
			target = w.GroupID
		}
		m.ID = fmt.Sprintf("%s-%s-%s-%s", w.SenderID, target, w.Content, rawTime)
	}

	if w.ForwardedFrom != nil {
		m.Type = models.MessageTypeForward
		m.OriginalSenderID = w.ForwardedFrom.OriginalSenderID
		if m.OriginalSenderID == "" {
			m.OriginalSenderID = w.SenderID
		}
	}
	if m.Type == "" || !m.Type.Valid() {
		m.Type = models.MessageTypeText
	}
	return m
}

// ToMessages converts a response list, dropping entries without a sender
func ToMessages(wire []WireMessage) []models.Message {
	out := make([]models.Message, 0, len(wire))
	for _, w := range wire {
		if w.SenderID == "" {
			continue
		}
		out = append(out, w.ToMessage())
	}
	return out
}

type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type RefreshResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
}

type ErrorResponse struct {
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
}
