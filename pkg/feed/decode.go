package feed

import (
	"encoding/json"
	"strings"

	"chatsync/internal/errors"
	"chatsync/internal/models"
	"chatsync/pkg/chatapi/types"

	"github.com/tidwall/gjson"
)

// DecodeEvent turns a feed frame body into an event. Bodies carrying a
// known event "type" are envelopes; on a message topic a body whose "type"
// is a message type (or absent) is the message itself. Anything else is
// rejected with a validation error so the caller can drop it.
func DecodeEvent(body []byte, defaultKind models.EventKind) (models.Event, error) {
	if !gjson.ValidBytes(body) {
		return models.Event{}, errors.NewValidationError("body", "", "malformed event payload")
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return models.Event{}, errors.NewValidationError("body", "", "event payload is not an object")
	}

	kind := defaultKind
	envelope := false
	if t := root.Get("type"); t.Exists() && t.Str != "" {
		switch k := models.EventKind(t.Str); {
		case k.Valid():
			kind = k
			envelope = true
		case defaultKind == models.EventNew && models.MessageType(strings.ToUpper(t.Str)).Valid():
		default:
			return models.Event{}, errors.NewValidationError("type", t.Str, "unknown event kind")
		}
	}
	if !kind.Valid() {
		return models.Event{}, errors.NewValidationError("type", string(kind), "unknown event kind")
	}

	ev := models.Event{
		Kind:      kind,
		MessageID: firstString(root, "messageId", "id", "_id"),
		UserID:    root.Get("userId").Str,
	}
	if kind != models.EventNew {
		return ev, nil
	}

	raw := body
	if envelope {
		m := root.Get("message")
		if !m.IsObject() {
			return models.Event{}, errors.NewValidationError("message", "", "new message event without message")
		}
		raw = []byte(m.Raw)
	}
	msg, err := decodeMessage(raw)
	if err != nil {
		return models.Event{}, err
	}
	ev.Message = &msg
	ev.MessageID = msg.ID
	return ev, nil
}

func decodeMessage(raw []byte) (models.Message, error) {
	var wire types.WireMessage
	if err := json.Unmarshal(raw, &wire); err != nil {
		return models.Message{}, errors.NewValidationError("message", "", "message payload cannot be decoded")
	}
	msg := wire.ToMessage()
	// Live messages without an id are named by the receiving engine
	if wire.ID == "" && wire.MongoID == "" {
		msg.ID = ""
	}
	return msg, nil
}

func firstString(root gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := root.Get(p); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}
