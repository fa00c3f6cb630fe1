package models

// EventKind is the type tag of a live feed event
type EventKind string

const (
	EventNew    EventKind = "NEW"
	EventDelete EventKind = "DELETE"
	EventRecall EventKind = "RECALL"
	EventPin    EventKind = "PIN"
	EventUnpin  EventKind = "UNPIN"
)

func (k EventKind) Valid() bool {
	switch k {
	case EventNew, EventDelete, EventRecall, EventPin, EventUnpin:
		return true
	}
	return false
}

// Event is one decoded live feed notification
type Event struct {
	Kind      EventKind `json:"type"`
	MessageID string    `json:"messageId"`
	// UserID is the acting user for DELETE events
	UserID  string   `json:"userId,omitempty"`
	Message *Message `json:"message,omitempty"`
}
