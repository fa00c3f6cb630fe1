package feed

import "chatsync/internal/models"

// EventSink receives decoded feed events, one method per event kind
type EventSink interface {
	OnNew(msg models.Message)
	OnDelete(messageID, userID string)
	OnRecall(messageID string)
	OnPin(messageID string)
	OnUnpin(messageID string)
}

// Dispatch routes ev to the matching sink method. It reports false for
// events it cannot route.
func Dispatch(ev models.Event, sink EventSink) bool {
	switch ev.Kind {
	case models.EventNew:
		if ev.Message == nil {
			return false
		}
		sink.OnNew(*ev.Message)
	case models.EventDelete:
		sink.OnDelete(ev.MessageID, ev.UserID)
	case models.EventRecall:
		sink.OnRecall(ev.MessageID)
	case models.EventPin:
		sink.OnPin(ev.MessageID)
	case models.EventUnpin:
		sink.OnUnpin(ev.MessageID)
	default:
		return false
	}
	return true
}
