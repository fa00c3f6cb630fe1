package feed

import (
	"chatsync/internal/models"
)

// Outbound destinations handled by the backend message broker
const (
	DestinationSend    = "/app/chat.send"
	DestinationRecall  = "/app/chat.recall"
	DestinationDelete  = "/app/chat.delete"
	DestinationForward = "/app/chat.forward"
	DestinationRead    = "/app/chat.read"

	destinationPin   = "/app/chat.pin"
	destinationUnpin = "/app/chat.unpin"
	groupSuffix      = ".group"
)

// PinDestination returns the pin destination for a direct or group chat
func PinDestination(isGroup bool) string {
	if isGroup {
		return destinationPin + groupSuffix
	}
	return destinationPin
}

func UnpinDestination(isGroup bool) string {
	if isGroup {
		return destinationUnpin + groupSuffix
	}
	return destinationUnpin
}

// Topic is one subscription. DefaultKind is the event kind assumed for
// payloads that do not carry an event type of their own.
type Topic struct {
	Destination string
	DefaultKind models.EventKind
}

var queueKinds = []struct {
	name string
	kind models.EventKind
}{
	{"messages", models.EventNew},
	{"delete", models.EventDelete},
	{"recall", models.EventRecall},
	{"pin", models.EventPin},
	{"unpin", models.EventUnpin},
}

// TopicsFor lists the subscriptions needed to follow a conversation. The
// per-user queues are always included; group chats add the group topics.
func TopicsFor(selfID string, key models.ConversationKey) []Topic {
	topics := make([]Topic, 0, 2*len(queueKinds))
	for _, q := range queueKinds {
		topics = append(topics, Topic{
			Destination: "/user/" + selfID + "/queue/" + q.name,
			DefaultKind: q.kind,
		})
	}
	if key.IsGroup {
		for _, q := range queueKinds {
			topics = append(topics, Topic{
				Destination: "/topic/group/" + key.ID + "/" + q.name,
				DefaultKind: q.kind,
			})
		}
	}
	return topics
}
