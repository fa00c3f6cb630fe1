package reconcile

import (
	"time"

	"chatsync/internal/models"
)

// Identity is the part of a message used to decide whether two arrivals
// are the same logical send.
type Identity struct {
	ID        string
	SenderID  string
	Content   string
	CreatedAt time.Time
}

func IdentityOf(m models.Message) Identity {
	return Identity{
		ID:        m.ID,
		SenderID:  m.SenderID,
		Content:   m.Content,
		CreatedAt: m.CreatedAt,
	}
}

// Matches reports whether i and other name the same message: equal ids, or
// same sender and content created less than window apart.
func (i Identity) Matches(other Identity, window time.Duration) bool {
	if i.ID != "" && i.ID == other.ID {
		return true
	}
	return i.Similar(other, window)
}

// Similar is the id-less half of Matches
func (i Identity) Similar(other Identity, window time.Duration) bool {
	if i.SenderID == "" || i.SenderID != other.SenderID || i.Content != other.Content {
		return false
	}
	return absDuration(i.CreatedAt.Sub(other.CreatedAt)) < window
}

// FindMatch returns the index in list of the message matching msg, or -1.
// An id match anywhere in list wins over a content match.
func FindMatch(list []models.Message, msg models.Message, window time.Duration) int {
	if i := indexByID(list, msg.ID); i >= 0 {
		return i
	}
	want := IdentityOf(msg)
	for i := range list {
		if want.Similar(IdentityOf(list[i]), window) {
			return i
		}
	}
	return -1
}

func indexByID(list []models.Message, id string) int {
	if id == "" {
		return -1
	}
	for i := range list {
		if list[i].ID == id {
			return i
		}
	}
	return -1
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
