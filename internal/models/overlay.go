package models

// OverlayRecord holds the locally known facts for one conversation that the
// server has not confirmed yet.
type OverlayRecord struct {
	DeletedMessageIDs []string  `json:"deletedMessageIds"`
	LocalPinned       []Message `json:"localPinned"`
	LocalUnsent       []Message `json:"localUnsent"`
}

// IsDeleted reports whether id is in the local delete overlay
func (r OverlayRecord) IsDeleted(id string) bool {
	for _, d := range r.DeletedMessageIDs {
		if d == id {
			return true
		}
	}
	return false
}
