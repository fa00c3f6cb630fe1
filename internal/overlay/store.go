package overlay

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"chatsync/internal/errors"
	"chatsync/internal/metrics"
	"chatsync/internal/models"
	"chatsync/internal/reconcile"

	"github.com/sirupsen/logrus"
)

const (
	unsentKeyPrefix  = "localMessages-"
	pinnedKeyPrefix  = "localPinnedMessages-"
	deletedGlobalKey = "deletedMessageIds"
)

// UnsentKey is the storage key of a conversation's unconfirmed sends
func UnsentKey(key models.ConversationKey) string {
	return unsentKeyPrefix + key.String()
}

// PinnedKey is the storage key of a conversation's unconfirmed pins
func PinnedKey(key models.ConversationKey) string {
	return pinnedKeyPrefix + key.String()
}

// DeletedKey is the single key holding every locally deleted message id
func DeletedKey() string {
	return deletedGlobalKey
}

// Store persists locally known facts that the server has not confirmed.
// The delete set is global across conversations, so writes are serialised
// with a mutex even though a single session only writes from one goroutine.
type Store struct {
	kv     KV
	logger *logrus.Logger
	mu     sync.Mutex
}

func NewStore(kv KV, logger *logrus.Logger) *Store {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	return &Store{kv: kv, logger: logger}
}

// Load returns the overlay record for one conversation
func (s *Store) Load(ctx context.Context, key models.ConversationKey) (models.OverlayRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(ctx, key)
}

func (s *Store) loadLocked(ctx context.Context, key models.ConversationKey) (models.OverlayRecord, error) {
	var rec models.OverlayRecord
	if err := s.readJSON(ctx, DeletedKey(), &rec.DeletedMessageIDs); err != nil {
		return rec, err
	}
	if err := s.readJSON(ctx, UnsentKey(key), &rec.LocalUnsent); err != nil {
		return rec, err
	}
	if err := s.readJSON(ctx, PinnedKey(key), &rec.LocalPinned); err != nil {
		return rec, err
	}
	return rec, nil
}

// DeletedIDs returns the all-conversation local delete set
func (s *Store) DeletedIDs(ctx context.Context) (map[string]struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	if err := s.readJSON(ctx, DeletedKey(), &ids); err != nil {
		return nil, err
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set, nil
}

// RecordDeletion adds messageID to the delete set. It is idempotent.
func (s *Store) RecordDeletion(ctx context.Context, key models.ConversationKey, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	if err := s.readJSON(ctx, DeletedKey(), &ids); err != nil {
		return err
	}
	if slices.Contains(ids, messageID) {
		return nil
	}
	ids = append(ids, messageID)
	if err := s.writeJSON(ctx, DeletedKey(), ids); err != nil {
		return err
	}

	metrics.IncrementCounter("overlay_deletions_recorded_total", nil, "Local deletions recorded")
	s.logger.WithFields(logrus.Fields{
		"conversation": key.String(),
		"message_id":   messageID,
	}).Debug("Recorded local deletion")
	return nil
}

// ForgetDeletion removes messageID from the delete set
func (s *Store) ForgetDeletion(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	if err := s.readJSON(ctx, DeletedKey(), &ids); err != nil {
		return err
	}
	kept := slices.DeleteFunc(ids, func(id string) bool { return id == messageID })
	return s.writeJSON(ctx, DeletedKey(), kept)
}

// RecordPin adds msg to the local pinned list unless its id is already there
func (s *Store) RecordPin(ctx context.Context, key models.ConversationKey, msg models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pinned []models.Message
	if err := s.readJSON(ctx, PinnedKey(key), &pinned); err != nil {
		return err
	}
	if slices.ContainsFunc(pinned, func(m models.Message) bool { return m.ID == msg.ID }) {
		return nil
	}
	msg = msg.Clone()
	msg.IsPinned = true
	return s.writeJSON(ctx, PinnedKey(key), append(pinned, msg))
}

// RecordUnpin removes messageID from the local pinned list. It is idempotent.
func (s *Store) RecordUnpin(ctx context.Context, key models.ConversationKey, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pinned []models.Message
	if err := s.readJSON(ctx, PinnedKey(key), &pinned); err != nil {
		return err
	}
	n := len(pinned)
	pinned = slices.DeleteFunc(pinned, func(m models.Message) bool { return m.ID == messageID })
	if len(pinned) == n {
		return nil
	}
	return s.writeJSON(ctx, PinnedKey(key), pinned)
}

// RecordUnsent stores a provisional message awaiting confirmation. A message
// with the same id replaces the stored one, so status updates are persisted.
func (s *Store) RecordUnsent(ctx context.Context, key models.ConversationKey, msg models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var unsent []models.Message
	if err := s.readJSON(ctx, UnsentKey(key), &unsent); err != nil {
		return err
	}
	msg = msg.Clone()
	if i := slices.IndexFunc(unsent, func(m models.Message) bool { return m.ID == msg.ID }); i >= 0 {
		unsent[i] = msg
	} else {
		unsent = append(unsent, msg)
	}
	return s.writeJSON(ctx, UnsentKey(key), unsent)
}

// RemoveUnsent drops a provisional message, e.g. once its echo arrived live
func (s *Store) RemoveUnsent(ctx context.Context, key models.ConversationKey, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var unsent []models.Message
	if err := s.readJSON(ctx, UnsentKey(key), &unsent); err != nil {
		return err
	}
	n := len(unsent)
	unsent = slices.DeleteFunc(unsent, func(m models.Message) bool { return m.ID == messageID })
	if len(unsent) == n {
		return nil
	}
	return s.writeJSON(ctx, UnsentKey(key), unsent)
}

// ServerState is the authoritative snapshot the overlay is pruned against
type ServerState struct {
	History []models.Message
	// Pinned is nil when the pinned list could not be fetched; pinned
	// overlay entries are then left untouched.
	Pinned []models.Message
	SelfID string
	Window time.Duration
}

// ReconcileWithServer removes overlay entries whose fact is now visible in
// server state and returns the record that remains:
//   - unsent messages matched by identity in history are confirmed
//   - deletions already carried in a history message's deletedByUsers for
//     SelfID are confirmed
//   - local pins present in the server pinned list are confirmed; local
//     pins whose message history shows unpinned are stale and dropped
func (s *Store) ReconcileWithServer(ctx context.Context, key models.ConversationKey, state ServerState) (models.OverlayRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.loadLocked(ctx, key)
	if err != nil {
		return rec, err
	}

	byID := make(map[string]models.Message, len(state.History))
	for _, m := range state.History {
		byID[m.ID] = m
	}

	unsent := slices.DeleteFunc(slices.Clone(rec.LocalUnsent), func(local models.Message) bool {
		return reconcile.FindMatch(state.History, local, state.Window) >= 0
	})
	if len(unsent) != len(rec.LocalUnsent) {
		if err := s.writeJSON(ctx, UnsentKey(key), unsent); err != nil {
			return rec, err
		}
		metrics.AddToCounter("overlay_unsent_pruned_total", float64(len(rec.LocalUnsent)-len(unsent)), nil, "Unsent overlay entries confirmed by server")
	}
	rec.LocalUnsent = unsent

	deleted := slices.DeleteFunc(slices.Clone(rec.DeletedMessageIDs), func(id string) bool {
		m, ok := byID[id]
		return ok && m.IsDeletedBy(state.SelfID)
	})
	if len(deleted) != len(rec.DeletedMessageIDs) {
		if err := s.writeJSON(ctx, DeletedKey(), deleted); err != nil {
			return rec, err
		}
	}
	rec.DeletedMessageIDs = deleted

	if state.Pinned != nil {
		serverPinned := make(map[string]bool, len(state.Pinned))
		for _, m := range state.Pinned {
			serverPinned[m.ID] = true
		}
		pinned := slices.DeleteFunc(slices.Clone(rec.LocalPinned), func(local models.Message) bool {
			if serverPinned[local.ID] {
				return true
			}
			m, ok := byID[local.ID]
			return ok && !m.IsPinned
		})
		if len(pinned) != len(rec.LocalPinned) {
			if err := s.writeJSON(ctx, PinnedKey(key), pinned); err != nil {
				return rec, err
			}
		}
		rec.LocalPinned = pinned
	}

	s.logger.WithFields(logrus.Fields{
		"conversation":   key.String(),
		"unsent_left":    len(rec.LocalUnsent),
		"pinned_left":    len(rec.LocalPinned),
		"deletions_left": len(rec.DeletedMessageIDs),
	}).Debug("Reconciled overlay with server state")

	return rec, nil
}

func (s *Store) readJSON(ctx context.Context, key string, dst interface{}) error {
	raw, found, err := s.kv.Get(ctx, key)
	if err != nil {
		return errors.NewDatabaseError("read overlay", err).WithContext("key", key)
	}
	if !found || raw == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		// Treated as empty; the next write replaces it.
		s.logger.WithError(err).WithField("key", key).Warn("Discarding unreadable overlay entry")
		return nil
	}
	return nil
}

func (s *Store) writeJSON(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode overlay entry %s: %w", key, err)
	}
	if err := s.kv.Set(ctx, key, string(data)); err != nil {
		return errors.NewDatabaseError("write overlay", err).WithContext("key", key)
	}
	return nil
}
