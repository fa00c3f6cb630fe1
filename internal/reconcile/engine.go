package reconcile

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"chatsync/internal/constants"
	"chatsync/internal/metrics"
	"chatsync/internal/models"
	"chatsync/internal/privacy"

	"github.com/sirupsen/logrus"
)

// Outcome describes what applying a new message did to the view
type Outcome int

const (
	OutcomeInserted Outcome = iota
	OutcomeDuplicate
	OutcomeSuperseded
	OutcomeIgnored
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInserted:
		return "inserted"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeSuperseded:
		return "superseded"
	case OutcomeIgnored:
		return "ignored"
	}
	return "unknown"
}

type ApplyResult struct {
	Outcome Outcome
	// Message is the entry now held in the view for this arrival
	Message models.Message
	// ReplacedID is the provisional id a confirmed echo took over
	ReplacedID string
}

// AnchorInput is the authoritative state a full re-anchor is built from
type AnchorInput struct {
	History []models.Message
	// Pinned is nil when the server pinned list is unknown; the previous
	// list is then kept.
	Pinned  []models.Message
	Overlay models.OverlayRecord
}

type AnchorResult struct {
	Messages   int
	UnsentKept int
	Replayed   int
}

// Effects are follow-up actions the owner of the engine should perform.
// They accumulate until TakeEffects is called.
type Effects struct {
	// ReadCandidates are inbound unread messages that need a read receipt
	ReadCandidates []models.Message
	// Confirmed lists provisional ids whose server echo has arrived
	Confirmed []string
	// Stranded are stored sends left pending by an earlier run. They are
	// now failed and the new status should be persisted.
	Stranded []models.Message
	// PinnedChanged is set when the pinned list should be refetched
	PinnedChanged bool
}

func (f Effects) Empty() bool {
	return len(f.ReadCandidates) == 0 && len(f.Confirmed) == 0 && len(f.Stranded) == 0 && !f.PinnedChanged
}

type Options struct {
	SelfID       string
	Conversation models.ConversationKey
	// MergeWindow bounds provisional-to-confirmed matching
	MergeWindow time.Duration
	// LiveWindow bounds redelivery detection between confirmed messages
	LiveWindow time.Duration
	Logger     *logrus.Logger
	Now        func() time.Time
}

// Engine holds the merged view of one conversation. It is not safe for
// concurrent use; the owning session serialises every call.
type Engine struct {
	opts   Options
	logger *logrus.Logger

	messages     []models.Message
	serverPinned []models.Message
	localPinned  []models.Message
	unpinned     map[string]bool
	deleted      map[string]struct{}
	readQueued   map[string]bool

	anchoring bool
	replaying bool
	journal   []models.Event
	effects   Effects
}

func NewEngine(opts Options) *Engine {
	if opts.MergeWindow <= 0 {
		opts.MergeWindow = time.Duration(constants.DefaultMergeWindowMs) * time.Millisecond
	}
	if opts.LiveWindow <= 0 {
		opts.LiveWindow = time.Duration(constants.DefaultLiveDedupeWindowMs) * time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	return &Engine{
		opts:       opts,
		logger:     logger,
		unpinned:   make(map[string]bool),
		deleted:    make(map[string]struct{}),
		readQueued: make(map[string]bool),
	}
}

func (e *Engine) Conversation() models.ConversationKey {
	return e.opts.Conversation
}

func (e *Engine) SelfID() string {
	return e.opts.SelfID
}

// BeginAnchor starts journaling events. Everything applied until Anchor is
// replayed on top of the fresh server state.
func (e *Engine) BeginAnchor() {
	e.anchoring = true
	e.journal = nil
}

func (e *Engine) Anchoring() bool {
	return e.anchoring
}

// AbortAnchor stops journaling without replacing state, used when a load
// fails or is abandoned.
func (e *Engine) AbortAnchor() {
	e.anchoring = false
	e.journal = nil
}

// Anchor replaces the view with server history merged with the overlay,
// then replays events journaled since BeginAnchor.
func (e *Engine) Anchor(in AnchorInput) AnchorResult {
	e.deleted = make(map[string]struct{}, len(in.Overlay.DeletedMessageIDs))
	for _, id := range in.Overlay.DeletedMessageIDs {
		e.deleted[id] = struct{}{}
	}

	merged := make([]models.Message, 0, len(in.History)+len(in.Overlay.LocalUnsent))
	seen := make(map[string]bool, len(in.History))
	for _, m := range in.History {
		if m.ID == "" || seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		m = m.Clone()
		m.Status = models.DeliveryStatusConfirmed
		e.prepare(&m)
		merged = append(merged, m)
	}
	history := merged[:len(merged):len(merged)]

	var kept int
	for _, u := range in.Overlay.LocalUnsent {
		if seen[u.ID] || FindMatch(history, u, e.opts.MergeWindow) >= 0 {
			continue
		}
		seen[u.ID] = true
		u = u.Clone()
		if u.Status == models.DeliveryStatusConfirmed {
			u.Status = models.DeliveryStatusPending
		}
		if u.Status == models.DeliveryStatusPending && !e.inFlight(u.ID) {
			// nothing in this process is publishing it any more
			u.Status = models.DeliveryStatusFailed
			e.effects.Stranded = append(e.effects.Stranded, u.Clone())
		}
		e.prepare(&u)
		merged = append(merged, u)
		kept++
	}
	slices.SortFunc(merged, models.CompareMessages)
	e.messages = merged

	if in.Pinned != nil {
		e.serverPinned = cloneMessages(in.Pinned)
	}
	e.localPinned = cloneMessages(in.Overlay.LocalPinned)
	for id := range e.unpinned {
		if !e.serverListsPinned(id) && !e.historyShowsPinned(in.History, id) {
			delete(e.unpinned, id)
		}
	}
	e.effects.PinnedChanged = true

	journal := e.journal
	e.anchoring = false
	e.journal = nil
	e.replaying = true
	for _, ev := range journal {
		e.Apply(ev)
	}
	e.replaying = false

	metrics.SetGauge("conversation_messages", float64(len(e.messages)), nil, "Messages in the open conversation view")
	e.logger.WithFields(logrus.Fields{
		"conversation": privacy.MaskConversation(e.opts.Conversation.String()),
		"messages":     len(e.messages),
		"unsent_kept":  kept,
		"replayed":     len(journal),
	}).Debug("Anchored conversation view")

	return AnchorResult{Messages: len(e.messages), UnsentKept: kept, Replayed: len(journal)}
}

// Apply routes one live event. It returns false when the event was dropped
// as malformed; that never affects later events.
func (e *Engine) Apply(ev models.Event) bool {
	if !ev.Kind.Valid() {
		e.drop(string(ev.Kind), "unknown event kind")
		return false
	}
	if ev.Kind == models.EventNew && ev.Message == nil {
		e.drop(string(ev.Kind), "event without message")
		return false
	}
	if ev.Kind != models.EventNew && ev.MessageID == "" {
		e.drop(string(ev.Kind), "event without message id")
		return false
	}

	if e.anchoring && ev.Kind != models.EventNew {
		e.journal = append(e.journal, ev)
	}
	metrics.IncrementCounter("reconcile_events_total", map[string]string{"kind": string(ev.Kind)}, "Events applied to the conversation view")

	switch ev.Kind {
	case models.EventNew:
		e.ApplyNew(*ev.Message)
	case models.EventDelete:
		e.applyDelete(ev.MessageID, ev.UserID)
	case models.EventRecall:
		e.applyRecall(ev.MessageID)
	case models.EventPin:
		e.applyPin(ev.MessageID)
	case models.EventUnpin:
		e.applyUnpin(ev.MessageID)
	}
	return true
}

// OnNew, OnDelete, OnRecall, OnPin and OnUnpin make the engine a feed sink

func (e *Engine) OnNew(msg models.Message) {
	e.Apply(models.Event{Kind: models.EventNew, MessageID: msg.ID, Message: &msg})
}

func (e *Engine) OnDelete(messageID, userID string) {
	e.Apply(models.Event{Kind: models.EventDelete, MessageID: messageID, UserID: userID})
}

func (e *Engine) OnRecall(messageID string) {
	e.Apply(models.Event{Kind: models.EventRecall, MessageID: messageID})
}

func (e *Engine) OnPin(messageID string) {
	e.Apply(models.Event{Kind: models.EventPin, MessageID: messageID})
}

func (e *Engine) OnUnpin(messageID string) {
	e.Apply(models.Event{Kind: models.EventUnpin, MessageID: messageID})
}

// ApplyNew inserts msg unless it duplicates an entry already in the view.
// A confirmed message takes over a provisional entry with the same id, or
// with the same sender and content inside the merge window. A confirmed
// message repeating a confirmed entry inside the live window is dropped.
func (e *Engine) ApplyNew(msg models.Message) ApplyResult {
	msg = msg.Clone()
	if e.anchoring {
		journaled := msg.Clone()
		e.journal = append(e.journal, models.Event{Kind: models.EventNew, MessageID: msg.ID, Message: &journaled})
	}
	if msg.SenderID == "" {
		e.drop(string(models.EventNew), "message without sender")
		return ApplyResult{Outcome: OutcomeIgnored}
	}
	derived := msg.ID == ""
	e.normalize(&msg)
	if !e.opts.Conversation.Contains(msg, e.opts.SelfID) {
		return ApplyResult{Outcome: OutcomeIgnored}
	}
	e.prepare(&msg)

	// A derived id says nothing about identity, only the window rules do
	if i := indexByID(e.messages, msg.ID); i >= 0 && !derived {
		existing := e.messages[i]
		if existing.IsProvisional() && !msg.IsProvisional() {
			e.takeOver(i, &msg)
			return ApplyResult{Outcome: OutcomeSuperseded, Message: msg, ReplacedID: existing.ID}
		}
		return e.duplicate(existing)
	}

	if msg.IsProvisional() && e.replaying {
		// A send made while history was loading may already be in history
		if j := e.findConfirmed(msg); j >= 0 {
			e.effects.Confirmed = append(e.effects.Confirmed, msg.ID)
			return e.duplicate(e.messages[j])
		}
	}

	if !msg.IsProvisional() {
		want := IdentityOf(msg)
		// Pending sends claim an echo before earlier confirmed copies can
		for i := range e.messages {
			existing := e.messages[i]
			if existing.IsProvisional() && want.Similar(IdentityOf(existing), e.opts.MergeWindow) {
				e.takeOver(i, &msg)
				return ApplyResult{Outcome: OutcomeSuperseded, Message: msg, ReplacedID: existing.ID}
			}
		}
		for i := range e.messages {
			existing := e.messages[i]
			if !existing.IsProvisional() && want.Similar(IdentityOf(existing), e.opts.LiveWindow) {
				return e.duplicate(existing)
			}
		}
	}

	if derived {
		msg.ID = e.uniqueID(msg.ID)
	}
	e.insert(msg)
	if msg.SenderID != e.opts.SelfID && !msg.Read && !msg.Recalled && !e.readQueued[msg.ID] {
		e.readQueued[msg.ID] = true
		e.effects.ReadCandidates = append(e.effects.ReadCandidates, msg.Clone())
	}
	if msg.IsPinned {
		e.effects.PinnedChanged = true
	}
	return ApplyResult{Outcome: OutcomeInserted, Message: msg}
}

// inFlight reports whether the current view holds id as a pending send
func (e *Engine) inFlight(id string) bool {
	i := indexByID(e.messages, id)
	return i >= 0 && e.messages[i].Status == models.DeliveryStatusPending
}

func (e *Engine) findConfirmed(msg models.Message) int {
	want := IdentityOf(msg)
	for i := range e.messages {
		if !e.messages[i].IsProvisional() && want.Similar(IdentityOf(e.messages[i]), e.opts.MergeWindow) {
			return i
		}
	}
	return -1
}

func (e *Engine) duplicate(existing models.Message) ApplyResult {
	metrics.IncrementCounter("reconcile_duplicates_total", nil, "New-message arrivals collapsed into an existing entry")
	e.logger.WithField("message_id", privacy.MaskMessageID(existing.ID)).Debug("Dropping duplicate message")
	return ApplyResult{Outcome: OutcomeDuplicate, Message: existing.Clone()}
}

// takeOver replaces the provisional entry at i with its confirmed echo
func (e *Engine) takeOver(i int, msg *models.Message) {
	old := e.messages[i]
	if old.IsDeletedBy(e.opts.SelfID) {
		msg.MarkDeletedBy(e.opts.SelfID)
	}
	e.messages = slices.Delete(e.messages, i, i+1)
	e.insert(*msg)
	e.effects.Confirmed = append(e.effects.Confirmed, old.ID)
	e.logger.WithFields(logrus.Fields{
		"provisional_id": privacy.MaskMessageID(old.ID),
		"message_id":     privacy.MaskMessageID(msg.ID),
	}).Debug("Provisional message confirmed")
}

func (e *Engine) applyDelete(messageID, userID string) bool {
	if userID == "" {
		e.drop(string(models.EventDelete), "delete without user")
		return false
	}
	if userID == e.opts.SelfID {
		e.deleted[messageID] = struct{}{}
	}
	i := indexByID(e.messages, messageID)
	if i < 0 {
		return false
	}
	return e.messages[i].MarkDeletedBy(userID)
}

func (e *Engine) applyRecall(messageID string) bool {
	i := indexByID(e.messages, messageID)
	if i < 0 {
		return false
	}
	if e.messages[i].IsPinned {
		e.effects.PinnedChanged = true
	}
	changed := !e.messages[i].Recalled
	e.messages[i].Recalled = true
	return changed
}

func (e *Engine) applyPin(messageID string) bool {
	delete(e.unpinned, messageID)
	e.effects.PinnedChanged = true
	i := indexByID(e.messages, messageID)
	if i < 0 {
		return false
	}
	e.messages[i].IsPinned = true
	return true
}

func (e *Engine) applyUnpin(messageID string) bool {
	e.unpinned[messageID] = true
	e.effects.PinnedChanged = true
	e.serverPinned = slices.DeleteFunc(e.serverPinned, func(m models.Message) bool { return m.ID == messageID })
	e.localPinned = slices.DeleteFunc(e.localPinned, func(m models.Message) bool { return m.ID == messageID })
	i := indexByID(e.messages, messageID)
	if i < 0 {
		return false
	}
	e.messages[i].IsPinned = false
	return true
}

// SetServerPinned replaces the server pinned list after a refetch
func (e *Engine) SetServerPinned(pinned []models.Message) {
	e.serverPinned = cloneMessages(pinned)
	serverIDs := make(map[string]bool, len(pinned))
	for _, m := range pinned {
		serverIDs[m.ID] = true
	}
	e.localPinned = slices.DeleteFunc(e.localPinned, func(m models.Message) bool { return serverIDs[m.ID] })
	for id := range e.unpinned {
		if !serverIDs[id] {
			delete(e.unpinned, id)
		}
	}
}

// Pinned is the pinned projection: messages flagged pinned in the view, the
// server pinned list and outstanding local pins, minus local unpins.
func (e *Engine) Pinned() []models.Message {
	byID := make(map[string]models.Message)
	add := func(m models.Message) {
		if e.unpinned[m.ID] {
			return
		}
		if _, ok := byID[m.ID]; ok {
			return
		}
		if i := indexByID(e.messages, m.ID); i >= 0 {
			m = e.messages[i]
		}
		m = m.Clone()
		m.IsPinned = true
		byID[m.ID] = m
	}
	for _, m := range e.messages {
		if m.IsPinned {
			add(m)
		}
	}
	for _, m := range e.serverPinned {
		add(m)
	}
	for _, m := range e.localPinned {
		add(m)
	}

	out := make([]models.Message, 0, len(byID))
	for _, m := range byID {
		out = append(out, m)
	}
	slices.SortFunc(out, models.CompareMessages)
	return out
}

func (e *Engine) IsPinned(messageID string) bool {
	return slices.ContainsFunc(e.Pinned(), func(m models.Message) bool { return m.ID == messageID })
}

// MarkRead flags an inbound message as read once its receipt was published
func (e *Engine) MarkRead(messageID string) bool {
	delete(e.readQueued, messageID)
	i := indexByID(e.messages, messageID)
	if i < 0 || e.messages[i].Read {
		return false
	}
	e.messages[i].Read = true
	return true
}

// ReleaseRead allows a read receipt for messageID to be requested again
func (e *Engine) ReleaseRead(messageID string) {
	delete(e.readQueued, messageID)
}

// SetStatus updates the delivery status of a provisional message
func (e *Engine) SetStatus(messageID string, status models.DeliveryStatus) bool {
	i := indexByID(e.messages, messageID)
	if i < 0 || !e.messages[i].IsProvisional() {
		return false
	}
	e.messages[i].Status = status
	return true
}

// Restore puts back a previous copy of a message, undoing an optimistic
// mutation.
func (e *Engine) Restore(prev models.Message) bool {
	i := indexByID(e.messages, prev.ID)
	if i < 0 {
		return false
	}
	prev = prev.Clone()
	if prev.IsDeletedBy(e.opts.SelfID) {
		e.deleted[prev.ID] = struct{}{}
	} else {
		delete(e.deleted, prev.ID)
	}
	e.messages[i] = prev
	e.effects.PinnedChanged = true
	return true
}

// RestorePin undoes an optimistic pin or unpin
func (e *Engine) RestorePin(messageID string, pinned bool) {
	if pinned {
		e.applyPin(messageID)
		return
	}
	e.applyUnpin(messageID)
}

func (e *Engine) Get(messageID string) (models.Message, bool) {
	i := indexByID(e.messages, messageID)
	if i < 0 {
		return models.Message{}, false
	}
	return e.messages[i].Clone(), true
}

func (e *Engine) Len() int {
	return len(e.messages)
}

// Messages returns a copy of the ordered view
func (e *Engine) Messages() []models.Message {
	return cloneMessages(e.messages)
}

// Views renders the ordered view for viewerID
func (e *Engine) Views(viewerID string) []models.MessageView {
	views := make([]models.MessageView, 0, len(e.messages))
	for _, m := range e.messages {
		views = append(views, m.ViewFor(viewerID))
	}
	return views
}

// Search returns messages whose content contains keyword, ignoring case.
// Recalled messages and messages the local user deleted are skipped.
func (e *Engine) Search(keyword string) []models.Message {
	keyword = strings.ToLower(strings.TrimSpace(keyword))
	if keyword == "" {
		return nil
	}
	var out []models.Message
	for _, m := range e.messages {
		if m.Recalled || m.IsDeletedBy(e.opts.SelfID) {
			continue
		}
		if strings.Contains(strings.ToLower(m.Content), keyword) {
			out = append(out, m.Clone())
		}
	}
	return out
}

// TakeEffects returns and clears accumulated effects
func (e *Engine) TakeEffects() Effects {
	f := e.effects
	e.effects = Effects{}
	return f
}

func (e *Engine) normalize(msg *models.Message) {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = e.opts.Now()
	}
	if msg.ID == "" {
		target := msg.ReceiverID
		if target == "" {
			target = msg.GroupID
		}
		msg.ID = fmt.Sprintf("%s-%s-%s-%d", msg.SenderID, target, msg.Content, msg.CreatedAt.UnixMilli())
	}
	if msg.Type == "" {
		msg.Type = models.MessageTypeText
	}
}

// uniqueID suffixes a derived id until no entry in the view holds it
func (e *Engine) uniqueID(id string) string {
	candidate := id
	for n := 2; indexByID(e.messages, candidate) >= 0; n++ {
		candidate = fmt.Sprintf("%s-%d", id, n)
	}
	return candidate
}

// prepare applies local overrides the server does not know about yet
func (e *Engine) prepare(msg *models.Message) {
	if _, ok := e.deleted[msg.ID]; ok {
		msg.MarkDeletedBy(e.opts.SelfID)
	}
	if e.unpinned[msg.ID] {
		msg.IsPinned = false
	}
}

func (e *Engine) insert(msg models.Message) {
	i, _ := slices.BinarySearchFunc(e.messages, msg, models.CompareMessages)
	e.messages = slices.Insert(e.messages, i, msg)
}

func (e *Engine) serverListsPinned(id string) bool {
	return slices.ContainsFunc(e.serverPinned, func(m models.Message) bool { return m.ID == id })
}

func (e *Engine) historyShowsPinned(history []models.Message, id string) bool {
	return slices.ContainsFunc(history, func(m models.Message) bool { return m.ID == id && m.IsPinned })
}

func (e *Engine) drop(kind, reason string) {
	metrics.IncrementCounter("reconcile_events_dropped_total", nil, "Malformed or unknown events dropped")
	e.logger.WithFields(logrus.Fields{
		"kind":   kind,
		"reason": reason,
	}).Warn("Dropping feed event")
}

func cloneMessages(in []models.Message) []models.Message {
	if in == nil {
		return nil
	}
	out := make([]models.Message, len(in))
	for i, m := range in {
		out[i] = m.Clone()
	}
	return out
}
