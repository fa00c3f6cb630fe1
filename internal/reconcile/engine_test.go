package reconcile

import (
	"testing"
	"time"

	"chatsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func newTestEngine() *Engine {
	return NewEngine(Options{
		SelfID:       "u1",
		Conversation: models.DirectConversation("u2"),
		MergeWindow:  time.Minute,
		LiveWindow:   time.Second,
		Now:          func() time.Time { return t0.Add(time.Hour) },
	})
}

func inbound(id, content string, at time.Duration) models.Message {
	return models.Message{ID: id, SenderID: "u2", ReceiverID: "u1", Content: content, Type: models.MessageTypeText, CreatedAt: t0.Add(at)}
}

func outbound(id, content string, at time.Duration) models.Message {
	return models.Message{ID: id, SenderID: "u1", ReceiverID: "u2", Content: content, Type: models.MessageTypeText, CreatedAt: t0.Add(at)}
}

func ids(msgs []models.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func TestApplyNew_SameEventTwiceYieldsOneEntry(t *testing.T) {
	e := newTestEngine()
	msg := inbound("m1", "hi", 0)

	first := e.ApplyNew(msg)
	second := e.ApplyNew(msg)

	assert.Equal(t, OutcomeInserted, first.Outcome)
	assert.Equal(t, OutcomeDuplicate, second.Outcome)
	assert.Equal(t, 1, e.Len())
}

func TestApplyNew_ProvisionalCollapsesIntoServerEcho(t *testing.T) {
	e := newTestEngine()
	provisional := outbound("T1-u1-u2-hello", "hello", 0)
	provisional.Status = models.DeliveryStatusPending
	echo := outbound("srv123", "hello", 2*time.Second)

	require.Equal(t, OutcomeInserted, e.ApplyNew(provisional).Outcome)
	res := e.ApplyNew(echo)

	assert.Equal(t, OutcomeSuperseded, res.Outcome)
	assert.Equal(t, "T1-u1-u2-hello", res.ReplacedID)
	require.Equal(t, 1, e.Len())
	msg := e.Messages()[0]
	assert.Equal(t, "srv123", msg.ID)
	assert.False(t, msg.IsProvisional())
	assert.Equal(t, []string{"T1-u1-u2-hello"}, e.TakeEffects().Confirmed)
}

func TestApplyNew_EchoWithSameIDConfirmsProvisional(t *testing.T) {
	e := newTestEngine()
	provisional := outbound("p1", "hello", 0)
	provisional.Status = models.DeliveryStatusFailed
	e.ApplyNew(provisional)

	res := e.ApplyNew(outbound("p1", "hello", 0))

	assert.Equal(t, OutcomeSuperseded, res.Outcome)
	got, ok := e.Get("p1")
	require.True(t, ok)
	assert.Equal(t, models.DeliveryStatusConfirmed, got.Status)
}

func TestApplyNew_ProvisionalSendsAreNeverMergedWithEachOther(t *testing.T) {
	e := newTestEngine()
	a := outbound("p1", "ok", 0)
	a.Status = models.DeliveryStatusPending
	b := outbound("p2", "ok", 100*time.Millisecond)
	b.Status = models.DeliveryStatusPending

	e.ApplyNew(a)
	e.ApplyNew(b)

	assert.Equal(t, 2, e.Len())
}

func TestApplyNew_LiveRedeliveryWindow(t *testing.T) {
	e := newTestEngine()
	e.ApplyNew(inbound("a", "ping", 0))

	assert.Equal(t, OutcomeDuplicate, e.ApplyNew(inbound("b", "ping", 500*time.Millisecond)).Outcome)
	assert.Equal(t, OutcomeInserted, e.ApplyNew(inbound("c", "ping", 1500*time.Millisecond)).Outcome)
	assert.Equal(t, []string{"a", "c"}, ids(e.Messages()))
}

func TestApplyNew_IDLessArrivalsInTheSameTickStayDistinct(t *testing.T) {
	e := newTestEngine()
	first := models.Message{SenderID: "u2", ReceiverID: "u1", Content: "first"}
	second := models.Message{SenderID: "u2", ReceiverID: "u1", Content: "second", CreatedAt: t0.Add(time.Hour + 5*time.Second)}

	r1 := e.ApplyNew(first)
	r2 := e.ApplyNew(second)

	assert.Equal(t, OutcomeInserted, r1.Outcome)
	assert.Equal(t, OutcomeInserted, r2.Outcome)
	assert.NotEqual(t, r1.Message.ID, r2.Message.ID)
	assert.Equal(t, 2, e.Len())

	// identical id-less redelivery is still a duplicate
	assert.Equal(t, OutcomeDuplicate, e.ApplyNew(first).Outcome)
	assert.Equal(t, 2, e.Len())
}

func TestApplyNew_DerivedIDCollisionGetsSuffix(t *testing.T) {
	e := NewEngine(Options{
		SelfID:       "u1",
		Conversation: models.DirectConversation("u2"),
		MergeWindow:  time.Minute,
		LiveWindow:   time.Nanosecond,
		Now:          func() time.Time { return t0 },
	})
	msg := models.Message{SenderID: "u2", ReceiverID: "u1", Content: "again", CreatedAt: t0}
	later := msg
	later.CreatedAt = t0.Add(500 * time.Microsecond)

	r1 := e.ApplyNew(msg)
	r2 := e.ApplyNew(later)

	assert.Equal(t, OutcomeInserted, r2.Outcome)
	assert.Equal(t, r1.Message.ID+"-2", r2.Message.ID)
	assert.Equal(t, 2, e.Len())
}

func TestApplyNew_RepeatedSendEchoesConfirmEachProvisional(t *testing.T) {
	e := newTestEngine()
	a := outbound("p1", "ok", 0)
	a.Status = models.DeliveryStatusPending
	b := outbound("p2", "ok", 200*time.Millisecond)
	b.Status = models.DeliveryStatusPending
	e.ApplyNew(a)
	e.ApplyNew(b)

	first := e.ApplyNew(outbound("s1", "ok", 300*time.Millisecond))
	second := e.ApplyNew(outbound("s2", "ok", 500*time.Millisecond))

	assert.Equal(t, OutcomeSuperseded, first.Outcome)
	assert.Equal(t, OutcomeSuperseded, second.Outcome)
	assert.ElementsMatch(t, []string{"p1", "p2"}, []string{first.ReplacedID, second.ReplacedID})
	assert.Equal(t, []string{"s1", "s2"}, ids(e.Messages()))
	for _, m := range e.Messages() {
		assert.False(t, m.IsProvisional())
	}
}

func TestApplyNew_KeepsOrder(t *testing.T) {
	e := newTestEngine()
	e.ApplyNew(inbound("c", "3", 3*time.Second))
	e.ApplyNew(inbound("a", "1", time.Second))
	e.ApplyNew(inbound("z", "2a", 2*time.Second))
	e.ApplyNew(inbound("b", "2b", 2*time.Second))

	msgs := e.Messages()
	assert.Equal(t, []string{"a", "b", "z", "c"}, ids(msgs))
	for i := 1; i < len(msgs); i++ {
		assert.False(t, msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt))
	}
}

func TestApplyNew_IgnoresOtherConversations(t *testing.T) {
	e := newTestEngine()

	other := models.Message{ID: "x", SenderID: "u3", ReceiverID: "u1", Content: "hey", CreatedAt: t0}
	group := models.Message{ID: "g", SenderID: "u2", GroupID: "g1", Content: "hey", CreatedAt: t0}

	assert.Equal(t, OutcomeIgnored, e.ApplyNew(other).Outcome)
	assert.Equal(t, OutcomeIgnored, e.ApplyNew(group).Outcome)
	assert.Equal(t, 0, e.Len())
}

func TestApplyNew_NormalizesMissingFields(t *testing.T) {
	e := newTestEngine()

	res := e.ApplyNew(models.Message{SenderID: "u2", ReceiverID: "u1", Content: "bare"})

	require.Equal(t, OutcomeInserted, res.Outcome)
	now := t0.Add(time.Hour)
	assert.Equal(t, "u2-u1-bare-1709290800000", res.Message.ID)
	assert.True(t, res.Message.CreatedAt.Equal(now))
	assert.Equal(t, models.MessageTypeText, res.Message.Type)

	assert.Equal(t, OutcomeIgnored, e.ApplyNew(models.Message{ReceiverID: "u1", Content: "no sender"}).Outcome)
}

func TestDelete_IsPerViewer(t *testing.T) {
	e := newTestEngine()
	e.ApplyNew(inbound("m1", "secret", 0))

	require.True(t, e.Apply(models.Event{Kind: models.EventDelete, MessageID: "m1", UserID: "u1"}))

	require.Equal(t, 1, e.Len())
	mine := e.Views("u1")[0]
	theirs := e.Views("u2")[0]
	assert.True(t, mine.Hidden)
	assert.Empty(t, mine.Content)
	assert.False(t, theirs.Hidden)
	assert.Equal(t, "secret", theirs.Content)
}

func TestDelete_WithoutUserIsDropped(t *testing.T) {
	e := newTestEngine()
	e.ApplyNew(inbound("m1", "x", 0))

	e.OnDelete("m1", "")

	got, _ := e.Get("m1")
	assert.Empty(t, got.DeletedByUsers)
}

func TestRecall_IsGlobal(t *testing.T) {
	e := newTestEngine()
	e.ApplyNew(outbound("m1", "oops", 0))

	e.OnRecall("m1")

	for _, viewer := range []string{"u1", "u2", "u3"} {
		v := e.Views(viewer)[0]
		assert.True(t, v.Recalled, viewer)
		assert.Empty(t, v.Content, viewer)
	}
}

func TestPinThenUnpin_RemovesFromProjection(t *testing.T) {
	e := newTestEngine()
	e.ApplyNew(inbound("m1", "a", 0))

	e.OnPin("m1")
	assert.True(t, e.IsPinned("m1"))

	e.ApplyNew(inbound("m2", "b", time.Second))
	e.ApplyNew(inbound("m3", "c", 2*time.Second))
	e.OnUnpin("m1")

	got, _ := e.Get("m1")
	assert.False(t, got.IsPinned)
	assert.Empty(t, e.Pinned())
	assert.True(t, e.TakeEffects().PinnedChanged)
}

func TestPinned_LocalUnpinOverridesStaleServerList(t *testing.T) {
	e := newTestEngine()
	pinned := inbound("m1", "a", 0)
	pinned.IsPinned = true
	e.Anchor(AnchorInput{History: []models.Message{pinned}, Pinned: []models.Message{pinned}})

	e.OnUnpin("m1")
	e.BeginAnchor()
	e.Anchor(AnchorInput{History: []models.Message{pinned}, Pinned: []models.Message{pinned}})

	assert.Empty(t, e.Pinned())

	e.OnPin("m1")
	assert.Equal(t, []string{"m1"}, ids(e.Pinned()))
}

func TestPinned_IncludesLocalPinsNotInView(t *testing.T) {
	e := newTestEngine()
	old := inbound("old", "from last year", -24*time.Hour)

	e.Anchor(AnchorInput{Overlay: models.OverlayRecord{LocalPinned: []models.Message{old}}})

	pinned := e.Pinned()
	require.Len(t, pinned, 1)
	assert.True(t, pinned[0].IsPinned)
}

func TestApply_UnknownKindIsDropped(t *testing.T) {
	e := newTestEngine()

	assert.False(t, e.Apply(models.Event{Kind: "EDIT", MessageID: "m1"}))
	assert.False(t, e.Apply(models.Event{Kind: models.EventNew}))
	assert.False(t, e.Apply(models.Event{Kind: models.EventRecall}))

	msg := inbound("m1", "still alive", 0)
	assert.True(t, e.Apply(models.Event{Kind: models.EventNew, Message: &msg}))
	assert.Equal(t, 1, e.Len())
}

func TestAnchor_MergesHistoryWithOverlay(t *testing.T) {
	e := newTestEngine()
	confirmedEcho := outbound("srv1", "hello", 2*time.Second)
	unsentHello := outbound("1709287200000-u1-u2-abc", "hello", 0)
	unsentHello.Status = models.DeliveryStatusPending
	unsentOther := outbound("1709287205000-u1-u2-def", "still pending", 5*time.Second)
	unsentOther.Status = models.DeliveryStatusFailed

	res := e.Anchor(AnchorInput{
		History: []models.Message{
			inbound("h2", "second", 3*time.Second),
			inbound("h1", "first", time.Second),
			confirmedEcho,
			inbound("h1", "first", time.Second),
		},
		Overlay: models.OverlayRecord{
			DeletedMessageIDs: []string{"h2"},
			LocalUnsent:       []models.Message{unsentHello, unsentOther},
		},
	})

	assert.Equal(t, AnchorResult{Messages: 4, UnsentKept: 1, Replayed: 0}, res)
	assert.Equal(t, []string{"h1", "srv1", "h2", "1709287205000-u1-u2-def"}, ids(e.Messages()))

	h2, _ := e.Get("h2")
	assert.True(t, h2.IsDeletedBy("u1"))
	pending, _ := e.Get("1709287205000-u1-u2-def")
	assert.Equal(t, models.DeliveryStatusFailed, pending.Status)
}

func TestAnchor_StoredPendingSendFromEarlierRunFails(t *testing.T) {
	e := newTestEngine()
	stored := outbound("p-old", "lost in a crash", 0)
	stored.Status = models.DeliveryStatusPending

	res := e.Anchor(AnchorInput{Overlay: models.OverlayRecord{LocalUnsent: []models.Message{stored}}})

	assert.Equal(t, 1, res.UnsentKept)
	got, ok := e.Get("p-old")
	require.True(t, ok)
	assert.Equal(t, models.DeliveryStatusFailed, got.Status)
	fx := e.TakeEffects()
	require.Len(t, fx.Stranded, 1)
	assert.Equal(t, "p-old", fx.Stranded[0].ID)
	assert.Equal(t, models.DeliveryStatusFailed, fx.Stranded[0].Status)
}

func TestAnchor_ReanchorKeepsSendsStillInFlight(t *testing.T) {
	e := newTestEngine()
	e.Anchor(AnchorInput{})
	sending := outbound("p-now", "on its way", 0)
	sending.Status = models.DeliveryStatusPending
	e.ApplyNew(sending)
	e.TakeEffects()

	e.BeginAnchor()
	e.Anchor(AnchorInput{Overlay: models.OverlayRecord{LocalUnsent: []models.Message{sending}}})

	got, ok := e.Get("p-now")
	require.True(t, ok)
	assert.Equal(t, models.DeliveryStatusPending, got.Status)
	assert.Empty(t, e.TakeEffects().Stranded)
}

func TestAnchor_ReplaysEventsJournaledDuringLoad(t *testing.T) {
	e := newTestEngine()
	e.BeginAnchor()
	assert.True(t, e.Anchoring())

	e.OnNew(inbound("live", "arrived during load", 10*time.Second))
	e.OnRecall("h1")

	res := e.Anchor(AnchorInput{History: []models.Message{inbound("h1", "old", 0)}})

	assert.Equal(t, 2, res.Replayed)
	assert.False(t, e.Anchoring())
	assert.Equal(t, []string{"h1", "live"}, ids(e.Messages()))
	h1, _ := e.Get("h1")
	assert.True(t, h1.Recalled)
}

func TestAnchor_ReplayedSendAlreadyInHistoryIsConfirmed(t *testing.T) {
	e := newTestEngine()
	e.BeginAnchor()
	provisional := outbound("p1", "hello", 0)
	provisional.Status = models.DeliveryStatusPending
	e.ApplyNew(provisional)
	e.TakeEffects()

	e.Anchor(AnchorInput{History: []models.Message{outbound("srv1", "hello", time.Second)}})

	assert.Equal(t, []string{"srv1"}, ids(e.Messages()))
	assert.Equal(t, []string{"p1"}, e.TakeEffects().Confirmed)
}

func TestAnchor_ReconnectConverges(t *testing.T) {
	history := []models.Message{inbound("m1", "hello", 0)}

	live := newTestEngine()
	live.Anchor(AnchorInput{History: history})
	live.OnNew(inbound("m2", "are you there", time.Second))
	live.OnRecall("m1")
	live.OnDelete("m2", "u1")
	live.OnPin("m2")

	gap := newTestEngine()
	gap.Anchor(AnchorInput{History: history})
	// the feed dropped; m2 and the recall were missed
	recalled := inbound("m1", "hello", 0)
	recalled.Recalled = true
	m2 := inbound("m2", "are you there", time.Second)
	m2.IsPinned = true
	gap.BeginAnchor()
	gap.Anchor(AnchorInput{
		History: []models.Message{recalled, m2},
		Pinned:  []models.Message{m2},
		Overlay: models.OverlayRecord{DeletedMessageIDs: []string{"m2"}},
	})

	assert.Equal(t, live.Views("u1"), gap.Views("u1"))
	assert.Equal(t, live.Views("u2"), gap.Views("u2"))
	assert.Equal(t, ids(live.Pinned()), ids(gap.Pinned()))
}

func TestAnchor_UnknownPinnedKeepsPreviousList(t *testing.T) {
	e := newTestEngine()
	p := inbound("m1", "pinned", 0)
	e.Anchor(AnchorInput{History: []models.Message{inbound("m1", "pinned", 0)}, Pinned: []models.Message{p}})

	e.BeginAnchor()
	e.Anchor(AnchorInput{History: []models.Message{inbound("m1", "pinned", 0)}, Pinned: nil})

	assert.Equal(t, []string{"m1"}, ids(e.Pinned()))
}

func TestEffects_ReadCandidates(t *testing.T) {
	e := newTestEngine()
	e.ApplyNew(inbound("in", "hi", 0))
	e.ApplyNew(outbound("out", "hi back", time.Second))
	read := inbound("seen", "already read", 2*time.Second)
	read.Read = true
	e.ApplyNew(read)

	effects := e.TakeEffects()
	assert.Equal(t, []string{"in"}, ids(effects.ReadCandidates))
	assert.True(t, e.TakeEffects().Empty())

	assert.True(t, e.MarkRead("in"))
	assert.False(t, e.MarkRead("in"))
	got, _ := e.Get("in")
	assert.True(t, got.Read)
}

func TestSetStatusAndRestore(t *testing.T) {
	e := newTestEngine()
	p := outbound("p1", "x", 0)
	p.Status = models.DeliveryStatusPending
	e.ApplyNew(p)
	e.ApplyNew(inbound("m1", "y", time.Second))

	assert.True(t, e.SetStatus("p1", models.DeliveryStatusFailed))
	assert.False(t, e.SetStatus("m1", models.DeliveryStatusFailed))

	before, _ := e.Get("m1")
	e.OnDelete("m1", "u1")
	e.OnRecall("m1")
	require.True(t, e.Restore(before))

	after, _ := e.Get("m1")
	assert.False(t, after.Recalled)
	assert.False(t, after.IsDeletedBy("u1"))

	e.OnPin("m1")
	e.RestorePin("m1", false)
	assert.False(t, e.IsPinned("m1"))
}

func TestSearch(t *testing.T) {
	e := newTestEngine()
	e.ApplyNew(inbound("a", "Lunch tomorrow?", 0))
	e.ApplyNew(outbound("b", "lunch sounds good", time.Second))
	e.ApplyNew(inbound("c", "lunch recalled", 2*time.Second))
	e.ApplyNew(inbound("d", "lunch hidden", 3*time.Second))
	e.OnRecall("c")
	e.OnDelete("d", "u1")

	assert.Equal(t, []string{"a", "b"}, ids(e.Search("LUNCH")))
	assert.Nil(t, e.Search("  "))
}

func TestGroupConversation(t *testing.T) {
	e := NewEngine(Options{SelfID: "u1", Conversation: models.GroupConversation("g1")})

	res := e.ApplyNew(models.Message{ID: "g-1", SenderID: "u5", GroupID: "g1", Content: "hi all", CreatedAt: t0})
	assert.Equal(t, OutcomeInserted, res.Outcome)
	assert.Equal(t, OutcomeIgnored, e.ApplyNew(inbound("d", "direct", 0)).Outcome)
}
