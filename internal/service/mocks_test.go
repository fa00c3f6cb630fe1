package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"chatsync/internal/errors"
	"chatsync/internal/models"
	"chatsync/internal/overlay"
	"chatsync/internal/retry"
	"chatsync/pkg/feed"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	testWait = 5 * time.Second
	testTick = 5 * time.Millisecond
)

var testEpoch = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

type MockChatClient struct {
	mock.Mock
}

func (m *MockChatClient) History(ctx context.Context, key models.ConversationKey) ([]models.Message, error) {
	args := m.Called(ctx, key)
	if msgs := args.Get(0); msgs != nil {
		return cloneAll(msgs.([]models.Message)), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockChatClient) PinnedMessages(ctx context.Context, key models.ConversationKey) ([]models.Message, error) {
	args := m.Called(ctx, key)
	if msgs := args.Get(0); msgs != nil {
		return cloneAll(msgs.([]models.Message)), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockChatClient) Search(ctx context.Context, key models.ConversationKey, keyword string) ([]models.Message, error) {
	args := m.Called(ctx, key, keyword)
	if msgs := args.Get(0); msgs != nil {
		return msgs.([]models.Message), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockChatClient) Upload(ctx context.Context, key models.ConversationKey, paths []string) ([]string, error) {
	args := m.Called(ctx, key, paths)
	if urls := args.Get(0); urls != nil {
		return urls.([]string), args.Error(1)
	}
	return nil, args.Error(1)
}

// cloneAll keeps the loader's in-place tagging away from the slices a
// test registered as return values
func cloneAll(in []models.Message) []models.Message {
	out := make([]models.Message, len(in))
	for i, m := range in {
		out[i] = m.Clone()
	}
	return out
}

type publishedFrame struct {
	Destination string
	Payload     interface{}
}

// fakeFeed is an in-memory Feed. Tests push events into it and inspect
// what the session published.
type fakeFeed struct {
	events chan feed.Delivery
	done   chan struct{}
	once   sync.Once

	mu         sync.Mutex
	err        error
	topics     []feed.Topic
	published  []publishedFrame
	publishErr error
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{
		events: make(chan feed.Delivery, 16),
		done:   make(chan struct{}),
	}
}

func (f *fakeFeed) Subscribe(topics []feed.Topic) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics = append(f.topics, topics...)
	return nil
}

func (f *fakeFeed) Events() <-chan feed.Delivery { return f.events }
func (f *fakeFeed) Done() <-chan struct{}        { return f.done }

func (f *fakeFeed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeFeed) Connected() bool {
	select {
	case <-f.done:
		return false
	default:
		return true
	}
}

func (f *fakeFeed) Publish(ctx context.Context, destination string, payload interface{}) error {
	if !f.Connected() {
		return errors.NewTransportUnavailableError("publish")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, publishedFrame{Destination: destination, Payload: payload})
	return nil
}

func (f *fakeFeed) Close() error {
	f.drop(feed.ErrClosed)
	return nil
}

// drop simulates the server going away
func (f *fakeFeed) drop(err error) {
	f.once.Do(func() {
		f.mu.Lock()
		f.err = err
		f.mu.Unlock()
		close(f.done)
	})
}

func (f *fakeFeed) setPublishErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.publishErr = err
}

func (f *fakeFeed) push(t *testing.T, ev models.Event) {
	t.Helper()
	select {
	case f.events <- feed.Delivery{Event: ev}:
	case <-time.After(testWait):
		t.Fatal("feed event not consumed")
	}
}

func (f *fakeFeed) frames() []publishedFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]publishedFrame(nil), f.published...)
}

func (f *fakeFeed) framesTo(destination string) []publishedFrame {
	var out []publishedFrame
	for _, fr := range f.frames() {
		if fr.Destination == destination {
			out = append(out, fr)
		}
	}
	return out
}

func (f *fakeFeed) subscribed() []feed.Topic {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]feed.Topic(nil), f.topics...)
}

// fakeDialer hands out a new fakeFeed per dial, after returning any queued
// errors first
type fakeDialer struct {
	mu    sync.Mutex
	errs  []error
	feeds []*fakeFeed
}

func (d *fakeDialer) Dial(ctx context.Context) (Feed, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		return nil, err
	}
	f := newFakeFeed()
	d.feeds = append(d.feeds, f)
	return f, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.feeds)
}

func (d *fakeDialer) latest() *fakeFeed {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.feeds) == 0 {
		return nil
	}
	return d.feeds[len(d.feeds)-1]
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func testMessage(id, sender, receiver, content string, offset time.Duration) models.Message {
	return models.Message{
		ID:         id,
		SenderID:   sender,
		ReceiverID: receiver,
		Content:    content,
		Type:       models.MessageTypeText,
		CreatedAt:  testEpoch.Add(offset),
	}
}

type sessionHarness struct {
	session *Session
	api     *MockChatClient
	dialer  *fakeDialer
	overlay *overlay.Store
	cancel  context.CancelFunc
	result  chan error
}

func newHarness(t *testing.T, configure func(*SessionConfig)) *sessionHarness {
	t.Helper()
	h := &sessionHarness{
		api:     new(MockChatClient),
		dialer:  &fakeDialer{},
		overlay: overlay.NewStore(overlay.NewMemoryKV(), quietLogger()),
	}
	cfg := SessionConfig{
		SelfID:       "u1",
		Conversation: models.DirectConversation("u2"),
		API:          h.api,
		Overlay:      h.overlay,
		Dial:         h.dialer.Dial,
		Sync: models.SyncConfig{
			MergeWindowMs:       60000,
			LiveDedupeWindowMs:  1000,
			HistoryMaxAttempts:  3,
			HistoryRetryDelayMs: 1,
		},
		Reconnect: retry.FixedBackoffConfig(0, 5*time.Millisecond),
		Logger:    quietLogger(),
		Now:       func() time.Time { return testEpoch.Add(time.Hour) },
	}
	if configure != nil {
		configure(&cfg)
	}
	s, err := NewSession(cfg)
	require.NoError(t, err)
	h.session = s
	return h
}

func (h *sessionHarness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.result = make(chan error, 1)
	go func() { h.result <- h.session.Run(ctx) }()
	t.Cleanup(h.stop)
}

func (h *sessionHarness) stop() {
	if h.cancel != nil {
		h.cancel()
		select {
		case <-h.result:
		case <-time.After(testWait):
		}
		h.cancel = nil
	}
}

func (h *sessionHarness) waitState(t *testing.T, state SessionState) {
	t.Helper()
	require.Eventually(t, func() bool { return h.session.State() == state }, testWait, testTick)
}

func (h *sessionHarness) waitLive(t *testing.T) *fakeFeed {
	t.Helper()
	h.waitState(t, StateLive)
	return h.dialer.latest()
}

func (h *sessionHarness) snapshot(t *testing.T) View {
	t.Helper()
	v, err := h.session.Snapshot(context.Background())
	require.NoError(t, err)
	return v
}

func (h *sessionHarness) view(t *testing.T, id string) (models.MessageView, bool) {
	t.Helper()
	for _, m := range h.snapshot(t).Messages {
		if m.ID == id {
			return m, true
		}
	}
	return models.MessageView{}, false
}

func (h *sessionHarness) runErr(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.result:
		h.cancel()
		h.cancel = nil
		return err
	case <-time.After(testWait):
		t.Fatal("session did not stop")
	}
	return nil
}
