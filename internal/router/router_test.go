package router

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/locolive/relay/internal/auth"
	"github.com/locolive/relay/internal/domain"
	"github.com/locolive/relay/internal/eventbus"
	"github.com/locolive/relay/internal/realtime"
	"github.com/locolive/relay/internal/repository"
)

type delivery struct {
	dest    realtime.Destination
	payload any
}

type fakeGateway struct {
	mu         sync.Mutex
	online     map[string]bool
	deliveries []delivery
}

func newFakeGateway(online ...string) *fakeGateway {
	g := &fakeGateway{online: make(map[string]bool)}
	for _, u := range online {
		g.online[u] = true
	}
	return g
}

func (g *fakeGateway) Deliver(_ context.Context, dest realtime.Destination, payload any) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	userID, _ := dest.UserID()
	if !g.online[userID] {
		return 0, domain.ErrRecipientOffline
	}
	g.deliveries = append(g.deliveries, delivery{dest: dest, payload: payload})
	return 1, nil
}

func (g *fakeGateway) delivered() []delivery {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]delivery(nil), g.deliveries...)
}

type fakeMailer struct {
	mu    sync.Mutex
	sent  []string
	fails int
}

func (m *fakeMailer) SendPasswordReset(_ context.Context, email, _, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fails > 0 {
		m.fails--
		return errors.New("smtp unavailable")
	}
	m.sent = append(m.sent, email+":"+token)
	return nil
}

type fakePusher struct {
	mu     sync.Mutex
	pushed []*domain.Notification
}

func (p *fakePusher) NotifyOffline(_ context.Context, n *domain.Notification) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushed = append(p.pushed, n)
	return 1, nil
}

type countingRecorder struct {
	mu       sync.Mutex
	outcomes map[string]int
	dead     map[string]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{outcomes: make(map[string]int), dead: make(map[string]int)}
}

func (c *countingRecorder) EventConsumed(topic, outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes[topic+"/"+outcome]++
}

func (c *countingRecorder) DeadLettered(topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dead[topic]++
}

func (c *countingRecorder) Push(string, string) {}
func (c *countingRecorder) ConnectionOpened()   {}
func (c *countingRecorder) ConnectionClosed()   {}

func (c *countingRecorder) outcome(k string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outcomes[k]
}

func (c *countingRecorder) deadLetters(topic string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dead[topic]
}

func message(t *testing.T, ev domain.Event) eventbus.Message {
	t.Helper()
	topic, key, payload, err := domain.EncodeEvent(ev)
	require.NoError(t, err)
	return eventbus.Message{ID: "m-1", Topic: topic, Key: key, Value: payload, Attempt: 1}
}

func list(t *testing.T, store domain.NotificationStore, userID string) []*domain.Notification {
	t.Helper()
	items, err := store.ListForRecipient(context.Background(), userID, 50, 0)
	require.NoError(t, err)
	return items
}

func TestHandle_PostCreated(t *testing.T) {
	store := repository.NewMemoryStore()
	gw := newFakeGateway("author-1")
	r := New(store, gw, &fakeMailer{}, zaptest.NewLogger(t))

	msg := message(t, &domain.PostCreated{PostID: "p1", AuthorID: "author-1", ContentSnippet: "hello world"})
	require.NoError(t, r.Handle(context.Background(), msg))

	items := list(t, store, "author-1")
	require.Len(t, items, 1)
	n := items[0]
	assert.Equal(t, domain.NotificationPostCreated, n.Type)
	assert.Equal(t, domain.SystemSender, n.SenderID)
	assert.Equal(t, "Your post is live: hello world", n.Message)
	require.NotNil(t, n.ResourceID)
	assert.Equal(t, "p1", *n.ResourceID)
	assert.False(t, n.IsRead)

	d := gw.delivered()
	require.Len(t, d, 1)
	assert.Equal(t, realtime.NotificationsFor("author-1"), d[0].dest)
}

func TestHandle_DuplicateIsNotForwardedTwice(t *testing.T) {
	store := repository.NewMemoryStore()
	gw := newFakeGateway("bob")
	rec := newCountingRecorder()
	r := New(store, gw, &fakeMailer{}, zaptest.NewLogger(t), WithMetrics(rec))

	msg := message(t, &domain.Interaction{
		Kind:        domain.InteractionLike,
		RecipientID: "bob",
		SenderID:    "alice",
		ResourceID:  "p9",
		Message:     "alice liked your post",
		Timestamp:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	})

	require.NoError(t, r.Handle(context.Background(), msg))
	require.NoError(t, r.Handle(context.Background(), msg))

	assert.Len(t, list(t, store, "bob"), 1)
	assert.Len(t, gw.delivered(), 1)
	assert.Equal(t, 1, rec.outcome("interaction/"+OutcomePersisted))
	assert.Equal(t, 1, rec.outcome("interaction/"+OutcomeDuplicate))
}

func TestHandle_UntimedCommentsAreDistinct(t *testing.T) {
	store := repository.NewMemoryStore()
	r := New(store, newFakeGateway(), &fakeMailer{}, zaptest.NewLogger(t))

	first := message(t, &domain.Interaction{Kind: domain.InteractionComment, RecipientID: "bob", SenderID: "alice", ResourceID: "p1", Message: "nice"})
	second := message(t, &domain.Interaction{Kind: domain.InteractionComment, RecipientID: "bob", SenderID: "alice", ResourceID: "p1", Message: "great shot"})
	second.ID = "m-2"
	repeat := message(t, &domain.Interaction{Kind: domain.InteractionComment, RecipientID: "bob", SenderID: "alice", ResourceID: "p1", Message: "nice"})
	repeat.ID = "m-3"

	require.NoError(t, r.Handle(context.Background(), first))
	require.NoError(t, r.Handle(context.Background(), second))
	require.NoError(t, r.Handle(context.Background(), repeat))
	require.NoError(t, r.Handle(context.Background(), first))

	assert.Len(t, list(t, store, "bob"), 3, "each published comment is stored once")
}

func TestHandle_SelfInteractionSkipped(t *testing.T) {
	store := repository.NewMemoryStore()
	gw := newFakeGateway("alice")
	r := New(store, gw, &fakeMailer{}, zaptest.NewLogger(t))

	msg := message(t, &domain.Interaction{
		Kind:        domain.InteractionComment,
		RecipientID: "alice",
		SenderID:    "alice",
		Message:     "nice",
	})
	require.NoError(t, r.Handle(context.Background(), msg))

	assert.Empty(t, list(t, store, "alice"))
	assert.Empty(t, gw.delivered())
}

func TestHandle_InteractionDefaults(t *testing.T) {
	store := repository.NewMemoryStore()
	r := New(store, newFakeGateway(), &fakeMailer{}, zaptest.NewLogger(t))

	msg := message(t, &domain.Interaction{
		Kind:        domain.InteractionFriendRequest,
		RecipientID: "bob",
		SenderID:    "carol",
		PostID:      "legacy-post",
	})
	require.NoError(t, r.Handle(context.Background(), msg))

	items := list(t, store, "bob")
	require.Len(t, items, 1)
	assert.Equal(t, domain.NotificationFriendRequest, items[0].Type)
	assert.Equal(t, "You have a new friend request", items[0].Message)
	require.NotNil(t, items[0].ResourceID)
	assert.Equal(t, "legacy-post", *items[0].ResourceID)
}

func TestHandle_OfflineRecipientGetsDevicePush(t *testing.T) {
	store := repository.NewMemoryStore()
	pusher := &fakePusher{}
	r := New(store, newFakeGateway(), &fakeMailer{}, zaptest.NewLogger(t), WithOfflinePusher(pusher))

	msg := message(t, &domain.Interaction{
		Kind:        domain.InteractionLike,
		RecipientID: "bob",
		SenderID:    "alice",
	})
	require.NoError(t, r.Handle(context.Background(), msg))

	assert.Len(t, list(t, store, "bob"), 1)
	require.Len(t, pusher.pushed, 1)
	assert.Equal(t, "bob", pusher.pushed[0].RecipientID)
	assert.NotZero(t, pusher.pushed[0].ID)
}

func TestHandle_ChatIsForwardedNotStored(t *testing.T) {
	store := repository.NewMemoryStore()
	gw := newFakeGateway("bob")
	r := New(store, gw, &fakeMailer{}, zaptest.NewLogger(t))

	chat := &domain.ChatMessageSent{ID: "c1", SenderID: "alice", ReceiverID: "bob", Content: "hey"}
	require.NoError(t, r.Handle(context.Background(), message(t, chat)))

	assert.Empty(t, list(t, store, "bob"))
	d := gw.delivered()
	require.Len(t, d, 1)
	assert.Equal(t, realtime.ChatFor("bob"), d[0].dest)
	sent, ok := d[0].payload.(*domain.ChatMessageSent)
	require.True(t, ok)
	assert.Equal(t, "c1", sent.ID)
	assert.Equal(t, "hey", sent.Content)

	// offline receivers are not an error
	chat2 := &domain.ChatMessageSent{ID: "c2", SenderID: "bob", ReceiverID: "alice", Content: "hi"}
	require.NoError(t, r.Handle(context.Background(), message(t, chat2)))
}

func TestHandle_PasswordReset(t *testing.T) {
	store := repository.NewMemoryStore()
	mailer := &fakeMailer{fails: 1}
	r := New(store, newFakeGateway(), mailer, zaptest.NewLogger(t))

	msg := message(t, &domain.PasswordResetRequested{Email: "alice@example.com", Username: "alice", ResetToken: "tok"})

	err := r.Handle(context.Background(), msg)
	require.Error(t, err)
	assert.False(t, eventbus.IsPermanent(err))

	require.NoError(t, r.Handle(context.Background(), msg))
	assert.Equal(t, []string{"alice@example.com:tok"}, mailer.sent)
	assert.Empty(t, list(t, store, "alice@example.com"))
}

func TestHandle_MalformedIsPermanent(t *testing.T) {
	r := New(repository.NewMemoryStore(), newFakeGateway(), &fakeMailer{}, zaptest.NewLogger(t))

	cases := map[string]eventbus.Message{
		"not json":      {Topic: domain.TopicInteraction, Value: []byte("{")},
		"missing field": {Topic: domain.TopicPostCreated, Value: []byte(`{"postId":"p1"}`)},
		"unknown kind":  {Topic: domain.TopicInteraction, Value: []byte(`{"type":"POKE","recipientId":"a","senderId":"b"}`)},
		"unknown topic": {Topic: "stories", Value: []byte(`{}`)},
	}
	for name, msg := range cases {
		t.Run(name, func(t *testing.T) {
			err := r.Handle(context.Background(), msg)
			require.Error(t, err)
			assert.True(t, eventbus.IsPermanent(err))
			assert.True(t, domain.IsEventProcessingError(err))
		})
	}
}

type failingStore struct {
	*repository.MemoryStore
	failures int
}

func (s *failingStore) Append(ctx context.Context, n *domain.Notification) (*domain.Notification, bool, error) {
	if s.failures > 0 {
		s.failures--
		return nil, false, &domain.StorageError{Op: "append", Err: errors.New("connection reset")}
	}
	return s.MemoryStore.Append(ctx, n)
}

func TestHandle_StorageErrorIsTransient(t *testing.T) {
	store := &failingStore{MemoryStore: repository.NewMemoryStore(), failures: 1}
	gw := newFakeGateway("bob")
	r := New(store, gw, &fakeMailer{}, zaptest.NewLogger(t))

	msg := message(t, &domain.Interaction{Kind: domain.InteractionLike, RecipientID: "bob", SenderID: "alice"})

	err := r.Handle(context.Background(), msg)
	require.Error(t, err)
	assert.False(t, eventbus.IsPermanent(err))
	var se *domain.StorageError
	assert.ErrorAs(t, err, &se)
	assert.Empty(t, gw.delivered())

	require.NoError(t, r.Handle(context.Background(), msg))
	assert.Len(t, gw.delivered(), 1)
}

func fastRetry() eventbus.RetryConfig {
	cfg := eventbus.DefaultRetryConfig()
	cfg.MaxRetries = 2
	cfg.InitialInterval = 5 * time.Millisecond
	cfg.MaxInterval = 20 * time.Millisecond
	return cfg
}

func TestSubscribe_DeadLettersMalformedEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logger := zaptest.NewLogger(t)

	bus := eventbus.NewMemoryBus(2, logger)
	defer bus.Close()

	store := repository.NewMemoryStore()
	rec := newCountingRecorder()
	r := New(store, newFakeGateway(), &fakeMailer{}, logger, WithMetrics(rec), WithRetryConfig(fastRetry()))

	dlq := make(chan eventbus.Message, 1)
	require.NoError(t, bus.Subscribe(ctx, eventbus.DeadLetterTopic(domain.TopicInteraction), "dlq-test",
		func(_ context.Context, m eventbus.Message) error {
			dlq <- m
			return nil
		}))
	require.NoError(t, r.Subscribe(ctx, bus, ""))

	require.NoError(t, bus.Publish(ctx, domain.TopicInteraction, "bob", []byte(`{"type":"LIKE"}`)))

	select {
	case m := <-dlq:
		dl, err := eventbus.DecodeDeadLetter(m.Value)
		require.NoError(t, err)
		assert.Equal(t, domain.TopicInteraction, dl.OriginalTopic)
		assert.True(t, dl.Permanent)
		assert.Equal(t, 1, dl.Attempts)
	case <-time.After(2 * time.Second):
		t.Fatal("dead letter not published")
	}

	assert.Eventually(t, func() bool {
		return rec.deadLetters(domain.TopicInteraction) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Empty(t, list(t, store, "bob"))
}

func TestSubscribe_EndToEndThroughGateway(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logger := zaptest.NewLogger(t)

	bus := eventbus.NewMemoryBus(2, logger)
	defer bus.Close()

	codec := auth.NewTokenCodec("router-test-secret", "relay-test")
	gw := realtime.New(realtime.DefaultConfig(), codec, nil, logger)
	server := httptest.NewServer(gw)
	defer server.Close()
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), time.Second)
		defer scancel()
		_ = gw.Shutdown(sctx)
	}()

	store := repository.NewMemoryStore()
	pusher := &fakePusher{}
	r := New(store, gw, &fakeMailer{}, logger, WithOfflinePusher(pusher), WithRetryConfig(fastRetry()))
	require.NoError(t, r.Subscribe(ctx, bus, "e2e"))

	token, err := codec.Issue("bob", nil, time.Hour)
	require.NoError(t, err)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"),
		http.Header{"Authorization": []string{"Bearer " + token}})
	require.NoError(t, err)
	defer conn.Close()

	var ack map[string]any
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&ack))
	require.Equal(t, "CONNECTED", ack["type"])

	topic, key, payload, err := domain.EncodeEvent(&domain.Interaction{
		Kind:        domain.InteractionComment,
		RecipientID: "bob",
		SenderID:    "alice",
		ResourceID:  "p1",
		Message:     "alice commented on your post",
	})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, topic, key, payload))

	var frame struct {
		Destination string              `json:"destination"`
		Payload     domain.Notification `json:"payload"`
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "notifications/bob", frame.Destination)
	assert.Equal(t, "alice commented on your post", frame.Payload.Message)
	assert.Equal(t, domain.NotificationComment, frame.Payload.Type)

	// carol has no connection: stored and pushed to her devices
	topic, key, payload, err = domain.EncodeEvent(&domain.Interaction{
		Kind:        domain.InteractionLike,
		RecipientID: "carol",
		SenderID:    "alice",
	})
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, topic, key, payload))

	assert.Eventually(t, func() bool {
		pusher.mu.Lock()
		defer pusher.mu.Unlock()
		return len(pusher.pushed) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, list(t, store, "carol"), 1)

	b, err := json.Marshal(frame.Payload)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"isRead":false`)
}
