package presence

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/locolive/relay/internal/domain"
)

type capturePublisher struct {
	mu      sync.Mutex
	updates []domain.PresenceUpdate
	keys    []string
}

func (p *capturePublisher) Publish(_ context.Context, topic, key string, payload []byte) error {
	if topic != domain.TopicPresenceChanges {
		return nil
	}
	var u domain.PresenceUpdate
	if err := json.Unmarshal(payload, &u); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, u)
	p.keys = append(p.keys, key)
	return nil
}

func (p *capturePublisher) snapshot() []domain.PresenceUpdate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.PresenceUpdate(nil), p.updates...)
}

func newRedisClient(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func counters(t *testing.T) map[string]func(t *testing.T) Counter {
	return map[string]func(t *testing.T) Counter{
		"memory": func(t *testing.T) Counter { return NewMemoryCounter() },
		"redis": func(t *testing.T) Counter {
			client, _ := newRedisClient(t)
			return NewRedisCounter(client, "")
		},
	}
}

func TestTracker_MultipleConnections(t *testing.T) {
	for name, newCounter := range counters(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			pub := &capturePublisher{}
			tracker := NewTracker(newCounter(t), pub, zaptest.NewLogger(t))

			n, err := tracker.Connect(ctx, "U1")
			require.NoError(t, err)
			assert.EqualValues(t, 1, n)
			n, err = tracker.Connect(ctx, "U1")
			require.NoError(t, err)
			assert.EqualValues(t, 2, n)

			n, err = tracker.Disconnect(ctx, "U1")
			require.NoError(t, err)
			assert.EqualValues(t, 1, n)

			online, err := tracker.IsOnline(ctx, "U1")
			require.NoError(t, err)
			assert.True(t, online, "one connection is still open")

			n, err = tracker.Disconnect(ctx, "U1")
			require.NoError(t, err)
			assert.EqualValues(t, 0, n)

			online, err = tracker.IsOnline(ctx, "U1")
			require.NoError(t, err)
			assert.False(t, online)

			assert.Equal(t, []domain.PresenceUpdate{
				{UserID: "U1", Online: true},
				{UserID: "U1", Online: false},
			}, pub.snapshot())
			assert.Equal(t, []string{"U1", "U1"}, pub.keys)
		})
	}
}

func TestTracker_RandomSequencesMatchCount(t *testing.T) {
	for name, newCounter := range counters(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			pub := &capturePublisher{}
			tracker := NewTracker(newCounter(t), pub, zaptest.NewLogger(t))
			rng := rand.New(rand.NewSource(42))

			users := []string{"U1", "U2", "U3"}
			open := map[string]int64{}
			wantUpdates := 0

			for i := 0; i < 300; i++ {
				u := users[rng.Intn(len(users))]
				if open[u] > 0 && rng.Intn(2) == 0 {
					n, err := tracker.Disconnect(ctx, u)
					require.NoError(t, err)
					open[u]--
					assert.Equal(t, open[u], n)
					if open[u] == 0 {
						wantUpdates++
					}
				} else {
					n, err := tracker.Connect(ctx, u)
					require.NoError(t, err)
					open[u]++
					assert.Equal(t, open[u], n)
					if open[u] == 1 {
						wantUpdates++
					}
				}

				online, err := tracker.IsOnline(ctx, u)
				require.NoError(t, err)
				assert.Equal(t, open[u] > 0, online)
			}

			assert.Len(t, pub.snapshot(), wantUpdates)

			var wantOnline []string
			for _, u := range users {
				if open[u] > 0 {
					wantOnline = append(wantOnline, u)
				}
			}
			got, err := tracker.OnlineUsers(ctx)
			require.NoError(t, err)
			if wantOnline == nil {
				assert.Empty(t, got)
			} else {
				assert.Equal(t, wantOnline, got)
			}
		})
	}
}

func TestTracker_DisconnectWithoutConnect(t *testing.T) {
	for name, newCounter := range counters(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			pub := &capturePublisher{}
			tracker := NewTracker(newCounter(t), pub, zaptest.NewLogger(t))

			n, err := tracker.Disconnect(ctx, "ghost")
			require.NoError(t, err)
			assert.Zero(t, n)
			assert.Empty(t, pub.snapshot())

			n, err = tracker.Connect(ctx, "ghost")
			require.NoError(t, err)
			assert.EqualValues(t, 1, n, "count never goes negative")
		})
	}
}

func TestRedisCounter_ConcurrentConnects(t *testing.T) {
	client, mr := newRedisClient(t)
	ctx := context.Background()
	pub := &capturePublisher{}
	tracker := NewTracker(NewRedisCounter(client, ""), pub, zaptest.NewLogger(t))

	const workers = 20
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := tracker.Connect(ctx, "U1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, "20", mr.HGet(DefaultKey, "U1"))

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := tracker.Disconnect(ctx, "U1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.False(t, mr.Exists(DefaultKey), "hash is removed with its last field")
	assert.Equal(t, []domain.PresenceUpdate{
		{UserID: "U1", Online: true},
		{UserID: "U1", Online: false},
	}, pub.snapshot())
}

func TestTracker_NilPublisher(t *testing.T) {
	tracker := NewTracker(NewMemoryCounter(), nil, nil)
	_, err := tracker.Connect(context.Background(), "U1")
	assert.NoError(t, err)
}

// setTracker is the boolean-set model presence used to have: SADD on connect
// and SREM on disconnect.
type setTracker struct {
	client *redis.Client
}

func (s setTracker) connect(ctx context.Context, userID string) error {
	return s.client.SAdd(ctx, "presence:online", userID).Err()
}

func (s setTracker) disconnect(ctx context.Context, userID string) error {
	return s.client.SRem(ctx, "presence:online", userID).Err()
}

func (s setTracker) isOnline(ctx context.Context, userID string) (bool, error) {
	return s.client.SIsMember(ctx, "presence:online", userID).Result()
}

func TestBooleanSetLosesSecondConnection(t *testing.T) {
	client, _ := newRedisClient(t)
	ctx := context.Background()

	legacy := setTracker{client: client}
	tracker := NewTracker(NewRedisCounter(client, ""), nil, zaptest.NewLogger(t))

	// Two tabs open, one closes.
	for i := 0; i < 2; i++ {
		require.NoError(t, legacy.connect(ctx, "U1"))
		_, err := tracker.Connect(ctx, "U1")
		require.NoError(t, err)
	}
	require.NoError(t, legacy.disconnect(ctx, "U1"))
	_, err := tracker.Disconnect(ctx, "U1")
	require.NoError(t, err)

	legacyOnline, err := legacy.isOnline(ctx, "U1")
	require.NoError(t, err)
	online, err := tracker.IsOnline(ctx, "U1")
	require.NoError(t, err)

	assert.False(t, legacyOnline, "the set forgets the user while a tab is still open")
	assert.True(t, online)
}

func TestNewRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := NewRedisClient(context.Background(), "redis://"+mr.Addr()+"/0", 1, time.Millisecond)
	require.NoError(t, err)
	defer client.Close()

	_, err = NewRedisClient(context.Background(), "::not a url", 0, time.Millisecond)
	assert.Error(t, err)
}
