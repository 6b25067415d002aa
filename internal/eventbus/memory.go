package eventbus

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultPartitions = 8
	memoryQueueSize   = 1024
)

// MemoryBus is an in-process Bus with Kafka-like semantics: a topic has a fixed
// number of partitions, keyed messages always land on the same partition, and
// each partition of each group is drained by a single goroutine.
type MemoryBus struct {
	partitions int
	logger     *zap.Logger

	mu     sync.RWMutex
	groups map[string]map[string]*memoryGroup // topic -> group
	closed bool
	done   chan struct{}

	roundRobin atomic.Uint64
	wg         sync.WaitGroup
}

type memoryGroup struct {
	topic  string
	name   string
	queues []chan Message

	mu      sync.RWMutex
	members []*memoryMember
}

type memoryMember struct {
	ctx     context.Context
	handler Handler
}

// NewMemoryBus creates a bus with the given partition count per topic
func NewMemoryBus(partitions int, logger *zap.Logger) *MemoryBus {
	if partitions <= 0 {
		partitions = DefaultPartitions
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryBus{
		partitions: partitions,
		logger:     logger,
		groups:     make(map[string]map[string]*memoryGroup),
		done:       make(chan struct{}),
	}
}

// Publish enqueues payload on every group subscribed to topic. It blocks
// while a queue is full, without holding the bus lock.
func (b *MemoryBus) Publish(ctx context.Context, topic, key string, payload []byte) error {
	msg := Message{
		ID:          uuid.NewString(),
		Topic:       topic,
		Key:         key,
		Value:       append([]byte(nil), payload...),
		PublishedAt: time.Now(),
	}
	partition := b.partitionFor(key)

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	queues := make([]chan Message, 0, len(b.groups[topic]))
	for _, g := range b.groups[topic] {
		queues = append(queues, g.queues[partition])
	}
	b.mu.RUnlock()

	for _, q := range queues {
		select {
		case q <- msg:
		case <-b.done:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe joins group on topic, creating the group on first use. A group
// only sees messages published after it was created, so Ephemeral changes
// nothing here.
func (b *MemoryBus) Subscribe(ctx context.Context, topic, group string, h Handler, _ ...SubscribeOption) error {
	if h == nil {
		return fmt.Errorf("eventbus: nil handler for %s/%s", topic, group)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	byName, ok := b.groups[topic]
	if !ok {
		byName = make(map[string]*memoryGroup)
		b.groups[topic] = byName
	}
	g, ok := byName[group]
	if !ok {
		g = b.newGroup(topic, group)
		byName[group] = g
	}
	b.mu.Unlock()

	member := &memoryMember{ctx: ctx, handler: h}
	g.join(member)

	go func() {
		<-ctx.Done()
		g.leave(member)
	}()

	return nil
}

// Close stops all partition workers after draining queued messages
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}

func (b *MemoryBus) partitionFor(key string) int {
	if key == "" {
		return int(b.roundRobin.Add(1) % uint64(b.partitions))
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(b.partitions))
}

func (b *MemoryBus) newGroup(topic, name string) *memoryGroup {
	g := &memoryGroup{
		topic:  topic,
		name:   name,
		queues: make([]chan Message, b.partitions),
	}
	for p := range g.queues {
		g.queues[p] = make(chan Message, memoryQueueSize)
		b.wg.Add(1)
		go b.drain(g, p)
	}
	return g
}

func (b *MemoryBus) drain(g *memoryGroup, partition int) {
	defer b.wg.Done()

	q := g.queues[partition]
	for {
		select {
		case msg := <-q:
			b.deliver(g, partition, msg)
		case <-b.done:
			// hand over whatever was queued before Close
			for {
				select {
				case msg := <-q:
					b.deliver(g, partition, msg)
				default:
					return
				}
			}
		}
	}
}

func (b *MemoryBus) deliver(g *memoryGroup, partition int, msg Message) {
	member := g.memberFor(partition)
	if member == nil {
		b.logger.Warn("No live member for group, message dropped",
			zap.String("topic", g.topic),
			zap.String("group", g.name),
			zap.String("message_id", msg.ID),
		)
		return
	}
	msg.Attempt = 1
	b.dispatch(member, g, msg)
}

func (b *MemoryBus) dispatch(m *memoryMember, g *memoryGroup, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Handler panicked",
				zap.Any("panic", r),
				zap.String("topic", g.topic),
				zap.String("group", g.name),
			)
		}
	}()

	if err := m.handler(m.ctx, msg); err != nil {
		b.logger.Error("Handler failed, message not acknowledged",
			zap.String("topic", g.topic),
			zap.String("group", g.name),
			zap.String("key", msg.Key),
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
	}
}

func (g *memoryGroup) join(m *memoryMember) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.members = append(g.members, m)
}

func (g *memoryGroup) leave(m *memoryMember) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, existing := range g.members {
		if existing == m {
			g.members = append(g.members[:i], g.members[i+1:]...)
			return
		}
	}
}

// memberFor assigns partitions to members round-robin, like a range assignor
func (g *memoryGroup) memberFor(partition int) *memoryMember {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if len(g.members) == 0 {
		return nil
	}
	return g.members[partition%len(g.members)]
}
