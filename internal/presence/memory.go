package presence

import (
	"context"
	"sync"
)

// MemoryCounter is a single-process Counter
type MemoryCounter struct {
	mu     sync.Mutex
	counts map[string]int64
}

func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{counts: make(map[string]int64)}
}

func (c *MemoryCounter) Incr(_ context.Context, userID string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[userID]++
	return c.counts[userID], nil
}

func (c *MemoryCounter) Decr(_ context.Context, userID string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.counts[userID]
	if !ok {
		return -1, nil
	}
	n--
	if n <= 0 {
		delete(c.counts, userID)
		return 0, nil
	}
	c.counts[userID] = n
	return n, nil
}

func (c *MemoryCounter) Count(_ context.Context, userID string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[userID], nil
}

func (c *MemoryCounter) Users(context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	users := make([]string, 0, len(c.counts))
	for u := range c.counts {
		users = append(users, u)
	}
	return users, nil
}
