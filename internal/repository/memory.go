package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/locolive/relay/internal/domain"
)

// MemoryStore is an in-process store for development and tests
type MemoryStore struct {
	mu       sync.RWMutex
	seq      int64
	byID     map[int64]*domain.Notification
	byDedup  map[string]int64
	devices  map[string]string // token -> user
	deviceAt map[string]time.Time
	now      func() time.Time
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:     make(map[int64]*domain.Notification),
		byDedup:  make(map[string]int64),
		devices:  make(map[string]string),
		deviceAt: make(map[string]time.Time),
		now:      time.Now,
	}
}

func (s *MemoryStore) Append(_ context.Context, n *domain.Notification) (*domain.Notification, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dedupKey := n.DedupKey
	if dedupKey == "" {
		dedupKey = uuid.NewString()
	}
	if id, ok := s.byDedup[dedupKey]; ok {
		return clone(s.byID[id]), false, nil
	}

	s.seq++
	stored := &domain.Notification{
		ID:          s.seq,
		RecipientID: n.RecipientID,
		SenderID:    n.SenderID,
		Type:        n.Type,
		Message:     n.Message,
		ResourceID:  n.ResourceID,
		CreatedAt:   s.now().UTC(),
		DedupKey:    dedupKey,
	}
	s.byID[stored.ID] = stored
	s.byDedup[dedupKey] = stored.ID

	return clone(stored), true, nil
}

func (s *MemoryStore) ListForRecipient(_ context.Context, recipientID string, limit, offset int) ([]*domain.Notification, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	s.mu.RLock()
	matched := make([]*domain.Notification, 0)
	for _, n := range s.byID {
		if n.RecipientID == recipientID {
			matched = append(matched, clone(n))
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID > matched[j].ID
	})

	if offset >= len(matched) {
		return []*domain.Notification{}, nil
	}
	end := offset + limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], nil
}

func (s *MemoryStore) MarkRead(_ context.Context, recipientID string, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n, ok := s.byID[id]; ok && n.RecipientID == recipientID {
		n.IsRead = true
	}
	return nil
}

func (s *MemoryStore) CountUnread(_ context.Context, recipientID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, n := range s.byID {
		if n.RecipientID == recipientID && !n.IsRead {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) PruneRead(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for id, n := range s.byID {
		if n.IsRead && n.CreatedAt.Before(cutoff) {
			delete(s.byID, id)
			delete(s.byDedup, n.DedupKey)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) SaveDeviceToken(_ context.Context, userID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[token] = userID
	s.deviceAt[token] = s.now()
	return nil
}

func (s *MemoryStore) DeviceTokens(_ context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tokens := make([]string, 0)
	for token, owner := range s.devices {
		if owner == userID {
			tokens = append(tokens, token)
		}
	}
	sort.Slice(tokens, func(i, j int) bool {
		return s.deviceAt[tokens[i]].After(s.deviceAt[tokens[j]])
	})
	return tokens, nil
}

func (s *MemoryStore) DeleteDeviceToken(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.devices, token)
	delete(s.deviceAt, token)
	return nil
}

// Ping always succeeds
func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

func clone(n *domain.Notification) *domain.Notification {
	c := *n
	if n.ResourceID != nil {
		r := *n.ResourceID
		c.ResourceID = &r
	}
	return &c
}
