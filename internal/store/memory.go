package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/SalonPipe/internal/models"
)

// InMemoryStore keeps conversations and tenants in process memory.
// Conversations are stored serialized so callers never share turn slices.
type InMemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]storedConversation
	tenants       map[string]models.Tenant
}

type storedConversation struct {
	messages  []byte
	createdAt time.Time
	updatedAt time.Time
}

var _ Store = (*InMemoryStore)(nil)

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		conversations: make(map[string]storedConversation),
		tenants:       make(map[string]models.Tenant),
	}
}

func (s *InMemoryStore) LoadConversation(ctx context.Context, customerPhone, systemPrompt string) (*models.Conversation, error) {
	s.mu.RLock()
	row, ok := s.conversations[customerPhone]
	s.mu.RUnlock()
	if !ok {
		return models.NewConversation(customerPhone, systemPrompt), nil
	}
	return decodeConversation(customerPhone, row.messages, row.createdAt, row.updatedAt)
}

func (s *InMemoryStore) SaveConversation(ctx context.Context, conv *models.Conversation) error {
	data, err := json.Marshal(conv.Turns)
	if err != nil {
		return fmt.Errorf("failed to encode conversation for %s: %w", conv.CustomerPhone, err)
	}
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	created := conv.CreatedAt
	if existing, ok := s.conversations[conv.CustomerPhone]; ok {
		created = existing.createdAt
	}
	if created.IsZero() {
		created = now
	}
	s.conversations[conv.CustomerPhone] = storedConversation{messages: data, createdAt: created, updatedAt: now}
	return nil
}

func (s *InMemoryStore) ClearConversation(ctx context.Context, customerPhone string) error {
	s.mu.Lock()
	delete(s.conversations, customerPhone)
	s.mu.Unlock()
	return nil
}

func (s *InMemoryStore) UpsertTenant(ctx context.Context, t models.Tenant) error {
	if t.ID == "" || t.BusinessPhone == "" {
		return fmt.Errorf("tenant id and business phone are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, existing := range s.tenants {
		if id != t.ID && existing.BusinessPhone == t.BusinessPhone {
			return fmt.Errorf("business phone %s already belongs to tenant %s", t.BusinessPhone, id)
		}
	}
	t.UpdatedAt = time.Now()
	s.tenants[t.ID] = t
	return nil
}

func (s *InMemoryStore) ListTenants(ctx context.Context) ([]models.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Tenant, 0, len(s.tenants))
	for _, t := range s.tenants {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) FindTenantByPhones(ctx context.Context, variants []string) (*models.Tenant, error) {
	want := make(map[string]bool, len(variants))
	for _, v := range variants {
		want[v] = true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *models.Tenant
	for _, t := range s.tenants {
		if !want[t.BusinessPhone] {
			continue
		}
		t := t
		if best == nil || preferTenant(t, *best) {
			best = &t
		}
	}
	if best == nil {
		return nil, models.ErrTenantNotFound
	}
	return best, nil
}

func (s *InMemoryStore) Close() error { return nil }

// preferTenant orders matches the same way the SQL backends do.
func preferTenant(a, b models.Tenant) bool {
	if a.Active != b.Active {
		return a.Active
	}
	return a.UpdatedAt.After(b.UpdatedAt)
}
