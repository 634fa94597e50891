package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fuomag9/linkrelay/internal/models"
)

// MemoryStore keeps codes and links in process memory. State is lost on restart.
type MemoryStore struct {
	mu    sync.Mutex
	codes map[string]models.LinkingCode
	links map[int64]models.IdentityLink
	now   func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		codes: make(map[string]models.LinkingCode),
		links: make(map[int64]models.IdentityLink),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) SaveCode(ctx context.Context, code models.LinkingCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if code.CreatedAt.IsZero() {
		code.CreatedAt = s.now()
	}
	s.codes[code.Code] = code
	return nil
}

func (s *MemoryStore) TakeCode(ctx context.Context, code string) (models.LinkingCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.codes[code]
	if !ok {
		return models.LinkingCode{}, ErrNotFound
	}
	delete(s.codes, code)
	return rec, nil
}

func (s *MemoryStore) DeleteExpiredCodes(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, rec := range s.codes {
		if rec.Expired(now) {
			delete(s.codes, k)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) PutLink(ctx context.Context, link models.IdentityLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if existing, ok := s.links[link.ChatID]; ok {
		link.CreatedAt = existing.CreatedAt
	} else if link.CreatedAt.IsZero() {
		link.CreatedAt = now
	}
	link.UpdatedAt = now
	s.links[link.ChatID] = link
	return nil
}

func (s *MemoryStore) GetLink(ctx context.Context, chatID int64) (models.IdentityLink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	link, ok := s.links[chatID]
	if !ok {
		return models.IdentityLink{}, ErrNotFound
	}
	return link, nil
}

func (s *MemoryStore) FindLinkByUserID(ctx context.Context, userID string) (models.IdentityLink, error) {
	links, _ := s.ListLinks(ctx)
	for _, link := range links {
		if link.UserID == userID {
			return link, nil
		}
	}
	return models.IdentityLink{}, ErrNotFound
}

func (s *MemoryStore) DeleteLink(ctx context.Context, chatID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.links, chatID)
	return nil
}

func (s *MemoryStore) ListLinks(ctx context.Context) ([]models.IdentityLink, error) {
	s.mu.Lock()
	out := make([]models.IdentityLink, 0, len(s.links))
	for _, link := range s.links {
		out = append(out, link)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ChatID < out[j].ChatID })
	return out, nil
}

func (s *MemoryStore) UpdateCredentials(ctx context.Context, chatID int64, creds models.Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	link, ok := s.links[chatID]
	if !ok {
		return ErrNotFound
	}
	link.ApplyCredentials(creds)
	link.UpdatedAt = s.now()
	s.links[chatID] = link
	return nil
}

func (s *MemoryStore) SetLastAttempt(ctx context.Context, chatID int64, attemptID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	link, ok := s.links[chatID]
	if !ok {
		return ErrNotFound
	}
	link.LastAttemptID = attemptID
	link.UpdatedAt = s.now()
	s.links[chatID] = link
	return nil
}
