package storage

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	// ErrSignupNotFound is returned when no signup exists with the given ID.
	ErrSignupNotFound = errors.New("signup not found")
	// ErrInvalidSignup is returned when a signup is missing a name or a song.
	ErrInvalidSignup = errors.New("signup requires a non-empty name and song")
	// ErrInvalidSongs is returned when a song catalog update contains no usable titles.
	ErrInvalidSongs = errors.New("song catalog must contain at least one non-empty title")
)

// Signup is one queue entry on the signup board.
type Signup struct {
	ID         int64     `json:"id"`
	CreatedAt  time.Time `json:"createdAt"`
	Name       string    `json:"name"`
	Phone      string    `json:"phone,omitempty"`
	Instagram  string    `json:"instagram,omitempty"`
	Song       string    `json:"song"`
	Suggestion string    `json:"suggestion,omitempty"`
	Done       bool      `json:"done"`
}

// Store provides access to the signup queue and the song catalog.
type Store interface {
	AddSignup(ctx context.Context, s Signup) (Signup, error)
	ListSignups(ctx context.Context) ([]Signup, error)
	MarkDone(ctx context.Context, id int64) error
	RemoveSignup(ctx context.Context, id int64) error
	ListSongs(ctx context.Context) ([]string, error)
	ReplaceSongs(ctx context.Context, titles []string) error
	Close() error
}

// MemoryStore keeps signups and songs in-memory and guards access with a
// RWMutex. It is the backend when no database path is configured; nothing
// survives a restart.
type MemoryStore struct {
	mu      sync.RWMutex
	signups []Signup
	songs   []string
	nextID  int64
}

// NewMemoryStore initialises an empty store with the default song catalog.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		songs:  DefaultSongs(),
		nextID: 1,
	}
}

// AddSignup validates and appends a signup, assigning its ID.
func (m *MemoryStore) AddSignup(_ context.Context, s Signup) (Signup, error) {
	normalized, err := normalizeSignup(s)
	if err != nil {
		return Signup{}, err
	}

	m.mu.Lock()
	normalized.ID = m.nextID
	m.nextID++
	m.signups = append(m.signups, normalized)
	m.mu.Unlock()

	return normalized, nil
}

// ListSignups returns a defensive copy of the queue in arrival order.
func (m *MemoryStore) ListSignups(_ context.Context) ([]Signup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Signup, len(m.signups))
	copy(out, m.signups)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// MarkDone flags the signup with the given ID as performed.
func (m *MemoryStore) MarkDone(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.signups {
		if m.signups[i].ID == id {
			m.signups[i].Done = true
			return nil
		}
	}
	return ErrSignupNotFound
}

// RemoveSignup deletes the signup with the given ID.
func (m *MemoryStore) RemoveSignup(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.signups {
		if m.signups[i].ID == id {
			m.signups = append(m.signups[:i], m.signups[i+1:]...)
			return nil
		}
	}
	return ErrSignupNotFound
}

// ListSongs returns a defensive copy of the song catalog.
func (m *MemoryStore) ListSongs(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, len(m.songs))
	copy(out, m.songs)
	return out, nil
}

// ReplaceSongs validates, normalises, and stores the provided catalog.
func (m *MemoryStore) ReplaceSongs(_ context.Context, titles []string) error {
	normalized, err := normalizeSongs(titles)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.songs = normalized
	m.mu.Unlock()

	return nil
}

// Close is a no-op for the in-memory backend.
func (m *MemoryStore) Close() error {
	return nil
}

func normalizeSignup(s Signup) (Signup, error) {
	s.Name = strings.TrimSpace(s.Name)
	s.Phone = strings.TrimSpace(s.Phone)
	s.Instagram = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s.Instagram), "@"))
	s.Song = strings.TrimSpace(s.Song)
	s.Suggestion = strings.TrimSpace(s.Suggestion)
	if s.Name == "" || s.Song == "" {
		return Signup{}, ErrInvalidSignup
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	s.Done = false
	return s, nil
}

func normalizeSongs(titles []string) ([]string, error) {
	seen := make(map[string]struct{}, len(titles))
	out := make([]string, 0, len(titles))
	for _, title := range titles {
		title = strings.TrimSpace(title)
		if title == "" {
			continue
		}
		key := strings.ToLower(title)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, title)
	}
	if len(out) == 0 {
		return nil, ErrInvalidSongs
	}
	return out, nil
}
