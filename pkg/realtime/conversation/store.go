// Package conversation holds the append-only log of committed conversation
// entries.
package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrNilContent = errors.New("conversation entry content must not be nil")

// Entry is a committed conversation record. Entries are never mutated once
// appended.
type Entry struct {
	ID        string
	RoomID    string
	Content   Content
	CreatedAt time.Time
}

func (e Entry) MarshalJSON() ([]byte, error) {
	content, err := MarshalContent(e.Content)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		ID        string          `json:"id"`
		RoomID    string          `json:"room_id,omitempty"`
		Content   json.RawMessage `json:"content"`
		CreatedAt time.Time       `json:"created_at"`
	}{e.ID, e.RoomID, content, e.CreatedAt})
}

// Store is the append-only conversation log.
type Store interface {
	// Append assigns an ID and CreatedAt when missing and returns the stored entry.
	Append(ctx context.Context, entry Entry) (Entry, error)

	// All returns every entry in append order.
	All(ctx context.Context) ([]Entry, error)

	// LastN returns up to n most recent entries, oldest first.
	LastN(ctx context.Context, n int) ([]Entry, error)

	// Page returns up to limit entries starting at offset, in append order.
	Page(ctx context.Context, offset, limit int) ([]Entry, error)
}

// NewEntryID returns a fresh entry id.
func NewEntryID() string {
	return "ent_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func prepare(entry Entry, roomID string) (Entry, error) {
	if entry.Content == nil {
		return Entry{}, ErrNilContent
	}
	if strings.TrimSpace(entry.ID) == "" {
		entry.ID = NewEntryID()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.RoomID == "" {
		entry.RoomID = roomID
	}
	entry.Content = cloneContent(entry.Content)
	return entry, nil
}

func validatePage(offset, limit int) error {
	if offset < 0 {
		return fmt.Errorf("offset must be >= 0")
	}
	if limit < 0 {
		return fmt.Errorf("limit must be >= 0")
	}
	return nil
}

// MemoryStore keeps entries in process memory.
type MemoryStore struct {
	roomID string

	mu      sync.RWMutex
	entries []Entry
}

func NewMemoryStore(roomID string) *MemoryStore {
	return &MemoryStore{
		roomID:  roomID,
		entries: make([]Entry, 0, 32),
	}
}

func (s *MemoryStore) Append(ctx context.Context, entry Entry) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	stored, err := prepare(entry, s.roomID)
	if err != nil {
		return Entry{}, err
	}
	s.mu.Lock()
	s.entries = append(s.entries, stored)
	s.mu.Unlock()
	return stored, nil
}

func (s *MemoryStore) All(ctx context.Context) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot(0, len(s.entries)), nil
}

func (s *MemoryStore) LastN(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 {
		return []Entry{}, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	start := len(s.entries) - n
	if start < 0 {
		start = 0
	}
	return s.snapshot(start, len(s.entries)), nil
}

func (s *MemoryStore) Page(ctx context.Context, offset, limit int) ([]Entry, error) {
	if err := validatePage(offset, limit); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if offset >= len(s.entries) {
		return []Entry{}, nil
	}
	end := len(s.entries)
	if limit < end-offset {
		end = offset + limit
	}
	return s.snapshot(offset, end), nil
}

func (s *MemoryStore) snapshot(start, end int) []Entry {
	out := make([]Entry, 0, end-start)
	for _, e := range s.entries[start:end] {
		e.Content = cloneContent(e.Content)
		out = append(out, e)
	}
	return out
}
