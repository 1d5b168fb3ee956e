package storage

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/youssefsiam38/chatcompact/types"
)

// ErrThreadNotFound is returned when a thread does not exist.
var ErrThreadNotFound = errors.New("thread not found")

// ThreadStore defines the storage interface for conversation threads.
//
// A thread is created implicitly by the first SaveMessages or SetMetadata
// call. Implementations assume a single writer per thread id.
type ThreadStore interface {
	// GetThread returns the transcript and metadata of a thread.
	GetThread(ctx context.Context, threadID string) (*Thread, error)

	// SaveMessages replaces the stored transcript of a thread.
	SaveMessages(ctx context.Context, threadID string, messages []*types.Message) error

	// SetMetadata writes one thread metadata key. A nil value deletes it.
	SetMetadata(ctx context.Context, threadID, key string, value json.RawMessage) error
}

// Thread represents a stored conversation thread
type Thread struct {
	ID        string                     `json:"id"`
	Messages  []*types.Message           `json:"messages"`
	Metadata  map[string]json.RawMessage `json:"metadata"`
	UpdatedAt time.Time                  `json:"updated_at"`
}

// MemoryStore implements ThreadStore in process memory. Values are copied
// on the way in and out so callers never share state with the store.
type MemoryStore struct {
	mu      sync.RWMutex
	threads map[string]*Thread
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads: make(map[string]*Thread),
		now:     time.Now,
	}
}

// GetThread returns a copy of the thread.
func (s *MemoryStore) GetThread(_ context.Context, threadID string) (*Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.threads[threadID]
	if !ok {
		return nil, ErrThreadNotFound
	}
	return cloneThread(t), nil
}

// SaveMessages replaces the transcript of a thread.
func (s *MemoryStore) SaveMessages(_ context.Context, threadID string, messages []*types.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.getOrCreate(threadID)
	t.Messages = cloneMessages(messages)
	t.UpdatedAt = s.now()
	return nil
}

// SetMetadata writes or deletes one metadata key.
func (s *MemoryStore) SetMetadata(_ context.Context, threadID, key string, value json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.getOrCreate(threadID)
	if value == nil {
		delete(t.Metadata, key)
	} else {
		t.Metadata[key] = append(json.RawMessage(nil), value...)
	}
	t.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) getOrCreate(threadID string) *Thread {
	t, ok := s.threads[threadID]
	if !ok {
		t = &Thread{ID: threadID, Metadata: make(map[string]json.RawMessage)}
		s.threads[threadID] = t
	}
	return t
}

func cloneThread(t *Thread) *Thread {
	out := &Thread{
		ID:        t.ID,
		Messages:  cloneMessages(t.Messages),
		Metadata:  make(map[string]json.RawMessage, len(t.Metadata)),
		UpdatedAt: t.UpdatedAt,
	}
	for k, v := range t.Metadata {
		out.Metadata[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

func cloneMessages(msgs []*types.Message) []*types.Message {
	if msgs == nil {
		return nil
	}
	out := make([]*types.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}
