package compaction

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MaxEvents caps the store's event log. The oldest entries are dropped first.
const MaxEvents = 100

// State is an immutable copy of a StateStore. Pins are ordered by PinnedAt
// then ID, artifacts by CreatedAt then ID, events oldest first.
type State struct {
	Pinned         []PinnedMessage
	Artifacts      []Artifact
	Events         []Event
	Usage          *Usage
	Metadata       ModelMetadata
	Snapshot       *Snapshot
	Config         NormalizedConfig
	ShouldCompress bool
	OverBudget     bool
	UpdatedAt      time.Time
}

// StateStore is the mutable source of truth for one chat session. Every
// mutator is narrow; callers rebuild the payload after mutating. It is safe
// for concurrent use.
type StateStore struct {
	mu sync.RWMutex

	pinned         map[string]PinnedMessage
	artifacts      map[string]Artifact
	events         []Event
	usage          *Usage
	metadata       ModelMetadata
	snapshot       *Snapshot
	config         NormalizedConfig
	shouldCompress bool
	overBudget     bool
	updatedAt      time.Time

	subscribers map[int]func(State)
	nextSubID   int

	now func() time.Time
}

// StoreOption configures a StateStore.
type StoreOption func(*StateStore)

// WithStoreClock sets the clock used for event timestamps and UpdatedAt.
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *StateStore) {
		s.now = now
	}
}

// NewStateStore creates an empty store.
func NewStateStore(opts ...StoreOption) *StateStore {
	s := &StateStore{
		now:         func() time.Time { return time.Now().UTC() },
		subscribers: make(map[int]func(State)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.resetLocked()
	return s
}

var defaultStore = NewStateStore()

// Default returns the process-wide store. Exactly one exists per process;
// call ResetDefault when switching chat sessions.
func Default() *StateStore {
	return defaultStore
}

// ResetDefault resets the process-wide store.
func ResetDefault() {
	defaultStore.Reset()
}

func (s *StateStore) resetLocked() {
	s.pinned = make(map[string]PinnedMessage)
	s.artifacts = make(map[string]Artifact)
	s.events = nil
	s.usage = nil
	s.metadata = ModelMetadata{}
	s.snapshot = nil
	s.config = DefaultNormalizedConfig()
	s.shouldCompress = false
	s.overBudget = false
	s.updatedAt = time.Time{}
}

// Reset restores every field to its default. Subscribers are kept.
func (s *StateStore) Reset() {
	s.mutate(func() bool {
		s.resetLocked()
		return true
	})
}

// Subscribe registers fn to receive a copy of the state after every change.
// The returned function removes the subscription.
//
// fn runs synchronously on the mutating goroutine once the store's lock is
// released. A caller may still hold its own locks at that point; a
// threadsync.Syncer does, so subscribers that call back into a syncer should
// use Syncer.Subscribe instead.
func (s *StateStore) Subscribe(fn func(State)) func() {
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subscribers, id)
		s.mu.Unlock()
	}
}

// mutate applies fn under the write lock and notifies subscribers when fn
// reports a change.
func (s *StateStore) mutate(fn func() bool) {
	s.mu.Lock()
	changed := fn()
	if !changed {
		s.mu.Unlock()
		return
	}
	s.updatedAt = s.now()
	subs := make([]func(State), 0, len(s.subscribers))
	for _, sub := range s.subscribers {
		subs = append(subs, sub)
	}
	state := s.stateLocked()
	s.mu.Unlock()

	for _, sub := range subs {
		sub(state)
	}
}

// Pin adds or replaces a pin. A new pin fails with ErrPinLimitReached when
// the configured limit is already used.
func (s *StateStore) Pin(p PinnedMessage) error {
	var err error
	s.mutate(func() bool {
		if _, exists := s.pinned[p.ID]; !exists {
			if limit := s.config.PinnedMessageLimit; limit > 0 && len(s.pinned) >= limit {
				err = ErrPinLimitReached
				return false
			}
		}
		if p.PinnedAt.IsZero() {
			p.PinnedAt = s.now()
		}
		if p.PinnedBy == "" {
			p.PinnedBy = PinnedByUser
		}
		s.pinned[p.ID] = p
		s.appendEventLocked(Event{Type: EventPinned, Level: LevelInfo, Payload: map[string]any{"messageId": p.ID}})
		return true
	})
	return err
}

// Unpin removes a pin and reports whether it existed.
func (s *StateStore) Unpin(id string) bool {
	removed := false
	s.mutate(func() bool {
		if _, ok := s.pinned[id]; !ok {
			return false
		}
		delete(s.pinned, id)
		s.appendEventLocked(Event{Type: EventUnpinned, Level: LevelInfo, Payload: map[string]any{"messageId": id}})
		removed = true
		return true
	})
	return removed
}

// SetPinned replaces the pinned set. The limit is not applied since the
// pins come from an existing transcript.
func (s *StateStore) SetPinned(pins []PinnedMessage) {
	s.mutate(func() bool {
		s.pinned = make(map[string]PinnedMessage, len(pins))
		for _, p := range pins {
			s.pinned[p.ID] = p
		}
		return true
	})
}

// AddArtifact adds or replaces an artifact.
func (s *StateStore) AddArtifact(a Artifact) {
	s.mutate(func() bool {
		s.artifacts[a.ID] = a
		s.appendEventLocked(Event{Type: EventArtifact, Level: LevelInfo, Payload: map[string]any{"artifactId": a.ID}})
		return true
	})
}

// UpdateArtifact applies fn to the artifact with the given ID and stamps UpdatedAt.
func (s *StateStore) UpdateArtifact(id string, fn func(*Artifact)) error {
	err := ErrArtifactNotFound
	s.mutate(func() bool {
		a, ok := s.artifacts[id]
		if !ok {
			return false
		}
		fn(&a)
		a.ID = id
		now := s.now()
		a.UpdatedAt = &now
		s.artifacts[id] = a
		err = nil
		return true
	})
	return err
}

// RemoveArtifact removes an artifact and reports whether it existed.
func (s *StateStore) RemoveArtifact(id string) bool {
	removed := false
	s.mutate(func() bool {
		if _, ok := s.artifacts[id]; !ok {
			return false
		}
		delete(s.artifacts, id)
		removed = true
		return true
	})
	return removed
}

// SetArtifacts replaces all artifacts.
func (s *StateStore) SetArtifacts(artifacts []Artifact) {
	s.mutate(func() bool {
		s.artifacts = make(map[string]Artifact, len(artifacts))
		for _, a := range artifacts {
			s.artifacts[a.ID] = a
		}
		return true
	})
}

// SetSnapshot replaces the snapshot in effect.
func (s *StateStore) SetSnapshot(snap *Snapshot) {
	s.mutate(func() bool {
		s.snapshot = deepCopy(snap)
		if snap != nil {
			s.appendEventLocked(Event{Type: EventSnapshot, Level: LevelInfo, Payload: map[string]any{"snapshotId": snap.ID}})
		}
		return true
	})
}

// SetUsage replaces the usage record and the derived flags.
func (s *StateStore) SetUsage(usage *Usage, shouldCompress, overBudget bool) {
	s.mutate(func() bool {
		s.usage = deepCopy(usage)
		s.shouldCompress = shouldCompress
		s.overBudget = overBudget
		return true
	})
}

// SetMetadata replaces the model metadata.
func (s *StateStore) SetMetadata(md ModelMetadata) {
	s.mutate(func() bool {
		s.metadata = deepCopy(md)
		return true
	})
}

// SetConfig replaces the normalized config.
func (s *StateStore) SetConfig(cfg NormalizedConfig) {
	s.mutate(func() bool {
		s.config = deepCopy(cfg)
		return true
	})
}

// AppendEvent appends an event, filling in ID and Timestamp when missing.
func (s *StateStore) AppendEvent(e Event) {
	s.mutate(func() bool {
		s.appendEventLocked(e)
		return true
	})
}

func (s *StateStore) appendEventLocked(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now()
	}
	if e.Level == "" {
		e.Level = LevelInfo
	}
	s.events = append(s.events, e)
	if over := len(s.events) - MaxEvents; over > 0 {
		s.events = append([]Event(nil), s.events[over:]...)
	}
}

// Hydrate replaces the persisted fields with a deep copy of ps. A nil ps
// clears them.
func (s *StateStore) Hydrate(ps *PersistedState) {
	s.mutate(func() bool {
		s.snapshot = nil
		s.artifacts = make(map[string]Artifact)
		s.usage = nil
		s.metadata = ModelMetadata{}
		s.shouldCompress = false
		s.overBudget = false
		if ps == nil {
			return true
		}
		c := ps.Clone()
		s.snapshot = c.Snapshot
		for _, a := range c.Artifacts {
			s.artifacts[a.ID] = a
		}
		s.usage = c.Usage
		s.metadata = c.Metadata
		s.shouldCompress = c.ShouldCompress
		s.overBudget = c.OverBudget
		s.appendEventLocked(Event{Type: EventHydrated, Level: LevelInfo})
		return true
	})
}

// Persisted derives the durable projection of the store.
func (s *StateStore) Persisted() *PersistedState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ps := &PersistedState{
		Snapshot:       s.snapshot,
		Artifacts:      s.sortedArtifactsLocked(),
		Usage:          s.usage,
		Metadata:       s.metadata,
		ShouldCompress: s.shouldCompress,
		OverBudget:     s.overBudget,
		UpdatedAt:      s.updatedAt,
	}
	return ps.Clone()
}

// Snapshot returns a copy of the current state.
func (s *StateStore) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stateLocked()
}

func (s *StateStore) stateLocked() State {
	pins := make([]PinnedMessage, 0, len(s.pinned))
	for _, p := range s.pinned {
		pins = append(pins, p)
	}
	sort.Slice(pins, func(i, j int) bool {
		if !pins[i].PinnedAt.Equal(pins[j].PinnedAt) {
			return pins[i].PinnedAt.Before(pins[j].PinnedAt)
		}
		return pins[i].ID < pins[j].ID
	})

	return State{
		Pinned:         pins,
		Artifacts:      deepCopy(s.sortedArtifactsLocked()),
		Events:         append([]Event(nil), s.events...),
		Usage:          deepCopy(s.usage),
		Metadata:       deepCopy(s.metadata),
		Snapshot:       deepCopy(s.snapshot),
		Config:         s.config,
		ShouldCompress: s.shouldCompress,
		OverBudget:     s.overBudget,
		UpdatedAt:      s.updatedAt,
	}
}

func (s *StateStore) sortedArtifactsLocked() []Artifact {
	out := make([]Artifact, 0, len(s.artifacts))
	for _, a := range s.artifacts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
