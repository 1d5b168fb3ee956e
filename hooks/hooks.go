package hooks

import (
	"context"
	"sync"

	"github.com/youssefsiam38/chatcompact/compaction"
)

// BeforeCompactionHook is called before a summarization cycle starts.
// Returning an error vetoes the cycle.
type BeforeCompactionHook func(ctx context.Context, threadID string, usage *compaction.Usage) error

// AfterCompactionHook is called after a summarization result was applied
type AfterCompactionHook func(ctx context.Context, threadID string, snapshot *compaction.Snapshot, artifacts []compaction.Artifact) error

// CompactionErrorHook is called when summarization fails
type CompactionErrorHook func(ctx context.Context, threadID string, err error)

// PersistHook is called after compression state was written to the thread
type PersistHook func(ctx context.Context, threadID string, state *compaction.PersistedState) error

// Registry holds all registered hooks
type Registry struct {
	mu               sync.RWMutex
	beforeCompaction []BeforeCompactionHook
	afterCompaction  []AfterCompactionHook
	compactionError  []CompactionErrorHook
	persist          []PersistHook
}

// NewRegistry creates a new hook registry
func NewRegistry() *Registry {
	return &Registry{
		beforeCompaction: []BeforeCompactionHook{},
		afterCompaction:  []AfterCompactionHook{},
		compactionError:  []CompactionErrorHook{},
		persist:          []PersistHook{},
	}
}

// OnBeforeCompaction registers a hook to be called before compaction
func (r *Registry) OnBeforeCompaction(hook BeforeCompactionHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.beforeCompaction = append(r.beforeCompaction, hook)
}

// OnAfterCompaction registers a hook to be called after compaction
func (r *Registry) OnAfterCompaction(hook AfterCompactionHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.afterCompaction = append(r.afterCompaction, hook)
}

// OnCompactionError registers a hook to be called when compaction fails
func (r *Registry) OnCompactionError(hook CompactionErrorHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.compactionError = append(r.compactionError, hook)
}

// OnPersist registers a hook to be called after state is persisted
func (r *Registry) OnPersist(hook PersistHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.persist = append(r.persist, hook)
}

// TriggerBeforeCompaction calls all registered before-compaction hooks.
// The first error stops the chain and is returned.
func (r *Registry) TriggerBeforeCompaction(ctx context.Context, threadID string, usage *compaction.Usage) error {
	r.mu.RLock()
	hooks := make([]BeforeCompactionHook, len(r.beforeCompaction))
	copy(hooks, r.beforeCompaction)
	r.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(ctx, threadID, usage); err != nil {
			return err
		}
	}
	return nil
}

// TriggerAfterCompaction calls all registered after-compaction hooks
func (r *Registry) TriggerAfterCompaction(ctx context.Context, threadID string, snapshot *compaction.Snapshot, artifacts []compaction.Artifact) error {
	r.mu.RLock()
	hooks := make([]AfterCompactionHook, len(r.afterCompaction))
	copy(hooks, r.afterCompaction)
	r.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(ctx, threadID, snapshot, artifacts); err != nil {
			return err
		}
	}
	return nil
}

// TriggerCompactionError calls all registered compaction-error hooks
func (r *Registry) TriggerCompactionError(ctx context.Context, threadID string, err error) {
	r.mu.RLock()
	hooks := make([]CompactionErrorHook, len(r.compactionError))
	copy(hooks, r.compactionError)
	r.mu.RUnlock()

	for _, hook := range hooks {
		hook(ctx, threadID, err)
	}
}

// TriggerPersist calls all registered persist hooks
func (r *Registry) TriggerPersist(ctx context.Context, threadID string, state *compaction.PersistedState) error {
	r.mu.RLock()
	hooks := make([]PersistHook, len(r.persist))
	copy(hooks, r.persist)
	r.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(ctx, threadID, state); err != nil {
			return err
		}
	}
	return nil
}
