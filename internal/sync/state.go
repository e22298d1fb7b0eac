package sync

import (
	"slices"
	gosync "sync"
	"time"

	"github.com/appunture/offlinesync/internal/model"
)

// SyncState is the observable projection of sync activity consumed by the
// UI (here, the CLI). Values are copies; mutate only through the engine.
type SyncState struct {
	IsOnline            bool
	AutoSync            bool
	SyncInProgress      bool
	LastSync            time.Time
	PendingOperations   int
	PendingImages       int
	QueueProcessing     bool
	FailedOperations    []*model.SyncOperation
	NotificationMessage string
}

func initialState() SyncState {
	return SyncState{IsOnline: true, AutoSync: true}
}

// StateHolder owns the current [SyncState] and notifies subscribers after
// every change. Create one with [NewStateHolder] and pass it to [NewEngine].
type StateHolder struct {
	mu     gosync.Mutex
	state  SyncState
	subs   map[uint64]func(SyncState)
	nextID uint64
}

func NewStateHolder() *StateHolder {
	return &StateHolder{state: initialState(), subs: make(map[uint64]func(SyncState))}
}

// Snapshot returns a copy of the current state.
func (h *StateHolder) Snapshot() SyncState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.copyLocked()
}

// Subscribe registers fn to receive a snapshot after every change. The
// returned function removes it and may be called more than once.
func (h *StateHolder) Subscribe(fn func(SyncState)) (unsubscribe func()) {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = fn
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}

// Reset restores the initial state. Tests only.
func (h *StateHolder) Reset() {
	h.update(func(s *SyncState) { *s = initialState() })
}

// update applies fn under the lock and notifies subscribers outside it.
func (h *StateHolder) update(fn func(s *SyncState)) {
	h.mu.Lock()
	fn(&h.state)
	snap := h.copyLocked()
	subs := make([]func(SyncState), 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		s(snap)
	}
}

// tryBeginQueue atomically sets QueueProcessing, reporting false if it was
// already set.
func (h *StateHolder) tryBeginQueue() bool {
	return h.tryBegin(func(s *SyncState) *bool { return &s.QueueProcessing })
}

func (h *StateHolder) endQueue() {
	h.update(func(s *SyncState) { s.QueueProcessing = false })
}

// tryBeginSync atomically sets SyncInProgress, reporting false if it was
// already set.
func (h *StateHolder) tryBeginSync() bool {
	return h.tryBegin(func(s *SyncState) *bool { return &s.SyncInProgress })
}

func (h *StateHolder) endSync() {
	h.update(func(s *SyncState) { s.SyncInProgress = false })
}

func (h *StateHolder) tryBegin(flag func(*SyncState) *bool) bool {
	began := false
	h.update(func(s *SyncState) {
		if f := flag(s); !*f {
			*f = true
			began = true
		}
	})
	return began
}

func (h *StateHolder) copyLocked() SyncState {
	s := h.state
	s.FailedOperations = slices.Clone(h.state.FailedOperations)
	return s
}
