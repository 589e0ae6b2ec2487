// Package reconcile merges server-confirmed session state with in-flight
// local state after a refresh, so unsaved selections and streamed content
// survive re-fetches without flashing stale variant text over fresh edits.
package reconcile

import (
	"fmt"
	"sync"

	"github.com/parleyhq/parley/internal/variant"
)

// SessionState is the mutable local view the reconciler snapshots and
// restores. The variant manager implements it.
type SessionState interface {
	MessageIDs() []uint
	Variants(messageID uint) []variant.Variant
	Selection(messageID uint) variant.Selection
	Display(messageID uint) string
	Restore(messageID uint, sel variant.Selection, display string)
	Prune(keep uint)
}

// Snapshot is a point-in-time copy of local per-message state.
type Snapshot struct {
	Variants   map[uint][]variant.Variant
	Selections map[uint]variant.Selection
	Display    map[uint]string
}

// Capture copies the current local state before a refresh.
func Capture(state SessionState) Snapshot {
	snap := Snapshot{
		Variants:   make(map[uint][]variant.Variant),
		Selections: make(map[uint]variant.Selection),
		Display:    make(map[uint]string),
	}
	for _, id := range state.MessageIDs() {
		snap.Variants[id] = state.Variants(id)
		snap.Selections[id] = state.Selection(id)
		snap.Display[id] = state.Display(id)
	}
	return snap
}

// Tracker remembers which messages had their original content edited since
// the last reconciliation pass. Marked messages keep their fresh content
// for exactly one pass instead of being overwritten from the snapshot.
type Tracker struct {
	mu     sync.Mutex
	edited map[uint]bool
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{edited: make(map[uint]bool)}
}

// MarkEdited records that a message's original content was just edited.
func (t *Tracker) MarkEdited(messageID uint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.edited[messageID] = true
}

// consume returns the marked set and clears it.
func (t *Tracker) consume() map[uint]bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.edited
	t.edited = make(map[uint]bool)
	return out
}

// Reconciler applies snapshot-and-restore merges for one session.
type Reconciler struct {
	sessionID  uint
	selections variant.SelectionStore
	tracker    *Tracker
}

// Opts holds parameters for creating a Reconciler.
type Opts struct {
	SessionID  uint
	Selections variant.SelectionStore
	Tracker    *Tracker // optional
}

// New creates a Reconciler.
func New(opts Opts) (*Reconciler, error) {
	if opts.Selections == nil {
		return nil, fmt.Errorf("reconcile: selection store is required")
	}
	tracker := opts.Tracker
	if tracker == nil {
		tracker = NewTracker()
	}
	return &Reconciler{
		sessionID:  opts.SessionID,
		selections: opts.Selections,
		tracker:    tracker,
	}, nil
}

// Tracker exposes the edited-original marker set.
func (r *Reconciler) Tracker() *Tracker {
	return r.tracker
}

// Merge restores the snapshot's selection and displayed content for every
// message present in both the snapshot and the freshly loaded state,
// except messages whose original content was just edited and messages
// whose durable selection record explicitly points at the original
// (index 0). The edited-original markers are cleared after the pass.
func (r *Reconciler) Merge(state SessionState, snap Snapshot) error {
	edited := r.tracker.consume()

	for _, id := range state.MessageIDs() {
		sel, ok := snap.Selections[id]
		if !ok {
			continue
		}
		if edited[id] {
			continue
		}
		rec, err := r.selections.Get(r.sessionID, id)
		if err != nil {
			return fmt.Errorf("reconcile: load selection for message %d: %w", id, err)
		}
		if rec != nil && rec.Index == 0 {
			// The user pinned the original; the fresh content stands.
			continue
		}
		state.Restore(id, sel, snap.Display[id])
	}
	return nil
}

// RestoreAll unconditionally rewinds local state to the snapshot. Used to
// roll back an optimistic mutation after a persistence failure.
func RestoreAll(state SessionState, snap Snapshot) {
	for id, sel := range snap.Selections {
		state.Restore(id, sel, snap.Display[id])
	}
}

// PruneToLatest drops local variant state for every message that is no
// longer the most recent assistant message.
func PruneToLatest(state SessionState, latestAssistantID uint) {
	state.Prune(latestAssistantID)
}
