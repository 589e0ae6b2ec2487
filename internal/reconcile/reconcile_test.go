package reconcile

import (
	"testing"

	"github.com/parleyhq/parley/internal/variant"
)

// fakeState is a minimal SessionState for exercising merges.
type fakeState struct {
	variants   map[uint][]variant.Variant
	selections map[uint]variant.Selection
	display    map[uint]string
	restored   []uint
}

func newFakeState() *fakeState {
	return &fakeState{
		variants:   make(map[uint][]variant.Variant),
		selections: make(map[uint]variant.Selection),
		display:    make(map[uint]string),
	}
}

func (s *fakeState) MessageIDs() []uint {
	ids := make([]uint, 0, len(s.variants))
	for id := range s.variants {
		ids = append(ids, id)
	}
	return ids
}

func (s *fakeState) Variants(id uint) []variant.Variant  { return s.variants[id] }
func (s *fakeState) Selection(id uint) variant.Selection { return s.selections[id] }
func (s *fakeState) Display(id uint) string              { return s.display[id] }

func (s *fakeState) Restore(id uint, sel variant.Selection, display string) {
	s.selections[id] = sel
	s.display[id] = display
	s.restored = append(s.restored, id)
}

func (s *fakeState) Prune(keep uint) {
	for id := range s.variants {
		if id != keep {
			delete(s.variants, id)
			delete(s.selections, id)
			delete(s.display, id)
		}
	}
}

// memSelections is an in-memory selection store.
type memSelections struct {
	recs map[uint]variant.Selection
}

func (m *memSelections) Get(sessionID, messageID uint) (*variant.Selection, error) {
	rec, ok := m.recs[messageID]
	if !ok {
		return nil, nil
	}
	out := rec
	return &out, nil
}

func (m *memSelections) Set(sessionID, messageID uint, index, count int) error {
	m.recs[messageID] = variant.Selection{Index: index, Count: count}
	return nil
}

func (m *memSelections) Clear(sessionID, messageID uint) error {
	delete(m.recs, messageID)
	return nil
}

func newReconciler(t *testing.T, sels *memSelections) *Reconciler {
	t.Helper()
	r, err := New(Opts{SessionID: 1, Selections: sels})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func seeded(id uint, display string, sel variant.Selection) *fakeState {
	s := newFakeState()
	s.variants[id] = []variant.Variant{{ID: "1", Content: display, Version: 1}}
	s.selections[id] = sel
	s.display[id] = display
	return s
}

func TestCapture_CopiesState(t *testing.T) {
	s := seeded(7, "local-draft", variant.Selection{Index: 1, Count: 1})
	snap := Capture(s)

	s.display[7] = "changed-after"
	if snap.Display[7] != "local-draft" {
		t.Errorf("snapshot display = %q, want copy %q", snap.Display[7], "local-draft")
	}
	if snap.Selections[7].Index != 1 {
		t.Errorf("snapshot selection = %+v, want {1 1}", snap.Selections[7])
	}
}

func TestMerge_RestoresSnapshotSelection(t *testing.T) {
	sels := &memSelections{recs: make(map[uint]variant.Selection)}
	r := newReconciler(t, sels)

	// Local state had variant 1 selected before the refresh.
	before := seeded(7, "variant-one", variant.Selection{Index: 1, Count: 1})
	snap := Capture(before)

	// Fresh load reset the message to server-confirmed defaults.
	fresh := seeded(7, "server-content", variant.Selection{Index: 0, Count: 1})

	if err := r.Merge(fresh, snap); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if fresh.display[7] != "variant-one" {
		t.Errorf("display = %q, want restored %q", fresh.display[7], "variant-one")
	}
	if fresh.selections[7].Index != 1 {
		t.Errorf("selection index = %d, want 1", fresh.selections[7].Index)
	}
}

func TestMerge_SkipsEditedOriginal(t *testing.T) {
	sels := &memSelections{recs: make(map[uint]variant.Selection)}
	r := newReconciler(t, sels)

	snap := Capture(seeded(7, "stale-variant", variant.Selection{Index: 1, Count: 1}))
	fresh := seeded(7, "freshly-edited", variant.Selection{Index: 0, Count: 1})

	r.Tracker().MarkEdited(7)
	if err := r.Merge(fresh, snap); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if fresh.display[7] != "freshly-edited" {
		t.Errorf("display = %q, fresh edit must not be overwritten", fresh.display[7])
	}

	// The marker is cleared after one pass: the next merge restores.
	if err := r.Merge(fresh, snap); err != nil {
		t.Fatalf("second Merge: %v", err)
	}
	if fresh.display[7] != "stale-variant" {
		t.Errorf("display after second pass = %q, want restored", fresh.display[7])
	}
}

func TestMerge_SkipsPinnedOriginal(t *testing.T) {
	sels := &memSelections{recs: map[uint]variant.Selection{
		7: {Index: 0, Count: 1}, // durable record pins the original
	}}
	r := newReconciler(t, sels)

	snap := Capture(seeded(7, "variant-content", variant.Selection{Index: 1, Count: 1}))
	fresh := seeded(7, "original-content", variant.Selection{Index: 0, Count: 1})

	if err := r.Merge(fresh, snap); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if fresh.display[7] != "original-content" {
		t.Errorf("display = %q, pinned original must stand", fresh.display[7])
	}
}

func TestMerge_IgnoresMessagesMissingFromSnapshot(t *testing.T) {
	sels := &memSelections{recs: make(map[uint]variant.Selection)}
	r := newReconciler(t, sels)

	snap := Capture(newFakeState()) // empty
	fresh := seeded(9, "brand-new", variant.Selection{Index: 1, Count: 1})

	if err := r.Merge(fresh, snap); err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if len(fresh.restored) != 0 {
		t.Errorf("restored %v, want nothing", fresh.restored)
	}
}

func TestRestoreAll_RollsBackOptimisticChange(t *testing.T) {
	state := seeded(7, "known-good", variant.Selection{Index: 1, Count: 1})
	snap := Capture(state)

	// Optimistic mutation that will fail server-side.
	state.selections[7] = variant.Selection{Index: 0, Count: 1}
	state.display[7] = "tentative"

	RestoreAll(state, snap)
	if state.display[7] != "known-good" {
		t.Errorf("display = %q, want rollback to %q", state.display[7], "known-good")
	}
	if state.selections[7].Index != 1 {
		t.Errorf("selection index = %d, want 1", state.selections[7].Index)
	}
}

func TestPruneToLatest(t *testing.T) {
	state := seeded(7, "old", variant.Selection{Index: 1, Count: 1})
	state.variants[9] = []variant.Variant{{ID: "2", Content: "latest", Version: 1}}
	state.selections[9] = variant.Selection{Index: 1, Count: 1}
	state.display[9] = "latest"

	PruneToLatest(state, 9)
	if _, ok := state.variants[7]; ok {
		t.Error("variants for non-latest message not pruned")
	}
	if _, ok := state.variants[9]; !ok {
		t.Error("latest assistant message was pruned")
	}
}
