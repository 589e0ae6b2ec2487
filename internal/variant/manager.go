// Package variant implements the per-message state machine for alternate
// assistant responses: generation with a single-flight guard, navigation,
// selection durability, commit, and discard.
package variant

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"github.com/parleyhq/parley/internal/models"
	"github.com/parleyhq/parley/internal/provider"
)

// State is the per-message variant lifecycle state.
type State int

const (
	StateNone State = iota
	StatePlaceholder
	StateStreaming
	StateCommitted
	StateDiscarded
)

func (s State) String() string {
	switch s {
	case StatePlaceholder:
		return "placeholder"
	case StateStreaming:
		return "streaming"
	case StateCommitted:
		return "committed"
	case StateDiscarded:
		return "discarded"
	default:
		return "none"
	}
}

// Direction selects which way Navigate cycles.
type Direction int

const (
	Prev Direction = iota
	Next
)

// ErrBusy reports a generate call while one is already in flight for the
// same message. Callers treat it as a no-op.
var ErrBusy = errors.New("variant: generation already in flight")

// Variant is the in-memory view of an alternate response. Pending marks a
// placeholder that has not been persisted yet; its ID is synthetic until
// the upstream response is committed.
type Variant struct {
	ID      string
	Content string
	Version int
	Pending bool
}

// Manager owns variant state for one chat session. It is constructed on
// session load and discarded on navigation away; there is no global state.
type Manager struct {
	mu         sync.Mutex
	sessionID  uint
	selections SelectionStore
	variants   VariantStore
	messages   MessageStore
	hub        *Hub

	states   map[uint]State
	local    map[uint][]Variant
	display  map[uint]string
	selected map[uint]Selection
	aborts   map[uint]context.CancelFunc
}

// Opts holds parameters for creating a Manager.
type Opts struct {
	SessionID  uint
	Selections SelectionStore
	Variants   VariantStore
	Messages   MessageStore
	Hub        *Hub // optional
}

// NewManager creates a Manager for one session.
func NewManager(opts Opts) (*Manager, error) {
	if opts.Selections == nil {
		return nil, fmt.Errorf("variant: selection store is required")
	}
	if opts.Variants == nil {
		return nil, fmt.Errorf("variant: variant store is required")
	}
	if opts.Messages == nil {
		return nil, fmt.Errorf("variant: message store is required")
	}
	hub := opts.Hub
	if hub == nil {
		hub = NewHub()
	}
	return &Manager{
		sessionID:  opts.SessionID,
		selections: opts.Selections,
		variants:   opts.Variants,
		messages:   opts.Messages,
		hub:        hub,
		states:     make(map[uint]State),
		local:      make(map[uint][]Variant),
		display:    make(map[uint]string),
		selected:   make(map[uint]Selection),
		aborts:     make(map[uint]context.CancelFunc),
	}, nil
}

// Hub returns the manager's event hub for subscribing.
func (m *Manager) Hub() *Hub {
	return m.hub
}

// Load installs the persisted variants for a message and resolves its
// displayed selection against the durable selection record.
func (m *Manager) Load(messageID uint, persisted []models.MessageVariant) error {
	local := make([]Variant, len(persisted))
	for i, v := range persisted {
		local[i] = Variant{
			ID:      strconv.FormatUint(uint64(v.ID), 10),
			Content: v.Content,
			Version: v.Version,
		}
	}

	sel, err := m.ResolveSelection(messageID, len(local))
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.local[messageID] = local
	m.selected[messageID] = sel
	if len(local) > 0 {
		m.states[messageID] = StateCommitted
	} else {
		m.states[messageID] = StateNone
	}
	m.mu.Unlock()

	return m.refreshDisplay(messageID, sel.Index)
}

// ResolveSelection reconciles the durable selection record against the
// live variant count: no record selects the latest, a stale count selects
// the latest, otherwise the stored index wins (clamped to the valid range).
func (m *Manager) ResolveSelection(messageID uint, liveCount int) (Selection, error) {
	rec, err := m.selections.Get(m.sessionID, messageID)
	if err != nil {
		return Selection{}, fmt.Errorf("variant: load selection: %w", err)
	}
	if rec == nil {
		return Selection{Index: liveCount, Count: liveCount}, nil
	}
	if rec.Count != liveCount {
		// Stale record: the variant set changed since it was saved.
		return Selection{Index: liveCount, Count: liveCount}, nil
	}
	idx := rec.Index
	if idx < 0 {
		idx = 0
	}
	if idx > liveCount {
		idx = liveCount
	}
	return Selection{Index: idx, Count: liveCount}, nil
}

// Generate produces a new variant for a message. It appends a zero-content
// placeholder, persists the new selection, then runs gen, mirroring deltas
// into the displayed content. On success the placeholder is replaced in
// place by the persisted variant; on abort or upstream failure it is
// removed and the selection falls back to the previous latest. At most one
// generation per message may be in flight; concurrent calls return ErrBusy.
// Generate blocks until the generation settles; run it on its own
// goroutine and cancel through Abort.
func (m *Manager) Generate(ctx context.Context, messageID uint, gen GenerateFunc) (Variant, error) {
	m.mu.Lock()
	switch m.states[messageID] {
	case StatePlaceholder, StateStreaming:
		m.mu.Unlock()
		return Variant{}, ErrBusy
	}

	prevCount := len(m.local[messageID])
	placeholder := Variant{
		ID:      uuid.NewString(),
		Version: prevCount + 1,
		Pending: true,
	}
	m.local[messageID] = append(m.local[messageID], placeholder)
	count := prevCount + 1
	m.selected[messageID] = Selection{Index: count, Count: count}
	m.states[messageID] = StatePlaceholder
	m.display[messageID] = ""

	genCtx, cancel := context.WithCancel(ctx)
	m.aborts[messageID] = cancel
	m.mu.Unlock()
	defer cancel()

	if err := m.selections.Set(m.sessionID, messageID, count, count); err != nil {
		m.discardAttempt(messageID, prevCount)
		return Variant{}, fmt.Errorf("variant: persist selection: %w", err)
	}

	m.publishState(messageID, StatePlaceholder)
	m.publishSelection(messageID)

	content, err := gen(genCtx, func(delta, total string) {
		m.mu.Lock()
		first := m.states[messageID] == StatePlaceholder
		if first {
			m.states[messageID] = StateStreaming
		}
		m.display[messageID] = total
		m.mu.Unlock()
		if first {
			m.publishState(messageID, StateStreaming)
		}
		m.hub.Publish(Event{Type: EventDelta, MessageID: messageID, Content: total})
	})

	// A stream that died after partial content is kept: the partial text
	// becomes the variant and the next refresh reconciles.
	soft := errors.Is(err, provider.ErrInterrupted) && content != ""
	if err != nil && !soft {
		m.discardAttempt(messageID, prevCount)
		return Variant{}, err
	}

	persisted, perr := m.variants.Create(messageID, content, prevCount+1)
	if perr != nil {
		m.discardAttempt(messageID, prevCount)
		return Variant{}, fmt.Errorf("variant: persist variant: %w", perr)
	}

	committed := Variant{
		ID:      strconv.FormatUint(uint64(persisted.ID), 10),
		Content: content,
		Version: persisted.Version,
	}

	m.mu.Lock()
	vs := m.local[messageID]
	if len(vs) > 0 && vs[len(vs)-1].Pending {
		vs[len(vs)-1] = committed
	}
	// Already-rendered content stays as-is; only the record changes.
	m.states[messageID] = StateCommitted
	m.display[messageID] = content
	delete(m.aborts, messageID)
	m.mu.Unlock()

	m.publishState(messageID, StateCommitted)
	return committed, nil
}

// Abort cancels an in-flight generation for a message, if any.
func (m *Manager) Abort(messageID uint) {
	m.mu.Lock()
	cancel := m.aborts[messageID]
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// discardAttempt removes the placeholder for a failed or aborted attempt
// and points the selection back at the previous latest variant, or the
// original content when none remain.
func (m *Manager) discardAttempt(messageID uint, prevCount int) {
	m.mu.Lock()
	vs := m.local[messageID]
	if len(vs) > 0 && vs[len(vs)-1].Pending {
		m.local[messageID] = vs[:len(vs)-1]
	}
	m.selected[messageID] = Selection{Index: prevCount, Count: prevCount}
	m.states[messageID] = StateDiscarded
	delete(m.aborts, messageID)
	m.mu.Unlock()

	// Best-effort: the discarded attempt must not leave a dangling record.
	m.selections.Set(m.sessionID, messageID, prevCount, prevCount)
	m.refreshDisplay(messageID, prevCount)
	m.publishState(messageID, StateDiscarded)
	m.publishSelection(messageID)
}

// Navigate cycles the selection index for a message, wrapping modulo
// variantCount+1. Index 0 displays the original content. Navigation is
// rejected while a generation is in flight.
func (m *Manager) Navigate(messageID uint, dir Direction) (Selection, error) {
	m.mu.Lock()
	switch m.states[messageID] {
	case StatePlaceholder, StateStreaming:
		m.mu.Unlock()
		return Selection{}, ErrBusy
	}
	count := len(m.local[messageID])
	sel := m.selected[messageID]
	mod := count + 1
	switch dir {
	case Next:
		sel.Index = (sel.Index + 1) % mod
	case Prev:
		sel.Index = (sel.Index - 1 + mod) % mod
	}
	sel.Count = count
	m.selected[messageID] = sel
	m.mu.Unlock()

	if err := m.refreshDisplay(messageID, sel.Index); err != nil {
		return Selection{}, err
	}
	if err := m.selections.Set(m.sessionID, messageID, sel.Index, sel.Count); err != nil {
		return Selection{}, fmt.Errorf("variant: persist selection: %w", err)
	}
	m.publishSelection(messageID)
	return sel, nil
}

// Select points the selection at an explicit index, persists it, and
// updates the displayed content. Rejected while a generation is in flight.
func (m *Manager) Select(messageID uint, index int) (Selection, error) {
	m.mu.Lock()
	switch m.states[messageID] {
	case StatePlaceholder, StateStreaming:
		m.mu.Unlock()
		return Selection{}, ErrBusy
	}
	count := len(m.local[messageID])
	if index < 0 || index > count {
		m.mu.Unlock()
		return Selection{}, fmt.Errorf("variant: selection index %d out of range [0,%d]", index, count)
	}
	sel := Selection{Index: index, Count: count}
	m.selected[messageID] = sel
	m.mu.Unlock()

	if err := m.refreshDisplay(messageID, index); err != nil {
		return Selection{}, err
	}
	if err := m.selections.Set(m.sessionID, messageID, sel.Index, sel.Count); err != nil {
		return Selection{}, fmt.Errorf("variant: persist selection: %w", err)
	}
	m.publishSelection(messageID)
	return sel, nil
}

// Commit promotes the selected variant to the message's canonical content
// and discards all alternatives. Selecting index 0 is a no-op: the
// original is already canonical. Rejected while a generation is in flight,
// since the selection then points at a pending placeholder.
func (m *Manager) Commit(messageID uint) error {
	m.mu.Lock()
	switch m.states[messageID] {
	case StatePlaceholder, StateStreaming:
		m.mu.Unlock()
		return ErrBusy
	}
	sel := m.selected[messageID]
	vs := m.local[messageID]
	if sel.Index == 0 {
		m.mu.Unlock()
		return nil
	}
	if sel.Index > len(vs) {
		m.mu.Unlock()
		return fmt.Errorf("variant: selection index %d out of range", sel.Index)
	}
	content := vs[sel.Index-1].Content
	m.mu.Unlock()

	if err := m.messages.UpdateContent(messageID, content); err != nil {
		// No local state was touched; the pre-commit view stands.
		return fmt.Errorf("variant: promote content: %w", err)
	}
	return m.DiscardAll(messageID)
}

// DiscardAll deletes every variant for a message and clears its selection
// record. Invoked whenever a new user turn is appended, since only the
// latest assistant message may carry variants.
func (m *Manager) DiscardAll(messageID uint) error {
	// A new user turn supersedes any in-flight attempt.
	m.Abort(messageID)

	if err := m.variants.DeleteAll(messageID); err != nil {
		return fmt.Errorf("variant: delete variants: %w", err)
	}
	if err := m.selections.Clear(m.sessionID, messageID); err != nil {
		return fmt.Errorf("variant: clear selection: %w", err)
	}

	m.mu.Lock()
	delete(m.local, messageID)
	delete(m.selected, messageID)
	delete(m.display, messageID)
	m.states[messageID] = StateNone
	m.mu.Unlock()

	m.refreshDisplay(messageID, 0)
	m.publishState(messageID, StateNone)
	return nil
}

// Prune drops in-memory state for every message except keep. It enforces
// the invariant that only the most recent assistant message owns variants.
func (m *Manager) Prune(keep uint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id := range m.local {
		if id != keep {
			delete(m.local, id)
			delete(m.selected, id)
			delete(m.display, id)
			delete(m.states, id)
		}
	}
}

// State returns the lifecycle state for a message.
func (m *Manager) State(messageID uint) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[messageID]
}

// Busy reports whether any generation is in flight.
func (m *Manager) Busy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.states {
		if s == StatePlaceholder || s == StateStreaming {
			return true
		}
	}
	return false
}

// Variants returns a copy of the in-memory variant list for a message.
func (m *Manager) Variants(messageID uint) []Variant {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Variant, len(m.local[messageID]))
	copy(out, m.local[messageID])
	return out
}

// Selection returns the current selection for a message.
func (m *Manager) Selection(messageID uint) Selection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selected[messageID]
}

// Display returns the displayed content for a message.
func (m *Manager) Display(messageID uint) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.display[messageID]
}

// MessageIDs returns every message id with in-memory variant state.
func (m *Manager) MessageIDs() []uint {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]uint, 0, len(m.local))
	for id := range m.local {
		ids = append(ids, id)
	}
	return ids
}

// Restore overwrites the in-memory selection and display for a message.
// The reconciliation layer uses this after a refresh.
func (m *Manager) Restore(messageID uint, sel Selection, display string) {
	m.mu.Lock()
	m.selected[messageID] = sel
	m.display[messageID] = display
	m.mu.Unlock()
	m.publishSelection(messageID)
}

// refreshDisplay recomputes the displayed content from a selection index.
func (m *Manager) refreshDisplay(messageID uint, index int) error {
	var content string
	if index == 0 {
		msg, err := m.messages.Get(messageID)
		if err != nil {
			return fmt.Errorf("variant: load message: %w", err)
		}
		if msg != nil {
			content = msg.Content
		}
	} else {
		m.mu.Lock()
		vs := m.local[messageID]
		if index-1 < len(vs) {
			content = vs[index-1].Content
		}
		m.mu.Unlock()
	}

	m.mu.Lock()
	m.display[messageID] = content
	m.mu.Unlock()
	return nil
}

func (m *Manager) publishState(messageID uint, s State) {
	m.hub.Publish(Event{Type: EventState, MessageID: messageID, State: s})
}

func (m *Manager) publishSelection(messageID uint) {
	m.mu.Lock()
	sel := m.selected[messageID]
	content := m.display[messageID]
	m.mu.Unlock()
	m.hub.Publish(Event{Type: EventSelection, MessageID: messageID, Selection: sel, Content: content})
}
