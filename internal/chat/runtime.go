// Package chat owns the per-session runtime: the send pipeline with
// history truncation, the primary response stream, variant generation for
// the latest assistant turn, and refresh reconciliation.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/parleyhq/parley/internal/models"
	"github.com/parleyhq/parley/internal/provider"
	"github.com/parleyhq/parley/internal/reconcile"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/truncate"
	"github.com/parleyhq/parley/internal/variant"
)

// ErrEmptyMessage rejects a send whose trimmed outgoing message is empty,
// before any network call.
var ErrEmptyMessage = errors.New("chat: empty outgoing message")

// ErrBusy rejects a send while the primary stream is already in flight.
var ErrBusy = errors.New("chat: primary stream already in flight")

// Completer is the provider surface the runtime needs. provider.Client
// implements it.
type Completer interface {
	Complete(ctx context.Context, req provider.Request) (string, error)
	Stream(ctx context.Context, req provider.Request, onDelta provider.DeltaFunc) (string, error)
}

// Runtime drives one chat session. It is constructed on session load and
// discarded on navigation away. Two independent cancellable operations may
// be in flight at once: the primary stream and a variant generation, each
// with its own abort handle.
type Runtime struct {
	session    *models.ChatSession
	sessions   *store.SessionStore
	messages   *store.MessageStore
	variants   *store.VariantStore
	selections *store.SelectionStore
	completer  Completer
	mgr        *variant.Manager
	rec        *reconcile.Reconciler

	temperature float64
	maxTokens   int

	mu            sync.Mutex
	primaryCancel context.CancelFunc
	primaryBusy   bool
}

// Opts holds parameters for creating a Runtime.
type Opts struct {
	Session    *models.ChatSession
	Sessions   *store.SessionStore
	Messages   *store.MessageStore
	Variants   *store.VariantStore
	Selections *store.SelectionStore
	Completer  Completer
	Hub        *variant.Hub // optional

	Temperature float64
	MaxTokens   int
}

// NewRuntime creates the runtime for a session and loads variant state for
// its latest assistant message.
func NewRuntime(opts Opts) (*Runtime, error) {
	if opts.Session == nil {
		return nil, fmt.Errorf("chat: session is required")
	}
	if opts.Sessions == nil || opts.Messages == nil || opts.Variants == nil || opts.Selections == nil {
		return nil, fmt.Errorf("chat: all stores are required")
	}
	if opts.Completer == nil {
		return nil, fmt.Errorf("chat: completer is required")
	}

	mgr, err := variant.NewManager(variant.Opts{
		SessionID:  opts.Session.ID,
		Selections: opts.Selections,
		Variants:   opts.Variants,
		Messages:   opts.Messages,
		Hub:        opts.Hub,
	})
	if err != nil {
		return nil, err
	}
	rec, err := reconcile.New(reconcile.Opts{
		SessionID:  opts.Session.ID,
		Selections: opts.Selections,
	})
	if err != nil {
		return nil, err
	}

	r := &Runtime{
		session:     opts.Session,
		sessions:    opts.Sessions,
		messages:    opts.Messages,
		variants:    opts.Variants,
		selections:  opts.Selections,
		completer:   opts.Completer,
		mgr:         mgr,
		rec:         rec,
		temperature: opts.Temperature,
		maxTokens:   opts.MaxTokens,
	}

	latest, err := r.messages.LatestAssistant(r.session.ID)
	if err != nil {
		return nil, err
	}
	if latest != nil {
		persisted, err := r.variants.List(latest.ID)
		if err != nil {
			return nil, err
		}
		if err := r.mgr.Load(latest.ID, persisted); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Session returns the session record the runtime was built for.
func (r *Runtime) Session() *models.ChatSession {
	return r.session
}

// Hub returns the event hub for subscribing to state changes and deltas.
func (r *Runtime) Hub() *variant.Hub {
	return r.mgr.Hub()
}

// Manager exposes the variant manager for navigation and commits.
func (r *Runtime) Manager() *variant.Manager {
	return r.mgr
}

// LatestAssistant returns the newest assistant message of the session, or
// nil when the session has none.
func (r *Runtime) LatestAssistant() (*models.Message, error) {
	return r.messages.LatestAssistant(r.session.ID)
}

// SendOpts controls one send through the pipeline.
type SendOpts struct {
	UserMessage string
	Stream      bool
	Temperature float64 // 0 uses the runtime default
	MaxTokens   int     // 0 uses the runtime default
	Retry       bool    // re-send the last user turn, replacing the latest assistant content
	OnDelta     provider.DeltaFunc
}

// Send runs the full pipeline: policy check, variant discard for the
// previous latest assistant message, history truncation with an ephemeral
// advisory notice, the provider request, and persistence of the assistant
// response. An aborted or interrupted stream keeps its partial content and
// is not surfaced as an error.
func (r *Runtime) Send(ctx context.Context, opts SendOpts) (*models.Message, error) {
	trimmed := strings.TrimSpace(opts.UserMessage)
	if trimmed == "" && !opts.Retry {
		return nil, ErrEmptyMessage
	}

	r.mu.Lock()
	if r.primaryBusy {
		r.mu.Unlock()
		return nil, ErrBusy
	}
	r.primaryBusy = true
	sendCtx, cancel := context.WithCancel(ctx)
	r.primaryCancel = cancel
	r.mu.Unlock()
	defer func() {
		cancel()
		r.mu.Lock()
		r.primaryBusy = false
		r.primaryCancel = nil
		r.mu.Unlock()
	}()

	var retryTarget *models.Message
	if opts.Retry {
		latest, err := r.messages.LatestAssistant(r.session.ID)
		if err != nil {
			return nil, err
		}
		if latest == nil {
			return nil, fmt.Errorf("chat: nothing to retry")
		}
		retryTarget = latest
	} else {
		// A new user turn strips variants from the previous latest
		// assistant message: only the newest assistant turn carries them.
		prev, err := r.messages.LatestAssistant(r.session.ID)
		if err != nil {
			return nil, err
		}
		if prev != nil {
			if err := r.mgr.DiscardAll(prev.ID); err != nil {
				return nil, err
			}
		}
		if _, err := r.messages.Append(r.session.ID, models.RoleUser, trimmed); err != nil {
			return nil, err
		}
	}

	outgoing, err := r.outgoingHistory(retryTarget)
	if err != nil {
		return nil, err
	}

	req := provider.Request{
		Messages:    toProviderMessages(outgoing),
		Stream:      opts.Stream,
		Temperature: r.pickTemperature(opts.Temperature),
		MaxTokens:   r.pickMaxTokens(opts.MaxTokens),
	}

	var content string
	if opts.Stream {
		content, err = r.completer.Stream(sendCtx, req, opts.OnDelta)
	} else {
		content, err = r.completer.Complete(sendCtx, req)
	}

	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		// User abort: never a failure. Partial content is kept.
		if content == "" {
			return nil, nil
		}
	case errors.Is(err, provider.ErrInterrupted):
		// Soft failure: keep the partial content, reconcile later.
		log.Printf("chat: stream interrupted for session %d, keeping %d bytes", r.session.ID, len(content))
	default:
		return nil, err
	}

	return r.persistResponse(retryTarget, content)
}

// Abort cancels the primary stream, if one is in flight.
func (r *Runtime) Abort() {
	r.mu.Lock()
	cancel := r.primaryCancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// VariantOpts controls one variant generation.
type VariantOpts struct {
	Temperature float64
	MaxTokens   int
	OnDelta     provider.DeltaFunc
}

// GenerateVariant produces an alternate response for the latest assistant
// message. It blocks until the generation settles; cancel through
// AbortVariant. Its abort handle is independent of the primary stream's.
// An aborted generation returns (nil, nil): the attempt was discarded, not
// failed.
func (r *Runtime) GenerateVariant(ctx context.Context, messageID uint, opts VariantOpts) (*variant.Variant, error) {
	target, err := r.messages.Get(messageID)
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, fmt.Errorf("chat: message %d not found", messageID)
	}
	latest, err := r.messages.LatestAssistant(r.session.ID)
	if err != nil {
		return nil, err
	}
	if latest == nil || latest.ID != messageID {
		return nil, fmt.Errorf("chat: only the latest assistant message accepts variants")
	}

	outgoing, err := r.outgoingHistory(target)
	if err != nil {
		return nil, err
	}
	req := provider.Request{
		Messages:    toProviderMessages(outgoing),
		Stream:      true,
		Temperature: r.pickTemperature(opts.Temperature),
		MaxTokens:   r.pickMaxTokens(opts.MaxTokens),
	}

	gen := func(genCtx context.Context, onDelta func(delta, total string)) (string, error) {
		return r.completer.Stream(genCtx, req, func(delta, total string) {
			onDelta(delta, total)
			if opts.OnDelta != nil {
				opts.OnDelta(delta, total)
			}
		})
	}
	v, err := r.mgr.Generate(ctx, messageID, gen)
	if errors.Is(err, context.Canceled) {
		// User abort: never a failure. The attempt is already discarded.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// AbortVariant cancels an in-flight variant generation for a message.
func (r *Runtime) AbortVariant(messageID uint) {
	r.mgr.Abort(messageID)
}

// Refresh re-fetches session state and merges it with in-flight local
// state. While a stream or generation is active the refresh is suppressed
// so it cannot clobber live content.
func (r *Runtime) Refresh() error {
	r.mu.Lock()
	busy := r.primaryBusy
	r.mu.Unlock()
	if busy || r.mgr.Busy() {
		return nil
	}

	snap := reconcile.Capture(r.mgr)

	latest, err := r.messages.LatestAssistant(r.session.ID)
	if err != nil {
		return err
	}
	if latest != nil {
		persisted, err := r.variants.List(latest.ID)
		if err != nil {
			return err
		}
		if err := r.mgr.Load(latest.ID, persisted); err != nil {
			return err
		}
		reconcile.PruneToLatest(r.mgr, latest.ID)
	} else {
		reconcile.PruneToLatest(r.mgr, 0)
	}

	return r.rec.Merge(r.mgr, snap)
}

// EditMessage replaces a message's original content. The edit is applied
// optimistically to the local view, rolled back if persistence fails, and
// marked so the next reconciliation pass does not overwrite it with stale
// variant content.
func (r *Runtime) EditMessage(messageID uint, content string) error {
	snap := reconcile.Capture(r.mgr)
	if sel := r.mgr.Selection(messageID); sel.Index == 0 {
		r.mgr.Restore(messageID, sel, content)
	}
	if err := r.messages.UpdateContent(messageID, content); err != nil {
		reconcile.RestoreAll(r.mgr, snap)
		return fmt.Errorf("chat: edit message: %w", err)
	}
	r.rec.Tracker().MarkEdited(messageID)
	return r.Refresh()
}

// DeleteMessage removes a message and refreshes local state.
func (r *Runtime) DeleteMessage(messageID uint) error {
	if err := r.mgr.DiscardAll(messageID); err != nil {
		return err
	}
	if err := r.messages.Delete(messageID); err != nil {
		return err
	}
	return r.Refresh()
}

// SetSummary updates the session summary and refreshes local state.
func (r *Runtime) SetSummary(summary string) error {
	if err := r.sessions.UpdateSummary(r.session.ID, summary); err != nil {
		return err
	}
	r.session.Summary = summary
	return r.Refresh()
}

// outgoingHistory assembles the truncated message list for one request.
// For a retry or variant generation, history stops before the assistant
// message being regenerated. The advisory notice is injected into a copy
// of the system message only when truncation removed anything.
func (r *Runtime) outgoingHistory(before *models.Message) ([]models.Message, error) {
	history, err := r.messages.History(r.session.ID)
	if err != nil {
		return nil, err
	}
	if before != nil {
		trimmed := history[:0:0]
		for _, m := range history {
			if m.Ordinal < before.Ordinal {
				trimmed = append(trimmed, m)
			}
		}
		history = trimmed
	}

	budget := truncate.ClampBudget(r.session.TruncationBudget)
	res := truncate.Truncate(history, budget)
	if res.WasTruncated {
		log.Printf("chat: truncated %d messages for session %d", res.RemovedCount, r.session.ID)
		return truncate.InjectNotice(res.Messages), nil
	}
	return res.Messages, nil
}

// persistResponse writes the assistant content: appended as a new turn, or
// replacing the retried assistant message in place.
func (r *Runtime) persistResponse(retryTarget *models.Message, content string) (*models.Message, error) {
	if retryTarget != nil {
		if err := r.messages.UpdateContent(retryTarget.ID, content); err != nil {
			return nil, err
		}
		updated, err := r.messages.Get(retryTarget.ID)
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	msg, err := r.messages.Append(r.session.ID, models.RoleAssistant, content)
	if err != nil {
		return nil, err
	}
	return msg, nil
}

func (r *Runtime) pickTemperature(override float64) float64 {
	if override != 0 {
		return override
	}
	return r.temperature
}

func (r *Runtime) pickMaxTokens(override int) int {
	if override != 0 {
		return override
	}
	return r.maxTokens
}

// toProviderMessages converts stored messages to the provider wire shape.
func toProviderMessages(msgs []models.Message) []provider.Message {
	out := make([]provider.Message, len(msgs))
	for i, m := range msgs {
		out[i] = provider.Message{Role: m.Role, Content: m.Content}
	}
	return out
}
