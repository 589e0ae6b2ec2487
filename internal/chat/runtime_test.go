package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/parleyhq/parley/internal/models"
	"github.com/parleyhq/parley/internal/provider"
	"github.com/parleyhq/parley/internal/store"
	"github.com/parleyhq/parley/internal/variant"
)

// fakeCompleter scripts provider behavior and records requests.
type fakeCompleter struct {
	stream   func(ctx context.Context, req provider.Request, onDelta provider.DeltaFunc) (string, error)
	requests []provider.Request
}

func (f *fakeCompleter) Complete(ctx context.Context, req provider.Request) (string, error) {
	return f.Stream(ctx, req, nil)
}

func (f *fakeCompleter) Stream(ctx context.Context, req provider.Request, onDelta provider.DeltaFunc) (string, error) {
	f.requests = append(f.requests, req)
	return f.stream(ctx, req, onDelta)
}

// respondWith streams the content as a single delta.
func respondWith(content string) func(ctx context.Context, req provider.Request, onDelta provider.DeltaFunc) (string, error) {
	return func(ctx context.Context, req provider.Request, onDelta provider.DeltaFunc) (string, error) {
		if onDelta != nil {
			onDelta(content, content)
		}
		return content, nil
	}
}

type env struct {
	rt        *Runtime
	completer *fakeCompleter
	sessions  *store.SessionStore
	messages  *store.MessageStore
	variants  *store.VariantStore
	session   *models.ChatSession
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := db.AutoMigrate(&models.ChatSession{}, &models.Message{}, &models.MessageVariant{}, &models.SelectionRecord{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	sessions, _ := store.NewSessionStore(db)
	messages, _ := store.NewMessageStore(db)
	variants, _ := store.NewVariantStore(db)
	selections, _ := store.NewSelectionStore(db)

	session, err := sessions.Create("test", "be terse", 30_000)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	completer := &fakeCompleter{stream: respondWith("ok")}
	rt, err := NewRuntime(Opts{
		Session:     session,
		Sessions:    sessions,
		Messages:    messages,
		Variants:    variants,
		Selections:  selections,
		Completer:   completer,
		Temperature: 0.7,
		MaxTokens:   512,
	})
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	return &env{rt: rt, completer: completer, sessions: sessions, messages: messages, variants: variants, session: session}
}

// seedTurn appends a user/assistant pair directly through the store.
func (e *env) seedTurn(t *testing.T, question, answer string) *models.Message {
	t.Helper()
	if _, err := e.messages.Append(e.session.ID, models.RoleUser, question); err != nil {
		t.Fatalf("seed user turn: %v", err)
	}
	msg, err := e.messages.Append(e.session.ID, models.RoleAssistant, answer)
	if err != nil {
		t.Fatalf("seed assistant turn: %v", err)
	}
	return msg
}

// ---------------------------------------------------------------------------
// Send pipeline
// ---------------------------------------------------------------------------

func TestSend_EmptyMessageRejectedBeforeNetwork(t *testing.T) {
	e := newEnv(t)

	_, err := e.rt.Send(context.Background(), SendOpts{UserMessage: "   \n\t "})
	if !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("err = %v, want ErrEmptyMessage", err)
	}
	if len(e.completer.requests) != 0 {
		t.Errorf("requests sent = %d, want 0", len(e.completer.requests))
	}
	history, _ := e.messages.History(e.session.ID)
	if len(history) != 1 {
		t.Errorf("history = %d messages, want only the system message", len(history))
	}
}

func TestSend_AppendsUserAndAssistantTurns(t *testing.T) {
	e := newEnv(t)
	e.completer.stream = respondWith("hello there")

	msg, err := e.rt.Send(context.Background(), SendOpts{UserMessage: "hi", Stream: true})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if msg.Role != models.RoleAssistant || msg.Content != "hello there" {
		t.Errorf("response = %+v", msg)
	}

	history, _ := e.messages.History(e.session.ID)
	if len(history) != 3 {
		t.Fatalf("history = %d messages, want 3", len(history))
	}
	if history[1].Role != models.RoleUser || history[1].Content != "hi" {
		t.Errorf("user turn = %+v", history[1])
	}
	if history[2].Ordinal != 2 {
		t.Errorf("assistant ordinal = %d, want 2", history[2].Ordinal)
	}
}

func TestSend_TruncatesAndInjectsEphemeralNotice(t *testing.T) {
	e := newEnv(t)
	// Budget is clamped to 30k; three 16k turns overflow it.
	filler := strings.Repeat("x", 16_000)
	e.seedTurn(t, filler, filler)
	e.messages.Append(e.session.ID, models.RoleUser, filler)

	if _, err := e.rt.Send(context.Background(), SendOpts{UserMessage: "latest question"}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	req := e.completer.requests[len(e.completer.requests)-1]
	if len(req.Messages) >= 5 {
		t.Errorf("outgoing messages = %d, truncation did not drop anything", len(req.Messages))
	}
	if req.Messages[0].Role != models.RoleSystem {
		t.Errorf("first outgoing role = %q, want system", req.Messages[0].Role)
	}
	if !strings.HasSuffix(req.Messages[0].Content, "context window.") {
		t.Errorf("system message missing advisory notice: %q", req.Messages[0].Content[:40])
	}

	// The notice is per-request only: persisted history is untouched.
	history, _ := e.messages.History(e.session.ID)
	if history[0].Content != "be terse" {
		t.Errorf("persisted system message = %q, want unchanged", history[0].Content)
	}
}

func TestSend_AbortKeepsPartialContent(t *testing.T) {
	e := newEnv(t)

	streaming := make(chan struct{})
	e.completer.stream = func(ctx context.Context, req provider.Request, onDelta provider.DeltaFunc) (string, error) {
		if onDelta != nil {
			onDelta("partial answer", "partial answer")
		}
		close(streaming)
		<-ctx.Done()
		return "partial answer", ctx.Err()
	}

	type result struct {
		msg *models.Message
		err error
	}
	resCh := make(chan result, 1)
	go func() {
		msg, err := e.rt.Send(context.Background(), SendOpts{UserMessage: "q", Stream: true})
		resCh <- result{msg, err}
	}()
	<-streaming
	e.rt.Abort()

	select {
	case res := <-resCh:
		// Abort is never surfaced as a failure.
		if res.err != nil {
			t.Fatalf("Send after abort: %v", res.err)
		}
		if res.msg == nil || res.msg.Content != "partial answer" {
			t.Errorf("msg = %+v, want partial content persisted", res.msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Send did not return after abort")
	}
}

func TestSend_InterruptedStreamKeepsPartial(t *testing.T) {
	e := newEnv(t)
	e.completer.stream = func(ctx context.Context, req provider.Request, onDelta provider.DeltaFunc) (string, error) {
		if onDelta != nil {
			onDelta("half", "half")
		}
		return "half", provider.ErrInterrupted
	}

	msg, err := e.rt.Send(context.Background(), SendOpts{UserMessage: "q", Stream: true})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if msg.Content != "half" {
		t.Errorf("content = %q, want partial kept", msg.Content)
	}
}

func TestSend_UpstreamErrorSurfaced(t *testing.T) {
	e := newEnv(t)
	e.completer.stream = func(ctx context.Context, req provider.Request, onDelta provider.DeltaFunc) (string, error) {
		return "", &provider.UpstreamError{Status: 500, Body: "api key: sk-verysecret failed"}
	}

	_, err := e.rt.Send(context.Background(), SendOpts{UserMessage: "q", Stream: true})
	var ue *provider.UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("err = %v, want UpstreamError", err)
	}
	if strings.Contains(ue.Error(), "sk-verysecret") {
		t.Errorf("error text leaks the key: %q", ue.Error())
	}

	history, _ := e.messages.History(e.session.ID)
	for _, m := range history {
		if m.Role == models.RoleAssistant {
			t.Errorf("assistant message persisted despite failure: %+v", m)
		}
	}
}

func TestSend_RetryReplacesLatestAssistant(t *testing.T) {
	e := newEnv(t)
	target := e.seedTurn(t, "question", "first answer")
	e.completer.stream = respondWith("better answer")

	msg, err := e.rt.Send(context.Background(), SendOpts{Retry: true, Stream: true})
	if err != nil {
		t.Fatalf("Send retry: %v", err)
	}
	if msg.ID != target.ID || msg.Content != "better answer" {
		t.Errorf("msg = %+v, want replaced content on id %d", msg, target.ID)
	}

	// The retried assistant turn is excluded from the outgoing history.
	req := e.completer.requests[0]
	for _, m := range req.Messages {
		if m.Content == "first answer" {
			t.Error("outgoing history includes the turn being retried")
		}
	}

	history, _ := e.messages.History(e.session.ID)
	if len(history) != 3 {
		t.Errorf("history = %d messages, want 3 (no new turn)", len(history))
	}
}

// ---------------------------------------------------------------------------
// Variants through the runtime
// ---------------------------------------------------------------------------

func TestGenerateVariant_OnlyLatestAssistant(t *testing.T) {
	e := newEnv(t)
	older := e.seedTurn(t, "q1", "a1")
	e.seedTurn(t, "q2", "a2")

	_, err := e.rt.GenerateVariant(context.Background(), older.ID, VariantOpts{})
	if err == nil {
		t.Fatal("expected rejection for non-latest assistant message")
	}
}

func TestGenerateVariant_ExcludesTargetFromHistory(t *testing.T) {
	e := newEnv(t)
	target := e.seedTurn(t, "q1", "original answer")
	e.completer.stream = respondWith("alternate answer")

	v, err := e.rt.GenerateVariant(context.Background(), target.ID, VariantOpts{})
	if err != nil {
		t.Fatalf("GenerateVariant: %v", err)
	}
	if v.Content != "alternate answer" || v.Version != 1 {
		t.Errorf("variant = %+v", v)
	}

	req := e.completer.requests[0]
	for _, m := range req.Messages {
		if m.Content == "original answer" {
			t.Error("outgoing history includes the message being regenerated")
		}
	}

	rows, _ := e.variants.List(target.ID)
	if len(rows) != 1 {
		t.Errorf("persisted variants = %d, want 1", len(rows))
	}
}

func TestCommitThenNewTurnClearsVariants(t *testing.T) {
	e := newEnv(t)
	target := e.seedTurn(t, "q", "a")

	// Three variants; select the second; commit.
	for _, content := range []string{"v1", "v2", "v3"} {
		e.completer.stream = respondWith(content)
		if _, err := e.rt.GenerateVariant(context.Background(), target.ID, VariantOpts{}); err != nil {
			t.Fatalf("GenerateVariant(%s): %v", content, err)
		}
	}
	if _, err := e.rt.Manager().Navigate(target.ID, variant.Prev); err != nil { // 3 -> 2
		t.Fatalf("Navigate: %v", err)
	}
	if err := e.rt.Manager().Commit(target.ID); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	msg, _ := e.messages.Get(target.ID)
	if msg.Content != "v2" {
		t.Errorf("canonical content = %q, want %q", msg.Content, "v2")
	}

	// A new user turn keeps the invariant: no variants anywhere.
	e.completer.stream = respondWith("next answer")
	if _, err := e.rt.Send(context.Background(), SendOpts{UserMessage: "next"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	rows, _ := e.variants.List(target.ID)
	if len(rows) != 0 {
		t.Errorf("variants after new turn = %d, want 0", len(rows))
	}
}

func TestGenerateVariant_AbortIsNotAnError(t *testing.T) {
	e := newEnv(t)
	target := e.seedTurn(t, "q", "a")

	started := make(chan struct{})
	e.completer.stream = func(ctx context.Context, req provider.Request, onDelta provider.DeltaFunc) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	}

	type result struct {
		v   *variant.Variant
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := e.rt.GenerateVariant(context.Background(), target.ID, VariantOpts{})
		done <- result{v, err}
	}()
	<-started
	e.rt.AbortVariant(target.ID)

	select {
	case res := <-done:
		if res.err != nil {
			t.Fatalf("aborted generation surfaced as error: %v", res.err)
		}
		if res.v != nil {
			t.Errorf("aborted generation returned a variant: %+v", res.v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("generation did not stop after abort")
	}

	if got := e.rt.Manager().State(target.ID); got != variant.StateDiscarded {
		t.Errorf("state = %v, want discarded", got)
	}
	rows, _ := e.variants.List(target.ID)
	if len(rows) != 0 {
		t.Errorf("persisted variants = %d, want 0", len(rows))
	}
}

func TestAbortHandlesAreIndependent(t *testing.T) {
	e := newEnv(t)
	target := e.seedTurn(t, "q", "a")

	primaryStarted := make(chan struct{})
	primaryDone := make(chan error, 1)
	variantStarted := make(chan struct{})
	variantDone := make(chan error, 1)

	e.completer.stream = func(ctx context.Context, req provider.Request, onDelta provider.DeltaFunc) (string, error) {
		// The primary request carries the new user turn; the variant
		// request history ends before the assistant target.
		primary := false
		for _, m := range req.Messages {
			if m.Content == "new question" {
				primary = true
			}
		}
		if primary {
			if onDelta != nil {
				onDelta("p", "p")
			}
			close(primaryStarted)
		} else {
			close(variantStarted)
		}
		<-ctx.Done()
		return "p", ctx.Err()
	}

	// Primary stream first, so its in-flight state is established before
	// the variant attempt begins.
	go func() {
		_, err := e.rt.Send(context.Background(), SendOpts{UserMessage: "new question", Stream: true})
		primaryDone <- err
	}()
	<-primaryStarted

	go func() {
		v, err := e.rt.GenerateVariant(context.Background(), target.ID, VariantOpts{})
		if err == nil && v != nil {
			err = fmt.Errorf("aborted generation returned a variant: %+v", v)
		}
		variantDone <- err
	}()
	<-variantStarted

	// Aborting the variant generation must not cancel the primary stream,
	// and is never surfaced as a failure.
	e.rt.AbortVariant(target.ID)
	select {
	case err := <-variantDone:
		if err != nil {
			t.Fatalf("variant abort err = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("variant generation did not stop")
	}

	select {
	case err := <-primaryDone:
		t.Fatalf("primary stream ended with the variant abort: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	e.rt.Abort()
	if err := <-primaryDone; err != nil {
		t.Fatalf("primary send after abort: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Refresh and edits
// ---------------------------------------------------------------------------

func TestEditMessage_SurvivesRefresh(t *testing.T) {
	e := newEnv(t)
	target := e.seedTurn(t, "q", "original")
	e.completer.stream = respondWith("v1")
	if _, err := e.rt.GenerateVariant(context.Background(), target.ID, VariantOpts{}); err != nil {
		t.Fatalf("GenerateVariant: %v", err)
	}
	// Display the original, then edit it.
	if _, err := e.rt.Manager().Navigate(target.ID, variant.Next); err != nil { // 1 -> 0
		t.Fatalf("Navigate: %v", err)
	}
	if err := e.rt.EditMessage(target.ID, "edited original"); err != nil {
		t.Fatalf("EditMessage: %v", err)
	}

	msg, _ := e.messages.Get(target.ID)
	if msg.Content != "edited original" {
		t.Errorf("persisted content = %q", msg.Content)
	}
	if got := e.rt.Manager().Display(target.ID); got != "edited original" {
		t.Errorf("display = %q, want fresh edit, not stale variant", got)
	}
}

func TestRefresh_PrunesNonLatestState(t *testing.T) {
	e := newEnv(t)
	first := e.seedTurn(t, "q1", "a1")
	e.completer.stream = respondWith("v1")
	if _, err := e.rt.GenerateVariant(context.Background(), first.ID, VariantOpts{}); err != nil {
		t.Fatalf("GenerateVariant: %v", err)
	}

	// Another turn arrives; first is no longer the latest assistant.
	e.completer.stream = respondWith("a2")
	if _, err := e.rt.Send(context.Background(), SendOpts{UserMessage: "q2"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := e.rt.Refresh(); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	for _, id := range e.rt.Manager().MessageIDs() {
		if id == first.ID {
			t.Error("variant state for non-latest assistant message survived refresh")
		}
	}
}
