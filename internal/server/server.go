// Package server exposes the chat runtime over an HTTP API: JSON
// endpoints for sessions, messages, and variants, plus SSE relays for
// streamed responses and state-change events.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/parleyhq/parley/internal/chat"
	"github.com/parleyhq/parley/internal/store"
)

// errNotFound maps to a 404 in writeError.
var errNotFound = errors.New("server: not found")

// StartOpts holds configuration for the API server.
type StartOpts struct {
	DB        *gorm.DB
	Completer chat.Completer
	Port      int
	Out       io.Writer

	Temperature float64
	MaxTokens   int
}

// Start launches the API server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.DB == nil {
		return fmt.Errorf("server: db is required")
	}
	if opts.Completer == nil {
		return fmt.Errorf("server: completer is required")
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}

	s, err := New(opts.DB, opts.Completer, opts.Temperature, opts.MaxTokens)
	if err != nil {
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	s.registerRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.Port),
		Handler: router,
	}

	// Graceful shutdown on context cancellation.
	go func() {
		<-ctx.Done()
		srv.Shutdown(context.Background())
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "Parley API listening on http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}

// Server wires the stores and per-session runtimes behind the handlers.
type Server struct {
	db         *gorm.DB
	sessions   *store.SessionStore
	messages   *store.MessageStore
	variants   *store.VariantStore
	selections *store.SelectionStore
	completer  chat.Completer

	temperature float64
	maxTokens   int

	mu       sync.Mutex
	runtimes map[uint]*chat.Runtime
}

// New creates a Server over an open database connection.
func New(db *gorm.DB, completer chat.Completer, temperature float64, maxTokens int) (*Server, error) {
	if db == nil {
		return nil, fmt.Errorf("server: db is required")
	}
	if completer == nil {
		return nil, fmt.Errorf("server: completer is required")
	}
	sessions, err := store.NewSessionStore(db)
	if err != nil {
		return nil, err
	}
	messages, err := store.NewMessageStore(db)
	if err != nil {
		return nil, err
	}
	variants, err := store.NewVariantStore(db)
	if err != nil {
		return nil, err
	}
	selections, err := store.NewSelectionStore(db)
	if err != nil {
		return nil, err
	}
	return &Server{
		db:          db,
		sessions:    sessions,
		messages:    messages,
		variants:    variants,
		selections:  selections,
		completer:   completer,
		temperature: temperature,
		maxTokens:   maxTokens,
		runtimes:    make(map[uint]*chat.Runtime),
	}, nil
}

// runtime returns the cached runtime for a session, constructing it on
// first use. Runtimes live for the server's lifetime so in-flight streams
// survive between requests.
func (s *Server) runtime(sessionID uint) (*chat.Runtime, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rt, ok := s.runtimes[sessionID]; ok {
		return rt, nil
	}

	session, err := s.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, errNotFound
	}

	rt, err := chat.NewRuntime(chat.Opts{
		Session:     session,
		Sessions:    s.sessions,
		Messages:    s.messages,
		Variants:    s.variants,
		Selections:  s.selections,
		Completer:   s.completer,
		Temperature: s.temperature,
		MaxTokens:   s.maxTokens,
	})
	if err != nil {
		return nil, err
	}
	s.runtimes[sessionID] = rt
	return rt, nil
}
