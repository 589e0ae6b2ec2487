package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/parleyhq/parley/internal/chat"
	"github.com/parleyhq/parley/internal/models"
	"github.com/parleyhq/parley/internal/provider"
	"github.com/parleyhq/parley/internal/variant"
)

// registerRoutes sets up all API routes on the Gin router.
func (s *Server) registerRoutes(router *gin.Engine) {
	api := router.Group("/api")

	api.POST("/sessions", s.handleCreateSession)
	api.GET("/sessions/:id", s.handleGetSession)
	api.PUT("/sessions/:id/summary", s.handleSetSummary)
	api.POST("/sessions/:id/chat", s.handleChat)
	api.POST("/sessions/:id/abort", s.handleAbort)
	api.GET("/sessions/:id/events", s.handleEvents)

	api.GET("/messages/:id/variants", s.handleListVariants)
	api.POST("/messages/:id/variants", s.handleGenerateVariant)
	api.PUT("/messages/:id/variants", s.handleUpdateVariants)
	api.DELETE("/messages/:id/variants", s.handleDiscardVariants)
	api.PUT("/messages/:id", s.handleEditMessage)
	api.DELETE("/messages/:id", s.handleDeleteMessage)
}

type sessionView struct {
	ID               uint   `json:"id"`
	Title            string `json:"title"`
	Summary          string `json:"summary"`
	Notes            string `json:"notes"`
	TruncationBudget int    `json:"truncationBudget"`
}

type messageView struct {
	ID      uint   `json:"id"`
	Role    string `json:"role"`
	Content string `json:"content"`
	Ordinal int    `json:"ordinal"`
}

type variantView struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Version int    `json:"version"`
	Pending bool   `json:"pending,omitempty"`
}

type selectionView struct {
	Index int `json:"index"`
	Count int `json:"count"`
}

func toSessionView(s *models.ChatSession) sessionView {
	return sessionView{
		ID:               s.ID,
		Title:            s.Title,
		Summary:          s.Summary,
		Notes:            s.Notes,
		TruncationBudget: s.TruncationBudget,
	}
}

func toMessageView(m *models.Message) messageView {
	return messageView{ID: m.ID, Role: m.Role, Content: m.Content, Ordinal: m.Ordinal}
}

// handleCreateSession creates a session with its ordinal-0 system message.
func (s *Server) handleCreateSession(c *gin.Context) {
	var req struct {
		Title            string `json:"title"`
		SystemPrompt     string `json:"systemPrompt"`
		TruncationBudget int    `json:"truncationBudget"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	session, err := s.sessions.Create(req.Title, req.SystemPrompt, req.TruncationBudget)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toSessionView(session))
}

// handleGetSession returns the session record and a page of its messages.
// Paging walks backwards from the newest message; the cursor is the
// smallest message id already loaded.
func (s *Server) handleGetSession(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	session, err := s.sessions.Get(id)
	if err != nil {
		writeError(c, err)
		return
	}
	if session == nil {
		writeError(c, errNotFound)
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	var before uint
	if raw := c.Query("beforeId"); raw != "" {
		if n, err := strconv.ParseUint(raw, 10, 32); err == nil {
			before = uint(n)
		}
	}

	page, hasMore, err := s.messages.Page(id, limit, before)
	if err != nil {
		writeError(c, err)
		return
	}
	views := make([]messageView, len(page))
	for i := range page {
		views[i] = toMessageView(&page[i])
	}
	c.JSON(http.StatusOK, gin.H{
		"session":  toSessionView(session),
		"messages": views,
		"hasMore":  hasMore,
	})
}

// handleSetSummary updates the session summary.
func (s *Server) handleSetSummary(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req struct {
		Summary string `json:"summary"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rt, err := s.runtime(id)
	if err != nil {
		writeError(c, err)
		return
	}
	if err := rt.SetSummary(req.Summary); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleChat runs one send through the pipeline. With stream=true the
// response relays provider-shaped SSE frames; otherwise the persisted
// assistant message is returned as JSON.
func (s *Server) handleChat(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req struct {
		Message     string  `json:"message"`
		Stream      bool    `json:"stream"`
		Retry       bool    `json:"retry"`
		Temperature float64 `json:"temperature"`
		MaxTokens   int     `json:"maxTokens"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rt, err := s.runtime(id)
	if err != nil {
		writeError(c, err)
		return
	}

	opts := chat.SendOpts{
		UserMessage: req.Message,
		Stream:      req.Stream,
		Retry:       req.Retry,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}

	if !req.Stream {
		msg, err := rt.Send(c.Request.Context(), opts)
		if err != nil {
			writeError(c, err)
			return
		}
		if msg == nil {
			// Aborted before any content arrived.
			c.Status(http.StatusNoContent)
			return
		}
		c.JSON(http.StatusOK, toMessageView(msg))
		return
	}

	setSSEHeaders(c)
	wrote := false
	opts.OnDelta = func(delta, total string) {
		wrote = true
		writeData(c.Writer, deltaFrame{Content: delta})
		c.Writer.Flush()
	}

	msg, err := rt.Send(c.Request.Context(), opts)
	if err != nil {
		if !wrote {
			writeError(c, err)
			return
		}
		// The stream is already committed; report in-band.
		writeData(c.Writer, errorFrame{Error: provider.SanitizeSecrets(err.Error())})
	}
	if msg != nil {
		writeData(c.Writer, messageFrame{Message: toMessageView(msg)})
	}
	writeDone(c.Writer)
	c.Writer.Flush()
}

// handleAbort cancels the session's primary stream, if one is in flight.
func (s *Server) handleAbort(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	rt, err := s.runtime(id)
	if err != nil {
		writeError(c, err)
		return
	}
	rt.Abort()
	c.Status(http.StatusNoContent)
}

// handleListVariants returns the in-memory variant view for a message.
func (s *Server) handleListVariants(c *gin.Context) {
	_, rt, ok := s.messageRuntime(c)
	if !ok {
		return
	}
	id, _ := parseID(c)
	mgr := rt.Manager()

	vs := mgr.Variants(id)
	views := make([]variantView, len(vs))
	for i, v := range vs {
		views[i] = variantView{ID: v.ID, Content: v.Content, Version: v.Version, Pending: v.Pending}
	}
	sel := mgr.Selection(id)
	c.JSON(http.StatusOK, gin.H{
		"variants":  views,
		"selection": selectionView{Index: sel.Index, Count: sel.Count},
		"state":     mgr.State(id).String(),
		"content":   mgr.Display(id),
	})
}

// handleGenerateVariant produces an alternate response for the latest
// assistant message. With stream=true deltas are relayed as SSE frames.
func (s *Server) handleGenerateVariant(c *gin.Context) {
	msg, rt, ok := s.messageRuntime(c)
	if !ok {
		return
	}
	var req struct {
		Stream      bool    `json:"stream"`
		Temperature float64 `json:"temperature"`
		MaxTokens   int     `json:"maxTokens"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	opts := chat.VariantOpts{Temperature: req.Temperature, MaxTokens: req.MaxTokens}

	if !req.Stream {
		v, err := rt.GenerateVariant(c.Request.Context(), msg.ID, opts)
		if err != nil {
			writeError(c, err)
			return
		}
		if v == nil {
			// Aborted; the attempt was discarded.
			c.Status(http.StatusNoContent)
			return
		}
		c.JSON(http.StatusCreated, variantView{ID: v.ID, Content: v.Content, Version: v.Version})
		return
	}

	setSSEHeaders(c)
	wrote := false
	opts.OnDelta = func(delta, total string) {
		wrote = true
		writeData(c.Writer, deltaFrame{Content: delta})
		c.Writer.Flush()
	}

	v, err := rt.GenerateVariant(c.Request.Context(), msg.ID, opts)
	switch {
	case err != nil:
		if !wrote {
			writeError(c, err)
			return
		}
		writeData(c.Writer, errorFrame{Error: provider.SanitizeSecrets(err.Error())})
	case v != nil:
		writeData(c.Writer, variantFrame{Variant: variantView{ID: v.ID, Content: v.Content, Version: v.Version}})
	}
	// An aborted attempt ends the stream with only the sentinel; the hub
	// carries its discarded state.
	writeDone(c.Writer)
	c.Writer.Flush()
}

// handleUpdateVariants navigates, selects, commits, or edits variants for
// a message, depending on the requested action.
func (s *Server) handleUpdateVariants(c *gin.Context) {
	msg, rt, ok := s.messageRuntime(c)
	if !ok {
		return
	}
	var req struct {
		Action    string `json:"action"` // navigate | select | commit | edit
		Direction string `json:"direction,omitempty"`
		Index     *int   `json:"index,omitempty"`
		VariantID uint   `json:"variantId,omitempty"`
		Content   string `json:"content,omitempty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	mgr := rt.Manager()

	// A bare {variantId, content?} body commits that variant by its
	// persisted id, optionally replacing its content first.
	if req.Action == "" && req.VariantID != 0 {
		s.commitVariantByID(c, msg, rt, req.VariantID, req.Content)
		return
	}

	switch req.Action {
	case "navigate":
		dir := variant.Next
		if req.Direction == "prev" {
			dir = variant.Prev
		}
		sel, err := mgr.Navigate(msg.ID, dir)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"selection": selectionView{Index: sel.Index, Count: sel.Count},
			"content":   mgr.Display(msg.ID),
		})
	case "select":
		if req.Index == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "index is required"})
			return
		}
		sel, err := mgr.Select(msg.ID, *req.Index)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"selection": selectionView{Index: sel.Index, Count: sel.Count},
			"content":   mgr.Display(msg.ID),
		})
	case "commit":
		if req.Index != nil {
			if _, err := mgr.Select(msg.ID, *req.Index); err != nil {
				writeError(c, err)
				return
			}
		}
		if err := mgr.Commit(msg.ID); err != nil {
			writeError(c, err)
			return
		}
		updated, err := s.messages.Get(msg.ID)
		if err != nil || updated == nil {
			writeError(c, errNotFound)
			return
		}
		c.JSON(http.StatusOK, toMessageView(updated))
	case "edit":
		if req.VariantID == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "variantId is required"})
			return
		}
		if err := s.variants.UpdateContent(req.VariantID, req.Content); err != nil {
			writeError(c, err)
			return
		}
		if err := rt.Refresh(); err != nil {
			writeError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown action"})
	}
}

// commitVariantByID resolves a persisted variant id to its selection index,
// selects it, and commits it as the message's canonical content.
func (s *Server) commitVariantByID(c *gin.Context, msg *models.Message, rt *chat.Runtime, variantID uint, content string) {
	if content != "" {
		if err := s.variants.UpdateContent(variantID, content); err != nil {
			writeError(c, err)
			return
		}
		if err := rt.Refresh(); err != nil {
			writeError(c, err)
			return
		}
	}

	mgr := rt.Manager()
	wanted := strconv.FormatUint(uint64(variantID), 10)
	index := 0
	for i, v := range mgr.Variants(msg.ID) {
		if v.ID == wanted {
			index = i + 1
			break
		}
	}
	if index == 0 {
		writeError(c, errNotFound)
		return
	}

	if _, err := mgr.Select(msg.ID, index); err != nil {
		writeError(c, err)
		return
	}
	if err := mgr.Commit(msg.ID); err != nil {
		writeError(c, err)
		return
	}
	updated, err := s.messages.Get(msg.ID)
	if err != nil || updated == nil {
		writeError(c, errNotFound)
		return
	}
	c.JSON(http.StatusOK, toMessageView(updated))
}

// handleDiscardVariants drops every variant for a message.
func (s *Server) handleDiscardVariants(c *gin.Context) {
	msg, rt, ok := s.messageRuntime(c)
	if !ok {
		return
	}
	if err := rt.Manager().DiscardAll(msg.ID); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleEditMessage replaces a message's original content.
func (s *Server) handleEditMessage(c *gin.Context) {
	msg, rt, ok := s.messageRuntime(c)
	if !ok {
		return
	}
	var req struct {
		Content string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := rt.EditMessage(msg.ID, req.Content); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleDeleteMessage removes a message from its session.
func (s *Server) handleDeleteMessage(c *gin.Context) {
	msg, rt, ok := s.messageRuntime(c)
	if !ok {
		return
	}
	if err := rt.DeleteMessage(msg.ID); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// parseID extracts the numeric :id path parameter, writing a 400 on
// malformed input.
func parseID(c *gin.Context) (uint, bool) {
	n, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return uint(n), true
}

// messageRuntime resolves the :id message and the runtime for its session,
// writing the error response itself on failure.
func (s *Server) messageRuntime(c *gin.Context) (*models.Message, *chat.Runtime, bool) {
	id, ok := parseID(c)
	if !ok {
		return nil, nil, false
	}
	msg, err := s.messages.Get(id)
	if err != nil {
		writeError(c, err)
		return nil, nil, false
	}
	if msg == nil {
		writeError(c, errNotFound)
		return nil, nil, false
	}
	rt, err := s.runtime(msg.SessionID)
	if err != nil {
		writeError(c, err)
		return nil, nil, false
	}
	return msg, rt, true
}

// writeError maps pipeline errors onto HTTP statuses. Upstream provider
// failures surface with their sanitized bodies.
func writeError(c *gin.Context, err error) {
	var upstream *provider.UpstreamError
	switch {
	case errors.Is(err, errNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, chat.ErrEmptyMessage):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, chat.ErrBusy), errors.Is(err, variant.ErrBusy):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.As(err, &upstream):
		c.JSON(http.StatusBadGateway, gin.H{"error": upstream.Error()})
	case strings.Contains(err.Error(), "not found"):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
