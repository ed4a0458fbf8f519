// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/jeranaias/parley/internal/api"
	"github.com/jeranaias/parley/internal/model"
	"github.com/jeranaias/parley/internal/tokenstore"
	"github.com/jeranaias/parley/internal/util"
)

// Limits and fixed user-facing messages.
const (
	// MaxMessageChars is the send limit, counted in runes after trimming.
	// Over-length input is rejected locally; no request is issued.
	MaxMessageChars = 3000

	// MaxLabelRunes bounds the session label derived from message text.
	MaxLabelRunes = 40

	// SessionExpiredMessage fills the error slot on any forced logout.
	SessionExpiredMessage = "session expired, please log in again"
)

// ValidationError is a local input rejection; it never reaches the
// network.
type ValidationError struct {
	Reason string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return e.Reason
}

// =============================================================================
// SNAPSHOT
// =============================================================================

// Snapshot is an immutable copy of the visible state for the UI.
type Snapshot struct {
	Messages        []model.Message
	Sessions        []model.Session
	ActiveSessionID string
	LoggedIn        bool
	Loading         bool
	Err             string
}

// =============================================================================
// CONTROLLER
// =============================================================================

// Controller orchestrates auth, sessions, history, and streaming. See
// the package documentation for the ownership rules it enforces.
type Controller struct {
	mu     sync.Mutex
	client *api.Client
	store  *tokenstore.Store
	log    zerolog.Logger

	// Auth state, mirrored from the token store.
	userToken    string
	sessionToken string

	// Session collection, most-recent-first for created sessions.
	sessions []model.Session
	activeID string

	// Conversation log. Append-only except for the in-progress assistant
	// message, which is content-appended in place.
	messages      []model.Message
	historyLoaded bool

	// Stream state, at most one in flight.
	loading  bool
	cancel   context.CancelFunc
	streamID string

	// errMsg is the single user-visible error slot, last-error-wins.
	errMsg string

	// onDelta, when set, observes streamed fragments as they land. A
	// presentation hook only; state is still read via Snapshot.
	onDelta func(content string)
}

// New creates a controller, restoring any persisted tokens and the
// last-active session identifier from the store.
func New(client *api.Client, store *tokenstore.Store, log zerolog.Logger) *Controller {
	c := &Controller{
		client: client,
		store:  store,
		log:    log,
	}
	if v, ok := store.Get(tokenstore.KindUserToken); ok {
		c.userToken = v
	}
	if v, ok := store.Get(tokenstore.KindSessionToken); ok {
		c.sessionToken = v
	}
	if v, ok := store.Get(tokenstore.KindActiveSession); ok {
		c.activeID = v
	}
	return c
}

// SetOnDelta installs the streamed-fragment observer. Pass nil to remove.
func (c *Controller) SetOnDelta(fn func(content string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDelta = fn
}

// Snapshot returns a copy of the visible state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		Messages:        make([]model.Message, len(c.messages)),
		Sessions:        make([]model.Session, len(c.sessions)),
		ActiveSessionID: c.activeID,
		LoggedIn:        c.userToken != "",
		Loading:         c.loading,
		Err:             c.errMsg,
	}
	copy(snap.Messages, c.messages)
	copy(snap.Sessions, c.sessions)
	return snap
}

// ClearError empties the user-visible error slot.
func (c *Controller) ClearError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errMsg = ""
}

// =============================================================================
// AUTH OPERATIONS
// =============================================================================

// Login exchanges credentials for a user token and bootstraps a session.
// State reverts to logged-out before the attempt so stale messages never
// leak across identities. The error is both recorded in the error slot
// and returned, letting the UI block further action.
func (c *Controller) Login(ctx context.Context, email, password string) error {
	c.Stop()
	c.reset("")
	c.store.Clear()

	token, err := c.client.Login(ctx, email, password)
	if err != nil {
		c.setError(err)
		return err
	}

	c.mu.Lock()
	c.userToken = token.AccessToken
	c.mu.Unlock()
	c.store.Set(tokenstore.KindUserToken, token.AccessToken)

	// Login only yields the user token; fetch or create the session
	// ourselves. A bootstrap failure leaves the user logged in without an
	// active session rather than failing the login.
	if err := c.bootstrapSession(ctx); err != nil {
		c.log.Debug().Err(err).Msg("session bootstrap after login failed")
	}
	return nil
}

// Register creates a new account and adopts the initial session the
// backend provisions for it. Same revert-before-attempt contract as
// Login.
func (c *Controller) Register(ctx context.Context, email, password string) error {
	c.Stop()
	c.reset("")
	c.store.Clear()

	result, err := c.client.Register(ctx, email, password)
	if err != nil {
		c.setError(err)
		return err
	}

	c.mu.Lock()
	c.userToken = result.UserToken.AccessToken
	c.mu.Unlock()
	c.store.Set(tokenstore.KindUserToken, result.UserToken.AccessToken)

	c.adoptSession(result.Session, false)
	return nil
}

// Logout clears all tokens, sessions, the active session, the message
// log, and pending flags, both in memory and in durable storage.
func (c *Controller) Logout() {
	c.Stop()
	c.reset("")
	c.store.Clear()
}

// bootstrapSession adopts the most recent existing session or creates an
// unnamed one when the account has none yet.
func (c *Controller) bootstrapSession(ctx context.Context) error {
	c.mu.Lock()
	userToken := c.userToken
	c.mu.Unlock()

	sessions, err := c.client.ListSessions(ctx, userToken)
	if err != nil {
		if errors.Is(err, api.ErrSessionExpired) {
			c.forceLogout()
		}
		return err
	}

	if len(sessions) == 0 {
		created, err := c.client.CreateSession(ctx, userToken, "")
		if err != nil {
			if errors.Is(err, api.ErrSessionExpired) {
				c.forceLogout()
			}
			return err
		}
		c.adoptSession(created, false)
		return nil
	}

	c.mu.Lock()
	c.sessions = sessions
	c.mu.Unlock()
	c.adoptSession(sessions[0], false)
	return nil
}

// reset clears all state; errMsg becomes the given message.
func (c *Controller) reset(errMsg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userToken = ""
	c.sessionToken = ""
	c.sessions = nil
	c.activeID = ""
	c.messages = nil
	c.historyLoaded = false
	c.loading = false
	c.streamID = ""
	c.errMsg = errMsg
}

// forceLogout tears everything down after a revoked bearer and fills the
// error slot with the fixed expiry message. The session token must never
// be used again once the server said 401/403.
func (c *Controller) forceLogout() {
	c.Stop()
	c.reset(SessionExpiredMessage)
	c.store.Clear()
}

// setError converts a failure into the single user-visible error slot.
// Session expiry forces the full logout instead, and cancellation is
// swallowed entirely.
func (c *Controller) setError(err error) {
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	if errors.Is(err, api.ErrSessionExpired) {
		c.forceLogout()
		return
	}
	c.mu.Lock()
	c.errMsg = err.Error()
	c.mu.Unlock()
}

// =============================================================================
// SESSION OPERATIONS
// =============================================================================

// adoptSession makes a session active: it joins the collection (prepended
// when new), its token becomes the streaming bearer, and the
// history-loaded flag resets because the activation changed. keepLog
// preserves the message log for the mid-send auto-create path.
func (c *Controller) adoptSession(s model.Session, keepLog bool) {
	c.mu.Lock()
	found := false
	for i := range c.sessions {
		if c.sessions[i].ID == s.ID {
			c.sessions[i] = s
			found = true
			break
		}
	}
	if !found {
		c.sessions = append([]model.Session{s}, c.sessions...)
	}
	c.activeID = s.ID
	c.sessionToken = s.Token.AccessToken
	c.historyLoaded = false
	if !keepLog {
		c.messages = nil
	}
	c.mu.Unlock()

	c.store.Set(tokenstore.KindSessionToken, s.Token.AccessToken)
	c.store.Set(tokenstore.KindActiveSession, s.ID)
}

// RefreshSessions replaces the collection with the server's listing,
// preserving server order. The active session is kept when it survives
// the refresh and cleared otherwise.
func (c *Controller) RefreshSessions(ctx context.Context) error {
	c.mu.Lock()
	userToken := c.userToken
	c.mu.Unlock()

	// Without a user bearer the request can only come back 401, which
	// would misreport "session expired" to a user who never logged in.
	if userToken == "" {
		err := &ValidationError{Reason: "not logged in"}
		c.setError(err)
		return err
	}

	sessions, err := c.client.ListSessions(ctx, userToken)
	if err != nil {
		c.setError(err)
		return err
	}

	c.mu.Lock()
	c.sessions = sessions
	stillThere := false
	for _, s := range sessions {
		if s.ID == c.activeID {
			stillThere = true
			break
		}
	}
	if !stillThere && c.activeID != "" {
		c.activeID = ""
		c.sessionToken = ""
		c.messages = nil
		c.historyLoaded = false
	}
	c.mu.Unlock()

	if !stillThere {
		c.store.Set(tokenstore.KindSessionToken, "")
		c.store.Set(tokenstore.KindActiveSession, "")
	}
	return nil
}

// SelectSession activates a session from the collection and replays its
// history. Selecting the already-active session is a no-op.
func (c *Controller) SelectSession(ctx context.Context, id string) error {
	c.mu.Lock()
	if id == c.activeID {
		c.mu.Unlock()
		return nil
	}
	var target *model.Session
	for i := range c.sessions {
		if c.sessions[i].ID == id {
			target = &c.sessions[i]
			break
		}
	}
	if target == nil {
		c.mu.Unlock()
		return &ValidationError{Reason: "unknown session"}
	}
	session := *target
	c.mu.Unlock()

	c.Stop()
	c.adoptSession(session, false)
	return c.LoadHistory(ctx)
}

// CreateSession creates a session (optionally named) and activates it.
func (c *Controller) CreateSession(ctx context.Context, name string) error {
	c.mu.Lock()
	userToken := c.userToken
	c.mu.Unlock()

	if userToken == "" {
		err := &ValidationError{Reason: "not logged in"}
		c.setError(err)
		return err
	}

	session, err := c.client.CreateSession(ctx, userToken, name)
	if err != nil {
		c.setError(err)
		// A revoked bearer forced the full logout in setError; the created
		// session's token is revoked with it and must never be adopted.
		if errors.Is(err, api.ErrSessionExpired) || session.ID == "" {
			return err
		}
		// The create succeeded and only the follow-up rename failed;
		// adopt the session anyway.
	}

	c.Stop()
	c.adoptSession(session, false)
	return err
}

// RenameSession renames a session in place. An empty name after trimming
// is a no-op.
func (c *Controller) RenameSession(ctx context.Context, id, name string) error {
	c.mu.Lock()
	var session model.Session
	found := false
	for _, s := range c.sessions {
		if s.ID == id {
			session = s
			found = true
			break
		}
	}
	c.mu.Unlock()
	if !found {
		return &ValidationError{Reason: "unknown session"}
	}

	updated, err := c.client.RenameSession(ctx, session, name)
	if err != nil {
		c.setError(err)
		return err
	}

	c.mu.Lock()
	for i := range c.sessions {
		if c.sessions[i].ID == id {
			c.sessions[i] = updated
			break
		}
	}
	c.mu.Unlock()
	return nil
}

// DeleteSession deletes a session from the backend and the collection.
// Deleting the active session also clears active state; deleting any
// other session only removes it from the list.
func (c *Controller) DeleteSession(ctx context.Context, id string) error {
	c.mu.Lock()
	var session model.Session
	found := false
	for _, s := range c.sessions {
		if s.ID == id {
			session = s
			found = true
			break
		}
	}
	c.mu.Unlock()
	if !found {
		return &ValidationError{Reason: "unknown session"}
	}

	if err := c.client.DeleteSession(ctx, session); err != nil {
		c.setError(err)
		return err
	}

	c.mu.Lock()
	kept := c.sessions[:0]
	for _, s := range c.sessions {
		if s.ID != id {
			kept = append(kept, s)
		}
	}
	c.sessions = kept
	wasActive := c.activeID == id
	if wasActive {
		c.activeID = ""
		c.sessionToken = ""
		c.messages = nil
		c.historyLoaded = false
	}
	c.mu.Unlock()

	if wasActive {
		c.Stop()
		c.store.Set(tokenstore.KindSessionToken, "")
		c.store.Set(tokenstore.KindActiveSession, "")
	}
	return nil
}

// =============================================================================
// HISTORY
// =============================================================================

// LoadHistory replays the active session's server-side history into the
// message log, assigning fresh local identifiers and preserving server
// order. It runs at most once per session activation; the loaded flag is
// reset exactly when the active session changes.
func (c *Controller) LoadHistory(ctx context.Context) error {
	c.mu.Lock()
	token := c.sessionToken
	loaded := c.historyLoaded
	c.mu.Unlock()

	if loaded || token == "" {
		return nil
	}

	history, err := c.client.History(ctx, token)
	if err != nil {
		c.setError(err)
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// The session may have changed while the fetch was in flight; a stale
	// reply must not clobber the new session's log.
	if c.sessionToken != token {
		return nil
	}
	c.messages = make([]model.Message, 0, len(history))
	for _, m := range history {
		c.messages = append(c.messages, model.NewMessage(model.Role(m.Role), m.Content))
	}
	c.historyLoaded = true
	return nil
}

// =============================================================================
// SENDING & STREAMING
// =============================================================================

// SendMessage validates and sends user text, streaming the assistant
// reply into the log. The user message and an empty assistant placeholder
// are appended before any network effect. When no session bearer exists
// yet, one is synthesized first, named from the message text; when the
// active session is unnamed, it is renamed the same way without blocking
// the send. A prior in-flight stream is cancelled and superseded.
//
// SendMessage blocks until the stream reaches a terminal state. It
// returns nil on completion and on user-initiated cancellation.
func (c *Controller) SendMessage(ctx context.Context, text string) error {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		err := &ValidationError{Reason: "message is empty"}
		c.setError(err)
		return err
	}
	if util.RuneLen(trimmed) > MaxMessageChars {
		err := &ValidationError{Reason: fmt.Sprintf("message exceeds %d characters", MaxMessageChars)}
		c.setError(err)
		return err
	}

	userMsg := model.NewUserMessage(trimmed)
	placeholder := model.NewAssistantPlaceholder()

	streamCtx, cancel := context.WithCancel(ctx)

	// Retiring the outstanding cancel handle and installing our own happens
	// in one critical section, so concurrent sends cannot both leave a live
	// stream: whichever send swaps last owns the only registered handle.
	c.mu.Lock()
	prior := c.cancel
	c.errMsg = ""
	c.messages = append(c.messages, userMsg, placeholder)

	// The payload is the prior log plus the new user message; the empty
	// placeholder stays local.
	payload := make([]api.ChatMessage, 0, len(c.messages)-1)
	for _, m := range c.messages[:len(c.messages)-1] {
		payload = append(payload, api.ChatMessage{Role: m.Role.String(), Content: m.Content})
	}

	c.loading = true
	c.cancel = cancel
	c.streamID = placeholder.ID
	userToken := c.userToken
	sessionToken := c.sessionToken
	c.mu.Unlock()

	if prior != nil {
		prior()
	}

	finalize := func() {
		cancel()
		c.mu.Lock()
		// Only clear our own stream's state; a newer send may have
		// installed its own by now.
		if c.streamID == placeholder.ID {
			c.loading = false
			c.streamID = ""
			c.cancel = nil
		}
		c.mu.Unlock()
	}
	defer finalize()

	if sessionToken == "" {
		if userToken == "" {
			err := &ValidationError{Reason: "not logged in"}
			c.setError(err)
			return err
		}
		session, err := c.client.CreateSession(streamCtx, userToken, util.DeriveLabel(trimmed, MaxLabelRunes))
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil // superseded or stopped before the session existed
			}
			// A revoked bearer means the created session's token (if any)
			// is revoked too; abort the send instead of streaming with it.
			if errors.Is(err, api.ErrSessionExpired) || session.ID == "" {
				c.setError(err)
				return err
			}
			// Created but the naming failed; proceed with the unnamed
			// session rather than dropping the message.
			c.log.Debug().Err(err).Msg("auto-created session could not be named")
		}
		c.adoptSession(session, true)
		c.mu.Lock()
		c.historyLoaded = true // fresh session, nothing to replay
		sessionToken = c.sessionToken
		c.mu.Unlock()
	} else {
		c.maybeAutoRename(trimmed)
	}

	err := c.client.ChatStream(streamCtx, sessionToken, payload, func(ev api.StreamEvent) {
		if ev.Content != "" {
			c.appendContent(placeholder.ID, ev.Content)
		}
		if ev.Done {
			// Logical end of the reply; the read loop still drains to
			// transport end-of-data.
			c.mu.Lock()
			if c.streamID == placeholder.ID {
				c.loading = false
			}
			c.mu.Unlock()
		}
	})

	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil // user-initiated stop, not an error
		}
		c.setError(err)
		return err
	}
	return nil
}

// Stop cancels the in-flight stream, if any. Cancellation is cooperative
// and never surfaces as a user-visible error.
func (c *Controller) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// appendContent appends a fragment to the message with the given ID. All
// other message identities are untouched; a fragment for a retired stream
// finds no target and is dropped.
func (c *Controller) appendContent(id, content string) {
	c.mu.Lock()
	var onDelta func(string)
	for i := range c.messages {
		if c.messages[i].ID == id {
			c.messages[i].Content += content
			onDelta = c.onDelta
			break
		}
	}
	c.mu.Unlock()

	if onDelta != nil {
		onDelta(content)
	}
}

// maybeAutoRename labels an unnamed active session from the message text,
// without blocking the send on the outcome.
func (c *Controller) maybeAutoRename(text string) {
	c.mu.Lock()
	var session model.Session
	found := false
	for _, s := range c.sessions {
		if s.ID == c.activeID {
			session = s
			found = true
			break
		}
	}
	c.mu.Unlock()

	if !found || strings.TrimSpace(session.Name) != "" {
		return
	}
	label := util.DeriveLabel(text, MaxLabelRunes)
	if label == "" {
		return
	}

	go func() {
		updated, err := c.client.RenameSession(context.Background(), session, label)
		if err != nil {
			// Fire-and-forget; the send proceeded regardless.
			c.log.Debug().Err(err).Msg("auto-rename failed")
			return
		}
		c.mu.Lock()
		for i := range c.sessions {
			if c.sessions[i].ID == updated.ID {
				c.sessions[i] = updated
				break
			}
		}
		c.mu.Unlock()
	}()
}
