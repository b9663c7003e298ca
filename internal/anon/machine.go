// Package anon implements the 1:1 stranger-chat pairing flow: an ephemeral
// session found by matching, a short-lived message thread, and a terminal
// end state. It reuses the chat package's idempotent store primitives for
// message merging.
package anon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/reelmates/reelchat/internal/chat"
	"github.com/reelmates/reelchat/internal/domain"
	"github.com/reelmates/reelchat/internal/repository"
	"github.com/reelmates/reelchat/internal/session"
)

type Status string

const (
	StatusIdle      Status = "idle"
	StatusSearching Status = "searching"
	StatusPaired    Status = "paired"
	StatusEnded     Status = "ended"
)

var (
	ErrAlreadySearching = errors.New("a search is already in progress")
	ErrNotPaired        = errors.New("no active pairing")
)

// Subscriber establishes the three push subscriptions a pairing needs.
// Returned closers tear them down.
type Subscriber interface {
	SubscribeSessionStatus(sessionID uuid.UUID, fn func(domain.AnonymousSession)) (io.Closer, error)
	SubscribeMessages(sessionID uuid.UUID, fn func(domain.FeedEvent)) (io.Closer, error)
	SubscribeTyping(sessionID uuid.UUID, fn func(domain.TypingEvent)) (io.Closer, error)
}

// Machine drives idle → searching → paired → ended, plus cancel
// (searching → idle) and skip (paired → searching after a short delay).
// Transitions come from user actions and pushed session-status updates.
type Machine struct {
	repo      repository.AnonRepository
	feed      Subscriber
	store     *chat.Store
	typing    *chat.TypingTracker
	self      session.Identity
	skipDelay time.Duration
	log       zerolog.Logger
	sleep     func(time.Duration)
	now       func() time.Time

	mu       sync.Mutex
	status   Status
	session  *domain.AnonymousSession
	subs     []io.Closer
	onStatus func(Status, string)
}

func NewMachine(
	repo repository.AnonRepository,
	feed Subscriber,
	self session.Identity,
	typingTTL, skipDelay time.Duration,
	log zerolog.Logger,
) *Machine {
	return &Machine{
		repo:      repo,
		feed:      feed,
		store:     chat.NewStore(),
		typing:    chat.NewTypingTracker(self.UserID, typingTTL),
		self:      self,
		skipDelay: skipDelay,
		log:       log,
		sleep:     time.Sleep,
		now:       time.Now,
		status:    StatusIdle,
	}
}

// SetStatusSignal registers the transition callback with its user-visible
// message ("You ended the chat" vs "Stranger disconnected").
func (m *Machine) SetStatusSignal(fn func(Status, string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStatus = fn
}

func (m *Machine) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Machine) Session() *domain.AnonymousSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.session == nil {
		return nil
	}
	copied := *m.session
	return &copied
}

// Store exposes the session's message list.
func (m *Machine) Store() *chat.Store {
	return m.store
}

// Typing exposes the session's typing tracker.
func (m *Machine) Typing() *chat.TypingTracker {
	return m.typing
}

// Start requests a match. An open session pairs immediately; otherwise the
// machine waits in searching with only the session-status subscription
// established.
func (m *Machine) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.status == StatusSearching || m.status == StatusPaired {
		m.mu.Unlock()
		return ErrAlreadySearching
	}
	m.mu.Unlock()

	sess, err := m.repo.FindPartner(ctx, m.self.UserID)
	if err != nil {
		return fmt.Errorf("finding chat partner: %w", err)
	}

	m.mu.Lock()
	m.session = sess
	m.teardownLocked()
	statusSub, err := m.feed.SubscribeSessionStatus(sess.ID, m.handleSessionUpdate)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("subscribing to session status: %w", err)
	}
	m.subs = append(m.subs, statusSub)
	m.mu.Unlock()

	if sess.Status == domain.SessionPaired {
		return m.enterPaired(ctx, *sess)
	}

	m.transition(StatusSearching, "Looking for a stranger…")
	return nil
}

// Cancel abandons a pending search and returns to idle.
func (m *Machine) Cancel(ctx context.Context) error {
	m.mu.Lock()
	if m.status != StatusSearching {
		m.mu.Unlock()
		return nil
	}
	sess := m.session
	m.teardownLocked()
	m.session = nil
	m.mu.Unlock()

	if sess != nil {
		if err := m.repo.EndSession(ctx, sess.ID, m.self.UserID); err != nil {
			m.log.Debug().Err(err).Msg("ending cancelled session")
		}
	}
	m.transition(StatusIdle, "")
	return nil
}

// End terminates the current pairing from this side.
func (m *Machine) End(ctx context.Context) error {
	m.mu.Lock()
	if m.status != StatusPaired {
		m.mu.Unlock()
		return ErrNotPaired
	}
	sess := *m.session
	m.teardownLocked()
	m.mu.Unlock()

	if err := m.repo.EndSession(ctx, sess.ID, m.self.UserID); err != nil {
		return fmt.Errorf("ending session: %w", err)
	}
	m.transition(StatusEnded, "You ended the chat")
	return nil
}

// Skip ends the current pairing and re-searches after a short fixed delay.
func (m *Machine) Skip(ctx context.Context) error {
	if err := m.End(ctx); err != nil {
		return err
	}
	m.sleep(m.skipDelay)
	return m.Start(ctx)
}

// handleSessionUpdate applies a pushed session-status change.
func (m *Machine) handleSessionUpdate(sess domain.AnonymousSession) {
	m.mu.Lock()
	if m.session == nil || m.session.ID != sess.ID {
		m.mu.Unlock()
		return
	}
	m.session = &sess
	status := m.status
	m.mu.Unlock()

	switch sess.Status {
	case domain.SessionPaired:
		if status != StatusPaired {
			if err := m.enterPaired(context.Background(), sess); err != nil {
				m.log.Warn().Err(err).Msg("entering paired state")
			}
		}
	case domain.SessionEnded:
		m.mu.Lock()
		m.teardownLocked()
		m.mu.Unlock()
		if sess.EndedBySelf(m.self.UserID) {
			m.transition(StatusEnded, "You ended the chat")
		} else {
			m.transition(StatusEnded, "Stranger disconnected")
		}
	}
}

// enterPaired loads the session history (a reconnect may rejoin an existing
// pairing mid-thread) and establishes the three subscriptions. The previous
// set is always torn down first; no handler survives a transition.
func (m *Machine) enterPaired(ctx context.Context, sess domain.AnonymousSession) error {
	m.mu.Lock()
	m.teardownLocked()

	statusSub, err := m.feed.SubscribeSessionStatus(sess.ID, m.handleSessionUpdate)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("subscribing to session status: %w", err)
	}
	msgSub, err := m.feed.SubscribeMessages(sess.ID, m.handleMessage)
	if err != nil {
		statusSub.Close()
		m.mu.Unlock()
		return fmt.Errorf("subscribing to session messages: %w", err)
	}
	typingSub, err := m.feed.SubscribeTyping(sess.ID, m.handleTyping)
	if err != nil {
		statusSub.Close()
		msgSub.Close()
		m.mu.Unlock()
		return fmt.Errorf("subscribing to session typing: %w", err)
	}
	m.subs = []io.Closer{statusSub, msgSub, typingSub}
	m.mu.Unlock()

	m.store.SetActive(domain.AnonConversation(sess.ID.String()))
	m.typing.Reset()

	history, err := m.repo.ListMessages(ctx, sess.ID)
	if err != nil {
		m.store.SetLoadError(err)
		m.log.Warn().Err(err).Stringer("session", sess.ID).Msg("session history load failed")
	} else {
		m.store.ReplaceHistory(history)
	}

	m.transition(StatusPaired, "You're now chatting with a stranger")
	return nil
}

func (m *Machine) handleMessage(ev domain.FeedEvent) {
	if ev.Kind != domain.EventInsert || ev.Message == nil {
		return
	}
	msg := *ev.Message
	if msg.SenderID == m.self.UserID && m.store.ReplaceMatchingPlaceholder(msg) {
		return
	}
	m.store.AppendOrMerge(msg)
}

func (m *Machine) handleTyping(ev domain.TypingEvent) {
	if ev.Stop {
		m.typing.HandleStop(ev.UserID)
		return
	}
	m.typing.HandleStart(ev.UserID, ev.Username)
}

// Send delivers a message to the paired stranger with the same optimistic
// placeholder flow as regular conversations.
func (m *Machine) Send(ctx context.Context, content string) (*domain.Message, error) {
	m.mu.Lock()
	if m.status != StatusPaired || m.session == nil {
		m.mu.Unlock()
		return nil, ErrNotPaired
	}
	sess := *m.session
	m.mu.Unlock()

	conv := domain.AnonConversation(sess.ID.String())
	tempID := m.now().UnixMilli()
	placeholder := domain.NewPlaceholder(tempID, conv, m.self.UserID, content, nil, m.now())
	m.store.AppendOrMerge(placeholder)

	confirmed, err := m.repo.SendMessage(ctx, sess.ID, m.self.UserID, content)
	if err != nil {
		m.store.Remove(tempID)
		return nil, fmt.Errorf("sending session message: %w", err)
	}
	m.store.ReplacePlaceholder(tempID, *confirmed)
	return confirmed, nil
}

// Close tears down all subscriptions. Safe to call in any state.
func (m *Machine) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardownLocked()
	return nil
}

// teardownLocked unconditionally unsubscribes everything. Called before any
// new subscription set is established so no dangling handler can fire
// against a stale session.
func (m *Machine) teardownLocked() {
	for _, sub := range m.subs {
		if err := sub.Close(); err != nil {
			m.log.Debug().Err(err).Msg("closing session subscription")
		}
	}
	m.subs = nil
}

func (m *Machine) transition(status Status, info string) {
	m.mu.Lock()
	m.status = status
	fn := m.onStatus
	m.mu.Unlock()
	if fn != nil {
		fn(status, info)
	}
}
