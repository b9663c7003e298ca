// Package chat holds the realtime conversation state: the message list for
// the active conversation, typing indicators, and unread bookkeeping. All
// merging is idempotent by message id, which is what keeps the three
// delivery paths (optimistic echo, push feed, poll) safe to interleave.
package chat

import (
	"sort"
	"sync"
	"time"

	"github.com/reelmates/reelchat/internal/domain"
)

// placeholderMatchWindow bounds how much older than its placeholder an echo
// may be and still confirm it. A send's echo arrives within seconds; anything
// older is a history row that happens to share the content.
const placeholderMatchWindow = time.Minute

// Draft is the reply state restored when a send fails.
type Draft struct {
	Content   string
	ReplyToID *int64
}

// Store holds the ordered message list for whichever conversation is active.
// Invariants: messages are unique by id and sorted ascending by CreatedAt.
// The list is discarded, not persisted, when another conversation becomes
// active.
type Store struct {
	mu       sync.Mutex
	active   *domain.Conversation
	messages []domain.Message
	loaded   bool
	loadErr  error
	draft    *Draft

	// onAppend signals scroll-to-bottom semantics to the consuming UI.
	// The store signals; it never scrolls anything itself.
	onAppend func(domain.Message)
}

func NewStore() *Store {
	return &Store{}
}

// SetAppendSignal registers the insert callback. Invoked outside the store
// lock.
func (s *Store) SetAppendSignal(fn func(domain.Message)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onAppend = fn
}

// SetActive switches the store to a new conversation, discarding the
// previous message list, load state, and reply draft.
func (s *Store) SetActive(conv domain.Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = &conv
	s.messages = nil
	s.loaded = false
	s.loadErr = nil
	s.draft = nil
}

// ClearActive leaves no conversation active, discarding all held state.
// Inbound events then route as inactive-conversation traffic.
func (s *Store) ClearActive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = nil
	s.messages = nil
	s.loaded = false
	s.loadErr = nil
	s.draft = nil
}

// Active returns the current conversation, if any.
func (s *Store) Active() (domain.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active == nil {
		return domain.Conversation{}, false
	}
	return *s.active, true
}

// ReplaceHistory installs a freshly loaded history. Pending placeholders
// survive the replacement; a send can be in flight while the initial load
// resolves.
func (s *Store) ReplaceHistory(msgs []domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []domain.Message
	for _, m := range s.messages {
		if m.Pending {
			pending = append(pending, m)
		}
	}

	s.messages = make([]domain.Message, 0, len(msgs)+len(pending))
	for _, m := range msgs {
		s.insertLocked(m)
	}
	for _, m := range pending {
		s.insertLocked(m)
	}
	s.loaded = true
	s.loadErr = nil
}

// SetLoadError records a failed initial load. Once a history has loaded,
// later fetch failures are transient (the next poll retries) and ignored.
func (s *Store) SetLoadError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		s.loadErr = err
	}
}

func (s *Store) Loaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded
}

// LoadError reports the explicit load-error state. An empty conversation
// with a load error renders as a failure, never as silently empty.
func (s *Store) LoadError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadErr
}

// AppendOrMerge inserts a message preserving uniqueness by id and ascending
// CreatedAt. Returns false for duplicates. Applying the same event twice
// yields exactly one entry.
func (s *Store) AppendOrMerge(msg domain.Message) bool {
	s.mu.Lock()
	if s.indexOfLocked(msg.ID) >= 0 {
		s.mu.Unlock()
		return false
	}
	s.insertLocked(msg)
	signal := s.onAppend
	s.mu.Unlock()

	if signal != nil {
		signal(msg)
	}
	return true
}

// ReplacePlaceholder swaps the optimistic entry for its confirmed
// counterpart. If the confirmed id already arrived via push, the placeholder
// is simply dropped so the send still yields exactly one entry.
func (s *Store) ReplacePlaceholder(tempID int64, confirmed domain.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexOfLocked(tempID)
	if i < 0 {
		return false
	}
	s.messages = append(s.messages[:i], s.messages[i+1:]...)
	if s.indexOfLocked(confirmed.ID) < 0 {
		confirmed.Pending = false
		s.insertLocked(confirmed)
	}
	return true
}

// ReplaceMatchingPlaceholder merges a pushed echo of the local user's own
// send into its pending placeholder: same sender, same content, placeholder
// still unconfirmed, echo recent enough to be this send's confirmation. An
// echo whose id is already held is a duplicate delivery and never consumes a
// placeholder; an echo older than the match window is a history row that
// happens to repeat the content. Returns false when no placeholder matches.
func (s *Store) ReplaceMatchingPlaceholder(echo domain.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.indexOfLocked(echo.ID) >= 0 {
		return false
	}
	for i, m := range s.messages {
		if !m.Pending || m.SenderID != echo.SenderID || m.Content != echo.Content {
			continue
		}
		if echo.CreatedAt.Before(m.CreatedAt.Add(-placeholderMatchWindow)) {
			continue
		}
		s.messages = append(s.messages[:i], s.messages[i+1:]...)
		echo.Pending = false
		s.insertLocked(echo)
		return true
	}
	return false
}

// Remove deletes a message by id. Used to roll back a failed send.
func (s *Store) Remove(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOfLocked(id)
	if i < 0 {
		return false
	}
	s.messages = append(s.messages[:i], s.messages[i+1:]...)
	return true
}

// ApplyUpdate replaces a matching message's mutable fields in place. No-op
// when the id is outside the loaded window.
func (s *Store) ApplyUpdate(msg domain.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOfLocked(msg.ID)
	if i < 0 {
		return false
	}
	s.messages[i].Content = msg.Content
	s.messages[i].SeenBy = msg.SeenBy
	return true
}

// Contains reports whether a message id is in the loaded list.
func (s *Store) Contains(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.indexOfLocked(id) >= 0
}

// Messages returns a copy of the current list.
func (s *Store) Messages() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func (s *Store) SetDraft(d Draft) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draft = &d
}

func (s *Store) Draft() (Draft, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draft == nil {
		return Draft{}, false
	}
	return *s.draft, true
}

func (s *Store) ClearDraft() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draft = nil
}

func (s *Store) indexOfLocked(id int64) int {
	for i := range s.messages {
		if s.messages[i].ID == id {
			return i
		}
	}
	return -1
}

// insertLocked places msg at its CreatedAt position. Equal timestamps keep
// arrival order.
func (s *Store) insertLocked(msg domain.Message) {
	i := sort.Search(len(s.messages), func(i int) bool {
		return s.messages[i].CreatedAt.After(msg.CreatedAt)
	})
	s.messages = append(s.messages, domain.Message{})
	copy(s.messages[i+1:], s.messages[i:])
	s.messages[i] = msg
}
