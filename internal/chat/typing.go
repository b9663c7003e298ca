package chat

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/reelmates/reelchat/internal/domain"
)

// stopTimer is what the tracker needs from a timer. *time.Timer satisfies
// it; tests substitute hand-fired fakes.
type stopTimer interface {
	Stop() bool
}

type timerFactory func(d time.Duration, fn func()) stopTimer

func afterFunc(d time.Duration, fn func()) stopTimer {
	return time.AfterFunc(d, fn)
}

// TypingSender broadcasts typing state to the active conversation's typing
// channel. Fire-and-forget.
type TypingSender interface {
	BroadcastTyping(ctx context.Context, ev domain.TypingEvent) error
}

type typingEntry struct {
	username string
	timer    stopTimer
	seq      uint64
}

// TypingTracker keeps the set of currently-typing participants for the
// active conversation. A user is typing from the first broadcast until a
// stop broadcast or the TTL elapses, whichever comes first. Eviction removes
// the entry entirely; absence means not typing.
type TypingTracker struct {
	mu       sync.Mutex
	ttl      time.Duration
	selfID   string
	newTimer timerFactory
	users    map[string]*typingEntry
	onChange func(usernames []string)
}

func NewTypingTracker(selfID string, ttl time.Duration) *TypingTracker {
	return &TypingTracker{
		ttl:      ttl,
		selfID:   selfID,
		newTimer: afterFunc,
		users:    make(map[string]*typingEntry),
	}
}

// SetChangeSignal registers the callback invoked whenever the typing set
// changes. Called outside the tracker lock.
func (t *TypingTracker) SetChangeSignal(fn func(usernames []string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onChange = fn
}

// setTimerFactory lets tests fire eviction timers by hand.
func (t *TypingTracker) setTimerFactory(f timerFactory) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.newTimer = f
}

// HandleStart arms or re-arms the eviction timer for a user. Re-arming
// cancels and replaces the previous timer; timers never stack. Broadcasts
// from the local user are ignored.
func (t *TypingTracker) HandleStart(userID, username string) {
	if userID == t.selfID {
		return
	}

	t.mu.Lock()
	entry, ok := t.users[userID]
	changed := !ok
	if ok {
		entry.timer.Stop()
		entry.seq++
		if entry.username != username {
			entry.username = username
			changed = true
		}
	} else {
		entry = &typingEntry{username: username}
		t.users[userID] = entry
	}
	seq := entry.seq
	entry.timer = t.newTimer(t.ttl, func() {
		t.evict(userID, seq)
	})
	t.mu.Unlock()

	if changed {
		t.signal()
	}
}

// HandleStop evicts a user on an explicit stop broadcast.
func (t *TypingTracker) HandleStop(userID string) {
	t.mu.Lock()
	entry, ok := t.users[userID]
	if ok {
		entry.timer.Stop()
		delete(t.users, userID)
	}
	t.mu.Unlock()

	if ok {
		t.signal()
	}
}

// evict removes a user when their timer expires. The sequence check drops
// firings from timers that were already replaced by a re-arm.
func (t *TypingTracker) evict(userID string, seq uint64) {
	t.mu.Lock()
	entry, ok := t.users[userID]
	if !ok || entry.seq != seq {
		t.mu.Unlock()
		return
	}
	delete(t.users, userID)
	t.mu.Unlock()

	t.signal()
}

// Reset cancels every timer and clears the set. Called on conversation
// switch; typing state never leaks across conversations.
func (t *TypingTracker) Reset() {
	t.mu.Lock()
	for id, entry := range t.users {
		entry.timer.Stop()
		delete(t.users, id)
	}
	t.mu.Unlock()

	t.signal()
}

// Users returns the usernames currently typing, sorted.
func (t *TypingTracker) Users() []string {
	t.mu.Lock()
	names := make([]string, 0, len(t.users))
	for _, entry := range t.users {
		names = append(names, entry.username)
	}
	t.mu.Unlock()

	sort.Strings(names)
	return names
}

func (t *TypingTracker) signal() {
	t.mu.Lock()
	fn := t.onChange
	t.mu.Unlock()
	if fn != nil {
		fn(t.Users())
	}
}

// TypingBroadcaster debounces the local user's typing broadcasts: one start
// per keystroke burst, re-armed on every keystroke, and an immediate stop on
// send or when the input empties.
type TypingBroadcaster struct {
	sender   TypingSender
	self     domain.Profile
	ttl      time.Duration
	log      zerolog.Logger
	newTimer timerFactory

	mu     sync.Mutex
	active bool
	seq    uint64
	timer  stopTimer
}

func NewTypingBroadcaster(sender TypingSender, self domain.Profile, ttl time.Duration, log zerolog.Logger) *TypingBroadcaster {
	return &TypingBroadcaster{
		sender:   sender,
		self:     self,
		ttl:      ttl,
		log:      log,
		newTimer: afterFunc,
	}
}

func (b *TypingBroadcaster) setTimerFactory(f timerFactory) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.newTimer = f
}

// OnKeystroke is called for every keystroke with the current input content.
// Empty content broadcasts an immediate stop.
func (b *TypingBroadcaster) OnKeystroke(ctx context.Context, content string) {
	if content == "" {
		b.OnStop(ctx)
		return
	}

	b.mu.Lock()
	wasActive := b.active
	b.active = true
	if b.timer != nil {
		b.timer.Stop()
	}
	b.seq++
	seq := b.seq
	b.timer = b.newTimer(b.ttl, func() {
		b.burstOver(seq)
	})
	b.mu.Unlock()

	if !wasActive {
		b.broadcast(ctx, domain.TypingEvent{UserID: b.self.ID, Username: b.self.Username})
	}
}

// OnStop is called on send or when the input becomes empty.
func (b *TypingBroadcaster) OnStop(ctx context.Context) {
	b.mu.Lock()
	wasActive := b.active
	b.active = false
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()

	if wasActive {
		b.broadcast(ctx, domain.TypingEvent{UserID: b.self.ID, Stop: true})
	}
}

// burstOver ends the debounce window: the next keystroke broadcasts again.
// No stop is sent; the remote tracker evicts on its own TTL.
func (b *TypingBroadcaster) burstOver(seq uint64) {
	b.mu.Lock()
	if b.seq == seq {
		b.active = false
		b.timer = nil
	}
	b.mu.Unlock()
}

func (b *TypingBroadcaster) broadcast(ctx context.Context, ev domain.TypingEvent) {
	if err := b.sender.BroadcastTyping(ctx, ev); err != nil {
		b.log.Debug().Err(err).Msg("typing broadcast failed")
	}
}
