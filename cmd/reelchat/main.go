package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/reelmates/reelchat/internal/anon"
	"github.com/reelmates/reelchat/internal/chat"
	"github.com/reelmates/reelchat/internal/config"
	"github.com/reelmates/reelchat/internal/database"
	"github.com/reelmates/reelchat/internal/domain"
	"github.com/reelmates/reelchat/internal/logging"
	"github.com/reelmates/reelchat/internal/repository/postgres"
	"github.com/reelmates/reelchat/internal/session"
	"github.com/reelmates/reelchat/internal/transport/ws"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	log := logging.New(cfg.Logging)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("reelchat exited")
	}
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	identity, err := session.FromToken(cfg.Backend.AccessToken)
	if err != nil {
		return fmt.Errorf("reading access token: %w", err)
	}
	source := session.NewSource(identity)
	log.Info().Str("user", identity.Username).Msg("signed in")

	pool, err := database.Connect(ctx, cfg.Backend.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	msgRepo := postgres.NewMessageRepo(pool)
	anonRepo := postgres.NewAnonRepo(pool)

	feed, err := ws.Dial(ctx, cfg.Backend.RealtimeURL, cfg.Backend.AccessToken, log)
	if err != nil {
		return err
	}
	defer feed.Close()
	go func() {
		// A dead feed is not fatal: polling keeps messages flowing.
		_ = feed.ReadPump(ctx)
	}()

	sink := &consoleSink{out: os.Stdout}

	store := chat.NewStore()
	store.SetAppendSignal(func(msg domain.Message) {
		fmt.Printf("[%s] %s: %s\n", msg.CreatedAt.Format("15:04"), msg.SenderUsername, msg.Content)
	})

	unread := chat.NewAggregator(msgRepo, identity.UserID, cfg.Chat.PreviewLength, log)
	unread.SetNotifier(sink)

	recon := chat.NewReconciler(store, msgRepo, unread, source, cfg.Chat.PollInterval, log)
	recon.SetNotifier(sink)

	// Inbound DMs are watched globally so inactive conversations still feed
	// the unread aggregator.
	dmSub, err := feed.SubscribeChanges(domain.TableDMMessages, "recipient_id=eq."+identity.UserID, func(ev domain.FeedEvent) {
		recon.HandleEvent(ctx, ev)
	})
	if err != nil {
		return err
	}
	defer dmSub.Close()

	machine := anon.NewMachine(anonRepo, feed, identity, cfg.Chat.TypingTTL, cfg.Chat.SkipDelay, log)
	machine.SetStatusSignal(func(status anon.Status, info string) {
		if info != "" {
			fmt.Printf("* %s\n", info)
		}
	})
	machine.Store().SetAppendSignal(func(msg domain.Message) {
		who := "stranger"
		if msg.SenderID == identity.UserID {
			who = "you"
		}
		fmt.Printf("(anon) %s: %s\n", who, msg.Content)
	})
	defer machine.Close()

	cl := &client{
		ctx:      ctx,
		cfg:      cfg,
		log:      log,
		identity: identity,
		feed:     feed,
		recon:    recon,
		unread:   unread,
		machine:  machine,
		roomSubs: make(map[int64]io.Closer),
	}
	defer cl.close()

	return cl.repl(os.Stdin)
}

// client owns the active conversation's subscriptions: one message change
// subscription and one typing channel, torn down before the next pair is
// created.
type client struct {
	ctx      context.Context
	cfg      *config.Config
	log      zerolog.Logger
	identity session.Identity
	feed     *ws.Feed
	recon    *chat.Reconciler
	unread   *chat.Aggregator
	machine  *anon.Machine

	// roomSubs outlive activations: an inactive room still needs an event
	// source for its unread counter.
	roomSubs    map[int64]io.Closer
	typingCh    *ws.TypingChannel
	tracker     *chat.TypingTracker
	broadcaster *chat.TypingBroadcaster
	anonMode    bool
}

func (c *client) repl(in io.Reader) error {
	fmt.Println("commands: /room <id>, /dm <user-id>, /anon, /next, /unread, /stop, /quit")

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		select {
		case <-c.ctx.Done():
			return nil
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" {
			return nil
		}
		if err := c.handle(line); err != nil {
			fmt.Println("!", err)
		}
	}
	return scanner.Err()
}

func (c *client) handle(line string) error {
	switch {
	case strings.HasPrefix(line, "/room "):
		roomID, err := strconv.ParseInt(strings.TrimPrefix(line, "/room "), 10, 64)
		if err != nil {
			return fmt.Errorf("invalid room id: %w", err)
		}
		return c.openConversation(domain.RoomConversation(roomID))

	case strings.HasPrefix(line, "/dm "):
		other := strings.TrimPrefix(line, "/dm ")
		if _, err := uuid.Parse(other); err != nil {
			return fmt.Errorf("invalid user id: %w", err)
		}
		return c.openConversation(domain.DMConversation(other))

	case line == "/anon":
		c.closeConversation()
		c.anonMode = true
		return c.machine.Start(c.ctx)

	case line == "/next":
		return c.machine.Skip(c.ctx)

	case line == "/unread":
		if err := c.unread.RefreshUnreadDMs(c.ctx); err != nil {
			return err
		}
		fmt.Printf("* unread DMs: %v\n", c.unread.HasUnreadDMs())
		return nil

	case line == "/stop":
		if c.anonMode {
			c.anonMode = false
			if c.machine.Status() == anon.StatusSearching {
				return c.machine.Cancel(c.ctx)
			}
			if c.machine.Status() == anon.StatusPaired {
				return c.machine.End(c.ctx)
			}
			return nil
		}
		c.closeConversation()
		return nil

	default:
		return c.send(line)
	}
}

func (c *client) send(content string) error {
	if c.anonMode {
		_, err := c.machine.Send(c.ctx, content)
		return err
	}

	if c.broadcaster != nil {
		// Line-based input collapses a whole burst into one keystroke.
		c.broadcaster.OnKeystroke(c.ctx, content)
		defer c.broadcaster.OnStop(c.ctx)
	}
	_, err := c.recon.Send(c.ctx, content, nil)
	return err
}

func (c *client) openConversation(conv domain.Conversation) error {
	c.closeConversation()
	c.anonMode = false

	c.recon.Activate(c.ctx, conv)

	c.tracker = chat.NewTypingTracker(c.identity.UserID, c.cfg.Chat.TypingTTL)
	c.tracker.SetChangeSignal(func(usernames []string) {
		if len(usernames) > 0 {
			fmt.Printf("* typing: %s\n", strings.Join(usernames, ", "))
		}
	})

	typingCh, err := c.feed.JoinTyping(conv.Key(), func(ev domain.TypingEvent) {
		if ev.Stop {
			c.tracker.HandleStop(ev.UserID)
			return
		}
		c.tracker.HandleStart(ev.UserID, ev.Username)
	})
	if err != nil {
		return err
	}
	c.typingCh = typingCh
	c.broadcaster = chat.NewTypingBroadcaster(typingCh,
		domain.Profile{ID: c.identity.UserID, Username: c.identity.Username},
		c.cfg.Chat.TypingTTL, c.log)

	if conv.Kind == domain.KindRoom {
		if _, ok := c.roomSubs[conv.RoomID]; !ok {
			sub, err := c.feed.SubscribeChanges(domain.TableRoomMessages,
				fmt.Sprintf("room_id=eq.%d", conv.RoomID),
				func(ev domain.FeedEvent) { c.recon.HandleEvent(c.ctx, ev) })
			if err != nil {
				return err
			}
			c.roomSubs[conv.RoomID] = sub
		}
	}

	fmt.Printf("* joined %s\n", conv.Key())
	return nil
}

// closeConversation tears down the active conversation's typing channel and
// tracker before anything new is established. Room message subscriptions stay
// up; a left room keeps feeding its unread counter.
func (c *client) closeConversation() {
	if c.typingCh != nil {
		c.typingCh.Close()
		c.typingCh = nil
	}
	if c.tracker != nil {
		c.tracker.Reset()
		c.tracker = nil
	}
	c.broadcaster = nil
	c.recon.Deactivate()
}

// close releases everything the client owns, room subscriptions included.
func (c *client) close() {
	c.closeConversation()
	for id, sub := range c.roomSubs {
		sub.Close()
		delete(c.roomSubs, id)
	}
}

// consoleSink renders engine notifications to the terminal.
type consoleSink struct {
	out io.Writer
}

func (s *consoleSink) Notify(n domain.Notification) {
	from := ""
	if n.Sender != nil && n.Sender.Username != "" {
		from = " from " + n.Sender.Username
	}
	fmt.Fprintf(s.out, "[%s%s] %s\n", n.Type, from, n.Message)
}
