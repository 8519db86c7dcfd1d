package pollchat

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// App is the authenticated shell: it resolves the session identity, drives
// the sidebar, and owns the active conversation.
type App struct {
	client  *Client
	sched   *Scheduler
	sidebar *Sidebar
	opts    options

	mu     sync.RWMutex
	me     *Me
	conv   *Conversation
	stream *StreamClient
}

// NewApp creates an App on top of client. Nothing is fetched until Start.
func NewApp(client *Client, opts ...Option) *App {
	o := buildOptions(opts)
	sched := NewScheduler(o.logger.With().Str("component", "scheduler").Logger())
	return &App{
		client:  client,
		sched:   sched,
		sidebar: NewSidebar(client, sched, o.componentOptions()...),
		opts:    o,
	}
}

// Events returns the bus every component publishes to.
func (a *App) Events() *Events { return a.opts.events }

func (a *App) Sidebar() *Sidebar { return a.sidebar }

func (a *App) Scheduler() *Scheduler { return a.sched }

// Me returns the authenticated identity, or nil before Start.
func (a *App) Me() *Me {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.me
}

// Conversation returns the active conversation, or nil before Start.
func (a *App) Conversation() *Conversation {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.conv
}

// Start resolves the identity bound to the stored token. A rejected token
// logs the session out and returns ErrLoggedOut. On success the roster is
// loaded and the sidebar polls start.
func (a *App) Start(ctx context.Context) error {
	me, err := a.client.Me(ctx)
	if err != nil {
		if IsUnauthorized(err) {
			a.opts.logger.Warn().Err(err).Msg("token rejected, logging out")
			a.Logout()
			return ErrLoggedOut
		}
		return errors.Wrap(err, "fetch identity")
	}

	conv := NewConversation(a.client, me.ID, a.sched, a.opts.componentOptions()...)

	a.mu.Lock()
	old := a.conv
	a.me = me
	a.conv = conv
	a.mu.Unlock()
	if old != nil {
		old.Close()
	}

	a.opts.logger.Info().Int64("user_id", int64(me.ID)).Str("username", me.Username).Msg("session started")
	a.sidebar.Start(ctx)
	return nil
}

// SelectUser makes u the active conversation. Its unread count is zeroed
// before any fetch is issued. A nil u clears the selection.
func (a *App) SelectUser(ctx context.Context, u *User) error {
	conv := a.Conversation()
	if conv == nil {
		return errors.New("app not started")
	}
	a.sidebar.Select(u)
	conv.Select(ctx, u)
	return nil
}

// AttachStream connects the change feed. New messages in the open
// conversation and presence changes trigger an immediate refresh; polling
// continues regardless.
func (a *App) AttachStream(ctx context.Context, config StreamConfig) error {
	me := a.Me()
	if me == nil {
		return errors.New("app not started")
	}

	stream := a.client.NewStream(config)
	stream.OnMessageNew(func(p MessageNewPayload) {
		conv := a.Conversation()
		if conv == nil {
			return
		}
		peer := conv.Peer()
		if peer == nil || !(Message{Sender: p.Sender, Receiver: p.Receiver}).Between(me.ID, peer.ID) {
			return
		}
		if err := conv.RefreshMessages(context.Background()); err != nil {
			a.opts.logger.Warn().Err(err).Msg("stream-triggered message refresh")
		}
	})
	stream.OnPresenceChanged(func(p PresenceChangedPayload) {
		if err := a.sidebar.Presence.Refresh(context.Background()); err != nil {
			a.opts.logger.Warn().Err(err).Msg("stream-triggered presence refresh")
		}
		if conv := a.Conversation(); conv != nil {
			if peer := conv.Peer(); peer != nil && peer.ID == p.ID {
				if err := conv.RefreshPresence(context.Background()); err != nil {
					a.opts.logger.Warn().Err(err).Msg("stream-triggered presence refresh")
				}
			}
		}
	})

	if err := stream.Connect(ctx); err != nil {
		return err
	}

	a.mu.Lock()
	old := a.stream
	a.stream = stream
	a.mu.Unlock()
	if old != nil {
		old.Disconnect()
	}
	return nil
}

// Logout clears the stored credentials and every piece of session state.
func (a *App) Logout() {
	if err := a.client.Tokens().Clear(); err != nil {
		a.opts.logger.Error().Err(err).Msg("clear tokens")
	}

	a.mu.Lock()
	conv, stream := a.conv, a.stream
	a.me = nil
	a.conv = nil
	a.stream = nil
	a.mu.Unlock()

	if stream != nil {
		stream.Disconnect()
	}
	if conv != nil {
		conv.Close()
	}
	a.sidebar.Stop()
	a.opts.events.emit(EventSessionLogout, nil)
}

// Close stops every poll and waits for in-flight runs to finish.
func (a *App) Close() {
	a.mu.Lock()
	conv, stream := a.conv, a.stream
	a.stream = nil
	a.mu.Unlock()

	if stream != nil {
		stream.Disconnect()
	}
	if conv != nil {
		conv.Close()
	}
	a.sched.Close()
}
