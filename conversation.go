package pollchat

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ConversationService is the slice of the chat service a conversation uses.
type ConversationService interface {
	PresenceSource
	Messages(ctx context.Context, peer UserID) ([]Message, error)
	SendMessage(ctx context.Context, receiver UserID, content string) (*Message, error)
	BlockStatus(ctx context.Context, peer UserID) (BlockState, error)
	Block(ctx context.Context, peer UserID) error
	Unblock(ctx context.Context, peer UserID) error
}

const (
	PlaceholderEnabled = "Type a message"
	PlaceholderBlocked = "You can't send messages in this chat"
)

// StatusText is the header line of a conversation. Block state wins over
// presence; a nil presence means the peer is unknown.
func StatusText(block BlockState, presence *PresenceRecord, now time.Time) string {
	switch {
	case block.BlockedByMe:
		return "You blocked this user"
	case block.BlockedMe:
		return "This user has blocked you"
	case presence == nil:
		return "Offline"
	case presence.Online:
		return "Online"
	}
	if seen := presence.LastSeenTime(); !seen.IsZero() {
		return "Last seen " + FormatLastSeen(seen, now)
	}
	return "Offline"
}

// ConversationView is a consistent snapshot of the active conversation.
type ConversationView struct {
	Peer          *User
	Messages      []Message
	LastMessageID int64
	Block         BlockState
	BlockKnown    bool
	Presence      *PresenceRecord
	Status        string
	InputEnabled  bool
	Placeholder   string
	BlockLabel    string
	CanToggle     bool
	Draft         string
}

// Conversation synchronizes the active one-to-one conversation.
//
// Every Select starts a new generation. Responses are applied only if the
// generation they were issued under is still current, so a late reply for
// a previous peer never reaches the view. Within a generation, message
// refreshes apply in the order they were issued.
type Conversation struct {
	svc      ConversationService
	me       UserID
	sched    *Scheduler
	presence *PresenceTracker
	opts     options

	mu            sync.RWMutex
	gen           uint64
	peer          *User
	messages      []Message
	lastMessageID int64
	block         BlockState
	blockKnown    bool
	draft         string
	msgSeq        sequence
	closed        bool
}

// NewConversation creates an idle conversation for the user me.
func NewConversation(svc ConversationService, me UserID, sched *Scheduler, opts ...Option) *Conversation {
	o := buildOptions(opts)
	return &Conversation{
		svc:      svc,
		me:       me,
		sched:    sched,
		presence: NewPresenceTracker("conversation", svc, o.componentOptions()...),
		opts:     o,
	}
}

// Select switches to peer. The previous conversation's state is cleared and
// its polls stopped before anything is fetched. For a non-nil peer the
// message list, block status and presence are then loaded in that order,
// each failure logged without stopping the next step, and finally the
// periodic polls start. A nil peer leaves the conversation empty.
//
// Until the block status has loaded, input and the block action are
// withheld. A failed status fetch is retried with the message poll and by
// Send and ToggleBlock.
func (c *Conversation) Select(ctx context.Context, peer *User) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.gen++
	gen := c.gen
	c.sched.Stop(TaskConversationMessages)
	c.sched.Stop(TaskConversationPresence)
	c.messages = nil
	c.lastMessageID = 0
	c.block = BlockState{}
	c.blockKnown = false
	c.msgSeq.invalidate()
	if peer != nil {
		p := *peer
		c.peer = &p
	} else {
		c.peer = nil
	}
	c.mu.Unlock()

	c.presence.Reset()
	c.opts.events.emit(EventConversationSelected, peer)

	if peer == nil {
		return
	}

	log := c.opts.logger.With().Int64("peer", int64(peer.ID)).Logger()
	if err := c.fetchMessages(ctx, gen); err != nil {
		log.Error().Err(err).Msg("initial messages")
	}
	if err := c.fetchBlock(ctx, gen); err != nil {
		log.Error().Err(err).Msg("initial block status")
	}
	if err := c.fetchPresence(ctx, gen); err != nil {
		log.Error().Err(err).Msg("initial presence")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen || c.closed {
		return
	}
	c.sched.Every(TaskConversationMessages, c.opts.intervals.Messages,
		pollTask(c.opts, TaskConversationMessages, func(ctx context.Context) error {
			if !c.blockLoaded(gen) {
				if err := c.fetchBlock(ctx, gen); err != nil {
					return err
				}
			}
			return c.fetchMessages(ctx, gen)
		}))
	c.sched.Every(TaskConversationPresence, c.opts.intervals.ConversationPresence,
		pollTask(c.opts, TaskConversationPresence, func(ctx context.Context) error {
			return c.fetchPresence(ctx, gen)
		}))
}

func (c *Conversation) current(gen uint64) (UserID, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.gen != gen || c.peer == nil {
		return 0, false
	}
	return c.peer.ID, true
}

func (c *Conversation) fetchMessages(ctx context.Context, gen uint64) error {
	c.mu.Lock()
	if c.gen != gen || c.peer == nil {
		c.mu.Unlock()
		return nil
	}
	peer := c.peer.ID
	ticket := c.msgSeq.issue()
	c.mu.Unlock()

	msgs, err := c.svc.Messages(ctx, peer)
	if err != nil {
		return errors.Wrap(err, "fetch messages")
	}

	c.mu.Lock()
	if c.gen != gen || !c.msgSeq.admit(ticket) {
		c.mu.Unlock()
		c.opts.metrics.staleResponse("messages")
		return nil
	}
	c.messages = msgs
	if n := len(msgs); n > 0 {
		c.lastMessageID = msgs[n-1].ID
	}
	c.mu.Unlock()

	c.opts.events.emit(EventMessagesUpdated, len(msgs))
	return nil
}

func (c *Conversation) fetchBlock(ctx context.Context, gen uint64) error {
	peer, ok := c.current(gen)
	if !ok {
		return nil
	}

	state, err := c.svc.BlockStatus(ctx, peer)
	if err != nil {
		return errors.Wrap(err, "fetch block status")
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		c.opts.metrics.staleResponse("block")
		return nil
	}
	c.block = state
	c.blockKnown = true
	c.mu.Unlock()

	c.opts.events.emit(EventBlockUpdated, state)
	return nil
}

// blockLoaded reports whether generation gen has a block status to act on.
func (c *Conversation) blockLoaded(gen uint64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gen == gen && c.blockKnown
}

// ensureBlock loads the block status of the current peer if it is still
// unknown.
func (c *Conversation) ensureBlock(ctx context.Context) error {
	c.mu.RLock()
	gen, known := c.gen, c.blockKnown
	c.mu.RUnlock()
	if known {
		return nil
	}
	return c.fetchBlock(ctx, gen)
}

func (c *Conversation) fetchPresence(ctx context.Context, gen uint64) error {
	if _, ok := c.current(gen); !ok {
		return nil
	}
	return c.presence.Refresh(ctx)
}

// RefreshMessages re-fetches the message list of the current peer outside
// the regular poll.
func (c *Conversation) RefreshMessages(ctx context.Context) error {
	c.mu.RLock()
	gen := c.gen
	c.mu.RUnlock()
	return c.fetchMessages(ctx, gen)
}

// RefreshPresence re-fetches presence outside the regular poll.
func (c *Conversation) RefreshPresence(ctx context.Context) error {
	c.mu.RLock()
	gen := c.gen
	c.mu.RUnlock()
	return c.fetchPresence(ctx, gen)
}

// RefreshBlock re-fetches the block relationship.
func (c *Conversation) RefreshBlock(ctx context.Context) error {
	c.mu.RLock()
	gen := c.gen
	c.mu.RUnlock()
	return c.fetchBlock(ctx, gen)
}

// ============================================================================
// Sending
// ============================================================================

// Send posts text to the current peer. Empty text, no selection and any
// block are rejected locally. On success the message is appended at once
// and message refreshes issued before the send are discarded, so the new
// message cannot disappear until a later poll confirms it.
func (c *Conversation) Send(ctx context.Context, text string) (*Message, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}
	if c.Peer() == nil {
		return nil, ErrNoConversation
	}
	if err := c.ensureBlock(ctx); err != nil {
		return nil, err
	}

	c.mu.RLock()
	switch {
	case c.peer == nil:
		c.mu.RUnlock()
		return nil, ErrNoConversation
	case !c.blockKnown || c.block.Blocked():
		c.mu.RUnlock()
		return nil, ErrBlocked
	}
	gen, peer := c.gen, c.peer.ID
	c.mu.RUnlock()

	msg, err := c.svc.SendMessage(ctx, peer, text)
	if err != nil {
		c.opts.logger.Error().Err(err).Int64("peer", int64(peer)).Msg("send message")
		return nil, errors.Wrap(err, "send message")
	}

	c.mu.Lock()
	applied := c.gen == gen
	if applied {
		if !containsMessage(c.messages, msg.ID) {
			c.messages = append(c.messages, *msg)
		}
		c.lastMessageID = msg.ID
		c.msgSeq.invalidate()
	}
	c.mu.Unlock()

	if applied {
		c.opts.events.emit(EventMessagesUpdated, 1)
	}
	return msg, nil
}

func containsMessage(msgs []Message, id int64) bool {
	for _, m := range msgs {
		if m.ID == id {
			return true
		}
	}
	return false
}

// SetDraft stores the composer text.
func (c *Conversation) SetDraft(text string) {
	c.mu.Lock()
	c.draft = text
	c.mu.Unlock()
}

func (c *Conversation) Draft() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.draft
}

// Submit sends the draft. The draft is cleared only when the send
// succeeded; on failure it is kept so the user can retry.
func (c *Conversation) Submit(ctx context.Context) (*Message, error) {
	draft := c.Draft()
	msg, err := c.Send(ctx, draft)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	if c.draft == draft {
		c.draft = ""
	}
	c.mu.Unlock()
	return msg, nil
}

// ============================================================================
// Blocking
// ============================================================================

// ToggleBlock blocks or unblocks the peer depending on the current state.
// It is refused when the peer has blocked the caller. The local flag flips
// only after the service accepted the change.
func (c *Conversation) ToggleBlock(ctx context.Context) error {
	if c.Peer() == nil {
		return ErrNoConversation
	}
	if err := c.ensureBlock(ctx); err != nil {
		return err
	}

	c.mu.RLock()
	switch {
	case c.peer == nil, !c.blockKnown:
		c.mu.RUnlock()
		return ErrNoConversation
	case c.block.BlockedMe:
		c.mu.RUnlock()
		return ErrBlockedByPeer
	}
	gen, peer, blocking := c.gen, c.peer.ID, !c.block.BlockedByMe
	c.mu.RUnlock()

	var err error
	if blocking {
		err = c.svc.Block(ctx, peer)
	} else {
		err = c.svc.Unblock(ctx, peer)
	}
	if err != nil {
		c.opts.logger.Error().Err(err).Int64("peer", int64(peer)).Bool("block", blocking).Msg("toggle block")
		return errors.Wrap(err, "toggle block")
	}

	c.mu.Lock()
	applied := c.gen == gen
	if applied {
		c.block.BlockedByMe = blocking
		c.blockKnown = true
	}
	state := c.block
	c.mu.Unlock()

	if applied {
		c.opts.events.emit(EventBlockUpdated, state)
	}
	return nil
}

// ============================================================================
// Accessors
// ============================================================================

// Peer returns a copy of the current peer, or nil.
func (c *Conversation) Peer() *User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.peer == nil {
		return nil
	}
	p := *c.peer
	return &p
}

func (c *Conversation) Messages() []Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Message(nil), c.messages...)
}

// LastMessageID returns the id of the newest known message. ok is false
// until a non-empty list has been seen.
func (c *Conversation) LastMessageID() (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastMessageID, c.lastMessageID != 0
}

func (c *Conversation) Block() BlockState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.block
}

// PeerPresence returns the peer's record if the service reported one.
func (c *Conversation) PeerPresence() (PresenceRecord, bool) {
	peer := c.Peer()
	if peer == nil {
		return PresenceRecord{}, false
	}
	return c.presence.Lookup(peer.ID)
}

func (c *Conversation) InputEnabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peer != nil && c.blockKnown && !c.block.Blocked()
}

func (c *Conversation) InputPlaceholder() string {
	if c.Block().Blocked() {
		return PlaceholderBlocked
	}
	return PlaceholderEnabled
}

// CanToggleBlock reports whether the block action is offered.
func (c *Conversation) CanToggleBlock() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peer != nil && c.blockKnown && !c.block.BlockedMe
}

// BlockLabel is the label of the block action.
func (c *Conversation) BlockLabel() string {
	if c.Block().BlockedByMe {
		return "Unblock"
	}
	return "Block"
}

// Status returns the header status text.
func (c *Conversation) Status() string {
	return c.View().Status
}

// View returns a snapshot of everything a renderer needs.
func (c *Conversation) View() ConversationView {
	c.mu.RLock()
	v := ConversationView{
		Messages:      append([]Message(nil), c.messages...),
		LastMessageID: c.lastMessageID,
		Block:         c.block,
		BlockKnown:    c.blockKnown,
		Draft:         c.draft,
	}
	if c.peer != nil {
		p := *c.peer
		v.Peer = &p
	}
	c.mu.RUnlock()

	if v.Peer != nil {
		if rec, ok := c.presence.Lookup(v.Peer.ID); ok {
			v.Presence = &rec
		}
	}
	v.Status = StatusText(v.Block, v.Presence, c.opts.now())
	v.InputEnabled = v.Peer != nil && v.BlockKnown && !v.Block.Blocked()
	v.Placeholder = PlaceholderEnabled
	if v.Block.Blocked() {
		v.Placeholder = PlaceholderBlocked
	}
	v.CanToggle = v.Peer != nil && v.BlockKnown && !v.Block.BlockedMe
	v.BlockLabel = "Block"
	if v.Block.BlockedByMe {
		v.BlockLabel = "Unblock"
	}
	return v
}

// Close stops the conversation polls. Late responses are ignored and
// Select becomes a no-op.
func (c *Conversation) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.gen++
	c.sched.Stop(TaskConversationMessages)
	c.sched.Stop(TaskConversationPresence)
}
