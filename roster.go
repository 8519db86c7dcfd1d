package pollchat

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// DirectorySource lists the users the caller can talk to.
type DirectorySource interface {
	Users(ctx context.Context) ([]User, error)
}

// Roster is the directory of other users. It is loaded once per session, so
// last-message previews may lag behind the open conversation.
type Roster struct {
	src  DirectorySource
	opts options

	mu     sync.RWMutex
	users  []User
	loaded bool
}

func NewRoster(src DirectorySource, opts ...Option) *Roster {
	return &Roster{src: src, opts: buildOptions(opts)}
}

// Load fetches the directory and replaces the local copy.
func (r *Roster) Load(ctx context.Context) error {
	users, err := r.src.Users(ctx)
	if err != nil {
		return errors.Wrap(err, "fetch users")
	}

	r.mu.Lock()
	r.users = users
	r.loaded = true
	r.mu.Unlock()

	r.opts.events.emit(EventRosterUpdated, len(users))
	return nil
}

// Loaded reports whether a Load has succeeded.
func (r *Roster) Loaded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loaded
}

// Users returns the directory in service order.
func (r *Roster) Users() []User {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]User(nil), r.users...)
}

// Filter returns the users whose username contains term, ignoring case. An
// empty term matches everyone. Whitespace in term is significant.
func (r *Roster) Filter(term string) []User {
	needle := strings.ToLower(term)

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]User, 0, len(r.users))
	for _, u := range r.users {
		if strings.Contains(strings.ToLower(u.Username), needle) {
			out = append(out, u)
		}
	}
	return out
}

func (r *Roster) Lookup(id UserID) (User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, u := range r.users {
		if u.ID == id {
			return u, true
		}
	}
	return User{}, false
}

// FindByName returns the user with the exact username, ignoring case.
func (r *Roster) FindByName(username string) (User, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, u := range r.users {
		if strings.EqualFold(u.Username, username) {
			return u, true
		}
	}
	return User{}, false
}

func (r *Roster) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.users = nil
	r.loaded = false
}

// ============================================================================
// Sidebar
// ============================================================================

// SidebarSource is everything the sidebar polls.
type SidebarSource interface {
	DirectorySource
	PresenceSource
	UnreadSource
}

// SidebarEntry is one rendered row of the roster.
type SidebarEntry struct {
	User   User
	Online bool
	Unread int
	Active bool
}

// Sidebar combines the roster with its own presence and unread polls.
type Sidebar struct {
	Roster   *Roster
	Presence *PresenceTracker
	Unread   *UnreadCounter

	sched *Scheduler
	opts  options

	mu       sync.RWMutex
	search   string
	selected UserID
}

func NewSidebar(src SidebarSource, sched *Scheduler, opts ...Option) *Sidebar {
	o := buildOptions(opts)
	child := o.componentOptions()
	return &Sidebar{
		Roster:   NewRoster(src, child...),
		Presence: NewPresenceTracker("sidebar", src, child...),
		Unread:   NewUnreadCounter(src, child...),
		sched:    sched,
		opts:     o,
	}
}

// Start loads the directory, fetches presence and unread counts once, and
// begins polling both. Initial failures are logged; the polls retry.
func (s *Sidebar) Start(ctx context.Context) {
	if err := s.Roster.Load(ctx); err != nil {
		s.opts.logger.Error().Err(err).Msg("load roster")
	}
	if err := s.Presence.Refresh(ctx); err != nil {
		s.opts.logger.Warn().Err(err).Msg("initial sidebar presence")
	}
	if err := s.Unread.Refresh(ctx); err != nil {
		s.opts.logger.Warn().Err(err).Msg("initial unread counts")
	}

	s.sched.Every(TaskSidebarPresence, s.opts.intervals.RosterPresence,
		pollTask(s.opts, TaskSidebarPresence, s.Presence.Refresh))
	s.sched.Every(TaskSidebarUnread, s.opts.intervals.Unread,
		pollTask(s.opts, TaskSidebarUnread, s.Unread.Refresh))
}

// Stop halts the sidebar polls and clears its state.
func (s *Sidebar) Stop() {
	s.sched.Stop(TaskSidebarPresence)
	s.sched.Stop(TaskSidebarUnread)

	s.Presence.Reset()
	s.Unread.Reset()
	s.Roster.Reset()

	s.mu.Lock()
	s.search = ""
	s.selected = 0
	s.mu.Unlock()
}

func (s *Sidebar) SetSearch(term string) {
	s.mu.Lock()
	s.search = term
	s.mu.Unlock()
}

func (s *Sidebar) Search() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.search
}

// Select marks u as the active conversation and zeroes its unread count.
// A nil u clears the selection.
func (s *Sidebar) Select(u *User) {
	s.mu.Lock()
	if u == nil {
		s.selected = 0
	} else {
		s.selected = u.ID
	}
	s.mu.Unlock()

	if u != nil {
		s.Unread.MarkSeen(u.ID)
	}
}

// Selected returns the active user id, or 0.
func (s *Sidebar) Selected() UserID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.selected
}

// Entries returns the rows matching the current search.
func (s *Sidebar) Entries() []SidebarEntry {
	s.mu.RLock()
	term, selected := s.search, s.selected
	s.mu.RUnlock()

	users := s.Roster.Filter(term)
	presence := s.Presence.Snapshot()
	unread := s.Unread.Snapshot()

	out := make([]SidebarEntry, 0, len(users))
	for _, u := range users {
		out = append(out, SidebarEntry{
			User:   u,
			Online: presence[u.ID].Online,
			Unread: unread[u.ID],
			Active: u.ID == selected,
		})
	}
	return out
}
