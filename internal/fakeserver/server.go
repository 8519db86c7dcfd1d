// Package fakeserver is an in-memory implementation of the chat service's
// REST surface and change feed. It backs the package tests and the
// devserver command.
package fakeserver

import (
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
	"nhooyr.io/websocket"
)

// DefaultOnlineWindow is how long after its last request a user counts as
// online.
const DefaultOnlineWindow = 30 * time.Second

type user struct {
	id           int64
	username     string
	email        string
	passwordHash []byte
	lastSeen     time.Time
}

type message struct {
	id        int64
	sender    int64
	receiver  int64
	content   string
	timestamp time.Time
	read      bool
}

type blockKey struct {
	blocker int64
	blocked int64
}

// Request is one recorded call.
type Request struct {
	Method string
	Path   string
	Query  string
}

type fault struct {
	status int
	delay  time.Duration
	times  int
}

// Server is the in-memory chat service.
type Server struct {
	logger       zerolog.Logger
	secret       string
	onlineWindow time.Duration
	now          func() time.Time

	mu         sync.Mutex
	users      map[int64]*user
	byName     map[string]int64
	tokens     map[string]int64
	messages   []*message
	blocks     map[blockKey]bool
	nextUserID int64
	nextMsgID  int64
	requests   []Request
	faults     map[string]*fault
	subs       map[*websocket.Conn]int64
}

// Option configures a Server.
type Option func(*Server)

// WithSecret sets the registration secret.
func WithSecret(secret string) Option {
	return func(s *Server) { s.secret = secret }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

func WithOnlineWindow(d time.Duration) Option {
	return func(s *Server) { s.onlineWindow = d }
}

// New creates an empty server.
func New(opts ...Option) *Server {
	s := &Server{
		logger:       zerolog.Nop(),
		secret:       "letmein",
		onlineWindow: DefaultOnlineWindow,
		now:          time.Now,
		users:        make(map[int64]*user),
		byName:       make(map[string]int64),
		tokens:       make(map[string]int64),
		blocks:       make(map[blockKey]bool),
		faults:       make(map[string]*fault),
		subs:         make(map[*websocket.Conn]int64),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP surface rooted at /api.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(chimw.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Use(s.record)
		r.Use(s.injectFaults)

		r.Post("/login/", s.handleLogin)
		r.Post("/register/", s.handleRegister)
		r.Get("/ws", s.handleStream)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAuth)

			r.Get("/me/", s.handleMe)
			r.Get("/users/", s.handleUsers)
			r.Get("/presence/", s.handlePresence)
			r.Get("/chat/messages/", s.handleListMessages)
			r.Post("/chat/messages/", s.handleSendMessage)
			r.Get("/chat/block/status/", s.handleBlockStatus)
			r.Post("/chat/block/", s.handleBlock)
			r.Delete("/chat/block/", s.handleUnblock)
			r.Get("/chat/unread_counts/", s.handleUnreadCounts)
		})
	})

	return r
}

// ============================================================================
// Seeding and inspection
// ============================================================================

// CreateUser adds an account and returns its id.
func (s *Server) CreateUser(username, password string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createUserLocked(username, "", password)
}

func (s *Server) createUserLocked(username, email, password string) (int64, error) {
	key := strings.ToLower(username)
	if _, ok := s.byName[key]; ok {
		return 0, errors.Errorf("user %q already exists", username)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return 0, errors.Wrap(err, "hash password")
	}
	s.nextUserID++
	u := &user{id: s.nextUserID, username: username, email: email, passwordHash: hash}
	s.users[u.id] = u
	s.byName[key] = u.id
	return u.id, nil
}

// IssueToken returns a fresh access token for an existing user.
func (s *Server) IssueToken(userID int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	token := uuid.NewString()
	s.tokens[token] = userID
	return token
}

// RevokeTokens invalidates every token of userID.
func (s *Server) RevokeTokens(userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for tok, id := range s.tokens {
		if id == userID {
			delete(s.tokens, tok)
		}
	}
}

// PostMessage stores a message as if sender had sent it.
func (s *Server) PostMessage(sender, receiver int64, content string) int64 {
	s.mu.Lock()
	m := s.appendMessageLocked(sender, receiver, content)
	s.mu.Unlock()
	s.broadcast(m)
	return m.id
}

func (s *Server) appendMessageLocked(sender, receiver int64, content string) *message {
	s.nextMsgID++
	m := &message{
		id:        s.nextMsgID,
		sender:    sender,
		receiver:  receiver,
		content:   content,
		timestamp: s.now(),
	}
	s.messages = append(s.messages, m)
	return m
}

// SetBlock sets or clears blocker's block on blocked.
func (s *Server) SetBlock(blocker, blocked int64, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := blockKey{blocker: blocker, blocked: blocked}
	if on {
		s.blocks[k] = true
	} else {
		delete(s.blocks, k)
	}
}

// Touch marks userID as active now.
func (s *Server) Touch(userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[userID]; ok {
		u.lastSeen = s.now()
	}
}

// Requests returns the calls recorded so far, oldest first.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// ResetRequests clears the request log.
func (s *Server) ResetRequests() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = nil
}

// Fail makes the next times calls to method path answer status.
func (s *Server) Fail(method, path string, status, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[method+" "+path] = &fault{status: status, times: times}
}

// Delay holds the next times calls to method path for d before serving.
func (s *Server) Delay(method, path string, d time.Duration, times int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[method+" "+path] = &fault{delay: d, times: times}
}

func (s *Server) blockedLocked(a, b int64) bool {
	return s.blocks[blockKey{a, b}] || s.blocks[blockKey{b, a}]
}

func (s *Server) onlineLocked(u *user) bool {
	return !u.lastSeen.IsZero() && s.now().Sub(u.lastSeen) < s.onlineWindow
}

func (s *Server) sortedUsersLocked() []*user {
	out := make([]*user, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
