package fakeserver

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

type userJSON struct {
	ID              int64   `json:"id"`
	Username        string  `json:"username"`
	LastMessage     *string `json:"last_message"`
	LastMessageTime *string `json:"last_message_time"`
}

type messageJSON struct {
	ID        int64  `json:"id"`
	Sender    int64  `json:"sender"`
	Receiver  int64  `json:"receiver"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
	IsRead    bool   `json:"is_read"`
}

type presenceJSON struct {
	ID       int64   `json:"id"`
	Online   bool    `json:"online"`
	LastSeen *string `json:"last_seen"`
}

func toMessageJSON(m *message) messageJSON {
	return messageJSON{
		ID:        m.id,
		Sender:    m.sender,
		Receiver:  m.receiver,
		Content:   m.content,
		Timestamp: formatTime(m.timestamp),
		IsRead:    m.read,
	}
}

func peerParam(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	return id, err == nil && id > 0
}

// ============================================================================
// Auth
// ============================================================================

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		detail(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byName[strings.ToLower(req.Username)]
	if !ok || bcrypt.CompareHashAndPassword(s.users[id].passwordHash, []byte(req.Password)) != nil {
		detail(w, http.StatusUnauthorized, "No active account found with the given credentials")
		return
	}

	access := uuid.NewString()
	s.tokens[access] = id
	writeJSON(w, http.StatusOK, map[string]string{
		"access":  access,
		"refresh": uuid.NewString(),
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Email    string `json:"email"`
		Password string `json:"password"`
		Secret   string `json:"secret"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		detail(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	fieldErrors := map[string][]string{}
	if strings.TrimSpace(req.Username) == "" {
		fieldErrors["username"] = []string{"This field is required."}
	}
	if req.Password == "" {
		fieldErrors["password"] = []string{"This field is required."}
	}
	if len(fieldErrors) > 0 {
		writeJSON(w, http.StatusBadRequest, fieldErrors)
		return
	}
	if req.Secret != s.secret {
		detail(w, http.StatusBadRequest, "Invalid secret code.")
		return
	}

	s.mu.Lock()
	if _, taken := s.byName[strings.ToLower(req.Username)]; taken {
		s.mu.Unlock()
		writeJSON(w, http.StatusBadRequest, map[string][]string{
			"username": {"A user with that username already exists."},
		})
		return
	}
	id, err := s.createUserLocked(req.Username, req.Email, req.Password)
	s.mu.Unlock()
	if err != nil {
		detail(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":       id,
		"username": req.Username,
		"email":    req.Email,
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	u := s.users[currentUser(r)]
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":       u.id,
		"username": u.username,
		"email":    u.email,
	})
}

// ============================================================================
// Directory and presence
// ============================================================================

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	me := currentUser(r)

	s.mu.Lock()
	defer s.mu.Unlock()

	out := []userJSON{}
	for _, u := range s.sortedUsersLocked() {
		if u.id == me {
			continue
		}
		row := userJSON{ID: u.id, Username: u.username}
		for i := len(s.messages) - 1; i >= 0; i-- {
			m := s.messages[i]
			if (m.sender == me && m.receiver == u.id) || (m.sender == u.id && m.receiver == me) {
				content, ts := m.content, formatTime(m.timestamp)
				row.LastMessage, row.LastMessageTime = &content, &ts
				break
			}
		}
		out = append(out, row)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []presenceJSON{}
	for _, u := range s.sortedUsersLocked() {
		row := presenceJSON{ID: u.id, Online: s.onlineLocked(u)}
		if !u.lastSeen.IsZero() {
			ts := formatTime(u.lastSeen)
			row.LastSeen = &ts
		}
		out = append(out, row)
	}
	writeJSON(w, http.StatusOK, out)
}

// ============================================================================
// Messages
// ============================================================================

// handleListMessages returns the conversation and marks the peer's messages
// to the caller as read.
func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	me := currentUser(r)
	peer, ok := peerParam(r)
	if !ok {
		detail(w, http.StatusBadRequest, "user_id is required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := []messageJSON{}
	for _, m := range s.messages {
		switch {
		case m.sender == me && m.receiver == peer:
			out = append(out, toMessageJSON(m))
		case m.sender == peer && m.receiver == me:
			m.read = true
			out = append(out, toMessageJSON(m))
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	me := currentUser(r)
	var req struct {
		Receiver int64  `json:"receiver"`
		Content  string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		detail(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeJSON(w, http.StatusBadRequest, map[string][]string{"content": {"This field may not be blank."}})
		return
	}

	s.mu.Lock()
	if _, ok := s.users[req.Receiver]; !ok || req.Receiver == me {
		s.mu.Unlock()
		writeJSON(w, http.StatusBadRequest, map[string][]string{"receiver": {"Invalid pk - object does not exist."}})
		return
	}
	if s.blockedLocked(me, req.Receiver) {
		s.mu.Unlock()
		detail(w, http.StatusForbidden, "You cannot message this user.")
		return
	}
	m := s.appendMessageLocked(me, req.Receiver, req.Content)
	out := toMessageJSON(m)
	s.mu.Unlock()

	s.broadcast(m)
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleUnreadCounts(w http.ResponseWriter, r *http.Request) {
	me := currentUser(r)

	s.mu.Lock()
	defer s.mu.Unlock()

	counts := map[int64]int{}
	var order []int64
	for _, m := range s.messages {
		if m.receiver != me || m.read {
			continue
		}
		if _, seen := counts[m.sender]; !seen {
			order = append(order, m.sender)
		}
		counts[m.sender]++
	}

	out := make([]map[string]int64, 0, len(order))
	for _, id := range order {
		out = append(out, map[string]int64{"user_id": id, "count": int64(counts[id])})
	}
	writeJSON(w, http.StatusOK, out)
}

// ============================================================================
// Blocking
// ============================================================================

func (s *Server) handleBlockStatus(w http.ResponseWriter, r *http.Request) {
	me := currentUser(r)
	peer, ok := peerParam(r)
	if !ok {
		detail(w, http.StatusBadRequest, "user_id is required")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]bool{
		"blocked_by_me": s.blocks[blockKey{me, peer}],
		"blocked_me":    s.blocks[blockKey{peer, me}],
	})
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	me := currentUser(r)
	var req struct {
		UserID int64 `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		detail(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[req.UserID]; !ok || req.UserID == me {
		detail(w, http.StatusBadRequest, "Invalid user.")
		return
	}
	s.blocks[blockKey{me, req.UserID}] = true
	detail(w, http.StatusCreated, "User blocked.")
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	me := currentUser(r)
	peer, ok := peerParam(r)
	if !ok {
		detail(w, http.StatusBadRequest, "user_id is required")
		return
	}

	s.mu.Lock()
	delete(s.blocks, blockKey{me, peer})
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}
