package pollchat

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

// ============================================================================
// Shared Types
// ============================================================================

// UserID identifies an account on the chat service.
type UserID int64

// APIError represents a non-2xx response from the chat service.
type APIError struct {
	StatusCode int
	Detail     string
	Body       string
}

// Error returns the server-provided detail, or the raw payload when the
// server sent none.
func (e *APIError) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	if e.Body != "" {
		return e.Body
	}
	return "http " + strconv.Itoa(e.StatusCode)
}

// ============================================================================
// Identity & Auth Types
// ============================================================================

// Me is the identity bound to the current access token.
type Me struct {
	ID       UserID `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
}

// Tokens is the credential pair returned by login.
type Tokens struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// RegisterRequest is the payload of account registration.
type RegisterRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Secret   string `json:"secret"`
}

// Account is the account created by registration.
type Account struct {
	ID       UserID `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
}

// ============================================================================
// Directory Types
// ============================================================================

// User is an addressable entry in the directory.
type User struct {
	ID              UserID  `json:"id"`
	Username        string  `json:"username"`
	LastMessage     *string `json:"last_message,omitempty"`
	LastMessageTime *string `json:"last_message_time,omitempty"`
}

// Initial returns the upper-cased first character of the username.
func (u User) Initial() string {
	r, _ := utf8.DecodeRuneInString(u.Username)
	if r == utf8.RuneError {
		return "?"
	}
	return string(unicode.ToUpper(r))
}

// Preview returns the last-message preview shown in the roster.
func (u User) Preview() string {
	if u.LastMessage != nil {
		if p := strings.TrimSpace(*u.LastMessage); p != "" {
			return p
		}
	}
	return "No messages yet"
}

// PreviewTime returns the clock time of the last message, or "".
func (u User) PreviewTime() string {
	if u.LastMessageTime == nil {
		return ""
	}
	return FormatTimestamp(*u.LastMessageTime)
}

// ============================================================================
// Message Types
// ============================================================================

// Message is an immutable chat message between two users.
type Message struct {
	ID        int64  `json:"id"`
	Sender    UserID `json:"sender"`
	Receiver  UserID `json:"receiver"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
	IsRead    bool   `json:"is_read"`
}

// Time parses the message timestamp; the zero time is returned when the
// server value cannot be parsed.
func (m Message) Time() time.Time {
	t, _ := ParseTimestamp(m.Timestamp)
	return t
}

// Mine reports whether me sent the message.
func (m Message) Mine(me UserID) bool {
	return m.Sender == me
}

// Between reports whether the message belongs to the pair (a, b).
func (m Message) Between(a, b UserID) bool {
	return (m.Sender == a && m.Receiver == b) || (m.Sender == b && m.Receiver == a)
}

// TickState is the delivery marker of an outgoing message.
type TickState string

const (
	TickDelivered TickState = "delivered"
	TickSeen      TickState = "seen"
)

// Ticks returns the marker text and state shown next to an outgoing message.
func (m Message) Ticks() (string, TickState) {
	if m.IsRead {
		return "✓✓", TickSeen
	}
	return "✓✓", TickDelivered
}

type sendMessageRequest struct {
	Receiver UserID `json:"receiver"`
	Content  string `json:"content"`
}

// ============================================================================
// Presence / Block / Unread Types
// ============================================================================

// PresenceRecord is the online state of one user.
type PresenceRecord struct {
	ID       UserID  `json:"id"`
	Online   bool    `json:"online"`
	LastSeen *string `json:"last_seen,omitempty"`
}

// LastSeenTime parses LastSeen, returning the zero time when absent.
func (p PresenceRecord) LastSeenTime() time.Time {
	if p.LastSeen == nil {
		return time.Time{}
	}
	t, _ := ParseTimestamp(*p.LastSeen)
	return t
}

// BlockState is the bidirectional block relationship of a conversation.
type BlockState struct {
	BlockedByMe bool `json:"blocked_by_me"`
	BlockedMe   bool `json:"blocked_me"`
}

// Blocked reports whether either side has blocked the other.
func (b BlockState) Blocked() bool {
	return b.BlockedByMe || b.BlockedMe
}

type blockRequest struct {
	UserID UserID `json:"user_id"`
}

// UnreadCount is one row of the unread counts endpoint.
type UnreadCount struct {
	UserID UserID `json:"user_id"`
	Count  int    `json:"count"`
}

// ============================================================================
// Stream Types
// ============================================================================

// StreamEnvelope is the wire format of every stream event.
type StreamEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// MessageNewPayload is sent when a message is created.
type MessageNewPayload struct {
	ID       int64  `json:"id"`
	Sender   UserID `json:"sender"`
	Receiver UserID `json:"receiver"`
}

// PresenceChangedPayload is sent when a user goes online or offline.
type PresenceChangedPayload struct {
	ID     UserID `json:"id"`
	Online bool   `json:"online"`
}
