package session

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Role identifies the author of a message
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// IDPrefix is the prefix of every generated session id
const IDPrefix = "chat_"

var (
	ErrUnknownRole      = errors.New("unknown message role")
	ErrMisplacedSystem  = errors.New("system message must be the first message")
	ErrMultipleSystem   = errors.New("more than one system message")
	ErrEmptySessionID   = errors.New("session id is empty")
	ErrInvalidSessionID = errors.New("session id contains path separators")
)

// Message represents a single chat message
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Session represents a chat session
type Session struct {
	ID           string    `json:"id"`
	Messages     []Message `json:"messages"`
	LastModified time.Time `json:"last_modified"`

	// Ephemeral sessions are never persisted.
	Ephemeral bool `json:"-"`
}

// New creates a session holding only the leading system message.
func New(id string, systemPrompt string) *Session {
	return &Session{
		ID:           id,
		Messages:     []Message{{Role: RoleSystem, Content: systemPrompt}},
		LastModified: time.Now(),
	}
}

// Clone returns a deep copy of the session.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Messages = make([]Message, len(s.Messages))
	copy(out.Messages, s.Messages)
	return &out
}

// Append adds a message to the end of the log.
func (s *Session) Append(role Role, content string) Message {
	msg := Message{Role: role, Content: content}
	s.Messages = append(s.Messages, msg)
	s.LastModified = time.Now()
	return msg
}

// SystemPrompt returns the content of the leading system message, if any.
func (s *Session) SystemPrompt() (string, bool) {
	if len(s.Messages) == 0 || s.Messages[0].Role != RoleSystem {
		return "", false
	}
	return s.Messages[0].Content, true
}

// Transcript returns the messages without the leading system message.
func (s *Session) Transcript() []Message {
	if _, ok := s.SystemPrompt(); ok {
		return s.Messages[1:]
	}
	return s.Messages
}

// HasTurns reports whether anything beyond the system message has been said.
func (s *Session) HasTurns() bool {
	return len(s.Transcript()) > 0
}

// Validate checks the ordering rules of a message sequence.
func Validate(messages []Message) error {
	for i, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			if i == 0 {
				continue
			}
			if messages[0].Role == RoleSystem {
				return errors.Wrapf(ErrMultipleSystem, "message %d", i)
			}
			return errors.Wrapf(ErrMisplacedSystem, "message %d", i)
		case RoleUser, RoleAssistant:
		default:
			return errors.Wrapf(ErrUnknownRole, "message %d has role %q", i, msg.Role)
		}
	}
	return nil
}

// ValidateID rejects ids that cannot safely name a record.
func ValidateID(id string) error {
	if id == "" {
		return ErrEmptySessionID
	}
	if strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return errors.Wrapf(ErrInvalidSessionID, "%q", id)
	}
	return nil
}

// IDGenerator produces time-derived session ids that sort lexicographically
// in creation order and never repeat within a process.
type IDGenerator struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

// NewIDGenerator creates an id generator using the wall clock.
func NewIDGenerator() *IDGenerator {
	return &IDGenerator{now: time.Now}
}

// Next returns a fresh id.
func (g *IDGenerator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	ns := g.now().UnixNano()
	if ns <= g.last {
		ns = g.last + 1
	}
	g.last = ns
	// fixed width keeps lexicographic order equal to numeric order
	return fmt.Sprintf("%s%019d", IDPrefix, ns)
}
