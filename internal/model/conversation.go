package model

import "time"

type ConversationStatus string

const (
	StatusActive ConversationStatus = "active"
	StatusEnded  ConversationStatus = "ended"
)

// Conversation is the server-side record of one assistant conversation.
type Conversation struct {
	ID           string             `json:"id"`
	IPAddress    string             `json:"ip_address"`
	UserEmail    string             `json:"user_email,omitempty"`
	UserName     string             `json:"user_name,omitempty"`
	Context      string             `json:"context"`
	MessageCount int                `json:"message_count"`
	Status       ConversationStatus `json:"status"`
	Messages     []Message          `json:"messages"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
	EndedAt      *time.Time         `json:"ended_at,omitempty"`
}

func (c *Conversation) Active() bool {
	return c.Status == StatusActive
}

type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
}

// EmailSighting records that an email was used from an IP address.
type EmailSighting struct {
	Email     string    `json:"email"`
	IPAddress string    `json:"ip_address"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// ConversationSession is the client-held descriptor of the active conversation.
type ConversationSession struct {
	SessionID    string `json:"session_id"`
	IPAddress    string `json:"ip_address"`
	UserEmail    string `json:"user_email,omitempty"`
	UserName     string `json:"user_name,omitempty"`
	Context      string `json:"context"`
	MessageCount int    `json:"message_count"`
}
