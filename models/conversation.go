package models

import (
	"time"
)

// Role identifies the speaker of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r may be stored as a turn. System prompts are never stored.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// StoreZone is the fixed UTC+3 offset every stored timestamp is rendered in.
var StoreZone = time.FixedZone("MSK", 3*60*60)

// Turn is one stored message of a conversation. Turns are never updated.
type Turn struct {
	ID             int64     `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	Timestamp      time.Time `json:"timestamp"`
}

// Message is the role/content pair sent to the remote model.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}
