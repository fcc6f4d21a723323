package store

import "time"

// --- Conversation Index (conversations/index.json) ---

type ConversationMeta struct {
	ID           string    `json:"id"`
	File         string    `json:"file"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type ConversationIndex struct {
	Conversations map[string]ConversationMeta `json:"conversations"`
}
