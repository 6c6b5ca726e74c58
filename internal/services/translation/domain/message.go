// Package domain defines the values that flow through the translation
// fan-out pipeline: messages, conversation participants, translation
// records and the ephemeral per-language fan-out requests.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// Message is one chat message as accepted by ingestion. The pipeline never
// mutates it; edits produce a new Message that names the one it supersedes.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	Content        string
	SourceLanguage string
	CreatedAt      time.Time
	Edited         bool
	Deleted        bool
	// SupersedesID is set on the new version produced by an edit.
	SupersedesID string
}

// Validate checks the fields the pipeline relies on.
func (m Message) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return fmt.Errorf("message id is required")
	}
	if strings.TrimSpace(m.ConversationID) == "" {
		return fmt.Errorf("conversation id is required")
	}
	if strings.TrimSpace(m.SenderID) == "" {
		return fmt.Errorf("sender id is required")
	}
	if strings.TrimSpace(m.Content) == "" {
		return fmt.Errorf("message content is required")
	}
	return nil
}

// Edit returns the new logical version of m carrying content. The caller
// assigns the new id and timestamp.
func (m Message) Edit(newID, content string, at time.Time) Message {
	return Message{
		ID:             newID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        content,
		SourceLanguage: m.SourceLanguage,
		CreatedAt:      at,
		Edited:         true,
		SupersedesID:   m.ID,
	}
}
