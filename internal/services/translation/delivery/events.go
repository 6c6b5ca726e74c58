package delivery

import (
	"time"

	"github.com/louisbranch/parley/internal/services/translation/domain"
)

// Event types pushed to sessions.
const (
	EventMessageCreated           = "message.created"
	EventMessageTranslated        = "message.translated"
	EventMessageTranslationFailed = "message.translation_failed"
	EventMessageDeleted           = "message.deleted"
)

// Event is one push to a session.
type Event struct {
	Type    string
	Payload any
}

// MessagePayload is the original message as clients render it.
type MessagePayload struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	Content        string    `json:"content"`
	SourceLanguage string    `json:"source_language"`
	CreatedAt      time.Time `json:"created_at"`
	Edited         bool      `json:"edited,omitempty"`
	SupersedesID   string    `json:"supersedes_id,omitempty"`
}

// TranslationPayload carries one completed translation.
type TranslationPayload struct {
	MessageID         string  `json:"message_id"`
	TargetLanguage    string  `json:"target_language"`
	TranslatedContent string  `json:"translated_content"`
	EngineModelID     string  `json:"engine_model_id,omitempty"`
	Confidence        float64 `json:"confidence"`
}

// FailurePayload reports a translation that gave up.
type FailurePayload struct {
	MessageID      string `json:"message_id"`
	TargetLanguage string `json:"target_language"`
	Retryable      bool   `json:"retryable"`
}

// DeletedPayload names a deleted message.
type DeletedPayload struct {
	MessageID string `json:"message_id"`
}

// CreatedEvent builds the message.created event for msg.
func CreatedEvent(msg domain.Message) Event {
	return Event{Type: EventMessageCreated, Payload: MessagePayload{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Content:        msg.Content,
		SourceLanguage: msg.SourceLanguage,
		CreatedAt:      msg.CreatedAt,
		Edited:         msg.Edited,
		SupersedesID:   msg.SupersedesID,
	}}
}

// TranslatedEvent builds the message.translated event for rec.
func TranslatedEvent(rec domain.TranslationRecord) Event {
	return Event{Type: EventMessageTranslated, Payload: TranslationPayload{
		MessageID:         rec.MessageID,
		TargetLanguage:    rec.TargetLanguage,
		TranslatedContent: rec.TranslatedContent,
		EngineModelID:     rec.EngineModelID,
		Confidence:        rec.Confidence,
	}}
}

// messageID returns the message an event refers to.
func (e Event) messageID() string {
	switch p := e.Payload.(type) {
	case MessagePayload:
		return p.MessageID
	case TranslationPayload:
		return p.MessageID
	case FailurePayload:
		return p.MessageID
	case DeletedPayload:
		return p.MessageID
	default:
		return ""
	}
}
