package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/net/websocket"

	apperrors "github.com/louisbranch/parley/internal/platform/errors"
	"github.com/louisbranch/parley/internal/platform/id"
	"github.com/louisbranch/parley/internal/platform/telemetry/metrics"
	"github.com/louisbranch/parley/internal/platform/timeouts"
	"github.com/louisbranch/parley/internal/services/chat/participants"
	"github.com/louisbranch/parley/internal/services/translation/delivery"
	"github.com/louisbranch/parley/internal/services/translation/domain"
	"github.com/louisbranch/parley/internal/services/translation/fanout"
	"github.com/louisbranch/parley/internal/services/translation/language"
	"github.com/louisbranch/parley/internal/services/translation/reconcile"
	"github.com/louisbranch/parley/internal/services/translation/storage"
)

// Client frame types.
const (
	frameJoin           = "chat.join"
	frameSend           = "chat.send"
	frameEdit           = "chat.edit"
	frameDelete         = "chat.delete"
	frameHistoryBefore  = "chat.history.before"
	frameTranslationGet = "chat.translation.get"
	framePreferencesSet = "chat.preferences.set"
)

// Server frame types besides the delivery events.
const (
	frameJoined  = "chat.joined"
	frameAck     = "chat.ack"
	frameError   = "chat.error"
	frameMessage = "chat.message"
)

// Deps are the pipeline pieces the gateway handler drives.
type Deps struct {
	Cache        storage.Cache
	Sweeper      storage.Sweeper
	Orchestrator *fanout.Orchestrator
	Broadcaster  *delivery.Broadcaster
	Directory    *participants.Directory
	Runner       *reconcile.Runner
	Resolver     language.Resolver
	Registry     *prometheus.Registry
	// Now stamps accepted messages. Defaults to time.Now in UTC.
	Now func() time.Time
}

type wsFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type wsErrorEnvelope struct {
	Error wsError `json:"error"`
}

type wsError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
}

type joinPayload struct {
	ConversationID string             `json:"conversation_id"`
	ParticipantID  string             `json:"participant_id"`
	Kind           string             `json:"kind,omitempty"`
	ExternalID     string             `json:"external_id,omitempty"`
	DisplayName    string             `json:"display_name,omitempty"`
	Preferences    domain.Preferences `json:"preferences"`
}

type joinedPayload struct {
	ConversationID   string `json:"conversation_id"`
	ParticipantID    string `json:"participant_id"`
	Language         string `json:"language"`
	LatestSequenceID int64  `json:"latest_sequence_id"`
	ServerTime       string `json:"server_time"`
}

type sendPayload struct {
	ClientMessageID string `json:"client_message_id"`
	Content         string `json:"content"`
	SourceLanguage  string `json:"source_language,omitempty"`
}

type editPayload struct {
	ClientMessageID string `json:"client_message_id"`
	MessageID       string `json:"message_id"`
	Content         string `json:"content"`
}

type deletePayload struct {
	MessageID string `json:"message_id"`
}

type historyBeforePayload struct {
	BeforeSequenceID int64 `json:"before_sequence_id"`
	Limit            int   `json:"limit"`
}

type translationGetPayload struct {
	MessageID string `json:"message_id"`
	Language  string `json:"language,omitempty"`
}

type preferencesPayload struct {
	Preferences domain.Preferences `json:"preferences"`
}

type historyMessage struct {
	SequenceID int64 `json:"sequence_id"`
	delivery.MessagePayload
}

type messageEnvelope struct {
	Message historyMessage `json:"message"`
}

type ackEnvelope struct {
	Result ackResult `json:"result"`
}

type ackResult struct {
	Status     string `json:"status"`
	MessageID  string `json:"message_id,omitempty"`
	SequenceID int64  `json:"sequence_id,omitempty"`
	Count      int    `json:"count,omitempty"`
	Language   string `json:"language,omitempty"`
}

// wsSession is the per-connection state: who joined which room and in
// which language.
type wsSession struct {
	mu            sync.Mutex
	participantID string
	language      string
	room          *conversationRoom
	detach        func()
	peer          *wsPeer
}

func newWSSession(peer *wsPeer) *wsSession {
	return &wsSession{peer: peer}
}

func (s *wsSession) current() (*conversationRoom, string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room, s.participantID, s.language
}

func (s *wsSession) setLanguage(lang string) {
	s.mu.Lock()
	s.language = lang
	s.mu.Unlock()
}

// wsPeer writes frames to one websocket. It is the delivery.Session of
// the connection.
type wsPeer struct {
	mu       sync.Mutex
	encoder  *json.Encoder
	deadline func(time.Time) error
}

func newWSPeer(conn *websocket.Conn) *wsPeer {
	return &wsPeer{encoder: json.NewEncoder(conn), deadline: conn.SetWriteDeadline}
}

func (p *wsPeer) writeFrame(frame wsFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.deadline != nil {
		_ = p.deadline(time.Now().Add(timeouts.WSWrite))
	}
	return p.encoder.Encode(frame)
}

// Deliver implements delivery.Session.
func (p *wsPeer) Deliver(ev delivery.Event) error {
	return p.writeFrame(wsFrame{Type: ev.Type, Payload: mustJSON(ev.Payload)})
}

type handler struct {
	deps Deps
	hub  *roomHub
}

// NewHandler creates the gateway routes: /ws for clients, /up, /metrics
// and the admin sweep endpoints.
func NewHandler(deps Deps) http.Handler {
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	h := &handler{deps: deps, hub: newRoomHub()}

	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.Handle("/metrics", metrics.Handler(deps.Registry))
	mux.HandleFunc("/admin/sweep", h.handleAdminSweep)
	mux.HandleFunc("/admin/duplicates", h.handleAdminDuplicates)

	wsHandler := websocket.Handler(h.handleWSConn)
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		wsHandler.ServeHTTP(w, r)
	})

	return mux
}

func (h *handler) handleWSConn(conn *websocket.Conn) {
	defer func() {
		_ = conn.Close()
	}()

	ctx := context.Background()
	if request := conn.Request(); request != nil {
		ctx = request.Context()
	}
	decoder := json.NewDecoder(conn)
	session := newWSSession(newWSPeer(conn))
	defer h.leave(session)

	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var frame wsFrame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			decodeErrors++
			_ = writeWSError(session.peer, "", "INVALID_ARGUMENT", "invalid frame payload")
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "payload too large")
			continue
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			_ = writeWSError(session.peer, frame.RequestID, "RESOURCE_EXHAUSTED", "rate limit exceeded")
			return
		}

		switch frame.Type {
		case frameJoin:
			h.handleJoinFrame(session, frame)
		case frameSend:
			h.handleSendFrame(ctx, session, frame)
		case frameEdit:
			h.handleEditFrame(ctx, session, frame)
		case frameDelete:
			h.handleDeleteFrame(session, frame)
		case frameHistoryBefore:
			handleHistoryBeforeFrame(session, frame)
		case frameTranslationGet:
			h.handleTranslationGetFrame(ctx, session, frame)
		case framePreferencesSet:
			h.handlePreferencesFrame(session, frame)
		default:
			_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "unsupported frame type")
		}
	}
}

// leave detaches the session from its room and marks the participant
// inactive.
func (h *handler) leave(session *wsSession) {
	session.mu.Lock()
	room, participantID, detach := session.room, session.participantID, session.detach
	session.room, session.detach = nil, nil
	session.mu.Unlock()

	if detach != nil {
		detach()
	}
	if room != nil && h.deps.Directory != nil {
		h.deps.Directory.Leave(room.conversationID, participantID)
	}
}

func (h *handler) handleJoinFrame(session *wsSession, frame wsFrame) {
	var payload joinPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "invalid join payload")
		return
	}
	conversationID := strings.TrimSpace(payload.ConversationID)
	participantID := strings.TrimSpace(payload.ParticipantID)
	if conversationID == "" || participantID == "" {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "conversation_id and participant_id are required")
		return
	}
	if utf8.RuneCountInString(conversationID) > maxIdentifierRunes || utf8.RuneCountInString(participantID) > maxIdentifierRunes {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "identifiers must be at most 128 characters")
		return
	}

	participant, err := domain.NewParticipant(domain.ParticipantKind(strings.TrimSpace(payload.Kind)), domain.Membership{
		ID:             participantID,
		ConversationID: conversationID,
		Active:         true,
		DisplayName:    strings.TrimSpace(payload.DisplayName),
		Preferences:    payload.Preferences,
	}, strings.TrimSpace(payload.ExternalID))
	if err != nil {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", err.Error())
		return
	}

	h.leave(session)
	if err := h.deps.Directory.Join(participant); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", err.Error())
		return
	}
	lang := h.deps.Resolver.Resolve(participant)

	room := h.hub.room(conversationID)
	room.attach(func(latest int64, backlog []domain.Message) {
		_ = session.peer.writeFrame(wsFrame{
			Type:      frameJoined,
			RequestID: frame.RequestID,
			Payload: mustJSON(joinedPayload{
				ConversationID:   conversationID,
				ParticipantID:    participantID,
				Language:         lang,
				LatestSequenceID: latest,
				ServerTime:       h.deps.Now().Format(time.RFC3339),
			}),
		})
		detach := h.deps.Broadcaster.Attach(conversationID, session.peer, lang, backlog)

		session.mu.Lock()
		session.room = room
		session.participantID = participantID
		session.language = lang
		session.detach = detach
		session.mu.Unlock()
	})
}

func (h *handler) handleSendFrame(ctx context.Context, session *wsSession, frame wsFrame) {
	var payload sendPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "invalid send payload")
		return
	}
	clientMessageID, content, ok := validateContent(session.peer, frame.RequestID, payload.ClientMessageID, payload.Content)
	if !ok {
		return
	}

	room, participantID, sessionLanguage := session.current()
	if room == nil {
		_ = writeWSError(session.peer, frame.RequestID, "FORBIDDEN", "must join a conversation before sending")
		return
	}

	source := sessionLanguage
	if raw := strings.TrimSpace(payload.SourceLanguage); raw != "" {
		normalized, ok := h.deps.Resolver.Normalize(raw)
		if !ok {
			_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "source_language is not a valid language tag")
			return
		}
		source = normalized
	}

	messageID, err := id.WithPrefix("msg")
	if err != nil {
		_ = writeWSError(session.peer, frame.RequestID, "INTERNAL", "could not assign message id")
		return
	}
	entry, duplicate := room.appendMessage(clientMessageID, domain.Message{
		ID:             messageID,
		ConversationID: room.conversationID,
		SenderID:       participantID,
		Content:        content,
		SourceLanguage: source,
		CreatedAt:      h.deps.Now(),
	})
	writeAck(session.peer, frame.RequestID, ackResult{Status: "ok", MessageID: entry.msg.ID, SequenceID: entry.seq})
	if duplicate {
		return
	}
	h.publish(ctx, entry.msg)
}

func (h *handler) handleEditFrame(ctx context.Context, session *wsSession, frame wsFrame) {
	var payload editPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "invalid edit payload")
		return
	}
	clientMessageID, content, ok := validateContent(session.peer, frame.RequestID, payload.ClientMessageID, payload.Content)
	if !ok {
		return
	}
	room, participantID, _ := session.current()
	if room == nil {
		_ = writeWSError(session.peer, frame.RequestID, "FORBIDDEN", "must join a conversation before editing")
		return
	}
	if entry, ok := room.accepted(participantID, clientMessageID); ok {
		writeAck(session.peer, frame.RequestID, ackResult{Status: "ok", MessageID: entry.msg.ID, SequenceID: entry.seq})
		return
	}
	original, ok := h.ownMessage(session, frame.RequestID, room, participantID, payload.MessageID)
	if !ok {
		return
	}

	messageID, err := id.WithPrefix("msg")
	if err != nil {
		_ = writeWSError(session.peer, frame.RequestID, "INTERNAL", "could not assign message id")
		return
	}
	entry, duplicate, err := room.replaceMessage(clientMessageID, original.Edit(messageID, content, h.deps.Now()))
	if err != nil {
		_ = writeWSError(session.peer, frame.RequestID, "NOT_FOUND", err.Error())
		return
	}
	writeAck(session.peer, frame.RequestID, ackResult{Status: "ok", MessageID: entry.msg.ID, SequenceID: entry.seq})
	if duplicate {
		return
	}
	h.deps.Orchestrator.Invalidate(original.ID)
	h.publish(ctx, entry.msg)
}

func (h *handler) handleDeleteFrame(session *wsSession, frame wsFrame) {
	var payload deletePayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "invalid delete payload")
		return
	}
	room, participantID, _ := session.current()
	if room == nil {
		_ = writeWSError(session.peer, frame.RequestID, "FORBIDDEN", "must join a conversation before deleting")
		return
	}
	original, ok := h.ownMessage(session, frame.RequestID, room, participantID, payload.MessageID)
	if !ok {
		return
	}
	room.markDeleted(original.ID)
	h.deps.Orchestrator.Invalidate(original.ID)
	writeAck(session.peer, frame.RequestID, ackResult{Status: "ok", MessageID: original.ID})
	h.deps.Broadcaster.DeliverDeleted(room.conversationID, original.ID)
}

// ownMessage looks up a live message of room sent by participantID and
// writes the error frame when there is none.
func (h *handler) ownMessage(session *wsSession, requestID string, room *conversationRoom, participantID, messageID string) (domain.Message, bool) {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		_ = writeWSError(session.peer, requestID, "INVALID_ARGUMENT", "message_id is required")
		return domain.Message{}, false
	}
	msg, ok := room.lookup(messageID)
	if !ok || msg.Deleted {
		_ = writeWSError(session.peer, requestID, "NOT_FOUND", "message not found")
		return domain.Message{}, false
	}
	if msg.SenderID != participantID {
		_ = writeWSError(session.peer, requestID, "FORBIDDEN", "only the sender can change a message")
		return domain.Message{}, false
	}
	return msg, true
}

// publish delivers the original to the room and starts its fan-out.
func (h *handler) publish(ctx context.Context, msg domain.Message) {
	h.deps.Broadcaster.DeliverOriginal(msg)
	if _, err := h.deps.Orchestrator.OnMessageCreated(ctx, msg, h.deps.Directory.Participants(msg.ConversationID)); err != nil {
		log.Printf("chat: fan-out for message %s: %v", msg.ID, err)
	}
}

func handleHistoryBeforeFrame(session *wsSession, frame wsFrame) {
	var payload historyBeforePayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "invalid history payload")
		return
	}
	if payload.BeforeSequenceID < 1 {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "before_sequence_id must be >= 1")
		return
	}
	if payload.Limit <= 0 {
		payload.Limit = 50
	}
	if payload.Limit > 200 {
		payload.Limit = 200
	}

	room, _, _ := session.current()
	if room == nil {
		_ = writeWSError(session.peer, frame.RequestID, "FORBIDDEN", "must join a conversation before requesting history")
		return
	}

	history := room.historyBefore(payload.BeforeSequenceID, payload.Limit)
	for _, entry := range history {
		created := delivery.CreatedEvent(entry.msg)
		_ = session.peer.writeFrame(wsFrame{
			Type: frameMessage,
			Payload: mustJSON(messageEnvelope{Message: historyMessage{
				SequenceID:     entry.seq,
				MessagePayload: created.Payload.(delivery.MessagePayload),
			}}),
		})
	}
	writeAck(session.peer, frame.RequestID, ackResult{Status: "ok", Count: len(history)})
}

func (h *handler) handleTranslationGetFrame(ctx context.Context, session *wsSession, frame wsFrame) {
	var payload translationGetPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "invalid translation payload")
		return
	}
	messageID := strings.TrimSpace(payload.MessageID)
	if messageID == "" {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "message_id is required")
		return
	}
	room, _, _ := session.current()
	if room == nil {
		_ = writeWSError(session.peer, frame.RequestID, "FORBIDDEN", "must join a conversation before requesting translations")
		return
	}
	if _, ok := room.lookup(messageID); !ok {
		_ = writeWSError(session.peer, frame.RequestID, "NOT_FOUND", "message not found")
		return
	}

	var records []domain.TranslationRecord
	if raw := strings.TrimSpace(payload.Language); raw != "" {
		lang, ok := h.deps.Resolver.Normalize(raw)
		if !ok {
			_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "language is not a valid language tag")
			return
		}
		rec, found, err := h.deps.Cache.Get(ctx, domain.Key{MessageID: messageID, TargetLanguage: lang})
		if err != nil {
			writeWSCodedError(session.peer, frame.RequestID, err)
			return
		}
		if found {
			records = append(records, rec)
		}
	} else {
		list, err := h.deps.Cache.ListByMessage(ctx, messageID)
		if err != nil {
			writeWSCodedError(session.peer, frame.RequestID, err)
			return
		}
		records = list
	}

	if len(records) == 0 {
		writeAck(session.peer, frame.RequestID, ackResult{Status: "pending", MessageID: messageID})
		return
	}
	for _, rec := range records {
		_ = session.peer.Deliver(delivery.TranslatedEvent(rec))
	}
	writeAck(session.peer, frame.RequestID, ackResult{Status: "ok", MessageID: messageID, Count: len(records)})
}

func (h *handler) handlePreferencesFrame(session *wsSession, frame wsFrame) {
	var payload preferencesPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, "INVALID_ARGUMENT", "invalid preferences payload")
		return
	}
	room, participantID, _ := session.current()
	if room == nil {
		_ = writeWSError(session.peer, frame.RequestID, "FORBIDDEN", "must join a conversation before setting preferences")
		return
	}
	h.deps.Directory.UpdatePreferences(participantID, payload.Preferences)
	lang := h.deps.Resolver.ResolvePreferences(payload.Preferences)
	h.deps.Broadcaster.SetLanguage(room.conversationID, session.peer, lang)
	session.setLanguage(lang)
	writeAck(session.peer, frame.RequestID, ackResult{Status: "ok", Language: lang})
}

func validateContent(peer *wsPeer, requestID, rawClientID, rawContent string) (string, string, bool) {
	clientMessageID := strings.TrimSpace(rawClientID)
	if clientMessageID == "" {
		_ = writeWSError(peer, requestID, "INVALID_ARGUMENT", "client_message_id is required")
		return "", "", false
	}
	if utf8.RuneCountInString(clientMessageID) > maxClientMessageIDRunes {
		_ = writeWSError(peer, requestID, "INVALID_ARGUMENT", "client_message_id must be at most 128 characters")
		return "", "", false
	}
	content := strings.TrimSpace(rawContent)
	if content == "" {
		_ = writeWSError(peer, requestID, "INVALID_ARGUMENT", "content is required")
		return "", "", false
	}
	if utf8.RuneCountInString(content) > maxMessageContentRunes {
		_ = writeWSError(peer, requestID, "INVALID_ARGUMENT", "content must be at most 2000 characters")
		return "", "", false
	}
	return clientMessageID, content, true
}

func writeAck(peer *wsPeer, requestID string, result ackResult) {
	_ = peer.writeFrame(wsFrame{
		Type:      frameAck,
		RequestID: requestID,
		Payload:   mustJSON(ackEnvelope{Result: result}),
	})
}

func writeWSError(peer *wsPeer, requestID string, code string, message string) error {
	return peer.writeFrame(wsFrame{
		Type:      frameError,
		RequestID: requestID,
		Payload: mustJSON(wsErrorEnvelope{
			Error: wsError{
				Code:      code,
				Message:   message,
				Retryable: false,
			},
		}),
	})
}

// writeWSCodedError reports a pipeline error with its wire code.
func writeWSCodedError(peer *wsPeer, requestID string, err error) {
	code := apperrors.CodeOf(err)
	_ = peer.writeFrame(wsFrame{
		Type:      frameError,
		RequestID: requestID,
		Payload: mustJSON(wsErrorEnvelope{
			Error: wsError{
				Code:      code.WireCode(),
				Message:   err.Error(),
				Retryable: code.Retryable(),
				Details:   map[string]any{"reason": string(code)},
			},
		}),
	})
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("failed to marshal websocket frame payload: %v", err)
		return nil
	}
	return b
}
