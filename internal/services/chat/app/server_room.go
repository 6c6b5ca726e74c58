package server

import (
	"errors"
	"sync"

	"github.com/louisbranch/parley/internal/services/translation/domain"
)

// errSuperseded rejects an edit of a message that is no longer live.
var errSuperseded = errors.New("message was already edited or deleted")

type roomHub struct {
	mu    sync.Mutex
	rooms map[string]*conversationRoom
}

func newRoomHub() *roomHub {
	return &roomHub{rooms: make(map[string]*conversationRoom)}
}

func (h *roomHub) room(conversationID string) *conversationRoom {
	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[conversationID]
	if ok {
		return room
	}

	room = newConversationRoom(conversationID)
	h.rooms[conversationID] = room
	return room
}

// roomEntry is one message of the room history with its room sequence.
type roomEntry struct {
	seq int64
	msg domain.Message
}

// conversationRoom keeps the recent message history of one conversation
// and the client message ids already accepted.
type conversationRoom struct {
	mu               sync.Mutex
	conversationID   string
	nextSequence     int64
	entries          []roomEntry
	idempotencyBy    map[string]roomEntry
	idempotencyOrder []string
}

func newConversationRoom(conversationID string) *conversationRoom {
	return &conversationRoom{
		conversationID: conversationID,
		idempotencyBy:  make(map[string]roomEntry),
	}
}

// attach calls fn with the latest sequence and the recent live messages
// while holding the room, so no message is appended between the snapshot
// and the subscription fn performs.
func (r *conversationRoom) attach(fn func(latest int64, backlog []domain.Message)) {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := max(0, len(r.entries)-maxBacklogMessages)
	backlog := make([]domain.Message, 0, len(r.entries)-start)
	for _, entry := range r.entries[start:] {
		backlog = append(backlog, entry.msg)
	}
	fn(r.nextSequence, backlog)
}

// appendMessage stores msg unless senderID already sent clientMessageID,
// in which case the earlier entry is returned with duplicate set.
func (r *conversationRoom) appendMessage(clientMessageID string, msg domain.Message) (roomEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.idempotencyBy[idempotencyKey(msg.SenderID, clientMessageID)]; ok {
		return existing, true
	}
	return r.appendLocked(clientMessageID, msg), false
}

// replaceMessage stores the edit msg in place of msg.SupersedesID. Only
// one edit can replace a given message: once it has left the history, or
// was deleted, later edits of it fail with errSuperseded.
func (r *conversationRoom) replaceMessage(clientMessageID string, msg domain.Message) (roomEntry, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.idempotencyBy[idempotencyKey(msg.SenderID, clientMessageID)]; ok {
		return existing, true, nil
	}
	if !r.removeLocked(msg.SupersedesID) {
		return roomEntry{}, false, errSuperseded
	}
	return r.appendLocked(clientMessageID, msg), false, nil
}

func (r *conversationRoom) appendLocked(clientMessageID string, msg domain.Message) roomEntry {
	r.nextSequence++
	entry := roomEntry{seq: r.nextSequence, msg: msg}
	r.entries = append(r.entries, entry)
	if len(r.entries) > maxRoomMessages {
		r.entries = r.entries[len(r.entries)-maxRoomMessages:]
	}

	key := idempotencyKey(msg.SenderID, clientMessageID)
	r.idempotencyBy[key] = entry
	r.idempotencyOrder = append(r.idempotencyOrder, key)
	if len(r.idempotencyOrder) > maxIdempotencyRecord {
		evict := r.idempotencyOrder[0]
		r.idempotencyOrder = r.idempotencyOrder[1:]
		delete(r.idempotencyBy, evict)
	}
	return entry
}

// accepted returns the entry senderID created with clientMessageID, if
// it is still remembered.
func (r *conversationRoom) accepted(senderID, clientMessageID string) (roomEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.idempotencyBy[idempotencyKey(senderID, clientMessageID)]
	return entry, ok
}

// removeLocked drops the live entry messageID and reports whether it was
// there.
func (r *conversationRoom) removeLocked(messageID string) bool {
	for i, entry := range r.entries {
		if entry.msg.ID == messageID && !entry.msg.Deleted {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return true
		}
	}
	return false
}

func (r *conversationRoom) lookup(messageID string) (domain.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, entry := range r.entries {
		if entry.msg.ID == messageID {
			return entry.msg, true
		}
	}
	return domain.Message{}, false
}

// markDeleted flags messageID as deleted and returns the updated message.
func (r *conversationRoom) markDeleted(messageID string) (domain.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.entries {
		if r.entries[i].msg.ID == messageID {
			r.entries[i].msg.Deleted = true
			return r.entries[i].msg, true
		}
	}
	return domain.Message{}, false
}

func (r *conversationRoom) historyBefore(beforeSequenceID int64, limit int) []roomEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	history := make([]roomEntry, 0, limit)
	for _, entry := range r.entries {
		if entry.seq < beforeSequenceID && !entry.msg.Deleted {
			history = append(history, entry)
		}
	}
	if len(history) > limit {
		history = history[len(history)-limit:]
	}
	return history
}

func idempotencyKey(senderID, clientMessageID string) string {
	return senderID + "\x00" + clientMessageID
}
