// Package delivery pushes messages and their translations to the
// sessions connected to a conversation.
//
// For every session the original of a message is delivered before any
// translation or failure event for it. An enhancement event that arrives
// first is held in a small per-session buffer and flushed right after the
// original; if the original never arrives the event is eventually evicted.
// No ordering is kept across languages or across messages.
package delivery

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/louisbranch/parley/internal/platform/telemetry/metrics"
	"github.com/louisbranch/parley/internal/services/translation/domain"
	"github.com/louisbranch/parley/internal/services/translation/language"
)

const (
	// DefaultSeenWindow is how many recent originals a session remembers.
	DefaultSeenWindow = 256
	// DefaultPendingLimit bounds buffered enhancement events per session.
	DefaultPendingLimit = 64
)

// Session is a connected client handle. Deliver must be safe to call from
// multiple goroutines; the broadcaster serializes calls per session.
type Session interface {
	Deliver(ev Event) error
}

// Options configures a Broadcaster.
type Options struct {
	Resolver     language.Resolver
	SeenWindow   int
	PendingLimit int
	Registerer   prometheus.Registerer
	Logger       *slog.Logger
}

// Broadcaster fans events out to the sessions of each conversation.
type Broadcaster struct {
	resolver     language.Resolver
	seenWindow   int
	pendingLimit int
	log          *slog.Logger
	events       *prometheus.CounterVec

	mu    sync.RWMutex
	rooms map[string]map[Session]*subscriber
}

// New builds an empty broadcaster.
func New(opts Options) *Broadcaster {
	if opts.SeenWindow <= 0 {
		opts.SeenWindow = DefaultSeenWindow
	}
	if opts.PendingLimit <= 0 {
		opts.PendingLimit = DefaultPendingLimit
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "delivery",
		Name:      "events_total",
		Help:      "Events handed to sessions by type and outcome (sent, buffered, evicted, error).",
	}, []string{"type", "outcome"})
	return &Broadcaster{
		resolver:     opts.Resolver,
		seenWindow:   opts.SeenWindow,
		pendingLimit: opts.PendingLimit,
		log:          opts.Logger,
		events:       metrics.Register(opts.Registerer, events)[0].(*prometheus.CounterVec),
		rooms:        make(map[string]map[Session]*subscriber),
	}
}

// Attach subscribes session to conversationID with its preferred language.
// backlog is delivered first, oldest first, so late joiners see recent
// originals before any translation broadcast after the join. The returned
// function detaches the session.
func (b *Broadcaster) Attach(conversationID string, session Session, lang string, backlog []domain.Message) func() {
	sub := &subscriber{
		session: session,
		lang:    b.normalize(lang),
		seen:    newSeenSet(b.seenWindow),
		limit:   b.pendingLimit,
	}
	sub.mu.Lock()
	defer sub.mu.Unlock()

	b.mu.Lock()
	room := b.rooms[conversationID]
	if room == nil {
		room = make(map[Session]*subscriber)
		b.rooms[conversationID] = room
	}
	room[session] = sub
	b.mu.Unlock()

	for _, msg := range backlog {
		if msg.Deleted {
			continue
		}
		b.send(sub, CreatedEvent(msg))
		sub.seen.add(msg.ID)
	}
	return func() { b.detach(conversationID, session) }
}

func (b *Broadcaster) detach(conversationID string, session Session) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.rooms[conversationID]
	delete(room, session)
	if len(room) == 0 {
		delete(b.rooms, conversationID)
	}
}

// SetLanguage changes the language a session receives translations in.
func (b *Broadcaster) SetLanguage(conversationID string, session Session, lang string) bool {
	sub := b.lookup(conversationID, session)
	if sub == nil {
		return false
	}
	sub.mu.Lock()
	sub.lang = b.normalize(lang)
	sub.mu.Unlock()
	return true
}

// Sessions returns how many sessions are attached to conversationID.
func (b *Broadcaster) Sessions(conversationID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rooms[conversationID])
}

// DeliverOriginal pushes msg to every session of its conversation
// regardless of language, then flushes anything buffered for it.
func (b *Broadcaster) DeliverOriginal(msg domain.Message) {
	ev := CreatedEvent(msg)
	for _, sub := range b.subscribers(msg.ConversationID) {
		sub.mu.Lock()
		if sub.seen.has(msg.ID) {
			// Already sent with the join backlog.
			sub.mu.Unlock()
			continue
		}
		b.send(sub, ev)
		sub.seen.add(msg.ID)
		for _, pending := range sub.takePending(msg.ID) {
			b.send(sub, pending)
		}
		sub.mu.Unlock()
	}
}

// DeliverTranslation pushes rec to the sessions whose language matches.
func (b *Broadcaster) DeliverTranslation(conversationID string, rec domain.TranslationRecord) {
	b.deliverToLanguage(conversationID, rec.TargetLanguage, TranslatedEvent(rec))
}

// DeliverFailure tells sessions of key's language that its translation
// gave up.
func (b *Broadcaster) DeliverFailure(conversationID string, key domain.Key, retryable bool) {
	b.deliverToLanguage(conversationID, key.TargetLanguage, Event{
		Type: EventMessageTranslationFailed,
		Payload: FailurePayload{
			MessageID:      key.MessageID,
			TargetLanguage: key.TargetLanguage,
			Retryable:      retryable,
		},
	})
}

// DeliverDeleted pushes a deletion to every session.
func (b *Broadcaster) DeliverDeleted(conversationID, messageID string) {
	ev := Event{Type: EventMessageDeleted, Payload: DeletedPayload{MessageID: messageID}}
	for _, sub := range b.subscribers(conversationID) {
		sub.mu.Lock()
		sub.dropPending(messageID)
		b.send(sub, ev)
		sub.mu.Unlock()
	}
}

func (b *Broadcaster) deliverToLanguage(conversationID, lang string, ev Event) {
	target := b.normalize(lang)
	messageID := ev.messageID()
	for _, sub := range b.subscribers(conversationID) {
		sub.mu.Lock()
		if sub.lang != target {
			sub.mu.Unlock()
			continue
		}
		if sub.seen.has(messageID) {
			b.send(sub, ev)
		} else {
			if evicted := sub.buffer(messageID, ev); evicted != "" {
				b.events.WithLabelValues(evicted, "evicted").Inc()
			}
			b.events.WithLabelValues(ev.Type, "buffered").Inc()
		}
		sub.mu.Unlock()
	}
}

// send must be called with sub.mu held.
func (b *Broadcaster) send(sub *subscriber, ev Event) {
	if err := sub.session.Deliver(ev); err != nil {
		b.events.WithLabelValues(ev.Type, "error").Inc()
		b.log.Warn("delivery_failed", "type", ev.Type, "message_id", ev.messageID(), "error", err)
		return
	}
	b.events.WithLabelValues(ev.Type, "sent").Inc()
}

func (b *Broadcaster) subscribers(conversationID string) []*subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()
	room := b.rooms[conversationID]
	out := make([]*subscriber, 0, len(room))
	for _, sub := range room {
		out = append(out, sub)
	}
	return out
}

func (b *Broadcaster) lookup(conversationID string, session Session) *subscriber {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.rooms[conversationID][session]
}

func (b *Broadcaster) normalize(lang string) string {
	if code, ok := b.resolver.Normalize(lang); ok {
		return code
	}
	return strings.TrimSpace(lang)
}

type pendingEvent struct {
	messageID string
	event     Event
}

// subscriber is one session's delivery state. Fields are guarded by mu.
type subscriber struct {
	mu      sync.Mutex
	session Session
	lang    string
	seen    *seenSet
	pending []pendingEvent
	limit   int
}

// buffer holds ev until the original of messageID is sent. It returns the
// type of an evicted event when the buffer was full.
func (s *subscriber) buffer(messageID string, ev Event) string {
	evicted := ""
	if len(s.pending) >= s.limit {
		evicted = s.pending[0].event.Type
		s.pending = s.pending[1:]
	}
	s.pending = append(s.pending, pendingEvent{messageID: messageID, event: ev})
	return evicted
}

func (s *subscriber) takePending(messageID string) []Event {
	var out []Event
	kept := s.pending[:0]
	for _, p := range s.pending {
		if p.messageID == messageID {
			out = append(out, p.event)
			continue
		}
		kept = append(kept, p)
	}
	s.pending = kept
	return out
}

func (s *subscriber) dropPending(messageID string) {
	_ = s.takePending(messageID)
}

// seenSet remembers the last n message ids in insertion order.
type seenSet struct {
	ids   map[string]struct{}
	order []string
	next  int
}

func newSeenSet(n int) *seenSet {
	return &seenSet{ids: make(map[string]struct{}, n), order: make([]string, n)}
}

func (s *seenSet) add(id string) {
	if _, ok := s.ids[id]; ok {
		return
	}
	if old := s.order[s.next]; old != "" {
		delete(s.ids, old)
	}
	s.order[s.next] = id
	s.ids[id] = struct{}{}
	s.next = (s.next + 1) % len(s.order)
}

func (s *seenSet) has(id string) bool {
	_, ok := s.ids[id]
	return ok
}
