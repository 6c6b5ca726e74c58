// Package participants keeps the conversation membership and language
// preferences the chat gateway needs for fan-out. Leaving a conversation
// only deactivates the participant so historical messages stay
// attributable.
package participants

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/louisbranch/parley/internal/services/translation/domain"
	"github.com/louisbranch/parley/internal/services/translation/language"
)

// Directory is an in-memory participant registry. A participant may be
// joined from several sessions at once; it stays active until the last
// one leaves.
type Directory struct {
	mu            sync.RWMutex
	conversations map[string]map[string]domain.Participant
	preferences   map[string]domain.Preferences
	sessions      map[string]int
}

// NewDirectory returns an empty directory.
func NewDirectory() *Directory {
	return &Directory{
		conversations: make(map[string]map[string]domain.Participant),
		preferences:   make(map[string]domain.Preferences),
		sessions:      make(map[string]int),
	}
}

// Join adds p to its conversation, or reactivates it, and counts one more
// attached session. The participant's preferences become the current
// record for its id.
func (d *Directory) Join(p domain.Participant) error {
	if p == nil {
		return fmt.Errorf("participant is required")
	}
	member := p.Member()
	member.ID = strings.TrimSpace(member.ID)
	member.ConversationID = strings.TrimSpace(member.ConversationID)
	if member.ID == "" || member.ConversationID == "" {
		return fmt.Errorf("participant and conversation ids are required")
	}
	member.Active = true

	d.mu.Lock()
	defer d.mu.Unlock()
	members := d.conversations[member.ConversationID]
	if members == nil {
		members = make(map[string]domain.Participant)
		d.conversations[member.ConversationID] = members
	}
	members[member.ID] = domain.WithMembership(p, member)
	d.preferences[member.ID] = member.Preferences
	d.sessions[sessionKey(member.ConversationID, member.ID)]++
	return nil
}

// Leave detaches one session of the participant and marks it inactive
// once no session is left. It reports whether the participant was known.
func (d *Directory) Leave(conversationID, participantID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.conversations[conversationID][participantID]
	if !ok {
		return false
	}
	key := sessionKey(conversationID, participantID)
	if d.sessions[key] > 1 {
		d.sessions[key]--
		return true
	}
	delete(d.sessions, key)
	member := p.Member()
	member.Active = false
	d.conversations[conversationID][participantID] = domain.WithMembership(p, member)
	return true
}

// UpdatePreferences replaces the preference record of participantID in
// every conversation.
func (d *Directory) UpdatePreferences(participantID string, prefs domain.Preferences) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.preferences[participantID]; !ok {
		return false
	}
	d.preferences[participantID] = prefs
	for _, members := range d.conversations {
		if p, ok := members[participantID]; ok {
			member := p.Member()
			member.Preferences = prefs
			members[participantID] = domain.WithMembership(p, member)
		}
	}
	return true
}

// Participants returns every participant of conversationID, active or
// not, ordered by id.
func (d *Directory) Participants(conversationID string) []domain.Participant {
	d.mu.RLock()
	defer d.mu.RUnlock()
	members := d.conversations[conversationID]
	out := make([]domain.Participant, 0, len(members))
	for _, p := range members {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Member().ID < out[j].Member().ID })
	return out
}

// Participant looks up one member of a conversation.
func (d *Directory) Participant(conversationID, participantID string) (domain.Participant, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.conversations[conversationID][participantID]
	return p, ok
}

// Preferences implements language.PreferenceProvider.
func (d *Directory) Preferences(ctx context.Context, participantID string) (domain.Preferences, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.Preferences{}, false, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	prefs, ok := d.preferences[participantID]
	return prefs, ok, nil
}

func sessionKey(conversationID, participantID string) string {
	return conversationID + "\x00" + participantID
}

var _ language.PreferenceProvider = (*Directory)(nil)
