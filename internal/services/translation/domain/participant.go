package domain

import (
	"fmt"
	"strings"
)

// Preferences is the language-preference record attached to every
// participant. Which field wins is decided by language.Resolver.
type Preferences struct {
	SystemLanguage            string `json:"system_language,omitempty"`
	RegionalLanguage          string `json:"regional_language,omitempty"`
	CustomDestinationLanguage string `json:"custom_destination_language,omitempty"`
	UseCustomDestination      bool   `json:"use_custom_destination,omitempty"`
	TranslateToSystemLanguage bool   `json:"translate_to_system_language,omitempty"`
	TranslateToRegional       bool   `json:"translate_to_regional_language,omitempty"`
}

// ParticipantKind tags the Participant variants.
type ParticipantKind string

const (
	ParticipantAuthenticated ParticipantKind = "authenticated"
	ParticipantAnonymous     ParticipantKind = "anonymous"
)

// Participant is a conversation member: either Authenticated or Anonymous.
// The set of implementations is closed.
type Participant interface {
	Kind() ParticipantKind
	Member() Membership
	isParticipant()
}

// Membership holds the attributes shared by every participant kind.
type Membership struct {
	ID             string
	ConversationID string
	Active         bool
	DisplayName    string
	Preferences    Preferences
}

// Authenticated is a participant backed by an account.
type Authenticated struct {
	Membership
	UserID string
}

// Anonymous is a participant who joined through a guest session.
type Anonymous struct {
	Membership
	SessionID string
}

func (Authenticated) Kind() ParticipantKind { return ParticipantAuthenticated }
func (a Authenticated) Member() Membership { return a.Membership }
func (Authenticated) isParticipant() {}
func (Anonymous) Kind() ParticipantKind { return ParticipantAnonymous }
func (a Anonymous) Member() Membership { return a.Membership }
func (Anonymous) isParticipant() {}

// WithMembership returns p with its shared attributes replaced.
func WithMembership(p Participant, m Membership) Participant {
	switch v := p.(type) {
	case Authenticated:
		v.Membership = m
		return v
	case Anonymous:
		v.Membership = m
		return v
	default:
		panic(fmt.Sprintf("unknown participant type %T", p))
	}
}

// NewParticipant builds the variant named by kind.
func NewParticipant(kind ParticipantKind, m Membership, externalID string) (Participant, error) {
	if strings.TrimSpace(m.ID) == "" {
		return nil, fmt.Errorf("participant id is required")
	}
	if strings.TrimSpace(m.ConversationID) == "" {
		return nil, fmt.Errorf("conversation id is required")
	}
	switch kind {
	case ParticipantAuthenticated, "":
		return Authenticated{Membership: m, UserID: externalID}, nil
	case ParticipantAnonymous:
		return Anonymous{Membership: m, SessionID: externalID}, nil
	default:
		return nil, fmt.Errorf("unsupported participant kind %q", kind)
	}
}

// ActiveOnly filters out inactive participants.
func ActiveOnly(participants []Participant) []Participant {
	out := make([]Participant, 0, len(participants))
	for _, p := range participants {
		if p != nil && p.Member().Active {
			out = append(out, p)
		}
	}
	return out
}
