package participants

import (
	"context"
	"testing"

	"github.com/louisbranch/parley/internal/services/translation/domain"
)

func member(id, conv, lang string) domain.Membership {
	return domain.Membership{ID: id, ConversationID: conv, Preferences: domain.Preferences{SystemLanguage: lang}}
}

func TestJoinLeaveKeepsParticipantInactive(t *testing.T) {
	d := NewDirectory()
	if err := d.Join(domain.Authenticated{Membership: member("a", "c1", "en"), UserID: "u1"}); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := d.Join(domain.Anonymous{Membership: member("b", "c1", "fr"), SessionID: "s1"}); err != nil {
		t.Fatalf("join: %v", err)
	}
	if !d.Leave("c1", "b") {
		t.Fatal("expected known participant")
	}
	if d.Leave("c1", "zzz") {
		t.Fatal("unknown participant must report false")
	}

	all := d.Participants("c1")
	if len(all) != 2 {
		t.Fatalf("participants = %d, want 2", len(all))
	}
	if active := domain.ActiveOnly(all); len(active) != 1 || active[0].Member().ID != "a" {
		t.Fatalf("active = %+v", active)
	}
	p, ok := d.Participant("c1", "b")
	if !ok || p.Kind() != domain.ParticipantAnonymous {
		t.Fatalf("participant b = (%v, %v)", p, ok)
	}

	if err := d.Join(domain.Anonymous{Membership: member("b", "c1", "fr"), SessionID: "s1"}); err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if active := domain.ActiveOnly(d.Participants("c1")); len(active) != 2 {
		t.Fatalf("active after rejoin = %d, want 2", len(active))
	}
}

func TestUpdatePreferencesAcrossConversations(t *testing.T) {
	d := NewDirectory()
	_ = d.Join(domain.Authenticated{Membership: member("a", "c1", "en")})
	_ = d.Join(domain.Authenticated{Membership: member("a", "c2", "en")})

	prefs := domain.Preferences{SystemLanguage: "en", RegionalLanguage: "es", TranslateToRegional: true}
	if !d.UpdatePreferences("a", prefs) {
		t.Fatal("expected known participant")
	}
	for _, conv := range []string{"c1", "c2"} {
		p, _ := d.Participant(conv, "a")
		if p.Member().Preferences != prefs {
			t.Fatalf("%s preferences = %+v", conv, p.Member().Preferences)
		}
	}
	got, ok, err := d.Preferences(context.Background(), "a")
	if err != nil || !ok || got != prefs {
		t.Fatalf("provider = (%+v, %v, %v)", got, ok, err)
	}
	if d.UpdatePreferences("nobody", prefs) {
		t.Fatal("unknown participant must report false")
	}
}

func TestJoinValidates(t *testing.T) {
	d := NewDirectory()
	if err := d.Join(nil); err == nil {
		t.Fatal("expected nil participant error")
	}
	if err := d.Join(domain.Authenticated{Membership: member("", "c1", "en")}); err == nil {
		t.Fatal("expected missing id error")
	}
}

func TestParticipantStaysActiveUntilLastSessionLeaves(t *testing.T) {
	d := NewDirectory()
	bob := domain.Anonymous{Membership: member("b", "c1", "fr"), SessionID: "s1"}
	if err := d.Join(bob); err != nil {
		t.Fatalf("join laptop: %v", err)
	}
	if err := d.Join(bob); err != nil {
		t.Fatalf("join phone: %v", err)
	}

	if !d.Leave("c1", "b") {
		t.Fatal("expected known participant")
	}
	p, _ := d.Participant("c1", "b")
	if !p.Member().Active {
		t.Fatal("participant must stay active while a session is attached")
	}

	d.Leave("c1", "b")
	p, _ = d.Participant("c1", "b")
	if p.Member().Active {
		t.Fatal("participant must be inactive after the last session leaves")
	}
}
