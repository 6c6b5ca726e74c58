// Package language resolves the single preferred target language of a
// conversation participant.
package language

import (
	"context"
	"sort"
	"strings"

	"github.com/louisbranch/parley/internal/services/translation/domain"
	"golang.org/x/text/language"
)

// DefaultLanguage is used when no preference yields a usable code.
const DefaultLanguage = "en"

// PreferenceProvider exposes the current preference record of a
// participant. ok is false when the provider has no record for the id.
type PreferenceProvider interface {
	Preferences(ctx context.Context, participantID string) (prefs domain.Preferences, ok bool, err error)
}

// Resolver applies the preference priority chain:
//
//  1. custom destination, when selected and set
//  2. system language, when selected
//  3. regional language, when selected
//  4. system language
//  5. Default
//
// A step whose value is empty or not a valid BCP 47 tag does not match and
// evaluation continues with the next step.
type Resolver struct {
	// Default replaces DefaultLanguage when set.
	Default string
	// BaseOnly collapses regional variants to their base language, so
	// "en-GB" and "en-US" resolve to the same target.
	BaseOnly bool
}

// Resolve returns the preferred language of p. It never returns "".
func (r Resolver) Resolve(p domain.Participant) string {
	if p == nil {
		return r.fallback()
	}
	return r.ResolvePreferences(p.Member().Preferences)
}

// ResolvePreferences applies the priority chain to a raw preference record.
func (r Resolver) ResolvePreferences(prefs domain.Preferences) string {
	if prefs.UseCustomDestination {
		if code, ok := r.Normalize(prefs.CustomDestinationLanguage); ok {
			return code
		}
	}
	if prefs.TranslateToSystemLanguage {
		if code, ok := r.Normalize(prefs.SystemLanguage); ok {
			return code
		}
	}
	if prefs.TranslateToRegional {
		if code, ok := r.Normalize(prefs.RegionalLanguage); ok {
			return code
		}
	}
	if code, ok := r.Normalize(prefs.SystemLanguage); ok {
		return code
	}
	return r.fallback()
}

// Normalize canonicalizes a language code. ok is false when raw is empty
// or not a parseable tag.
func (r Resolver) Normalize(raw string) (string, bool) {
	raw = strings.TrimSpace(strings.ReplaceAll(raw, "_", "-"))
	if raw == "" {
		return "", false
	}
	tag, err := language.Parse(raw)
	if err != nil || tag == language.Und {
		return "", false
	}
	if r.BaseOnly {
		base, _ := tag.Base()
		return base.String(), true
	}
	return tag.String(), true
}

// Same reports whether a and b name the same language under r's
// normalization rules.
func (r Resolver) Same(a, b string) bool {
	na, okA := r.Normalize(a)
	nb, okB := r.Normalize(b)
	return okA && okB && na == nb
}

// Targets returns the sorted, distinct preferred languages of the active
// participants, excluding source.
func (r Resolver) Targets(participants []domain.Participant, source string) []string {
	sourceCode, _ := r.Normalize(source)
	seen := make(map[string]struct{}, len(participants))
	targets := make([]string, 0, len(participants))
	for _, p := range domain.ActiveOnly(participants) {
		code := r.Resolve(p)
		if code == sourceCode {
			continue
		}
		if _, ok := seen[code]; ok {
			continue
		}
		seen[code] = struct{}{}
		targets = append(targets, code)
	}
	sort.Strings(targets)
	return targets
}

func (r Resolver) fallback() string {
	if code, ok := r.Normalize(r.Default); ok {
		return code
	}
	return DefaultLanguage
}
