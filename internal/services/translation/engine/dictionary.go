package engine

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// DictionaryModel is reported as ModelUsed by the dictionary engine.
const DictionaryModel = "dictionary"

const (
	dictionaryHitConfidence  = 0.92
	dictionaryMissConfidence = 0.1
)

// Dictionary answers from a fixed phrasebook keyed by target language then
// source text. Misses render as "[lang] text". It is meant for local
// development and tests.
type Dictionary struct {
	mu      sync.RWMutex
	entries map[string]map[string]string
}

// dictionaryFile is the YAML layout:
//
//	fr:
//	  hello: bonjour
//	es:
//	  hello: hola
type dictionaryFile map[string]map[string]string

// NewDictionary builds an engine from entries[targetLanguage][sourceText].
func NewDictionary(entries map[string]map[string]string) *Dictionary {
	d := &Dictionary{entries: make(map[string]map[string]string, len(entries))}
	for lang, phrases := range entries {
		for source, translated := range phrases {
			d.Add(lang, source, translated)
		}
	}
	return d
}

// LoadDictionary reads a YAML phrasebook from path.
func LoadDictionary(path string) (*Dictionary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read dictionary: %w", err)
	}
	return ParseDictionary(data)
}

// ParseDictionary decodes a YAML phrasebook.
func ParseDictionary(data []byte) (*Dictionary, error) {
	var file dictionaryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse dictionary: %w", err)
	}
	return NewDictionary(file), nil
}

// Add registers one phrase.
func (d *Dictionary) Add(targetLanguage, source, translated string) {
	lang := strings.ToLower(strings.TrimSpace(targetLanguage))
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.entries == nil {
		d.entries = make(map[string]map[string]string)
	}
	if d.entries[lang] == nil {
		d.entries[lang] = make(map[string]string)
	}
	d.entries[lang][phraseKey(source)] = translated
}

// Translate implements Engine.
func (d *Dictionary) Translate(ctx context.Context, req Request) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, Classify(ctx, err)
	}
	if err := req.Validate(); err != nil {
		return Response{}, Rejected(err)
	}
	lang := strings.ToLower(strings.TrimSpace(req.TargetLanguage))

	d.mu.RLock()
	translated, ok := d.entries[lang][phraseKey(req.Text)]
	d.mu.RUnlock()
	if ok {
		return Response{TranslatedText: translated, ModelUsed: DictionaryModel, Confidence: dictionaryHitConfidence}, nil
	}
	return Response{
		TranslatedText: "[" + lang + "] " + req.Text,
		ModelUsed:      DictionaryModel,
		Confidence:     dictionaryMissConfidence,
	}, nil
}

func phraseKey(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}
