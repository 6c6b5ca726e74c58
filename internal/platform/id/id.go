// Package id generates opaque identifiers for messages, instances and
// sweep runs.
package id

import (
	"encoding/base32"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewID returns a random UUIDv4 encoded as 26 lowercase base32 characters.
func NewID() (string, error) {
	value, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate id: %w", err)
	}
	return strings.ToLower(encoding.EncodeToString(value[:])), nil
}

// MustNewID is NewID for callers that cannot recover from an exhausted
// random source.
func MustNewID() string {
	value, err := NewID()
	if err != nil {
		panic(err)
	}
	return value
}

// WithPrefix returns a new id prefixed by kind, as in "msg_" + id.
func WithPrefix(kind string) (string, error) {
	value, err := NewID()
	if err != nil {
		return "", err
	}
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return value, nil
	}
	return kind + "_" + value, nil
}
