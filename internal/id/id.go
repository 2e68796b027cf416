// Package id generates and validates canonical record identifiers.
//
// Canonical ids are 15 lowercase alphanumeric characters, the format the
// remote collection API assigns to its own records. Any stored id of a
// different length is a legacy id and is rewritten by the store's
// identifier migration pass.
package id

import (
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Length is the canonical identifier length.
const Length = 15

const alphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// Generate creates a new canonical identifier.
//
// Returns an error if the system has insufficient entropy for secure random generation.
func Generate() (string, error) {
	s, err := gonanoid.Generate(alphabet, Length)
	if err != nil {
		return "", fmt.Errorf("generate nanoid: %w", err)
	}
	return s, nil
}

// MustGenerate is like Generate but panics if ID generation fails.
func MustGenerate() string {
	s, err := Generate()
	if err != nil {
		panic(fmt.Sprintf("failed to generate ID: %v", err))
	}
	return s
}

// Valid reports whether s has the canonical length.
func Valid(s string) bool {
	return len(s) == Length
}
