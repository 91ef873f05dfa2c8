// Package uuid provides identifier generation and validation utilities.
//
// Pending changes use UUIDv7 identifiers, whose leading 48 bits are a
// millisecond timestamp, so ids sort in creation order.
package uuid

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// xxxxxxxx-xxxx-Vxxx-yxxx-xxxxxxxxxxxx where V is the version nibble and y
// one of [8, 9, a, b] (variant bits)
var (
	uuidV4Regex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)
	uuidV7Regex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-7[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)
)

// New generates a new random UUID v4.
func New() string {
	return uuid.New().String()
}

// NewOrdered generates a new time-ordered UUID v7.
func NewOrdered() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate UUIDv7: %w", err)
	}
	return id.String(), nil
}

// Parse parses s and checks it is a version 4 or version 7 UUID.
func Parse(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid UUID: %w", err)
	}
	if v := id.Version(); v != 4 && v != 7 {
		return uuid.Nil, fmt.Errorf("expected UUID v4 or v7, got v%d", v)
	}
	return id, nil
}

// IsValid checks if a string is a valid UUID v4.
func IsValid(s string) bool {
	return uuidV4Regex.MatchString(s)
}

// IsValidOrdered checks if a string is a valid UUID v7.
func IsValidOrdered(s string) bool {
	return uuidV7Regex.MatchString(s)
}

// Validate returns an error if the string is neither a v4 nor a v7 UUID.
func Validate(s string) error {
	if !IsValid(s) && !IsValidOrdered(s) {
		return fmt.Errorf("invalid UUID format: %q", s)
	}
	return nil
}
