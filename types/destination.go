// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

import (
	"errors"
	"fmt"
	"strings"
)

// Name length bounds, checked at declaration time.
const (
	MaxQueueNameLength = 128
	MaxTopicNameLength = 196
)

var (
	ErrInvalidName = errors.New("invalid destination name")
	ErrInvalidKind = errors.New("invalid destination kind")
)

// DestinationKind distinguishes point-to-point queues from pub/sub topics.
type DestinationKind uint8

const (
	KindQueue DestinationKind = iota + 1
	KindTopic
)

func (k DestinationKind) String() string {
	switch k {
	case KindQueue:
		return "queue"
	case KindTopic:
		return "topic"
	default:
		return "unknown"
	}
}

// ParseDestinationKind parses "queue" or "topic".
func ParseDestinationKind(s string) (DestinationKind, error) {
	switch strings.ToLower(s) {
	case "queue":
		return KindQueue, nil
	case "topic":
		return KindTopic, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidKind, s)
	}
}

// DestinationRef identifies a destination.
type DestinationRef struct {
	Kind DestinationKind
	Name string
}

func (r DestinationRef) String() string {
	return r.Kind.String() + "://" + r.Name
}

// DestinationConfig is the declaration of a queue or topic.
type DestinationConfig struct {
	Kind       DestinationKind `yaml:"-"`
	Name       string          `yaml:"name"`
	Persistent bool            `yaml:"persistent"`
	// MaxMessages and MaxBytes bound the store; zero means unbounded.
	MaxMessages int   `yaml:"max_messages"`
	MaxBytes    int64 `yaml:"max_bytes"`
}

// Ref returns the destination reference.
func (c DestinationConfig) Ref() DestinationRef {
	return DestinationRef{Kind: c.Kind, Name: c.Name}
}

// Validate checks the kind, the name bounds and the limits.
func (c DestinationConfig) Validate() error {
	limit := 0
	switch c.Kind {
	case KindQueue:
		limit = MaxQueueNameLength
	case KindTopic:
		limit = MaxTopicNameLength
	default:
		return ErrInvalidKind
	}
	if err := ValidateName(c.Name, limit); err != nil {
		return err
	}
	if c.MaxMessages < 0 {
		return fmt.Errorf("max_messages cannot be negative")
	}
	if c.MaxBytes < 0 {
		return fmt.Errorf("max_bytes cannot be negative")
	}
	return nil
}

// ValidateName rejects empty names, names longer than limit characters and
// names containing control characters or path separators.
func ValidateName(name string, limit int) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidName)
	}
	if n := len([]rune(name)); n > limit {
		return fmt.Errorf("%w: %d characters exceeds limit of %d", ErrInvalidName, n, limit)
	}
	for _, r := range name {
		if r < 0x20 || r == 0x7f || r == '/' || r == '\\' {
			return fmt.Errorf("%w: illegal character %q", ErrInvalidName, r)
		}
	}
	return nil
}
