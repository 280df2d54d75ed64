package domain

import (
	"fmt"
	"strings"
)

// SensitivityLevel is the ordered classification of a task: PUBLIC < INTERNAL < CONFIDENTIAL < SECRET.
type SensitivityLevel int

const (
	LevelPublic SensitivityLevel = iota
	LevelInternal
	LevelConfidential
	LevelSecret
)

// Levels lists every level in ascending order.
var Levels = []SensitivityLevel{LevelPublic, LevelInternal, LevelConfidential, LevelSecret}

func (l SensitivityLevel) String() string {
	switch l {
	case LevelPublic:
		return "PUBLIC"
	case LevelInternal:
		return "INTERNAL"
	case LevelConfidential:
		return "CONFIDENTIAL"
	case LevelSecret:
		return "SECRET"
	default:
		return fmt.Sprintf("LEVEL(%d)", int(l))
	}
}

// Valid reports whether l is one of the four known levels.
func (l SensitivityLevel) Valid() bool {
	return l >= LevelPublic && l <= LevelSecret
}

// Max returns the higher of two levels. Classification only ever moves up.
func Max(a, b SensitivityLevel) SensitivityLevel {
	if b > a {
		return b
	}
	return a
}

// ParseLevel accepts the level name in any case.
func ParseLevel(s string) (SensitivityLevel, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "PUBLIC":
		return LevelPublic, nil
	case "INTERNAL":
		return LevelInternal, nil
	case "CONFIDENTIAL":
		return LevelConfidential, nil
	case "SECRET":
		return LevelSecret, nil
	}
	return LevelPublic, fmt.Errorf("unknown sensitivity level %q", s)
}

func (l SensitivityLevel) MarshalText() ([]byte, error) {
	if !l.Valid() {
		return nil, fmt.Errorf("invalid sensitivity level %d", int(l))
	}
	return []byte(l.String()), nil
}

func (l *SensitivityLevel) UnmarshalText(text []byte) error {
	parsed, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}
