// Package classification assigns one-hot industry exposures at every level of a
// GICS-like code hierarchy, and the constant country exposure.
package classification

import (
	"fmt"
	"strings"
)

// Unclassified is the label given to codes that do not resolve at a level.
const Unclassified = "Unclassified"

// Standard GICS level names.
const (
	LevelSector        = "sector"
	LevelIndustryGroup = "industry_group"
	LevelIndustry      = "industry"
	LevelSubIndustry   = "sub_industry"
)

// Level is one depth of the classification hierarchy, identified by the number of
// leading code digits it uses.
type Level struct {
	Name   string `yaml:"name" json:"name" validate:"required"`
	Digits int    `yaml:"digits" json:"digits" validate:"gt=0"`
}

// Hierarchy describes the levels to assign and, optionally, the known codes.
// When Labels is non-empty, a code prefix missing from it resolves to Unclassified
// and known prefixes resolve to their mapped name.
type Hierarchy struct {
	Levels []Level
	Labels map[string]string
}

// DefaultLevels returns the four GICS levels.
func DefaultLevels() []Level {
	return []Level{
		{Name: LevelSector, Digits: 2},
		{Name: LevelIndustryGroup, Digits: 4},
		{Name: LevelIndustry, Digits: 6},
		{Name: LevelSubIndustry, Digits: 8},
	}
}

// Validate checks that levels are named uniquely and get strictly deeper.
func (h Hierarchy) Validate() error {
	if len(h.Levels) == 0 {
		return fmt.Errorf("classification hierarchy has no levels")
	}
	seen := make(map[string]bool, len(h.Levels))
	prevDigits := 0
	for _, lvl := range h.Levels {
		if lvl.Name == "" {
			return fmt.Errorf("classification level with empty name")
		}
		if seen[lvl.Name] {
			return fmt.Errorf("duplicate classification level %q", lvl.Name)
		}
		if lvl.Digits <= prevDigits {
			return fmt.Errorf("classification level %q must use more than %d digits", lvl.Name, prevDigits)
		}
		seen[lvl.Name] = true
		prevDigits = lvl.Digits
	}
	return nil
}

// HasLevel reports whether the hierarchy defines the named level.
func (h Hierarchy) HasLevel(name string) bool {
	for _, lvl := range h.Levels {
		if lvl.Name == name {
			return true
		}
	}
	return false
}

// Resolve returns the label of code at lvl.
func (h Hierarchy) Resolve(code string, lvl Level) string {
	code = strings.TrimSpace(code)
	if len(code) < lvl.Digits {
		return Unclassified
	}
	prefix := code[:lvl.Digits]
	for _, r := range prefix {
		if r < '0' || r > '9' {
			return Unclassified
		}
	}
	if len(h.Labels) == 0 {
		return prefix
	}
	name, ok := h.Labels[prefix]
	if !ok || name == "" {
		return Unclassified
	}
	return name
}
