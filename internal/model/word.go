// Package model defines the core domain types for the rarity pipeline.
//
// Word rows come from the dictionary store and are read-only. Score results
// come from the inference server and become run rows once they carry
// provenance. Run rows are keyed by word id; the last write for an id wins.
package model

import (
	"fmt"
	"regexp"
	"strings"
)

// Rarity bounds. FallbackRarity is assigned when no run produced a level.
const (
	MinRarity      = 1
	MaxRarity      = 5
	FallbackRarity = 4
)

// WordRow is one dictionary entry. Immutable once read from the store.
type WordRow struct {
	ID   int64  `json:"word_id"`
	Word string `json:"word"`
	Type string `json:"type"`
}

// ScoreResult is one successfully resolved word from an inference response.
type ScoreResult struct {
	WordID      int64   `json:"word_id"`
	Word        string  `json:"word"`
	Type        string  `json:"type"`
	RarityLevel int     `json:"rarity_level"`
	Tag         string  `json:"tag"`
	Confidence  float64 `json:"confidence"`
}

// RunRow is a ScoreResult plus provenance. It is the unit of durable state.
type RunRow struct {
	ScoreResult
	ScoredAt string `json:"scored_at"`
	Model    string `json:"model"`
	RunSlug  string `json:"run_slug"`
}

// WordLevel is the persisted rarity level of a dictionary word.
type WordLevel struct {
	ID          int64
	RarityLevel int
}

// RunBaseline is a snapshot of a run file taken before a write session.
// MinID and MaxID are nil for an empty file.
type RunBaseline struct {
	Count int
	MinID *int64
	MaxID *int64
}

// ValidRarity reports whether level is within MinRarity..MaxRarity.
func ValidRarity(level int) bool {
	return level >= MinRarity && level <= MaxRarity
}

var runSlugPattern = regexp.MustCompile(`^[a-z0-9_]{1,40}$`)

// SanitizeRunSlug normalizes a run name into a filesystem-safe slug.
func SanitizeRunSlug(raw string) (string, error) {
	slug := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), "-", "_")
	if !runSlugPattern.MatchString(slug) {
		return "", fmt.Errorf("model: invalid run slug '%s', allowed pattern: [a-z0-9_]{1,40}", raw)
	}
	return slug, nil
}
