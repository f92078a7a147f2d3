// Package schedule parses the presence-rule notation used to decide which
// NPCs a region's rule-based staging includes at a given game hour.
//
// A rule reads: npcID[mood](from-to), e.g. "innkeeper[cheerful](6-22)".
// Mood is optional; hours are 0-23 and from-to is half-open, wrapping
// midnight when from > to (e.g. "(18-2)" covers evening through night).
package schedule

import (
	"fmt"
	"os"
	"strconv"

	"github.com/viant/parsly"
	"gopkg.in/yaml.v3"
)

// Rule is one parsed presence rule.
type Rule struct {
	NpcID    string
	Mood     string
	FromHour int
	ToHour   int // half-open; == FromHour means always present
}

// ActiveAt reports whether the rule stages its NPC at the given hour.
func (r *Rule) ActiveAt(hour int) bool {
	if r.FromHour == r.ToHour {
		return true
	}
	if r.FromHour < r.ToHour {
		return hour >= r.FromHour && hour < r.ToHour
	}
	// wraps midnight
	return hour >= r.FromHour || hour < r.ToHour
}

// Parse parses a single rule.
func Parse(input []byte) (*Rule, error) {
	cursor := parsly.NewCursor("", input, 0)
	rule := &Rule{}

	matched := cursor.MatchAfterOptional(whitespaceToken, npcToken)
	if matched.Code != npcToken.Code {
		return nil, cursor.NewError(npcToken)
	}
	rule.NpcID = matched.Text(cursor)

	// Optional [mood]
	matched = cursor.MatchAfterOptional(whitespaceToken, openSquareBracketToken, openParenToken)
	switch matched.Code {
	case openSquareBracketToken.Code:
		matched = cursor.MatchOne(moodToken)
		if matched.Code != moodToken.Code {
			return nil, cursor.NewError(moodToken)
		}
		rule.Mood = matched.Text(cursor)
		matched = cursor.MatchOne(closeSquareBracketToken)
		if matched.Code != closeSquareBracketToken.Code {
			return nil, cursor.NewError(closeSquareBracketToken)
		}
		matched = cursor.MatchAfterOptional(whitespaceToken, openParenToken)
		if matched.Code != openParenToken.Code {
			return nil, cursor.NewError(openParenToken)
		}
	case openParenToken.Code:
	default:
		return nil, cursor.NewError(openParenToken)
	}

	from, err := matchHour(cursor)
	if err != nil {
		return nil, err
	}
	matched = cursor.MatchOne(dashToken)
	if matched.Code != dashToken.Code {
		return nil, cursor.NewError(dashToken)
	}
	to, err := matchHour(cursor)
	if err != nil {
		return nil, err
	}

	matched = cursor.MatchOne(closeParenToken)
	if matched.Code != closeParenToken.Code {
		return nil, cursor.NewError(closeParenToken)
	}

	rule.FromHour, rule.ToHour = from, to
	return rule, nil
}

func matchHour(cursor *parsly.Cursor) (int, error) {
	matched := cursor.MatchOne(hourToken)
	if matched.Code != hourToken.Code {
		return 0, cursor.NewError(hourToken)
	}
	hour, err := strconv.Atoi(matched.Text(cursor))
	if err != nil || hour < 0 || hour > 23 {
		return 0, fmt.Errorf("hour out of range 0-23 at position %d", cursor.Pos)
	}
	return hour, nil
}

// RegionRules groups the presence rules of one region.
type RegionRules struct {
	RegionID string   `yaml:"region"`
	Rules    []string `yaml:"rules"`
}

// Book holds parsed rules per region.
type Book struct {
	regions map[string][]*Rule
}

// NewBook builds a Book from region rule documents, failing on the first
// malformed rule.
func NewBook(regions ...RegionRules) (*Book, error) {
	book := &Book{regions: make(map[string][]*Rule)}
	for _, region := range regions {
		for _, raw := range region.Rules {
			rule, err := Parse([]byte(raw))
			if err != nil {
				return nil, fmt.Errorf("region %s rule %q: %w", region.RegionID, raw, err)
			}
			book.regions[region.RegionID] = append(book.regions[region.RegionID], rule)
		}
	}
	return book, nil
}

// Load reads a YAML rule file: a list of RegionRules documents.
func Load(path string) (*Book, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schedule rules %s: %w", path, err)
	}
	var regions []RegionRules
	if err := yaml.Unmarshal(data, &regions); err != nil {
		return nil, fmt.Errorf("parse schedule rules %s: %w", path, err)
	}
	return NewBook(regions...)
}

// ActiveAt returns the rules staging NPCs in the region at the given hour.
func (b *Book) ActiveAt(regionID string, hour int) []*Rule {
	var active []*Rule
	for _, rule := range b.regions[regionID] {
		if rule.ActiveAt(hour) {
			active = append(active, rule)
		}
	}
	return active
}

// Regions returns the region ids with at least one rule.
func (b *Book) Regions() []string {
	ids := make([]string, 0, len(b.regions))
	for id := range b.regions {
		ids = append(ids, id)
	}
	return ids
}
