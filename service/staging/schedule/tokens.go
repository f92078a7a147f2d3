package schedule

import (
	"github.com/viant/parsly"
	"github.com/viant/parsly/matcher"
)

// Token codes
const (
	whitespaceCode = iota
	npcCode
	openSquareBracketCode
	closeSquareBracketCode
	openParenCode
	closeParenCode
	dashCode
	moodCode
	hourCode
)

// Token definitions
var (
	whitespaceToken         = parsly.NewToken(whitespaceCode, "Whitespace", matcher.NewWhiteSpace())
	npcToken                = parsly.NewToken(npcCode, "NpcID", &npcMatcher{})
	openSquareBracketToken  = parsly.NewToken(openSquareBracketCode, "[", matcher.NewByte('['))
	closeSquareBracketToken = parsly.NewToken(closeSquareBracketCode, "]", matcher.NewByte(']'))
	openParenToken          = parsly.NewToken(openParenCode, "(", matcher.NewByte('('))
	closeParenToken         = parsly.NewToken(closeParenCode, ")", matcher.NewByte(')'))
	dashToken               = parsly.NewToken(dashCode, "-", matcher.NewByte('-'))
	moodToken               = parsly.NewToken(moodCode, "Mood", &moodMatcher{})
	hourToken               = parsly.NewToken(hourCode, "Hour", &hourMatcher{})
)

func isLetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}

// npcMatcher matches NPC identifiers: a letter followed by letters, digits,
// dashes or underscores (uuid-style ids included).
type npcMatcher struct{}

func (m *npcMatcher) Match(cursor *parsly.Cursor) int {
	input := cursor.Input
	pos := cursor.Pos
	size := cursor.InputSize

	if pos >= size {
		return 0
	}
	if !isLetter(input[pos]) && !isDigit(input[pos]) {
		return 0
	}

	matched := 1
	for i := pos + 1; i < size; i++ {
		if isLetter(input[i]) || isDigit(input[i]) || input[i] == '-' || input[i] == '_' {
			matched++
			continue
		}
		break
	}
	return matched
}

// moodMatcher captures everything until the closing square bracket.
type moodMatcher struct{}

func (m *moodMatcher) Match(cursor *parsly.Cursor) int {
	input := cursor.Input
	pos := cursor.Pos
	size := cursor.InputSize

	matched := 0
	for i := pos; i < size; i++ {
		if input[i] == ']' {
			break
		}
		matched++
	}
	return matched
}

// hourMatcher matches a one- or two-digit hour.
type hourMatcher struct{}

func (m *hourMatcher) Match(cursor *parsly.Cursor) int {
	input := cursor.Input
	pos := cursor.Pos
	size := cursor.InputSize

	matched := 0
	for i := pos; i < size && matched < 2; i++ {
		if !isDigit(input[i]) {
			break
		}
		matched++
	}
	return matched
}
