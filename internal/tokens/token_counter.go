// Package tokens estimates prompt sizes for context budgeting. Real
// tokenizers live in the runtime; this count only has to be stable and
// roughly proportional.
package tokens

import "unicode"

type runeClass uint8

const (
	separator runeClass = iota
	word
	punct
)

// classify puts apostrophes inside words so contractions stay one token.
func classify(r rune) runeClass {
	switch {
	case unicode.IsLetter(r), unicode.IsNumber(r), r == '\'':
		return word
	case unicode.IsPunct(r):
		return punct
	default:
		return separator
	}
}

// CountTokens counts runs of word characters and runs of punctuation. Each
// run is one token; whitespace and symbols only separate runs.
func CountTokens(text string) int {
	count := 0
	prev := separator
	for _, r := range text {
		class := classify(r)
		if class != separator && class != prev {
			count++
		}
		prev = class
	}
	return count
}

// Remaining returns how many tokens may still be generated for prompt within
// a context budget. It never returns a negative value.
func Remaining(prompt string, budget int) int {
	return max(0, budget-CountTokens(prompt))
}
