package command

import (
	"fmt"
	"strings"
)

// Tokenize splits a raw command string into literal argv tokens. Single and
// double quotes group words; a backslash escapes the next character outside
// single quotes. Shell metacharacters have no special meaning here: the
// result is passed to exec directly, never through a shell.
func Tokenize(raw string) ([]string, error) {
	var (
		tokens  []string
		cur     strings.Builder
		inWord  bool
		quote   rune // active quote char, 0 when none
		escaped bool
	)
	flush := func() {
		if inWord {
			tokens = append(tokens, cur.String())
			cur.Reset()
			inWord = false
		}
	}
	for _, r := range raw {
		switch {
		case escaped:
			cur.WriteRune(r)
			inWord = true
			escaped = false
		case r == '\\' && quote != '\'':
			escaped = true
			inWord = true
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inWord = true
		case r == ' ' || r == '\t' || r == '\n':
			flush()
		default:
			cur.WriteRune(r)
			inWord = true
		}
	}
	if escaped {
		return nil, fmt.Errorf("%w: trailing backslash", ErrMalformedCommand)
	}
	if quote != 0 {
		return nil, fmt.Errorf("%w: unterminated %q quote", ErrMalformedCommand, quote)
	}
	flush()
	return tokens, nil
}
