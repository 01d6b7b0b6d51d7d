package sqlcheck

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

var (
	ErrEmpty             = errors.New("sql is empty")
	ErrMultipleStatement = errors.New("sql contains more than one statement")
	ErrNotQuery          = errors.New("sql must start with SELECT or WITH")
	ErrUnterminated      = errors.New("sql has an unterminated string, identifier or comment")
)

// Lexical checks statement shape without a parser: one statement, read-only leading keyword,
// balanced quotes and block comments.
func Lexical(sql string) error {
	body, err := stripStatement(sql)
	if err != nil {
		return err
	}
	if body == "" {
		return ErrEmpty
	}
	keyword := strings.ToUpper(leadingWord(body))
	if keyword != "SELECT" && keyword != "WITH" {
		return fmt.Errorf("%w: got %q", ErrNotQuery, keyword)
	}
	return nil
}

// stripStatement removes comments and trailing semicolons. A semicolon followed by anything other
// than whitespace or comments is a second statement.
func stripStatement(sql string) (string, error) {
	var out strings.Builder
	runes := []rune(sql)
	terminated := false
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case r == '-' && i+1 < len(runes) && runes[i+1] == '-':
			for i < len(runes) && runes[i] != '\n' {
				i++
			}
			out.WriteRune(' ')
		case r == '/' && i+1 < len(runes) && runes[i+1] == '*':
			j := i + 2
			for j+1 < len(runes) && (runes[j] != '*' || runes[j+1] != '/') {
				j++
			}
			if j+1 >= len(runes) {
				return "", ErrUnterminated
			}
			i = j + 1
			out.WriteRune(' ')
		case r == '\'' || r == '"':
			if terminated {
				return "", ErrMultipleStatement
			}
			j := i + 1
			for {
				if j >= len(runes) {
					return "", ErrUnterminated
				}
				if runes[j] == r {
					if j+1 < len(runes) && runes[j+1] == r {
						j += 2
						continue
					}
					break
				}
				j++
			}
			out.WriteString(string(runes[i : j+1]))
			i = j
		case r == ';':
			terminated = true
		default:
			if terminated && !unicode.IsSpace(r) {
				return "", ErrMultipleStatement
			}
			if !terminated {
				out.WriteRune(r)
			}
		}
	}
	return strings.TrimSpace(out.String()), nil
}

func leadingWord(body string) string {
	trimmed := strings.TrimLeft(body, "( \t\r\n")
	end := strings.IndexFunc(trimmed, func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	if end < 0 {
		return trimmed
	}
	return trimmed[:end]
}
