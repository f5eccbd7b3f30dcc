package pipeline

import (
	"fmt"
	"os"
	"strings"
)

// ExpandEnv replaces ${VAR} and $(VAR) with environment values. "$$" is a literal
// dollar sign. Referencing an unset variable is an error.
func ExpandEnv(input string) (string, error) {
	var out strings.Builder
	out.Grow(len(input))

	for i := 0; i < len(input); i++ {
		c := input[i]
		if c != '$' || i+1 >= len(input) {
			out.WriteByte(c)
			continue
		}

		next := input[i+1]
		var closing byte
		switch next {
		case '$':
			out.WriteByte('$')
			i++
			continue
		case '{':
			closing = '}'
		case '(':
			closing = ')'
		default:
			out.WriteByte(c)
			continue
		}

		end := strings.IndexByte(input[i+2:], closing)
		if end < 0 {
			return "", fmt.Errorf("unterminated placeholder at offset %d", i)
		}

		name := input[i+2 : i+2+end]
		value, ok := os.LookupEnv(name)
		if !ok {
			return "", fmt.Errorf("environment variable %q is not set", name)
		}

		out.WriteString(value)
		i += end + 2
	}

	return out.String(), nil
}
