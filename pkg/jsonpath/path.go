package jsonpath

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"sync"
)

type segment struct {
	key   string
	index int
	isIdx bool
}

var compiled sync.Map

// Resolve walks path into a decoded JSON tree. Both "$.a.b[0].c" and "a.b.0.c" are
// accepted; bracketed keys may be quoted ("$['a b']"). JSON null counts as absent.
func Resolve(root any, path string) (any, bool) {
	segments := compile(path)

	current := root
	for _, seg := range segments {
		switch node := current.(type) {
		case map[string]any:
			key := seg.key
			if key == "" && seg.isIdx {
				key = strconv.Itoa(seg.index)
			}

			next, ok := node[key]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			if !seg.isIdx || seg.index < 0 || seg.index >= len(node) {
				return nil, false
			}
			current = node[seg.index]
		default:
			return nil, false
		}
	}

	if current == nil {
		return nil, false
	}

	return current, true
}

func compile(path string) []segment {
	if cached, ok := compiled.Load(path); ok {
		return cached.([]segment)
	}

	segments := parsePath(path)
	compiled.Store(path, segments)

	return segments
}

func parsePath(path string) []segment {
	p := strings.TrimSpace(path)
	p = strings.TrimPrefix(p, "$")

	var segments []segment
	var buf strings.Builder

	flush := func() {
		if buf.Len() == 0 {
			return
		}
		segments = append(segments, keySegment(buf.String()))
		buf.Reset()
	}

	for i := 0; i < len(p); i++ {
		switch c := p[i]; c {
		case '.':
			flush()
		case '[':
			flush()
			end := strings.IndexByte(p[i:], ']')
			if end < 0 {
				buf.WriteString(p[i:])
				i = len(p)
				continue
			}

			inner := strings.TrimSpace(p[i+1 : i+end])
			if unquoted, ok := unquote(inner); ok {
				segments = append(segments, segment{key: unquoted})
			} else if n, err := strconv.Atoi(inner); err == nil {
				segments = append(segments, segment{index: n, isIdx: true})
			} else {
				segments = append(segments, segment{key: inner})
			}
			i += end
		default:
			buf.WriteByte(c)
		}
	}
	flush()

	return segments
}

func keySegment(key string) segment {
	if n, err := strconv.Atoi(key); err == nil {
		return segment{key: key, index: n, isIdx: true}
	}

	return segment{key: key}
}

func unquote(s string) (string, bool) {
	if len(s) >= 2 && (s[0] == '\'' || s[0] == '"') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1], true
	}

	return "", false
}

// Decode parses raw keeping numbers as json.Number.
func Decode(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var root any
	if err := dec.Decode(&root); err != nil {
		return nil, err
	}

	return root, nil
}
