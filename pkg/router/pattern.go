// Package router provides path-template compilation and a specificity-ordered
// route table for HTTP request resolution.
package router

import (
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyCapture is returned when a template contains a capture segment
// with no name, e.g. "/user/{}/".
var ErrEmptyCapture = errors.New("capture segment has no name")

// segment is one compiled template segment: either a literal matched by
// exact string equality, or a capture matching one non-empty path token.
type segment struct {
	literal string
	capture bool
}

// Pattern is a compiled path template. It is immutable and safe for
// concurrent use.
type Pattern struct {
	template string
	segments []segment
	dynamic  int
}

// Compile parses a path template into a Pattern. Segments wrapped in braces
// ("{name}") become captures; everything else is matched literally and
// case-sensitively. The capture name must consist of word characters or
// hyphens. Trailing and leading slashes are normalized away, so "/a/b",
// "a/b/" and "/a/b/" compile identically.
func Compile(template string) (*Pattern, error) {
	p := &Pattern{template: template}

	for _, part := range strings.Split(strings.Trim(template, "/"), "/") {
		if part == "" {
			continue
		}
		if strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}") {
			name := part[1 : len(part)-1]
			if name == "" {
				return nil, fmt.Errorf("template %q: %w", template, ErrEmptyCapture)
			}
			if !isToken(name) {
				return nil, fmt.Errorf("template %q: invalid capture name %q", template, name)
			}
			p.segments = append(p.segments, segment{literal: name, capture: true})
			p.dynamic++
			continue
		}
		p.segments = append(p.segments, segment{literal: part})
	}

	return p, nil
}

// MustCompile is like Compile but panics on error. Intended for templates
// known at compile time.
func MustCompile(template string) *Pattern {
	p, err := Compile(template)
	if err != nil {
		panic(err)
	}
	return p
}

// Template returns the original template string.
func (p *Pattern) Template() string { return p.template }

// Segments returns the total number of path segments.
func (p *Pattern) Segments() int { return len(p.segments) }

// Dynamic returns the number of capture segments.
func (p *Pattern) Dynamic() int { return p.dynamic }

// Match tests path against the pattern. On success it returns the captured
// tokens in declaration order. The path should be normalized with Normalize
// first; Match tolerates a missing trailing slash either way.
func (p *Pattern) Match(path string) ([]string, bool) {
	parts := splitPath(path)
	if len(parts) != len(p.segments) {
		return nil, false
	}

	var params []string
	for i, seg := range p.segments {
		if seg.capture {
			if !isToken(parts[i]) {
				return nil, false
			}
			params = append(params, parts[i])
			continue
		}
		if parts[i] != seg.literal {
			return nil, false
		}
	}
	return params, true
}

// Normalize ensures a path has a leading and trailing slash. Matching is
// defined over normalized paths, so "/user/42" and "/user/42/" resolve to
// the same route.
func Normalize(path string) string {
	if path == "" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if !strings.HasSuffix(path, "/") {
		path += "/"
	}
	return path
}

// splitPath splits a path into its non-empty segments.
func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// isToken reports whether s is a valid capture token: one or more word
// characters or hyphens.
func isToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !isWordByte(c) && c != '-' {
			return false
		}
	}
	return true
}

func isWordByte(c byte) bool {
	return c >= 'a' && c <= 'z' ||
		c >= 'A' && c <= 'Z' ||
		c >= '0' && c <= '9' ||
		c == '_'
}
