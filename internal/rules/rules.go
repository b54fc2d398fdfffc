// Package rules implements the declarative security-rules engine gating
// every read and write.
//
// The accepted syntax is the Firestore rules subset:
//
//	service cloud.firestore {
//	  match /databases/{database}/documents {
//	    match /users/{userId} {
//	      allow read, write: if true;
//	    }
//	    match /admin/{rest=**} {
//	      allow write: if false;
//	    }
//	  }
//	}
//
// Nested match blocks flatten into absolute patterns. Pattern segments are
// literals, single-segment variables {var}, or rest-of-path wildcards
// {var=**} (which may match zero segments). On a request, the most specific
// matching pattern (most literal segments) applicable to the operation
// governs; with no match the default is deny.
package rules

import (
	"errors"
	"fmt"
	"strings"
)

// Op is the operation kind being authorized.
type Op string

const (
	// OpRead covers document reads.
	OpRead Op = "read"
	// OpWrite covers puts, updates, and deletes.
	OpWrite Op = "write"
)

// ErrParse reports malformed rule text.
var ErrParse = errors.New("rules: parse error")

type segmentKind uint8

const (
	segLiteral segmentKind = iota
	segVariable
	segRest
)

type segment struct {
	kind    segmentKind
	literal string // literal text, or variable name
}

// rule is one flattened allow statement.
type rule struct {
	segments []segment
	read     bool
	write    bool
	allow    bool
	literals int
}

// covers reports whether the rule's operation list includes op.
func (r *rule) covers(op Op) bool {
	switch op {
	case OpRead:
		return r.read
	case OpWrite:
		return r.write
	default:
		return false
	}
}

// matches reports whether the rule's pattern matches the path segments.
func (r *rule) matches(path []string) bool {
	for i, seg := range r.segments {
		if seg.kind == segRest {
			// Rest wildcard must be last and swallows the remainder,
			// including an empty one.
			return true
		}
		if i >= len(path) {
			return false
		}
		if seg.kind == segLiteral && seg.literal != path[i] {
			return false
		}
	}
	return len(path) == len(r.segments)
}

// Ruleset is an immutable parsed rule set. Install-and-swap keeps reloads
// atomic for concurrent readers.
type Ruleset struct {
	rules []rule
}

// Parse compiles rule text into a Ruleset.
func Parse(text string) (*Ruleset, error) {
	p := &parser{input: text}
	rs, err := p.parse()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return rs, nil
}

// Authorize evaluates the rule set for one path and operation. Among rules
// whose pattern matches and whose operation list covers op, the one with the
// most literal segments governs; ties within that specificity allow if any
// tied rule allows. No matching rule means deny.
func (rs *Ruleset) Authorize(path string, op Op) bool {
	segs := splitPath(path)

	best := -1
	allowed := false
	for i := range rs.rules {
		r := &rs.rules[i]
		if !r.covers(op) || !r.matches(segs) {
			continue
		}
		switch {
		case r.literals > best:
			best = r.literals
			allowed = r.allow
		case r.literals == best:
			if r.allow {
				allowed = true
			}
		}
	}
	return best >= 0 && allowed
}

func splitPath(path string) []string {
	var segs []string
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}

// parser is a small recursive-descent parser over the rule text.
type parser struct {
	input string
	pos   int
}

func (p *parser) parse() (*Ruleset, error) {
	if err := p.expectWord("service"); err != nil {
		return nil, err
	}
	if _, err := p.word(); err != nil {
		return nil, fmt.Errorf("expected service name: %v", err)
	}
	if err := p.expectSym('{'); err != nil {
		return nil, err
	}

	rs := &Ruleset{}
	for {
		p.skipSpace()
		if p.peekSym('}') {
			p.pos++
			break
		}
		if err := p.parseMatch(nil, rs); err != nil {
			return nil, err
		}
	}

	p.skipSpace()
	if p.pos != len(p.input) {
		return nil, fmt.Errorf("trailing input at offset %d", p.pos)
	}
	return rs, nil
}

func (p *parser) parseMatch(prefix []segment, rs *Ruleset) error {
	if err := p.expectWord("match"); err != nil {
		return err
	}

	pattern, err := p.word()
	if err != nil {
		return fmt.Errorf("expected match pattern: %v", err)
	}
	segs, err := parsePattern(pattern)
	if err != nil {
		return err
	}
	full := append(append([]segment{}, prefix...), segs...)
	for i, s := range full[:max(len(full)-1, 0)] {
		if s.kind == segRest {
			return fmt.Errorf("wildcard %q must be the last segment (segment %d)", s.literal, i+1)
		}
	}

	if err := p.expectSym('{'); err != nil {
		return err
	}
	for {
		p.skipSpace()
		switch {
		case p.peekSym('}'):
			p.pos++
			return nil
		case p.peekWord("match"):
			if err := p.parseMatch(full, rs); err != nil {
				return err
			}
		case p.peekWord("allow"):
			if err := p.parseAllow(full, rs); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unexpected token at offset %d", p.pos)
		}
	}
}

func (p *parser) parseAllow(pattern []segment, rs *Ruleset) error {
	if err := p.expectWord("allow"); err != nil {
		return err
	}

	r := rule{segments: pattern}
	for _, s := range pattern {
		if s.kind == segLiteral {
			r.literals++
		}
	}

	for {
		op, err := p.word()
		if err != nil {
			return fmt.Errorf("expected operation name: %v", err)
		}
		switch op {
		case "read", "get", "list":
			r.read = true
		case "write", "create", "update", "delete":
			r.write = true
		default:
			return fmt.Errorf("unknown operation %q", op)
		}
		p.skipSpace()
		if !p.peekSym(',') {
			break
		}
		p.pos++
	}

	if err := p.expectSym(':'); err != nil {
		return err
	}
	if err := p.expectWord("if"); err != nil {
		return err
	}
	cond, err := p.word()
	if err != nil {
		return fmt.Errorf("expected condition: %v", err)
	}
	switch cond {
	case "true":
		r.allow = true
	case "false":
		r.allow = false
	default:
		return fmt.Errorf("unsupported condition %q (only true or false)", cond)
	}
	if err := p.expectSym(';'); err != nil {
		return err
	}

	rs.rules = append(rs.rules, r)
	return nil
}

func parsePattern(pattern string) ([]segment, error) {
	if pattern == "" {
		return nil, errors.New("empty match pattern")
	}
	var segs []segment
	for _, s := range strings.Split(pattern, "/") {
		if s == "" {
			continue
		}
		if strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}") {
			inner := s[1 : len(s)-1]
			if name, ok := strings.CutSuffix(inner, "=**"); ok {
				if name == "" {
					return nil, fmt.Errorf("wildcard segment %q missing a name", s)
				}
				segs = append(segs, segment{kind: segRest, literal: name})
			} else {
				if inner == "" {
					return nil, fmt.Errorf("variable segment %q missing a name", s)
				}
				segs = append(segs, segment{kind: segVariable, literal: inner})
			}
			continue
		}
		segs = append(segs, segment{kind: segLiteral, literal: s})
	}
	if len(segs) == 0 {
		return nil, fmt.Errorf("pattern %q has no segments", pattern)
	}
	return segs, nil
}

// scanner helpers

func (p *parser) skipSpace() {
	for p.pos < len(p.input) {
		c := p.input[p.pos]
		if c == ' ' || c == '\t' || c == '\n' || c == '\r' {
			p.pos++
			continue
		}
		// Line comments.
		if c == '/' && p.pos+1 < len(p.input) && p.input[p.pos+1] == '/' {
			for p.pos < len(p.input) && p.input[p.pos] != '\n' {
				p.pos++
			}
			continue
		}
		break
	}
}

// word reads a run of non-space, non-punctuation characters. Slashes and
// braces inside a token are allowed so match patterns scan as one word.
func (p *parser) word() (string, error) {
	p.skipSpace()
	start := p.pos
	for p.pos < len(p.input) {
		c := p.input[p.pos]
		if c == ' ' || c == '\t' || c == '\n' || c == '\r' ||
			c == ':' || c == ',' || c == ';' {
			break
		}
		// A block opener ends a word unless it starts a {var} segment,
		// which only happens right after a slash or at the word start
		// within a pattern.
		if c == '{' && p.pos > start && p.input[p.pos-1] != '/' {
			break
		}
		if c == '}' && !strings.Contains(p.input[start:p.pos], "{") {
			break
		}
		p.pos++
	}
	if p.pos == start {
		return "", fmt.Errorf("expected token at offset %d", start)
	}
	return p.input[start:p.pos], nil
}

func (p *parser) expectWord(want string) error {
	p.skipSpace()
	if !p.peekWord(want) {
		return fmt.Errorf("expected %q at offset %d", want, p.pos)
	}
	p.pos += len(want)
	return nil
}

func (p *parser) peekWord(want string) bool {
	p.skipSpace()
	if !strings.HasPrefix(p.input[p.pos:], want) {
		return false
	}
	end := p.pos + len(want)
	if end < len(p.input) {
		c := p.input[end]
		if isWordChar(c) {
			return false
		}
	}
	return true
}

func isWordChar(c byte) bool {
	return c == '_' || c == '.' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func (p *parser) expectSym(sym byte) error {
	p.skipSpace()
	if p.pos >= len(p.input) || p.input[p.pos] != sym {
		return fmt.Errorf("expected %q at offset %d", string(sym), p.pos)
	}
	p.pos++
	return nil
}

func (p *parser) peekSym(sym byte) bool {
	p.skipSpace()
	return p.pos < len(p.input) && p.input[p.pos] == sym
}
