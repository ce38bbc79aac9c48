// Package binpatch rewrites well-known literal strings inside
// executables and archives in place, without changing file length.
package binpatch

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unicode/utf16"
)

// Encoding selects how rule strings are matched against file bytes.
type Encoding string

const (
	UTF8    Encoding = "utf-8"
	UTF16LE Encoding = "utf-16le"
)

// Encode renders s in the chosen encoding.
func (e Encoding) Encode(s string) ([]byte, error) {
	switch e {
	case UTF8:
		return []byte(s), nil
	case UTF16LE:
		units := utf16.Encode([]rune(s))
		out := make([]byte, len(units)*2)
		for i, u := range units {
			binary.LittleEndian.PutUint16(out[i*2:], u)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown encoding %q", e)
	}
}

// RuleKind distinguishes replacement strategies.
type RuleKind int

const (
	// Simple overwrites every occurrence of the old string with an
	// equal-length new string.
	Simple RuleKind = iota
	// SmartDomain rewrites domain-like strings whose final character
	// (the TLD tail) is substituted separately from the stub.
	SmartDomain
)

// Rule is one replacement.
type Rule struct {
	Kind RuleKind
	Old  string
	New  string
}

// Validate checks the length constraints the chosen encoding imposes.
func (r Rule) Validate(enc Encoding) error {
	oldB, err := enc.Encode(r.Old)
	if err != nil {
		return err
	}
	newB, err := enc.Encode(r.New)
	if err != nil {
		return err
	}

	switch r.Kind {
	case Simple:
		if len(oldB) != len(newB) {
			return fmt.Errorf("simple rule %q -> %q: encoded lengths differ (%d vs %d)",
				r.Old, r.New, len(oldB), len(newB))
		}
	case SmartDomain:
		if len(r.Old) < 2 || len(r.New) < 2 {
			return fmt.Errorf("smart-domain rule needs at least two characters")
		}
		oldStub, oldTail, err := splitTail(r.Old, enc)
		if err != nil {
			return err
		}
		newStub, newTail, err := splitTail(r.New, enc)
		if err != nil {
			return err
		}
		if len(oldStub) != len(newStub) {
			return fmt.Errorf("smart-domain rule %q -> %q: stub lengths differ (%d vs %d)",
				r.Old, r.New, len(oldStub), len(newStub))
		}
		if len(oldTail) != len(newTail) {
			return fmt.Errorf("smart-domain rule %q -> %q: tail lengths differ", r.Old, r.New)
		}
	default:
		return fmt.Errorf("unknown rule kind %d", r.Kind)
	}
	return nil
}

// splitTail encodes everything but the final character and the final
// character separately.
func splitTail(s string, enc Encoding) (stub, tail []byte, err error) {
	runes := []rune(s)
	stub, err = enc.Encode(string(runes[:len(runes)-1]))
	if err != nil {
		return nil, nil, err
	}
	tail, err = enc.Encode(string(runes[len(runes)-1:]))
	if err != nil {
		return nil, nil, err
	}
	return stub, tail, nil
}

// Apply rewrites buf in place and returns the replacement count. The
// scan proceeds left to right, advancing one byte after each match, so
// overlapping occurrences are considered against the buffer as already
// modified.
func (r Rule) Apply(buf []byte, enc Encoding) (int, error) {
	if err := r.Validate(enc); err != nil {
		return 0, err
	}

	switch r.Kind {
	case Simple:
		oldB, _ := enc.Encode(r.Old)
		newB, _ := enc.Encode(r.New)
		return overwriteAll(buf, oldB, newB), nil
	case SmartDomain:
		oldStub, oldTail, _ := splitTail(r.Old, enc)
		newStub, newTail, _ := splitTail(r.New, enc)
		return smartOverwrite(buf, oldStub, oldTail, newStub, newTail), nil
	}
	return 0, nil
}

func overwriteAll(buf, oldB, newB []byte) int {
	var count int
	for i := 0; i+len(oldB) <= len(buf); i++ {
		if bytes.Equal(buf[i:i+len(oldB)], oldB) {
			copy(buf[i:], newB)
			count++
		}
	}
	return count
}

func smartOverwrite(buf, oldStub, oldTail, newStub, newTail []byte) int {
	var count int
	window := len(oldStub) + len(oldTail)
	for i := 0; i+window <= len(buf); i++ {
		if !bytes.Equal(buf[i:i+len(oldStub)], oldStub) {
			continue
		}
		tailAt := i + len(oldStub)
		if !bytes.Equal(buf[tailAt:tailAt+len(oldTail)], oldTail) {
			continue
		}
		copy(buf[i:], newStub)
		copy(buf[tailAt:], newTail)
		count++
	}
	return count
}
