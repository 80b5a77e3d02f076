package sqlgen

import (
	"fmt"
	"strings"
)

// SQLBuilder builds multi-line SQL with automatic indentation management.
// Use it for DDL and other statements whose shape benefits from structure;
// single-line DML goes through the statement builders directly.
type SQLBuilder struct {
	lines     []string
	indent    int
	indentStr string
}

// NewBuilder creates a SQLBuilder with 4-space indentation.
func NewBuilder() *SQLBuilder {
	return &SQLBuilder{indentStr: "    "}
}

// Line adds a line at the current indentation level.
func (b *SQLBuilder) Line(format string, args ...any) *SQLBuilder {
	line := fmt.Sprintf(format, args...)
	if b.indent > 0 && line != "" {
		line = strings.Repeat(b.indentStr, b.indent) + line
	}
	b.lines = append(b.lines, line)
	return b
}

// LineIf adds a line only if the condition is true.
func (b *SQLBuilder) LineIf(cond bool, format string, args ...any) *SQLBuilder {
	if cond {
		return b.Line(format, args...)
	}
	return b
}

// Block executes a function with increased indentation, restoring the
// previous level afterwards.
func (b *SQLBuilder) Block(fn func(*SQLBuilder)) *SQLBuilder {
	b.indent++
	fn(b)
	b.indent--
	return b
}

// Empty reports whether no lines have been added.
func (b *SQLBuilder) Empty() bool {
	return len(b.lines) == 0
}

// String returns the built SQL as a single string.
func (b *SQLBuilder) String() string {
	return strings.Join(b.lines, "\n")
}

// Joiner accumulates clause fragments and joins them with a separator,
// filtering out empty strings.
type Joiner struct {
	sep   string
	parts []string
}

// NewJoiner creates a Joiner with the given separator.
func NewJoiner(sep string) *Joiner {
	return &Joiner{sep: sep}
}

// Add adds each non-empty part.
func (j *Joiner) Add(parts ...string) *Joiner {
	for _, p := range parts {
		if p != "" {
			j.parts = append(j.parts, p)
		}
	}
	return j
}

// AddIf adds a part only if the condition is true.
func (j *Joiner) AddIf(cond bool, part string) *Joiner {
	if cond && part != "" {
		j.parts = append(j.parts, part)
	}
	return j
}

// Empty reports whether no parts have been added.
func (j *Joiner) Empty() bool {
	return len(j.parts) == 0
}

// Count returns the number of parts.
func (j *Joiner) Count() int {
	return len(j.parts)
}

// String joins all parts with the separator.
func (j *Joiner) String() string {
	return strings.Join(j.parts, j.sep)
}
