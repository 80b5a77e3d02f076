// Package ident validates identifiers and literals before they may appear in
// generated SQL, and masks sensitive values before they may appear in logs.
//
// Every table, column, model, node, and savepoint name passes through Check
// at registration or build time. Nothing downstream of this package
// re-validates; nothing upstream of it may reach a SQL string.
package ident

import (
	"strings"

	"github.com/dataflowhq/dataflow/pkg/fault"
)

// MaxLen is the maximum identifier length (PostgreSQL's NAMEDATALEN - 1,
// which is also the strictest bound across supported dialects).
const MaxLen = 63

// reserved is the closed set of SQL keywords rejected as identifiers,
// lowercase. Covers the core ANSI set plus the statement verbs a hostile
// name could smuggle into DDL. Keywords that double as everyday domain
// names (user, order) are deliberately absent: generated SQL quotes every
// identifier, and refusing the most common table names in the wild would
// hurt more than it protects.
var reserved = map[string]struct{}{
	"select": {}, "insert": {}, "update": {}, "delete": {}, "drop": {},
	"create": {}, "alter": {}, "truncate": {}, "grant": {}, "revoke": {},
	"union": {}, "join": {}, "where": {}, "from": {}, "table": {},
	"database": {}, "schema": {}, "index": {}, "view": {}, "procedure": {},
	"function": {}, "trigger": {}, "constraint": {}, "primary": {},
	"foreign": {}, "references": {}, "null": {}, "not": {}, "and": {},
	"or": {}, "as": {}, "on": {}, "in": {}, "into": {}, "values": {},
	"set": {}, "group": {}, "by": {}, "having": {},
	"limit": {}, "offset": {}, "distinct": {}, "exists": {}, "between": {},
	"like": {}, "is": {}, "case": {}, "when": {}, "then": {}, "else": {},
	"end": {}, "cascade": {}, "restrict": {}, "default": {}, "unique": {},
	"key": {}, "check": {}, "column": {}, "add": {}, "all": {}, "any": {},
	"asc": {}, "desc": {}, "inner": {}, "outer": {}, "left": {},
	"right": {}, "full": {}, "cross": {}, "natural": {}, "using": {},
	"exec": {}, "execute": {}, "begin": {}, "commit": {}, "rollback": {},
	"savepoint": {}, "transaction": {}, "current_user": {},
	"session_user": {}, "current_date": {}, "current_time": {},
	"current_timestamp": {}, "true": {}, "false": {},
}

// Valid reports whether s matches [A-Za-z_][A-Za-z0-9_]{0,62} and is not a
// reserved SQL keyword.
func Valid(s string) bool {
	return Check(s) == nil
}

// Check validates s as a SQL identifier, returning a validation fault naming
// the reason on rejection.
func Check(s string) error {
	if s == "" {
		return fault.New(fault.KindValidation, "identifier is empty")
	}
	if len(s) > MaxLen {
		return fault.New(fault.KindValidation, "identifier %q exceeds %d characters", s, MaxLen)
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '_':
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
			if i == 0 {
				return fault.New(fault.KindValidation, "identifier %q starts with a digit", s)
			}
		default:
			return fault.New(fault.KindValidation, "identifier %q contains invalid character %q", s, string(c))
		}
	}
	if _, ok := reserved[strings.ToLower(s)]; ok {
		return fault.New(fault.KindValidation, "identifier %q is a reserved SQL keyword", s)
	}
	return nil
}

// CheckSavepoint validates a savepoint name. Savepoints share the identifier
// grammar and length bound.
func CheckSavepoint(s string) error {
	if err := Check(s); err != nil {
		return fault.New(fault.KindValidation, "invalid savepoint name %q", s)
	}
	return nil
}

// Reserved reports whether s (case-insensitively) is a reserved SQL keyword.
func Reserved(s string) bool {
	_, ok := reserved[strings.ToLower(s)]
	return ok
}

// FunctionTokens are the default-value function tokens recognized by the
// schema layer. Anything else shaped like a function call is rejected by
// SafeDefaultLiteral.
var FunctionTokens = map[string]struct{}{
	"now":               {},
	"current_timestamp": {},
	"uuid":              {},
}

// IsFunctionToken reports whether s names a recognized default function.
func IsFunctionToken(s string) bool {
	_, ok := FunctionTokens[strings.ToLower(s)]
	return ok
}

// SafeDefaultLiteral reports whether s is safe to carry as a column default.
// Semicolons, comment markers, and function-call patterns are rejected
// unless the whole literal is a recognized function token.
func SafeDefaultLiteral(s string) bool {
	if IsFunctionToken(s) {
		return true
	}
	if strings.ContainsAny(s, ";") {
		return false
	}
	if strings.Contains(s, "--") || strings.Contains(s, "/*") || strings.Contains(s, "*/") {
		return false
	}
	if looksLikeCall(s) {
		return false
	}
	return true
}

// looksLikeCall detects name(...) shapes, with or without arguments.
func looksLikeCall(s string) bool {
	open := strings.IndexByte(s, '(')
	if open <= 0 || !strings.Contains(s[open:], ")") {
		return false
	}
	head := strings.TrimSpace(s[:open])
	if head == "" {
		return false
	}
	for i := 0; i < len(head); i++ {
		c := head[i]
		isWord := c == '_' || c == '.' ||
			(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') ||
			(c >= '0' && c <= '9')
		if !isWord {
			return false
		}
	}
	return true
}
