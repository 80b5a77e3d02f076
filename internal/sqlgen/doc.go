// Package sqlgen turns model definitions, filter documents, and row data
// into dialect-correct SQL statements with positional parameters. It is
// the only place in the framework that concatenates SQL text; every value
// travels as a bound parameter.
package sqlgen
