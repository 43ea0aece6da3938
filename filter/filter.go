// Package filter builds content selectors for queue and topic subscriptions.
//
// A selector is an ordered list of clauses over message properties. Bound
// clauses (Equals, GreaterThan, LessThan) carry a literal and compile
// directly to the broker selector grammar. A Matches clause carries no
// literal: its comparison value is resolved at runtime from the first
// message of a batch, which is how a whole batch is correlated to values
// nobody knew when the receive call was issued.
package filter

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Op enumerates the clause comparison operators.
type Op int

const (
	// OpMatches compares for equality against a value resolved at runtime.
	OpMatches Op = iota
	// OpEquals compares for equality against a supplied literal.
	OpEquals
	// OpGreaterThan compares numerically, strictly greater.
	OpGreaterThan
	// OpLessThan compares numerically, strictly lesser.
	OpLessThan
)

func (o Op) token() string {
	switch o {
	case OpGreaterThan:
		return ">"
	case OpLessThan:
		return "<"
	default:
		return "="
	}
}

func (o Op) String() string {
	switch o {
	case OpMatches:
		return "MATCHES"
	case OpEquals:
		return "EQUALS"
	case OpGreaterThan:
		return "GREATER_THAN"
	case OpLessThan:
		return "LESS_THAN"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrEmptyProperty rejects clauses without a property name.
	ErrEmptyProperty = errors.New("filter: property name must not be empty")
	// ErrValueRequired rejects bound clauses constructed without a usable literal.
	ErrValueRequired = errors.New("filter: selector requires a string or numeric value")
	// ErrNumericValue rejects GreaterThan/LessThan clauses with a non-numeric literal.
	ErrNumericValue = errors.New("filter: selector requires a numeric value")
)

// Clause is a single property comparison. Construct via Matches, Equals,
// GreaterThan, LessThan or the Builder; the zero Clause is invalid.
type Clause struct {
	name     string
	op       Op
	value    any // string or float64 once bound
	hasValue bool
}

// Property returns the property name the clause compares.
func (c Clause) Property() string { return c.name }

// Op returns the clause operator.
func (c Clause) Op() Op { return c.op }

// Value returns the literal and whether the clause carries one.
// A Matches clause has no value until resolved through Expression.Bind.
func (c Clause) Value() (any, bool) { return c.value, c.hasValue }

// Matches builds a clause whose comparison value is resolved from a
// received message at runtime rather than supplied here.
func Matches(property string) Clause {
	return Clause{name: property, op: OpMatches}
}

// Equals builds a clause requiring the property to equal value.
// Value must be a string or a number; anything else fails now, not at
// receive time.
func Equals(property string, value any) (Clause, error) {
	if property == "" {
		return Clause{}, ErrEmptyProperty
	}
	v, ok := normalize(value)
	if !ok {
		return Clause{}, fmt.Errorf("%w (property %q)", ErrValueRequired, property)
	}
	return Clause{name: property, op: OpEquals, value: v, hasValue: true}, nil
}

// GreaterThan builds a clause requiring the property to exceed value.
// The literal must be numeric; a string fails at construction time.
func GreaterThan(property string, value any) (Clause, error) {
	return numericClause(property, OpGreaterThan, value)
}

// LessThan builds a clause requiring the property to be below value.
// The literal must be numeric; a string fails at construction time.
func LessThan(property string, value any) (Clause, error) {
	return numericClause(property, OpLessThan, value)
}

func numericClause(property string, op Op, value any) (Clause, error) {
	if property == "" {
		return Clause{}, ErrEmptyProperty
	}
	n, ok := number(value)
	if !ok {
		return Clause{}, fmt.Errorf("%w: %s(%q)", ErrNumericValue, op, property)
	}
	return Clause{name: property, op: op, value: n, hasValue: true}, nil
}

// Expression is an ordered, immutable sequence of clauses combined with
// AND semantics.
type Expression struct {
	clauses []Clause
}

// From assembles an expression out of ready clauses.
func From(clauses ...Clause) *Expression {
	cs := make([]Clause, len(clauses))
	copy(cs, clauses)
	return &Expression{clauses: cs}
}

// Clauses returns a copy of the clause list in declaration order.
func (e *Expression) Clauses() []Clause {
	if e == nil {
		return nil
	}
	out := make([]Clause, len(e.clauses))
	copy(out, e.clauses)
	return out
}

// Empty reports whether the expression holds no clauses.
func (e *Expression) Empty() bool { return e == nil || len(e.clauses) == 0 }

// HasUnbound reports whether any Matches clause still lacks a resolved value.
func (e *Expression) HasUnbound() bool {
	if e == nil {
		return false
	}
	for _, c := range e.clauses {
		if c.op == OpMatches && !c.hasValue {
			return true
		}
	}
	return false
}

// Bind resolves Matches clauses against the property lookup of a received
// message and returns a new expression. Clauses whose property is absent
// from the lookup stay unresolved and keep compiling to nothing.
func (e *Expression) Bind(get func(key string) (any, bool)) *Expression {
	if e == nil {
		return nil
	}
	out := make([]Clause, len(e.clauses))
	copy(out, e.clauses)
	for i, c := range out {
		if c.op != OpMatches || c.hasValue {
			continue
		}
		raw, ok := get(c.name)
		if !ok {
			continue
		}
		if v, ok := normalize(raw); ok {
			out[i].value = v
			out[i].hasValue = true
		}
	}
	return &Expression{clauses: out}
}

// Compile renders the expression in the broker selector grammar:
// `name OP literal` terms joined by commas. String literals are
// single-quoted, numbers render bare. Matches clauses are omitted when
// includeUnbound is false; once resolved through Bind they render as
// equality terms when includeUnbound is true. A Matches clause that never
// resolved has nothing to render and is always omitted.
func (e *Expression) Compile(includeUnbound bool) string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	for _, c := range e.clauses {
		if c.op == OpMatches && (!includeUnbound || !c.hasValue) {
			continue
		}
		if !c.hasValue {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte(',')
		}
		b.WriteString(c.name)
		b.WriteString(c.op.token())
		b.WriteString(renderLiteral(c.value))
	}
	return b.String()
}

// Match evaluates every bound clause against the property lookup of a
// message. Unresolved Matches clauses impose no constraint. The broker
// adapters use this as their selector engine.
func (e *Expression) Match(get func(key string) (any, bool)) bool {
	if e == nil {
		return true
	}
	for _, c := range e.clauses {
		if !c.hasValue {
			continue
		}
		raw, ok := get(c.name)
		if !ok {
			return false
		}
		actual, ok := normalize(raw)
		if !ok {
			return false
		}
		if !compare(c.op, actual, c.value) {
			return false
		}
	}
	return true
}

func compare(op Op, actual, want any) bool {
	switch op {
	case OpGreaterThan, OpLessThan:
		a, aok := number(actual)
		w, wok := number(want)
		if !aok || !wok {
			return false
		}
		if op == OpGreaterThan {
			return a > w
		}
		return a < w
	default: // equality, including resolved Matches
		if a, ok := number(actual); ok {
			if w, ok := number(want); ok {
				return a == w
			}
			return false
		}
		as, aok := actual.(string)
		ws, wok := want.(string)
		return aok && wok && as == ws
	}
}

func renderLiteral(v any) string {
	switch x := v.(type) {
	case string:
		return "'" + strings.ReplaceAll(x, "'", "''") + "'"
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", x)
	}
}

// normalize reduces a literal to the two wire scalar kinds: string or float64.
func normalize(v any) (any, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	default:
		if n, ok := number(v); ok {
			return n, true
		}
		return nil, false
	}
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// Builder accumulates clauses and the first construction error, mirroring
// the add-then-build usage of selector lists.
type Builder struct {
	clauses []Clause
	err     error
}

// New returns an empty Builder.
func New() *Builder { return &Builder{} }

// Matches appends a runtime-resolved equality clause.
func (b *Builder) Matches(property string) *Builder {
	if b.err == nil && property == "" {
		b.err = ErrEmptyProperty
		return b
	}
	b.clauses = append(b.clauses, Matches(property))
	return b
}

// Equals appends a literal equality clause.
func (b *Builder) Equals(property string, value any) *Builder {
	return b.add(Equals(property, value))
}

// GreaterThan appends a numeric greater-than clause.
func (b *Builder) GreaterThan(property string, value any) *Builder {
	return b.add(GreaterThan(property, value))
}

// LessThan appends a numeric less-than clause.
func (b *Builder) LessThan(property string, value any) *Builder {
	return b.add(LessThan(property, value))
}

func (b *Builder) add(c Clause, err error) *Builder {
	if b.err == nil && err != nil {
		b.err = err
	}
	if err == nil {
		b.clauses = append(b.clauses, c)
	}
	return b
}

// Build returns the assembled expression or the first clause error.
func (b *Builder) Build() (*Expression, error) {
	if b.err != nil {
		return nil, b.err
	}
	return From(b.clauses...), nil
}
