package filter

import (
	"fmt"
	"strconv"
	"strings"
)

// Parse reads a compiled selector back into an Expression. The grammar is
// the one Compile emits: comma-joined `name OP literal` terms, OP one of
// = > <, literal either a single-quoted string (quotes escaped by
// doubling) or a bare number. An empty selector parses to an empty
// expression that matches everything.
//
// The broker adapters evaluate selectors themselves, so this is the
// receiving half of the selector contract.
func Parse(selector string) (*Expression, error) {
	selector = strings.TrimSpace(selector)
	if selector == "" {
		return &Expression{}, nil
	}

	var clauses []Clause
	for _, term := range splitTerms(selector) {
		c, err := parseTerm(term)
		if err != nil {
			return nil, err
		}
		clauses = append(clauses, c)
	}
	return &Expression{clauses: clauses}, nil
}

// splitTerms splits on commas that sit outside quoted literals.
func splitTerms(s string) []string {
	var terms []string
	var start int
	inQuote := false
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\'':
			inQuote = !inQuote
		case ',':
			if !inQuote {
				terms = append(terms, s[start:i])
				start = i + 1
			}
		}
	}
	terms = append(terms, s[start:])
	return terms
}

func parseTerm(term string) (Clause, error) {
	term = strings.TrimSpace(term)
	opIdx := strings.IndexAny(term, "=><")
	if opIdx <= 0 {
		return Clause{}, fmt.Errorf("filter: malformed selector term %q", term)
	}

	name := strings.TrimSpace(term[:opIdx])
	var op Op
	switch term[opIdx] {
	case '>':
		op = OpGreaterThan
	case '<':
		op = OpLessThan
	default:
		op = OpEquals
	}

	lit := strings.TrimSpace(term[opIdx+1:])
	value, err := parseLiteral(lit)
	if err != nil {
		return Clause{}, fmt.Errorf("filter: term %q: %w", term, err)
	}
	if op != OpEquals {
		if _, ok := value.(float64); !ok {
			return Clause{}, fmt.Errorf("%w: term %q", ErrNumericValue, term)
		}
	}
	return Clause{name: name, op: op, value: value, hasValue: true}, nil
}

func parseLiteral(lit string) (any, error) {
	if lit == "" {
		return nil, fmt.Errorf("missing literal")
	}
	if lit[0] == '\'' {
		if len(lit) < 2 || lit[len(lit)-1] != '\'' {
			return nil, fmt.Errorf("unterminated string literal")
		}
		body := lit[1 : len(lit)-1]
		return strings.ReplaceAll(body, "''", "'"), nil
	}
	n, err := strconv.ParseFloat(lit, 64)
	if err != nil {
		return nil, fmt.Errorf("literal %q is neither quoted nor numeric", lit)
	}
	return n, nil
}
