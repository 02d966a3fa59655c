// Package query parses REM statements into engine plans.
//
// The statement language is deliberately small: one operation keyword, its
// arguments, and a handful of trailing clauses. Regular expressions carry
// the whole grammar; anything they reject falls back to an implicit search
// when the input looks like free text, or a validation error when it does
// not.
package query

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/orneryd/remdb/pkg/rem"
)

var (
	lookupRe = regexp.MustCompile(`(?is)^\s*(?:LOOKUP|GET)\s+(.+?)\s*$`)
	fuzzyRe  = regexp.MustCompile(`(?is)^\s*FUZZY\s+(.+?)(?:\s+THRESHOLD\s+([0-9.]+))?(?:\s+LIMIT\s+(\d+))?\s*$`)
	searchRe = regexp.MustCompile(`(?is)^\s*SEARCH\s+(.+?)(?:\s+IN\s+([a-zA-Z_][a-zA-Z0-9_]*))?(?:\s+LIMIT\s+(\d+))?\s*$`)
	selectRe = regexp.MustCompile(`(?is)^\s*SELECT\s+(.+?)\s+FROM\s+([a-zA-Z_][a-zA-Z0-9_]*)` +
		`(?:\s+WHERE\s+(.+?))?(?:\s+ORDER\s+BY\s+(.+?))?(?:\s+LIMIT\s+(\d+))?\s*;?\s*$`)
	traverseRe = regexp.MustCompile(`(?is)^\s*TRAVERSE(\s+PLAN)?(?:\s+([a-zA-Z_][a-zA-Z0-9_,\s]*?))?\s+WITH\s+(.+?)` +
		`(?:\s+DEPTH\s+(\d+))?(?:\s+LIMIT\s+(\d+))?\s*$`)

	// table:key addressing inside LOOKUP arguments.
	tableKeyRe = regexp.MustCompile(`^([a-zA-Z_][a-zA-Z0-9_]*):(.+)$`)
)

// Parse turns one REM statement into an unvalidated plan. The caller sets
// the tenant and runs Validate. Free text that matches no statement form
// becomes an implicit SEARCH only when allowImplicit is set.
func Parse(input string, allowImplicit bool) (*rem.Plan, error) {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return nil, &rem.ValidationError{Field: "statement", Msg: "empty statement"}
	}

	switch {
	case hasKeyword(trimmed, "LOOKUP"), hasKeyword(trimmed, "GET"):
		return parseLookup(trimmed)
	case hasKeyword(trimmed, "FUZZY"):
		return parseFuzzy(trimmed)
	case hasKeyword(trimmed, "SELECT"):
		return parseSelect(trimmed)
	case hasKeyword(trimmed, "TRAVERSE"):
		return parseTraverse(trimmed)
	case hasKeyword(trimmed, "SEARCH"):
		return parseSearch(trimmed)
	}

	if allowImplicit {
		return &rem.Plan{
			Type:   rem.QuerySearch,
			Search: &rem.SearchParams{Text: unquote(trimmed)},
		}, nil
	}
	return nil, &rem.ValidationError{Field: "statement", Msg: "unrecognized statement"}
}

func hasKeyword(s, kw string) bool {
	if len(s) < len(kw) {
		return false
	}
	head := s[:len(kw)]
	if !strings.EqualFold(head, kw) {
		return false
	}
	rest := s[len(kw):]
	return rest == "" || rest[0] == ' ' || rest[0] == '\t' || rest[0] == '\n'
}

// parseLookup handles "LOOKUP sarah", "GET people:sarah, bob" and quoted
// labels. A table prefix on the first key scopes every key.
func parseLookup(input string) (*rem.Plan, error) {
	m := lookupRe.FindStringSubmatch(input)
	if m == nil {
		return nil, &rem.ValidationError{Field: "lookup", Msg: "expected LOOKUP <label>[, <label>...]"}
	}
	args := m[1]

	table := ""
	if tk := tableKeyRe.FindStringSubmatch(args); tk != nil {
		table = tk[1]
		args = tk[2]
	}

	var labels []string
	for _, part := range strings.Split(args, ",") {
		if label := unquote(part); label != "" {
			labels = append(labels, label)
		}
	}
	if len(labels) == 0 {
		return nil, &rem.ValidationError{Field: "lookup", Msg: "no labels given"}
	}

	return &rem.Plan{
		Type:   rem.QueryLookup,
		Lookup: &rem.LookupParams{Labels: labels, Table: table},
	}, nil
}

func parseFuzzy(input string) (*rem.Plan, error) {
	m := fuzzyRe.FindStringSubmatch(input)
	if m == nil {
		return nil, &rem.ValidationError{Field: "fuzzy", Msg: "expected FUZZY <text> [THRESHOLD t] [LIMIT n]"}
	}
	p := &rem.FuzzyParams{Text: unquote(m[1])}
	if m[2] != "" {
		threshold, err := strconv.ParseFloat(m[2], 64)
		if err != nil {
			return nil, &rem.ValidationError{Field: "fuzzy.threshold", Msg: "not a number: " + m[2]}
		}
		p.Threshold = threshold
	}
	if m[3] != "" {
		p.Limit, _ = strconv.Atoi(m[3])
	}
	return &rem.Plan{Type: rem.QueryFuzzy, Fuzzy: p}, nil
}

// parseSearch handles `SEARCH "text" [IN table] [LIMIT n]` and the legacy
// colon form `SEARCH table: text`.
func parseSearch(input string) (*rem.Plan, error) {
	m := searchRe.FindStringSubmatch(input)
	if m == nil {
		return nil, &rem.ValidationError{Field: "search", Msg: `expected SEARCH "<text>" [IN <table>] [LIMIT n]`}
	}
	text, table := m[1], m[2]

	if table == "" {
		if tk := tableKeyRe.FindStringSubmatch(strings.TrimSpace(text)); tk != nil {
			table = tk[1]
			text = tk[2]
		}
	}

	p := &rem.SearchParams{Text: unquote(text), Table: table}
	if m[3] != "" {
		p.Limit, _ = strconv.Atoi(m[3])
	}
	return &rem.Plan{Type: rem.QuerySearch, Search: p}, nil
}

func parseSelect(input string) (*rem.Plan, error) {
	m := selectRe.FindStringSubmatch(input)
	if m == nil {
		return nil, &rem.ValidationError{Field: "sql", Msg: "expected SELECT <fields> FROM <table> [WHERE ...] [ORDER BY ...] [LIMIT n]"}
	}

	p := &rem.SQLParams{
		Table:   m[2],
		Where:   strings.TrimSpace(m[3]),
		OrderBy: strings.TrimSpace(m[4]),
	}
	fields := strings.TrimSpace(m[1])
	if fields != "*" {
		for _, f := range strings.Split(fields, ",") {
			if f = strings.TrimSpace(f); f != "" {
				p.SelectFields = append(p.SelectFields, f)
			}
		}
	}
	if m[5] != "" {
		p.Limit, _ = strconv.Atoi(m[5])
	}
	return &rem.Plan{Type: rem.QuerySQL, SQL: p}, nil
}

// parseTraverse handles
//
//	TRAVERSE [type,type] WITH <seed statement> [DEPTH n] [LIMIT n]
//	TRAVERSE PLAN [type,type] WITH <seed statement>
//
// The seed statement is any non-traverse statement, parsed recursively.
func parseTraverse(input string) (*rem.Plan, error) {
	m := traverseRe.FindStringSubmatch(input)
	if m == nil {
		return nil, &rem.ValidationError{Field: "traverse", Msg: "expected TRAVERSE [PLAN] [types] WITH <statement> [DEPTH n] [LIMIT n]"}
	}
	planOnly := m[1] != ""

	var edgeTypes []string
	for _, t := range strings.Split(m[2], ",") {
		if t = strings.TrimSpace(t); t != "" {
			edgeTypes = append(edgeTypes, t)
		}
	}

	seed, err := Parse(m[3], false)
	if err != nil {
		return nil, err
	}
	if seed.Type == rem.QueryTraverse {
		return nil, &rem.ValidationError{Field: "traverse.with", Msg: "seed cannot be a traversal"}
	}

	t := &rem.TraverseParams{
		EdgeTypes: edgeTypes,
		With:      seed,
		MaxDepth:  rem.DefaultTraverseDepth,
		PlanOnly:  planOnly,
	}
	if m[4] != "" {
		t.MaxDepth, _ = strconv.Atoi(m[4])
	}
	if planOnly {
		t.MaxDepth = 0
	}
	if m[5] != "" {
		t.Limit, _ = strconv.Atoi(m[5])
	}
	return &rem.Plan{Type: rem.QueryTraverse, Traverse: t}, nil
}

// unquote trims whitespace and one layer of matching quotes.
func unquote(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			s = s[1 : len(s)-1]
		}
	}
	return strings.TrimSpace(s)
}
