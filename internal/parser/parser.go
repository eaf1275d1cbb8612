// Copyright 2023 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// SPDX-License-Identifier: Apache-2.0

// Package parser implements the restricted SELECT grammar the engine
// accepts (§6 Parser contract): a single table, a field list, an
// optional WHERE, an optional ORDER BY, and an optional LIMIT.
// Aggregates, joins, subqueries, and OFFSET are rejected rather than
// partially understood — the engine's re-evaluation and incremental
// paths both depend on the query shape being exactly this restricted,
// so a query that needs more is a configuration error, not a best
// effort.
package parser

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Direction is an ORDER BY sort direction.
type Direction int

const (
	Asc Direction = iota
	Desc
)

// Field is one entry of the SELECT list: either the literal "*" or a
// single column, optionally renamed via AS.
type Field struct {
	Star  bool
	Name  string
	Alias string
}

// OutputName returns the name a row's field should be projected under.
func (f Field) OutputName() string {
	if f.Alias != "" {
		return f.Alias
	}
	return f.Name
}

// OrderTerm is one ORDER BY key.
type OrderTerm struct {
	Column    string
	Direction Direction
}

// Condition is a single `column op ?` comparison within a conjunction
// of WHERE clauses. This module only supports WHERE clauses formed by
// ANDing together simple comparisons against placeholders or literals,
// which is sufficient to express the trigger-condition style filters
// the engine's supplied-payload matching mode needs (§4.3).
type Condition struct {
	Column string
	Op     string // one of =, !=, <>, <, <=, >, >=
	// Placeholder is the 1-based parameter index this condition reads
	// from, or zero if Literal is populated instead.
	Placeholder int
	Literal     any
	hasLiteral  bool
}

// HasLiteral reports whether this condition compares against a literal
// value embedded in the query text rather than a bound parameter.
func (c Condition) HasLiteral() bool { return c.hasLiteral }

// Query is the decomposed shape of a supported SELECT statement.
type Query struct {
	Text       string
	Table      string
	Database   string
	Fields     []Field
	Where      []Condition
	Order      []OrderTerm
	Limit      int
	HasLimit   bool
	ParamCount int
}

// SelectsAll reports whether the field list is the bare "*" wildcard.
func (q Query) SelectsAll() bool {
	return len(q.Fields) == 1 && q.Fields[0].Star
}

// tokenizer splits a query into whitespace- and punctuation-delimited
// tokens, treating quoted identifiers and string literals as single
// tokens.
type tokenizer struct {
	src []rune
	pos int
}

func newTokenizer(src string) *tokenizer { return &tokenizer{src: []rune(src)} }

func (t *tokenizer) peekRune() (rune, bool) {
	if t.pos >= len(t.src) {
		return 0, false
	}
	return t.src[t.pos], true
}

func (t *tokenizer) skipSpace() {
	for t.pos < len(t.src) {
		r, _ := t.peekRune()
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			t.pos++
			continue
		}
		break
	}
}

var punctuation = map[rune]bool{
	',': true, '(': true, ')': true, '=': true, '<': true, '>': true, '!': true, '*': true, ';': true,
}

// next returns the next token, or "" at end of input.
func (t *tokenizer) next() string {
	t.skipSpace()
	r, ok := t.peekRune()
	if !ok {
		return ""
	}

	if r == '\'' || r == '"' || r == '`' {
		return t.readQuoted(r)
	}
	if r == '?' {
		t.pos++
		return "?"
	}
	if punctuation[r] {
		// Combine two-rune comparison operators.
		if (r == '<' || r == '>' || r == '!') && t.pos+1 < len(t.src) {
			next := t.src[t.pos+1]
			if next == '=' || (r == '<' && next == '>') {
				t.pos += 2
				return string(r) + string(next)
			}
		}
		t.pos++
		return string(r)
	}

	start := t.pos
	for t.pos < len(t.src) {
		r, ok := t.peekRune()
		if !ok {
			break
		}
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' || punctuation[r] || r == '\'' || r == '"' || r == '`' || r == '?' {
			break
		}
		t.pos++
	}
	return string(t.src[start:t.pos])
}

func (t *tokenizer) readQuoted(quote rune) string {
	start := t.pos
	t.pos++ // opening quote
	for t.pos < len(t.src) {
		r, _ := t.peekRune()
		t.pos++
		if r == quote {
			break
		}
	}
	return string(t.src[start:t.pos])
}

// Parse decomposes a SELECT statement. It rejects joins, aggregates,
// subqueries, GROUP BY, HAVING, and OFFSET, per the restricted grammar
// this engine supports.
func Parse(queryText string) (Query, error) {
	tz := newTokenizer(queryText)

	var tokens []string
	for {
		tok := tz.next()
		if tok == "" {
			break
		}
		if tok == ";" {
			continue
		}
		tokens = append(tokens, tok)
	}

	p := &tokenState{tokens: tokens, queryText: queryText}
	return p.parseSelect()
}

type tokenState struct {
	tokens    []string
	pos       int
	queryText string
}

func (p *tokenState) peek() string {
	if p.pos >= len(p.tokens) {
		return ""
	}
	return p.tokens[p.pos]
}

func (p *tokenState) peekUpper() string { return strings.ToUpper(p.peek()) }

func (p *tokenState) next() string {
	tok := p.peek()
	p.pos++
	return tok
}

func (p *tokenState) expectUpper(word string) error {
	if p.peekUpper() != word {
		return errors.Errorf("expected %s, found %q", word, p.peek())
	}
	p.pos++
	return nil
}

func (p *tokenState) parseSelect() (Query, error) {
	q := Query{Text: p.queryText}

	if err := p.expectUpper("SELECT"); err != nil {
		return Query{}, errors.Wrap(err, "unsupported query")
	}

	fields, err := p.parseFieldList()
	if err != nil {
		return Query{}, err
	}
	q.Fields = fields

	if err := p.expectUpper("FROM"); err != nil {
		return Query{}, errors.Wrap(err, "unsupported query")
	}
	table := p.next()
	if table == "" {
		return Query{}, errors.New("missing table name after FROM")
	}
	if strings.Contains(table, ".") {
		parts := strings.SplitN(table, ".", 2)
		q.Database, q.Table = unquote(parts[0]), unquote(parts[1])
	} else {
		q.Table = unquote(table)
	}

	// A second identifier immediately after the table is either a JOIN
	// keyword (rejected below) or an alias, which this grammar does
	// not support either since it complicates supplied-payload column
	// matching.
	switch p.peekUpper() {
	case "JOIN", "INNER", "LEFT", "RIGHT", "OUTER", "CROSS":
		return Query{}, errors.New("joins are not supported")
	}

	placeholders := 0
	if p.peekUpper() == "WHERE" {
		p.next()
		where, n, err := p.parseWhere()
		if err != nil {
			return Query{}, err
		}
		q.Where = where
		placeholders = n
	}

	switch p.peekUpper() {
	case "GROUP":
		return Query{}, errors.New("GROUP BY is not supported")
	case "HAVING":
		return Query{}, errors.New("HAVING is not supported")
	}

	if p.peekUpper() == "ORDER" {
		p.next()
		if err := p.expectUpper("BY"); err != nil {
			return Query{}, err
		}
		order, err := p.parseOrderBy()
		if err != nil {
			return Query{}, err
		}
		q.Order = order
	}

	if p.peekUpper() == "LIMIT" {
		p.next()
		n, err := strconv.Atoi(p.next())
		if err != nil {
			return Query{}, errors.Wrap(err, "invalid LIMIT")
		}
		q.Limit = n
		q.HasLimit = true
	}

	if p.peekUpper() == "OFFSET" {
		return Query{}, errors.New("OFFSET is not supported")
	}

	if p.pos != len(p.tokens) {
		return Query{}, errors.Errorf("unexpected trailing tokens starting at %q", p.peek())
	}

	q.ParamCount = placeholders
	return q, nil
}

func (p *tokenState) parseFieldList() ([]Field, error) {
	if p.peek() == "*" {
		p.next()
		return []Field{{Star: true}}, nil
	}

	var fields []Field
	for {
		tok := p.next()
		if tok == "" {
			return nil, errors.New("expected a field list")
		}
		if strings.Contains(tok, "(") || tok == "COUNT" || tok == "SUM" || tok == "AVG" || tok == "MIN" || tok == "MAX" {
			return nil, errors.New("aggregate functions are not supported")
		}
		f := Field{Name: unquote(tok)}
		if p.peekUpper() == "AS" {
			p.next()
			f.Alias = unquote(p.next())
		}
		fields = append(fields, f)
		if p.peek() == "," {
			p.next()
			continue
		}
		break
	}
	return fields, nil
}

var comparisonOps = map[string]bool{"=": true, "!=": true, "<>": true, "<": true, "<=": true, ">": true, ">=": true}

func (p *tokenState) parseWhere() ([]Condition, int, error) {
	var conds []Condition
	placeholders := 0
	for {
		col := unquote(p.next())
		op := p.next()
		if !comparisonOps[op] {
			return nil, 0, errors.Errorf("unsupported WHERE operator %q", op)
		}
		val := p.next()
		c := Condition{Column: col, Op: op}
		if val == "?" {
			placeholders++
			c.Placeholder = placeholders
		} else {
			c.hasLiteral = true
			c.Literal = literalValue(val)
		}
		conds = append(conds, c)

		switch p.peekUpper() {
		case "AND":
			p.next()
			continue
		case "OR":
			return nil, 0, errors.New("OR is not supported in WHERE clauses")
		}
		break
	}
	return conds, placeholders, nil
}

func (p *tokenState) parseOrderBy() ([]OrderTerm, error) {
	var terms []OrderTerm
	for {
		col := unquote(p.next())
		dir := Asc
		switch p.peekUpper() {
		case "ASC":
			p.next()
		case "DESC":
			p.next()
			dir = Desc
		}
		terms = append(terms, OrderTerm{Column: col, Direction: dir})
		if p.peek() == "," {
			p.next()
			continue
		}
		break
	}
	return terms, nil
}

func unquote(tok string) string {
	if len(tok) >= 2 {
		first, last := tok[0], tok[len(tok)-1]
		if (first == '`' && last == '`') || (first == '"' && last == '"') || (first == '\'' && last == '\'') {
			return tok[1 : len(tok)-1]
		}
	}
	return tok
}

func literalValue(tok string) any {
	if n, err := strconv.ParseInt(tok, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(tok, 64); err == nil {
		return f
	}
	if len(tok) >= 2 && tok[0] == '\'' {
		return unquote(tok)
	}
	return tok
}

// String renders a Query back into readable form, mostly useful for
// log messages.
func (q Query) String() string {
	return fmt.Sprintf("SELECT ... FROM %s", q.Table)
}
