// Copyright (c) 2026 TTBT Enterprises LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package search parses the query language used to filter scoresheet
// listings, e.g. `opponent:Tigers date:2026-04..2026-06 -is:verified rain`.
package search

import (
	"strings"
	"unicode"
)

// Operator defines the type of comparison for a filter.
type Operator string

const (
	OpEqual          Operator = "="
	OpGreater        Operator = ">"
	OpGreaterOrEqual Operator = ">="
	OpLess           Operator = "<"
	OpLessOrEqual    Operator = "<="
	OpRange          Operator = ".." // date:2026-04..2026-06
)

// comparisons are checked in order, so two-character operators come first.
var comparisons = []Operator{OpGreaterOrEqual, OpLessOrEqual, OpGreater, OpLess}

// Filter is one key:value criterion of a query.
type Filter struct {
	Key      string // "opponent", "date", "is", ...
	Value    string
	MaxValue string // OpRange only
	Operator Operator
	// Negate inverts the match (-key:value).
	Negate bool
}

// Query is a parsed search string.
type Query struct {
	Filters  []Filter
	FreeText []string
}

// Parse splits a search string into filters and free text. Quoted values
// may contain spaces and colons; an unquoted value containing a colon, or a
// token with an empty key or value, is kept as free text.
func Parse(input string) Query {
	q := Query{
		Filters:  make([]Filter, 0),
		FreeText: make([]string, 0),
	}
	for _, token := range tokenize(input) {
		f, ok := parseFilter(token)
		if !ok {
			q.FreeText = append(q.FreeText, removeQuotes(token))
			continue
		}
		q.Filters = append(q.Filters, f)
	}
	return q
}

func parseFilter(token string) (Filter, bool) {
	key, val, found := strings.Cut(token, ":")
	if !found {
		return Filter{}, false
	}
	var f Filter
	key = strings.ToLower(strings.TrimSpace(key))
	if strings.HasPrefix(key, "-") {
		f.Negate = true
		key = key[1:]
	}
	val = strings.TrimSpace(val)
	if key == "" || val == "" {
		return Filter{}, false
	}
	quoted := strings.HasPrefix(val, "\"") || strings.HasPrefix(val, "'")
	if strings.Contains(val, ":") && !quoted {
		return Filter{}, false
	}
	f.Key = key

	if lo, hi, ok := strings.Cut(val, string(OpRange)); ok && !quoted {
		f.Operator = OpRange
		f.Value = lo
		f.MaxValue = hi
		return f, true
	}
	for _, op := range comparisons {
		if rest, ok := strings.CutPrefix(val, string(op)); ok {
			f.Operator = op
			f.Value = removeQuotes(rest)
			return f, true
		}
	}
	f.Operator = OpEqual
	f.Value = removeQuotes(val)
	return f, true
}

// tokenize splits the string on whitespace outside of quotes.
func tokenize(input string) []string {
	var tokens []string
	var cur strings.Builder
	var quote rune

	for _, r := range input {
		switch {
		case quote != 0:
			cur.WriteRune(r)
			if r == quote {
				quote = 0
			}
		case unicode.IsSpace(r):
			if cur.Len() > 0 {
				tokens = append(tokens, cur.String())
				cur.Reset()
			}
		case r == '"' || r == '\'':
			quote = r
			cur.WriteRune(r)
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		tokens = append(tokens, cur.String())
	}
	return tokens
}

func removeQuotes(s string) string {
	if len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if first == last && (first == '"' || first == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
