/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package pgutil holds the PostgreSQL plumbing shared by the store provider:
// incremental filter building for list queries and nullable column mapping.
package pgutil

import (
	"fmt"
	"strings"
)

// QueryBuilder collects optional filter clauses for a list query together
// with their positional arguments. Clauses use "$?" where the parameter
// number belongs; Add resolves it against the running argument count, so
// filters can be attached in any order without renumbering.
type QueryBuilder struct {
	clauses []string
	args    []any
}

// Args returns the arguments collected so far, in positional order.
func (qb *QueryBuilder) Args() []any {
	return qb.args
}

// Add registers arg and appends clause with its "$?" markers resolved to
// the argument's position.
func (qb *QueryBuilder) Add(clause string, arg any) {
	qb.args = append(qb.args, arg)
	n := fmt.Sprintf("$%d", len(qb.args))
	qb.clauses = append(qb.clauses, strings.ReplaceAll(clause, "$?", n))
}

// Where renders the collected clauses as an AND chain beginning with
// " AND ", so it can be appended to a base query that already carries
// "WHERE 1=1". With no clauses it renders nothing.
func (qb *QueryBuilder) Where() string {
	if len(qb.clauses) == 0 {
		return ""
	}
	var b strings.Builder
	for _, c := range qb.clauses {
		b.WriteString(" AND ")
		b.WriteString(c)
	}
	return b.String()
}

// AppendPagination attaches LIMIT/OFFSET to query, each only when positive,
// registering the values as positional arguments.
func (qb *QueryBuilder) AppendPagination(query string, limit, offset int) string {
	if limit > 0 {
		qb.args = append(qb.args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(qb.args))
	}
	if offset > 0 {
		qb.args = append(qb.args, offset)
		query += fmt.Sprintf(" OFFSET $%d", len(qb.args))
	}
	return query
}

// EscapeLike backslash-escapes %, _ and \ in s so a user-supplied value
// matches literally inside an ILIKE pattern.
func EscapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
