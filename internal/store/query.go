package store

import (
	"strconv"
	"strings"
)

const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

// Page is a 1-based page request.
type Page struct {
	Page  int
	Limit int
}

func (p Page) Normalize() Page {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	return p
}

func (p Page) Offset() int {
	p = p.Normalize()
	return (p.Page - 1) * p.Limit
}

// conditions accumulates AND-ed predicates; "?" in a clause becomes the next
// positional parameter.
type conditions struct {
	clauses []string
	args    []any
}

func (c *conditions) add(clause string, value any) {
	c.args = append(c.args, value)
	c.clauses = append(c.clauses, strings.Replace(clause, "?", "$"+strconv.Itoa(len(c.args)), 1))
}

func (c *conditions) where() string {
	if len(c.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(c.clauses, " AND ")
}

// paginate appends LIMIT/OFFSET parameters and returns the clause.
func (c *conditions) paginate(p Page) (string, []any) {
	p = p.Normalize()
	args := append(append([]any{}, c.args...), p.Limit, p.Offset())
	n := len(c.args)
	return " LIMIT $" + strconv.Itoa(n+1) + " OFFSET $" + strconv.Itoa(n+2), args
}
