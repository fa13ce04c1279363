// Package tagquery implements the boolean tag expression used to
// select upstream servers: a tree of tag leaves combined with $and,
// $or and $not nodes.
package tagquery

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Query is one node of a tag expression tree. Exactly one field is set.
type Query struct {
	Tag string   `json:"tag,omitempty"`
	And []*Query `json:"$and,omitempty"`
	Or  []*Query `json:"$or,omitempty"`
	Not *Query   `json:"$not,omitempty"`
}

// SimpleOr builds the query synthesized from a plain tag list: the
// server matches if it carries any of the tags.
func SimpleOr(tags []string) *Query {
	if len(tags) == 0 {
		return nil
	}
	if len(tags) == 1 {
		return &Query{Tag: tags[0]}
	}
	or := make([]*Query, len(tags))
	for i, t := range tags {
		or[i] = &Query{Tag: t}
	}
	return &Query{Or: or}
}

// Parse decodes a query tree from its JSON form and validates it.
func Parse(data []byte) (*Query, error) {
	var q Query
	if err := json.Unmarshal(data, &q); err != nil {
		return nil, fmt.Errorf("parsing tag query: %w", err)
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}
	return &q, nil
}

// Validate checks that every node has exactly one operator and that
// branch nodes are non-empty.
func (q *Query) Validate() error {
	if q == nil {
		return nil
	}

	set := 0
	if q.Tag != "" {
		set++
	}
	if q.And != nil {
		set++
	}
	if q.Or != nil {
		set++
	}
	if q.Not != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("tag query node must have exactly one of tag, $and, $or, $not")
	}

	if q.And != nil && len(q.And) == 0 {
		return fmt.Errorf("$and requires at least one operand")
	}
	if q.Or != nil && len(q.Or) == 0 {
		return fmt.Errorf("$or requires at least one operand")
	}

	for _, sub := range q.And {
		if err := sub.Validate(); err != nil {
			return err
		}
	}
	for _, sub := range q.Or {
		if err := sub.Validate(); err != nil {
			return err
		}
	}
	if q.Not != nil {
		return q.Not.Validate()
	}
	return nil
}

// Matches evaluates the tree over a server's tag set. A nil query
// matches everything.
func (q *Query) Matches(tags []string) bool {
	if q == nil {
		return true
	}

	switch {
	case q.Tag != "":
		for _, t := range tags {
			if t == q.Tag {
				return true
			}
		}
		return false

	case q.And != nil:
		for _, sub := range q.And {
			if !sub.Matches(tags) {
				return false
			}
		}
		return true

	case q.Or != nil:
		for _, sub := range q.Or {
			if sub.Matches(tags) {
				return true
			}
		}
		return false

	case q.Not != nil:
		return !q.Not.Matches(tags)
	}

	// An empty node matches nothing; Validate rejects it up front.
	return false
}

// String renders the tree for logs.
func (q *Query) String() string {
	if q == nil {
		return "<all>"
	}

	switch {
	case q.Tag != "":
		return q.Tag
	case q.And != nil:
		return "(" + joinQueries(q.And, " AND ") + ")"
	case q.Or != nil:
		return "(" + joinQueries(q.Or, " OR ") + ")"
	case q.Not != nil:
		return "NOT " + q.Not.String()
	}
	return "<invalid>"
}

func joinQueries(qs []*Query, sep string) string {
	parts := make([]string, len(qs))
	for i, q := range qs {
		parts[i] = q.String()
	}
	return strings.Join(parts, sep)
}
