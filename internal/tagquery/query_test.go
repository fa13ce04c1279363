package tagquery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSimpleOr(t *testing.T) {
	assert.Nil(t, SimpleOr(nil))

	q := SimpleOr([]string{"dev"})
	assert.True(t, q.Matches([]string{"dev", "web"}))
	assert.False(t, q.Matches([]string{"prod"}))

	q = SimpleOr([]string{"dev", "staging"})
	assert.True(t, q.Matches([]string{"staging"}))
	assert.False(t, q.Matches([]string{"prod"}))
}

func TestMatches(t *testing.T) {
	tests := []struct {
		name  string
		query *Query
		tags  []string
		want  bool
	}{
		{"nil matches all", nil, nil, true},
		{"leaf hit", &Query{Tag: "dev"}, []string{"dev"}, true},
		{"leaf miss", &Query{Tag: "dev"}, []string{"prod"}, false},
		{
			"and all present",
			&Query{And: []*Query{{Tag: "dev"}, {Tag: "web"}}},
			[]string{"dev", "web", "extra"},
			true,
		},
		{
			"and one missing",
			&Query{And: []*Query{{Tag: "dev"}, {Tag: "web"}}},
			[]string{"dev"},
			false,
		},
		{
			"not",
			&Query{Not: &Query{Tag: "prod"}},
			[]string{"dev"},
			true,
		},
		{
			"nested: dev AND NOT prod",
			&Query{And: []*Query{{Tag: "dev"}, {Not: &Query{Tag: "prod"}}}},
			[]string{"dev", "prod"},
			false,
		},
		{
			"nested or of ands",
			&Query{Or: []*Query{
				{And: []*Query{{Tag: "a"}, {Tag: "b"}}},
				{Tag: "c"},
			}},
			[]string{"c"},
			true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.query.Matches(tt.tags))
		})
	}
}

func TestParse(t *testing.T) {
	q, err := Parse([]byte(`{"$or":[{"tag":"dev"},{"$and":[{"tag":"web"},{"$not":{"tag":"legacy"}}]}]}`))
	require.NoError(t, err)

	assert.True(t, q.Matches([]string{"dev"}))
	assert.True(t, q.Matches([]string{"web"}))
	assert.False(t, q.Matches([]string{"web", "legacy"}))
	assert.False(t, q.Matches([]string{"other"}))
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"two operators", `{"tag":"a","$not":{"tag":"b"}}`},
		{"empty node", `{}`},
		{"empty and", `{"$and":[]}`},
		{"malformed", `{"$or":`},
		{"invalid subtree", `{"$not":{}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestString(t *testing.T) {
	q := &Query{And: []*Query{{Tag: "dev"}, {Not: &Query{Tag: "prod"}}}}
	assert.Equal(t, "(dev AND NOT prod)", q.String())

	var nilQ *Query
	assert.Equal(t, "<all>", nilQ.String())
}
