package rebalance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTransitions(t *testing.T) {
	tests := []struct {
		in   string
		want []Transition
	}{
		{"", []Transition{{From: 2, To: 1}, {From: 3, To: 2}, {From: 4, To: 3}}},
		{"4:3, 2:1", []Transition{{From: 2, To: 1}, {From: 4, To: 3}}},
		{"2:1,2:1", []Transition{{From: 2, To: 1}}},
		{"2-3:2", []Transition{{From: 2, Upper: 3, To: 2}}},
		{"4:4,2-3:3", []Transition{{From: 2, Upper: 3, To: 3}, {From: 4, To: 4}}},
		{"2:2,3:2", []Transition{{From: 2, To: 2}, {From: 3, To: 2}}},
	}
	for _, tt := range tests {
		got, err := ParseTransitions(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestParseTransitionsErrors(t *testing.T) {
	tests := []struct {
		in      string
		wantErr string
	}{
		{"2", "rebalance: invalid transition token '2', expected format from:to (example: 2:1 or 2-3:2)"},
		{"2:1:0", "rebalance: invalid transition token '2:1:0', expected format from:to (example: 2:1 or 2-3:2)"},
		{"a:1", "rebalance: invalid transition source level in 'a:1'"},
		{"2:x", "rebalance: invalid transition target level in '2:x'"},
		{"2:3", "rebalance: invalid transition '2:3', allowed: one-step downgrade (ex: 3:2) or keep+promote split (ex: 2:2), never 5:5"},
		{"3:1", "rebalance: invalid transition '3:1', allowed: one-step downgrade (ex: 3:2) or keep+promote split (ex: 2:2), never 5:5"},
		{"5:5", "rebalance: invalid transition '5:5', allowed: one-step downgrade (ex: 3:2) or keep+promote split (ex: 2:2), never 5:5"},
		{"1-3:2", "rebalance: invalid pair transition '1-3:2': source levels must be consecutive"},
		{"2-3:4", "rebalance: invalid pair transition '2-3:4': target must be one of the source levels"},
		{"5-6:5", "rebalance: invalid pair transition '5-6:5': levels must be in range 1..5"},
		{"x-3:2", "rebalance: invalid transition lower source level in 'x-3:2'"},
		{"2:1,2-3:2", "rebalance: transitions must not overlap source levels, duplicates: 2"},
	}
	for _, tt := range tests {
		_, err := ParseTransitions(tt.in)
		require.EqualError(t, err, tt.wantErr, tt.in)
	}
}

func TestValidateTransitionsEmpty(t *testing.T) {
	require.EqualError(t, ValidateTransitions(nil), "rebalance: at least one transition is required")
}

func TestTransitionLevels(t *testing.T) {
	tests := []struct {
		t       Transition
		other   int
		sources string
		str     string
	}{
		{Transition{From: 2, To: 1}, 2, "2", "2->1"},
		{Transition{From: 2, To: 2}, 3, "2", "2->2"},
		{Transition{From: 4, To: 4}, 5, "4", "4->4"},
		{Transition{From: 2, Upper: 3, To: 2}, 3, "2-3", "2-3->2"},
		{Transition{From: 2, Upper: 3, To: 3}, 2, "2-3", "2-3->3"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.other, tt.t.OtherLevel(), tt.str)
		assert.Equal(t, tt.sources, tt.t.DescribeSources())
		assert.Equal(t, tt.str, tt.t.String())
	}
	assert.Equal(t, []int{2, 3}, Transition{From: 2, Upper: 3, To: 2}.SourceLevels())
}
