package lmstudio

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepairJSONLeavesValidInputUnchanged(t *testing.T) {
	valid := []string{
		`{"results":[{"word_id":1,"word":"apă","confidence":0.5}]}`,
		`[1,2,3]`,
		`{"text":"has // inside a string","n":1.25}`,
		`{"escaped":"quote \" and brace {"}`,
		`{"results":[{"word_id":1,"tag":"a, ]","confidence":0.5}]}`,
		`{"note":"x,}","list":["a ,\n]"]}`,
	}
	for _, in := range valid {
		assert.Equal(t, in, RepairJSON(in))
	}
}

func TestRepairJSONTrailingComma(t *testing.T) {
	out := RepairJSON(`{"a":1,}`)
	var v map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	assert.EqualValues(t, 1, v["a"])

	out = RepairJSON(`{"results":[{"a":1},{"b":2},  ], "keep":true}`)
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	assert.Equal(t, true, v["keep"])
	assert.Len(t, v["results"], 2)

	out = RepairJSON(`{"tag":"a, ]","rows":[1,2,
	]}`)
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	assert.Equal(t, "a, ]", v["tag"])
	assert.Len(t, v["rows"], 2)
}

func TestRepairJSONTrailingDecimalPoint(t *testing.T) {
	assert.Equal(t, `{"confidence": 0.0}`, RepairJSON(`{"confidence": 0.}`))
	assert.Equal(t, `{"v":"1."}`, RepairJSON(`{"v":"1."}`))
}

func TestRepairJSONLineComments(t *testing.T) {
	in := "{\n  \"a\": 1, // first\n  \"b\": 2 // second\n}"
	out := RepairJSON(in)
	var v map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	assert.EqualValues(t, 2, v["b"])
	assert.NotContains(t, out, "first")
}

func TestRepairJSONClosesTruncatedOutput(t *testing.T) {
	out := RepairJSON(`{"results":[{"word":"ap`)
	assert.Equal(t, `{"results":[{"word":"ap"}]}`, out)

	out = RepairJSON(`{"results":[{"word":"a\"b`)
	var v map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &v))
}

func TestExtractFirstJSONBlock(t *testing.T) {
	block, ok := extractFirstJSONBlock(`Thinking... here you go: {"results":[{"w":"}"}]} trailing`)
	require.True(t, ok)
	assert.Equal(t, `{"results":[{"w":"}"}]}`, block)

	_, ok = extractFirstJSONBlock("no json here")
	assert.False(t, ok)
}

func TestTopLevelObjectSlices(t *testing.T) {
	slices := topLevelObjectSlices(`[{"a":{"b":1}}, {"c":"}"}, {bad}]`)
	assert.Equal(t, []string{`{"a":{"b":1}}`, `{"c":"}"}`, `{bad}`}, slices)
}

func TestWalkJSONReportsEscapes(t *testing.T) {
	var escapedAt []int
	WalkJSON(`"a\"b"`, 0, func(i int, ch byte, inString, escaped bool) int {
		if escaped {
			escapedAt = append(escapedAt, i)
		}
		return i + 1
	})
	assert.Equal(t, []int{3}, escapedAt)
}
