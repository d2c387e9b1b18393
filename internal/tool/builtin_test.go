package tool

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCalculator_HappyPath(t *testing.T) {
	calc := Calculator()

	cases := []struct {
		expr string
		want string
	}{
		{"2 + 2", "Result: 4"},
		{"10 * 5", "Result: 50"},
		{"100 / 4", "Result: 25"},
		{"(2 + 3) * 4", "Result: 20"},
		{"-3 + 10", "Result: 7"},
		{"10 % 3", "Result: 1"},
		{"2 + 3 * 4", "Result: 14"},
		{"1.5 * 2", "Result: 3"},
	}
	for _, tc := range cases {
		input, err := json.Marshal(calculatorInput{Expression: tc.expr})
		require.NoError(t, err)

		out, err := calc.Execute(context.Background(), input)
		require.NoError(t, err, "expr %q", tc.expr)
		require.Equal(t, tc.want, out, "expr %q", tc.expr)
	}
}

func TestCalculator_Errors(t *testing.T) {
	calc := Calculator()

	for _, expr := range []string{
		"1 / 0",
		"10 % 0",
		"2 +",
		"(1 + 2",
		"abc",
		"2 ** 3",
	} {
		input, err := json.Marshal(calculatorInput{Expression: expr})
		require.NoError(t, err)

		_, err = calc.Execute(context.Background(), input)
		require.Error(t, err, "expr %q", expr)
	}
}

func TestCalculator_InvalidJSON(t *testing.T) {
	_, err := Calculator().Execute(context.Background(), json.RawMessage(`{`))
	require.Error(t, err)
}

func TestKnowledgeBase_MatchesAcrossCategories(t *testing.T) {
	kb := KnowledgeBase(nil)

	input, err := json.Marshal(knowledgeBaseInput{Query: "warranty"})
	require.NoError(t, err)

	out, err := kb.Execute(context.Background(), input)
	require.NoError(t, err)
	require.Contains(t, out, "[PRODUCTS]")
	require.Contains(t, out, "12 month warranty")
}

func TestKnowledgeBase_CategoryFilter(t *testing.T) {
	kb := KnowledgeBase(map[string]map[string]string{
		"a": {"topic": "fact about topic in a"},
		"b": {"topic": "fact about topic in b"},
	})

	input, err := json.Marshal(knowledgeBaseInput{Query: "topic", Category: "a"})
	require.NoError(t, err)

	out, err := kb.Execute(context.Background(), input)
	require.NoError(t, err)
	require.Contains(t, out, "[A]")
	require.NotContains(t, out, "[B]")
}

func TestKnowledgeBase_NoMatch(t *testing.T) {
	kb := KnowledgeBase(nil)

	input, err := json.Marshal(knowledgeBaseInput{Query: "quantum entanglement"})
	require.NoError(t, err)

	out, err := kb.Execute(context.Background(), input)
	require.NoError(t, err)
	require.Equal(t, "No information found for: quantum entanglement", out)
}

func TestCurrentDatetime_ReturnsSomething(t *testing.T) {
	out, err := CurrentDatetime().Execute(context.Background(), nil)
	require.NoError(t, err)
	require.NotEmpty(t, out)
}
