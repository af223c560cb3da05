package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseInputs(t *testing.T) {
	inputs, err := parseInputs([]string{
		"name=ada",
		"count=3",
		"tags=[\"a\",\"b\"]",
		"query=a=b",
		"empty=",
	})
	require.NoError(t, err)
	require.Equal(t, map[string]any{
		"name":  "ada",
		"count": float64(3),
		"tags":  []any{"a", "b"},
		"query": "a=b",
		"empty": "",
	}, inputs)

	for _, bad := range []string{"novalue", "=x"} {
		_, err := parseInputs([]string{bad})
		require.Error(t, err, bad)
	}
}
