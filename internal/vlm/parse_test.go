package vlm

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type sample struct {
	Foo string `json:"foo"`
}

func TestParseJSONStrict(t *testing.T) {
	var out sample
	require.NoError(t, ParseJSON(`{"foo":"bar"}`, &out))
	require.Equal(t, "bar", out.Foo)
}

func TestParseJSONFenced(t *testing.T) {
	var out sample
	raw := "here you go:\n```json\n{\"foo\": \"baz\"}\n```\nthanks"
	require.NoError(t, ParseJSON(raw, &out))
	require.Equal(t, "baz", out.Foo)
}

func TestParseJSONGreedyBrace(t *testing.T) {
	var out sample
	raw := "Sure! {\"foo\": \"qux\"} Let me know if you need more."
	require.NoError(t, ParseJSON(raw, &out))
	require.Equal(t, "qux", out.Foo)
}

func TestParseJSONExhausted(t *testing.T) {
	var out sample
	err := ParseJSON("no json here at all", &out)
	require.Error(t, err)
}
