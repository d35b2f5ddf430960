// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pyast

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// literal parses "x = expr" and converts the right-hand side.
func literal(t *testing.T, expr string) (any, error) {
	t.Helper()
	mod, err := Parse("x = " + expr + "\n")
	require.NoError(t, err)
	defer mod.Close()

	stmts := mod.Statements()
	require.Len(t, stmts, 1)
	assign := stmts[0].NamedChild(0)
	require.Equal(t, "assignment", assign.Type())
	return LiteralValue(assign.ChildByFieldName("right"), mod.Source())
}

func TestLiteralValue(t *testing.T) {
	tests := []struct {
		expr string
		want any
	}{
		{"42", int64(42)},
		{"0x10", int64(16)},
		{"-7", int64(-7)},
		{"2.5", 2.5},
		{"-0.25", -0.25},
		{"1_000.5", 1000.5},
		{"True", true},
		{"False", false},
		{"None", nil},
		{"'hi'", "hi"},
		{`"a" 'b'`, "ab"},
		{"(3)", int64(3)},
		{"[1, 'two', None]", []any{int64(1), "two", nil}},
		{"(1, 2)", []any{int64(1), int64(2)}},
		{"[]", []any{}},
		{"{'a': 1, 'b': [True]}", map[string]any{"a": int64(1), "b": []any{true}}},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := literal(t, tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLiteralValue_Rejects(t *testing.T) {
	for _, expr := range []string{
		"f'{y}'",
		"b'raw'",
		"y",
		"1 + 2",
		"{1: 'a'}",
		"[y]",
		"call()",
	} {
		t.Run(expr, func(t *testing.T) {
			_, err := literal(t, expr)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrNotPrimitive))
		})
	}
}

func TestLiteralValue_NilNode(t *testing.T) {
	_, err := LiteralValue(nil, nil)
	assert.True(t, errors.Is(err, ErrNotPrimitive))
}

func TestUnquote(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`'plain'`, "plain"},
		{`"double"`, "double"},
		{`'''triple'''`, "triple"},
		{`"""a "quoted" word"""`, `a "quoted" word`},
		{`'line\nbreak\ttab'`, "line\nbreak\ttab"},
		{`'it\'s'`, "it's"},
		{`'back\\slash'`, `back\slash`},
		{`'keep\d'`, `keep\d`},
		{`r'\d+\n'`, `\d+\n`},
		{`R"C:\dir"`, `C:\dir`},
		{`u'unicode'`, "unicode"},
		{`''`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Unquote(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUnquote_Errors(t *testing.T) {
	for _, in := range []string{`f'x'`, `b'x'`, `rb'x'`, `x`, `'open`, `"`} {
		t.Run(in, func(t *testing.T) {
			_, err := Unquote(in)
			assert.True(t, errors.Is(err, ErrNotPrimitive))
		})
	}
}

func TestQuote(t *testing.T) {
	assert.Equal(t, `"plain"`, Quote("plain"))
	assert.Equal(t, `"say \"hi\""`, Quote(`say "hi"`))
	assert.Equal(t, `"a\\b"`, Quote(`a\b`))
	assert.Equal(t, `"l1\nl2\tx\r"`, Quote("l1\nl2\tx\r"))

	for _, s := range []string{"", "it's", "tab\there", `C:\path\n`} {
		back, err := Unquote(Quote(s))
		require.NoError(t, err)
		assert.Equal(t, s, back)
	}
}
