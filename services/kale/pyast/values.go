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
	"fmt"
	"strconv"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

// LiteralValue evaluates a literal expression to the Go shapes produced by
// JSON decoding.
//
// Description:
//
//	int → int64, float → float64, True/False → bool, None → nil, str →
//	string, list and tuple → []any, dict with string keys →
//	map[string]any. Anything else, f-strings and bytes included, fails
//	with ErrNotPrimitive. Used to read decorator keyword arguments
//	without running the script.
func LiteralValue(n *sitter.Node, src []byte) (any, error) {
	if n == nil {
		return nil, fmt.Errorf("%w: missing value", ErrNotPrimitive)
	}
	text := n.Content(src)
	switch n.Type() {
	case "integer":
		v, err := strconv.ParseInt(text, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrNotPrimitive, text, err)
		}
		return v, nil
	case "float":
		v, err := strconv.ParseFloat(strings.ReplaceAll(text, "_", ""), 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrNotPrimitive, text, err)
		}
		return v, nil
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "none":
		return nil, nil
	case TypeString:
		if err := plainString(n, src); err != nil {
			return nil, err
		}
		return Unquote(text)
	case "concatenated_string":
		var b strings.Builder
		for _, part := range namedChildren(n, TypeComment) {
			if err := plainString(part, src); err != nil {
				return nil, err
			}
			s, err := Unquote(part.Content(src))
			if err != nil {
				return nil, err
			}
			b.WriteString(s)
		}
		return b.String(), nil
	case "unary_operator":
		operand, err := LiteralValue(n.ChildByFieldName("argument"), src)
		if err != nil {
			return nil, err
		}
		negate := strings.HasPrefix(strings.TrimSpace(text), "-")
		switch v := operand.(type) {
		case int64:
			if negate {
				return -v, nil
			}
			return v, nil
		case float64:
			if negate {
				return -v, nil
			}
			return v, nil
		}
	case "parenthesized_expression":
		if n.NamedChildCount() == 1 {
			return LiteralValue(n.NamedChild(0), src)
		}
	case "list", "tuple":
		out := []any{}
		for _, item := range namedChildren(n, TypeComment) {
			v, err := LiteralValue(item, src)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case "dictionary":
		out := map[string]any{}
		for _, pair := range namedChildren(n, TypeComment) {
			if pair.Type() != "pair" {
				return nil, fmt.Errorf("%w: %q is not a literal", ErrNotPrimitive, pair.Content(src))
			}
			key, err := LiteralValue(pair.ChildByFieldName("key"), src)
			if err != nil {
				return nil, err
			}
			ks, ok := key.(string)
			if !ok {
				return nil, fmt.Errorf("%w: dict key %v is not a string", ErrNotPrimitive, key)
			}
			v, err := LiteralValue(pair.ChildByFieldName("value"), src)
			if err != nil {
				return nil, err
			}
			out[ks] = v
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %q is not a literal", ErrNotPrimitive, text)
}

// Unquote returns the value of a single Python string literal. Raw strings
// are returned verbatim; otherwise the common escapes are decoded and
// unknown escapes are kept, as Python does.
func Unquote(text string) (string, error) {
	prefix := stringPrefix(text)
	body := text[len(prefix):]
	if strings.ContainsAny(strings.ToLower(prefix), "fb") {
		return "", fmt.Errorf("%w: %q is not a plain string", ErrNotPrimitive, text)
	}
	var quote string
	switch {
	case strings.HasPrefix(body, `"""`), strings.HasPrefix(body, `'''`):
		quote = body[:3]
	case strings.HasPrefix(body, `"`), strings.HasPrefix(body, `'`):
		quote = body[:1]
	default:
		return "", fmt.Errorf("%w: %q is not a string literal", ErrNotPrimitive, text)
	}
	if len(body) < 2*len(quote) || !strings.HasSuffix(body, quote) {
		return "", fmt.Errorf("%w: unterminated string %q", ErrNotPrimitive, text)
	}
	inner := body[len(quote) : len(body)-len(quote)]
	if strings.ContainsAny(prefix, "rR") {
		return inner, nil
	}

	var b strings.Builder
	for i := 0; i < len(inner); i++ {
		c := inner[i]
		if c != '\\' || i+1 == len(inner) {
			b.WriteByte(c)
			continue
		}
		i++
		switch inner[i] {
		case '\n':
		case '\\':
			b.WriteByte('\\')
		case '\'':
			b.WriteByte('\'')
		case '"':
			b.WriteByte('"')
		case 'n':
			b.WriteByte('\n')
		case 't':
			b.WriteByte('\t')
		case 'r':
			b.WriteByte('\r')
		case '0':
			b.WriteByte(0)
		default:
			b.WriteByte('\\')
			b.WriteByte(inner[i])
		}
	}
	return b.String(), nil
}

// Quote renders s as a double-quoted Python string literal.
func Quote(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '\\':
			b.WriteString(`\\`)
		case '"':
			b.WriteString(`\"`)
		case '\n':
			b.WriteString(`\n`)
		case '\t':
			b.WriteString(`\t`)
		case '\r':
			b.WriteString(`\r`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}
