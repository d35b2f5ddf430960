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
	"strings"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/AleutianAI/kale/services/kale/tags"
)

// Primitive type tags.
const (
	TypeInt   = "int"
	TypeFloat = "float"
	TypeStr   = "str"
	TypeBool  = "bool"
)

// Primitive is a literal of one of the four primitive types. Value holds
// the literal exactly as written in the source.
type Primitive struct {
	Type  string
	Value string
}

// Assignment is one `name = literal` statement.
type Assignment struct {
	Name string
	Primitive
	Line int
}

// Literal classifies an expression node as a primitive literal.
//
// Description:
//
//	Accepted: integers, floats, True/False, plain or implicitly
//	concatenated strings, and a unary sign applied to a number. Rejected:
//	None, f-strings, byte strings and any non-literal expression. The
//	returned error wraps ErrNotPrimitive.
func Literal(n *sitter.Node, src []byte) (Primitive, error) {
	if n == nil {
		return Primitive{}, fmt.Errorf("%w: missing value", ErrNotPrimitive)
	}
	text := n.Content(src)
	switch n.Type() {
	case "integer":
		return Primitive{Type: TypeInt, Value: text}, nil
	case "float":
		return Primitive{Type: TypeFloat, Value: text}, nil
	case "true", "false":
		return Primitive{Type: TypeBool, Value: text}, nil
	case "none":
		return Primitive{}, fmt.Errorf("%w: None is not a valid value", ErrNotPrimitive)
	case TypeString:
		if err := plainString(n, src); err != nil {
			return Primitive{}, err
		}
		return Primitive{Type: TypeStr, Value: text}, nil
	case "concatenated_string":
		for i := 0; i < int(n.NamedChildCount()); i++ {
			part := n.NamedChild(i)
			if part.Type() == TypeComment {
				continue
			}
			if err := plainString(part, src); err != nil {
				return Primitive{}, err
			}
		}
		return Primitive{Type: TypeStr, Value: text}, nil
	case "unary_operator":
		operand := n.ChildByFieldName("argument")
		op := n.ChildByFieldName("operator")
		if operand == nil || op == nil {
			break
		}
		if o := op.Content(src); o != "-" && o != "+" {
			break
		}
		switch operand.Type() {
		case "integer":
			return Primitive{Type: TypeInt, Value: text}, nil
		case "float":
			return Primitive{Type: TypeFloat, Value: text}, nil
		}
	case "parenthesized_expression":
		if n.NamedChildCount() == 1 {
			return Literal(n.NamedChild(0), src)
		}
	}
	return Primitive{}, fmt.Errorf("%w: %q is not a literal", ErrNotPrimitive, text)
}

func plainString(n *sitter.Node, src []byte) error {
	prefix := strings.ToLower(stringPrefix(n.Content(src)))
	if strings.ContainsAny(prefix, "fb") {
		return fmt.Errorf("%w: %q is not a plain string", ErrNotPrimitive, n.Content(src))
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		if n.NamedChild(i).Type() == "interpolation" {
			return fmt.Errorf("%w: %q is not a plain string", ErrNotPrimitive, n.Content(src))
		}
	}
	return nil
}

func stringPrefix(text string) string {
	i := strings.IndexAny(text, `'"`)
	if i < 0 {
		return ""
	}
	return text[:i]
}

// ParsePrimitiveAssignments parses a block of `name = literal` statements.
//
// Description:
//
//	Every statement must assign one primitive literal to one plain name.
//	Multiple targets (a = b = 1), unpacking (a, b = 1, 2), annotated
//	assignments, non-literal values, None and any other statement kind are
//	rejected with a *LineError naming the offending line. Comments are
//	skipped. Order of first appearance is preserved; a later assignment to
//	the same name replaces the value in place.
//
// Inputs:
//   - code: Python source of the parameters block.
//
// Outputs:
//   - []Assignment: One entry per distinct name.
//   - error: *SyntaxError or *LineError wrapping ErrNotPrimitive.
func ParsePrimitiveAssignments(code string) ([]Assignment, error) {
	mod, err := Parse(code)
	if err != nil {
		return nil, err
	}
	defer mod.Close()

	var out []Assignment
	index := map[string]int{}
	for _, stmt := range mod.Statements() {
		a, err := primitiveAssignment(stmt, mod.src)
		if err != nil {
			return nil, err
		}
		if i, ok := index[a.Name]; ok {
			out[i] = a
			continue
		}
		index[a.Name] = len(out)
		out = append(out, a)
	}
	return out, nil
}

func primitiveAssignment(stmt *sitter.Node, src []byte) (Assignment, error) {
	line := int(stmt.StartPoint().Row) + 1
	fail := func(reason string, cause error) (Assignment, error) {
		if cause != nil {
			reason = cause.Error()
		}
		return Assignment{}, &LineError{Line: line, Text: firstLine(stmt.Content(src)), Reason: reason, Err: ErrNotPrimitive}
	}

	if stmt.Type() != TypeExpressionStmt || stmt.NamedChildCount() != 1 {
		return fail("expected a single assignment", nil)
	}
	assign := stmt.NamedChild(0)
	if assign.Type() != TypeAssignment {
		return fail("expected a single assignment", nil)
	}
	left := assign.ChildByFieldName("left")
	right := assign.ChildByFieldName("right")
	if assign.ChildByFieldName("type") != nil {
		return fail("annotated assignments are not supported", nil)
	}
	if right == nil {
		return fail("assignment has no value", nil)
	}
	if right.Type() == TypeAssignment {
		return fail("multiple-target assignment is not supported", nil)
	}
	if left == nil || left.Type() != TypeIdentifier {
		return fail("tuple and list unpacking is not supported", nil)
	}
	prim, err := Literal(right, src)
	if err != nil {
		return fail("", err)
	}
	return Assignment{Name: left.Content(src), Primitive: prim, Line: line}, nil
}

// Metric is one exported pipeline metric.
type Metric struct {
	// Name is the exported metric name, underscores replaced with dashes.
	Name string
	// Variable is the Python identifier holding the value.
	Variable string
}

// ParseMetricExports parses a metrics block where every statement is
// print(<name>). The name must match tags.MetricNameRegexp. Duplicates
// collapse to the first occurrence.
func ParseMetricExports(code string) ([]Metric, error) {
	mod, err := Parse(code)
	if err != nil {
		return nil, err
	}
	defer mod.Close()

	var out []Metric
	seen := map[string]bool{}
	for _, stmt := range mod.Statements() {
		name, err := printedName(stmt, mod.src)
		if err != nil {
			return nil, err
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, Metric{Name: strings.ReplaceAll(name, "_", "-"), Variable: name})
	}
	return out, nil
}

func printedName(stmt *sitter.Node, src []byte) (string, error) {
	fail := func(reason string) (string, error) {
		return "", &LineError{
			Line:   int(stmt.StartPoint().Row) + 1,
			Text:   firstLine(stmt.Content(src)),
			Reason: reason,
			Err:    ErrInvalidMetric,
		}
	}
	if stmt.Type() != TypeExpressionStmt || stmt.NamedChildCount() != 1 {
		return fail("expected print(<name>)")
	}
	call := stmt.NamedChild(0)
	if call.Type() != TypeCall {
		return fail("expected print(<name>)")
	}
	fn := call.ChildByFieldName("function")
	if fn == nil || fn.Type() != TypeIdentifier || fn.Content(src) != "print" {
		return fail("expected print(<name>)")
	}
	argList := call.ChildByFieldName("arguments")
	if argList == nil || argList.Type() != "argument_list" {
		return fail("print must take exactly one variable name")
	}
	args := namedChildren(argList, TypeComment)
	if len(args) != 1 || args[0].Type() != TypeIdentifier {
		return fail("print must take exactly one variable name")
	}
	name := args[0].Content(src)
	if !tags.MetricNameRegexp.MatchString(name) {
		return fail(fmt.Sprintf("metric name %q must match %s", name, tags.MetricNameRegexp))
	}
	return name, nil
}
