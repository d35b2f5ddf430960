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
)

// FunctionSource returns the source of a function definition without its
// decorators.
//
// Description:
//
//	With stripSignature false the result starts at the def line. With
//	stripSignature true only the body is returned. The result is always
//	dedented so that its least indented line starts at column zero, which
//	lets methods and nested functions be extracted as module-level code.
//
// Inputs:
//   - def: function_definition or decorated_definition node.
//   - src: Source the node was parsed from.
//   - stripSignature: Drop the def header and keep only the body.
//
// Outputs:
//   - string: Dedented source, no trailing newline.
func FunctionSource(def *sitter.Node, src []byte, stripSignature bool) string {
	n := Definition(def)
	if stripSignature {
		if body := n.ChildByFieldName("body"); body != nil {
			n = body
		}
	}
	// Content starts at the node, so the first line lacks the indentation
	// that the following lines carry. Restore it before dedenting.
	text := strings.Repeat(" ", int(n.StartPoint().Column)) + n.Content(src)
	return Dedent(text)
}

// Dedent removes the common leading whitespace of all non-blank lines.
func Dedent(text string) string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	margin := -1
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			continue
		}
		indent := len(line) - len(strings.TrimLeft(line, " \t"))
		if margin < 0 || indent < margin {
			margin = indent
		}
	}
	if margin <= 0 {
		return strings.Join(lines, "\n")
	}
	for i, line := range lines {
		if len(line) >= margin {
			lines[i] = line[margin:]
		} else {
			lines[i] = strings.TrimLeft(line, " \t")
		}
	}
	return strings.Join(lines, "\n")
}

// Arg is one argument of a call.
type Arg struct {
	// Keyword is empty for positional arguments.
	Keyword string
	// Value is the argument expression as written.
	Value string
	// IsName reports whether Value is a plain identifier.
	IsName bool
}

// Call is one step invocation inside a pipeline body.
type Call struct {
	Func    string
	Args    []Arg
	Results []string
	Line    int
}

// CallArgs returns the arguments of a call node. Splat arguments are
// returned with their operator, e.g. "*xs".
func CallArgs(call *sitter.Node, src []byte) []Arg {
	list := call.ChildByFieldName("arguments")
	if list == nil {
		return nil
	}
	var args []Arg
	for _, child := range namedChildren(list, TypeComment) {
		if child.Type() == TypeKeywordArgument {
			name := child.ChildByFieldName("name")
			value := child.ChildByFieldName("value")
			if name == nil || value == nil {
				continue
			}
			args = append(args, Arg{
				Keyword: name.Content(src),
				Value:   value.Content(src),
				IsName:  value.Type() == TypeIdentifier,
			})
			continue
		}
		args = append(args, Arg{Value: child.Content(src), IsName: child.Type() == TypeIdentifier})
	}
	return args
}

// CallArgNames inspects a body made only of step calls.
//
// Description:
//
//	Accepted statements are fn(...), name = fn(...) and
//	(a, b) = fn(...). Comments, docstrings and pass are skipped. Any other
//	statement fails with a *LineError wrapping ErrUnsupportedStatement.
//	Calls are returned in source order.
//
// Inputs:
//   - code: Python source of the body.
//
// Outputs:
//   - []Call: One record per call statement.
//   - error: *SyntaxError or *LineError.
func CallArgNames(code string) ([]Call, error) {
	mod, err := Parse(code)
	if err != nil {
		return nil, err
	}
	defer mod.Close()

	var calls []Call
	for _, stmt := range mod.Statements() {
		call, skip, err := stepCall(stmt, mod.src)
		if err != nil {
			return nil, err
		}
		if !skip {
			calls = append(calls, call)
		}
	}
	return calls, nil
}

func stepCall(stmt *sitter.Node, src []byte) (Call, bool, error) {
	line := int(stmt.StartPoint().Row) + 1
	fail := func(reason string) (Call, bool, error) {
		return Call{}, false, &LineError{Line: line, Text: firstLine(stmt.Content(src)), Reason: reason, Err: ErrUnsupportedStatement}
	}

	if stmt.Type() == "pass_statement" {
		return Call{}, true, nil
	}
	if stmt.Type() != TypeExpressionStmt || stmt.NamedChildCount() != 1 {
		return fail("expected a call or an assignment of a call")
	}

	expr := stmt.NamedChild(0)
	var results []string
	switch expr.Type() {
	case TypeString:
		return Call{}, true, nil
	case TypeAssignment:
		right := expr.ChildByFieldName("right")
		if right == nil || right.Type() == TypeAssignment || expr.ChildByFieldName("type") != nil {
			return fail("expected a single assignment of a call")
		}
		results = FlattenTargets(expr.ChildByFieldName("left"), src)
		if len(results) == 0 {
			return fail("assignment targets must be names")
		}
		expr = right
	}
	if expr.Type() != TypeCall {
		return fail("expected a call or an assignment of a call")
	}
	fn := expr.ChildByFieldName("function")
	if fn == nil || fn.Type() != TypeIdentifier {
		return fail("called object must be a plain function name")
	}
	return Call{Func: fn.Content(src), Args: CallArgs(expr, src), Results: results, Line: line}, false, nil
}

// ArgNamesByFunc maps each called function to the plain-name arguments of
// its last call.
func ArgNamesByFunc(calls []Call) map[string][]string {
	out := make(map[string][]string, len(calls))
	for _, c := range calls {
		var names []string
		for _, a := range c.Args {
			if a.IsName {
				names = append(names, a.Value)
			}
		}
		out[c.Func] = names
	}
	return out
}

// ResultNamesByFunc maps each called function to the names its last call
// assigns.
func ResultNamesByFunc(calls []Call) map[string][]string {
	out := make(map[string][]string, len(calls))
	for _, c := range calls {
		out[c.Func] = c.Results
	}
	return out
}

// Decorator is a decorator applied to a definition.
type Decorator struct {
	// Name is the decorator expression without call arguments, e.g.
	// "step" or "kale.step".
	Name string
	// Called reports whether the decorator was written with parentheses.
	Called bool
	Args   []Arg
	// Values keeps the keyword argument value nodes for literal parsing.
	Values map[string]*sitter.Node
	Line   int
}

// ShortName returns the last dotted component of the decorator name.
func (d Decorator) ShortName() string {
	if i := strings.LastIndex(d.Name, "."); i >= 0 {
		return d.Name[i+1:]
	}
	return d.Name
}

// Decorators returns the decorators of a decorated_definition in source
// order. Any other node has none.
func Decorators(n *sitter.Node, src []byte) []Decorator {
	if n == nil || n.Type() != TypeDecoratedDef {
		return nil
	}
	var out []Decorator
	for i := 0; i < int(n.NamedChildCount()); i++ {
		dec := n.NamedChild(i)
		if dec.Type() != TypeDecorator || dec.NamedChildCount() == 0 {
			continue
		}
		expr := dec.NamedChild(0)
		d := Decorator{Line: int(dec.StartPoint().Row) + 1, Values: map[string]*sitter.Node{}}
		if expr.Type() == TypeCall {
			d.Called = true
			d.Args = CallArgs(expr, src)
			if list := expr.ChildByFieldName("arguments"); list != nil {
				for _, kw := range namedChildren(list, TypeComment) {
					if kw.Type() != TypeKeywordArgument {
						continue
					}
					if name, value := kw.ChildByFieldName("name"), kw.ChildByFieldName("value"); name != nil && value != nil {
						d.Values[name.Content(src)] = value
					}
				}
			}
			expr = expr.ChildByFieldName("function")
		}
		if expr != nil {
			d.Name = strings.Join(strings.Fields(expr.Content(src)), "")
		}
		out = append(out, d)
	}
	return out
}

// Param is one formal parameter of a function.
type Param struct {
	Name string
	// Default is the default expression as written, empty when absent.
	Default     string
	DefaultNode *sitter.Node
	// Variadic is set for *args and **kwargs.
	Variadic bool
}

// HasDefault reports whether the parameter declares a default value.
func (p Param) HasDefault() bool {
	return p.DefaultNode != nil
}

// Parameters returns the formal parameters of a function definition.
func Parameters(def *sitter.Node, src []byte) ([]Param, error) {
	fn := Definition(def)
	if fn == nil || fn.Type() != TypeFunctionDefinition {
		return nil, fmt.Errorf("%w: not a function definition", ErrUnsupportedStatement)
	}
	list := fn.ChildByFieldName("parameters")
	if list == nil {
		return nil, nil
	}
	var params []Param
	for _, p := range namedChildren(list, TypeComment) {
		switch p.Type() {
		case TypeIdentifier:
			params = append(params, Param{Name: p.Content(src)})
		case "typed_parameter":
			inner := p.NamedChild(0)
			switch {
			case inner == nil:
			case inner.Type() == TypeIdentifier:
				params = append(params, Param{Name: inner.Content(src)})
			default:
				params = append(params, Param{Name: splatName(inner, src), Variadic: true})
			}
		case "default_parameter", "typed_default_parameter":
			name := p.ChildByFieldName("name")
			value := p.ChildByFieldName("value")
			if name == nil || value == nil {
				continue
			}
			params = append(params, Param{Name: name.Content(src), Default: value.Content(src), DefaultNode: value})
		case "list_splat_pattern", "dictionary_splat_pattern":
			params = append(params, Param{Name: splatName(p, src), Variadic: true})
		}
	}
	return params, nil
}

func splatName(n *sitter.Node, src []byte) string {
	for i := 0; i < int(n.NamedChildCount()); i++ {
		if c := n.NamedChild(i); c.Type() == TypeIdentifier {
			return c.Content(src)
		}
	}
	return strings.TrimLeft(n.Content(src), "*")
}
