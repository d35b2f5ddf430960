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
	sitter "github.com/smacker/go-tree-sitter"
)

// Tree-sitter node types referenced across the package.
const (
	TypeModule             = "module"
	TypeIdentifier         = "identifier"
	TypeFunctionDefinition = "function_definition"
	TypeClassDefinition    = "class_definition"
	TypeDecoratedDef       = "decorated_definition"
	TypeDecorator          = "decorator"
	TypeComment            = "comment"
	TypeLambda             = "lambda"
	TypeExpressionStmt     = "expression_statement"
	TypeAssignment         = "assignment"
	TypeCall               = "call"
	TypeAttribute          = "attribute"
	TypeKeywordArgument    = "keyword_argument"
	TypeString             = "string"
	TypeBlock              = "block"
)

// NodeTypes is a set of tree-sitter node type names.
type NodeTypes map[string]struct{}

// Types builds a NodeTypes set.
func Types(names ...string) NodeTypes {
	set := make(NodeTypes, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}

// Has reports whether the set contains typ. A nil set contains nothing.
func (t NodeTypes) Has(typ string) bool {
	_, ok := t[typ]
	return ok
}

// Walk returns the named nodes under root in breadth-first order, root
// included.
//
// Description:
//
//	A node whose type is in ignore is dropped together with its subtree.
//	A node whose type is in stopAt is returned but its children are not
//	visited. ignore wins when a type is in both sets.
//
// Inputs:
//   - root: Starting node. A nil root yields nothing.
//   - stopAt: Types returned without descending.
//   - ignore: Types skipped entirely.
//
// Outputs:
//   - []*sitter.Node: Visited nodes in BFS order.
func Walk(root *sitter.Node, stopAt, ignore NodeTypes) []*sitter.Node {
	if root == nil || ignore.Has(root.Type()) {
		return nil
	}
	var out []*sitter.Node
	queue := []*sitter.Node{root}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		out = append(out, n)
		if stopAt.Has(n.Type()) {
			continue
		}
		for i := 0; i < int(n.NamedChildCount()); i++ {
			child := n.NamedChild(i)
			if child == nil || ignore.Has(child.Type()) {
				continue
			}
			queue = append(queue, child)
		}
	}
	return out
}

var targetContainers = Types(
	"pattern_list", "tuple_pattern", "list_pattern", "tuple", "list",
	"expression_list", "parenthesized_expression", "list_splat_pattern",
	"list_splat", "as_pattern_target",
)

// FlattenTargets returns the identifiers bound by an assignment target,
// descending into nested tuple and list targets. Attribute and subscript
// targets bind no new name and are skipped.
func FlattenTargets(n *sitter.Node, src []byte) []string {
	if n == nil {
		return nil
	}
	if n.Type() == TypeIdentifier {
		return []string{n.Content(src)}
	}
	if !targetContainers.Has(n.Type()) {
		return nil
	}
	var names []string
	for i := 0; i < int(n.NamedChildCount()); i++ {
		names = append(names, FlattenTargets(n.NamedChild(i), src)...)
	}
	return names
}

// Definition unwraps a decorated_definition to the function or class it
// decorates. Other nodes are returned unchanged.
func Definition(n *sitter.Node) *sitter.Node {
	if n != nil && n.Type() == TypeDecoratedDef {
		if def := n.ChildByFieldName("definition"); def != nil {
			return def
		}
	}
	return n
}

// IsDefinition reports whether n is a function or class definition,
// decorated or not.
func IsDefinition(n *sitter.Node) bool {
	switch Definition(n).Type() {
	case TypeFunctionDefinition, TypeClassDefinition:
		return true
	}
	return false
}

// DefinitionName returns the name of a function or class definition.
func DefinitionName(n *sitter.Node, src []byte) string {
	def := Definition(n)
	if def == nil {
		return ""
	}
	name := def.ChildByFieldName("name")
	if name == nil {
		return ""
	}
	return name.Content(src)
}
