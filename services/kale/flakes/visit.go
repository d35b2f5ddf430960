// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package flakes

import (
	sitter "github.com/smacker/go-tree-sitter"

	"github.com/AleutianAI/kale/services/kale/pyast"
)

func (c *checker) visitChildren(n *sitter.Node, sc *scope) {
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c.visit(n.NamedChild(i), sc)
	}
}

func (c *checker) visit(n *sitter.Node, sc *scope) {
	if n == nil {
		return
	}
	switch n.Type() {
	case pyast.TypeComment, "future_import_statement":
	case pyast.TypeIdentifier:
		c.use(c.text(n), sc)
	case "dotted_name":
		if first := n.NamedChild(0); first != nil {
			c.use(c.text(first), sc)
		}
	case pyast.TypeAssignment:
		c.assignment(n, sc)
	case "augmented_assignment":
		c.visit(n.ChildByFieldName("right"), sc)
		left := n.ChildByFieldName("left")
		if left != nil && left.Type() == pyast.TypeIdentifier {
			c.use(c.text(left), sc)
			c.bind(c.text(left), sc)
		} else {
			c.visit(left, sc)
		}
	case "for_statement":
		c.visit(n.ChildByFieldName("right"), sc)
		c.bindTarget(n.ChildByFieldName("left"), sc)
		c.visit(n.ChildByFieldName("body"), sc)
		c.visit(n.ChildByFieldName("alternative"), sc)
	case "with_item":
		c.visit(n.ChildByFieldName("value"), sc)
		c.bindTarget(n.ChildByFieldName("alias"), sc)
	case "as_pattern":
		c.visit(n.NamedChild(0), sc)
		c.bindTarget(n.ChildByFieldName("alias"), sc)
	case "try_statement":
		c.try(n, sc)
	case "except_clause", "except_group_clause":
		c.except(n, sc)
	case pyast.TypeDecoratedDef:
		for i := 0; i < int(n.NamedChildCount()); i++ {
			if child := n.NamedChild(i); child.Type() == pyast.TypeDecorator {
				c.visitChildren(child, sc)
			}
		}
		c.visit(n.ChildByFieldName("definition"), sc)
	case pyast.TypeFunctionDefinition:
		c.function(n, sc)
	case pyast.TypeClassDefinition:
		c.class(n, sc)
	case pyast.TypeLambda:
		inner := newScope(functionScope, sc, sc.owner)
		c.parameters(n.ChildByFieldName("parameters"), sc, inner)
		c.deferred = append(c.deferred, deferredBody{node: n, scope: inner})
	case "import_statement", "import_from_statement":
		if pyast.HasWildcardImport(n) {
			sc.star = true
			c.star = true
		}
		for _, name := range pyast.ImportBindings(n, c.src) {
			c.bind(name, sc)
		}
	case "global_statement", "nonlocal_statement":
		if sc.kind == moduleScope {
			return
		}
		target := sc.globals
		if n.Type() == "nonlocal_statement" {
			target = sc.nonlocals
		}
		for i := 0; i < int(n.NamedChildCount()); i++ {
			id := n.NamedChild(i)
			if id.Type() != pyast.TypeIdentifier {
				continue
			}
			name := c.text(id)
			target[name] = true
			if n.Type() == "global_statement" {
				// The declaration defines the name at module level and
				// cancels reports made before the body was checked.
				c.module.bindings[name] = true
				delete(c.undefined, name)
			}
		}
	case pyast.TypeAttribute:
		c.visit(n.ChildByFieldName("object"), sc)
	case pyast.TypeKeywordArgument:
		c.visit(n.ChildByFieldName("value"), sc)
	case "list_comprehension", "set_comprehension", "dictionary_comprehension", "generator_expression":
		c.comprehension(n, sc)
	case "named_expression":
		c.visit(n.ChildByFieldName("value"), sc)
		target := sc
		for target.kind == comprehensionScope {
			target = target.parent
		}
		if name := n.ChildByFieldName("name"); name != nil {
			c.bind(c.text(name), target)
		}
	case "case_clause":
		c.caseClause(n, sc)
	case "delete_statement":
		c.deleteTargets(n, sc)
	case "if_statement", "while_statement", "conditional_expression":
		c.conditional++
		c.visitChildren(n, sc)
		c.conditional--
	default:
		c.visitChildren(n, sc)
	}
}

func (c *checker) assignment(n *sitter.Node, sc *scope) {
	c.visit(n.ChildByFieldName("type"), sc)
	right := n.ChildByFieldName("right")
	if right == nil {
		// A bare annotation declares but does not bind.
		return
	}
	c.visit(right, sc)
	c.bindTarget(n.ChildByFieldName("left"), sc)
}

func (c *checker) bindTarget(n *sitter.Node, sc *scope) {
	if n == nil {
		return
	}
	switch n.Type() {
	case pyast.TypeIdentifier:
		c.bind(c.text(n), sc)
	case "pattern_list", "tuple_pattern", "list_pattern", "tuple", "list",
		"expression_list", "parenthesized_expression", "list_splat_pattern",
		"list_splat", "dictionary_splat_pattern", "as_pattern_target":
		for i := 0; i < int(n.NamedChildCount()); i++ {
			c.bindTarget(n.NamedChild(i), sc)
		}
	case pyast.TypeComment:
	default:
		c.visit(n, sc)
	}
}

func (c *checker) function(n *sitter.Node, sc *scope) {
	inner := newScope(functionScope, sc, c.ownerFor(sc, n, "function"))
	c.parameters(n.ChildByFieldName("parameters"), sc, inner)
	c.visit(n.ChildByFieldName("return_type"), sc)
	if name := n.ChildByFieldName("name"); name != nil {
		c.bind(c.text(name), sc)
	}
	c.deferred = append(c.deferred, deferredBody{node: n, scope: inner})
}

func (c *checker) class(n *sitter.Node, sc *scope) {
	c.visit(n.ChildByFieldName("superclasses"), sc)
	inner := newScope(classScope, sc, c.ownerFor(sc, n, "class"))
	inner.bindings["__module__"] = true
	inner.bindings["__qualname__"] = true
	c.visit(n.ChildByFieldName("body"), inner)
	if name := n.ChildByFieldName("name"); name != nil {
		c.bind(c.text(name), sc)
	}
}

// parameters binds formal parameter names in inner and evaluates defaults
// and annotations in outer, where Python evaluates them.
func (c *checker) parameters(params *sitter.Node, outer, inner *scope) {
	if params == nil {
		return
	}
	for i := 0; i < int(params.NamedChildCount()); i++ {
		p := params.NamedChild(i)
		switch p.Type() {
		case pyast.TypeIdentifier, "list_splat_pattern", "dictionary_splat_pattern", "tuple_pattern":
			c.bindTarget(p, inner)
		case "typed_parameter":
			c.bindTarget(p.NamedChild(0), inner)
			c.visit(p.ChildByFieldName("type"), outer)
		case "default_parameter", "typed_default_parameter":
			c.visit(p.ChildByFieldName("type"), outer)
			c.visit(p.ChildByFieldName("value"), outer)
			c.bindTarget(p.ChildByFieldName("name"), inner)
		}
	}
}

func (c *checker) try(n *sitter.Node, sc *scope) {
	body := n.ChildByFieldName("body")
	catches := false
	for i := 0; i < int(n.NamedChildCount()); i++ {
		child := n.NamedChild(i)
		if t := child.Type(); (t == "except_clause" || t == "except_group_clause") && c.catchesNameError(child) {
			catches = true
		}
	}

	c.conditional++
	defer func() { c.conditional-- }()

	c.guards = append(c.guards, catches)
	c.visit(body, sc)
	c.guards = c.guards[:len(c.guards)-1]

	for i := 0; i < int(n.NamedChildCount()); i++ {
		child := n.NamedChild(i)
		if child.Type() == pyast.TypeBlock && body != nil && child.StartByte() == body.StartByte() {
			continue
		}
		c.visit(child, sc)
	}
}

func (c *checker) catchesNameError(handler *sitter.Node) bool {
	var expr *sitter.Node
	for i := 0; i < int(handler.NamedChildCount()); i++ {
		child := handler.NamedChild(i)
		if t := child.Type(); t != pyast.TypeBlock && t != pyast.TypeComment {
			expr = child
			break
		}
	}
	if expr == nil {
		return false
	}
	if expr.Type() == "as_pattern" {
		expr = expr.NamedChild(0)
	}
	return c.mentions(expr, "NameError")
}

func (c *checker) mentions(n *sitter.Node, name string) bool {
	if n == nil {
		return false
	}
	switch n.Type() {
	case pyast.TypeIdentifier:
		return c.text(n) == name
	case pyast.TypeAttribute:
		return c.mentions(n.ChildByFieldName("attribute"), name)
	case "tuple", "parenthesized_expression", "expression_list":
		for i := 0; i < int(n.NamedChildCount()); i++ {
			if c.mentions(n.NamedChild(i), name) {
				return true
			}
		}
	}
	return false
}

// except handles both grammar shapes for handler aliases: an as_pattern
// child, or a bare `as` token followed by the bound name. The alias is
// unbound when the handler ends; a binding it shadowed is restored.
func (c *checker) except(n *sitter.Node, sc *scope) {
	var aliases []string
	sawAs := false
	for i := 0; i < int(n.ChildCount()); i++ {
		child := n.Child(i)
		if !child.IsNamed() {
			if child.Type() == "as" {
				sawAs = true
			}
			continue
		}
		switch {
		case sawAs && child.Type() != pyast.TypeBlock:
			aliases = append(aliases, c.bindAlias(child, sc)...)
			sawAs = false
		case child.Type() == "as_pattern":
			c.visit(child.NamedChild(0), sc)
			aliases = append(aliases, c.bindAlias(child.ChildByFieldName("alias"), sc)...)
		default:
			c.visit(child, sc)
		}
	}
	for _, name := range aliases {
		c.flush(name)
		delete(sc.bindings, name)
	}
}

// bindAlias binds the names under n and returns those that were not
// already bound in sc.
func (c *checker) bindAlias(n *sitter.Node, sc *scope) []string {
	if n == nil {
		return nil
	}
	var fresh []string
	for _, id := range identifiers(n) {
		name := c.text(id)
		if !sc.bindings[name] && !sc.globals[name] && !sc.nonlocals[name] {
			fresh = append(fresh, name)
		}
		c.bind(name, sc)
	}
	return fresh
}

// deleteTargets unbinds the plain names of a del statement. A name that is
// not bound in the current scope is a read. Inside a conditional branch
// the name stays bound, since the branch may not run.
func (c *checker) deleteTargets(n *sitter.Node, sc *scope) {
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c.deleteTarget(n.NamedChild(i), sc)
	}
}

func (c *checker) deleteTarget(n *sitter.Node, sc *scope) {
	switch n.Type() {
	case pyast.TypeIdentifier:
		name := c.text(n)
		if !sc.bindings[name] || sc.globals[name] || sc.nonlocals[name] {
			c.use(name, sc)
			return
		}
		if c.conditional > 0 {
			return
		}
		c.flush(name)
		delete(sc.bindings, name)
	case "expression_list", "tuple", "list", "parenthesized_expression":
		for i := 0; i < int(n.NamedChildCount()); i++ {
			c.deleteTarget(n.NamedChild(i), sc)
		}
	case pyast.TypeComment:
	default:
		c.visit(n, sc)
	}
}

func identifiers(n *sitter.Node) []*sitter.Node {
	if n.Type() == pyast.TypeIdentifier {
		return []*sitter.Node{n}
	}
	var out []*sitter.Node
	for i := 0; i < int(n.NamedChildCount()); i++ {
		out = append(out, identifiers(n.NamedChild(i))...)
	}
	return out
}

func (c *checker) comprehension(n *sitter.Node, sc *scope) {
	inner := newScope(comprehensionScope, sc, sc.owner)
	body := n.ChildByFieldName("body")
	first := true
	for i := 0; i < int(n.NamedChildCount()); i++ {
		clause := n.NamedChild(i)
		switch clause.Type() {
		case "for_in_clause":
			var target *sitter.Node
			for j := 0; j < int(clause.NamedChildCount()); j++ {
				part := clause.NamedChild(j)
				if target == nil {
					target = part
					continue
				}
				if first {
					c.visit(part, sc)
				} else {
					c.visit(part, inner)
				}
			}
			first = false
			c.bindTarget(target, inner)
		case "if_clause":
			c.visit(clause, inner)
		}
	}
	c.visit(body, inner)
}

func (c *checker) caseClause(n *sitter.Node, sc *scope) {
	for i := 0; i < int(n.NamedChildCount()); i++ {
		child := n.NamedChild(i)
		if child.Type() == "case_pattern" {
			c.capture(child, sc)
			continue
		}
		c.visit(child, sc)
	}
}

// capture binds the capture names of a match pattern. A single-part
// dotted name is a capture; dotted values and class names are reads.
func (c *checker) capture(n *sitter.Node, sc *scope) {
	switch n.Type() {
	case pyast.TypeIdentifier:
		c.bind(c.text(n), sc)
		return
	case "dotted_name":
		if n.NamedChildCount() == 1 {
			c.bind(c.text(n), sc)
		} else {
			c.visit(n, sc)
		}
		return
	case "class_pattern":
		for i := 0; i < int(n.NamedChildCount()); i++ {
			child := n.NamedChild(i)
			if i == 0 && child.Type() == "dotted_name" {
				c.visit(child, sc)
				continue
			}
			c.capture(child, sc)
		}
		return
	case "keyword_pattern":
		for i := 1; i < int(n.NamedChildCount()); i++ {
			c.capture(n.NamedChild(i), sc)
		}
		return
	}
	for i := 0; i < int(n.NamedChildCount()); i++ {
		c.capture(n.NamedChild(i), sc)
	}
}
