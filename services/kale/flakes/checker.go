// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package flakes finds the names a block of Python code reads without
// defining them.
//
// The checker follows the scoping model of the pyflakes linter:
//
//   - Module and class bodies run top to bottom, so a name must be bound
//     before it is read.
//   - Function and lambda bodies are deferred until the enclosing module
//     has been fully processed, and every local binding of a function is
//     visible throughout its body.
//   - Class scopes are invisible to the scopes nested inside them.
//   - Comprehensions have their own scope; the first iterable is evaluated
//     in the enclosing scope.
//   - A star import anywhere in the lookup chain, or an enclosing
//     try/except NameError, silences the report.
//   - A global declaration in any function defines the name at module
//     level. Handler aliases and unconditionally deleted names are unbound
//     afterwards.
//
// A Checker is created per call, so Check is safe for concurrent use.
package flakes

import (
	"sort"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/AleutianAI/kale/services/kale/pyast"
)

// Definition is a function or class defined at module level.
type Definition struct {
	Name string
	// Kind is "function" or "class".
	Kind      string
	Line      int
	StartByte int
	// Globals are the names the definition body reads that are not local
	// to it: module-level bindings and undefined names. Builtins and the
	// definition's own name are excluded.
	Globals []string

	globals map[string]bool
}

// Report is the result of a Check.
type Report struct {
	// Undefined holds every name read but never defined, sorted.
	Undefined []string
	// ModuleBindings holds every name bound at module level, sorted.
	ModuleBindings []string
	// Definitions lists module-level functions and classes in source order.
	Definitions []Definition
	// StarImport is set when the code contains a wildcard import.
	StarImport bool
}

// Check parses code and reports its undefined names.
//
// Description:
//
//	Syntax errors are returned as errors wrapping pyast.ErrSyntax. The
//	order of Undefined is sorted, not source order.
//
// Inputs:
//   - code: Python source; notebook magics are tolerated.
//
// Outputs:
//   - *Report: Names and module-level definitions.
//   - error: Non-nil if the code does not parse.
func Check(code string) (*Report, error) {
	mod, err := pyast.Parse(code)
	if err != nil {
		return nil, err
	}
	defer mod.Close()

	c := newChecker(mod.Source())
	c.visitChildren(mod.Root(), c.module)
	for len(c.deferred) > 0 {
		d := c.deferred[0]
		c.deferred = c.deferred[1:]
		c.runDeferred(d)
	}
	return c.report(), nil
}

// UndefinedNames returns the sorted undefined names of code.
func UndefinedNames(code string) ([]string, error) {
	rep, err := Check(code)
	if err != nil {
		return nil, err
	}
	return rep.Undefined, nil
}

type scopeKind int

const (
	moduleScope scopeKind = iota
	functionScope
	classScope
	comprehensionScope
)

type scope struct {
	kind      scopeKind
	parent    *scope
	bindings  map[string]bool
	globals   map[string]bool
	nonlocals map[string]bool
	star      bool
	owner     *Definition
}

func newScope(kind scopeKind, parent *scope, owner *Definition) *scope {
	return &scope{
		kind:      kind,
		parent:    parent,
		bindings:  map[string]bool{},
		globals:   map[string]bool{},
		nonlocals: map[string]bool{},
		owner:     owner,
	}
}

type use struct {
	name    string
	scope   *scope
	guarded bool
}

type deferredBody struct {
	node  *sitter.Node
	scope *scope
}

type checker struct {
	src       []byte
	module    *scope
	deferred  []deferredBody
	pending   []use
	inBody    bool
	guards    []bool
	undefined map[string]bool
	defs      []*Definition
	star      bool

	// conditional counts the enclosing if, while and try statements.
	conditional int
}

func newChecker(src []byte) *checker {
	return &checker{
		src:       src,
		module:    newScope(moduleScope, nil, nil),
		undefined: map[string]bool{},
	}
}

func (c *checker) text(n *sitter.Node) string {
	return n.Content(c.src)
}

func (c *checker) runDeferred(d deferredBody) {
	saved := c.guards
	c.guards = nil
	c.inBody = true

	c.visit(d.node.ChildByFieldName("body"), d.scope)
	for _, u := range c.pending {
		c.resolve(u)
	}

	c.pending = nil
	c.inBody = false
	c.guards = saved
}

// flush resolves the pending reads of name before its binding goes away.
// Outside function bodies reads are resolved immediately.
func (c *checker) flush(name string) {
	kept := c.pending[:0]
	for _, u := range c.pending {
		if u.name == name {
			c.resolve(u)
			continue
		}
		kept = append(kept, u)
	}
	c.pending = kept
}

func (c *checker) guarded() bool {
	return len(c.guards) > 0 && c.guards[len(c.guards)-1]
}

func (c *checker) use(name string, sc *scope) {
	u := use{name: name, scope: sc, guarded: c.guarded()}
	if c.inBody {
		c.pending = append(c.pending, u)
		return
	}
	c.resolve(u)
}

func (c *checker) resolve(u use) {
	found, atModule := c.lookup(u.name, u.scope)
	if found && !atModule {
		return
	}
	if !found && IsBuiltin(u.name) {
		return
	}
	if owner := u.scope.owner; owner != nil && owner.Name != u.name {
		owner.globals[u.name] = true
	}
	if found || u.guarded || starVisible(u.scope) {
		return
	}
	c.undefined[u.name] = true
}

func (c *checker) lookup(name string, sc *scope) (found, atModule bool) {
	if sc.kind != moduleScope && sc.globals[name] {
		return c.module.bindings[name], true
	}
	first := true
	for s := sc; s != nil; s = s.parent {
		if s.kind == classScope && !first {
			continue
		}
		first = false
		if s.bindings[name] {
			return true, s.kind == moduleScope
		}
	}
	return false, false
}

func starVisible(sc *scope) bool {
	for s := sc; s != nil; s = s.parent {
		if s.star {
			return true
		}
	}
	return false
}

func (c *checker) bind(name string, sc *scope) {
	switch {
	case sc.globals[name]:
		c.module.bindings[name] = true
	case sc.nonlocals[name]:
	default:
		sc.bindings[name] = true
	}
}

func (c *checker) ownerFor(sc *scope, def *sitter.Node, kind string) *Definition {
	if sc != c.module {
		return sc.owner
	}
	d := &Definition{
		Name:      pyast.DefinitionName(def, c.src),
		Kind:      kind,
		Line:      int(def.StartPoint().Row) + 1,
		StartByte: int(def.StartByte()),
		globals:   map[string]bool{},
	}
	c.defs = append(c.defs, d)
	return d
}

func (c *checker) report() *Report {
	rep := &Report{StarImport: c.star}
	for name := range c.undefined {
		rep.Undefined = append(rep.Undefined, name)
	}
	sort.Strings(rep.Undefined)
	for name := range c.module.bindings {
		rep.ModuleBindings = append(rep.ModuleBindings, name)
	}
	sort.Strings(rep.ModuleBindings)
	for _, d := range c.defs {
		out := *d
		out.globals = nil
		out.Globals = make([]string, 0, len(d.globals))
		for name := range d.globals {
			out.Globals = append(out.Globals, name)
		}
		sort.Strings(out.Globals)
		rep.Definitions = append(rep.Definitions, out)
	}
	return rep
}
