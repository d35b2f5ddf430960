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
	"sort"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	sitter "github.com/smacker/go-tree-sitter"
)

// CandidateMemoSize bounds the MarshalCandidates memo.
const CandidateMemoSize = 256

var (
	candidateMemo     *lru.Cache[string, []string]
	candidateMemoOnce sync.Once
)

func memo() *lru.Cache[string, []string] {
	candidateMemoOnce.Do(func() {
		// New only fails for a non-positive size.
		candidateMemo, _ = lru.New[string, []string](CandidateMemoSize)
	})
	return candidateMemo
}

var (
	candidateStops  = Types(TypeFunctionDefinition, TypeClassDefinition, TypeLambda)
	candidateIgnore = Types(TypeDecorator, TypeComment, "global_statement", "nonlocal_statement", "future_import_statement")
)

// MarshalCandidates returns, sorted and unique, every name the code could
// hand to a downstream step.
//
// Description:
//
//	Candidates are the identifiers appearing outside function, class and
//	lambda bodies, the names bound by imports, and the names of function
//	and class definitions. Names used only inside a definition body are
//	not candidates: a function foo whose body reads x makes foo a
//	candidate, never x.
//
//	Results are memoized by source text in a bounded LRU. The function is
//	pure so a cached value is always correct.
//
// Inputs:
//   - code: Python source; may contain notebook magics.
//
// Outputs:
//   - []string: Sorted candidate names. The caller owns the slice.
//   - error: Non-nil if code does not parse.
//
// Thread Safety: Safe for concurrent use.
func MarshalCandidates(code string) ([]string, error) {
	if cached, ok := memo().Get(code); ok {
		recordMemoLookup(true)
		return append([]string(nil), cached...), nil
	}
	recordMemoLookup(false)

	mod, err := Parse(code)
	if err != nil {
		return nil, err
	}
	defer mod.Close()

	names := map[string]struct{}{}
	for _, n := range Walk(mod.Root(), candidateStops, candidateIgnore) {
		for _, name := range candidateNames(n, mod.src) {
			names[name] = struct{}{}
		}
	}

	out := make([]string, 0, len(names))
	for name := range names {
		out = append(out, name)
	}
	sort.Strings(out)

	memo().Add(code, out)
	return append([]string(nil), out...), nil
}

func candidateNames(n *sitter.Node, src []byte) []string {
	switch n.Type() {
	case TypeFunctionDefinition, TypeClassDefinition:
		if name := DefinitionName(n, src); name != "" {
			return []string{name}
		}
	case "import_statement", "import_from_statement":
		return ImportBindings(n, src)
	case TypeIdentifier:
		if isNameReference(n) {
			return []string{n.Content(src)}
		}
	}
	return nil
}

// isNameReference filters out identifiers that are not variable references:
// attribute members, keyword names and the parts of dotted import paths.
func isNameReference(n *sitter.Node) bool {
	parent := n.Parent()
	if parent == nil {
		return true
	}
	switch parent.Type() {
	case TypeAttribute:
		return !sameNode(parent.ChildByFieldName("attribute"), n)
	case TypeKeywordArgument:
		return !sameNode(parent.ChildByFieldName("name"), n)
	case "dotted_name", "aliased_import", "relative_import":
		return false
	}
	return true
}

func sameNode(a, b *sitter.Node) bool {
	if a == nil || b == nil {
		return false
	}
	return a.StartByte() == b.StartByte() && a.EndByte() == b.EndByte() && a.Type() == b.Type()
}

// ImportBindings returns the names an import statement binds in the
// enclosing scope: the first component of a dotted import, the imported
// name of a from-import, or the alias when one is given. Wildcard imports
// bind nothing that can be named.
func ImportBindings(n *sitter.Node, src []byte) []string {
	var names []string
	fromImport := n.Type() == "import_from_statement"
	moduleName := n.ChildByFieldName("module_name")
	for i := 0; i < int(n.NamedChildCount()); i++ {
		child := n.NamedChild(i)
		if child == nil || sameNode(child, moduleName) {
			continue
		}
		switch child.Type() {
		case "aliased_import":
			if alias := child.ChildByFieldName("alias"); alias != nil {
				names = append(names, alias.Content(src))
			}
		case "dotted_name":
			text := child.Content(src)
			if fromImport {
				names = append(names, text)
			} else {
				names = append(names, strings.SplitN(text, ".", 2)[0])
			}
		}
	}
	return names
}

// HasWildcardImport reports whether an import statement is a star import.
func HasWildcardImport(n *sitter.Node) bool {
	for i := 0; i < int(n.NamedChildCount()); i++ {
		if child := n.NamedChild(i); child != nil && child.Type() == "wildcard_import" {
			return true
		}
	}
	return false
}
