// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pyast provides the Python syntax-tree utilities used by the
// notebook compiler: traversal with stop/ignore sets, name extraction,
// primitive literal parsing and call-site inspection.
//
// Parsing is backed by tree-sitter. Every Parse call creates its own
// tree-sitter parser, so the package is safe for concurrent use. The only
// shared state is the MarshalCandidates memo, which is goroutine-safe.
//
// Notebook magics (lines starting with % or !) are not Python. They are
// commented out before parsing; the line count never changes so reported
// positions still match the original cell.
package pyast

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

var magicLineRegexp = regexp.MustCompile(`(?m)^([ \t]*)([%!])`)

// CommentMagic comments out IPython magic and shell-escape lines.
func CommentMagic(code string) string {
	return magicLineRegexp.ReplaceAllString(code, "$1#$2")
}

// Module is a parsed Python module. Close must be called to release the
// underlying tree.
type Module struct {
	src  []byte
	tree *sitter.Tree
}

// Parse comments out magic lines and parses code as a Python module.
//
// Description:
//
//	Unlike the error-tolerant tree-sitter default, Parse rejects any source
//	whose tree contains ERROR or MISSING nodes. The returned error wraps
//	ErrSyntax and carries the 1-based line and column of the first problem.
//
// Inputs:
//   - code: Python source; may contain notebook magics.
//
// Outputs:
//   - *Module: Parsed module, never nil on success.
//   - error: Non-nil if tree-sitter fails or the source has syntax errors.
func Parse(code string) (mod *Module, err error) {
	start := time.Now()
	defer func() { recordParse(time.Since(start), err == nil) }()

	src := []byte(CommentMagic(code))

	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(python.GetLanguage())

	tree, err := parser.ParseCtx(context.Background(), nil, src)
	if err != nil {
		return nil, fmt.Errorf("tree-sitter parse failed: %w", err)
	}

	root := tree.RootNode()
	if root == nil {
		tree.Close()
		return nil, fmt.Errorf("%w: empty parse tree", ErrSyntax)
	}
	if root.HasError() {
		bad := firstErrorNode(root)
		tree.Close()
		if bad == nil {
			return nil, &SyntaxError{Line: 1, Column: 1, Text: firstLine(string(src))}
		}
		row := int(bad.StartPoint().Row)
		return nil, &SyntaxError{
			Line:   row + 1,
			Column: int(bad.StartPoint().Column) + 1,
			Text:   lineAt(string(src), row),
		}
	}

	return &Module{src: src, tree: tree}, nil
}

// Root returns the module node.
func (m *Module) Root() *sitter.Node {
	return m.tree.RootNode()
}

// Source returns the parsed bytes, after magic commenting.
func (m *Module) Source() []byte {
	return m.src
}

// Text returns the source text spanned by n.
func (m *Module) Text(n *sitter.Node) string {
	return n.Content(m.src)
}

// Close releases the tree-sitter tree.
func (m *Module) Close() {
	if m.tree != nil {
		m.tree.Close()
		m.tree = nil
	}
}

// Statements returns the top-level statements of the module, comments
// excluded.
func (m *Module) Statements() []*sitter.Node {
	return namedChildren(m.Root(), "comment")
}

func firstErrorNode(n *sitter.Node) *sitter.Node {
	if n.IsError() || n.IsMissing() {
		return n
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		child := n.Child(i)
		if child == nil || !child.HasError() && !child.IsMissing() {
			continue
		}
		if found := firstErrorNode(child); found != nil {
			return found
		}
	}
	return nil
}

func namedChildren(n *sitter.Node, skip ...string) []*sitter.Node {
	out := make([]*sitter.Node, 0, n.NamedChildCount())
	for i := 0; i < int(n.NamedChildCount()); i++ {
		child := n.NamedChild(i)
		if child == nil || contains(skip, child.Type()) {
			continue
		}
		out = append(out, child)
	}
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func lineAt(src string, row int) string {
	lines := strings.Split(src, "\n")
	if row < 0 || row >= len(lines) {
		return ""
	}
	return strings.TrimSpace(lines[row])
}

func firstLine(src string) string {
	return lineAt(src, 0)
}
