// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package codegen

import (
	"strings"
)

const tripleQuote = "'''"

var blockEscaper = strings.NewReplacer(`\`, `\\`, tripleQuote, `\'\'\'`)

// EscapeLines splits code into lines and escapes each one for embedding in
// a ''' string literal. The number of lines never changes, so line numbers
// in tracebacks match the original source.
func EscapeLines(code string) []string {
	lines := strings.Split(code, "\n")
	for i, line := range lines {
		lines[i] = blockEscaper.Replace(strings.TrimRight(line, "\r"))
	}
	return lines
}

// EscapeBlock is EscapeLines joined back into one string.
func EscapeBlock(code string) string {
	return strings.Join(EscapeLines(code), "\n")
}

// openString returns the triple-quote delimiter still open at the end of
// line, given the one open at its start ("" for none). Comments and
// single-line strings are skipped so quotes inside them do not count.
func openString(line, open string) string {
	for i := 0; i < len(line); {
		if open != "" {
			switch {
			case line[i] == '\\':
				i += 2
			case strings.HasPrefix(line[i:], open):
				i += len(open)
				open = ""
			default:
				i++
			}
			continue
		}
		switch c := line[i]; {
		case c == '#':
			return ""
		case strings.HasPrefix(line[i:], `'''`) || strings.HasPrefix(line[i:], `"""`):
			open = line[i : i+3]
			i += 3
		case c == '\'' || c == '"':
			j := i + 1
			for j < len(line) && line[j] != c {
				if line[j] == '\\' {
					j++
				}
				j++
			}
			i = j + 1
		default:
			i++
		}
	}
	return open
}
