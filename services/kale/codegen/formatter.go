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
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Formatter rewrites generated Python source.
type Formatter interface {
	Format(ctx context.Context, src string) (string, error)
}

// FormatterFunc adapts a function to the Formatter interface.
type FormatterFunc func(ctx context.Context, src string) (string, error)

// Format calls f.
func (f FormatterFunc) Format(ctx context.Context, src string) (string, error) {
	return f(ctx, src)
}

// Normalizer is the built-in formatter. Outside triple-quoted strings it
// strips trailing whitespace and collapses runs of blank lines to two.
// String contents, with either quote style, are left untouched so string
// values and embedded user code keep their lines.
type Normalizer struct{}

// Format normalizes src. It never fails.
func (Normalizer) Format(_ context.Context, src string) (string, error) {
	lines := strings.Split(src, "\n")
	out := make([]string, 0, len(lines))
	open := ""
	blanks := 0
	for _, line := range lines {
		if open != "" {
			out = append(out, line)
			open = openString(line, open)
			continue
		}
		open = openString(line, "")
		if open == "" {
			line = strings.TrimRight(line, " \t\r")
		}
		if line == "" {
			blanks++
			if blanks > 2 {
				continue
			}
		} else {
			blanks = 0
		}
		out = append(out, line)
	}
	for len(out) > 0 && out[len(out)-1] == "" {
		out = out[:len(out)-1]
	}
	for len(out) > 0 && out[0] == "" {
		out = out[1:]
	}
	return strings.Join(out, "\n") + "\n", nil
}

// CommandFormatter pipes the source through an external program, such as
// "autopep8 -", and reads the result from its stdout.
type CommandFormatter struct {
	Name string
	Args []string
}

// NewCommandFormatter splits a command line on whitespace.
func NewCommandFormatter(command string) (*CommandFormatter, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: empty formatter command", ErrFormat)
	}
	return &CommandFormatter{Name: fields[0], Args: fields[1:]}, nil
}

// Format runs the command with src on stdin.
func (c *CommandFormatter) Format(ctx context.Context, src string) (string, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Stdin = strings.NewReader(src)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%w: %s: %v: %s", ErrFormat, c.Name, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}
