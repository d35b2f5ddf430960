// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ux renders the kale command's human-facing output: status lines
// and the per-step summary table.
package ux

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// Palette.
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7")
	ColorTealPrimary = lipgloss.Color("#20B9B4")
	ColorTealDeep    = lipgloss.Color("#16858E")
	ColorSlate       = lipgloss.Color("#2C4A54")

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles holds the shared lipgloss styles.
var Styles = struct {
	Title   lipgloss.Style
	Header  lipgloss.Style
	Cell    lipgloss.Style
	Muted   lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
	Border  lipgloss.Style
}{
	Title:   lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Header:  lipgloss.NewStyle().Bold(true).Foreground(ColorTealPrimary).Padding(0, 1),
	Cell:    lipgloss.NewStyle().Padding(0, 1),
	Muted:   lipgloss.NewStyle().Foreground(ColorSlate),
	Success: lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning: lipgloss.NewStyle().Foreground(ColorWarning),
	Error:   lipgloss.NewStyle().Foreground(ColorError),
	Border:  lipgloss.NewStyle().Foreground(ColorTealDeep),
}

// Icon is a status marker.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconArrow   Icon = "→"
)

// Mode selects styled or plain output.
type Mode int

const (
	// ModeStyled uses colors and icons.
	ModeStyled Mode = iota
	// ModePlain prints "OK:"/"WARN:"/"ERROR:" prefixes without escape
	// codes, for pipes and CI logs.
	ModePlain
)

// DetectMode returns ModePlain when NO_COLOR is set or w is not a
// terminal.
func DetectMode(w io.Writer) Mode {
	if os.Getenv("NO_COLOR") != "" {
		return ModePlain
	}
	f, ok := w.(*os.File)
	if !ok {
		return ModePlain
	}
	if !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd()) {
		return ModePlain
	}
	return ModeStyled
}

// Printer writes status lines.
type Printer struct {
	Out  io.Writer
	Mode Mode
}

// NewPrinter creates a Printer for w with a detected mode.
func NewPrinter(w io.Writer) *Printer {
	return &Printer{Out: w, Mode: DetectMode(w)}
}

func (p *Printer) line(icon Icon, style lipgloss.Style, prefix, text string) {
	if p.Mode == ModePlain {
		fmt.Fprintf(p.Out, "%s: %s\n", prefix, text)
		return
	}
	fmt.Fprintf(p.Out, "%s %s\n", style.Render(string(icon)), style.Render(text))
}

// Success prints a success line.
func (p *Printer) Success(text string) {
	p.line(IconSuccess, Styles.Success, "OK", text)
}

// Warning prints a warning line.
func (p *Printer) Warning(text string) {
	p.line(IconWarning, Styles.Warning, "WARN", text)
}

// Error prints an error line.
func (p *Printer) Error(text string) {
	p.line(IconError, Styles.Error, "ERROR", text)
}

// Field prints "label → value".
func (p *Printer) Field(label, value string) {
	if p.Mode == ModePlain {
		fmt.Fprintf(p.Out, "%s: %s\n", label, value)
		return
	}
	fmt.Fprintf(p.Out, "  %s %s %s\n", Styles.Muted.Render(label), IconArrow, value)
}
