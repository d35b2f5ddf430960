// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

// StepRow is one line of the summary table.
type StepRow struct {
	Name   string
	After  []string
	Ins    []string
	Outs   []string
	Params []string
}

// SummaryHeaders are the summary table columns.
var SummaryHeaders = []string{"STEP", "AFTER", "INS", "OUTS", "PARAMETERS"}

// RenderSummary renders a title line and a table with one row per step.
// Rows keep the given order. Empty lists render as "-".
func RenderSummary(title string, rows []StepRow, mode Mode) string {
	data := make([][]string, 0, len(rows))
	for _, r := range rows {
		data = append(data, []string{r.Name, list(r.After), list(r.Ins), list(r.Outs), list(r.Params)})
	}

	t := table.New().Headers(SummaryHeaders...).Rows(data...)
	if mode == ModePlain {
		plain := lipgloss.NewStyle().Padding(0, 1)
		t = t.Border(lipgloss.ASCIIBorder()).
			BorderStyle(lipgloss.NewStyle()).
			StyleFunc(func(int, int) lipgloss.Style { return plain })
		return title + "\n" + t.String() + "\n"
	}
	t = t.Border(lipgloss.RoundedBorder()).
		BorderStyle(Styles.Border).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return Styles.Header
			}
			return Styles.Cell
		})
	return Styles.Title.Render(title) + "\n" + t.String() + "\n"
}

func list(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}
