package report

import (
	"fmt"
	"strconv"
	"strings"
)

// RenderMarkdown renders r for humans. Observations are not rendered.
// Output is deterministic for a given Report.
func RenderMarkdown(r Report) string {
	var b strings.Builder
	line := func(s string) {
		b.WriteString(s)
		b.WriteByte('\n')
	}

	line(fmt.Sprintf("# Audit Report: Job %d", r.JobID))
	line("")
	line("## Summary")
	if r.Summary != "" {
		line("```solidity")
		line(strings.TrimRight(r.Summary, "\n"))
		line("```")
	} else {
		line("(no summary)")
	}
	line("")

	line("## Findings")
	if len(r.Issues) == 0 {
		line("- No issues detected by static analysis / LLM.")
	}
	for i, f := range r.Issues {
		title := f.Check
		if title == "" {
			title = fmt.Sprintf("Issue %d", i+1)
		}
		sev := f.Severity
		if sev == "" {
			sev = "info"
		}
		line(fmt.Sprintf("- [%s] %s", sev, title))
		if f.Description != "" {
			line("  - " + oneLine(f.Description))
		}
		for _, l := range f.Locations {
			if l.Filename == "" && len(l.Lines) == 0 {
				continue
			}
			line(fmt.Sprintf("  - location: %s : %s", orDash(l.Filename), orDash(formatLines(l.Lines))))
		}
	}
	line("")

	if r.SynthesisOutput != "" {
		line("## Synthesis Output")
		line(strings.TrimRight(r.SynthesisOutput, "\n"))
		line("")
	}

	if r.ContentHash != "" {
		line("---")
		line(fmt.Sprintf("Report Hash: `%s`", r.ContentHash))
	}
	return b.String()
}

// formatLines collapses runs of consecutive line numbers: [1 2 3 7] -> "1-3, 7".
func formatLines(lines []int) string {
	if len(lines) == 0 {
		return ""
	}
	var parts []string
	start, prev := lines[0], lines[0]
	flush := func() {
		if start == prev {
			parts = append(parts, strconv.Itoa(start))
		} else {
			parts = append(parts, strconv.Itoa(start)+"-"+strconv.Itoa(prev))
		}
	}
	for _, n := range lines[1:] {
		if n == prev+1 {
			prev = n
			continue
		}
		flush()
		start, prev = n, n
	}
	flush()
	return strings.Join(parts, ", ")
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
