package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/Mindburn-Labs/crosswalk/pkg/engine"
	"github.com/Mindburn-Labs/crosswalk/pkg/gap"
	"github.com/Mindburn-Labs/crosswalk/pkg/matrix"
	"github.com/Mindburn-Labs/crosswalk/pkg/similarity"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func printFrameworks(w io.Writer, infos []engine.FrameworkInfo) error {
	tw := newTable(w)
	fmt.Fprintln(tw, "ID\tNAME\tVERSION\tDOMAINS\tCONTROLS")
	for _, fw := range infos {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\n", fw.ID, fw.Name, fw.Version, fw.Domains, fw.Controls)
	}
	return tw.Flush()
}

func printCoverage(w io.Writer, res *gap.Result) error {
	fmt.Fprintf(w, "%s%s%s <- %s\n", colorBold, res.TargetFramework, colorReset, strings.Join(res.SourceFrameworks, ", "))
	if res.BaselineID != "" {
		fmt.Fprintf(w, "baseline: %s\n", res.BaselineID)
	}
	sum := res.Summary
	fmt.Fprintf(w, "coverage: %.2f%% (%d/%d covered, %d partial, %d outdated, %d missing)\n",
		res.Coverage, sum.Covered, sum.Total, sum.Partial, sum.Outdated, sum.Missing)

	if len(res.Gaps) > 0 {
		fmt.Fprintln(w, "")
		tw := newTable(w)
		fmt.Fprintln(tw, "CONTROL\tSEVERITY\tCATEGORY\tPRIORITY\tEFFORT\tTARGET\tTITLE")
		for _, g := range res.Gaps {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%.2f\t%s\t%dd\t%s\n", g.ControlID, g.Severity, g.Category,
				g.PriorityScore, g.Remediation.Effort, g.Remediation.TargetDays, g.Title)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}
	for _, d := range res.Diagnostics {
		fmt.Fprintf(w, "warning: %s\n", d)
	}
	return nil
}

func printMatrix(w io.Writer, m *matrix.Matrix) error {
	tw := newTable(w)
	fmt.Fprintf(tw, "SOURCE \\ TARGET\t%s\n", strings.Join(m.Frameworks, "\t"))
	for _, src := range m.Frameworks {
		row := []string{src}
		for _, dst := range m.Frameworks {
			if c, ok := m.Get(src, dst); ok {
				row = append(row, fmt.Sprintf("%.2f%%", c.Coverage))
			} else {
				row = append(row, "-")
			}
		}
		fmt.Fprintln(tw, strings.Join(row, "\t"))
	}
	return tw.Flush()
}

func printSuggestions(w io.Writer, control string, ss []similarity.Suggestion) error {
	if len(ss) == 0 {
		_, err := fmt.Fprintf(w, "no suggestions for %s\n", control)
		return err
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "SOURCE\tTARGET\tSCORE\tTYPE\tTITLE")
	for _, s := range ss {
		fmt.Fprintf(tw, "%s\t%s\t%.3f\t%s\t%s\n", control, s.Control.ID, s.Score.Value, s.SuggestedType, s.Control.Title)
	}
	return tw.Flush()
}

func printBatch(w io.Writer, res *similarity.BatchResult) error {
	tw := newTable(w)
	fmt.Fprintln(tw, "SOURCE\tTARGET\tSCORE\tTYPE\tTITLE")
	for _, r := range res.Results {
		for _, s := range r.Suggestions {
			fmt.Fprintf(tw, "%s\t%s\t%.3f\t%s\t%s\n", r.SourceControl, s.Control.ID, s.Score.Value, s.SuggestedType, s.Control.Title)
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "%d comparisons\n", res.Comparisons)
	return err
}

func printReport(w io.Writer, rep *engine.Report) error {
	printSection(w, "FRAMEWORKS")
	if err := printFrameworks(w, rep.Frameworks); err != nil {
		return err
	}
	fmt.Fprintln(w, "")

	printSection(w, "MAPPINGS")
	ms := rep.Mappings
	fmt.Fprintf(w, "%d total, %d verified, %d suppressed, %d adjusted\n", ms.Total, ms.Verified, ms.Suppressed, ms.Adjusted)
	fmt.Fprintln(w, "")

	printSection(w, "COVERAGE")
	if err := printMatrix(w, rep.Matrix); err != nil {
		return err
	}
	fmt.Fprintln(w, "")

	printSection(w, "SIGNIFICANT GAPS")
	tw := newTable(w)
	for _, pg := range rep.Gaps {
		for _, g := range pg.Gaps {
			fmt.Fprintf(tw, "%s\t<- %s\t%s\t%s\t%s\n", pg.Target, pg.Source, g.ControlID, g.Severity, g.Title)
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if len(rep.Diagnostics) > 0 {
		fmt.Fprintln(w, "")
		printSection(w, "DIAGNOSTICS")
		for _, d := range rep.Diagnostics {
			fmt.Fprintf(w, "  %s\n", d)
		}
	}
	return nil
}
