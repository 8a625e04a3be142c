package report

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/theirongolddev/mergemeter/internal/cli"
	"github.com/theirongolddev/mergemeter/internal/model"
)

// WriteJSON encodes any report value as indented JSON.
func WriteJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// Render writes a human-readable rendering of a value returned by Generate.
// A nil value means there was nothing to report.
func Render(w io.Writer, v any) error {
	switch r := v.(type) {
	case nil:
		_, err := fmt.Fprintln(w, "\n  No merges have been finalized yet.")
		return err
	case *Report:
		if r.Kind == KindRecent {
			return RenderRecent(w, r)
		}
		return RenderBranch(w, r)
	case *MergeReport:
		return RenderMerge(w, r)
	case *CumulativeReport:
		return RenderCumulative(w, r)
	case []MergeReport:
		return RenderHistory(w, r)
	default:
		return fmt.Errorf("report: cannot render %T", v)
	}
}

// RenderBranch renders a per-branch summary.
func RenderBranch(w io.Writer, r *Report) error {
	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(cli.RenderTitle("BRANCH  " + r.Branch))
	b.WriteString("\n\n")

	if r.Totals.Calls == 0 {
		b.WriteString(cli.RenderNote("No usage recorded for this branch."))
		_, err := io.WriteString(w, b.String())
		return err
	}

	pairs := [][2]string{
		{"Calls", cli.FormatNumber(int64(r.Totals.Calls))},
		{"Tokens", cli.FormatTokens(r.Totals.TotalTokens)},
		{"Cost", cli.FormatPartialCost(r.Totals.Cost, r.Totals.CostKnown)},
		{"First call", cli.FormatTime(r.Since)},
		{"Last call", cli.FormatTime(r.Until)},
	}
	if len(r.Actors) > 0 {
		pairs = append(pairs, [2]string{"Actors", strings.Join(r.Actors, ", ")})
	}
	b.WriteString(cli.RenderKeyValues(pairs))
	b.WriteString("\n")
	b.WriteString(modelTable(r.Models, r.Totals))
	writeFooter(&b, r.Unpriced, r.Split.PromptCost, r.Split.CompletionCost)

	_, err := io.WriteString(w, b.String())
	return err
}

// RenderRecent renders the trailing-window activity report.
func RenderRecent(w io.Writer, r *Report) error {
	var b strings.Builder
	days := int(math.Round(r.Until.Sub(r.Since).Hours() / 24))
	b.WriteString("\n")
	if days >= 1 {
		b.WriteString(cli.RenderTitle(fmt.Sprintf("RECENT ACTIVITY  Last %dd", days)))
	} else {
		b.WriteString(cli.RenderTitle("RECENT ACTIVITY  Last " + r.Until.Sub(r.Since).String()))
	}
	b.WriteString("\n\n")

	if r.Totals.Calls == 0 {
		b.WriteString(cli.RenderNote("No usage in this window."))
		_, err := io.WriteString(w, b.String())
		return err
	}

	b.WriteString(cli.RenderKeyValues([][2]string{
		{"Calls", cli.FormatNumber(int64(r.Totals.Calls))},
		{"Tokens", cli.FormatTokens(r.Totals.TotalTokens)},
		{"Cost", cli.FormatPartialCost(r.Totals.Cost, r.Totals.CostKnown)},
		{"Branches", cli.FormatNumber(int64(len(r.Branches)))},
		{"Actors", cli.FormatNumber(int64(len(r.Actors)))},
	}))
	b.WriteString("\n")

	if len(r.Days) > 1 {
		// Days are most recent first; the sparkline reads left to right.
		costs := make([]float64, len(r.Days))
		for i, d := range r.Days {
			costs[len(r.Days)-1-i] = d.Cost
		}
		b.WriteString("  ")
		b.WriteString(cli.RenderSparkline(costs))
		b.WriteString("\n\n")
	}

	rows := make([][]string, 0, len(r.Branches))
	for _, bs := range r.Branches {
		rows = append(rows, []string{
			bs.Branch,
			cli.FormatNumber(int64(bs.Calls)),
			cli.FormatNumber(int64(bs.Actors)),
			cli.FormatTokens(bs.TotalTokens),
			cli.FormatPartialCost(bs.Cost, bs.CostKnown),
			cli.FormatTime(bs.LastSeen),
		})
	}
	b.WriteString(cli.RenderTable(cli.Table{
		Title:   "Branches",
		Headers: []string{"Branch", "Calls", "Actors", "Tokens", "Cost", "Last seen"},
		Rows:    rows,
	}))
	b.WriteString("\n")
	b.WriteString(modelTable(r.Models, r.Totals))
	writeFooter(&b, r.Unpriced, r.Split.PromptCost, r.Split.CompletionCost)

	_, err := io.WriteString(w, b.String())
	return err
}

// RenderMerge renders one repriced merge summary.
func RenderMerge(w io.Writer, r *MergeReport) error {
	s := r.Summary
	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(cli.RenderTitle("MERGE  " + cli.ShortCommit(s.CommitID)))
	b.WriteString("\n\n")

	target := s.TargetBranch
	if target == "" {
		target = "-"
	}
	pairs := [][2]string{
		{"Branch", s.SourceBranch + " -> " + target},
		{"Merged", cli.FormatTime(s.MergeTime)},
	}
	if s.MergedBy != "" {
		pairs = append(pairs, [2]string{"Merged by", s.MergedBy})
	}
	pairs = append(pairs,
		[2]string{"Calls", cli.FormatNumber(int64(r.Totals.Calls))},
		[2]string{"Tokens", cli.FormatTokens(r.Totals.TotalTokens)},
		[2]string{"Cost", cli.FormatPartialCost(r.Totals.Cost, r.Totals.CostKnown)},
		[2]string{"Cumulative tokens", cli.FormatTokens(s.CumulativeTokens)},
	)
	b.WriteString(cli.RenderKeyValues(pairs))
	b.WriteString("\n")

	if len(r.Models) > 0 {
		b.WriteString(modelTable(r.Models, r.Totals))
	}
	if repriced(s.TotalCost, r.Totals.Cost) {
		b.WriteString(cli.RenderNote("Cost at finalize time was " + cli.FormatCost(s.TotalCost) + "; pricing has changed since."))
	}
	writeFooter(&b, r.Unpriced, 0, 0)

	_, err := io.WriteString(w, b.String())
	return err
}

// RenderCumulative renders the running total across merges.
func RenderCumulative(w io.Writer, r *CumulativeReport) error {
	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(cli.RenderTitle("CUMULATIVE"))
	b.WriteString("\n\n")

	if r.Merges == 0 {
		b.WriteString(cli.RenderKeyValues([][2]string{
			{"Merges", "0"},
			{"Tokens", "0"},
			{"Cost", cli.FormatCost(0)},
		}))
		_, err := io.WriteString(w, b.String())
		return err
	}

	b.WriteString(cli.RenderKeyValues([][2]string{
		{"Merges", cli.FormatNumber(int64(r.Merges))},
		{"Tokens", cli.FormatTokens(r.Tokens)},
		{"Cost", cli.FormatPartialCost(r.Cost, r.CostKnown)},
		{"Last merge", cli.ShortCommit(r.LastCommit)},
		{"As of", cli.FormatTime(r.AsOf)},
	}))
	if repriced(r.RecordedCost, r.Cost) {
		b.WriteString("\n")
		b.WriteString(cli.RenderNote("Recorded at finalize time: " + cli.FormatCost(r.RecordedCost) + "."))
	}
	writeFooter(&b, r.Unpriced, 0, 0)

	_, err := io.WriteString(w, b.String())
	return err
}

// RenderHistory renders recent merges, newest first.
func RenderHistory(w io.Writer, merges []MergeReport) error {
	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(cli.RenderTitle("MERGE HISTORY"))
	b.WriteString("\n\n")

	if len(merges) == 0 {
		b.WriteString(cli.RenderNote("No merges have been finalized yet."))
		_, err := io.WriteString(w, b.String())
		return err
	}

	rows := make([][]string, 0, len(merges))
	for _, mr := range merges {
		rows = append(rows, []string{
			cli.ShortCommit(mr.Summary.CommitID),
			mr.Summary.SourceBranch,
			cli.FormatTime(mr.Summary.MergeTime),
			cli.FormatNumber(int64(mr.Totals.Calls)),
			cli.FormatTokens(mr.Totals.TotalTokens),
			cli.FormatPartialCost(mr.Totals.Cost, mr.Totals.CostKnown),
			cli.FormatTokens(mr.Summary.CumulativeTokens),
		})
	}
	b.WriteString(cli.RenderTable(cli.Table{
		Headers: []string{"Commit", "Branch", "Merged", "Calls", "Tokens", "Cost", "Cumulative"},
		Rows:    rows,
	}))

	_, err := io.WriteString(w, b.String())
	return err
}

func modelTable(models []model.ModelBreakdown, totals model.Totals) string {
	rows := make([][]string, 0, len(models)+2)
	for _, m := range models {
		rows = append(rows, []string{
			m.Model,
			cli.FormatNumber(int64(m.Calls)),
			cli.FormatTokens(m.PromptTokens),
			cli.FormatTokens(m.CompletionTokens),
			cli.FormatCostKnown(m.Cost, m.CostKnown),
		})
	}
	if len(models) > 1 {
		rows = append(rows, []string{"---"}, []string{
			"Total",
			cli.FormatNumber(int64(totals.Calls)),
			cli.FormatTokens(totals.PromptTokens),
			cli.FormatTokens(totals.CompletionTokens),
			cli.FormatPartialCost(totals.Cost, totals.CostKnown),
		})
	}
	return cli.RenderTable(cli.Table{
		Title:   "Models",
		Headers: []string{"Model", "Calls", "Prompt", "Completion", "Cost"},
		Rows:    rows,
	})
}

func writeFooter(b *strings.Builder, unpriced []string, promptCost, completionCost float64) {
	if promptCost > 0 || completionCost > 0 {
		b.WriteString(cli.RenderNote(fmt.Sprintf("Prompt %s, completion %s.",
			cli.FormatCost(promptCost), cli.FormatCost(completionCost))))
	}
	if len(unpriced) > 0 {
		b.WriteString(cli.RenderWarning("* No pricing for: " + strings.Join(unpriced, ", ") + " (cost shown as n/a)"))
	}
}

func repriced(recorded, current float64) bool {
	return math.Abs(recorded-current) > 0.005
}
