package cmd

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/JakeFAU/availability-prober/internal/ledger"
	"github.com/JakeFAU/availability-prober/internal/merge"
	"github.com/JakeFAU/availability-prober/internal/probe"
)

func newTable(w io.Writer) table.Writer {
	tbl := table.NewWriter()
	tbl.SetOutputMirror(w)
	tbl.SetStyle(table.StyleLight)
	tbl.Style().Options.SeparateRows = false
	return tbl
}

func countRows(tbl table.Writer, counts map[probe.Kind]int) {
	for _, kind := range probe.Kinds {
		if n := counts[kind]; n > 0 {
			tbl.AppendRow(table.Row{string(kind), humanize.Comma(int64(n))})
		}
	}
}

func printProgress(w io.Writer, s ledger.Summary) {
	tbl := newTable(w)
	tbl.SetTitle("shard " + s.Shard)
	tbl.AppendHeader(table.Row{"field", "value"})
	percent := 0.0
	if s.TotalInput > 0 {
		percent = float64(s.TotalChecked) / float64(s.TotalInput) * 100
	}
	tbl.AppendRow(table.Row{"checked", fmt.Sprintf("%s / %s (%s%%)",
		humanize.Comma(int64(s.TotalChecked)),
		humanize.Comma(int64(s.TotalInput)),
		humanize.FormatFloat("####.#", percent),
	)})
	tbl.AppendRow(table.Row{"available", humanize.Comma(int64(s.AvailableCount))})
	tbl.AppendRow(table.Row{"failed", humanize.Comma(int64(s.FailedCount))})
	tbl.AppendSeparator()
	countRows(tbl, s.Counts)
	tbl.AppendSeparator()
	tbl.AppendRow(table.Row{"complete", s.Complete})
	if !s.UpdatedAt.IsZero() {
		tbl.AppendRow(table.Row{"updated", humanize.RelTime(s.UpdatedAt, time.Now(), "ago", "from now")})
	}
	if s.RunID != "" {
		tbl.AppendRow(table.Row{"run", s.RunID})
	}
	tbl.Render()
}

func printMerge(w io.Writer, s merge.Summary) {
	tbl := newTable(w)
	tbl.SetTitle(fmt.Sprintf("merged %d shards", s.ShardCount))
	tbl.AppendHeader(table.Row{"source", "records", "available", "failed", "complete"})
	sources := append([]merge.Source(nil), s.Sources...)
	sort.Slice(sources, func(i, j int) bool { return sources[i].Dir < sources[j].Dir })
	for _, src := range sources {
		tbl.AppendRow(table.Row{
			src.Dir,
			humanize.Comma(int64(src.Records)),
			humanize.Comma(int64(src.AvailableCount)),
			humanize.Comma(int64(src.FailedCount)),
			src.Complete,
		})
	}
	tbl.AppendFooter(table.Row{
		"total",
		humanize.Comma(int64(s.TotalChecked)),
		humanize.Comma(int64(s.AvailableCount)),
		humanize.Comma(int64(s.FailedCount)),
		fmt.Sprintf("%d overlaps", s.Overlaps),
	})
	tbl.Render()
}
