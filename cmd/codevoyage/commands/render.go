package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"gopkg.in/yaml.v3"

	"github.com/Sumatoshi-tech/codevoyage/pkg/analysis"
	"github.com/Sumatoshi-tech/codevoyage/pkg/jobs"
	"github.com/Sumatoshi-tech/codevoyage/pkg/progress"
)

// Output formats.
const (
	FormatText = "text"
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// ErrUnknownFormat is returned for an unsupported --format value.
var ErrUnknownFormat = errors.New("unknown output format")

// Rendering limits.
const (
	maxContributorRows = 10
	maxLanguageRows    = 10
	percentScale       = 100
	scoreGood          = 75
	scoreFair          = 50
)

func validFormat(format string) bool {
	return format == FormatText || format == FormatJSON || format == FormatYAML
}

// writeStructured writes v as indented JSON or as YAML. YAML keys follow the
// JSON field names.
func writeStructured(w io.Writer, format string, v any) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")

		return enc.Encode(v)
	case FormatYAML:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode: %w", err)
		}

		var generic any

		err = json.Unmarshal(data, &generic)
		if err != nil {
			return fmt.Errorf("decode: %w", err)
		}

		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)

		err = enc.Encode(generic)
		if err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}

		return enc.Close()
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
}

// palette colors terminal output unless disabled.
type palette struct {
	header func(a ...any) string
	good   func(a ...any) string
	warn   func(a ...any) string
	bad    func(a ...any) string
	faint  func(a ...any) string
}

func newPalette(noColor bool) palette {
	mk := func(attrs ...color.Attribute) func(a ...any) string {
		c := color.New(attrs...)
		if noColor {
			c.DisableColor()
		}

		return c.SprintFunc()
	}

	return palette{
		header: mk(color.Bold, color.FgCyan),
		good:   mk(color.FgGreen),
		warn:   mk(color.FgYellow),
		bad:    mk(color.FgRed),
		faint:  mk(color.Faint),
	}
}

func (p palette) score(v float64) string {
	s := fmt.Sprintf("%.1f", v)

	switch {
	case v >= scoreGood:
		return p.good(s)
	case v >= scoreFair:
		return p.warn(s)
	default:
		return p.bad(s)
	}
}

func (p palette) status(s jobs.Status) string {
	switch s {
	case jobs.StatusCompleted:
		return p.good(string(s))
	case jobs.StatusFailed:
		return p.bad(string(s))
	case jobs.StatusCancelled:
		return p.warn(string(s))
	default:
		return string(s)
	}
}

func newTable(w io.Writer, title string) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleRounded)
	t.SetTitle(title)

	return t
}

// renderReport writes a compiled report.
func renderReport(w io.Writer, r *analysis.CompiledReport, format string, noColor bool) error {
	if format != FormatText {
		return writeStructured(w, format, r)
	}

	p := newPalette(noColor)
	det := r.AIInsights.Deterministic

	_, _ = fmt.Fprintf(w, "%s %s\n", p.header("Repository:"), r.Repository.DisplayName())
	_, _ = fmt.Fprintf(w, "%s %s\n", p.header("Head:"), shortHash(r.Head))
	_, _ = fmt.Fprintf(w, "%s %s\n\n", p.header("Health score:"), p.score(det.HealthScorecard.OverallScore))

	summary := newTable(w, "Summary")
	summary.AppendRows([]table.Row{
		{"Commits", humanize.Comma(int64(r.Summary.TotalCommits))},
		{"Contributors", humanize.Comma(int64(r.Summary.TotalContributors))},
		{"Files", humanize.Comma(int64(r.Summary.TotalFiles))},
		{"Files scanned", humanize.Comma(int64(r.Summary.FilesScanned))},
		{"Hotspots", r.Summary.HotspotCount},
	})
	summary.Render()

	renderHotspots(w, r.Hotspots, p)
	renderContributors(w, r.Contributors)
	renderLanguages(w, r.LanguageStats)

	if len(det.RiskFlags) > 0 {
		_, _ = fmt.Fprintf(w, "\n%s\n", p.header("Risk flags"))

		for _, flag := range det.RiskFlags {
			_, _ = fmt.Fprintf(w, "  [%s] %s\n", severity(p, flag.Severity), flag.Message)
		}
	}

	_, _ = fmt.Fprintln(w)

	switch {
	case len(r.AIInsights.Generated) > 0:
		_, _ = fmt.Fprintf(w, "%s generated by %s\n", p.header("Insights:"), r.AIInsights.Model)
	case r.AIInsights.Reason != "":
		_, _ = fmt.Fprintf(w, "%s %s\n", p.header("Insights:"), p.faint("deterministic only ("+r.AIInsights.Reason+")"))
	}

	return nil
}

func renderHotspots(w io.Writer, hotspots []analysis.FileComplexity, p palette) {
	if len(hotspots) == 0 {
		return
	}

	_, _ = fmt.Fprintln(w)

	t := newTable(w, "Complexity hotspots")
	t.AppendHeader(table.Row{"File", "Language", "Avg CC", "Max CC", "Functions", "LOC", "MI"})

	for _, h := range hotspots {
		t.AppendRow(table.Row{
			h.Path, h.Language, fmt.Sprintf("%.2f", h.CyclomaticComplexity), h.MaxComplexity,
			h.FunctionCount, humanize.Comma(int64(h.LinesOfCode)), p.score(h.MaintainabilityIndex),
		})
	}

	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 3, Align: text.AlignRight},
		{Number: 4, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
		{Number: 6, Align: text.AlignRight},
		{Number: 7, Align: text.AlignRight},
	})
	t.Render()
}

func renderContributors(w io.Writer, contributors []analysis.Contributor) {
	if len(contributors) == 0 {
		return
	}

	_, _ = fmt.Fprintln(w)

	t := newTable(w, "Top contributors")
	t.AppendHeader(table.Row{"Name", "Commits", "First commit", "Last commit"})

	for i, c := range contributors {
		if i == maxContributorRows {
			t.AppendFooter(table.Row{fmt.Sprintf("+%d more", len(contributors)-maxContributorRows)})

			break
		}

		t.AppendRow(table.Row{c.Name, c.Commits, c.FirstCommit.Format("2006-01-02"), c.LastCommit.Format("2006-01-02")})
	}

	t.Render()
}

func renderLanguages(w io.Writer, stats map[string]int) {
	if len(stats) == 0 {
		return
	}

	type entry struct {
		name  string
		files int
	}

	entries := make([]entry, 0, len(stats))
	total := 0

	for name, files := range stats {
		entries = append(entries, entry{name, files})
		total += files
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].files != entries[j].files {
			return entries[i].files > entries[j].files
		}

		return entries[i].name < entries[j].name
	})

	_, _ = fmt.Fprintln(w)

	t := newTable(w, "Languages")
	t.AppendHeader(table.Row{"Language", "Files", "Share"})

	for i, e := range entries {
		if i == maxLanguageRows {
			break
		}

		share := float64(e.files) / float64(total) * percentScale
		t.AppendRow(table.Row{e.name, humanize.Comma(int64(e.files)), fmt.Sprintf("%.1f%%", share)})
	}

	t.Render()
}

func severity(p palette, s string) string {
	switch strings.ToLower(s) {
	case "high", "critical":
		return p.bad(s)
	case "medium":
		return p.warn(s)
	default:
		return p.faint(s)
	}
}

// renderJob writes one job and optionally its transition log.
func renderJob(w io.Writer, job jobs.Job, log []jobs.Transition, noColor bool) {
	p := newPalette(noColor)

	t := newTable(w, "Job "+job.ID)
	t.AppendRows([]table.Row{
		{"Repository", job.Repository.URL},
		{"Status", p.status(job.Status)},
		{"Stage", fmt.Sprintf("%s (attempt %d)", job.Stage, job.Attempt)},
		{"Progress", fmt.Sprintf("%.0f%%", job.Progress)},
		{"Detail", job.StatusText},
		{"Created", humanize.Time(job.CreatedAt)},
		{"Updated", humanize.Time(job.UpdatedAt)},
	})

	if job.RerunOf != "" {
		t.AppendRow(table.Row{"Rerun of", job.RerunOf})
	}

	if job.Error != nil {
		t.AppendRow(table.Row{"Error", p.bad(fmt.Sprintf("%s: %s", job.Error.Kind, job.Error.Reason))})
	}

	t.Render()

	if len(log) == 0 {
		return
	}

	_, _ = fmt.Fprintln(w)

	lt := newTable(w, "Transitions")
	lt.AppendHeader(table.Row{"#", "Stage", "Outcome", "Attempt", "At", "Payload", "Summary"})

	for _, tr := range log {
		payload := ""
		if tr.PayloadSize > 0 {
			payload = humanize.Bytes(uint64(tr.PayloadSize))
		}

		lt.AppendRow(table.Row{tr.Seq, tr.Stage, tr.Outcome, tr.Attempt, tr.At.Format("15:04:05.000"), payload, tr.Summary})
	}

	lt.Render()
}

// renderJobs writes a job list.
func renderJobs(w io.Writer, list []jobs.Job, noColor bool) {
	p := newPalette(noColor)

	t := newTable(w, "Jobs")
	t.AppendHeader(table.Row{"ID", "Repository", "Status", "Stage", "Progress", "Updated"})

	for _, job := range list {
		t.AppendRow(table.Row{
			job.ID, job.Repository.DisplayName(), p.status(job.Status), job.Stage,
			fmt.Sprintf("%.0f%%", job.Progress), humanize.Time(job.UpdatedAt),
		})
	}

	t.AppendFooter(table.Row{"", "", "", "", "", humanize.Comma(int64(len(list))) + " jobs"})
	t.Render()
}

// formatProgress renders a progress event as one line.
func formatProgress(ev progress.Event, noColor bool) string {
	p := newPalette(noColor)

	state := ev.State
	if ev.Terminal {
		state = p.status(jobs.Status(ev.State))
	}

	line := fmt.Sprintf("[%5.1f%%] %-11s %s", ev.Progress, ev.Stage, ev.Status)
	if ev.Stage == "" {
		line = fmt.Sprintf("[%5.1f%%] %s", ev.Progress, ev.Status)
	}

	if ev.Terminal {
		line += " " + state
	}

	if ev.Error != "" {
		line += " " + p.bad(ev.Error)
	}

	return line
}

func shortHash(h string) string {
	const shortLen = 12

	if len(h) > shortLen {
		return h[:shortLen]
	}

	return h
}
