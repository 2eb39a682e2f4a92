// Package insights derives repository insights from extraction and complexity
// outputs, and wraps the optional language-model insight generator.
package insights

import (
	"cmp"
	"math"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/Sumatoshi-tech/codevoyage/pkg/analysis"
)

// Thresholds used by the deterministic insights.
const (
	nightHourLimit       = 6
	highRiskComplexity   = 15
	busFactorShare       = 0.5
	p90Percentile        = 90
	topHours             = 5
	topContributors      = 5
	largestCommits       = 5
	refactorExamples     = 10
	complexityHotspots   = 10
	largestFiles         = 10
	shortSHA             = 10
	largestCommitMsgLen  = 120
	refactorMsgLen       = 160
	lowHistoryCommits    = 30
	minimalHistory       = 10
	concentratedHistory  = 20
	smallCodebaseFiles   = 20
	manyHighRiskFiles    = 20
	scanCoverageFraction = 0.2
	fullConfidence       = 100
)

// Severity levels of risk flags.
const (
	SeverityHigh   = "high"
	SeverityMedium = "medium"
	SeverityLow    = "low"
)

var refactorKeywords = []string{"refactor", "rewrite", "cleanup", "migrate", "rename", "extract", "modular"}

var configExtensions = []string{".json", ".yaml", ".yml", ".toml", ".ini"}

type sizeBucket struct {
	label string
	limit int64
}

var sizeBuckets = []sizeBucket{
	{label: "<10KB", limit: 10 << 10},
	{label: "10KB-100KB", limit: 100 << 10},
	{label: "100KB-1MB", limit: 1 << 20},
	{label: ">1MB", limit: math.MaxInt64},
}

// Build computes the deterministic insights. Either input may be nil; the
// corresponding sections are then empty.
func Build(ext *analysis.ExtractionOutput, cx *analysis.ComplexityOutput) analysis.Insights {
	if ext == nil {
		ext = &analysis.ExtractionOutput{}
	}

	if cx == nil {
		cx = &analysis.ComplexityOutput{}
	}

	files, directories, depth := flattenTree(ext.FileTree)
	signals := engineeringSignals(files)
	team := teamDynamics(ext.Contributors, len(ext.Commits))
	complexity := complexityProfile(cx)

	out := analysis.Insights{
		Summary:             summary(ext),
		DevelopmentHabits:   developmentHabits(ext.Commits),
		TeamDynamics:        team,
		CommitBehavior:      commitBehavior(ext.Commits),
		RefactorSignals:     refactorSignals(ext.Commits),
		LanguageProfile:     languageProfile(ext.LanguageStats),
		ComplexityProfile:   complexity,
		RepositoryStructure: repositoryStructure(files, directories, depth),
		EngineeringSignals:  signals,
	}

	out.RiskFlags = riskFlags(len(ext.Commits), team.BusFactor50Percent, complexity.HighRiskFileCount, signals)
	out.InsightQuality = insightQuality(len(ext.Commits), len(files), len(cx.Metrics))
	out.HealthScorecard = healthScorecard(scorecardInput{
		commits:    len(ext.Commits),
		busFactor:  team.BusFactor50Percent,
		highRisk:   complexity.HighRiskFileCount,
		signals:    signals,
		diversity:  out.LanguageProfile.LanguageDiversityIndex,
		scanned:    len(cx.Metrics),
		totalFiles: len(files),
	})

	return out
}

func summary(ext *analysis.ExtractionOutput) analysis.InsightSummary {
	total := 0
	for _, commit := range ext.Commits {
		total += commit.Stats.Changes()
	}

	out := analysis.InsightSummary{
		TotalCommitsAnalyzed: len(ext.Commits),
		TotalContributors:    len(ext.Contributors),
		TotalCodeChanges:     total,
	}

	if len(ext.Commits) > 0 {
		out.AvgChangesPerCommit = round(float64(total)/float64(len(ext.Commits)), 2)
	}

	return out
}

func developmentHabits(commits []analysis.Commit) analysis.DevelopmentHabits {
	var (
		hours    [24]int
		weekdays [7]int
		night    int
		dated    int
	)

	for _, commit := range commits {
		if commit.CommittedAt.IsZero() {
			continue
		}

		dated++

		hour := commit.CommittedAt.Hour()
		hours[hour]++
		weekdays[commit.CommittedAt.Weekday()]++

		if hour < nightHourLimit {
			night++
		}
	}

	out := analysis.DevelopmentHabits{
		MostActiveHours:    []analysis.HourCount{},
		MostActiveWeekdays: []analysis.DayCount{},
	}

	if len(commits) > 0 {
		out.NightCommitRatio = round(float64(night)/float64(len(commits))*100, 2)
	}

	if dated == 0 {
		return out
	}

	for hour, count := range hours {
		if count > 0 {
			out.MostActiveHours = append(out.MostActiveHours, analysis.HourCount{Hour: hour, Commits: count})
		}
	}

	slices.SortStableFunc(out.MostActiveHours, func(a, b analysis.HourCount) int {
		return cmp.Compare(b.Commits, a.Commits)
	})

	if len(out.MostActiveHours) > topHours {
		out.MostActiveHours = out.MostActiveHours[:topHours]
	}

	// Monday first so ties follow the working week.
	for offset := range weekdays {
		day := time.Weekday((offset + 1) % len(weekdays))
		if weekdays[day] > 0 {
			out.MostActiveWeekdays = append(out.MostActiveWeekdays, analysis.DayCount{Day: day.String(), Commits: weekdays[day]})
		}
	}

	slices.SortStableFunc(out.MostActiveWeekdays, func(a, b analysis.DayCount) int {
		return cmp.Compare(b.Commits, a.Commits)
	})

	return out
}

func teamDynamics(contributors []analysis.Contributor, totalCommits int) analysis.TeamDynamics {
	ranked := slices.Clone(contributors)
	slices.SortStableFunc(ranked, func(a, b analysis.Contributor) int {
		return cmp.Compare(b.Commits, a.Commits)
	})

	counts := make([]int, len(ranked))
	for idx, contributor := range ranked {
		counts[idx] = contributor.Commits
	}

	out := analysis.TeamDynamics{
		TopContributors:    []analysis.ContributorShare{},
		BusFactor50Percent: BusFactor(counts),
	}

	for _, contributor := range ranked[:min(topContributors, len(ranked))] {
		name := contributor.Name
		if name == "" {
			name = contributor.Email
		}

		out.TopContributors = append(out.TopContributors, analysis.ContributorShare{Name: name, Commits: contributor.Commits})
	}

	if totalCommits > 0 && len(counts) > 0 {
		out.TopContributorSharePct = round(float64(counts[0])/float64(totalCommits)*100, 2)
	}

	return out
}

// BusFactor returns how many of the largest contributors, taken in the given
// order, account for at least half of all commits.
func BusFactor(commitCounts []int) int {
	total := 0
	for _, count := range commitCounts {
		total += count
	}

	if total <= 0 {
		return 0
	}

	running := 0

	for idx, count := range commitCounts {
		running += count
		if float64(running)/float64(total) >= busFactorShare {
			return idx + 1
		}
	}

	return len(commitCounts)
}

func commitBehavior(commits []analysis.Commit) analysis.CommitBehavior {
	sizes := make([]int, len(commits))
	for idx, commit := range commits {
		sizes[idx] = commit.Stats.Changes()
	}

	slices.Sort(sizes)

	out := analysis.CommitBehavior{
		MedianChangesPerCommit: round(Median(sizes), 2),
		P90ChangesPerCommit:    Percentile(sizes, p90Percentile),
		LargestCommits:         []analysis.CommitSize{},
	}

	bySize := slices.Clone(commits)
	slices.SortStableFunc(bySize, func(a, b analysis.Commit) int {
		return cmp.Compare(b.Stats.Changes(), a.Stats.Changes())
	})

	for _, commit := range bySize[:min(largestCommits, len(bySize))] {
		out.LargestCommits = append(out.LargestCommits, analysis.CommitSize{
			SHA:     truncate(commit.SHA, shortSHA),
			Author:  commit.AuthorName,
			Changes: commit.Stats.Changes(),
			Message: truncate(commit.Message, largestCommitMsgLen),
		})
	}

	return out
}

// Median returns the median of sorted values, or 0 when empty.
func Median(sorted []int) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}

	if n%2 == 1 {
		return float64(sorted[n/2])
	}

	return float64(sorted[n/2-1]+sorted[n/2]) / 2
}

// Percentile returns the nearest-rank-below percentile of sorted values.
func Percentile(sorted []int, percentile int) float64 {
	if len(sorted) == 0 {
		return 0
	}

	idx := percentile * (len(sorted) - 1) / 100

	return float64(sorted[idx])
}

func refactorSignals(commits []analysis.Commit) analysis.RefactorSignals {
	out := analysis.RefactorSignals{Examples: []analysis.CommitRef{}}

	for _, commit := range commits {
		message := strings.ToLower(commit.Message)
		if !slices.ContainsFunc(refactorKeywords, func(keyword string) bool { return strings.Contains(message, keyword) }) {
			continue
		}

		out.KeywordDetectedRefactors++

		if len(out.Examples) < refactorExamples {
			out.Examples = append(out.Examples, analysis.CommitRef{
				SHA:     truncate(commit.SHA, shortSHA),
				Author:  commit.AuthorName,
				Message: truncate(commit.Message, refactorMsgLen),
			})
		}
	}

	return out
}

func languageProfile(stats map[string]int) analysis.LanguageProfile {
	total := 0
	for _, count := range stats {
		total += count
	}

	out := analysis.LanguageProfile{
		Languages:              make([]analysis.LanguageShare, 0, len(stats)),
		LanguageDiversityIndex: ShannonDiversity(stats),
	}

	for language, count := range stats {
		share := 0.0
		if total > 0 {
			share = round(float64(count)/float64(total)*100, 2)
		}

		out.Languages = append(out.Languages, analysis.LanguageShare{Language: language, Files: count, SharePercent: share})
	}

	slices.SortFunc(out.Languages, func(a, b analysis.LanguageShare) int {
		if a.Files != b.Files {
			return cmp.Compare(b.Files, a.Files)
		}

		return cmp.Compare(a.Language, b.Language)
	})

	if len(out.Languages) > 0 {
		out.DominantLanguage = out.Languages[0].Language
	}

	return out
}

// ShannonDiversity returns the base-2 Shannon entropy of the language
// distribution, rounded to three decimals.
func ShannonDiversity(stats map[string]int) float64 {
	total := 0
	for _, count := range stats {
		total += count
	}

	if total <= 0 {
		return 0
	}

	keys := make([]string, 0, len(stats))
	for key := range stats {
		keys = append(keys, key)
	}

	slices.Sort(keys)

	entropy := 0.0

	for _, key := range keys {
		if stats[key] <= 0 {
			continue
		}

		p := float64(stats[key]) / float64(total)
		entropy -= p * math.Log2(p)
	}

	return round(entropy, 3)
}

func complexityProfile(cx *analysis.ComplexityOutput) analysis.ComplexityProfile {
	out := analysis.ComplexityProfile{
		FilesScanned: len(cx.Metrics),
		Hotspots:     []analysis.HotspotRef{},
	}

	sum := 0.0

	for _, metric := range cx.Metrics {
		sum += metric.CyclomaticComplexity

		if metric.CyclomaticComplexity >= highRiskComplexity {
			out.HighRiskFileCount++
		}
	}

	if len(cx.Metrics) > 0 {
		out.AvgCyclomaticComplexity = round(sum/float64(len(cx.Metrics)), 2)
	}

	for _, hotspot := range cx.Hotspots[:min(complexityHotspots, len(cx.Hotspots))] {
		out.Hotspots = append(out.Hotspots, analysis.HotspotRef{Path: hotspot.Path, CyclomaticComplexity: hotspot.CyclomaticComplexity})
	}

	return out
}

// flattenTree returns the files of the tree, the number of directories below
// the root and the maximum depth.
func flattenTree(root *analysis.FileNode) (files []*analysis.FileNode, directories, maxDepth int) {
	root.Walk(func(node *analysis.FileNode, depth int) {
		maxDepth = max(maxDepth, depth)

		switch node.Type {
		case analysis.NodeDirectory:
			directories++
		case analysis.NodeFile:
			files = append(files, node)
		}
	})

	return files, max(0, directories-1), maxDepth
}

func repositoryStructure(files []*analysis.FileNode, directories, depth int) analysis.RepositoryStructure {
	out := analysis.RepositoryStructure{
		TotalFiles:       len(files),
		TotalDirectories: directories,
		MaxDepth:         depth,
		LargestFiles:     []analysis.FileSize{},
		SizeDistribution: make([]analysis.SizeBucket, len(sizeBuckets)),
	}

	for idx, bucket := range sizeBuckets {
		out.SizeDistribution[idx].Bucket = bucket.label
	}

	for _, file := range files {
		out.TotalSizeBytes += file.Size

		for idx, bucket := range sizeBuckets {
			if file.Size < bucket.limit {
				out.SizeDistribution[idx].Files++

				break
			}
		}
	}

	bySize := slices.Clone(files)
	slices.SortStableFunc(bySize, func(a, b *analysis.FileNode) int {
		return cmp.Compare(b.Size, a.Size)
	})

	for _, file := range bySize[:min(largestFiles, len(bySize))] {
		out.LargestFiles = append(out.LargestFiles, analysis.FileSize{Path: file.Path, SizeBytes: file.Size})
	}

	return out
}

func engineeringSignals(files []*analysis.FileNode) analysis.EngineeringSignals {
	var out analysis.EngineeringSignals

	for _, file := range files {
		p := strings.ToLower(file.Path)

		if strings.Contains(p, "/test") || strings.HasPrefix(p, "test") || strings.Contains(p, "tests/") {
			out.HasTests = true
		}

		if strings.Contains(p, ".github/workflows/") || strings.Contains(p, ".gitlab-ci") || strings.Contains(p, "jenkinsfile") {
			out.HasCI = true
		}

		if strings.Contains(p, "dockerfile") || strings.Contains(p, "docker-compose") {
			out.HasDocker = true
		}

		if strings.HasPrefix(p, "docs/") || strings.HasSuffix(p, "readme.md") {
			out.HasDocs = true
		}

		ext := path.Ext(p)
		if ext == ".ipynb" {
			out.NotebookCount++
		}

		if slices.Contains(configExtensions, ext) {
			out.ConfigFileCount++
		}
	}

	return out
}

func riskFlags(commits, busFactor, highRisk int, signals analysis.EngineeringSignals) []analysis.RiskFlag {
	flags := []analysis.RiskFlag{}

	if busFactor <= 1 && commits > concentratedHistory {
		flags = append(flags, analysis.RiskFlag{Severity: SeverityHigh, Message: "High ownership concentration (bus factor <= 1)."})
	}

	if highRisk > manyHighRiskFiles {
		flags = append(flags, analysis.RiskFlag{Severity: SeverityHigh, Message: "Large number of high-complexity files detected."})
	}

	if !signals.HasTests {
		flags = append(flags, analysis.RiskFlag{Severity: SeverityMedium, Message: "No obvious test structure detected."})
	}

	if !signals.HasCI {
		flags = append(flags, analysis.RiskFlag{Severity: SeverityMedium, Message: "No CI workflow detected."})
	}

	if commits < minimalHistory {
		flags = append(flags, analysis.RiskFlag{Severity: SeverityLow, Message: "Limited commit history; behavior insights have low confidence."})
	}

	return flags
}

func insightQuality(commits, files, scanned int) analysis.InsightQuality {
	const (
		lowHistoryPenalty    = 25
		lowCoveragePenalty   = 20
		smallCodebasePenalty = 10
	)

	out := analysis.InsightQuality{ConfidenceScore: fullConfidence, Notes: []string{}}

	if commits < lowHistoryCommits {
		out.ConfidenceScore -= lowHistoryPenalty
		out.Notes = append(out.Notes, "Low commit history reduces behavior signal quality.")
	}

	if files > 0 && scanned < int(float64(files)*scanCoverageFraction) {
		out.ConfidenceScore -= lowCoveragePenalty
		out.Notes = append(out.Notes, "Complexity scan covered a limited subset of files.")
	}

	if files < smallCodebaseFiles {
		out.ConfidenceScore -= smallCodebasePenalty
		out.Notes = append(out.Notes, "Small codebase size limits structural signal richness.")
	}

	out.ConfidenceScore = max(0, out.ConfidenceScore)

	return out
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}

	return string(runes[:n])
}

func round(value float64, places int) float64 {
	scale := math.Pow(10, float64(places))

	return math.Round(value*scale) / scale
}
