package analysis

import "encoding/json"

// Reasons recorded when generated insights are not available.
const (
	ReasonDisabled         = "missing_or_disabled_api_key"
	ReasonGenerationFailed = "llm_generation_failed"
)

// AIInsights holds the insight section of a report. Deterministic insights are
// always present; Generated is the structured JSON returned by the insight
// generator when it is enabled and succeeded.
type AIInsights struct {
	Enabled       bool            `json:"enabled"`
	Reason        string          `json:"reason,omitempty"`
	Error         string          `json:"error,omitempty"`
	Model         string          `json:"model,omitempty"`
	Deterministic Insights        `json:"deterministic_insights"`
	Generated     json.RawMessage `json:"generated,omitempty"`
}

// Insights are derived from extraction and complexity outputs without any
// external service.
type Insights struct {
	Summary             InsightSummary      `json:"summary"`
	DevelopmentHabits   DevelopmentHabits   `json:"development_habits"`
	TeamDynamics        TeamDynamics        `json:"team_dynamics"`
	CommitBehavior      CommitBehavior      `json:"commit_behavior"`
	RefactorSignals     RefactorSignals     `json:"refactor_signals"`
	LanguageProfile     LanguageProfile     `json:"language_profile"`
	ComplexityProfile   ComplexityProfile   `json:"complexity_profile"`
	RepositoryStructure RepositoryStructure `json:"repository_structure"`
	EngineeringSignals  EngineeringSignals  `json:"engineering_signals"`
	RiskFlags           []RiskFlag          `json:"risk_flags"`
	InsightQuality      InsightQuality      `json:"insight_quality"`
	HealthScorecard     HealthScorecard     `json:"health_scorecard"`
}

// InsightSummary holds headline history totals.
type InsightSummary struct {
	TotalCommitsAnalyzed int     `json:"total_commits_analyzed"`
	TotalContributors    int     `json:"total_contributors"`
	TotalCodeChanges     int     `json:"total_code_changes"`
	AvgChangesPerCommit  float64 `json:"avg_changes_per_commit"`
}

// HourCount is a commit count for an hour of day.
type HourCount struct {
	Hour    int `json:"hour"`
	Commits int `json:"commits"`
}

// DayCount is a commit count for a weekday.
type DayCount struct {
	Day     string `json:"day"`
	Commits int    `json:"commits"`
}

// DevelopmentHabits describes when commits happen.
type DevelopmentHabits struct {
	NightCommitRatio   float64     `json:"night_commit_ratio"`
	MostActiveHours    []HourCount `json:"most_active_hours"`
	MostActiveWeekdays []DayCount  `json:"most_active_weekdays"`
}

// ContributorShare is a contributor with their commit count.
type ContributorShare struct {
	Name    string `json:"name"`
	Commits int    `json:"commits"`
}

// TeamDynamics describes ownership concentration.
type TeamDynamics struct {
	TopContributors        []ContributorShare `json:"top_contributors"`
	BusFactor50Percent     int                `json:"bus_factor_50_percent"`
	TopContributorSharePct float64            `json:"top_contributor_commit_share_percent"`
}

// CommitSize describes one large commit.
type CommitSize struct {
	SHA     string `json:"sha"`
	Author  string `json:"author"`
	Changes int    `json:"changes"`
	Message string `json:"message"`
}

// CommitBehavior describes commit size distribution.
type CommitBehavior struct {
	MedianChangesPerCommit float64      `json:"median_changes_per_commit"`
	P90ChangesPerCommit    float64      `json:"p90_changes_per_commit"`
	LargestCommits         []CommitSize `json:"largest_commits"`
}

// CommitRef is a short commit reference used as an example.
type CommitRef struct {
	SHA     string `json:"sha"`
	Author  string `json:"author"`
	Message string `json:"message"`
}

// RefactorSignals counts commits whose messages mention refactoring work.
type RefactorSignals struct {
	KeywordDetectedRefactors int         `json:"keyword_detected_refactors"`
	Examples                 []CommitRef `json:"examples"`
}

// LanguageShare is a language with its file count and share.
type LanguageShare struct {
	Language     string  `json:"language"`
	Files        int     `json:"files"`
	SharePercent float64 `json:"share_percent"`
}

// LanguageProfile ranks languages by file count.
type LanguageProfile struct {
	Languages              []LanguageShare `json:"languages"`
	DominantLanguage       string          `json:"dominant_language,omitempty"`
	LanguageDiversityIndex float64         `json:"language_diversity_index"`
}

// HotspotRef is a hotspot path with its complexity.
type HotspotRef struct {
	Path                 string  `json:"path"`
	CyclomaticComplexity float64 `json:"cyclomatic_complexity"`
}

// ComplexityProfile summarizes the complexity scan.
type ComplexityProfile struct {
	FilesScanned            int          `json:"files_scanned"`
	AvgCyclomaticComplexity float64      `json:"avg_cyclomatic_complexity"`
	HighRiskFileCount       int          `json:"high_risk_file_count"`
	Hotspots                []HotspotRef `json:"hotspots"`
}

// FileSize is a path with its size in bytes.
type FileSize struct {
	Path      string `json:"path"`
	SizeBytes int64  `json:"size_bytes"`
}

// SizeBucket counts files within a size range.
type SizeBucket struct {
	Bucket string `json:"bucket"`
	Files  int    `json:"files"`
}

// RepositoryStructure summarizes the file tree.
type RepositoryStructure struct {
	TotalFiles       int          `json:"total_files"`
	TotalDirectories int          `json:"total_directories"`
	MaxDepth         int          `json:"max_depth"`
	TotalSizeBytes   int64        `json:"total_size_bytes"`
	LargestFiles     []FileSize   `json:"largest_files"`
	SizeDistribution []SizeBucket `json:"size_distribution"`
}

// EngineeringSignals flags common project hygiene markers found in the tree.
type EngineeringSignals struct {
	HasTests        bool `json:"has_tests"`
	HasCI           bool `json:"has_ci"`
	HasDocker       bool `json:"has_docker"`
	HasDocs         bool `json:"has_docs"`
	NotebookCount   int  `json:"notebook_count"`
	ConfigFileCount int  `json:"config_file_count"`
}

// RiskFlag is a finding with a severity of high, medium or low.
type RiskFlag struct {
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// InsightQuality estimates how much the insights can be trusted.
type InsightQuality struct {
	ConfidenceScore int      `json:"confidence_score"`
	Notes           []string `json:"notes"`
}

// HealthDimensions are the scored components of the health scorecard.
type HealthDimensions struct {
	OwnershipResilience int `json:"ownership_resilience"`
	DeliveryReliability int `json:"delivery_reliability"`
	ComplexityHealth    int `json:"complexity_health"`
	AnalysisCoverage    int `json:"analysis_coverage"`
	EngineeringVelocity int `json:"engineering_velocity"`
	ArchitectureBalance int `json:"architecture_balance"`
}

// HealthScorecard is a weighted summary of repository health.
type HealthScorecard struct {
	OverallScore float64          `json:"overall_score"`
	Dimensions   HealthDimensions `json:"dimensions"`
}
