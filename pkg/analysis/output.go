package analysis

import "time"

// Output is the result of one stage. The set of implementations is closed:
// ExtractionOutput, ComplexityOutput, InsightOutput and CompiledReport.
type Output interface {
	// Stage returns the stage that produced the output.
	Stage() Stage
	// Fingerprint returns the cache key the output was computed for.
	Fingerprint() string

	sealed()
}

// NodeType distinguishes files from directories in a file tree.
type NodeType string

// File tree node types.
const (
	NodeFile      NodeType = "file"
	NodeDirectory NodeType = "directory"
)

// CommitStats holds the diff totals of a commit against its first parent.
type CommitStats struct {
	Files      int `json:"files"`
	Insertions int `json:"insertions"`
	Deletions  int `json:"deletions"`
}

// Changes returns insertions plus deletions.
func (s CommitStats) Changes() int {
	return s.Insertions + s.Deletions
}

// Commit is one extracted commit.
type Commit struct {
	SHA         string      `json:"sha"`
	Message     string      `json:"message"`
	AuthorName  string      `json:"author_name"`
	AuthorEmail string      `json:"author_email"`
	CommittedAt time.Time   `json:"committed_at"`
	Stats       CommitStats `json:"stats"`
}

// Contributor aggregates commits by author email.
type Contributor struct {
	Name        string    `json:"name"`
	Email       string    `json:"email"`
	Commits     int       `json:"commits"`
	FirstCommit time.Time `json:"first_commit"`
	LastCommit  time.Time `json:"last_commit"`
}

// FileNode is a node of the repository file tree at the analyzed ref.
type FileNode struct {
	Name     string      `json:"name"`
	Path     string      `json:"path"`
	Type     NodeType    `json:"type"`
	Size     int64       `json:"size,omitempty"`
	Children []*FileNode `json:"children,omitempty"`
}

// Walk visits n and all descendants depth-first. depth is 0 for n.
func (n *FileNode) Walk(visit func(node *FileNode, depth int)) {
	if n == nil {
		return
	}

	n.walk(visit, 0)
}

func (n *FileNode) walk(visit func(node *FileNode, depth int), depth int) {
	visit(n, depth)

	for _, child := range n.Children {
		child.walk(visit, depth+1)
	}
}

// ExtractionOutput is produced by the extraction stage.
type ExtractionOutput struct {
	Digest            string         `json:"fingerprint"`
	Head              string         `json:"head"`
	Commits           []Commit       `json:"commits"`
	Contributors      []Contributor  `json:"contributors"`
	FileTree          *FileNode      `json:"file_tree"`
	LanguageStats     map[string]int `json:"language_stats"`
	TotalCommits      int            `json:"total_commits"`
	TotalContributors int            `json:"total_contributors"`
}

// FileComplexity holds the complexity metrics of one source file.
type FileComplexity struct {
	Path                 string  `json:"path"`
	Filename             string  `json:"filename"`
	Extension            string  `json:"extension"`
	Language             string  `json:"language"`
	CyclomaticComplexity float64 `json:"cyclomatic_complexity"`
	MaxComplexity        int     `json:"max_complexity"`
	FunctionCount        int     `json:"function_count"`
	LinesOfCode          int     `json:"lines_of_code"`
	CommentLines         int     `json:"comment_lines"`
	BlankLines           int     `json:"blank_lines"`
	MaintainabilityIndex float64 `json:"maintainability_index"`
}

// ComplexityOutput is produced by the complexity stage.
type ComplexityOutput struct {
	Digest       string           `json:"fingerprint"`
	FilesScanned int              `json:"files_scanned"`
	Capped       bool             `json:"capped"`
	Metrics      []FileComplexity `json:"complexity_metrics"`
	Hotspots     []FileComplexity `json:"hotspots"`
}

// InsightOutput is produced by the insights stage.
type InsightOutput struct {
	Digest     string     `json:"fingerprint"`
	AIInsights AIInsights `json:"ai_insights"`
}

// ReportSummary holds the headline totals of a compiled report.
type ReportSummary struct {
	TotalCommits      int `json:"total_commits"`
	TotalContributors int `json:"total_contributors"`
	TotalFiles        int `json:"total_files"`
	FilesScanned      int `json:"files_scanned"`
	HotspotCount      int `json:"hotspot_count"`
}

// ReportSchemaVersion is the version of the compiled report layout.
const ReportSchemaVersion = 1

// CompiledReport is produced by the compilation stage and is the final job result.
type CompiledReport struct {
	Digest            string           `json:"fingerprint"`
	SchemaVersion     int              `json:"schema_version"`
	Repository        RepositoryRef    `json:"repository"`
	Head              string           `json:"head"`
	Summary           ReportSummary    `json:"summary"`
	FileTree          *FileNode        `json:"file_tree"`
	Contributors      []Contributor    `json:"contributors"`
	ComplexityMetrics []FileComplexity `json:"complexity_metrics"`
	Hotspots          []FileComplexity `json:"hotspots"`
	LanguageStats     map[string]int   `json:"language_stats"`
	AIInsights        AIInsights       `json:"ai_insights"`
}

// Stage implements Output.
func (*ExtractionOutput) Stage() Stage { return StageExtraction }

// Fingerprint implements Output.
func (o *ExtractionOutput) Fingerprint() string { return o.Digest }

func (*ExtractionOutput) sealed() {}

// Stage implements Output.
func (*ComplexityOutput) Stage() Stage { return StageComplexity }

// Fingerprint implements Output.
func (o *ComplexityOutput) Fingerprint() string { return o.Digest }

func (*ComplexityOutput) sealed() {}

// Stage implements Output.
func (*InsightOutput) Stage() Stage { return StageInsights }

// Fingerprint implements Output.
func (o *InsightOutput) Fingerprint() string { return o.Digest }

func (*InsightOutput) sealed() {}

// Stage implements Output.
func (*CompiledReport) Stage() Stage { return StageCompilation }

// Fingerprint implements Output.
func (o *CompiledReport) Fingerprint() string { return o.Digest }

func (*CompiledReport) sealed() {}

// Outputs collects the outputs of the stages completed so far for one job.
type Outputs struct {
	Extraction  *ExtractionOutput
	Complexity  *ComplexityOutput
	Insights    *InsightOutput
	Compilation *CompiledReport
}

// Set stores out in the slot of its stage.
func (o *Outputs) Set(out Output) {
	switch typed := out.(type) {
	case *ExtractionOutput:
		o.Extraction = typed
	case *ComplexityOutput:
		o.Complexity = typed
	case *InsightOutput:
		o.Insights = typed
	case *CompiledReport:
		o.Compilation = typed
	}
}

// Get returns the output of stage, or nil.
func (o *Outputs) Get(stage Stage) Output {
	switch stage {
	case StageExtraction:
		if o.Extraction != nil {
			return o.Extraction
		}
	case StageComplexity:
		if o.Complexity != nil {
			return o.Complexity
		}
	case StageInsights:
		if o.Insights != nil {
			return o.Insights
		}
	case StageCompilation:
		if o.Compilation != nil {
			return o.Compilation
		}
	}

	return nil
}
