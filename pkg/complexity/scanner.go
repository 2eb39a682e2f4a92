// Package complexity measures cyclomatic complexity, size and maintainability
// of source files using tree-sitter grammars.
package complexity

import (
	"bytes"
	"cmp"
	"context"
	"errors"
	"fmt"
	"math"
	"path"
	"slices"
	"strings"
	"sync"

	sitter "github.com/alexaandru/go-tree-sitter-bare"
	"github.com/src-d/enry/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Sumatoshi-tech/codevoyage/pkg/analysis"
)

// Defaults.
const (
	DefaultMaxFiles     = 2000
	DefaultHotspotCount = 20
	DefaultMaxFileBytes = 1 << 20
)

// fileSpanName is the per-file span, dropped unless verbose tracing is on.
const fileSpanName = "codevoyage.complexity.file"

var tracer = otel.Tracer("codevoyage.complexity")

// Maintainability index coefficients.
const (
	miBase       = 171.0
	miVolume     = 5.2
	miComplexity = 0.23
	miLines      = 16.2
	miMax        = 100.0
)

// ErrUnsupported is returned by AnalyzeFile for files the scanner does not measure.
var ErrUnsupported = errors.New("unsupported file")

// skippedDirs are never descended into.
var skippedDirs = map[string]struct{}{
	".git": {}, "node_modules": {}, "__pycache__": {}, "venv": {}, "env": {},
}

// Config configures a Scanner.
type Config struct {
	// MaxFiles caps the number of candidate files scanned.
	MaxFiles int `mapstructure:"max_files_for_complexity"`
	// HotspotCount is the number of most complex files reported as hotspots.
	HotspotCount int `mapstructure:"hotspot_count"`
	// MaxFileBytes skips larger files, which are almost always generated.
	MaxFileBytes int64 `mapstructure:"max_file_bytes"`
}

// DefaultConfig returns the default scanner settings.
func DefaultConfig() Config {
	return Config{
		MaxFiles:     DefaultMaxFiles,
		HotspotCount: DefaultHotspotCount,
		MaxFileBytes: DefaultMaxFileBytes,
	}
}

// File is a scan candidate.
type File struct {
	Path string
	Size int64
}

// ReadFunc loads the content of a candidate.
type ReadFunc func(ctx context.Context, file File) ([]byte, error)

// ProgressFunc is called after each scanned file. Returning an error stops the scan.
type ProgressFunc func(done, total int) error

// Result is the outcome of a scan.
type Result struct {
	Metrics      []analysis.FileComplexity
	Hotspots     []analysis.FileComplexity
	FilesScanned int
	Capped       bool
}

// Scanner measures files. It is safe for concurrent use.
type Scanner struct {
	cfg   Config
	pools sync.Map // grammar name -> *sync.Pool of *sitter.Parser
}

// NewScanner creates a Scanner.
func NewScanner(cfg Config) *Scanner {
	if cfg.MaxFiles <= 0 {
		cfg.MaxFiles = DefaultMaxFiles
	}

	if cfg.HotspotCount <= 0 {
		cfg.HotspotCount = DefaultHotspotCount
	}

	if cfg.MaxFileBytes <= 0 {
		cfg.MaxFileBytes = DefaultMaxFileBytes
	}

	return &Scanner{cfg: cfg}
}

// Candidates filters files down to supported, non-vendored sources outside
// skipped directories, keeping input order, and caps the list at MaxFiles.
func (s *Scanner) Candidates(files []File) ([]File, bool) {
	out := make([]File, 0, min(len(files), s.cfg.MaxFiles))

	for _, file := range files {
		if !s.eligible(file) {
			continue
		}

		if len(out) >= s.cfg.MaxFiles {
			return out, true
		}

		out = append(out, file)
	}

	return out, false
}

func (s *Scanner) eligible(file File) bool {
	if file.Size > s.cfg.MaxFileBytes {
		return false
	}

	if _, ok := extensionGrammars[path.Ext(file.Path)]; !ok {
		return false
	}

	for _, part := range strings.Split(path.Dir(file.Path), "/") {
		if _, skip := skippedDirs[part]; skip {
			return false
		}
	}

	return !enry.IsVendor(file.Path)
}

// Scan measures every candidate. Files that cannot be read or parsed are
// skipped; a read error caused by ctx ending, or a progress error, stops the scan.
func (s *Scanner) Scan(ctx context.Context, files []File, read ReadFunc, progress ProgressFunc) (*Result, error) {
	candidates, capped := s.Candidates(files)

	result := &Result{
		Metrics: make([]analysis.FileComplexity, 0, len(candidates)),
		Capped:  capped,
	}

	for idx, file := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("complexity scan: %w", err)
		}

		content, err := read(ctx, file)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("complexity scan: %w", ctxErr)
			}

			continue
		}

		result.FilesScanned++

		_, span := tracer.Start(ctx, fileSpanName, trace.WithAttributes(
			attribute.String("complexity.path", file.Path),
			attribute.Int("complexity.bytes", len(content)),
		))

		metrics, err := s.AnalyzeFile(file.Path, content)
		if err == nil {
			result.Metrics = append(result.Metrics, metrics)
		} else {
			span.RecordError(err)
		}

		span.End()

		if progress != nil {
			progressErr := progress(idx+1, len(candidates))
			if progressErr != nil {
				return nil, progressErr
			}
		}
	}

	result.Hotspots = Hotspots(result.Metrics, s.cfg.HotspotCount)

	return result, nil
}

// Hotspots returns the n files with the highest cyclomatic complexity,
// ties broken by path.
func Hotspots(metrics []analysis.FileComplexity, n int) []analysis.FileComplexity {
	sorted := slices.Clone(metrics)
	slices.SortStableFunc(sorted, func(a, b analysis.FileComplexity) int {
		if c := cmp.Compare(b.CyclomaticComplexity, a.CyclomaticComplexity); c != 0 {
			return c
		}

		return cmp.Compare(a.Path, b.Path)
	})

	if len(sorted) > n {
		sorted = sorted[:n]
	}

	return sorted
}

// AnalyzeFile measures one file.
func (s *Scanner) AnalyzeFile(filePath string, content []byte) (analysis.FileComplexity, error) {
	ext := path.Ext(filePath)

	g, ok := grammars[extensionGrammars[ext]]
	if !ok || enry.IsBinary(content) {
		return analysis.FileComplexity{}, fmt.Errorf("%w: %s", ErrUnsupported, filePath)
	}

	parser, release, err := s.parser(g)
	if err != nil {
		return analysis.FileComplexity{}, err
	}
	defer release()

	tree, err := parser.ParseString(context.Background(), nil, content)
	if err != nil {
		return analysis.FileComplexity{}, fmt.Errorf("parse %s: %w", filePath, err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.IsNull() {
		return analysis.FileComplexity{}, fmt.Errorf("parse %s: empty tree", filePath)
	}

	v := newVisitor(g)
	v.walk(root)

	lines := countLines(content, v.commentLines)

	avg := 0.0
	if len(v.functions) > 0 {
		total := 0
		for _, fn := range v.functions {
			total += fn
		}

		avg = float64(total) / float64(len(v.functions))
	}

	language := enry.GetLanguage(path.Base(filePath), content)
	if language == "" {
		language = g.name
	}

	return analysis.FileComplexity{
		Path:                 filePath,
		Filename:             path.Base(filePath),
		Extension:            ext,
		Language:             language,
		CyclomaticComplexity: round2(avg),
		MaxComplexity:        slices.Max(append([]int{0}, v.functions...)),
		FunctionCount:        len(v.functions),
		LinesOfCode:          lines.code,
		CommentLines:         lines.comment,
		BlankLines:           lines.blank,
		MaintainabilityIndex: round2(maintainability(lines, avg)),
	}, nil
}

func (s *Scanner) parser(g *grammar) (*sitter.Parser, func(), error) {
	lang := languageFor(g)
	if lang == nil {
		return nil, nil, fmt.Errorf("%w: grammar %s unavailable", ErrUnsupported, g.name)
	}

	poolAny, _ := s.pools.LoadOrStore(g.name, &sync.Pool{
		New: func() any {
			p := sitter.NewParser()
			p.SetLanguage(lang)

			return p
		},
	})

	pool, ok := poolAny.(*sync.Pool)
	if !ok {
		return nil, nil, fmt.Errorf("parser pool for %s has type %T", g.name, poolAny)
	}

	parser, ok := pool.Get().(*sitter.Parser)
	if !ok {
		return nil, nil, fmt.Errorf("parser pool for %s returned a non-parser", g.name)
	}

	return parser, func() { pool.Put(parser) }, nil
}

type lineCounts struct {
	total   int
	code    int
	comment int
	blank   int
}

// countLines classifies each line as blank, comment-only or code.
func countLines(content []byte, commentLines map[uint]bool) lineCounts {
	var counts lineCounts

	if len(content) == 0 {
		return counts
	}

	text := bytes.TrimSuffix(content, []byte("\n"))

	for idx, line := range bytes.Split(text, []byte("\n")) {
		counts.total++

		switch {
		case len(bytes.TrimSpace(line)) == 0:
			counts.blank++
		case commentLines[uint(idx)]:
			counts.comment++
		default:
			counts.code++
		}
	}

	return counts
}

// maintainability is 171 - 5.2 ln(V+1) - 0.23 G - 16.2 ln(LOC+1) clamped to
// [0, 100], with V approximated from logical lines.
func maintainability(lines lineCounts, complexity float64) float64 {
	logical := float64(lines.code)
	volume := logical * math.Log(logical+1)
	mi := miBase - miVolume*math.Log(volume+1) - miComplexity*complexity - miLines*math.Log(float64(lines.total)+1)

	return max(0, min(miMax, mi))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
