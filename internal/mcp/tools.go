package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Sumatoshi-tech/codevoyage/pkg/analysis"
	"github.com/Sumatoshi-tech/codevoyage/pkg/complexity"
	"github.com/Sumatoshi-tech/codevoyage/pkg/jobs"
)

// Tool names.
const (
	ToolNameComplexity  = "complexity_analyze"
	ToolNameSubmit      = "codevoyage_submit"
	ToolNameStatus      = "codevoyage_status"
	ToolNameList        = "codevoyage_jobs"
	ToolNameTransitions = "codevoyage_transitions"
	ToolNameOutput      = "codevoyage_output"
	ToolNameCancel      = "codevoyage_cancel"
)

// Input limits.
const (
	// MaxCodeInputBytes is the maximum size of inline code (1 MB).
	MaxCodeInputBytes = 1 << 20
	// MaxListLimit caps codevoyage_jobs.
	MaxListLimit = 500

	defaultListLimit = 20
)

// Sentinel errors for tool input validation.
var (
	ErrEmptyCode     = errors.New("code parameter is required and must not be empty")
	ErrEmptyLanguage = errors.New("language parameter is required and must not be empty")
	ErrCodeTooLarge  = errors.New("code input exceeds maximum size")
	ErrEmptyJobID    = errors.New("job_id parameter is required and must not be empty")
	ErrInvalidStatus = errors.New("invalid status filter")
	ErrInvalidLimit  = errors.New("limit must be between 0 and 500")
)

// ComplexityInput is the input of complexity_analyze.
type ComplexityInput struct {
	Code     string `json:"code"     jsonschema:"source code to measure"`
	Language string `json:"language" jsonschema:"file extension of the language (e.g. go py js ts java)"`
}

// SubmitInput is the input of codevoyage_submit.
type SubmitInput struct {
	URL          string `json:"url"                     jsonschema:"http(s) or file URL of the git repository"`
	RepositoryID string `json:"repository_id,omitempty" jsonschema:"optional caller-chosen repository identifier"`
}

// JobInput names a job.
type JobInput struct {
	JobID string `json:"job_id" jsonschema:"identifier returned by codevoyage_submit"`
}

// ListInput is the input of codevoyage_jobs.
type ListInput struct {
	Status string `json:"status,omitempty" jsonschema:"only jobs in this status (pending running completed failed cancelled)"`
	Limit  int    `json:"limit,omitempty"  jsonschema:"maximum number of jobs (default 20)"`
}

// OutputInput is the input of codevoyage_output.
type OutputInput struct {
	JobID string `json:"job_id" jsonschema:"identifier returned by codevoyage_submit"`
	Stage string `json:"stage"  jsonschema:"extraction complexity insights or compilation"`
}

// ToolOutput is the structured output of every tool.
type ToolOutput struct {
	Data any `json:"data"`
}

// errorResult builds a CallToolResult with isError set.
func errorResult(err error) (*mcpsdk.CallToolResult, ToolOutput, error) {
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: err.Error()}},
		IsError: true,
	}, ToolOutput{}, nil
}

// jsonResult builds a CallToolResult with JSON-encoded content.
func jsonResult(value any) (*mcpsdk.CallToolResult, ToolOutput, error) {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return errorResult(fmt.Errorf("encode result: %w", err))
	}

	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(data)}},
	}, ToolOutput{Data: value}, nil
}

func validateCodeInput(code, language string) error {
	if code == "" {
		return ErrEmptyCode
	}

	if language == "" {
		return ErrEmptyLanguage
	}

	if len(code) > MaxCodeInputBytes {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrCodeTooLarge, len(code), MaxCodeInputBytes)
	}

	return nil
}

// syntheticFilename names inline code so the scanner picks its grammar.
func syntheticFilename(language string) string {
	return "snippet." + strings.TrimPrefix(strings.ToLower(language), ".")
}

func complexityHandler(scanner *complexity.Scanner) toolHandler[ComplexityInput] {
	return func(_ context.Context, _ *mcpsdk.CallToolRequest, input ComplexityInput) (*mcpsdk.CallToolResult, ToolOutput, error) {
		err := validateCodeInput(input.Code, input.Language)
		if err != nil {
			return errorResult(err)
		}

		metrics, err := scanner.AnalyzeFile(syntheticFilename(input.Language), []byte(input.Code))
		if err != nil {
			return errorResult(fmt.Errorf("measure code: %w", err))
		}

		return jsonResult(metrics)
	}
}

// jobTools implements the job tools on top of a Service.
type jobTools struct {
	svc Service
}

func (h jobTools) submit(ctx context.Context, _ *mcpsdk.CallToolRequest, input SubmitInput) (*mcpsdk.CallToolResult, ToolOutput, error) {
	job, err := h.svc.Submit(ctx, analysis.RepositoryRef{ID: input.RepositoryID, URL: input.URL})
	if err != nil {
		return errorResult(err)
	}

	return jsonResult(job)
}

func (h jobTools) status(ctx context.Context, _ *mcpsdk.CallToolRequest, input JobInput) (*mcpsdk.CallToolResult, ToolOutput, error) {
	if input.JobID == "" {
		return errorResult(ErrEmptyJobID)
	}

	job, err := h.svc.Job(ctx, input.JobID)
	if err != nil {
		return errorResult(err)
	}

	return jsonResult(job)
}

func (h jobTools) list(ctx context.Context, _ *mcpsdk.CallToolRequest, input ListInput) (*mcpsdk.CallToolResult, ToolOutput, error) {
	status := jobs.Status(input.Status)

	switch status {
	case "", jobs.StatusPending, jobs.StatusRunning, jobs.StatusCompleted, jobs.StatusFailed, jobs.StatusCancelled:
	default:
		return errorResult(fmt.Errorf("%w: %q", ErrInvalidStatus, input.Status))
	}

	if input.Limit < 0 || input.Limit > MaxListLimit {
		return errorResult(ErrInvalidLimit)
	}

	limit := input.Limit
	if limit == 0 {
		limit = defaultListLimit
	}

	list, err := h.svc.Jobs(ctx, jobs.ListFilter{Status: status, Limit: limit})
	if err != nil {
		return errorResult(err)
	}

	if list == nil {
		list = []jobs.Job{}
	}

	return jsonResult(list)
}

func (h jobTools) transitions(ctx context.Context, _ *mcpsdk.CallToolRequest, input JobInput) (*mcpsdk.CallToolResult, ToolOutput, error) {
	if input.JobID == "" {
		return errorResult(ErrEmptyJobID)
	}

	log, err := h.svc.Transitions(ctx, input.JobID)
	if err != nil {
		return errorResult(err)
	}

	return jsonResult(log)
}

func (h jobTools) output(ctx context.Context, _ *mcpsdk.CallToolRequest, input OutputInput) (*mcpsdk.CallToolResult, ToolOutput, error) {
	if input.JobID == "" {
		return errorResult(ErrEmptyJobID)
	}

	stage, err := analysis.ParseStage(input.Stage)
	if err != nil {
		return errorResult(err)
	}

	out, err := h.svc.Output(ctx, input.JobID, stage)
	if err != nil {
		return errorResult(err)
	}

	return jsonResult(out)
}

func (h jobTools) cancel(ctx context.Context, _ *mcpsdk.CallToolRequest, input JobInput) (*mcpsdk.CallToolResult, ToolOutput, error) {
	if input.JobID == "" {
		return errorResult(ErrEmptyJobID)
	}

	job, err := h.svc.Cancel(ctx, input.JobID)
	if err != nil {
		return errorResult(err)
	}

	return jsonResult(job)
}
