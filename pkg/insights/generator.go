package insights

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/Sumatoshi-tech/codevoyage/pkg/analysis"
)

// Generator defaults.
const (
	DefaultModel     = "gpt-4o-mini"
	DefaultMaxTokens = 2000
	DefaultTimeout   = 60 * time.Second

	payloadCommits = 50
	systemPrompt   = "You are an expert code analyst."
)

// Sentinel errors for insight generation.
var (
	ErrMissingAPIKey   = errors.New("insight generator api key is not configured")
	ErrEmptyResponse   = errors.New("insight generator returned no choices")
	ErrInvalidResponse = errors.New("insight generator returned invalid json")
)

// Generator turns a repository summary into structured insights.
type Generator interface {
	// Model names the model behind the generator.
	Model() string
	// Generate returns a JSON object with the generated insights.
	Generate(ctx context.Context, payload Payload) (json.RawMessage, error)
}

// CommitDigest is a commit as sent to the generator.
type CommitDigest struct {
	SHA     string `json:"sha"`
	Author  string `json:"author"`
	Message string `json:"message"`
	Changes int    `json:"changes"`
}

// Payload is the repository summary handed to a Generator.
type Payload struct {
	Repository    string                      `json:"repository"`
	RecentCommits []CommitDigest              `json:"recent_commits"`
	Contributors  []analysis.ContributorShare `json:"top_contributors"`
	Languages     []analysis.LanguageShare    `json:"languages"`
	Hotspots      []analysis.HotspotRef       `json:"hotspots"`
	Insights      analysis.Insights           `json:"deterministic_insights"`
}

// NewPayload assembles the generator input from the stage outputs.
func NewPayload(repo analysis.RepositoryRef, ext *analysis.ExtractionOutput, deterministic analysis.Insights) Payload {
	payload := Payload{
		Repository:    repo.DisplayName(),
		RecentCommits: []CommitDigest{},
		Contributors:  deterministic.TeamDynamics.TopContributors,
		Languages:     deterministic.LanguageProfile.Languages,
		Hotspots:      deterministic.ComplexityProfile.Hotspots,
		Insights:      deterministic,
	}

	if ext == nil {
		return payload
	}

	for _, commit := range ext.Commits[:min(payloadCommits, len(ext.Commits))] {
		payload.RecentCommits = append(payload.RecentCommits, CommitDigest{
			SHA:     truncate(commit.SHA, shortSHA),
			Author:  commit.AuthorName,
			Message: truncate(commit.Message, largestCommitMsgLen),
			Changes: commit.Stats.Changes(),
		})
	}

	return payload
}

// OpenAIConfig configures the OpenAI-compatible generator.
type OpenAIConfig struct {
	APIKey    string        `mapstructure:"api_key"`
	Model     string        `mapstructure:"model"`
	BaseURL   string        `mapstructure:"base_url"`
	MaxTokens int           `mapstructure:"max_tokens"`
	Timeout   time.Duration `mapstructure:"timeout"`
	Logger    *slog.Logger  `mapstructure:"-"`
}

// OpenAIGenerator calls an OpenAI-compatible chat completion endpoint.
type OpenAIGenerator struct {
	client    *openai.Client
	model     string
	maxTokens int
	logger    *slog.Logger
}

// NewOpenAIGenerator creates a generator. It fails when no API key is set.
func NewOpenAIGenerator(cfg OpenAIConfig) (*OpenAIGenerator, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrMissingAPIKey
	}

	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}

	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	clientCfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}

	return &OpenAIGenerator{
		client:    openai.NewClientWithConfig(clientCfg),
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		logger:    cfg.Logger,
	}, nil
}

// Model implements Generator.
func (g *OpenAIGenerator) Model() string {
	return g.model
}

// Generate implements Generator.
func (g *OpenAIGenerator) Generate(ctx context.Context, payload Payload) (json.RawMessage, error) {
	summary, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode insight payload: %w", err)
	}

	req := openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: buildPrompt(summary)},
		},
		MaxCompletionTokens: g.maxTokens,
		ResponseFormat:      &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	}

	g.logger.DebugContext(ctx, "generating insights", "model", g.model, "repository", payload.Repository)

	resp, err := g.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("create chat completion: %w", err)
	}

	if len(resp.Choices) == 0 {
		return nil, ErrEmptyResponse
	}

	return parseObject(resp.Choices[0].Message.Content)
}

func buildPrompt(summary []byte) string {
	var b strings.Builder

	b.WriteString("Analyze this codebase and identify key coding patterns and team dynamics:\n\n")
	b.Write(summary)
	b.WriteString("\n\nProvide insights on:\n")
	b.WriteString("1. Common coding patterns and practices\n")
	b.WriteString("2. Code organization approach\n")
	b.WriteString("3. Technology stack evolution\n")
	b.WriteString("4. Development workflow patterns\n")
	b.WriteString("5. Notable refactoring events\n")
	b.WriteString("6. Team structure, work distribution and knowledge silos\n\n")
	b.WriteString("Return response as JSON with keys: patterns, practices, evolution, workflow, refactorings, team")

	return b.String()
}

// parseObject accepts a JSON object, optionally wrapped in a markdown code fence.
func parseObject(content string) (json.RawMessage, error) {
	trimmed := strings.TrimSpace(content)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	if !strings.HasPrefix(trimmed, "{") || !json.Valid([]byte(trimmed)) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidResponse, truncate(content, refactorMsgLen))
	}

	var compact bytes.Buffer

	err := json.Compact(&compact, []byte(trimmed))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	}

	return json.RawMessage(compact.Bytes()), nil
}
