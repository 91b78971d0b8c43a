// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package analyzers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/Hardonian/ReadyLayer-sub001/services/review/datatypes"
)

const (
	// defaultAIModel is used when OPENAI_MODEL is not set.
	defaultAIModel = "gpt-4o-mini"

	// openAISecretPath is checked when OPENAI_API_KEY is absent from the
	// environment. Containers mount the key there.
	openAISecretPath = "/run/secrets/openai_api_key"

	// maxPromptContentBytes caps how much of a file is sent for review.
	// Anything past the cap is cut at the last full line.
	maxPromptContentBytes = 48 * 1024
)

// chatCompleter is the slice of the OpenAI client the reviewer needs.
// *openai.Client satisfies it; tests substitute a canned implementation.
type chatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// AIConfig controls the AI reviewer.
type AIConfig struct {
	// Model names the chat model. Empty falls back to OPENAI_MODEL, then
	// to defaultAIModel.
	Model string

	// APIKey overrides the environment and secret lookup. Leave empty in
	// production.
	APIKey string

	// RequestsPerMinute throttles calls across all files of a review.
	// Zero means 30.
	RequestsPerMinute int

	// MaxFindingsPerFile drops the tail of oversized responses. Zero
	// means 50.
	MaxFindingsPerFile int
}

// DefaultAIConfig returns the production settings.
func DefaultAIConfig() AIConfig {
	return AIConfig{
		Model:              os.Getenv("OPENAI_MODEL"),
		RequestsPerMinute:  30,
		MaxFindingsPerFile: 50,
	}
}

// AIReviewer asks a chat model for findings on a single file and converts
// the response into validated datatypes.Finding values.
//
// Thread Safety: safe for concurrent use. The rate limiter serializes the
// request budget; everything else is immutable after construction.
type AIReviewer struct {
	client      chatCompleter
	model       string
	limiter     *rate.Limiter
	maxFindings int
	logger      *slog.Logger
}

// NewAIReviewer builds a reviewer backed by the OpenAI API.
//
// Description:
//
//	Resolves the API key from cfg, then OPENAI_API_KEY, then the mounted
//	secret file. Construction fails when no key can be found so a
//	misconfigured deployment surfaces at startup, not mid-review.
//
// Inputs:
//
//	cfg - reviewer settings; zero values fall back to defaults.
//
// Outputs:
//
//	*AIReviewer - ready to use.
//	error - when no API key is available.
func NewAIReviewer(cfg AIConfig) (*AIReviewer, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		keyBytes, err := os.ReadFile(openAISecretPath)
		if err == nil {
			apiKey = strings.TrimSpace(string(keyBytes))
			slog.Info("Read the OpenAI API key from the mounted secret")
		} else {
			slog.Error("OPENAI_API_KEY environment variable not set and secret not found", "path", openAISecretPath)
			return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
		}
	}
	model := cfg.Model
	if model == "" {
		model = os.Getenv("OPENAI_MODEL")
	}
	if model == "" {
		model = defaultAIModel
		slog.Warn("OPENAI_MODEL not set, defaulting to "+defaultAIModel, "model", model)
	}
	slog.Info("Initializing AI reviewer", "model", model)
	return newAIReviewer(openai.NewClient(apiKey), model, cfg), nil
}

// newAIReviewer wires an explicit client. Tests enter here.
func newAIReviewer(client chatCompleter, model string, cfg AIConfig) *AIReviewer {
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = 30
	}
	maxFindings := cfg.MaxFindingsPerFile
	if maxFindings <= 0 {
		maxFindings = 50
	}
	return &AIReviewer{
		client:      client,
		model:       model,
		limiter:     rate.NewLimiter(rate.Every(time.Minute/time.Duration(rpm)), 1),
		maxFindings: maxFindings,
		logger:      slog.Default().With("component", "ai_reviewer"),
	}
}

// Name identifies the reviewer in evidence bundles.
func (a *AIReviewer) Name() string { return "ai-review" }

// Version reports the model, which is what actually changes behavior.
func (a *AIReviewer) Version() string { return a.model }

const aiSystemPrompt = `You are a strict code reviewer. You receive one source file and respond with a JSON array of findings, nothing else. Each finding is an object with fields:
  "ruleId": short kebab-case identifier prefixed with "ai." (e.g. "ai.sql-injection")
  "severity": one of "critical", "high", "medium", "low"
  "line": 1-based line number in the file
  "column": 1-based column, or 0 when unknown
  "message": one sentence describing the problem
  "fix": one sentence describing the remediation, or ""
  "confidence": number between 0 and 1
Report only real defects: security flaws, data loss, broken error handling, race conditions. Do not report style. Respond with [] when the file is clean.`

// Analyze reviews one file and returns validated findings.
//
// Description:
//
//	Waits on the shared rate limiter, sends the file to the chat model,
//	and parses the JSON array out of the response. Every finding is
//	normalized (severity case, file path) and then validated; a single
//	malformed finding fails the whole call because a partially parsed
//	review must not be mistaken for a clean one.
//
// Inputs:
//
//	ctx - cancels the limiter wait and the API call.
//	path - repo-relative file path, stamped onto every finding.
//	content - file content to review.
//	repoCtx - repository coordinates, framed into the prompt.
//
// Outputs:
//
//	[]datatypes.Finding - validated findings, possibly empty.
//	error - API, quota, or parse failure. Quota failures carry a
//	*datatypes.UsageError reachable via errors.As.
func (a *AIReviewer) Analyze(ctx context.Context, path string, content []byte, repoCtx datatypes.RepoContext) ([]datatypes.Finding, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait: %w", err)
	}

	req := openai.ChatCompletionRequest{
		Model:       a.model,
		Temperature: 0.1,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: aiSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: buildReviewPrompt(path, content, repoCtx)},
		},
	}

	resp, err := a.client.CreateChatCompletion(ctx, req)
	if err != nil {
		if usage := classifyUsageError(err); usage != nil {
			a.logger.Warn("OpenAI quota failure", "kind", usage.Kind, "path", path)
			return nil, usage
		}
		a.logger.Error("OpenAI API call failed", "error", err, "path", path)
		return nil, fmt.Errorf("OpenAI API call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		a.logger.Warn("OpenAI returned no choices", "path", path)
		return nil, fmt.Errorf("OpenAI returned no choices")
	}

	findings, err := a.parseFindings(resp.Choices[0].Message.Content, path)
	if err != nil {
		return nil, err
	}
	a.logger.Debug("AI review finished", "path", path, "findings", len(findings))
	return findings, nil
}

// aiFinding mirrors the JSON shape the prompt demands.
type aiFinding struct {
	RuleID     string  `json:"ruleId"`
	Severity   string  `json:"severity"`
	Line       int     `json:"line"`
	Column     int     `json:"column"`
	Message    string  `json:"message"`
	Fix        string  `json:"fix"`
	Confidence float64 `json:"confidence"`
}

func (a *AIReviewer) parseFindings(raw, path string) ([]datatypes.Finding, error) {
	payload, ok := extractJSONArray(raw)
	if !ok {
		return nil, fmt.Errorf("no JSON array in model response")
	}
	var parsed []aiFinding
	if err := json.Unmarshal([]byte(payload), &parsed); err != nil {
		return nil, fmt.Errorf("decode model response: %w", err)
	}
	if len(parsed) > a.maxFindings {
		a.logger.Warn("Truncating oversized AI response", "path", path, "got", len(parsed), "kept", a.maxFindings)
		parsed = parsed[:a.maxFindings]
	}

	findings := make([]datatypes.Finding, 0, len(parsed))
	for _, f := range parsed {
		sev, ok := datatypes.ParseSeverity(f.Severity)
		if !ok {
			return nil, fmt.Errorf("model finding %q: unknown severity %q", f.RuleID, f.Severity)
		}
		findings = append(findings, datatypes.Finding{
			RuleID:     f.RuleID,
			Severity:   sev,
			File:       path,
			Line:       f.Line,
			Column:     f.Column,
			Message:    f.Message,
			Fix:        f.Fix,
			Confidence: f.Confidence,
		})
	}
	if err := datatypes.ValidateFindings(findings); err != nil {
		return nil, fmt.Errorf("model response rejected: %w", err)
	}
	return findings, nil
}

// buildReviewPrompt frames the file for the model. Oversized content is cut
// at the last full line inside the cap.
func buildReviewPrompt(path string, content []byte, repoCtx datatypes.RepoContext) string {
	truncated := false
	if len(content) > maxPromptContentBytes {
		cut := bytes.LastIndexByte(content[:maxPromptContentBytes], '\n')
		if cut <= 0 {
			cut = maxPromptContentBytes
		}
		content = content[:cut]
		truncated = true
	}
	var b strings.Builder
	if repoCtx.RepoID != "" {
		b.WriteString("Repository: ")
		b.WriteString(repoCtx.RepoID)
		if repoCtx.Branch != "" {
			b.WriteString(" (branch ")
			b.WriteString(repoCtx.Branch)
			b.WriteString(")")
		}
		b.WriteString("\n")
	}
	b.WriteString("File: ")
	b.WriteString(path)
	if truncated {
		b.WriteString(" (truncated)")
	}
	b.WriteString("\n```\n")
	b.Write(content)
	b.WriteString("\n```\n")
	return b.String()
}

// extractJSONArray pulls the outermost [...] out of a response that may be
// wrapped in prose or a markdown fence.
func extractJSONArray(s string) (string, bool) {
	start := strings.IndexByte(s, '[')
	end := strings.LastIndexByte(s, ']')
	if start < 0 || end < start {
		return "", false
	}
	return s[start : end+1], true
}

// classifyUsageError maps provider quota failures onto *datatypes.UsageError
// so the pipeline can report them without re-running anything. Returns nil
// for errors that are not quota related.
func classifyUsageError(err error) *datatypes.UsageError {
	var apiErr *openai.APIError
	if !errors.As(err, &apiErr) {
		return nil
	}
	msg := strings.ToLower(apiErr.Message)
	switch {
	case strings.Contains(msg, "quota") || strings.Contains(msg, "billing"):
		return datatypes.NewUsageError(datatypes.UsageBudgetExhausted, "openai", apiErr.Message)
	case apiErr.HTTPStatusCode == 429:
		usage := datatypes.NewUsageError(datatypes.UsageRateLimited, "openai", apiErr.Message)
		usage.RetryAfter = time.Minute
		return usage
	case apiErr.HTTPStatusCode == 402:
		return datatypes.NewUsageError(datatypes.UsageBudgetExhausted, "openai", apiErr.Message)
	default:
		return nil
	}
}
