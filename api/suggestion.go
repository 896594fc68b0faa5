package api

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/nexuspro/canvas/internal/config"
)

// Suggester is the inference collaborator consumed by the suggestion
// trigger. Implementations must respect the context deadline; a failed or
// empty result abandons the suggestion, it never affects the originating
// mutation.
type Suggester interface {
	Suggest(ctx context.Context, task SuggestionTask) (string, error)
}

// SuggestionTask describes one inference request
type SuggestionTask struct {
	// Kind distinguishes code review, voice command, and free-form requests
	Kind SuggestionKind
	// Prompt is the sanitized user content driving the request
	Prompt string
	// SessionID is attached for logging only
	SessionID string
}

// SuggestionKind selects the prompt template for a task
type SuggestionKind string

const (
	SuggestionKindCodeReview SuggestionKind = "code_review"
	SuggestionKindVoice      SuggestionKind = "voice_command"
	SuggestionKindRequest    SuggestionKind = "ai_request"
)

// agentForKind returns the reserved agent identity that authors the
// synthesized element for a task kind
func agentForKind(kind SuggestionKind) string {
	if kind == SuggestionKindCodeReview {
		return AgentReviewer
	}
	return AgentAssistant
}

// LLMSuggester calls a langchaingo chat model
type LLMSuggester struct {
	model   llms.Model
	timeout time.Duration
}

// NewLLMSuggester builds a suggester from the AI configuration
func NewLLMSuggester(cfg config.AIConfig) (*LLMSuggester, error) {
	model, err := openai.New(
		openai.WithModel(cfg.Model),
		openai.WithToken(cfg.APIKey),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create inference client: %w", err)
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &LLMSuggester{model: model, timeout: timeout}, nil
}

// prompts per task kind. Kept short; the element content is the context.
const (
	codeReviewPrompt = "You are a code reviewer in a collaborative coding canvas. " +
		"Review the following code and reply with one concrete, actionable improvement " +
		"in at most three sentences.\n\nCode:\n%s"
	voiceCommandPrompt = "You are a coding assistant in a collaborative canvas. " +
		"A participant issued this voice command. Reply with the code or short answer " +
		"that fulfils it.\n\nCommand: %s"
	aiRequestPrompt = "You are a coding assistant in a collaborative canvas. " +
		"Answer the following request concisely.\n\nRequest: %s"
)

// Suggest runs one inference call with the configured timeout
func (s *LLMSuggester) Suggest(ctx context.Context, task SuggestionTask) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var prompt string
	switch task.Kind {
	case SuggestionKindCodeReview:
		prompt = fmt.Sprintf(codeReviewPrompt, task.Prompt)
	case SuggestionKindVoice:
		prompt = fmt.Sprintf(voiceCommandPrompt, task.Prompt)
	default:
		prompt = fmt.Sprintf(aiRequestPrompt, task.Prompt)
	}

	result, err := llms.GenerateFromSinglePrompt(ctx, s.model, prompt)
	if err != nil {
		return "", fmt.Errorf("%w: inference call failed: %v", ErrUpstream, err)
	}
	result = strings.TrimSpace(result)
	if result == "" {
		return "", fmt.Errorf("%w: inference returned empty result", ErrUpstream)
	}
	return result, nil
}
