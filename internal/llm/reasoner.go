// Package llm provides clients for the engine's external reasoning and
// embedding collaborators. Both are treated as non-deterministic and
// unreliable: calls carry bounded timeouts, run behind circuit breakers, and
// callers always keep a deterministic fallback path.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lucidity-labs/mnemosyne/internal/config"
	"github.com/lucidity-labs/mnemosyne/pkg/types"
)

// ErrReasonerUnavailable indicates the reasoning capability could not be
// reached (after the single retry) or is circuit-broken. Callers degrade to
// their deterministic fallback and annotate the result as degraded.
var ErrReasonerUnavailable = errors.New("reasoner unavailable")

// ReferenceRequest asks the reasoner to pick which candidate entity (if any)
// a mention refers to, given bounded recent context.
type ReferenceRequest struct {
	Mention     string                      `json:"mention"`
	Candidates  []types.ResolutionCandidate `json:"candidates"`
	RecentTurns []string                    `json:"recent_turns,omitempty"`
}

// ReferenceDecision is the reasoner's answer. Decisions are advisory: the
// resolver caps their confidence and routes low-confidence answers into
// disambiguation rather than trusting them.
type ReferenceDecision struct {
	// EntityID is empty when the reasoner declines to choose.
	EntityID string `json:"entity_id"`

	Confidence float64 `json:"confidence"`

	// Reasoning is the model's free-text justification, informational only.
	Reasoning string `json:"reasoning,omitempty"`

	// Alternatives lists other plausible entity IDs the model considered.
	Alternatives []string `json:"alternatives,omitempty"`
}

// Reasoner is the external reasoning capability consumed by the resolver's
// context stage. Implementations must be safe for concurrent use. Tests
// substitute a deterministic fake.
type Reasoner interface {
	ResolveReference(ctx context.Context, req ReferenceRequest) (*ReferenceDecision, error)
}

// HTTPReasoner talks to an Ollama or OpenAI-compatible completion endpoint
// and parses a JSON decision out of the model's reply.
type HTTPReasoner struct {
	cfg     config.ReasonerConfig
	client  *http.Client
	breaker *Breaker
}

// NewHTTPReasoner creates a reasoner client from configuration.
func NewHTTPReasoner(cfg config.ReasonerConfig) *HTTPReasoner {
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &HTTPReasoner{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: NewBreaker(BreakerConfig{Name: "reasoner"}),
	}
}

// ResolveReference prompts the model with the candidate set, recent turns,
// and resolution rules, and parses its JSON decision. One retry on transport
// failure, then ErrReasonerUnavailable.
func (r *HTTPReasoner) ResolveReference(ctx context.Context, req ReferenceRequest) (*ReferenceDecision, error) {
	prompt := buildReferencePrompt(req)

	result, err := r.breaker.Execute(ctx, func() (any, error) {
		text, err := r.complete(ctx, prompt)
		if err != nil {
			// Single retry on transport failure; the capability is allowed
			// to be flaky but not to stall the request.
			text, err = r.complete(ctx, prompt)
		}
		if err != nil {
			return nil, err
		}
		return text, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReasonerUnavailable, err)
	}

	decision, err := parseReferenceDecision(result.(string))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReasonerUnavailable, err)
	}
	return decision, nil
}

func (r *HTTPReasoner) complete(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	if r.cfg.Provider == "openai" {
		return r.completeOpenAI(ctx, prompt)
	}
	return r.completeOllama(ctx, prompt)
}

func (r *HTTPReasoner) completeOllama(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(map[string]any{
		"model":  r.cfg.Model,
		"prompt": prompt,
		"stream": false,
		"format": "json",
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.BaseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("reasoner returned %d: %s", resp.StatusCode, raw)
	}

	var parsed struct {
		Response string `json:"response"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	return parsed.Response, nil
}

func (r *HTTPReasoner) completeOpenAI(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(map[string]any{
		"model": r.cfg.Model,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
		"response_format": map[string]string{"type": "json_object"},
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.BaseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if r.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
	}

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("reasoner returned %d: %s", resp.StatusCode, raw)
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", errors.New("reasoner returned no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

// buildReferencePrompt renders the resolution task. Candidates carry stable
// IDs so the model answers with an identifier, never a name.
func buildReferencePrompt(req ReferenceRequest) string {
	var b strings.Builder

	b.WriteString("You resolve an ambiguous entity mention in a conversation.\n\n")
	fmt.Fprintf(&b, "Mention: %q\n\nCandidates:\n", req.Mention)
	for _, c := range req.Candidates {
		fmt.Fprintf(&b, "- id=%s name=%q type=%s\n", c.EntityID, c.Name, c.Type)
	}
	if len(req.RecentTurns) > 0 {
		b.WriteString("\nRecent conversation turns, oldest first:\n")
		for _, t := range req.RecentTurns {
			fmt.Fprintf(&b, "- %s\n", t)
		}
	}
	b.WriteString(`
Rules:
- Choose the candidate the mention most plausibly refers to, or none.
- Prefer entities referenced in recent turns.
- Never invent an id that is not in the candidate list.

Answer with a single JSON object:
{"entity_id": "<id or empty string>", "confidence": <0..1>, "reasoning": "<short>", "alternatives": ["<other plausible ids>"]}
`)
	return b.String()
}

// parseReferenceDecision extracts the JSON decision from model output,
// tolerating leading/trailing prose around the object.
func parseReferenceDecision(text string) (*ReferenceDecision, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in reasoner output")
	}

	var d ReferenceDecision
	if err := json.Unmarshal([]byte(text[start:end+1]), &d); err != nil {
		return nil, fmt.Errorf("malformed reasoner decision: %w", err)
	}

	if d.Confidence < 0 {
		d.Confidence = 0
	}
	if d.Confidence > 1 {
		d.Confidence = 1
	}
	return &d, nil
}
