package resolver

import (
	"context"
	"fmt"
	"strings"

	"github.com/convoflow/convoflow/internal/llm"
)

const noneToken = "NONE"

// LLMResolver asks a completion backend to pick a candidate. Temperature is
// pinned to zero and the returned id is validated against the candidate
// list, so identical inputs yield identical selections.
type LLMResolver struct {
	client llm.Client
	model  string
}

// NewLLMResolver returns a resolver backed by the given completion client.
func NewLLMResolver(client llm.Client, model string) *LLMResolver {
	return &LLMResolver{client: client, model: model}
}

func (r *LLMResolver) ChooseBest(ctx context.Context, query string, candidates []Candidate) (string, error) {
	if len(candidates) == 0 {
		return "", ErrAmbiguous
	}

	zero := 0.0
	resp, err := r.client.Complete(ctx, &llm.CompletionRequest{
		Model:       r.model,
		Temperature: &zero,
		MaxTokens:   64,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: buildSelectionPrompt(candidates)},
			{Role: llm.RoleUser, Content: query},
		},
	})
	if err != nil {
		return "", fmt.Errorf("llm selection: %w", err)
	}

	answer := strings.TrimSpace(resp.Content)
	// Models occasionally wrap the id in quotes or trailing punctuation.
	answer = strings.Trim(answer, "\"'`.")
	if strings.EqualFold(answer, noneToken) {
		return "", ErrAmbiguous
	}
	for _, c := range candidates {
		if strings.EqualFold(answer, c.ID) {
			return c.ID, nil
		}
	}
	// An id outside the candidate list is treated as no confident match.
	return "", ErrAmbiguous
}

func buildSelectionPrompt(candidates []Candidate) string {
	var sb strings.Builder
	sb.WriteString("You select the single best match for a user request.\n")
	sb.WriteString("Candidates:\n")
	for _, c := range candidates {
		sb.WriteString(fmt.Sprintf("- id: %s, name: %s", c.ID, c.Name))
		if c.Description != "" {
			sb.WriteString(", description: " + c.Description)
		}
		sb.WriteString("\n")
	}
	sb.WriteString("\nReply with exactly one candidate id from the list above.\n")
	sb.WriteString("If none is a confident match, reply with exactly " + noneToken + ".\n")
	return sb.String()
}
