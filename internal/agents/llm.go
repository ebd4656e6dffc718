package agents

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"vn-autotrader/internal/models"
)

const narratorSystemPrompt = `You are the chief of a trading desk on a Vietnamese equity exchange.
Rewrite the rule-based verdict below as two or three plain sentences for a trader.
Do not change the action, the numbers or the risk outcome. Do not add advice.`

// OpenAINarrator implements Narrator using the OpenAI chat API.
type OpenAINarrator struct {
	client  *openai.Client
	model   string
	timeout time.Duration
}

// NewOpenAINarrator creates a narrator for the given API key and model.
func NewOpenAINarrator(apiKey, model string, timeout time.Duration) *OpenAINarrator {
	return NewOpenAINarratorWithConfig(openai.DefaultConfig(apiKey), model, timeout)
}

// NewOpenAINarratorWithConfig creates a narrator from a full client config,
// e.g. to point at a compatible endpoint.
func NewOpenAINarratorWithConfig(cfg openai.ClientConfig, model string, timeout time.Duration) *OpenAINarrator {
	if model == "" {
		model = openai.GPT4oMini
	}
	return &OpenAINarrator{
		client:  openai.NewClientWithConfig(cfg),
		model:   model,
		timeout: timeout,
	}
}

// Narrate implements Narrator.
func (n *OpenAINarrator) Narrate(ctx context.Context, v *models.Verdict) (string, error) {
	if n.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}
	return n.CompleteWithSystem(ctx, narratorSystemPrompt, describeVerdict(v))
}

// CompleteWithSystem sends a prompt with a system message.
func (n *OpenAINarrator) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	resp, err := n.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: n.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt},
		},
		Temperature: 0.2,
	})
	if err != nil {
		return "", fmt.Errorf("openai completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no response from openai")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func describeVerdict(v *models.Verdict) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Symbol: %s\n", v.Symbol)
	fmt.Fprintf(&sb, "Action: %s (confidence %.0f, agreement %.0f)\n", v.Action, v.Confidence, v.AgreementScore)
	if v.HasConflict {
		sb.WriteString("Bull and bear disagree strongly.\n")
	}
	if v.Vetoed {
		sb.WriteString("Risk gate vetoed the trade.\n")
	}
	if v.StopLoss > 0 || v.TakeProfit > 0 {
		fmt.Fprintf(&sb, "Stop-loss %.0f, take-profit %.0f, size %d\n", v.StopLoss, v.TakeProfit, v.SuggestedQuantity)
	}
	sb.WriteString("Signals:\n")
	for _, s := range v.Signals {
		fmt.Fprintf(&sb, "  - %s: %s (%.0f) %s\n", s.AgentName, s.Action, s.Confidence, s.Reasoning)
	}
	fmt.Fprintf(&sb, "Rule-based summary: %s\n", v.Reasoning)
	return sb.String()
}
