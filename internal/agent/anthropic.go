package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"healthwatch/internal/models"
	"healthwatch/internal/protocol"
)

const diagnosticInstructions = `You are an SRE Diagnostic Agent. Find the root cause of failures.
For every step, follow this ReAct loop:
1. THOUGHT: Reason about what the data means and what to check next.
2. ACTION: Name the tool you would call and its JSON input.
3. OBSERVATION: Analyze the output.

Return ONLY a JSON object in this schema, no markdown fencing:
{"thought": string, "action": string or omitted, "action_input": string or omitted, "next_action": "continue" | "await_user_approval" | "handoff_to_solution_agent", "root_cause": string or omitted}

Ask for await_user_approval before any inspection that reads workload logs or specs.
Set root_cause and next_action handoff_to_solution_agent once the cause is established.`

const solutionInstructions = `You are a Solution Architect. Based on the identified root cause, provide a kubectl fix and an escalation summary.
Return ONLY a JSON object, no markdown fencing:
{"summary": string, "recommended_fix": {"steps": [string], "notes": string}, "escalation": string}`

// AnthropicDiagnostic drives the ReAct loop over the Anthropic Messages
// API. Threads are held in memory; the thread id is the correlation token
// handed to the session coordinator.
type AnthropicDiagnostic struct {
	api   *anthropic.Client
	model anthropic.Model

	log *threadLog

	mu    sync.Mutex
	turns map[string][]anthropic.MessageParam
}

// AnthropicSolution is the one-shot solution counterpart.
type AnthropicSolution struct {
	api   *anthropic.Client
	model anthropic.Model
	log   *threadLog
}

// NewAnthropicAgents creates the diagnostic and solution agents sharing
// one API client.
func NewAnthropicAgents(apiKey, model string) (*AnthropicDiagnostic, *AnthropicSolution) {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)
	diag := &AnthropicDiagnostic{
		api:   &client,
		model: anthropic.Model(model),
		log:   newThreadLog(),
		turns: make(map[string][]anthropic.MessageParam),
	}
	sol := &AnthropicSolution{
		api:   &client,
		model: anthropic.Model(model),
		log:   newThreadLog(),
	}
	return diag, sol
}

func (a *AnthropicDiagnostic) NewThread(ctx context.Context) (string, error) {
	id := newThreadID()
	a.mu.Lock()
	a.turns[id] = nil
	a.mu.Unlock()
	return id, nil
}

func (a *AnthropicDiagnostic) Step(ctx context.Context, threadID, input string) (models.AgentState, error) {
	a.mu.Lock()
	turns, ok := a.turns[threadID]
	a.mu.Unlock()
	if !ok {
		return models.AgentState{}, fmt.Errorf("unknown thread: %s", threadID)
	}

	if input == "" {
		input = "Continue the investigation."
	}
	turns = append(turns, anthropic.NewUserMessage(anthropic.NewTextBlock(input)))

	msg, err := a.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: 1024,
		System: []anthropic.TextBlockParam{
			{Text: diagnosticInstructions},
		},
		Messages: turns,
	})
	if err != nil {
		return models.AgentState{}, fmt.Errorf("anthropic API call: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}

	state, err := parseAgentState(text)
	if err != nil {
		return models.AgentState{}, err
	}

	turns = append(turns, anthropic.NewAssistantMessage(anthropic.NewTextBlock(text)))
	a.mu.Lock()
	a.turns[threadID] = turns
	a.mu.Unlock()

	a.log.append(threadID, "user", input)
	a.log.append(threadID, "assistant", text)
	return state, nil
}

func (a *AnthropicDiagnostic) History(ctx context.Context, threadID string) ([]protocol.HistoryMessage, error) {
	return a.log.history(threadID), nil
}

func (a *AnthropicSolution) Solve(ctx context.Context, rootCause string) (string, string, error) {
	prompt := "Fix this: " + rootCause

	msg, err := a.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: 1024,
		System: []anthropic.TextBlockParam{
			{Text: solutionInstructions},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", "", fmt.Errorf("anthropic API call: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}

	id := newThreadID()
	a.log.append(id, "user", prompt)
	a.log.append(id, "assistant", text)
	return id, stripFences(text), nil
}

func (a *AnthropicSolution) History(ctx context.Context, threadID string) ([]protocol.HistoryMessage, error) {
	return a.log.history(threadID), nil
}

// parseAgentState decodes the model's JSON response, tolerating markdown
// code fences around the object.
func parseAgentState(text string) (models.AgentState, error) {
	cleaned := stripFences(text)
	var state models.AgentState
	if err := json.Unmarshal([]byte(cleaned), &state); err != nil {
		return models.AgentState{}, fmt.Errorf("parse agent state: %w", err)
	}
	if state.NextAction == "" {
		state.NextAction = models.NextActionContinue
	}
	return state, nil
}

func stripFences(text string) string {
	s := strings.TrimSpace(text)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(s, "```")
		s = strings.TrimSpace(s)
	}
	return s
}
