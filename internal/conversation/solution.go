package conversation

import "encoding/json"

// RecommendedFix is the remediation part of a solution, either free text
// or an ordered list of commands with notes.
type RecommendedFix struct {
	Text  string   `json:"text,omitempty"`
	Steps []string `json:"steps,omitempty"`
	Notes string   `json:"notes,omitempty"`
}

// SolutionState is the decoded output of the solution agent.
type SolutionState struct {
	Summary    string          `json:"summary,omitempty"`
	Fix        *RecommendedFix `json:"fix,omitempty"`
	Escalation string          `json:"escalation,omitempty"`
}

// Field aliases probed in order. Solution agents are not held to one
// schema, so the decoder tries these names deterministically and takes
// the first present value for each concept.
var (
	fixAliases        = []string{"recommended_fix", "fix", "solution"}
	escalationAliases = []string{"escalation", "escalation_email", "escalation_summary", "email"}
	summaryAliases    = []string{"summary", "root_cause"}
)

// genericSummary is used when a JSON object carries none of the known
// fields: the agent said something, just not in a shape we recognize.
const genericSummary = "details provided"

// DecodeSolution turns raw solution-agent output into a SolutionState.
// Non-JSON input (and JSON that is not an object) becomes a plain-text
// summary; the decoder never fails.
func DecodeSolution(text string) *SolutionState {
	var obj map[string]any
	if err := json.Unmarshal([]byte(text), &obj); err != nil {
		return &SolutionState{Summary: text}
	}
	return decodeObject(obj)
}

// DecodeSolutionRaw decodes a raw JSON payload from a handoff frame.
// The payload may be an object, or a JSON string wrapping plain text.
func DecodeSolutionRaw(raw json.RawMessage) *SolutionState {
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil {
		return decodeObject(obj)
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return DecodeSolution(text)
	}
	return &SolutionState{Summary: string(raw)}
}

func decodeObject(obj map[string]any) *SolutionState {
	state := &SolutionState{}

	for _, key := range fixAliases {
		if v, ok := obj[key]; ok {
			if fix := decodeFix(v); fix != nil {
				state.Fix = fix
				break
			}
		}
	}
	for _, key := range escalationAliases {
		if v, ok := obj[key].(string); ok && v != "" {
			state.Escalation = v
			break
		}
	}
	for _, key := range summaryAliases {
		if v, ok := obj[key].(string); ok && v != "" {
			state.Summary = v
			break
		}
	}

	if state.Summary == "" && state.Fix == nil && state.Escalation == "" {
		state.Summary = genericSummary
	}
	return state
}

func decodeFix(v any) *RecommendedFix {
	switch fix := v.(type) {
	case string:
		if fix == "" {
			return nil
		}
		return &RecommendedFix{Text: fix}
	case map[string]any:
		out := &RecommendedFix{}
		if steps, ok := fix["steps"].([]any); ok {
			for _, step := range steps {
				if s, ok := step.(string); ok {
					out.Steps = append(out.Steps, s)
				}
			}
		}
		if notes, ok := fix["notes"].(string); ok {
			out.Notes = notes
		}
		for _, key := range []string{"text", "summary", "description"} {
			if text, ok := fix[key].(string); ok && text != "" {
				out.Text = text
				break
			}
		}
		if out.Text == "" && len(out.Steps) == 0 && out.Notes == "" {
			return nil
		}
		return out
	default:
		return nil
	}
}
