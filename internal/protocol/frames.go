// Package protocol defines the JSON frames exchanged on a diagnostic
// session channel. Client frames carry a "type" discriminator, server
// frames likewise; Parse functions return the concrete frame struct
// for exactly one tag. Receivers drop anything that fails to parse --
// a bad frame never terminates a session.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"healthwatch/internal/models"
)

// Client -> server frame tags.
const (
	TypeStart     = "start"
	TypeIntervene = "intervene"
	TypeResume    = "resume"
)

// Server -> client frame tags.
const (
	TypeDiagnostic       = "diagnostic"
	TypeHistory          = "history"
	TypeAwaitingApproval = "awaiting_approval"
	TypeHandoff          = "handoff"
	TypeComplete         = "complete"
	TypeError            = "error"
)

// Decision is the operator's response to a pending approval.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionDeny    Decision = "deny"
	DecisionHandoff Decision = "handoff"
)

// ResumeChoice answers a resume_available prompt.
type ResumeChoice string

const (
	ResumeYes ResumeChoice = "yes"
	ResumeNo  ResumeChoice = "no"
)

// PendingKind distinguishes what an awaiting_approval frame is asking for.
type PendingKind string

const (
	PendingAwaitingApproval PendingKind = "awaiting_approval"
	PendingHandoffApproval  PendingKind = "handoff_approval"
	PendingResumeAvailable  PendingKind = "resume_available"
)

// HistoryMessage is one entry of a replayed agent thread.
type HistoryMessage struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Start opens (or reconnects) a session for one issue.
type Start struct {
	Type  string       `json:"type"`
	Issue models.Issue `json:"issue"`
}

// Intervene answers an outstanding approval or handoff-approval decision.
type Intervene struct {
	Type     string   `json:"type"`
	Decision Decision `json:"decision"`
	Hint     string   `json:"hint,omitempty"`
}

// Resume answers a resume_available decision.
type Resume struct {
	Type     string       `json:"type"`
	Decision ResumeChoice `json:"decision"`
}

// Diagnostic streams one agent step.
type Diagnostic struct {
	Type         string            `json:"type"`
	State        models.AgentState `json:"state"`
	DiagThreadID string            `json:"diag_thread_id"`
}

// History replays both agent threads on reconnect.
type History struct {
	Type         string           `json:"type"`
	DiagHistory  []HistoryMessage `json:"diag_history"`
	SolHistory   []HistoryMessage `json:"sol_history"`
	DiagThreadID string           `json:"diag_thread_id"`
	SolThreadID  string           `json:"sol_thread_id,omitempty"`
}

// AwaitingApproval asks the operator for a decision. Event says which
// kind; at most one is outstanding per session at any time.
type AwaitingApproval struct {
	Type     string      `json:"type"`
	Question string      `json:"question"`
	Event    PendingKind `json:"event"`
}

// Handoff announces the transition to the solution agent. State carries
// the solution agent's output, which may be structured JSON or plain text.
type Handoff struct {
	Type        string          `json:"type"`
	SolThreadID string          `json:"sol_thread_id"`
	State       json.RawMessage `json:"state,omitempty"`
}

// Complete marks the end of a run on this channel.
type Complete struct {
	Type         string `json:"type"`
	DiagThreadID string `json:"diag_thread_id"`
	SolThreadID  string `json:"sol_thread_id,omitempty"`
}

// Error surfaces an unrecoverable agent failure.
type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ErrUnknownFrame is returned for a frame whose tag is not recognized.
var ErrUnknownFrame = errors.New("protocol: unknown frame type")

type envelope struct {
	Type string `json:"type"`
}

// ParseClientFrame decodes a client->server frame. It returns one of
// *Start, *Intervene, or *Resume.
func ParseClientFrame(data []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	switch env.Type {
	case TypeStart:
		var f Start
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode start: %w", err)
		}
		if f.Issue.ResourceName == "" {
			return nil, errors.New("start: missing issue")
		}
		return &f, nil
	case TypeIntervene:
		var f Intervene
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode intervene: %w", err)
		}
		switch f.Decision {
		case DecisionApprove, DecisionDeny, DecisionHandoff:
		default:
			return nil, fmt.Errorf("intervene: invalid decision %q", f.Decision)
		}
		return &f, nil
	case TypeResume:
		var f Resume
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode resume: %w", err)
		}
		switch f.Decision {
		case ResumeYes, ResumeNo:
		default:
			return nil, fmt.Errorf("resume: invalid decision %q", f.Decision)
		}
		return &f, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, env.Type)
	}
}

// ParseServerFrame decodes a server->client frame. It returns one of
// *Diagnostic, *History, *AwaitingApproval, *Handoff, *Complete, or *Error.
func ParseServerFrame(data []byte) (any, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	switch env.Type {
	case TypeDiagnostic:
		var f Diagnostic
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode diagnostic: %w", err)
		}
		return &f, nil
	case TypeHistory:
		var f History
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode history: %w", err)
		}
		return &f, nil
	case TypeAwaitingApproval:
		var f AwaitingApproval
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode awaiting_approval: %w", err)
		}
		switch f.Event {
		case PendingAwaitingApproval, PendingHandoffApproval, PendingResumeAvailable:
		default:
			return nil, fmt.Errorf("awaiting_approval: invalid event %q", f.Event)
		}
		return &f, nil
	case TypeHandoff:
		var f Handoff
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode handoff: %w", err)
		}
		return &f, nil
	case TypeComplete:
		var f Complete
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode complete: %w", err)
		}
		return &f, nil
	case TypeError:
		var f Error
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("decode error: %w", err)
		}
		return &f, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFrame, env.Type)
	}
}
