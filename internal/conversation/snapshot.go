// Package conversation folds session protocol frames into a per-issue
// conversation snapshot. Every merge is a total function: unparsable
// input degrades to plain text instead of failing, and replaying the
// same history twice yields an identical snapshot.
package conversation

import (
	"encoding/json"
	"time"

	"healthwatch/internal/models"
	"healthwatch/internal/protocol"
)

// Step is one deduplicated think/act entry of the investigation.
// No two steps in a snapshot share the same (thought, action) pair.
type Step struct {
	Thought string    `json:"thought,omitempty"`
	Action  string    `json:"action,omitempty"`
	At      time.Time `json:"at"`
}

// PendingDecision is an outstanding request blocking the agent until the
// operator responds. At most one exists per snapshot.
type PendingDecision struct {
	Question string               `json:"question"`
	Kind     protocol.PendingKind `json:"kind"`
}

// Snapshot is the client-side view of one diagnostic session.
type Snapshot struct {
	State *models.AgentState `json:"state,omitempty"`

	DiagMessages []protocol.HistoryMessage `json:"diagMessages,omitempty"`
	SolMessages  []protocol.HistoryMessage `json:"solMessages,omitempty"`

	Thoughts []string `json:"thoughts,omitempty"`
	Actions  []string `json:"actions,omitempty"`
	Steps    []Step   `json:"steps,omitempty"`

	// RootCause is sticky: once non-empty it is only ever replaced by
	// another non-empty value.
	RootCause string `json:"rootCause,omitempty"`

	Solution *SolutionState `json:"solution,omitempty"`

	DiagThreadID string `json:"diagThreadId,omitempty"`
	SolThreadID  string `json:"solThreadId,omitempty"`

	Pending          *PendingDecision `json:"pending,omitempty"`
	DecisionInFlight bool             `json:"decisionInFlight"`
	Loading          bool             `json:"loading"`

	LastError string `json:"lastError,omitempty"`

	now func() time.Time
}

// New returns an empty snapshot in the loading state (a session has been
// opened but no frame has arrived yet).
func New() *Snapshot {
	return &Snapshot{Loading: true, now: time.Now}
}

// Apply folds one server frame into the snapshot. Frames of unknown type
// are ignored; Apply never fails.
func (s *Snapshot) Apply(frame any) {
	switch f := frame.(type) {
	case *protocol.Diagnostic:
		s.applyDiagnostic(f)
	case *protocol.History:
		s.applyHistory(f)
	case *protocol.AwaitingApproval:
		s.applyAwaitingApproval(f)
	case *protocol.Handoff:
		s.applyHandoff(f)
	case *protocol.Complete:
		s.applyComplete(f)
	case *protocol.Error:
		s.applyError(f)
	}
}

// MarkLoading flags the snapshot as waiting for server frames, called by
// the session manager when a channel is (re)opened.
func (s *Snapshot) MarkLoading() {
	s.Loading = true
}

// MarkDecisionInFlight records that a control frame has been sent and no
// superseding event has arrived yet.
func (s *Snapshot) MarkDecisionInFlight() {
	s.DecisionInFlight = true
}

func (s *Snapshot) applyDiagnostic(f *protocol.Diagnostic) {
	state := f.State
	s.State = &state
	if f.DiagThreadID != "" {
		s.DiagThreadID = f.DiagThreadID
	}

	s.addThought(state.Thought)
	s.addAction(state.Action)
	s.addStep(state.Thought, state.Action)
	s.setRootCause(state.RootCause)

	s.Pending = nil
	s.DecisionInFlight = false
	s.Loading = false
}

// applyHistory rebuilds the derived thought/action/step lists from
// scratch so a replayed history lands on the same snapshot every time.
// Messages with the "user" role are coordinator inputs (approvals,
// observations) and are skipped; everything else is scanned in order.
func (s *Snapshot) applyHistory(f *protocol.History) {
	if f.DiagThreadID != "" {
		s.DiagThreadID = f.DiagThreadID
	}
	if f.SolThreadID != "" {
		s.SolThreadID = f.SolThreadID
	}

	s.DiagMessages = append([]protocol.HistoryMessage(nil), f.DiagHistory...)
	s.SolMessages = append([]protocol.HistoryMessage(nil), f.SolHistory...)

	s.Thoughts = nil
	s.Actions = nil
	s.Steps = nil

	rootCause := ""
	for _, msg := range f.DiagHistory {
		if msg.Role == "user" {
			continue
		}
		var decoded map[string]any
		if err := json.Unmarshal([]byte(msg.Text), &decoded); err != nil {
			// Not a structured step; keep the raw text as a thought.
			s.addThought(msg.Text)
			s.addStep(msg.Text, "")
			continue
		}
		thought, _ := decoded["thought"].(string)
		action, _ := decoded["action"].(string)
		if rc, _ := decoded["root_cause"].(string); rc != "" && rootCause == "" {
			rootCause = rc
		}
		s.addThought(thought)
		s.addAction(action)
		s.addStep(thought, action)
	}
	s.setRootCause(rootCause)

	if len(f.SolHistory) > 0 {
		last := f.SolHistory[len(f.SolHistory)-1]
		s.Solution = DecodeSolution(last.Text)
	}

	s.Pending = nil
	s.DecisionInFlight = false
	s.Loading = false
}

func (s *Snapshot) applyAwaitingApproval(f *protocol.AwaitingApproval) {
	s.Pending = &PendingDecision{Question: f.Question, Kind: f.Event}
	s.DecisionInFlight = false
	s.Loading = false
}

func (s *Snapshot) applyHandoff(f *protocol.Handoff) {
	if f.SolThreadID != "" {
		s.SolThreadID = f.SolThreadID
	}
	if len(f.State) > 0 {
		s.Solution = DecodeSolutionRaw(f.State)
	}
	s.Pending = nil
	s.DecisionInFlight = false
}

func (s *Snapshot) applyComplete(f *protocol.Complete) {
	if f.DiagThreadID != "" {
		s.DiagThreadID = f.DiagThreadID
	}
	if f.SolThreadID != "" {
		s.SolThreadID = f.SolThreadID
	}
	s.Pending = nil
	s.DecisionInFlight = false
	s.Loading = false
}

func (s *Snapshot) applyError(f *protocol.Error) {
	s.LastError = f.Message
	s.Pending = nil
	s.DecisionInFlight = false
	s.Loading = false
}

func (s *Snapshot) addThought(thought string) {
	if thought == "" {
		return
	}
	for _, existing := range s.Thoughts {
		if existing == thought {
			return
		}
	}
	s.Thoughts = append(s.Thoughts, thought)
}

func (s *Snapshot) addAction(action string) {
	if action == "" {
		return
	}
	for _, existing := range s.Actions {
		if existing == action {
			return
		}
	}
	s.Actions = append(s.Actions, action)
}

// addStep appends a step unless an identical (thought, action) pair is
// already recorded. Dedup is by value, never by timestamp.
func (s *Snapshot) addStep(thought, action string) {
	if thought == "" && action == "" {
		return
	}
	for _, existing := range s.Steps {
		if existing.Thought == thought && existing.Action == action {
			return
		}
	}
	s.Steps = append(s.Steps, Step{Thought: thought, Action: action, At: s.timestamp()})
}

func (s *Snapshot) setRootCause(rc string) {
	if rc != "" {
		s.RootCause = rc
	}
}

func (s *Snapshot) timestamp() time.Time {
	if s.now != nil {
		return s.now()
	}
	return time.Now()
}
