// Package agent defines the diagnostic and solution agent collaborators.
// The session coordinator drives these interfaces; how an implementation
// reasons is outside the session core. Thread ids are opaque correlation
// tokens issued by the implementation.
package agent

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"healthwatch/internal/models"
	"healthwatch/internal/protocol"
)

// Diagnostic runs the investigative ReAct loop, one step at a time.
type Diagnostic interface {
	// NewThread starts a fresh diagnostic run and returns its thread id.
	NewThread(ctx context.Context) (string, error)
	// Step advances the run by one think/act iteration. The input is the
	// coordinator's message for this step: the initial investigation
	// prompt, an approval/denial notice, or empty to continue.
	Step(ctx context.Context, threadID, input string) (models.AgentState, error)
	// History returns the thread transcript in chronological order.
	History(ctx context.Context, threadID string) ([]protocol.HistoryMessage, error)
}

// Solution produces a remediation from an identified root cause.
type Solution interface {
	// Solve runs the solution agent once, returning the new thread id and
	// the agent's output (structured JSON or plain text).
	Solve(ctx context.Context, rootCause string) (threadID, output string, err error)
	History(ctx context.Context, threadID string) ([]protocol.HistoryMessage, error)
}

// newThreadID generates a ULID thread token.
func newThreadID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	return ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(entropy, 0)).String()
}

// threadLog keeps per-thread transcripts in memory. Both built-in agent
// implementations use it so reconnect replay has a history to serve.
type threadLog struct {
	mu      sync.Mutex
	threads map[string][]protocol.HistoryMessage
}

func newThreadLog() *threadLog {
	return &threadLog{threads: make(map[string][]protocol.HistoryMessage)}
}

func (l *threadLog) append(threadID, role, text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.threads[threadID] = append(l.threads[threadID], protocol.HistoryMessage{Role: role, Text: text})
}

func (l *threadLog) history(threadID string) []protocol.HistoryMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	msgs := l.threads[threadID]
	out := make([]protocol.HistoryMessage, len(msgs))
	copy(out, msgs)
	return out
}
