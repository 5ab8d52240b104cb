package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"healthwatch/internal/conversation"
	"healthwatch/internal/models"
	"healthwatch/internal/protocol"
	"healthwatch/internal/status"
)

// ErrNotConnected is returned when a control frame is requested on a
// closed channel. Callers surface this as a delivery failure instead of
// silently dropping the operator's decision.
var ErrNotConnected = errors.New("session channel not open")

// UpdateFunc is invoked after each applied frame with the issue key and
// the updated snapshot. It runs on the channel's dispatch goroutine, so
// it must not block.
type UpdateFunc func(key string, snap *conversation.Snapshot)

// Manager owns the session channel for one issue identity. Frames are
// dispatched in strict arrival order by a single goroutine; all work per
// frame is pure snapshot merging, so handlers never block the channel.
type Manager struct {
	issue    models.Issue
	dialer   Dialer
	onUpdate UpdateFunc

	mu       sync.Mutex
	conn     Conn
	snapshot *conversation.Snapshot
}

// NewManager creates a manager for one issue. onUpdate may be nil.
func NewManager(issue models.Issue, dialer Dialer, onUpdate UpdateFunc) *Manager {
	return &Manager{issue: issue, dialer: dialer, onUpdate: onUpdate}
}

// Issue returns the tracked issue.
func (m *Manager) Issue() models.Issue { return m.issue }

// Connect opens the session channel and sends the start frame. If a
// channel is already open for this identity it is closed first, so at
// most one live channel exists per issue at any instant.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.mu.Unlock()

	conn, err := m.dialer.Dial(ctx, m.issue)
	if err != nil {
		return fmt.Errorf("dial session: %w", err)
	}

	start := &protocol.Start{Type: protocol.TypeStart, Issue: m.issue}
	if err := conn.WriteJSON(start); err != nil {
		_ = conn.Close()
		return fmt.Errorf("send start: %w", err)
	}

	m.mu.Lock()
	m.conn = conn
	if m.snapshot == nil {
		m.snapshot = conversation.New()
	} else {
		m.snapshot.MarkLoading()
	}
	m.mu.Unlock()

	go m.readLoop(conn)
	return nil
}

// readLoop is the only writer to the snapshot for this channel. Frames
// that fail to parse are dropped; a read error ends dispatch for this
// channel without touching the stored snapshot.
func (m *Manager) readLoop(conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			m.mu.Lock()
			if m.conn == conn {
				m.conn = nil
			}
			m.mu.Unlock()
			return
		}

		frame, err := protocol.ParseServerFrame(data)
		if err != nil {
			continue
		}

		m.mu.Lock()
		m.snapshot.Apply(frame)
		snap := m.snapshotLocked()
		m.mu.Unlock()

		if m.onUpdate != nil {
			m.onUpdate(m.issue.Key(), snap)
		}
	}
}

// Intervene sends an approval decision for the outstanding prompt.
func (m *Manager) Intervene(decision protocol.Decision, hint string) error {
	return m.sendControl(&protocol.Intervene{
		Type:     protocol.TypeIntervene,
		Decision: decision,
		Hint:     hint,
	})
}

// Resume answers a resume_available prompt.
func (m *Manager) Resume(choice protocol.ResumeChoice) error {
	return m.sendControl(&protocol.Resume{
		Type:     protocol.TypeResume,
		Decision: choice,
	})
}

func (m *Manager) sendControl(frame any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return ErrNotConnected
	}
	if err := m.conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("send control frame: %w", err)
	}
	m.snapshot.MarkDecisionInFlight()
	return nil
}

// Close tears down the channel. Idempotent; the conversation snapshot
// survives for display and for a later reconnect.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
}

// Connected reports whether a live channel exists.
func (m *Manager) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conn != nil
}

// Snapshot returns a copy of the current conversation snapshot, or nil
// when no frame has ever been applied.
func (m *Manager) Snapshot() *conversation.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() *conversation.Snapshot {
	if m.snapshot == nil {
		return nil
	}
	snap := *m.snapshot
	return &snap
}

// Status derives the display status for this issue.
func (m *Manager) Status() status.Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	in := status.Input{
		HasSession:      m.conn != nil,
		HasConversation: m.snapshot != nil,
	}
	if m.snapshot != nil {
		in.DecisionInFlight = m.snapshot.DecisionInFlight
		if m.snapshot.Pending != nil {
			in.PendingKind = m.snapshot.Pending.Kind
		}
		in.SolThreadID = m.snapshot.SolThreadID
		in.HasSolution = m.snapshot.Solution != nil
		if m.snapshot.State != nil {
			in.NextAction = m.snapshot.State.NextAction
		}
	}
	return status.Derive(in)
}
