package models

import "time"

// Report is the audit record written when a diagnostic run completes:
// the identified root cause, the solution output, and the full message
// transcript of both agent threads. Live sessions are never persisted;
// reports exist so a completed run survives its channel.
type Report struct {
	ID           string
	IssueKey     string
	IssueType    string
	DiagThreadID string
	SolThreadID  string
	RootCause    string
	Solution     string
	Transcript   string // JSON-encoded history, diagnostic then solution
	CreatedAt    time.Time
}
