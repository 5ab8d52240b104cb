package models

import (
	"strings"
	"time"
)

// ResourceType identifies the kind of Kubernetes resource an issue refers to.
type ResourceType string

const (
	ResourceTypePod        ResourceType = "Pod"
	ResourceTypeNode       ResourceType = "Node"
	ResourceTypeDeployment ResourceType = "Deployment"
	ResourceTypeOther      ResourceType = "Other"
)

// ParseResourceType normalizes a resource type string to its canonical
// form. Unrecognized values pass through unchanged so issue keys stay
// stable for resource kinds this code does not know about.
func ParseResourceType(s string) ResourceType {
	switch strings.ToLower(s) {
	case "pod":
		return ResourceTypePod
	case "node":
		return ResourceTypeNode
	case "deployment":
		return ResourceTypeDeployment
	case "other":
		return ResourceTypeOther
	default:
		return ResourceType(s)
	}
}

// Severity ranks how urgent an issue is.
type Severity string

const (
	SeverityCritical Severity = "Critical"
	SeverityHigh     Severity = "High"
	SeverityWarning  Severity = "Warning"
	SeverityInfo     Severity = "Info"
)

// ParseSeverity normalizes a severity string to its canonical form.
// Unrecognized values pass through unchanged and rank last.
func ParseSeverity(s string) Severity {
	switch strings.ToLower(s) {
	case "critical":
		return SeverityCritical
	case "high":
		return SeverityHigh
	case "warning":
		return SeverityWarning
	case "info":
		return SeverityInfo
	default:
		return Severity(s)
	}
}

// Rank returns the sort rank of a severity, lower is more urgent.
// Unknown severities sort last.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityHigh:
		return 1
	case SeverityWarning:
		return 2
	case SeverityInfo:
		return 3
	default:
		return 4
	}
}

// Issue is one unhealthy-resource record produced by the issue feed.
// Issues are immutable once observed; the feed simply stops returning
// an issue when the underlying resource recovers.
type Issue struct {
	IssueType         string        `json:"issueType"`
	Severity          Severity      `json:"severity"`
	ResourceType      ResourceType  `json:"resourceType"`
	Namespace         string        `json:"namespace,omitempty"`
	ResourceName      string        `json:"resourceName"`
	Container         string        `json:"container,omitempty"`
	UnhealthySince    time.Time     `json:"unhealthySince"`
	UnhealthyTimespan time.Duration `json:"unhealthyTimespan"`
	Message           string        `json:"message"`
}

// Key returns the deterministic identity string correlating a session
// to this issue: namespace:resourceType:resourceName:container.
// Container may be empty, in which case the key ends with a colon.
func (i Issue) Key() string {
	return i.Namespace + ":" + string(i.ResourceType) + ":" + i.ResourceName + ":" + i.Container
}
