// Package feed supplies the unhealthy-resource snapshots the rest of
// the system keys sessions on. The detection logic itself lives
// upstream; a Source only reports what is unhealthy right now.
package feed

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"healthwatch/internal/models"
)

// Source produces the current snapshot of unhealthy resources. Issues
// that recover simply stop appearing in later snapshots.
type Source interface {
	Snapshot(ctx context.Context) ([]models.Issue, error)
}

// Static serves a fixed issue list loaded from a YAML fixture. It backs
// demos and tests where no live cluster feed is available.
type Static struct {
	issues []models.Issue
}

type fixtureIssue struct {
	IssueType         string    `yaml:"issueType"`
	Severity          string    `yaml:"severity"`
	ResourceType      string    `yaml:"resourceType"`
	Namespace         string    `yaml:"namespace"`
	ResourceName      string    `yaml:"resourceName"`
	Container         string    `yaml:"container"`
	UnhealthySince    time.Time `yaml:"unhealthySince"`
	UnhealthyTimespan string    `yaml:"unhealthyTimespan"`
	Message           string    `yaml:"message"`
}

// NewStatic loads a fixture file.
func NewStatic(path string) (*Static, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read feed fixture: %w", err)
	}
	return ParseStatic(data)
}

// ParseStatic builds a Static source from fixture YAML.
func ParseStatic(data []byte) (*Static, error) {
	var fixtures []fixtureIssue
	if err := yaml.Unmarshal(data, &fixtures); err != nil {
		return nil, fmt.Errorf("parse feed fixture: %w", err)
	}

	issues := make([]models.Issue, 0, len(fixtures))
	for i, f := range fixtures {
		if f.ResourceName == "" {
			return nil, fmt.Errorf("fixture entry %d: missing resourceName", i)
		}
		issue := models.Issue{
			IssueType:      f.IssueType,
			Severity:       models.ParseSeverity(f.Severity),
			ResourceType:   models.ParseResourceType(f.ResourceType),
			Namespace:      f.Namespace,
			ResourceName:   f.ResourceName,
			Container:      f.Container,
			UnhealthySince: f.UnhealthySince,
			Message:        f.Message,
		}
		if f.UnhealthyTimespan != "" {
			d, err := time.ParseDuration(f.UnhealthyTimespan)
			if err != nil {
				return nil, fmt.Errorf("fixture entry %d: unhealthyTimespan: %w", i, err)
			}
			issue.UnhealthyTimespan = d
		}
		issues = append(issues, issue)
	}
	return &Static{issues: issues}, nil
}

func (s *Static) Snapshot(ctx context.Context) ([]models.Issue, error) {
	out := make([]models.Issue, len(s.issues))
	copy(out, s.issues)
	Sort(out)
	return out, nil
}

// Sort orders issues for display: most severe first, and within one
// severity the longest-unhealthy first.
func Sort(issues []models.Issue) {
	sort.SliceStable(issues, func(i, j int) bool {
		ri, rj := issues[i].Severity.Rank(), issues[j].Severity.Rank()
		if ri != rj {
			return ri < rj
		}
		return issues[i].UnhealthyTimespan > issues[j].UnhealthyTimespan
	})
}

// Keys returns the identity key set of a snapshot, the shape prune
// hooks consume.
func Keys(issues []models.Issue) map[string]struct{} {
	keys := make(map[string]struct{}, len(issues))
	for _, issue := range issues {
		keys[issue.Key()] = struct{}{}
	}
	return keys
}
