package feed

import _ "embed"

//go:embed testdata/default_issues.yaml
var defaultFixture []byte

// DefaultStatic returns the built-in demo fixture, used when no feed
// file is configured.
func DefaultStatic() *Static {
	s, err := ParseStatic(defaultFixture)
	if err != nil {
		// The embedded fixture ships with the binary; a parse failure
		// is a build defect, not a runtime condition.
		panic(err)
	}
	return s
}
