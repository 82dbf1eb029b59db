package rules

import "meshmon/internal/telemetry"

// Match identifies an operator rule that matched a telemetry document.
type Match struct {
	ID    string
	Title string
	Level string
}

// Engine applies operator rules to node telemetry.
type Engine interface {
	Apply(doc *telemetry.Document) []Match
}

// NoopEngine returns no matches.
type NoopEngine struct{}

// Apply returns an empty match list.
func (n *NoopEngine) Apply(doc *telemetry.Document) []Match {
	return nil
}
