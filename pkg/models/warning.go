package models

import "time"

// Warning sources.
const (
	SourceMonitor   = "monitor"
	SourceTelemetry = "telemetry"
	SourceRules     = "rules"
)

// Warning is a persisted, de-duplicated data-quality condition on a node.
// Dirty warnings that were not re-raised during a cycle are removed by the
// sweep.
type Warning struct {
	ID      string    `json:"id"`
	NodeID  string    `json:"node_id"`
	Code    string    `json:"code"`
	Source  string    `json:"source"`
	Message string    `json:"message,omitempty"`
	Created time.Time `json:"created"`
	Updated time.Time `json:"updated"`
	Dirty   bool      `json:"dirty"`
}

// Key identifies a warning for de-duplication.
func (w *Warning) Key() string {
	return WarningKey(w.NodeID, w.Code, w.Source)
}

// WarningKey builds the de-duplication key for a warning.
func WarningKey(nodeID, code, source string) string {
	return nodeID + "|" + code + "|" + source
}
